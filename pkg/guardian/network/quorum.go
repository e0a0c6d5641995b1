package network

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/TFMV/guardian/pkg/guardian/threat"
)

// ErrInvalidCapacity is returned when redundant mode is given negative sizes
var ErrInvalidCapacity = errors.New("invalid redundant capacity")

// Mode is the consensus operating mode
type Mode string

const (
	ModeTerrestrial Mode = "TERRESTRIAL"
	ModeRedundant   Mode = "REDUNDANT"
)

// Quorum guards signature verification thresholds and tracks whether
// consensus runs in redundant mode
type Quorum struct {
	mu                  sync.RWMutex
	supermajority       bool
	mode                Mode
	nodes               int
	crossRegionReplicas int
}

// NewQuorum creates a quorum in terrestrial mode with simple majority
func NewQuorum() *Quorum {
	return &Quorum{mode: ModeTerrestrial}
}

// Threshold returns the smallest signer count that is at least two thirds of total
func Threshold(total int) int {
	if total <= 0 {
		return 0
	}
	return (2*total + 2) / 3
}

// RequireSupermajority switches verification to the two-thirds threshold
func (q *Quorum) RequireSupermajority(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	q.supermajority = true
	q.mu.Unlock()

	log.Warn().Msg("Supermajority signature verification required")
	return nil
}

// RelaxSupermajority returns verification to simple majority
func (q *Quorum) RelaxSupermajority(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	q.supermajority = false
	q.mu.Unlock()

	log.Info().Msg("Supermajority requirement lifted")
	return nil
}

// Verify reports whether signers out of total satisfy the active threshold
func (q *Quorum) Verify(signers, total int) bool {
	if total <= 0 || signers < 0 || signers > total {
		return false
	}

	q.mu.RLock()
	supermajority := q.supermajority
	q.mu.RUnlock()

	if supermajority {
		return signers >= Threshold(total)
	}
	return signers > total/2
}

// ActivateRedundant switches consensus to redundant operation with the given
// node capacity and cross-region replica count
func (q *Quorum) ActivateRedundant(ctx context.Context, nodes, crossRegionReplicas int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if nodes <= 0 || crossRegionReplicas < 0 {
		return ErrInvalidCapacity
	}

	q.mu.Lock()
	q.mode = ModeRedundant
	q.nodes = nodes
	q.crossRegionReplicas = crossRegionReplicas
	q.mu.Unlock()

	log.Warn().
		Int("nodes", nodes).
		Int("cross_region_replicas", crossRegionReplicas).
		Msg("Redundant consensus mode active")
	return nil
}

// Resume returns to terrestrial consensus participation
func (q *Quorum) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	q.mode = ModeTerrestrial
	q.nodes = 0
	q.crossRegionReplicas = 0
	q.supermajority = false
	q.mu.Unlock()

	log.Info().Msg("Full consensus participation resumed")
	return nil
}

// Mode returns the current mode and redundant capacity
func (q *Quorum) Mode() (Mode, int, int) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.mode, q.nodes, q.crossRegionReplicas
}

// Supermajority reports whether the two-thirds threshold is active
func (q *Quorum) Supermajority() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.supermajority
}

// ReportPosture fills the consensus fields
func (q *Quorum) ReportPosture(p *threat.Posture) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	p.Supermajority = q.supermajority
	p.ConsensusMode = string(q.mode)
	p.RedundantNodes = q.nodes
	p.CrossRegionReplicas = q.crossRegionReplicas
}

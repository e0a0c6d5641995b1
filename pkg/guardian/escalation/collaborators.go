package escalation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/TFMV/guardian/pkg/guardian/threat"
)

// NetworkControl severs and restores terrestrial connectivity
type NetworkControl interface {
	IsolateNodes(ctx context.Context, nodes []string) error
	RestoreNodes(ctx context.Context, nodes []string) error
	ThrottleCritical(ctx context.Context) error
	RestoreThroughput(ctx context.Context) error
	DisconnectAll(ctx context.Context) error
	ReconnectValidated(ctx context.Context) (int, error)
	ReleaseIsolated(ctx context.Context) (int, error)
}

// ConsensusControl adjusts signature thresholds and the consensus mode
type ConsensusControl interface {
	RequireSupermajority(ctx context.Context) error
	RelaxSupermajority(ctx context.Context) error
	ActivateRedundant(ctx context.Context, nodes, crossRegionReplicas int) error
	Resume(ctx context.Context) error
}

// RemoteVault stores verified, encrypted snapshots off site
type RemoteVault interface {
	Sync(ctx context.Context, snap threat.Snapshot, replicas int) error
	Reseal(ctx context.Context) error
	Restore(ctx context.Context) (threat.Snapshot, error)
}

// KeyManager rotates the master key. Only the masked key is ever exposed.
type KeyManager interface {
	Rotate(ctx context.Context) (string, error)
	Masked() string
}

// MetricsSource supplies health metrics
type MetricsSource interface {
	Collect(ctx context.Context) (threat.SystemMetrics, error)
}

// MonitoringControl tunes sensor polling and validation frequency
type MonitoringControl interface {
	IncreaseSensitivity(ctx context.Context) error
	ResetSensitivity(ctx context.Context) error
}

// OperationsControl pauses and resumes linked downstream operations while
// the system is locked down
type OperationsControl interface {
	Pause(ctx context.Context, reason string) error
	Resume(ctx context.Context) error
}

// PostureReporter is implemented by collaborators that expose their live
// enforcement state in status reports
type PostureReporter interface {
	ReportPosture(p *threat.Posture)
}

// StatusSink consumes status reports
type StatusSink interface {
	Deliver(ctx context.Context, report threat.StatusReport) error
}

// AllClearVerifier confirms that the threat has passed
type AllClearVerifier interface {
	AllClear(ctx context.Context) (bool, error)
}

// AllClearFunc adapts a function to AllClearVerifier
type AllClearFunc func(ctx context.Context) (bool, error)

// AllClear implements AllClearVerifier
func (f AllClearFunc) AllClear(ctx context.Context) (bool, error) {
	return f(ctx)
}

// Collaborators groups everything the controller delegates to
type Collaborators struct {
	Network    NetworkControl
	Consensus  ConsensusControl
	Vault      RemoteVault
	Keys       KeyManager
	Metrics    MetricsSource
	Monitoring MonitoringControl
	AllClear   AllClearVerifier
	Operations OperationsControl
	Sinks      []StatusSink
}

// posture collects the state of every collaborator that reports one
func (c Collaborators) posture() *threat.Posture {
	var p threat.Posture
	reported := false
	seen := make(map[PostureReporter]bool)
	for _, collaborator := range []any{c.Network, c.Consensus, c.Vault, c.Keys, c.Operations} {
		reporter, ok := collaborator.(PostureReporter)
		if !ok || seen[reporter] {
			continue
		}
		seen[reporter] = true
		reporter.ReportPosture(&p)
		reported = true
	}
	if !reported {
		return nil
	}
	return &p
}

// noOperations is used when no downstream operations are linked
type noOperations struct{}

func (noOperations) Pause(context.Context, string) error { return nil }
func (noOperations) Resume(context.Context) error        { return nil }

func (c Collaborators) validate() error {
	missing := func(name string) error {
		return fmt.Errorf("%w: %s", ErrMissingCollaborator, name)
	}
	switch {
	case c.Network == nil:
		return missing("network")
	case c.Consensus == nil:
		return missing("consensus")
	case c.Vault == nil:
		return missing("vault")
	case c.Keys == nil:
		return missing("keys")
	case c.Metrics == nil:
		return missing("metrics")
	case c.Monitoring == nil:
		return missing("monitoring")
	case c.AllClear == nil:
		return missing("all-clear")
	}
	return nil
}

// AllClearLatch is an all-clear verifier set by an operator or an external
// detector. A grant is valid for the configured window.
type AllClearLatch struct {
	mu        sync.Mutex
	window    time.Duration
	grantedAt time.Time
	source    string
	now       func() time.Time
}

// NewAllClearLatch creates a latch whose grants expire after window. A
// non-positive window means grants never expire.
func NewAllClearLatch(window time.Duration) *AllClearLatch {
	return &AllClearLatch{window: window, now: time.Now}
}

// Grant records an all-clear from source
func (l *AllClearLatch) Grant(source string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.grantedAt = l.now()
	l.source = source
	log.Info().Str("source", source).Msg("All-clear granted")
}

// Revoke withdraws any outstanding grant
func (l *AllClearLatch) Revoke() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.grantedAt = time.Time{}
	l.source = ""
}

// AllClear implements AllClearVerifier
func (l *AllClearLatch) AllClear(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.grantedAt.IsZero() {
		return false, nil
	}
	if l.window > 0 && l.now().Sub(l.grantedAt) > l.window {
		return false, nil
	}
	return true, nil
}

// Package network controls terrestrial connectivity, validator isolation and
// transaction throughput for the guardian.
package network

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/TFMV/guardian/pkg/guardian/threat"
)

// Channel names a terrestrial connectivity path
type Channel string

const (
	ChannelRPC         Channel = "rpc"
	ChannelValidators  Channel = "validators"
	ChannelExternalAPI Channel = "external_api"
	ChannelBridges     Channel = "bridges"
)

// Channels returns every terrestrial channel in disconnect order
func Channels() []Channel {
	return []Channel{ChannelRPC, ChannelValidators, ChannelExternalAPI, ChannelBridges}
}

// GateState is the state of a single channel
type GateState int

const (
	GateOpen GateState = iota
	GateSevered
)

// String returns a string representation of the gate state
func (s GateState) String() string {
	if s == GateSevered {
		return "SEVERED"
	}
	return "OPEN"
}

// Priority classifies a transaction for admission
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityCritical
)

// ErrInvalidNode is returned for an empty node identifier
var ErrInvalidNode = errors.New("invalid node identifier")

// Gate tracks one channel
type Gate struct {
	Channel   Channel   `json:"channel"`
	State     GateState `json:"state"`
	ChangedAt time.Time `json:"changed_at"`
}

// Config holds the throughput limits
type Config struct {
	NormalRate   float64 `mapstructure:"normal_rate"`
	CriticalRate float64 `mapstructure:"critical_rate"`
	Burst        int     `mapstructure:"burst"`
}

// DefaultConfig returns the default throughput limits
func DefaultConfig() Config {
	return Config{
		NormalRate:   1000,
		CriticalRate: 10,
		Burst:        50,
	}
}

// Controller owns the channel gates, the node isolation set and the
// transaction throttle
type Controller struct {
	mu           sync.RWMutex
	gates        map[Channel]*Gate
	isolated     map[string]time.Time
	criticalOnly bool
	normal       *rate.Limiter
	critical     *rate.Limiter
	cfg          Config
}

// NewController creates a controller with every channel open
func NewController(cfg Config) *Controller {
	defaults := DefaultConfig()
	if cfg.NormalRate <= 0 {
		cfg.NormalRate = defaults.NormalRate
	}
	if cfg.CriticalRate <= 0 {
		cfg.CriticalRate = defaults.CriticalRate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaults.Burst
	}

	now := time.Now()
	gates := make(map[Channel]*Gate)
	for _, ch := range Channels() {
		gates[ch] = &Gate{Channel: ch, State: GateOpen, ChangedAt: now}
	}

	return &Controller{
		gates:    gates,
		isolated: make(map[string]time.Time),
		normal:   rate.NewLimiter(rate.Limit(cfg.NormalRate), cfg.Burst),
		critical: rate.NewLimiter(rate.Limit(cfg.CriticalRate), cfg.Burst),
		cfg:      cfg,
	}
}

// IsolateNodes cuts the given validator nodes off from the network
func (c *Controller) IsolateNodes(ctx context.Context, nodes []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, node := range nodes {
		if node == "" {
			return ErrInvalidNode
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for _, node := range nodes {
		if _, ok := c.isolated[node]; !ok {
			c.isolated[node] = now
		}
	}

	log.Warn().Strs("nodes", nodes).Int("isolated_total", len(c.isolated)).Msg("Validator nodes isolated")
	return nil
}

// RestoreNodes returns isolated nodes to the network
func (c *Controller) RestoreNodes(ctx context.Context, nodes []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, node := range nodes {
		delete(c.isolated, node)
	}

	log.Info().Strs("nodes", nodes).Msg("Validator nodes restored")
	return nil
}

// ThrottleCritical restricts throughput to critical transactions only
func (c *Controller) ThrottleCritical(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	c.criticalOnly = true
	c.mu.Unlock()

	log.Warn().Float64("critical_rate", c.cfg.CriticalRate).Msg("Transaction throughput restricted to critical only")
	return nil
}

// RestoreThroughput lifts the critical-only restriction
func (c *Controller) RestoreThroughput(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	c.criticalOnly = false
	c.mu.Unlock()

	log.Info().Float64("normal_rate", c.cfg.NormalRate).Msg("Transaction throughput restored")
	return nil
}

// DisconnectAll severs every terrestrial channel. Severing an already
// severed channel is a no-op.
func (c *Controller) DisconnectAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for _, ch := range Channels() {
		gate := c.gates[ch]
		if gate.State == GateSevered {
			continue
		}
		gate.State = GateSevered
		gate.ChangedAt = now
		log.Warn().Str("channel", string(ch)).Msg("Terrestrial channel severed")
	}

	return nil
}

// ReconnectValidated reopens every channel while keeping isolated nodes
// isolated. It returns the number of channels that were reopened.
func (c *Controller) ReconnectValidated(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	reopened := 0
	for _, ch := range Channels() {
		gate := c.gates[ch]
		if gate.State == GateOpen {
			continue
		}
		gate.State = GateOpen
		gate.ChangedAt = now
		reopened++
	}

	log.Info().
		Int("channels", reopened).
		Int("still_isolated", len(c.isolated)).
		Msg("Connectivity restored for validated nodes")

	return reopened, nil
}

// ReleaseIsolated returns every isolated node to the network and reports how
// many were released
func (c *Controller) ReleaseIsolated(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c.mu.Lock()
	released := len(c.isolated)
	c.isolated = make(map[string]time.Time)
	c.mu.Unlock()

	log.Info().Int("released", released).Msg("Isolated validator nodes released")
	return released, nil
}

// Admit decides whether a transaction of the given priority may proceed
func (c *Controller) Admit(priority Priority) bool {
	c.mu.RLock()
	severed := c.gates[ChannelRPC].State == GateSevered
	criticalOnly := c.criticalOnly
	c.mu.RUnlock()

	switch {
	case severed:
		return false
	case criticalOnly && priority != PriorityCritical:
		return false
	case criticalOnly:
		return c.critical.Allow()
	default:
		return c.normal.Allow()
	}
}

// NodeAllowed reports whether a node may participate
func (c *Controller) NodeAllowed(node string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.gates[ChannelValidators].State == GateSevered {
		return false
	}
	_, isolated := c.isolated[node]
	return !isolated
}

// Isolated returns the isolated node identifiers in sorted order
func (c *Controller) Isolated() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	nodes := make([]string, 0, len(c.isolated))
	for node := range c.isolated {
		nodes = append(nodes, node)
	}
	slices.Sort(nodes)
	return nodes
}

// Gates returns a copy of every gate in channel order
func (c *Controller) Gates() []Gate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	gates := make([]Gate, 0, len(c.gates))
	for _, ch := range Channels() {
		gates = append(gates, *c.gates[ch])
	}
	return gates
}

// CriticalOnly reports whether the throughput restriction is active
func (c *Controller) CriticalOnly() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.criticalOnly
}

// ReportPosture fills the gate, isolation and throttle fields
func (c *Controller) ReportPosture(p *threat.Posture) {
	p.Gates = make(map[string]string, len(Channels()))
	for _, g := range c.Gates() {
		p.Gates[string(g.Channel)] = g.State.String()
	}
	p.IsolatedNodes = c.Isolated()
	p.CriticalOnly = c.CriticalOnly()
}

// ParsePriority parses "normal" or "critical"
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PriorityNormal, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown transaction priority %q", s)
	}
}

// String returns a string representation of the priority
func (p Priority) String() string {
	if p == PriorityCritical {
		return "critical"
	}
	return "normal"
}

// String summarizes the controller state for logs
func (c *Controller) String() string {
	severed := 0
	for _, g := range c.Gates() {
		if g.State == GateSevered {
			severed++
		}
	}
	return fmt.Sprintf("severed=%d/%d isolated=%d critical_only=%t",
		severed, len(Channels()), len(c.Isolated()), c.CriticalOnly())
}

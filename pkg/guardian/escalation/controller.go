// Package escalation implements the threat escalation controller: it ingests
// threat signals, tracks the threat level and system state, and runs the
// response sequence for each escalation exactly once.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/TFMV/guardian/pkg/guardian/threat"
)

// ThreatCallback is invoked after a signal of a registered type is processed
type ThreatCallback func(ctx context.Context, signal threat.ThreatSignal) error

// Options configures a controller
type Options struct {
	Mirror        threat.OrbitalMirrorConfig
	PhaseTimeout  time.Duration
	BackupTimeout time.Duration
	Hooks         *Hooks
	Now           func() time.Time
}

// Controller owns the threat level, system state, emergency flag and signal
// history.
type Controller struct {
	// respondMu serializes mutators end to end so only one response runs
	respondMu sync.Mutex

	mu          sync.RWMutex
	state       threat.SystemState
	level       threat.ThreatLevel
	emergency   bool
	history     []threat.ThreatSignal
	metrics     threat.SystemMetrics
	mirror      threat.OrbitalMirrorConfig
	lastFailure *threat.PhaseFailureInfo
	pending     *threat.ThreatSignal
	startedAt   time.Time

	responding atomic.Bool

	cbMu      sync.RWMutex
	callbacks map[threat.ThreatType][]ThreatCallback

	collab Collaborators
	opts   Options
	hooks  *Hooks

	background sync.WaitGroup
}

// New creates a controller in OPERATIONAL state at NORMAL threat
func New(collab Collaborators, opts Options) (*Controller, error) {
	if err := collab.validate(); err != nil {
		return nil, err
	}
	if opts.Mirror.ReplicaCount < 0 {
		return nil, fmt.Errorf("replica count must not be negative: %d", opts.Mirror.ReplicaCount)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.BackupTimeout <= 0 {
		opts.BackupTimeout = 2 * time.Minute
	}
	if opts.Hooks == nil {
		opts.Hooks = NewHooks()
	}
	if collab.Operations == nil {
		collab.Operations = noOperations{}
	}

	c := &Controller{
		state:     threat.StateOperational,
		level:     threat.LevelNormal,
		metrics:   threat.DefaultMetrics(),
		mirror:    opts.Mirror,
		startedAt: opts.Now(),
		callbacks: make(map[threat.ThreatType][]ThreatCallback),
		collab:    collab,
		opts:      opts,
		hooks:     opts.Hooks,
	}

	log.Info().
		Int("replica_count", opts.Mirror.ReplicaCount).
		Bool("lunar_vault", opts.Mirror.LunarVaultActive).
		Bool("satellite_backup", opts.Mirror.SatelliteBackupEnabled).
		Str("master_key", collab.Keys.Masked()).
		Msg("Escalation controller initialized")

	return c, nil
}

// Hooks returns the observer registry
func (c *Controller) Hooks() *Hooks {
	return c.hooks
}

// OnThreat registers a callback for signals of the given type. Callbacks do
// not influence escalation.
func (c *Controller) OnThreat(t threat.ThreatType, fn ThreatCallback) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.callbacks[t] = append(c.callbacks[t], fn)
}

// Submit records a signal and, when its severity is strictly higher than the
// current threat level, raises the level and runs the matching response.
func (c *Controller) Submit(ctx context.Context, signal threat.ThreatSignal) error {
	if err := signal.Validate(); err != nil {
		return err
	}
	signal = signal.Normalized(c.opts.Now())

	err := c.submit(ctx, signal)
	c.fireCallbacks(ctx, signal)
	return err
}

func (c *Controller) submit(ctx context.Context, signal threat.ThreatSignal) error {
	c.respondMu.Lock()
	defer c.respondMu.Unlock()

	c.mu.Lock()
	c.history = append(c.history, signal)
	escalated := signal.Severity > c.level
	previous := c.level
	if escalated {
		c.level = signal.Severity
	}
	c.mu.Unlock()

	c.hooks.NotifySignal(signal, escalated)

	event := log.Info().
		Str("type", string(signal.Type)).
		Str("severity", signal.Severity.String()).
		Str("source", signal.Source).
		Float64("confidence", signal.Confidence)
	if !escalated {
		event.Str("threat_level", previous.String()).Msg("Threat signal recorded without escalation")
		return nil
	}
	event.Str("previous_level", previous.String()).Msg("Threat level escalated")

	return c.respond(ctx, signal)
}

// RetryResponse re-runs the response for the current threat level after a
// failed response
func (c *Controller) RetryResponse(ctx context.Context) error {
	c.respondMu.Lock()
	defer c.respondMu.Unlock()

	c.mu.RLock()
	pending := c.pending
	c.mu.RUnlock()
	if pending == nil {
		return ErrNothingToRetry
	}

	log.Info().Str("severity", pending.Severity.String()).Msg("Retrying failed response")
	return c.respond(ctx, *pending)
}

// InitiateRecovery begins recovery from ORBITAL_MIRROR. It returns false
// with ErrRecoveryPrecondition from any other state or without an all-clear.
// The threat level is left unchanged.
func (c *Controller) InitiateRecovery(ctx context.Context) (bool, error) {
	c.respondMu.Lock()
	defer c.respondMu.Unlock()

	state := c.State()
	if state != threat.StateOrbitalMirror {
		log.Warn().Str("state", state.String()).Msg("Recovery requested outside orbital mirror mode")
		return false, fmt.Errorf("%w: state is %s", ErrRecoveryPrecondition, state)
	}

	if err := c.runSequence(ctx, c.recoveryPipeline()); err != nil {
		return false, err
	}

	c.mu.Lock()
	c.emergency = false
	c.mu.Unlock()
	c.setState(threat.StateRecovery)

	log.Info().Str("threat_level", c.Level().String()).Msg("Recovery initiated")
	return true, nil
}

// CompleteRecovery finishes recovery: it resets the threat level to NORMAL
// and returns to OPERATIONAL
func (c *Controller) CompleteRecovery(ctx context.Context) error {
	c.respondMu.Lock()
	defer c.respondMu.Unlock()

	state := c.State()
	if state != threat.StateRecovery {
		return fmt.Errorf("%w: state is %s", ErrRecoveryPrecondition, state)
	}

	if err := c.runSequence(ctx, c.completionPipeline()); err != nil {
		return err
	}

	c.mu.Lock()
	c.level = threat.LevelNormal
	c.pending = nil
	c.lastFailure = nil
	c.mu.Unlock()
	c.setState(threat.StateOperational)

	log.Info().Msg("Recovery complete, threat level reset")
	return nil
}

// Monitor runs one monitoring cycle: it refreshes the metrics, builds a
// status report and delivers it to every sink. It never changes the state or
// the threat level.
func (c *Controller) Monitor(ctx context.Context) (threat.StatusReport, error) {
	metrics, err := c.collab.Metrics.Collect(ctx)
	if err != nil {
		return c.Status(), fmt.Errorf("failed to collect metrics: %w", err)
	}

	c.mu.Lock()
	c.metrics = metrics
	c.mu.Unlock()

	if !metrics.IsHealthy() {
		log.Warn().
			Float64("network_health", metrics.NetworkHealth).
			Float64("consensus_strength", metrics.ConsensusStrength).
			Float64("blockchain_integrity", metrics.BlockchainIntegrity).
			Msg("System health below threshold")
	}

	report := c.Status()

	var errs []error
	for _, sink := range c.collab.Sinks {
		if err := sink.Deliver(ctx, report); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return report, fmt.Errorf("failed to deliver status: %w", errors.Join(errs...))
	}
	return report, nil
}

// Status returns a snapshot of the controller. It does not wait for a
// running response.
func (c *Controller) Status() threat.StatusReport {
	now := c.opts.Now()
	masked := c.collab.Keys.Masked()
	posture := c.collab.posture()

	c.mu.RLock()
	defer c.mu.RUnlock()

	uptime := now.Sub(c.startedAt)
	report := threat.StatusReport{
		State:           c.state,
		ThreatLevel:     c.level,
		EmergencyMode:   c.emergency,
		UptimeSeconds:   uptime.Seconds(),
		Uptime:          threat.FormatUptime(uptime),
		Metrics:         c.metrics,
		Healthy:         c.metrics.IsHealthy(),
		VaultActive:     c.mirror.LunarVaultActive,
		SatelliteBackup: c.mirror.SatelliteBackupEnabled,
		ReplicaCount:    c.mirror.ReplicaCount,
		LastSync:        c.mirror.LastSyncTimestamp,
		MaskedKey:       masked,
		HistoryCount:    len(c.history),
		Responding:      c.responding.Load(),
		Posture:         posture,
		GeneratedAt:     now.UTC(),
	}
	if c.lastFailure != nil {
		failure := *c.lastFailure
		report.LastFailure = &failure
	}
	return report
}

// State returns the current system state
func (c *Controller) State() threat.SystemState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Level returns the current threat level
func (c *Controller) Level() threat.ThreatLevel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.level
}

// EmergencyMode reports whether the maximum response has been entered
func (c *Controller) EmergencyMode() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.emergency
}

// History returns a copy of every accepted signal in arrival order
func (c *Controller) History() []threat.ThreatSignal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	history := make([]threat.ThreatSignal, len(c.history))
	for i, s := range c.history {
		s.AffectedSystems = slices.Clone(s.AffectedSystems)
		history[i] = s
	}
	return history
}

// Close waits for background backups to finish or ctx to expire
func (c *Controller) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.background.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("Escalation controller stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("background backups still running: %w", ctx.Err())
	}
}

func (c *Controller) setState(next threat.SystemState) {
	c.mu.Lock()
	previous := c.state
	c.state = next
	level := c.level
	c.mu.Unlock()

	if previous == next {
		return
	}

	log.Info().
		Str("from", previous.String()).
		Str("to", next.String()).
		Str("threat_level", level.String()).
		Msg("System state changed")
	c.hooks.NotifyStateChange(previous, next, level)
}

// runSequence executes a pipeline and records its outcome
func (c *Controller) runSequence(ctx context.Context, p Pipeline) error {
	c.responding.Store(true)
	defer c.responding.Store(false)

	p.Timeout = c.opts.PhaseTimeout
	p.Observe = c.hooks.NotifyPhase

	err := p.Execute(ctx)

	var failure *PhaseFailure
	if errors.As(err, &failure) {
		c.mu.Lock()
		c.lastFailure = &threat.PhaseFailureInfo{
			Sequence: failure.Sequence,
			Phase:    failure.Phase,
			Error:    failure.Err.Error(),
			At:       c.opts.Now().UTC(),
		}
		c.mu.Unlock()
	}
	return err
}

// snapshot captures the critical state as it will be once target is reached
func (c *Controller) snapshot(target threat.SystemState) threat.Snapshot {
	history := c.History()

	c.mu.RLock()
	defer c.mu.RUnlock()
	return threat.Snapshot{
		ID:            uuid.New().String(),
		TakenAt:       c.opts.Now().UTC(),
		State:         target,
		ThreatLevel:   c.level,
		EmergencyMode: c.emergency,
		Metrics:       c.metrics,
		History:       history,
	}
}

func (c *Controller) recordSync() {
	c.mu.Lock()
	c.mirror.LastSyncTimestamp = c.opts.Now().Unix()
	c.mu.Unlock()
}

func (c *Controller) fireCallbacks(ctx context.Context, signal threat.ThreatSignal) {
	c.cbMu.RLock()
	callbacks := slices.Clone(c.callbacks[signal.Type])
	c.cbMu.RUnlock()

	for _, fn := range callbacks {
		if err := fn(ctx, signal); err != nil {
			log.Error().Err(err).Str("type", string(signal.Type)).Msg("Threat callback failed")
		}
	}
}

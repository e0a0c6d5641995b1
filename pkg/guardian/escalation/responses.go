package escalation

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/TFMV/guardian/pkg/guardian/threat"
)

// Sequence names
const (
	SequenceMonitoring       = "monitoring"
	SequenceLockdown         = "lockdown"
	SequenceMaximumResponse  = "maximum_response"
	SequenceRecovery         = "recovery"
	SequenceCompleteRecovery = "complete_recovery"
)

// respond runs the response for the level the signal raised the threat to.
// The caller holds respondMu.
func (c *Controller) respond(ctx context.Context, signal threat.ThreatSignal) error {
	var err error
	switch signal.Severity {
	case threat.LevelWarning:
		err = c.activateMonitoring(ctx)
	case threat.LevelCritical:
		err = c.activateLockdown(ctx, signal)
	case threat.LevelAbsoluteZero:
		err = c.triggerMaximumResponse(ctx)
	default:
		return nil
	}

	c.mu.Lock()
	if err != nil {
		pending := signal
		c.pending = &pending
	} else {
		c.pending = nil
		c.lastFailure = nil
	}
	c.mu.Unlock()

	return err
}

// activateMonitoring raises sensor sensitivity and enters MONITORING
func (c *Controller) activateMonitoring(ctx context.Context) error {
	p := Pipeline{
		Name: SequenceMonitoring,
		Phases: []Phase{
			{Name: "increase_sensitivity", Run: c.collab.Monitoring.IncreaseSensitivity},
		},
	}
	if err := c.runSequence(ctx, p); err != nil {
		return err
	}

	c.setState(threat.StateMonitoring)
	return nil
}

// activateLockdown isolates the affected nodes, restricts throughput,
// requires supermajority signatures, pauses linked operations and starts a
// background backup. A failed phase rolls back the completed ones and leaves
// the state unchanged.
func (c *Controller) activateLockdown(ctx context.Context, signal threat.ThreatSignal) error {
	nodes := signal.AffectedSystems

	p := Pipeline{
		Name:     SequenceLockdown,
		Rollback: true,
		Phases: []Phase{
			{
				Name: "isolate_nodes",
				Run: func(ctx context.Context) error {
					return c.collab.Network.IsolateNodes(ctx, nodes)
				},
				Undo: func(ctx context.Context) error {
					return c.collab.Network.RestoreNodes(ctx, nodes)
				},
			},
			{
				Name: "throttle_transactions",
				Run:  c.collab.Network.ThrottleCritical,
				Undo: c.collab.Network.RestoreThroughput,
			},
			{
				Name: "require_supermajority",
				Run:  c.collab.Consensus.RequireSupermajority,
				Undo: c.collab.Consensus.RelaxSupermajority,
			},
			{
				Name: "pause_operations",
				Run: func(ctx context.Context) error {
					return c.collab.Operations.Pause(ctx, threat.StatePartialLockdown.String())
				},
				Undo: c.collab.Operations.Resume,
			},
			{
				Name: "start_backup_sync",
				Run: func(ctx context.Context) error {
					c.startBackup(ctx, c.snapshot(threat.StatePartialLockdown))
					return nil
				},
			},
		},
	}
	if err := c.runSequence(ctx, p); err != nil {
		return err
	}

	c.setState(threat.StatePartialLockdown)
	return nil
}

// startBackup synchronizes the snapshot in the background. The backup
// outlives the caller's context but is bounded by BackupTimeout.
func (c *Controller) startBackup(ctx context.Context, snap threat.Snapshot) {
	c.mu.RLock()
	replicas := c.mirror.ReplicaCount
	c.mu.RUnlock()

	c.background.Add(1)
	go func() {
		defer c.background.Done()

		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.BackupTimeout)
		defer cancel()

		if err := c.collab.Vault.Sync(bctx, snap, replicas); err != nil {
			log.Error().Err(err).Str("snapshot_id", snap.ID).Msg("Background backup failed")
			return
		}
		c.recordSync()
		log.Info().Str("snapshot_id", snap.ID).Int("replicas", replicas).Msg("Background backup complete")
	}()
}

// triggerMaximumResponse sets emergency mode, pauses linked operations and
// runs the four isolation phases. Success enters ORBITAL_MIRROR; any failure
// aborts without rollback and enters FULL_LOCKDOWN.
func (c *Controller) triggerMaximumResponse(ctx context.Context) error {
	c.mu.Lock()
	c.emergency = true
	mirror := c.mirror
	c.mu.Unlock()

	log.Warn().Msg("Maximum response protocol engaged")

	p := Pipeline{
		Name: SequenceMaximumResponse,
		Phases: []Phase{
			{
				Name: "pause_operations",
				Run: func(ctx context.Context) error {
					return c.collab.Operations.Pause(ctx, threat.StateOrbitalMirror.String())
				},
			},
			{Name: "disconnect_terrestrial", Run: c.collab.Network.DisconnectAll},
			{
				Name: "vault_sync",
				Run: func(ctx context.Context) error {
					if err := c.collab.Vault.Sync(ctx, c.snapshot(threat.StateOrbitalMirror), mirror.ReplicaCount); err != nil {
						return err
					}
					c.recordSync()
					return nil
				},
			},
			{
				Name: "rotate_master_key",
				Run: func(ctx context.Context) error {
					keyID, err := c.collab.Keys.Rotate(ctx)
					if err != nil {
						return err
					}
					if err := c.collab.Vault.Reseal(ctx); err != nil {
						return fmt.Errorf("failed to re-encrypt vault under key %s: %w", keyID, err)
					}
					log.Info().Str("key_id", keyID).Str("master_key", c.collab.Keys.Masked()).Msg("Master key rotated")
					return nil
				},
			},
			{
				Name: "activate_redundancy",
				Run: func(ctx context.Context) error {
					return c.collab.Consensus.ActivateRedundant(ctx, mirror.RedundantNodes(), mirror.CrossRegionReplicas())
				},
			},
		},
	}
	if err := c.runSequence(ctx, p); err != nil {
		c.setState(threat.StateFullLockdown)
		return err
	}

	c.setState(threat.StateOrbitalMirror)
	return nil
}

// recoveryPipeline verifies the all-clear, reconnects validated nodes,
// restores state from the vault and resumes consensus. A failed phase severs
// the reconnected channels again so the gates match ORBITAL_MIRROR.
func (c *Controller) recoveryPipeline() Pipeline {
	return Pipeline{
		Name:     SequenceRecovery,
		Rollback: true,
		Phases: []Phase{
			{
				Name: "verify_all_clear",
				Run: func(ctx context.Context) error {
					ok, err := c.collab.AllClear.AllClear(ctx)
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("%w: no all-clear signal", ErrRecoveryPrecondition)
					}
					return nil
				},
			},
			{
				Name: "restore_connectivity",
				Run: func(ctx context.Context) error {
					_, err := c.collab.Network.ReconnectValidated(ctx)
					return err
				},
				Undo: c.collab.Network.DisconnectAll,
			},
			{Name: "restore_state", Run: c.restoreState},
			{Name: "resume_consensus", Run: c.collab.Consensus.Resume},
		},
	}
}

// restoreState reads the latest snapshot back from the vault. Signals the
// snapshot holds beyond the local history are recovered into it.
func (c *Controller) restoreState(ctx context.Context) error {
	snap, err := c.collab.Vault.Restore(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	recovered := 0
	if len(snap.History) > len(c.history) {
		recovered = len(snap.History) - len(c.history)
		c.history = append(c.history, snap.History[len(c.history):]...)
	}
	c.mu.Unlock()

	log.Info().
		Str("snapshot_id", snap.ID).
		Int("snapshot_history", len(snap.History)).
		Int("recovered_signals", recovered).
		Msg("Working state restored from vault")
	return nil
}

// completionPipeline returns the network, sensors and linked operations to
// normal operation
func (c *Controller) completionPipeline() Pipeline {
	return Pipeline{
		Name: SequenceCompleteRecovery,
		Phases: []Phase{
			{Name: "reset_sensitivity", Run: c.collab.Monitoring.ResetSensitivity},
			{
				Name: "release_isolated_nodes",
				Run: func(ctx context.Context) error {
					_, err := c.collab.Network.ReleaseIsolated(ctx)
					return err
				},
			},
			{Name: "restore_throughput", Run: c.collab.Network.RestoreThroughput},
			{Name: "relax_supermajority", Run: c.collab.Consensus.RelaxSupermajority},
			{Name: "resume_operations", Run: c.collab.Operations.Resume},
		},
	}
}

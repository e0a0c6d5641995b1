package events

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/TFMV/guardian/pkg/guardian/threat"
)

// LogSink renders status reports as structured log lines. It implements
// escalation.StatusSink.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink writing to logger
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "status").Logger()}
}

// Deliver implements escalation.StatusSink
func (l *LogSink) Deliver(ctx context.Context, report threat.StatusReport) error {
	event := l.logger.Info()
	if report.EmergencyMode || !report.Healthy {
		event = l.logger.Warn()
	}

	event = event.
		Str("state", report.State.String()).
		Str("threat_level", report.ThreatLevel.String()).
		Bool("emergency_mode", report.EmergencyMode).
		Str("uptime", report.Uptime).
		Float64("network_health", report.Metrics.NetworkHealth).
		Float64("consensus_strength", report.Metrics.ConsensusStrength).
		Float64("blockchain_integrity", report.Metrics.BlockchainIntegrity).
		Int("active_validators", report.Metrics.ActiveValidators).
		Bool("lunar_vault", report.VaultActive).
		Bool("satellite_backup", report.SatelliteBackup).
		Int("replica_count", report.ReplicaCount).
		Str("master_key", report.MaskedKey).
		Int("threat_history", report.HistoryCount)

	if report.LastFailure != nil {
		event = event.
			Str("failed_sequence", report.LastFailure.Sequence).
			Str("failed_phase", report.LastFailure.Phase)
	}

	event.Msg("System status")
	return nil
}

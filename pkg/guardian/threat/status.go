package threat

import (
	"fmt"
	"time"
)

// SystemMetrics is a health snapshot refreshed on every monitoring cycle.
// Each cycle overwrites the previous snapshot.
type SystemMetrics struct {
	NetworkHealth          float64 `json:"network_health"`
	ConsensusStrength      float64 `json:"consensus_strength"`
	BlockchainIntegrity    float64 `json:"blockchain_integrity"`
	TimestampAccuracy      float64 `json:"timestamp_accuracy"`
	ActiveValidators       int     `json:"active_validators"`
	SuspiciousTransactions int     `json:"suspicious_transactions"`
	LastUpdate             string  `json:"last_update"`
}

// DefaultMetrics returns the optimistic snapshot used before the first cycle
func DefaultMetrics() SystemMetrics {
	return SystemMetrics{
		NetworkHealth:       1.0,
		ConsensusStrength:   1.0,
		BlockchainIntegrity: 1.0,
		TimestampAccuracy:   1.0,
		LastUpdate:          time.Now().UTC().Format(time.RFC3339),
	}
}

// IsHealthy applies the health thresholds to the snapshot
func (m SystemMetrics) IsHealthy() bool {
	return m.NetworkHealth > 0.95 &&
		m.ConsensusStrength > 0.95 &&
		m.BlockchainIntegrity > 0.9999
}

// OrbitalMirrorConfig configures the redundant vault. EncryptionKey is a
// secret and is only ever displayed masked.
type OrbitalMirrorConfig struct {
	LunarVaultActive       bool   `mapstructure:"lunar_vault_active" json:"lunar_vault_active"`
	SatelliteBackupEnabled bool   `mapstructure:"satellite_backup_enabled" json:"satellite_backup_enabled"`
	EncryptionKey          string `mapstructure:"encryption_key" json:"-"`
	ReplicaCount           int    `mapstructure:"replica_count" json:"replica_count"`
	LastSyncTimestamp      int64  `mapstructure:"last_sync_timestamp" json:"last_sync_timestamp"`
}

// BaseConsensusNodes is the node count before replicas are added
const BaseConsensusNodes = 3

// RedundantNodes is the consensus capacity available in redundant mode
func (c OrbitalMirrorConfig) RedundantNodes() int {
	return BaseConsensusNodes + c.ReplicaCount
}

// CrossRegionReplicas is the replica count across regions in redundant mode
func (c OrbitalMirrorConfig) CrossRegionReplicas() int {
	return c.ReplicaCount * 2
}

// PhaseFailureInfo describes the last failed response phase
type PhaseFailureInfo struct {
	Sequence string    `json:"sequence"`
	Phase    string    `json:"phase"`
	Error    string    `json:"error"`
	At       time.Time `json:"at"`
}

// StatusReport is the structured status value rendered by sinks and clients
type StatusReport struct {
	State           SystemState       `json:"state"`
	ThreatLevel     ThreatLevel       `json:"threat_level"`
	EmergencyMode   bool              `json:"emergency_mode"`
	UptimeSeconds   float64           `json:"uptime_seconds"`
	Uptime          string            `json:"uptime"`
	Metrics         SystemMetrics     `json:"metrics"`
	Healthy         bool              `json:"healthy"`
	VaultActive     bool              `json:"lunar_vault"`
	SatelliteBackup bool              `json:"satellite_backup"`
	ReplicaCount    int               `json:"replica_count"`
	LastSync        int64             `json:"last_sync_timestamp"`
	MaskedKey       string            `json:"master_key,omitempty"`
	HistoryCount    int               `json:"threat_history_count"`
	Responding      bool              `json:"responding"`
	LastFailure     *PhaseFailureInfo `json:"last_failure,omitempty"`
	Posture         *Posture          `json:"posture,omitempty"`
	GeneratedAt     time.Time         `json:"generated_at"`
}

// Posture is the live enforcement state reported by the collaborators. Each
// collaborator fills only its own fields.
type Posture struct {
	Gates               map[string]string `json:"gates,omitempty"`
	IsolatedNodes       []string          `json:"isolated_nodes,omitempty"`
	CriticalOnly        bool              `json:"critical_only"`
	Supermajority       bool              `json:"supermajority"`
	ConsensusMode       string            `json:"consensus_mode,omitempty"`
	RedundantNodes      int               `json:"redundant_nodes,omitempty"`
	CrossRegionReplicas int               `json:"cross_region_replicas,omitempty"`
	KeyID               string            `json:"key_id,omitempty"`
	KeyAlgorithm        string            `json:"key_algorithm,omitempty"`
	SnapshotID          string            `json:"snapshot_id,omitempty"`
	SnapshotCopies      int               `json:"snapshot_copies,omitempty"`
	SnapshotSyncedAt    time.Time         `json:"snapshot_synced_at,omitzero"`
	OperationsPaused    bool              `json:"operations_paused"`
}

// FormatUptime renders a duration as "Xh Ym"
func FormatUptime(d time.Duration) string {
	hours := int(d / time.Hour)
	minutes := int((d % time.Hour) / time.Minute)
	return fmt.Sprintf("%dh %dm", hours, minutes)
}

// Snapshot is the critical state replicated to the redundant vault
type Snapshot struct {
	ID            string         `json:"id"`
	TakenAt       time.Time      `json:"taken_at"`
	State         SystemState    `json:"state"`
	ThreatLevel   ThreatLevel    `json:"threat_level"`
	EmergencyMode bool           `json:"emergency_mode"`
	Metrics       SystemMetrics  `json:"metrics"`
	History       []ThreatSignal `json:"history"`
}

package service

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/TFMV/guardian/pkg/guardian/audit"
	"github.com/TFMV/guardian/pkg/guardian/config"
	"github.com/TFMV/guardian/pkg/guardian/escalation"
	"github.com/TFMV/guardian/pkg/guardian/network"
	"github.com/TFMV/guardian/pkg/guardian/server"
	"github.com/TFMV/guardian/pkg/guardian/threat"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	cfg.Events.LogStatus = false
	cfg.Server.AdminAPIEnabled = false
	cfg.Mirror.EncryptionKey = "LUNAR_TEST_KEY_0001"
	return cfg
}

func healthStatus(t *testing.T, s *Service) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := s.Health.HealthServer().Check(context.Background(), &healthpb.HealthCheckRequest{Service: server.HealthService})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestEscalationAndRecoveryEndToEnd(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, testConfig(t))
	require.NoError(t, err)

	initialKey := s.Keys.Masked()
	initialInterval := s.Scheduler.Interval()

	require.NoError(t, s.Controller.Submit(ctx, threat.ThreatSignal{
		Type: threat.TypePriceManipulation, Severity: threat.LevelWarning,
		Source: "oracle", Confidence: 0.75,
	}))
	assert.Equal(t, threat.StateMonitoring, s.Controller.State())
	assert.Less(t, s.Scheduler.Interval(), initialInterval)

	require.NoError(t, s.Controller.Submit(ctx, threat.ThreatSignal{
		Type: threat.TypeConsensusAttack, Severity: threat.LevelCritical,
		Source: "consensus", Confidence: 0.95, AffectedSystems: []string{"validator-3", "validator-7"},
	}))
	assert.Equal(t, threat.StatePartialLockdown, s.Controller.State())
	assert.ElementsMatch(t, []string{"validator-3", "validator-7"}, s.Network.Isolated())
	assert.True(t, s.Network.CriticalOnly())
	assert.True(t, s.Quorum.Supermajority())

	require.NoError(t, s.Controller.Submit(ctx, threat.ThreatSignal{
		Type: threat.TypeQuantumThreat, Severity: threat.LevelAbsoluteZero,
		Source: "pq-monitor", Confidence: 0.99,
	}))
	assert.Equal(t, threat.StateOrbitalMirror, s.Controller.State())
	assert.True(t, s.Controller.EmergencyMode())
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, healthStatus(t, s))

	mode, nodes, cross := s.Quorum.Mode()
	assert.Equal(t, network.ModeRedundant, mode)
	assert.Equal(t, 6, nodes)
	assert.Equal(t, 6, cross)

	manifest, ok := s.Vault.Latest()
	require.True(t, ok)
	assert.Len(t, manifest.Copies, 4)
	assert.NotEqual(t, initialKey, s.Keys.Masked())

	status := s.Controller.Status()
	assert.Equal(t, 3, status.HistoryCount)
	assert.NotZero(t, status.LastSync)
	assert.NotContains(t, status.MaskedKey, "LUNAR_TEST_KEY_0001")

	_, err = s.Controller.InitiateRecovery(ctx)
	assert.ErrorIs(t, err, escalation.ErrRecoveryPrecondition)
	assert.Equal(t, threat.StateOrbitalMirror, s.Controller.State())

	s.AllClear.Grant("soc")
	ok, err = s.Controller.InitiateRecovery(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, threat.StateRecovery, s.Controller.State())
	assert.False(t, s.Controller.EmergencyMode())
	assert.Equal(t, threat.LevelAbsoluteZero, s.Controller.Level())
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, healthStatus(t, s))

	require.NoError(t, s.Controller.CompleteRecovery(ctx))
	assert.Equal(t, threat.StateOperational, s.Controller.State())
	assert.Equal(t, threat.LevelNormal, s.Controller.Level())
	assert.Equal(t, initialInterval, s.Scheduler.Interval())
	assert.False(t, s.Network.CriticalOnly())

	require.NotNil(t, s.Metrics)
	transitions, err := testutil.GatherAndCount(s.Metrics.Registry(), "guardian_state_transitions_total")
	require.NoError(t, err)
	assert.Equal(t, 5, transitions)

	require.NotNil(t, s.Audit)
	require.Eventually(t, func() bool {
		entries, err := s.Audit.Query(ctx, audit.Query{Actions: []string{audit.ActionStateChanged}})
		return err == nil && len(entries) >= 5
	}, 2*time.Second, 10*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(shutdownCtx))
}

func TestMonitorCycleDeliversWithoutStateChange(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, testConfig(t))
	require.NoError(t, err)
	defer func() { _ = s.Shutdown(ctx) }()

	degraded := threat.DefaultMetrics()
	degraded.NetworkHealth = 0.5
	s.Source.Set(degraded)

	report, err := s.Controller.Monitor(ctx)
	require.NoError(t, err)
	assert.False(t, report.Healthy)
	assert.Equal(t, threat.StateOperational, report.State)
	assert.Equal(t, threat.LevelNormal, report.ThreatLevel)
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Vault.Backend = "tape"
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

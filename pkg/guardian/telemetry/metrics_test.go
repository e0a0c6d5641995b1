package telemetry

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/TFMV/guardian/pkg/guardian/escalation"
	"github.com/TFMV/guardian/pkg/guardian/threat"
)

func newTestManager(t *testing.T, rateLimit int) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RateLimit = rateLimit
	tm, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("Failed to create telemetry manager: %v", err)
	}
	return tm
}

func TestObserverUpdatesMetrics(t *testing.T) {
	tm := newTestManager(t, 0)

	signal := threat.ThreatSignal{Type: threat.TypeQuantumThreat, Severity: threat.LevelCritical}
	tm.SignalReceived(signal, true)
	tm.SignalReceived(signal, false)

	if got := testutil.ToFloat64(tm.signals.WithLabelValues("QUANTUM_THREAT", "CRITICAL")); got != 2 {
		t.Errorf("Expected 2 signals, got %v", got)
	}
	if got := testutil.ToFloat64(tm.escalations); got != 1 {
		t.Errorf("Expected 1 escalation, got %v", got)
	}
	if got := testutil.ToFloat64(tm.threatLevel); got != float64(threat.LevelCritical) {
		t.Errorf("Expected threat level gauge %d, got %v", threat.LevelCritical, got)
	}

	tm.StateChanged(threat.StatePartialLockdown, threat.StateOrbitalMirror, threat.LevelAbsoluteZero)
	if got := testutil.ToFloat64(tm.emergencyMode); got != 1 {
		t.Errorf("Expected emergency gauge 1, got %v", got)
	}
	if got := testutil.ToFloat64(tm.systemState); got != float64(threat.StateOrbitalMirror) {
		t.Errorf("Unexpected state gauge %v", got)
	}

	tm.StateChanged(threat.StateOrbitalMirror, threat.StateRecovery, threat.LevelAbsoluteZero)
	if got := testutil.ToFloat64(tm.emergencyMode); got != 0 {
		t.Errorf("Expected emergency gauge 0 after recovery, got %v", got)
	}

	tm.PhaseCompleted(escalation.PhaseResult{Sequence: "lockdown", Phase: "isolate_nodes", Duration: time.Millisecond})
	tm.PhaseCompleted(escalation.PhaseResult{Sequence: "lockdown", Phase: "isolate_nodes", Err: errors.New("x")})
	if got := testutil.ToFloat64(tm.phaseFailures.WithLabelValues("lockdown", "isolate_nodes")); got != 1 {
		t.Errorf("Expected 1 phase failure, got %v", got)
	}
}

func TestMetricsHandler(t *testing.T) {
	tm := newTestManager(t, 0)
	tm.SignalReceived(threat.ThreatSignal{Type: threat.TypeNetworkSplit, Severity: threat.LevelWarning}, true)

	rec := httptest.NewRecorder()
	tm.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "guardian_signals_total") {
		t.Error("Expected guardian_signals_total in exposition")
	}
}

func TestMetricsHandlerRateLimit(t *testing.T) {
	tm := newTestManager(t, 1)
	handler := tm.Handler()

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if first.Code != http.StatusOK || second.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 200 then 429, got %d then %d", first.Code, second.Code)
	}
}

func TestDisabledPrometheus(t *testing.T) {
	tm, err := NewManager(MetricsConfig{})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	// Observer calls must be safe without a registry
	tm.SignalReceived(threat.ThreatSignal{}, true)
	tm.StateChanged(threat.StateOperational, threat.StateMonitoring, threat.LevelWarning)
	tm.PhaseCompleted(escalation.PhaseResult{})

	if tm.Registry() != nil {
		t.Error("Expected no registry when Prometheus is disabled")
	}
	if err := tm.Start(); err != nil {
		t.Errorf("Start should be a no-op: %v", err)
	}
}

package threat

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"
)

func TestThreatLevelOrdering(t *testing.T) {
	ordered := []ThreatLevel{LevelNormal, LevelWarning, LevelCritical, LevelAbsoluteZero}
	for i := 1; i < len(ordered); i++ {
		if !(ordered[i-1] < ordered[i]) {
			t.Errorf("Expected %v < %v", ordered[i-1], ordered[i])
		}
	}

	if ThreatLevel(4).Valid() || ThreatLevel(-1).Valid() {
		t.Error("Out of range levels should be invalid")
	}
}

func TestParseThreatLevel(t *testing.T) {
	testCases := []struct {
		input    string
		expected ThreatLevel
		wantErr  bool
	}{
		{"NORMAL", LevelNormal, false},
		{"warning", LevelWarning, false},
		{"absolute-zero", LevelAbsoluteZero, false},
		{"2", LevelCritical, false},
		{"7", LevelNormal, true},
		{"severe", LevelNormal, true},
	}

	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			level, err := ParseThreatLevel(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Expected error for %q", tc.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if level != tc.expected {
				t.Errorf("Expected %v, got %v", tc.expected, level)
			}
		})
	}
}

func TestSignalJSONUsesNames(t *testing.T) {
	signal := ThreatSignal{
		Type:        TypeQuantumThreat,
		Severity:    LevelAbsoluteZero,
		Description: "Quantum computer detected attempting cryptographic attack",
		Source:      "Quantum Monitor",
		Confidence:  0.99,
	}

	data, err := json.Marshal(signal)
	if err != nil {
		t.Fatalf("Failed to marshal signal: %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Failed to unmarshal raw: %v", err)
	}
	if raw["severity"] != "ABSOLUTE_ZERO" {
		t.Errorf("Expected severity encoded by name, got %v", raw["severity"])
	}

	var decoded ThreatSignal
	if err := json.Unmarshal([]byte(`{"threat_type":"CONSENSUS_ATTACK","severity":"critical","confidence":0.95}`), &decoded); err != nil {
		t.Fatalf("Failed to decode signal: %v", err)
	}
	if decoded.Severity != LevelCritical || decoded.Type != TypeConsensusAttack {
		t.Errorf("Unexpected decoded signal: %+v", decoded)
	}
}

func TestSignalJSONAcceptsNumericSeverity(t *testing.T) {
	testCases := []struct {
		body     string
		expected ThreatLevel
		wantErr  bool
	}{
		{`{"severity":2}`, LevelCritical, false},
		{`{"severity":3}`, LevelAbsoluteZero, false},
		{`{"severity":"1"}`, LevelWarning, false},
		{`{"severity":"absolute-zero"}`, LevelAbsoluteZero, false},
		{`{"severity":null}`, LevelNormal, false},
		{`{"severity":7}`, LevelNormal, true},
		{`{"severity":-1}`, LevelNormal, true},
		{`{"severity":2.5}`, LevelNormal, true},
		{`{"severity":true}`, LevelNormal, true},
	}

	for _, tc := range testCases {
		var decoded ThreatSignal
		err := json.Unmarshal([]byte(tc.body), &decoded)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%s: expected error, got severity %v", tc.body, decoded.Severity)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tc.body, err)
			continue
		}
		if decoded.Severity != tc.expected {
			t.Errorf("%s: expected %v, got %v", tc.body, tc.expected, decoded.Severity)
		}
	}
}

func TestSignalValidate(t *testing.T) {
	base := ThreatSignal{Type: TypePriceManipulation, Severity: LevelWarning, Confidence: 0.75}
	if err := base.Validate(); err != nil {
		t.Fatalf("Expected valid signal, got %v", err)
	}

	invalid := map[string]ThreatSignal{
		"negative confidence": {Type: TypePriceManipulation, Severity: LevelWarning, Confidence: -0.1},
		"confidence above 1":  {Type: TypePriceManipulation, Severity: LevelWarning, Confidence: 1.01},
		"NaN confidence":      {Type: TypePriceManipulation, Severity: LevelWarning, Confidence: math.NaN()},
		"bad severity":        {Type: TypePriceManipulation, Severity: ThreatLevel(9), Confidence: 0.5},
		"unknown type":        {Type: ThreatType("SOLAR_FLARE"), Severity: LevelWarning, Confidence: 0.5},
	}

	for name, signal := range invalid {
		t.Run(name, func(t *testing.T) {
			err := signal.Validate()
			if !errors.Is(err, ErrInvalidSignal) {
				t.Errorf("Expected ErrInvalidSignal, got %v", err)
			}
		})
	}
}

func TestNormalizedDetachesAffectedSystems(t *testing.T) {
	systems := []string{"validator-7"}
	signal := ThreatSignal{Type: TypeNetworkSplit, Severity: LevelCritical, Confidence: 1, AffectedSystems: systems}

	now := time.Unix(1700000000, 0)
	copied := signal.Normalized(now)
	systems[0] = "mutated"

	if copied.AffectedSystems[0] != "validator-7" {
		t.Errorf("Normalized copy should not share the affected systems slice")
	}
	if copied.Timestamp != now.Unix() {
		t.Errorf("Expected defaulted timestamp %d, got %d", now.Unix(), copied.Timestamp)
	}
}

func TestRedundancyDerivations(t *testing.T) {
	for _, replicas := range []int{0, 1, 3, 10} {
		cfg := OrbitalMirrorConfig{ReplicaCount: replicas}
		if cfg.RedundantNodes() != 3+replicas {
			t.Errorf("replicas=%d: expected %d nodes, got %d", replicas, 3+replicas, cfg.RedundantNodes())
		}
		if cfg.CrossRegionReplicas() != replicas*2 {
			t.Errorf("replicas=%d: expected %d cross-region replicas, got %d", replicas, replicas*2, cfg.CrossRegionReplicas())
		}
	}
}

func TestMetricsHealthThresholds(t *testing.T) {
	m := DefaultMetrics()
	if !m.IsHealthy() {
		t.Error("Default metrics should be healthy")
	}

	m.BlockchainIntegrity = 0.9999
	if m.IsHealthy() {
		t.Error("Integrity at exactly 0.9999 should be unhealthy")
	}
}

func TestFormatUptime(t *testing.T) {
	if got := FormatUptime(2*time.Hour + 5*time.Minute + 30*time.Second); got != "2h 5m" {
		t.Errorf("Expected 2h 5m, got %s", got)
	}
}

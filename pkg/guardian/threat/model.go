// Package threat defines the data model shared by the escalation controller,
// its collaborators and the detector feeds.
package threat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ThreatLevel is the ordered severity of a threat. The zero value is NORMAL.
type ThreatLevel int

const (
	// LevelNormal means no active threat
	LevelNormal ThreatLevel = iota
	// LevelWarning triggers intensified monitoring
	LevelWarning
	// LevelCritical triggers a partial lockdown
	LevelCritical
	// LevelAbsoluteZero triggers the maximum response
	LevelAbsoluteZero
)

var levelNames = [...]string{"NORMAL", "WARNING", "CRITICAL", "ABSOLUTE_ZERO"}

// String returns the canonical name of the level
func (l ThreatLevel) String() string {
	if !l.Valid() {
		return fmt.Sprintf("ThreatLevel(%d)", int(l))
	}
	return levelNames[l]
}

// Valid reports whether l is one of the declared levels
func (l ThreatLevel) Valid() bool {
	return l >= LevelNormal && l <= LevelAbsoluteZero
}

// MarshalText encodes the level by name
func (l ThreatLevel) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid threat level %d", int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText accepts a level name (any case) or its numeric value
func (l *ThreatLevel) UnmarshalText(text []byte) error {
	parsed, err := ParseThreatLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// UnmarshalJSON accepts a level name or numeric value as a JSON string, or
// the numeric value as a bare JSON number
func (l *ThreatLevel) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if string(data) == "null" {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		return l.UnmarshalText([]byte(s))
	}
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("threat level must be a name or an integer, got %s", data)
	}
	level := ThreatLevel(n)
	if !level.Valid() {
		return fmt.Errorf("threat level %d out of range", n)
	}
	*l = level
	return nil
}

// ParseThreatLevel parses a level name such as "critical" or a number such as "2"
func ParseThreatLevel(s string) (ThreatLevel, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		level := ThreatLevel(n)
		if !level.Valid() {
			return LevelNormal, fmt.Errorf("threat level %d out of range", n)
		}
		return level, nil
	}
	name := strings.ToUpper(strings.ReplaceAll(s, "-", "_"))
	for i, candidate := range levelNames {
		if candidate == name {
			return ThreatLevel(i), nil
		}
	}
	return LevelNormal, fmt.Errorf("unknown threat level %q", s)
}

// ThreatType classifies a threat. It is informational: escalation policy is
// driven by severity alone.
type ThreatType string

const (
	TypePriceManipulation  ThreatType = "PRICE_MANIPULATION"
	TypeConsensusAttack    ThreatType = "CONSENSUS_ATTACK"
	TypeSmartContractBug   ThreatType = "SMART_CONTRACT_BUG"
	TypeNetworkSplit       ThreatType = "NETWORK_SPLIT"
	TypeTimingAttack       ThreatType = "TIMING_ATTACK"
	TypeUnauthorizedAccess ThreatType = "UNAUTHORIZED_ACCESS"
	TypeSupplyChainAttack  ThreatType = "SUPPLY_CHAIN_ATTACK"
	TypeQuantumThreat      ThreatType = "QUANTUM_THREAT"
)

// ThreatTypes lists every declared threat type
func ThreatTypes() []ThreatType {
	return []ThreatType{
		TypePriceManipulation,
		TypeConsensusAttack,
		TypeSmartContractBug,
		TypeNetworkSplit,
		TypeTimingAttack,
		TypeUnauthorizedAccess,
		TypeSupplyChainAttack,
		TypeQuantumThreat,
	}
}

// Valid reports whether t is a declared threat type
func (t ThreatType) Valid() bool {
	for _, candidate := range ThreatTypes() {
		if t == candidate {
			return true
		}
	}
	return false
}

// ParseThreatType parses a type name, ignoring case and accepting dashes
func ParseThreatType(s string) (ThreatType, error) {
	t := ThreatType(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")))
	if !t.Valid() {
		return "", fmt.Errorf("unknown threat type %q", s)
	}
	return t, nil
}

// SystemState is the operational state owned by the escalation controller
type SystemState int

const (
	StateOperational SystemState = iota
	StateMonitoring
	StatePartialLockdown
	StateFullLockdown
	StateOrbitalMirror
	StateRecovery
)

var stateNames = [...]string{
	"OPERATIONAL",
	"MONITORING",
	"PARTIAL_LOCKDOWN",
	"FULL_LOCKDOWN",
	"ORBITAL_MIRROR",
	"RECOVERY",
}

// String returns the canonical name of the state
func (s SystemState) String() string {
	if s < StateOperational || s > StateRecovery {
		return fmt.Sprintf("SystemState(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText encodes the state by name
func (s SystemState) MarshalText() ([]byte, error) {
	if s < StateOperational || s > StateRecovery {
		return nil, fmt.Errorf("invalid system state %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name
func (s *SystemState) UnmarshalText(text []byte) error {
	name := strings.ToUpper(strings.TrimSpace(string(text)))
	for i, candidate := range stateNames {
		if candidate == name {
			*s = SystemState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown system state %q", string(text))
}

// Isolated reports whether terrestrial connectivity is severed in this state
func (s SystemState) Isolated() bool {
	return s == StateFullLockdown || s == StateOrbitalMirror
}

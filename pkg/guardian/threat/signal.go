package threat

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"
)

// ErrInvalidSignal is returned for signals with a malformed confidence,
// severity or type. Invalid signals never reach the history.
var ErrInvalidSignal = errors.New("invalid threat signal")

// ThreatSignal is a single detection pushed by a detector feed
type ThreatSignal struct {
	Type            ThreatType  `json:"threat_type"`
	Severity        ThreatLevel `json:"severity"`
	Description     string      `json:"description"`
	Source          string      `json:"source"`
	Timestamp       int64       `json:"timestamp"`
	Confidence      float64     `json:"confidence"`
	AffectedSystems []string    `json:"affected_systems,omitempty"`
}

// Validate checks the signal against the data model constraints
func (s ThreatSignal) Validate() error {
	if math.IsNaN(s.Confidence) || s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidSignal, s.Confidence)
	}
	if !s.Severity.Valid() {
		return fmt.Errorf("%w: severity %d is not a threat level", ErrInvalidSignal, int(s.Severity))
	}
	if !s.Type.Valid() {
		return fmt.Errorf("%w: unknown threat type %q", ErrInvalidSignal, string(s.Type))
	}
	return nil
}

// Normalized returns a detached copy of the signal with a defaulted timestamp
func (s ThreatSignal) Normalized(now time.Time) ThreatSignal {
	out := s
	out.AffectedSystems = slices.Clone(s.AffectedSystems)
	if out.Timestamp == 0 {
		out.Timestamp = now.Unix()
	}
	return out
}

// Time returns the signal timestamp as a time.Time
func (s ThreatSignal) Time() time.Time {
	return time.Unix(s.Timestamp, 0)
}

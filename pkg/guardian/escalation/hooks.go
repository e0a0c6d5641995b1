package escalation

import (
	"sync"

	"github.com/TFMV/guardian/pkg/guardian/threat"
)

// Observer receives controller events
type Observer interface {
	// SignalReceived is called for every accepted signal
	SignalReceived(signal threat.ThreatSignal, escalated bool)

	// StateChanged is called when the system state changes
	StateChanged(previous, current threat.SystemState, level threat.ThreatLevel)

	// PhaseCompleted is called after every response phase, failed or not
	PhaseCompleted(result PhaseResult)
}

// Hooks fans controller events out to registered observers
type Hooks struct {
	mu        sync.RWMutex
	observers []Observer
}

// NewHooks creates an empty observer registry
func NewHooks() *Hooks {
	return &Hooks{
		observers: make([]Observer, 0),
	}
}

// Register adds an observer
func (h *Hooks) Register(o Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers = append(h.observers, o)
}

// NotifySignal informs all observers about an accepted signal
func (h *Hooks) NotifySignal(signal threat.ThreatSignal, escalated bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, o := range h.observers {
		o.SignalReceived(signal, escalated)
	}
}

// NotifyStateChange informs all observers about a state transition
func (h *Hooks) NotifyStateChange(previous, current threat.SystemState, level threat.ThreatLevel) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, o := range h.observers {
		o.StateChanged(previous, current, level)
	}
}

// NotifyPhase informs all observers about a finished phase
func (h *Hooks) NotifyPhase(result PhaseResult) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, o := range h.observers {
		o.PhaseCompleted(result)
	}
}

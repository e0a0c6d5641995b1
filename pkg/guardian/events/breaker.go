package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/TFMV/guardian/pkg/guardian/escalation"
	"github.com/TFMV/guardian/pkg/guardian/threat"
)

// ErrSinkOpen is returned while a sink's circuit is open
var ErrSinkOpen = errors.New("status sink circuit open")

// CircuitState is the state of a sink circuit breaker
type CircuitState int

const (
	// CircuitClosed means deliveries flow normally
	CircuitClosed CircuitState = iota
	// CircuitOpen means deliveries are skipped until the reset timeout
	CircuitOpen
	// CircuitHalfOpen means one trial delivery is in flight
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("CircuitState(%d)", int(s))
	}
}

// BreakerSink stops delivering to a failing sink for a while so that one
// unreachable broker does not slow every monitoring cycle
type BreakerSink struct {
	name string
	sink escalation.StatusSink

	mu               sync.Mutex
	state            CircuitState
	failureCount     int
	failureThreshold int
	resetTimeout     time.Duration
	openedAt         time.Time
	now              func() time.Time
}

// NewBreakerSink wraps sink. The circuit opens after failureThreshold
// consecutive failures and admits a trial delivery after resetTimeout.
func NewBreakerSink(name string, sink escalation.StatusSink, failureThreshold int, resetTimeout time.Duration) *BreakerSink {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &BreakerSink{
		name:             name,
		sink:             sink,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		now:              time.Now,
	}
}

// Deliver implements escalation.StatusSink
func (b *BreakerSink) Deliver(ctx context.Context, report threat.StatusReport) error {
	if !b.allow() {
		return fmt.Errorf("%s: %w", b.name, ErrSinkOpen)
	}
	err := b.sink.Deliver(ctx, report)
	b.record(err == nil)
	return err
}

// State returns the current circuit state
func (b *BreakerSink) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *BreakerSink) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return false
		}
		b.state = CircuitHalfOpen
		log.Info().Str("sink", b.name).Msg("Sink circuit half-open, trying delivery")
		return true
	case CircuitHalfOpen:
		return false
	default:
		return true
	}
}

func (b *BreakerSink) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		if b.state != CircuitClosed {
			log.Info().Str("sink", b.name).Msg("Sink circuit closed")
		}
		b.state = CircuitClosed
		b.failureCount = 0
		return
	}

	b.failureCount++
	if b.state == CircuitHalfOpen || b.failureCount >= b.failureThreshold {
		if b.state != CircuitOpen {
			log.Warn().
				Str("sink", b.name).
				Int("failure_count", b.failureCount).
				Int("threshold", b.failureThreshold).
				Msg("Sink circuit tripped, skipping deliveries")
		}
		b.state = CircuitOpen
		b.openedAt = b.now()
	}
}

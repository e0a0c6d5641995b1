// Package events connects the controller to the event bus: detector signals
// arrive over NATS and status reports leave over NATS, Kafka and the log.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/TFMV/guardian/pkg/guardian/escalation"
	"github.com/TFMV/guardian/pkg/guardian/threat"
)

// Subjects used on the event bus
const (
	SubjectSignals     = "guardian.signals"
	SubjectAllClear    = "guardian.allclear"
	SubjectStatus      = "guardian.status"
	SubjectSignalEvent = "guardian.events.signal"
	SubjectStateEvent  = "guardian.events.state"
	SubjectPhaseEvent  = "guardian.events.phase"
)

// Conn is the publishing side of a NATS connection
type Conn interface {
	Publish(subject string, data []byte) error
}

// SignalEvent is published for every accepted signal
type SignalEvent struct {
	Type      threat.ThreatType  `json:"threat_type"`
	Severity  threat.ThreatLevel `json:"severity"`
	Source    string             `json:"source"`
	Escalated bool               `json:"escalated"`
	Timestamp int64              `json:"timestamp"`
}

// StateChangedEvent is published on every state transition
type StateChangedEvent struct {
	From        threat.SystemState `json:"from"`
	To          threat.SystemState `json:"to"`
	ThreatLevel threat.ThreatLevel `json:"threat_level"`
	Timestamp   int64              `json:"timestamp"`
}

// PhaseEvent is published after every response phase
type PhaseEvent struct {
	Sequence   string  `json:"sequence"`
	Phase      string  `json:"phase"`
	Index      int     `json:"index"`
	DurationMS float64 `json:"duration_ms"`
	Error      string  `json:"error,omitempty"`
	Timestamp  int64   `json:"timestamp"`
}

// Publisher publishes status reports and controller events to NATS. It
// implements escalation.StatusSink and escalation.Observer.
type Publisher struct {
	conn Conn
}

// Connect dials NATS with reconnect enabled
func Connect(natsURL string) (*nats.Conn, error) {
	conn, err := nats.Connect(natsURL,
		nats.Name("guardian"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info().Str("url", natsURL).Msg("Connected to NATS")
	return conn, nil
}

// NewPublisher creates a publisher over an existing connection
func NewPublisher(conn Conn) *Publisher {
	return &Publisher{conn: conn}
}

// Deliver implements escalation.StatusSink
func (p *Publisher) Deliver(ctx context.Context, report threat.StatusReport) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.publish(SubjectStatus, report)
}

// SignalReceived implements escalation.Observer
func (p *Publisher) SignalReceived(signal threat.ThreatSignal, escalated bool) {
	p.publishEvent(SubjectSignalEvent, SignalEvent{
		Type:      signal.Type,
		Severity:  signal.Severity,
		Source:    signal.Source,
		Escalated: escalated,
		Timestamp: time.Now().Unix(),
	})
}

// StateChanged implements escalation.Observer
func (p *Publisher) StateChanged(previous, current threat.SystemState, level threat.ThreatLevel) {
	p.publishEvent(SubjectStateEvent, StateChangedEvent{
		From:        previous,
		To:          current,
		ThreatLevel: level,
		Timestamp:   time.Now().Unix(),
	})
}

// PhaseCompleted implements escalation.Observer
func (p *Publisher) PhaseCompleted(result escalation.PhaseResult) {
	event := PhaseEvent{
		Sequence:   result.Sequence,
		Phase:      result.Phase,
		Index:      result.Index,
		DurationMS: float64(result.Duration) / float64(time.Millisecond),
		Timestamp:  time.Now().Unix(),
	}
	if result.Err != nil {
		event.Error = result.Err.Error()
	}
	p.publishEvent(SubjectPhaseEvent, event)
}

func (p *Publisher) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", subject, err)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// publishEvent is used from observer callbacks, which cannot return errors
func (p *Publisher) publishEvent(subject string, v any) {
	if err := p.publish(subject, v); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("Failed to publish event")
	}
}

package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/TFMV/guardian/pkg/guardian/escalation"
	"github.com/TFMV/guardian/pkg/guardian/threat"
)

// Submitter accepts detector signals
type Submitter interface {
	Submit(ctx context.Context, signal threat.ThreatSignal) error
}

// Granter records an external all-clear
type Granter interface {
	Grant(source string)
}

// AllClearMessage is the payload on SubjectAllClear
type AllClearMessage struct {
	Source string `json:"source"`
}

// Subscriber feeds signals from NATS into the controller
type Subscriber struct {
	conn        *nats.Conn
	signalSub   *nats.Subscription
	allClearSub *nats.Subscription
	submitter   Submitter
	granter     Granter
	timeout     time.Duration
}

// NewSubscriber creates a subscriber. granter may be nil, in which case
// all-clear messages are not consumed.
func NewSubscriber(conn *nats.Conn, submitter Submitter, granter Granter, timeout time.Duration) *Subscriber {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Subscriber{
		conn:      conn,
		submitter: submitter,
		granter:   granter,
		timeout:   timeout,
	}
}

// Start subscribes to the signal and all-clear subjects
func (s *Subscriber) Start() error {
	var err error

	s.signalSub, err = s.conn.Subscribe(SubjectSignals, func(msg *nats.Msg) {
		s.handleSignal(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", SubjectSignals, err)
	}
	log.Info().Str("subject", SubjectSignals).Msg("Subscribed to detector feed")

	if s.granter != nil {
		s.allClearSub, err = s.conn.Subscribe(SubjectAllClear, func(msg *nats.Msg) {
			s.handleAllClear(msg.Data)
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", SubjectAllClear, err)
		}
		log.Info().Str("subject", SubjectAllClear).Msg("Subscribed to all-clear signals")
	}

	return nil
}

// handleSignal decodes and submits one signal. Errors are logged; the feed
// has no reply channel.
func (s *Subscriber) handleSignal(data []byte) error {
	var signal threat.ThreatSignal
	if err := json.Unmarshal(data, &signal); err != nil {
		log.Warn().Err(err).Int("bytes", len(data)).Msg("Failed to decode threat signal")
		return fmt.Errorf("%w: %v", escalation.ErrInvalidSignal, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	err := s.submitter.Submit(ctx, signal)
	switch {
	case errors.Is(err, escalation.ErrInvalidSignal):
		log.Warn().Err(err).Str("source", signal.Source).Msg("Rejected invalid threat signal")
	case err != nil:
		log.Error().Err(err).Str("source", signal.Source).Msg("Threat response failed")
	}
	return err
}

func (s *Subscriber) handleAllClear(data []byte) error {
	var msg AllClearMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().Err(err).Msg("Failed to decode all-clear message")
		return err
	}
	if msg.Source == "" {
		msg.Source = "nats"
	}
	s.granter.Grant(msg.Source)
	return nil
}

// Close unsubscribes from every subject
func (s *Subscriber) Close() {
	for _, sub := range []*nats.Subscription{s.signalSub, s.allClearSub} {
		if sub == nil {
			continue
		}
		if err := sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Str("subject", sub.Subject).Msg("Failed to unsubscribe")
		}
	}
}

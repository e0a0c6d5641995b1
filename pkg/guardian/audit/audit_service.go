// Package audit records controller events in a hash-chained audit log
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/TFMV/guardian/pkg/guardian/escalation"
	"github.com/TFMV/guardian/pkg/guardian/threat"
)

// Audit actions
const (
	ActionSignalReceived = "signal.received"
	ActionStateChanged   = "state.changed"
	ActionPhaseCompleted = "phase.completed"
	ActionPhaseFailed    = "phase.failed"
)

// Config holds audit settings
type Config struct {
	Enabled       bool   `mapstructure:"enabled"`
	StoragePath   string `mapstructure:"storage_path"`
	RetentionDays int    `mapstructure:"retention_days"`
	BufferSize    int    `mapstructure:"buffer_size"`
}

// Entry is a single audit record. Digest chains each entry to the previous
// one so removal or modification is detectable.
type Entry struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	Action     string            `json:"action"`
	Component  string            `json:"component"`
	Details    map[string]string `json:"details,omitempty"`
	PrevDigest string            `json:"prev_digest"`
	Digest     string            `json:"digest"`
}

// Query defines parameters for querying audit logs
type Query struct {
	StartTime time.Time
	EndTime   time.Time
	Actions   []string
	Limit     int
}

// Storage defines the interface for audit log storage
type Storage interface {
	Store(ctx context.Context, entry Entry) error
	Query(ctx context.Context, query Query) ([]Entry, error)
	GetByID(ctx context.Context, id string) (Entry, error)
	Close() error
}

// Service provides asynchronous audit logging. It implements
// escalation.Observer.
type Service struct {
	config       Config
	eventChannel chan Entry
	storage      Storage
	wg           sync.WaitGroup
	shutdown     chan struct{}
	once         sync.Once

	// chainMu orders digest computation with storage
	chainMu    sync.Mutex
	lastDigest string
}

// NewService creates an audit service. A non-empty storage path selects file
// storage, otherwise entries are kept in memory.
func NewService(cfg Config) (*Service, error) {
	var storage Storage
	var err error

	if cfg.StoragePath != "" {
		storage, err = NewFileStorage(cfg.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("failed to create audit storage: %w", err)
		}
	} else {
		storage = NewMemoryStorage(cfg.RetentionDays)
	}

	return NewServiceWithStorage(cfg, storage), nil
}

// NewServiceWithStorage creates an audit service over the given storage
func NewServiceWithStorage(cfg Config, storage Storage) *Service {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}

	service := &Service{
		config:       cfg,
		eventChannel: make(chan Entry, cfg.BufferSize),
		storage:      storage,
		shutdown:     make(chan struct{}),
	}

	service.wg.Add(1)
	go service.processEvents()

	return service
}

// LogEvent asynchronously logs an audit event
func (s *Service) LogEvent(entry Entry) {
	if !s.config.Enabled {
		return
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	select {
	case s.eventChannel <- entry:
	default:
		log.Warn().
			Str("event_id", entry.ID).
			Str("action", entry.Action).
			Msg("Audit log channel full, dropping event")
	}
}

// LogEventSync synchronously chains and stores an audit event
func (s *Service) LogEventSync(ctx context.Context, entry Entry) error {
	if !s.config.Enabled {
		return nil
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	s.chainMu.Lock()
	defer s.chainMu.Unlock()

	entry.PrevDigest = s.lastDigest
	digest, err := Digest(entry)
	if err != nil {
		return err
	}
	entry.Digest = digest

	if err := s.storage.Store(ctx, entry); err != nil {
		return err
	}
	s.lastDigest = digest
	return nil
}

// Query retrieves audit logs based on query parameters
func (s *Service) Query(ctx context.Context, query Query) ([]Entry, error) {
	return s.storage.Query(ctx, query)
}

// GetByID retrieves a specific audit log by ID
func (s *Service) GetByID(ctx context.Context, id string) (Entry, error) {
	return s.storage.GetByID(ctx, id)
}

// Shutdown drains queued events and closes the storage
func (s *Service) Shutdown() error {
	s.once.Do(func() { close(s.shutdown) })
	s.wg.Wait()
	return s.storage.Close()
}

// processEvents processes audit events from the channel
func (s *Service) processEvents() {
	defer s.wg.Done()

	for {
		select {
		case event := <-s.eventChannel:
			s.store(event, "Failed to store audit event")

		case <-s.shutdown:
			// Drain any remaining events
			for {
				select {
				case event := <-s.eventChannel:
					s.store(event, "Failed to store audit event during shutdown")
				default:
					return
				}
			}
		}
	}
}

func (s *Service) store(event Entry, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.LogEventSync(ctx, event); err != nil {
		log.Error().Err(err).Str("event_id", event.ID).Msg(msg)
	}
}

// SignalReceived implements escalation.Observer
func (s *Service) SignalReceived(signal threat.ThreatSignal, escalated bool) {
	s.LogEvent(Entry{
		Action:    ActionSignalReceived,
		Component: signal.Source,
		Details: map[string]string{
			"type":       string(signal.Type),
			"severity":   signal.Severity.String(),
			"confidence": strconv.FormatFloat(signal.Confidence, 'f', -1, 64),
			"escalated":  strconv.FormatBool(escalated),
		},
	})
}

// StateChanged implements escalation.Observer
func (s *Service) StateChanged(previous, current threat.SystemState, level threat.ThreatLevel) {
	s.LogEvent(Entry{
		Action:    ActionStateChanged,
		Component: "escalation",
		Details: map[string]string{
			"from":         previous.String(),
			"to":           current.String(),
			"threat_level": level.String(),
		},
	})
}

// PhaseCompleted implements escalation.Observer
func (s *Service) PhaseCompleted(result escalation.PhaseResult) {
	entry := Entry{
		Action:    ActionPhaseCompleted,
		Component: result.Sequence,
		Details: map[string]string{
			"phase":    result.Phase,
			"index":    strconv.Itoa(result.Index + 1),
			"duration": result.Duration.String(),
		},
	}
	if result.Err != nil {
		entry.Action = ActionPhaseFailed
		entry.Details["error"] = result.Err.Error()
	}
	s.LogEvent(entry)
}

// Digest computes the chained digest of an entry, ignoring its Digest field
func Digest(entry Entry) (string, error) {
	entry.Digest = ""
	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("failed to encode audit entry: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyChain checks that entries, in storage order, form an unbroken chain
func VerifyChain(entries []Entry) error {
	prev := ""
	for i, entry := range entries {
		if entry.PrevDigest != prev {
			return fmt.Errorf("audit chain broken at entry %d (%s)", i, entry.ID)
		}
		digest, err := Digest(entry)
		if err != nil {
			return err
		}
		if digest != entry.Digest {
			return fmt.Errorf("audit entry %d (%s) was modified", i, entry.ID)
		}
		prev = entry.Digest
	}
	return nil
}

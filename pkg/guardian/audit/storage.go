package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when an audit entry does not exist
var ErrNotFound = errors.New("audit entry not found")

// FileStorage appends entries as JSON lines to one file per day
type FileStorage struct {
	basePath string
	mutex    sync.RWMutex
}

// NewFileStorage creates a new file-based audit storage
func NewFileStorage(basePath string) (*FileStorage, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	return &FileStorage{basePath: basePath}, nil
}

func (s *FileStorage) dayFile(t time.Time) string {
	return filepath.Join(s.basePath, t.UTC().Format("2006-01-02")+".jsonl")
}

// Store appends an entry to the file for its day
func (s *FileStorage) Store(ctx context.Context, entry Entry) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	file, err := os.OpenFile(s.dayFile(entry.Timestamp), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open audit file: %w", err)
	}
	defer file.Close()

	if err := json.NewEncoder(file).Encode(entry); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// Query reads the day files covering the query range
func (s *FileStorage) Query(ctx context.Context, query Query) ([]Entry, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	files, err := filepath.Glob(filepath.Join(s.basePath, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list audit files: %w", err)
	}
	sort.Strings(files)

	var results []Entry
	for _, path := range files {
		entries, err := readEntries(path)
		if err != nil {
			log.Warn().Str("file", path).Err(err).Msg("Failed to read audit file")
			continue
		}
		for _, entry := range entries {
			if !matchesQuery(entry, query) {
				continue
			}
			results = append(results, entry)
			if query.Limit > 0 && len(results) >= query.Limit {
				return results, nil
			}
		}
	}
	return results, nil
}

// GetByID scans the stored entries for id
func (s *FileStorage) GetByID(ctx context.Context, id string) (Entry, error) {
	entries, err := s.Query(ctx, Query{})
	if err != nil {
		return Entry{}, err
	}
	for _, entry := range entries {
		if entry.ID == id {
			return entry, nil
		}
	}
	return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Close is a no-op for file storage
func (s *FileStorage) Close() error {
	return nil
}

func readEntries(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("failed to decode audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

// MemoryStorage keeps entries in memory with optional retention
type MemoryStorage struct {
	mu            sync.RWMutex
	entries       []Entry
	retentionDays int
	stop          chan struct{}
	once          sync.Once
}

// NewMemoryStorage creates an in-memory storage. A positive retention
// starts a background cleanup job.
func NewMemoryStorage(retentionDays int) *MemoryStorage {
	storage := &MemoryStorage{
		retentionDays: retentionDays,
		stop:          make(chan struct{}),
	}
	if retentionDays > 0 {
		go storage.startRetentionJob()
	}
	return storage
}

// Store appends an entry
func (s *MemoryStorage) Store(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Details = cloneDetails(entry.Details)
	s.entries = append(s.entries, entry)
	return nil
}

// Query returns matching entries in storage order
func (s *MemoryStorage) Query(ctx context.Context, query Query) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []Entry
	for _, entry := range s.entries {
		if !matchesQuery(entry, query) {
			continue
		}
		entry.Details = cloneDetails(entry.Details)
		results = append(results, entry)
		if query.Limit > 0 && len(results) >= query.Limit {
			break
		}
	}
	return results, nil
}

// GetByID returns the entry with the given id
func (s *MemoryStorage) GetByID(ctx context.Context, id string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, entry := range s.entries {
		if entry.ID == id {
			entry.Details = cloneDetails(entry.Details)
			return entry, nil
		}
	}
	return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Close stops the retention job
func (s *MemoryStorage) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

// startRetentionJob removes old entries once an hour
func (s *MemoryStorage) startRetentionJob() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanupOldEntries(time.Now())
		case <-s.stop:
			return
		}
	}
}

// cleanupOldEntries removes entries older than the retention period
func (s *MemoryStorage) cleanupOldEntries(now time.Time) {
	if s.retentionDays <= 0 {
		return
	}
	cutoff := now.AddDate(0, 0, -s.retentionDays)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = slices.DeleteFunc(s.entries, func(e Entry) bool {
		return e.Timestamp.Before(cutoff)
	})
}

func matchesQuery(entry Entry, query Query) bool {
	if !query.StartTime.IsZero() && entry.Timestamp.Before(query.StartTime) {
		return false
	}
	if !query.EndTime.IsZero() && entry.Timestamp.After(query.EndTime) {
		return false
	}
	if len(query.Actions) > 0 && !slices.Contains(query.Actions, entry.Action) {
		return false
	}
	return true
}

func cloneDetails(details map[string]string) map[string]string {
	if details == nil {
		return nil
	}
	out := make(map[string]string, len(details))
	for k, v := range details {
		out[k] = v
	}
	return out
}

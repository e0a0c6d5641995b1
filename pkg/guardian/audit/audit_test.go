package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/guardian/pkg/guardian/escalation"
	"github.com/TFMV/guardian/pkg/guardian/threat"
)

func TestServiceRecordsObserverEvents(t *testing.T) {
	storage := NewMemoryStorage(0)
	svc := NewServiceWithStorage(Config{Enabled: true}, storage)

	svc.SignalReceived(threat.ThreatSignal{
		Type:       threat.TypeTimingAttack,
		Severity:   threat.LevelWarning,
		Source:     "ntp-monitor",
		Confidence: 0.75,
	}, true)
	svc.StateChanged(threat.StateOperational, threat.StateMonitoring, threat.LevelWarning)
	svc.PhaseCompleted(escalation.PhaseResult{Sequence: "lockdown", Phase: "isolate_nodes", Err: errors.New("boom")})

	require.NoError(t, svc.Shutdown())

	entries, err := storage.Query(context.Background(), Query{})
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, ActionSignalReceived, entries[0].Action)
	assert.Equal(t, "true", entries[0].Details["escalated"])
	assert.Equal(t, "MONITORING", entries[1].Details["to"])
	assert.Equal(t, ActionPhaseFailed, entries[2].Action)
	assert.Equal(t, "boom", entries[2].Details["error"])

	assert.NoError(t, VerifyChain(entries))
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	storage := NewMemoryStorage(0)
	svc := NewServiceWithStorage(Config{Enabled: true}, storage)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.LogEventSync(ctx, Entry{Action: ActionStateChanged, Component: "test"}))
	}
	require.NoError(t, svc.Shutdown())

	entries, err := storage.Query(ctx, Query{})
	require.NoError(t, err)
	require.NoError(t, VerifyChain(entries))

	modified := append([]Entry(nil), entries...)
	modified[1].Component = "forged"
	assert.Error(t, VerifyChain(modified))

	removed := []Entry{entries[0], entries[2]}
	assert.Error(t, VerifyChain(removed))
}

func TestDisabledServiceDropsEvents(t *testing.T) {
	storage := NewMemoryStorage(0)
	svc := NewServiceWithStorage(Config{Enabled: false}, storage)
	svc.StateChanged(threat.StateOperational, threat.StateMonitoring, threat.LevelWarning)
	require.NoError(t, svc.Shutdown())

	entries, err := storage.Query(context.Background(), Query{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFileStorage(t *testing.T) {
	ctx := context.Background()
	svc, err := NewService(Config{Enabled: true, StoragePath: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, svc.LogEventSync(ctx, Entry{ID: "a", Action: ActionSignalReceived}))
	require.NoError(t, svc.LogEventSync(ctx, Entry{ID: "b", Action: ActionStateChanged}))

	entries, err := svc.Query(ctx, Query{Actions: []string{ActionStateChanged}})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b", entries[0].ID)

	entry, err := svc.GetByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, ActionSignalReceived, entry.Action)

	_, err = svc.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := svc.Query(ctx, Query{})
	require.NoError(t, err)
	assert.NoError(t, VerifyChain(all))
	require.NoError(t, svc.Shutdown())
}

func TestMemoryRetention(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage(1)
	defer storage.Close()

	now := time.Now()
	require.NoError(t, storage.Store(ctx, Entry{ID: "old", Timestamp: now.AddDate(0, 0, -3)}))
	require.NoError(t, storage.Store(ctx, Entry{ID: "new", Timestamp: now}))

	storage.cleanupOldEntries(now)

	entries, err := storage.Query(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "new", entries[0].ID)
}

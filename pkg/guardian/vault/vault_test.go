package vault

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/guardian/pkg/guardian/crypto"
	"github.com/TFMV/guardian/pkg/guardian/threat"
)

func testSnapshot() threat.Snapshot {
	return threat.Snapshot{
		ID:            "snap-1",
		TakenAt:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		State:         threat.StatePartialLockdown,
		ThreatLevel:   threat.LevelCritical,
		EmergencyMode: false,
		Metrics:       threat.DefaultMetrics(),
		History: []threat.ThreatSignal{
			{
				Type:            threat.TypeConsensusAttack,
				Severity:        threat.LevelCritical,
				Description:     "validator equivocation",
				Source:          "consensus-monitor",
				Timestamp:       1700000000,
				Confidence:      0.95,
				AffectedSystems: []string{"validator-7", "validator-9"},
			},
			{
				Type:        threat.TypeTimingAttack,
				Severity:    threat.LevelWarning,
				Description: "clock skew",
				Source:      "ntp",
				Timestamp:   1700000100,
				Confidence:  0.75,
			},
		},
	}
}

func newTestVault(t *testing.T) (*Vault, *MemoryStore, *crypto.KeyManager) {
	t.Helper()
	km, err := crypto.NewKeyManager("vault-test-master-key", nil)
	require.NoError(t, err)
	store := NewMemoryStore()
	return New(store, km, Config{ChunkSize: 64}), store, km
}

func TestSnapshotCodecRoundTrip(t *testing.T) {
	snap := testSnapshot()

	data, err := EncodeSnapshot(snap)
	require.NoError(t, err)

	decoded, err := DecodeSnapshot(data)
	require.NoError(t, err)

	assert.Equal(t, snap.ID, decoded.ID)
	assert.True(t, snap.TakenAt.Equal(decoded.TakenAt))
	assert.Equal(t, snap.State, decoded.State)
	assert.Equal(t, snap.ThreatLevel, decoded.ThreatLevel)
	assert.Equal(t, snap.Metrics, decoded.Metrics)
	require.Len(t, decoded.History, 2)
	assert.Equal(t, snap.History[0], decoded.History[0])
	assert.Empty(t, decoded.History[1].AffectedSystems)
}

func TestSyncWritesPrimaryAndReplicas(t *testing.T) {
	ctx := context.Background()

	for _, replicas := range []int{0, 1, 5} {
		v, store, _ := newTestVault(t)
		require.NoError(t, v.Sync(ctx, testSnapshot(), replicas))

		manifest, ok := v.Latest()
		require.True(t, ok)
		assert.Len(t, manifest.Copies, replicas+1)

		keys, err := store.Keys(ctx, "guardian/vault/snapshots/snap-1/")
		require.NoError(t, err)
		assert.Len(t, keys, replicas+1)
		assert.False(t, v.LastSync().IsZero())
	}
}

func TestSyncRejectsNegativeReplicas(t *testing.T) {
	v, _, _ := newTestVault(t)
	err := v.Sync(context.Background(), testSnapshot(), -1)
	assert.True(t, errors.Is(err, ErrInvalidReplicas))
}

func TestRestoreSkipsCorruptCopy(t *testing.T) {
	ctx := context.Background()
	v, store, _ := newTestVault(t)
	require.NoError(t, v.Sync(ctx, testSnapshot(), 2))

	manifest, _ := v.Latest()
	primary, err := store.Get(ctx, manifest.Copies[0])
	require.NoError(t, err)
	primary[len(primary)/2] ^= 0xFF
	require.NoError(t, store.Put(ctx, manifest.Copies[0], primary))

	snap, err := v.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, "snap-1", snap.ID)
	assert.Len(t, snap.History, 2)
}

func TestRestoreFailsWhenAllCopiesCorrupt(t *testing.T) {
	ctx := context.Background()
	v, store, _ := newTestVault(t)
	require.NoError(t, v.Sync(ctx, testSnapshot(), 1))

	manifest, _ := v.Latest()
	for _, key := range manifest.Copies {
		require.NoError(t, store.Put(ctx, key, []byte("garbage")))
	}

	_, err := v.Restore(ctx)
	assert.True(t, errors.Is(err, ErrIntegrity))
}

func TestRestoreWithoutSnapshot(t *testing.T) {
	v, _, _ := newTestVault(t)
	_, err := v.Restore(context.Background())
	assert.True(t, errors.Is(err, ErrNoSnapshot))
}

func TestRestoreFromPersistedManifest(t *testing.T) {
	ctx := context.Background()
	km, err := crypto.NewKeyManager("vault-test-master-key", nil)
	require.NoError(t, err)
	store := NewMemoryStore()

	require.NoError(t, New(store, km, Config{}).Sync(ctx, testSnapshot(), 1))

	// A fresh vault over the same store finds the manifest
	snap, err := New(store, km, Config{}).Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, threat.StatePartialLockdown, snap.State)
}

func TestResealUsesRotatedKey(t *testing.T) {
	ctx := context.Background()
	v, _, km := newTestVault(t)
	require.NoError(t, v.Sync(ctx, testSnapshot(), 1))

	before, _ := v.Latest()
	oldID, oldBlob, err := km.Seal([]byte("sealed before rotation"))
	require.NoError(t, err)
	require.Equal(t, before.KeyID, oldID)

	newID, err := km.Rotate(ctx)
	require.NoError(t, err)
	require.NoError(t, v.Reseal(ctx))

	after, _ := v.Latest()
	assert.Equal(t, newID, after.KeyID)
	assert.NotEqual(t, before.Root, after.Root)

	// Resealing retires the key nothing references any more
	_, err = km.Open(oldID, oldBlob)
	assert.ErrorIs(t, err, crypto.ErrUnknownKey)

	snap, err := v.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, threat.LevelCritical, snap.ThreatLevel)
}

type plainSealer struct{}

func (plainSealer) Seal(p []byte) (string, []byte, error)    { return "plain", p, nil }
func (plainSealer) Open(_ string, c []byte) ([]byte, error) { return c, nil }

func TestResealWithoutForgetter(t *testing.T) {
	ctx := context.Background()
	v := New(NewMemoryStore(), plainSealer{}, Config{})
	require.NoError(t, v.Sync(ctx, testSnapshot(), 0))
	require.NoError(t, v.Reseal(ctx))

	m, ok := v.Latest()
	require.True(t, ok)
	assert.Equal(t, "plain", m.KeyID)
}

func TestVaultPosture(t *testing.T) {
	ctx := context.Background()
	v, _, km := newTestVault(t)

	var p threat.Posture
	v.ReportPosture(&p)
	assert.Empty(t, p.SnapshotID)
	assert.True(t, v.LastSync().IsZero())

	require.NoError(t, v.Sync(ctx, testSnapshot(), 2))
	v.ReportPosture(&p)
	km.ReportPosture(&p)

	assert.Equal(t, "snap-1", p.SnapshotID)
	assert.Equal(t, 3, p.SnapshotCopies)
	assert.Equal(t, v.LastSync(), p.SnapshotSyncedAt)
	assert.False(t, p.SnapshotSyncedAt.IsZero())
	assert.Equal(t, km.Current().ID, p.KeyID)
	assert.Equal(t, string(crypto.AlgorithmStatic), p.KeyAlgorithm)
}

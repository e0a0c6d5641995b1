// Package vault replicates sealed snapshots of controller state to a replica
// store and restores them after verifying their integrity.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/TFMV/guardian/pkg/guardian/crypto"
	"github.com/TFMV/guardian/pkg/guardian/threat"
)

// Standard error types
var (
	ErrNoSnapshot      = errors.New("no snapshot has been synchronized")
	ErrIntegrity       = errors.New("replica failed integrity verification")
	ErrInvalidReplicas = errors.New("replica count must not be negative")
)

// Sealer encrypts and decrypts snapshot payloads under a named key
type Sealer interface {
	Seal(plaintext []byte) (string, []byte, error)
	Open(keyID string, ciphertext []byte) ([]byte, error)
}

// KeyForgetter is implemented by sealers that can drop keys no snapshot
// needs any more
type KeyForgetter interface {
	Forget(keyID string)
}

// Config holds vault settings
type Config struct {
	KeyPrefix     string
	ChunkSize     int
	HashAlgorithm string
}

// DefaultConfig returns the default vault settings
func DefaultConfig() Config {
	return Config{
		KeyPrefix:     "guardian/vault/",
		ChunkSize:     crypto.DefaultChunkSize,
		HashAlgorithm: "SHA256",
	}
}

// Manifest records where a snapshot was written and how to verify it
type Manifest struct {
	SnapshotID string    `json:"snapshot_id"`
	KeyID      string    `json:"key_id"`
	Root       []byte    `json:"root"`
	Algorithm  string    `json:"algorithm"`
	ChunkSize  int       `json:"chunk_size"`
	Copies     []string  `json:"copies"`
	Size       int       `json:"size"`
	SyncedAt   time.Time `json:"synced_at"`
}

// Vault writes sealed snapshots to a primary copy plus replicas
type Vault struct {
	mu        sync.Mutex
	store     Store
	sealer    Sealer
	verifier  *crypto.MerkleVerifier
	cfg       Config
	manifests []Manifest
}

// New creates a vault over the given store
func New(store Store, sealer Sealer, cfg Config) *Vault {
	defaults := DefaultConfig()
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaults.KeyPrefix
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaults.ChunkSize
	}
	if cfg.HashAlgorithm == "" {
		cfg.HashAlgorithm = defaults.HashAlgorithm
	}

	return &Vault{
		store:    store,
		sealer:   sealer,
		verifier: crypto.NewMerkleVerifier(),
		cfg:      cfg,
	}
}

// Sync seals the snapshot and writes it to a primary copy and `replicas`
// additional copies. Every copy is read back and verified before Sync returns.
func (v *Vault) Sync(ctx context.Context, snap threat.Snapshot, replicas int) error {
	if replicas < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidReplicas, replicas)
	}
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now().UTC()
	}

	payload, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	keyID, sealed, err := v.sealer.Seal(payload)
	if err != nil {
		return fmt.Errorf("failed to seal snapshot: %w", err)
	}

	copies := make([]string, 0, replicas+1)
	copies = append(copies, v.copyKey(snap.ID, 0))
	for i := 1; i <= replicas; i++ {
		copies = append(copies, v.copyKey(snap.ID, i))
	}

	manifest, err := v.writeCopies(ctx, snap.ID, keyID, sealed, copies)
	if err != nil {
		return err
	}
	v.manifests = append(v.manifests, manifest)

	if err := v.putManifest(ctx, manifest); err != nil {
		return err
	}

	log.Info().
		Str("snapshot_id", snap.ID).
		Int("replicas", replicas).
		Int("bytes", len(sealed)).
		Int("history", len(snap.History)).
		Msg("Snapshot synchronized to vault")

	return nil
}

// Reseal re-encrypts every synchronized snapshot under the sealer's current
// key and rewrites all of its copies
func (v *Vault) Reseal(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	previous := make(map[string]struct{})
	current := make(map[string]struct{})
	for i, manifest := range v.manifests {
		payload, err := v.readVerified(ctx, manifest)
		if err != nil {
			return err
		}

		keyID, sealed, err := v.sealer.Seal(payload)
		if err != nil {
			return fmt.Errorf("failed to reseal snapshot %s: %w", manifest.SnapshotID, err)
		}

		updated, err := v.writeCopies(ctx, manifest.SnapshotID, keyID, sealed, manifest.Copies)
		if err != nil {
			return err
		}
		v.manifests[i] = updated
		previous[manifest.KeyID] = struct{}{}
		current[keyID] = struct{}{}
	}

	if len(v.manifests) > 0 {
		if err := v.putManifest(ctx, v.manifests[len(v.manifests)-1]); err != nil {
			return err
		}
	}

	forgotten := 0
	if forgetter, ok := v.sealer.(KeyForgetter); ok {
		for keyID := range previous {
			if _, inUse := current[keyID]; inUse {
				continue
			}
			forgetter.Forget(keyID)
			forgotten++
		}
	}

	log.Info().
		Int("snapshots", len(v.manifests)).
		Int("keys_retired", forgotten).
		Msg("Vault contents resealed")
	return nil
}

// Restore returns the most recent snapshot from the first copy that passes
// verification
func (v *Vault) Restore(ctx context.Context) (threat.Snapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	manifest, err := v.latestManifest(ctx)
	if err != nil {
		return threat.Snapshot{}, err
	}

	payload, err := v.readVerified(ctx, manifest)
	if err != nil {
		return threat.Snapshot{}, err
	}

	snap, err := DecodeSnapshot(payload)
	if err != nil {
		return threat.Snapshot{}, err
	}

	log.Info().
		Str("snapshot_id", snap.ID).
		Str("state", snap.State.String()).
		Msg("Snapshot restored from vault")

	return snap, nil
}

// Latest returns the manifest of the most recent snapshot
func (v *Vault) Latest() (Manifest, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.manifests) == 0 {
		return Manifest{}, false
	}
	return v.manifests[len(v.manifests)-1], true
}

// LastSync returns when the most recent snapshot was written
func (v *Vault) LastSync() time.Time {
	m, ok := v.Latest()
	if !ok {
		return time.Time{}
	}
	return m.SyncedAt
}

// ReportPosture fills the snapshot fields from the latest manifest
func (v *Vault) ReportPosture(p *threat.Posture) {
	m, ok := v.Latest()
	if !ok {
		return
	}
	p.SnapshotID = m.SnapshotID
	p.SnapshotCopies = len(m.Copies)
	p.SnapshotSyncedAt = v.LastSync()
}

// Close closes the underlying store
func (v *Vault) Close() error {
	return v.store.Close()
}

func (v *Vault) copyKey(snapshotID string, index int) string {
	if index == 0 {
		return fmt.Sprintf("%ssnapshots/%s/primary", v.cfg.KeyPrefix, snapshotID)
	}
	return fmt.Sprintf("%ssnapshots/%s/replica-%d", v.cfg.KeyPrefix, snapshotID, index)
}

func (v *Vault) manifestKey() string {
	return v.cfg.KeyPrefix + "manifest/latest"
}

func (v *Vault) writeCopies(ctx context.Context, snapshotID, keyID string, sealed []byte, copies []string) (Manifest, error) {
	root, err := crypto.MerkleRoot(crypto.ChunkData(sealed, v.cfg.ChunkSize), v.cfg.HashAlgorithm)
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to compute snapshot root: %w", err)
	}

	for _, key := range copies {
		if err := v.store.Put(ctx, key, sealed); err != nil {
			return Manifest{}, fmt.Errorf("failed to write copy %s: %w", key, err)
		}
	}

	// Read every copy back before reporting success
	for _, key := range copies {
		stored, err := v.store.Get(ctx, key)
		if err != nil {
			return Manifest{}, fmt.Errorf("failed to read back copy %s: %w", key, err)
		}
		ok, err := v.verifier.VerifyBlob(stored, root, v.cfg.ChunkSize, v.cfg.HashAlgorithm)
		if err != nil {
			return Manifest{}, err
		}
		if !ok {
			return Manifest{}, fmt.Errorf("%w: %s", ErrIntegrity, key)
		}
	}

	return Manifest{
		SnapshotID: snapshotID,
		KeyID:      keyID,
		Root:       root,
		Algorithm:  v.cfg.HashAlgorithm,
		ChunkSize:  v.cfg.ChunkSize,
		Copies:     copies,
		Size:       len(sealed),
		SyncedAt:   time.Now().UTC(),
	}, nil
}

// readVerified opens the first copy whose Merkle root matches the manifest
func (v *Vault) readVerified(ctx context.Context, manifest Manifest) ([]byte, error) {
	var lastErr error
	for _, key := range manifest.Copies {
		stored, err := v.store.Get(ctx, key)
		if err != nil {
			lastErr = err
			continue
		}
		ok, err := v.verifier.VerifyBlob(stored, manifest.Root, manifest.ChunkSize, manifest.Algorithm)
		if err != nil {
			return nil, err
		}
		if !ok {
			log.Warn().Str("copy", key).Msg("Vault copy failed verification, trying next")
			lastErr = fmt.Errorf("%w: %s", ErrIntegrity, key)
			continue
		}

		payload, err := v.sealer.Open(manifest.KeyID, stored)
		if err != nil {
			lastErr = fmt.Errorf("failed to open copy %s: %w", key, err)
			continue
		}
		return payload, nil
	}

	if lastErr == nil {
		lastErr = ErrNoSnapshot
	}
	return nil, fmt.Errorf("no usable copy of snapshot %s: %w", manifest.SnapshotID, lastErr)
}

func (v *Vault) putManifest(ctx context.Context, manifest Manifest) error {
	data, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := v.store.Put(ctx, v.manifestKey(), data); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// latestManifest prefers the in-process manifest and falls back to the one
// persisted in the store, so a restarted process can still restore
func (v *Vault) latestManifest(ctx context.Context) (Manifest, error) {
	if len(v.manifests) > 0 {
		return v.manifests[len(v.manifests)-1], nil
	}

	data, err := v.store.Get(ctx, v.manifestKey())
	if errors.Is(err, ErrNotFound) {
		return Manifest{}, ErrNoSnapshot
	}
	if err != nil {
		return Manifest{}, err
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return manifest, nil
}

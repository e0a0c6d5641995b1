// Package crypto provides master key management and integrity primitives for
// the guardian vault.
package crypto

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cloudflare/circl/kem/kyber/kyber768"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/TFMV/guardian/pkg/guardian/threat"
)

// Algorithm names the scheme a master key was produced with
type Algorithm string

const (
	// AlgorithmStatic marks a key derived from configured key material
	AlgorithmStatic Algorithm = "SHA256-STATIC"
	// AlgorithmKyber768 marks a key produced by a Kyber768 encapsulation
	AlgorithmKyber768 Algorithm = "KYBER768"
)

// Standard error types
var (
	ErrUnknownKey      = errors.New("unknown master key")
	ErrKeyVerification = errors.New("encapsulated key verification failed")
)

// masterKey is a symmetric key used for sealing vault contents
type masterKey struct {
	id        string
	algorithm Algorithm
	material  []byte
	display   string
	createdAt time.Time
}

// KeyInfo describes a master key without exposing its material
type KeyInfo struct {
	ID        string    `json:"id"`
	Algorithm Algorithm `json:"algorithm"`
	Masked    string    `json:"masked"`
	CreatedAt time.Time `json:"created_at"`
}

// KeyManager owns the master key. Rotated-out keys stay available for
// opening until they are forgotten.
type KeyManager struct {
	mu      sync.RWMutex
	current *masterKey
	retired map[string]*masterKey
	random  io.Reader
}

// NewKeyManager creates a key manager. A non-empty initial string is used as
// key material; otherwise a fresh Kyber768 key is generated. A nil random
// source means crypto/rand.
func NewKeyManager(initial string, random io.Reader) (*KeyManager, error) {
	if random == nil {
		random = rand.Reader
	}

	km := &KeyManager{
		retired: make(map[string]*masterKey),
		random:  random,
	}

	if initial != "" {
		sum := sha256.Sum256([]byte(initial))
		km.current = &masterKey{
			id:        uuid.New().String(),
			algorithm: AlgorithmStatic,
			material:  sum[:],
			display:   initial,
			createdAt: time.Now(),
		}
		log.Info().
			Str("key_id", km.current.id).
			Str("key", MaskKey(initial)).
			Msg("Master key loaded from configuration")
		return km, nil
	}

	key, err := km.generate()
	if err != nil {
		return nil, err
	}
	km.current = key
	return km, nil
}

// generate derives a 32-byte shared secret from a Kyber768 encapsulation and
// checks it round-trips through decapsulation
func (km *KeyManager) generate() (*masterKey, error) {
	scheme := kyber768.Scheme()

	seed := make([]byte, scheme.SeedSize())
	if _, err := io.ReadFull(km.random, seed); err != nil {
		return nil, fmt.Errorf("failed to read key seed: %w", err)
	}
	pk, sk := scheme.DeriveKeyPair(seed)

	encapSeed := make([]byte, scheme.EncapsulationSeedSize())
	if _, err := io.ReadFull(km.random, encapSeed); err != nil {
		return nil, fmt.Errorf("failed to read encapsulation seed: %w", err)
	}
	ct, ss, err := scheme.EncapsulateDeterministically(pk, encapSeed)
	if err != nil {
		return nil, fmt.Errorf("failed to encapsulate key: %w", err)
	}

	check, err := scheme.Decapsulate(sk, ct)
	if err != nil {
		return nil, fmt.Errorf("failed to decapsulate key: %w", err)
	}
	if !bytes.Equal(check, ss) {
		return nil, ErrKeyVerification
	}

	return &masterKey{
		id:        uuid.New().String(),
		algorithm: AlgorithmKyber768,
		material:  ss,
		display:   hex.EncodeToString(ss),
		createdAt: time.Now(),
	}, nil
}

// Rotate replaces the master key with a freshly generated one and returns
// its id. The previous key is retired, not destroyed.
func (km *KeyManager) Rotate(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	key, err := km.generate()
	if err != nil {
		return "", fmt.Errorf("master key rotation failed: %w", err)
	}

	km.mu.Lock()
	previous := km.current
	km.retired[previous.id] = previous
	km.current = key
	km.mu.Unlock()

	log.Warn().
		Str("previous_key_id", previous.id).
		Str("key_id", key.id).
		Str("key", MaskKey(key.display)).
		Str("algorithm", string(key.algorithm)).
		Msg("Master key rotated")

	return key.id, nil
}

// Current describes the active master key
func (km *KeyManager) Current() KeyInfo {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return infoFor(km.current)
}

// Masked returns the masked form of the active key
func (km *KeyManager) Masked() string {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return MaskKey(km.current.display)
}

// ReportPosture fills the active key fields. Key material is never included.
func (km *KeyManager) ReportPosture(p *threat.Posture) {
	info := km.Current()
	p.KeyID = info.ID
	p.KeyAlgorithm = string(info.Algorithm)
}

// Forget drops a retired key. The active key cannot be forgotten.
func (km *KeyManager) Forget(keyID string) {
	km.mu.Lock()
	defer km.mu.Unlock()
	delete(km.retired, keyID)
}

// Seal encrypts plaintext with AES-GCM under the active key and returns the
// key id alongside the nonce-prefixed ciphertext
func (km *KeyManager) Seal(plaintext []byte) (string, []byte, error) {
	km.mu.RLock()
	key := km.current
	km.mu.RUnlock()

	gcm, err := newGCM(key.material)
	if err != nil {
		return "", nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(km.random, nonce); err != nil {
		return "", nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return key.id, gcm.Seal(nonce, nonce, plaintext, []byte(key.id)), nil
}

// Open decrypts ciphertext sealed under the given key id
func (km *KeyManager) Open(keyID string, ciphertext []byte) ([]byte, error) {
	km.mu.RLock()
	key := km.current
	if key.id != keyID {
		key = km.retired[keyID]
	}
	km.mu.RUnlock()

	if key == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}

	gcm, err := newGCM(key.material)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, body := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, body, []byte(keyID))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(material []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(material)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

func infoFor(key *masterKey) KeyInfo {
	return KeyInfo{
		ID:        key.id,
		Algorithm: key.algorithm,
		Masked:    MaskKey(key.display),
		CreatedAt: key.createdAt,
	}
}

// MaskKey returns a loggable form of a key: the first and last four
// characters around a fixed mask, or only the mask for keys of eight
// characters or fewer
func MaskKey(key string) string {
	const mask = "****"
	runes := []rune(key)
	if len(runes) > 8 {
		return string(runes[:4]) + mask + string(runes[len(runes)-4:])
	}
	return mask
}

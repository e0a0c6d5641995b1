package crypto

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// DefaultChunkSize is the leaf size used when chunking vault blobs
const DefaultChunkSize = 4096

// Position tells which side of the running hash a proof node sits on
type Position int

const (
	PositionRight Position = iota
	PositionLeft
)

// ProofNode is one sibling hash on the path from a leaf to the root
type ProofNode struct {
	Hash     []byte   `json:"hash"`
	Position Position `json:"position"`
}

// MerkleProof proves that a chunk belongs to a tree with the given root
type MerkleProof struct {
	RootHash      []byte      `json:"root_hash"`
	LeafHash      []byte      `json:"leaf_hash"`
	Path          []ProofNode `json:"path"`
	HashAlgorithm string      `json:"hash_algorithm"`
}

// ChunkData splits data into fixed-size leaves. Empty data yields a single
// empty leaf so every blob has a root.
func ChunkData(data []byte, size int) [][]byte {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if len(data) == 0 {
		return [][]byte{{}}
	}
	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for start := 0; start < len(data); start += size {
		end := min(start+size, len(data))
		chunks = append(chunks, data[start:end])
	}
	return chunks
}

// MerkleRoot computes the root of the tree built over the chunks. Odd levels
// duplicate their last node.
func MerkleRoot(chunks [][]byte, algorithm string) ([]byte, error) {
	levels, err := buildLevels(chunks, algorithm)
	if err != nil {
		return nil, err
	}
	return levels[len(levels)-1][0], nil
}

// BuildProof returns the proof for the chunk at index
func BuildProof(chunks [][]byte, index int, algorithm string) (*MerkleProof, error) {
	if index < 0 || index >= len(chunks) {
		return nil, fmt.Errorf("chunk index %d out of range", index)
	}

	levels, err := buildLevels(chunks, algorithm)
	if err != nil {
		return nil, err
	}

	proof := &MerkleProof{
		RootHash:      levels[len(levels)-1][0],
		LeafHash:      levels[0][index],
		HashAlgorithm: algorithm,
	}

	pos := index
	for _, level := range levels[:len(levels)-1] {
		sibling := pos ^ 1
		if sibling >= len(level) {
			sibling = pos
		}
		node := ProofNode{Hash: level[sibling], Position: PositionRight}
		if pos%2 == 1 {
			node.Position = PositionLeft
		}
		proof.Path = append(proof.Path, node)
		pos /= 2
	}

	return proof, nil
}

func buildLevels(chunks [][]byte, algorithm string) ([][][]byte, error) {
	if len(chunks) == 0 {
		return nil, errors.New("no chunks to hash")
	}

	leaves := make([][]byte, len(chunks))
	for i, chunk := range chunks {
		h, err := calculateHash(chunk, algorithm)
		if err != nil {
			return nil, err
		}
		leaves[i] = h
	}

	levels := [][][]byte{leaves}
	for current := leaves; len(current) > 1; {
		next := make([][]byte, 0, (len(current)+1)/2)
		for i := 0; i < len(current); i += 2 {
			right := current[i]
			if i+1 < len(current) {
				right = current[i+1]
			}
			next = append(next, combinedHash(current[i], right, algorithm))
		}
		levels = append(levels, next)
		current = next
	}
	return levels, nil
}

// MerkleVerifier handles verification of Merkle proofs for data integrity
type MerkleVerifier struct{}

// NewMerkleVerifier creates a new MerkleVerifier
func NewMerkleVerifier() *MerkleVerifier {
	return &MerkleVerifier{}
}

// VerifyProof verifies a Merkle proof against a root hash and chunk data
func (v *MerkleVerifier) VerifyProof(proof *MerkleProof, data []byte) (bool, error) {
	if proof == nil {
		return false, errors.New("proof is nil")
	}

	if len(proof.RootHash) == 0 {
		return false, errors.New("root hash is empty")
	}

	dataHash, err := calculateHash(data, proof.HashAlgorithm)
	if err != nil {
		return false, err
	}

	if len(proof.LeafHash) > 0 && !bytes.Equal(proof.LeafHash, dataHash) {
		log.Debug().
			Hex("calculated_hash", dataHash).
			Hex("proof_leaf_hash", proof.LeafHash).
			Msg("Leaf hash mismatch")
		return false, nil
	}

	currentHash := dataHash
	for _, node := range proof.Path {
		if len(node.Hash) == 0 {
			return false, errors.New("invalid node in proof path")
		}
		if node.Position == PositionLeft {
			currentHash = combinedHash(node.Hash, currentHash, proof.HashAlgorithm)
		} else {
			currentHash = combinedHash(currentHash, node.Hash, proof.HashAlgorithm)
		}
	}

	if !bytes.Equal(currentHash, proof.RootHash) {
		log.Debug().
			Hex("computed_root", currentHash).
			Hex("expected_root", proof.RootHash).
			Msg("Root hash mismatch")
		return false, nil
	}

	return true, nil
}

// VerifyBlob recomputes the root of a whole blob and compares it to root
func (v *MerkleVerifier) VerifyBlob(blob, root []byte, chunkSize int, algorithm string) (bool, error) {
	computed, err := MerkleRoot(ChunkData(blob, chunkSize), algorithm)
	if err != nil {
		return false, err
	}
	return bytes.Equal(computed, root), nil
}

// calculateHash calculates the hash of data using the specified algorithm
func calculateHash(data []byte, algorithm string) ([]byte, error) {
	switch algorithm {
	case "SHA256":
		hash := sha256.Sum256(data)
		return hash[:], nil
	case "SHA512":
		hash := sha512.Sum512(data)
		return hash[:], nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %s", algorithm)
	}
}

// combinedHash hashes the concatenation of two child hashes
func combinedHash(left, right []byte, algorithm string) []byte {
	combined := make([]byte, 0, len(left)+len(right))
	combined = append(combined, left...)
	combined = append(combined, right...)

	switch algorithm {
	case "SHA512":
		hash := sha512.Sum512(combined)
		return hash[:]
	default:
		hash := sha256.Sum256(combined)
		return hash[:]
	}
}

package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "CoverLedger:genesis:v1"

// GenesisHash is the chain tip before any command.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ChainHash calculates SHA-256(prev_hash || sequence LE || state_digest).
func ChainHash(prev [32]byte, sequence int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(prev[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// StateHasher tracks the tip of the state hash chain.
// Rejected commands do not advance it.
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: GenesisHash(),
	}
}

// ComputeHash extends the chain and returns the new tip.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	h.prevHash = ChainHash(h.prevHash, sequence, stateDigest)
	return h.prevHash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash resets the chain tip (used during recovery)
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}

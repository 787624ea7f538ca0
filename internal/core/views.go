package core

import (
	fpmath "CoverLedger/internal/math"
	"CoverLedger/internal/pool"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Read-only views over the live state. Each takes the read lock.

// GetSequence returns the next sequence to assign.
func (c *DeterministicCore) GetSequence() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasher.GetPrevHash()
}

// Halted reports whether a logged command's output was abandoned before
// reaching the persist channel. The in-memory state is then ahead of the
// log and must not be snapshotted.
func (c *DeterministicCore) Halted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.halted
}

// LastTimestamp is the timestamp of the last logged command.
func (c *DeterministicCore) LastTimestamp() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastTimestamp
}

// ExpectedNonce returns the next nonce caller must use.
func (c *DeterministicCore) ExpectedNonce(caller common.Address) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sequenceValidator.GetExpectedSequence(CallerPartition(caller))
}

func (c *DeterministicCore) PoolState() pool.PoolState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry.State()
}

func (c *DeterministicCore) Policy() pool.Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry.Policy()
}

func (c *DeterministicCore) Quote(concept uint8, coverage *uint256.Int, duration uint32) (*fpmath.Quote, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry.Quote(concept, coverage, duration)
}

func (c *DeterministicCore) Protection(pid uint64) (*pool.Protection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry.Protection(pid)
}

func (c *DeterministicCore) ProtectionsOf(holder common.Address) []*pool.Protection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry.ProtectionsOf(holder)
}

func (c *DeterministicCore) Provider(addr common.Address) (*pool.ProviderAccount, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry.Provider(addr)
}

func (c *DeterministicCore) PendingPremiums(addr common.Address, now uint32) (*uint256.Int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry.PendingPremiums(addr, now)
}

func (c *DeterministicCore) Settlements(concept uint8) ([]uint32, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry.Settlements(concept)
}

func (c *DeterministicCore) IsApprovedForAll(holder, operator common.Address) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry.IsApprovedForAll(holder, operator)
}

// Sweepable lists protections a SweepExpired at now would sweep.
func (c *DeterministicCore) Sweepable(now uint32, limit int) []uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry.Sweepable(now, limit)
}

// BalanceOf returns addr's pay-asset balance in the book.
func (c *DeterministicCore) BalanceOf(addr common.Address) *uint256.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.book.BalanceOf(addr)
}

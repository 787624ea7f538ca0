package core

import (
	"context"
	"errors"
	"fmt"

	"CoverLedger/internal/event"
	"CoverLedger/internal/ledger"
	"CoverLedger/internal/pool"
)

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence        int64                 `json:"sequence"` // last processed sequence
	StateHash       [32]byte              `json:"state_hash"`
	LastTimestamp   uint32                `json:"last_timestamp"`
	Registry        *pool.Snapshot        `json:"registry"`
	Balances        []ledger.BalanceEntry `json:"balances"`
	SequenceState   map[string]int64      `json:"sequence_state"`
	IdempotencyKeys []string              `json:"idempotency_keys"`
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		LastTimestamp:   c.lastTimestamp,
		Registry:        c.registry.Snapshot(),
		Balances:        c.book.Snapshot(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
}

// RestoreFromSnapshot restores the core's in-memory state from a snapshot.
// On warm restart the log is replayed from snap.Sequence+1 afterwards.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if snap.Registry == nil {
		return errors.New("snapshot has no registry state")
	}
	if err := c.registry.Restore(snap.Registry); err != nil {
		return fmt.Errorf("restore registry: %w", err)
	}
	c.book.Restore(snap.Balances)

	c.sequence = snap.Sequence + 1
	c.lastTimestamp = snap.LastTimestamp
	c.hasher.SetPrevHash(snap.StateHash)

	for partition, next := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, next)
	}
	c.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)
	return nil
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idempotency.lru.WarmFromKeys(keys)
}

// ReplayEnvelope re-applies a logged command during recovery. The outcome
// and resulting state hash must match the log. Nothing is emitted.
func (c *DeterministicCore) ReplayEnvelope(ctx context.Context, env *event.CommandEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if env.Sequence != c.sequence {
		return fmt.Errorf("%w: log seq %d, core expects %d", ErrReplayMismatch, env.Sequence, c.sequence)
	}
	cmd, err := event.Decode(env.CommandType, env.Payload)
	if err != nil {
		return fmt.Errorf("replay seq %d: %w", env.Sequence, err)
	}

	output, err := c.apply(ctx, cmd, true)
	var rej *RejectionError
	if err != nil && !errors.As(err, &rej) {
		return fmt.Errorf("replay seq %d: %w", env.Sequence, err)
	}
	if output == nil {
		return fmt.Errorf("%w: seq %d produced no output", ErrReplayMismatch, env.Sequence)
	}
	if output.Envelope.Outcome != env.Outcome {
		return fmt.Errorf("%w: seq %d outcome %s, logged %s",
			ErrReplayMismatch, env.Sequence, output.Envelope.Outcome, env.Outcome)
	}
	if output.Envelope.StateHash != env.StateHash {
		return fmt.Errorf("%w: seq %d state hash %x, logged %x",
			ErrReplayMismatch, env.Sequence, output.Envelope.StateHash, env.StateHash)
	}

	if c.metrics != nil {
		c.metrics.ReplayCommandsTotal.Inc()
	}
	return nil
}

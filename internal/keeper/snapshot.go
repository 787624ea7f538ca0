package keeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"CoverLedger/internal/core"
	"CoverLedger/internal/observability"

	"github.com/rs/zerolog"
)

// StateSource captures the live core state.
type StateSource interface {
	CreateSnapshotState() *core.SnapshotState
}

// SnapshotStore persists snapshots and checks them against the command log.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *core.SnapshotState) (int, error)
	VerifySnapshot(ctx context.Context, sequence int64) error
	GetLatestSequence(ctx context.Context) (int64, error)
}

// Snapshotter takes snapshots of the core. A snapshot is saved unverified
// and only marked verified once the command at its sequence is persisted
// with the same state hash, so recovery never loads a snapshot ahead of
// the log.
type Snapshotter struct {
	src     StateSource
	store   SnapshotStore
	metrics *observability.Metrics
	logger  zerolog.Logger

	// VerifyTimeout bounds the wait for the persistence worker to catch up.
	VerifyTimeout time.Duration
	PollInterval  time.Duration

	mu      sync.Mutex
	lastSeq int64
}

func NewSnapshotter(src StateSource, store SnapshotStore, metrics *observability.Metrics, logger zerolog.Logger) *Snapshotter {
	return &Snapshotter{
		src:           src,
		store:         store,
		metrics:       metrics,
		logger:        logger,
		VerifyTimeout: 30 * time.Second,
		PollInterval:  100 * time.Millisecond,
		lastSeq:       -1,
	}
}

// Take snapshots the core if anything was applied since the last snapshot.
// It returns the snapshot's sequence, or -1 when there was nothing new.
func (s *Snapshotter) Take(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	snap := s.src.CreateSnapshotState()
	if snap.Sequence < 0 || snap.Sequence == s.lastSeq {
		return -1, nil
	}

	size, err := s.store.SaveSnapshot(ctx, snap)
	if err != nil {
		return -1, fmt.Errorf("save snapshot: %w", err)
	}
	if err := s.waitPersisted(ctx, snap.Sequence); err != nil {
		return -1, err
	}
	if err := s.store.VerifySnapshot(ctx, snap.Sequence); err != nil {
		return -1, err
	}
	s.lastSeq = snap.Sequence

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(size))
		s.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	s.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("size_bytes", size).
		Dur("took", time.Since(start)).
		Msg("snapshot verified")
	return snap.Sequence, nil
}

func (s *Snapshotter) waitPersisted(ctx context.Context, seq int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.VerifyTimeout)
	defer cancel()

	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	for {
		latest, err := s.store.GetLatestSequence(ctx)
		if err != nil {
			return fmt.Errorf("read persisted sequence: %w", err)
		}
		if latest >= seq {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("snapshot %d: persisted sequence stuck at %d: %w", seq, latest, ctx.Err())
		case <-ticker.C:
		}
	}
}

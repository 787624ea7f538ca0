package main

import (
	"context"
	"fmt"
	"time"

	"CoverLedger/internal/core"
	"CoverLedger/internal/observability"
	"CoverLedger/internal/persistence"

	"github.com/rs/zerolog"
)

const (
	replayBatchSize = 1000
	warmKeysLimit   = 100_000
)

// recoverCore restores the latest verified snapshot, replays the log tail
// and warms the idempotency cache. It returns the number of replayed
// commands. Any divergence between replay and the log is fatal.
func recoverCore(
	ctx context.Context,
	c *core.DeterministicCore,
	snaps *persistence.SnapshotManager,
	idem *persistence.PostgresIdempotencyChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (int64, error) {
	start := time.Now()

	snap, err := snaps.LoadLatestSnapshot(ctx)
	if err != nil {
		// A broken snapshot only costs replay time.
		logger.Warn().Err(err).Msg("failed to load snapshot, replaying full log")
		snap = nil
	}
	from := int64(0)
	if snap != nil {
		if err := c.RestoreFromSnapshot(snap); err != nil {
			return 0, fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
		}
		from = snap.Sequence + 1
		logger.Info().Int64("sequence", snap.Sequence).Msg("restored snapshot")
	} else {
		logger.Info().Msg("no snapshot found, cold start from sequence 0")
	}

	var replayed int64
	for {
		envs, err := snaps.LoadCommandsFrom(ctx, from, replayBatchSize)
		if err != nil {
			return replayed, fmt.Errorf("load commands from seq %d: %w", from, err)
		}
		if len(envs) == 0 {
			break
		}
		for _, env := range envs {
			if err := c.ReplayEnvelope(ctx, env); err != nil {
				return replayed, err
			}
			replayed++
		}
		from = envs[len(envs)-1].Sequence + 1
	}

	// The snapshot already carries its keys; on a cold start the LRU is
	// filled from the log.
	if snap == nil {
		keys, err := idem.RecentKeys(ctx, warmKeysLimit)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to warm idempotency cache")
		} else {
			c.WarmLRU(keys)
		}
	}

	if metrics != nil {
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	logger.Info().
		Int64("replayed", replayed).
		Int64("next_sequence", c.GetSequence()).
		Str("state_hash", fmt.Sprintf("%x", c.GetStateHash())).
		Dur("took", time.Since(start)).
		Msg("recovery complete")
	return replayed, nil
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"CoverLedger/internal/config"
	"CoverLedger/internal/core"
	"CoverLedger/internal/event"
	"CoverLedger/internal/observability"
	"CoverLedger/internal/persistence"
	"CoverLedger/internal/projection"
	"CoverLedger/internal/query"
)

// rebuildProjections truncates the projection tables and regenerates them
// by re-running the command log through a scratch core. Each re-run
// command must reproduce its logged state hash.
func rebuildProjections(ctx context.Context, cfg *config.Config) error {
	logger := observability.NewLogger("rebuild")

	db, err := openDB(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	coreCfg, err := coreConfig(cfg)
	if err != nil {
		return err
	}
	persist := make(chan core.CoreOutput, 1)
	scratch := core.NewDeterministicCore(coreCfg, 0, persist, nil, nil, nil)
	scratch.SetLogger(moduleLogger(logger, "core"))

	if err := projection.Truncate(ctx, db); err != nil {
		return fmt.Errorf("truncate projections: %w", err)
	}

	snaps := persistence.NewSnapshotManager(db)
	var from, applied int64
	for {
		envs, err := snaps.LoadCommandsFrom(ctx, from, replayBatchSize)
		if err != nil {
			return fmt.Errorf("load commands from seq %d: %w", from, err)
		}
		if len(envs) == 0 {
			break
		}
		for _, env := range envs {
			if err := rerun(ctx, scratch, env); err != nil {
				return err
			}
			out := <-persist
			if err := projection.Apply(ctx, db, out); err != nil {
				return fmt.Errorf("project seq %d: %w", env.Sequence, err)
			}
			applied++
		}
		from = envs[len(envs)-1].Sequence + 1
	}

	logger.Info().Int64("commands", applied).Msg("projections rebuilt")
	return nil
}

func rerun(ctx context.Context, c *core.DeterministicCore, env *event.CommandEnvelope) error {
	cmd, err := event.Decode(env.CommandType, env.Payload)
	if err != nil {
		return fmt.Errorf("decode seq %d: %w", env.Sequence, err)
	}
	got, err := c.Submit(ctx, cmd)
	var rej *core.RejectionError
	if err != nil && !errors.As(err, &rej) {
		return fmt.Errorf("rerun seq %d: %w", env.Sequence, err)
	}
	if got == nil {
		return fmt.Errorf("%w: seq %d was not logged on rerun", core.ErrReplayMismatch, env.Sequence)
	}
	if got.Sequence != env.Sequence || got.StateHash != env.StateHash {
		return fmt.Errorf("%w: seq %d state hash %x, logged %x",
			core.ErrReplayMismatch, env.Sequence, got.StateHash, env.StateHash)
	}
	return nil
}

// verifyIntegrity prints the integrity report and fails when it finds
// anything wrong.
func verifyIntegrity(ctx context.Context, cfg *config.Config, w io.Writer) error {
	db, err := openDB(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	report, err := query.NewQueryService(db, nil).VerifyIntegrity(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if !report.IsHealthy {
		return errors.New("integrity check failed")
	}
	return nil
}

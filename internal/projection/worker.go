package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"CoverLedger/internal/core"
	"CoverLedger/internal/observability"
	"CoverLedger/internal/pool"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// WatermarkWorkerID names the main projection worker's watermark row.
const WatermarkWorkerID = "main"

// ProjectionWorker updates projection tables from core outputs. The core
// sends on the projection channel without blocking, so outputs may be
// dropped under load; projections are rebuilt from the command log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
		lastSeq:   -1,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if output.Envelope == nil {
				continue
			}
			seq := output.Envelope.Sequence
			if pw.lastSeq >= 0 && seq != pw.lastSeq+1 {
				pw.logger.Warn().Int64("expected", pw.lastSeq+1).Int64("got", seq).Msg("projection gap, rebuild to catch up")
			}

			start := time.Now()
			if err := Apply(ctx, pw.db, output); err != nil {
				pw.logger.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
				continue
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues("all").Observe(time.Since(start).Seconds())
			}
			pw.lastSeq = seq
		}
	}
}

// Update is the projected form of one core output.
type Update struct {
	Sequence    int64
	Pool        *PoolRow
	Providers   []ProviderRow
	Protections []ProtectionRow
}

type PoolRow struct {
	Initialized        bool
	PayAsset           string
	Description        string
	Concepts           string // JSON array
	Creator            string
	Arbiter            string
	ArbiterAccepted    bool
	Abdicated          bool
	Reserves           string
	Utilized           string
	TotalShares        string
	PendingArbiterFees string
	PendingCreatorFees string
	PremiumsAccum      string
}

type ProviderRow struct {
	Address           string
	Shares            string
	TokenSeconds      string
	LastProvide       int64
	WithdrawInitiated int64
}

type ProtectionRow struct {
	ID       int64
	Concept  int
	Coverage string
	Paid     string
	Holder   string
	Approved string
	Start    int64
	Expiry   int64
	Status   string
}

// BuildUpdate derives projection rows from a core output. Rejected
// commands carry no state change and project to the watermark only.
func BuildUpdate(output core.CoreOutput) (*Update, error) {
	u := &Update{Sequence: output.Envelope.Sequence}
	if len(output.StateDelta) == 0 {
		return u, nil
	}

	d, err := core.DecodeStateDelta(output.StateDelta)
	if err != nil {
		return nil, err
	}

	concepts, err := json.Marshal(d.State.Concepts)
	if err != nil {
		return nil, err
	}
	if d.State.Concepts == nil {
		concepts = []byte("[]")
	}
	u.Pool = &PoolRow{
		Initialized:        d.State.Initialized,
		PayAsset:           d.State.PayAsset.Hex(),
		Description:        d.State.Description,
		Concepts:           string(concepts),
		Creator:            d.State.Creator.Hex(),
		Arbiter:            d.State.Arbiter.Hex(),
		ArbiterAccepted:    d.State.ArbiterAccepted,
		Abdicated:          d.State.Abdicated,
		Reserves:           dec(d.State.Reserves),
		Utilized:           dec(d.State.Utilized),
		TotalShares:        dec(d.State.TotalShares),
		PendingArbiterFees: dec(d.State.PendingArbiterFees),
		PendingCreatorFees: dec(d.State.PendingCreatorFees),
		PremiumsAccum:      dec(d.State.PremiumsAccum),
	}

	for _, p := range d.Providers {
		u.Providers = append(u.Providers, ProviderRow{
			Address:           p.Address.Hex(),
			Shares:            dec(p.Shares),
			TokenSeconds:      dec(p.TokenSeconds),
			LastProvide:       int64(p.LastProvide),
			WithdrawInitiated: int64(p.WithdrawInitiated),
		})
	}
	for _, p := range d.Protections {
		u.Protections = append(u.Protections, protectionRow(p))
	}
	return u, nil
}

func protectionRow(p *pool.Protection) ProtectionRow {
	return ProtectionRow{
		ID:       int64(p.ID),
		Concept:  int(p.Concept),
		Coverage: dec(p.Coverage),
		Paid:     dec(p.Paid),
		Holder:   p.Holder.Hex(),
		Approved: p.Approved.Hex(),
		Start:    int64(p.Start),
		Expiry:   int64(p.Expiry),
		Status:   p.Status.String(),
	}
}

// Apply writes one output's projection rows and advances the watermark in
// a single transaction.
func Apply(ctx context.Context, db *sql.DB, output core.CoreOutput) error {
	u, err := BuildUpdate(output)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if u.Pool != nil {
		if err := upsertPool(ctx, tx, u.Sequence, u.Pool); err != nil {
			return fmt.Errorf("pool projection: %w", err)
		}
	}
	for _, p := range u.Providers {
		if err := upsertProvider(ctx, tx, u.Sequence, p); err != nil {
			return fmt.Errorf("provider projection: %w", err)
		}
	}
	for _, p := range u.Protections {
		if err := upsertProtection(ctx, tx, u.Sequence, p); err != nil {
			return fmt.Errorf("protection projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, WatermarkWorkerID, u.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func upsertPool(ctx context.Context, tx *sql.Tx, seq int64, p *PoolRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.pool
			(id, initialized, pay_asset, description, concepts, creator, arbiter,
			 arbiter_accepted, abdicated, reserves, utilized, total_shares,
			 pending_arbiter_fees, pending_creator_fees, premiums_accum, last_sequence, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW())
		ON CONFLICT (id) DO UPDATE SET
			initialized = $1, pay_asset = $2, description = $3, concepts = $4,
			creator = $5, arbiter = $6, arbiter_accepted = $7, abdicated = $8,
			reserves = $9, utilized = $10, total_shares = $11,
			pending_arbiter_fees = $12, pending_creator_fees = $13, premiums_accum = $14,
			last_sequence = $15, updated_at = NOW()
	`, p.Initialized, p.PayAsset, p.Description, p.Concepts, p.Creator, p.Arbiter,
		p.ArbiterAccepted, p.Abdicated, p.Reserves, p.Utilized, p.TotalShares,
		p.PendingArbiterFees, p.PendingCreatorFees, p.PremiumsAccum, seq)
	return err
}

func upsertProvider(ctx context.Context, tx *sql.Tx, seq int64, p ProviderRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.providers
			(address, shares, token_seconds, last_provide, withdraw_initiated, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (address) DO UPDATE SET
			shares = $2, token_seconds = $3, last_provide = $4,
			withdraw_initiated = $5, last_sequence = $6
	`, p.Address, p.Shares, p.TokenSeconds, p.LastProvide, p.WithdrawInitiated, seq)
	return err
}

func upsertProtection(ctx context.Context, tx *sql.Tx, seq int64, p ProtectionRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.protections
			(id, concept, coverage, paid, holder, approved, start_at, expiry, status, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			coverage = $3, paid = $4, holder = $5, approved = $6,
			start_at = $7, expiry = $8, status = $9, last_sequence = $10
	`, p.ID, p.Concept, p.Coverage, p.Paid, p.Holder, p.Approved, p.Start, p.Expiry, p.Status, seq)
	return err
}

// Truncate clears every projection table ahead of a rebuild.
func Truncate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`TRUNCATE projections.pool`,
		`TRUNCATE projections.providers`,
		`TRUNCATE projections.protections`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}
	return nil
}

func dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

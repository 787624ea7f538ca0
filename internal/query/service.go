package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	fpmath "CoverLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var ErrNotFound = errors.New("not found")

// LiveReader is the slice of the core's read surface the query service
// uses for values that depend on the current time or a hypothetical.
type LiveReader interface {
	GetSequence() int64
	LastTimestamp() uint32
	Quote(concept uint8, coverage *uint256.Int, duration uint32) (*fpmath.Quote, error)
	PendingPremiums(addr common.Address, now uint32) (*uint256.Int, error)
}

// QueryService provides read-only access. Protections, providers and the
// pool come from projection tables; quotes and pending premiums come from
// the live core.
type QueryService struct {
	db   *sql.DB
	live LiveReader
}

func NewQueryService(db *sql.DB, live LiveReader) *QueryService {
	return &QueryService{db: db, live: live}
}

// GetPool returns the projected pool aggregate.
func (qs *QueryService) GetPool(ctx context.Context) (*PoolResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var (
		p        PoolResponse
		concepts []byte
	)
	err = qs.db.QueryRowContext(ctx, `
		SELECT initialized, pay_asset, description, concepts, creator, arbiter,
		       arbiter_accepted, abdicated, reserves::TEXT, utilized::TEXT, total_shares::TEXT,
		       pending_arbiter_fees::TEXT, pending_creator_fees::TEXT, premiums_accum::TEXT
		FROM projections.pool WHERE id = 1
	`).Scan(
		&p.Initialized, &p.PayAsset, &p.Description, &concepts, &p.Creator, &p.Arbiter,
		&p.ArbiterAccepted, &p.Abdicated, &p.Reserves, &p.Utilized, &p.TotalShares,
		&p.PendingArbiterFees, &p.PendingCreatorFees, &p.PremiumsAccum,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pool: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(concepts, &p.Concepts); err != nil {
		return nil, fmt.Errorf("concepts: %w", err)
	}
	p.AsOfSequence = asOfSeq
	return &p, nil
}

const protectionColumns = `id, concept, coverage::TEXT, paid::TEXT, holder, approved, start_at, expiry, status`

func scanProtection(row interface{ Scan(...interface{}) error }, p *ProtectionResponse) error {
	return row.Scan(&p.ID, &p.Concept, &p.Coverage, &p.Paid, &p.Holder, &p.Approved, &p.Start, &p.Expiry, &p.Status)
}

// GetProtection returns one protection by id.
func (qs *QueryService) GetProtection(ctx context.Context, id uint64) (*ProtectionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var p ProtectionResponse
	err = scanProtection(qs.db.QueryRowContext(ctx,
		`SELECT `+protectionColumns+` FROM projections.protections WHERE id = $1`, int64(id)), &p)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("protection %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	p.AsOfSequence = asOfSeq
	return &p, nil
}

// GetProtectionsByHolder lists a holder's protections by id, with
// cursor-based pagination on afterID.
func (qs *QueryService) GetProtectionsByHolder(
	ctx context.Context,
	holder common.Address,
	limit int,
	afterID *uint64,
) ([]ProtectionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + protectionColumns + ` FROM projections.protections WHERE holder = $1`
	args := []interface{}{holder.Hex()}
	argIdx := 2

	if afterID != nil {
		query += fmt.Sprintf(" AND id > $%d", argIdx)
		args = append(args, int64(*afterID))
		argIdx++
	}

	query += " ORDER BY id ASC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProtectionResponse
	for rows.Next() {
		var p ProtectionResponse
		if err := scanProtection(rows, &p); err != nil {
			return nil, err
		}
		p.AsOfSequence = asOfSeq
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetProvider returns a provider's projected account and the premiums it
// could claim at the core's last timestamp.
func (qs *QueryService) GetProvider(ctx context.Context, addr common.Address) (*ProviderResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	p := ProviderResponse{Address: addr.Hex()}
	err = qs.db.QueryRowContext(ctx, `
		SELECT shares::TEXT, token_seconds::TEXT, last_provide, withdraw_initiated
		FROM projections.providers WHERE address = $1
	`, addr.Hex()).Scan(&p.Shares, &p.TokenSeconds, &p.LastProvide, &p.WithdrawInitiated)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("provider %s: %w", addr.Hex(), ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	p.PendingPremiums = "0"
	if qs.live != nil {
		pending, err := qs.live.PendingPremiums(addr, qs.live.LastTimestamp())
		if err == nil {
			p.PendingPremiums = pending.Dec()
		}
	}
	p.AsOfSequence = asOfSeq
	return &p, nil
}

// GetQuote prices coverage against the live pool without changing it.
func (qs *QueryService) GetQuote(concept uint8, coverage *uint256.Int, duration uint32) (*QuoteResponse, error) {
	if qs.live == nil {
		return nil, errors.New("live reader not configured")
	}
	q, err := qs.live.Quote(concept, coverage, duration)
	if err != nil {
		return nil, err
	}
	return &QuoteResponse{
		Concept:     concept,
		Coverage:    coverage.Dec(),
		Duration:    duration,
		Premium:     q.Premium.Dec(),
		Rate:        q.Rate.Dec(),
		NewUtilized: q.NewUtilized.Dec(),
		Sequence:    qs.live.GetSequence(),
	}, nil
}

// GetCommand returns how the command at seq was decided.
func (qs *QueryService) GetCommand(ctx context.Context, seq int64) (*CommandStatus, error) {
	var (
		c         CommandStatus
		kind, msg sql.NullString
		hash      []byte
	)
	err := qs.db.QueryRowContext(ctx, `
		SELECT sequence, command_type, idempotency_key, caller, nonce, outcome,
		       error_kind, error_message, state_hash, timestamp
		FROM event_log.commands WHERE sequence = $1
	`, seq).Scan(&c.Sequence, &c.CommandType, &c.IdempotencyKey, &c.Caller, &c.Nonce, &c.Outcome,
		&kind, &msg, &hash, &c.Timestamp)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("command %d: %w", seq, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	c.ErrorKind, c.ErrorMessage = kind.String, msg.String
	c.StateHash = "0x" + hex.EncodeToString(hash)
	return &c, nil
}

// GetRecords returns records where addr is actor or counterparty, newest
// first, paginated by beforeSeq.
func (qs *QueryService) GetRecords(
	ctx context.Context,
	addr common.Address,
	limit int,
	beforeSeq *int64,
) ([]RecordEntry, error) {
	query := `
		SELECT sequence, idx, record_type, at, actor, counterparty, protection_id, concept,
		       amount::TEXT, shares::TEXT, premium::TEXT, approved
		FROM event_log.records
		WHERE (actor = $1 OR counterparty = $1)
	`
	args := []interface{}{addr.Hex()}
	argIdx := 2

	if beforeSeq != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSeq)
		argIdx++
	}

	query += " ORDER BY sequence DESC, idx ASC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []RecordEntry
	for rows.Next() {
		var (
			e                       RecordEntry
			amount, shares, premium sql.NullString
		)
		if err := rows.Scan(
			&e.Sequence, &e.Index, &e.RecordType, &e.At, &e.Actor, &e.Counterparty,
			&e.ProtectionID, &e.Concept, &amount, &shares, &premium, &e.Approved,
		); err != nil {
			return nil, err
		}
		e.Amount, e.Shares, e.Premium = nullable(amount), nullable(shares), nullable(premium)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetJournalHistory returns journal entries touching an account path.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	accountPath string,
	limit int,
	beforeSeq *int64,
) ([]JournalHistoryEntry, error) {
	query := `
		SELECT journal_id, batch_id, command_ref, sequence,
		       debit_account, credit_account, amount::TEXT, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account = $1 OR credit_account = $1)
	`
	args := []interface{}{accountPath}
	argIdx := 2

	if beforeSeq != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSeq)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.CommandRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Amount, &e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity over the command log and
// that no holder account's journals net below zero.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT c1.sequence
		FROM event_log.commands c1
		LEFT JOIN event_log.commands c2 ON c2.sequence = c1.sequence - 1
		WHERE c1.sequence > 0 AND c1.prev_hash != COALESCE(c2.state_hash, c1.prev_hash)
		ORDER BY c1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT account, SUM(delta)::TEXT FROM (
			SELECT debit_account AS account, amount AS delta FROM event_log.journal
			UNION ALL
			SELECT credit_account AS account, -amount AS delta FROM event_log.journal
		) moves
		WHERE account LIKE 'holder:%'
		GROUP BY account
		HAVING SUM(delta) < 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var n NegativeAccount
		if err := balanceRows.Scan(&n.Account, &n.Balance); err != nil {
			return nil, err
		}
		report.NegativeAccounts = append(report.NegativeAccounts, n)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.NegativeAccounts) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func nullable(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

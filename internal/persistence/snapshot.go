package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"CoverLedger/internal/core"
	"CoverLedger/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// snapshotFormatVersion v1: JSON-encoded core.SnapshotState
const snapshotFormatVersion = 1

var ErrSnapshotHashMismatch = errors.New("snapshot state hash does not match command log")

// SnapshotManager stores core snapshots and reads the command log back for
// recovery. On warm restart the latest verified snapshot is restored and the
// log is replayed from snapshot.Sequence+1; on cold restart from sequence 0.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotInfo describes a stored snapshot without its payload.
type SnapshotInfo struct {
	SnapshotID uuid.UUID
	Sequence   int64
	StateHash  [32]byte
	SizeBytes  int
	Verified   bool
	CreatedAt  time.Time
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot as unverified and returns its size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.SnapshotState) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6, verified = FALSE
	`, uuid.New(), snap.Sequence, data, snap.StateHash[:], snapshotFormatVersion, len(data), time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// VerifySnapshot checks the snapshot's state hash against the hash logged
// for the same sequence and marks it verified on match. The command at that
// sequence must already be persisted.
func (sm *SnapshotManager) VerifySnapshot(ctx context.Context, sequence int64) error {
	var snapHash, logHash []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT s.state_hash, c.state_hash
		FROM event_log.snapshots s
		JOIN event_log.commands c ON c.sequence = s.sequence
		WHERE s.sequence = $1
	`, sequence).Scan(&snapHash, &logHash)
	if err == sql.ErrNoRows {
		return fmt.Errorf("verify snapshot %d: command not yet persisted", sequence)
	}
	if err != nil {
		return fmt.Errorf("verify snapshot %d: %w", sequence, err)
	}
	if string(snapHash) != string(logHash) {
		return fmt.Errorf("%w: seq %d snapshot %x, log %x", ErrSnapshotHashMismatch, sequence, snapHash, logHash)
	}
	return sm.MarkVerified(ctx, sequence)
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot. It returns
// nil, nil when there is none.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error) {
	var (
		data    []byte
		version int
	)
	err := sm.db.QueryRowContext(ctx, `
		SELECT data, format_version FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&data, &version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if version != snapshotFormatVersion {
		return nil, fmt.Errorf("unsupported snapshot format version %d", version)
	}

	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// ListSnapshots returns snapshot metadata, newest first.
func (sm *SnapshotManager) ListSnapshots(ctx context.Context, limit int) ([]SnapshotInfo, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT snapshot_id, sequence, state_hash, size_bytes, verified, created_at
		FROM event_log.snapshots
		ORDER BY sequence DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SnapshotInfo
	for rows.Next() {
		var (
			info SnapshotInfo
			hash []byte
		)
		if err := rows.Scan(&info.SnapshotID, &info.Sequence, &hash, &info.SizeBytes, &info.Verified, &info.CreatedAt); err != nil {
			return nil, err
		}
		copy(info.StateHash[:], hash)
		out = append(out, info)
	}
	return out, rows.Err()
}

// LoadCommandsFrom loads logged commands from a given sequence for replay.
func (sm *SnapshotManager) LoadCommandsFrom(ctx context.Context, fromSequence int64, limit int) ([]*event.CommandEnvelope, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, command_type, idempotency_key, caller, nonce, payload, outcome,
		       COALESCE(error_kind, ''), COALESCE(error_message, ''), state_hash, prev_hash, timestamp
		FROM event_log.commands
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var envelopes []*event.CommandEnvelope
	for rows.Next() {
		var row CommandRow
		var kind, msg string
		if err := rows.Scan(
			&row.Sequence, &row.CommandType, &row.IdempotencyKey, &row.Caller, &row.Nonce,
			&row.Payload, &row.Outcome, &kind, &msg, &row.StateHash, &row.PrevHash, &row.Timestamp,
		); err != nil {
			return nil, err
		}
		row.ErrorKind, row.ErrorMessage = &kind, &msg

		env, err := row.Envelope()
		if err != nil {
			return nil, fmt.Errorf("seq %d: %w", row.Sequence, err)
		}
		envelopes = append(envelopes, env)
	}
	return envelopes, rows.Err()
}

// GetLatestSequence returns the highest sequence in the command log, or -1
// when the log is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.commands
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// Envelope converts a stored row back into a command envelope.
func (r CommandRow) Envelope() (*event.CommandEnvelope, error) {
	ct, err := event.ParseCommandType(r.CommandType)
	if err != nil {
		return nil, err
	}
	outcome, err := event.ParseOutcome(r.Outcome)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(r.Caller) {
		return nil, fmt.Errorf("invalid caller %q", r.Caller)
	}
	if len(r.StateHash) != 32 || len(r.PrevHash) != 32 {
		return nil, fmt.Errorf("hash length %d/%d, want 32", len(r.StateHash), len(r.PrevHash))
	}

	env := &event.CommandEnvelope{
		Sequence:       r.Sequence,
		IdempotencyKey: r.IdempotencyKey,
		CommandType:    ct,
		Caller:         common.HexToAddress(r.Caller),
		Nonce:          r.Nonce,
		Timestamp:      uint32(r.Timestamp),
		Payload:        r.Payload,
		Outcome:        outcome,
	}
	if r.ErrorKind != nil {
		env.ErrorKind = *r.ErrorKind
	}
	if r.ErrorMessage != nil {
		env.ErrorMessage = *r.ErrorMessage
	}
	copy(env.StateHash[:], r.StateHash)
	copy(env.PrevHash[:], r.PrevHash)
	return env, nil
}

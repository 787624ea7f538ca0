package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"CoverLedger/internal/core"
	"CoverLedger/internal/event"
	"CoverLedger/internal/pool"

	"github.com/holiman/uint256"
)

// CommandLogWriter writes commands, records and journals to Postgres using
// multi-row INSERTs inside the caller's transaction. Every insert is
// idempotent on its primary key so a retried batch is harmless.
type CommandLogWriter struct {
	db *sql.DB
}

// CommandRow represents a row in event_log.commands
type CommandRow struct {
	Sequence       int64
	CommandType    string
	IdempotencyKey string
	Caller         string
	Nonce          int64
	Payload        []byte // JSON-encoded command
	Outcome        string
	ErrorKind      *string
	ErrorMessage   *string
	StateHash      []byte
	PrevHash       []byte
	Timestamp      int64
}

// RecordRow represents a row in event_log.records
type RecordRow struct {
	Sequence     int64
	Idx          int
	RecordType   string
	At           int64
	Actor        string
	Counterparty string
	ProtectionID int64
	Concept      int
	Amount       *string // NUMERIC(78,0)
	Shares       *string
	Premium      *string
	Approved     bool
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	CommandRef    string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Amount        string // NUMERIC(78,0)
	JournalType   string
	Timestamp     int64
}

// Rows is the flattened form of one core output.
type Rows struct {
	Command  CommandRow
	Records  []RecordRow
	Journals []JournalRow
}

func NewCommandLogWriter(db *sql.DB) *CommandLogWriter {
	return &CommandLogWriter{db: db}
}

// ToRows converts a core output into table rows.
func ToRows(out core.CoreOutput) Rows {
	env := out.Envelope
	rows := Rows{Command: commandRow(env)}

	for i, r := range out.Records {
		rows.Records = append(rows.Records, recordRow(env.Sequence, i, r))
	}

	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			rows.Journals = append(rows.Journals, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				CommandRef:    j.CommandRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Amount:        j.Amount.Dec(),
				JournalType:   j.JournalType.String(),
				Timestamp:     int64(j.Timestamp),
			})
		}
	}
	return rows
}

func commandRow(env *event.CommandEnvelope) CommandRow {
	row := CommandRow{
		Sequence:       env.Sequence,
		CommandType:    env.CommandType.Token(),
		IdempotencyKey: env.IdempotencyKey,
		Caller:         env.Caller.Hex(),
		Nonce:          env.Nonce,
		Payload:        env.Payload,
		Outcome:        env.Outcome.String(),
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      int64(env.Timestamp),
	}
	if env.Outcome == event.OutcomeRejected {
		kind, msg := env.ErrorKind, env.ErrorMessage
		row.ErrorKind = &kind
		row.ErrorMessage = &msg
	}
	return row
}

func recordRow(seq int64, idx int, r pool.Record) RecordRow {
	return RecordRow{
		Sequence:     seq,
		Idx:          idx,
		RecordType:   string(r.Type),
		At:           int64(r.At),
		Actor:        r.Actor.Hex(),
		Counterparty: r.Counterparty.Hex(),
		ProtectionID: int64(r.ProtectionID),
		Concept:      int(r.Concept),
		Amount:       numeric(r.Amount),
		Shares:       numeric(r.Shares),
		Premium:      numeric(r.Premium),
		Approved:     r.Approved,
	}
}

func numeric(v *uint256.Int) *string {
	if v == nil {
		return nil
	}
	s := v.Dec()
	return &s
}

// placeholders renders "($1, $2, ...), (...)" for n rows of width columns.
func placeholders(n, width int) string {
	values := make([]string, 0, n)
	for i := 0; i < n; i++ {
		cols := make([]string, width)
		for c := 0; c < width; c++ {
			cols[c] = fmt.Sprintf("$%d", i*width+c+1)
		}
		values = append(values, "("+strings.Join(cols, ", ")+")")
	}
	return strings.Join(values, ", ")
}

// WriteCommandBatch writes a batch of commands to event_log.commands.
func (w *CommandLogWriter) WriteCommandBatch(ctx context.Context, tx *sql.Tx, commands []CommandRow) error {
	if len(commands) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(commands)*12)
	for _, c := range commands {
		args = append(args,
			c.Sequence, c.CommandType, c.IdempotencyKey, c.Caller, c.Nonce,
			string(c.Payload), c.Outcome, c.ErrorKind, c.ErrorMessage,
			c.StateHash, c.PrevHash, c.Timestamp,
		)
	}

	query := `INSERT INTO event_log.commands
		(sequence, command_type, idempotency_key, caller, nonce, payload, outcome,
		 error_kind, error_message, state_hash, prev_hash, timestamp)
		VALUES ` + placeholders(len(commands), 12) + ` ON CONFLICT (sequence) DO NOTHING`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteRecordBatch writes emitted records to event_log.records.
func (w *CommandLogWriter) WriteRecordBatch(ctx context.Context, tx *sql.Tx, records []RecordRow) error {
	if len(records) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(records)*12)
	for _, r := range records {
		args = append(args,
			r.Sequence, r.Idx, r.RecordType, r.At, r.Actor, r.Counterparty,
			r.ProtectionID, r.Concept, r.Amount, r.Shares, r.Premium, r.Approved,
		)
	}

	query := `INSERT INTO event_log.records
		(sequence, idx, record_type, at, actor, counterparty, protection_id,
		 concept, amount, shares, premium, approved)
		VALUES ` + placeholders(len(records), 12) + ` ON CONFLICT (sequence, idx) DO NOTHING`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes journal entries to event_log.journal.
func (w *CommandLogWriter) WriteJournalBatch(ctx context.Context, tx *sql.Tx, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(journals)*9)
	for _, j := range journals {
		args = append(args,
			j.JournalID, j.BatchID, j.CommandRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Amount, j.JournalType, j.Timestamp,
		)
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, command_ref, sequence, debit_account, credit_account,
		 amount, journal_type, timestamp)
		VALUES ` + placeholders(len(journals), 9) + ` ON CONFLICT (journal_id) DO NOTHING`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

package persistence

import (
	"context"
	"database/sql"
	"time"

	"CoverLedger/internal/core"
	"CoverLedger/internal/event"
)

// PostgresIdempotencyChecker is the second dedup tier behind the core's LRU.
// It looks the key up in the command log.
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// IsDuplicate reports whether a command with this type and key is logged.
// commandType is the display name the core passes; the log stores tokens.
func (pic *PostgresIdempotencyChecker) IsDuplicate(commandType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pic.timeout)
	defer cancel()

	token := commandType
	if ct, err := event.ParseCommandType(commandType); err == nil {
		token = ct.Token()
	}

	var exists int
	err := pic.db.QueryRowContext(ctx, `
		SELECT 1
		FROM event_log.commands
		WHERE command_type = $1 AND idempotency_key = $2
		LIMIT 1
	`, token, idempotencyKey).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentKeys returns the composite keys of the newest logged commands,
// oldest first, for warming the LRU on cold start.
func (pic *PostgresIdempotencyChecker) RecentKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := pic.db.QueryContext(ctx, `
		SELECT command_type, idempotency_key FROM (
			SELECT sequence, command_type, idempotency_key
			FROM event_log.commands
			ORDER BY sequence DESC
			LIMIT $1
		) recent ORDER BY sequence ASC
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var token, key string
		if err := rows.Scan(&token, &key); err != nil {
			return nil, err
		}
		ct, err := event.ParseCommandType(token)
		if err != nil {
			return nil, err
		}
		keys = append(keys, core.CompositeKey(ct.String(), key))
	}
	return keys, rows.Err()
}

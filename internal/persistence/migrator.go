package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// ErrMigrationChanged is returned when an applied migration file no longer
// matches the checksum recorded when it ran.
var ErrMigrationChanged = errors.New("applied migration was modified")

// migrationLockID is the advisory lock key held while migrating, so two
// starting services never migrate concurrently.
const migrationLockID = 0x636f766572 // "cover"

// Migrator runs {version}_{name}.up.sql / .down.sql files in version order.
type Migrator struct {
	db     *sql.DB
	dir    string
	logger zerolog.Logger
}

func NewMigrator(db *sql.DB, migrationsDir string, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, dir: migrationsDir, logger: logger}
}

type migration struct {
	version string
	name    string // up-file name
	up      string
	sum     string
}

// MigrationStatus reports whether one up-migration has been applied.
type MigrationStatus struct {
	Version  string
	Filename string
	Applied  bool
}

type appliedMigration struct {
	filename string
	checksum string
}

// Up applies all pending up-migrations in order. Already-applied files are
// checked against their recorded checksum.
func (m *Migrator) Up(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		migrations, err := m.load()
		if err != nil {
			return err
		}
		applied, err := m.applied(ctx, conn)
		if err != nil {
			return err
		}

		pending := 0
		for _, mg := range migrations {
			if prev, ok := applied[mg.version]; ok {
				if prev.checksum != "" && prev.checksum != mg.sum {
					return fmt.Errorf("%w: %s", ErrMigrationChanged, mg.name)
				}
				continue
			}
			err := m.exec(ctx, conn, mg.name, mg.up,
				`INSERT INTO public.schema_migrations (version, filename, checksum) VALUES ($1, $2, $3)`,
				mg.version, mg.name, mg.sum)
			if err != nil {
				return err
			}
			pending++
		}
		m.logger.Info().Int("applied", pending).Int("total", len(migrations)).Msg("migrations up to date")
		return nil
	})
}

// Down rolls back the last applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		var version, filename string
		err := conn.QueryRowContext(ctx,
			`SELECT version, filename FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version, &filename)
		if errors.Is(err, sql.ErrNoRows) {
			m.logger.Info().Msg("no migrations to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("get latest migration: %w", err)
		}

		downFile := strings.Replace(filename, ".up.sql", ".down.sql", 1)
		body, err := os.ReadFile(filepath.Join(m.dir, downFile))
		if err != nil {
			return fmt.Errorf("read down migration %s: %w", downFile, err)
		}
		return m.exec(ctx, conn, downFile, string(body),
			`DELETE FROM public.schema_migrations WHERE version = $1`, version)
	})
}

// Status lists every up-migration in the directory with its applied state.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	var out []MigrationStatus
	err := m.locked(ctx, func(conn *sql.Conn) error {
		migrations, err := m.load()
		if err != nil {
			return err
		}
		applied, err := m.applied(ctx, conn)
		if err != nil {
			return err
		}
		for _, mg := range migrations {
			_, ok := applied[mg.version]
			out = append(out, MigrationStatus{Version: mg.version, Filename: mg.name, Applied: ok})
		}
		return nil
	})
	return out, err
}

// locked runs fn on a dedicated connection holding the migration advisory
// lock, after making sure the bookkeeping table exists.
func (m *Migrator) locked(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("migration conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockID)
	}()

	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return fn(conn)
}

// exec runs one migration body and its bookkeeping statement in a single
// transaction.
func (m *Migrator) exec(ctx context.Context, conn *sql.Conn, file, body, record string, args ...interface{}) error {
	m.logger.Info().Str("file", file).Msg("running migration")

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, body); err != nil {
		tx.Rollback()
		return fmt.Errorf("exec migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		tx.Rollback()
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", file, err)
	}
	return nil
}

func (m *Migrator) applied(ctx context.Context, conn *sql.Conn) (map[string]appliedMigration, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, filename, checksum FROM public.schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("get applied versions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]appliedMigration)
	for rows.Next() {
		var v string
		var a appliedMigration
		if err := rows.Scan(&v, &a.filename, &a.checksum); err != nil {
			return nil, err
		}
		out[v] = a
	}
	return out, rows.Err()
}

// load reads every up-migration in version order.
func (m *Migrator) load() ([]migration, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	var out []migration
	seen := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".up.sql") {
			continue
		}
		v := extractVersion(e.Name())
		if other, dup := seen[v]; dup {
			return nil, fmt.Errorf("duplicate migration version %s: %s and %s", v, other, e.Name())
		}
		seen[v] = e.Name()

		body, err := os.ReadFile(filepath.Join(m.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sum := sha256.Sum256(body)
		out = append(out, migration{
			version: v,
			name:    e.Name(),
			up:      string(body),
			sum:     hex.EncodeToString(sum[:]),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// extractVersion returns the prefix before the first underscore,
// e.g. "000001_event_log.up.sql" -> "000001".
func extractVersion(filename string) string {
	if i := strings.IndexByte(filename, '_'); i > 0 {
		return filename[:i]
	}
	return filename
}

package db

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/spacesync/internal/utils"
)

// Memory is the path of a private in-memory database.
const Memory = ":memory:"

type options struct {
	maxOpenConns int
	busyTimeout  time.Duration
	migrations   []string
}

type Option func(*options)

// WithMaxOpenConns caps the pool. A single connection serializes every
// transaction of the process.
func WithMaxOpenConns(n int) Option {
	return func(o *options) {
		o.maxOpenConns = n
	}
}

func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) {
		o.busyTimeout = d
	}
}

// WithMigrations sets the ordered schema steps. Step i is applied once, when
// the database user_version is below i+1.
func WithMigrations(steps ...string) Option {
	return func(o *options) {
		o.migrations = steps
	}
}

// Open connects to the SQLite database at path, creating it and its parent
// directory when missing, and brings its schema up to date.
func Open(ctx context.Context, path string, opts ...Option) (*sqlx.DB, error) {
	o := &options{busyTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(o)
	}

	dsn := Memory
	if path != Memory {
		if err := utils.EnsureParent(path); err != nil {
			return nil, fmt.Errorf("ensure parent directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_txlock=immediate&mode=rwc", path)
	}

	slog.Debug("db open", "driver", driverID, "path", path)
	conn, err := sqlx.ConnectContext(ctx, driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", path, err)
	}
	if o.maxOpenConns > 0 {
		conn.SetMaxOpenConns(o.maxOpenConns)
	}

	if _, err := conn.ExecContext(ctx, pragmas(o)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	if err := migrate(ctx, conn, o.migrations); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func pragmas(o *options) string {
	var b strings.Builder
	b.WriteString("PRAGMA journal_mode=WAL;\n")
	fmt.Fprintf(&b, "PRAGMA busy_timeout=%d;\n", o.busyTimeout.Milliseconds())
	b.WriteString("PRAGMA foreign_keys=ON;\n")
	b.WriteString("PRAGMA synchronous=NORMAL;\n")
	b.WriteString("PRAGMA temp_store=MEMORY;\n")
	return b.String()
}

// SchemaVersion returns the number of migrations applied to conn.
func SchemaVersion(ctx context.Context, conn *sqlx.DB) (int, error) {
	var v int
	if err := conn.GetContext(ctx, &v, "PRAGMA user_version"); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

func migrate(ctx context.Context, conn *sqlx.DB, steps []string) error {
	current, err := SchemaVersion(ctx, conn)
	if err != nil {
		return err
	}
	if current > len(steps) {
		return fmt.Errorf("database schema version %d is newer than this build (%d)", current, len(steps))
	}

	for i := current; i < len(steps); i++ {
		tx, err := conn.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, steps[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		// PRAGMA does not take bind parameters
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version=%d", i+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		slog.Debug("db migrated", "version", i+1)
	}
	return nil
}

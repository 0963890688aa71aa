package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var steps = []string{
	`CREATE TABLE notes (id TEXT PRIMARY KEY, body TEXT NOT NULL);`,
	`ALTER TABLE notes ADD COLUMN pinned INTEGER NOT NULL DEFAULT 0;`,
}

func TestOpen_Memory(t *testing.T) {
	ctx := context.Background()
	conn, err := Open(ctx, Memory, WithMaxOpenConns(1), WithMigrations(steps...))
	require.NoError(t, err)
	defer conn.Close()

	v, err := SchemaVersion(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	_, err = conn.ExecContext(ctx, `INSERT INTO notes (id, body, pinned) VALUES ('a', 'x', 1)`)
	assert.NoError(t, err)
}

func TestOpen_MigratesIncrementally(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.db")

	conn, err := Open(ctx, path, WithMigrations(steps[0]))
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `INSERT INTO notes (id, body) VALUES ('a', 'kept')`)
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	assert.DirExists(t, filepath.Dir(path))

	conn, err = Open(ctx, path, WithMigrations(steps...))
	require.NoError(t, err)
	defer conn.Close()

	var body string
	var pinned int
	require.NoError(t, conn.QueryRowxContext(ctx, `SELECT body, pinned FROM notes WHERE id = 'a'`).Scan(&body, &pinned))
	assert.Equal(t, "kept", body)
	assert.Equal(t, 0, pinned)
}

func TestOpen_RejectsNewerSchema(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	conn, err := Open(ctx, path, WithMigrations(steps...))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	_, err = Open(ctx, path, WithMigrations(steps[0]))
	assert.ErrorContains(t, err, "newer than this build")
}

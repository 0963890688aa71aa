package manifeststore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/spacesync/internal/db"
	"github.com/openmined/spacesync/internal/manifest"
	"github.com/openmined/spacesync/internal/syncerr"
)

// migrations are append-only. Step i moves the database to user_version i+1.
var migrations = []string{`
CREATE TABLE IF NOT EXISTS manifests (
    repository_id TEXT PRIMARY KEY,
    document BLOB NOT NULL,
    updated_at TEXT NOT NULL -- RFC3339
);

CREATE TABLE IF NOT EXISTS sync_baselines (
    repository_id TEXT NOT NULL,
    file_id TEXT NOT NULL,
    last_synced_timestamp INTEGER NOT NULL,
    last_synced_checksum TEXT NOT NULL,
    PRIMARY KEY (repository_id, file_id)
);

CREATE INDEX IF NOT EXISTS idx_baselines_repository ON sync_baselines(repository_id);
`}

var (
	ErrStoreNotOpen     = errors.New("manifest store not open")
	ErrStoreAlreadyOpen = errors.New("manifest store already open")
)

// dbBaseline is the row shape of sync_baselines.
type dbBaseline struct {
	RepositoryID        string `db:"repository_id"`
	FileID              string `db:"file_id"`
	LastSyncedTimestamp int64  `db:"last_synced_timestamp"`
	LastSyncedChecksum  string `db:"last_synced_checksum"`
}

// Store persists the local manifest and the sync baselines of every repository.
type Store struct {
	db     *sqlx.DB
	dbPath string
}

// New creates a store backed by the SQLite database at dbPath. Use ":memory:" for tests.
func New(dbPath string) *Store {
	return &Store{dbPath: dbPath}
}

// Open the store and the underlying database
func (s *Store) Open() error {
	if s.db != nil {
		return ErrStoreAlreadyOpen
	}

	conn, err := db.Open(context.Background(), s.dbPath,
		db.WithMaxOpenConns(1),
		db.WithMigrations(migrations...),
	)
	if err != nil {
		return fmt.Errorf("open manifest store: %w", err)
	}

	s.db = conn
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return ErrStoreNotOpen
	}
	if err := s.db.Close(); err != nil {
		slog.Error("manifest store close", "error", err)
		return err
	}
	s.db = nil
	return nil
}

// Load returns the local manifest of a repository. A syncerr.KindNotFound
// error is returned when the repository has never been saved.
func (s *Store) Load(ctx context.Context, repositoryID string) (*manifest.Manifest, error) {
	if s.db == nil {
		return nil, ErrStoreNotOpen
	}
	return loadManifest(ctx, s.db, repositoryID)
}

// LoadOrNew is Load, but returns an empty manifest for unknown repositories.
func (s *Store) LoadOrNew(ctx context.Context, repositoryID string) (*manifest.Manifest, error) {
	m, err := s.Load(ctx, repositoryID)
	if syncerr.Is(err, syncerr.KindNotFound) {
		return manifest.New(repositoryID), nil
	}
	return m, err
}

// Save replaces the local manifest. Local document operations use it; a sync
// goes through Commit instead.
func (s *Store) Save(ctx context.Context, m *manifest.Manifest) error {
	if s.db == nil {
		return ErrStoreNotOpen
	}
	if err := m.Validate(); err != nil {
		return err
	}
	return saveManifest(ctx, s.db, m)
}

// Update loads the local manifest, lets fn change it and saves it, all in one
// transaction so that it never interleaves with a sync commit.
func (s *Store) Update(ctx context.Context, repositoryID string, fn func(m *manifest.Manifest) error) (*manifest.Manifest, error) {
	if s.db == nil {
		return nil, ErrStoreNotOpen
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	m, err := loadManifest(ctx, tx, repositoryID)
	if syncerr.Is(err, syncerr.KindNotFound) {
		m = manifest.New(repositoryID)
	} else if err != nil {
		return nil, err
	}

	if err := fn(m); err != nil {
		return nil, err
	}
	m.Touch(time.Now())
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if err := saveManifest(ctx, tx, m); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return m, nil
}

// Baselines returns the baseline of every file of a repository keyed by file id.
func (s *Store) Baselines(ctx context.Context, repositoryID string) (map[string]manifest.Baseline, error) {
	if s.db == nil {
		return nil, ErrStoreNotOpen
	}

	var rows []dbBaseline
	err := s.db.SelectContext(ctx, &rows,
		"SELECT repository_id, file_id, last_synced_timestamp, last_synced_checksum FROM sync_baselines WHERE repository_id = ?",
		repositoryID)
	if err != nil {
		return nil, fmt.Errorf("query baselines: %w", err)
	}

	baselines := make(map[string]manifest.Baseline, len(rows))
	for _, row := range rows {
		baselines[row.FileID] = manifest.Baseline{
			FileID:              row.FileID,
			LastSyncedTimestamp: row.LastSyncedTimestamp,
			LastSyncedChecksum:  row.LastSyncedChecksum,
		}
	}
	return baselines, nil
}

// Commit applies a sync delta to the stored local manifest and updates the
// baselines in one transaction. Either all of it is written or none of it.
// Files edited locally after the delta was planned are left out so the next
// sync looks at them again.
func (s *Store) Commit(ctx context.Context, repositoryID string, delta *manifest.Delta, tombstoneGrace time.Duration) (*manifest.Manifest, error) {
	if s.db == nil {
		return nil, ErrStoreNotOpen
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	m, err := loadManifest(ctx, tx, repositoryID)
	if syncerr.Is(err, syncerr.KindNotFound) {
		m = manifest.New(repositoryID)
	} else if err != nil {
		return nil, err
	}

	if stale := delta.DropStale(m); len(stale) > 0 {
		slog.Info("manifest store kept local edits made during sync", "repo", repositoryID, "files", stale)
	}

	now := time.Now()
	delta.ApplyLocal(m, now)
	if pruned := m.PruneTombstones(now, tombstoneGrace); pruned > 0 {
		slog.Debug("manifest store pruned tombstones", "repo", repositoryID, "count", pruned)
	}

	if err := saveManifest(ctx, tx, m); err != nil {
		return nil, err
	}

	set, drop := delta.Baselines()
	for _, b := range set {
		row := dbBaseline{
			RepositoryID:        repositoryID,
			FileID:              b.FileID,
			LastSyncedTimestamp: b.LastSyncedTimestamp,
			LastSyncedChecksum:  b.LastSyncedChecksum,
		}
		_, err := tx.NamedExecContext(ctx, `INSERT OR REPLACE INTO sync_baselines
			(repository_id, file_id, last_synced_timestamp, last_synced_checksum)
			VALUES (:repository_id, :file_id, :last_synced_timestamp, :last_synced_checksum)`, row)
		if err != nil {
			return nil, fmt.Errorf("set baseline %s: %w", b.FileID, err)
		}
	}
	for _, id := range drop {
		_, err := tx.ExecContext(ctx, "DELETE FROM sync_baselines WHERE repository_id = ? AND file_id = ?", repositoryID, id)
		if err != nil {
			return nil, fmt.Errorf("drop baseline %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	slog.Debug("manifest store commit", "repo", repositoryID, "baselines", len(set), "dropped", len(drop))
	return m, nil
}

// ResetBaselines removes every baseline of a repository, forcing the next
// sync to compare checksums directly.
func (s *Store) ResetBaselines(ctx context.Context, repositoryID string) error {
	if s.db == nil {
		return ErrStoreNotOpen
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM sync_baselines WHERE repository_id = ?", repositoryID)
	if err != nil {
		return fmt.Errorf("reset baselines: %w", err)
	}
	return nil
}

func loadManifest(ctx context.Context, q sqlx.QueryerContext, repositoryID string) (*manifest.Manifest, error) {
	var doc []byte
	err := sqlx.GetContext(ctx, q, &doc, "SELECT document FROM manifests WHERE repository_id = ?", repositoryID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, syncerr.Errorf(syncerr.KindNotFound, "load manifest", "repository %s", repositoryID)
		}
		return nil, fmt.Errorf("query manifest %s: %w", repositoryID, err)
	}
	return manifest.Decode(doc)
}

func saveManifest(ctx context.Context, e sqlx.ExecerContext, m *manifest.Manifest) error {
	doc, err := manifest.Encode(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	_, err = e.ExecContext(ctx,
		"INSERT OR REPLACE INTO manifests (repository_id, document, updated_at) VALUES (?, ?, ?)",
		m.RepositoryID, doc, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save manifest %s: %w", m.RepositoryID, err)
	}
	return nil
}

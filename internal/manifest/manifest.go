package manifest

import (
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/openmined/spacesync/internal/syncerr"
)

const (
	// SchemaVersion is the version written by this engine.
	SchemaVersion = "1.2.0"

	// SupportedMajor is the only schema major version the engine interprets.
	SupportedMajor = 1
)

// TombstoneKind tells whether a tombstone refers to a file or a folder.
type TombstoneKind string

const (
	TombstoneFile   TombstoneKind = "file"
	TombstoneFolder TombstoneKind = "folder"
)

// FileEntry describes one document of a repository.
type FileEntry struct {
	ID   string `json:"id"`
	Path string `json:"path"`
	Name string `json:"name"`
	// ContentTimestamp is the originating device's last-modified time in unix milliseconds.
	// It is monotonic per device only and never compared across devices.
	ContentTimestamp int64  `json:"contentTimestamp"`
	Size             int64  `json:"size"`
	Checksum         string `json:"checksum"`

	Extra RawFields `json:"-"`
}

// FolderEntry describes a folder. Folders carry no content blob.
type FolderEntry struct {
	ID       string `json:"id"`
	Path     string `json:"path"`
	Name     string `json:"name"`
	ParentID string `json:"parentId,omitempty"`

	Extra RawFields `json:"-"`
}

// Tombstone records a deletion so that it propagates to peers.
type Tombstone struct {
	ID        string        `json:"id"`
	Kind      TombstoneKind `json:"kind"`
	DeletedAt time.Time     `json:"deletedAt"`

	Extra RawFields `json:"-"`
}

// Manifest is the lightweight metadata document of one repository.
type Manifest struct {
	RepositoryID  string
	SchemaVersion string
	LastUpdated   time.Time
	Files         map[string]*FileEntry
	Folders       map[string]*FolderEntry
	Tombstones    map[string]*Tombstone

	// Extra holds top-level fields written by newer schema minor versions.
	Extra RawFields
}

// Baseline is the last-synced state of a file, agreed on by both sides at the
// end of the last successful sync.
type Baseline struct {
	FileID              string
	LastSyncedTimestamp int64
	LastSyncedChecksum  string
}

// New returns an empty manifest for a repository.
func New(repositoryID string) *Manifest {
	return &Manifest{
		RepositoryID:  repositoryID,
		SchemaVersion: SchemaVersion,
		Files:         make(map[string]*FileEntry),
		Folders:       make(map[string]*FolderEntry),
		Tombstones:    make(map[string]*Tombstone),
	}
}

// BaselineOf returns the baseline a successful sync of e would record.
func BaselineOf(e *FileEntry) Baseline {
	return Baseline{
		FileID:              e.ID,
		LastSyncedTimestamp: e.ContentTimestamp,
		LastSyncedChecksum:  e.Checksum,
	}
}

// CheckSchema refuses versions that do not parse or whose major version is unknown.
func CheckSchema(version string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return syncerr.Errorf(syncerr.KindManifestCorrupt, "schema", "invalid schema version %q: %w", version, err)
	}
	if v.Major() != SupportedMajor {
		return syncerr.Errorf(syncerr.KindSchemaUnsupported, "schema", "schema version %s, supported major %d", v, SupportedMajor)
	}
	return nil
}

// Validate checks the structural invariants of m.
func (m *Manifest) Validate() error {
	if m.RepositoryID == "" {
		return syncerr.Errorf(syncerr.KindManifestCorrupt, "validate", "missing repositoryId")
	}
	if err := CheckSchema(m.SchemaVersion); err != nil {
		return err
	}
	for id, f := range m.Files {
		if f == nil || f.ID == "" || f.ID != id {
			return syncerr.Errorf(syncerr.KindManifestCorrupt, "validate", "file key %q does not match entry", id)
		}
		if f.Size < 0 {
			return syncerr.Errorf(syncerr.KindManifestCorrupt, "validate", "file %q has negative size", id)
		}
	}
	for id, f := range m.Folders {
		if f == nil || f.ID == "" || f.ID != id {
			return syncerr.Errorf(syncerr.KindManifestCorrupt, "validate", "folder key %q does not match entry", id)
		}
	}
	for id, t := range m.Tombstones {
		if t == nil || t.ID == "" || t.ID != id {
			return syncerr.Errorf(syncerr.KindManifestCorrupt, "validate", "tombstone key %q does not match entry", id)
		}
	}
	return nil
}

// Touch stamps LastUpdated.
func (m *Manifest) Touch(now time.Time) {
	m.LastUpdated = now.UTC()
}

// Tombstoned reports whether id has a tombstone and no live entry.
func (m *Manifest) Tombstoned(id string) bool {
	if _, live := m.Files[id]; live {
		return false
	}
	_, ok := m.Tombstones[id]
	return ok
}

// PutFile stores a file entry, clearing any tombstone with the same id.
func (m *Manifest) PutFile(e *FileEntry) {
	m.Files[e.ID] = e
	delete(m.Tombstones, e.ID)
}

// DeleteFile removes a file entry and records a tombstone.
func (m *Manifest) DeleteFile(id string, at time.Time) {
	delete(m.Files, id)
	m.Tombstones[id] = &Tombstone{ID: id, Kind: TombstoneFile, DeletedAt: at.UTC()}
}

// AdoptTombstones copies tombstones of src that m does not know about yet.
// Live entries in m are left alone; their deletion travels through a planned
// action instead. Folder tombstones remove the folder directly.
func (m *Manifest) AdoptTombstones(src *Manifest) bool {
	changed := false
	for id, t := range src.Tombstones {
		if _, known := m.Tombstones[id]; known {
			continue
		}
		if _, live := m.Files[id]; live {
			continue
		}
		if t.Kind == TombstoneFolder {
			delete(m.Folders, id)
		}
		m.Tombstones[id] = t.Clone()
		changed = true
	}
	return changed
}

// AdoptFolders copies folders of src that m neither has nor has deleted.
func (m *Manifest) AdoptFolders(src *Manifest) bool {
	changed := false
	for id, f := range src.Folders {
		if _, ok := m.Folders[id]; ok {
			continue
		}
		if _, deleted := m.Tombstones[id]; deleted {
			continue
		}
		m.Folders[id] = f.Clone()
		changed = true
	}
	return changed
}

// PruneTombstones drops tombstones older than grace and returns how many were dropped.
func (m *Manifest) PruneTombstones(now time.Time, grace time.Duration) int {
	if grace <= 0 {
		return 0
	}
	pruned := 0
	for id, t := range m.Tombstones {
		if now.Sub(t.DeletedAt) > grace {
			delete(m.Tombstones, id)
			pruned++
		}
	}
	return pruned
}

// Clone returns a deep copy of m.
func (m *Manifest) Clone() *Manifest {
	c := &Manifest{
		RepositoryID:  m.RepositoryID,
		SchemaVersion: m.SchemaVersion,
		LastUpdated:   m.LastUpdated,
		Files:         make(map[string]*FileEntry, len(m.Files)),
		Folders:       make(map[string]*FolderEntry, len(m.Folders)),
		Tombstones:    make(map[string]*Tombstone, len(m.Tombstones)),
		Extra:         m.Extra.Clone(),
	}
	for id, f := range m.Files {
		c.Files[id] = f.Clone()
	}
	for id, f := range m.Folders {
		c.Folders[id] = f.Clone()
	}
	for id, t := range m.Tombstones {
		c.Tombstones[id] = t.Clone()
	}
	return c
}

func (e *FileEntry) Clone() *FileEntry {
	if e == nil {
		return nil
	}
	c := *e
	c.Extra = e.Extra.Clone()
	return &c
}

func (e *FileEntry) String() string {
	return fmt.Sprintf("%s(%s ts=%d size=%d sum=%s)", e.ID, e.Path, e.ContentTimestamp, e.Size, e.Checksum)
}

func (f *FolderEntry) Clone() *FolderEntry {
	if f == nil {
		return nil
	}
	c := *f
	c.Extra = f.Extra.Clone()
	return &c
}

func (t *Tombstone) Clone() *Tombstone {
	if t == nil {
		return nil
	}
	c := *t
	c.Extra = t.Extra.Clone()
	return &c
}

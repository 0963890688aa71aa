package provider

import (
	"context"
	"time"

	"github.com/openmined/spacesync/internal/manifest"
)

// BlobInfo describes a blob as stored by the backend.
type BlobInfo struct {
	Size     int64
	Checksum string
}

// Client is the contract every storage backend implements. Implementations
// translate their own errors into syncerr kinds.
type Client interface {
	// Name identifies the backend in logs.
	Name() string

	// FetchManifest returns the remote manifest of a repository, or a
	// syncerr.KindNotFound error when the repository was never synced.
	FetchManifest(ctx context.Context, repositoryID string) (*manifest.Manifest, error)
	PutManifest(ctx context.Context, repositoryID string, m *manifest.Manifest) error

	FetchBlob(ctx context.Context, fileID string) ([]byte, error)
	PutBlob(ctx context.Context, fileID string, data []byte) (*BlobInfo, error)
	// DeleteBlob succeeds when the blob is already gone.
	DeleteBlob(ctx context.Context, fileID string) error

	PutLockMarker(ctx context.Context, marker *LockMarker) error
	// GetLockMarker returns nil, nil when no marker exists.
	GetLockMarker(ctx context.Context, repositoryID string) (*LockMarker, error)
	DeleteLockMarker(ctx context.Context, repositoryID string) error
}

// LockMarker is the small object a lock holder writes next to the manifest.
type LockMarker struct {
	RepositoryID string    `json:"repositoryId"`
	OwnerID      string    `json:"ownerId"`
	Token        string    `json:"token"`
	AcquiredAt   time.Time `json:"acquiredAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Stale reports whether the marker's ttl ran out.
func (m *LockMarker) Stale(now time.Time) bool {
	return now.After(m.ExpiresAt)
}

func (m *LockMarker) TTL() time.Duration {
	return m.ExpiresAt.Sub(m.AcquiredAt)
}

package provider

import (
	"path"
	"strings"

	"github.com/goccy/go-json"
	"github.com/openmined/spacesync/internal/syncerr"
)

const (
	manifestFile = "manifest.json"
	lockFile     = "lock.json"
	blobsDir     = "blobs"
)

// Keys builds object keys under an optional prefix:
//
//	<prefix>/<repositoryId>/manifest.json
//	<prefix>/<repositoryId>/lock.json
//	<prefix>/blobs/<fileId>
type Keys struct {
	Prefix string
}

func (k Keys) Manifest(repositoryID string) string {
	return k.join(repositoryID, manifestFile)
}

func (k Keys) Lock(repositoryID string) string {
	return k.join(repositoryID, lockFile)
}

func (k Keys) Blob(fileID string) string {
	return k.join(blobsDir, fileID)
}

func (k Keys) join(parts ...string) string {
	prefix := strings.Trim(k.Prefix, "/")
	if prefix == "" {
		return path.Join(parts...)
	}
	return path.Join(append([]string{prefix}, parts...)...)
}

// EncodeLockMarker serializes a lock marker.
func EncodeLockMarker(m *LockMarker) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeLockMarker parses a lock marker. An unreadable marker is reported as
// corrupt so callers do not mistake it for an absent lock.
func DecodeLockMarker(data []byte) (*LockMarker, error) {
	var m LockMarker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, syncerr.New(syncerr.KindManifestCorrupt, "decode lock marker", err)
	}
	return &m, nil
}

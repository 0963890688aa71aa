package client

import (
	"context"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/openmined/spacesync/internal/manifest"
	"github.com/openmined/spacesync/internal/syncerr"
)

// Document is the caller's view of a file entry to create or replace.
// An empty ID creates a new document.
type Document struct {
	ID   string
	Path string
}

// PutDocument stores the content of a document and records it in the local
// manifest. The next sync uploads it.
func (c *Client) PutDocument(ctx context.Context, repositoryID string, doc Document, data []byte) (*manifest.FileEntry, error) {
	r, err := c.repository(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	if doc.Path == "" {
		return nil, fmt.Errorf("document path is required")
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}

	if err := r.content.Put(ctx, doc.ID, data); err != nil {
		return nil, err
	}

	var entry *manifest.FileEntry
	_, err = c.store.Update(ctx, repositoryID, func(m *manifest.Manifest) error {
		ts := time.Now().UnixMilli()
		if prev, ok := m.Files[doc.ID]; ok && ts <= prev.ContentTimestamp {
			// keep timestamps monotonic on this device
			ts = prev.ContentTimestamp + 1
		}
		entry = &manifest.FileEntry{
			ID:               doc.ID,
			Path:             doc.Path,
			Name:             path.Base(doc.Path),
			ContentTimestamp: ts,
			Size:             int64(len(data)),
			Checksum:         manifest.Checksum(data),
		}
		if prev, ok := m.Files[doc.ID]; ok {
			entry.Extra = prev.Extra.Clone()
		}
		m.PutFile(entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ReadDocument returns the local content of a document.
func (c *Client) ReadDocument(ctx context.Context, repositoryID, fileID string) ([]byte, error) {
	r, err := c.repository(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	return r.content.Get(ctx, fileID)
}

// DeleteDocument removes a document and leaves a tombstone so the deletion
// propagates on the next sync.
func (c *Client) DeleteDocument(ctx context.Context, repositoryID, fileID string) error {
	r, err := c.repository(ctx, repositoryID)
	if err != nil {
		return err
	}

	_, err = c.store.Update(ctx, repositoryID, func(m *manifest.Manifest) error {
		if _, ok := m.Files[fileID]; !ok {
			return syncerr.ForFile(syncerr.KindNotFound, "delete document", fileID, nil)
		}
		m.DeleteFile(fileID, time.Now())
		return nil
	})
	if err != nil {
		return err
	}
	return r.content.Delete(ctx, fileID)
}

// ListDocuments returns the live file entries of a repository sorted by path.
func (c *Client) ListDocuments(ctx context.Context, repositoryID string) ([]*manifest.FileEntry, error) {
	m, err := c.Manifest(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	entries := make([]*manifest.FileEntry, 0, len(m.Files))
	for _, e := range m.Files {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})
	return entries, nil
}

// PutFolder records a folder in the local manifest.
func (c *Client) PutFolder(ctx context.Context, repositoryID, folderPath, parentID string) (*manifest.FolderEntry, error) {
	if _, err := c.repository(ctx, repositoryID); err != nil {
		return nil, err
	}

	folder := &manifest.FolderEntry{
		ID:       uuid.NewString(),
		Path:     folderPath,
		Name:     path.Base(folderPath),
		ParentID: parentID,
	}
	_, err := c.store.Update(ctx, repositoryID, func(m *manifest.Manifest) error {
		if parentID != "" {
			if _, ok := m.Folders[parentID]; !ok {
				return fmt.Errorf("unknown parent folder %s", parentID)
			}
		}
		m.Folders[folder.ID] = folder
		return nil
	})
	if err != nil {
		return nil, err
	}
	return folder, nil
}

// DeleteFolder removes a folder, leaving a folder tombstone.
func (c *Client) DeleteFolder(ctx context.Context, repositoryID, folderID string) error {
	if _, err := c.repository(ctx, repositoryID); err != nil {
		return err
	}

	_, err := c.store.Update(ctx, repositoryID, func(m *manifest.Manifest) error {
		if _, ok := m.Folders[folderID]; !ok {
			return syncerr.ForFile(syncerr.KindNotFound, "delete folder", folderID, nil)
		}
		delete(m.Folders, folderID)
		m.Tombstones[folderID] = &manifest.Tombstone{ID: folderID, Kind: manifest.TombstoneFolder, DeletedAt: time.Now().UTC()}
		return nil
	})
	return err
}

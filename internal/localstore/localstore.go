package localstore

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/openmined/spacesync/internal/manifest"
	"github.com/openmined/spacesync/internal/syncerr"
)

// Store is the local content store of one repository: document id to bytes.
// Get returns a syncerr.KindNotFound error for unknown ids; Delete of an
// unknown id succeeds.
//
// CompareAndPut and CompareAndDelete are the writes a sync uses. They only
// go through while the stored content still has checksum want, an empty want
// meaning no content, or already is what the write would leave behind.
// Otherwise they fail with syncerr.KindLocalChanged and change nothing.
type Store interface {
	Get(ctx context.Context, fileID string) ([]byte, error)
	Put(ctx context.Context, fileID string, data []byte) error
	Delete(ctx context.Context, fileID string) error
	List(ctx context.Context) ([]string, error)
	CompareAndPut(ctx context.Context, fileID, want string, data []byte) error
	CompareAndDelete(ctx context.Context, fileID, want string) error
}

// unchanged reports whether the current content still matches want, or
// already equals the content being written (nil target for a delete).
func unchanged(current []byte, found bool, want string, target []byte, deleting bool) bool {
	if !found {
		return want == "" || deleting
	}
	if !deleting && bytes.Equal(current, target) {
		return true
	}
	return want != "" && manifest.Checksum(current) == want
}

func localChanged(op, fileID, want string) error {
	return syncerr.ForFile(syncerr.KindLocalChanged, op, fileID, fmt.Errorf("content no longer has checksum %q", want))
}

// Memory is a Store kept in a map.
type Memory struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{docs: make(map[string][]byte)}
}

func (m *Memory) Get(ctx context.Context, fileID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.docs[fileID]
	if !ok {
		return nil, syncerr.ForFile(syncerr.KindNotFound, "local get", fileID, nil)
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) Put(ctx context.Context, fileID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[fileID] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) Delete(ctx context.Context, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, fileID)
	return nil
}

func (m *Memory) CompareAndPut(ctx context.Context, fileID, want string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, found := m.docs[fileID]
	if !unchanged(current, found, want, data, false) {
		return localChanged("local put", fileID, want)
	}
	m.docs[fileID] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) CompareAndDelete(ctx context.Context, fileID, want string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, found := m.docs[fileID]
	if !unchanged(current, found, want, nil, true) {
		return localChanged("local delete", fileID, want)
	}
	delete(m.docs, fileID)
	return nil
}

func (m *Memory) List(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.docs))
	for id := range m.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

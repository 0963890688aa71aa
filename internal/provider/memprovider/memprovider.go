package memprovider

import (
	"context"
	"maps"
	"sync"

	"github.com/openmined/spacesync/internal/manifest"
	"github.com/openmined/spacesync/internal/provider"
	"github.com/openmined/spacesync/internal/syncerr"
)

const TypeName = "memory"

// Op names a provider operation for fault injection and call counting.
type Op string

const (
	OpFetchManifest    Op = "FetchManifest"
	OpPutManifest      Op = "PutManifest"
	OpFetchBlob        Op = "FetchBlob"
	OpPutBlob          Op = "PutBlob"
	OpDeleteBlob       Op = "DeleteBlob"
	OpPutLockMarker    Op = "PutLockMarker"
	OpGetLockMarker    Op = "GetLockMarker"
	OpDeleteLockMarker Op = "DeleteLockMarker"
)

// Hook runs before an operation; a non-nil error is returned to the caller
// instead of performing the operation. key is the repository or file id.
type Hook func(ctx context.Context, op Op, key string) error

type fault struct {
	key string // empty matches every key
	err error
	n   int
}

// Provider keeps every object in memory. It is safe for concurrent use and
// can be shared by several clients to simulate multiple devices.
type Provider struct {
	mu        sync.Mutex
	manifests map[string][]byte
	blobs     map[string][]byte
	locks     map[string][]byte

	faults         map[Op][]*fault
	corruptOnPut   map[string]bool
	corruptOnFetch map[string]bool
	calls          map[Op]int
	hook           Hook
}

var _ provider.Client = (*Provider)(nil)

func New() *Provider {
	return &Provider{
		manifests:      make(map[string][]byte),
		blobs:          make(map[string][]byte),
		locks:          make(map[string][]byte),
		faults:         make(map[Op][]*fault),
		corruptOnPut:   make(map[string]bool),
		corruptOnFetch: make(map[string]bool),
		calls:          make(map[Op]int),
	}
}

// Factory opens a fresh in-memory backend. Every call returns a new, empty store.
func Factory(ctx context.Context, s provider.Settings) (provider.Client, error) {
	return New(), nil
}

func (p *Provider) Name() string {
	return TypeName
}

// FailNext makes the next n calls of op for key fail with err. An empty key
// matches any key.
func (p *Provider) FailNext(op Op, key string, n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults[op] = append(p.faults[op], &fault{key: key, err: err, n: n})
}

// CorruptOnPut stores a damaged copy of the blob on every PutBlob of fileID.
func (p *Provider) CorruptOnPut(fileID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.corruptOnPut[fileID] = true
}

// CorruptOnFetch returns a damaged copy of the blob on every FetchBlob of fileID.
func (p *Provider) CorruptOnFetch(fileID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.corruptOnFetch[fileID] = true
}

// SetHook installs a hook called before every operation.
func (p *Provider) SetHook(h Hook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hook = h
}

// Calls returns how many times op was invoked.
func (p *Provider) Calls(op Op) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// SetRawManifest stores an arbitrary manifest document, valid or not.
func (p *Provider) SetRawManifest(repositoryID string, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.manifests[repositoryID] = append([]byte(nil), data...)
}

// Blob returns a copy of a stored blob.
func (p *Provider) Blob(fileID string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.blobs[fileID]
	return append([]byte(nil), b...), ok
}

// BlobIDs returns a snapshot of every stored blob id.
func (p *Provider) BlobIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.blobs))
	for id := range maps.Keys(p.blobs) {
		ids = append(ids, id)
	}
	return ids
}

func (p *Provider) FetchManifest(ctx context.Context, repositoryID string) (*manifest.Manifest, error) {
	if err := p.enter(ctx, OpFetchManifest, repositoryID); err != nil {
		return nil, err
	}

	p.mu.Lock()
	data, ok := p.manifests[repositoryID]
	p.mu.Unlock()
	if !ok {
		return nil, syncerr.Errorf(syncerr.KindNotFound, "fetch manifest", "repository %s", repositoryID)
	}
	return manifest.Decode(data)
}

func (p *Provider) PutManifest(ctx context.Context, repositoryID string, m *manifest.Manifest) error {
	if err := p.enter(ctx, OpPutManifest, repositoryID); err != nil {
		return err
	}

	data, err := manifest.Encode(m)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.manifests[repositoryID] = data
	p.mu.Unlock()
	return nil
}

func (p *Provider) FetchBlob(ctx context.Context, fileID string) ([]byte, error) {
	if err := p.enter(ctx, OpFetchBlob, fileID); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.blobs[fileID]
	if !ok {
		return nil, syncerr.ForFile(syncerr.KindNotFound, "fetch blob", fileID, nil)
	}
	out := append([]byte(nil), data...)
	if p.corruptOnFetch[fileID] {
		out = corrupt(out)
	}
	return out, nil
}

func (p *Provider) PutBlob(ctx context.Context, fileID string, data []byte) (*provider.BlobInfo, error) {
	if err := p.enter(ctx, OpPutBlob, fileID); err != nil {
		return nil, err
	}

	stored := append([]byte(nil), data...)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.corruptOnPut[fileID] {
		stored = corrupt(stored)
	}
	p.blobs[fileID] = stored
	return &provider.BlobInfo{Size: int64(len(stored)), Checksum: manifest.Checksum(stored)}, nil
}

func (p *Provider) DeleteBlob(ctx context.Context, fileID string) error {
	if err := p.enter(ctx, OpDeleteBlob, fileID); err != nil {
		return err
	}

	p.mu.Lock()
	delete(p.blobs, fileID)
	p.mu.Unlock()
	return nil
}

func (p *Provider) PutLockMarker(ctx context.Context, marker *provider.LockMarker) error {
	if err := p.enter(ctx, OpPutLockMarker, marker.RepositoryID); err != nil {
		return err
	}

	data, err := provider.EncodeLockMarker(marker)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.locks[marker.RepositoryID] = data
	p.mu.Unlock()
	return nil
}

func (p *Provider) GetLockMarker(ctx context.Context, repositoryID string) (*provider.LockMarker, error) {
	if err := p.enter(ctx, OpGetLockMarker, repositoryID); err != nil {
		return nil, err
	}

	p.mu.Lock()
	data, ok := p.locks[repositoryID]
	p.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return provider.DecodeLockMarker(data)
}

func (p *Provider) DeleteLockMarker(ctx context.Context, repositoryID string) error {
	if err := p.enter(ctx, OpDeleteLockMarker, repositoryID); err != nil {
		return err
	}

	p.mu.Lock()
	delete(p.locks, repositoryID)
	p.mu.Unlock()
	return nil
}

// enter counts the call, runs the hook and consumes an injected fault.
func (p *Provider) enter(ctx context.Context, op Op, key string) error {
	if err := ctx.Err(); err != nil {
		return syncerr.New(syncerr.KindCancelled, string(op), err)
	}

	p.mu.Lock()
	p.calls[op]++
	hook := p.hook
	var injected error
	for _, f := range p.faults[op] {
		if f.n > 0 && (f.key == "" || f.key == key) {
			f.n--
			injected = f.err
			break
		}
	}
	p.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, op, key); err != nil {
			return err
		}
	}
	return injected
}

func corrupt(data []byte) []byte {
	if len(data) == 0 {
		return []byte{0xff}
	}
	out := append([]byte(nil), data...)
	out[0] ^= 0xff
	return out
}

package transfer

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/openmined/spacesync/internal/diff"
	"golang.org/x/sync/singleflight"
)

// dedupe shares downloaded blobs between the actions of one Execute call that
// carry the same checksum. A blob stays cached only while actions that still
// need it are pending.
type dedupe struct {
	cache  *lru.Cache[string, []byte]
	flight singleflight.Group

	mu      sync.Mutex
	pending map[string]int
}

// newDedupe returns nil when no two downloads share a checksum.
func newDedupe(entries int, actions []*diff.Action) *dedupe {
	if entries <= 0 {
		return nil
	}

	counts := make(map[string]int)
	for _, a := range actions {
		if a.Kind == diff.Download && a.Remote != nil && a.Remote.Checksum != "" {
			counts[a.Remote.Checksum]++
		}
	}
	for sum, n := range counts {
		if n < 2 {
			delete(counts, sum)
		}
	}
	if len(counts) == 0 {
		return nil
	}

	cache, err := lru.New[string, []byte](entries)
	if err != nil {
		return nil
	}
	return &dedupe{cache: cache, pending: counts}
}

func (d *dedupe) tracks(checksum string) bool {
	if d == nil || checksum == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending[checksum] > 0
}

// done is called once per finished download and drops the blob after the
// last action sharing it.
func (d *dedupe) done(a *diff.Action) {
	if d == nil || a.Kind != diff.Download || a.Remote == nil {
		return
	}
	sum := a.Remote.Checksum
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.pending[sum]
	if !ok {
		return
	}
	if n <= 1 {
		delete(d.pending, sum)
		d.cache.Remove(sum)
		return
	}
	d.pending[sum] = n - 1
}

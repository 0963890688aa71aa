package lock

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/openmined/spacesync/internal/provider"
	"github.com/openmined/spacesync/internal/syncerr"
)

// Token proves ownership of a repository lock. It is immutable; the expiry
// moved by Renew is tracked by the coordinator.
type Token struct {
	RepositoryID string
	OwnerID      string
	Value        string
	AcquiredAt   time.Time
	TTL          time.Duration
}

type holder struct {
	token     *Token
	expiresAt time.Time
	flock     *flock.Flock
}

// Coordinator hands out one lock per repository. Exclusivity inside the
// process comes from an in-memory table; across processes on the same device
// from an optional lock file; across devices from the provider lock marker.
type Coordinator struct {
	client  provider.Client
	clock   func() time.Time
	lockDir string

	mu   sync.Mutex
	held map[string]*holder
}

type Option func(*Coordinator)

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

// WithLockDir enables per repository lock files in dir.
func WithLockDir(dir string) Option {
	return func(c *Coordinator) {
		c.lockDir = dir
	}
}

func NewCoordinator(client provider.Client, opts ...Option) *Coordinator {
	c := &Coordinator{
		client: client,
		clock:  time.Now,
		held:   make(map[string]*holder),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Acquire takes the lock of a repository for ownerID. It fails with
// syncerr.KindLockUnavailable while another live holder exists. A marker
// whose ttl ran out is reclaimed.
func (c *Coordinator) Acquire(ctx context.Context, repositoryID, ownerID string, ttl time.Duration) (*Token, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lock ttl must be positive, got %s", ttl)
	}

	// reserve the slot first so the remote round trips happen without c.mu
	c.mu.Lock()
	if _, busy := c.held[repositoryID]; busy {
		c.mu.Unlock()
		return nil, syncerr.Errorf(syncerr.KindLockUnavailable, "acquire", "repository %s is already syncing in this process", repositoryID)
	}
	h := &holder{}
	c.held[repositoryID] = h
	c.mu.Unlock()

	token, err := c.acquire(ctx, h, repositoryID, ownerID, ttl)
	if err != nil {
		c.drop(repositoryID, h)
		return nil, err
	}
	return token, nil
}

func (c *Coordinator) acquire(ctx context.Context, h *holder, repositoryID, ownerID string, ttl time.Duration) (*Token, error) {
	if c.lockDir != "" {
		if err := os.MkdirAll(c.lockDir, 0o755); err != nil {
			return nil, fmt.Errorf("lock dir: %w", err)
		}
		fl := flock.New(filepath.Join(c.lockDir, repositoryID+".lock"))
		locked, err := fl.TryLock()
		if err != nil {
			return nil, fmt.Errorf("lock file: %w", err)
		}
		if !locked {
			return nil, syncerr.Errorf(syncerr.KindLockUnavailable, "acquire", "repository %s is syncing in another process", repositoryID)
		}
		h.flock = fl
	}

	existing, err := c.client.GetLockMarker(ctx, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("read lock marker: %w", err)
	}

	now := c.clock().UTC()
	if existing != nil {
		if !existing.Stale(now) {
			return nil, syncerr.Errorf(syncerr.KindLockUnavailable, "acquire",
				"repository %s locked by %s until %s", repositoryID, existing.OwnerID, existing.ExpiresAt.Format(time.RFC3339))
		}
		slog.Warn("lock reclaim stale", "repo", repositoryID, "owner", existing.OwnerID, "expired", existing.ExpiresAt)
	}

	token := &Token{
		RepositoryID: repositoryID,
		OwnerID:      ownerID,
		Value:        uuid.NewString(),
		AcquiredAt:   now,
		TTL:          ttl,
	}
	marker := &provider.LockMarker{
		RepositoryID: repositoryID,
		OwnerID:      ownerID,
		Token:        token.Value,
		AcquiredAt:   now,
		ExpiresAt:    now.Add(ttl),
	}
	if err := c.client.PutLockMarker(ctx, marker); err != nil {
		return nil, fmt.Errorf("write lock marker: %w", err)
	}

	// another device may have written its marker in between
	current, err := c.client.GetLockMarker(ctx, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("verify lock marker: %w", err)
	}
	if current == nil || current.Token != token.Value {
		owner := "unknown"
		if current != nil {
			owner = current.OwnerID
		}
		return nil, syncerr.Errorf(syncerr.KindLockUnavailable, "acquire", "repository %s taken over by %s", repositoryID, owner)
	}

	c.mu.Lock()
	h.token = token
	h.expiresAt = marker.ExpiresAt
	c.mu.Unlock()

	slog.Debug("lock acquired", "repo", repositoryID, "owner", ownerID, "ttl", ttl)
	return token, nil
}

// Renew extends the lock by another ttl. Once the lock has expired, or the
// remote marker no longer carries the token, it fails with syncerr.KindLockLost
// and the holder must stop working.
func (c *Coordinator) Renew(ctx context.Context, token *Token) error {
	c.mu.Lock()
	h, ok := c.held[token.RepositoryID]
	if !ok || h.token != token {
		c.mu.Unlock()
		return syncerr.Errorf(syncerr.KindLockLost, "renew", "repository %s is not held by this token", token.RepositoryID)
	}
	expiresAt := h.expiresAt
	c.mu.Unlock()

	now := c.clock().UTC()
	if now.After(expiresAt) {
		return syncerr.Errorf(syncerr.KindLockLost, "renew", "lock of %s expired at %s", token.RepositoryID, expiresAt.Format(time.RFC3339))
	}

	current, err := c.client.GetLockMarker(ctx, token.RepositoryID)
	if err != nil {
		return fmt.Errorf("read lock marker: %w", err)
	}
	if current == nil || current.Token != token.Value {
		return syncerr.Errorf(syncerr.KindLockLost, "renew", "lock marker of %s was replaced", token.RepositoryID)
	}

	marker := &provider.LockMarker{
		RepositoryID: token.RepositoryID,
		OwnerID:      token.OwnerID,
		Token:        token.Value,
		AcquiredAt:   token.AcquiredAt,
		ExpiresAt:    now.Add(token.TTL),
	}
	if err := c.client.PutLockMarker(ctx, marker); err != nil {
		return fmt.Errorf("write lock marker: %w", err)
	}

	c.mu.Lock()
	if h.token == token {
		h.expiresAt = marker.ExpiresAt
	}
	c.mu.Unlock()
	return nil
}

// ExpiresAt returns the current expiry of a held token.
func (c *Coordinator) ExpiresAt(token *Token) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.held[token.RepositoryID]
	if !ok || h.token != token {
		return time.Time{}, false
	}
	return h.expiresAt, true
}

// Release gives up the lock. The local side is always released; the remote
// marker is removed only if it still carries the token.
func (c *Coordinator) Release(ctx context.Context, token *Token) error {
	c.mu.Lock()
	h, ok := c.held[token.RepositoryID]
	mine := ok && h.token == token
	if mine {
		delete(c.held, token.RepositoryID)
	}
	c.mu.Unlock()
	if mine {
		unlockFile(h)
	}

	current, err := c.client.GetLockMarker(ctx, token.RepositoryID)
	if err != nil {
		return fmt.Errorf("read lock marker: %w", err)
	}
	if current == nil || current.Token != token.Value {
		return nil
	}
	if err := c.client.DeleteLockMarker(ctx, token.RepositoryID); err != nil {
		return fmt.Errorf("delete lock marker: %w", err)
	}

	slog.Debug("lock released", "repo", token.RepositoryID, "owner", token.OwnerID)
	return nil
}

// ForceRelease removes the remote marker regardless of its owner.
func (c *Coordinator) ForceRelease(ctx context.Context, repositoryID string) error {
	c.mu.Lock()
	h, ok := c.held[repositoryID]
	delete(c.held, repositoryID)
	c.mu.Unlock()
	if ok {
		unlockFile(h)
	}

	if err := c.client.DeleteLockMarker(ctx, repositoryID); err != nil {
		return fmt.Errorf("delete lock marker: %w", err)
	}
	slog.Warn("lock force released", "repo", repositoryID)
	return nil
}

// Status returns the current remote marker, nil when unlocked.
func (c *Coordinator) Status(ctx context.Context, repositoryID string) (*provider.LockMarker, error) {
	return c.client.GetLockMarker(ctx, repositoryID)
}

func (c *Coordinator) drop(repositoryID string, h *holder) {
	c.mu.Lock()
	if c.held[repositoryID] == h {
		delete(c.held, repositoryID)
	}
	c.mu.Unlock()
	unlockFile(h)
}

func unlockFile(h *holder) {
	if h.flock == nil {
		return
	}
	if err := h.flock.Unlock(); err != nil {
		slog.Warn("lock file unlock", "path", h.flock.Path(), "error", err)
	}
}

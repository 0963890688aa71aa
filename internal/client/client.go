package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openmined/spacesync/internal/client/config"
	"github.com/openmined/spacesync/internal/diff"
	"github.com/openmined/spacesync/internal/localstore"
	"github.com/openmined/spacesync/internal/lock"
	"github.com/openmined/spacesync/internal/manifest"
	"github.com/openmined/spacesync/internal/manifeststore"
	"github.com/openmined/spacesync/internal/provider"
	"github.com/openmined/spacesync/internal/provider/gitprovider"
	"github.com/openmined/spacesync/internal/provider/memprovider"
	"github.com/openmined/spacesync/internal/provider/minioprovider"
	"github.com/openmined/spacesync/internal/provider/s3provider"
	"github.com/openmined/spacesync/internal/session"
	"github.com/openmined/spacesync/internal/transfer"
	"github.com/openmined/spacesync/internal/utils"
)

var ErrClientNotOpen = errors.New("client not open")

// NewRegistry returns a registry with every built-in backend.
func NewRegistry() *provider.Registry {
	r := provider.NewRegistry()
	r.Register(memprovider.TypeName, memprovider.Factory)
	r.Register(s3provider.TypeName, s3provider.Factory)
	r.Register(minioprovider.TypeName, minioprovider.Factory)
	r.Register(gitprovider.TypeName, gitprovider.Factory)
	return r
}

type Option func(*Client)

func WithRegistry(r *provider.Registry) Option {
	return func(c *Client) {
		c.registry = r
	}
}

// repository is the set of collaborators bound to one configured repository.
type repository struct {
	cfg      *config.RepositoryConfig
	provider provider.Client
	locks    *lock.Coordinator
	orch     *transfer.Orchestrator
	content  localstore.Store
}

// Client is the composition root: it owns the stores and hands every
// configured repository its provider, lock coordinator and orchestrator.
type Client struct {
	config   *config.Config
	registry *provider.Registry
	sessions *session.Manager

	store   *manifeststore.Store
	content *localstore.DB

	mu    sync.Mutex
	repos map[string]*repository
}

func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		config:   cfg,
		registry: NewRegistry(),
		sessions: session.NewManager(),
		repos:    make(map[string]*repository),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Open() error {
	if err := utils.EnsureDir(c.config.DataDir); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}

	store := manifeststore.New(c.config.ManifestDBPath())
	if err := store.Open(); err != nil {
		return err
	}
	content, err := localstore.OpenBadger(c.config.ContentDir())
	if err != nil {
		store.Close()
		return err
	}

	c.store = store
	c.content = content
	slog.Debug("client open", "datadir", c.config.DataDir, "owner", c.config.OwnerID, "repositories", len(c.config.Repositories))
	return nil
}

func (c *Client) Close() error {
	if c.store == nil {
		return ErrClientNotOpen
	}
	return errors.Join(c.store.Close(), c.content.Close())
}

// Repositories lists the configured repository ids.
func (c *Client) Repositories() []string {
	ids := make([]string, 0, len(c.config.Repositories))
	for _, r := range c.config.Repositories {
		ids = append(ids, r.ID)
	}
	return ids
}

func (c *Client) repository(ctx context.Context, id string) (*repository, error) {
	if c.store == nil {
		return nil, ErrClientNotOpen
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.repos[id]; ok {
		return r, nil
	}

	rc, err := c.config.Repository(id)
	if err != nil {
		return nil, err
	}
	client, err := c.registry.Open(ctx, rc.Provider)
	if err != nil {
		return nil, fmt.Errorf("repository %s: %w", id, err)
	}
	content := c.content.Repository(id)
	orch, err := transfer.New(client, content, c.config.TransferConfig())
	if err != nil {
		return nil, err
	}

	r := &repository{
		cfg:      rc,
		provider: client,
		locks:    lock.NewCoordinator(client, lock.WithLockDir(c.config.LockDir())),
		orch:     orch,
		content:  content,
	}
	c.repos[id] = r
	slog.Info("repository bound", "repo", id, "provider", client.Name())
	return r, nil
}

func (c *Client) deps(r *repository) session.Deps {
	return session.Deps{
		Store:        c.store,
		Provider:     r.provider,
		Locks:        r.locks,
		Orchestrator: r.orch,
	}
}

func (c *Client) options(r *repository) session.Options {
	return session.Options{
		RepositoryID:   r.cfg.ID,
		OwnerID:        c.config.OwnerID,
		LockTTL:        c.config.LockTTL,
		SessionTimeout: c.config.SessionTimeout,
		TombstoneGrace: c.config.TombstoneGrace,
		Policy:         c.config.ConflictPolicy(r.cfg),
	}
}

type SyncOptions struct {
	// Policy overrides the configured conflict policy when set.
	Policy      diff.Policy
	Resolutions map[string]diff.Resolution
	Resolver    session.Resolver
	// Progress receives snapshots while the session runs.
	Progress func(session.Progress)
}

// Sync runs one sync session for a repository.
func (c *Client) Sync(ctx context.Context, id string, so SyncOptions) (*session.SyncResult, error) {
	r, err := c.repository(ctx, id)
	if err != nil {
		return nil, err
	}

	opts := c.options(r)
	if so.Policy != "" {
		opts.Policy = so.Policy
	}
	opts.Resolutions = so.Resolutions
	opts.Resolver = so.Resolver

	s, err := c.sessions.Start(c.deps(r), opts)
	if err != nil {
		return nil, err
	}

	var wg sync.WaitGroup
	if so.Progress != nil {
		events := s.Subscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range events {
				so.Progress(p)
			}
		}()
	}

	res, err := c.sessions.Wait(ctx, s)
	wg.Wait()
	return res, err
}

// Plan computes what a sync would do without locking or writing anything.
func (c *Client) Plan(ctx context.Context, id string) (*diff.Plan, error) {
	r, err := c.repository(ctx, id)
	if err != nil {
		return nil, err
	}
	opts := c.options(r)
	opts.DryRun = true

	res, err := c.sessions.Run(ctx, c.deps(r), opts)
	if err != nil {
		return nil, err
	}
	return res.Plan, nil
}

// Manifest returns the local manifest of a repository.
func (c *Client) Manifest(ctx context.Context, id string) (*manifest.Manifest, error) {
	if _, err := c.config.Repository(id); err != nil {
		return nil, err
	}
	if c.store == nil {
		return nil, ErrClientNotOpen
	}
	return c.store.LoadOrNew(ctx, id)
}

// RemoteManifest fetches the manifest held by the repository's provider.
func (c *Client) RemoteManifest(ctx context.Context, id string) (*manifest.Manifest, error) {
	r, err := c.repository(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.provider.FetchManifest(ctx, id)
}

// LockStatus returns the remote lock marker, nil when the repository is unlocked.
func (c *Client) LockStatus(ctx context.Context, id string) (*provider.LockMarker, error) {
	r, err := c.repository(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.locks.Status(ctx, id)
}

// ReleaseLock removes the remote lock marker. Without force only a stale
// marker is removed.
func (c *Client) ReleaseLock(ctx context.Context, id string, force bool) error {
	r, err := c.repository(ctx, id)
	if err != nil {
		return err
	}
	if !force {
		marker, err := r.locks.Status(ctx, id)
		if err != nil {
			return err
		}
		if marker == nil {
			return nil
		}
		if !marker.Stale(time.Now()) {
			return fmt.Errorf("repository %s is locked by %s until %s, use force to release anyway",
				id, marker.OwnerID, marker.ExpiresAt.Format(time.RFC3339))
		}
	}
	return r.locks.ForceRelease(ctx, id)
}

// ResetBaselines forgets what was last synced, so the next sync compares both
// sides directly.
func (c *Client) ResetBaselines(ctx context.Context, id string) error {
	if _, err := c.config.Repository(id); err != nil {
		return err
	}
	if c.store == nil {
		return ErrClientNotOpen
	}
	return c.store.ResetBaselines(ctx, id)
}

// Active returns the progress of the sync running for a repository.
func (c *Client) Active(id string) (session.Progress, bool) {
	s, ok := c.sessions.Active(id)
	if !ok {
		return session.Progress{}, false
	}
	return s.Progress(), true
}

package session

import (
	"context"
	"errors"
	"sync"
)

var ErrSyncAlreadyRunning = errors.New("sync already running")

// Manager runs sessions and remembers which repository is syncing in this
// process. Cross-process and cross-device exclusivity is left to the lock
// coordinator.
type Manager struct {
	mu     sync.Mutex
	active map[string]*Session
}

func NewManager() *Manager {
	return &Manager{active: make(map[string]*Session)}
}

// Start registers a new session for the repository without running it.
func (m *Manager) Start(deps Deps, opts Options) (*Session, error) {
	s, err := New(deps, opts)
	if err != nil {
		return nil, err
	}
	if opts.DryRun {
		return s, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.active[opts.RepositoryID]; busy {
		return nil, ErrSyncAlreadyRunning
	}
	m.active[opts.RepositoryID] = s
	return s, nil
}

// Run starts a session and waits for it to finish.
func (m *Manager) Run(ctx context.Context, deps Deps, opts Options) (*SyncResult, error) {
	s, err := m.Start(deps, opts)
	if err != nil {
		return nil, err
	}
	return m.Wait(ctx, s)
}

// Wait runs a session obtained from Start.
func (m *Manager) Wait(ctx context.Context, s *Session) (*SyncResult, error) {
	defer m.finish(s)
	return s.Run(ctx)
}

// Active returns the session currently syncing the repository, if any.
func (m *Manager) Active(repositoryID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.active[repositoryID]
	return s, ok
}

func (m *Manager) finish(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[s.RepositoryID()] == s {
		delete(m.active, s.RepositoryID())
	}
}

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/openmined/spacesync/internal/diff"
	"github.com/openmined/spacesync/internal/lock"
	"github.com/openmined/spacesync/internal/manifest"
	"github.com/openmined/spacesync/internal/provider"
	"github.com/openmined/spacesync/internal/syncerr"
	"github.com/openmined/spacesync/internal/transfer"
)

const (
	DefaultLockTTL        = 60 * time.Second
	DefaultSessionTimeout = 30 * time.Minute
	DefaultTombstoneGrace = 30 * 24 * time.Hour

	releaseTimeout = 10 * time.Second
)

var (
	ErrSessionStarted = errors.New("session already started")
	errSessionTimeout = errors.New("session timeout")
)

// ManifestStore is the part of the manifest store a session needs.
type ManifestStore interface {
	LoadOrNew(ctx context.Context, repositoryID string) (*manifest.Manifest, error)
	Baselines(ctx context.Context, repositoryID string) (map[string]manifest.Baseline, error)
	Commit(ctx context.Context, repositoryID string, delta *manifest.Delta, tombstoneGrace time.Duration) (*manifest.Manifest, error)
}

// Resolver is asked about conflicts the policy left open. Files missing from
// the returned map stay unresolved until the next sync.
type Resolver interface {
	Resolve(ctx context.Context, conflicts []*diff.Conflict) (map[string]diff.Resolution, error)
}

type ResolverFunc func(ctx context.Context, conflicts []*diff.Conflict) (map[string]diff.Resolution, error)

func (f ResolverFunc) Resolve(ctx context.Context, conflicts []*diff.Conflict) (map[string]diff.Resolution, error) {
	return f(ctx, conflicts)
}

// Deps are the collaborators bound to one repository.
type Deps struct {
	Store        ManifestStore
	Provider     provider.Client
	Locks        *lock.Coordinator
	Orchestrator *transfer.Orchestrator
}

type Options struct {
	RepositoryID string
	OwnerID      string

	LockTTL time.Duration
	// RenewInterval defaults to a third of LockTTL.
	RenewInterval  time.Duration
	SessionTimeout time.Duration
	TombstoneGrace time.Duration

	Policy diff.Policy
	// Resolutions are decisions taken before the session started, usually
	// for conflicts reported by a previous run.
	Resolutions map[string]diff.Resolution
	Resolver    Resolver

	// DryRun stops after diffing. No lock is taken and nothing is written.
	DryRun bool
}

func (o *Options) withDefaults() {
	if o.LockTTL <= 0 {
		o.LockTTL = DefaultLockTTL
	}
	if o.RenewInterval <= 0 {
		o.RenewInterval = o.LockTTL / 3
	}
	if o.SessionTimeout <= 0 {
		o.SessionTimeout = DefaultSessionTimeout
	}
	if o.TombstoneGrace == 0 {
		o.TombstoneGrace = DefaultTombstoneGrace
	}
	if o.Policy == "" {
		o.Policy = diff.PolicyAsk
	}
}

// FailedFile is a file whose action ended in a terminal error.
type FailedFile struct {
	FileID string          `json:"fileId"`
	Action diff.ActionKind `json:"action"`
	Kind   syncerr.Kind    `json:"kind"`
	Err    error           `json:"-"`
}

// SyncResult is the report of one session.
type SyncResult struct {
	SessionID    string
	RepositoryID string
	State        State
	Succeeded    []string
	Failed       []FailedFile
	Conflicts    []*diff.Conflict
	Plan         *diff.Plan
	Duration     time.Duration
}

// Session is one sync run of one repository. It is used once and discarded.
type Session struct {
	id   string
	deps Deps
	opts Options

	started  atomic.Bool
	progress tracker

	mu        sync.Mutex
	conflicts []*diff.Conflict
}

func New(deps Deps, opts Options) (*Session, error) {
	if opts.RepositoryID == "" {
		return nil, fmt.Errorf("repository id is required")
	}
	if deps.Store == nil || deps.Provider == nil {
		return nil, fmt.Errorf("manifest store and provider are required")
	}
	if !opts.DryRun && (deps.Locks == nil || deps.Orchestrator == nil) {
		return nil, fmt.Errorf("lock coordinator and orchestrator are required")
	}
	if !opts.DryRun && opts.OwnerID == "" {
		return nil, fmt.Errorf("owner id is required")
	}
	opts.withDefaults()

	s := &Session{
		id:   uuid.NewString(),
		deps: deps,
		opts: opts,
	}
	s.progress.progress = Progress{
		SessionID:    s.id,
		RepositoryID: opts.RepositoryID,
		State:        StateIdle,
	}
	return s, nil
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) RepositoryID() string {
	return s.opts.RepositoryID
}

func (s *Session) State() State {
	return s.progress.snapshot().State
}

func (s *Session) Progress() Progress {
	return s.progress.snapshot()
}

// Subscribe returns a channel of progress snapshots. It is closed once the
// session reaches Done or Failed.
func (s *Session) Subscribe() <-chan Progress {
	return s.progress.subscribe()
}

// Conflicts returns the conflicts still unresolved.
func (s *Session) Conflicts() []*diff.Conflict {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*diff.Conflict(nil), s.conflicts...)
}

func (s *Session) setConflicts(conflicts []*diff.Conflict) {
	s.mu.Lock()
	s.conflicts = conflicts
	s.mu.Unlock()
	s.progress.update(func(p *Progress) {
		p.Conflicts = len(conflicts)
	})
}

func (s *Session) setState(state State) {
	slog.Debug("sync session", "repo", s.opts.RepositoryID, "session", s.id, "state", state)
	s.progress.update(func(p *Progress) {
		p.State = state
	})
}

// Run drives the session through its lifecycle. The returned result is never
// nil; on error it holds whatever was known when the session failed.
func (s *Session) Run(ctx context.Context) (*SyncResult, error) {
	if !s.started.CompareAndSwap(false, true) {
		return nil, ErrSessionStarted
	}

	start := time.Now()
	ctx, cancelTimeout := context.WithTimeoutCause(ctx, s.opts.SessionTimeout, errSessionTimeout)
	defer cancelTimeout()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	result := &SyncResult{SessionID: s.id, RepositoryID: s.opts.RepositoryID}
	var err error
	if s.opts.DryRun {
		err = s.plan(ctx, result)
	} else {
		err = s.sync(ctx, cancel, result)
	}
	result.Duration = time.Since(start)

	if err != nil {
		s.setState(StateFailed)
		result.State = StateFailed
		slog.Error("sync failed", "repo", s.opts.RepositoryID, "session", s.id, "kind", syncerr.KindOf(err), "error", err, "duration", result.Duration)
		return result, err
	}

	s.setState(StateDone)
	result.State = StateDone
	return result, nil
}

// plan runs the read-only part of a session.
func (s *Session) plan(ctx context.Context, result *SyncResult) error {
	state, err := s.fetch(ctx)
	if err != nil {
		return err
	}
	result.Plan = s.diff(state)
	result.Conflicts = result.Plan.Conflicts
	return nil
}

func (s *Session) sync(ctx context.Context, cancel context.CancelCauseFunc, result *SyncResult) error {
	repo := s.opts.RepositoryID

	s.setState(StateAcquiringLock)
	token, err := s.deps.Locks.Acquire(ctx, repo, s.opts.OwnerID, s.opts.LockTTL)
	if err != nil {
		return err
	}
	released := false
	defer func() {
		if !released {
			s.release(ctx, token)
		}
	}()

	renewCtx, stopRenew := context.WithCancel(ctx)
	var renewWG sync.WaitGroup
	renewWG.Add(1)
	go func() {
		defer renewWG.Done()
		s.keepAlive(renewCtx, token, cancel)
	}()
	defer func() {
		stopRenew()
		renewWG.Wait()
	}()

	state, err := s.fetch(ctx)
	if err != nil {
		return err
	}
	plan := s.diff(state)
	result.Plan = plan

	results, delta := s.transfer(ctx, plan)
	collect(result, results)
	plan.Conflicts = s.Conflicts()
	result.Conflicts = plan.Conflicts

	if ctx.Err() != nil {
		return abortCause(ctx)
	}

	s.setState(StateCommitting)
	if err := s.commit(ctx, token, state, plan, delta); err != nil {
		return err
	}

	stopRenew()
	renewWG.Wait()

	s.setState(StateReleasingLock)
	released = true
	s.release(ctx, token)

	slog.Info("sync",
		"repo", repo,
		"session", s.id,
		"succeeded", len(result.Succeeded),
		"failed", len(result.Failed),
		"conflicts", len(result.Conflicts),
		"bytes", humanize.Bytes(uint64(s.Progress().BytesTransferred)),
	)
	return nil
}

type manifests struct {
	local         *manifest.Manifest
	remote        *manifest.Manifest
	remoteMissing bool
	baselines     map[string]manifest.Baseline
}

func (s *Session) fetch(ctx context.Context) (*manifests, error) {
	s.setState(StateFetchingManifests)
	repo := s.opts.RepositoryID

	local, err := s.deps.Store.LoadOrNew(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("load local manifest: %w", err)
	}
	baselines, err := s.deps.Store.Baselines(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("load baselines: %w", err)
	}

	st := &manifests{local: local, baselines: baselines}
	remote, err := s.deps.Provider.FetchManifest(ctx, repo)
	switch {
	case syncerr.Is(err, syncerr.KindNotFound):
		slog.Info("sync remote manifest missing", "repo", repo, "provider", s.deps.Provider.Name())
		st.remote = manifest.New(repo)
		st.remoteMissing = true
	case err != nil:
		return nil, fmt.Errorf("fetch remote manifest: %w", err)
	default:
		if remote.RepositoryID != repo {
			return nil, syncerr.Errorf(syncerr.KindManifestCorrupt, "fetch manifest",
				"remote manifest belongs to %q, expected %q", remote.RepositoryID, repo)
		}
		st.remote = remote
	}
	return st, nil
}

func (s *Session) diff(st *manifests) *diff.Plan {
	s.setState(StateDiffing)

	plan := diff.Compute(st.local, st.remote, st.baselines)
	diff.ApplyPolicy(plan, s.opts.Policy)
	if len(s.opts.Resolutions) > 0 {
		plan.Actions = append(plan.Actions, diff.Resolve(plan, s.opts.Resolutions)...)
		sort.SliceStable(plan.Actions, func(i, j int) bool {
			return plan.Actions[i].FileID < plan.Actions[j].FileID
		})
	}

	s.setConflicts(plan.Conflicts)
	s.progress.update(func(p *Progress) {
		p.ActionsPlanned = len(plan.Actions)
	})

	counts := plan.Count()
	slog.Debug("sync plan",
		"repo", s.opts.RepositoryID,
		"downloads", counts[diff.Download],
		"uploads", counts[diff.Upload],
		"localDeletes", counts[diff.DeleteLocal],
		"remoteDeletes", counts[diff.DeleteRemote],
		"conflicts", len(plan.Conflicts),
		"adopt", len(plan.Adopt),
		"forget", len(plan.Forget),
	)
	return plan
}

// resolution is what the resolver decided: actions for the settled
// conflicts and the conflicts still open.
type resolution struct {
	actions []*diff.Action
	open    []*diff.Conflict
}

// transfer executes the plan. Open conflicts are handed to the resolver while
// the unaffected actions already run; resolved conflicts follow as a second
// batch. A resolver still busy when ctx ends is abandoned and its conflicts
// stay open.
func (s *Session) transfer(ctx context.Context, plan *diff.Plan) ([]*transfer.Result, *manifest.Delta) {
	var resolved chan resolution
	if len(plan.Conflicts) > 0 {
		s.setState(StateAwaitingResolution)
		if s.opts.Resolver != nil {
			resolved = make(chan resolution, 1)
			open := s.Conflicts()
			go func() {
				resolved <- s.resolve(ctx, open)
			}()
		}
	}

	s.setState(StateTransferring)
	results, delta := s.deps.Orchestrator.Execute(ctx, plan.Actions, s.observe)

	if resolved == nil {
		return results, delta
	}
	select {
	case r := <-resolved:
		s.setConflicts(r.open)
		actions := r.actions
		if len(actions) > 0 {
			plan.Actions = append(plan.Actions, actions...)
			s.progress.update(func(p *Progress) {
				p.ActionsPlanned += len(actions)
			})
			more, moreDelta := s.deps.Orchestrator.Execute(ctx, actions, s.observe)
			results = append(results, more...)
			delta.Merge(moreDelta)
		}
	case <-ctx.Done():
		slog.Warn("sync conflict resolver abandoned", "repo", s.opts.RepositoryID, "session", s.id, "cause", context.Cause(ctx))
	}
	return results, delta
}

// resolve asks the resolver about the open conflicts. It must not touch the
// session, which may have ended by the time the resolver returns.
func (s *Session) resolve(ctx context.Context, open []*diff.Conflict) resolution {
	decisions, err := s.opts.Resolver.Resolve(ctx, open)
	if err != nil {
		slog.Warn("sync conflict resolver", "repo", s.opts.RepositoryID, "error", err)
		return resolution{open: open}
	}

	pending := &diff.Plan{Conflicts: open}
	actions := diff.Resolve(pending, decisions)
	return resolution{actions: actions, open: pending.Conflicts}
}

func (s *Session) observe(r *transfer.Result) {
	s.progress.update(func(p *Progress) {
		if r.OK() {
			p.ActionsCompleted++
			p.BytesTransferred += r.Bytes
		} else {
			p.ActionsFailed++
		}
	})
}

// commit writes the remote manifest first and the local manifest with its
// baselines second. A failed remote write leaves the local store untouched.
func (s *Session) commit(ctx context.Context, token *lock.Token, st *manifests, plan *diff.Plan, delta *manifest.Delta) error {
	repo := s.opts.RepositoryID

	// exclusivity has to hold for the whole commit
	if err := s.deps.Locks.Renew(ctx, token); err != nil {
		return err
	}

	for _, e := range plan.Adopt {
		delta.Adopted[e.ID] = e
	}
	for _, id := range plan.Forget {
		delta.Forgotten[id] = struct{}{}
	}
	for _, t := range plan.Tombstones {
		delta.Tombstones[t.ID] = t
	}
	for _, f := range plan.Folders {
		delta.Folders[f.ID] = f
	}

	if delta.RemoteChanged() || plan.RemoteNeedsMetadata || (st.remoteMissing && !plan.Empty()) {
		now := time.Now()
		remote := st.remote.Clone()
		delta.ApplyRemote(remote, now)
		remote.AdoptTombstones(st.local)
		remote.AdoptFolders(st.local)
		remote.PruneTombstones(now, s.opts.TombstoneGrace)
		if err := s.deps.Provider.PutManifest(ctx, repo, remote); err != nil {
			return fmt.Errorf("write remote manifest: %w", err)
		}
	}

	if delta.Empty() {
		return nil
	}
	if _, err := s.deps.Store.Commit(ctx, repo, delta, s.opts.TombstoneGrace); err != nil {
		return fmt.Errorf("commit local manifest: %w", err)
	}
	return nil
}

// keepAlive renews the lock until ctx ends. A lost lock cancels the session
// with the lock error as cause.
func (s *Session) keepAlive(ctx context.Context, token *lock.Token, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(s.opts.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := s.deps.Locks.Renew(ctx, token)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return
		case syncerr.Is(err, syncerr.KindLockLost):
			slog.Error("sync lock lost", "repo", s.opts.RepositoryID, "session", s.id, "error", err)
			cancel(err)
			return
		default:
			// a later renew decides once the lock has actually expired
			slog.Warn("sync lock renew", "repo", s.opts.RepositoryID, "session", s.id, "error", err)
		}
	}
}

// release gives the lock back without depending on ctx still being alive.
func (s *Session) release(ctx context.Context, token *lock.Token) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := s.deps.Locks.Release(rctx, token); err != nil {
		slog.Warn("sync lock release", "repo", s.opts.RepositoryID, "session", s.id, "error", err)
	}
}

func collect(result *SyncResult, results []*transfer.Result) {
	for _, r := range results {
		if r.OK() {
			result.Succeeded = append(result.Succeeded, r.Action.FileID)
			continue
		}
		result.Failed = append(result.Failed, FailedFile{
			FileID: r.Action.FileID,
			Action: r.Action.Kind,
			Kind:   r.Kind(),
			Err:    r.Err,
		})
	}
	sort.Strings(result.Succeeded)
	sort.SliceStable(result.Failed, func(i, j int) bool {
		return result.Failed[i].FileID < result.Failed[j].FileID
	})
}

// abortCause turns the reason ctx ended into a classified error.
func abortCause(ctx context.Context) error {
	cause := context.Cause(ctx)
	var se *syncerr.Error
	if errors.As(cause, &se) {
		return cause
	}
	return syncerr.New(syncerr.KindCancelled, "sync", cause)
}

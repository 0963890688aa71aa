package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openmined/spacesync/internal/diff"
	"github.com/openmined/spacesync/internal/localstore"
	"github.com/openmined/spacesync/internal/lock"
	"github.com/openmined/spacesync/internal/manifest"
	"github.com/openmined/spacesync/internal/manifeststore"
	"github.com/openmined/spacesync/internal/provider"
	"github.com/openmined/spacesync/internal/provider/memprovider"
	"github.com/openmined/spacesync/internal/syncerr"
	"github.com/openmined/spacesync/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const repo = "space-1"

// device is one replica of the repository sharing a remote with others.
type device struct {
	owner  string
	store  *manifeststore.Store
	local  *localstore.Memory
	remote *memprovider.Provider
	deps   Deps
}

func newDevice(t *testing.T, owner string, remote *memprovider.Provider) *device {
	t.Helper()
	return newDeviceWith(t, owner, remote, 2)
}

func newDeviceWith(t *testing.T, owner string, remote *memprovider.Provider, concurrency int) *device {
	t.Helper()

	store := manifeststore.New(filepath.Join(t.TempDir(), "manifest.db"))
	require.NoError(t, store.Open())
	t.Cleanup(func() { store.Close() })

	cfg := transfer.DefaultConfig()
	cfg.Concurrency = concurrency
	cfg.MaxAttempts = 2
	cfg.BaseBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond

	local := localstore.NewMemory()
	orch, err := transfer.New(remote, local, cfg)
	require.NoError(t, err)

	return &device{
		owner:  owner,
		store:  store,
		local:  local,
		remote: remote,
		deps: Deps{
			Store:        store,
			Provider:     remote,
			Locks:        lock.NewCoordinator(remote),
			Orchestrator: orch,
		},
	}
}

func (d *device) options() Options {
	return Options{RepositoryID: repo, OwnerID: d.owner}
}

func (d *device) write(t *testing.T, id, content string, ts int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, d.local.Put(ctx, id, []byte(content)))

	m, err := d.store.LoadOrNew(ctx, repo)
	require.NoError(t, err)
	m.PutFile(&manifest.FileEntry{
		ID:               id,
		Path:             "/" + id,
		Name:             id,
		ContentTimestamp: ts,
		Size:             int64(len(content)),
		Checksum:         manifest.Checksum([]byte(content)),
	})
	require.NoError(t, d.store.Save(ctx, m))
}

func (d *device) remove(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, d.local.Delete(ctx, id))

	m, err := d.store.LoadOrNew(ctx, repo)
	require.NoError(t, err)
	m.DeleteFile(id, time.Now())
	require.NoError(t, d.store.Save(ctx, m))
}

func (d *device) content(t *testing.T, id string) string {
	t.Helper()
	data, err := d.local.Get(context.Background(), id)
	require.NoError(t, err)
	return string(data)
}

func (d *device) sync(t *testing.T, opts Options) (*SyncResult, error) {
	t.Helper()
	s, err := New(d.deps, opts)
	require.NoError(t, err)
	return s.Run(context.Background())
}

func (d *device) mustSync(t *testing.T) *SyncResult {
	t.Helper()
	res, err := d.sync(t, d.options())
	require.NoError(t, err)
	require.Equal(t, StateDone, res.State)
	return res
}

func remoteManifest(t *testing.T, p *memprovider.Provider) *manifest.Manifest {
	t.Helper()
	m, err := p.FetchManifest(context.Background(), repo)
	require.NoError(t, err)
	return m
}

func TestSession_FirstSyncIsIdempotent(t *testing.T) {
	remote := memprovider.New()
	d := newDevice(t, "laptop", remote)
	d.write(t, "a", "alpha", 100)
	d.write(t, "b", "beta", 100)

	res := d.mustSync(t)
	assert.Equal(t, []string{"a", "b"}, res.Succeeded)
	assert.Empty(t, res.Failed)

	rm := remoteManifest(t, remote)
	assert.Len(t, rm.Files, 2)
	assert.ElementsMatch(t, []string{"a", "b"}, remote.BlobIDs())

	puts := remote.Calls(memprovider.OpPutBlob)
	manifestWrites := remote.Calls(memprovider.OpPutManifest)

	res = d.mustSync(t)
	assert.True(t, res.Plan.Empty(), "second sync plans nothing")
	assert.Empty(t, res.Succeeded)
	assert.Equal(t, puts, remote.Calls(memprovider.OpPutBlob))
	assert.Equal(t, manifestWrites, remote.Calls(memprovider.OpPutManifest))

	marker, err := remote.GetLockMarker(context.Background(), repo)
	require.NoError(t, err)
	assert.Nil(t, marker, "lock released")
}

func TestSession_TwoDevicesConverge(t *testing.T) {
	remote := memprovider.New()
	laptop := newDevice(t, "laptop", remote)
	phone := newDevice(t, "phone", remote)

	laptop.write(t, "A", "v1", 100)
	laptop.mustSync(t)
	phone.mustSync(t)
	assert.Equal(t, "v1", phone.content(t, "A"))

	// remote side changes, local side untouched: download
	laptop.write(t, "A", "v2", 200)
	laptop.mustSync(t)
	res := phone.mustSync(t)
	assert.Equal(t, []string{"A"}, res.Succeeded)
	assert.Equal(t, diff.Download, res.Plan.Actions[0].Kind)
	assert.Equal(t, "v2", phone.content(t, "A"))

	// local side changes, remote untouched: upload
	phone.write(t, "A", "v3", 150)
	res = phone.mustSync(t)
	assert.Equal(t, diff.Upload, res.Plan.Actions[0].Kind)
	laptop.mustSync(t)
	assert.Equal(t, "v3", laptop.content(t, "A"))

	for _, d := range []*device{laptop, phone} {
		res := d.mustSync(t)
		assert.True(t, res.Plan.Empty())
	}
}

func TestSession_ConflictLeavesOtherFilesSyncing(t *testing.T) {
	remote := memprovider.New()
	laptop := newDevice(t, "laptop", remote)
	phone := newDevice(t, "phone", remote)

	laptop.write(t, "C", "base", 100)
	laptop.mustSync(t)
	phone.mustSync(t)

	laptop.write(t, "C", "laptop edit", 180)
	laptop.write(t, "other", "unrelated", 100)
	laptop.mustSync(t)

	phone.write(t, "C", "phone edit", 150)
	res := phone.mustSync(t)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "C", res.Conflicts[0].FileID)
	assert.Equal(t, []string{"other"}, res.Succeeded)
	assert.Equal(t, "phone edit", phone.content(t, "C"), "conflicted file untouched")

	baselines, err := phone.store.Baselines(context.Background(), repo)
	require.NoError(t, err)
	assert.Equal(t, manifest.Checksum([]byte("base")), baselines["C"].LastSyncedChecksum)

	// the conflict is reported again until resolved
	res = phone.mustSync(t)
	require.Len(t, res.Conflicts, 1)

	opts := phone.options()
	opts.Resolutions = map[string]diff.Resolution{"C": diff.KeepLocal}
	res, err = phone.sync(t, opts)
	require.NoError(t, err)
	assert.Empty(t, res.Conflicts)
	assert.Equal(t, []string{"C"}, res.Succeeded)

	laptop.mustSync(t)
	assert.Equal(t, "phone edit", laptop.content(t, "C"))
}

func TestSession_PolicyResolvesConflicts(t *testing.T) {
	remote := memprovider.New()
	laptop := newDevice(t, "laptop", remote)
	phone := newDevice(t, "phone", remote)

	laptop.write(t, "C", "base", 100)
	laptop.mustSync(t)
	phone.mustSync(t)

	laptop.write(t, "C", "laptop edit", 180)
	laptop.mustSync(t)
	phone.write(t, "C", "phone edit", 150)

	opts := phone.options()
	opts.Policy = diff.PolicyKeepRemote
	res, err := phone.sync(t, opts)
	require.NoError(t, err)
	assert.Empty(t, res.Conflicts)
	assert.Equal(t, "laptop edit", phone.content(t, "C"))
}

func TestSession_ResolverRunsAlongsideTransfers(t *testing.T) {
	remote := memprovider.New()
	laptop := newDevice(t, "laptop", remote)
	phone := newDevice(t, "phone", remote)

	laptop.write(t, "C", "base", 100)
	laptop.mustSync(t)
	phone.mustSync(t)

	laptop.write(t, "C", "laptop edit", 180)
	laptop.write(t, "other", "unrelated", 100)
	laptop.mustSync(t)
	phone.write(t, "C", "phone edit", 150)

	var asked []string
	opts := phone.options()
	opts.Resolver = ResolverFunc(func(ctx context.Context, conflicts []*diff.Conflict) (map[string]diff.Resolution, error) {
		for _, c := range conflicts {
			asked = append(asked, c.FileID)
		}
		return map[string]diff.Resolution{"C": diff.KeepRemote}, nil
	})

	s, err := New(phone.deps, opts)
	require.NoError(t, err)

	var states []State
	done := make(chan struct{})
	events := s.Subscribe()
	go func() {
		defer close(done)
		for p := range events {
			if len(states) == 0 || states[len(states)-1] != p.State {
				states = append(states, p.State)
			}
		}
	}()

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	<-done

	assert.Equal(t, []string{"C"}, asked)
	assert.Empty(t, res.Conflicts)
	assert.Equal(t, []string{"C", "other"}, res.Succeeded)
	assert.Equal(t, "laptop edit", phone.content(t, "C"))
	assert.Contains(t, states, StateAwaitingResolution)
	assert.Equal(t, StateDone, states[len(states)-1])

	p := s.Progress()
	assert.Equal(t, 2, p.ActionsPlanned)
	assert.Equal(t, 2, p.ActionsCompleted)
	assert.Equal(t, 0, p.Conflicts)
}

func TestSession_ResolverErrorLeavesConflictsOpen(t *testing.T) {
	remote := memprovider.New()
	laptop := newDevice(t, "laptop", remote)
	phone := newDevice(t, "phone", remote)

	laptop.write(t, "C", "base", 100)
	laptop.mustSync(t)
	phone.mustSync(t)
	laptop.write(t, "C", "laptop edit", 180)
	laptop.mustSync(t)
	phone.write(t, "C", "phone edit", 150)

	opts := phone.options()
	opts.Resolver = ResolverFunc(func(ctx context.Context, conflicts []*diff.Conflict) (map[string]diff.Resolution, error) {
		return nil, errors.New("user closed the dialog")
	})
	res, err := phone.sync(t, opts)
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "phone edit", phone.content(t, "C"))
}

func TestSession_PartialFailureIsolation(t *testing.T) {
	remote := memprovider.New()
	d := newDevice(t, "laptop", remote)
	d.write(t, "a", "aaa", 100)
	d.write(t, "bad", "bbb", 100)
	d.write(t, "c", "ccc", 100)

	authErr := syncerr.New(syncerr.KindProviderAuth, "put", errors.New("forbidden"))
	remote.FailNext(memprovider.OpPutBlob, "bad", 1, authErr)

	res := d.mustSync(t)
	assert.Equal(t, []string{"a", "c"}, res.Succeeded)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "bad", res.Failed[0].FileID)
	assert.Equal(t, syncerr.KindProviderAuth, res.Failed[0].Kind)
	assert.Equal(t, diff.Upload, res.Failed[0].Action)

	rm := remoteManifest(t, remote)
	assert.Contains(t, rm.Files, "a")
	assert.Contains(t, rm.Files, "c")
	assert.NotContains(t, rm.Files, "bad")

	baselines, err := d.store.Baselines(context.Background(), repo)
	require.NoError(t, err)
	assert.NotContains(t, baselines, "bad")

	res = d.mustSync(t)
	assert.Equal(t, []string{"bad"}, res.Succeeded)
}

func TestSession_UploadChecksumMismatchIsRetriedNextSync(t *testing.T) {
	remote := memprovider.New()
	d := newDevice(t, "laptop", remote)
	d.write(t, "D", "document", 100)
	remote.CorruptOnPut("D")

	res := d.mustSync(t)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, syncerr.KindChecksumMismatch, res.Failed[0].Kind)

	baselines, err := d.store.Baselines(context.Background(), repo)
	require.NoError(t, err)
	assert.NotContains(t, baselines, "D")

	res, err = d.sync(t, Options{RepositoryID: repo, OwnerID: "laptop", DryRun: true})
	require.NoError(t, err)
	require.Len(t, res.Plan.Actions, 1)
	assert.Equal(t, diff.Upload, res.Plan.Actions[0].Kind)
}

func TestSession_DeletionPropagates(t *testing.T) {
	remote := memprovider.New()
	laptop := newDevice(t, "laptop", remote)
	phone := newDevice(t, "phone", remote)

	laptop.write(t, "x", "doomed", 100)
	laptop.mustSync(t)
	phone.mustSync(t)

	laptop.remove(t, "x")
	res := laptop.mustSync(t)
	assert.Equal(t, diff.DeleteRemote, res.Plan.Actions[0].Kind)
	_, ok := remote.Blob("x")
	assert.False(t, ok)
	assert.True(t, remoteManifest(t, remote).Tombstoned("x"))

	res = phone.mustSync(t)
	assert.Equal(t, diff.DeleteLocal, res.Plan.Actions[0].Kind)
	_, err := phone.local.Get(context.Background(), "x")
	assert.ErrorIs(t, err, syncerr.ErrNotFound)

	m, err := phone.store.Load(context.Background(), repo)
	require.NoError(t, err)
	assert.True(t, m.Tombstoned("x"))
}

func TestSession_LockUnavailable(t *testing.T) {
	remote := memprovider.New()
	d := newDevice(t, "laptop", remote)
	d.write(t, "a", "a", 100)

	other := lock.NewCoordinator(remote)
	token, err := other.Acquire(context.Background(), repo, "phone", time.Minute)
	require.NoError(t, err)

	s, err := New(d.deps, d.options())
	require.NoError(t, err)
	res, err := s.Run(context.Background())
	assert.ErrorIs(t, err, syncerr.ErrLockUnavailable)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, 0, remote.Calls(memprovider.OpPutBlob))

	marker, err := remote.GetLockMarker(context.Background(), repo)
	require.NoError(t, err)
	assert.Equal(t, token.Value, marker.Token, "the holder keeps its lock")
}

func TestSession_LockLostBeforeCommit(t *testing.T) {
	remote := memprovider.New()
	d := newDevice(t, "laptop", remote)
	d.write(t, "a", "a", 100)

	thief := &provider.LockMarker{
		RepositoryID: repo,
		OwnerID:      "phone",
		Token:        "stolen",
		AcquiredAt:   time.Now().UTC(),
		ExpiresAt:    time.Now().Add(time.Hour).UTC(),
	}
	var once sync.Once
	remote.SetHook(func(ctx context.Context, op memprovider.Op, key string) error {
		if op == memprovider.OpPutBlob {
			once.Do(func() {
				assert.NoError(t, remote.PutLockMarker(context.Background(), thief))
			})
		}
		return nil
	})

	res, err := d.sync(t, d.options())
	assert.ErrorIs(t, err, syncerr.ErrLockLost)
	assert.Equal(t, StateFailed, res.State)

	_, err = remote.FetchManifest(context.Background(), repo)
	assert.ErrorIs(t, err, syncerr.ErrNotFound, "remote manifest not written")
	baselines, err := d.store.Baselines(context.Background(), repo)
	require.NoError(t, err)
	assert.Empty(t, baselines, "nothing committed")

	marker, err := remote.GetLockMarker(context.Background(), repo)
	require.NoError(t, err)
	assert.Equal(t, "stolen", marker.Token)
}

func TestSession_LockLostDuringTransfer(t *testing.T) {
	remote := memprovider.New()
	d := newDeviceWith(t, "laptop", remote, 1)
	d.write(t, "a", "a", 100)
	d.write(t, "b", "bb", 100)
	d.write(t, "c", "ccc", 100)

	thief := &provider.LockMarker{
		RepositoryID: repo,
		OwnerID:      "phone",
		Token:        "stolen",
		AcquiredAt:   time.Now().UTC(),
		ExpiresAt:    time.Now().Add(time.Hour).UTC(),
	}
	var (
		stolen  atomic.Bool
		noticed = make(chan struct{})
		once    sync.Once
	)
	remote.SetHook(func(ctx context.Context, op memprovider.Op, key string) error {
		switch {
		case op == memprovider.OpPutBlob && key == "a":
			assert.NoError(t, remote.PutLockMarker(context.Background(), thief))
			stolen.Store(true)
			// hold the first upload until a periodic renew has read the marker
			select {
			case <-noticed:
			case <-time.After(5 * time.Second):
			}
			time.Sleep(50 * time.Millisecond)
		case op == memprovider.OpGetLockMarker && stolen.Load():
			once.Do(func() { close(noticed) })
		}
		return nil
	})

	opts := d.options()
	opts.LockTTL = time.Minute
	opts.RenewInterval = 10 * time.Millisecond
	res, err := d.sync(t, opts)
	assert.ErrorIs(t, err, syncerr.ErrLockLost)
	assert.Equal(t, StateFailed, res.State)

	assert.Equal(t, []string{"a"}, res.Succeeded, "the in-flight upload finishes")
	require.Len(t, res.Failed, 2)
	for _, f := range res.Failed {
		assert.Equal(t, syncerr.KindCancelled, f.Kind)
		assert.ErrorIs(t, f.Err, syncerr.ErrLockLost)
	}
	assert.Equal(t, 1, remote.Calls(memprovider.OpPutBlob))

	_, err = remote.FetchManifest(context.Background(), repo)
	assert.ErrorIs(t, err, syncerr.ErrNotFound, "remote manifest not written")
	baselines, err := d.store.Baselines(context.Background(), repo)
	require.NoError(t, err)
	assert.Empty(t, baselines)
}

func TestSession_TimeoutFailsAndReleasesLock(t *testing.T) {
	remote := memprovider.New()
	laptop := newDevice(t, "laptop", remote)
	phone := newDevice(t, "phone", remote)

	laptop.write(t, "C", "base", 100)
	laptop.mustSync(t)
	phone.mustSync(t)
	laptop.write(t, "C", "laptop edit", 180)
	laptop.mustSync(t)
	phone.write(t, "C", "phone edit", 150)

	// a resolver that ignores ctx, like a prompt nobody answers
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	opts := phone.options()
	opts.SessionTimeout = 100 * time.Millisecond
	opts.Resolver = ResolverFunc(func(ctx context.Context, conflicts []*diff.Conflict) (map[string]diff.Resolution, error) {
		<-block
		return map[string]diff.Resolution{"C": diff.KeepRemote}, nil
	})

	start := time.Now()
	res, err := phone.sync(t, opts)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.ErrorIs(t, err, syncerr.ErrCancelled)
	assert.ErrorIs(t, err, errSessionTimeout)
	assert.Equal(t, StateFailed, res.State)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "phone edit", phone.content(t, "C"))

	marker, err := remote.GetLockMarker(context.Background(), repo)
	require.NoError(t, err)
	assert.Nil(t, marker, "lock released after the timeout")

	baselines, err := phone.store.Baselines(context.Background(), repo)
	require.NoError(t, err)
	assert.Equal(t, manifest.Checksum([]byte("base")), baselines["C"].LastSyncedChecksum)
}

func TestSession_CorruptRemoteManifestFails(t *testing.T) {
	remote := memprovider.New()
	d := newDevice(t, "laptop", remote)
	remote.SetRawManifest(repo, []byte(`{"repositoryId":"space-1","schemaVersion":"2.0.0","files":{}}`))

	res, err := d.sync(t, d.options())
	assert.ErrorIs(t, err, syncerr.ErrSchemaUnsupported)
	assert.Equal(t, StateFailed, res.State)

	marker, err := remote.GetLockMarker(context.Background(), repo)
	require.NoError(t, err)
	assert.Nil(t, marker, "lock released after failure")
}

func TestSession_DryRun(t *testing.T) {
	remote := memprovider.New()
	d := newDevice(t, "laptop", remote)
	d.write(t, "a", "a", 100)

	res, err := d.sync(t, Options{RepositoryID: repo, DryRun: true})
	require.NoError(t, err)
	require.Len(t, res.Plan.Actions, 1)
	assert.Equal(t, diff.Upload, res.Plan.Actions[0].Kind)

	assert.Equal(t, 0, remote.Calls(memprovider.OpPutLockMarker))
	assert.Equal(t, 0, remote.Calls(memprovider.OpPutBlob))
	assert.Equal(t, 0, remote.Calls(memprovider.OpPutManifest))
}

func TestSession_CancelledContext(t *testing.T) {
	d := newDevice(t, "laptop", memprovider.New())
	s, err := New(d.deps, d.options())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Run(ctx)
	assert.ErrorIs(t, err, syncerr.ErrCancelled)
}

func TestSession_RunsOnce(t *testing.T) {
	d := newDevice(t, "laptop", memprovider.New())
	s, err := New(d.deps, d.options())
	require.NoError(t, err)

	_, err = s.Run(context.Background())
	require.NoError(t, err)
	_, err = s.Run(context.Background())
	assert.ErrorIs(t, err, ErrSessionStarted)

	// subscribing after the end yields the final snapshot
	p, ok := <-s.Subscribe()
	require.True(t, ok)
	assert.Equal(t, StateDone, p.State)
	_, ok = <-s.Subscribe()
	assert.True(t, ok)
}

func TestNew_Validation(t *testing.T) {
	d := newDevice(t, "laptop", memprovider.New())

	_, err := New(d.deps, Options{OwnerID: "x"})
	assert.Error(t, err)

	_, err = New(d.deps, Options{RepositoryID: repo})
	assert.Error(t, err, "owner required")

	_, err = New(Deps{Store: d.store, Provider: d.remote}, Options{RepositoryID: repo, OwnerID: "x"})
	assert.Error(t, err)

	_, err = New(Deps{Store: d.store, Provider: d.remote}, Options{RepositoryID: repo, DryRun: true})
	assert.NoError(t, err)
}

package transfer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openmined/spacesync/internal/diff"
	"github.com/openmined/spacesync/internal/localstore"
	"github.com/openmined/spacesync/internal/manifest"
	"github.com/openmined/spacesync/internal/provider/memprovider"
	"github.com/openmined/spacesync/internal/syncerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(concurrency int) Config {
	cfg := DefaultConfig()
	cfg.Concurrency = concurrency
	cfg.MaxAttempts = 3
	cfg.BaseBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	cfg.ActionTimeout = 5 * time.Second
	return cfg
}

type fixture struct {
	remote *memprovider.Provider
	local  *localstore.Memory
	orch   *Orchestrator
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{remote: memprovider.New(), local: localstore.NewMemory()}
	orch, err := New(f.remote, f.local, cfg)
	require.NoError(t, err)
	f.orch = orch
	return f
}

func entry(id, content string) *manifest.FileEntry {
	return &manifest.FileEntry{ID: id, Path: "/" + id, Name: id, Size: int64(len(content)), Checksum: manifest.Checksum([]byte(content))}
}

func (f *fixture) upload(t *testing.T, id, content string) *diff.Action {
	require.NoError(t, f.local.Put(context.Background(), id, []byte(content)))
	return &diff.Action{Kind: diff.Upload, FileID: id, Local: entry(id, content)}
}

func (f *fixture) download(t *testing.T, id, content string) *diff.Action {
	_, err := f.remote.PutBlob(context.Background(), id, []byte(content))
	require.NoError(t, err)
	return &diff.Action{Kind: diff.Download, FileID: id, Remote: entry(id, content)}
}

func byID(results []*Result) map[string]*Result {
	m := make(map[string]*Result, len(results))
	for _, r := range results {
		m[r.Action.FileID] = r
	}
	return m
}

func TestExecute_AllKinds(t *testing.T) {
	f := newFixture(t, testConfig(4))
	ctx := context.Background()

	require.NoError(t, f.local.Put(ctx, "gone-local", []byte("x")))
	_, err := f.remote.PutBlob(ctx, "gone-remote", []byte("y"))
	require.NoError(t, err)

	actions := []*diff.Action{
		f.upload(t, "up", "local content"),
		f.download(t, "down", "remote content"),
		{Kind: diff.DeleteLocal, FileID: "gone-local", Local: entry("gone-local", "x")},
		{Kind: diff.DeleteRemote, FileID: "gone-remote", Tombstone: &manifest.Tombstone{ID: "gone-remote", Kind: manifest.TombstoneFile}},
	}

	results, delta := f.orch.Execute(ctx, actions, nil)
	require.Len(t, results, 4)
	for _, r := range results {
		assert.True(t, r.OK(), "%s: %v", r.Action, r.Err)
		assert.Equal(t, 1, r.Attempts)
	}

	blob, ok := f.remote.Blob("up")
	require.True(t, ok)
	assert.Equal(t, "local content", string(blob))

	data, err := f.local.Get(ctx, "down")
	require.NoError(t, err)
	assert.Equal(t, "remote content", string(data))

	_, err = f.local.Get(ctx, "gone-local")
	assert.ErrorIs(t, err, syncerr.ErrNotFound)
	_, ok = f.remote.Blob("gone-remote")
	assert.False(t, ok)

	assert.Contains(t, delta.Uploaded, "up")
	assert.Contains(t, delta.Downloaded, "down")
	assert.Contains(t, delta.DeletedLocal, "gone-local")
	assert.Contains(t, delta.DeletedRemote, "gone-remote")
	assert.Equal(t, 4, delta.Transfers())
}

func TestExecute_Ordering(t *testing.T) {
	f := newFixture(t, testConfig(1))

	actions := []*diff.Action{
		f.upload(t, "big", "0123456789"),
		f.upload(t, "small", "0"),
		{Kind: diff.DeleteRemote, FileID: "del"},
		f.upload(t, "mid", "01234"),
	}

	var order []string
	f.orch.Execute(context.Background(), actions, func(r *Result) {
		order = append(order, r.Action.FileID)
	})
	assert.Equal(t, []string{"del", "small", "mid", "big"}, order)
}

func TestExecute_PartialFailureIsolation(t *testing.T) {
	f := newFixture(t, testConfig(3))
	authErr := syncerr.New(syncerr.KindProviderAuth, "put", errors.New("token revoked for this folder"))
	f.remote.FailNext(memprovider.OpPutBlob, "bad", 10, authErr)

	actions := []*diff.Action{
		f.upload(t, "a", "aaa"),
		f.upload(t, "bad", "bbb"),
		f.upload(t, "c", "ccc"),
		f.download(t, "d", "ddd"),
	}

	results, delta := f.orch.Execute(context.Background(), actions, nil)
	res := byID(results)

	require.False(t, res["bad"].OK())
	assert.Equal(t, syncerr.KindProviderAuth, res["bad"].Kind())
	assert.Equal(t, 1, res["bad"].Attempts, "auth errors are not retried")

	for _, id := range []string{"a", "c", "d"} {
		assert.True(t, res[id].OK(), id)
	}
	assert.NotContains(t, delta.Uploaded, "bad")
	assert.Len(t, delta.Uploaded, 2)
	assert.Len(t, delta.Downloaded, 1)
}

func TestExecute_RetriesTransientErrors(t *testing.T) {
	f := newFixture(t, testConfig(2))
	transient := syncerr.New(syncerr.KindProviderTransient, "fetch", errors.New("503"))
	f.remote.FailNext(memprovider.OpFetchBlob, "flaky", 2, transient)

	results, delta := f.orch.Execute(context.Background(), []*diff.Action{f.download(t, "flaky", "content")}, nil)
	require.Len(t, results, 1)
	assert.True(t, results[0].OK())
	assert.Equal(t, 3, results[0].Attempts)
	assert.Contains(t, delta.Downloaded, "flaky")
}

func TestExecute_RetriesExhausted(t *testing.T) {
	f := newFixture(t, testConfig(2))
	transient := syncerr.New(syncerr.KindProviderTransient, "put", errors.New("timeout"))
	f.remote.FailNext(memprovider.OpPutBlob, "", 100, transient)

	results, delta := f.orch.Execute(context.Background(), []*diff.Action{f.upload(t, "u", "x")}, nil)
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, syncerr.ErrProviderTransient)
	assert.Equal(t, 3, results[0].Attempts)
	assert.True(t, delta.Empty())
}

func TestExecute_UploadChecksumMismatch(t *testing.T) {
	f := newFixture(t, testConfig(2))
	f.remote.CorruptOnPut("D")

	results, delta := f.orch.Execute(context.Background(), []*diff.Action{
		f.upload(t, "D", "document d"),
		f.upload(t, "E", "document e"),
	}, nil)
	res := byID(results)

	assert.ErrorIs(t, res["D"].Err, syncerr.ErrChecksumMismatch)
	assert.Equal(t, 1, res["D"].Attempts)
	assert.True(t, res["E"].OK())
	assert.NotContains(t, delta.Uploaded, "D")
	assert.Contains(t, delta.Uploaded, "E")
}

func TestExecute_DownloadChecksumMismatch(t *testing.T) {
	f := newFixture(t, testConfig(1))
	a := f.download(t, "D", "payload")
	f.remote.CorruptOnFetch("D")

	results, delta := f.orch.Execute(context.Background(), []*diff.Action{a}, nil)
	assert.ErrorIs(t, results[0].Err, syncerr.ErrChecksumMismatch)
	assert.True(t, delta.Empty())

	_, err := f.local.Get(context.Background(), "D")
	assert.ErrorIs(t, err, syncerr.ErrNotFound, "corrupt content never reaches the local store")
}

func TestExecute_LocalContentDoesNotMatchEntry(t *testing.T) {
	f := newFixture(t, testConfig(1))
	a := f.upload(t, "x", "declared")
	require.NoError(t, f.local.Put(context.Background(), "x", []byte("edited after the manifest was written")))

	results, _ := f.orch.Execute(context.Background(), []*diff.Action{a}, nil)
	assert.ErrorIs(t, results[0].Err, syncerr.ErrChecksumMismatch)
	assert.Equal(t, 0, f.remote.Calls(memprovider.OpPutBlob))
}

func TestExecute_DedupesDownloadsByChecksum(t *testing.T) {
	f := newFixture(t, testConfig(1))
	a := f.download(t, "copy-1", "shared")
	b := f.download(t, "copy-2", "shared")

	results, delta := f.orch.Execute(context.Background(), []*diff.Action{a, b}, nil)
	for _, r := range results {
		assert.True(t, r.OK())
	}
	assert.Equal(t, 1, f.remote.Calls(memprovider.OpFetchBlob))
	assert.Len(t, delta.Downloaded, 2)

	data, err := f.local.Get(context.Background(), "copy-2")
	require.NoError(t, err)
	assert.Equal(t, "shared", string(data))
}

func TestExecute_DedupeIsScopedToOneCall(t *testing.T) {
	f := newFixture(t, testConfig(2))
	a := f.download(t, "copy-1", "shared")
	b := f.download(t, "copy-2", "shared")

	f.orch.Execute(context.Background(), []*diff.Action{a, b}, nil)
	require.Equal(t, 1, f.remote.Calls(memprovider.OpFetchBlob))

	c := f.download(t, "copy-3", "shared")
	results, _ := f.orch.Execute(context.Background(), []*diff.Action{c}, nil)
	require.True(t, results[0].OK())
	assert.Equal(t, 2, f.remote.Calls(memprovider.OpFetchBlob), "nothing is cached across calls")
}

func TestExecute_LocalEditDuringDownload(t *testing.T) {
	f := newFixture(t, testConfig(1))
	ctx := context.Background()
	require.NoError(t, f.local.Put(ctx, "doc", []byte("v1")))

	a := f.download(t, "doc", "v2")
	a.Local = entry("doc", "v1")
	f.remote.SetHook(func(ctx context.Context, op memprovider.Op, key string) error {
		if op == memprovider.OpFetchBlob && key == "doc" {
			return f.local.Put(ctx, "doc", []byte("v3 edited meanwhile"))
		}
		return nil
	})

	results, delta := f.orch.Execute(ctx, []*diff.Action{a}, nil)
	assert.ErrorIs(t, results[0].Err, syncerr.ErrLocalChanged)
	assert.Equal(t, 1, results[0].Attempts, "a local change is not retried")
	assert.True(t, delta.Empty())

	data, err := f.local.Get(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, "v3 edited meanwhile", string(data))
}

func TestExecute_LocalEditBeforeDelete(t *testing.T) {
	f := newFixture(t, testConfig(1))
	ctx := context.Background()
	require.NoError(t, f.local.Put(ctx, "gone", []byte("g2 edited after planning")))

	del := &diff.Action{Kind: diff.DeleteLocal, FileID: "gone", Local: entry("gone", "g1")}
	results, delta := f.orch.Execute(ctx, []*diff.Action{del}, nil)
	assert.ErrorIs(t, results[0].Err, syncerr.ErrLocalChanged)
	assert.True(t, delta.Empty())

	_, err := f.local.Get(ctx, "gone")
	assert.NoError(t, err)
}

func TestExecute_CancelledBeforeStart(t *testing.T) {
	f := newFixture(t, testConfig(2))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, delta := f.orch.Execute(ctx, []*diff.Action{f.upload(t, "a", "1"), f.upload(t, "b", "2")}, nil)
	for _, r := range results {
		assert.ErrorIs(t, r.Err, syncerr.ErrCancelled)
	}
	assert.True(t, delta.Empty())
	assert.Equal(t, 0, f.remote.Calls(memprovider.OpPutBlob))
}

func TestExecute_InFlightTransferFinishesOnCancel(t *testing.T) {
	f := newFixture(t, testConfig(1))
	lockLost := errors.New("lock lost")

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.remote.SetHook(func(ctx context.Context, op memprovider.Op, key string) error {
		if op == memprovider.OpPutBlob && key == "first" {
			once.Do(func() { close(started) })
			<-release
		}
		return nil
	})

	actions := []*diff.Action{
		f.upload(t, "first", "1"),
		f.upload(t, "second", "22"),
		f.upload(t, "third", "333"),
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	done := make(chan []*Result)
	go func() {
		results, _ := f.orch.Execute(ctx, actions, nil)
		done <- results
	}()

	<-started
	cancel(lockLost)
	close(release)

	res := byID(<-done)
	assert.True(t, res["first"].OK(), "the in-flight upload completes")
	for _, id := range []string{"second", "third"} {
		assert.ErrorIs(t, res[id].Err, syncerr.ErrCancelled)
		assert.ErrorIs(t, res[id].Err, lockLost)
	}
}

func TestExecute_PackageFunction(t *testing.T) {
	remote := memprovider.New()
	local := localstore.NewMemory()
	require.NoError(t, local.Put(context.Background(), "a", []byte("a")))

	results, delta, err := Execute(context.Background(), []*diff.Action{
		{Kind: diff.Upload, FileID: "a", Local: entry("a", "a")},
	}, remote, local, 2)
	require.NoError(t, err)
	assert.True(t, results[0].OK())
	assert.Contains(t, delta.Uploaded, "a")

	_, _, err = Execute(context.Background(), nil, remote, local, 0)
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.MaxAttempts = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxBackoff = time.Millisecond
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.RateLimit = 50
	_, err := New(memprovider.New(), localstore.NewMemory(), cfg)
	assert.NoError(t, err)
}

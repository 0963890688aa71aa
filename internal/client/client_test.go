package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openmined/spacesync/internal/client/config"
	"github.com/openmined/spacesync/internal/diff"
	"github.com/openmined/spacesync/internal/manifest"
	"github.com/openmined/spacesync/internal/provider"
	"github.com/openmined/spacesync/internal/provider/memprovider"
	"github.com/openmined/spacesync/internal/session"
	"github.com/openmined/spacesync/internal/syncerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const repo = "notes"

func sharedRegistry(remote *memprovider.Provider) *provider.Registry {
	r := provider.NewRegistry()
	r.Register(memprovider.TypeName, func(ctx context.Context, s provider.Settings) (provider.Client, error) {
		return remote, nil
	})
	return r
}

func newClient(t *testing.T, owner string, remote *memprovider.Provider) *Client {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Path = ""
	cfg.OwnerID = owner
	cfg.Transfer.BaseBackoff = time.Millisecond
	cfg.Transfer.MaxBackoff = 5 * time.Millisecond
	cfg.Repositories = []config.RepositoryConfig{
		{ID: repo, Provider: provider.Settings{Type: memprovider.TypeName}},
	}

	c, err := New(cfg, WithRegistry(sharedRegistry(remote)))
	require.NoError(t, err)
	require.NoError(t, c.Open())
	t.Cleanup(func() { c.Close() })
	return c
}

func mustSync(t *testing.T, c *Client) *session.SyncResult {
	t.Helper()
	res, err := c.Sync(context.Background(), repo, SyncOptions{})
	require.NoError(t, err)
	require.Equal(t, session.StateDone, res.State)
	return res
}

func TestClient_DocumentsRoundTrip(t *testing.T) {
	remote := memprovider.New()
	laptop := newClient(t, "laptop", remote)
	phone := newClient(t, "phone", remote)
	ctx := context.Background()

	entry, err := laptop.PutDocument(ctx, repo, Document{Path: "/journal/monday.md"}, []byte("# monday"))
	require.NoError(t, err)
	assert.Equal(t, "monday.md", entry.Name)
	assert.NotEmpty(t, entry.ID)

	plan, err := laptop.Plan(ctx, repo)
	require.NoError(t, err)
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, diff.Upload, plan.Actions[0].Kind)

	var snapshots []session.Progress
	res, err := laptop.Sync(ctx, repo, SyncOptions{Progress: func(p session.Progress) {
		snapshots = append(snapshots, p)
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{entry.ID}, res.Succeeded)
	require.NotEmpty(t, snapshots)
	assert.Equal(t, session.StateDone, snapshots[len(snapshots)-1].State)

	mustSync(t, phone)
	data, err := phone.ReadDocument(ctx, repo, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "# monday", string(data))

	docs, err := phone.ListDocuments(ctx, repo)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "/journal/monday.md", docs[0].Path)

	// edits keep the id and move the timestamp forward
	edited, err := phone.PutDocument(ctx, repo, Document{ID: entry.ID, Path: entry.Path}, []byte("# monday\nrain"))
	require.NoError(t, err)
	assert.Greater(t, edited.ContentTimestamp, int64(0))
	mustSync(t, phone)
	mustSync(t, laptop)
	data, err = laptop.ReadDocument(ctx, repo, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "# monday\nrain", string(data))

	require.NoError(t, laptop.DeleteDocument(ctx, repo, entry.ID))
	assert.ErrorIs(t, laptop.DeleteDocument(ctx, repo, entry.ID), syncerr.ErrNotFound)
	mustSync(t, laptop)
	mustSync(t, phone)
	_, err = phone.ReadDocument(ctx, repo, entry.ID)
	assert.ErrorIs(t, err, syncerr.ErrNotFound)

	for _, c := range []*Client{laptop, phone} {
		plan, err := c.Plan(ctx, repo)
		require.NoError(t, err)
		assert.True(t, plan.Empty())
	}
}

func TestClient_FoldersPropagate(t *testing.T) {
	remote := memprovider.New()
	laptop := newClient(t, "laptop", remote)
	phone := newClient(t, "phone", remote)
	ctx := context.Background()

	parent, err := laptop.PutFolder(ctx, repo, "/journal", "")
	require.NoError(t, err)
	child, err := laptop.PutFolder(ctx, repo, "/journal/2026", parent.ID)
	require.NoError(t, err)
	_, err = laptop.PutFolder(ctx, repo, "/orphan", "missing")
	assert.Error(t, err)

	mustSync(t, laptop)
	mustSync(t, phone)

	m, err := phone.Manifest(ctx, repo)
	require.NoError(t, err)
	assert.Contains(t, m.Folders, parent.ID)
	assert.Equal(t, parent.ID, m.Folders[child.ID].ParentID)

	require.NoError(t, phone.DeleteFolder(ctx, repo, child.ID))
	mustSync(t, phone)
	mustSync(t, laptop)

	m, err = laptop.Manifest(ctx, repo)
	require.NoError(t, err)
	assert.NotContains(t, m.Folders, child.ID)
	assert.True(t, m.Tombstoned(child.ID))
}

func TestClient_ConflictResolution(t *testing.T) {
	remote := memprovider.New()
	laptop := newClient(t, "laptop", remote)
	phone := newClient(t, "phone", remote)
	ctx := context.Background()

	doc, err := laptop.PutDocument(ctx, repo, Document{Path: "/todo.md"}, []byte("milk"))
	require.NoError(t, err)
	mustSync(t, laptop)
	mustSync(t, phone)

	_, err = laptop.PutDocument(ctx, repo, Document{ID: doc.ID, Path: doc.Path}, []byte("milk, eggs"))
	require.NoError(t, err)
	mustSync(t, laptop)
	_, err = phone.PutDocument(ctx, repo, Document{ID: doc.ID, Path: doc.Path}, []byte("milk, bread"))
	require.NoError(t, err)

	res := mustSync(t, phone)
	require.Len(t, res.Conflicts, 1)

	res, err = phone.Sync(ctx, repo, SyncOptions{Resolutions: map[string]diff.Resolution{doc.ID: diff.KeepRemote}})
	require.NoError(t, err)
	assert.Empty(t, res.Conflicts)

	data, err := phone.ReadDocument(ctx, repo, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "milk, eggs", string(data))
}

func TestClient_EditDuringSyncIsKept(t *testing.T) {
	remote := memprovider.New()
	laptop := newClient(t, "laptop", remote)
	phone := newClient(t, "phone", remote)
	ctx := context.Background()

	doc, err := laptop.PutDocument(ctx, repo, Document{Path: "/plan.md"}, []byte("v1"))
	require.NoError(t, err)
	mustSync(t, laptop)
	mustSync(t, phone)

	_, err = laptop.PutDocument(ctx, repo, Document{ID: doc.ID, Path: doc.Path}, []byte("v2-laptop"))
	require.NoError(t, err)
	mustSync(t, laptop)

	// the phone's user edits the document while its download is in flight
	var once sync.Once
	remote.SetHook(func(_ context.Context, op memprovider.Op, key string) error {
		if op != memprovider.OpFetchBlob || key != doc.ID {
			return nil
		}
		var err error
		once.Do(func() {
			_, err = phone.PutDocument(ctx, repo, Document{ID: doc.ID, Path: doc.Path}, []byte("v3-phone-edit"))
		})
		return err
	})

	res := mustSync(t, phone)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, syncerr.KindLocalChanged, res.Failed[0].Kind)
	remote.SetHook(nil)

	data, err := phone.ReadDocument(ctx, repo, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "v3-phone-edit", string(data))

	m, err := phone.Manifest(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, manifest.Checksum([]byte("v3-phone-edit")), m.Files[doc.ID].Checksum)

	// both sides changed since v1, so the next sync surfaces it
	res = mustSync(t, phone)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, doc.ID, res.Conflicts[0].FileID)
}

func TestClient_ReleaseLock(t *testing.T) {
	remote := memprovider.New()
	c := newClient(t, "laptop", remote)
	ctx := context.Background()

	require.NoError(t, c.ReleaseLock(ctx, repo, false), "nothing to release")

	now := time.Now().UTC()
	require.NoError(t, remote.PutLockMarker(ctx, &provider.LockMarker{
		RepositoryID: repo, OwnerID: "phone", Token: "t", AcquiredAt: now, ExpiresAt: now.Add(time.Hour),
	}))

	_, err := c.Sync(ctx, repo, SyncOptions{})
	assert.ErrorIs(t, err, syncerr.ErrLockUnavailable)

	marker, err := c.LockStatus(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, "phone", marker.OwnerID)

	assert.Error(t, c.ReleaseLock(ctx, repo, false), "live lock needs force")
	require.NoError(t, c.ReleaseLock(ctx, repo, true))

	marker, err = c.LockStatus(ctx, repo)
	require.NoError(t, err)
	assert.Nil(t, marker)
	mustSync(t, c)
}

func TestClient_UnknownRepository(t *testing.T) {
	c := newClient(t, "laptop", memprovider.New())
	_, err := c.Sync(context.Background(), "nope", SyncOptions{})
	assert.ErrorIs(t, err, config.ErrUnknownRepository)
	_, err = c.Manifest(context.Background(), "nope")
	assert.ErrorIs(t, err, config.ErrUnknownRepository)
}

package manifest

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelta_ApplyAndBaselines(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	local := New("r")
	local.PutFile(&FileEntry{ID: "up", Checksum: "u1", ContentTimestamp: 150})
	local.PutFile(&FileEntry{ID: "dl", Checksum: "old", ContentTimestamp: 100})
	local.PutFile(&FileEntry{ID: "gone", Checksum: "g"})
	local.DeleteFile("rm", now)

	remote := New("r")
	remote.PutFile(&FileEntry{ID: "dl", Checksum: "new", ContentTimestamp: 200})
	remote.PutFile(&FileEntry{ID: "rm", Checksum: "r"})

	d := NewDelta()
	d.Uploaded["up"] = local.Files["up"]
	d.Downloaded["dl"] = remote.Files["dl"]
	d.DeletedLocal["gone"] = &Tombstone{ID: "gone", Kind: TombstoneFile, DeletedAt: now}
	d.DeletedRemote["rm"] = local.Tombstones["rm"]
	d.Forgotten["ancient"] = struct{}{}

	d.ApplyLocal(local, now)
	d.ApplyRemote(remote, now)

	assert.Equal(t, "new", local.Files["dl"].Checksum)
	assert.NotContains(t, local.Files, "gone")
	assert.Contains(t, local.Tombstones, "gone")
	assert.Equal(t, "u1", remote.Files["up"].Checksum)
	assert.NotContains(t, remote.Files, "rm")
	assert.Contains(t, remote.Tombstones, "rm")
	assert.Equal(t, now, local.LastUpdated)

	set, drop := d.Baselines()
	sort.Slice(set, func(i, j int) bool { return set[i].FileID < set[j].FileID })
	sort.Strings(drop)
	assert.Equal(t, []Baseline{
		{FileID: "dl", LastSyncedTimestamp: 200, LastSyncedChecksum: "new"},
		{FileID: "up", LastSyncedTimestamp: 150, LastSyncedChecksum: "u1"},
	}, set)
	assert.Equal(t, []string{"ancient", "gone", "rm"}, drop)
	assert.True(t, d.RemoteChanged())
	assert.False(t, d.Empty())
	assert.True(t, NewDelta().Empty())
}

func TestDelta_Merge(t *testing.T) {
	a := NewDelta()
	a.Uploaded["x"] = &FileEntry{ID: "x"}
	a.Forgotten["old"] = struct{}{}

	b := NewDelta()
	b.Downloaded["y"] = &FileEntry{ID: "y"}
	b.DeletedRemote["z"] = &Tombstone{ID: "z", Kind: TombstoneFile}

	a.Merge(b)
	assert.Equal(t, 3, a.Transfers())
	assert.Contains(t, a.Forgotten, "old")
	assert.True(t, a.RemoteChanged())
}

func TestDelta_DropStale(t *testing.T) {
	before := &FileEntry{ID: "edited", Checksum: "v1"}

	live := New("r")
	live.PutFile(&FileEntry{ID: "edited", Checksum: "v3"})
	live.PutFile(&FileEntry{ID: "kept", Checksum: "k1"})
	live.PutFile(&FileEntry{ID: "recreated", Checksum: "x"})

	d := NewDelta()
	d.Downloaded["edited"] = &FileEntry{ID: "edited", Checksum: "v2"}
	d.LocalBefore["edited"] = before
	d.Downloaded["kept"] = &FileEntry{ID: "kept", Checksum: "k2"}
	d.LocalBefore["kept"] = &FileEntry{ID: "kept", Checksum: "k1"}
	d.Downloaded["recreated"] = &FileEntry{ID: "recreated", Checksum: "y"}
	d.LocalBefore["recreated"] = nil
	d.DeletedLocal["removed"] = &Tombstone{ID: "removed", Kind: TombstoneFile}
	d.LocalBefore["removed"] = &FileEntry{ID: "removed", Checksum: "r"}
	d.Downloaded["untracked"] = &FileEntry{ID: "untracked", Checksum: "u"}

	stale := d.DropStale(live)
	sort.Strings(stale)
	assert.Equal(t, []string{"edited", "recreated", "removed"}, stale)
	assert.Contains(t, d.Downloaded, "kept")
	assert.Contains(t, d.Downloaded, "untracked")
	assert.NotContains(t, d.Downloaded, "edited")
	assert.NotContains(t, d.DeletedLocal, "removed")

	set, _ := d.Baselines()
	for _, b := range set {
		assert.NotEqual(t, "edited", b.FileID)
	}
}

package manifest

import "time"

// Delta is the set of entries a sync commits as newly synced. It is produced
// by the transfer step and applied in a single atomic commit.
type Delta struct {
	// Downloaded entries are written into the local manifest.
	Downloaded map[string]*FileEntry
	// Uploaded entries are written into the remote manifest.
	Uploaded map[string]*FileEntry
	// DeletedLocal entries are removed from the local manifest with the given tombstone.
	DeletedLocal map[string]*Tombstone
	// DeletedRemote entries are removed from the remote manifest with the given tombstone.
	DeletedRemote map[string]*Tombstone
	// Adopted entries are already identical on both sides and only need a baseline.
	Adopted map[string]*FileEntry
	// Forgotten ids have no entry on either side any more and lose their baseline.
	Forgotten map[string]struct{}
	// Tombstones and Folders learned from the remote manifest.
	Tombstones map[string]*Tombstone
	Folders    map[string]*FolderEntry
	// LocalBefore holds, for every Downloaded and DeletedLocal id, the local
	// entry the transfer was planned against. A nil value means no entry.
	LocalBefore map[string]*FileEntry
}

func NewDelta() *Delta {
	return &Delta{
		Downloaded:    make(map[string]*FileEntry),
		Uploaded:      make(map[string]*FileEntry),
		DeletedLocal:  make(map[string]*Tombstone),
		DeletedRemote: make(map[string]*Tombstone),
		Adopted:       make(map[string]*FileEntry),
		Forgotten:     make(map[string]struct{}),
		Tombstones:    make(map[string]*Tombstone),
		Folders:       make(map[string]*FolderEntry),
		LocalBefore:   make(map[string]*FileEntry),
	}
}

// Transfers is the number of file entries that moved in either direction.
func (d *Delta) Transfers() int {
	return len(d.Downloaded) + len(d.Uploaded) + len(d.DeletedLocal) + len(d.DeletedRemote)
}

// Empty reports whether committing d would change nothing.
func (d *Delta) Empty() bool {
	return d.Transfers() == 0 &&
		len(d.Adopted) == 0 &&
		len(d.Forgotten) == 0 &&
		len(d.Tombstones) == 0 &&
		len(d.Folders) == 0
}

// RemoteChanged reports whether the remote manifest has to be rewritten.
func (d *Delta) RemoteChanged() bool {
	return len(d.Uploaded) > 0 || len(d.DeletedRemote) > 0
}

// DropStale removes the local writes whose file changed in m since the
// transfer was planned, so neither the entry nor its baseline is committed.
// It returns the dropped ids.
func (d *Delta) DropStale(m *Manifest) []string {
	var stale []string
	check := func(id string) bool {
		before, known := d.LocalBefore[id]
		if !known {
			return false
		}
		if sameContent(before, m.Files[id]) {
			return false
		}
		stale = append(stale, id)
		return true
	}
	for id := range d.Downloaded {
		if check(id) {
			delete(d.Downloaded, id)
		}
	}
	for id := range d.DeletedLocal {
		if check(id) {
			delete(d.DeletedLocal, id)
		}
	}
	return stale
}

func sameContent(a, b *FileEntry) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Checksum == b.Checksum
}

// ApplyLocal mutates the local manifest m.
func (d *Delta) ApplyLocal(m *Manifest, now time.Time) {
	for _, e := range d.Downloaded {
		m.PutFile(e.Clone())
	}
	for id, t := range d.DeletedLocal {
		delete(m.Files, id)
		m.Tombstones[id] = t.Clone()
	}
	for id, t := range d.Tombstones {
		if _, live := m.Files[id]; live {
			continue
		}
		if t.Kind == TombstoneFolder {
			delete(m.Folders, id)
		}
		m.Tombstones[id] = t.Clone()
	}
	for id, f := range d.Folders {
		if _, deleted := m.Tombstones[id]; deleted {
			continue
		}
		m.Folders[id] = f.Clone()
	}
	m.Touch(now)
}

// ApplyRemote mutates the remote manifest m.
func (d *Delta) ApplyRemote(m *Manifest, now time.Time) {
	for _, e := range d.Uploaded {
		m.PutFile(e.Clone())
	}
	for id, t := range d.DeletedRemote {
		delete(m.Files, id)
		m.Tombstones[id] = t.Clone()
	}
	m.Touch(now)
}

// Baselines returns the baselines to write and the file ids whose baseline is dropped.
func (d *Delta) Baselines() (set []Baseline, drop []string) {
	for _, group := range []map[string]*FileEntry{d.Downloaded, d.Uploaded, d.Adopted} {
		for _, e := range group {
			set = append(set, BaselineOf(e))
		}
	}
	for id := range d.DeletedLocal {
		drop = append(drop, id)
	}
	for id := range d.DeletedRemote {
		drop = append(drop, id)
	}
	for id := range d.Forgotten {
		drop = append(drop, id)
	}
	return set, drop
}

// Merge adds every entry of o to d.
func (d *Delta) Merge(o *Delta) {
	for id, e := range o.Downloaded {
		d.Downloaded[id] = e
	}
	for id, e := range o.Uploaded {
		d.Uploaded[id] = e
	}
	for id, t := range o.DeletedLocal {
		d.DeletedLocal[id] = t
	}
	for id, t := range o.DeletedRemote {
		d.DeletedRemote[id] = t
	}
	for id, e := range o.Adopted {
		d.Adopted[id] = e
	}
	for id := range o.Forgotten {
		d.Forgotten[id] = struct{}{}
	}
	for id, t := range o.Tombstones {
		d.Tombstones[id] = t
	}
	for id, f := range o.Folders {
		d.Folders[id] = f
	}
	for id, e := range o.LocalBefore {
		d.LocalBefore[id] = e
	}
}

package diff

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/spacesync/internal/manifest"
)

// ComputeActions compares local and remote manifests against the baselines of
// the last successful sync and returns the transfers needed and the genuine
// conflicts.
func ComputeActions(local, remote *manifest.Manifest, baselines []manifest.Baseline) ([]*Action, []*Conflict) {
	byID := make(map[string]manifest.Baseline, len(baselines))
	for _, b := range baselines {
		byID[b.FileID] = b
	}
	plan := Compute(local, remote, byID)
	return plan.Actions, plan.Conflicts
}

// Compute is ComputeActions with baselines keyed by file id, returning the
// full plan including baseline bookkeeping and metadata merges.
//
// A side counts as changed when its checksum differs from the baseline
// checksum. Timestamps only decide when a checksum is missing, so clock skew
// between devices never produces or hides a conflict.
func Compute(local, remote *manifest.Manifest, baselines map[string]manifest.Baseline) *Plan {
	plan := &Plan{}

	ids := mapset.NewThreadUnsafeSet[string]()
	for id := range local.Files {
		ids.Add(id)
	}
	for id := range remote.Files {
		ids.Add(id)
	}
	for id := range baselines {
		ids.Add(id)
	}

	for _, id := range sortedIDs(ids) {
		l := local.Files[id]
		r := remote.Files[id]
		var base *manifest.Baseline
		if b, ok := baselines[id]; ok {
			base = &b
		}

		switch {
		case l != nil && r != nil:
			planBoth(plan, l, r, base)

		case l != nil:
			if rt := remote.Tombstones[id]; rt != nil {
				if base != nil && !changedSince(l, base) {
					plan.Actions = append(plan.Actions, &Action{Kind: DeleteLocal, FileID: id, Local: l, Tombstone: rt})
				} else {
					plan.Conflicts = append(plan.Conflicts, &Conflict{FileID: id, Local: l, RemoteTombstone: rt, Baseline: base})
				}
				continue
			}
			plan.Actions = append(plan.Actions, &Action{Kind: Upload, FileID: id, Local: l})

		case r != nil:
			if lt := local.Tombstones[id]; lt != nil {
				if base != nil && !changedSince(r, base) {
					plan.Actions = append(plan.Actions, &Action{Kind: DeleteRemote, FileID: id, Remote: r, Tombstone: lt})
				} else {
					plan.Conflicts = append(plan.Conflicts, &Conflict{FileID: id, Remote: r, LocalTombstone: lt, Baseline: base})
				}
				continue
			}
			plan.Actions = append(plan.Actions, &Action{Kind: Download, FileID: id, Remote: r})

		default:
			// gone on both sides, only the baseline is left
			plan.Forget = append(plan.Forget, id)
		}
	}

	planMetadata(plan, local, remote)
	return plan
}

func planBoth(plan *Plan, l, r *manifest.FileEntry, base *manifest.Baseline) {
	if sameContent(l, r) {
		// converged independently, or the baseline table was lost
		if base == nil || changedSince(r, base) {
			plan.Adopt = append(plan.Adopt, r)
		}
		return
	}

	if base == nil {
		plan.Conflicts = append(plan.Conflicts, &Conflict{FileID: l.ID, Local: l, Remote: r})
		return
	}

	localChanged := changedSince(l, base)
	remoteChanged := changedSince(r, base)
	switch {
	case remoteChanged && !localChanged:
		plan.Actions = append(plan.Actions, &Action{Kind: Download, FileID: l.ID, Local: l, Remote: r})
	case localChanged && !remoteChanged:
		plan.Actions = append(plan.Actions, &Action{Kind: Upload, FileID: l.ID, Local: l, Remote: r})
	default:
		plan.Conflicts = append(plan.Conflicts, &Conflict{FileID: l.ID, Local: l, Remote: r, Baseline: base})
	}
}

func planMetadata(plan *Plan, local, remote *manifest.Manifest) {
	for _, id := range sortedKeys(remote.Tombstones) {
		if _, known := local.Tombstones[id]; known {
			continue
		}
		if _, live := local.Files[id]; live {
			continue
		}
		plan.Tombstones = append(plan.Tombstones, remote.Tombstones[id])
	}
	for _, id := range sortedKeys(remote.Folders) {
		if _, ok := local.Folders[id]; ok {
			continue
		}
		if _, deleted := local.Tombstones[id]; deleted {
			continue
		}
		plan.Folders = append(plan.Folders, remote.Folders[id])
	}

	for id := range local.Tombstones {
		if _, known := remote.Tombstones[id]; !known {
			if _, live := remote.Files[id]; !live {
				plan.RemoteNeedsMetadata = true
				return
			}
		}
	}
	for id := range local.Folders {
		if _, ok := remote.Folders[id]; !ok {
			if _, deleted := remote.Tombstones[id]; !deleted {
				plan.RemoteNeedsMetadata = true
				return
			}
		}
	}
}

// changedSince reports whether e moved away from the baseline.
func changedSince(e *manifest.FileEntry, base *manifest.Baseline) bool {
	if e.Checksum != "" && base.LastSyncedChecksum != "" {
		return e.Checksum != base.LastSyncedChecksum
	}
	return e.ContentTimestamp != base.LastSyncedTimestamp
}

func sameContent(a, b *manifest.FileEntry) bool {
	if a.Checksum != "" && b.Checksum != "" {
		return a.Checksum == b.Checksum
	}
	return a.Checksum == b.Checksum && a.ContentTimestamp == b.ContentTimestamp && a.Size == b.Size
}

func sortedIDs(set mapset.Set[string]) []string {
	ids := set.ToSlice()
	sort.Strings(ids)
	return ids
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

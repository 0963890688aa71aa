package diff

import (
	"fmt"

	"github.com/openmined/spacesync/internal/manifest"
)

type ActionKind string

const (
	Download     ActionKind = "download"
	Upload       ActionKind = "upload"
	DeleteLocal  ActionKind = "delete-local"
	DeleteRemote ActionKind = "delete-remote"
)

// Action is one planned transfer for a single file.
type Action struct {
	Kind   ActionKind
	FileID string
	// Local and Remote are snapshots of the entry on each side, nil when absent.
	Local  *manifest.FileEntry
	Remote *manifest.FileEntry
	// Tombstone is the deletion being propagated by DeleteLocal / DeleteRemote.
	Tombstone *manifest.Tombstone
}

// Entry returns the entry whose content moves: the remote one for a
// download, the local one for an upload.
func (a *Action) Entry() *manifest.FileEntry {
	switch a.Kind {
	case Download:
		return a.Remote
	case Upload:
		return a.Local
	}
	return nil
}

// Size is the number of content bytes the action moves.
func (a *Action) Size() int64 {
	if e := a.Entry(); e != nil {
		return e.Size
	}
	return 0
}

func (a *Action) String() string {
	return fmt.Sprintf("%s %s", a.Kind, a.FileID)
}

// Conflict is a file changed on both sides since the last sync. A nil entry
// means that side deleted the file; the tombstone is set instead.
type Conflict struct {
	FileID          string
	Local           *manifest.FileEntry
	Remote          *manifest.FileEntry
	LocalTombstone  *manifest.Tombstone
	RemoteTombstone *manifest.Tombstone
	Baseline        *manifest.Baseline
}

// Resolution is the caller's decision for one conflict.
type Resolution string

const (
	KeepLocal  Resolution = "keep-local"
	KeepRemote Resolution = "keep-remote"
)

// Action turns the conflict into the whole-file replacement r asks for.
func (c *Conflict) Action(r Resolution) (*Action, error) {
	switch r {
	case KeepLocal:
		if c.Local != nil {
			return &Action{Kind: Upload, FileID: c.FileID, Local: c.Local, Remote: c.Remote}, nil
		}
		return &Action{Kind: DeleteRemote, FileID: c.FileID, Remote: c.Remote, Tombstone: c.LocalTombstone}, nil
	case KeepRemote:
		if c.Remote != nil {
			return &Action{Kind: Download, FileID: c.FileID, Local: c.Local, Remote: c.Remote}, nil
		}
		return &Action{Kind: DeleteLocal, FileID: c.FileID, Local: c.Local, Tombstone: c.RemoteTombstone}, nil
	default:
		return nil, fmt.Errorf("unknown resolution %q", r)
	}
}

// Policy is the automatic conflict policy.
type Policy string

const (
	PolicyAsk        Policy = "ask"
	PolicyKeepLocal  Policy = "keep-local"
	PolicyKeepRemote Policy = "keep-remote"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyAsk, PolicyKeepLocal, PolicyKeepRemote:
		return p, nil
	case "":
		return PolicyAsk, nil
	default:
		return "", fmt.Errorf("invalid conflict policy %q (ask, keep-local, keep-remote)", s)
	}
}

// Plan is the outcome of comparing two manifests against the baselines.
type Plan struct {
	Actions   []*Action
	Conflicts []*Conflict

	// Adopt lists files identical on both sides whose baseline is missing or
	// outdated. Committing them needs no transfer.
	Adopt []*manifest.FileEntry
	// Forget lists baselines of files that exist on neither side.
	Forget []string

	// Tombstones and Folders only known to the remote side.
	Tombstones []*manifest.Tombstone
	Folders    []*manifest.FolderEntry
	// RemoteNeedsMetadata is set when the local side knows tombstones or
	// folders the remote manifest lacks.
	RemoteNeedsMetadata bool
}

// Empty reports whether the plan needs neither transfers nor a commit.
func (p *Plan) Empty() bool {
	return len(p.Actions) == 0 &&
		len(p.Conflicts) == 0 &&
		len(p.Adopt) == 0 &&
		len(p.Forget) == 0 &&
		len(p.Tombstones) == 0 &&
		len(p.Folders) == 0 &&
		!p.RemoteNeedsMetadata
}

// Count returns the number of actions of each kind.
func (p *Plan) Count() map[ActionKind]int {
	counts := make(map[ActionKind]int)
	for _, a := range p.Actions {
		counts[a.Kind]++
	}
	return counts
}

package session

import "sync"

// State is a step of the sync session lifecycle.
type State string

const (
	StateIdle               State = "idle"
	StateAcquiringLock      State = "acquiring-lock"
	StateFetchingManifests  State = "fetching-manifests"
	StateDiffing            State = "diffing"
	StateAwaitingResolution State = "awaiting-resolution"
	StateTransferring       State = "transferring"
	StateCommitting         State = "committing"
	StateReleasingLock      State = "releasing-lock"
	StateDone               State = "done"
	StateFailed             State = "failed"
)

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

const progressBufferSize = 16

// Progress is a snapshot of a running session.
type Progress struct {
	SessionID        string `json:"sessionId"`
	RepositoryID     string `json:"repositoryId"`
	State            State  `json:"state"`
	ActionsPlanned   int    `json:"actionsPlanned"`
	ActionsCompleted int    `json:"actionsCompleted"`
	ActionsFailed    int    `json:"actionsFailed"`
	Conflicts        int    `json:"conflicts"`
	BytesTransferred int64  `json:"bytesTransferred"`
}

// tracker holds the progress of one session and fans snapshots out to
// subscribers. Subscribers that fall behind miss snapshots instead of
// slowing the session down.
type tracker struct {
	mu       sync.Mutex
	progress Progress
	subs     []chan Progress
}

func (t *tracker) snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

func (t *tracker) subscribe() <-chan Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan Progress, progressBufferSize)
	if t.progress.State.Terminal() {
		ch <- t.progress
		close(ch)
		return ch
	}
	t.subs = append(t.subs, ch)
	return ch
}

// update applies fn and broadcasts the result. Reaching a terminal state
// closes every subscription.
func (t *tracker) update(fn func(p *Progress)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.progress.State.Terminal() {
		return
	}
	fn(&t.progress)

	terminal := t.progress.State.Terminal()
	for _, sub := range t.subs {
		select {
		case sub <- t.progress:
			continue
		default:
		}
		if !terminal {
			// subscriber is full, skip
			continue
		}
		// the final snapshot replaces the oldest one
		select {
		case <-sub:
		default:
		}
		select {
		case sub <- t.progress:
		default:
		}
	}

	if terminal {
		for _, sub := range t.subs {
			close(sub)
		}
		t.subs = nil
	}
}

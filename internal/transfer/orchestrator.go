package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/openmined/spacesync/internal/diff"
	"github.com/openmined/spacesync/internal/localstore"
	"github.com/openmined/spacesync/internal/manifest"
	"github.com/openmined/spacesync/internal/provider"
	"github.com/openmined/spacesync/internal/queue"
	"github.com/openmined/spacesync/internal/syncerr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Result is the outcome of one action.
type Result struct {
	Action   *diff.Action
	Err      error
	Attempts int
	Bytes    int64
	Duration time.Duration
}

func (r *Result) OK() bool {
	return r.Err == nil
}

// Kind is the error kind of a failed action, empty on success.
func (r *Result) Kind() syncerr.Kind {
	return syncerr.KindOf(r.Err)
}

// Observer is told about every finished action. Calls are serialized.
type Observer func(*Result)

// Orchestrator executes planned actions between a provider and the local
// content store.
type Orchestrator struct {
	cfg     Config
	client  provider.Client
	local   localstore.Store
	limiter *rate.Limiter
}

func New(client provider.Client, local localstore.Store, cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:    cfg,
		client: client,
		local:  local,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = cfg.Concurrency
		}
		o.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return o, nil
}

// Execute runs the actions with a bounded worker pool and returns one result
// per action together with the delta of everything that transferred
// successfully. A failed action never stops the others. Once ctx is done,
// actions not started yet fail as cancelled while in-flight ones finish.
//
// Local writes only happen while the local content still matches the
// action's Local snapshot; a document edited meanwhile fails the action with
// syncerr.KindLocalChanged.
func Execute(ctx context.Context, actions []*diff.Action, client provider.Client, local localstore.Store, concurrency int) ([]*Result, *manifest.Delta, error) {
	cfg := DefaultConfig()
	cfg.Concurrency = concurrency
	o, err := New(client, local, cfg)
	if err != nil {
		return nil, nil, err
	}
	results, delta := o.Execute(ctx, actions, nil)
	return results, delta, nil
}

func (o *Orchestrator) Execute(ctx context.Context, actions []*diff.Action, observe Observer) ([]*Result, *manifest.Delta) {
	dd := newDedupe(o.cfg.CacheEntries, actions)
	pq := queue.NewPriorityQueue[*diff.Action]()
	for _, a := range actions {
		pq.Push(a, priority(a))
	}

	var (
		mu      sync.Mutex
		results = make([]*Result, 0, len(actions))
		delta   = manifest.NewDelta()
	)
	record := func(r *Result) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, r)
		if r.OK() {
			addToDelta(delta, r.Action)
		}
		if observe != nil {
			observe(r)
		}
	}

	g := errgroup.Group{}
	g.SetLimit(o.cfg.Concurrency)

	for pq.Len() > 0 {
		a, _ := pq.Pop()
		if ctx.Err() != nil {
			record(cancelled(ctx, a))
			continue
		}
		g.Go(func() error {
			// the slot may have opened after cancellation
			if ctx.Err() != nil {
				record(cancelled(ctx, a))
				return nil
			}
			r := o.run(ctx, dd, a)
			dd.done(a)
			record(r)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool {
		return results[i].Action.FileID < results[j].Action.FileID
	})
	return results, delta
}

// priority puts deletes first, then smaller transfers before bigger ones.
func priority(a *diff.Action) int64 {
	switch a.Kind {
	case diff.DeleteLocal, diff.DeleteRemote:
		return -1
	}
	return a.Size()
}

func cancelled(ctx context.Context, a *diff.Action) *Result {
	return &Result{
		Action: a,
		Err:    syncerr.ForFile(syncerr.KindCancelled, string(a.Kind), a.FileID, context.Cause(ctx)),
	}
}

func addToDelta(d *manifest.Delta, a *diff.Action) {
	switch a.Kind {
	case diff.Download:
		d.Downloaded[a.FileID] = a.Remote
		d.LocalBefore[a.FileID] = a.Local
	case diff.Upload:
		d.Uploaded[a.FileID] = a.Local
	case diff.DeleteLocal:
		d.DeletedLocal[a.FileID] = tombstoneFor(a)
		d.LocalBefore[a.FileID] = a.Local
	case diff.DeleteRemote:
		d.DeletedRemote[a.FileID] = tombstoneFor(a)
	}
}

func tombstoneFor(a *diff.Action) *manifest.Tombstone {
	if a.Tombstone != nil {
		return a.Tombstone
	}
	return &manifest.Tombstone{ID: a.FileID, Kind: manifest.TombstoneFile, DeletedAt: time.Now().UTC()}
}

// run executes one action with retries. Each attempt gets its own timeout and
// is detached from ctx cancellation, so a transfer is never cut in half;
// cancellation only prevents further attempts.
func (o *Orchestrator) run(ctx context.Context, dd *dedupe, a *diff.Action) *Result {
	start := time.Now()
	res := &Result{Action: a}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = o.cfg.BaseBackoff
	eb.MaxInterval = o.cfg.MaxBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(o.cfg.MaxAttempts-1)), ctx)

	op := func() error {
		res.Attempts++
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.ActionTimeout)
		defer cancel()

		n, err := o.attempt(actx, dd, a)
		if err == nil {
			res.Bytes = n
			return nil
		}
		if !syncerr.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		slog.Debug("transfer retry", "action", a.Kind, "file", a.FileID, "attempt", res.Attempts, "wait", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		var se *syncerr.Error
		if errors.Is(err, context.Canceled) && !errors.As(err, &se) {
			err = syncerr.ForFile(syncerr.KindCancelled, string(a.Kind), a.FileID, context.Cause(ctx))
		}
		res.Err = err
		slog.Warn("transfer failed", "action", a.Kind, "file", a.FileID, "kind", syncerr.KindOf(err), "attempts", res.Attempts, "error", err)
	} else {
		slog.Debug("transfer done", "action", a.Kind, "file", a.FileID, "size", humanize.Bytes(uint64(res.Bytes)))
	}
	res.Duration = time.Since(start)
	return res
}

func (o *Orchestrator) attempt(ctx context.Context, dd *dedupe, a *diff.Action) (int64, error) {
	switch a.Kind {
	case diff.Download:
		return o.download(ctx, dd, a)
	case diff.Upload:
		return o.upload(ctx, a)
	case diff.DeleteRemote:
		if err := o.wait(ctx); err != nil {
			return 0, err
		}
		return 0, o.client.DeleteBlob(ctx, a.FileID)
	case diff.DeleteLocal:
		return 0, o.local.CompareAndDelete(ctx, a.FileID, localChecksum(a))
	default:
		return 0, fmt.Errorf("unknown action %q", a.Kind)
	}
}

// localChecksum is the checksum the local content had when the action was
// planned, empty when the file had no local entry.
func localChecksum(a *diff.Action) string {
	if a.Local == nil {
		return ""
	}
	return a.Local.Checksum
}

func (o *Orchestrator) download(ctx context.Context, dd *dedupe, a *diff.Action) (int64, error) {
	entry := a.Remote
	data, err := o.fetch(ctx, dd, entry)
	if err != nil {
		return 0, err
	}
	if err := o.local.CompareAndPut(ctx, a.FileID, localChecksum(a), data); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

// fetch downloads and verifies the blob of entry. Downloads of one Execute
// call sharing a checksum fetch it once.
func (o *Orchestrator) fetch(ctx context.Context, dd *dedupe, entry *manifest.FileEntry) ([]byte, error) {
	if !dd.tracks(entry.Checksum) {
		return o.fetchVerified(ctx, entry)
	}

	if data, ok := dd.cache.Get(entry.Checksum); ok {
		return data, nil
	}

	v, err, shared := dd.flight.Do(entry.Checksum, func() (any, error) {
		data, err := o.fetchVerified(ctx, entry)
		if err != nil {
			return nil, err
		}
		dd.cache.Add(entry.Checksum, data)
		return data, nil
	})
	if err != nil && shared {
		// the failure belonged to another file's blob
		return o.fetchVerified(ctx, entry)
	}
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (o *Orchestrator) fetchVerified(ctx context.Context, entry *manifest.FileEntry) ([]byte, error) {
	if err := o.wait(ctx); err != nil {
		return nil, err
	}
	data, err := o.client.FetchBlob(ctx, entry.ID)
	if err != nil {
		return nil, err
	}
	if entry.Checksum != "" {
		if got := manifest.Checksum(data); got != entry.Checksum {
			return nil, syncerr.ForFile(syncerr.KindChecksumMismatch, "download", entry.ID,
				fmt.Errorf("want %s, got %s", entry.Checksum, got))
		}
	}
	return data, nil
}

func (o *Orchestrator) upload(ctx context.Context, a *diff.Action) (int64, error) {
	entry := a.Local
	data, err := o.local.Get(ctx, a.FileID)
	if err != nil {
		return 0, err
	}
	if entry.Checksum != "" {
		if got := manifest.Checksum(data); got != entry.Checksum {
			return 0, syncerr.ForFile(syncerr.KindChecksumMismatch, "upload", a.FileID,
				fmt.Errorf("local content %s does not match entry %s", got, entry.Checksum))
		}
	}

	if err := o.wait(ctx); err != nil {
		return 0, err
	}
	info, err := o.client.PutBlob(ctx, a.FileID, data)
	if err != nil {
		return 0, err
	}
	if entry.Checksum != "" && info.Checksum != entry.Checksum {
		return 0, syncerr.ForFile(syncerr.KindChecksumMismatch, "upload", a.FileID,
			fmt.Errorf("want %s, provider stored %s", entry.Checksum, info.Checksum))
	}
	return info.Size, nil
}

func (o *Orchestrator) wait(ctx context.Context) error {
	if o.limiter == nil {
		return nil
	}
	if err := o.limiter.Wait(ctx); err != nil {
		return syncerr.New(syncerr.KindProviderTransient, "rate limit", err)
	}
	return nil
}

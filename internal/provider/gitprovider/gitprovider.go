package gitprovider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/openmined/spacesync/internal/manifest"
	"github.com/openmined/spacesync/internal/provider"
	"github.com/openmined/spacesync/internal/syncerr"
)

const (
	TypeName      = "git"
	DefaultBranch = "main"
	remoteName    = "origin"
)

type Config struct {
	// Path is the local working copy.
	Path string
	// RemoteURL is optional. Without it the provider only commits locally.
	RemoteURL string
	Branch    string
	Prefix    string
	Username  string
	Token     string
	Author    string
	Email     string
}

// Provider keeps manifests, lock markers and blobs as files in a git working
// copy. Every write is one commit. Manifest and lock writes are pushed right
// away; blob commits travel with the next push.
type Provider struct {
	mu     sync.Mutex
	cfg    Config
	repo   *git.Repository
	wt     *git.Worktree
	keys   provider.Keys
	auth   transport.AuthMethod
	remote bool
}

var _ provider.Client = (*Provider)(nil)

func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("git provider path is required")
	}
	if cfg.Branch == "" {
		cfg.Branch = DefaultBranch
	}
	if cfg.Author == "" {
		cfg.Author = "spacesync"
	}
	if cfg.Email == "" {
		cfg.Email = "spacesync@localhost"
	}

	p := &Provider{
		cfg:    cfg,
		keys:   provider.Keys{Prefix: cfg.Prefix},
		remote: cfg.RemoteURL != "",
	}
	if cfg.Token != "" {
		user := cfg.Username
		if user == "" {
			user = "git"
		}
		p.auth = &githttp.BasicAuth{Username: user, Password: cfg.Token}
	}

	repo, err := p.openOrCreate(ctx)
	if err != nil {
		return nil, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("git worktree: %w", err)
	}

	p.repo = repo
	p.wt = wt
	return p, nil
}

func Factory(ctx context.Context, s provider.Settings) (provider.Client, error) {
	return New(ctx, Config{
		Path:      s.Path,
		RemoteURL: s.RemoteURL,
		Branch:    s.Branch,
		Prefix:    s.Prefix,
		Username:  s.Username,
		Token:     s.Token,
		Author:    s.Options["author"],
		Email:     s.Options["email"],
	})
}

func (p *Provider) openOrCreate(ctx context.Context) (*git.Repository, error) {
	repo, err := git.PlainOpen(p.cfg.Path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open git repo %s: %w", p.cfg.Path, err)
	}

	if p.remote {
		repo, err = git.PlainCloneContext(ctx, p.cfg.Path, false, &git.CloneOptions{
			URL:           p.cfg.RemoteURL,
			Auth:          p.auth,
			ReferenceName: plumbing.NewBranchReferenceName(p.cfg.Branch),
			SingleBranch:  true,
		})
		if err == nil {
			slog.Info("git provider cloned", "url", p.cfg.RemoteURL, "path", p.cfg.Path)
			return repo, nil
		}
		if !errors.Is(err, transport.ErrEmptyRemoteRepository) {
			return nil, translateError("clone", p.cfg.RemoteURL, err)
		}
		// a fresh remote has nothing to clone yet
		os.RemoveAll(p.cfg.Path)
	}

	repo, err = git.PlainInitWithOptions(p.cfg.Path, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName(p.cfg.Branch)},
	})
	if err != nil {
		return nil, fmt.Errorf("init git repo %s: %w", p.cfg.Path, err)
	}

	if p.remote {
		_, err = repo.CreateRemote(&config.RemoteConfig{Name: remoteName, URLs: []string{p.cfg.RemoteURL}})
		if err != nil {
			return nil, fmt.Errorf("add git remote: %w", err)
		}
	}

	slog.Info("git provider initialized", "path", p.cfg.Path, "branch", p.cfg.Branch)
	return repo, nil
}

func (p *Provider) Name() string {
	return TypeName + ":" + filepath.Base(p.cfg.Path)
}

func (p *Provider) FetchManifest(ctx context.Context, repositoryID string) (*manifest.Manifest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.pull(ctx); err != nil {
		return nil, err
	}
	data, err := p.read("fetch manifest", p.keys.Manifest(repositoryID))
	if err != nil {
		return nil, err
	}
	return manifest.Decode(data)
}

func (p *Provider) PutManifest(ctx context.Context, repositoryID string, m *manifest.Manifest) error {
	data, err := manifest.Encode(m)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.pull(ctx); err != nil {
		return err
	}
	before := p.head()
	key := p.keys.Manifest(repositoryID)
	if err := p.writeAndCommit(key, data, "update manifest "+repositoryID); err != nil {
		return err
	}
	return p.push(ctx, before, key)
}

func (p *Provider) FetchBlob(ctx context.Context, fileID string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.read("fetch blob", p.keys.Blob(fileID))
}

func (p *Provider) PutBlob(ctx context.Context, fileID string, data []byte) (*provider.BlobInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := p.keys.Blob(fileID)
	if err := p.writeAndCommit(key, data, "put blob "+fileID); err != nil {
		return nil, err
	}

	// read back what git has in the working copy
	stored, err := p.read("put blob", key)
	if err != nil {
		return nil, err
	}
	return &provider.BlobInfo{Size: int64(len(stored)), Checksum: manifest.Checksum(stored)}, nil
}

func (p *Provider) DeleteBlob(ctx context.Context, fileID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removeAndCommit(p.keys.Blob(fileID), "delete blob "+fileID)
}

func (p *Provider) PutLockMarker(ctx context.Context, marker *provider.LockMarker) error {
	data, err := provider.EncodeLockMarker(marker)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.pull(ctx); err != nil {
		return err
	}
	before := p.head()
	key := p.keys.Lock(marker.RepositoryID)
	if err := p.writeAndCommit(key, data, "lock "+marker.RepositoryID+" by "+marker.OwnerID); err != nil {
		return err
	}
	return p.push(ctx, before, key)
}

func (p *Provider) GetLockMarker(ctx context.Context, repositoryID string) (*provider.LockMarker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.pull(ctx); err != nil {
		return nil, err
	}
	data, err := p.read("get lock", p.keys.Lock(repositoryID))
	if syncerr.Is(err, syncerr.KindNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return provider.DecodeLockMarker(data)
}

func (p *Provider) DeleteLockMarker(ctx context.Context, repositoryID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.pull(ctx); err != nil {
		return err
	}
	before := p.head()
	key := p.keys.Lock(repositoryID)
	if err := p.removeAndCommit(key, "unlock "+repositoryID); err != nil {
		return err
	}
	return p.push(ctx, before, key)
}

// Commits returns the number of commits on the current branch.
func (p *Provider) Commits() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	head, err := p.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}

	iter, err := p.repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	count := 0
	err = iter.ForEach(func(*object.Commit) error {
		count++
		return nil
	})
	return count, err
}

// ===================================================================================================

func (p *Provider) path(key string) string {
	return filepath.Join(p.cfg.Path, filepath.FromSlash(key))
}

func (p *Provider) read(op, key string) ([]byte, error) {
	data, err := os.ReadFile(p.path(key))
	if err != nil {
		return nil, translateError(op, key, err)
	}
	return data, nil
}

func (p *Provider) writeAndCommit(key string, data []byte, msg string) error {
	if err := p.stage(key, data); err != nil {
		return err
	}
	return p.commit(msg)
}

func (p *Provider) stage(key string, data []byte) error {
	full := p.path(key)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("git mkdir: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("git write %s: %w", key, err)
	}
	if _, err := p.wt.Add(key); err != nil {
		return fmt.Errorf("git add %s: %w", key, err)
	}
	return nil
}

func (p *Provider) removeAndCommit(key, msg string) error {
	if _, err := os.Stat(p.path(key)); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if _, err := p.wt.Remove(key); err != nil {
		return fmt.Errorf("git rm %s: %w", key, err)
	}
	return p.commit(msg)
}

func (p *Provider) commit(msg string) error {
	sig := &object.Signature{Name: p.cfg.Author, Email: p.cfg.Email, When: time.Now()}
	_, err := p.wt.Commit(msg, &git.CommitOptions{Author: sig, Committer: sig})
	if err != nil && !errors.Is(err, git.ErrEmptyCommit) {
		return fmt.Errorf("git commit: %w", err)
	}
	return nil
}

// pull brings the remote branch in. When both sides committed since the last
// push the working copy is realigned onto the remote branch instead.
func (p *Provider) pull(ctx context.Context) error {
	if !p.remote {
		return nil
	}
	err := p.wt.PullContext(ctx, &git.PullOptions{
		RemoteName:    remoteName,
		ReferenceName: p.branch(),
		SingleBranch:  true,
		Auth:          p.auth,
	})
	switch {
	case err == nil,
		errors.Is(err, git.NoErrAlreadyUpToDate),
		errors.Is(err, transport.ErrEmptyRemoteRepository),
		errors.Is(err, plumbing.ErrReferenceNotFound):
		return nil
	case nonFastForward(err):
		return p.realign(ctx)
	default:
		return translateError("pull", p.cfg.RemoteURL, err)
	}
}

// push publishes the commit just made for key. A rejected push realigns the
// working copy and reports a transient error so the caller retries. Any other
// failure drops the commit so it never reaches the remote later.
func (p *Provider) push(ctx context.Context, before plumbing.Hash, key string) error {
	if !p.remote {
		return nil
	}
	err := p.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: remoteName,
		Auth:       p.auth,
	})
	if err == nil || errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}

	if nonFastForward(err) {
		if rerr := p.realign(ctx); rerr != nil {
			slog.Warn("git provider realign failed", "url", p.cfg.RemoteURL, "error", rerr)
		}
	} else if uerr := p.undo(before, key); uerr != nil {
		slog.Warn("git provider undo failed", "key", key, "error", uerr)
	}
	return translateError("push", p.cfg.RemoteURL, err)
}

// realign hard resets the working copy to the remote branch and replays the
// blob writes not pushed yet in one commit. Unpushed manifest and lock writes
// are dropped; their callers already saw the failed push.
func (p *Provider) realign(ctx context.Context) error {
	b := p.cfg.Branch
	err := p.repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remoteName,
		RefSpecs:   []config.RefSpec{config.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/%s/%s", b, remoteName, b))},
		Auth:       p.auth,
	})
	switch {
	case err == nil, errors.Is(err, git.NoErrAlreadyUpToDate):
	case errors.Is(err, transport.ErrEmptyRemoteRepository):
		return nil
	default:
		return translateError("fetch", p.cfg.RemoteURL, err)
	}

	ref, err := p.repo.Reference(plumbing.NewRemoteReferenceName(remoteName, b), true)
	if err != nil {
		return translateError("fetch", p.cfg.RemoteURL, err)
	}
	blobs, err := p.unpushedBlobs(ref.Hash())
	if err != nil {
		return err
	}
	if err := p.wt.Reset(&git.ResetOptions{Commit: ref.Hash(), Mode: git.HardReset}); err != nil {
		return fmt.Errorf("git reset: %w", err)
	}

	for key, data := range blobs {
		if data == nil {
			if _, err := os.Stat(p.path(key)); errors.Is(err, os.ErrNotExist) {
				continue
			}
			if _, err := p.wt.Remove(key); err != nil {
				return fmt.Errorf("git rm %s: %w", key, err)
			}
			continue
		}
		if err := p.stage(key, data); err != nil {
			return err
		}
	}
	if len(blobs) > 0 {
		if err := p.commit(fmt.Sprintf("replay %d blob change(s)", len(blobs))); err != nil {
			return err
		}
	}

	slog.Info("git provider realigned", "remote", ref.Hash().String()[:7], "blobs", len(blobs))
	return nil
}

// unpushedBlobs returns the blob keys changed on HEAD since it forked from
// remote, mapped to their content. A nil value marks a deleted blob.
func (p *Provider) unpushedBlobs(remote plumbing.Hash) (map[string][]byte, error) {
	head := p.head()
	if head.IsZero() {
		return nil, nil
	}
	local, err := p.repo.CommitObject(head)
	if err != nil {
		return nil, fmt.Errorf("git head commit: %w", err)
	}
	theirs, err := p.repo.CommitObject(remote)
	if err != nil {
		return nil, fmt.Errorf("git remote commit: %w", err)
	}
	to, err := local.Tree()
	if err != nil {
		return nil, fmt.Errorf("git tree: %w", err)
	}

	var from *object.Tree
	bases, err := local.MergeBase(theirs)
	if err != nil {
		return nil, fmt.Errorf("git merge base: %w", err)
	}
	if len(bases) > 0 {
		if from, err = bases[0].Tree(); err != nil {
			return nil, fmt.Errorf("git tree: %w", err)
		}
	}

	changes, err := object.DiffTree(from, to)
	if err != nil {
		return nil, fmt.Errorf("git diff: %w", err)
	}

	prefix := p.keys.Blob("") + "/"
	blobs := make(map[string][]byte)
	for _, ch := range changes {
		_, file, err := ch.Files()
		if err != nil {
			return nil, fmt.Errorf("git diff files: %w", err)
		}
		if file == nil {
			if strings.HasPrefix(ch.From.Name, prefix) {
				blobs[ch.From.Name] = nil
			}
			continue
		}
		if !strings.HasPrefix(ch.To.Name, prefix) {
			continue
		}
		content, err := file.Contents()
		if err != nil {
			return nil, fmt.Errorf("git read %s: %w", ch.To.Name, err)
		}
		blobs[ch.To.Name] = []byte(content)
	}
	return blobs, nil
}

// undo drops the commit made on top of before. With no earlier commit the
// branch is removed and key leaves the working copy.
func (p *Provider) undo(before plumbing.Hash, key string) error {
	if !before.IsZero() {
		return p.wt.Reset(&git.ResetOptions{Commit: before, Mode: git.HardReset})
	}
	if err := p.repo.Storer.RemoveReference(p.branch()); err != nil {
		return err
	}
	if _, err := p.wt.Remove(key); err != nil && !errors.Is(err, index.ErrEntryNotFound) {
		return err
	}
	if err := os.Remove(p.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (p *Provider) head() plumbing.Hash {
	ref, err := p.repo.Head()
	if err != nil {
		return plumbing.ZeroHash
	}
	return ref.Hash()
}

func (p *Provider) branch() plumbing.ReferenceName {
	return plumbing.NewBranchReferenceName(p.cfg.Branch)
}

// the client side of a push reports a rejected update as a plain error
func nonFastForward(err error) bool {
	return errors.Is(err, git.ErrNonFastForwardUpdate) ||
		strings.Contains(err.Error(), "non-fast-forward update")
}

func translateError(op, key string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrNotExist),
		errors.Is(err, transport.ErrRepositoryNotFound):
		return syncerr.ForFile(syncerr.KindNotFound, op, key, err)
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, transport.ErrInvalidAuthMethod):
		return syncerr.ForFile(syncerr.KindProviderAuth, op, key, err)
	case nonFastForward(err):
		// another device pushed first, the next attempt pulls again
		return syncerr.ForFile(syncerr.KindProviderTransient, op, key, err)
	}

	if kind := syncerr.KindOf(err); kind != syncerr.KindUnknown {
		return syncerr.ForFile(kind, op, key, err)
	}
	return syncerr.ForFile(syncerr.KindUnknown, op, key, err)
}

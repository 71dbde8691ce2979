// Package gitcontent owns the on-disk git state of content repositories:
// one bare mirror per remote url and one checked-out worktree per
// (repo, ref) pair. It reconciles that state with the repo and ref
// registries, which it alone writes for git-derived fields.
package gitcontent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openwiki/packsync/errkind"
	"github.com/openwiki/packsync/giturl"
	"github.com/openwiki/packsync/internal/lock"
	"github.com/openwiki/packsync/internal/utils"
	"github.com/openwiki/packsync/registry"
)

// Runner executes a git command and returns its trimmed stdout. The
// default runner shells out through internal/utils with a single retry;
// tests substitute a fake.
type Runner func(ctx context.Context, envs []string, cwd string, args ...string) (string, error)

// Valid git gc modes.
const (
	GCOff        = "off"
	GCAuto       = "auto"
	GCAlways     = "always"
	GCAggressive = "aggressive"
)

// Manager maintains bare mirrors under <root>/cache/<urlhash>.git and
// worktrees under <root>/worktrees/<urlhash>/<refhash>. Both paths are
// pure functions of url/ref so the layout survives crashes and registry
// loss. A Manager is safe for concurrent use by multiple goroutines.
type Manager struct {
	root  string
	repos *registry.RepoRegistry
	refs  *registry.RefRegistry
	auth  *Auth

	repoLocks *lock.KeyedMutex // serialises git ops per bare repo
	refLocks  *lock.KeyedMutex // serialises worktree ops per (url, ref)

	gitGC string
	run   Runner
	log   *slog.Logger
}

// NewManager creates a content manager rooted at root, which must be an
// absolute path.
func NewManager(root string, repos *registry.RepoRegistry, refs *registry.RefRegistry, auth *Auth, log *slog.Logger) (*Manager, error) {
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("content root '%s' must be absolute", root)
	}
	if log == nil {
		log = slog.Default()
	}
	if auth == nil {
		auth = &Auth{}
	}

	m := &Manager{
		root:      root,
		repos:     repos,
		refs:      refs,
		auth:      auth,
		repoLocks: lock.NewKeyedMutex(),
		refLocks:  lock.NewKeyedMutex(),
		gitGC:     GCAlways,
		log:       log.With("logger", "gitcontent"),
	}
	m.run = func(ctx context.Context, envs []string, cwd string, args ...string) (string, error) {
		return utils.RunCommandRetry(ctx, m.log, envs, cwd, "git", args...)
	}

	return m, nil
}

// SetRunner overrides the git runner. Used by tests.
func (m *Manager) SetRunner(run Runner) { m.run = run }

// SetGitGC sets the garbage collection mode run after syncs. The
// default is always.
func (m *Manager) SetGitGC(mode string) error {
	switch mode {
	case GCOff, GCAuto, GCAlways, GCAggressive:
		m.gitGC = mode
		return nil
	}
	return fmt.Errorf("wrong gc value provided, must be one of %s, %s, %s, %s",
		GCAuto, GCAlways, GCAggressive, GCOff)
}

// BarePath returns the deterministic bare mirror path for the url.
func (m *Manager) BarePath(url string) string {
	return filepath.Join(m.root, "cache", giturl.Hash(url)+".git")
}

// WorktreePath returns the deterministic worktree path for (url, ref).
func (m *Manager) WorktreePath(url, ref string) string {
	return filepath.Join(m.root, "worktrees", giturl.Hash(url), giturl.RefHash(ref))
}

// EnsureBareRepo clones a mirror of the url if absent, upserts the
// ContentRepo row and stamps last_fetched. Idempotent.
func (m *Manager) EnsureBareRepo(ctx context.Context, url, defaultRef string) (string, error) {
	if _, err := giturl.Parse(url); err != nil {
		return "", errkind.Wrap(errkind.Validation, err, "invalid repo url %q", url)
	}

	m.repoLocks.Lock(url)
	defer m.repoLocks.Unlock(url)

	barePath := m.BarePath(url)

	fresh, err := m.ensureMirrorDir(ctx, url, barePath)
	if err != nil {
		return "", err
	}

	update := registry.RepoUpdate{BarePath: &barePath}
	if fresh {
		// the clone fetched every ref, record it
		lf := m.repos.Now().Unix()
		update.LastFetched = &lf
	}
	if _, err := m.repos.Ensure(ctx, url, defaultRef, barePath, update); err != nil {
		return "", fmt.Errorf("unable to record content repo err:%w", err)
	}

	recordGitSync(giturl.Hash(url), true)
	return barePath, nil
}

// ensureMirrorDir makes sure barePath holds a valid mirror of url,
// cloning or re-creating as needed. Returns whether a clone ran.
func (m *Manager) ensureMirrorDir(ctx context.Context, url, barePath string) (bool, error) {
	_, err := os.Stat(barePath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return false, fmt.Errorf("unable to verify mirror dir err:%w", err)
	default:
		if m.sanityCheckMirror(ctx, url, barePath) {
			m.log.Log(ctx, -8, "existing mirror is valid", "path", barePath)
			return false, nil
		}
		// Maybe a previous run crashed? Git won't use this dir.
		m.log.Error("mirror dir failed checks, re-creating", "path", barePath)
		if err := os.RemoveAll(barePath); err != nil {
			return false, fmt.Errorf("unable to remove unusable mirror dir err:%w", err)
		}
	}

	if err := utils.EnsureDir(filepath.Dir(barePath)); err != nil {
		return false, fmt.Errorf("unable to create cache dir err:%w", err)
	}

	m.log.Info("cloning mirror", "url", url, "path", barePath)
	// git clone --mirror <url> <barePath>
	if _, err := m.run(ctx, m.auth.gitEnv(url), "", "clone", "--mirror", "--quiet", url, barePath); err != nil {
		return false, errkind.Wrap(errkind.Fetch, err, "unable to clone mirror of %s", url)
	}
	return true, nil
}

// sanityCheckMirror tries to make sure the dir is a valid bare mirror of
// the given remote.
func (m *Manager) sanityCheckMirror(ctx context.Context, url, barePath string) bool {
	if empty, err := utils.DirIsEmpty(barePath); err != nil {
		m.log.Error("can't list mirror dir", "path", barePath, "err", err)
		return false
	} else if empty {
		return false
	}

	// git rev-parse --is-bare-repository
	if ok, err := m.run(ctx, nil, barePath, "rev-parse", "--is-bare-repository"); err != nil || ok != "true" {
		m.log.Error("mirror is not a bare repository", "path", barePath, "err", err)
		return false
	}

	// make sure origin points at the expected remote
	// git config --get remote.origin.url
	if remote, err := m.run(ctx, nil, barePath, "config", "--get", "remote.origin.url"); err != nil {
		m.log.Error("can't read remote.origin.url", "path", barePath, "err", err)
		return false
	} else if giturl.Normalise(remote) != giturl.Normalise(url) {
		m.log.Error("mirror configured with different remote", "path", barePath, "remote.origin.url", remote)
		return false
	}

	// git fsck --no-progress --connectivity-only
	if _, err := m.run(ctx, nil, barePath, "fsck", "--no-progress", "--connectivity-only"); err != nil {
		m.log.Error("mirror fsck failed", "path", barePath, "err", err)
		return false
	}

	return true
}

// EnsureWorktree checks out the ref into its worktree if absent, resolves
// the ref to a commit and upserts the ContentRef row. The repo must have
// been added first. Idempotent.
func (m *Manager) EnsureWorktree(ctx context.Context, url, ref string) (string, error) {
	repo, err := m.repos.GetByURL(ctx, url)
	if err != nil {
		return "", err
	}
	if repo == nil {
		return "", errkind.New(errkind.NotFound, "content repo %s is not registered", url)
	}

	key := url + "#" + ref
	m.refLocks.Lock(key)
	defer m.refLocks.Unlock(key)

	commit, err := m.resolveCommit(ctx, repo.BarePath, ref)
	if err != nil {
		return "", err
	}

	wtPath := m.WorktreePath(url, ref)
	if err := m.ensureWorktreeDir(ctx, repo.BarePath, wtPath, commit); err != nil {
		return "", err
	}

	if _, err := m.refs.Ensure(ctx, repo.ID, ref, wtPath,
		registry.RefUpdate{LastCommit: &commit, WorktreePath: &wtPath}); err != nil {
		return "", fmt.Errorf("unable to record content ref err:%w", err)
	}

	return wtPath, nil
}

// resolveCommit resolves the ref to a full commit hash in the mirror.
func (m *Manager) resolveCommit(ctx context.Context, barePath, ref string) (string, error) {
	// git log --pretty=format:%H -n 1 <ref>
	hash, err := m.run(ctx, nil, barePath, "log", "--pretty=format:%H", "-n", "1", ref)
	if err != nil {
		return "", errkind.Wrap(errkind.NotFound, err, "unable to resolve ref %q", ref)
	}
	if hash == "" {
		return "", errkind.New(errkind.NotFound, "ref %q does not exist", ref)
	}
	return hash, nil
}

func (m *Manager) ensureWorktreeDir(ctx context.Context, barePath, wtPath, commit string) error {
	if _, err := os.Stat(wtPath); err == nil {
		if m.sanityCheckWorktree(ctx, wtPath) {
			return nil
		}
		m.log.Error("worktree failed checks, re-creating", "path", wtPath)
		if err := m.removeWorktreeDir(ctx, barePath, wtPath); err != nil {
			return err
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("unable to verify worktree dir err:%w", err)
	}

	if err := utils.EnsureDir(filepath.Dir(wtPath)); err != nil {
		return fmt.Errorf("unable to create worktrees dir err:%w", err)
	}

	m.log.Info("creating worktree", "path", wtPath, "commit", commit)
	// git worktree add --force --detach <wtPath> <commit>
	if _, err := m.run(ctx, nil, barePath, "worktree", "add", "--force", "--detach", wtPath, commit); err != nil {
		return fmt.Errorf("unable to create worktree err:%w", err)
	}
	return nil
}

// sanityCheckWorktree makes sure the dir is the root of a valid worktree.
func (m *Manager) sanityCheckWorktree(ctx context.Context, wtPath string) bool {
	if empty, err := utils.DirIsEmpty(wtPath); err != nil || empty {
		return false
	}

	// git rev-parse --is-inside-work-tree
	if ok, err := m.run(ctx, nil, wtPath, "rev-parse", "--is-inside-work-tree"); err != nil || ok != "true" {
		return false
	}

	// git rev-parse --show-toplevel
	if top, err := m.run(ctx, nil, wtPath, "rev-parse", "--show-toplevel"); err != nil || top != wtPath {
		return false
	}

	return true
}

// SyncRef fetches the mirror and fast-forwards the worktree of (url, ref)
// to the new commit, updating the ref row. Fails with not_found if the
// ref no longer exists upstream.
func (m *Manager) SyncRef(ctx context.Context, url, ref string) error {
	repo, err := m.repos.GetByURL(ctx, url)
	if err != nil {
		return err
	}
	if repo == nil {
		return errkind.New(errkind.NotFound, "content repo %s is not registered", url)
	}
	refRow, err := m.refs.GetBySourceRef(ctx, repo.ID, ref)
	if err != nil {
		return err
	}
	if refRow == nil {
		return errkind.New(errkind.NotFound, "ref %q of %s is not registered", ref, url)
	}

	start := time.Now()
	if err := m.fetchMirror(ctx, url, repo.BarePath); err != nil {
		recordGitSync(giturl.Hash(url), false)
		return err
	}

	key := url + "#" + ref
	m.refLocks.Lock(key)
	defer m.refLocks.Unlock(key)

	commit, err := m.resolveCommit(ctx, repo.BarePath, ref)
	if err != nil {
		recordGitSync(giturl.Hash(url), false)
		return err
	}

	wtPath := refRow.WorktreePath
	if wtPath == "" {
		wtPath = m.WorktreePath(url, ref)
	}
	if err := m.ensureWorktreeDir(ctx, repo.BarePath, wtPath, commit); err != nil {
		return err
	}
	if commit != refRow.LastCommit {
		// git reset --hard <commit>
		if _, err := m.run(ctx, nil, wtPath, "reset", "--hard", commit); err != nil {
			return fmt.Errorf("unable to fast-forward worktree err:%w", err)
		}
	}

	lf := m.repos.Now().Unix()
	if _, err := m.repos.Update(ctx, repo.ID, registry.RepoUpdate{LastFetched: &lf}); err != nil {
		return err
	}
	if _, err := m.refs.Update(ctx, refRow.ID, registry.RefUpdate{LastCommit: &commit, WorktreePath: &wtPath}); err != nil {
		return err
	}

	recordGitSync(giturl.Hash(url), true)
	updateSyncLatency(giturl.Hash(url), start)
	m.log.Info("ref synced", "url", url, "ref", ref, "commit", commit, "time", time.Since(start))
	return nil
}

// fetchMirror updates all refs of the bare mirror from the remote.
func (m *Manager) fetchMirror(ctx context.Context, url, barePath string) error {
	m.repoLocks.Lock(url)
	defer m.repoLocks.Unlock(url)

	// git fetch origin --prune --no-progress --no-auto-gc
	if _, err := m.run(ctx, m.auth.gitEnv(url), barePath,
		"fetch", "origin", "--prune", "--no-progress", "--no-auto-gc"); err != nil {
		return errkind.Wrap(errkind.Fetch, err, "unable to fetch %s", url)
	}
	return nil
}

// SyncRepo syncs every registered ref of the repo, continuing past
// per-ref failures. Returns the number of refs synced and the aggregated
// error, if any.
func (m *Manager) SyncRepo(ctx context.Context, url string) (int, error) {
	repo, err := m.repos.GetByURL(ctx, url)
	if err != nil {
		return 0, err
	}
	if repo == nil {
		return 0, errkind.New(errkind.NotFound, "content repo %s is not registered", url)
	}

	refs, err := m.refs.ListByRepo(ctx, repo.ID)
	if err != nil {
		return 0, err
	}

	var synced int
	var errs []string
	for _, ref := range refs {
		if err := m.SyncRef(ctx, url, ref.SourceRef); err != nil {
			m.log.Error("ref sync failed", "url", url, "ref", ref.SourceRef, "err", err)
			errs = append(errs, fmt.Sprintf("%s: %v", ref.SourceRef, err))
			continue
		}
		synced++
	}

	if len(errs) > 0 {
		return synced, errkind.New(errkind.Fetch, "%d of %d refs failed to sync: %s",
			len(errs), len(refs), strings.Join(errs, "; "))
	}

	if err := m.maintainMirror(ctx, url, repo.BarePath); err != nil {
		m.log.Warn("mirror maintenance failed", "url", url, "err", err)
	}
	return synced, nil
}

// maintainMirror prunes stale worktree metadata, expires unreachable
// refs and runs gc according to the configured mode.
func (m *Manager) maintainMirror(ctx context.Context, url, barePath string) error {
	m.repoLocks.Lock(url)
	defer m.repoLocks.Unlock(url)

	var errs []string

	// git worktree prune -v
	if _, err := m.run(ctx, nil, barePath, "worktree", "prune", "--verbose"); err != nil {
		errs = append(errs, err.Error())
	}

	// git reflog expire --expire-unreachable=all --all
	if _, err := m.run(ctx, nil, barePath, "reflog", "expire", "--expire-unreachable=all", "--all"); err != nil {
		errs = append(errs, err.Error())
	}

	if m.gitGC != GCOff {
		args := []string{"gc"}
		switch m.gitGC {
		case GCAuto:
			args = append(args, "--auto")
		case GCAggressive:
			args = append(args, "--aggressive")
		}
		if _, err := m.run(ctx, nil, barePath, args...); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// RemoveRef deletes the worktree directory and the ref row.
func (m *Manager) RemoveRef(ctx context.Context, url, ref string) error {
	repo, err := m.repos.GetByURL(ctx, url)
	if err != nil {
		return err
	}
	if repo == nil {
		return errkind.New(errkind.NotFound, "content repo %s is not registered", url)
	}
	refRow, err := m.refs.GetBySourceRef(ctx, repo.ID, ref)
	if err != nil {
		return err
	}
	if refRow == nil {
		return errkind.New(errkind.NotFound, "ref %q of %s is not registered", ref, url)
	}

	key := url + "#" + ref
	m.refLocks.Lock(key)
	defer m.refLocks.Unlock(key)

	if err := m.removeWorktreeDir(ctx, repo.BarePath, m.WorktreePath(url, ref)); err != nil {
		return err
	}
	return m.refs.Delete(ctx, refRow.ID)
}

func (m *Manager) removeWorktreeDir(ctx context.Context, barePath, wtPath string) error {
	if _, err := os.Stat(wtPath); os.IsNotExist(err) {
		return nil
	}
	m.log.Info("removing worktree", "path", wtPath)
	if err := os.RemoveAll(wtPath); err != nil {
		return fmt.Errorf("unable to remove worktree dir err:%w", err)
	}
	// git worktree prune --verbose
	if _, err := m.run(ctx, nil, barePath, "worktree", "prune", "--verbose"); err != nil {
		return err
	}
	return nil
}

// RemoveRepo removes all refs of the repo, the bare mirror directory and
// the repo row.
func (m *Manager) RemoveRepo(ctx context.Context, url string) error {
	repo, err := m.repos.GetByURL(ctx, url)
	if err != nil {
		return err
	}
	if repo == nil {
		return errkind.New(errkind.NotFound, "content repo %s is not registered", url)
	}

	refs, err := m.refs.ListByRepo(ctx, repo.ID)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if err := m.RemoveRef(ctx, url, ref.SourceRef); err != nil {
			return err
		}
	}

	m.repoLocks.Lock(url)
	defer m.repoLocks.Unlock(url)

	if err := os.RemoveAll(repo.BarePath); err != nil {
		return fmt.Errorf("unable to remove mirror dir err:%w", err)
	}
	// the per-repo worktrees dir may hold stale checkouts
	if err := os.RemoveAll(filepath.Join(m.root, "worktrees", giturl.Hash(url))); err != nil {
		return fmt.Errorf("unable to remove worktrees dir err:%w", err)
	}

	return m.repos.Delete(ctx, repo.ID)
}

// Reconcile scans the on-disk layout against the registries on startup.
// Worktree directories without a ref row are pruned; ref rows whose
// worktree is missing keep their row and are lazily re-created on next
// use.
func (m *Manager) Reconcile(ctx context.Context) error {
	known := map[string]bool{}

	refs, err := m.refs.List(ctx)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if ref.WorktreePath == "" {
			continue
		}
		if _, err := os.Stat(ref.WorktreePath); os.IsNotExist(err) {
			m.log.Info("worktree missing on disk, will re-create lazily", "path", ref.WorktreePath)
		}
		known[ref.WorktreePath] = true
	}

	wtRoot := filepath.Join(m.root, "worktrees")
	repoDirs, err := os.ReadDir(wtRoot)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, repoDir := range repoDirs {
		if !repoDir.IsDir() {
			continue
		}
		base := filepath.Join(wtRoot, repoDir.Name())
		err := utils.RemoveDirContentsIf(base, m.log, func(fi os.FileInfo) (bool, error) {
			p := filepath.Join(base, fi.Name())
			if known[p] {
				return false, nil
			}
			m.log.Info("pruning orphan worktree", "path", p)
			return true, nil
		})
		if err != nil {
			return fmt.Errorf("unable to prune orphan worktrees err:%w", err)
		}
	}

	return nil
}

// ReadWorktreeFile reads a file from the worktree, rejecting paths that
// escape it.
func ReadWorktreeFile(worktreePath, rel string) ([]byte, error) {
	p := filepath.Join(worktreePath, filepath.Clean("/"+rel))
	if !strings.HasPrefix(p, worktreePath+string(os.PathSeparator)) {
		return nil, errkind.New(errkind.Validation, "file path %q escapes the worktree", rel)
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, errkind.Wrap(errkind.Missing, err, "file %q not found in worktree", rel)
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.Read, err, "unable to read %q", rel)
	}
	return data, nil
}

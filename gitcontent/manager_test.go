package gitcontent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openwiki/packsync/errkind"
	"github.com/openwiki/packsync/registry"
)

// collectors must register exactly once, even on the default registerer
func TestEnableMetricsWithDefaultRegisterer(t *testing.T) {
	require.NotPanics(t, func() {
		EnableMetrics("packsync_gittest", prometheus.DefaultRegisterer)
	})
}

const testRemote = "https://host.xz/org/content.git"

// fakeGit simulates just enough of the git CLI for the manager: clone
// and worktree-add create directories, read-only commands answer from
// the commits map.
type fakeGit struct {
	commits map[string]string // ref -> commit
	remote  string
	calls   []string
	fetches int
}

func (g *fakeGit) run(_ context.Context, _ []string, cwd string, args ...string) (string, error) {
	g.calls = append(g.calls, strings.Join(args, " "))

	switch args[0] {
	case "clone":
		dst := args[len(args)-1]
		if err := os.MkdirAll(dst, 0755); err != nil {
			return "", err
		}
		return "", os.WriteFile(filepath.Join(dst, "HEAD"), []byte("ref: refs/heads/main\n"), 0644)
	case "rev-parse":
		switch args[1] {
		case "--is-bare-repository":
			return "true", nil
		case "--is-inside-work-tree":
			return "true", nil
		case "--show-toplevel":
			return cwd, nil
		}
	case "config":
		return g.remote, nil
	case "fsck":
		return "", nil
	case "fetch":
		g.fetches++
		return "", nil
	case "log":
		ref := args[len(args)-1]
		commit, ok := g.commits[ref]
		if !ok {
			return "", fmt.Errorf("unknown revision %q", ref)
		}
		return commit, nil
	case "worktree":
		if args[1] == "add" {
			dst := args[len(args)-2]
			if err := os.MkdirAll(dst, 0755); err != nil {
				return "", err
			}
			return "", os.WriteFile(filepath.Join(dst, "manifest.yml"), []byte("schema_version: \"1.0.0\"\n"), 0644)
		}
		return "", nil
	case "reset":
		return "", nil
	}
	return "", nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func testManager(t *testing.T) (*Manager, *fakeGit, *registry.RepoRegistry, *registry.RefRegistry, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	db, err := registry.Open(":memory:", clock.now)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repos := registry.NewRepoRegistry(db)
	refs := registry.NewRefRegistry(db)

	m, err := NewManager(t.TempDir(), repos, refs, nil, nil)
	require.NoError(t, err)

	git := &fakeGit{remote: testRemote, commits: map[string]string{
		"main": "52e804596380380a9826bc12f891b7003350c518",
	}}
	m.SetRunner(git.run)

	return m, git, repos, refs, clock
}

func TestPathsDeterministic(t *testing.T) {
	m, _, _, _, _ := testManager(t)

	if m.BarePath(testRemote) != m.BarePath(" HTTPS://host.xz/org/content.git/ ") {
		t.Errorf("BarePath must be stable across url spellings")
	}
	if !strings.HasSuffix(m.BarePath(testRemote), ".git") {
		t.Errorf("bare mirrors live under cache/<urlhash>.git")
	}
	if m.WorktreePath(testRemote, "main") == m.WorktreePath(testRemote, "develop") {
		t.Errorf("worktree paths must differ per ref")
	}
}

func TestEnsureBareRepoIdempotent(t *testing.T) {
	m, _, repos, _, _ := testManager(t)
	ctx := context.Background()

	p1, err := m.EnsureBareRepo(ctx, testRemote, "main")
	require.NoError(t, err)
	p2, err := m.EnsureBareRepo(ctx, testRemote, "main")
	require.NoError(t, err)
	assert.Equal(t, p1, p2)

	all, err := repos.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, p1, all[0].BarePath)
	assert.NotZero(t, all[0].LastFetched, "clone stamps last_fetched")
}

func TestEnsureWorktree(t *testing.T) {
	m, _, _, refs, _ := testManager(t)
	ctx := context.Background()

	// worktree before repo is a hard not found
	_, err := m.EnsureWorktree(ctx, testRemote, "main")
	require.Error(t, err)
	assert.Equal(t, errkind.NotFound, errkind.KindOf(err))

	_, err = m.EnsureBareRepo(ctx, testRemote, "main")
	require.NoError(t, err)

	wt1, err := m.EnsureWorktree(ctx, testRemote, "main")
	require.NoError(t, err)
	wt2, err := m.EnsureWorktree(ctx, testRemote, "main")
	require.NoError(t, err)
	assert.Equal(t, wt1, wt2)

	all, err := refs.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, wt1, all[0].WorktreePath)
	assert.Equal(t, "52e804596380380a9826bc12f891b7003350c518", all[0].LastCommit)

	// unknown refs surface as not found
	_, err = m.EnsureWorktree(ctx, testRemote, "gone")
	require.Error(t, err)
	assert.Equal(t, errkind.NotFound, errkind.KindOf(err))
}

func TestSyncRefAdvancesCommitAndLastFetched(t *testing.T) {
	m, git, repos, refs, clock := testManager(t)
	ctx := context.Background()

	_, err := m.EnsureBareRepo(ctx, testRemote, "main")
	require.NoError(t, err)
	_, err = m.EnsureWorktree(ctx, testRemote, "main")
	require.NoError(t, err)

	before, err := repos.GetByURL(ctx, testRemote)
	require.NoError(t, err)

	clock.t = clock.t.Add(time.Hour)
	git.commits["main"] = "a555a3c852bd26bad24c80f693ca6855640fa5ed"

	require.NoError(t, m.SyncRef(ctx, testRemote, "main"))
	assert.Equal(t, 1, git.fetches)

	after, err := repos.GetByURL(ctx, testRemote)
	require.NoError(t, err)
	assert.Greater(t, after.LastFetched, before.LastFetched, "sync must advance last_fetched")

	refRows, err := refs.ListByRepo(ctx, after.ID)
	require.NoError(t, err)
	require.Len(t, refRows, 1)
	assert.Equal(t, "a555a3c852bd26bad24c80f693ca6855640fa5ed", refRows[0].LastCommit)
}

func TestSyncRepoAggregatesFailures(t *testing.T) {
	m, git, _, _, _ := testManager(t)
	ctx := context.Background()

	git.commits["develop"] = "b996dcd2524489623d33f5ed49771b5211c3e42521445010610bb040884edeee"

	_, err := m.EnsureBareRepo(ctx, testRemote, "main")
	require.NoError(t, err)
	_, err = m.EnsureWorktree(ctx, testRemote, "main")
	require.NoError(t, err)
	_, err = m.EnsureWorktree(ctx, testRemote, "develop")
	require.NoError(t, err)

	// develop disappears upstream
	delete(git.commits, "develop")

	synced, err := m.SyncRepo(ctx, testRemote)
	assert.Equal(t, 1, synced, "sync continues past per-ref failures")
	require.Error(t, err)
	assert.Equal(t, errkind.Fetch, errkind.KindOf(err))
	assert.Contains(t, err.Error(), "develop")
}

func TestSyncRepoRunsMaintenance(t *testing.T) {
	m, git, _, _, _ := testManager(t)
	ctx := context.Background()

	_, err := m.EnsureBareRepo(ctx, testRemote, "main")
	require.NoError(t, err)
	_, err = m.EnsureWorktree(ctx, testRemote, "main")
	require.NoError(t, err)

	_, err = m.SyncRepo(ctx, testRemote)
	require.NoError(t, err)
	assert.Contains(t, git.calls, "worktree prune --verbose")
	assert.Contains(t, git.calls, "gc")

	require.NoError(t, m.SetGitGC(GCOff))
	git.calls = nil
	_, err = m.SyncRepo(ctx, testRemote)
	require.NoError(t, err)
	assert.NotContains(t, git.calls, "gc")

	assert.Error(t, m.SetGitGC("sometimes"))
}

func TestRemoveRepoCleansUp(t *testing.T) {
	m, _, repos, refs, _ := testManager(t)
	ctx := context.Background()

	_, err := m.EnsureBareRepo(ctx, testRemote, "main")
	require.NoError(t, err)
	wt, err := m.EnsureWorktree(ctx, testRemote, "main")
	require.NoError(t, err)

	require.NoError(t, m.RemoveRepo(ctx, testRemote))

	if _, err := os.Stat(wt); !os.IsNotExist(err) {
		t.Errorf("worktree dir should be removed")
	}
	if _, err := os.Stat(m.BarePath(testRemote)); !os.IsNotExist(err) {
		t.Errorf("bare dir should be removed")
	}

	all, err := repos.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	refRows, err := refs.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, refRows)
}

func TestReconcilePrunesOrphans(t *testing.T) {
	m, _, _, _, _ := testManager(t)
	ctx := context.Background()

	_, err := m.EnsureBareRepo(ctx, testRemote, "main")
	require.NoError(t, err)
	wt, err := m.EnsureWorktree(ctx, testRemote, "main")
	require.NoError(t, err)

	orphan := filepath.Join(filepath.Dir(wt), "deadbeef0000")
	require.NoError(t, os.MkdirAll(orphan, 0755))

	require.NoError(t, m.Reconcile(ctx))

	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Errorf("orphan worktree should be pruned")
	}
	if _, err := os.Stat(wt); err != nil {
		t.Errorf("registered worktree must survive reconcile: %v", err)
	}
}

func TestReadWorktreeFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "page.txt"), []byte("hello"), 0644))

	data, err := ReadWorktreeFile(dir, "page.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = ReadWorktreeFile(dir, "missing.txt")
	assert.Equal(t, errkind.Missing, errkind.KindOf(err))

	_, err = ReadWorktreeFile(dir, "../escape.txt")
	assert.Equal(t, errkind.Validation, errkind.KindOf(err))
}

//go:build deadlock_test

package e2e_test

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/openwiki/packsync/gitcontent"
	"github.com/openwiki/packsync/registry"
)

// These tests run git for real and exist to detect deadlocks and race
// conditions in the content manager's per-repo and per-ref locking.
// Build with -tags deadlock_test -race.

var testLog = slog.New(slog.NewTextHandler(os.Stderr, nil))

func mustRunGit(t *testing.T, cwd string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

// mustInitUpstream creates a repo with a manifest file on branch main
// and returns its file:// url.
func mustInitUpstream(t *testing.T, dir, content string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	mustRunGit(t, dir, "init", "-b", "main")
	if err := os.WriteFile(filepath.Join(dir, "manifest.yml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	mustRunGit(t, dir, "add", ".")
	mustRunGit(t, dir, "commit", "-m", "init")
	return "file://" + dir
}

func mustCommitUpstream(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "manifest.yml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	mustRunGit(t, dir, "add", ".")
	mustRunGit(t, dir, "commit", "-m", "update")
}

func mustManager(t *testing.T, root string) (*gitcontent.Manager, *registry.DB) {
	t.Helper()
	db, err := registry.Open(filepath.Join(root, "registry.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	m, err := gitcontent.NewManager(filepath.Join(root, "content"),
		registry.NewRepoRegistry(db), registry.NewRefRegistry(db), nil, testLog)
	if err != nil {
		t.Fatal(err)
	}
	return m, db
}

func Test_content_detect_race_sync(t *testing.T) {
	tmp := t.TempDir()
	ctx := context.Background()

	upstream := filepath.Join(tmp, "upstream")
	url := mustInitUpstream(t, upstream, "schema_version: \"1.0.0\"\npacks: {}\n")

	m, _ := mustManager(t, tmp)

	if _, err := m.EnsureBareRepo(ctx, url, "main"); err != nil {
		t.Fatalf("unable to mirror: %v", err)
	}
	wt, err := m.EnsureWorktree(ctx, url, "main")
	if err != nil {
		t.Fatalf("unable to create worktree: %v", err)
	}

	mustCommitUpstream(t, upstream, "schema_version: \"1.0.0\"\npacks: {}\n# v2\n")

	// concurrent syncs and reads must neither deadlock nor race; the
	// assertions themselves are always true
	wg := &sync.WaitGroup{}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.SyncRepo(ctx, url); err != nil {
				t.Error("unable to sync", "err", err)
			}
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := gitcontent.ReadWorktreeFile(wt, "manifest.yml"); err != nil {
				t.Error("unable to read worktree file", "err", err)
			}
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.EnsureWorktree(ctx, url, "main"); err != nil {
				t.Error("unable to ensure worktree", "err", err)
			}
		}()
	}
	wg.Wait()
}

func Test_content_detect_race_add_remove(t *testing.T) {
	tmp := t.TempDir()
	ctx := context.Background()

	url1 := mustInitUpstream(t, filepath.Join(tmp, "upstream1"), "schema_version: \"1.0.0\"\npacks: {}\n")
	url2 := mustInitUpstream(t, filepath.Join(tmp, "upstream2"), "schema_version: \"1.0.0\"\npacks: {}\n")

	m, _ := mustManager(t, tmp)

	// add/remove two repos concurrently, with reads of the other repo
	// in flight; distinct repos must never serialize against each other
	wg := &sync.WaitGroup{}
	for _, url := range []string{url1, url2} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if _, err := m.EnsureBareRepo(ctx, url, "main"); err != nil {
					t.Error("unable to mirror", "err", err)
					return
				}
				if _, err := m.EnsureWorktree(ctx, url, "main"); err != nil {
					t.Error("unable to create worktree", "err", err)
					return
				}
				if _, err := m.SyncRepo(ctx, url); err != nil {
					t.Error("unable to sync", "err", err)
					return
				}
				if err := m.RemoveRepo(ctx, url); err != nil {
					t.Error("unable to remove", "err", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if err := m.Reconcile(ctx); err != nil {
		t.Errorf("unable to reconcile: %v", err)
	}
}

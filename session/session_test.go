package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openwiki/packsync/apply"
	"github.com/openwiki/packsync/errkind"
	"github.com/openwiki/packsync/manifest"
	"github.com/openwiki/packsync/registry"
	"github.com/openwiki/packsync/wiki"
)

const sessionManifest = `
schema_version: "1.0.0"
packs:
  Core:
    version: "1.0.0"
    pages:
      Home: {file: home.md}
      "Template:Card": {file: card.md}
  UI:
    version: "1.0.0"
    depends_on: [Core]
    pages:
      Dashboard: {file: dashboard.md}
  Suite:
    version: "1.0.0"
    contains: [Core, UI]
`

// syncApplier runs the orchestrator inline so session tests observe the
// report immediately.
type syncApplier struct {
	orch *apply.Orchestrator
}

func (a *syncApplier) ApplyPlan(ctx context.Context, req *apply.Request) (*ApplyResult, error) {
	report, err := a.orch.Apply(ctx, req, nil)
	if err != nil {
		return nil, err
	}
	return &ApplyResult{Report: report}, nil
}

type fixture struct {
	mgr  *Manager
	wiki *wiki.Fake
	repo *registry.ContentRepo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := registry.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repos := registry.NewRepoRegistry(db)
	refs := registry.NewRefRegistry(db)
	packs := registry.NewPackRegistry(db)
	pages := registry.NewPageRegistry(db)

	worktree := t.TempDir()
	for name, content := range map[string]string{
		"home.md":      "home body",
		"card.md":      "card body",
		"dashboard.md": "dashboard body",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(worktree, name), []byte(content), 0644))
	}

	ctx := context.Background()
	repo, err := repos.Add(ctx, "https://host.xz/org/content.git", "main", "/tmp/bare")
	require.NoError(t, err)
	_, err = refs.Add(ctx, repo.ID, "main", worktree)
	require.NoError(t, err)

	store := manifest.NewStore(func(context.Context, string, string) ([]byte, error) {
		return []byte(sessionManifest), nil
	}, nil)

	w := wiki.NewFake()
	orch := apply.New(db, repos, refs, packs, pages, w, nil)

	return &fixture{
		mgr:  NewManager(store, repos, refs, packs, pages, w, &syncApplier{orch: orch}, nil),
		wiki: w,
		repo: repo,
	}
}

func (f *fixture) handle(t *testing.T, command, data string) *Response {
	t.Helper()
	resp, err := f.mgr.Handle(context.Background(), "alice", Command{
		Command: command,
		RepoURL: f.repo.URL,
		Ref:     "main",
		Data:    json.RawMessage(data),
	})
	require.NoError(t, err)
	return resp
}

func packDiff(t *testing.T, d Diff, pack string) map[string]any {
	t.Helper()
	packs, ok := d["packs"].(map[string]any)
	require.True(t, ok, "diff has no packs key: %v", d)
	p, ok := packs[pack].(map[string]any)
	require.True(t, ok, "diff has no entry for pack %q: %v", pack, packs)
	return p
}

func TestInitSeedsFullState(t *testing.T) {
	f := newFixture(t)

	resp := f.handle(t, CmdInit, "")
	assert.True(t, resp.Replace)
	assert.NotEmpty(t, resp.StateHash)

	core := packDiff(t, resp.Diff, "Core")
	assert.Equal(t, "unchanged", core["action"])
	assert.Equal(t, false, core["installed"])
	assert.Nil(t, core["current_version"])
	assert.Equal(t, "1.0.0", core["target_version"])

	// idempotent
	resp2 := f.handle(t, CmdInit, "")
	assert.Equal(t, resp.StateHash, resp2.StateHash)
}

func TestInstallSelectsDependencyClosure(t *testing.T) {
	f := newFixture(t)
	f.handle(t, CmdInit, "")

	resp := f.handle(t, CmdSetPackAction, `{"pack_name":"UI","action":"install"}`)

	ui := packDiff(t, resp.Diff, "UI")
	assert.Equal(t, "install", ui["action"])

	core := packDiff(t, resp.Diff, "Core")
	assert.Equal(t, "install", core["action"])
	assert.Equal(t, "required by UI", core["auto_selected_reason"])
}

func TestInstallSelectsContainedPacks(t *testing.T) {
	f := newFixture(t)
	f.handle(t, CmdInit, "")

	resp := f.handle(t, CmdSetPackAction, `{"pack_name":"Suite","action":"install"}`)

	core := packDiff(t, resp.Diff, "Core")
	assert.Equal(t, "install", core["action"])
	assert.Equal(t, "required by Suite", core["auto_selected_reason"])
	ui := packDiff(t, resp.Diff, "UI")
	assert.Equal(t, "install", ui["action"])
	assert.Equal(t, "required by Suite", ui["auto_selected_reason"])
}

func TestApplyRejectsRemovingRequiredPack(t *testing.T) {
	f := newFixture(t)
	f.handle(t, CmdInit, "")
	f.handle(t, CmdSetPackAction, `{"pack_name":"UI","action":"install"}`)
	f.handle(t, CmdApply, "")

	// removing Core auto-selects UI for removal; updating UI afterwards
	// leaves a selection whose closure still needs Core
	f.handle(t, CmdSetPackAction, `{"pack_name":"Core","action":"remove"}`)
	f.handle(t, CmdSetPackAction, `{"pack_name":"UI","action":"update"}`)

	_, err := f.mgr.Handle(context.Background(), "alice", Command{
		Command: CmdApply, RepoURL: f.repo.URL, Ref: "main",
	})
	require.Error(t, err)
	assert.Equal(t, errkind.DependencyViolation, errkind.KindOf(err))
	assert.Contains(t, err.Error(), "marked for removal")
}

func TestApplyInstallsSelection(t *testing.T) {
	f := newFixture(t)
	f.handle(t, CmdInit, "")
	f.handle(t, CmdSetPackAction, `{"pack_name":"UI","action":"install"}`)

	resp := f.handle(t, CmdApply, "")
	require.NotNil(t, resp.Report)
	assert.True(t, resp.Report.Success)
	assert.ElementsMatch(t, []string{"Core", "UI"}, resp.Report.Installed)
	assert.Empty(t, resp.Report.Failed)

	core := packDiff(t, resp.Diff, "Core")
	assert.Equal(t, "unchanged", core["action"])
	assert.Equal(t, true, core["installed"])
	assert.Equal(t, "1.0.0", core["current_version"])

	_, ok := f.wiki.Content("Dashboard")
	assert.True(t, ok)
}

func TestRemoveSelectsDependentClosure(t *testing.T) {
	f := newFixture(t)
	f.handle(t, CmdInit, "")
	f.handle(t, CmdSetPackAction, `{"pack_name":"UI","action":"install"}`)
	f.handle(t, CmdApply, "")

	resp := f.handle(t, CmdSetPackAction, `{"pack_name":"Core","action":"remove"}`)

	ui := packDiff(t, resp.Diff, "UI")
	assert.Equal(t, "remove", ui["action"])
	assert.Equal(t, "dependency of Core removed", ui["auto_selected_reason"])
}

func TestPrefixRewritesPageTitles(t *testing.T) {
	f := newFixture(t)
	f.handle(t, CmdInit, "")
	f.handle(t, CmdSetPackAction, `{"pack_name":"Core","action":"install"}`)

	resp := f.handle(t, CmdSetPackPrefix, `{"pack_name":"Core","prefix":"Pubs"}`)

	core := packDiff(t, resp.Diff, "Core")
	pages := core["pages"].(map[string]any)
	home := pages["Home"].(map[string]any)
	card := pages["Template:Card"].(map[string]any)
	assert.Equal(t, "Pubs/Home", home["final_title"])
	assert.Equal(t, "Template:Pubs/Card", card["final_title"], "namespace must be preserved")
}

func TestRenamePreservesNamespaceAndPrefix(t *testing.T) {
	f := newFixture(t)
	f.handle(t, CmdInit, "")
	f.handle(t, CmdSetPackAction, `{"pack_name":"Core","action":"install"}`)
	f.handle(t, CmdSetPackPrefix, `{"pack_name":"Core","prefix":"Pubs"}`)

	resp := f.handle(t, CmdRenamePage, `{"pack_name":"Core","page_name":"Template:Card","new_title":"Tile"}`)
	card := packDiff(t, resp.Diff, "Core")["pages"].(map[string]any)["Template:Card"].(map[string]any)
	assert.Equal(t, "Template:Pubs/Tile", card["final_title"])

	// changing the prefix afterwards keeps the rename
	resp = f.handle(t, CmdSetPackPrefix, `{"pack_name":"Core","prefix":"Docs"}`)
	card = packDiff(t, resp.Diff, "Core")["pages"].(map[string]any)["Template:Card"].(map[string]any)
	assert.Equal(t, "Template:Docs/Tile", card["final_title"])
}

func TestIllegalTransitionsRejected(t *testing.T) {
	f := newFixture(t)
	f.handle(t, CmdInit, "")

	_, err := f.mgr.Handle(context.Background(), "alice", Command{
		Command: CmdSetPackAction, RepoURL: f.repo.URL, Ref: "main",
		Data: json.RawMessage(`{"pack_name":"Core","action":"remove"}`),
	})
	require.Error(t, err, "removing a pack that is not installed")
	assert.Equal(t, errkind.Validation, errkind.KindOf(err))

	_, err = f.mgr.Handle(context.Background(), "alice", Command{
		Command: CmdSetPackPrefix, RepoURL: f.repo.URL, Ref: "main",
		Data: json.RawMessage(`{"pack_name":"Core","prefix":"Pubs"}`),
	})
	require.Error(t, err, "prefix on an unselected pack")
	assert.Equal(t, errkind.Validation, errkind.KindOf(err))
}

func TestStateMismatchReturnsDifferences(t *testing.T) {
	f := newFixture(t)
	h1 := f.handle(t, CmdInit, "").StateHash
	h2 := f.handle(t, CmdSetPackAction, `{"pack_name":"UI","action":"install"}`).StateHash
	require.NotEqual(t, h1, h2)

	resp, err := f.mgr.Handle(context.Background(), "alice", Command{
		Command: CmdSetPackPrefix, RepoURL: f.repo.URL, Ref: "main",
		Data:            json.RawMessage(`{"pack_name":"UI","prefix":"Pubs"}`),
		ClientStateHash: h1,
	})
	require.Error(t, err)
	assert.Equal(t, errkind.StateMismatch, errkind.KindOf(err))
	require.NotNil(t, resp)
	assert.NotEmpty(t, resp.Differences)
	assert.NotEmpty(t, resp.Reconcile)
	assert.Equal(t, h2, resp.StateHash)

	// the rejected command must not have mutated the session
	current, err := f.mgr.Handle(context.Background(), "alice", Command{
		Command: CmdSetPackPrefix, RepoURL: f.repo.URL, Ref: "main",
		Data:            json.RawMessage(`{"pack_name":"UI","prefix":"Pubs"}`),
		ClientStateHash: h2,
	})
	require.NoError(t, err)
	assert.NotNil(t, current)
}

func TestExternalCollisionWarning(t *testing.T) {
	f := newFixture(t)
	f.wiki.Seed("Dashboard", "already here")

	f.handle(t, CmdInit, "")
	resp := f.handle(t, CmdSetPackAction, `{"pack_name":"UI","action":"install"}`)

	require.NotEmpty(t, resp.Warnings)
	assert.Contains(t, resp.Warnings[0], "existing wiki page")
}

func TestClearResetsSession(t *testing.T) {
	f := newFixture(t)
	initial := f.handle(t, CmdInit, "")
	f.handle(t, CmdSetPackAction, `{"pack_name":"UI","action":"install"}`)

	resp := f.handle(t, CmdClear, "")
	assert.True(t, resp.Replace)
	assert.Equal(t, initial.StateHash, resp.StateHash)
}

func TestHashStability(t *testing.T) {
	f := newFixture(t)
	resp := f.handle(t, CmdInit, "")

	s := f.mgr.session("alice", f.repo.URL, "main")
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, resp.StateHash, s.state.Hash())
	assert.Equal(t, s.state.Hash(), s.state.Clone().Hash(), "clone must hash identically")
}

func TestDiffMergeLaw(t *testing.T) {
	base := map[string]any{
		"packs": map[string]any{
			"Core": map[string]any{"action": "unchanged", "prefix": ""},
			"UI":   map[string]any{"action": "unchanged"},
		},
	}
	d1 := Diff{"packs": map[string]any{"Core": map[string]any{"action": "install"}}}
	d2 := Diff{"packs": map[string]any{
		"Core": map[string]any{"prefix": "Pubs"},
		"UI":   Deleted,
	}}

	sequential := Merge(Merge(base, d1), d2)
	composed := Merge(base, Compose(d1, d2))
	assert.Equal(t, sequential, composed)

	// composing must keep both diffs' changes under a shared nested key
	core := Compose(d1, d2)["packs"].(map[string]any)["Core"].(map[string]any)
	assert.Equal(t, "install", core["action"])
	assert.Equal(t, "Pubs", core["prefix"])

	// deletion applied
	packs := sequential["packs"].(map[string]any)
	_, ok := packs["UI"]
	assert.False(t, ok)
	assert.Equal(t, "install", packs["Core"].(map[string]any)["action"])
	assert.Equal(t, "Pubs", packs["Core"].(map[string]any)["prefix"])
}

func TestSessionsAreIsolatedPerUser(t *testing.T) {
	f := newFixture(t)
	f.handle(t, CmdInit, "")
	f.handle(t, CmdSetPackAction, `{"pack_name":"UI","action":"install"}`)

	resp, err := f.mgr.Handle(context.Background(), "bob", Command{
		Command: CmdInit, RepoURL: f.repo.URL, Ref: "main",
	})
	require.NoError(t, err)
	ui := packDiff(t, resp.Diff, "UI")
	assert.Equal(t, "unchanged", ui["action"], "bob's session must not see alice's selection")
}

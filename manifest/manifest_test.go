package manifest

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openwiki/packsync/errkind"
)

const validManifest = `
schema_version: "1.0.0"
packs:
  core:
    version: "1.2.0"
    description: shared templates
    pages:
      Main: { file: pages/main.md }
      "Help:Usage": { file: pages/help.md }
  ui:
    version: "0.4.1"
    depends_on: [core]
    pages:
      Dashboard: { file: pages/dashboard.md }
  suite:
    version: "2.0.0"
    contains: [core, ui]
`

func TestLoadValidManifest(t *testing.T) {
	m, err := Load([]byte(validManifest))
	require.NoError(t, err)

	assert.Equal(t, []string{"core", "suite", "ui"}, m.PackIDs())
	assert.Equal(t, "1.2.0", m.Packs["core"].Version)
	assert.Equal(t, []string{"Help:Usage", "Main"}, m.Packs["core"].PageNames())
	assert.Equal(t, "pages/main.md", m.Packs["core"].Pages["Main"].File)
	assert.Equal(t, []string{"core"}, m.Packs["ui"].DependsOn)
	assert.Equal(t, []string{"core", "ui"}, m.Packs["suite"].Contains)
}

func TestLoadNormalisesListForms(t *testing.T) {
	// packs as a list of objects, pages as plain names
	m, err := Load([]byte(`
schema_version: "1.0.0"
packs:
  - id: core
    version: "1.0.0"
    pages: [Main, About]
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"About", "Main"}, m.Packs["core"].PageNames())
}

// deepYAML nests n mappings, one per line.
func deepYAML(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteString(strings.Repeat(" ", i) + "a:\n")
	}
	b.WriteString(strings.Repeat(" ", n) + "b: 1")
	return b.String()
}

func TestParseRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		data string
		kind errkind.Kind
	}{
		{"broken yaml", "packs: [unclosed", errkind.Parse},
		{"too deep", deepYAML(40), errkind.Parse},
		{"missing schema version", "packs: {core: {version: \"1.0.0\", pages: [A]}}", errkind.Schema},
		{"wrong schema version", "schema_version: \"2.0.0\"\npacks: {core: {version: \"1.0.0\", pages: [A]}}", errkind.SchemaVersion},
		{"no packs", "schema_version: \"1.0.0\"", errkind.Schema},
		{"empty pack", "schema_version: \"1.0.0\"\npacks: {core: {version: \"1.0.0\"}}", errkind.Schema},
		{"bad semver", "schema_version: \"1.0.0\"\npacks: {core: {version: latest, pages: [A]}}", errkind.Schema},
		{"unknown reference", "schema_version: \"1.0.0\"\npacks: {core: {version: \"1.0.0\", depends_on: [gone]}}", errkind.Schema},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load([]byte(tc.data))
			require.Error(t, err)
			assert.Equal(t, tc.kind, errkind.KindOf(err))
		})
	}
}

func TestOversizedManifestRejected(t *testing.T) {
	_, err := Parse(make([]byte, maxSize+1))
	require.Error(t, err)
	assert.Equal(t, errkind.Parse, errkind.KindOf(err))
}

func TestCycleDetectionReportsNodes(t *testing.T) {
	_, err := Load([]byte(`
schema_version: "1.0.0"
packs:
  a: {version: "1.0.0", depends_on: [b]}
  b: {version: "1.0.0", depends_on: [c]}
  c: {version: "1.0.0", depends_on: [a]}
  standalone: {version: "1.0.0", pages: [P]}
`))
	require.Error(t, err)
	assert.Equal(t, errkind.Schema, errkind.KindOf(err))

	cycle, ok := errkind.ContextOf(err)["cycle"].([]string)
	require.True(t, ok, "cycle node list missing from error context")
	assert.Equal(t, []string{"a", "b", "c"}, cycle)
}

func TestHashStableAcrossFormatting(t *testing.T) {
	m1, err := Load([]byte(validManifest))
	require.NoError(t, err)

	// same content, different key order and formatting
	m2, err := Load([]byte(`
schema_version: "1.0.0"
packs:
  suite: {version: "2.0.0", contains: [ui, core]}
  ui:
    version: "0.4.1"
    depends_on: [core]
    pages: {Dashboard: {file: pages/dashboard.md}}
  core:
    version: "1.2.0"
    description: "shared templates"
    pages:
      "Help:Usage": {file: pages/help.md}
      Main: {file: pages/main.md}
`))
	require.NoError(t, err)

	assert.Equal(t, m1.Hash(), m2.Hash())

	m3, err := Load([]byte(strings.Replace(validManifest, `"1.2.0"`, `"1.3.0"`, 1)))
	require.NoError(t, err)
	assert.NotEqual(t, m1.Hash(), m3.Hash())
}

func TestDeriveHierarchy(t *testing.T) {
	m, err := Load([]byte(validManifest))
	require.NoError(t, err)

	roots := DeriveHierarchy(m)
	require.Len(t, roots, 1, "contained packs must not appear as roots")
	suite := roots[0]
	assert.Equal(t, "suite", suite.ID)
	require.Len(t, suite.Children, 2)
	assert.Equal(t, "core", suite.Children[0].ID)
	assert.Equal(t, "ui", suite.Children[1].ID)
	assert.Equal(t, []string{"Help:Usage", "Main"}, suite.Children[0].Pages)
}

func TestDeriveGraphAndStats(t *testing.T) {
	m, err := Load([]byte(validManifest))
	require.NoError(t, err)

	g := DeriveGraph(m)
	assert.Equal(t, []string{"core", "suite", "ui"}, g.Nodes)
	assert.Equal(t, []Edge{{From: "suite", To: "core"}, {From: "suite", To: "ui"}}, g.Contains)
	assert.Equal(t, []Edge{{From: "ui", To: "core"}}, g.Depends)

	s := DeriveStats(m)
	assert.Equal(t, Stats{PackCount: 3, PageCount: 3}, s)
}

func TestStoreCacheInvalidatesOnFetchGeneration(t *testing.T) {
	sources := 0
	store := NewStore(func(_ context.Context, _, _ string) ([]byte, error) {
		sources++
		return []byte(validManifest), nil
	}, nil)
	ctx := context.Background()

	key := Key{RepoURL: "https://host.xz/org/content.git", Ref: "main", LastFetched: 1000}

	r1, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, r1.Meta.FromCache)

	r2, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, r2.Meta.FromCache)
	assert.Equal(t, 1, sources, "hit must not re-run the pipeline")

	// fetch generation advances, the cache entry is contractually stale
	key.LastFetched = 2000
	r3, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, r3.Meta.FromCache)
	assert.Equal(t, 2, sources)
	assert.Equal(t, r1.Meta.Hash, r3.Meta.Hash, "unchanged content keeps its hash")
}

func TestStoreRefreshBypassesCache(t *testing.T) {
	sources := 0
	store := NewStore(func(_ context.Context, _, _ string) ([]byte, error) {
		sources++
		return []byte(validManifest), nil
	}, nil)
	ctx := context.Background()

	key := Key{RepoURL: "https://host.xz/org/content.git", Ref: "main", LastFetched: 1000}

	_, err := store.Get(ctx, key)
	require.NoError(t, err)
	r, err := store.Refresh(ctx, key)
	require.NoError(t, err)
	assert.False(t, r.Meta.FromCache)
	assert.Equal(t, 2, sources)

	// the refreshed entry is cached again
	r2, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, r2.Meta.FromCache)
}

func TestStorePropagatesSourceErrors(t *testing.T) {
	store := NewStore(func(_ context.Context, _, _ string) ([]byte, error) {
		return nil, errkind.New(errkind.Missing, "no manifest")
	}, nil)

	_, err := store.Get(context.Background(), Key{RepoURL: "u", Ref: "r"})
	require.Error(t, err)
	assert.Equal(t, errkind.Missing, errkind.KindOf(err))
}

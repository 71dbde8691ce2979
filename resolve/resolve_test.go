package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openwiki/packsync/errkind"
	"github.com/openwiki/packsync/manifest"
)

func TestFinalTitle(t *testing.T) {
	tests := []struct {
		prefix, original, rename, want string
	}{
		{"", "Home", "", "Home"},
		{"Pubs", "Home", "", "Pubs/Home"},
		{"Pubs", "Template:Card", "", "Template:Pubs/Card"},
		{"Pubs", "Home", "Start", "Pubs/Start"},
		{"", "Template:Card", "Tile", "Template:Tile"},
		{"", ":oddity", "", ":oddity"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, FinalTitle(tc.prefix, tc.original, tc.rename),
			"FinalTitle(%q, %q, %q)", tc.prefix, tc.original, tc.rename)
	}
}

func testManifest(t *testing.T) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Load([]byte(`
schema_version: "1.0.0"
packs:
  core:
    version: "1.0.0"
    pages: {Main: {file: main.md}, Shared: {file: shared.md}}
  ui:
    version: "1.0.0"
    depends_on: [core]
    pages: {Dashboard: {file: dash.md}, Shared: {file: shared2.md}}
  suite:
    version: "1.0.0"
    contains: [ui]
`))
	require.NoError(t, err)
	return m
}

func TestSelectionClosureSound(t *testing.T) {
	m := testManifest(t)

	c, err := SelectionClosure(m, []string{"suite"})
	require.NoError(t, err)

	// the closure contains the selection and is closed under both edge sets
	assert.Equal(t, []string{"core", "suite", "ui"}, c.Packs)
	assert.Equal(t, []string{"Dashboard", "Main", "Shared"}, c.Pages)
	assert.Equal(t, []string{"core", "ui"}, c.PageOwners["Shared"])
}

func TestSelectionClosureUnknownPack(t *testing.T) {
	_, err := SelectionClosure(testManifest(t), []string{"gone"})
	require.Error(t, err)
	assert.Equal(t, errkind.NotFound, errkind.KindOf(err))
}

func TestPlanActions(t *testing.T) {
	m := testManifest(t)
	c, err := SelectionClosure(m, []string{"ui"})
	require.NoError(t, err)

	plan := Plan(PlanInput{
		Closure:      c,
		Installed:    map[string]bool{"Main": true},
		Collisions:   map[string]bool{"Dashboard": true},
		GlobalPrefix: "Pubs",
		Overrides:    map[string]Action{"Shared": Skip},
	})

	byPage := map[string]PlanEntry{}
	for _, e := range plan {
		byPage[e.Page] = e
	}

	assert.Equal(t, Update, byPage["Main"].Action)
	assert.Equal(t, "Main", byPage["Main"].FinalTitle)

	// colliding page gets the global prefix and a rename action
	assert.Equal(t, Rename, byPage["Dashboard"].Action)
	assert.Equal(t, "Pubs/Dashboard", byPage["Dashboard"].FinalTitle)

	// skip override wins even for shared pages
	assert.Equal(t, Skip, byPage["Shared"].Action)
	assert.Equal(t, "core", byPage["Shared"].Owner)
}

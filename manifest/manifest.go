// Package manifest implements the content manifest pipeline: fetching
// manifest.yml from a worktree or over http, parsing and validating it,
// deriving the pack hierarchy and graph, and caching the results keyed
// by the repo's fetch generation.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openwiki/packsync/errkind"
)

const (
	// FileName is the manifest's well known path at the worktree root.
	FileName = "manifest.yml"

	// maxSize caps manifest input at 10 MiB.
	maxSize = 10 << 20
	// maxDepth caps yaml document nesting.
	maxDepth = 32
)

// Document is a parsed but not yet validated manifest file.
type Document struct {
	SchemaVersion string
	packs         yaml.Node
}

// Manifest is a validated manifest, packs keyed by id.
type Manifest struct {
	SchemaVersion string
	Packs         map[string]*Pack
}

// Pack is one declared content pack.
type Pack struct {
	ID          string
	Version     string
	Description string
	DependsOn   []string
	Contains    []string
	Pages       map[string]Page // page name -> source
}

// Page points at the page body within the content repo.
type Page struct {
	File string
}

// PackIDs returns the pack ids in sorted order.
func (m *Manifest) PackIDs() []string {
	ids := make([]string, 0, len(m.Packs))
	for id := range m.Packs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PageNames returns the pack's page names in sorted order.
func (p *Pack) PageNames() []string {
	names := make([]string, 0, len(p.Pages))
	for name := range p.Pages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Parse decodes manifest yaml into a Document. Oversized or overly
// nested input and malformed yaml fail with a parse error.
func Parse(data []byte) (*Document, error) {
	if len(data) > maxSize {
		return nil, errkind.New(errkind.Parse, "manifest exceeds %d bytes", maxSize)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, errkind.Wrap(errkind.Parse, err, "invalid manifest yaml")
	}
	if depth := nodeDepth(&root); depth > maxDepth {
		return nil, errkind.New(errkind.Parse, "manifest nesting depth %d exceeds %d", depth, maxDepth)
	}

	var raw struct {
		SchemaVersion string    `yaml:"schema_version"`
		Packs         yaml.Node `yaml:"packs"`
	}
	if err := root.Decode(&raw); err != nil {
		return nil, errkind.Wrap(errkind.Parse, err, "invalid manifest structure")
	}

	return &Document{SchemaVersion: raw.SchemaVersion, packs: raw.Packs}, nil
}

func nodeDepth(n *yaml.Node) int {
	max := 0
	for _, c := range n.Content {
		if d := nodeDepth(c); d > max {
			max = d
		}
	}
	return max + 1
}

// Load parses and validates manifest bytes in one step.
func Load(data []byte) (*Manifest, error) {
	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return Validate(doc)
}

// Hash returns a stable hex sha256 over the canonicalised manifest
// content. Equal manifests hash equal regardless of yaml formatting or
// key order.
func (m *Manifest) Hash() string {
	var b strings.Builder
	fmt.Fprintf(&b, "schema_version=%s\n", m.SchemaVersion)
	for _, id := range m.PackIDs() {
		p := m.Packs[id]
		fmt.Fprintf(&b, "pack=%s version=%s description=%q\n", id, p.Version, p.Description)
		fmt.Fprintf(&b, "depends_on=%s\n", strings.Join(sortedCopy(p.DependsOn), ","))
		fmt.Fprintf(&b, "contains=%s\n", strings.Join(sortedCopy(p.Contains), ","))
		for _, name := range p.PageNames() {
			fmt.Fprintf(&b, "page=%s file=%s\n", name, p.Pages[name].File)
		}
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

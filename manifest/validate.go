package manifest

import (
	"sort"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/openwiki/packsync/errkind"
)

// SchemaVersion is the only manifest schema this build understands.
const SchemaVersion = "1.0.0"

// Validate checks the document against the schema and returns the
// normalised manifest. Packs given as a list are keyed by their id
// field; packs given as a map take the key as id.
func Validate(doc *Document) (*Manifest, error) {
	if doc.SchemaVersion == "" {
		return nil, errkind.New(errkind.Schema, "manifest is missing schema_version")
	}
	if doc.SchemaVersion != SchemaVersion {
		return nil, errkind.New(errkind.SchemaVersion,
			"unsupported schema_version %q, this build understands %q", doc.SchemaVersion, SchemaVersion)
	}

	packs, err := normalisePacks(&doc.packs)
	if err != nil {
		return nil, err
	}
	if len(packs) == 0 {
		return nil, errkind.New(errkind.Schema, "manifest declares no packs")
	}

	m := &Manifest{SchemaVersion: doc.SchemaVersion, Packs: packs}

	for _, id := range m.PackIDs() {
		if err := validatePack(m, m.Packs[id]); err != nil {
			return nil, err
		}
	}

	if cycle := findCycle(m); len(cycle) > 0 {
		return nil, errkind.New(errkind.Schema, "pack references form a cycle").
			With("cycle", cycle)
	}

	return m, nil
}

// rawPack mirrors the yaml shape of one pack entry.
type rawPack struct {
	ID          string    `yaml:"id"`
	Version     string    `yaml:"version"`
	Description string    `yaml:"description"`
	DependsOn   []string  `yaml:"depends_on"`
	Contains    []string  `yaml:"contains"`
	Pages       yaml.Node `yaml:"pages"`
}

// normalisePacks accepts the packs node as either a map keyed by pack
// id or a list of pack objects carrying an id field.
func normalisePacks(node *yaml.Node) (map[string]*Pack, error) {
	packs := map[string]*Pack{}

	add := func(id string, raw *rawPack) error {
		if id == "" {
			return errkind.New(errkind.Schema, "pack without an id")
		}
		if _, dup := packs[id]; dup {
			return errkind.New(errkind.Schema, "pack %q is declared twice", id)
		}
		pages, err := normalisePages(id, &raw.Pages)
		if err != nil {
			return err
		}
		packs[id] = &Pack{
			ID:          id,
			Version:     raw.Version,
			Description: raw.Description,
			DependsOn:   raw.DependsOn,
			Contains:    raw.Contains,
			Pages:       pages,
		}
		return nil
	}

	switch node.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			id := node.Content[i].Value
			var raw rawPack
			if err := node.Content[i+1].Decode(&raw); err != nil {
				return nil, errkind.Wrap(errkind.Schema, err, "pack %q is malformed", id)
			}
			if err := add(id, &raw); err != nil {
				return nil, err
			}
		}
	case yaml.SequenceNode:
		for _, item := range node.Content {
			var raw rawPack
			if err := item.Decode(&raw); err != nil {
				return nil, errkind.Wrap(errkind.Schema, err, "pack entry is malformed")
			}
			if err := add(raw.ID, &raw); err != nil {
				return nil, err
			}
		}
	case 0:
		return nil, errkind.New(errkind.Schema, "manifest is missing packs")
	default:
		return nil, errkind.New(errkind.Schema, "packs must be a map or a list")
	}

	return packs, nil
}

// normalisePages accepts pages as either a map of name to {file} or a
// plain list of page names.
func normalisePages(packID string, node *yaml.Node) (map[string]Page, error) {
	switch node.Kind {
	case 0:
		return nil, nil
	case yaml.MappingNode:
		var m map[string]Page
		if err := node.Decode(&m); err != nil {
			return nil, errkind.Wrap(errkind.Schema, err, "pages of pack %q are malformed", packID)
		}
		return m, nil
	case yaml.SequenceNode:
		var names []string
		if err := node.Decode(&names); err != nil {
			return nil, errkind.Wrap(errkind.Schema, err, "pages of pack %q are malformed", packID)
		}
		m := make(map[string]Page, len(names))
		for _, name := range names {
			m[name] = Page{}
		}
		return m, nil
	default:
		return nil, errkind.New(errkind.Schema, "pages of pack %q must be a map or a list", packID)
	}
}

func validatePack(m *Manifest, p *Pack) error {
	if p.Version == "" {
		return errkind.New(errkind.Schema, "pack %q is missing a version", p.ID)
	}
	if _, err := semver.NewVersion(p.Version); err != nil {
		return errkind.Wrap(errkind.Schema, err, "pack %q version %q is not valid semver", p.ID, p.Version)
	}
	if len(p.Pages) == 0 && len(p.Contains) == 0 && len(p.DependsOn) == 0 {
		return errkind.New(errkind.Schema,
			"pack %q must declare at least one of pages, contains or depends_on", p.ID)
	}
	for _, ref := range p.Contains {
		if _, ok := m.Packs[ref]; !ok {
			return errkind.New(errkind.Schema, "pack %q contains unknown pack %q", p.ID, ref)
		}
	}
	for _, ref := range p.DependsOn {
		if _, ok := m.Packs[ref]; !ok {
			return errkind.New(errkind.Schema, "pack %q depends on unknown pack %q", p.ID, ref)
		}
	}
	return nil
}

// findCycle runs Kahn's algorithm over the combined contains and
// depends_on edges. An empty result means the references form a DAG;
// otherwise the sorted ids of the packs stuck on a cycle are returned.
func findCycle(m *Manifest) []string {
	indegree := map[string]int{}
	out := map[string][]string{}
	for id := range m.Packs {
		indegree[id] = 0
	}
	for id, p := range m.Packs {
		for _, ref := range append(append([]string(nil), p.Contains...), p.DependsOn...) {
			out[id] = append(out[id], ref)
			indegree[ref]++
		}
	}

	queue := []string{}
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, ref := range out[id] {
			indegree[ref]--
			if indegree[ref] == 0 {
				queue = append(queue, ref)
			}
		}
	}

	if visited == len(m.Packs) {
		return nil
	}
	var cycle []string
	for id, d := range indegree {
		if d > 0 {
			cycle = append(cycle, id)
		}
	}
	sort.Strings(cycle)
	return cycle
}

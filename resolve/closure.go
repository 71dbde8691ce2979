package resolve

import (
	"sort"

	"github.com/openwiki/packsync/errkind"
	"github.com/openwiki/packsync/manifest"
)

// Closure is the transitive selection over contains and depends_on
// edges. PageOwners records, per page, every selected pack declaring it.
type Closure struct {
	Packs      []string            `json:"packs"`
	Pages      []string            `json:"pages"`
	PageOwners map[string][]string `json:"page_owners"`
}

// SelectionClosure expands the manually selected pack ids to their
// transitive closure under contains and depends_on. The result always
// contains the selection itself; unknown ids fail with not_found.
func SelectionClosure(m *manifest.Manifest, selected []string) (*Closure, error) {
	seen := map[string]bool{}
	var visit func(id string) error
	visit = func(id string) error {
		if seen[id] {
			return nil
		}
		p, ok := m.Packs[id]
		if !ok {
			return errkind.New(errkind.NotFound, "pack %q is not declared in the manifest", id)
		}
		seen[id] = true
		for _, next := range append(append([]string(nil), p.Contains...), p.DependsOn...) {
			if err := visit(next); err != nil {
				return err
			}
		}
		return nil
	}
	for _, id := range selected {
		if err := visit(id); err != nil {
			return nil, err
		}
	}

	c := &Closure{PageOwners: map[string][]string{}}
	for id := range seen {
		c.Packs = append(c.Packs, id)
		for name := range m.Packs[id].Pages {
			c.PageOwners[name] = append(c.PageOwners[name], id)
		}
	}
	sort.Strings(c.Packs)
	for name, owners := range c.PageOwners {
		sort.Strings(owners)
		c.Pages = append(c.Pages, name)
	}
	sort.Strings(c.Pages)
	return c, nil
}

package manifest

// HierarchyNode is one pack in the containment forest.
type HierarchyNode struct {
	ID       string           `json:"id"`
	Version  string           `json:"version"`
	Pages    []string         `json:"pages,omitempty"`
	Children []*HierarchyNode `json:"children,omitempty"`
}

// Edge is a directed pack reference.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Graph holds the manifest's contains and depends edge sets with
// deterministic ordering.
type Graph struct {
	Nodes    []string `json:"nodes"`
	Contains []Edge   `json:"contains"`
	Depends  []Edge   `json:"depends"`
}

// Stats are the manifest's headline counts.
type Stats struct {
	PackCount int `json:"pack_count"`
	PageCount int `json:"page_count"`
}

// DeriveHierarchy builds the containment forest. Roots are packs not
// contained in any other pack; siblings are ordered by id. The manifest
// must be validated, unresolved references panic.
func DeriveHierarchy(m *Manifest) []*HierarchyNode {
	contained := map[string]bool{}
	for _, p := range m.Packs {
		for _, child := range p.Contains {
			contained[child] = true
		}
	}

	var build func(id string) *HierarchyNode
	build = func(id string) *HierarchyNode {
		p := m.Packs[id]
		node := &HierarchyNode{ID: id, Version: p.Version, Pages: p.PageNames()}
		for _, child := range sortedCopy(p.Contains) {
			node.Children = append(node.Children, build(child))
		}
		return node
	}

	var roots []*HierarchyNode
	for _, id := range m.PackIDs() {
		if !contained[id] {
			roots = append(roots, build(id))
		}
	}
	return roots
}

// DeriveGraph builds both edge sets, nodes and edges sorted.
func DeriveGraph(m *Manifest) *Graph {
	g := &Graph{Nodes: m.PackIDs()}
	for _, id := range g.Nodes {
		p := m.Packs[id]
		for _, to := range sortedCopy(p.Contains) {
			g.Contains = append(g.Contains, Edge{From: id, To: to})
		}
		for _, to := range sortedCopy(p.DependsOn) {
			g.Depends = append(g.Depends, Edge{From: id, To: to})
		}
	}
	return g
}

// DeriveStats counts packs and pages.
func DeriveStats(m *Manifest) Stats {
	s := Stats{PackCount: len(m.Packs)}
	for _, p := range m.Packs {
		s.PageCount += len(p.Pages)
	}
	return s
}

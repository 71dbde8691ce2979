package resolve

// Action is what the apply phase does with one page.
type Action string

const (
	Create Action = "create"
	Update Action = "update"
	Rename Action = "rename"
	Skip   Action = "skip"
)

// PlanEntry is one page of the flat apply plan.
type PlanEntry struct {
	Page       string `json:"page"`
	Owner      string `json:"owner"`
	FinalTitle string `json:"final_title"`
	Action     Action `json:"action"`
}

// PlanInput parameterises the plan resolver.
type PlanInput struct {
	Closure *Closure

	// Overrides force a per-page action; skip always wins.
	Overrides map[string]Action
	// Renames replace a page's base name.
	Renames map[string]string
	// GlobalPrefix, when set, is applied to pages colliding with
	// existing wiki titles.
	GlobalPrefix string
	// Collisions holds wiki titles that already exist and are not owned
	// by the selection.
	Collisions map[string]bool
	// Installed marks pages that already have a registry row, turning
	// create into update.
	Installed map[string]bool
}

// Plan emits one entry per closure page, deterministically ordered.
// Pages owned by several packs are attributed to the first owner by
// name.
func Plan(in PlanInput) []PlanEntry {
	var plan []PlanEntry
	for _, page := range in.Closure.Pages {
		owner := in.Closure.PageOwners[page][0]

		action := Create
		if in.Installed[page] {
			action = Update
		}

		title := FinalTitle("", page, in.Renames[page])
		if in.GlobalPrefix != "" && in.Collisions[title] {
			title = FinalTitle(in.GlobalPrefix, page, in.Renames[page])
			action = Rename
		}

		// an explicit skip beats everything
		if in.Overrides[page] == Skip {
			action = Skip
		} else if o, ok := in.Overrides[page]; ok {
			action = o
		}

		plan = append(plan, PlanEntry{Page: page, Owner: owner, FinalTitle: title, Action: action})
	}
	return plan
}

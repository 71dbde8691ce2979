package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/openwiki/packsync/apply"
	"github.com/openwiki/packsync/errkind"
	"github.com/openwiki/packsync/resolve"
)

func strptr(s string) *string { return &s }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// buildInitialState cross-references the manifest with the pack and
// page registries. Installed packs that dropped out of the manifest are
// kept so they can still be removed.
func buildInitialState(e *env) *State {
	st := &State{Packs: map[string]*PackState{}}

	for _, id := range e.manifest.PackIDs() {
		mp := e.manifest.Packs[id]
		ps := &PackState{
			Action:        Unchanged,
			TargetVersion: strptr(mp.Version),
			Pages:         map[string]*PageState{},
		}
		if cur := e.installedPacks[id]; cur != nil {
			ps.CurrentVersion = strptr(cur.Version)
			ps.Installed = true
		}
		for _, name := range mp.PageNames() {
			page := &PageState{OriginalTitle: name, FinalTitle: name}
			if row := e.installedPages[id][name]; row != nil {
				page.Installed = true
				page.FinalTitle = row.FinalTitle
			}
			ps.Pages[name] = page
		}
		st.Packs[id] = ps
	}

	for name, cur := range e.installedPacks {
		if _, inManifest := st.Packs[name]; inManifest {
			continue
		}
		ps := &PackState{
			Action:         Unchanged,
			CurrentVersion: strptr(cur.Version),
			Installed:      true,
			Pages:          map[string]*PageState{},
		}
		for pageName, row := range e.installedPages[name] {
			ps.Pages[pageName] = &PageState{
				Installed:     true,
				FinalTitle:    row.FinalTitle,
				OriginalTitle: pageName,
			}
		}
		st.Packs[name] = ps
	}

	return st
}

func handleInit(_ context.Context, _ *Manager, s *Session, e *env, _ json.RawMessage, st *State) (*handlerResult, error) {
	s.renames = map[string]map[string]string{}
	*st = *buildInitialState(e)
	return &handlerResult{replace: true}, nil
}

func handleClear(_ context.Context, _ *Manager, s *Session, e *env, _ json.RawMessage, st *State) (*handlerResult, error) {
	s.renames = map[string]map[string]string{}
	*st = *buildInitialState(e)
	return &handlerResult{replace: true}, nil
}

func handleSetPackAction(_ context.Context, _ *Manager, _ *Session, e *env, data json.RawMessage, st *State) (*handlerResult, error) {
	var d struct {
		PackName string `json:"pack_name"`
		Action   Action `json:"action"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, errkind.Wrap(errkind.Validation, err, "invalid set_pack_action payload")
	}
	if !validAction(d.Action) {
		return nil, errkind.New(errkind.Validation, "invalid action %q", d.Action)
	}
	p, ok := st.Packs[d.PackName]
	if !ok {
		return nil, errkind.New(errkind.NotFound, "pack %q is not part of this session", d.PackName)
	}

	switch d.Action {
	case Install:
		if p.Installed {
			return nil, errkind.New(errkind.Validation, "pack %q is already installed", d.PackName)
		}
	case Update, Remove:
		if !p.Installed {
			return nil, errkind.New(errkind.Validation, "pack %q is not installed", d.PackName)
		}
	}

	p.Action = d.Action
	p.AutoSelectedReason = nil

	switch d.Action {
	case Install:
		installClosure(st, e)
	case Remove:
		removeClosure(st, e)
	}
	return nil, nil
}

// installClosure auto-selects the contains and depends_on closure of
// every install selection. Scanning packs in name order breaks requirer
// ties deterministically.
func installClosure(st *State, e *env) {
	for changed := true; changed; {
		changed = false
		for _, name := range st.PackNames() {
			p := st.Packs[name]
			if p.Action != Install {
				continue
			}
			mp, ok := e.manifest.Packs[name]
			if !ok {
				continue
			}
			edges := append(append([]string(nil), mp.Contains...), mp.DependsOn...)
			for _, dep := range sortedStrings(edges) {
				q, ok := st.Packs[dep]
				if !ok || q.Installed || q.Action == Install {
					continue
				}
				q.Action = Install
				q.AutoSelectedReason = strptr(fmt.Sprintf("required by %s", name))
				changed = true
			}
		}
	}
}

// removeClosure auto-selects removal of packs whose remaining
// dependencies would be violated by the current remove set.
func removeClosure(st *State, e *env) {
	for changed := true; changed; {
		changed = false
		for _, name := range st.PackNames() {
			p := st.Packs[name]
			if !p.Installed || p.Action == Remove {
				continue
			}
			mp, ok := e.manifest.Packs[name]
			if !ok {
				continue
			}
			for _, dep := range sortedStrings(mp.DependsOn) {
				q, ok := st.Packs[dep]
				if !ok || q.Action != Remove {
					continue
				}
				p.Action = Remove
				p.AutoSelectedReason = strptr(fmt.Sprintf("dependency of %s removed", dep))
				changed = true
				break
			}
		}
	}
}

func handleSetPackPrefix(_ context.Context, _ *Manager, s *Session, _ *env, data json.RawMessage, st *State) (*handlerResult, error) {
	var d struct {
		PackName string `json:"pack_name"`
		Prefix   string `json:"prefix"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, errkind.Wrap(errkind.Validation, err, "invalid set_pack_prefix payload")
	}
	p, ok := st.Packs[d.PackName]
	if !ok {
		return nil, errkind.New(errkind.NotFound, "pack %q is not part of this session", d.PackName)
	}
	if p.Action != Install && p.Action != Update {
		return nil, errkind.New(errkind.Validation,
			"prefix can only be set while pack %q is selected for install or update", d.PackName)
	}

	p.Prefix = d.Prefix
	for name, page := range p.Pages {
		page.FinalTitle = resolve.FinalTitle(d.Prefix, page.OriginalTitle, s.rename(d.PackName, name))
	}
	return nil, nil
}

func handleRenamePage(_ context.Context, _ *Manager, s *Session, _ *env, data json.RawMessage, st *State) (*handlerResult, error) {
	var d struct {
		PackName string `json:"pack_name"`
		PageName string `json:"page_name"`
		NewTitle string `json:"new_title"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, errkind.Wrap(errkind.Validation, err, "invalid rename_page payload")
	}
	p, ok := st.Packs[d.PackName]
	if !ok {
		return nil, errkind.New(errkind.NotFound, "pack %q is not part of this session", d.PackName)
	}
	if p.Action != Install && p.Action != Update {
		return nil, errkind.New(errkind.Validation,
			"pages can only be renamed while pack %q is selected for install or update", d.PackName)
	}
	page, ok := p.Pages[d.PageName]
	if !ok {
		return nil, errkind.New(errkind.NotFound, "pack %q has no page %q", d.PackName, d.PageName)
	}
	if page.Installed {
		return nil, errkind.New(errkind.Validation, "page %q is already installed and cannot be renamed", d.PageName)
	}

	s.setRename(d.PackName, d.PageName, d.NewTitle)
	page.FinalTitle = resolve.FinalTitle(p.Prefix, page.OriginalTitle, d.NewTitle)
	return nil, nil
}

func handleApply(ctx context.Context, m *Manager, s *Session, e *env, data json.RawMessage, st *State) (*handlerResult, error) {
	var d struct {
		DeletePages bool `json:"delete_pages"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, errkind.Wrap(errkind.Validation, err, "invalid apply payload")
		}
	}

	req := &apply.Request{
		RepoURL:      s.RepoURL,
		Ref:          s.Ref,
		UserID:       s.UserID,
		SourceCommit: e.refRow.LastCommit,
		DeletePages:  d.DeletePages,
	}

	for _, name := range st.PackNames() {
		p := st.Packs[name]
		switch p.Action {
		case Install, Update:
			mp, ok := e.manifest.Packs[name]
			if !ok {
				return nil, errkind.New(errkind.Validation, "pack %q is no longer declared in the manifest", name)
			}
			spec := apply.PackSpec{
				Name:      name,
				Version:   deref(p.TargetVersion),
				Prefix:    p.Prefix,
				DependsOn: mp.DependsOn,
			}
			for _, pageName := range sortedPageNames(p.Pages) {
				spec.Pages = append(spec.Pages, apply.PageSpec{
					Name:       pageName,
					FinalTitle: p.Pages[pageName].FinalTitle,
					File:       mp.Pages[pageName].File,
				})
			}
			if p.Action == Install {
				req.Installs = append(req.Installs, spec)
			} else {
				req.Updates = append(req.Updates, spec)
			}
		case Remove:
			spec := apply.PackSpec{Name: name, Version: deref(p.CurrentVersion)}
			if mp, ok := e.manifest.Packs[name]; ok {
				spec.DependsOn = mp.DependsOn
			}
			req.Removes = append(req.Removes, spec)
		}
	}

	if len(req.Installs)+len(req.Updates)+len(req.Removes) == 0 {
		return nil, errkind.New(errkind.Validation, "no packs selected, nothing to apply")
	}

	if err := checkClosureCovered(e, st, req); err != nil {
		return nil, err
	}

	res, err := m.apply.ApplyPlan(ctx, req)
	if err != nil {
		return nil, err
	}

	if res.Report != nil {
		foldReport(st, res.Report)
	}
	return &handlerResult{operationID: res.OperationID, report: res.Report}, nil
}

// checkClosureCovered expands the install/update selection over
// contains and depends_on and verifies every closure member is either
// part of the selection or staying installed. It catches selections
// made inconsistent by a later remove or a registry drift.
func checkClosureCovered(e *env, st *State, req *apply.Request) error {
	var selected []string
	for _, spec := range req.Installs {
		selected = append(selected, spec.Name)
	}
	for _, spec := range req.Updates {
		selected = append(selected, spec.Name)
	}
	if len(selected) == 0 {
		return nil
	}

	closure, err := resolve.SelectionClosure(e.manifest, selected)
	if err != nil {
		return err
	}
	for _, name := range closure.Packs {
		p, ok := st.Packs[name]
		if !ok {
			return errkind.New(errkind.DependencyViolation,
				"pack %q is required by the selection but is not part of this session", name)
		}
		if p.Action == Remove {
			return errkind.New(errkind.DependencyViolation,
				"pack %q is required by the selection but is marked for removal", name)
		}
		if !p.Installed && p.Action != Install && p.Action != Update {
			return errkind.New(errkind.DependencyViolation,
				"pack %q is required by the selection but is neither installed nor selected", name)
		}
	}
	return nil
}

// foldReport updates the session state with a synchronous apply
// outcome: applied packs fall back to unchanged with refreshed
// installation facts.
func foldReport(st *State, report *apply.Report) {
	touch := func(name string, installed bool) {
		p, ok := st.Packs[name]
		if !ok {
			return
		}
		p.Action = Unchanged
		p.AutoSelectedReason = nil
		if installed {
			p.CurrentVersion = p.TargetVersion
		} else {
			p.CurrentVersion = nil
		}
		p.Installed = installed
		for _, page := range p.Pages {
			page.Installed = installed
		}
	}

	for _, name := range report.Installed {
		touch(name, true)
	}
	for _, name := range report.Updated {
		touch(name, true)
	}
	for _, name := range report.Removed {
		touch(name, false)
	}
}

// handleRefresh rebuilds the state from the registries, carrying over
// pending selections that are still legal.
func handleRefresh(_ context.Context, _ *Manager, s *Session, e *env, _ json.RawMessage, st *State) (*handlerResult, error) {
	fresh := buildInitialState(e)

	for name, old := range st.Packs {
		next, ok := fresh.Packs[name]
		if !ok || old.Action == Unchanged {
			continue
		}
		legal := (old.Action == Install && !next.Installed) ||
			((old.Action == Update || old.Action == Remove) && next.Installed)
		if !legal {
			continue
		}
		next.Action = old.Action
		next.AutoSelectedReason = old.AutoSelectedReason
		next.Prefix = old.Prefix
		for pageName, page := range next.Pages {
			if page.Installed {
				continue
			}
			page.FinalTitle = resolve.FinalTitle(next.Prefix, page.OriginalTitle, s.rename(name, pageName))
		}
	}

	*st = *fresh
	return nil, nil
}

func sortedStrings(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/openwiki/packsync/apply"
	"github.com/openwiki/packsync/errkind"
	"github.com/openwiki/packsync/internal/lock"
	"github.com/openwiki/packsync/manifest"
	"github.com/openwiki/packsync/registry"
	"github.com/openwiki/packsync/wiki"
)

// Command names form a closed set; unknown names are rejected.
const (
	CmdInit          = "init"
	CmdSetPackAction = "set_pack_action"
	CmdSetPackPrefix = "set_pack_prefix"
	CmdRenamePage    = "rename_page"
	CmdApply         = "apply"
	CmdRefresh       = "refresh"
	CmdClear         = "clear"
)

// Command is one request against a session.
type Command struct {
	Command         string          `json:"command"`
	RepoURL         string          `json:"repo_url"`
	Ref             string          `json:"ref"`
	Data            json.RawMessage `json:"data,omitempty"`
	ClientStateHash string          `json:"client_state_hash,omitempty"`
}

// Response is the session's answer to a command.
type Response struct {
	Diff      Diff     `json:"diff"`
	StateHash string   `json:"state_hash"`
	Warnings  []string `json:"warnings"`
	// Replace marks full-state responses (init, clear); clients must
	// replace instead of merging.
	Replace bool `json:"replace,omitempty"`
	// Operation carries the id of the enqueued apply, if any.
	Operation string        `json:"operation,omitempty"`
	Report    *apply.Report `json:"report,omitempty"`
	// Differences and Reconcile are set on a state-hash mismatch; the
	// command is not executed in that case.
	Differences Diff      `json:"differences,omitempty"`
	Reconcile   []Command `json:"reconcile,omitempty"`
}

// ApplyResult is what the wired applier returns. Report is non-nil only
// when the apply ran synchronously.
type ApplyResult struct {
	OperationID string
	Report      *apply.Report
}

// Applier hands a resolved apply request to the orchestrator, either
// inline or through the operation runtime.
type Applier interface {
	ApplyPlan(ctx context.Context, req *apply.Request) (*ApplyResult, error)
}

// historyKeep bounds the per-session undo window used for state-hash
// reconciliation.
const historyKeep = 20

type historyEntry struct {
	hash  string
	state *State
	cmd   Command
}

// Session holds one (user, ref) conversation. Commands are serialised
// by the session mutex, so diffs have a total order.
type Session struct {
	UserID  string
	RepoURL string
	Ref     string

	mu      lock.Mutex
	state   *State
	hash    string
	renames map[string]map[string]string // pack -> page -> renamed base
	history []historyEntry
}

func (s *Session) rename(pack, page string) string {
	if s.renames[pack] == nil {
		return ""
	}
	return s.renames[pack][page]
}

func (s *Session) setRename(pack, page, name string) {
	if s.renames[pack] == nil {
		s.renames[pack] = map[string]string{}
	}
	s.renames[pack][page] = name
}

// env is the read-only context a handler runs against, assembled before
// the handler executes.
type env struct {
	manifest       *manifest.Manifest
	refRow         *registry.ContentRef
	installedPacks map[string]*registry.Pack
	installedPages map[string]map[string]*registry.Page // pack name -> page name -> row
	titleOwner     map[string]string                    // final_title -> owning pack name
}

type handlerResult struct {
	replace     bool
	operationID string
	report      *apply.Report
}

type handlerFunc func(ctx context.Context, m *Manager, s *Session, e *env, data json.RawMessage, st *State) (*handlerResult, error)

// Manager owns all sessions and the command handler registry.
type Manager struct {
	store *manifest.Store
	repos *registry.RepoRegistry
	refs  *registry.RefRegistry
	packs *registry.PackRegistry
	pages *registry.PageRegistry
	wiki  wiki.Client
	apply Applier
	log   *slog.Logger

	mu       lock.Mutex
	sessions map[string]*Session
	handlers map[string]handlerFunc
}

// NewManager wires a session manager over the given collaborators.
func NewManager(store *manifest.Store, repos *registry.RepoRegistry, refs *registry.RefRegistry,
	packs *registry.PackRegistry, pages *registry.PageRegistry, w wiki.Client, applier Applier,
	log *slog.Logger,
) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		store:    store,
		repos:    repos,
		refs:     refs,
		packs:    packs,
		pages:    pages,
		wiki:     w,
		apply:    applier,
		log:      log.With("logger", "session"),
		sessions: map[string]*Session{},
	}
	m.handlers = map[string]handlerFunc{
		CmdInit:          handleInit,
		CmdSetPackAction: handleSetPackAction,
		CmdSetPackPrefix: handleSetPackPrefix,
		CmdRenamePage:    handleRenamePage,
		CmdApply:         handleApply,
		CmdRefresh:       handleRefresh,
		CmdClear:         handleClear,
	}
	return m
}

func (m *Manager) session(userID, repoURL, ref string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := fmt.Sprintf("%s|%s|%s", userID, repoURL, ref)
	s, ok := m.sessions[key]
	if !ok {
		s = &Session{
			UserID:  userID,
			RepoURL: repoURL,
			Ref:     ref,
			renames: map[string]map[string]string{},
		}
		m.sessions[key] = s
	}
	return s
}

// Handle executes one command for the user and returns the diff
// response. A stale client_state_hash returns a state_mismatch error
// alongside a response carrying differences and a reconcile plan, with
// no state change.
func (m *Manager) Handle(ctx context.Context, userID string, cmd Command) (*Response, error) {
	handler, ok := m.handlers[cmd.Command]
	if !ok {
		return nil, errkind.New(errkind.Validation, "unknown command %q", cmd.Command)
	}

	e, err := m.buildEnv(ctx, cmd.RepoURL, cmd.Ref)
	if err != nil {
		return nil, err
	}

	s := m.session(userID, cmd.RepoURL, cmd.Ref)
	s.mu.Lock()
	defer s.mu.Unlock()

	fullState := cmd.Command == CmdInit || cmd.Command == CmdClear
	if !fullState {
		if s.state == nil {
			return nil, errkind.New(errkind.Validation, "session is not initialised, send init first")
		}
		if cmd.ClientStateHash != "" && cmd.ClientStateHash != s.hash {
			return m.mismatch(ctx, s, cmd)
		}
	}

	var prev *State
	if s.state != nil {
		prev = s.state
	}
	work := &State{Packs: map[string]*PackState{}}
	if prev != nil {
		work = prev.Clone()
	}

	res, err := handler(ctx, m, s, e, cmd.Data, work)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &handlerResult{}
	}

	warnings, err := m.computeWarnings(ctx, work, e)
	if err != nil {
		return nil, err
	}

	newHash := work.Hash()
	var diff Diff
	if res.replace || fullState {
		diff = Diff(work.asMap())
	} else {
		diff = diffStates(prev, work)
	}

	if prev != nil {
		s.history = append(s.history, historyEntry{hash: s.hash, state: prev, cmd: cmd})
		if len(s.history) > historyKeep {
			s.history = s.history[len(s.history)-historyKeep:]
		}
	}
	s.state = work
	s.hash = newHash

	m.log.Log(ctx, -8, "command handled",
		"user", userID, "command", cmd.Command, "ref", cmd.Ref, "state_hash", newHash)

	return &Response{
		Diff:      diff,
		StateHash: newHash,
		Warnings:  warnings,
		Replace:   res.replace || fullState,
		Operation: res.operationID,
		Report:    res.report,
	}, nil
}

// mismatch builds the differences and reconcile payload for a stale
// client without mutating the session.
func (m *Manager) mismatch(ctx context.Context, s *Session, cmd Command) (*Response, error) {
	resp := &Response{StateHash: s.hash}

	found := -1
	for i, h := range s.history {
		if h.hash == cmd.ClientStateHash {
			found = i
			break
		}
	}
	if found >= 0 {
		resp.Differences = diffStates(s.history[found].state, s.state)
		for _, h := range s.history[found:] {
			resp.Reconcile = append(resp.Reconcile, h.cmd)
		}
	} else {
		// unknown client hash, the only safe reconciliation is a re-init
		resp.Differences = diffStates(nil, s.state)
		resp.Reconcile = []Command{{Command: CmdInit, RepoURL: cmd.RepoURL, Ref: cmd.Ref}}
	}

	m.log.Info("state hash mismatch",
		"user", s.UserID, "ref", s.Ref, "client_hash", cmd.ClientStateHash, "server_hash", s.hash)

	return resp, errkind.New(errkind.StateMismatch,
		"client state hash %q does not match server %q", cmd.ClientStateHash, s.hash)
}

// buildEnv loads the manifest and the registry rows a handler needs.
func (m *Manager) buildEnv(ctx context.Context, repoURL, ref string) (*env, error) {
	repo, err := m.repos.GetByURL(ctx, repoURL)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, errkind.New(errkind.NotFound, "content repo %s is not registered", repoURL)
	}
	refRow, err := m.refs.GetBySourceRef(ctx, repo.ID, ref)
	if err != nil {
		return nil, err
	}
	if refRow == nil {
		return nil, errkind.New(errkind.NotFound, "ref %q of %s is not registered", ref, repoURL)
	}

	mf, _, err := m.store.GetManifest(ctx, manifest.Key{
		RepoURL: repoURL, Ref: ref, LastFetched: repo.LastFetched,
	})
	if err != nil {
		return nil, err
	}

	e := &env{
		manifest:       mf,
		refRow:         refRow,
		installedPacks: map[string]*registry.Pack{},
		installedPages: map[string]map[string]*registry.Page{},
		titleOwner:     map[string]string{},
	}

	packs, err := m.packs.ListByRef(ctx, refRow.ID)
	if err != nil {
		return nil, err
	}
	for _, p := range packs {
		e.installedPacks[p.Name] = p
		rows, err := m.pages.ListByPack(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		e.installedPages[p.Name] = map[string]*registry.Page{}
		for _, row := range rows {
			e.installedPages[p.Name][row.Name] = row
			e.titleOwner[row.FinalTitle] = p.Name
		}
	}

	return e, nil
}

// computeWarnings evaluates collision and dependency warnings against
// the candidate state.
func (m *Manager) computeWarnings(ctx context.Context, st *State, e *env) ([]string, error) {
	var warnings []string

	// candidate titles of pages that would be written
	titleUsers := map[string][]string{} // final_title -> pack names
	var candidates []string
	for _, packName := range st.PackNames() {
		p := st.Packs[packName]
		if p.Action != Install && p.Action != Update {
			continue
		}
		for _, page := range p.Pages {
			titleUsers[page.FinalTitle] = append(titleUsers[page.FinalTitle], packName)
			if !page.Installed {
				candidates = append(candidates, page.FinalTitle)
			}
		}
	}

	existing := map[string]bool{}
	if len(candidates) > 0 {
		var err error
		existing, err = m.wiki.ExistingTitles(ctx, candidates)
		if err != nil {
			return nil, err
		}
	}

	for _, packName := range st.PackNames() {
		p := st.Packs[packName]
		if p.Action != Install && p.Action != Update {
			continue
		}

		// unresolved dependencies
		if mp, ok := e.manifest.Packs[packName]; ok {
			for _, dep := range mp.DependsOn {
				if _, known := st.Packs[dep]; !known {
					warnings = append(warnings,
						fmt.Sprintf("pack %q depends on unknown pack %q", packName, dep))
				}
			}
		}

		for _, pageName := range sortedPageNames(p.Pages) {
			page := p.Pages[pageName]

			// pack-pack collision within the session
			if users := titleUsers[page.FinalTitle]; len(users) > 1 {
				others := withoutString(users, packName)
				warnings = append(warnings, fmt.Sprintf(
					"page %q of pack %q collides with pack %q on title %q",
					pageName, packName, others[0], page.FinalTitle))
				continue
			}

			// collision with an existing wiki page not owned by this pack
			if !page.Installed && existing[page.FinalTitle] && e.titleOwner[page.FinalTitle] != packName {
				warnings = append(warnings, fmt.Sprintf(
					"page %q of pack %q collides with existing wiki page %q",
					pageName, packName, page.FinalTitle))
			}
		}
	}

	sort.Strings(warnings)
	return warnings, nil
}

func sortedPageNames(pages map[string]*PageState) []string {
	names := make([]string, 0, len(pages))
	for name := range pages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func withoutString(in []string, drop string) []string {
	var out []string
	for _, s := range in {
		if s != drop {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

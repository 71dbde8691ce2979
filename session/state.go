// Package session implements the interactive pack selection engine:
// one session per (user, ref) holding the authoritative client-visible
// state, a closed command set dispatched through a handler registry,
// and diff/merge semantics for incremental client updates.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Action is a pack's pending operation within a session.
type Action string

const (
	Unchanged Action = "unchanged"
	Install   Action = "install"
	Update    Action = "update"
	Remove    Action = "remove"
)

func validAction(a Action) bool {
	switch a {
	case Unchanged, Install, Update, Remove:
		return true
	}
	return false
}

// PageState is the per-page slice of the session state.
type PageState struct {
	Installed     bool   `json:"installed"`
	FinalTitle    string `json:"final_title"`
	OriginalTitle string `json:"original_title"`
}

// PackState is the per-pack slice of the session state.
type PackState struct {
	Action             Action                `json:"action"`
	CurrentVersion     *string               `json:"current_version"`
	TargetVersion      *string               `json:"target_version"`
	Installed          bool                  `json:"installed"`
	Prefix             string                `json:"prefix"`
	AutoSelectedReason *string               `json:"auto_selected_reason"`
	Pages              map[string]*PageState `json:"pages"`
}

// State is the full session state. Warnings and the hash are carried on
// the response, not hashed themselves.
type State struct {
	Packs map[string]*PackState `json:"packs"`
}

// PackNames returns the pack names in sorted order.
func (s *State) PackNames() []string {
	names := make([]string, 0, len(s.Packs))
	for name := range s.Packs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Hash returns the stable hex sha256 of the canonical state
// serialization. json marshalling sorts map keys, so equal states hash
// equal regardless of construction order.
func (s *State) Hash() string {
	data, err := json.Marshal(s)
	if err != nil {
		// State is plain data, this cannot fail
		panic(err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Clone deep-copies the state.
func (s *State) Clone() *State {
	out := &State{Packs: make(map[string]*PackState, len(s.Packs))}
	for name, p := range s.Packs {
		cp := *p
		if p.CurrentVersion != nil {
			v := *p.CurrentVersion
			cp.CurrentVersion = &v
		}
		if p.TargetVersion != nil {
			v := *p.TargetVersion
			cp.TargetVersion = &v
		}
		if p.AutoSelectedReason != nil {
			v := *p.AutoSelectedReason
			cp.AutoSelectedReason = &v
		}
		cp.Pages = make(map[string]*PageState, len(p.Pages))
		for pageName, page := range p.Pages {
			pg := *page
			cp.Pages[pageName] = &pg
		}
		out.Packs[name] = &cp
	}
	return out
}

// asMap converts the state to the generic nested map the diff machinery
// works on.
func (s *State) asMap() map[string]any {
	data, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		panic(err)
	}
	return m
}

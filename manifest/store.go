package manifest

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/openwiki/packsync/internal/lock"
)

// Key identifies one cached manifest. LastFetched is the repo's fetch
// generation; a key with an advanced LastFetched never hits a stale
// entry.
type Key struct {
	RepoURL     string
	Ref         string
	LastFetched int64
}

func (k Key) slot() string { return k.RepoURL + "#" + k.Ref }

// SourceFunc resolves a (repo, ref) to manifest bytes. Wired to the
// fetcher plus the git content layer by the caller.
type SourceFunc func(ctx context.Context, repoURL, ref string) ([]byte, error)

// Meta accompanies every store response.
type Meta struct {
	Hash      string `json:"hash"`
	FromCache bool   `json:"from_cache"`
}

// Result bundles everything the store derives from one manifest.
type Result struct {
	Manifest  *Manifest        `json:"manifest"`
	Hierarchy []*HierarchyNode `json:"hierarchy"`
	Graph     *Graph           `json:"graph"`
	Stats     Stats            `json:"stats"`
	Meta      Meta             `json:"meta"`
}

type entry struct {
	lastFetched int64
	result      *Result
}

// Store is the layered manifest cache. One entry per (repo, ref) slot;
// the entry is replaced whenever the fetch generation advances.
// Concurrent misses for the same key are coalesced through a
// singleflight group so the pipeline runs once.
type Store struct {
	source SourceFunc
	log    *slog.Logger

	mu      lock.RWMutex
	entries map[string]*entry
	group   singleflight.Group
}

// NewStore returns a store over the given source.
func NewStore(source SourceFunc, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		source:  source,
		log:     log.With("logger", "manifest-store"),
		entries: map[string]*entry{},
	}
}

// Get returns the full derived bundle for the key, computing and
// caching it on miss.
func (s *Store) Get(ctx context.Context, key Key) (*Result, error) {
	if r := s.cached(key); r != nil {
		return r, nil
	}
	return s.compute(ctx, key)
}

// GetManifest returns just the validated manifest.
func (s *Store) GetManifest(ctx context.Context, key Key) (*Manifest, Meta, error) {
	r, err := s.Get(ctx, key)
	if err != nil {
		return nil, Meta{}, err
	}
	return r.Manifest, r.Meta, nil
}

// GetHierarchy returns just the containment forest.
func (s *Store) GetHierarchy(ctx context.Context, key Key) ([]*HierarchyNode, Meta, error) {
	r, err := s.Get(ctx, key)
	if err != nil {
		return nil, Meta{}, err
	}
	return r.Hierarchy, r.Meta, nil
}

// GetGraph returns just the reference graph.
func (s *Store) GetGraph(ctx context.Context, key Key) (*Graph, Meta, error) {
	r, err := s.Get(ctx, key)
	if err != nil {
		return nil, Meta{}, err
	}
	return r.Graph, r.Meta, nil
}

// Refresh bypasses the cache, recomputing and re-caching the entry.
func (s *Store) Refresh(ctx context.Context, key Key) (*Result, error) {
	s.mu.Lock()
	delete(s.entries, key.slot())
	s.mu.Unlock()
	return s.compute(ctx, key)
}

// cached returns a hit as a fresh Result with FromCache set, nil on
// miss. An entry from an older fetch generation is a miss.
func (s *Store) cached(key Key) *Result {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key.slot()]
	if !ok || e.lastFetched != key.LastFetched {
		return nil
	}
	r := *e.result
	r.Meta.FromCache = true
	return &r
}

func (s *Store) compute(ctx context.Context, key Key) (*Result, error) {
	v, err, _ := s.group.Do(fmt.Sprintf("%s#%s#%d", key.RepoURL, key.Ref, key.LastFetched),
		func() (any, error) {
			data, err := s.source(ctx, key.RepoURL, key.Ref)
			if err != nil {
				return nil, err
			}
			m, err := Load(data)
			if err != nil {
				return nil, err
			}

			r := &Result{
				Manifest:  m,
				Hierarchy: DeriveHierarchy(m),
				Graph:     DeriveGraph(m),
				Stats:     DeriveStats(m),
				Meta:      Meta{Hash: m.Hash()},
			}

			s.mu.Lock()
			s.entries[key.slot()] = &entry{lastFetched: key.LastFetched, result: r}
			s.mu.Unlock()

			s.log.Log(ctx, -8, "manifest cached",
				"repo", key.RepoURL, "ref", key.Ref, "generation", key.LastFetched, "hash", r.Meta.Hash)
			return r, nil
		})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

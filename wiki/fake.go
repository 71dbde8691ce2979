package wiki

import (
	"context"

	"github.com/openwiki/packsync/errkind"
	"github.com/openwiki/packsync/internal/lock"
)

// Fake is an in-memory wiki for tests.
type Fake struct {
	mu     lock.Mutex
	pages  map[string]string
	nextID int64
	// FailWrites lists titles whose writes should fail.
	FailWrites map[string]bool
}

// NewFake returns an empty fake wiki.
func NewFake() *Fake {
	return &Fake{pages: map[string]string{}, FailWrites: map[string]bool{}}
}

// Seed pre-populates a page without bumping revisions.
func (f *Fake) Seed(title, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[title] = content
}

// Content returns the current body of a page and whether it exists.
func (f *Fake) Content(title string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.pages[title]
	return c, ok
}

// PageCount returns the number of stored pages.
func (f *Fake) PageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pages)
}

func (f *Fake) WritePage(_ context.Context, title, content string) (*WriteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWrites[title] {
		return nil, errkind.New(errkind.Fetch, "simulated write failure for %q", title)
	}
	f.pages[title] = content
	f.nextID++
	return &WriteResult{PageID: f.nextID, RevID: f.nextID}, nil
}

func (f *Fake) DeletePage(_ context.Context, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pages, title)
	return nil
}

func (f *Fake) PageExists(_ context.Context, title string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.pages[title]
	return ok, nil
}

func (f *Fake) ExistingTitles(_ context.Context, titles []string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]bool{}
	for _, title := range titles {
		if _, ok := f.pages[title]; ok {
			out[title] = true
		}
	}
	return out, nil
}

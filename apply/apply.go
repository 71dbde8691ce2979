// Package apply implements the pack apply orchestrator. It takes the
// install/update/remove set a session resolved, validates dependencies
// both ways, and drives the wiki and the registries through the five
// phases, one transaction per pack.
package apply

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"

	"github.com/philopon/go-toposort"

	"github.com/openwiki/packsync/errkind"
	"github.com/openwiki/packsync/gitcontent"
	"github.com/openwiki/packsync/internal/lock"
	"github.com/openwiki/packsync/registry"
	"github.com/openwiki/packsync/resolve"
	"github.com/openwiki/packsync/wiki"
)

// PageSpec is one page of a pack as the session resolved it.
type PageSpec struct {
	Name       string `json:"name"`
	FinalTitle string `json:"final_title"`
	File       string `json:"file"`
}

// PackSpec is one pack of the apply set.
type PackSpec struct {
	Name      string     `json:"name"`
	Version   string     `json:"version"`
	Prefix    string     `json:"prefix,omitempty"`
	DependsOn []string   `json:"depends_on,omitempty"`
	Pages     []PageSpec `json:"pages,omitempty"`
}

// Request is a fully resolved apply for one (repo, ref).
type Request struct {
	RepoURL      string     `json:"repo_url"`
	Ref          string     `json:"ref"`
	UserID       string     `json:"user_id"`
	SourceCommit string     `json:"source_commit,omitempty"`
	Installs     []PackSpec `json:"installs,omitempty"`
	Updates      []PackSpec `json:"updates,omitempty"`
	Removes      []PackSpec `json:"removes,omitempty"`
	// DeletePages controls whether the remove phase deletes the backing
	// wiki pages. Registry rows are always removed.
	DeletePages bool `json:"delete_pages"`
}

// Error classification codes used in reports.
const (
	ErrNotFound            = "not_found"
	ErrMissingFile         = "missing_file"
	ErrWriteFailed         = "write_failed"
	ErrDependencyViolation = "dependency_violation"
)

// Error is one classified failure within an apply.
type Error struct {
	Pack    string `json:"pack"`
	Page    string `json:"page,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Report is the orchestrator's outcome.
type Report struct {
	Success   bool     `json:"success"`
	Installed []string `json:"installed"`
	Updated   []string `json:"updated"`
	Removed   []string `json:"removed"`
	Failed    []string `json:"failed"`
	Errors    []Error  `json:"errors,omitempty"`
	// Blockers maps a pack that could not be removed to the installed
	// packs still depending on it.
	Blockers map[string][]string `json:"blockers,omitempty"`
}

// ProgressFunc receives coarse progress as the phases advance.
type ProgressFunc func(pct int, message string)

// Orchestrator runs applies. Per-ref applies are serialised; everything
// else may proceed concurrently.
type Orchestrator struct {
	db    *registry.DB
	repos *registry.RepoRegistry
	refs  *registry.RefRegistry
	packs *registry.PackRegistry
	pages *registry.PageRegistry
	wiki  wiki.Client
	log   *slog.Logger

	refLocks *lock.KeyedMutex
}

// New returns an orchestrator over the given registries and wiki.
func New(db *registry.DB, repos *registry.RepoRegistry, refs *registry.RefRegistry,
	packs *registry.PackRegistry, pages *registry.PageRegistry, w wiki.Client, log *slog.Logger,
) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		db:       db,
		repos:    repos,
		refs:     refs,
		packs:    packs,
		pages:    pages,
		wiki:     w,
		log:      log.With("logger", "apply"),
		refLocks: lock.NewKeyedMutex(),
	}
}

// Apply runs all phases. A nil error with report.Success=false means
// per-pack failures were recorded; a non-nil error means the whole
// apply was aborted (validation failure or unknown repo/ref).
// Cancellation is honoured between packs; the pack in flight runs to
// completion.
func (o *Orchestrator) Apply(ctx context.Context, req *Request, progress ProgressFunc) (*Report, error) {
	if progress == nil {
		progress = func(int, string) {}
	}
	report := &Report{}

	refRow, err := o.lookupRef(ctx, req)
	if err != nil {
		return nil, err
	}

	lockKey := fmt.Sprintf("%s#%s", req.RepoURL, req.Ref)
	o.refLocks.Lock(lockKey)
	defer o.refLocks.Unlock(lockKey)

	progress(5, "validating dependencies")
	if err := o.validateDependencies(ctx, refRow.ID, req, report); err != nil {
		return report, err
	}
	if err := o.validateRemovals(ctx, refRow.ID, req, report); err != nil {
		return report, err
	}

	installs, err := sortByDependencies(req.Installs)
	if err != nil {
		return nil, err
	}
	removes, err := sortByDependencies(req.Removes)
	if err != nil {
		return nil, err
	}
	// removes run leaf-first
	reverse(removes)

	total := len(installs) + len(req.Updates) + len(removes)
	done := 0
	step := func(phase, pack string) {
		done++
		progress(5+done*90/max(total, 1), fmt.Sprintf("%s %s", phase, pack))
	}

	for _, spec := range installs {
		if err := ctx.Err(); err != nil {
			return report, errkind.Wrap(errkind.Timeout, err, "apply cancelled")
		}
		o.installPack(ctx, refRow, req, spec, false, report)
		step("installed", spec.Name)
	}
	for _, spec := range req.Updates {
		if err := ctx.Err(); err != nil {
			return report, errkind.Wrap(errkind.Timeout, err, "apply cancelled")
		}
		o.installPack(ctx, refRow, req, spec, true, report)
		step("updated", spec.Name)
	}
	for _, spec := range removes {
		if err := ctx.Err(); err != nil {
			return report, errkind.Wrap(errkind.Timeout, err, "apply cancelled")
		}
		o.removePack(ctx, refRow, req, spec, report)
		step("removed", spec.Name)
	}

	report.Success = len(report.Failed) == 0
	progress(100, "apply finished")
	return report, nil
}

func (o *Orchestrator) lookupRef(ctx context.Context, req *Request) (*registry.ContentRef, error) {
	repo, err := o.repos.GetByURL(ctx, req.RepoURL)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, errkind.New(errkind.NotFound, "content repo %s is not registered", req.RepoURL)
	}
	refRow, err := o.refs.GetBySourceRef(ctx, repo.ID, req.Ref)
	if err != nil {
		return nil, err
	}
	if refRow == nil {
		return nil, errkind.New(errkind.NotFound, "ref %q of %s is not registered", req.Ref, req.RepoURL)
	}
	return refRow, nil
}

// validateDependencies aborts the apply when an install's dependency is
// neither in the install set nor already installed.
func (o *Orchestrator) validateDependencies(ctx context.Context, refID int64, req *Request, report *Report) error {
	inSet := map[string]bool{}
	for _, spec := range req.Installs {
		inSet[spec.Name] = true
	}
	for _, spec := range req.Updates {
		inSet[spec.Name] = true
	}

	var missing []string
	for _, spec := range req.Installs {
		for _, dep := range spec.DependsOn {
			if inSet[dep] {
				continue
			}
			row, err := o.packs.GetByName(ctx, refID, dep)
			if err != nil {
				return err
			}
			if row == nil || row.Status != registry.PackStatusInstalled {
				missing = append(missing, fmt.Sprintf("%s (required by %s)", dep, spec.Name))
				report.Errors = append(report.Errors, Error{
					Pack: spec.Name, Kind: ErrDependencyViolation,
					Message: fmt.Sprintf("dependency %q is neither installed nor selected", dep),
				})
			}
		}
	}
	if len(missing) > 0 {
		return errkind.New(errkind.DependencyViolation,
			"unresolved dependencies: %v", missing)
	}
	return nil
}

// validateRemovals aborts when an installed pack outside the remove set
// still depends on a pack being removed.
func (o *Orchestrator) validateRemovals(ctx context.Context, refID int64, req *Request, report *Report) error {
	if len(req.Removes) == 0 {
		return nil
	}
	removing := map[string]bool{}
	for _, spec := range req.Removes {
		removing[spec.Name] = true
	}

	blockers := map[string][]string{}
	for _, spec := range req.Removes {
		row, err := o.packs.GetByName(ctx, refID, spec.Name)
		if err != nil {
			return err
		}
		if row == nil {
			report.Errors = append(report.Errors, Error{
				Pack: spec.Name, Kind: ErrNotFound, Message: "pack is not installed",
			})
			continue
		}
		dependentIDs, err := o.packs.Dependents(ctx, row.ID)
		if err != nil {
			return err
		}
		for _, depID := range dependentIDs {
			dep, err := o.packs.Get(ctx, depID)
			if err != nil {
				return err
			}
			if dep != nil && !removing[dep.Name] {
				blockers[spec.Name] = append(blockers[spec.Name], dep.Name)
			}
		}
		sort.Strings(blockers[spec.Name])
	}

	if len(blockers) > 0 {
		report.Blockers = blockers
		return errkind.New(errkind.DependencyViolation,
			"packs still depended upon: %v", blockerNames(blockers)).With("blockers", blockers)
	}
	return nil
}

func blockerNames(blockers map[string][]string) []string {
	names := make([]string, 0, len(blockers))
	for name := range blockers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// installPack writes all pages of one pack and registers the rows in a
// single transaction. Any page failure rolls the pack back.
func (o *Orchestrator) installPack(ctx context.Context, refRow *registry.ContentRef,
	req *Request, spec PackSpec, isUpdate bool, report *Report,
) {
	var pageErrs []Error

	err := o.db.InTx(ctx, func(tx *sql.Tx) error {
		packs := o.packs.Tx(tx)
		pages := o.pages.Tx(tx)

		pack, err := packs.Register(ctx, refRow.ID, spec.Name, spec.Version, req.SourceCommit, req.UserID)
		if err != nil {
			return err
		}

		var depIDs []int64
		for _, dep := range spec.DependsOn {
			depRow, err := packs.GetByName(ctx, refRow.ID, dep)
			if err != nil {
				return err
			}
			if depRow == nil {
				// install order is topological, this is an invariant break
				return errkind.New(errkind.Internal, "dependency %q of %q vanished mid-apply", dep, spec.Name)
			}
			depIDs = append(depIDs, depRow.ID)
		}
		if err := packs.SetDependencies(ctx, pack.ID, depIDs); err != nil {
			return err
		}

		for _, page := range spec.Pages {
			if err := o.writePage(ctx, pages, refRow, pack, page); err != nil {
				pageErrs = append(pageErrs, classifyPageErr(spec.Name, page.Name, err))
			}
		}
		if len(pageErrs) > 0 {
			return errkind.New(errkind.Internal, "%d of %d pages failed", len(pageErrs), len(spec.Pages))
		}
		return nil
	})

	report.Errors = append(report.Errors, pageErrs...)
	if err != nil {
		o.log.Error("pack apply failed", "pack", spec.Name, "err", err)
		report.Failed = append(report.Failed, spec.Name)
		if len(pageErrs) == 0 {
			report.Errors = append(report.Errors, classifyPageErr(spec.Name, "", err))
		}
		return
	}

	if isUpdate {
		report.Updated = append(report.Updated, spec.Name)
	} else {
		report.Installed = append(report.Installed, spec.Name)
	}
}

// writePage reads the page body from the worktree, writes it to the
// wiki and upserts the Page row.
func (o *Orchestrator) writePage(ctx context.Context, pages *registry.PageRegistry,
	refRow *registry.ContentRef, pack *registry.Pack, page PageSpec,
) error {
	content, err := gitcontent.ReadWorktreeFile(refRow.WorktreePath, page.File)
	if err != nil {
		return err
	}

	res, err := o.wiki.WritePage(ctx, page.FinalTitle, string(content))
	if err != nil {
		return err
	}

	ns, _ := resolve.SplitNamespace(page.FinalTitle)
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	_, err = pages.Ensure(ctx, pack.ID, page.Name, page.FinalTitle, ns, registry.PageUpdate{
		FinalTitle:  &page.FinalTitle,
		WikiPageID:  &res.PageID,
		LastRevID:   &res.RevID,
		ContentHash: &hash,
	})
	return err
}

// removePack deletes the page rows and the pack row, optionally
// deleting the wiki pages first.
func (o *Orchestrator) removePack(ctx context.Context, refRow *registry.ContentRef,
	req *Request, spec PackSpec, report *Report,
) {
	err := o.db.InTx(ctx, func(tx *sql.Tx) error {
		packs := o.packs.Tx(tx)
		pages := o.pages.Tx(tx)

		pack, err := packs.GetByName(ctx, refRow.ID, spec.Name)
		if err != nil {
			return err
		}
		if pack == nil {
			return errkind.New(errkind.NotFound, "pack %q is not installed", spec.Name)
		}

		rows, err := pages.ListByPack(ctx, pack.ID)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if req.DeletePages {
				if err := o.wiki.DeletePage(ctx, row.FinalTitle); err != nil {
					return errkind.Wrap(errkind.Fetch, err, "unable to delete wiki page %q", row.FinalTitle)
				}
			}
			if err := pages.Delete(ctx, row.ID); err != nil {
				return err
			}
		}
		return packs.Delete(ctx, pack.ID)
	})
	if err != nil {
		o.log.Error("pack removal failed", "pack", spec.Name, "err", err)
		report.Failed = append(report.Failed, spec.Name)
		report.Errors = append(report.Errors, classifyPageErr(spec.Name, "", err))
		return
	}
	report.Removed = append(report.Removed, spec.Name)
}

func classifyPageErr(pack, page string, err error) Error {
	kind := ErrWriteFailed
	switch errkind.KindOf(err) {
	case errkind.Missing:
		kind = ErrMissingFile
	case errkind.NotFound:
		kind = ErrNotFound
	case errkind.DependencyViolation:
		kind = ErrDependencyViolation
	}
	return Error{Pack: pack, Page: page, Kind: kind, Message: err.Error()}
}

// sortByDependencies orders specs so dependencies come before their
// dependents. Edges to packs outside the set are ignored, a cycle
// rejects the apply with the involved pack set.
func sortByDependencies(specs []PackSpec) ([]PackSpec, error) {
	byName := map[string]PackSpec{}
	graph := toposort.NewGraph(len(specs))
	for _, spec := range specs {
		byName[spec.Name] = spec
		graph.AddNode(spec.Name)
	}
	for _, spec := range specs {
		for _, dep := range spec.DependsOn {
			if _, ok := byName[dep]; ok {
				graph.AddEdge(dep, spec.Name)
			}
		}
	}
	order, ok := graph.Toposort()
	if !ok {
		names := make([]string, 0, len(byName))
		for name := range byName {
			names = append(names, name)
		}
		sort.Strings(names)
		return nil, errkind.New(errkind.Validation,
			"apply set contains a dependency cycle").With("packs", names)
	}
	out := make([]PackSpec, 0, len(order))
	for _, name := range order {
		out = append(out, byName[name])
	}
	return out, nil
}

func reverse(specs []PackSpec) {
	for i, j := 0, len(specs)-1; i < j; i, j = i+1, j-1 {
		specs[i], specs[j] = specs[j], specs[i]
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/openwiki/packsync/apply"
	"github.com/openwiki/packsync/errkind"
	"github.com/openwiki/packsync/gitcontent"
	"github.com/openwiki/packsync/manifest"
	"github.com/openwiki/packsync/operation"
	"github.com/openwiki/packsync/registry"
	"github.com/openwiki/packsync/session"
	"github.com/openwiki/packsync/wiki"
)

// app wires all components of the service together.
type app struct {
	conf *Config
	log  *slog.Logger

	db       *registry.DB
	repos    *registry.RepoRegistry
	refs     *registry.RefRegistry
	packs    *registry.PackRegistry
	pages    *registry.PageRegistry
	ops      *registry.OperationRegistry
	content  *gitcontent.Manager
	store    *manifest.Store
	wiki     wiki.Client
	orch     *apply.Orchestrator
	sessions *session.Manager
	runtime  *operation.Runtime
}

func newApp(conf *Config, log *slog.Logger) (*app, error) {
	db, err := registry.Open(conf.Database, nil)
	if err != nil {
		return nil, err
	}

	a := &app{
		conf:  conf,
		log:   log,
		db:    db,
		repos: registry.NewRepoRegistry(db),
		refs:  registry.NewRefRegistry(db),
		packs: registry.NewPackRegistry(db),
		pages: registry.NewPageRegistry(db),
		ops:   registry.NewOperationRegistry(db),
	}

	a.content, err = gitcontent.NewManager(conf.ContentRoot, a.repos, a.refs, &conf.Auth, log)
	if err != nil {
		db.Close()
		return nil, err
	}
	if conf.GitGC != "" {
		if err := a.content.SetGitGC(conf.GitGC); err != nil {
			db.Close()
			return nil, err
		}
	}

	fetcher := manifest.NewFetcher(nil, log)
	a.store = manifest.NewStore(func(ctx context.Context, repoURL, ref string) ([]byte, error) {
		wt, err := a.content.EnsureWorktree(ctx, repoURL, ref)
		if err != nil {
			return nil, err
		}
		return fetcher.Fetch(ctx, manifest.Source{WorktreePath: wt})
	}, log)

	a.wiki = wiki.NewHTTPClient(conf.Wiki, log)
	a.orch = apply.New(db, a.repos, a.refs, a.packs, a.pages, a.wiki, log)
	a.runtime = operation.New(conf.Operations, a.ops, log)
	a.sessions = session.NewManager(a.store, a.repos, a.refs, a.packs, a.pages, a.wiki,
		&queuedApplier{runtime: a.runtime}, log)

	a.registerOperationHandlers()
	return a, nil
}

// enableMetrics registers all collectors under the configured namespace.
func (a *app) enableMetrics(registerer prometheus.Registerer) {
	gitcontent.EnableMetrics(a.conf.MetricsNamespace, registerer)
	operation.EnableMetrics(a.conf.MetricsNamespace, registerer)
}

type repoPayload struct {
	RepoURL    string `json:"repo_url"`
	DefaultRef string `json:"default_ref,omitempty"`
}

func (a *app) registerOperationHandlers() {
	a.runtime.Register(registry.OpRepoAdd, a.runRepoAdd)
	a.runtime.Register(registry.OpRepoSync, a.runRepoSync)
	a.runtime.Register(registry.OpRepoRemove, a.runRepoRemove)
	a.runtime.Register(registry.OpPackApply, a.runPackApply)
}

func (a *app) runRepoAdd(ctx context.Context, _ *registry.Operation, payload json.RawMessage, progress operation.ProgressFunc) (string, error) {
	var p repoPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", errkind.Wrap(errkind.Validation, err, "invalid repo_add payload")
	}
	if p.DefaultRef == "" {
		p.DefaultRef = "main"
	}

	progress(10, "cloning mirror")
	if _, err := a.content.EnsureBareRepo(ctx, p.RepoURL, p.DefaultRef); err != nil {
		return "", err
	}
	progress(70, "creating worktree")
	if _, err := a.content.EnsureWorktree(ctx, p.RepoURL, p.DefaultRef); err != nil {
		return "", err
	}
	return "", nil
}

func (a *app) runRepoSync(ctx context.Context, _ *registry.Operation, payload json.RawMessage, progress operation.ProgressFunc) (string, error) {
	var p repoPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", errkind.Wrap(errkind.Validation, err, "invalid repo_sync payload")
	}

	progress(10, "fetching")
	synced, err := a.content.SyncRepo(ctx, p.RepoURL)
	result := fmt.Sprintf(`{"refs_synced":%d}`, synced)
	if err != nil {
		return result, err
	}
	return result, nil
}

func (a *app) runRepoRemove(ctx context.Context, _ *registry.Operation, payload json.RawMessage, _ operation.ProgressFunc) (string, error) {
	var p repoPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", errkind.Wrap(errkind.Validation, err, "invalid repo_remove payload")
	}
	return "", a.content.RemoveRepo(ctx, p.RepoURL)
}

func (a *app) runPackApply(ctx context.Context, _ *registry.Operation, payload json.RawMessage, progress operation.ProgressFunc) (string, error) {
	var req apply.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return "", errkind.Wrap(errkind.Validation, err, "invalid pack_apply payload")
	}

	report, err := a.orch.Apply(ctx, &req, apply.ProgressFunc(progress))
	var result string
	if report != nil {
		if data, merr := json.Marshal(report); merr == nil {
			result = string(data)
		}
	}
	if err != nil {
		return result, err
	}
	if !report.Success {
		return result, errkind.New(errkind.Internal, "%d packs failed to apply", len(report.Failed))
	}
	return result, nil
}

// queuedApplier hands session applies to the operation runtime; the
// report becomes available through the operation record.
type queuedApplier struct {
	runtime *operation.Runtime
}

func (q *queuedApplier) ApplyPlan(ctx context.Context, req *apply.Request) (*session.ApplyResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	id, err := q.runtime.Enqueue(ctx, registry.OpPackApply, req.UserID,
		fmt.Sprintf("apply %d packs to %s", len(req.Installs)+len(req.Updates)+len(req.Removes), req.Ref),
		payload)
	if err != nil {
		return nil, err
	}
	return &session.ApplyResult{OperationID: id}, nil
}

// inlineApplier runs the orchestrator synchronously. Used by the CLI so
// the report is printed immediately.
type inlineApplier struct {
	orch *apply.Orchestrator
}

func (i *inlineApplier) ApplyPlan(ctx context.Context, req *apply.Request) (*session.ApplyResult, error) {
	report, err := i.orch.Apply(ctx, req, nil)
	if err != nil {
		return nil, err
	}
	return &session.ApplyResult{Report: report}, nil
}

// syncLoop periodically syncs every registered repo.
func (a *app) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(a.conf.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			repos, err := a.repos.List(ctx)
			if err != nil {
				a.log.Error("unable to list repos for background sync", "err", err)
				continue
			}
			for _, repo := range repos {
				if _, err := a.content.SyncRepo(ctx, repo.URL); err != nil {
					a.log.Error("background sync failed", "repo", repo.URL, "err", err)
				}
			}
		}
	}
}

func (a *app) close() {
	a.runtime.Shutdown()
	if err := a.db.Close(); err != nil {
		a.log.Error("unable to close registry database", "err", err)
	}
}

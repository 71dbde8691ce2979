package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openwiki/packsync/errkind"
	"github.com/openwiki/packsync/giturl"
	"github.com/openwiki/packsync/manifest"
	"github.com/openwiki/packsync/registry"
	"github.com/openwiki/packsync/session"
)

// server is the http façade. Mutations are asynchronous and return an
// operation id; manifest reads are synchronous and served through the
// cache.
type server struct {
	app *app
	log *slog.Logger
}

func newServer(a *app) *server {
	return &server{app: a, log: a.log.With("logger", "http")}
}

func (s *server) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /repos", s.listRepos)
	mux.HandleFunc("POST /repos", s.addRepo)
	mux.HandleFunc("POST /repos/sync", s.syncRepo)
	mux.HandleFunc("DELETE /repos/{urlhash}", s.removeRepo)
	mux.HandleFunc("GET /repos/{urlhash}/{ref}/manifest", s.getManifest)
	mux.HandleFunc("GET /repos/{urlhash}/{ref}/hierarchy", s.getHierarchy)
	mux.HandleFunc("GET /repos/{urlhash}/{ref}/graph", s.getGraph)
	mux.HandleFunc("POST /packs", s.packCommand)
	mux.HandleFunc("GET /operations/{id}", s.getOperation)
	mux.Handle("GET /metrics", promhttp.Handler())

	if s.app.conf.WebhookSecret != "" {
		mux.Handle("POST /webhooks/github", &githubWebhookHandler{
			app:    s.app,
			secret: s.app.conf.WebhookSecret,
			log:    s.log,
		})
	}

	return mux
}

func (s *server) listen(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("unable to write response", "err", err)
	}
}

// writeErr maps the error kind to an http status and emits the typed
// error shape.
func (s *server) writeErr(w http.ResponseWriter, err error) {
	body := map[string]any{
		"error": map[string]any{
			"kind":    string(errkind.KindOf(err)),
			"message": err.Error(),
		},
	}
	var kerr *errkind.Error
	if errors.As(err, &kerr) && len(kerr.Context) > 0 {
		body["error"].(map[string]any)["context"] = kerr.Context
	}
	s.writeJSON(w, errkind.HTTPStatus(err), body)
}

func (s *server) user(r *http.Request) string {
	if u := r.Header.Get("X-User"); u != "" {
		return u
	}
	return "anonymous"
}

type repoResponse struct {
	URL         string `json:"url"`
	URLHash     string `json:"url_hash"`
	DefaultRef  string `json:"default_ref"`
	LastFetched int64  `json:"last_fetched"`
}

func (s *server) listRepos(w http.ResponseWriter, r *http.Request) {
	repos, err := s.app.repos.List(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	out := make([]repoResponse, 0, len(repos))
	for _, repo := range repos {
		out = append(out, repoResponse{
			URL:         repo.URL,
			URLHash:     giturl.Hash(repo.URL),
			DefaultRef:  repo.DefaultRef,
			LastFetched: repo.LastFetched,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"repos": out})
}

// enqueueRepoOp enqueues a repo operation with the given payload and
// answers 202 with the operation id.
func (s *server) enqueueRepoOp(w http.ResponseWriter, r *http.Request, opType string, payload repoPayload) {
	if payload.RepoURL == "" {
		s.writeErr(w, errkind.New(errkind.Validation, "repo_url is required"))
		return
	}
	if _, err := giturl.Parse(payload.RepoURL); err != nil {
		s.writeErr(w, errkind.Wrap(errkind.Validation, err, "invalid repo_url"))
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	id, err := s.app.runtime.Enqueue(r.Context(), opType, s.user(r), opType+" "+payload.RepoURL, data)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"operation_id": id})
}

func (s *server) addRepo(w http.ResponseWriter, r *http.Request) {
	var p repoPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.writeErr(w, errkind.Wrap(errkind.Validation, err, "invalid request body"))
		return
	}
	s.enqueueRepoOp(w, r, registry.OpRepoAdd, p)
}

func (s *server) syncRepo(w http.ResponseWriter, r *http.Request) {
	var p repoPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.writeErr(w, errkind.Wrap(errkind.Validation, err, "invalid request body"))
		return
	}
	s.enqueueRepoOp(w, r, registry.OpRepoSync, p)
}

func (s *server) removeRepo(w http.ResponseWriter, r *http.Request) {
	repo, err := s.repoByHash(r)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.enqueueRepoOp(w, r, registry.OpRepoRemove, repoPayload{RepoURL: repo.URL})
}

// repoByHash resolves the {urlhash} path segment to a repo row.
func (s *server) repoByHash(r *http.Request) (*registry.ContentRepo, error) {
	hash := r.PathValue("urlhash")
	repos, err := s.app.repos.List(r.Context())
	if err != nil {
		return nil, err
	}
	for _, repo := range repos {
		if giturl.Hash(repo.URL) == hash {
			return repo, nil
		}
	}
	return nil, errkind.New(errkind.NotFound, "no content repo with url hash %q", hash)
}

func (s *server) manifestResult(w http.ResponseWriter, r *http.Request) (*manifest.Result, bool) {
	repo, err := s.repoByHash(r)
	if err != nil {
		s.writeErr(w, err)
		return nil, false
	}

	key := manifest.Key{RepoURL: repo.URL, Ref: r.PathValue("ref"), LastFetched: repo.LastFetched}

	var res *manifest.Result
	if r.URL.Query().Get("refresh") == "1" {
		res, err = s.app.store.Refresh(r.Context(), key)
	} else {
		res, err = s.app.store.Get(r.Context(), key)
	}
	if err != nil {
		s.writeErr(w, err)
		return nil, false
	}

	s.recordManifestParse(r, repo.ID, key.Ref, res)
	return res, true
}

// recordManifestParse stamps the parsed hash on the ref row so external
// tooling can tell how fresh the cached manifest is.
func (s *server) recordManifestParse(r *http.Request, repoID int64, ref string, res *manifest.Result) {
	if res.Meta.FromCache {
		return
	}
	refRow, err := s.app.refs.GetBySourceRef(r.Context(), repoID, ref)
	if err != nil || refRow == nil {
		return
	}
	now := s.app.repos.Now().Unix()
	if _, err := s.app.refs.Update(r.Context(), refRow.ID, registry.RefUpdate{
		ManifestHash: &res.Meta.Hash, ManifestLastParsed: &now,
	}); err != nil {
		s.log.Error("unable to record manifest parse", "ref", ref, "err", err)
	}
}

func (s *server) getManifest(w http.ResponseWriter, r *http.Request) {
	res, ok := s.manifestResult(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"manifest": res.Manifest, "stats": res.Stats, "meta": res.Meta,
	})
}

func (s *server) getHierarchy(w http.ResponseWriter, r *http.Request) {
	res, ok := s.manifestResult(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"hierarchy": res.Hierarchy, "meta": res.Meta,
	})
}

func (s *server) getGraph(w http.ResponseWriter, r *http.Request) {
	res, ok := s.manifestResult(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"graph": res.Graph, "meta": res.Meta,
	})
}

func (s *server) packCommand(w http.ResponseWriter, r *http.Request) {
	var cmd session.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		s.writeErr(w, errkind.Wrap(errkind.Validation, err, "invalid command envelope"))
		return
	}

	resp, err := s.app.sessions.Handle(r.Context(), s.user(r), cmd)
	if err != nil {
		// a state mismatch still carries the differences payload
		if errkind.IsKind(err, errkind.StateMismatch) && resp != nil {
			s.writeJSON(w, errkind.HTTPStatus(err), resp)
			return
		}
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *server) getOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.app.ops.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if op == nil {
		s.writeErr(w, errkind.New(errkind.NotFound, "operation %s does not exist", r.PathValue("id")))
		return
	}
	s.writeJSON(w, http.StatusOK, operationSnapshot(op))
}

func operationSnapshot(op *registry.Operation) map[string]any {
	snap := map[string]any{
		"id":          op.ID,
		"type":        op.Type,
		"status":      op.Status,
		"progress":    op.Progress,
		"message":     op.Message,
		"result_data": op.ResultData,
		"created_at":  op.CreatedAt,
		"updated_at":  op.UpdatedAt,
	}
	if op.StartedAt != nil {
		snap["started_at"] = op.StartedAt
	}
	return snap
}

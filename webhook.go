package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/openwiki/packsync/errkind"
	"github.com/openwiki/packsync/registry"
)

type githubEvent struct {
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
		HtmlURL string `json:"html_url"`
		GitURL  string `json:"git_url"`
	} `json:"repository"`

	// The full git ref that was pushed. Example: refs/heads/main or refs/tags/v3.14.1.
	Ref string `json:"ref"`
	// The SHA of the most recent commit on ref before the push.
	Before string `json:"before"`
	// The SHA of the most recent commit on ref after the push.
	After string `json:"after"`
}

// githubWebhookHandler enqueues a sync operation for the pushed repo.
type githubWebhookHandler struct {
	app    *app
	secret string
	log    *slog.Logger
}

func (wh *githubWebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		wh.log.Error("cannot read request body", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if !wh.isValidSignature(body, r.Header.Get("X-Hub-Signature-256")) {
		wh.log.Error("invalid signature")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	event := r.Header.Get("X-GitHub-Event")

	var payload githubEvent
	if err := json.Unmarshal(body, &payload); err != nil {
		wh.log.Error("cannot unmarshal json payload", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// The ping event is a confirmation from GitHub that
	// the webhook is configured correctly.
	if event == "ping" {
		w.Write([]byte("pong"))
		return
	}

	// only process 'push' event but return ok for all events to mark
	// successful delivery
	if event == "push" {
		go wh.processPushEvent(payload)
		return
	}
}

func (wh *githubWebhookHandler) isValidSignature(message []byte, signature string) bool {
	return hmac.Equal([]byte(signature), []byte(wh.computeHMAC(message, wh.secret)))
}

func (wh *githubWebhookHandler) computeHMAC(message []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))

	if _, err := mac.Write(message); err != nil {
		wh.log.Error("cannot compute hmac for request", "error", err)
		return ""
	}

	// GH adds `sha256=` prefix in header value
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (wh *githubWebhookHandler) processPushEvent(event githubEvent) {
	ctx := context.Background()

	repo, err := wh.app.repos.GetByURL(ctx, event.Repository.HtmlURL)
	if err != nil {
		wh.log.Error("unable to look up pushed repo", "repo", event.Repository.HtmlURL, "err", err)
		return
	}
	if repo == nil {
		// pushes to unregistered repos are not an error
		return
	}

	payload, err := json.Marshal(repoPayload{RepoURL: repo.URL})
	if err != nil {
		wh.log.Error("unable to marshal sync payload", "repo", repo.URL, "err", err)
		return
	}
	if _, err := wh.app.runtime.Enqueue(ctx, registry.OpRepoSync, "github-webhook",
		"push to "+repo.URL, payload); err != nil {
		if errkind.IsKind(err, errkind.QueueFull) {
			wh.log.Warn("sync queue full, dropping push event", "repo", repo.URL)
			return
		}
		wh.log.Error("unable to enqueue sync for push event", "repo", repo.URL, "err", err)
	}
}

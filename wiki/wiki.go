// Package wiki abstracts the target wiki's page API. The service only
// ever creates, overwrites, deletes and probes pages; everything else
// the wiki offers is out of scope here.
package wiki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/openwiki/packsync/errkind"
)

// WriteResult identifies the revision a write produced.
type WriteResult struct {
	PageID int64 `json:"page_id"`
	RevID  int64 `json:"rev_id"`
}

// Client is the narrow surface the apply orchestrator and the session
// warning computation need from the wiki.
type Client interface {
	// WritePage creates or overwrites the page at title.
	WritePage(ctx context.Context, title, content string) (*WriteResult, error)
	// DeletePage removes the page; deleting an absent page is not an
	// error.
	DeletePage(ctx context.Context, title string) error
	// PageExists probes a single title.
	PageExists(ctx context.Context, title string) (bool, error)
	// ExistingTitles returns the subset of titles that exist.
	ExistingTitles(ctx context.Context, titles []string) (map[string]bool, error)
}

// Config holds the wiki endpoint settings.
type Config struct {
	// base url of the wiki's page api, e.g. https://wiki.example.org/api
	BaseURL string `yaml:"base_url"`
	// bearer token used on every request
	Token string `yaml:"token"`
	// per request timeout
	Timeout time.Duration `yaml:"timeout"`
}

// HTTPClient talks JSON to the wiki page api.
type HTTPClient struct {
	cfg    Config
	client *http.Client
	log    *slog.Logger
}

// NewHTTPClient returns a client for the configured wiki.
func NewHTTPClient(cfg Config, log *slog.Logger) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &HTTPClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log.With("logger", "wiki"),
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errkind.Wrap(errkind.Fetch, err, "wiki request failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errkind.New(errkind.NotFound, "wiki returned 404 for %s", path)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errkind.New(errkind.Fetch, "wiki returned status %d, body:%q", resp.StatusCode, msg)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("unable to decode wiki response err:%w", err)
		}
	}
	return nil
}

// WritePage creates or overwrites a page.
func (c *HTTPClient) WritePage(ctx context.Context, title, content string) (*WriteResult, error) {
	var res WriteResult
	err := c.do(ctx, http.MethodPut, "/pages/"+url.PathEscape(title),
		map[string]string{"content": content}, &res)
	if err != nil {
		return nil, err
	}
	c.log.Log(ctx, -8, "page written", "title", title, "rev", res.RevID)
	return &res, nil
}

// DeletePage removes a page, tolerating absence.
func (c *HTTPClient) DeletePage(ctx context.Context, title string) error {
	err := c.do(ctx, http.MethodDelete, "/pages/"+url.PathEscape(title), nil, nil)
	if errkind.IsKind(err, errkind.NotFound) {
		return nil
	}
	return err
}

// PageExists probes one title.
func (c *HTTPClient) PageExists(ctx context.Context, title string) (bool, error) {
	err := c.do(ctx, http.MethodHead, "/pages/"+url.PathEscape(title), nil, nil)
	if errkind.IsKind(err, errkind.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ExistingTitles checks a batch of titles in one call.
func (c *HTTPClient) ExistingTitles(ctx context.Context, titles []string) (map[string]bool, error) {
	var res struct {
		Existing []string `json:"existing"`
	}
	if err := c.do(ctx, http.MethodPost, "/pages/exists",
		map[string][]string{"titles": titles}, &res); err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(res.Existing))
	for _, title := range res.Existing {
		out[title] = true
	}
	return out, nil
}

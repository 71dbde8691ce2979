package manifest

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/openwiki/packsync/errkind"
	"github.com/openwiki/packsync/gitcontent"
)

// Source describes where a ref's manifest can be found. The worktree is
// preferred; HTTPURL, if set, is the fallback for refs without a local
// checkout.
type Source struct {
	WorktreePath string
	HTTPURL      string
}

// Fetcher retrieves manifest bytes from a Source.
type Fetcher struct {
	client *http.Client
	log    *slog.Logger
}

// NewFetcher returns a fetcher. A nil client gets a 30s-timeout default.
func NewFetcher(client *http.Client, log *slog.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Fetcher{client: client, log: log.With("logger", "manifest")}
}

// Fetch reads the manifest from the worktree, falling back to http when
// the worktree has no manifest file and a url is configured. A present
// but empty manifest is a missing error, transport failures are fetch
// errors.
func (f *Fetcher) Fetch(ctx context.Context, src Source) ([]byte, error) {
	if src.WorktreePath != "" {
		data, err := gitcontent.ReadWorktreeFile(src.WorktreePath, FileName)
		switch {
		case err == nil && len(data) == 0:
			return nil, errkind.New(errkind.Missing, "manifest file is empty")
		case err == nil:
			return data, nil
		case errkind.IsKind(err, errkind.Missing) && src.HTTPURL != "":
			f.log.Log(ctx, -8, "no manifest in worktree, falling back to http", "url", src.HTTPURL)
		default:
			return nil, err
		}
	}

	if src.HTTPURL == "" {
		return nil, errkind.New(errkind.Missing, "no manifest source configured")
	}
	return f.fetchHTTP(ctx, src.HTTPURL)
}

func (f *Fetcher) fetchHTTP(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errkind.Wrap(errkind.Fetch, err, "invalid manifest url %q", url)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.Fetch, err, "unable to fetch manifest from %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errkind.New(errkind.Fetch, "manifest fetch from %s returned status %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSize+1))
	if err != nil {
		return nil, errkind.Wrap(errkind.Read, err, "unable to read manifest body from %s", url)
	}
	if len(data) == 0 {
		return nil, errkind.New(errkind.Missing, "manifest at %s is empty", url)
	}
	if len(data) > maxSize {
		return nil, errkind.New(errkind.Parse, "manifest at %s exceeds %d bytes", url, maxSize)
	}
	return data, nil
}

package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/openwiki/packsync/giturl"
)

// ContentRepo is a registered content repository, unique by normalised url.
type ContentRepo struct {
	ID          int64
	URL         string
	DefaultRef  string
	BarePath    string
	LastFetched int64 // unix seconds of the last successful fetch, 0 if never
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RepoUpdate holds the optional fields of a partial repo update.
type RepoUpdate struct {
	DefaultRef  *string
	BarePath    *string
	LastFetched *int64
}

// RepoRegistry is the sole writer of the content_repo table.
type RepoRegistry struct {
	db *DB
}

// NewRepoRegistry returns a repo registry over db.
func NewRepoRegistry(db *DB) *RepoRegistry { return &RepoRegistry{db: db} }

// Now exposes the registry clock so the git layer can stamp last_fetched
// consistently with row timestamps.
func (rr *RepoRegistry) Now() time.Time { return rr.db.Now() }

const repoCols = `id, url, default_ref, bare_path, last_fetched, created_at, updated_at`

func scanRepo(row interface{ Scan(...any) error }) (*ContentRepo, error) {
	var r ContentRepo
	var created, updated int64
	if err := row.Scan(&r.ID, &r.URL, &r.DefaultRef, &r.BarePath, &r.LastFetched, &created, &updated); err != nil {
		return nil, err
	}
	r.CreatedAt = fromUnix(created)
	r.UpdatedAt = fromUnix(updated)
	return &r, nil
}

// Add inserts a new repo row. The url is stored normalised. A repo with
// the same url yields a conflict error.
func (rr *RepoRegistry) Add(ctx context.Context, url, defaultRef, barePath string) (*ContentRepo, error) {
	now := unix(rr.db.Now())
	res, err := rr.db.sql.ExecContext(ctx,
		`INSERT INTO content_repo (url, default_ref, bare_path, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		giturl.Normalise(url), defaultRef, barePath, now, now)
	if err != nil {
		return nil, asRegistryErr(err, "content repo")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return rr.Get(ctx, id)
}

// Ensure upserts a repo by url and returns the row. If the repo already
// exists the given update fields are applied; otherwise a new row is
// created. Ensure is idempotent.
func (rr *RepoRegistry) Ensure(ctx context.Context, url, defaultRef, barePath string, update RepoUpdate) (*ContentRepo, error) {
	existing, err := rr.GetByURL(ctx, url)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		repo, err := rr.Add(ctx, url, defaultRef, barePath)
		if err != nil {
			return nil, err
		}
		existing = repo
	}
	if update == (RepoUpdate{}) {
		return existing, nil
	}
	return rr.Update(ctx, existing.ID, update)
}

// Get returns the repo by id, nil if not found.
func (rr *RepoRegistry) Get(ctx context.Context, id int64) (*ContentRepo, error) {
	row := rr.db.sql.QueryRowContext(ctx,
		`SELECT `+repoCols+` FROM content_repo WHERE id = ?`, id)
	repo, err := scanRepo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return repo, err
}

// GetByURL returns the repo by normalised url, nil if not found.
func (rr *RepoRegistry) GetByURL(ctx context.Context, url string) (*ContentRepo, error) {
	row := rr.db.sql.QueryRowContext(ctx,
		`SELECT `+repoCols+` FROM content_repo WHERE url = ?`, giturl.Normalise(url))
	repo, err := scanRepo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return repo, err
}

// Update applies the non-nil fields and bumps updated_at.
func (rr *RepoRegistry) Update(ctx context.Context, id int64, update RepoUpdate) (*ContentRepo, error) {
	sets := "updated_at = ?"
	args := []any{unix(rr.db.Now())}

	if update.DefaultRef != nil {
		sets += ", default_ref = ?"
		args = append(args, *update.DefaultRef)
	}
	if update.BarePath != nil {
		sets += ", bare_path = ?"
		args = append(args, *update.BarePath)
	}
	if update.LastFetched != nil {
		sets += ", last_fetched = ?"
		args = append(args, *update.LastFetched)
	}
	args = append(args, id)

	if _, err := rr.db.sql.ExecContext(ctx,
		fmt.Sprintf(`UPDATE content_repo SET %s WHERE id = ?`, sets), args...); err != nil {
		return nil, asRegistryErr(err, "content repo")
	}
	return rr.Get(ctx, id)
}

// Delete removes the repo row; ref rows cascade.
func (rr *RepoRegistry) Delete(ctx context.Context, id int64) error {
	_, err := rr.db.sql.ExecContext(ctx, `DELETE FROM content_repo WHERE id = ?`, id)
	return err
}

// List returns all repos ordered by url.
func (rr *RepoRegistry) List(ctx context.Context) ([]*ContentRepo, error) {
	rows, err := rr.db.sql.QueryContext(ctx,
		`SELECT `+repoCols+` FROM content_repo ORDER BY url ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var repos []*ContentRepo
	for rows.Next() {
		repo, err := scanRepo(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, repo)
	}
	return repos, rows.Err()
}

package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ContentRef is a tracked ref of a content repo, unique by
// (repo_id, source_ref).
type ContentRef struct {
	ID                 int64
	RepoID             int64
	SourceRef          string
	LastCommit         string
	ManifestHash       string
	ManifestLastParsed int64 // unix seconds, 0 if never parsed
	WorktreePath       string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// RefUpdate holds the optional fields of a partial ref update.
type RefUpdate struct {
	LastCommit         *string
	ManifestHash       *string
	ManifestLastParsed *int64
	WorktreePath       *string
}

// RefRegistry is the sole writer of the content_ref table.
type RefRegistry struct {
	db *DB
}

// NewRefRegistry returns a ref registry over db.
func NewRefRegistry(db *DB) *RefRegistry { return &RefRegistry{db: db} }

const refCols = `id, repo_id, source_ref, last_commit, manifest_hash, manifest_last_parsed, worktree_path, created_at, updated_at`

func scanRef(row interface{ Scan(...any) error }) (*ContentRef, error) {
	var r ContentRef
	var created, updated int64
	if err := row.Scan(&r.ID, &r.RepoID, &r.SourceRef, &r.LastCommit, &r.ManifestHash,
		&r.ManifestLastParsed, &r.WorktreePath, &created, &updated); err != nil {
		return nil, err
	}
	r.CreatedAt = fromUnix(created)
	r.UpdatedAt = fromUnix(updated)
	return &r, nil
}

// Add inserts a new ref row for the repo.
func (rr *RefRegistry) Add(ctx context.Context, repoID int64, sourceRef, worktreePath string) (*ContentRef, error) {
	now := unix(rr.db.Now())
	res, err := rr.db.sql.ExecContext(ctx,
		`INSERT INTO content_ref (repo_id, source_ref, worktree_path, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		repoID, sourceRef, worktreePath, now, now)
	if err != nil {
		return nil, asRegistryErr(err, "content ref")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return rr.Get(ctx, id)
}

// Ensure upserts a ref by (repo_id, source_ref), applying the update
// fields when the row already exists. Idempotent.
func (rr *RefRegistry) Ensure(ctx context.Context, repoID int64, sourceRef, worktreePath string, update RefUpdate) (*ContentRef, error) {
	existing, err := rr.GetBySourceRef(ctx, repoID, sourceRef)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		ref, err := rr.Add(ctx, repoID, sourceRef, worktreePath)
		if err != nil {
			return nil, err
		}
		existing = ref
	}
	if update == (RefUpdate{}) {
		return existing, nil
	}
	return rr.Update(ctx, existing.ID, update)
}

// Get returns the ref by id, nil if not found.
func (rr *RefRegistry) Get(ctx context.Context, id int64) (*ContentRef, error) {
	row := rr.db.sql.QueryRowContext(ctx,
		`SELECT `+refCols+` FROM content_ref WHERE id = ?`, id)
	ref, err := scanRef(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ref, err
}

// GetBySourceRef returns the ref by natural key, nil if not found.
func (rr *RefRegistry) GetBySourceRef(ctx context.Context, repoID int64, sourceRef string) (*ContentRef, error) {
	row := rr.db.sql.QueryRowContext(ctx,
		`SELECT `+refCols+` FROM content_ref WHERE repo_id = ? AND source_ref = ?`, repoID, sourceRef)
	ref, err := scanRef(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ref, err
}

// Update applies the non-nil fields and bumps updated_at.
func (rr *RefRegistry) Update(ctx context.Context, id int64, update RefUpdate) (*ContentRef, error) {
	sets := "updated_at = ?"
	args := []any{unix(rr.db.Now())}

	if update.LastCommit != nil {
		sets += ", last_commit = ?"
		args = append(args, *update.LastCommit)
	}
	if update.ManifestHash != nil {
		sets += ", manifest_hash = ?"
		args = append(args, *update.ManifestHash)
	}
	if update.ManifestLastParsed != nil {
		sets += ", manifest_last_parsed = ?"
		args = append(args, *update.ManifestLastParsed)
	}
	if update.WorktreePath != nil {
		sets += ", worktree_path = ?"
		args = append(args, *update.WorktreePath)
	}
	args = append(args, id)

	if _, err := rr.db.sql.ExecContext(ctx,
		fmt.Sprintf(`UPDATE content_ref SET %s WHERE id = ?`, sets), args...); err != nil {
		return nil, asRegistryErr(err, "content ref")
	}
	return rr.Get(ctx, id)
}

// Delete removes the ref row; pack rows cascade.
func (rr *RefRegistry) Delete(ctx context.Context, id int64) error {
	_, err := rr.db.sql.ExecContext(ctx, `DELETE FROM content_ref WHERE id = ?`, id)
	return err
}

// ListByRepo returns the repo's refs ordered by source_ref.
func (rr *RefRegistry) ListByRepo(ctx context.Context, repoID int64) ([]*ContentRef, error) {
	rows, err := rr.db.sql.QueryContext(ctx,
		`SELECT `+refCols+` FROM content_ref WHERE repo_id = ? ORDER BY source_ref ASC`, repoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []*ContentRef
	for rows.Next() {
		ref, err := scanRef(rows)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// List returns all refs ordered by repo then source_ref.
func (rr *RefRegistry) List(ctx context.Context) ([]*ContentRef, error) {
	rows, err := rr.db.sql.QueryContext(ctx,
		`SELECT `+refCols+` FROM content_ref ORDER BY repo_id ASC, source_ref ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []*ContentRef
	for rows.Next() {
		ref, err := scanRef(rows)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

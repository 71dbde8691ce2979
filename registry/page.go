package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Page is an installed page row, unique by (pack_id, name). final_title is
// unique across all packs so cross-pack title collisions surface as typed
// conflicts at write time.
type Page struct {
	ID            int64
	PackID        int64
	Name          string
	FinalTitle    string
	PageNamespace string
	WikiPageID    int64
	LastRevID     int64
	ContentHash   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PageUpdate holds the optional fields of a partial page update.
type PageUpdate struct {
	FinalTitle    *string
	PageNamespace *string
	WikiPageID    *int64
	LastRevID     *int64
	ContentHash   *string
}

// PageRegistry is the sole writer of the page table.
type PageRegistry struct {
	db *DB
	q  querier
}

// NewPageRegistry returns a page registry over db.
func NewPageRegistry(db *DB) *PageRegistry { return &PageRegistry{db: db, q: db.sql} }

// Tx returns a copy of the registry whose writes run inside tx.
func (pr *PageRegistry) Tx(tx *sql.Tx) *PageRegistry { return &PageRegistry{db: pr.db, q: tx} }

const pageCols = `id, pack_id, name, final_title, page_namespace, wiki_page_id, last_rev_id, content_hash, created_at, updated_at`

func scanPage(row interface{ Scan(...any) error }) (*Page, error) {
	var p Page
	var created, updated int64
	if err := row.Scan(&p.ID, &p.PackID, &p.Name, &p.FinalTitle, &p.PageNamespace,
		&p.WikiPageID, &p.LastRevID, &p.ContentHash, &created, &updated); err != nil {
		return nil, err
	}
	p.CreatedAt = fromUnix(created)
	p.UpdatedAt = fromUnix(updated)
	return &p, nil
}

// Add inserts a new page row.
func (pr *PageRegistry) Add(ctx context.Context, packID int64, name, finalTitle, namespace string, wikiPageID, lastRevID int64, contentHash string) (*Page, error) {
	now := unix(pr.db.Now())
	res, err := pr.q.ExecContext(ctx,
		`INSERT INTO page (pack_id, name, final_title, page_namespace, wiki_page_id, last_rev_id, content_hash, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		packID, name, finalTitle, namespace, wikiPageID, lastRevID, contentHash, now, now)
	if err != nil {
		return nil, asRegistryErr(err, "page")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return pr.Get(ctx, id)
}

// Ensure upserts a page by (pack_id, name), applying the update fields
// when the row already exists. Idempotent.
func (pr *PageRegistry) Ensure(ctx context.Context, packID int64, name, finalTitle, namespace string, update PageUpdate) (*Page, error) {
	existing, err := pr.GetByName(ctx, packID, name)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		page, err := pr.Add(ctx, packID, name, finalTitle, namespace, 0, 0, "")
		if err != nil {
			return nil, err
		}
		existing = page
	}
	if update == (PageUpdate{}) {
		return existing, nil
	}
	return pr.Update(ctx, existing.ID, update)
}

// Get returns the page by id, nil if not found.
func (pr *PageRegistry) Get(ctx context.Context, id int64) (*Page, error) {
	row := pr.q.QueryRowContext(ctx, `SELECT `+pageCols+` FROM page WHERE id = ?`, id)
	page, err := scanPage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return page, err
}

// GetByName returns the page by natural key, nil if not found.
func (pr *PageRegistry) GetByName(ctx context.Context, packID int64, name string) (*Page, error) {
	row := pr.q.QueryRowContext(ctx,
		`SELECT `+pageCols+` FROM page WHERE pack_id = ? AND name = ?`, packID, name)
	page, err := scanPage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return page, err
}

// GetByFinalTitle returns the page owning the given final title across
// all packs, nil if not found. Used for collision warnings.
func (pr *PageRegistry) GetByFinalTitle(ctx context.Context, finalTitle string) (*Page, error) {
	row := pr.q.QueryRowContext(ctx,
		`SELECT `+pageCols+` FROM page WHERE final_title = ?`, finalTitle)
	page, err := scanPage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return page, err
}

// Update applies the non-nil fields and bumps updated_at.
func (pr *PageRegistry) Update(ctx context.Context, id int64, update PageUpdate) (*Page, error) {
	sets := "updated_at = ?"
	args := []any{unix(pr.db.Now())}

	if update.FinalTitle != nil {
		sets += ", final_title = ?"
		args = append(args, *update.FinalTitle)
	}
	if update.PageNamespace != nil {
		sets += ", page_namespace = ?"
		args = append(args, *update.PageNamespace)
	}
	if update.WikiPageID != nil {
		sets += ", wiki_page_id = ?"
		args = append(args, *update.WikiPageID)
	}
	if update.LastRevID != nil {
		sets += ", last_rev_id = ?"
		args = append(args, *update.LastRevID)
	}
	if update.ContentHash != nil {
		sets += ", content_hash = ?"
		args = append(args, *update.ContentHash)
	}
	args = append(args, id)

	if _, err := pr.q.ExecContext(ctx,
		fmt.Sprintf(`UPDATE page SET %s WHERE id = ?`, sets), args...); err != nil {
		return nil, asRegistryErr(err, "page")
	}
	return pr.Get(ctx, id)
}

// Delete removes the page row.
func (pr *PageRegistry) Delete(ctx context.Context, id int64) error {
	_, err := pr.q.ExecContext(ctx, `DELETE FROM page WHERE id = ?`, id)
	return err
}

// ListByPack returns the pack's pages ordered by name.
func (pr *PageRegistry) ListByPack(ctx context.Context, packID int64) ([]*Page, error) {
	rows, err := pr.q.QueryContext(ctx,
		`SELECT `+pageCols+` FROM page WHERE pack_id = ? ORDER BY name ASC`, packID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pages []*Page
	for rows.Next() {
		page, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
		pages = append(pages, page)
	}
	return pages, rows.Err()
}

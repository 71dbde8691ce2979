package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Pack statuses recorded for installed packs.
const (
	PackStatusInstalled = "installed"
	PackStatusRemoved   = "removed"
)

// Pack is an installed pack row, unique by (ref_id, name). It records a
// prior apply and is distinct from the declarative manifest pack.
type Pack struct {
	ID           int64
	RefID        int64
	Name         string
	Version      string
	SourceCommit string
	InstalledBy  string
	InstalledAt  time.Time
	Status       string
	UpdatedAt    time.Time
}

// PackUpdate holds the optional fields of a partial pack update.
type PackUpdate struct {
	Version      *string
	SourceCommit *string
	Status       *string
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PackRegistry is the sole writer of the pack and pack_dependency tables.
type PackRegistry struct {
	db *DB
	q  querier
}

// NewPackRegistry returns a pack registry over db.
func NewPackRegistry(db *DB) *PackRegistry { return &PackRegistry{db: db, q: db.sql} }

// Tx returns a copy of the registry whose writes run inside tx. The apply
// orchestrator uses one transaction per pack.
func (pr *PackRegistry) Tx(tx *sql.Tx) *PackRegistry { return &PackRegistry{db: pr.db, q: tx} }

const packCols = `id, ref_id, name, version, source_commit, installed_by, installed_at, status, updated_at`

func scanPack(row interface{ Scan(...any) error }) (*Pack, error) {
	var p Pack
	var installed, updated int64
	if err := row.Scan(&p.ID, &p.RefID, &p.Name, &p.Version, &p.SourceCommit,
		&p.InstalledBy, &installed, &p.Status, &updated); err != nil {
		return nil, err
	}
	p.InstalledAt = fromUnix(installed)
	p.UpdatedAt = fromUnix(updated)
	return &p, nil
}

// Register upserts a pack row by (ref_id, name) and marks it installed.
// On re-install installed_by is updated to the latest caller; this
// matches the recorded behaviour callers rely on for audit.
func (pr *PackRegistry) Register(ctx context.Context, refID int64, name, version, sourceCommit, installedBy string) (*Pack, error) {
	now := unix(pr.db.Now())

	existing, err := pr.GetByName(ctx, refID, name)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		res, err := pr.q.ExecContext(ctx,
			`INSERT INTO pack (ref_id, name, version, source_commit, installed_by, installed_at, status, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			refID, name, version, sourceCommit, installedBy, now, PackStatusInstalled, now)
		if err != nil {
			return nil, asRegistryErr(err, "pack")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		return pr.Get(ctx, id)
	}

	if _, err := pr.q.ExecContext(ctx,
		`UPDATE pack SET version = ?, source_commit = ?, installed_by = ?, installed_at = ?, status = ?, updated_at = ?
		 WHERE id = ?`,
		version, sourceCommit, installedBy, now, PackStatusInstalled, now, existing.ID); err != nil {
		return nil, asRegistryErr(err, "pack")
	}
	return pr.Get(ctx, existing.ID)
}

// Get returns the pack by id, nil if not found.
func (pr *PackRegistry) Get(ctx context.Context, id int64) (*Pack, error) {
	row := pr.q.QueryRowContext(ctx, `SELECT `+packCols+` FROM pack WHERE id = ?`, id)
	pack, err := scanPack(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return pack, err
}

// GetByName returns the pack by natural key, nil if not found.
func (pr *PackRegistry) GetByName(ctx context.Context, refID int64, name string) (*Pack, error) {
	row := pr.q.QueryRowContext(ctx,
		`SELECT `+packCols+` FROM pack WHERE ref_id = ? AND name = ?`, refID, name)
	pack, err := scanPack(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return pack, err
}

// Update applies the non-nil fields and bumps updated_at.
func (pr *PackRegistry) Update(ctx context.Context, id int64, update PackUpdate) (*Pack, error) {
	sets := "updated_at = ?"
	args := []any{unix(pr.db.Now())}

	if update.Version != nil {
		sets += ", version = ?"
		args = append(args, *update.Version)
	}
	if update.SourceCommit != nil {
		sets += ", source_commit = ?"
		args = append(args, *update.SourceCommit)
	}
	if update.Status != nil {
		sets += ", status = ?"
		args = append(args, *update.Status)
	}
	args = append(args, id)

	if _, err := pr.q.ExecContext(ctx,
		fmt.Sprintf(`UPDATE pack SET %s WHERE id = ?`, sets), args...); err != nil {
		return nil, asRegistryErr(err, "pack")
	}
	return pr.Get(ctx, id)
}

// Delete removes the pack row; page and dependency rows cascade.
func (pr *PackRegistry) Delete(ctx context.Context, id int64) error {
	_, err := pr.q.ExecContext(ctx, `DELETE FROM pack WHERE id = ?`, id)
	return err
}

// ListByRef returns installed packs of the ref ordered by name.
func (pr *PackRegistry) ListByRef(ctx context.Context, refID int64) ([]*Pack, error) {
	rows, err := pr.q.QueryContext(ctx,
		`SELECT `+packCols+` FROM pack WHERE ref_id = ? AND status = ? ORDER BY name ASC`,
		refID, PackStatusInstalled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var packs []*Pack
	for rows.Next() {
		pack, err := scanPack(rows)
		if err != nil {
			return nil, err
		}
		packs = append(packs, pack)
	}
	return packs, rows.Err()
}

// SetDependencies replaces the outgoing dependency edges of the pack.
// Edges always reference packs within the same ref; callers resolve the
// depends_on names to pack ids before registering.
func (pr *PackRegistry) SetDependencies(ctx context.Context, packID int64, dependsOn []int64) error {
	if _, err := pr.q.ExecContext(ctx,
		`DELETE FROM pack_dependency WHERE pack_id = ?`, packID); err != nil {
		return err
	}
	for _, depID := range dependsOn {
		if _, err := pr.q.ExecContext(ctx,
			`INSERT INTO pack_dependency (pack_id, depends_on_pack_id) VALUES (?, ?)`,
			packID, depID); err != nil {
			return asRegistryErr(err, "pack dependency")
		}
	}
	return nil
}

// Dependencies returns ids of packs the given pack depends on, sorted.
func (pr *PackRegistry) Dependencies(ctx context.Context, packID int64) ([]int64, error) {
	rows, err := pr.q.QueryContext(ctx,
		`SELECT depends_on_pack_id FROM pack_dependency WHERE pack_id = ? ORDER BY depends_on_pack_id ASC`,
		packID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Dependents returns ids of installed packs depending on the given pack,
// sorted. Used for removal validation.
func (pr *PackRegistry) Dependents(ctx context.Context, packID int64) ([]int64, error) {
	rows, err := pr.q.QueryContext(ctx,
		`SELECT d.pack_id FROM pack_dependency d
		 JOIN pack p ON p.id = d.pack_id
		 WHERE d.depends_on_pack_id = ? AND p.status = ?
		 ORDER BY d.pack_id ASC`,
		packID, PackStatusInstalled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

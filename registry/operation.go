package registry

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"github.com/openwiki/packsync/errkind"
)

// Operation types.
const (
	OpRepoAdd     = "repo_add"
	OpRepoSync    = "repo_sync"
	OpRepoRemove  = "repo_remove"
	OpPackInstall = "pack_install"
	OpPackUpdate  = "pack_update"
	OpPackRemove  = "pack_remove"
	OpPackApply   = "pack_apply"
)

// Operation statuses. Transitions are monotonic:
// queued -> running -> success | failed.
const (
	OpQueued  = "queued"
	OpRunning = "running"
	OpSuccess = "success"
	OpFailed  = "failed"
)

// Operation records a long-running action and its lifecycle.
type Operation struct {
	ID         string
	Type       string
	Status     string
	UserID     string
	Message    string
	Progress   int
	ResultData string // opaque JSON string, empty if none
	CreatedAt  time.Time
	UpdatedAt  time.Time
	StartedAt  *time.Time
}

// Terminal reports whether the operation reached a final status.
func (op *Operation) Terminal() bool {
	return op.Status == OpSuccess || op.Status == OpFailed
}

// OperationRegistry is the sole writer of the operation table.
type OperationRegistry struct {
	db *DB
}

// NewOperationRegistry returns an operation registry over db.
func NewOperationRegistry(db *DB) *OperationRegistry { return &OperationRegistry{db: db} }

const opCols = `id, type, status, user_id, message, progress, result_data, created_at, updated_at, started_at`

func scanOperation(row interface{ Scan(...any) error }) (*Operation, error) {
	var op Operation
	var created, updated int64
	var started sql.NullInt64
	if err := row.Scan(&op.ID, &op.Type, &op.Status, &op.UserID, &op.Message,
		&op.Progress, &op.ResultData, &created, &updated, &started); err != nil {
		return nil, err
	}
	op.CreatedAt = fromUnix(created)
	op.UpdatedAt = fromUnix(updated)
	if started.Valid {
		t := fromUnix(started.Int64)
		op.StartedAt = &t
	}
	return &op, nil
}

func newOperationID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Create inserts a new queued operation and returns it.
func (or *OperationRegistry) Create(ctx context.Context, opType, userID, message string) (*Operation, error) {
	now := unix(or.db.Now())
	id := newOperationID()
	if _, err := or.db.sql.ExecContext(ctx,
		`INSERT INTO operation (id, type, status, user_id, message, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, opType, OpQueued, userID, message, now, now); err != nil {
		return nil, asRegistryErr(err, "operation")
	}
	return or.Get(ctx, id)
}

// Get returns the operation by id, nil if not found.
func (or *OperationRegistry) Get(ctx context.Context, id string) (*Operation, error) {
	row := or.db.sql.QueryRowContext(ctx, `SELECT `+opCols+` FROM operation WHERE id = ?`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return op, err
}

// Start marks the operation running and records started_at. Starting an
// operation that is not queued is a conflict.
func (or *OperationRegistry) Start(ctx context.Context, id string) (*Operation, error) {
	now := unix(or.db.Now())
	res, err := or.db.sql.ExecContext(ctx,
		`UPDATE operation SET status = ?, started_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		OpRunning, now, now, id, OpQueued)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, errkind.New(errkind.Conflict, "operation %s is not queued", id)
	}
	return or.Get(ctx, id)
}

// SetProgress stores the clamped progress and message, keeping the
// operation running. A late progress report against a finished
// operation is a no-op; success/failed are terminal.
func (or *OperationRegistry) SetProgress(ctx context.Context, id string, progress int, message string) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	_, err := or.db.sql.ExecContext(ctx,
		`UPDATE operation SET progress = ?, message = ?, status = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		progress, message, OpRunning, unix(or.db.Now()), id, OpQueued, OpRunning)
	return err
}

// Complete marks the operation successful with progress 100.
func (or *OperationRegistry) Complete(ctx context.Context, id, message, resultData string) error {
	return or.finish(ctx, id, OpSuccess, message, resultData)
}

// Fail marks the operation failed, preserving its last progress.
func (or *OperationRegistry) Fail(ctx context.Context, id, message, resultData string) error {
	return or.finish(ctx, id, OpFailed, message, resultData)
}

func (or *OperationRegistry) finish(ctx context.Context, id, status, message, resultData string) error {
	now := unix(or.db.Now())

	query := `UPDATE operation SET status = ?, message = ?, result_data = ?, updated_at = ?
	          WHERE id = ? AND status IN (?, ?)`
	args := []any{status, message, resultData, now, id, OpQueued, OpRunning}
	if status == OpSuccess {
		query = `UPDATE operation SET status = ?, message = ?, result_data = ?, progress = 100, updated_at = ?
		         WHERE id = ? AND status IN (?, ?)`
	}

	res, err := or.db.sql.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	// success/failed are terminal
	if n == 0 {
		return errkind.New(errkind.Conflict, "operation %s already finished", id)
	}
	return nil
}

// List returns operations ordered by updated_at descending.
func (or *OperationRegistry) List(ctx context.Context, limit int) ([]*Operation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := or.db.sql.QueryContext(ctx,
		`SELECT `+opCols+` FROM operation ORDER BY updated_at DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// Sweep deletes operations last updated before the cutoff. With
// onlyCompleted, queued and running records are preserved regardless of
// age. Returns the number of deleted rows.
func (or *OperationRegistry) Sweep(ctx context.Context, olderThan time.Time, onlyCompleted bool) (int64, error) {
	query := `DELETE FROM operation WHERE updated_at < ?`
	args := []any{unix(olderThan)}
	if onlyCompleted {
		query += ` AND status IN (?, ?)`
		args = append(args, OpSuccess, OpFailed)
	}
	res, err := or.db.sql.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

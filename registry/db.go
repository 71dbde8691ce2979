// Package registry implements the persistent registries backing packsync:
// content repos, content refs, installed packs, installed pages and
// operations. It is the sole writer of the five tables; all other
// components go through the typed registries defined here.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/openwiki/packsync/errkind"
)

// Clock returns the current time. Injected so tests can control
// timestamps; all registry writes stamp times through it.
type Clock func() time.Time

// DB wraps the sqlite handle and the injected clock shared by all
// registries.
type DB struct {
	sql *sql.DB
	now Clock
}

// migrations are additive only. Never edit or remove an applied entry,
// append a new one instead.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS content_repo (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		url          TEXT NOT NULL UNIQUE,
		default_ref  TEXT NOT NULL,
		bare_path    TEXT NOT NULL DEFAULT '',
		last_fetched INTEGER NOT NULL DEFAULT 0,
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS content_ref (
		id                   INTEGER PRIMARY KEY AUTOINCREMENT,
		repo_id              INTEGER NOT NULL REFERENCES content_repo(id) ON DELETE CASCADE,
		source_ref           TEXT NOT NULL,
		last_commit          TEXT NOT NULL DEFAULT '',
		manifest_hash        TEXT NOT NULL DEFAULT '',
		manifest_last_parsed INTEGER NOT NULL DEFAULT 0,
		worktree_path        TEXT NOT NULL DEFAULT '',
		created_at           INTEGER NOT NULL,
		updated_at           INTEGER NOT NULL,
		UNIQUE(repo_id, source_ref)
	)`,
	`CREATE TABLE IF NOT EXISTS pack (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		ref_id        INTEGER NOT NULL REFERENCES content_ref(id) ON DELETE CASCADE,
		name          TEXT NOT NULL,
		version       TEXT NOT NULL,
		source_commit TEXT NOT NULL DEFAULT '',
		installed_by  TEXT NOT NULL DEFAULT '',
		installed_at  INTEGER NOT NULL,
		status        TEXT NOT NULL DEFAULT 'installed',
		updated_at    INTEGER NOT NULL,
		UNIQUE(ref_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS pack_dependency (
		pack_id            INTEGER NOT NULL REFERENCES pack(id) ON DELETE CASCADE,
		depends_on_pack_id INTEGER NOT NULL REFERENCES pack(id) ON DELETE CASCADE,
		UNIQUE(pack_id, depends_on_pack_id)
	)`,
	`CREATE TABLE IF NOT EXISTS page (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		pack_id        INTEGER NOT NULL REFERENCES pack(id) ON DELETE CASCADE,
		name           TEXT NOT NULL,
		final_title    TEXT NOT NULL,
		page_namespace TEXT NOT NULL DEFAULT '',
		wiki_page_id   INTEGER NOT NULL DEFAULT 0,
		last_rev_id    INTEGER NOT NULL DEFAULT 0,
		content_hash   TEXT NOT NULL DEFAULT '',
		created_at     INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL,
		UNIQUE(pack_id, name),
		UNIQUE(final_title)
	)`,
	`CREATE TABLE IF NOT EXISTS operation (
		id          TEXT PRIMARY KEY,
		type        TEXT NOT NULL,
		status      TEXT NOT NULL,
		user_id     TEXT NOT NULL DEFAULT '',
		message     TEXT NOT NULL DEFAULT '',
		progress    INTEGER NOT NULL DEFAULT 0,
		result_data TEXT NOT NULL DEFAULT '',
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL,
		started_at  INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_operation_updated ON operation(updated_at)`,
}

// Open opens (or creates) the sqlite database at path and applies
// migrations. Use ":memory:" for tests. A nil clock defaults to time.Now.
func Open(path string, clock Clock) (*DB, error) {
	if clock == nil {
		clock = time.Now
	}

	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open registry database err:%w", err)
	}

	// sqlite allows one writer; serialise access through a single conn to
	// keep transactions simple
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("unable to enable foreign keys err:%w", err)
	}

	db := &DB{sql: sqlDB, now: clock}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) migrate() error {
	for i, stmt := range migrations {
		if _, err := db.sql.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d failed err:%w", i, err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (db *DB) Close() error { return db.sql.Close() }

// Now returns the registry clock's current time truncated to seconds,
// the resolution of stored timestamps.
func (db *DB) Now() time.Time { return db.now().Truncate(time.Second) }

// InTx runs fn inside a transaction, rolling back on error.
func (db *DB) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("unable to begin tx err:%w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed err:%v after err:%w", rbErr, err)
		}
		return err
	}
	return tx.Commit()
}

// asRegistryErr converts sqlite constraint violations into typed conflict
// errors, passing other errors through.
func asRegistryErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return errkind.Wrap(errkind.Conflict, err, "%s already exists", what)
	}
	return err
}

func unix(t time.Time) int64 { return t.Unix() }

func fromUnix(v int64) time.Time { return time.Unix(v, 0).UTC() }

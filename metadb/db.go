// Package metadb implements the durable metadata store for the upload
// engine: stored-object records and per-user space accounting, backed by
// sqlite.
package metadb

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	// Error is the default metadb error class.
	Error = errs.Class("metadb")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errs.Class("not found")

	// ErrSpaceLimit is returned when a space update would exceed the user's
	// total allowance.
	ErrSpaceLimit = errs.Class("space limit")

	mon = monkit.Package()
)

// DB contains access to the metadata database.
type DB struct {
	log *zap.Logger
	db  *sql.DB
}

// Open creates an instance of the metadata database at the given path,
// creating the schema when needed. Use ":memory:" for an ephemeral database.
func Open(ctx context.Context, log *zap.Logger, path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=10000&_journal_mode=WAL")
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		sqlDB.SetMaxOpenConns(1)
	}

	db := &DB{log: log, db: sqlDB}
	if err := db.migrate(ctx); err != nil {
		return nil, errs.Combine(err, sqlDB.Close())
	}
	return db, nil
}

func (db *DB) migrate(ctx context.Context) error {
	_, err := db.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS files (
			file_id      TEXT NOT NULL PRIMARY KEY,
			owner_id     TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			size         INTEGER NOT NULL,
			storage_path TEXT NOT NULL,
			status       INTEGER NOT NULL,
			parent_id    TEXT NOT NULL DEFAULT '',
			name         TEXT NOT NULL DEFAULT '',
			del_flag     INTEGER NOT NULL DEFAULT 0,
			created_at   TIMESTAMP NOT NULL,
			updated_at   TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_files_hash ON files(content_hash, status, del_flag);
		CREATE INDEX IF NOT EXISTS idx_files_owner ON files(owner_id, del_flag);
		CREATE TABLE IF NOT EXISTS user_space (
			user_id     TEXT NOT NULL PRIMARY KEY,
			used_bytes  INTEGER NOT NULL DEFAULT 0,
			total_bytes INTEGER NOT NULL
		);
	`)
	return Error.Wrap(err)
}

// Close closes the database.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

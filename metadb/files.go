package metadb

import (
	"context"
	"database/sql"
	"time"

	"github.com/zeebo/errs"
)

// FileStatus is the lifecycle state of a stored-object record.
type FileStatus int

const (
	// StatusPending marks a record whose bytes are not yet fully assembled.
	StatusPending FileStatus = 0
	// StatusReady marks a record whose bytes are durably stored and verified.
	StatusReady FileStatus = 1
)

// DeletionState is the recycle-bin state of a stored-object record.
type DeletionState int

const (
	// DeletionActive marks a live record.
	DeletionActive DeletionState = 0
	// DeletionRecycled marks a record in the recycle bin.
	DeletionRecycled DeletionState = 1
	// DeletionPurged marks a record past recycle retention.
	DeletionPurged DeletionState = 2
)

// File is a durable stored-object record. Multiple owners may hold distinct
// records sharing ContentHash and StoragePath when content is deduplicated.
type File struct {
	ID            string
	OwnerID       string
	ContentHash   string
	Size          int64
	StoragePath   string
	Status        FileStatus
	ParentID      string
	Name          string
	DeletionState DeletionState
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CreateFile inserts a new stored-object record.
func (db *DB) CreateFile(ctx context.Context, file *File) (err error) {
	defer mon.Task()(&ctx)(&err)

	now := time.Now().UTC()
	file.CreatedAt = now
	file.UpdatedAt = now

	_, err = db.db.ExecContext(ctx, `
		INSERT INTO files(
			file_id, owner_id, content_hash, size, storage_path,
			status, parent_id, name, del_flag, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		file.ID, file.OwnerID, file.ContentHash, file.Size, file.StoragePath,
		file.Status, file.ParentID, file.Name, file.DeletionState,
		file.CreatedAt, file.UpdatedAt)
	return Error.Wrap(err)
}

// GetFile returns the record with the given id.
func (db *DB) GetFile(ctx context.Context, fileID string) (_ *File, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.QueryRowContext(ctx, `
		SELECT file_id, owner_id, content_hash, size, storage_path,
			status, parent_id, name, del_flag, created_at, updated_at
		FROM files WHERE file_id = ?`, fileID)
	return scanFile(row)
}

// GetReadyByHash returns one record with the given content hash that is Ready
// and not recycled, or ErrNotFound. This is the lookup backing instant
// uploads: recycled or purged sources never back a reuse.
func (db *DB) GetReadyByHash(ctx context.Context, contentHash string) (_ *File, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.QueryRowContext(ctx, `
		SELECT file_id, owner_id, content_hash, size, storage_path,
			status, parent_id, name, del_flag, created_at, updated_at
		FROM files
		WHERE content_hash = ? AND status = ? AND del_flag = ?
		ORDER BY created_at LIMIT 1`,
		contentHash, StatusReady, DeletionActive)
	return scanFile(row)
}

// GetOwnerFileByHash returns the owner's Ready record for the given content
// hash, or ErrNotFound. Used to answer duplicate finalize calls.
func (db *DB) GetOwnerFileByHash(ctx context.Context, ownerID, contentHash string) (_ *File, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.QueryRowContext(ctx, `
		SELECT file_id, owner_id, content_hash, size, storage_path,
			status, parent_id, name, del_flag, created_at, updated_at
		FROM files
		WHERE owner_id = ? AND content_hash = ? AND status = ? AND del_flag != ?
		ORDER BY created_at LIMIT 1`,
		ownerID, contentHash, StatusReady, DeletionPurged)
	return scanFile(row)
}

// SetDeletionState moves a record between active, recycled and purged.
func (db *DB) SetDeletionState(ctx context.Context, fileID string, state DeletionState) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `
		UPDATE files SET del_flag = ?, updated_at = ? WHERE file_id = ?`,
		state, time.Now().UTC(), fileID)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return ErrNotFound.New("file %q", fileID)
	}
	return nil
}

// DeleteFile removes a record entirely.
func (db *DB) DeleteFile(ctx context.Context, fileID string) (err error) {
	defer mon.Task()(&ctx)(&err)
	_, err = db.db.ExecContext(ctx, `DELETE FROM files WHERE file_id = ?`, fileID)
	return Error.Wrap(err)
}

// CountReferences returns how many non-purged records point at the given
// storage path. The underlying bytes may only be removed when this reaches
// zero.
func (db *DB) CountReferences(ctx context.Context, storagePath string) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	var count int64
	err = db.db.QueryRowContext(ctx, `
		SELECT count(*) FROM files WHERE storage_path = ? AND del_flag != ?`,
		storagePath, DeletionPurged).Scan(&count)
	return count, Error.Wrap(err)
}

// EachReadyHash calls fn with every distinct content hash that has a Ready,
// non-recycled record. Used to warm the membership filter at startup.
func (db *DB) EachReadyHash(ctx context.Context, fn func(contentHash string) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT DISTINCT content_hash FROM files WHERE status = ? AND del_flag = ?`,
		StatusReady, DeletionActive)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	for rows.Next() {
		var contentHash string
		if err := rows.Scan(&contentHash); err != nil {
			return Error.Wrap(err)
		}
		if err := fn(contentHash); err != nil {
			return err
		}
	}
	return Error.Wrap(rows.Err())
}

func scanFile(row *sql.Row) (*File, error) {
	var file File
	err := row.Scan(
		&file.ID, &file.OwnerID, &file.ContentHash, &file.Size, &file.StoragePath,
		&file.Status, &file.ParentID, &file.Name, &file.DeletionState,
		&file.CreatedAt, &file.UpdatedAt)
	if err != nil {
		if errs.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound.New("file record")
		}
		return nil, Error.Wrap(err)
	}
	return &file, nil
}

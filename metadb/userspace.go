package metadb

import (
	"context"
)

// EnsureUserSpace creates the space-accounting row for a user when it does
// not exist yet.
func (db *DB) EnsureUserSpace(ctx context.Context, userID string, totalBytes int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		INSERT INTO user_space(user_id, used_bytes, total_bytes)
		VALUES(?, 0, ?)
		ON CONFLICT(user_id) DO NOTHING`, userID, totalBytes)
	return Error.Wrap(err)
}

// UserSpace returns the user's current used and total bytes.
func (db *DB) UserSpace(ctx context.Context, userID string) (usedBytes, totalBytes int64, err error) {
	defer mon.Task()(&ctx)(&err)

	err = db.db.QueryRowContext(ctx, `
		SELECT used_bytes, total_bytes FROM user_space WHERE user_id = ?`,
		userID).Scan(&usedBytes, &totalBytes)
	if err != nil {
		return 0, 0, ErrNotFound.New("user space %q", userID)
	}
	return usedBytes, totalBytes, nil
}

// AddUsedSpace adjusts the user's used bytes by delta inside a transaction
// scoped to the user's row. A positive delta that would push usage past the
// total allowance fails with ErrSpaceLimit and leaves the row unchanged; a
// negative delta never drops usage below zero.
func (db *DB) AddUsedSpace(ctx context.Context, userID string, delta int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	result, err := tx.ExecContext(ctx, `
		UPDATE user_space
		SET used_bytes = max(used_bytes + ?, 0)
		WHERE user_id = ? AND (? <= 0 OR used_bytes + ? <= total_bytes)`,
		delta, userID, delta, delta)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		// either the row is missing or the delta does not fit
		var total int64
		scanErr := tx.QueryRowContext(ctx, `
			SELECT total_bytes FROM user_space WHERE user_id = ?`, userID).Scan(&total)
		if scanErr != nil {
			return ErrNotFound.New("user space %q", userID)
		}
		return ErrSpaceLimit.New("adding %d bytes exceeds total of %d", delta, total)
	}

	return Error.Wrap(tx.Commit())
}

package attempts

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS message_attempts (
	message_id TEXT PRIMARY KEY,
	attempts   INTEGER NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

// SQLiteTracker persists attempt counts in a local SQLite side table,
// so the redelivery ceiling survives service restarts.
type SQLiteTracker struct {
	db *sql.DB
}

// NewSQLiteTracker opens (and migrates) the side table at path.
func NewSQLiteTracker(path string) (*SQLiteTracker, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open attempt store: %w", err)
	}

	// Concurrent workers share one writer; SQLite serializes writes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate attempt store: %w", err)
	}

	return &SQLiteTracker{db: db}, nil
}

// Increment implements Tracker.
func (t *SQLiteTracker) Increment(ctx context.Context, messageID string) (int, error) {
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO message_attempts (message_id, attempts, updated_at)
		VALUES (?, 1, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			attempts = attempts + 1,
			updated_at = excluded.updated_at`,
		messageID, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record attempt for %s: %w", messageID, err)
	}

	var count int
	row := t.db.QueryRowContext(ctx,
		`SELECT attempts FROM message_attempts WHERE message_id = ?`, messageID)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to read attempt count for %s: %w", messageID, err)
	}

	return count, nil
}

// Count implements Tracker.
func (t *SQLiteTracker) Count(ctx context.Context, messageID string) (int, error) {
	var count int
	row := t.db.QueryRowContext(ctx,
		`SELECT attempts FROM message_attempts WHERE message_id = ?`, messageID)
	if err := row.Scan(&count); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read attempt count for %s: %w", messageID, err)
	}
	return count, nil
}

// Clear implements Tracker.
func (t *SQLiteTracker) Clear(ctx context.Context, messageID string) error {
	_, err := t.db.ExecContext(ctx,
		`DELETE FROM message_attempts WHERE message_id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("failed to clear attempts for %s: %w", messageID, err)
	}
	return nil
}

// Prune drops rows not touched since the cutoff. Terminal outcomes
// clear their own rows; pruning catches messages that expired on the
// broker side and never came back.
func (t *SQLiteTracker) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := t.db.ExecContext(ctx,
		`DELETE FROM message_attempts WHERE updated_at < ?`,
		time.Now().UTC().Add(-olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune attempt store: %w", err)
	}
	return res.RowsAffected()
}

// Close implements Tracker.
func (t *SQLiteTracker) Close() error {
	return t.db.Close()
}

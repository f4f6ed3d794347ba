package storage

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	snaperr "github.com/bleepstore/snapstore/internal/errors"
)

// SQLiteBackend implements Backend using SQLite as the underlying data
// store. Object data is stored as BLOBs directly in the database, making this
// suitable for small snapshot repositories in single-node or embedded
// deployments. Buckets are rows in the buckets table.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend creates a new SQLiteBackend backed by the given database
// file path. It opens the database, applies performance PRAGMAs, and creates
// the required tables.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite storage database: %w", err)
	}

	b := &SQLiteBackend{db: db}
	if err := b.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite storage database: %w", err)
	}
	return b, nil
}

// initDB applies PRAGMAs and creates the required tables.
func (b *SQLiteBackend) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := b.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS buckets (
			name TEXT PRIMARY KEY
		);

		CREATE TABLE IF NOT EXISTS object_data (
			bucket TEXT NOT NULL,
			key    TEXT NOT NULL,
			data   BLOB NOT NULL,
			PRIMARY KEY (bucket, key)
		);
	`
	if _, err := b.db.Exec(schema); err != nil {
		return fmt.Errorf("creating storage schema: %w", err)
	}
	return nil
}

// CreateBucket registers a bucket. Creating an existing bucket is a no-op.
func (b *SQLiteBackend) CreateBucket(ctx context.Context, bucket string) error {
	_, err := b.db.ExecContext(ctx, `INSERT OR IGNORE INTO buckets (name) VALUES (?)`, bucket)
	if err != nil {
		return fmt.Errorf("creating bucket %q: %w", bucket, err)
	}
	return nil
}

// Close closes the underlying SQLite database connection.
func (b *SQLiteBackend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *SQLiteBackend) BucketExists(ctx context.Context, bucket string) (bool, error) {
	var n int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM buckets WHERE name = ?`, bucket).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking bucket %q: %w", bucket, err)
	}
	return n > 0, nil
}

func (b *SQLiteBackend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	var n int
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM object_data WHERE bucket = ? AND key = ?`,
		bucket, key,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking object %q/%q: %w", bucket, key, err)
	}
	return n > 0, nil
}

// GetObject loads the object into memory and returns a reader over it.
func (b *SQLiteBackend) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT data FROM object_data WHERE bucket = ? AND key = ?`,
		bucket, key,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("%w: %s/%s", snaperr.ErrNoSuchKey, bucket, key)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("getting object %q/%q: %w", bucket, key, err)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

// PutObject uses INSERT OR REPLACE so that re-uploads overwrite the
// existing row.
func (b *SQLiteBackend) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) error {
	data, err := io.ReadAll(io.LimitReader(r, size))
	if err != nil {
		return fmt.Errorf("reading object data: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("short body for %s/%s: got %d bytes, declared %d", bucket, key, len(data), size)
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO object_data (bucket, key, data) VALUES (?, ?, ?)`,
		bucket, key, data,
	)
	if err != nil {
		return fmt.Errorf("putting object %q/%q: %w", bucket, key, err)
	}
	return nil
}

// DeleteObject is idempotent.
func (b *SQLiteBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := b.db.ExecContext(ctx,
		`DELETE FROM object_data WHERE bucket = ? AND key = ?`,
		bucket, key,
	)
	if err != nil {
		return fmt.Errorf("deleting object %q/%q: %w", bucket, key, err)
	}
	return nil
}

// DeleteObjects removes all keys in one transaction.
func (b *SQLiteBackend) DeleteObjects(ctx context.Context, bucket string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if len(keys) > MaxDeleteObjects {
		return fmt.Errorf("batch delete of %d keys exceeds limit of %d", len(keys), MaxDeleteObjects)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning batch delete: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM object_data WHERE bucket = ? AND key = ?`)
	if err != nil {
		return fmt.Errorf("preparing batch delete: %w", err)
	}
	defer stmt.Close()

	for _, k := range keys {
		if _, err := stmt.ExecContext(ctx, bucket, k); err != nil {
			return fmt.Errorf("deleting object %q/%q: %w", bucket, k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing batch delete: %w", err)
	}
	return nil
}

// CopyObject copies the row server-side with INSERT ... SELECT.
func (b *SQLiteBackend) CopyObject(ctx context.Context, bucket, srcKey, dstKey string) error {
	res, err := b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO object_data (bucket, key, data)
		 SELECT bucket, ?, data FROM object_data WHERE bucket = ? AND key = ?`,
		dstKey, bucket, srcKey,
	)
	if err != nil {
		return fmt.Errorf("copying object %q/%q: %w", bucket, srcKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("copying object %q/%q: %w", bucket, srcKey, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: source %s/%s", snaperr.ErrNoSuchKey, bucket, srcKey)
	}
	return nil
}

// ListObjects pages by key. The marker is the last key of the previous page.
func (b *SQLiteBackend) ListObjects(ctx context.Context, bucket, prefix, marker string, maxKeys int) (*ListPage, error) {
	if maxKeys <= 0 {
		maxKeys = MaxDeleteObjects
	}

	// Fetch one extra row to learn whether the listing is truncated.
	rows, err := b.db.QueryContext(ctx,
		`SELECT key, length(data) FROM object_data
		 WHERE bucket = ? AND key > ? AND instr(key, ?) = 1
		 ORDER BY key LIMIT ?`,
		bucket, marker, prefix, maxKeys+1,
	)
	if err != nil {
		return nil, fmt.Errorf("listing %q/%q: %w", bucket, prefix, err)
	}
	defer rows.Close()

	page := &ListPage{}
	for rows.Next() {
		var info ObjectInfo
		if err := rows.Scan(&info.Key, &info.Size); err != nil {
			return nil, fmt.Errorf("scanning listing row: %w", err)
		}
		page.Objects = append(page.Objects, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating listing rows: %w", err)
	}

	if len(page.Objects) > maxKeys {
		page.Objects = page.Objects[:maxKeys]
		page.Truncated = true
		page.NextMarker = page.Objects[maxKeys-1].Key
	}
	return page, nil
}

var _ Backend = (*SQLiteBackend)(nil)

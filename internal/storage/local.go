package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	snaperr "github.com/bleepstore/snapstore/internal/errors"
)

// LocalBackend implements Backend using the local filesystem. Each bucket is
// a directory under RootDir and each key a file path within it.
type LocalBackend struct {
	// RootDir is the base directory under which all bucket and object data
	// is stored.
	RootDir string
}

// NewLocalBackend creates a new LocalBackend rooted at the given directory.
// It creates the root directory and the temp directory if they do not exist.
func NewLocalBackend(rootDir string) (*LocalBackend, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root directory %q: %w", rootDir, err)
	}
	tmpDir := filepath.Join(rootDir, ".tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory %q: %w", tmpDir, err)
	}
	return &LocalBackend{RootDir: rootDir}, nil
}

// CleanTempFiles removes all files in the .tmp directory. Any temp files left
// behind indicate incomplete writes from a previous crash.
func (b *LocalBackend) CleanTempFiles() error {
	tmpDir := filepath.Join(b.RootDir, ".tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}

// CreateBucket creates a directory for the bucket under the root directory.
func (b *LocalBackend) CreateBucket(bucket string) error {
	bucketDir := filepath.Join(b.RootDir, bucket)
	if err := os.MkdirAll(bucketDir, 0o755); err != nil {
		return fmt.Errorf("creating bucket directory %q: %w", bucketDir, err)
	}
	return nil
}

func (b *LocalBackend) bucketDir(bucket string) string {
	return filepath.Join(b.RootDir, bucket)
}

// objectPath maps key to a file under the bucket directory. Keys that would
// resolve outside it are rejected.
func (b *LocalBackend) objectPath(bucket, key string) (string, error) {
	rel := filepath.FromSlash(key)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("invalid object key %q: escapes bucket %q", key, bucket)
	}
	return filepath.Join(b.bucketDir(bucket), rel), nil
}

func (b *LocalBackend) tempPath() string {
	return filepath.Join(b.RootDir, ".tmp", "tmp-"+uuid.NewString())
}

func (b *LocalBackend) requireBucket(bucket string) error {
	info, err := os.Stat(b.bucketDir(bucket))
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", snaperr.ErrNoSuchBucket, bucket)
	}
	return nil
}

func (b *LocalBackend) BucketExists(ctx context.Context, bucket string) (bool, error) {
	info, err := os.Stat(b.bucketDir(bucket))
	if err == nil {
		return info.IsDir(), nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking bucket %q: %w", bucket, err)
}

func (b *LocalBackend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	objPath, err := b.objectPath(bucket, key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(objPath)
	if err == nil {
		return !info.IsDir(), nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking object existence %q/%q: %w", bucket, key, err)
}

// GetObject opens the object file for reading.
func (b *LocalBackend) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	objPath, err := b.objectPath(bucket, key)
	if err != nil {
		return nil, 0, err
	}
	file, err := os.Open(objPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("%w: %s/%s", snaperr.ErrNoSuchKey, bucket, key)
		}
		return nil, 0, fmt.Errorf("opening object file %q/%q: %w", bucket, key, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("stat object file %q/%q: %w", bucket, key, err)
	}
	if info.IsDir() {
		file.Close()
		return nil, 0, fmt.Errorf("%w: %s/%s", snaperr.ErrNoSuchKey, bucket, key)
	}
	return file, info.Size(), nil
}

// PutObject writes object data using the atomic write pattern: write to
// temp file, fsync, rename.
func (b *LocalBackend) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) error {
	if err := b.requireBucket(bucket); err != nil {
		return err
	}
	objPath, err := b.objectPath(bucket, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return fmt.Errorf("creating parent directories for %q/%q: %w", bucket, key, err)
	}

	tmpPath := b.tempPath()
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	n, err := io.Copy(tmpFile, io.LimitReader(r, size))
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing object data: %w", err)
	}
	if n != size {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("short body for %s/%s: got %d bytes, declared %d", bucket, key, n, size)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, objPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file to final path: %w", err)
	}
	return nil
}

// DeleteObject removes the object file and any parent directories left
// empty, up to the bucket root. Deleting a non-existent file is not an error.
func (b *LocalBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	objPath, err := b.objectPath(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(objPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing object file %q/%q: %w", bucket, key, err)
	}
	cleanEmptyParents(filepath.Dir(objPath), b.bucketDir(bucket))
	return nil
}

func (b *LocalBackend) DeleteObjects(ctx context.Context, bucket string, keys []string) error {
	if len(keys) > MaxDeleteObjects {
		return fmt.Errorf("batch delete of %d keys exceeds limit of %d", len(keys), MaxDeleteObjects)
	}
	for _, k := range keys {
		if err := b.DeleteObject(ctx, bucket, k); err != nil {
			return err
		}
	}
	return nil
}

// CopyObject copies through PutObject so the destination is written
// atomically.
func (b *LocalBackend) CopyObject(ctx context.Context, bucket, srcKey, dstKey string) error {
	src, size, err := b.GetObject(ctx, bucket, srcKey)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := b.PutObject(ctx, bucket, dstKey, src, size); err != nil {
		return fmt.Errorf("copying object data: %w", err)
	}
	return nil
}

// ListObjects walks the bucket directory. The marker is the last key of the
// previous page.
func (b *LocalBackend) ListObjects(ctx context.Context, bucket, prefix, marker string, maxKeys int) (*ListPage, error) {
	if maxKeys <= 0 {
		maxKeys = MaxDeleteObjects
	}
	if err := b.requireBucket(bucket); err != nil {
		return nil, err
	}

	root := b.bucketDir(bucket)
	var objects []ObjectInfo
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) || key <= marker {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		objects = append(objects, ObjectInfo{Key: key, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %q/%q: %w", bucket, prefix, err)
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })

	page := &ListPage{Objects: objects}
	if len(objects) > maxKeys {
		page.Objects = objects[:maxKeys]
		page.Truncated = true
		page.NextMarker = page.Objects[maxKeys-1].Key
	}
	return page, nil
}

// Close is a no-op for the local backend.
func (b *LocalBackend) Close() error { return nil }

// cleanEmptyParents removes empty directories starting from dir up to (but not
// including) stopAt.
func cleanEmptyParents(dir, stopAt string) {
	dir = filepath.Clean(dir)
	stopAt = filepath.Clean(stopAt)

	for dir != stopAt && strings.HasPrefix(dir, stopAt) {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
}

var _ Backend = (*LocalBackend)(nil)

// Package blobstore turns the single-object primitives of a bucket.Client
// into prefix-scoped blob semantics: paginated listing, chunked bulk delete
// and copy-then-delete rename. Container views bind a Path to a key prefix.
package blobstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/bleepstore/snapstore/internal/bucket"
	snaperr "github.com/bleepstore/snapstore/internal/errors"
	"github.com/bleepstore/snapstore/internal/metrics"
	"github.com/bleepstore/snapstore/internal/storage"
)

const (
	// DefaultDeleteChunkSize is half the per-request bulk delete limit.
	DefaultDeleteChunkSize = storage.MaxDeleteObjects / 2
	// DefaultListPageSize is the number of keys requested per listing page.
	DefaultListPageSize = 1000
)

// BlobMetadata describes a listed blob. Name has the listing prefix removed.
type BlobMetadata struct {
	Name string
	Size int64
}

// Options tunes a Store. Zero values select the defaults.
type Options struct {
	// DeleteChunkSize bounds the keys sent in one bulk delete call. It must
	// lie in [1, storage.MaxDeleteObjects].
	DeleteChunkSize int
	ListPageSize    int
	Logger          *slog.Logger
}

// Store is a bucket-relative blob store.
type Store struct {
	client      *bucket.Client
	deleteChunk int
	pageSize    int
	logger      *slog.Logger
}

// NewStore validates opts and checks that the client's bucket exists.
func NewStore(ctx context.Context, client *bucket.Client, opts Options) (*Store, error) {
	s := &Store{
		client:      client,
		deleteChunk: opts.DeleteChunkSize,
		pageSize:    opts.ListPageSize,
		logger:      opts.Logger,
	}
	if s.deleteChunk == 0 {
		s.deleteChunk = DefaultDeleteChunkSize
	}
	if s.deleteChunk < 1 || s.deleteChunk > storage.MaxDeleteObjects {
		return nil, snaperr.ErrInvalidConfig.WithMessage(
			"delete chunk size %d must be between 1 and %d", s.deleteChunk, storage.MaxDeleteObjects)
	}
	if s.pageSize == 0 {
		s.pageSize = DefaultListPageSize
	}
	if s.pageSize < 1 || s.pageSize > storage.MaxDeleteObjects {
		return nil, snaperr.ErrInvalidConfig.WithMessage(
			"list page size %d must be between 1 and %d", s.pageSize, storage.MaxDeleteObjects)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	ok, err := client.BucketExists(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %s: %w", client.Bucket(), err)
	}
	if !ok {
		return nil, snaperr.ErrNoSuchBucket.WithMessage("bucket [%s] does not exist", client.Bucket())
	}
	return s, nil
}

// Bucket returns the bucket name.
func (s *Store) Bucket() string { return s.client.Bucket() }

// Client returns the underlying bucket client.
func (s *Store) Client() *bucket.Client { return s.client }

func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	return s.client.BucketExists(ctx)
}

func (s *Store) BlobExists(ctx context.Context, key string) (bool, error) {
	return s.client.ObjectExists(ctx, key)
}

// ReadBlob opens key. A missing key yields an error matching
// errors.ErrNoSuchKey.
func (s *Store) ReadBlob(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	return s.client.Get(ctx, key)
}

// WriteBlob stores size bytes from r under key, overwriting.
func (s *Store) WriteBlob(ctx context.Context, key string, r io.Reader, size int64) error {
	return s.client.Put(ctx, key, r, size)
}

// DeleteBlob removes key. Deleting an absent key succeeds.
func (s *Store) DeleteBlob(ctx context.Context, key string) error {
	return s.client.Delete(ctx, key)
}

// ListByPrefix returns every blob whose key starts with keyPrefix+blobPrefix,
// keyed by name with keyPrefix removed. Pages are fetched until the listing
// is no longer truncated. Any page error discards the partial result.
func (s *Store) ListByPrefix(ctx context.Context, keyPrefix, blobPrefix string) (map[string]BlobMetadata, error) {
	prefix := keyPrefix + blobPrefix
	blobs := make(map[string]BlobMetadata)

	marker := ""
	for pages := 1; ; pages++ {
		page, err := s.client.List(ctx, prefix, marker, s.pageSize)
		if err != nil {
			return nil, fmt.Errorf("listing %q (page %d): %w", prefix, pages, err)
		}
		for _, obj := range page.Objects {
			name := strings.TrimPrefix(obj.Key, keyPrefix)
			blobs[name] = BlobMetadata{Name: name, Size: obj.Size}
		}
		if !page.Truncated {
			s.logger.Debug("listed blobs", "bucket", s.Bucket(), "prefix", prefix, "blobs", len(blobs), "pages", pages)
			return blobs, nil
		}
		if page.NextMarker == "" || page.NextMarker == marker {
			return nil, fmt.Errorf("listing %q: truncated page %d carries no new marker", prefix, pages)
		}
		marker = page.NextMarker
	}
}

// DeleteByPrefix removes every blob under keyPrefix in key order, in bulk
// delete calls of at most the configured chunk size. If a chunk fails after
// earlier chunks succeeded the error is an *errors.PartialDeleteError.
func (s *Store) DeleteByPrefix(ctx context.Context, keyPrefix string) error {
	blobs, err := s.ListByPrefix(ctx, keyPrefix, "")
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(blobs))
	for name := range blobs {
		keys = append(keys, keyPrefix+name)
	}
	sort.Strings(keys)

	deleted := 0
	chunk := make([]string, 0, s.deleteChunk)
	for i, key := range keys {
		chunk = append(chunk, key)
		if len(chunk) < s.deleteChunk && i < len(keys)-1 {
			continue
		}
		if err := s.client.DeleteObjects(ctx, chunk); err != nil {
			metrics.DeleteBatchesTotal.WithLabelValues("error").Inc()
			if deleted == 0 {
				return fmt.Errorf("deleting blobs under %q: %w", keyPrefix, err)
			}
			return &snaperr.PartialDeleteError{
				Deleted:   deleted,
				Remaining: append([]string(nil), keys[deleted:]...),
				Err:       err,
			}
		}
		metrics.DeleteBatchesTotal.WithLabelValues("success").Inc()
		deleted += len(chunk)
		chunk = chunk[:0]
	}

	s.logger.Debug("deleted blobs", "bucket", s.Bucket(), "prefix", keyPrefix, "blobs", deleted)
	return nil
}

// Rename copies src to dst and then deletes src. It is not atomic: if the
// delete fails both keys exist and the error is an *errors.RenameError.
func (s *Store) Rename(ctx context.Context, src, dst string) error {
	if err := s.client.Copy(ctx, src, dst); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", src, dst, err)
	}
	if err := s.client.Delete(ctx, src); err != nil {
		return &snaperr.RenameError{Source: src, Destination: dst, Err: err}
	}
	return nil
}

// Container returns a view of the blobs under path.
func (s *Store) Container(path Path) *Container {
	return &Container{path: path, store: s, logger: s.logger}
}

// Delete removes every blob under path.
func (s *Store) Delete(ctx context.Context, path Path) error {
	return s.DeleteByPrefix(ctx, path.String())
}

// Close releases the storage session.
func (s *Store) Close() error {
	return s.client.Sessions().Close()
}

// Package storage defines the remote object API that SnapStore sessions wrap,
// together with its implementations for S3, GCS, Azure Blob Storage, the local
// filesystem, SQLite and memory.
package storage

import (
	"context"
	"io"
)

// MaxDeleteObjects is the largest number of keys a single DeleteObjects call
// accepts.
const MaxDeleteObjects = 1000

// ObjectInfo describes one object returned by a listing.
type ObjectInfo struct {
	Key  string
	Size int64
}

// ListPage is one page of a prefix listing. NextMarker is opaque to callers
// and is passed back unchanged to fetch the following page.
type ListPage struct {
	Objects    []ObjectInfo
	NextMarker string
	Truncated  bool
}

// Backend is a live handle to a remote object store. A handle is bound to
// the credentials it was dialed with; callers replace it rather than mutate
// it. All methods must be safe for concurrent use.
type Backend interface {
	// BucketExists reports whether the bucket is present and accessible.
	BucketExists(ctx context.Context, bucket string) (bool, error)

	// ObjectExists reports whether an object exists at bucket/key.
	ObjectExists(ctx context.Context, bucket, key string) (bool, error)

	// GetObject opens the object for reading. The caller closes the returned
	// ReadCloser. A missing key yields an error matching errors.ErrNoSuchKey.
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error)

	// PutObject stores size bytes read from r at bucket/key, replacing any
	// existing object.
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) error

	// DeleteObject removes bucket/key. Deleting a missing key is not an error.
	DeleteObject(ctx context.Context, bucket, key string) error

	// DeleteObjects removes up to MaxDeleteObjects keys in one request.
	// Missing keys are ignored.
	DeleteObjects(ctx context.Context, bucket string, keys []string) error

	// CopyObject copies srcKey to dstKey within the bucket. A missing source
	// yields an error matching errors.ErrNoSuchKey.
	CopyObject(ctx context.Context, bucket, srcKey, dstKey string) error

	// ListObjects returns up to maxKeys objects whose key starts with prefix,
	// in key order, resuming after marker.
	ListObjects(ctx context.Context, bucket, prefix, marker string, maxKeys int) (*ListPage, error)

	// Close releases network resources held by the handle. Responses already
	// returned by GetObject remain readable.
	Close() error
}

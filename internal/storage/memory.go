package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	snaperr "github.com/bleepstore/snapstore/internal/errors"
)

// MemoryBackend implements Backend using in-memory maps. Buckets must be
// created with CreateBucket before use. It is used by tests and by the
// "memory" backend setting.
type MemoryBackend struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
	closed  bool
}

// NewMemoryBackend creates an empty MemoryBackend holding the given buckets.
func NewMemoryBackend(buckets ...string) *MemoryBackend {
	b := &MemoryBackend{buckets: make(map[string]map[string][]byte)}
	for _, name := range buckets {
		b.buckets[name] = make(map[string][]byte)
	}
	return b
}

// CreateBucket adds an empty bucket. Creating an existing bucket is a no-op.
func (b *MemoryBackend) CreateBucket(bucket string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.buckets[bucket]; !ok {
		b.buckets[bucket] = make(map[string][]byte)
	}
}

// Closed reports whether Close has been called.
func (b *MemoryBackend) Closed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// objectsLocked returns the bucket map. The caller must hold b.mu.
func (b *MemoryBackend) objectsLocked(bucket string) (map[string][]byte, error) {
	objs, ok := b.buckets[bucket]
	if !ok {
		return nil, fmt.Errorf("%w: %s", snaperr.ErrNoSuchBucket, bucket)
	}
	return objs, nil
}

func (b *MemoryBackend) BucketExists(ctx context.Context, bucket string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.buckets[bucket]
	return ok, nil
}

func (b *MemoryBackend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	objs, err := b.objectsLocked(bucket)
	if err != nil {
		return false, err
	}
	_, found := objs[key]
	return found, nil
}

// GetObject returns a reader over a copy of the stored data.
func (b *MemoryBackend) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	objs, err := b.objectsLocked(bucket)
	if err != nil {
		return nil, 0, err
	}
	data, found := objs[key]
	if !found {
		return nil, 0, fmt.Errorf("%w: %s/%s", snaperr.ErrNoSuchKey, bucket, key)
	}

	dataCopy := bytes.Clone(data)
	return io.NopCloser(bytes.NewReader(dataCopy)), int64(len(dataCopy)), nil
}

func (b *MemoryBackend) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) error {
	data, err := io.ReadAll(io.LimitReader(r, size))
	if err != nil {
		return fmt.Errorf("reading object data: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("short body for %s/%s: got %d bytes, declared %d", bucket, key, len(data), size)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	objs, err := b.objectsLocked(bucket)
	if err != nil {
		return err
	}
	objs[key] = data
	return nil
}

// DeleteObject is idempotent.
func (b *MemoryBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	objs, err := b.objectsLocked(bucket)
	if err != nil {
		return err
	}
	delete(objs, key)
	return nil
}

func (b *MemoryBackend) DeleteObjects(ctx context.Context, bucket string, keys []string) error {
	if len(keys) > MaxDeleteObjects {
		return fmt.Errorf("batch delete of %d keys exceeds limit of %d", len(keys), MaxDeleteObjects)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	objs, err := b.objectsLocked(bucket)
	if err != nil {
		return err
	}
	for _, k := range keys {
		delete(objs, k)
	}
	return nil
}

func (b *MemoryBackend) CopyObject(ctx context.Context, bucket, srcKey, dstKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	objs, err := b.objectsLocked(bucket)
	if err != nil {
		return err
	}
	data, found := objs[srcKey]
	if !found {
		return fmt.Errorf("%w: source %s/%s", snaperr.ErrNoSuchKey, bucket, srcKey)
	}
	objs[dstKey] = bytes.Clone(data)
	return nil
}

// ListObjects lists keys in lexical order. The marker is the last key of the
// previous page.
func (b *MemoryBackend) ListObjects(ctx context.Context, bucket, prefix, marker string, maxKeys int) (*ListPage, error) {
	if maxKeys <= 0 {
		maxKeys = MaxDeleteObjects
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	objs, err := b.objectsLocked(bucket)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(objs))
	for k := range objs {
		if strings.HasPrefix(k, prefix) && k > marker {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	page := &ListPage{}
	if len(keys) > maxKeys {
		keys = keys[:maxKeys]
		page.Truncated = true
	}
	for _, k := range keys {
		page.Objects = append(page.Objects, ObjectInfo{Key: k, Size: int64(len(objs[k]))})
	}
	if page.Truncated {
		page.NextMarker = keys[len(keys)-1]
	}
	return page, nil
}

// Close marks the handle closed. Stored data stays available to other
// handles sharing the same MemoryBackend.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

var _ Backend = (*MemoryBackend)(nil)

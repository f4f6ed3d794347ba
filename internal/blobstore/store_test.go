package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bleepstore/snapstore/internal/bucket"
	"github.com/bleepstore/snapstore/internal/credentials"
	snaperr "github.com/bleepstore/snapstore/internal/errors"
	"github.com/bleepstore/snapstore/internal/session"
	"github.com/bleepstore/snapstore/internal/storage"
)

const testBucket = "snapshots"

// faultyBackend wraps a MemoryBackend, records bulk deletes and list calls,
// and injects failures into selected calls.
type faultyBackend struct {
	*storage.MemoryBackend

	mu            sync.Mutex
	deleteBatches [][]string
	listCalls     int

	failDeleteBatch int // 1-based bulk delete call to fail, 0 for none
	failDelete      error
	failCopy        error
	dropMarker      bool
}

func newFaultyBackend() *faultyBackend {
	return &faultyBackend{MemoryBackend: storage.NewMemoryBackend(testBucket)}
}

func (f *faultyBackend) DeleteObjects(ctx context.Context, bucket string, keys []string) error {
	f.mu.Lock()
	f.deleteBatches = append(f.deleteBatches, append([]string(nil), keys...))
	n := len(f.deleteBatches)
	f.mu.Unlock()
	if n == f.failDeleteBatch {
		return errors.New("injected bulk delete failure")
	}
	return f.MemoryBackend.DeleteObjects(ctx, bucket, keys)
}

func (f *faultyBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	if f.failDelete != nil {
		return f.failDelete
	}
	return f.MemoryBackend.DeleteObject(ctx, bucket, key)
}

func (f *faultyBackend) CopyObject(ctx context.Context, bucket, src, dst string) error {
	if f.failCopy != nil {
		return f.failCopy
	}
	return f.MemoryBackend.CopyObject(ctx, bucket, src, dst)
}

func (f *faultyBackend) ListObjects(ctx context.Context, bucket, prefix, marker string, maxKeys int) (*storage.ListPage, error) {
	f.mu.Lock()
	f.listCalls++
	f.mu.Unlock()
	page, err := f.MemoryBackend.ListObjects(ctx, bucket, prefix, marker, maxKeys)
	if err == nil && f.dropMarker {
		page.NextMarker = ""
	}
	return page, err
}

func newTestStore(t *testing.T, backend storage.Backend, opts Options) *Store {
	t.Helper()
	s, err := openStore(backend, testBucket, opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func openStore(backend storage.Backend, bucketName string, opts Options) (*Store, error) {
	mgr, err := session.New(context.Background(), session.Options{
		Provider: credentials.Static{Value: credentials.Credentials{AccessKeyID: "id", AccessKeySecret: "secret"}},
		Dialer: func(ctx context.Context, c credentials.Credentials) (storage.Backend, error) {
			return backend, nil
		},
	})
	if err != nil {
		return nil, err
	}
	return NewStore(context.Background(), bucket.New(mgr, bucketName, nil), opts)
}

func put(t *testing.T, s *Store, key, data string) {
	t.Helper()
	require.NoError(t, s.WriteBlob(context.Background(), key, strings.NewReader(data), int64(len(data))))
}

func TestNewStoreMissingBucket(t *testing.T) {
	_, err := openStore(storage.NewMemoryBackend("other"), testBucket, Options{})
	assert.ErrorIs(t, err, snaperr.ErrNoSuchBucket)
}

func TestNewStoreValidatesOptions(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"chunk too large", Options{DeleteChunkSize: storage.MaxDeleteObjects + 1}},
		{"negative chunk", Options{DeleteChunkSize: -1}},
		{"page too large", Options{ListPageSize: 5000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := openStore(storage.NewMemoryBackend(testBucket), testBucket, tt.opts)
			assert.ErrorIs(t, err, snaperr.ErrInvalidConfig)
		})
	}
}

func TestStoreUnwrittenKey(t *testing.T) {
	s := newTestStore(t, storage.NewMemoryBackend(testBucket), Options{})
	ctx := context.Background()

	ok, err := s.BlobExists(ctx, "never/written")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = s.ReadBlob(ctx, "never/written")
	assert.ErrorIs(t, err, snaperr.ErrNoSuchKey)

	assert.NoError(t, s.DeleteBlob(ctx, "never/written"))
}

func TestStoreListByPrefixPaginates(t *testing.T) {
	backend := newFaultyBackend()
	s := newTestStore(t, backend, Options{ListPageSize: 100})

	const n = 2503
	for i := 0; i < n; i++ {
		put(t, s, fmt.Sprintf("base/indices/blob-%05d", i), strings.Repeat("x", i%7))
	}
	put(t, s, "base/other", "ignored")

	blobs, err := s.ListByPrefix(context.Background(), "base/indices/", "")
	require.NoError(t, err)
	require.Len(t, blobs, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("blob-%05d", i)
		require.Contains(t, blobs, name)
		assert.Equal(t, name, blobs[name].Name)
		assert.EqualValues(t, i%7, blobs[name].Size)
	}
	assert.Equal(t, 26, backend.listCalls)
}

func TestStoreListByBlobPrefix(t *testing.T) {
	s := newTestStore(t, storage.NewMemoryBackend(testBucket), Options{})
	put(t, s, "p/snap-1", "a")
	put(t, s, "p/snap-2", "bb")
	put(t, s, "p/meta-1", "c")

	blobs, err := s.ListByPrefix(context.Background(), "p/", "snap-")
	require.NoError(t, err)
	assert.Equal(t, map[string]BlobMetadata{
		"snap-1": {Name: "snap-1", Size: 1},
		"snap-2": {Name: "snap-2", Size: 2},
	}, blobs)
}

func TestStoreListRejectsTruncatedPageWithoutMarker(t *testing.T) {
	backend := newFaultyBackend()
	s := newTestStore(t, backend, Options{ListPageSize: 1})
	put(t, s, "k1", "a")
	put(t, s, "k2", "b")

	backend.dropMarker = true
	blobs, err := s.ListByPrefix(context.Background(), "", "")
	assert.Error(t, err)
	assert.Nil(t, blobs)
}

func TestStoreDeleteByPrefixChunks(t *testing.T) {
	backend := newFaultyBackend()
	s := newTestStore(t, backend, Options{})

	const m = 2*storage.MaxDeleteObjects + 1
	for i := 0; i < m; i++ {
		put(t, s, fmt.Sprintf("gone/%05d", i), "x")
	}
	put(t, s, "kept/one", "x")

	require.NoError(t, s.DeleteByPrefix(context.Background(), "gone/"))

	chunk := storage.MaxDeleteObjects / 2
	wantCalls := (m + chunk - 1) / chunk
	require.Len(t, backend.deleteBatches, wantCalls)
	total := 0
	for _, batch := range backend.deleteBatches {
		assert.LessOrEqual(t, len(batch), chunk)
		total += len(batch)
	}
	assert.Equal(t, m, total)

	left, err := s.ListByPrefix(context.Background(), "", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"kept/one"}, keysOf(left))
}

func TestStoreDeleteByPrefixCustomChunk(t *testing.T) {
	backend := newFaultyBackend()
	s := newTestStore(t, backend, Options{DeleteChunkSize: 3})
	for i := 0; i < 10; i++ {
		put(t, s, fmt.Sprintf("d/%d", i), "x")
	}
	require.NoError(t, s.DeleteByPrefix(context.Background(), "d/"))
	require.Len(t, backend.deleteBatches, 4)
	assert.Equal(t, []string{"d/0", "d/1", "d/2"}, backend.deleteBatches[0])
	assert.Equal(t, []string{"d/9"}, backend.deleteBatches[3])
}

func TestStoreDeleteByPrefixEmpty(t *testing.T) {
	backend := newFaultyBackend()
	s := newTestStore(t, backend, Options{})
	require.NoError(t, s.DeleteByPrefix(context.Background(), "nothing/"))
	assert.Empty(t, backend.deleteBatches)
}

func TestStoreDeleteByPrefixPartialFailure(t *testing.T) {
	backend := newFaultyBackend()
	s := newTestStore(t, backend, Options{DeleteChunkSize: 10})
	for i := 0; i < 35; i++ {
		put(t, s, fmt.Sprintf("x/%02d", i), "v")
	}
	backend.failDeleteBatch = 3

	err := s.DeleteByPrefix(context.Background(), "x/")
	require.ErrorIs(t, err, snaperr.ErrPartialBatchDelete)

	var perr *snaperr.PartialDeleteError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 20, perr.Deleted)
	require.Len(t, perr.Remaining, 15)
	assert.Equal(t, "x/20", perr.Remaining[0])
	assert.Len(t, backend.deleteBatches, 3, "no chunk is attempted after a failure")

	left, err := s.ListByPrefix(context.Background(), "x/", "")
	require.NoError(t, err)
	assert.Len(t, left, 15)
}

func TestStoreDeleteByPrefixFirstChunkFails(t *testing.T) {
	backend := newFaultyBackend()
	s := newTestStore(t, backend, Options{})
	put(t, s, "y/1", "v")
	backend.failDeleteBatch = 1

	err := s.DeleteByPrefix(context.Background(), "y/")
	require.Error(t, err)
	assert.NotErrorIs(t, err, snaperr.ErrPartialBatchDelete)
}

func TestStoreRename(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, storage.NewMemoryBackend(testBucket), Options{})
	put(t, s, "a", "payload")

	require.NoError(t, s.Rename(ctx, "a", "b"))

	ok, err := s.BlobExists(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
	rc, _, err := s.ReadBlob(ctx, "b")
	require.NoError(t, err)
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "payload", string(data))
}

func TestStoreRenameCopyFailure(t *testing.T) {
	ctx := context.Background()
	backend := newFaultyBackend()
	s := newTestStore(t, backend, Options{})
	put(t, s, "a", "payload")

	copyErr := errors.New("copy refused")
	backend.failCopy = copyErr

	err := s.Rename(ctx, "a", "b")
	assert.ErrorIs(t, err, copyErr)
	assert.NotErrorIs(t, err, snaperr.ErrRenameInterrupted)

	blobs, err := s.ListByPrefix(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, keysOf(blobs))
}

func TestStoreRenameInterruptedLeavesBothKeys(t *testing.T) {
	ctx := context.Background()
	backend := newFaultyBackend()
	s := newTestStore(t, backend, Options{})
	put(t, s, "a", "payload")

	deleteErr := errors.New("connection reset")
	backend.failDelete = deleteErr

	err := s.Rename(ctx, "a", "b")
	require.ErrorIs(t, err, snaperr.ErrRenameInterrupted)
	assert.ErrorIs(t, err, deleteErr)

	var rerr *snaperr.RenameError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "a", rerr.Source)
	assert.Equal(t, "b", rerr.Destination)

	blobs, err := s.ListByPrefix(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keysOf(blobs))
}

func TestStoreDeletePath(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, storage.NewMemoryBackend(testBucket), Options{})
	put(t, s, "base/idx/0", "x")
	put(t, s, "base/idx/1", "x")
	put(t, s, "base/idx2/0", "x")

	require.NoError(t, s.Delete(ctx, NewPath("base", "idx")))

	blobs, err := s.ListByPrefix(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"base/idx2/0"}, keysOf(blobs))
}

func TestStoreCloseClosesSession(t *testing.T) {
	backend := storage.NewMemoryBackend(testBucket)
	s, err := openStore(backend, testBucket, Options{})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	assert.True(t, backend.Closed())
	_, err = s.BlobExists(context.Background(), "k")
	assert.ErrorIs(t, err, session.ErrClosed)
}

func keysOf(blobs map[string]BlobMetadata) []string {
	keys := make([]string, 0, len(blobs))
	for k := range blobs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

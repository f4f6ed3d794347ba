package blobstore

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	snaperr "github.com/bleepstore/snapstore/internal/errors"
	"github.com/bleepstore/snapstore/internal/storage"
)

func TestPathString(t *testing.T) {
	tests := []struct {
		path Path
		want string
	}{
		{Path{}, ""},
		{NewPath(), ""},
		{NewPath("a"), "a/"},
		{NewPath("a", "b"), "a/b/"},
		{NewPath("", "a", "", "b"), "a/b/"},
		{ParsePath("/base//indices/0/"), "base/indices/0/"},
		{ParsePath(""), ""},
		{NewPath("a").Add("b").Add(""), "a/b/"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.path.String())
		})
	}
}

func TestPathAddDoesNotAlias(t *testing.T) {
	base := NewPath("a")
	x := base.Add("x")
	y := base.Add("y")
	assert.Equal(t, "a/x/", x.String())
	assert.Equal(t, "a/y/", y.String())
	assert.Equal(t, []string{"a"}, base.Elements())
	assert.True(t, Path{}.IsRoot())
	assert.False(t, base.IsRoot())
}

func newTestContainer(t *testing.T, backend storage.Backend, elems ...string) *Container {
	t.Helper()
	return newTestStore(t, backend, Options{}).Container(NewPath(elems...))
}

func write(t *testing.T, c *Container, name, data string) {
	t.Helper()
	require.NoError(t, c.WriteBlob(context.Background(), name, strings.NewReader(data), int64(len(data))))
}

func TestContainerRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestContainer(t, storage.NewMemoryBackend(testBucket), "base", "indices")
	assert.Equal(t, "base/indices/", c.Path().String())

	ok, err := c.BlobExists(ctx, "snap-1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.ReadBlob(ctx, "snap-1")
	assert.ErrorIs(t, err, snaperr.ErrNoSuchBlob)

	write(t, c, "snap-1", "payload")

	ok, err = c.BlobExists(ctx, "snap-1")
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := c.ReadBlob(ctx, "snap-1")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestContainerWriteRefusesOverwrite(t *testing.T) {
	ctx := context.Background()
	c := newTestContainer(t, storage.NewMemoryBackend(testBucket), "p")
	write(t, c, "blob", "first")

	err := c.WriteBlob(ctx, "blob", strings.NewReader("second"), 6)
	assert.ErrorIs(t, err, snaperr.ErrBlobAlreadyExists)

	rc, err := c.ReadBlob(ctx, "blob")
	require.NoError(t, err)
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "first", string(data))
}

func TestContainerDoubleDelete(t *testing.T) {
	ctx := context.Background()
	c := newTestContainer(t, storage.NewMemoryBackend(testBucket), "p")
	write(t, c, "blob", "x")

	require.NoError(t, c.DeleteBlob(ctx, "blob"))
	err := c.DeleteBlob(ctx, "blob")
	assert.ErrorIs(t, err, snaperr.ErrNoSuchBlob)
}

func TestContainerListing(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend(testBucket)
	s := newTestStore(t, backend, Options{})
	c := s.Container(NewPath("base", "0"))

	write(t, c, "index-1", "a")
	write(t, c, "meta-1", "bb")
	write(t, s.Container(NewPath("base", "01")), "index-9", "c")

	all, err := c.ListBlobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"index-1", "meta-1"}, keysOf(all))
	assert.EqualValues(t, 2, all["meta-1"].Size)

	some, err := c.ListBlobsByPrefix(ctx, "index-")
	require.NoError(t, err)
	assert.Equal(t, []string{"index-1"}, keysOf(some))

	root, err := s.Container(Path{}).ListBlobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"base/0/index-1", "base/0/meta-1", "base/01/index-9"}, keysOf(root))
}

func TestContainerMove(t *testing.T) {
	ctx := context.Background()
	c := newTestContainer(t, storage.NewMemoryBackend(testBucket), "p")
	write(t, c, "src", "payload")
	write(t, c, "taken", "other")

	assert.ErrorIs(t, c.Move(ctx, "missing", "dst"), snaperr.ErrNoSuchBlob)
	assert.ErrorIs(t, c.Move(ctx, "src", "taken"), snaperr.ErrBlobAlreadyExists)

	require.NoError(t, c.Move(ctx, "src", "dst"))
	blobs, err := c.ListBlobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dst", "taken"}, keysOf(blobs))
}

func TestContainerMoveInterrupted(t *testing.T) {
	ctx := context.Background()
	backend := newFaultyBackend()
	c := newTestContainer(t, backend, "p")
	write(t, c, "src", "payload")
	backend.failDelete = errors.New("timeout")

	err := c.Move(ctx, "src", "dst")
	assert.ErrorIs(t, err, snaperr.ErrRenameInterrupted)

	blobs, err := c.ListBlobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dst", "src"}, keysOf(blobs))
}

func TestContainerDelete(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend(testBucket)
	s := newTestStore(t, backend, Options{})
	doomed := s.Container(NewPath("a"))
	kept := s.Container(NewPath("ab"))
	write(t, doomed, "1", "x")
	write(t, doomed, "2", "x")
	write(t, kept, "1", "x")

	require.NoError(t, doomed.Delete(ctx))

	left, err := doomed.ListBlobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, left)
	left, err = kept.ListBlobs(ctx)
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestContainerPassesRemoteErrors(t *testing.T) {
	ctx := context.Background()
	backend := newFaultyBackend()
	c := newTestContainer(t, backend, "p")
	write(t, c, "blob", "x")
	remote := errors.New("bucket unreachable")
	backend.failDelete = remote

	err := c.DeleteBlob(ctx, "blob")
	assert.ErrorIs(t, err, remote)
}

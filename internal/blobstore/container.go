package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	snaperr "github.com/bleepstore/snapstore/internal/errors"
)

// Container is a view of the blobs stored under one Path. Blob names are
// relative to the path. Existence checks and the mutations that follow them
// are separate remote calls, so concurrent writers to the same name race.
type Container struct {
	path   Path
	store  *Store
	logger *slog.Logger
}

// Path returns the container's path.
func (c *Container) Path() Path { return c.path }

func (c *Container) key(name string) string { return c.path.String() + name }

// warn logs a failed container operation and returns err unchanged.
func (c *Container) warn(op, name string, err error) error {
	c.logger.Warn("blob container operation failed",
		"operation", op, "bucket", c.store.Bucket(), "path", c.path.String(), "blob", name, "error", err)
	return err
}

func (c *Container) BlobExists(ctx context.Context, name string) (bool, error) {
	ok, err := c.store.BlobExists(ctx, c.key(name))
	if err != nil {
		return false, c.warn("exists", name, err)
	}
	return ok, nil
}

// ReadBlob opens name for reading. A missing blob yields
// errors.ErrNoSuchBlob.
func (c *Container) ReadBlob(ctx context.Context, name string) (io.ReadCloser, error) {
	rc, _, err := c.store.ReadBlob(ctx, c.key(name))
	if errors.Is(err, snaperr.ErrNoSuchKey) {
		err = snaperr.ErrNoSuchBlob.WithMessage("blob [%s] does not exist", c.key(name))
	}
	if err != nil {
		return nil, c.warn("read", name, err)
	}
	return rc, nil
}

// WriteBlob stores size bytes from r as name. It fails with
// errors.ErrBlobAlreadyExists if name is already present.
func (c *Container) WriteBlob(ctx context.Context, name string, r io.Reader, size int64) error {
	exists, err := c.store.BlobExists(ctx, c.key(name))
	if err != nil {
		return c.warn("write", name, err)
	}
	if exists {
		return c.warn("write", name, snaperr.ErrBlobAlreadyExists.WithMessage("blob [%s] already exists, cannot overwrite", c.key(name)))
	}
	if err := c.store.WriteBlob(ctx, c.key(name), r, size); err != nil {
		return c.warn("write", name, err)
	}
	return nil
}

// DeleteBlob removes name. It fails with errors.ErrNoSuchBlob if name is
// absent.
func (c *Container) DeleteBlob(ctx context.Context, name string) error {
	exists, err := c.store.BlobExists(ctx, c.key(name))
	if err != nil {
		return c.warn("delete", name, err)
	}
	if !exists {
		return c.warn("delete", name, snaperr.ErrNoSuchBlob.WithMessage("blob [%s] does not exist", c.key(name)))
	}
	if err := c.store.DeleteBlob(ctx, c.key(name)); err != nil {
		return c.warn("delete", name, err)
	}
	return nil
}

// ListBlobs returns every blob in the container.
func (c *Container) ListBlobs(ctx context.Context) (map[string]BlobMetadata, error) {
	return c.ListBlobsByPrefix(ctx, "")
}

// ListBlobsByPrefix returns the blobs whose names start with prefix.
func (c *Container) ListBlobsByPrefix(ctx context.Context, prefix string) (map[string]BlobMetadata, error) {
	blobs, err := c.store.ListByPrefix(ctx, c.path.String(), prefix)
	if err != nil {
		return nil, c.warn("list", prefix, err)
	}
	return blobs, nil
}

// Move renames src to dst within the container. src must exist and dst must
// not. The rename is copy-then-delete and is not atomic.
func (c *Container) Move(ctx context.Context, src, dst string) error {
	srcKey, dstKey := c.key(src), c.key(dst)

	exists, err := c.store.BlobExists(ctx, srcKey)
	if err != nil {
		return c.warn("move", src, err)
	}
	if !exists {
		return c.warn("move", src, snaperr.ErrNoSuchBlob.WithMessage("source blob [%s] does not exist", srcKey))
	}
	exists, err = c.store.BlobExists(ctx, dstKey)
	if err != nil {
		return c.warn("move", dst, err)
	}
	if exists {
		return c.warn("move", dst, snaperr.ErrBlobAlreadyExists.WithMessage("destination blob [%s] already exists", dstKey))
	}
	if err := c.store.Rename(ctx, srcKey, dstKey); err != nil {
		return c.warn("move", src, err)
	}
	return nil
}

// Delete removes every blob in the container.
func (c *Container) Delete(ctx context.Context) error {
	if err := c.store.Delete(ctx, c.path); err != nil {
		return c.warn("delete_container", "", fmt.Errorf("deleting container %q: %w", c.path.String(), err))
	}
	return nil
}

// Package bucket binds a session manager to one named bucket and exposes the
// single-object primitives the blob store is built on. Each method issues
// exactly one remote call through the session manager and never retries.
package bucket

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bleepstore/snapstore/internal/metrics"
	"github.com/bleepstore/snapstore/internal/session"
	"github.com/bleepstore/snapstore/internal/storage"
)

var tracer = otel.Tracer("github.com/bleepstore/snapstore/internal/bucket")

// Client issues bucket-scoped calls through a session.Manager.
type Client struct {
	sessions *session.Manager
	bucket   string
	logger   *slog.Logger
}

// New returns a Client for bucket. A nil logger uses slog.Default.
func New(sessions *session.Manager, bucket string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{sessions: sessions, bucket: bucket, logger: logger}
}

// Bucket returns the bucket name.
func (c *Client) Bucket() string { return c.bucket }

// Sessions returns the underlying session manager.
func (c *Client) Sessions() *session.Manager { return c.sessions }

// start opens a span for operation and returns a finisher that records the
// outcome in the span and in the bucket operation metrics.
func (c *Client) start(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	attrs = append(attrs, attribute.String("bucket", c.bucket))
	ctx, span := tracer.Start(ctx, "bucket."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...))
	began := time.Now()

	return ctx, func(err error) {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.logger.Debug("bucket operation failed",
				"operation", operation, "bucket", c.bucket, "error", err)
		}
		metrics.BucketOperationsTotal.WithLabelValues(operation, status).Inc()
		metrics.BucketOperationDuration.WithLabelValues(operation).Observe(time.Since(began).Seconds())
		span.End()
	}
}

// BucketExists reports whether the bucket exists.
func (c *Client) BucketExists(ctx context.Context) (exists bool, err error) {
	ctx, finish := c.start(ctx, "BucketExists")
	defer func() { finish(err) }()

	return session.Execute(ctx, c.sessions, func(ctx context.Context, b storage.Backend) (bool, error) {
		return b.BucketExists(ctx, c.bucket)
	})
}

// ObjectExists reports whether key exists in the bucket.
func (c *Client) ObjectExists(ctx context.Context, key string) (exists bool, err error) {
	ctx, finish := c.start(ctx, "ObjectExists", attribute.String("key", key))
	defer func() { finish(err) }()

	return session.Execute(ctx, c.sessions, func(ctx context.Context, b storage.Backend) (bool, error) {
		return b.ObjectExists(ctx, c.bucket, key)
	})
}

type object struct {
	body io.ReadCloser
	size int64
}

// Get opens key for reading. The caller must close the returned body; it
// stays readable after the session lock is released.
func (c *Client) Get(ctx context.Context, key string) (body io.ReadCloser, size int64, err error) {
	ctx, finish := c.start(ctx, "Get", attribute.String("key", key))
	defer func() { finish(err) }()

	obj, err := session.Execute(ctx, c.sessions, func(ctx context.Context, b storage.Backend) (object, error) {
		rc, n, err := b.GetObject(ctx, c.bucket, key)
		return object{body: rc, size: n}, err
	})
	if err != nil {
		return nil, 0, err
	}
	metrics.BlobBytes.WithLabelValues("read").Observe(float64(obj.size))
	return obj.body, obj.size, nil
}

// Put stores size bytes read from r under key, replacing any existing object.
func (c *Client) Put(ctx context.Context, key string, r io.Reader, size int64) (err error) {
	ctx, finish := c.start(ctx, "Put", attribute.String("key", key), attribute.Int64("size", size))
	defer func() { finish(err) }()

	if size < 0 {
		return fmt.Errorf("put %s: negative size %d", key, size)
	}
	err = c.sessions.Do(ctx, func(ctx context.Context, b storage.Backend) error {
		return b.PutObject(ctx, c.bucket, key, r, size)
	})
	if err == nil {
		metrics.BlobBytes.WithLabelValues("write").Observe(float64(size))
	}
	return err
}

// Delete removes key. Deleting a missing key is not an error.
func (c *Client) Delete(ctx context.Context, key string) (err error) {
	ctx, finish := c.start(ctx, "Delete", attribute.String("key", key))
	defer func() { finish(err) }()

	return c.sessions.Do(ctx, func(ctx context.Context, b storage.Backend) error {
		return b.DeleteObject(ctx, c.bucket, key)
	})
}

// DeleteObjects removes up to storage.MaxDeleteObjects keys in one call.
func (c *Client) DeleteObjects(ctx context.Context, keys []string) (err error) {
	ctx, finish := c.start(ctx, "DeleteObjects", attribute.Int("keys", len(keys)))
	defer func() { finish(err) }()

	if len(keys) > storage.MaxDeleteObjects {
		return fmt.Errorf("delete objects: %d keys exceeds limit of %d", len(keys), storage.MaxDeleteObjects)
	}
	return c.sessions.Do(ctx, func(ctx context.Context, b storage.Backend) error {
		return b.DeleteObjects(ctx, c.bucket, keys)
	})
}

// Copy copies src to dst within the bucket.
func (c *Client) Copy(ctx context.Context, src, dst string) (err error) {
	ctx, finish := c.start(ctx, "Copy", attribute.String("source", src), attribute.String("destination", dst))
	defer func() { finish(err) }()

	return c.sessions.Do(ctx, func(ctx context.Context, b storage.Backend) error {
		return b.CopyObject(ctx, c.bucket, src, dst)
	})
}

// List returns one page of keys beginning with prefix, starting after
// marker. An empty marker starts from the beginning.
func (c *Client) List(ctx context.Context, prefix, marker string, maxKeys int) (page *storage.ListPage, err error) {
	ctx, finish := c.start(ctx, "List", attribute.String("prefix", prefix), attribute.Int("max_keys", maxKeys))
	defer func() { finish(err) }()

	return session.Execute(ctx, c.sessions, func(ctx context.Context, b storage.Backend) (*storage.ListPage, error) {
		return b.ListObjects(ctx, c.bucket, prefix, marker, maxKeys)
	})
}

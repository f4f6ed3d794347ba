// GCS backend.
//
// When dialed with an OAuth2 access token the handle authenticates with that
// token until it expires; otherwise Application Default Credentials are used
// (GOOGLE_APPLICATION_CREDENTIALS, gcloud auth, metadata server).
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"golang.org/x/oauth2"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	snaperr "github.com/bleepstore/snapstore/internal/errors"
)

// GCSAPI defines the subset of the GCS client interface that the backend
// uses. This allows mocking in tests.
type GCSAPI interface {
	// BucketAttrs fails when the bucket is absent or inaccessible.
	BucketAttrs(ctx context.Context, bucket string) error
	NewWriter(ctx context.Context, bucket, object string) io.WriteCloser
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, bucket, object string) error
	Attrs(ctx context.Context, bucket, object string) (int64, error)
	Copy(ctx context.Context, bucket, srcObject, dstObject string) error
	// ListPage returns one page of objects under prefix and the token of the
	// following page ("" when exhausted).
	ListPage(ctx context.Context, bucket, prefix, pageToken string, pageSize int) ([]ObjectInfo, string, error)
	Close() error
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) BucketAttrs(ctx context.Context, bucket string) error {
	_, err := c.client.Bucket(bucket).Attrs(ctx)
	return err
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	return c.client.Bucket(bucket).Object(object).NewWriter(ctx)
}

func (c *realGCSClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, int64, error) {
	r, err := c.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, 0, err
	}
	return r, r.Attrs.Size, nil
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) Attrs(ctx context.Context, bucket, object string) (int64, error) {
	attrs, err := c.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		return 0, err
	}
	return attrs.Size, nil
}

func (c *realGCSClient) Copy(ctx context.Context, bucket, srcObject, dstObject string) error {
	src := c.client.Bucket(bucket).Object(srcObject)
	dst := c.client.Bucket(bucket).Object(dstObject)
	_, err := dst.CopierFrom(src).Run(ctx)
	return err
}

func (c *realGCSClient) ListPage(ctx context.Context, bucket, prefix, pageToken string, pageSize int) ([]ObjectInfo, string, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var attrs []*gcs.ObjectAttrs
	next, err := iterator.NewPager(it, pageSize, pageToken).NextPage(&attrs)
	if err != nil {
		return nil, "", err
	}
	objects := make([]ObjectInfo, 0, len(attrs))
	for _, a := range attrs {
		objects = append(objects, ObjectInfo{Key: a.Name, Size: a.Size})
	}
	return objects, next, nil
}

func (c *realGCSClient) Close() error {
	return c.client.Close()
}

// GCSOptions configures a dialed GCS handle.
type GCSOptions struct {
	Project     string
	AccessToken string
	Expiry      time.Time
}

// GCSBackend implements Backend against Google Cloud Storage.
type GCSBackend struct {
	Project string
	client  GCSAPI
}

// NewGCSBackend dials a new GCS handle.
func NewGCSBackend(ctx context.Context, opts GCSOptions) (*GCSBackend, error) {
	var clientOpts []option.ClientOption
	if opts.AccessToken != "" {
		clientOpts = append(clientOpts, option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: opts.AccessToken,
			Expiry:      opts.Expiry,
		})))
	}

	client, err := gcs.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}
	return &GCSBackend{
		Project: opts.Project,
		client:  &realGCSClient{client: client},
	}, nil
}

// NewGCSBackendWithClient wraps a pre-configured client. This is primarily
// used for testing with mock clients.
func NewGCSBackendWithClient(project string, client GCSAPI) *GCSBackend {
	return &GCSBackend{Project: project, client: client}
}

func (b *GCSBackend) BucketExists(ctx context.Context, bucket string) (bool, error) {
	if err := b.client.BucketAttrs(ctx, bucket); err != nil {
		if isGCSNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking bucket %q: %w", bucket, err)
	}
	return true, nil
}

func (b *GCSBackend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	if _, err := b.client.Attrs(ctx, bucket, key); err != nil {
		if isGCSNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking object existence in GCS: %w", err)
	}
	return true, nil
}

func (b *GCSBackend) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	r, size, err := b.client.NewReader(ctx, bucket, key)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, 0, fmt.Errorf("%w: %s/%s", snaperr.ErrNoSuchKey, bucket, key)
		}
		return nil, 0, fmt.Errorf("getting object from GCS: %w", err)
	}
	return r, size, nil
}

func (b *GCSBackend) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) error {
	w := b.client.NewWriter(ctx, bucket, key)
	if _, err := io.Copy(w, io.LimitReader(r, size)); err != nil {
		_ = w.Close()
		return fmt.Errorf("uploading to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing GCS upload: %w", err)
	}
	return nil
}

// DeleteObject catches 404 silently; GCS errors on delete of non-existent
// objects unlike S3.
func (b *GCSBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	if err := b.client.Delete(ctx, bucket, key); err != nil {
		if isGCSNotFound(err) {
			return nil
		}
		return fmt.Errorf("deleting object from GCS: %w", err)
	}
	return nil
}

// DeleteObjects deletes keys one at a time; GCS has no multi-object delete in
// the JSON API client.
func (b *GCSBackend) DeleteObjects(ctx context.Context, bucket string, keys []string) error {
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

func (b *GCSBackend) CopyObject(ctx context.Context, bucket, srcKey, dstKey string) error {
	if err := b.client.Copy(ctx, bucket, srcKey, dstKey); err != nil {
		if isGCSNotFound(err) {
			return fmt.Errorf("%w: source %s/%s", snaperr.ErrNoSuchKey, bucket, srcKey)
		}
		return fmt.Errorf("copying object in GCS: %w", err)
	}
	return nil
}

// ListObjects uses the iterator page token as the marker.
func (b *GCSBackend) ListObjects(ctx context.Context, bucket, prefix, marker string, maxKeys int) (*ListPage, error) {
	if maxKeys <= 0 {
		maxKeys = MaxDeleteObjects
	}
	objects, next, err := b.client.ListPage(ctx, bucket, prefix, marker, maxKeys)
	if err != nil {
		if errors.Is(err, gcs.ErrBucketNotExist) {
			return nil, fmt.Errorf("%w: %s", snaperr.ErrNoSuchBucket, bucket)
		}
		return nil, fmt.Errorf("listing %s/%s: %w", bucket, prefix, err)
	}
	return &ListPage{
		Objects:    objects,
		NextMarker: next,
		Truncated:  next != "",
	}, nil
}

func (b *GCSBackend) Close() error {
	return b.client.Close()
}

// isGCSNotFound checks if a GCS error is a 404/not-found error.
func isGCSNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return true
	}
	if errors.Is(err, gcs.ErrBucketNotExist) {
		return true
	}
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "not found") || strings.Contains(msg, "404") {
			return true
		}
	}
	return false
}

var _ Backend = (*GCSBackend)(nil)

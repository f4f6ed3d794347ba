// S3 backend.
//
// Each S3Backend owns its HTTP transport so that closing a handle after a
// credential swap drops only that handle's idle connections. Requests sign
// with the static key pair (plus security token, when present) the handle was
// dialed with; there is no fallback to the default AWS credential chain.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	snaperr "github.com/bleepstore/snapstore/internal/errors"
)

// S3API defines the subset of the AWS S3 client interface that the backend
// uses. This allows mocking in tests.
type S3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Options configures a dialed S3 handle.
type S3Options struct {
	Region          string
	Endpoint        string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// S3Backend implements Backend against Amazon S3 or any S3-compatible
// endpoint.
type S3Backend struct {
	client    S3API
	transport *http.Transport
}

// NewS3Backend dials a new S3 handle with the given static credentials.
// No request is sent; the first operation performs the first round trip.
func NewS3Backend(ctx context.Context, opts S3Options) (*S3Backend, error) {
	if opts.AccessKeyID == "" || opts.SecretAccessKey == "" {
		return nil, fmt.Errorf("dialing S3: access key id and secret are required")
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithHTTPClient(&http.Client{Transport: transport}),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if opts.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		})
	}
	if opts.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &S3Backend{
		client:    s3.NewFromConfig(cfg, s3Opts...),
		transport: transport,
	}, nil
}

// NewS3BackendWithClient wraps a pre-configured client. This is primarily
// used for testing with mock clients.
func NewS3BackendWithClient(client S3API) *S3Backend {
	return &S3Backend{client: client}
}

// BucketExists issues HeadBucket.
func (b *S3Backend) BucketExists(ctx context.Context, bucket string) (bool, error) {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking bucket %q: %w", bucket, err)
	}
	return true, nil
}

// ObjectExists issues HeadObject.
func (b *S3Backend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking object existence in S3: %w", err)
	}
	return true, nil
}

// GetObject streams the object body.
func (b *S3Backend) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, 0, fmt.Errorf("%w: %s/%s", snaperr.ErrNoSuchKey, bucket, key)
		}
		return nil, 0, fmt.Errorf("getting object from S3: %w", err)
	}
	return resp.Body, aws.ToInt64(resp.ContentLength), nil
}

// PutObject uploads size bytes from r.
func (b *S3Backend) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          r,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("uploading to S3: %w", err)
	}
	return nil
}

// DeleteObject removes one object. S3 does not report missing keys.
func (b *S3Backend) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("deleting object from S3: %w", err)
	}
	return nil
}

// DeleteObjects issues one quiet multi-object delete. Per-key failures
// reported in the response body are returned as an error.
func (b *S3Backend) DeleteObjects(ctx context.Context, bucket string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if len(keys) > MaxDeleteObjects {
		return fmt.Errorf("batch delete of %d keys exceeds limit of %d", len(keys), MaxDeleteObjects)
	}

	objects := make([]types.ObjectIdentifier, 0, len(keys))
	for _, k := range keys {
		objects = append(objects, types.ObjectIdentifier{Key: aws.String(k)})
	}

	resp, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(bucket),
		Delete: &types.Delete{
			Objects: objects,
			Quiet:   aws.Bool(true),
		},
	})
	if err != nil {
		return fmt.Errorf("batch-deleting %d objects: %w", len(keys), err)
	}
	if len(resp.Errors) > 0 {
		first := resp.Errors[0]
		return fmt.Errorf("batch-deleting %d objects: %d failed, first %s: %s %s",
			len(keys), len(resp.Errors), aws.ToString(first.Key), aws.ToString(first.Code), aws.ToString(first.Message))
	}
	return nil
}

// CopyObject performs a server-side copy within the bucket.
func (b *S3Backend) CopyObject(ctx context.Context, bucket, srcKey, dstKey string) error {
	source := (&url.URL{Path: bucket + "/" + srcKey}).EscapedPath()

	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(source),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return fmt.Errorf("%w: source %s/%s", snaperr.ErrNoSuchKey, bucket, srcKey)
		}
		return fmt.Errorf("copying object in S3: %w", err)
	}
	return nil
}

// ListObjects issues ListObjectsV2. The marker is the continuation token of
// the previous page.
func (b *S3Backend) ListObjects(ctx context.Context, bucket, prefix, marker string, maxKeys int) (*ListPage, error) {
	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	if marker != "" {
		in.ContinuationToken = aws.String(marker)
	}
	if maxKeys > 0 {
		in.MaxKeys = aws.Int32(int32(maxKeys))
	}

	resp, err := b.client.ListObjectsV2(ctx, in)
	if err != nil {
		if isAWSNotFound(err) {
			return nil, fmt.Errorf("%w: %s", snaperr.ErrNoSuchBucket, bucket)
		}
		return nil, fmt.Errorf("listing %s/%s: %w", bucket, prefix, err)
	}

	page := &ListPage{
		Objects:    make([]ObjectInfo, 0, len(resp.Contents)),
		NextMarker: aws.ToString(resp.NextContinuationToken),
		Truncated:  aws.ToBool(resp.IsTruncated),
	}
	for _, obj := range resp.Contents {
		page.Objects = append(page.Objects, ObjectInfo{
			Key:  aws.ToString(obj.Key),
			Size: aws.ToInt64(obj.Size),
		})
	}
	return page, nil
}

// Close drops the handle's idle connections. Bodies still being read keep
// their connection until closed.
func (b *S3Backend) Close() error {
	if b.transport != nil {
		b.transport.CloseIdleConnections()
	}
	return nil
}

// isAWSNotFound checks if an AWS error is a 404/NoSuchKey/NotFound error.
func isAWSNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchKey" || code == "NotFound" || code == "404" || code == "NoSuchBucket" {
			return true
		}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		if respErr.HTTPStatusCode() == 404 {
			return true
		}
	}
	return false
}

var _ Backend = (*S3Backend)(nil)

// Package repository assembles a blob store from repository settings: it
// picks the bucket, the credential provider and the storage backend, and
// wires them through a session manager.
package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bleepstore/snapstore/internal/blobstore"
	"github.com/bleepstore/snapstore/internal/bucket"
	"github.com/bleepstore/snapstore/internal/config"
	"github.com/bleepstore/snapstore/internal/credentials"
	"github.com/bleepstore/snapstore/internal/session"
	"github.com/bleepstore/snapstore/internal/storage"
)

// Repository is an opened snapshot repository.
type Repository struct {
	cfg      config.RepositoryConfig
	basePath blobstore.Path
	sessions *session.Manager
	store    *blobstore.Store
}

type openOptions struct {
	provider credentials.Provider
	dialer   session.Dialer
	clock    func() time.Time
}

// Option customizes Open.
type Option func(*openOptions)

// WithProvider overrides the credential provider derived from settings.
func WithProvider(p credentials.Provider) Option {
	return func(o *openOptions) { o.provider = p }
}

// WithDialer overrides the backend dialer derived from settings.
func WithDialer(d session.Dialer) Option {
	return func(o *openOptions) { o.dialer = d }
}

// WithClock sets the clock used to classify credential expiry.
func WithClock(now func() time.Time) Option {
	return func(o *openOptions) { o.clock = now }
}

// Open validates cfg and opens the repository. In short-lived mode the first
// credential fetch happens here, so an unreachable metadata endpoint fails
// Open with ErrCredentialRefreshFailed.
func Open(ctx context.Context, cfg config.RepositoryConfig, logger *slog.Logger, opts ...Option) (*Repository, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.provider == nil {
		o.provider = NewProvider(cfg)
	}
	if o.dialer == nil {
		d, err := NewDialer(cfg)
		if err != nil {
			return nil, err
		}
		o.dialer = d
	}

	bucketName := cfg.BucketName()
	basePath := blobstore.ParsePath(cfg.BasePath)
	logger = logger.With("bucket", bucketName)
	logger.Info("opening repository",
		"backend", cfg.Backend,
		"base_path", basePath.String(),
		"chunk_size", cfg.ChunkSize.String(),
		"compress", cfg.Compress,
		"short_lived", cfg.ShortLived())

	sessions, err := session.New(ctx, session.Options{
		Provider:    o.provider,
		Dialer:      o.dialer,
		ShortLived:  cfg.ShortLived(),
		GuardWindow: cfg.RefreshGuard,
		MaxAttempts: cfg.RefreshAttempts,
		Logger:      logger,
		Clock:       o.clock,
	})
	if err != nil {
		return nil, fmt.Errorf("opening storage session: %w", err)
	}

	store, err := blobstore.NewStore(ctx, bucket.New(sessions, bucketName, logger), blobstore.Options{
		DeleteChunkSize: cfg.DeleteChunkSize,
		ListPageSize:    cfg.ListPageSize,
		Logger:          logger,
	})
	if err != nil {
		sessions.Close()
		return nil, err
	}

	return &Repository{
		cfg:      cfg,
		basePath: basePath,
		sessions: sessions,
		store:    store,
	}, nil
}

// NewProvider returns the metadata provider for role-based settings and a
// static provider otherwise. Backends that authenticate ambiently accept
// settings without static keys.
func NewProvider(cfg config.RepositoryConfig) credentials.Provider {
	if cfg.ShortLived() {
		return credentials.NewMetadata(cfg.MetadataURL, cfg.ECSRAMRole)
	}
	if cfg.AccessKeyID == "" && cfg.SecretAccessKey == "" {
		return credentials.ProviderFunc(func(ctx context.Context) (credentials.Credentials, error) {
			return credentials.Credentials{SecurityToken: cfg.SecurityToken}, nil
		})
	}
	return credentials.Static{Value: credentials.Credentials{
		AccessKeyID:     cfg.AccessKeyID,
		AccessKeySecret: cfg.SecretAccessKey,
		SecurityToken:   cfg.SecurityToken,
	}}
}

// NewDialer returns a session.Dialer for the configured backend.
func NewDialer(cfg config.RepositoryConfig) (session.Dialer, error) {
	switch cfg.Backend {
	case config.BackendS3:
		return func(ctx context.Context, c credentials.Credentials) (storage.Backend, error) {
			return storage.NewS3Backend(ctx, storage.S3Options{
				Region:          cfg.Region,
				Endpoint:        cfg.Endpoint,
				UsePathStyle:    cfg.PathStyle,
				AccessKeyID:     c.AccessKeyID,
				SecretAccessKey: c.AccessKeySecret,
				SessionToken:    c.SecurityToken,
			})
		}, nil

	case config.BackendGCS:
		return func(ctx context.Context, c credentials.Credentials) (storage.Backend, error) {
			return storage.NewGCSBackend(ctx, storage.GCSOptions{
				Project:     cfg.GCPProject,
				AccessToken: c.SecurityToken,
				Expiry:      c.Expiration,
			})
		}, nil

	case config.BackendAzure:
		return func(ctx context.Context, c credentials.Credentials) (storage.Backend, error) {
			return storage.NewAzureBackend(ctx, storage.AzureOptions{
				AccountURL:       cfg.AzureAccountURL,
				ConnectionString: cfg.AzureConnectionString,
				SASToken:         c.SecurityToken,
			})
		}, nil

	case config.BackendLocal:
		return func(ctx context.Context, c credentials.Credentials) (storage.Backend, error) {
			b, err := storage.NewLocalBackend(cfg.LocalRoot)
			if err != nil {
				return nil, err
			}
			if err := b.CreateBucket(cfg.BucketName()); err != nil {
				return nil, err
			}
			return b, nil
		}, nil

	case config.BackendSQLite:
		return func(ctx context.Context, c credentials.Credentials) (storage.Backend, error) {
			b, err := storage.NewSQLiteBackend(cfg.SQLitePath)
			if err != nil {
				return nil, err
			}
			if err := b.CreateBucket(ctx, cfg.BucketName()); err != nil {
				b.Close()
				return nil, err
			}
			return b, nil
		}, nil

	case config.BackendMemory:
		// Every handle shares one in-process store so data survives refreshes.
		shared := storage.NewMemoryBackend(cfg.BucketName())
		return func(ctx context.Context, c credentials.Credentials) (storage.Backend, error) {
			return shared, nil
		}, nil

	default:
		return nil, fmt.Errorf("unsupported backend %q", cfg.Backend)
	}
}

// BasePath returns the path every container is rooted at.
func (r *Repository) BasePath() blobstore.Path { return r.basePath }

// Store returns the underlying blob store.
func (r *Repository) Store() *blobstore.Store { return r.store }

// Sessions returns the storage session manager.
func (r *Repository) Sessions() *session.Manager { return r.sessions }

// Bucket returns the bucket in use.
func (r *Repository) Bucket() string { return r.store.Bucket() }

// ChunkSize returns the configured chunk size in bytes.
func (r *Repository) ChunkSize() int64 { return int64(r.cfg.ChunkSize) }

// Compress reports whether compression was requested.
func (r *Repository) Compress() bool { return r.cfg.Compress }

// Container returns the container at path, relative to the base path.
func (r *Repository) Container(path blobstore.Path) *blobstore.Container {
	full := r.basePath
	for _, e := range path.Elements() {
		full = full.Add(e)
	}
	return r.store.Container(full)
}

// Close releases the storage session.
func (r *Repository) Close() error {
	return r.store.Close()
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	snaperr "github.com/bleepstore/snapstore/internal/errors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
repository:
  backend: S3
  endpoint: http://localhost:4566
  region: eu-west-1
  path_style: true
  bucket: snapshots
  base_path: prod/cluster-a
  compress: true
  chunk_size: 256mb
  access_key_id: AKID
  secret_access_key: SECRET
  refresh_guard: 2s
  refresh_attempts: 5
  delete_chunk_size: 100
  list_page_size: 250
logging:
  level: debug
  format: json
server:
  port: 9999
telemetry:
  enabled: true
  endpoint: localhost:4318
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	r := cfg.Repository
	assert.Equal(t, BackendS3, r.Backend)
	assert.Equal(t, "http://localhost:4566", r.Endpoint)
	assert.Equal(t, "eu-west-1", r.Region)
	assert.True(t, r.PathStyle)
	assert.Equal(t, "snapshots", r.BucketName())
	assert.Equal(t, "prod/cluster-a", r.BasePath)
	assert.True(t, r.Compress)
	assert.EqualValues(t, 256<<20, r.ChunkSize)
	assert.Equal(t, 2*time.Second, r.RefreshGuard)
	assert.Equal(t, 5, r.RefreshAttempts)
	assert.Equal(t, 100, r.DeleteChunkSize)
	assert.Equal(t, 250, r.ListPageSize)
	assert.False(t, r.ShortLived())

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "snapstore", cfg.Telemetry.ServiceName)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "repository:\n  bucket: b\n"))
	require.NoError(t, err)

	r := cfg.Repository
	assert.Equal(t, BackendS3, r.Backend)
	assert.EqualValues(t, MaxChunkSize, r.ChunkSize)
	assert.Equal(t, DefaultMetadataURL, r.MetadataURL)
	assert.Equal(t, 5*time.Second, r.RefreshGuard)
	assert.Equal(t, 3, r.RefreshAttempts)
	assert.Equal(t, 500, r.DeleteChunkSize)
	assert.Equal(t, 1000, r.ListPageSize)
	assert.Equal(t, 9464, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadFallsBackToExample(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "snapstore.example.yaml"),
		[]byte("repository:\n  bucket: from-example\n"), 0o644))

	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "from-example", cfg.Repository.Bucket)
}

func TestLoadRejectsBadChunkSize(t *testing.T) {
	_, err := Load(writeConfig(t, "repository:\n  chunk_size: lots\n"))
	assert.Error(t, err)
}

func TestRoleSelectsAutoSnapshotBucket(t *testing.T) {
	r := Default().Repository
	r.Bucket = "static-bucket"
	r.AutoSnapshotBucket = "auto-bucket"
	r.ECSRAMRole = "snapshot-role"

	assert.True(t, r.ShortLived())
	assert.Equal(t, "auto-bucket", r.BucketName())
	assert.NoError(t, r.Validate(), "role credentials need no static keys")
}

func TestValidate(t *testing.T) {
	valid := func() RepositoryConfig {
		r := Default().Repository
		r.Bucket = "b"
		r.AccessKeyID = "id"
		r.SecretAccessKey = "secret"
		return r
	}

	tests := []struct {
		name    string
		mutate  func(r *RepositoryConfig)
		message string
	}{
		{"missing bucket", func(r *RepositoryConfig) { r.Bucket = "" }, "setting [bucket] is not defined for repository"},
		{"missing auto bucket", func(r *RepositoryConfig) { r.ECSRAMRole = "role" }, "setting [auto_snapshot_bucket] is not defined for repository"},
		{"missing access key", func(r *RepositoryConfig) { r.AccessKeyID = "" }, "setting [access_key_id] is not defined for repository"},
		{"missing secret", func(r *RepositoryConfig) { r.SecretAccessKey = "" }, "setting [secret_access_key] is not defined for repository"},
		{"azure without account", func(r *RepositoryConfig) { r.Backend = BackendAzure }, "setting [azure_account_url] is not defined for repository"},
		{"unknown backend", func(r *RepositoryConfig) { r.Backend = "ftp" }, ""},
		{"chunk too small", func(r *RepositoryConfig) { r.ChunkSize = 1024 }, ""},
		{"chunk too large", func(r *RepositoryConfig) { r.ChunkSize = 2 << 30 }, ""},
		{"zero guard", func(r *RepositoryConfig) { r.RefreshGuard = -1 }, ""},
		{"zero attempts", func(r *RepositoryConfig) { r.RefreshAttempts = 0 }, ""},
		{"delete chunk too large", func(r *RepositoryConfig) { r.DeleteChunkSize = 1001 }, ""},
		{"page size zero", func(r *RepositoryConfig) { r.ListPageSize = 0 }, ""},
	}

	base := valid()
	require.NoError(t, base.Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid()
			tt.mutate(&r)
			err := r.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, snaperr.ErrInvalidConfig)
			if tt.message != "" {
				assert.Contains(t, err.Error(), tt.message)
			}
		})
	}
}

func TestLocalBackendNeedsNoKeys(t *testing.T) {
	r := Default().Repository
	r.Backend = BackendLocal
	r.Bucket = "b"
	assert.NoError(t, r.Validate())
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in   string
		want ByteSize
	}{
		{"1mb", 1 << 20},
		{"1gb", 1 << 30},
		{"512MB", 512 << 20},
		{"1048576", 1 << 20},
	}
	for _, tt := range tests {
		got, err := ParseByteSize(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	_, err := ParseByteSize("")
	assert.Error(t, err)
	assert.Equal(t, "1GiB", ByteSize(1<<30).String())
}

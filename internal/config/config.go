// Package config handles loading and parsing of SnapStore configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	snaperr "github.com/bleepstore/snapstore/internal/errors"
)

// Chunk size bounds for the repository chunk_size setting.
const (
	MinChunkSize = 1 << 20
	MaxChunkSize = 1 << 30
)

// DefaultMetadataURL is the instance metadata endpoint serving role credentials.
const DefaultMetadataURL = "http://100.100.100.200/latest/meta-data/ram/security-credentials/"

// Supported storage backends.
const (
	BackendS3     = "s3"
	BackendGCS    = "gcs"
	BackendAzure  = "azure"
	BackendLocal  = "local"
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Config is the top-level configuration for SnapStore.
type Config struct {
	Repository RepositoryConfig `yaml:"repository"`
	Logging    LoggingConfig    `yaml:"logging"`
	Server     ServerConfig     `yaml:"server"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// RepositoryConfig holds the snapshot repository settings.
type RepositoryConfig struct {
	// Backend is the storage backend type: s3, gcs, azure, local, memory or sqlite.
	Backend string `yaml:"backend"`
	// Endpoint is the S3-compatible endpoint URL. Empty selects the provider default.
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	PathStyle bool   `yaml:"path_style"`
	// Bucket is used with static credentials.
	Bucket string `yaml:"bucket"`
	// AutoSnapshotBucket replaces Bucket when ECSRAMRole is set.
	AutoSnapshotBucket string `yaml:"auto_snapshot_bucket"`
	// BasePath is a slash-separated prefix for every key in the repository.
	BasePath string `yaml:"base_path"`
	// Compress and ChunkSize are exposed to callers but not acted on here.
	Compress  bool     `yaml:"compress"`
	ChunkSize ByteSize `yaml:"chunk_size"`

	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SecurityToken   string `yaml:"security_token"`

	// ECSRAMRole selects short-lived credentials fetched from MetadataURL.
	ECSRAMRole      string        `yaml:"ecs_ram_role"`
	MetadataURL     string        `yaml:"metadata_url"`
	RefreshGuard    time.Duration `yaml:"refresh_guard"`
	RefreshAttempts int           `yaml:"refresh_attempts"`

	DeleteChunkSize int `yaml:"delete_chunk_size"`
	ListPageSize    int `yaml:"list_page_size"`

	GCPProject            string `yaml:"gcp_project"`
	AzureAccountURL       string `yaml:"azure_account_url"`
	AzureConnectionString string `yaml:"azure_connection_string"`
	LocalRoot             string `yaml:"local_root"`
	SQLitePath            string `yaml:"sqlite_path"`
}

// LoggingConfig holds log/slog settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// ServerConfig holds admin HTTP server settings.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds OpenTelemetry tracing settings.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
	// Endpoint is the OTLP/HTTP collector address. Empty writes spans to stdout.
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// ByteSize is a size in bytes that unmarshals from strings such as "512mb"
// or "1gb" using binary multiples.
type ByteSize int64

// UnmarshalYAML accepts a human-readable size or a plain integer.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	size, err := ParseByteSize(node.Value)
	if err != nil {
		return err
	}
	*b = size
	return nil
}

// ParseByteSize parses a human-readable size.
func ParseByteSize(s string) (ByteSize, error) {
	n, err := units.RAMInBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}

// Load reads a YAML configuration file from the given path and returns
// a parsed Config. It applies defaults for unset values but does not
// validate; call Validate once any overrides have been applied.
// If the primary path fails, it falls back to snapstore.example.yaml
// in the same directory or parent directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "snapstore.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "snapstore.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	ApplyDefaults(cfg)
	return cfg, nil
}

// Default returns a Config populated with defaults only.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Repository: RepositoryConfig{
			Backend:         BackendS3,
			Region:          "us-east-1",
			ChunkSize:       MaxChunkSize,
			MetadataURL:     DefaultMetadataURL,
			RefreshGuard:    5 * time.Second,
			RefreshAttempts: 3,
			DeleteChunkSize: 500,
			ListPageSize:    1000,
			LocalRoot:       "./data/blobs",
			SQLitePath:      "./data/blobs.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9464,
			ShutdownTimeout: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "snapstore",
		},
	}
}

// ApplyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling or overrides.
func ApplyDefaults(cfg *Config) {
	d := defaultConfig()
	r := &cfg.Repository
	if r.Backend == "" {
		r.Backend = d.Repository.Backend
	}
	r.Backend = strings.ToLower(r.Backend)
	if r.Region == "" {
		r.Region = d.Repository.Region
	}
	if r.ChunkSize == 0 {
		r.ChunkSize = d.Repository.ChunkSize
	}
	if r.MetadataURL == "" {
		r.MetadataURL = d.Repository.MetadataURL
	}
	if r.RefreshGuard == 0 {
		r.RefreshGuard = d.Repository.RefreshGuard
	}
	if r.RefreshAttempts == 0 {
		r.RefreshAttempts = d.Repository.RefreshAttempts
	}
	if r.DeleteChunkSize == 0 {
		r.DeleteChunkSize = d.Repository.DeleteChunkSize
	}
	if r.ListPageSize == 0 {
		r.ListPageSize = d.Repository.ListPageSize
	}
	if r.LocalRoot == "" {
		r.LocalRoot = d.Repository.LocalRoot
	}
	if r.SQLitePath == "" {
		r.SQLitePath = d.Repository.SQLitePath
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = d.Logging.Format
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = d.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = d.Server.Port
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = d.Telemetry.ServiceName
	}
}

// ShortLived reports whether credentials come from the instance metadata
// service and must be refreshed.
func (r *RepositoryConfig) ShortLived() bool {
	return r.ECSRAMRole != ""
}

// BucketName returns the bucket in effect: AutoSnapshotBucket for role-based
// credentials, Bucket otherwise.
func (r *RepositoryConfig) BucketName() string {
	if r.ShortLived() {
		return r.AutoSnapshotBucket
	}
	return r.Bucket
}

// Validate checks the configuration for missing or out-of-range settings.
func (c *Config) Validate() error {
	return c.Repository.Validate()
}

func notDefined(name string) error {
	return snaperr.ErrInvalidConfig.WithMessage("setting [%s] is not defined for repository", name)
}

// Validate checks the repository settings.
func (r *RepositoryConfig) Validate() error {
	switch r.Backend {
	case BackendS3, BackendGCS, BackendAzure, BackendLocal, BackendMemory, BackendSQLite:
	default:
		return snaperr.ErrInvalidConfig.WithMessage("unsupported backend %q", r.Backend)
	}

	if r.ShortLived() {
		if r.AutoSnapshotBucket == "" {
			return notDefined("auto_snapshot_bucket")
		}
	} else if r.Bucket == "" {
		return notDefined("bucket")
	}

	if r.Backend == BackendS3 && !r.ShortLived() {
		if r.AccessKeyID == "" {
			return notDefined("access_key_id")
		}
		if r.SecretAccessKey == "" {
			return notDefined("secret_access_key")
		}
	}
	if r.Backend == BackendAzure && r.AzureAccountURL == "" && r.AzureConnectionString == "" {
		return notDefined("azure_account_url")
	}

	if r.ChunkSize < MinChunkSize || r.ChunkSize > MaxChunkSize {
		return snaperr.ErrInvalidConfig.WithMessage("chunk_size %s must be between %s and %s",
			r.ChunkSize, ByteSize(MinChunkSize), ByteSize(MaxChunkSize))
	}
	if r.RefreshGuard <= 0 {
		return snaperr.ErrInvalidConfig.WithMessage("refresh_guard must be positive")
	}
	if r.RefreshAttempts < 1 {
		return snaperr.ErrInvalidConfig.WithMessage("refresh_attempts must be at least 1")
	}
	if r.DeleteChunkSize < 1 || r.DeleteChunkSize > 1000 {
		return snaperr.ErrInvalidConfig.WithMessage("delete_chunk_size must be between 1 and 1000")
	}
	if r.ListPageSize < 1 || r.ListPageSize > 1000 {
		return snaperr.ErrInvalidConfig.WithMessage("list_page_size must be between 1 and 1000")
	}
	return nil
}

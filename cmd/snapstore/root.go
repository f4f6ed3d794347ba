package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/bleepstore/snapstore/internal/config"
	"github.com/bleepstore/snapstore/internal/logging"
	"github.com/bleepstore/snapstore/internal/repository"
	"github.com/bleepstore/snapstore/internal/telemetry"
)

// stringSettings are the settings that flags and SNAPSTORE_* environment
// variables may override, keyed by their dotted config path.
var stringSettings = []string{
	"repository.backend",
	"repository.endpoint",
	"repository.region",
	"repository.bucket",
	"repository.auto_snapshot_bucket",
	"repository.base_path",
	"repository.access_key_id",
	"repository.secret_access_key",
	"repository.security_token",
	"repository.ecs_ram_role",
	"repository.metadata_url",
	"repository.gcp_project",
	"repository.azure_account_url",
	"repository.azure_connection_string",
	"repository.local_root",
	"repository.sqlite_path",
	"logging.level",
	"logging.format",
	"server.host",
	"telemetry.endpoint",
}

// app carries state shared by every subcommand.
type app struct {
	v        *viper.Viper
	cfg      *config.Config
	logger   *slog.Logger
	shutdown telemetry.ShutdownFunc
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:           "snapstore",
		Short:         "Snapshot repository blob storage client",
		Long:          "snapstore stores, lists, moves and deletes snapshot blobs in an object-storage bucket,\nrefreshing short-lived credentials as they expire.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.shutdown == nil {
				return nil
			}
			return a.shutdown(context.Background())
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "snapstore.yaml", "path to configuration file")
	flags.String("backend", "", "storage backend: s3, gcs, azure, local, memory, sqlite")
	flags.String("bucket", "", "bucket name")
	flags.String("base-path", "", "slash-separated key prefix for the repository")
	flags.String("endpoint", "", "S3-compatible endpoint URL")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: text, json")
	a.bind(flags, map[string]string{
		"config":               "config",
		"repository.backend":   "backend",
		"repository.bucket":    "bucket",
		"repository.base_path": "base-path",
		"repository.endpoint":  "endpoint",
		"logging.level":        "log-level",
		"logging.format":       "log-format",
	})

	a.v.SetEnvPrefix("SNAPSTORE")
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()

	root.AddCommand(
		newListCmd(a),
		newGetCmd(a),
		newPutCmd(a),
		newRemoveCmd(a),
		newMoveCmd(a),
		newRemoveDirCmd(a),
		newRefreshCmd(a),
		newServeCmd(a),
	)
	return root
}

func (a *app) bind(flags *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := a.v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("binding flag %s: %v", name, err))
		}
	}
}

// init loads configuration, applies overrides and sets up logging and tracing.
func (a *app) init(ctx context.Context) error {
	cfg, err := config.Load(a.v.GetString("config"))
	if errors.Is(err, fs.ErrNotExist) {
		cfg = config.Default()
	} else if err != nil {
		return err
	}
	a.applyOverrides(cfg)
	config.ApplyDefaults(cfg)
	a.cfg = cfg

	a.logger = logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	a.shutdown, err = telemetry.Init(ctx, cfg.Telemetry, version, os.Stderr)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	return nil
}

// applyOverrides copies flag and environment values over the loaded file.
// Only settings that were explicitly given replace file values.
func (a *app) applyOverrides(cfg *config.Config) {
	targets := map[string]*string{
		"repository.backend":                 &cfg.Repository.Backend,
		"repository.endpoint":                &cfg.Repository.Endpoint,
		"repository.region":                  &cfg.Repository.Region,
		"repository.bucket":                  &cfg.Repository.Bucket,
		"repository.auto_snapshot_bucket":    &cfg.Repository.AutoSnapshotBucket,
		"repository.base_path":               &cfg.Repository.BasePath,
		"repository.access_key_id":           &cfg.Repository.AccessKeyID,
		"repository.secret_access_key":       &cfg.Repository.SecretAccessKey,
		"repository.security_token":          &cfg.Repository.SecurityToken,
		"repository.ecs_ram_role":            &cfg.Repository.ECSRAMRole,
		"repository.metadata_url":            &cfg.Repository.MetadataURL,
		"repository.gcp_project":             &cfg.Repository.GCPProject,
		"repository.azure_account_url":       &cfg.Repository.AzureAccountURL,
		"repository.azure_connection_string": &cfg.Repository.AzureConnectionString,
		"repository.local_root":              &cfg.Repository.LocalRoot,
		"repository.sqlite_path":             &cfg.Repository.SQLitePath,
		"logging.level":                      &cfg.Logging.Level,
		"logging.format":                     &cfg.Logging.Format,
		"server.host":                        &cfg.Server.Host,
		"telemetry.endpoint":                 &cfg.Telemetry.Endpoint,
	}
	for _, key := range stringSettings {
		if s := a.v.GetString(key); s != "" {
			*targets[key] = s
		}
	}
	if port := a.v.GetInt("server.port"); port != 0 {
		cfg.Server.Port = port
	}
	if a.v.IsSet("repository.path_style") {
		cfg.Repository.PathStyle = a.v.GetBool("repository.path_style")
	}
	if a.v.IsSet("telemetry.enabled") {
		cfg.Telemetry.Enabled = a.v.GetBool("telemetry.enabled")
	}
}

// openRepository opens the configured repository.
func (a *app) openRepository(ctx context.Context) (*repository.Repository, error) {
	return repository.Open(ctx, a.cfg.Repository, a.logger)
}

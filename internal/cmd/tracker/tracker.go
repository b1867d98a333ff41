// Package tracker wires configuration into the tracker server.
package tracker

import (
	"context"
	"flag"

	entrypoint "github.com/louisbranch/waypost/internal/platform/cmd"
	server "github.com/louisbranch/waypost/internal/services/tracker/app"
)

// ParseConfig loads the environment configuration and layers flag
// overrides on top.
func ParseConfig(fs *flag.FlagSet, args []string) (server.Config, error) {
	cfg, err := server.LoadConfigFromEnv()
	if err != nil {
		return server.Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.BlobDir, "blob-dir", cfg.BlobDir, "filesystem blob store directory")
	fs.StringVar(&cfg.ViewBaseURL, "view-base-url", cfg.ViewBaseURL, "dashboard base URL for run view links")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return server.Config{}, err
	}
	return cfg, nil
}

// Run starts the tracker server.
func Run(ctx context.Context, cfg server.Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceTracker, func(context.Context) error {
		return server.Run(ctx, cfg)
	})
}

// Package web wires configuration into the dashboard server.
package web

import (
	"context"
	"flag"

	entrypoint "github.com/louisbranch/waypost/internal/platform/cmd"
	server "github.com/louisbranch/waypost/internal/services/web/app"
)

// ParseConfig loads the environment configuration and layers flag
// overrides on top.
func ParseConfig(fs *flag.FlagSet, args []string) (server.Config, error) {
	cfg, err := server.LoadConfigFromEnv()
	if err != nil {
		return server.Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address")
	fs.StringVar(&cfg.TrackerURL, "tracker-url", cfg.TrackerURL, "tracker API base URL")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return server.Config{}, err
	}
	return cfg, nil
}

// Run starts the web server.
func Run(ctx context.Context, cfg server.Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceWeb, func(context.Context) error {
		return server.Run(ctx, cfg)
	})
}

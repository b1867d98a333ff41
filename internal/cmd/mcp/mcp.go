// Package mcp wires configuration into the MCP stdio server.
package mcp

import (
	"context"
	"flag"

	entrypoint "github.com/louisbranch/waypost/internal/platform/cmd"
	"github.com/louisbranch/waypost/internal/services/mcp/service"
)

type mcpEnv struct {
	TrackerURL string `env:"WAYPOST_TRACKER_URL" envDefault:"http://localhost:8080"`
	APIKey     string `env:"WAYPOST_API_KEY"`
}

// ParseConfig loads the environment configuration and layers flag
// overrides on top.
func ParseConfig(fs *flag.FlagSet, args []string) (service.Config, error) {
	var env mcpEnv
	if err := entrypoint.ParseConfig(&env); err != nil {
		return service.Config{}, err
	}
	cfg := service.Config{TrackerURL: env.TrackerURL, APIKey: env.APIKey}

	fs.StringVar(&cfg.TrackerURL, "tracker-url", cfg.TrackerURL, "tracker API base URL")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return service.Config{}, err
	}
	return cfg, nil
}

// Run starts the MCP server on stdio.
func Run(ctx context.Context, cfg service.Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceMCP, func(context.Context) error {
		return service.Run(ctx, cfg)
	})
}

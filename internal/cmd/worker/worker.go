// Package worker wires configuration into the sync worker.
package worker

import (
	"context"
	"flag"

	entrypoint "github.com/louisbranch/waypost/internal/platform/cmd"
	workerapp "github.com/louisbranch/waypost/internal/services/worker/app"
)

// ParseConfig loads the environment configuration and layers flag
// overrides on top.
func ParseConfig(fs *flag.FlagSet, args []string) (workerapp.RuntimeConfig, error) {
	cfg, err := workerapp.LoadConfigFromEnv()
	if err != nil {
		return workerapp.RuntimeConfig{}, err
	}

	fs.StringVar(&cfg.TrackerURL, "tracker-url", cfg.TrackerURL, "local tracker base URL")
	fs.StringVar(&cfg.SpaceURL, "space-url", cfg.SpaceURL, "hosted space base URL")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "SQLite attempt ledger path")
	fs.StringVar(&cfg.Origin, "origin", cfg.Origin, "origin label stamped on pushed runs")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "pause between pending-run sweeps")
	fs.IntVar(&cfg.BatchLimit, "batch-limit", cfg.BatchLimit, "max pending runs claimed per sweep")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "push attempts before a run goes dead")
	fs.DurationVar(&cfg.RetryBackoff, "retry-backoff", cfg.RetryBackoff, "base delay between push retries")
	fs.DurationVar(&cfg.RetryMaxDelay, "retry-max-delay", cfg.RetryMaxDelay, "cap on the retry delay")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return workerapp.RuntimeConfig{}, err
	}
	return cfg, nil
}

// Run starts the sync worker.
func Run(ctx context.Context, cfg workerapp.RuntimeConfig) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceWorker, func(context.Context) error {
		return workerapp.Run(ctx, cfg)
	})
}

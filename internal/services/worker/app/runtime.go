package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/louisbranch/waypost/internal/platform/config"
	"github.com/louisbranch/waypost/internal/platform/logging"
	"github.com/louisbranch/waypost/internal/services/worker/domain"
	"github.com/louisbranch/waypost/internal/services/worker/storage"
	"github.com/louisbranch/waypost/internal/services/worker/storage/sqlite"
	"github.com/louisbranch/waypost/internal/space"
	"github.com/louisbranch/waypost/internal/trackerclient"
)

// RuntimeConfig controls worker startup, dependencies, and loop behavior.
type RuntimeConfig struct {
	TrackerURL string
	APIKey     string
	SpaceURL   string
	SpaceToken string
	DBPath     string
	// Origin names this tracker on the space. Defaults to the hostname.
	Origin           string
	PollInterval     time.Duration
	BatchLimit       int
	MaxAttempts      int
	RetryBackoff     time.Duration
	RetryMaxDelay    time.Duration
	AttemptRetention time.Duration
	PruneInterval    time.Duration
}

type workerEnv struct {
	TrackerURL       string        `env:"WAYPOST_TRACKER_URL"            envDefault:"http://localhost:8080"`
	APIKey           string        `env:"WAYPOST_API_KEY"`
	SpaceURL         string        `env:"WAYPOST_SPACE_URL"`
	SpaceToken       string        `env:"WAYPOST_SPACE_TOKEN"`
	DBPath           string        `env:"WAYPOST_WORKER_DB_PATH"`
	Origin           string        `env:"WAYPOST_SYNC_ORIGIN"`
	PollInterval     time.Duration `env:"WAYPOST_SYNC_POLL_INTERVAL"     envDefault:"30s"`
	BatchLimit       int           `env:"WAYPOST_SYNC_BATCH_LIMIT"       envDefault:"20"`
	MaxAttempts      int           `env:"WAYPOST_SYNC_MAX_ATTEMPTS"      envDefault:"5"`
	RetryBackoff     time.Duration `env:"WAYPOST_SYNC_RETRY_BACKOFF"     envDefault:"1m"`
	RetryMaxDelay    time.Duration `env:"WAYPOST_SYNC_RETRY_MAX_DELAY"   envDefault:"30m"`
	AttemptRetention time.Duration `env:"WAYPOST_SYNC_ATTEMPT_RETENTION" envDefault:"720h"`
	PruneInterval    time.Duration `env:"WAYPOST_SYNC_PRUNE_INTERVAL"    envDefault:"6h"`
}

// LoadConfigFromEnv loads worker configuration from environment variables.
func LoadConfigFromEnv() (RuntimeConfig, error) {
	var raw workerEnv
	if err := config.ParseEnv(&raw); err != nil {
		return RuntimeConfig{}, err
	}
	return RuntimeConfig{
		TrackerURL:       strings.TrimSpace(raw.TrackerURL),
		APIKey:           strings.TrimSpace(raw.APIKey),
		SpaceURL:         strings.TrimSpace(raw.SpaceURL),
		SpaceToken:       strings.TrimSpace(raw.SpaceToken),
		DBPath:           strings.TrimSpace(raw.DBPath),
		Origin:           strings.TrimSpace(raw.Origin),
		PollInterval:     raw.PollInterval,
		BatchLimit:       raw.BatchLimit,
		MaxAttempts:      raw.MaxAttempts,
		RetryBackoff:     raw.RetryBackoff,
		RetryMaxDelay:    raw.RetryMaxDelay,
		AttemptRetention: raw.AttemptRetention,
		PruneInterval:    raw.PruneInterval,
	}, nil
}

// Run starts worker runtime dependencies and the sync loop, blocking until
// the context ends.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(cfg.TrackerURL) == "" {
		return fmt.Errorf("tracker url is required")
	}
	if strings.TrimSpace(cfg.SpaceURL) == "" {
		return fmt.Errorf("space url is required; set %s", space.EnvSpaceURL)
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join("data", "worker.db")
	}
	if strings.TrimSpace(cfg.Origin) == "" {
		if hostname, err := os.Hostname(); err == nil {
			cfg.Origin = hostname
		}
	}

	logger, err := logging.New("worker")
	if err != nil {
		return err
	}
	defer logging.Sync(logger)

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create worker storage dir: %w", err)
		}
	}
	ledger, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open worker sqlite store: %w", err)
	}
	defer func() {
		if closeErr := ledger.Close(); closeErr != nil {
			logger.Warn("close worker sqlite store", zap.Error(closeErr))
		}
	}()

	tracker := trackerclient.New(cfg.TrackerURL, cfg.APIKey, nil)
	remote, err := space.New(cfg.SpaceURL, cfg.SpaceToken, nil)
	if err != nil {
		return err
	}

	loop, err := New(tracker, remote, ledger, Config{
		Origin:       cfg.Origin,
		PollInterval: cfg.PollInterval,
		BatchLimit:   cfg.BatchLimit,
		Retry: domain.RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			Backoff:     cfg.RetryBackoff,
			MaxDelay:    cfg.RetryMaxDelay,
		},
	}, logger)
	if err != nil {
		return err
	}

	if cfg.PruneInterval > 0 && cfg.AttemptRetention > 0 {
		go pruneLedger(ctx, ledger, cfg.PruneInterval, cfg.AttemptRetention, logger)
	}

	logger.Info("sync worker started",
		zap.String("tracker_url", tracker.BaseURL()),
		zap.String("space_url", remote.BaseURL()),
		zap.String("origin", cfg.Origin))
	return loop.Run(ctx)
}

// pruneLedger trims old attempt records on a timer so the ledger file does
// not grow without bound.
func pruneLedger(ctx context.Context, ledger storage.AttemptStore, interval, retention time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := ledger.PruneAttempts(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Warn("prune attempt ledger", zap.Error(err))
				continue
			}
			if pruned > 0 {
				logger.Info("pruned attempt ledger", zap.Int64("attempts", pruned))
			}
		}
	}
}

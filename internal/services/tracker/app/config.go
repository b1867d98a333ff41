package server

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/waypost/internal/platform/config"
	"github.com/louisbranch/waypost/internal/services/tracker/blob"
	"github.com/louisbranch/waypost/internal/sharegrant"
)

// Blob backends the tracker can store artifact payloads in.
const (
	BlobBackendFS    = "fs"
	BlobBackendMinio = "minio"
)

// Config holds the tracker server configuration.
type Config struct {
	HTTPAddr    string
	DBPath      string
	BlobBackend string
	BlobDir     string
	Minio       blob.MinioConfig
	// ViewBaseURL is the dashboard base for run view links, such as
	// "https://waypost.example.com".
	ViewBaseURL      string
	MaxArtifactBytes int64
	RunIdleTimeout   time.Duration
	ReapInterval     time.Duration
	// TelemetryRetention is how far back telemetry events are kept.
	TelemetryRetention time.Duration
	PruneInterval      time.Duration
	// ShareGrants enables read access through signed share grants. Nil
	// leaves grants disabled.
	ShareGrants *sharegrant.VerifierConfig
}

// trackerEnv holds raw env values before post-parse validation.
type trackerEnv struct {
	HTTPAddr           string        `env:"WAYPOST_TRACKER_HTTP_ADDR"`
	DBPath             string        `env:"WAYPOST_TRACKER_DB_PATH"`
	BlobBackend        string        `env:"WAYPOST_TRACKER_BLOB_BACKEND"`
	BlobDir            string        `env:"WAYPOST_TRACKER_BLOB_DIR"`
	MinioEndpoint      string        `env:"WAYPOST_MINIO_ENDPOINT"`
	MinioAccessKey     string        `env:"WAYPOST_MINIO_ACCESS_KEY"`
	MinioSecretKey     string        `env:"WAYPOST_MINIO_SECRET_KEY"`
	MinioBucket        string        `env:"WAYPOST_MINIO_BUCKET"         envDefault:"waypost-artifacts"`
	MinioUseSSL        bool          `env:"WAYPOST_MINIO_USE_SSL"`
	ViewBaseURL        string        `env:"WAYPOST_VIEW_BASE_URL"`
	MaxArtifactBytes   int64         `env:"WAYPOST_MAX_ARTIFACT_BYTES"`
	RunIdleTimeout     time.Duration `env:"WAYPOST_RUN_IDLE_TIMEOUT"     envDefault:"6h"`
	ReapInterval       time.Duration `env:"WAYPOST_REAP_INTERVAL"        envDefault:"10m"`
	TelemetryRetention time.Duration `env:"WAYPOST_TELEMETRY_RETENTION"  envDefault:"336h"`
	PruneInterval      time.Duration `env:"WAYPOST_PRUNE_INTERVAL"       envDefault:"1h"`
	SharePublicKey     string        `env:"WAYPOST_SHARE_GRANT_PUBLIC_KEY"`
}

// LoadConfigFromEnv loads tracker configuration from environment variables.
// Share grant verification is enabled only when a public key is configured.
func LoadConfigFromEnv() (Config, error) {
	var raw trackerEnv
	if err := config.ParseEnv(&raw); err != nil {
		return Config{}, err
	}

	cfg := Config{
		HTTPAddr:    strings.TrimSpace(raw.HTTPAddr),
		DBPath:      strings.TrimSpace(raw.DBPath),
		BlobBackend: strings.ToLower(strings.TrimSpace(raw.BlobBackend)),
		BlobDir:     strings.TrimSpace(raw.BlobDir),
		Minio: blob.MinioConfig{
			Endpoint:  raw.MinioEndpoint,
			AccessKey: raw.MinioAccessKey,
			SecretKey: raw.MinioSecretKey,
			Bucket:    raw.MinioBucket,
			UseSSL:    raw.MinioUseSSL,
		},
		ViewBaseURL:        raw.ViewBaseURL,
		MaxArtifactBytes:   raw.MaxArtifactBytes,
		RunIdleTimeout:     raw.RunIdleTimeout,
		ReapInterval:       raw.ReapInterval,
		TelemetryRetention: raw.TelemetryRetention,
		PruneInterval:      raw.PruneInterval,
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = "localhost:8080"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join("data", "tracker.db")
	}
	if cfg.BlobBackend == "" {
		cfg.BlobBackend = BlobBackendFS
	}
	if cfg.BlobDir == "" {
		cfg.BlobDir = filepath.Join("data", "blobs")
	}
	if cfg.BlobBackend != BlobBackendFS && cfg.BlobBackend != BlobBackendMinio {
		return Config{}, fmt.Errorf("unknown blob backend %q", cfg.BlobBackend)
	}

	if strings.TrimSpace(raw.SharePublicKey) != "" {
		verifier, err := sharegrant.LoadVerifierConfigFromEnv(nil)
		if err != nil {
			return Config{}, err
		}
		cfg.ShareGrants = &verifier
	}
	return cfg, nil
}

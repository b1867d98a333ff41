package server

import (
	"strings"
	"time"

	"github.com/louisbranch/waypost/internal/platform/config"
	"github.com/louisbranch/waypost/internal/sharegrant"
)

// Config holds the web server configuration.
type Config struct {
	HTTPAddr string
	// TrackerURL is the tracker API base every page reads through.
	TrackerURL string
	// APIKey authenticates the dashboard against the tracker. Read scope
	// is enough.
	APIKey string
	// PasswordHash is a bcrypt hash. When set, pages require a login.
	PasswordHash string
	SessionTTL   time.Duration
	// ShareGrants enables read access through signed share links. Nil
	// leaves them disabled.
	ShareGrants *sharegrant.VerifierConfig
}

// webEnv holds raw env values before post-parse validation.
type webEnv struct {
	HTTPAddr       string        `env:"WAYPOST_WEB_HTTP_ADDR"`
	TrackerURL     string        `env:"WAYPOST_TRACKER_URL"       envDefault:"http://localhost:8080"`
	APIKey         string        `env:"WAYPOST_API_KEY"`
	PasswordHash   string        `env:"WAYPOST_WEB_PASSWORD_HASH"`
	SessionTTL     time.Duration `env:"WAYPOST_WEB_SESSION_TTL"   envDefault:"12h"`
	SharePublicKey string        `env:"WAYPOST_SHARE_GRANT_PUBLIC_KEY"`
}

// LoadConfigFromEnv loads web configuration from environment variables.
// Share grant verification is enabled only when a public key is
// configured.
func LoadConfigFromEnv() (Config, error) {
	var raw webEnv
	if err := config.ParseEnv(&raw); err != nil {
		return Config{}, err
	}

	cfg := Config{
		HTTPAddr:     strings.TrimSpace(raw.HTTPAddr),
		TrackerURL:   strings.TrimSpace(raw.TrackerURL),
		APIKey:       strings.TrimSpace(raw.APIKey),
		PasswordHash: strings.TrimSpace(raw.PasswordHash),
		SessionTTL:   raw.SessionTTL,
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = "localhost:8090"
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

// Package apikey mints tracker API keys directly against the store.
//
// The tracker's key endpoints require an admin key, which does not exist
// on a fresh install. This tool opens the database itself so the first
// key can be bootstrapped; later keys can come through the API.
package apikey

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"

	"github.com/louisbranch/waypost/internal/platform/config"
	"github.com/louisbranch/waypost/internal/services/tracker/domain"
	"github.com/louisbranch/waypost/internal/services/tracker/storage/sqlite"
)

// Config holds API key minting configuration.
type Config struct {
	DBPath string
	Name   string
	Scopes string
}

type envConfig struct {
	DBPath string `env:"WAYPOST_TRACKER_DB_PATH"`
}

// ParseConfig parses env and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var envCfg envConfig
	if err := config.ParseEnv(&envCfg); err != nil {
		return Config{}, err
	}

	cfg := Config{
		DBPath: envCfg.DBPath,
		Name:   "bootstrap",
		Scopes: "write,read,admin",
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join("data", "tracker.db")
	}

	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "path to the tracker sqlite database (default: WAYPOST_TRACKER_DB_PATH or data/tracker.db)")
	fs.StringVar(&cfg.Name, "name", cfg.Name, "key name recorded with the credential")
	fs.StringVar(&cfg.Scopes, "scopes", cfg.Scopes, "comma-separated scopes (write, read, admin)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// keyStore is the slice of the tracker store the tool needs.
type keyStore interface {
	CreateAPIKey(ctx context.Context, key domain.APIKey) error
	Close() error
}

// Run mints the key and writes the secret to out as an env assignment.
// Key metadata goes to errOut so stdout stays safe to eval.
func Run(ctx context.Context, cfg Config, out, errOut io.Writer) error {
	if out == nil {
		return errors.New("output is required")
	}
	if errOut == nil {
		errOut = io.Discard
	}
	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open tracker store: %w", err)
	}
	return runWithStore(ctx, cfg, store, out, errOut)
}

// runWithStore contains the minting logic with an injectable store. It
// owns the store lifecycle.
func runWithStore(ctx context.Context, cfg Config, store keyStore, out, errOut io.Writer) error {
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(errOut, "Error: close tracker store: %v\n", err)
		}
	}()

	scopes, err := domain.ParseScopes(cfg.Scopes)
	if err != nil {
		return err
	}
	key, secret, err := domain.NewAPIKey(cfg.Name, scopes, nil, nil)
	if err != nil {
		return err
	}
	if err := store.CreateAPIKey(ctx, key); err != nil {
		return fmt.Errorf("store api key: %w", err)
	}

	fmt.Fprintf(errOut, "minted key %s (%s) scopes %s\n", key.ID, key.Name, domain.JoinScopes(key.Scopes))
	_, err = fmt.Fprintf(out, "WAYPOST_API_KEY=%s\n", secret)
	return err
}

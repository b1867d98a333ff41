package tracker

import (
	"flag"
	"testing"
)

func TestParseConfigDefaults(t *testing.T) {
	t.Setenv("WAYPOST_TRACKER_HTTP_ADDR", "")
	t.Setenv("WAYPOST_TRACKER_BLOB_BACKEND", "")

	fs := flag.NewFlagSet("tracker", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != "localhost:8080" {
		t.Fatalf("expected default http addr, got %q", cfg.HTTPAddr)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("WAYPOST_TRACKER_HTTP_ADDR", "env-addr:1")

	fs := flag.NewFlagSet("tracker", flag.ContinueOnError)
	args := []string{"-http-addr", "flag-addr:2", "-db-path", "custom.db"}
	cfg, err := ParseConfig(fs, args)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != "flag-addr:2" {
		t.Fatalf("expected flag http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.DBPath != "custom.db" {
		t.Fatalf("expected flag db path, got %q", cfg.DBPath)
	}
}

package server

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		HTTPAddr:   "127.0.0.1:0",
		TrackerURL: "http://localhost:8080",
	}
}

// TestServeStopsOnContext verifies the server serves and stops on cancel.
func TestServeStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := New(testConfig())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ctx)
	}()

	resp, err := http.Get("http://" + server.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("healthz = %d, want 204", resp.StatusCode)
	}

	cancel()

	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop in time")
	}
}

func TestNewRequiresTrackerURL(t *testing.T) {
	cfg := testConfig()
	cfg.TrackerURL = ""
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error without a tracker url")
	}
}

// TestNewFailsWhenAddrBusy verifies New reports an occupied address.
func TestNewFailsWhenAddrBusy(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	cfg := testConfig()
	cfg.HTTPAddr = listener.Addr().String()
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error when address is already in use")
	}
}

func TestLoadConfigFromEnvDefaults(t *testing.T) {
	t.Setenv("WAYPOST_WEB_HTTP_ADDR", "")
	t.Setenv("WAYPOST_TRACKER_URL", "")
	t.Setenv("WAYPOST_API_KEY", "tk_test")
	t.Setenv("WAYPOST_WEB_PASSWORD_HASH", "")
	t.Setenv("WAYPOST_WEB_SESSION_TTL", "")
	t.Setenv("WAYPOST_SHARE_GRANT_PUBLIC_KEY", "")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HTTPAddr != "localhost:8090" {
		t.Fatalf("http addr = %q", cfg.HTTPAddr)
	}
	if cfg.TrackerURL != "http://localhost:8080" {
		t.Fatalf("tracker url = %q", cfg.TrackerURL)
	}
	if cfg.APIKey != "tk_test" {
		t.Fatalf("api key = %q", cfg.APIKey)
	}
	if cfg.SessionTTL != 12*time.Hour {
		t.Fatalf("session ttl = %v", cfg.SessionTTL)
	}
	if cfg.ShareGrants != nil {
		t.Fatal("share grants enabled without a public key")
	}
}

package doctor

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/waypost/internal/services/tracker/api/rest"
	"github.com/louisbranch/waypost/internal/services/tracker/blob"
	"github.com/louisbranch/waypost/internal/services/tracker/domain"
	"github.com/louisbranch/waypost/internal/services/tracker/storage/sqlite"
	"github.com/louisbranch/waypost/internal/trackerclient"
	"github.com/louisbranch/waypost/internal/version"
)

func startTracker(t *testing.T, opts rest.Options) (*httptest.Server, *sqlite.Store) {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "tracker.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	blobs, err := blob.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("open blob store: %v", err)
	}
	api, err := rest.NewServer(rest.Stores{
		Projects:   store,
		Runs:       store,
		Metrics:    store,
		Keys:       store,
		Artifacts:  store,
		Manifests:  store,
		Telemetry:  store,
		Statistics: store,
	}, blobs, opts)
	if err != nil {
		t.Fatalf("new api server: %v", err)
	}

	mux := http.NewServeMux()
	api.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, store
}

func mintSecret(t *testing.T, store *sqlite.Store, scopes ...domain.Scope) (domain.APIKey, string) {
	t.Helper()
	key, secret, err := domain.NewAPIKey("doctor-test-key", scopes, nil, nil)
	if err != nil {
		t.Fatalf("mint key: %v", err)
	}
	if err := store.CreateAPIKey(context.Background(), key); err != nil {
		t.Fatalf("store key: %v", err)
	}
	return key, secret
}

func findCheck(t *testing.T, rep report, name string) check {
	t.Helper()
	for _, c := range rep.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %q not in report %+v", name, rep)
	return check{}
}

func TestParseConfigDefaults(t *testing.T) {
	t.Setenv("WAYPOST_BASE_URL", "")
	t.Setenv("WAYPOST_API_KEY", "")

	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.BaseURL != "http://localhost:8080" {
		t.Fatalf("base url = %q, want the local default", cfg.BaseURL)
	}
	if cfg.IdleThreshold != 6*time.Hour {
		t.Fatalf("idle threshold = %v, want the reap default", cfg.IdleThreshold)
	}

	fs = flag.NewFlagSet("doctor", flag.ContinueOnError)
	cfg, err = ParseConfig(fs, []string{"-base-url", "http://tracker:9999", "-idle-threshold", "30m", "-json"})
	if err != nil {
		t.Fatalf("parse config with flags: %v", err)
	}
	if cfg.BaseURL != "http://tracker:9999" || cfg.IdleThreshold != 30*time.Minute || !cfg.JSONOutput {
		t.Fatalf("cfg = %+v, want flag overrides", cfg)
	}
}

func TestRunRequiresOutput(t *testing.T) {
	err := Run(context.Background(), Config{BaseURL: "http://localhost:8080", IdleThreshold: time.Hour}, nil)
	if err == nil || !strings.Contains(err.Error(), "output is required") {
		t.Fatalf("err = %v, want an output error", err)
	}
}

func TestRunReportsHealthySetup(t *testing.T) {
	ts, store := startTracker(t, rest.Options{})
	_, secret := mintSecret(t, store, domain.ScopeRead)

	cfg := Config{BaseURL: ts.URL, APIKey: secret, IdleThreshold: time.Hour}
	out := &bytes.Buffer{}
	if err := Run(context.Background(), cfg, out); err != nil {
		t.Fatalf("run: %v", err)
	}
	text := out.String()
	if strings.Contains(text, "FAIL") {
		t.Fatalf("output = %q, want no failures", text)
	}
	if !strings.Contains(text, "waypost pinned at "+version.Server) {
		t.Fatalf("output = %q, want the default manifest pin", text)
	}

	cfg.JSONOutput = true
	out.Reset()
	if err := Run(context.Background(), cfg, out); err != nil {
		t.Fatalf("run json: %v", err)
	}
	var rep report
	if err := json.Unmarshal(out.Bytes(), &rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if len(rep.Checks) != 5 || rep.Failed != 0 {
		t.Fatalf("report = %+v, want five passing checks", rep)
	}
}

func TestRunFlagsMissingKey(t *testing.T) {
	ts, _ := startTracker(t, rest.Options{})

	cfg := Config{BaseURL: ts.URL, IdleThreshold: time.Hour, JSONOutput: true}
	out := &bytes.Buffer{}
	err := Run(context.Background(), cfg, out)
	if err == nil {
		t.Fatal("expected failure without a key")
	}
	var rep report
	if err := json.Unmarshal(out.Bytes(), &rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	got := findCheck(t, rep, "api key accepted")
	if got.OK || !strings.Contains(got.Detail, "WAYPOST_API_KEY is not set") {
		t.Fatalf("check = %+v", got)
	}
}

func TestRunFlagsRevokedKey(t *testing.T) {
	ts, store := startTracker(t, rest.Options{})
	key, secret := mintSecret(t, store, domain.ScopeRead)
	if err := store.RevokeAPIKey(context.Background(), key.ID, time.Now().UTC()); err != nil {
		t.Fatalf("revoke key: %v", err)
	}

	cfg := Config{BaseURL: ts.URL, APIKey: secret, IdleThreshold: time.Hour, JSONOutput: true}
	out := &bytes.Buffer{}
	if err := Run(context.Background(), cfg, out); err == nil {
		t.Fatal("expected failure with a revoked key")
	}
	var rep report
	if err := json.Unmarshal(out.Bytes(), &rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	got := findCheck(t, rep, "api key accepted")
	if got.OK || !strings.Contains(got.Detail, "revoked") {
		t.Fatalf("check = %+v", got)
	}
}

func TestRunFlagsStaleManifestPin(t *testing.T) {
	ts, store := startTracker(t, rest.Options{})
	_, secret := mintSecret(t, store, domain.ScopeAdmin)
	admin := trackerclient.New(ts.URL, secret, nil)
	if _, err := admin.WriteManifest(context.Background(), "waypost==0.1.0\n", time.Time{}); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	cfg := Config{BaseURL: ts.URL, APIKey: secret, IdleThreshold: time.Hour, JSONOutput: true}
	out := &bytes.Buffer{}
	err := Run(context.Background(), cfg, out)
	if err == nil || err.Error() != "1 of 5 checks failed" {
		t.Fatalf("err = %v, want one failing check", err)
	}
	var rep report
	if err := json.Unmarshal(out.Bytes(), &rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	got := findCheck(t, rep, "space manifest")
	if got.OK || !strings.Contains(got.Detail, "behind client") {
		t.Fatalf("check = %+v", got)
	}
}

func TestRunFlagsStalledRun(t *testing.T) {
	past := time.Now().Add(-48 * time.Hour)
	ts, store := startTracker(t, rest.Options{Clock: func() time.Time { return past }})
	_, secret := mintSecret(t, store, domain.ScopeWrite, domain.ScopeRead)

	writer := trackerclient.New(ts.URL, secret, nil)
	run, err := writer.CreateRun(context.Background(), trackerclient.CreateRunParams{
		Project:     "mnist",
		ClientRunID: "stalled-1",
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := writer.AppendMetrics(context.Background(), run.ID, []trackerclient.MetricPoint{
		{Name: "train/loss", Step: 0, Value: 2.4},
	}); err != nil {
		t.Fatalf("append metrics: %v", err)
	}

	cfg := Config{BaseURL: ts.URL, APIKey: secret, IdleThreshold: 6 * time.Hour}
	out := &bytes.Buffer{}
	err = Run(context.Background(), cfg, out)
	if err == nil || err.Error() != "1 of 5 checks failed" {
		t.Fatalf("err = %v, want one failing check", err)
	}
	if !strings.Contains(out.String(), "mnist/") || !strings.Contains(out.String(), "finish or abandon") {
		t.Fatalf("output = %q, want the stalled run flagged", out.String())
	}
}

func TestRunReportsUnreachableTracker(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	ts.Close()

	cfg := Config{BaseURL: ts.URL, APIKey: "tk_x", IdleThreshold: time.Hour}
	out := &bytes.Buffer{}
	err := Run(context.Background(), cfg, out)
	if err == nil || err.Error() != "5 of 5 checks failed" {
		t.Fatalf("err = %v, want every check failing", err)
	}
	if !strings.Contains(out.String(), "FAIL") {
		t.Fatalf("output = %q, want failure lines", out.String())
	}
}

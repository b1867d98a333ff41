// Package maintenance runs one-shot admin operations against a tracker.
//
// Every mode talks to the tracker API with an admin key, except -share,
// which mints a grant locally from the signer env. Exactly one mode runs
// per invocation.
package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/louisbranch/waypost/internal/platform/config"
	"github.com/louisbranch/waypost/internal/sharegrant"
	"github.com/louisbranch/waypost/internal/trackerclient"
)

// Config holds maintenance command configuration.
type Config struct {
	TrackerURL     string
	APIKey         string
	Timeout        time.Duration
	Reap           bool
	IdleTimeout    time.Duration
	Prune          bool
	Retention      time.Duration
	Stats          bool
	Keys           bool
	RevokeKeyID    string
	Telemetry      bool
	TelemetryLimit int
	ShareProjectID string
	ShareRunID     string
	ShareBaseURL   string
	JSONOutput     bool
}

type envConfig struct {
	TrackerURL string        `env:"WAYPOST_TRACKER_URL" envDefault:"http://localhost:8080"`
	APIKey     string        `env:"WAYPOST_API_KEY"`
	Timeout    time.Duration `env:"WAYPOST_MAINTENANCE_TIMEOUT" envDefault:"10m"`
}

// ParseConfig parses env and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var envCfg envConfig
	if err := config.ParseEnv(&envCfg); err != nil {
		return Config{}, err
	}

	cfg := Config{
		TrackerURL:     envCfg.TrackerURL,
		APIKey:         envCfg.APIKey,
		Timeout:        envCfg.Timeout,
		TelemetryLimit: 50,
	}

	fs.StringVar(&cfg.TrackerURL, "tracker-url", cfg.TrackerURL, "tracker base URL (default: WAYPOST_TRACKER_URL or http://localhost:8080)")
	fs.StringVar(&cfg.APIKey, "api-key", cfg.APIKey, "admin API key (default: WAYPOST_API_KEY)")
	fs.BoolVar(&cfg.Reap, "reap", false, "abandon active runs idle past the timeout")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", 0, "idle window for -reap (0 = tracker default)")
	fs.BoolVar(&cfg.Prune, "prune", false, "delete telemetry events past the retention window")
	fs.DurationVar(&cfg.Retention, "retention", 0, "retention window for -prune (0 = tracker default)")
	fs.BoolVar(&cfg.Stats, "stats", false, "print tracker entity counts")
	fs.BoolVar(&cfg.Keys, "keys", false, "list api keys")
	fs.StringVar(&cfg.RevokeKeyID, "revoke-key", "", "revoke the api key with this id")
	fs.BoolVar(&cfg.Telemetry, "telemetry", false, "list recent telemetry events")
	fs.IntVar(&cfg.TelemetryLimit, "telemetry-limit", cfg.TelemetryLimit, "max telemetry events to list")
	fs.StringVar(&cfg.ShareProjectID, "share", "", "mint a share grant for this project id (uses WAYPOST_SHARE_GRANT_* env)")
	fs.StringVar(&cfg.ShareRunID, "share-run", "", "narrow -share to one run id")
	fs.StringVar(&cfg.ShareBaseURL, "share-base-url", "", "dashboard base URL for a full share link")
	fs.BoolVar(&cfg.JSONOutput, "json", false, "output JSON reports")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run executes the maintenance command.
func Run(ctx context.Context, cfg Config, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}

	modes := 0
	for _, selected := range []bool{
		cfg.Reap,
		cfg.Prune,
		cfg.Stats,
		cfg.Keys,
		cfg.RevokeKeyID != "",
		cfg.Telemetry,
		cfg.ShareProjectID != "",
	} {
		if selected {
			modes++
		}
	}
	if modes == 0 {
		return errors.New("pick one mode: -reap, -prune, -stats, -keys, -revoke-key, -telemetry, or -share")
	}
	if modes > 1 {
		return errors.New("maintenance modes cannot be combined")
	}

	if cfg.IdleTimeout != 0 && !cfg.Reap {
		return errors.New("-idle-timeout requires -reap")
	}
	if cfg.IdleTimeout < 0 {
		return errors.New("-idle-timeout must be positive")
	}
	if cfg.Retention != 0 && !cfg.Prune {
		return errors.New("-retention requires -prune")
	}
	if cfg.Retention < 0 {
		return errors.New("-retention must be positive")
	}
	if cfg.Telemetry && cfg.TelemetryLimit <= 0 {
		return errors.New("-telemetry-limit must be > 0")
	}
	if cfg.ShareRunID != "" && cfg.ShareProjectID == "" {
		return errors.New("-share-run requires -share")
	}
	if cfg.ShareBaseURL != "" && cfg.ShareProjectID == "" {
		return errors.New("-share-base-url requires -share")
	}

	if cfg.ShareProjectID != "" {
		return runShare(cfg, out)
	}

	if strings.TrimSpace(cfg.TrackerURL) == "" {
		return errors.New("tracker url is required")
	}
	client := trackerclient.New(cfg.TrackerURL, cfg.APIKey, nil)
	return runWithClient(ctx, cfg, client, out)
}

// adminClient is the slice of the tracker client the API modes need.
type adminClient interface {
	ReapIdleRuns(ctx context.Context, idleTimeout time.Duration) (int, error)
	PruneTelemetry(ctx context.Context, retention time.Duration) (int64, error)
	Statistics(ctx context.Context) (trackerclient.Statistics, error)
	ListAPIKeys(ctx context.Context) ([]trackerclient.APIKeyInfo, error)
	RevokeAPIKey(ctx context.Context, keyID string) error
	TelemetryEvents(ctx context.Context, limit int) ([]trackerclient.TelemetryEvent, error)
}

func runWithClient(ctx context.Context, cfg Config, client adminClient, out io.Writer) error {
	switch {
	case cfg.Reap:
		return runReap(ctx, client, cfg.IdleTimeout, cfg.JSONOutput, out)
	case cfg.Prune:
		return runPrune(ctx, client, cfg.Retention, cfg.JSONOutput, out)
	case cfg.Stats:
		return runStats(ctx, client, cfg.JSONOutput, out)
	case cfg.Keys:
		return runKeys(ctx, client, cfg.JSONOutput, out)
	case cfg.RevokeKeyID != "":
		return runRevokeKey(ctx, client, cfg.RevokeKeyID, cfg.JSONOutput, out)
	case cfg.Telemetry:
		return runTelemetry(ctx, client, cfg.TelemetryLimit, cfg.JSONOutput, out)
	}
	return errors.New("no maintenance mode selected")
}

type reapReport struct {
	Mode   string `json:"mode"`
	Reaped int    `json:"reaped"`
}

func runReap(ctx context.Context, client adminClient, idleTimeout time.Duration, jsonOutput bool, out io.Writer) error {
	reaped, err := client.ReapIdleRuns(ctx, idleTimeout)
	if err != nil {
		return fmt.Errorf("reap idle runs: %w", err)
	}
	if jsonOutput {
		return writeReport(out, reapReport{Mode: "reap", Reaped: reaped})
	}
	_, err = fmt.Fprintf(out, "Reaped %d idle runs\n", reaped)
	return err
}

type pruneReport struct {
	Mode   string `json:"mode"`
	Pruned int64  `json:"pruned"`
}

func runPrune(ctx context.Context, client adminClient, retention time.Duration, jsonOutput bool, out io.Writer) error {
	pruned, err := client.PruneTelemetry(ctx, retention)
	if err != nil {
		return fmt.Errorf("prune telemetry: %w", err)
	}
	if jsonOutput {
		return writeReport(out, pruneReport{Mode: "prune", Pruned: pruned})
	}
	_, err = fmt.Fprintf(out, "Pruned %d telemetry events\n", pruned)
	return err
}

type statsReport struct {
	Mode  string                   `json:"mode"`
	Stats trackerclient.Statistics `json:"stats"`
}

func runStats(ctx context.Context, client adminClient, jsonOutput bool, out io.Writer) error {
	stats, err := client.Statistics(ctx)
	if err != nil {
		return fmt.Errorf("fetch statistics: %w", err)
	}
	if jsonOutput {
		return writeReport(out, statsReport{Mode: "stats", Stats: stats})
	}
	fmt.Fprintf(out, "Projects: %d\n", stats.ProjectCount)
	fmt.Fprintf(out, "Runs: %d (%d active)\n", stats.RunCount, stats.ActiveRunCount)
	_, err = fmt.Fprintf(out, "Metric points: %d\n", stats.MetricPointCount)
	return err
}

type keysReport struct {
	Mode string                     `json:"mode"`
	Keys []trackerclient.APIKeyInfo `json:"keys"`
}

func runKeys(ctx context.Context, client adminClient, jsonOutput bool, out io.Writer) error {
	keys, err := client.ListAPIKeys(ctx)
	if err != nil {
		return fmt.Errorf("list api keys: %w", err)
	}
	if jsonOutput {
		return writeReport(out, keysReport{Mode: "keys", Keys: keys})
	}
	if len(keys) == 0 {
		_, err = fmt.Fprintln(out, "No api keys")
		return err
	}
	for _, key := range keys {
		state := "active"
		if key.RevokedAt != nil {
			state = "revoked " + key.RevokedAt.UTC().Format(time.DateOnly)
		}
		if _, err := fmt.Fprintf(out, "%s  %s  %s  scopes=%s  %s\n",
			key.ID, key.Prefix, key.Name, strings.Join(key.Scopes, ","), state); err != nil {
			return err
		}
	}
	return nil
}

type revokeReport struct {
	Mode  string `json:"mode"`
	KeyID string `json:"key_id"`
}

func runRevokeKey(ctx context.Context, client adminClient, keyID string, jsonOutput bool, out io.Writer) error {
	if err := client.RevokeAPIKey(ctx, keyID); err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if jsonOutput {
		return writeReport(out, revokeReport{Mode: "revoke-key", KeyID: keyID})
	}
	_, err := fmt.Fprintf(out, "Revoked key %s\n", keyID)
	return err
}

type telemetryReport struct {
	Mode   string                         `json:"mode"`
	Events []trackerclient.TelemetryEvent `json:"events"`
}

func runTelemetry(ctx context.Context, client adminClient, limit int, jsonOutput bool, out io.Writer) error {
	events, err := client.TelemetryEvents(ctx, limit)
	if err != nil {
		return fmt.Errorf("list telemetry: %w", err)
	}
	if jsonOutput {
		return writeReport(out, telemetryReport{Mode: "telemetry", Events: events})
	}
	if len(events) == 0 {
		_, err = fmt.Fprintln(out, "No telemetry events")
		return err
	}
	for _, evt := range events {
		detail := evt.Detail
		if detail == "" {
			detail = "-"
		}
		if _, err := fmt.Fprintf(out, "%s  %-5s  %s  %s\n",
			evt.Timestamp.UTC().Format(time.RFC3339), evt.Severity, evt.EventName, detail); err != nil {
			return err
		}
	}
	return nil
}

type shareReport struct {
	Mode      string `json:"mode"`
	ProjectID string `json:"project_id"`
	RunID     string `json:"run_id,omitempty"`
	Grant     string `json:"grant"`
	URL       string `json:"url,omitempty"`
}

func runShare(cfg Config, out io.Writer) error {
	signer, err := sharegrant.LoadSignerConfigFromEnv()
	if err != nil {
		return err
	}
	grant, err := sharegrant.Sign(signer, cfg.ShareProjectID, cfg.ShareRunID, nil)
	if err != nil {
		return fmt.Errorf("sign share grant: %w", err)
	}

	url := ""
	if base := strings.TrimRight(strings.TrimSpace(cfg.ShareBaseURL), "/"); base != "" {
		url = base + "/share/" + grant
	}
	if cfg.JSONOutput {
		return writeReport(out, shareReport{
			Mode:      "share",
			ProjectID: cfg.ShareProjectID,
			RunID:     cfg.ShareRunID,
			Grant:     grant,
			URL:       url,
		})
	}
	if _, err := fmt.Fprintf(out, "Grant: %s\n", grant); err != nil {
		return err
	}
	if url != "" {
		if _, err := fmt.Fprintf(out, "URL: %s\n", url); err != nil {
			return err
		}
	}
	return nil
}

func writeReport(out io.Writer, report any) error {
	encoded, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	_, err = fmt.Fprintln(out, string(encoded))
	return err
}

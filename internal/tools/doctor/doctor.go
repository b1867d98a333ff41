// Package doctor diagnoses a client machine's waypost setup.
//
// It reads the same environment the SDK reads and checks the things that
// break quietly in practice: an unreachable or outdated tracker, a
// rejected key, a space manifest that no longer pins the client, and
// active runs that stopped logging without finishing.
package doctor

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/louisbranch/waypost/internal/platform/config"
	"github.com/louisbranch/waypost/internal/space"
	"github.com/louisbranch/waypost/internal/trackerclient"
	"github.com/louisbranch/waypost/internal/version"
	"github.com/louisbranch/waypost/pkg/waypost"
)

// defaultIdleThreshold matches the tracker's default reap window, so the
// doctor flags the same runs the reaper would abandon.
const defaultIdleThreshold = 6 * time.Hour

// scanPageSize bounds each page of the stalled-run scan.
const scanPageSize = 100

// Config holds doctor configuration.
type Config struct {
	BaseURL       string
	APIKey        string
	IdleThreshold time.Duration
	JSONOutput    bool
}

type envConfig struct {
	BaseURL string `env:"WAYPOST_BASE_URL" envDefault:"http://localhost:8080"`
	APIKey  string `env:"WAYPOST_API_KEY"`
}

// ParseConfig parses env and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var envCfg envConfig
	if err := config.ParseEnv(&envCfg); err != nil {
		return Config{}, err
	}

	cfg := Config{
		BaseURL:       envCfg.BaseURL,
		APIKey:        envCfg.APIKey,
		IdleThreshold: defaultIdleThreshold,
	}

	fs.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "tracker base URL (default: WAYPOST_BASE_URL)")
	fs.StringVar(&cfg.APIKey, "api-key", cfg.APIKey, "API key to check (default: WAYPOST_API_KEY)")
	fs.DurationVar(&cfg.IdleThreshold, "idle-threshold", cfg.IdleThreshold, "flag active runs quiet for longer than this")
	fs.BoolVar(&cfg.JSONOutput, "json", false, "write the report as JSON")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// check is one diagnostic result.
type check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

type report struct {
	Checks []check `json:"checks"`
	Failed int     `json:"failed"`
}

// Run executes every check against the configured tracker and writes the
// report to out. It returns an error when any check fails so callers can
// exit nonzero.
func Run(ctx context.Context, cfg Config, out io.Writer) error {
	if out == nil {
		return errors.New("output is required")
	}
	if cfg.BaseURL == "" {
		return errors.New("tracker base url is required")
	}
	if cfg.IdleThreshold <= 0 {
		return errors.New("-idle-threshold must be positive")
	}

	client := trackerclient.New(cfg.BaseURL, cfg.APIKey, nil)
	checks := []check{
		checkReachable(ctx, client),
		checkReleases(ctx, client),
		checkCredential(ctx, client, cfg.APIKey),
		checkManifest(ctx, client),
		checkStalledRuns(ctx, client, cfg.IdleThreshold),
	}

	failed := 0
	for _, c := range checks {
		if !c.OK {
			failed++
		}
	}

	if cfg.JSONOutput {
		if err := writeReport(out, report{Checks: checks, Failed: failed}); err != nil {
			return err
		}
	} else {
		for _, c := range checks {
			status := "ok"
			if !c.OK {
				status = "FAIL"
			}
			fmt.Fprintf(out, "%-4s  %-18s  %s\n", status, c.Name, c.Detail)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d checks failed", failed, len(checks))
	}
	return nil
}

func checkReachable(ctx context.Context, client *trackerclient.Client) check {
	c := check{Name: "tracker reachable"}
	if err := client.Healthz(ctx); err != nil {
		c.Detail = err.Error()
		return c
	}
	c.OK = true
	c.Detail = client.BaseURL()
	return c
}

// checkReleases applies the same version gate the SDK applies on Init,
// in both directions.
func checkReleases(ctx context.Context, client *trackerclient.Client) check {
	c := check{Name: "release compatible"}
	info, err := client.Version(ctx)
	if err != nil {
		c.Detail = err.Error()
		return c
	}
	server, err := semver.NewVersion(info.Server)
	if err != nil {
		c.Detail = fmt.Sprintf("tracker reports unparseable version %q", info.Server)
		return c
	}
	if server.LessThan(semver.MustParse(waypost.MinServerVersion)) {
		c.Detail = fmt.Sprintf("tracker %s is older than minimum supported %s; upgrade the tracker",
			info.Server, waypost.MinServerVersion)
		return c
	}
	if info.MinClientVersion != "" {
		floor, err := semver.NewVersion(info.MinClientVersion)
		if err != nil {
			c.Detail = fmt.Sprintf("tracker reports unparseable minimum client version %q", info.MinClientVersion)
			return c
		}
		if semver.MustParse(version.Server).LessThan(floor) {
			c.Detail = fmt.Sprintf("client %s is older than the tracker minimum %s; upgrade waypost",
				version.Server, info.MinClientVersion)
			return c
		}
	}
	c.OK = true
	c.Detail = fmt.Sprintf("client %s, server %s", version.Server, info.Server)
	return c
}

func checkCredential(ctx context.Context, client *trackerclient.Client, apiKey string) check {
	c := check{Name: "api key accepted"}
	if apiKey == "" {
		c.Detail = waypost.EnvAPIKey + " is not set"
		return c
	}
	if _, err := client.ListProjects(ctx, trackerclient.PageQuery{PageSize: 1}); err != nil {
		c.Detail = err.Error()
		return c
	}
	c.OK = true
	c.Detail = "read scope confirmed"
	return c
}

// checkManifest verifies the deployment's space manifest still pins the
// waypost client at or above this release. An older pin means hosted
// pages may choke on payloads this client uploads.
func checkManifest(ctx context.Context, client *trackerclient.Client) check {
	c := check{Name: "space manifest"}
	fetched, err := client.ReadManifest(ctx)
	if err != nil {
		c.Detail = err.Error()
		return c
	}
	manifest, err := space.ParseManifest(fetched.Content)
	if err != nil {
		c.Detail = err.Error()
		return c
	}
	pinned, ok := manifest.Get("waypost")
	if !ok {
		c.Detail = "manifest does not pin waypost"
		return c
	}
	pin, err := semver.NewVersion(pinned)
	if err != nil {
		c.Detail = fmt.Sprintf("waypost pin %q is not a version", pinned)
		return c
	}
	if pin.LessThan(semver.MustParse(version.Server)) {
		c.Detail = fmt.Sprintf("waypost pinned at %s, behind client %s", pinned, version.Server)
		return c
	}
	c.OK = true
	c.Detail = "waypost pinned at " + pinned
	return c
}

func checkStalledRuns(ctx context.Context, client *trackerclient.Client, threshold time.Duration) check {
	c := check{Name: "no stalled runs"}
	stalled, first, err := findStalledRuns(ctx, client, time.Now().Add(-threshold))
	if err != nil {
		c.Detail = err.Error()
		return c
	}
	if stalled > 0 {
		c.Detail = fmt.Sprintf("%d active runs quiet for over %s (first: %s); finish or abandon them",
			stalled, threshold, first)
		return c
	}
	c.OK = true
	c.Detail = fmt.Sprintf("no active runs quiet for over %s", threshold)
	return c
}

// findStalledRuns walks every project's runs and counts active runs whose
// last activity is at or before cutoff. It also reports the first one
// found, as project/run.
func findStalledRuns(ctx context.Context, client *trackerclient.Client, cutoff time.Time) (int, string, error) {
	count := 0
	first := ""
	projectToken := ""
	for {
		page, err := client.ListProjects(ctx, trackerclient.PageQuery{PageSize: scanPageSize, PageToken: projectToken})
		if err != nil {
			return 0, "", err
		}
		for _, project := range page.Projects {
			runToken := ""
			for {
				runs, err := client.ProjectRuns(ctx, project.ID, trackerclient.PageQuery{PageSize: scanPageSize, PageToken: runToken})
				if err != nil {
					return 0, "", err
				}
				for _, run := range runs.Runs {
					if run.Status != "ACTIVE" || lastActivity(run).After(cutoff) {
						continue
					}
					count++
					if first == "" {
						first = project.Name + "/" + run.Name
					}
				}
				runToken = runs.NextPageToken
				if runToken == "" {
					break
				}
			}
		}
		projectToken = page.NextPageToken
		if projectToken == "" {
			break
		}
	}
	return count, first, nil
}

// lastActivity mirrors the tracker's idle accounting: the newer of the
// run's last logged point and its last update.
func lastActivity(run trackerclient.Run) time.Time {
	if run.LastLoggedAt != nil && run.LastLoggedAt.After(run.UpdatedAt) {
		return *run.LastLoggedAt
	}
	return run.UpdatedAt
}

func writeReport(out io.Writer, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

package ui

import (
	"context"
	"fmt"
	"net/url"
	"sort"

	"github.com/louisbranch/waypost/internal/trackerclient"
)

const (
	// runListPageSize caps how many runs a project page shows at once.
	runListPageSize = 50
	// metricScanPageSize is the page size used when walking a metric's
	// full history for min/max stats.
	metricScanPageSize = 500
	// recentPerMetric is how many trailing points each metric contributes
	// to the recent points table.
	recentPerMetric = 10
	// recentPointLimit caps the recent points table across all metrics.
	recentPointLimit = 50
)

// baseView carries the fields every page shares.
type baseView struct {
	Title string
	// LoggedIn adds the logout control to the header. It is only ever
	// true when a password gate is configured.
	LoggedIn bool
	// ShareMode is true when the page renders through a share grant:
	// navigation stays inside the grant and write affordances disappear.
	ShareMode bool
	Format    *formatter
}

type projectsView struct {
	baseView
	Projects []trackerclient.Project
}

// runRow pairs a run with its precomputed presentation fields.
type runRow struct {
	Run         trackerclient.Run
	StatusClass string
	DetailPath  string
}

type projectView struct {
	baseView
	Project      trackerclient.Project
	Runs         []runRow
	NextPagePath string
}

// configEntry is one key of a run's config, ordered for display.
type configEntry struct {
	Key   string
	Value string
}

// metricRow summarizes one metric across the run's full history.
type metricRow struct {
	Name   string
	Latest trackerclient.MetricPoint
	Min    float64
	Max    float64
	Count  int64
}

type runView struct {
	baseView
	Project     trackerclient.Project
	ProjectPath string
	Run         trackerclient.Run
	StatusClass string
	Config      []configEntry
	Metrics     []metricRow
	Recent      []trackerclient.MetricPoint
	Artifacts   []trackerclient.Artifact
	// LiveURL is the websocket bridge path for live updates. Empty hides
	// the live section, which is the case once a run is finished.
	LiveURL string
	// ArtifactLinks enables download links. Share viewers only see
	// artifact metadata.
	ArtifactLinks bool
}

type loginView struct {
	baseView
	Error string
	Next  string
}

// statusClass maps a run status onto its badge style.
func statusClass(status string) string {
	switch status {
	case "ACTIVE":
		return "active"
	case "FINISHED":
		return "finished"
	case "ABANDONED":
		return "abandoned"
	default:
		return ""
	}
}

// configEntries flattens a run's config into sorted key/value pairs.
func configEntries(config map[string]any) []configEntry {
	if len(config) == 0 {
		return nil
	}
	keys := make([]string, 0, len(config))
	for key := range config {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	entries := make([]configEntry, 0, len(keys))
	for _, key := range keys {
		entries = append(entries, configEntry{Key: key, Value: fmt.Sprintf("%v", config[key])})
	}
	return entries
}

// runRows decorates runs with detail links rooted at base.
func runRows(base string, runs []trackerclient.Run) []runRow {
	rows := make([]runRow, 0, len(runs))
	for _, run := range runs {
		rows = append(rows, runRow{
			Run:         run,
			StatusClass: statusClass(run.Status),
			DetailPath:  base + "/runs/" + url.PathEscape(run.ID),
		})
	}
	return rows
}

// collectMetrics pages every metric's history to derive min/max/count,
// keeping a short tail of each series for the recent points table.
func collectMetrics(ctx context.Context, client *trackerclient.Client, runID string) ([]metricRow, []trackerclient.MetricPoint, error) {
	summary, err := client.MetricSummary(ctx, runID)
	if err != nil {
		return nil, nil, err
	}

	latest := make(map[string]trackerclient.MetricPoint, len(summary.Latest))
	for _, point := range summary.Latest {
		latest[point.Name] = point
	}

	rows := make([]metricRow, 0, len(summary.Names))
	recent := make([]trackerclient.MetricPoint, 0, len(summary.Names)*recentPerMetric)
	for _, name := range summary.Names {
		row := metricRow{Name: name, Latest: latest[name]}
		var tail []trackerclient.MetricPoint
		token := ""
		for {
			page, err := client.MetricPoints(ctx, runID, name, trackerclient.MetricPointsQuery{
				PageSize:  metricScanPageSize,
				PageToken: token,
			})
			if err != nil {
				return nil, nil, err
			}
			for _, point := range page.Points {
				if row.Count == 0 || point.Value < row.Min {
					row.Min = point.Value
				}
				if row.Count == 0 || point.Value > row.Max {
					row.Max = point.Value
				}
				row.Count++
			}
			tail = appendTail(tail, page.Points, recentPerMetric)
			if page.NextPageToken == "" {
				break
			}
			token = page.NextPageToken
		}
		rows = append(rows, row)
		recent = append(recent, tail...)
	}

	sort.SliceStable(recent, func(i, j int) bool {
		if !recent[i].LoggedAt.Equal(recent[j].LoggedAt) {
			return recent[i].LoggedAt.After(recent[j].LoggedAt)
		}
		return recent[i].Step > recent[j].Step
	})
	if len(recent) > recentPointLimit {
		recent = recent[:recentPointLimit]
	}
	return rows, recent, nil
}

// appendTail keeps the trailing limit points of a step-ordered stream.
func appendTail(tail, points []trackerclient.MetricPoint, limit int) []trackerclient.MetricPoint {
	tail = append(tail, points...)
	if len(tail) > limit {
		tail = tail[len(tail)-limit:]
	}
	return tail
}

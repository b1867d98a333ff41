package trackerclient

import "time"

// Project mirrors the tracker's project resource.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	SpaceID   string    `json:"space_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Run mirrors the tracker's run resource.
type Run struct {
	ID           string         `json:"id"`
	ProjectID    string         `json:"project_id"`
	ClientRunID  string         `json:"client_run_id"`
	Name         string         `json:"name"`
	Status       string         `json:"status"`
	Origin       string         `json:"origin"`
	Config       map[string]any `json:"config"`
	NextStep     int64          `json:"next_step"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	LastLoggedAt *time.Time     `json:"last_logged_at"`
	FinishedAt   *time.Time     `json:"finished_at"`
	SyncedAt     *time.Time     `json:"synced_at"`
	ViewURL      string         `json:"view_url"`
}

// MetricPoint is one logged value of one metric at one step.
type MetricPoint struct {
	Name     string    `json:"name"`
	Step     int64     `json:"step"`
	Value    float64   `json:"value"`
	LoggedAt time.Time `json:"logged_at"`
}

// Artifact mirrors the tracker's artifact metadata.
type Artifact struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	Digest      string    `json:"digest"`
	CreatedAt   time.Time `json:"created_at"`
	ContentPath string    `json:"content_path"`
}

// PendingRun is a finished run awaiting sync, with its owning project
// inlined so callers can address the right space without extra lookups.
type PendingRun struct {
	Run     Run     `json:"run"`
	Project Project `json:"project"`
}

// Statistics summarizes entity counts across the tracker store.
type Statistics struct {
	ProjectCount     int64 `json:"project_count"`
	RunCount         int64 `json:"run_count"`
	ActiveRunCount   int64 `json:"active_run_count"`
	MetricPointCount int64 `json:"metric_point_count"`
}

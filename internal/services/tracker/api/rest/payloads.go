package rest

import (
	"time"

	"github.com/louisbranch/waypost/internal/platform/telemetry"
	"github.com/louisbranch/waypost/internal/services/tracker/domain"
	"github.com/louisbranch/waypost/internal/services/tracker/storage"
)

type projectPayload struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	SpaceID   string    `json:"space_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toProjectPayload(project domain.Project) projectPayload {
	return projectPayload{
		ID:        project.ID,
		Name:      project.Name,
		SpaceID:   project.SpaceID,
		CreatedAt: project.CreatedAt,
		UpdatedAt: project.UpdatedAt,
	}
}

type runPayload struct {
	ID           string         `json:"id"`
	ProjectID    string         `json:"project_id"`
	ClientRunID  string         `json:"client_run_id"`
	Name         string         `json:"name"`
	Status       string         `json:"status"`
	Origin       string         `json:"origin,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	NextStep     int64          `json:"next_step"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	LastLoggedAt *time.Time     `json:"last_logged_at,omitempty"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	SyncedAt     *time.Time     `json:"synced_at,omitempty"`
	ViewURL      string         `json:"view_url,omitempty"`
}

func (s *Server) toRunPayload(run domain.Run) runPayload {
	return runPayload{
		ID:           run.ID,
		ProjectID:    run.ProjectID,
		ClientRunID:  run.ClientRunID,
		Name:         run.Name,
		Status:       domain.RunStatusLabel(run.Status),
		Origin:       run.Origin,
		Config:       run.Config,
		NextStep:     run.NextStep,
		CreatedAt:    run.CreatedAt,
		UpdatedAt:    run.UpdatedAt,
		LastLoggedAt: run.LastLoggedAt,
		FinishedAt:   run.FinishedAt,
		SyncedAt:     run.SyncedAt,
		ViewURL:      s.viewURL(run.ProjectID, run.ID),
	}
}

type metricPointPayload struct {
	Name     string    `json:"name"`
	Step     int64     `json:"step"`
	Value    float64   `json:"value"`
	LoggedAt time.Time `json:"logged_at"`
}

func toMetricPointPayloads(points []domain.MetricPoint) []metricPointPayload {
	payloads := make([]metricPointPayload, 0, len(points))
	for _, point := range points {
		payloads = append(payloads, metricPointPayload{
			Name:     point.Name,
			Step:     point.Step,
			Value:    point.Value,
			LoggedAt: point.LoggedAt,
		})
	}
	return payloads
}

type artifactPayload struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	Digest      string    `json:"digest,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ContentPath string    `json:"content_path"`
}

func toArtifactPayload(artifact domain.Artifact) artifactPayload {
	return artifactPayload{
		ID:          artifact.ID,
		RunID:       artifact.RunID,
		Name:        artifact.Name,
		ContentType: artifact.ContentType,
		SizeBytes:   artifact.SizeBytes,
		Digest:      artifact.Digest,
		CreatedAt:   artifact.CreatedAt,
		ContentPath: "/api/v1/artifacts/" + artifact.ID + "/content",
	}
}

type keyPayload struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Prefix     string     `json:"prefix"`
	Scopes     []string   `json:"scopes"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

func toKeyPayload(key domain.APIKey) keyPayload {
	scopes := make([]string, 0, len(key.Scopes))
	for _, scope := range key.Scopes {
		scopes = append(scopes, string(scope))
	}
	return keyPayload{
		ID:         key.ID,
		Name:       key.Name,
		Prefix:     key.Prefix,
		Scopes:     scopes,
		CreatedAt:  key.CreatedAt,
		LastUsedAt: key.LastUsedAt,
		RevokedAt:  key.RevokedAt,
	}
}

type telemetryEventPayload struct {
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	EventName string    `json:"event_name"`
	Severity  string    `json:"severity"`
	ProjectID string    `json:"project_id,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
	SpanID    string    `json:"span_id,omitempty"`
}

func toTelemetryEventPayloads(events []telemetry.Event) []telemetryEventPayload {
	payloads := make([]telemetryEventPayload, 0, len(events))
	for _, evt := range events {
		payloads = append(payloads, telemetryEventPayload{
			Timestamp: evt.Timestamp,
			Service:   evt.Service,
			EventName: evt.EventName,
			Severity:  string(evt.Severity),
			ProjectID: evt.ProjectID,
			RunID:     evt.RunID,
			Detail:    evt.Detail,
			TraceID:   evt.TraceID,
			SpanID:    evt.SpanID,
		})
	}
	return payloads
}

type statisticsPayload struct {
	ProjectCount     int64 `json:"project_count"`
	RunCount         int64 `json:"run_count"`
	ActiveRunCount   int64 `json:"active_run_count"`
	MetricPointCount int64 `json:"metric_point_count"`
}

func toStatisticsPayload(stats storage.TrackerStatistics) statisticsPayload {
	return statisticsPayload{
		ProjectCount:     stats.ProjectCount,
		RunCount:         stats.RunCount,
		ActiveRunCount:   stats.ActiveRunCount,
		MetricPointCount: stats.MetricPointCount,
	}
}

// Package storage defines persistence contracts for tracker service state.
package storage

import (
	"context"
	"time"

	"github.com/louisbranch/waypost/internal/platform/errors"
	"github.com/louisbranch/waypost/internal/platform/telemetry"
	"github.com/louisbranch/waypost/internal/services/tracker/domain"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New(errors.CodeNotFound, "record not found")
	// ErrAlreadyExists indicates a uniqueness-constrained record already exists.
	ErrAlreadyExists = errors.New(errors.CodeAlreadyExists, "record already exists")
)

// ProjectPage stores one page of project records.
type ProjectPage struct {
	Projects      []domain.Project
	NextPageToken string
}

// ProjectStore persists project records.
type ProjectStore interface {
	CreateProject(ctx context.Context, project domain.Project) error
	GetProject(ctx context.Context, projectID string) (domain.Project, error)
	GetProjectByName(ctx context.Context, name string) (domain.Project, error)
	UpdateProjectSpace(ctx context.Context, projectID string, spaceID string, updatedAt time.Time) error
	ListProjects(ctx context.Context, pageSize int, pageToken string) (ProjectPage, error)
}

// RunPage stores one page of run records.
type RunPage struct {
	Runs          []domain.Run
	NextPageToken string
}

// RunStore persists run records.
type RunStore interface {
	CreateRun(ctx context.Context, run domain.Run) error
	GetRun(ctx context.Context, runID string) (domain.Run, error)
	GetRunByClientID(ctx context.Context, projectID string, clientRunID string) (domain.Run, error)
	// UpdateRunStatus persists a lifecycle transition produced by the domain
	// layer: status, updated_at, and finished_at.
	UpdateRunStatus(ctx context.Context, run domain.Run) error
	ListRuns(ctx context.Context, projectID string, pageSize int, pageToken string) (RunPage, error)
	// ListIdleActiveRuns returns active runs whose last activity predates
	// idleBefore, oldest first.
	ListIdleActiveRuns(ctx context.Context, idleBefore time.Time, limit int) ([]domain.Run, error)
	// ListUnsyncedFinishedRuns returns finished runs not yet pushed to their
	// project's hosted space, oldest first.
	ListUnsyncedFinishedRuns(ctx context.Context, limit int) ([]domain.Run, error)
	MarkRunSynced(ctx context.Context, runID string, syncedAt time.Time) error
}

// MetricPointPage stores one page of metric points for a series.
type MetricPointPage struct {
	Points        []domain.MetricPoint
	NextPageToken string
}

// MetricStore persists metric points.
type MetricStore interface {
	// AppendMetricPoints upserts a validated batch and advances the run's
	// next step and last logged timestamp. It returns the run's next step
	// after the append.
	AppendMetricPoints(ctx context.Context, runID string, points []domain.MetricPoint) (int64, error)
	ListMetricNames(ctx context.Context, runID string) ([]string, error)
	ListMetricPoints(ctx context.Context, runID string, name string, pageSize int, pageToken string) (MetricPointPage, error)
	// LatestMetricPoints returns the highest-step point of every series in
	// the run, ordered by series name.
	LatestMetricPoints(ctx context.Context, runID string) ([]domain.MetricPoint, error)
}

// KeyStore persists API key records.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, key domain.APIKey) error
	GetAPIKeyByHash(ctx context.Context, secretHash string) (domain.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]domain.APIKey, error)
	RevokeAPIKey(ctx context.Context, keyID string, revokedAt time.Time) error
	TouchAPIKeyUsage(ctx context.Context, keyID string, usedAt time.Time) error
}

// ArtifactStore persists artifact records. Payload bytes live in the blob
// store, not here.
type ArtifactStore interface {
	PutArtifact(ctx context.Context, artifact domain.Artifact) error
	GetArtifact(ctx context.Context, runID string, name string) (domain.Artifact, error)
	GetArtifactByID(ctx context.Context, artifactID string) (domain.Artifact, error)
	ListArtifacts(ctx context.Context, runID string) ([]domain.Artifact, error)
}

// DeploymentManifestScope keys the manifest describing the tracker
// deployment itself. Hosted spaces serve this one.
const DeploymentManifestScope = "space"

// SpaceManifest is a plain-text dependency list, one name==version
// requirement per line.
type SpaceManifest struct {
	Scope     string
	Content   string
	UpdatedAt time.Time
}

// ManifestStore persists space dependency manifests.
type ManifestStore interface {
	PutSpaceManifest(ctx context.Context, manifest SpaceManifest) error
	GetSpaceManifest(ctx context.Context, scope string) (SpaceManifest, error)
}

// TelemetryStore persists operational telemetry events.
type TelemetryStore interface {
	AppendTelemetryEvent(ctx context.Context, evt telemetry.Event) error
	ListTelemetryEvents(ctx context.Context, limit int) ([]telemetry.Event, error)
	PruneTelemetryEvents(ctx context.Context, before time.Time) (int64, error)
}

// TrackerStatistics contains aggregate counts across tracker data.
type TrackerStatistics struct {
	ProjectCount     int64
	RunCount         int64
	ActiveRunCount   int64
	MetricPointCount int64
}

// StatisticsStore provides aggregate tracker statistics.
type StatisticsStore interface {
	GetTrackerStatistics(ctx context.Context) (TrackerStatistics, error)
}

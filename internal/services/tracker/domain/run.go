package domain

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/waypost/internal/platform/errors"
	"github.com/louisbranch/waypost/internal/platform/id"
)

// RunStatus describes the lifecycle of a run.
type RunStatus int

const (
	// RunStatusUnspecified represents an invalid run status value.
	RunStatusUnspecified RunStatus = iota
	// RunStatusActive indicates the run is accepting metric points.
	RunStatusActive
	// RunStatusFinished indicates the run was closed by its client.
	RunStatusFinished
	// RunStatusAbandoned indicates the run went idle and was reaped.
	RunStatusAbandoned
)

const (
	maxClientRunIDRunes = 64
	maxRunNameRunes     = 200
)

var (
	// ErrClientRunIDInvalid indicates a missing or malformed client run id.
	ErrClientRunIDInvalid = apperrors.New(apperrors.CodeRunClientIDInvalid, "client run id is required")
	// ErrRunNotActive indicates the run no longer accepts writes.
	ErrRunNotActive = apperrors.New(apperrors.CodeRunNotActive, "run is not active")
)

// Run is one tracked execution of a training script.
type Run struct {
	ID          string
	ProjectID   string
	ClientRunID string
	Name        string
	Status      RunStatus
	// Origin is empty for runs logged against this tracker and names the
	// source for runs copied in through the bulk import endpoint.
	Origin string
	// Config holds the hyperparameters the client registered at init.
	Config map[string]any
	// NextStep is the step assigned to the next auto-stepped metric point.
	NextStep     int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastLoggedAt *time.Time
	FinishedAt   *time.Time
	// SyncedAt is set once the worker pushed the finished run to its
	// project's hosted space.
	SyncedAt *time.Time
}

// CreateRunInput describes the metadata needed to start a run.
type CreateRunInput struct {
	ProjectID   string
	ClientRunID string
	Name        string
	Config      map[string]any
}

// CreateRun creates a new active run with a generated ID and timestamps.
func CreateRun(input CreateRunInput, now func() time.Time, idGenerator func() (string, error)) (Run, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	projectID := strings.TrimSpace(input.ProjectID)
	if projectID == "" {
		return Run{}, apperrors.New(apperrors.CodePayloadInvalid, "project id is required")
	}
	clientRunID, err := NormalizeClientRunID(input.ClientRunID)
	if err != nil {
		return Run{}, err
	}
	name := strings.TrimSpace(input.Name)
	if len([]rune(name)) > maxRunNameRunes {
		return Run{}, apperrors.New(apperrors.CodePayloadInvalid,
			fmt.Sprintf("run name exceeds %d characters", maxRunNameRunes))
	}

	runID, err := idGenerator()
	if err != nil {
		return Run{}, fmt.Errorf("generate run id: %w", err)
	}
	if name == "" {
		name = defaultRunName(runID)
	}

	createdAt := now().UTC()
	return Run{
		ID:          runID,
		ProjectID:   projectID,
		ClientRunID: clientRunID,
		Name:        name,
		Status:      RunStatusActive,
		Config:      input.Config,
		NextStep:    0,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}, nil
}

// ImportRunInput describes a finished run copied in from another tracker.
type ImportRunInput struct {
	ProjectID   string
	ClientRunID string
	Name        string
	Origin      string
	Config      map[string]any
	CreatedAt   time.Time
	FinishedAt  time.Time
}

// ImportRun builds an already-finished run that mirrors one recorded
// elsewhere. The origin marker keeps imported runs distinguishable from
// runs this tracker observed live.
func ImportRun(input ImportRunInput, idGenerator func() (string, error)) (Run, error) {
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	run, err := CreateRun(CreateRunInput{
		ProjectID:   input.ProjectID,
		ClientRunID: input.ClientRunID,
		Name:        input.Name,
		Config:      input.Config,
	}, nil, idGenerator)
	if err != nil {
		return Run{}, err
	}

	origin := strings.TrimSpace(input.Origin)
	if origin == "" {
		return Run{}, apperrors.New(apperrors.CodePayloadInvalid, "import origin is required")
	}
	if input.FinishedAt.IsZero() {
		return Run{}, apperrors.New(apperrors.CodePayloadInvalid, "import finished time is required")
	}

	createdAt := input.CreatedAt.UTC()
	if input.CreatedAt.IsZero() {
		createdAt = input.FinishedAt.UTC()
	}
	finishedAt := input.FinishedAt.UTC()
	if finishedAt.Before(createdAt) {
		return Run{}, apperrors.New(apperrors.CodePayloadInvalid, "import finished before it was created")
	}

	run.Origin = origin
	run.Status = RunStatusFinished
	run.CreatedAt = createdAt
	run.UpdatedAt = finishedAt
	run.FinishedAt = &finishedAt
	return run, nil
}

// NormalizeClientRunID trims and validates an SDK-generated run identifier.
func NormalizeClientRunID(clientRunID string) (string, error) {
	clientRunID = strings.TrimSpace(clientRunID)
	if clientRunID == "" {
		return "", ErrClientRunIDInvalid
	}
	if len([]rune(clientRunID)) > maxClientRunIDRunes {
		return "", apperrors.WithMetadata(apperrors.CodeRunClientIDInvalid,
			fmt.Sprintf("client run id exceeds %d characters", maxClientRunIDRunes),
			map[string]string{"client_run_id": clientRunID})
	}
	return clientRunID, nil
}

// EnsureAcceptsWrites reports an error when the run is no longer active.
func EnsureAcceptsWrites(run Run) error {
	if run.Status == RunStatusActive {
		return nil
	}
	return apperrors.WithMetadata(apperrors.CodeRunNotActive,
		fmt.Sprintf("run %s is %s; start a new run instead", run.ID, RunStatusLabel(run.Status)),
		map[string]string{"run_id": run.ID, "status": RunStatusLabel(run.Status)})
}

// FinishRun marks an active run as finished.
func FinishRun(run Run, now func() time.Time) (Run, error) {
	if now == nil {
		now = time.Now
	}
	if err := EnsureAcceptsWrites(run); err != nil {
		return Run{}, err
	}
	finishedAt := now().UTC()
	run.Status = RunStatusFinished
	run.UpdatedAt = finishedAt
	run.FinishedAt = &finishedAt
	return run, nil
}

// AbandonRun marks an idle active run as abandoned.
func AbandonRun(run Run, now func() time.Time) (Run, error) {
	if now == nil {
		now = time.Now
	}
	if err := EnsureAcceptsWrites(run); err != nil {
		return Run{}, err
	}
	abandonedAt := now().UTC()
	run.Status = RunStatusAbandoned
	run.UpdatedAt = abandonedAt
	run.FinishedAt = &abandonedAt
	return run, nil
}

// LastActivity returns the most recent write the run has seen.
func LastActivity(run Run) time.Time {
	if run.LastLoggedAt != nil && run.LastLoggedAt.After(run.UpdatedAt) {
		return *run.LastLoggedAt
	}
	return run.UpdatedAt
}

// RunStatusLabel returns a stable label for a run status.
func RunStatusLabel(status RunStatus) string {
	switch status {
	case RunStatusActive:
		return "ACTIVE"
	case RunStatusFinished:
		return "FINISHED"
	case RunStatusAbandoned:
		return "ABANDONED"
	default:
		return "UNSPECIFIED"
	}
}

// RunStatusFromLabel parses a string label into a RunStatus.
// It trims whitespace and matches case-insensitively.
func RunStatusFromLabel(value string) (RunStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "ACTIVE":
		return RunStatusActive, nil
	case "FINISHED":
		return RunStatusFinished, nil
	case "ABANDONED":
		return RunStatusAbandoned, nil
	case "":
		return RunStatusUnspecified, fmt.Errorf("run status is required")
	default:
		return RunStatusUnspecified, fmt.Errorf("unknown run status %q", value)
	}
}

func defaultRunName(runID string) string {
	if len(runID) > 8 {
		runID = runID[:8]
	}
	return "run-" + runID
}

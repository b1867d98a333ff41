package rest

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/louisbranch/waypost/internal/platform/errors"
	"github.com/louisbranch/waypost/internal/platform/telemetry"
	"github.com/louisbranch/waypost/internal/services/tracker/domain"
	"github.com/louisbranch/waypost/internal/services/tracker/storage"
)

type createRunRequest struct {
	Project     string         `json:"project"`
	SpaceID     string         `json:"space_id"`
	ClientRunID string         `json:"client_run_id"`
	RunName     string         `json:"run_name"`
	Config      map[string]any `json:"config"`
}

type runEnvelope struct {
	Run runPayload `json:"run"`
}

// handleRuns creates a run, or resumes it when the client run id was seen
// before. Resume answers 200 with the existing record; a resume against a
// finished or abandoned run is a conflict.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, r)
		return
	}
	if _, err := s.requireScope(r, domain.ScopeWrite); err != nil {
		s.writeError(w, r, err)
		return
	}

	var req createRunRequest
	if err := decodeJSON(w, r, &req, maxRequestBodyBytes); err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	project, err := s.ensureProject(ctx, req.Project, req.SpaceID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	clientRunID, err := domain.NormalizeClientRunID(req.ClientRunID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if existing, err := s.stores.Runs.GetRunByClientID(ctx, project.ID, clientRunID); err == nil {
		s.respondResumed(w, r, existing)
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, r, err)
		return
	}

	run, err := domain.CreateRun(domain.CreateRunInput{
		ProjectID:   project.ID,
		ClientRunID: clientRunID,
		Name:        req.RunName,
		Config:      req.Config,
	}, s.clock, s.idGenerator)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.stores.Runs.CreateRun(ctx, run); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			// Lost a create race; the other request's record wins.
			existing, err := s.stores.Runs.GetRunByClientID(ctx, project.ID, clientRunID)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			s.respondResumed(w, r, existing)
			return
		}
		s.writeError(w, r, err)
		return
	}

	s.emit(r, telemetry.Event{
		EventName: "run.created",
		ProjectID: project.ID,
		RunID:     run.ID,
	})
	writeJSON(w, http.StatusCreated, runEnvelope{Run: s.toRunPayload(run)})
}

func (s *Server) respondResumed(w http.ResponseWriter, r *http.Request, run domain.Run) {
	if err := domain.EnsureAcceptsWrites(run); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.emit(r, telemetry.Event{
		EventName: "run.resumed",
		ProjectID: run.ProjectID,
		RunID:     run.ID,
	})
	writeJSON(w, http.StatusOK, runEnvelope{Run: s.toRunPayload(run)})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, r)
		return
	}
	run, err := s.stores.Runs.GetRun(r.Context(), r.PathValue("runID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authorizeRead(r, run.ProjectID, run.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runEnvelope{Run: s.toRunPayload(run)})
}

// handleRunFinish closes a run. Finishing an already finished run is
// idempotent; finishing an abandoned run is a conflict.
func (s *Server) handleRunFinish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, r)
		return
	}
	if _, err := s.requireScope(r, domain.ScopeWrite); err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	run, err := s.stores.Runs.GetRun(ctx, r.PathValue("runID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if run.Status == domain.RunStatusFinished {
		writeJSON(w, http.StatusOK, runEnvelope{Run: s.toRunPayload(run)})
		return
	}

	finished, err := domain.FinishRun(run, s.clock)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.stores.Runs.UpdateRunStatus(ctx, finished); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.feed.Publish(finished.ID, "run.finished", s.toRunPayload(finished))
	s.feed.Drop(finished.ID)
	s.emit(r, telemetry.Event{
		EventName: "run.finished",
		ProjectID: finished.ProjectID,
		RunID:     finished.ID,
	})
	writeJSON(w, http.StatusOK, runEnvelope{Run: s.toRunPayload(finished)})
}

type appendMetricsRequest struct {
	Points []appendMetricPoint `json:"points"`
}

type appendMetricPoint struct {
	Name  string  `json:"name"`
	Step  int64   `json:"step"`
	Value float64 `json:"value"`
}

type appendMetricsResponse struct {
	NextStep int64 `json:"next_step"`
	Accepted int   `json:"accepted"`
}

func (s *Server) handleRunMetrics(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.appendRunMetrics(w, r)
	case http.MethodGet:
		s.listRunMetrics(w, r)
	default:
		s.methodNotAllowed(w, r)
	}
}

func (s *Server) appendRunMetrics(w http.ResponseWriter, r *http.Request) {
	if _, err := s.requireScope(r, domain.ScopeWrite); err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	run, err := s.stores.Runs.GetRun(ctx, r.PathValue("runID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := domain.EnsureAcceptsWrites(run); err != nil {
		s.writeError(w, r, err)
		return
	}

	var req appendMetricsRequest
	if err := decodeJSON(w, r, &req, maxRequestBodyBytes); err != nil {
		s.writeError(w, r, err)
		return
	}

	loggedAt := s.clock().UTC()
	points := make([]domain.MetricPoint, 0, len(req.Points))
	for _, point := range req.Points {
		points = append(points, domain.MetricPoint{
			RunID:    run.ID,
			Name:     point.Name,
			Step:     point.Step,
			Value:    point.Value,
			LoggedAt: loggedAt,
		})
	}
	normalized, err := domain.NormalizeMetricBatch(points)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	nextStep, err := s.stores.Metrics.AppendMetricPoints(ctx, run.ID, normalized)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.feed.Publish(run.ID, "metrics.appended", toMetricPointPayloads(normalized))
	writeJSON(w, http.StatusOK, appendMetricsResponse{
		NextStep: nextStep,
		Accepted: len(normalized),
	})
}

type metricSummaryResponse struct {
	Names  []string             `json:"names"`
	Latest []metricPointPayload `json:"latest"`
}

type metricPointsResponse struct {
	Points        []metricPointPayload `json:"points"`
	NextPageToken string               `json:"next_page_token,omitempty"`
}

// listRunMetrics serves a series page when ?name= is given, and a summary
// of every series otherwise. ?after_step= resumes a series past a step.
func (s *Server) listRunMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	run, err := s.stores.Runs.GetRun(ctx, r.PathValue("runID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authorizeRead(r, run.ProjectID, run.ID); err != nil {
		s.writeError(w, r, err)
		return
	}

	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		names, err := s.stores.Metrics.ListMetricNames(ctx, run.ID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		latest, err := s.stores.Metrics.LatestMetricPoints(ctx, run.ID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, metricSummaryResponse{
			Names:  names,
			Latest: toMetricPointPayloads(latest),
		})
		return
	}

	pageSize, err := clampPageSize(r, defaultMetricPageSize, maxMetricPageSize)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pageToken := strings.TrimSpace(r.URL.Query().Get("page_token"))
	if after := strings.TrimSpace(r.URL.Query().Get("after_step")); after != "" {
		if _, err := strconv.ParseInt(after, 10, 64); err != nil {
			s.writeError(w, r, apperrors.New(apperrors.CodePayloadInvalid, "after_step must be an integer"))
			return
		}
		pageToken = after
	}

	page, err := s.stores.Metrics.ListMetricPoints(ctx, run.ID, name, pageSize, pageToken)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, metricPointsResponse{
		Points:        toMetricPointPayloads(page.Points),
		NextPageToken: page.NextPageToken,
	})
}

type runSyncedResponse struct {
	RunID    string    `json:"run_id"`
	SyncedAt time.Time `json:"synced_at"`
}

// handleRunSynced records that the worker pushed this finished run to its
// hosted space.
func (s *Server) handleRunSynced(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, r)
		return
	}
	if _, err := s.requireScope(r, domain.ScopeWrite); err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	run, err := s.stores.Runs.GetRun(ctx, r.PathValue("runID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if run.Status != domain.RunStatusFinished {
		s.writeError(w, r, apperrors.WithMetadata(apperrors.CodeRunNotActive,
			"only finished runs can be marked synced",
			map[string]string{"run_id": run.ID, "status": domain.RunStatusLabel(run.Status)}))
		return
	}

	syncedAt := s.clock().UTC()
	if err := s.stores.Runs.MarkRunSynced(ctx, run.ID, syncedAt); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.emit(r, telemetry.Event{
		EventName: "run.synced",
		ProjectID: run.ProjectID,
		RunID:     run.ID,
	})
	writeJSON(w, http.StatusOK, runSyncedResponse{
		RunID:    run.ID,
		SyncedAt: syncedAt,
	})
}

// ensureProject finds the named project or creates it. A non-empty space
// id overwrites the stored one, so the newest init call wins.
func (s *Server) ensureProject(ctx context.Context, name, spaceID string) (domain.Project, error) {
	normalized, err := domain.NormalizeProjectName(name)
	if err != nil {
		return domain.Project{}, err
	}

	project, err := s.stores.Projects.GetProjectByName(ctx, normalized)
	if err == nil {
		normalizedSpace, err := domain.NormalizeSpaceID(spaceID)
		if err != nil {
			return domain.Project{}, err
		}
		if normalizedSpace != "" && normalizedSpace != project.SpaceID {
			updatedAt := s.clock().UTC()
			if err := s.stores.Projects.UpdateProjectSpace(ctx, project.ID, normalizedSpace, updatedAt); err != nil {
				return domain.Project{}, err
			}
			project.SpaceID = normalizedSpace
			project.UpdatedAt = updatedAt
		}
		return project, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return domain.Project{}, err
	}

	project, err = domain.CreateProject(domain.CreateProjectInput{
		Name:    normalized,
		SpaceID: spaceID,
	}, s.clock, s.idGenerator)
	if err != nil {
		return domain.Project{}, err
	}
	if err := s.stores.Projects.CreateProject(ctx, project); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return s.stores.Projects.GetProjectByName(ctx, normalized)
		}
		return domain.Project{}, err
	}

	if err := s.emitter.Emit(ctx, telemetry.Event{
		Service:   "tracker",
		EventName: "project.created",
		ProjectID: project.ID,
	}); err != nil {
		s.logger.Warn("emit telemetry", zap.String("event", "project.created"), zap.Error(err))
	}
	return project, nil
}

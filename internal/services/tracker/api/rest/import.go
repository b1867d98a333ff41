package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/louisbranch/waypost/internal/platform/errors"
	"github.com/louisbranch/waypost/internal/platform/telemetry"
	"github.com/louisbranch/waypost/internal/services/tracker/domain"
	"github.com/louisbranch/waypost/internal/services/tracker/storage"
)

// maxImportRuns caps one bulk import request.
const maxImportRuns = 100

type importRunsRequest struct {
	// Origin names where the runs came from, such as the source tracker's
	// host. It is stamped on every imported run.
	Origin string            `json:"origin"`
	Runs   []importRunRecord `json:"runs"`
}

type importRunRecord struct {
	Project     string              `json:"project"`
	SpaceID     string              `json:"space_id"`
	ClientRunID string              `json:"client_run_id"`
	Name        string              `json:"name"`
	Config      map[string]any      `json:"config"`
	CreatedAt   time.Time           `json:"created_at"`
	FinishedAt  time.Time           `json:"finished_at"`
	Points      []importMetricPoint `json:"points"`
}

type importMetricPoint struct {
	Name     string    `json:"name"`
	Step     int64     `json:"step"`
	Value    float64   `json:"value"`
	LoggedAt time.Time `json:"logged_at"`
}

type importRunsResponse struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
}

// handleImportRuns copies finished runs from another tracker. The call is
// idempotent: runs whose client id is already present are skipped, so a
// failed batch can simply be retried.
func (s *Server) handleImportRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, r)
		return
	}
	if _, err := s.requireScope(r, domain.ScopeWrite); err != nil {
		s.writeError(w, r, err)
		return
	}

	var req importRunsRequest
	if err := decodeJSON(w, r, &req, maxImportBodyBytes); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.Runs) == 0 {
		s.writeError(w, r, apperrors.New(apperrors.CodePayloadInvalid, "at least one run is required"))
		return
	}
	if len(req.Runs) > maxImportRuns {
		s.writeError(w, r, apperrors.WithMetadata(apperrors.CodePayloadInvalid,
			fmt.Sprintf("import batches are capped at %d runs", maxImportRuns),
			map[string]string{"runs": strconv.Itoa(len(req.Runs))}))
		return
	}

	ctx := r.Context()
	resp := importRunsResponse{}
	for i, record := range req.Runs {
		imported, err := s.importRun(ctx, req.Origin, record)
		if err != nil {
			s.writeError(w, r, apperrors.WrapWithMetadata(apperrors.CodeOf(err),
				fmt.Sprintf("import run %d: %s", i, err.Error()),
				map[string]string{"index": strconv.Itoa(i), "client_run_id": record.ClientRunID},
				err))
			return
		}
		if imported {
			resp.Imported++
		} else {
			resp.Skipped++
		}
	}

	s.emit(r, telemetry.Event{
		EventName: "runs.imported",
		Detail:    fmt.Sprintf("imported %d, skipped %d from %s", resp.Imported, resp.Skipped, req.Origin),
	})
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) importRun(ctx context.Context, origin string, record importRunRecord) (bool, error) {
	project, err := s.ensureProject(ctx, record.Project, record.SpaceID)
	if err != nil {
		return false, err
	}
	clientRunID, err := domain.NormalizeClientRunID(record.ClientRunID)
	if err != nil {
		return false, err
	}

	if _, err := s.stores.Runs.GetRunByClientID(ctx, project.ID, clientRunID); err == nil {
		return false, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return false, err
	}

	run, err := domain.ImportRun(domain.ImportRunInput{
		ProjectID:   project.ID,
		ClientRunID: clientRunID,
		Name:        record.Name,
		Origin:      origin,
		Config:      record.Config,
		CreatedAt:   record.CreatedAt,
		FinishedAt:  record.FinishedAt,
	}, s.idGenerator)
	if err != nil {
		return false, err
	}
	if err := s.stores.Runs.CreateRun(ctx, run); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return false, nil
		}
		return false, err
	}

	if len(record.Points) == 0 {
		return true, nil
	}
	points := make([]domain.MetricPoint, 0, len(record.Points))
	for _, point := range record.Points {
		loggedAt := point.LoggedAt
		if loggedAt.IsZero() {
			loggedAt = run.UpdatedAt
		}
		points = append(points, domain.MetricPoint{
			RunID:    run.ID,
			Name:     point.Name,
			Step:     point.Step,
			Value:    point.Value,
			LoggedAt: loggedAt.UTC(),
		})
	}
	normalized, err := domain.NormalizeMetricBatch(points)
	if err != nil {
		return false, err
	}
	if _, err := s.stores.Metrics.AppendMetricPoints(ctx, run.ID, normalized); err != nil {
		return false, err
	}
	return true, nil
}

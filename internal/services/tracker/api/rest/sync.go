package rest

import (
	"net/http"
	"strconv"
	"strings"

	apperrors "github.com/louisbranch/waypost/internal/platform/errors"
	"github.com/louisbranch/waypost/internal/services/tracker/domain"
)

const (
	defaultPendingLimit = 20
	maxPendingLimit     = 100
)

type pendingRunPayload struct {
	Run     runPayload     `json:"run"`
	Project projectPayload `json:"project"`
}

type pendingRunsResponse struct {
	Runs []pendingRunPayload `json:"runs"`
}

// handleSyncPending lists finished runs not yet pushed to their hosted
// space, oldest first, with the owning project inlined so the worker can
// target the right space without extra lookups.
func (s *Server) handleSyncPending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, r)
		return
	}
	if _, err := s.requireScope(r, domain.ScopeRead); err != nil {
		s.writeError(w, r, err)
		return
	}

	limit := defaultPendingLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, r, apperrors.New(apperrors.CodePayloadInvalid, "limit must be a positive integer"))
			return
		}
		limit = min(parsed, maxPendingLimit)
	}

	ctx := r.Context()
	runs, err := s.stores.Runs.ListUnsyncedFinishedRuns(ctx, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	projects := make(map[string]domain.Project, len(runs))
	payloads := make([]pendingRunPayload, 0, len(runs))
	for _, run := range runs {
		project, ok := projects[run.ProjectID]
		if !ok {
			project, err = s.stores.Projects.GetProject(ctx, run.ProjectID)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			projects[run.ProjectID] = project
		}
		payloads = append(payloads, pendingRunPayload{
			Run:     s.toRunPayload(run),
			Project: toProjectPayload(project),
		})
	}
	writeJSON(w, http.StatusOK, pendingRunsResponse{Runs: payloads})
}

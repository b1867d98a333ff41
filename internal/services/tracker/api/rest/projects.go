package rest

import (
	"context"
	"errors"
	"net/http"

	"github.com/louisbranch/waypost/internal/services/tracker/domain"
	"github.com/louisbranch/waypost/internal/services/tracker/storage"
)

type projectListResponse struct {
	Projects      []projectPayload `json:"projects"`
	NextPageToken string           `json:"next_page_token,omitempty"`
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, r)
		return
	}
	// Listing crosses project boundaries, so share grants are not enough.
	if _, err := s.requireScope(r, domain.ScopeRead); err != nil {
		s.writeError(w, r, err)
		return
	}
	pageSize, err := clampPageSize(r, defaultPageSize, maxPageSize)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	page, err := s.stores.Projects.ListProjects(r.Context(), pageSize, r.URL.Query().Get("page_token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	payloads := make([]projectPayload, 0, len(page.Projects))
	for _, project := range page.Projects {
		payloads = append(payloads, toProjectPayload(project))
	}
	writeJSON(w, http.StatusOK, projectListResponse{
		Projects:      payloads,
		NextPageToken: page.NextPageToken,
	})
}

type runListResponse struct {
	Project       projectPayload `json:"project"`
	Runs          []runPayload   `json:"runs"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

func (s *Server) handleProjectRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, r)
		return
	}

	ctx := r.Context()
	project, err := s.resolveProject(ctx, r.PathValue("project"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authorizeRead(r, project.ID, ""); err != nil {
		s.writeError(w, r, err)
		return
	}
	pageSize, err := clampPageSize(r, defaultPageSize, maxPageSize)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	page, err := s.stores.Runs.ListRuns(ctx, project.ID, pageSize, r.URL.Query().Get("page_token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	payloads := make([]runPayload, 0, len(page.Runs))
	for _, run := range page.Runs {
		payloads = append(payloads, s.toRunPayload(run))
	}
	writeJSON(w, http.StatusOK, runListResponse{
		Project:       toProjectPayload(project),
		Runs:          payloads,
		NextPageToken: page.NextPageToken,
	})
}

// resolveProject accepts either an internal project id or a project name,
// so dashboard URLs can use the readable name.
func (s *Server) resolveProject(ctx context.Context, ref string) (domain.Project, error) {
	project, err := s.stores.Projects.GetProject(ctx, ref)
	if err == nil {
		return project, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return domain.Project{}, err
	}
	return s.stores.Projects.GetProjectByName(ctx, ref)
}

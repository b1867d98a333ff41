package ui

import (
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/louisbranch/waypost/internal/platform/errors"
	"github.com/louisbranch/waypost/internal/sharegrant"
	"github.com/louisbranch/waypost/internal/trackerclient"
)

// requireGet guards page handlers, which are all read-only.
func requireGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet {
		return true
	}
	w.Header().Set("Allow", http.MethodGet)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func (h *Handler) handleHome(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	http.Redirect(w, r, "/projects", http.StatusSeeOther)
}

func (h *Handler) handleProjects(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	page, err := h.tracker.ListProjects(r.Context(), trackerclient.PageQuery{})
	if err != nil {
		h.renderAPIError(w, r, err)
		return
	}
	h.render(w, "projects.html", projectsView{
		baseView: h.base(w, r, "Projects", false),
		Projects: page.Projects,
	})
}

func (h *Handler) handleProject(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	page, err := h.tracker.ProjectRuns(r.Context(), r.PathValue("project"), trackerclient.PageQuery{
		PageSize:  runListPageSize,
		PageToken: strings.TrimSpace(r.URL.Query().Get("page")),
	})
	if err != nil {
		h.renderAPIError(w, r, err)
		return
	}

	base := "/projects/" + url.PathEscape(page.Project.ID)
	view := projectView{
		baseView: h.base(w, r, page.Project.Name, false),
		Project:  page.Project,
		Runs:     runRows(base, page.Runs),
	}
	if page.NextPageToken != "" {
		view.NextPagePath = base + "?page=" + url.QueryEscape(page.NextPageToken)
	}
	h.render(w, "project.html", view)
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	ctx := r.Context()

	// Resolve the project segment first so both id and name addressed
	// pages work, then confirm the run belongs to it.
	page, err := h.tracker.ProjectRuns(ctx, r.PathValue("project"), trackerclient.PageQuery{PageSize: 1})
	if err != nil {
		h.renderAPIError(w, r, err)
		return
	}
	run, err := h.tracker.GetRun(ctx, r.PathValue("runID"))
	if err != nil {
		h.renderAPIError(w, r, err)
		return
	}
	if run.ProjectID != page.Project.ID {
		http.NotFound(w, r)
		return
	}

	metrics, recent, err := collectMetrics(ctx, h.tracker, run.ID)
	if err != nil {
		h.renderAPIError(w, r, err)
		return
	}
	artifacts, err := h.tracker.ListArtifacts(ctx, run.ID)
	if err != nil {
		h.renderAPIError(w, r, err)
		return
	}

	view := runView{
		baseView:      h.base(w, r, runTitle(run), false),
		Project:       page.Project,
		ProjectPath:   "/projects/" + url.PathEscape(page.Project.ID),
		Run:           run,
		StatusClass:   statusClass(run.Status),
		Config:        configEntries(run.Config),
		Metrics:       metrics,
		Recent:        recent,
		Artifacts:     artifacts,
		ArtifactLinks: true,
	}
	if run.Status == "ACTIVE" {
		view.LiveURL = "/runs/" + url.PathEscape(run.ID) + "/live"
	}
	h.render(w, "run.html", view)
}

func (h *Handler) handleArtifactDownload(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	content, contentType, err := h.tracker.ArtifactContent(r.Context(), r.PathValue("artifactID"))
	if err != nil {
		h.renderAPIError(w, r, err)
		return
	}
	defer content.Close()

	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	disposition := "attachment"
	if name := strings.TrimSpace(r.URL.Query().Get("name")); name != "" {
		disposition = mime.FormatMediaType("attachment", map[string]string{"filename": name})
	}
	w.Header().Set("Content-Disposition", disposition)
	if _, err := io.Copy(w, content); err != nil {
		h.logger.Warn("stream artifact", zap.Error(err))
	}
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if h.passwordHash == "" {
		http.Redirect(w, r, "/projects", http.StatusSeeOther)
		return
	}
	switch r.Method {
	case http.MethodGet:
		h.render(w, "login.html", loginView{
			baseView: h.base(w, r, "Log in", false),
			Next:     safeNext(r.URL.Query().Get("next")),
		})
	case http.MethodPost:
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form", http.StatusBadRequest)
			return
		}
		next := safeNext(r.PostFormValue("next"))
		if !checkPassword(h.passwordHash, r.PostFormValue("password")) {
			h.renderStatus(w, http.StatusUnauthorized, "login.html", loginView{
				baseView: h.base(w, r, "Log in", false),
				Error:    "That password does not match.",
				Next:     next,
			})
			return
		}
		token, err := h.sessions.Create()
		if err != nil {
			h.logger.Error("create session", zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		http.SetCookie(w, newSessionCookie(token, h.sessions.ttl))
		http.Redirect(w, r, next, http.StatusSeeOther)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if token := sessionToken(r); token != "" {
		h.sessions.Delete(token)
	}
	http.SetCookie(w, newSessionCookie("", -1))
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

// verifyShare validates the grant path segment. On failure it writes the
// response and reports false.
func (h *Handler) verifyShare(w http.ResponseWriter, r *http.Request) (sharegrant.Claims, string, bool) {
	if h.grants == nil {
		http.NotFound(w, r)
		return sharegrant.Claims{}, "", false
	}
	grant := r.PathValue("grant")
	claims, err := sharegrant.Verify(grant, *h.grants)
	if err != nil {
		message := "share link is not valid"
		if apperrors.CodeOf(err) == apperrors.CodeShareGrantExpired {
			message = "share link has expired"
		}
		http.Error(w, message, http.StatusForbidden)
		return sharegrant.Claims{}, "", false
	}
	return claims, grant, true
}

func (h *Handler) handleShareProject(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	claims, grant, ok := h.verifyShare(w, r)
	if !ok {
		return
	}
	if claims.RunID != "" {
		// Run-scoped grants land straight on their run.
		http.Redirect(w, r, "/share/"+url.PathEscape(grant)+"/runs/"+url.PathEscape(claims.RunID), http.StatusSeeOther)
		return
	}

	page, err := h.tracker.ProjectRuns(r.Context(), claims.ProjectID, trackerclient.PageQuery{
		PageSize:  runListPageSize,
		PageToken: strings.TrimSpace(r.URL.Query().Get("page")),
	})
	if err != nil {
		h.renderAPIError(w, r, err)
		return
	}

	base := "/share/" + url.PathEscape(grant)
	view := projectView{
		baseView: h.base(w, r, page.Project.Name, true),
		Project:  page.Project,
		Runs:     runRows(base, page.Runs),
	}
	if page.NextPageToken != "" {
		view.NextPagePath = base + "?page=" + url.QueryEscape(page.NextPageToken)
	}
	h.render(w, "project.html", view)
}

func (h *Handler) handleShareRun(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	claims, grant, ok := h.verifyShare(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	run, err := h.tracker.GetRun(ctx, r.PathValue("runID"))
	if err != nil {
		h.renderAPIError(w, r, err)
		return
	}
	if !claims.Allows(run.ProjectID, run.ID) {
		http.Error(w, "share link does not cover this run", http.StatusForbidden)
		return
	}

	page, err := h.tracker.ProjectRuns(ctx, run.ProjectID, trackerclient.PageQuery{PageSize: 1})
	if err != nil {
		h.renderAPIError(w, r, err)
		return
	}
	metrics, recent, err := collectMetrics(ctx, h.tracker, run.ID)
	if err != nil {
		h.renderAPIError(w, r, err)
		return
	}
	artifacts, err := h.tracker.ListArtifacts(ctx, run.ID)
	if err != nil {
		h.renderAPIError(w, r, err)
		return
	}

	view := runView{
		baseView:    h.base(w, r, runTitle(run), true),
		Project:     page.Project,
		Run:         run,
		StatusClass: statusClass(run.Status),
		Config:      configEntries(run.Config),
		Metrics:     metrics,
		Recent:      recent,
		Artifacts:   artifacts,
	}
	// Project-wide grants get a back link to the shared run list.
	if claims.RunID == "" {
		view.ProjectPath = "/share/" + url.PathEscape(grant)
	}
	if run.Status == "ACTIVE" {
		view.LiveURL = "/runs/" + url.PathEscape(run.ID) + "/live?grant=" + url.QueryEscape(grant)
	}
	h.render(w, "run.html", view)
}

// runTitle names a run for page headers.
func runTitle(run trackerclient.Run) string {
	if run.Name != "" {
		return run.Name
	}
	return run.ID
}

// safeNext keeps login redirects on this site.
func safeNext(next string) string {
	if strings.HasPrefix(next, "/") && !strings.HasPrefix(next, "//") {
		return next
	}
	return "/projects"
}

// Package ui renders the waypost dashboard.
//
// Every page reads through the tracker HTTP API; the web service holds
// no store of its own. Pages are server-rendered html/template with a
// small static script for live updates over the tracker's watch stream.
//
// Access comes in two shapes. When a password hash is configured, pages
// sit behind a login session. Share grants bypass the login: a signed
// grant in the URL scopes an anonymous viewer to one project or run.
package ui

import (
	"embed"
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/louisbranch/waypost/internal/platform/errors"
	"github.com/louisbranch/waypost/internal/services/web/static"
	"github.com/louisbranch/waypost/internal/sharegrant"
	"github.com/louisbranch/waypost/internal/trackerclient"
)

//go:embed templates/*.html
var templatesFS embed.FS

var templates = template.Must(template.ParseFS(templatesFS, "templates/*.html"))

// Config wires the dashboard handler.
type Config struct {
	// Tracker is the API client every page reads through.
	Tracker *trackerclient.Client
	// PasswordHash holds a bcrypt hash. When set, pages require a login
	// session; static assets and share links stay open.
	PasswordHash string
	// SessionTTL bounds login sessions. Zero uses DefaultSessionTTL.
	SessionTTL time.Duration
	// Grants verifies share links. Nil disables the share routes.
	Grants *sharegrant.VerifierConfig
	Logger *zap.Logger
	// Now stamps session expiries and relative timestamps. Nil uses
	// time.Now.
	Now func() time.Time
}

// Handler serves the dashboard pages.
type Handler struct {
	tracker      *trackerclient.Client
	passwordHash string
	sessions     *sessionStore
	grants       *sharegrant.VerifierConfig
	logger       *zap.Logger
	now          func() time.Time
}

// New builds the dashboard handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Tracker == nil {
		return nil, errors.New("ui: tracker client is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Handler{
		tracker:      cfg.Tracker,
		passwordHash: strings.TrimSpace(cfg.PasswordHash),
		sessions:     newSessionStore(cfg.SessionTTL, now),
		grants:       cfg.Grants,
		logger:       logger,
		now:          now,
	}, nil
}

// RegisterRoutes attaches every dashboard route to mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(static.FS))))
	mux.HandleFunc("/healthz", h.handleHealthz)

	mux.HandleFunc("/login", h.handleLogin)
	mux.HandleFunc("/logout", h.handleLogout)

	mux.Handle("/{$}", h.protect(h.handleHome))
	mux.Handle("/projects", h.protect(h.handleProjects))
	mux.Handle("/projects/{project}", h.protect(h.handleProject))
	mux.Handle("/projects/{project}/runs/{runID}", h.protect(h.handleRun))
	mux.Handle("/artifacts/{artifactID}", h.protect(h.handleArtifactDownload))
	mux.Handle("/runs/{runID}/live", h.liveHandler())

	mux.HandleFunc("/share/{grant}", h.handleShareProject)
	mux.HandleFunc("/share/{grant}/runs/{runID}", h.handleShareRun)
}

// protect redirects to the login page when a password gate is configured
// and the request carries no live session.
func (h *Handler) protect(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.authorized(r) {
			target := "/login"
			if r.URL.Path != "/" {
				target += "?next=" + url.QueryEscape(r.URL.Path)
			}
			http.Redirect(w, r, target, http.StatusSeeOther)
			return
		}
		next(w, r)
	})
}

// authorized reports whether the request may read gated pages.
func (h *Handler) authorized(r *http.Request) bool {
	if h.passwordHash == "" {
		return true
	}
	return h.sessions.Valid(sessionToken(r))
}

// base assembles the shared view fields for one request, persisting an
// explicit lang selection as a cookie.
func (h *Handler) base(w http.ResponseWriter, r *http.Request, title string, shareMode bool) baseView {
	tag, persist := resolveLocale(r)
	if persist {
		http.SetCookie(w, &http.Cookie{
			Name:     LangCookie,
			Value:    tag.String(),
			Path:     "/",
			MaxAge:   int((365 * 24 * time.Hour).Seconds()),
			SameSite: http.SameSiteLaxMode,
		})
	}
	return baseView{
		Title:     title,
		LoggedIn:  h.passwordHash != "" && h.sessions.Valid(sessionToken(r)),
		ShareMode: shareMode,
		Format:    newFormatter(tag, h.now()),
	}
}

// render executes one page template.
func (h *Handler) render(w http.ResponseWriter, name string, view any) {
	h.renderStatus(w, http.StatusOK, name, view)
}

func (h *Handler) renderStatus(w http.ResponseWriter, status int, name string, view any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := templates.ExecuteTemplate(w, name, view); err != nil {
		h.logger.Error("render page", zap.String("template", name), zap.Error(err))
	}
}

// renderAPIError maps a tracker API failure onto a dashboard response.
func (h *Handler) renderAPIError(w http.ResponseWriter, r *http.Request, err error) {
	switch apperrors.CodeOf(err) {
	case apperrors.CodeNotFound, apperrors.CodeProjectNameInvalid:
		http.NotFound(w, r)
	case apperrors.CodeAuthKeyMissing, apperrors.CodeAuthKeyInvalid,
		apperrors.CodeAuthKeyRevoked, apperrors.CodeAuthScopeInsufficient:
		h.logger.Error("tracker rejected dashboard credentials", zap.Error(err))
		http.Error(w, "tracker rejected the dashboard's API key", http.StatusBadGateway)
	default:
		h.logger.Error("tracker request failed", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "tracker unavailable", http.StatusBadGateway)
	}
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Package rest serves the tracker HTTP API under /api/v1.
//
// Middleware resolves bearer credentials once per request; handlers then
// enforce the scope they need. Write and admin operations require an API
// key, read operations also accept a signed share grant so run pages can
// be shared without handing out a key. Errors leave as one JSON envelope
// carrying the platform error code.
package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/louisbranch/waypost/internal/platform/errors"
	"github.com/louisbranch/waypost/internal/platform/id"
	"github.com/louisbranch/waypost/internal/platform/telemetry"
	"github.com/louisbranch/waypost/internal/services/tracker/blob"
	"github.com/louisbranch/waypost/internal/services/tracker/hub"
	"github.com/louisbranch/waypost/internal/services/tracker/storage"
	"github.com/louisbranch/waypost/internal/sharegrant"
	"github.com/louisbranch/waypost/internal/version"
)

const (
	// maxRequestBodyBytes caps ordinary JSON request bodies.
	maxRequestBodyBytes = 1024 * 1024
	// maxImportBodyBytes caps bulk import bodies, which carry whole runs
	// with their metric history.
	maxImportBodyBytes = 32 * 1024 * 1024

	defaultMaxArtifactBytes   = 32 * 1024 * 1024
	defaultRunIdleTimeout     = 6 * time.Hour
	defaultTelemetryRetention = 14 * 24 * time.Hour

	defaultPageSize = 50
	maxPageSize     = 200
	// Metric series pages are larger; charts want whole histories.
	defaultMetricPageSize = 500
	maxMetricPageSize     = 2000

	reapBatchSize = 100
)

// Stores bundles the persistence interfaces the API serves from.
type Stores struct {
	Projects   storage.ProjectStore
	Runs       storage.RunStore
	Metrics    storage.MetricStore
	Keys       storage.KeyStore
	Artifacts  storage.ArtifactStore
	Manifests  storage.ManifestStore
	Telemetry  storage.TelemetryStore
	Statistics storage.StatisticsStore
}

// Options carries optional collaborators and tuning for the server.
type Options struct {
	// Feed broadcasts run events to watch subscribers. A fresh hub is
	// created when nil.
	Feed *hub.Hub
	// Emitter records operational telemetry. Nil disables emission.
	Emitter *telemetry.Emitter
	Logger  *zap.Logger
	// Grants enables read access through signed share grants. Nil rejects
	// every grant.
	Grants *sharegrant.VerifierConfig
	// ViewBaseURL is the dashboard base used to build run view URLs,
	// such as "https://waypost.example.com". Empty omits view URLs.
	ViewBaseURL      string
	MaxArtifactBytes int64
	// RunIdleTimeout is the default idle window for the reap operation.
	RunIdleTimeout time.Duration
	Clock          func() time.Time
	IDGenerator    func() (string, error)
}

// Server handles tracker API requests.
type Server struct {
	stores           Stores
	blobs            blob.Store
	feed             *hub.Hub
	emitter          *telemetry.Emitter
	logger           *zap.Logger
	grants           *sharegrant.VerifierConfig
	viewBaseURL      string
	maxArtifactBytes int64
	runIdleTimeout   time.Duration
	clock            func() time.Time
	idGenerator      func() (string, error)
}

// NewServer builds an API server over the given stores and blob store.
func NewServer(stores Stores, blobs blob.Store, opts Options) (*Server, error) {
	if stores.Projects == nil || stores.Runs == nil || stores.Metrics == nil || stores.Keys == nil {
		return nil, fmt.Errorf("project, run, metric, and key stores are required")
	}
	if stores.Artifacts == nil || stores.Manifests == nil || stores.Telemetry == nil || stores.Statistics == nil {
		return nil, fmt.Errorf("artifact, manifest, telemetry, and statistics stores are required")
	}
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}

	server := &Server{
		stores:           stores,
		blobs:            blobs,
		feed:             opts.Feed,
		emitter:          opts.Emitter,
		logger:           opts.Logger,
		grants:           opts.Grants,
		viewBaseURL:      strings.TrimRight(strings.TrimSpace(opts.ViewBaseURL), "/"),
		maxArtifactBytes: opts.MaxArtifactBytes,
		runIdleTimeout:   opts.RunIdleTimeout,
		clock:            opts.Clock,
		idGenerator:      opts.IDGenerator,
	}
	if server.feed == nil {
		server.feed = hub.New()
	}
	if server.logger == nil {
		server.logger = zap.NewNop()
	}
	if server.maxArtifactBytes <= 0 {
		server.maxArtifactBytes = defaultMaxArtifactBytes
	}
	if server.runIdleTimeout <= 0 {
		server.runIdleTimeout = defaultRunIdleTimeout
	}
	if server.clock == nil {
		server.clock = time.Now
	}
	if server.idGenerator == nil {
		server.idGenerator = id.NewID
	}
	return server, nil
}

// Feed exposes the watch hub so other surfaces can publish or subscribe.
func (s *Server) Feed() *hub.Hub {
	return s.feed
}

// RegisterRoutes attaches every API route to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/api/v1/healthz", s.authenticate(s.handleHealthz))
	mux.Handle("/api/v1/version", s.authenticate(s.handleVersion))

	mux.Handle("/api/v1/projects", s.authenticate(s.handleProjects))
	mux.Handle("/api/v1/projects/{project}/runs", s.authenticate(s.handleProjectRuns))

	mux.Handle("/api/v1/runs", s.authenticate(s.handleRuns))
	mux.Handle("/api/v1/runs/{runID}", s.authenticate(s.handleRun))
	mux.Handle("/api/v1/runs/{runID}/finish", s.authenticate(s.handleRunFinish))
	mux.Handle("/api/v1/runs/{runID}/metrics", s.authenticate(s.handleRunMetrics))
	mux.Handle("/api/v1/runs/{runID}/artifacts", s.authenticate(s.handleRunArtifacts))
	mux.Handle("/api/v1/runs/{runID}/synced", s.authenticate(s.handleRunSynced))
	mux.Handle("/api/v1/runs/{runID}/watch", s.authenticate(s.handleRunWatch))
	mux.Handle("/api/v1/artifacts/{artifactID}/content", s.authenticate(s.handleArtifactContent))

	mux.Handle("/api/v1/import/runs", s.authenticate(s.handleImportRuns))
	mux.Handle("/api/v1/sync/pending", s.authenticate(s.handleSyncPending))
	mux.Handle("/api/v1/space/manifest", s.authenticate(s.handleSpaceManifest))

	mux.Handle("/api/v1/admin/reap", s.authenticate(s.handleAdminReap))
	mux.Handle("/api/v1/admin/prune", s.authenticate(s.handleAdminPrune))
	mux.Handle("/api/v1/admin/keys", s.authenticate(s.handleAdminKeys))
	mux.Handle("/api/v1/admin/keys/{keyID}", s.authenticate(s.handleAdminKey))
	mux.Handle("/api/v1/admin/stats", s.authenticate(s.handleAdminStats))
	mux.Handle("/api/v1/admin/telemetry", s.authenticate(s.handleAdminTelemetry))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type versionResponse struct {
	Server           string `json:"server"`
	MinClientVersion string `json:"min_client_version"`
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, r)
		return
	}
	writeJSON(w, http.StatusOK, versionResponse{
		Server:           version.Server,
		MinClientVersion: version.MinClientVersion,
	})
}

type errorBody struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError renders err as the API error envelope. Unknown errors log
// server-side and leave as an opaque 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeOf(err)
	status := code.HTTPStatus()

	body := errorBody{Code: string(code), Message: "internal error"}
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		body.Message = domainErr.Message
		body.Metadata = domainErr.Metadata
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		body.Message = "internal error"
		body.Metadata = nil
	}
	writeJSON(w, status, errorEnvelope{Error: body})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, r, apperrors.New(apperrors.CodeMethodNotAllowed,
		fmt.Sprintf("method %s is not allowed here", r.Method)))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, limit int64) error {
	body := http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperrors.New(apperrors.CodePayloadInvalid,
				fmt.Sprintf("request body exceeds %d bytes", limit))
		}
		return apperrors.Wrap(apperrors.CodePayloadInvalid, "malformed json body", err)
	}
	return nil
}

func clampPageSize(r *http.Request, fallback, ceiling int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("page_size"))
	if raw == "" {
		return fallback, nil
	}
	size, err := strconv.Atoi(raw)
	if err != nil || size <= 0 {
		return 0, apperrors.New(apperrors.CodePayloadInvalid, "page_size must be a positive integer")
	}
	if size > ceiling {
		size = ceiling
	}
	return size, nil
}

func (s *Server) emit(r *http.Request, evt telemetry.Event) {
	evt.Service = "tracker"
	if err := s.emitter.Emit(r.Context(), evt); err != nil {
		s.logger.Warn("emit telemetry", zap.String("event", evt.EventName), zap.Error(err))
	}
}

// viewURL builds the dashboard page for a run, empty when no dashboard
// base is configured.
func (s *Server) viewURL(projectID, runID string) string {
	if s.viewBaseURL == "" {
		return ""
	}
	return s.viewBaseURL + "/projects/" + projectID + "/runs/" + runID
}

package rest

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/louisbranch/waypost/internal/platform/errors"
	"github.com/louisbranch/waypost/internal/platform/telemetry"
	"github.com/louisbranch/waypost/internal/services/tracker/domain"
)

// ReapIdleRuns abandons active runs whose last write is older than
// idleTimeout. The admin endpoint and the app's janitor both run it.
func (s *Server) ReapIdleRuns(ctx context.Context, idleTimeout time.Duration) (int, error) {
	cutoff := s.clock().UTC().Add(-idleTimeout)
	reaped := 0
	for {
		runs, err := s.stores.Runs.ListIdleActiveRuns(ctx, cutoff, reapBatchSize)
		if err != nil {
			return reaped, err
		}
		if len(runs) == 0 {
			return reaped, nil
		}
		for _, run := range runs {
			abandoned, err := domain.AbandonRun(run, s.clock)
			if err != nil {
				// Already transitioned by a concurrent finish; skip it.
				continue
			}
			if err := s.stores.Runs.UpdateRunStatus(ctx, abandoned); err != nil {
				return reaped, err
			}
			reaped++

			s.feed.Publish(run.ID, "run.abandoned", s.toRunPayload(abandoned))
			s.feed.Drop(run.ID)
			if err := s.emitter.Emit(ctx, telemetry.Event{
				Service:   "tracker",
				EventName: "run.abandoned",
				Severity:  telemetry.SeverityWarn,
				ProjectID: run.ProjectID,
				RunID:     run.ID,
			}); err != nil {
				s.logger.Warn("emit telemetry", zap.String("event", "run.abandoned"), zap.Error(err))
			}
		}
		if len(runs) < reapBatchSize {
			return reaped, nil
		}
	}
}

// PruneTelemetry deletes telemetry events older than retention and
// returns how many were removed.
func (s *Server) PruneTelemetry(ctx context.Context, retention time.Duration) (int64, error) {
	before := s.clock().UTC().Add(-retention)
	return s.stores.Telemetry.PruneTelemetryEvents(ctx, before)
}

// RunIdleTimeout is the configured default idle window for reaping.
func (s *Server) RunIdleTimeout() time.Duration {
	return s.runIdleTimeout
}

type reapRequest struct {
	IdleTimeout string `json:"idle_timeout"`
}

type reapResponse struct {
	Reaped int `json:"reaped"`
}

func (s *Server) handleAdminReap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, r)
		return
	}
	if _, err := s.requireScope(r, domain.ScopeAdmin); err != nil {
		s.writeError(w, r, err)
		return
	}

	idleTimeout := s.runIdleTimeout
	if r.ContentLength != 0 {
		var req reapRequest
		if err := decodeJSON(w, r, &req, maxRequestBodyBytes); err != nil {
			s.writeError(w, r, err)
			return
		}
		if strings.TrimSpace(req.IdleTimeout) != "" {
			parsed, err := time.ParseDuration(req.IdleTimeout)
			if err != nil || parsed <= 0 {
				s.writeError(w, r, apperrors.New(apperrors.CodePayloadInvalid,
					"idle_timeout must be a positive duration such as 6h"))
				return
			}
			idleTimeout = parsed
		}
	}

	reaped, err := s.ReapIdleRuns(r.Context(), idleTimeout)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reapResponse{Reaped: reaped})
}

type pruneRequest struct {
	Retention string `json:"retention"`
}

type pruneResponse struct {
	Pruned int64 `json:"pruned"`
}

func (s *Server) handleAdminPrune(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, r)
		return
	}
	if _, err := s.requireScope(r, domain.ScopeAdmin); err != nil {
		s.writeError(w, r, err)
		return
	}

	retention := defaultTelemetryRetention
	if r.ContentLength != 0 {
		var req pruneRequest
		if err := decodeJSON(w, r, &req, maxRequestBodyBytes); err != nil {
			s.writeError(w, r, err)
			return
		}
		if strings.TrimSpace(req.Retention) != "" {
			parsed, err := time.ParseDuration(req.Retention)
			if err != nil || parsed <= 0 {
				s.writeError(w, r, apperrors.New(apperrors.CodePayloadInvalid,
					"retention must be a positive duration such as 336h"))
				return
			}
			retention = parsed
		}
	}

	pruned, err := s.PruneTelemetry(r.Context(), retention)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pruneResponse{Pruned: pruned})
}

type createKeyRequest struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
}

type createKeyResponse struct {
	Key keyPayload `json:"key"`
	// Secret is returned exactly once, at mint time.
	Secret string `json:"secret"`
}

type keyListResponse struct {
	Keys []keyPayload `json:"keys"`
}

func (s *Server) handleAdminKeys(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listKeys(w, r)
	case http.MethodPost:
		s.createKey(w, r)
	default:
		s.methodNotAllowed(w, r)
	}
}

func (s *Server) listKeys(w http.ResponseWriter, r *http.Request) {
	if _, err := s.requireScope(r, domain.ScopeAdmin); err != nil {
		s.writeError(w, r, err)
		return
	}
	keys, err := s.stores.Keys.ListAPIKeys(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	payloads := make([]keyPayload, 0, len(keys))
	for _, key := range keys {
		payloads = append(payloads, toKeyPayload(key))
	}
	writeJSON(w, http.StatusOK, keyListResponse{Keys: payloads})
}

func (s *Server) createKey(w http.ResponseWriter, r *http.Request) {
	if _, err := s.requireScope(r, domain.ScopeAdmin); err != nil {
		s.writeError(w, r, err)
		return
	}

	var req createKeyRequest
	if err := decodeJSON(w, r, &req, maxRequestBodyBytes); err != nil {
		s.writeError(w, r, err)
		return
	}
	scopes := make([]domain.Scope, 0, len(req.Scopes))
	for _, scope := range req.Scopes {
		scopes = append(scopes, domain.Scope(scope))
	}

	key, secret, err := domain.NewAPIKey(req.Name, scopes, s.clock, s.idGenerator)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.stores.Keys.CreateAPIKey(r.Context(), key); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.emit(r, telemetry.Event{EventName: "apikey.created", Detail: key.Name})
	writeJSON(w, http.StatusCreated, createKeyResponse{Key: toKeyPayload(key), Secret: secret})
}

func (s *Server) handleAdminKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		s.methodNotAllowed(w, r)
		return
	}
	if _, err := s.requireScope(r, domain.ScopeAdmin); err != nil {
		s.writeError(w, r, err)
		return
	}

	keyID := r.PathValue("keyID")
	if err := s.stores.Keys.RevokeAPIKey(r.Context(), keyID, s.clock().UTC()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.emit(r, telemetry.Event{EventName: "apikey.revoked", Detail: keyID})
	w.WriteHeader(http.StatusNoContent)
}

type statisticsEnvelope struct {
	Statistics statisticsPayload `json:"statistics"`
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, r)
		return
	}
	if _, err := s.requireScope(r, domain.ScopeRead); err != nil {
		s.writeError(w, r, err)
		return
	}
	stats, err := s.stores.Statistics.GetTrackerStatistics(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statisticsEnvelope{Statistics: toStatisticsPayload(stats)})
}

type telemetryListResponse struct {
	Events []telemetryEventPayload `json:"events"`
}

func (s *Server) handleAdminTelemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, r)
		return
	}
	if _, err := s.requireScope(r, domain.ScopeAdmin); err != nil {
		s.writeError(w, r, err)
		return
	}

	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, r, apperrors.New(apperrors.CodePayloadInvalid, "limit must be a positive integer"))
			return
		}
		limit = min(parsed, 500)
	}

	events, err := s.stores.Telemetry.ListTelemetryEvents(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, telemetryListResponse{Events: toTelemetryEventPayloads(events)})
}

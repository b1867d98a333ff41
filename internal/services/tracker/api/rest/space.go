package rest

import (
	"errors"
	"io"
	"net/http"
	"time"

	apperrors "github.com/louisbranch/waypost/internal/platform/errors"
	"github.com/louisbranch/waypost/internal/platform/telemetry"
	"github.com/louisbranch/waypost/internal/services/tracker/domain"
	"github.com/louisbranch/waypost/internal/services/tracker/storage"
	"github.com/louisbranch/waypost/internal/space"
)

type manifestUpdateResponse struct {
	UpdatedAt time.Time `json:"updated_at"`
}

// handleSpaceManifest serves the deployment's plain-text dependency
// manifest. Reads are open, like a requirements file on a package index;
// replacing it takes an admin key.
func (s *Server) handleSpaceManifest(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.getSpaceManifest(w, r)
	case http.MethodPut:
		s.putSpaceManifest(w, r)
	default:
		s.methodNotAllowed(w, r)
	}
}

func (s *Server) getSpaceManifest(w http.ResponseWriter, r *http.Request) {
	manifest, err := s.stores.Manifests.GetSpaceManifest(r.Context(), storage.DeploymentManifestScope)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// A fresh deployment still answers with the client pinned at
			// the server release.
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = io.WriteString(w, space.DefaultManifest().String())
			return
		}
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Last-Modified", manifest.UpdatedAt.UTC().Format(http.TimeFormat))
	_, _ = io.WriteString(w, manifest.Content)
}

// putSpaceManifest replaces the manifest. An If-Unmodified-Since header
// turns a lost update into a conflict instead of a silent overwrite.
func (s *Server) putSpaceManifest(w http.ResponseWriter, r *http.Request) {
	if _, err := s.requireScope(r, domain.ScopeAdmin); err != nil {
		s.writeError(w, r, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, apperrors.New(apperrors.CodePayloadInvalid, "manifest is too large"))
			return
		}
		s.writeError(w, r, apperrors.Wrap(apperrors.CodePayloadInvalid, "read manifest body", err))
		return
	}
	if _, err := space.ParseManifest(string(body)); err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	if since := r.Header.Get("If-Unmodified-Since"); since != "" {
		expected, err := http.ParseTime(since)
		if err != nil {
			s.writeError(w, r, apperrors.New(apperrors.CodePayloadInvalid, "malformed If-Unmodified-Since header"))
			return
		}
		stored, err := s.stores.Manifests.GetSpaceManifest(ctx, storage.DeploymentManifestScope)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, r, err)
			return
		}
		// http.TimeFormat has second precision, so compare at seconds.
		if err == nil && stored.UpdatedAt.Truncate(time.Second).After(expected) {
			s.writeError(w, r, apperrors.WithMetadata(apperrors.CodeSpaceManifestStale,
				"manifest changed since it was read",
				map[string]string{"updated_at": stored.UpdatedAt.UTC().Format(http.TimeFormat)}))
			return
		}
	}

	updatedAt := s.clock().UTC()
	if err := s.stores.Manifests.PutSpaceManifest(ctx, storage.SpaceManifest{
		Scope:     storage.DeploymentManifestScope,
		Content:   string(body),
		UpdatedAt: updatedAt,
	}); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.emit(r, telemetry.Event{EventName: "space.manifest_updated"})
	writeJSON(w, http.StatusOK, manifestUpdateResponse{UpdatedAt: updatedAt})
}

package rest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/louisbranch/waypost/internal/platform/errors"
	"github.com/louisbranch/waypost/internal/platform/telemetry"
	"github.com/louisbranch/waypost/internal/services/tracker/blob"
	"github.com/louisbranch/waypost/internal/services/tracker/domain"
	"github.com/louisbranch/waypost/internal/services/tracker/storage"
)

type artifactEnvelope struct {
	Artifact artifactPayload `json:"artifact"`
}

type artifactListResponse struct {
	Artifacts []artifactPayload `json:"artifacts"`
}

func (s *Server) handleRunArtifacts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.uploadArtifact(w, r)
	case http.MethodGet:
		s.listArtifacts(w, r)
	default:
		s.methodNotAllowed(w, r)
	}
}

// uploadArtifact stores a raw request body under ?name=. Re-uploading the
// same name replaces the payload in place.
func (s *Server) uploadArtifact(w http.ResponseWriter, r *http.Request) {
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

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxArtifactBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, apperrors.WithMetadata(apperrors.CodeArtifactTooLarge,
				"artifact exceeds the upload limit",
				map[string]string{"max_bytes": strconv.FormatInt(s.maxArtifactBytes, 10)}))
			return
		}
		s.writeError(w, r, apperrors.Wrap(apperrors.CodePayloadInvalid, "read artifact body", err))
		return
	}

	sum := sha256.Sum256(payload)
	digest := hex.EncodeToString(sum[:])
	if declared := strings.TrimSpace(r.URL.Query().Get("digest")); declared != "" {
		if !strings.EqualFold(strings.TrimPrefix(declared, "sha256:"), digest) {
			s.writeError(w, r, apperrors.WithMetadata(apperrors.CodePayloadInvalid,
				"artifact digest does not match the payload",
				map[string]string{"declared": declared, "computed": digest}))
			return
		}
	}

	artifact, err := domain.NewArtifact(domain.NewArtifactInput{
		RunID:       run.ID,
		Name:        r.URL.Query().Get("name"),
		ContentType: r.Header.Get("Content-Type"),
		SizeBytes:   int64(len(payload)),
		Digest:      digest,
	}, s.maxArtifactBytes, s.clock, s.idGenerator)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// The (run, name) row keeps its id across re-uploads, so the payload
	// lands on the same blob key and nothing is orphaned.
	if existing, err := s.stores.Artifacts.GetArtifact(ctx, run.ID, artifact.Name); err == nil {
		artifact.ID = existing.ID
	} else if !errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, r, err)
		return
	}

	key := artifactBlobKey(artifact)
	if err := s.blobs.Put(ctx, key, bytes.NewReader(payload), artifact.SizeBytes, artifact.ContentType); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.stores.Artifacts.PutArtifact(ctx, artifact); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.emit(r, telemetry.Event{
		EventName: "artifact.uploaded",
		ProjectID: run.ProjectID,
		RunID:     run.ID,
		Detail:    artifact.Name,
	})
	writeJSON(w, http.StatusCreated, artifactEnvelope{Artifact: toArtifactPayload(artifact)})
}

func (s *Server) listArtifacts(w http.ResponseWriter, r *http.Request) {
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

	artifacts, err := s.stores.Artifacts.ListArtifacts(ctx, run.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	payloads := make([]artifactPayload, 0, len(artifacts))
	for _, artifact := range artifacts {
		payloads = append(payloads, toArtifactPayload(artifact))
	}
	writeJSON(w, http.StatusOK, artifactListResponse{Artifacts: payloads})
}

// handleArtifactContent streams an artifact payload from the blob store.
func (s *Server) handleArtifactContent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, r)
		return
	}

	ctx := r.Context()
	artifact, err := s.stores.Artifacts.GetArtifactByID(ctx, r.PathValue("artifactID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	run, err := s.stores.Runs.GetRun(ctx, artifact.RunID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authorizeRead(r, run.ProjectID, run.ID); err != nil {
		s.writeError(w, r, err)
		return
	}

	payload, err := s.blobs.Get(ctx, artifactBlobKey(artifact))
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			s.writeError(w, r, apperrors.WithMetadata(apperrors.CodeNotFound,
				"artifact payload is missing from the blob store",
				map[string]string{"artifact_id": artifact.ID}))
			return
		}
		s.writeError(w, r, err)
		return
	}
	defer payload.Close()

	w.Header().Set("Content-Type", artifact.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(artifact.SizeBytes, 10))
	if _, err := io.Copy(w, payload); err != nil {
		s.logger.Warn("stream artifact", zap.String("artifact_id", artifact.ID), zap.Error(err))
	}
}

// artifactBlobKey derives a blob store key. Keys use the artifact id, not
// the user-chosen name, so names never touch the filesystem.
func artifactBlobKey(artifact domain.Artifact) string {
	return artifact.RunID + "/" + artifact.ID
}

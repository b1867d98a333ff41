package domain

import (
	"fmt"
	"path"
	"strings"
	"time"

	apperrors "github.com/louisbranch/waypost/internal/platform/errors"
	"github.com/louisbranch/waypost/internal/platform/id"
)

const maxArtifactNameRunes = 256

// ErrArtifactNameInvalid indicates a missing or unsafe artifact name.
var ErrArtifactNameInvalid = apperrors.New(apperrors.CodeArtifactNameInvalid, "artifact name is required")

// Artifact describes one file uploaded alongside a run, such as a loss
// curve image or a saved checkpoint manifest.
type Artifact struct {
	ID          string
	RunID       string
	Name        string
	ContentType string
	SizeBytes   int64
	// Digest is the hex SHA-256 of the payload.
	Digest    string
	CreatedAt time.Time
}

// NewArtifactInput describes an upload to register.
type NewArtifactInput struct {
	RunID       string
	Name        string
	ContentType string
	SizeBytes   int64
	Digest      string
}

// NewArtifact validates and constructs an artifact record.
func NewArtifact(input NewArtifactInput, maxSizeBytes int64, now func() time.Time, idGenerator func() (string, error)) (Artifact, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	runID := strings.TrimSpace(input.RunID)
	if runID == "" {
		return Artifact{}, apperrors.New(apperrors.CodePayloadInvalid, "run id is required")
	}
	name, err := NormalizeArtifactName(input.Name)
	if err != nil {
		return Artifact{}, err
	}
	if input.SizeBytes < 0 {
		return Artifact{}, apperrors.New(apperrors.CodePayloadInvalid, "artifact size must be >= 0")
	}
	if maxSizeBytes > 0 && input.SizeBytes > maxSizeBytes {
		return Artifact{}, apperrors.WithMetadata(apperrors.CodeArtifactTooLarge,
			fmt.Sprintf("artifact exceeds %d bytes", maxSizeBytes),
			map[string]string{"artifact": name})
	}

	artifactID, err := idGenerator()
	if err != nil {
		return Artifact{}, fmt.Errorf("generate artifact id: %w", err)
	}

	contentType := strings.TrimSpace(input.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return Artifact{
		ID:          artifactID,
		RunID:       runID,
		Name:        name,
		ContentType: contentType,
		SizeBytes:   input.SizeBytes,
		Digest:      strings.TrimSpace(input.Digest),
		CreatedAt:   now().UTC(),
	}, nil
}

// NormalizeArtifactName validates a relative artifact path such as
// "plots/loss.png". Absolute paths and parent traversal are rejected.
func NormalizeArtifactName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrArtifactNameInvalid
	}
	if len([]rune(name)) > maxArtifactNameRunes {
		return "", apperrors.WithMetadata(apperrors.CodeArtifactNameInvalid,
			fmt.Sprintf("artifact name exceeds %d characters", maxArtifactNameRunes),
			map[string]string{"artifact": name})
	}
	if strings.HasPrefix(name, "/") || path.Clean(name) != name || name == "." || strings.HasPrefix(name, "..") {
		return "", apperrors.WithMetadata(apperrors.CodeArtifactNameInvalid,
			"artifact name must be a clean relative path",
			map[string]string{"artifact": name})
	}
	return name, nil
}

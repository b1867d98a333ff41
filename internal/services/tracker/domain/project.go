package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	apperrors "github.com/louisbranch/waypost/internal/platform/errors"
	"github.com/louisbranch/waypost/internal/platform/id"
)

const maxProjectNameRunes = 128

var (
	// ErrProjectNameInvalid indicates a missing or malformed project name.
	ErrProjectNameInvalid = apperrors.New(apperrors.CodeProjectNameInvalid, "project name is required")
	// ErrSpaceIDInvalid indicates a malformed hosted space identifier.
	ErrSpaceIDInvalid = apperrors.New(apperrors.CodeSpaceIDInvalid, "space id must be owner/name")
)

// Project groups runs under a user-chosen name such as "fake-training".
type Project struct {
	ID   string
	Name string
	// SpaceID is the optional hosted space this project syncs to,
	// in owner/name form.
	SpaceID   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateProjectInput describes the metadata needed to create a project.
type CreateProjectInput struct {
	Name    string
	SpaceID string
}

// CreateProject creates a new project with a generated ID and timestamps.
func CreateProject(input CreateProjectInput, now func() time.Time, idGenerator func() (string, error)) (Project, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	name, err := NormalizeProjectName(input.Name)
	if err != nil {
		return Project{}, err
	}
	spaceID, err := NormalizeSpaceID(input.SpaceID)
	if err != nil {
		return Project{}, err
	}

	projectID, err := idGenerator()
	if err != nil {
		return Project{}, fmt.Errorf("generate project id: %w", err)
	}

	createdAt := now().UTC()
	return Project{
		ID:        projectID,
		Name:      name,
		SpaceID:   spaceID,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}, nil
}

// NormalizeProjectName trims and validates a user-chosen project name.
func NormalizeProjectName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrProjectNameInvalid
	}
	if len([]rune(name)) > maxProjectNameRunes {
		return "", apperrors.WithMetadata(apperrors.CodeProjectNameInvalid,
			fmt.Sprintf("project name exceeds %d characters", maxProjectNameRunes),
			map[string]string{"name": name})
	}
	for _, r := range name {
		if unicode.IsControl(r) || unicode.IsSpace(r) || r == '/' {
			return "", apperrors.WithMetadata(apperrors.CodeProjectNameInvalid,
				"project name must not contain whitespace, slashes, or control characters",
				map[string]string{"name": name})
		}
	}
	return name, nil
}

// NormalizeSpaceID validates an optional owner/name space identifier.
func NormalizeSpaceID(spaceID string) (string, error) {
	spaceID = strings.TrimSpace(spaceID)
	if spaceID == "" {
		return "", nil
	}
	owner, name, ok := strings.Cut(spaceID, "/")
	if !ok || strings.TrimSpace(owner) == "" || strings.TrimSpace(name) == "" || strings.Contains(name, "/") {
		return "", apperrors.WithMetadata(apperrors.CodeSpaceIDInvalid,
			"space id must be owner/name",
			map[string]string{"space_id": spaceID})
	}
	return strings.TrimSpace(owner) + "/" + strings.TrimSpace(name), nil
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/waypost/internal/services/tracker/domain"
	"github.com/louisbranch/waypost/internal/services/tracker/storage"
)

// CreateProject persists a new project record.
func (s *Store) CreateProject(ctx context.Context, project domain.Project) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO projects (id, name, space_id, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
`,
		project.ID,
		project.Name,
		project.SpaceID,
		toMillis(project.CreatedAt),
		toMillis(project.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err, "projects.") {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

// GetProject returns a project by its internal ID.
func (s *Store) GetProject(ctx context.Context, projectID string) (domain.Project, error) {
	return s.getProject(ctx, "id", projectID)
}

// GetProjectByName returns a project by its user-chosen name.
func (s *Store) GetProjectByName(ctx context.Context, name string) (domain.Project, error) {
	return s.getProject(ctx, "name", name)
}

func (s *Store) getProject(ctx context.Context, column string, value string) (domain.Project, error) {
	if err := ctx.Err(); err != nil {
		return domain.Project{}, err
	}
	if err := s.ready(); err != nil {
		return domain.Project{}, err
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return domain.Project{}, fmt.Errorf("project lookup value is required")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, name, space_id, created_at, updated_at
		   FROM projects
		  WHERE `+column+` = ?`,
		value,
	)

	var project domain.Project
	var createdAt, updatedAt int64
	err := row.Scan(&project.ID, &project.Name, &project.SpaceID, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Project{}, storage.ErrNotFound
		}
		return domain.Project{}, fmt.Errorf("get project: %w", err)
	}
	project.CreatedAt = fromMillis(createdAt)
	project.UpdatedAt = fromMillis(updatedAt)
	return project, nil
}

// UpdateProjectSpace sets the hosted space a project syncs to.
func (s *Store) UpdateProjectSpace(ctx context.Context, projectID string, spaceID string, updatedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}

	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE projects SET space_id = ?, updated_at = ? WHERE id = ?`,
		spaceID, toMillis(updatedAt), projectID,
	)
	if err != nil {
		return fmt.Errorf("update project space: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update project space: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListProjects returns one page of projects ordered by name.
func (s *Store) ListProjects(ctx context.Context, pageSize int, pageToken string) (storage.ProjectPage, error) {
	if err := ctx.Err(); err != nil {
		return storage.ProjectPage{}, err
	}
	if err := s.ready(); err != nil {
		return storage.ProjectPage{}, err
	}
	if pageSize <= 0 {
		return storage.ProjectPage{}, fmt.Errorf("page size must be greater than zero")
	}
	pageToken = strings.TrimSpace(pageToken)

	page := storage.ProjectPage{
		Projects: make([]domain.Project, 0, pageSize),
	}

	var (
		rows *sql.Rows
		err  error
	)
	if pageToken == "" {
		rows, err = s.sqlDB.QueryContext(ctx,
			`SELECT id, name, space_id, created_at, updated_at
			   FROM projects
			  ORDER BY name ASC
			  LIMIT ?`,
			pageSize+1,
		)
	} else {
		rows, err = s.sqlDB.QueryContext(ctx,
			`SELECT id, name, space_id, created_at, updated_at
			   FROM projects
			  WHERE name > ?
			  ORDER BY name ASC
			  LIMIT ?`,
			pageToken,
			pageSize+1,
		)
	}
	if err != nil {
		return storage.ProjectPage{}, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var project domain.Project
		var createdAt, updatedAt int64
		if err := rows.Scan(&project.ID, &project.Name, &project.SpaceID, &createdAt, &updatedAt); err != nil {
			return storage.ProjectPage{}, fmt.Errorf("list projects: %w", err)
		}
		project.CreatedAt = fromMillis(createdAt)
		project.UpdatedAt = fromMillis(updatedAt)
		page.Projects = append(page.Projects, project)
	}
	if err := rows.Err(); err != nil {
		return storage.ProjectPage{}, fmt.Errorf("list projects: %w", err)
	}
	if len(page.Projects) > pageSize {
		page.NextPageToken = page.Projects[pageSize-1].Name
		page.Projects = page.Projects[:pageSize]
	}

	return page, nil
}

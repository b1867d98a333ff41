package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/waypost/internal/services/tracker/domain"
	"github.com/louisbranch/waypost/internal/services/tracker/storage"
)

// PutArtifact inserts or replaces an artifact record for (run, name).
func (s *Store) PutArtifact(ctx context.Context, artifact domain.Artifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO artifacts (id, run_id, name, content_type, size_bytes, digest, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (run_id, name) DO UPDATE SET
	content_type = excluded.content_type,
	size_bytes = excluded.size_bytes,
	digest = excluded.digest,
	created_at = excluded.created_at
`,
		artifact.ID,
		artifact.RunID,
		artifact.Name,
		artifact.ContentType,
		artifact.SizeBytes,
		artifact.Digest,
		toMillis(artifact.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("put artifact: %w", err)
	}
	return nil
}

// GetArtifact returns one artifact record by run and name.
func (s *Store) GetArtifact(ctx context.Context, runID string, name string) (domain.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return domain.Artifact{}, err
	}
	if err := s.ready(); err != nil {
		return domain.Artifact{}, err
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, run_id, name, content_type, size_bytes, digest, created_at
		   FROM artifacts
		  WHERE run_id = ? AND name = ?`,
		runID, name,
	)

	var artifact domain.Artifact
	var createdAt int64
	err := row.Scan(
		&artifact.ID,
		&artifact.RunID,
		&artifact.Name,
		&artifact.ContentType,
		&artifact.SizeBytes,
		&artifact.Digest,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Artifact{}, storage.ErrNotFound
		}
		return domain.Artifact{}, fmt.Errorf("get artifact: %w", err)
	}
	artifact.CreatedAt = fromMillis(createdAt)
	return artifact, nil
}

// GetArtifactByID returns one artifact record by its internal ID.
func (s *Store) GetArtifactByID(ctx context.Context, artifactID string) (domain.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return domain.Artifact{}, err
	}
	if err := s.ready(); err != nil {
		return domain.Artifact{}, err
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, run_id, name, content_type, size_bytes, digest, created_at
		   FROM artifacts
		  WHERE id = ?`,
		artifactID,
	)

	var artifact domain.Artifact
	var createdAt int64
	err := row.Scan(
		&artifact.ID,
		&artifact.RunID,
		&artifact.Name,
		&artifact.ContentType,
		&artifact.SizeBytes,
		&artifact.Digest,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Artifact{}, storage.ErrNotFound
		}
		return domain.Artifact{}, fmt.Errorf("get artifact: %w", err)
	}
	artifact.CreatedAt = fromMillis(createdAt)
	return artifact, nil
}

// ListArtifacts returns a run's artifacts ordered by name.
func (s *Store) ListArtifacts(ctx context.Context, runID string) ([]domain.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, run_id, name, content_type, size_bytes, digest, created_at
		   FROM artifacts
		  WHERE run_id = ?
		  ORDER BY name ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []domain.Artifact
	for rows.Next() {
		var artifact domain.Artifact
		var createdAt int64
		if err := rows.Scan(
			&artifact.ID,
			&artifact.RunID,
			&artifact.Name,
			&artifact.ContentType,
			&artifact.SizeBytes,
			&artifact.Digest,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("list artifacts: %w", err)
		}
		artifact.CreatedAt = fromMillis(createdAt)
		artifacts = append(artifacts, artifact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return artifacts, nil
}

// PutSpaceManifest inserts or replaces a dependency manifest.
func (s *Store) PutSpaceManifest(ctx context.Context, manifest storage.SpaceManifest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(manifest.Scope) == "" {
		return fmt.Errorf("manifest scope is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO space_manifests (scope, content, updated_at)
VALUES (?, ?, ?)
ON CONFLICT (scope) DO UPDATE SET
	content = excluded.content,
	updated_at = excluded.updated_at
`,
		manifest.Scope,
		manifest.Content,
		toMillis(manifest.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put space manifest: %w", err)
	}
	return nil
}

// GetSpaceManifest returns the dependency manifest stored under scope.
func (s *Store) GetSpaceManifest(ctx context.Context, scope string) (storage.SpaceManifest, error) {
	if err := ctx.Err(); err != nil {
		return storage.SpaceManifest{}, err
	}
	if err := s.ready(); err != nil {
		return storage.SpaceManifest{}, err
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT scope, content, updated_at FROM space_manifests WHERE scope = ?`,
		scope,
	)

	var manifest storage.SpaceManifest
	var updatedAt int64
	err := row.Scan(&manifest.Scope, &manifest.Content, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.SpaceManifest{}, storage.ErrNotFound
		}
		return storage.SpaceManifest{}, fmt.Errorf("get space manifest: %w", err)
	}
	manifest.UpdatedAt = fromMillis(updatedAt)
	return manifest, nil
}

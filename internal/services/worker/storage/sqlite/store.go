// Package sqlite provides the SQLite-backed sync attempt ledger.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlitemigrate "github.com/louisbranch/waypost/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/waypost/internal/services/worker/storage"
	"github.com/louisbranch/waypost/internal/services/worker/storage/sqlite/migrations"
)

// Store persists push attempt records in SQLite.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a worker ledger store and applies embedded migrations.
func Open(path string) (*Store, error) {
	sqlDB, err := sqlitemigrate.Open(path, migrations.FS, "")
	if err != nil {
		return nil, err
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// RecordAttempt appends one push outcome record.
func (s *Store) RecordAttempt(ctx context.Context, attempt storage.AttemptRecord) error {
	attempt.RunID = strings.TrimSpace(attempt.RunID)
	attempt.Outcome = strings.TrimSpace(attempt.Outcome)
	if attempt.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if attempt.Outcome == "" {
		return fmt.Errorf("outcome is required")
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO sync_attempts (
    run_id,
    project_id,
    space_id,
    outcome,
    attempt_count,
    last_error,
    created_at
) VALUES (?, ?, ?, ?, ?, ?, ?)
`,
		attempt.RunID,
		attempt.ProjectID,
		attempt.SpaceID,
		attempt.Outcome,
		attempt.AttemptCount,
		attempt.LastError,
		attempt.CreatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// LatestAttempt returns the newest record for a run.
func (s *Store) LatestAttempt(ctx context.Context, runID string) (storage.AttemptRecord, bool, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, run_id, project_id, space_id, outcome, attempt_count, last_error, created_at
FROM sync_attempts
WHERE run_id = ?
ORDER BY id DESC
LIMIT 1
`, runID)

	record, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.AttemptRecord{}, false, nil
		}
		return storage.AttemptRecord{}, false, fmt.Errorf("latest attempt: %w", err)
	}
	return record, true, nil
}

// ListAttempts lists newest-first attempt records across all runs.
func (s *Store) ListAttempts(ctx context.Context, limit int) ([]storage.AttemptRecord, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, run_id, project_id, space_id, outcome, attempt_count, last_error, created_at
FROM sync_attempts
ORDER BY id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	records := make([]storage.AttemptRecord, 0, limit)
	for rows.Next() {
		record, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return records, nil
}

// PruneAttempts drops records created before the cutoff.
func (s *Store) PruneAttempts(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM sync_attempts WHERE created_at < ?`, before.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune attempts: %w", err)
	}
	pruned, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune attempts rows affected: %w", err)
	}
	return pruned, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (storage.AttemptRecord, error) {
	var record storage.AttemptRecord
	var createdAt int64
	if err := row.Scan(
		&record.ID,
		&record.RunID,
		&record.ProjectID,
		&record.SpaceID,
		&record.Outcome,
		&record.AttemptCount,
		&record.LastError,
		&createdAt,
	); err != nil {
		return storage.AttemptRecord{}, err
	}
	record.CreatedAt = time.UnixMilli(createdAt).UTC()
	return record, nil
}

var _ storage.AttemptStore = (*Store)(nil)

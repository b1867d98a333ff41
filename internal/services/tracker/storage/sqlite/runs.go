package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/louisbranch/waypost/internal/services/tracker/domain"
	"github.com/louisbranch/waypost/internal/services/tracker/storage"
)

const runColumns = `id, project_id, client_run_id, name, status, origin, config_json,
       next_step, created_at, updated_at, last_logged_at, finished_at, synced_at`

// CreateRun persists a new run record.
func (s *Store) CreateRun(ctx context.Context, run domain.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}

	configJSON, err := marshalConfig(run.Config)
	if err != nil {
		return err
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO runs (
	id,
	project_id,
	client_run_id,
	name,
	status,
	origin,
	config_json,
	next_step,
	created_at,
	updated_at,
	last_logged_at,
	finished_at,
	synced_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		run.ID,
		run.ProjectID,
		run.ClientRunID,
		run.Name,
		domain.RunStatusLabel(run.Status),
		run.Origin,
		configJSON,
		run.NextStep,
		toMillis(run.CreatedAt),
		toMillis(run.UpdatedAt),
		toNullMillis(run.LastLoggedAt),
		toNullMillis(run.FinishedAt),
		toNullMillis(run.SyncedAt),
	)
	if err != nil {
		if isUniqueViolation(err, "runs.") {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// GetRun returns a run by its internal ID.
func (s *Store) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	if err := ctx.Err(); err != nil {
		return domain.Run{}, err
	}
	if err := s.ready(); err != nil {
		return domain.Run{}, err
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	return scanRun(row)
}

// GetRunByClientID returns a run by its SDK-assigned identifier within a project.
func (s *Store) GetRunByClientID(ctx context.Context, projectID string, clientRunID string) (domain.Run, error) {
	if err := ctx.Err(); err != nil {
		return domain.Run{}, err
	}
	if err := s.ready(); err != nil {
		return domain.Run{}, err
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE project_id = ? AND client_run_id = ?`,
		projectID, clientRunID)
	return scanRun(row)
}

// UpdateRunStatus persists a lifecycle transition.
func (s *Store) UpdateRunStatus(ctx context.Context, run domain.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE runs
   SET status = ?, updated_at = ?, finished_at = ?
 WHERE id = ?
`,
		domain.RunStatusLabel(run.Status),
		toMillis(run.UpdatedAt),
		toNullMillis(run.FinishedAt),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListRuns returns one page of a project's runs, newest first.
func (s *Store) ListRuns(ctx context.Context, projectID string, pageSize int, pageToken string) (storage.RunPage, error) {
	if err := ctx.Err(); err != nil {
		return storage.RunPage{}, err
	}
	if err := s.ready(); err != nil {
		return storage.RunPage{}, err
	}
	if strings.TrimSpace(projectID) == "" {
		return storage.RunPage{}, fmt.Errorf("project id is required")
	}
	if pageSize <= 0 {
		return storage.RunPage{}, fmt.Errorf("page size must be greater than zero")
	}

	page := storage.RunPage{
		Runs: make([]domain.Run, 0, pageSize),
	}

	var (
		rows *sql.Rows
		err  error
	)
	tokenCreatedAt, tokenID, tokenErr := decodeRunPageToken(pageToken)
	if tokenErr != nil {
		return storage.RunPage{}, tokenErr
	}
	if tokenID == "" {
		rows, err = s.sqlDB.QueryContext(ctx,
			`SELECT `+runColumns+`
			   FROM runs
			  WHERE project_id = ?
			  ORDER BY created_at DESC, id DESC
			  LIMIT ?`,
			projectID,
			pageSize+1,
		)
	} else {
		rows, err = s.sqlDB.QueryContext(ctx,
			`SELECT `+runColumns+`
			   FROM runs
			  WHERE project_id = ?
			    AND (created_at < ? OR (created_at = ? AND id < ?))
			  ORDER BY created_at DESC, id DESC
			  LIMIT ?`,
			projectID,
			tokenCreatedAt,
			tokenCreatedAt,
			tokenID,
			pageSize+1,
		)
	}
	if err != nil {
		return storage.RunPage{}, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return storage.RunPage{}, err
		}
		page.Runs = append(page.Runs, run)
	}
	if err := rows.Err(); err != nil {
		return storage.RunPage{}, fmt.Errorf("list runs: %w", err)
	}
	if len(page.Runs) > pageSize {
		last := page.Runs[pageSize-1]
		page.NextPageToken = encodeRunPageToken(last)
		page.Runs = page.Runs[:pageSize]
	}

	return page, nil
}

// ListIdleActiveRuns returns active runs with no writes since idleBefore.
func (s *Store) ListIdleActiveRuns(ctx context.Context, idleBefore time.Time, limit int) ([]domain.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+runColumns+`
		   FROM runs
		  WHERE status = ?
		    AND COALESCE(last_logged_at, updated_at) < ?
		  ORDER BY updated_at ASC
		  LIMIT ?`,
		domain.RunStatusLabel(domain.RunStatusActive),
		toMillis(idleBefore),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list idle runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows, limit)
}

// ListUnsyncedFinishedRuns returns finished runs awaiting a hosted space push.
func (s *Store) ListUnsyncedFinishedRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+runColumns+`
		   FROM runs
		  WHERE status = ?
		    AND synced_at IS NULL
		  ORDER BY finished_at ASC
		  LIMIT ?`,
		domain.RunStatusLabel(domain.RunStatusFinished),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list unsynced runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows, limit)
}

// MarkRunSynced records a completed hosted space push.
func (s *Store) MarkRunSynced(ctx context.Context, runID string, syncedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}

	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE runs SET synced_at = ? WHERE id = ?`,
		toMillis(syncedAt), runID,
	)
	if err != nil {
		return fmt.Errorf("mark run synced: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark run synced: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var run domain.Run
	var statusLabel, configJSON string
	var createdAt, updatedAt int64
	var lastLoggedAt, finishedAt, syncedAt sql.NullInt64

	err := row.Scan(
		&run.ID,
		&run.ProjectID,
		&run.ClientRunID,
		&run.Name,
		&statusLabel,
		&run.Origin,
		&configJSON,
		&run.NextStep,
		&createdAt,
		&updatedAt,
		&lastLoggedAt,
		&finishedAt,
		&syncedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Run{}, storage.ErrNotFound
		}
		return domain.Run{}, fmt.Errorf("scan run: %w", err)
	}

	status, err := domain.RunStatusFromLabel(statusLabel)
	if err != nil {
		return domain.Run{}, fmt.Errorf("scan run: %w", err)
	}
	run.Status = status
	run.Config, err = unmarshalConfig(configJSON)
	if err != nil {
		return domain.Run{}, err
	}
	run.CreatedAt = fromMillis(createdAt)
	run.UpdatedAt = fromMillis(updatedAt)
	run.LastLoggedAt = fromNullMillis(lastLoggedAt)
	run.FinishedAt = fromNullMillis(finishedAt)
	run.SyncedAt = fromNullMillis(syncedAt)
	return run, nil
}

func collectRuns(rows *sql.Rows, capacity int) ([]domain.Run, error) {
	runs := make([]domain.Run, 0, capacity)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

func marshalConfig(config map[string]any) (string, error) {
	if len(config) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("marshal run config: %w", err)
	}
	return string(raw), nil
}

func unmarshalConfig(configJSON string) (map[string]any, error) {
	if strings.TrimSpace(configJSON) == "" || configJSON == "{}" {
		return nil, nil
	}
	var config map[string]any
	if err := json.Unmarshal([]byte(configJSON), &config); err != nil {
		return nil, fmt.Errorf("unmarshal run config: %w", err)
	}
	return config, nil
}

func encodeRunPageToken(run domain.Run) string {
	return strconv.FormatInt(toMillis(run.CreatedAt), 10) + ":" + run.ID
}

func decodeRunPageToken(pageToken string) (int64, string, error) {
	pageToken = strings.TrimSpace(pageToken)
	if pageToken == "" {
		return 0, "", nil
	}
	millisPart, idPart, ok := strings.Cut(pageToken, ":")
	if !ok || idPart == "" {
		return 0, "", fmt.Errorf("malformed page token")
	}
	millis, err := strconv.ParseInt(millisPart, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed page token")
	}
	return millis, idPart, nil
}

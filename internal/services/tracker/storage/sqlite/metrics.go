package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/louisbranch/waypost/internal/services/tracker/domain"
	"github.com/louisbranch/waypost/internal/services/tracker/storage"
)

// AppendMetricPoints upserts a validated batch and advances the run's step
// cursor in the same transaction.
func (s *Store) AppendMetricPoints(ctx context.Context, runID string, points []domain.MetricPoint) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.ready(); err != nil {
		return 0, err
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return 0, fmt.Errorf("run id is required")
	}
	if len(points) == 0 {
		return 0, fmt.Errorf("metric batch is empty")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin metric append: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var maxStep int64 = -1
	var lastLoggedAt time.Time
	for _, point := range points {
		loggedAt := point.LoggedAt
		if loggedAt.IsZero() {
			loggedAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO metric_points (run_id, name, step, value, logged_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (run_id, name, step) DO UPDATE SET
	value = excluded.value,
	logged_at = excluded.logged_at
`,
			runID,
			point.Name,
			point.Step,
			point.Value,
			toMillis(loggedAt),
		); err != nil {
			return 0, fmt.Errorf("append metric point %s: %w", point.Name, err)
		}
		if point.Step > maxStep {
			maxStep = point.Step
		}
		if loggedAt.After(lastLoggedAt) {
			lastLoggedAt = loggedAt
		}
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE runs
   SET next_step = MAX(next_step, ?),
       last_logged_at = ?,
       updated_at = ?
 WHERE id = ?
`,
		maxStep+1,
		toMillis(lastLoggedAt),
		toMillis(lastLoggedAt),
		runID,
	); err != nil {
		return 0, fmt.Errorf("advance run step: %w", err)
	}

	var nextStep int64
	row := tx.QueryRowContext(ctx, `SELECT next_step FROM runs WHERE id = ?`, runID)
	if err := row.Scan(&nextStep); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, storage.ErrNotFound
		}
		return 0, fmt.Errorf("read run step: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit metric append: %w", err)
	}
	return nextStep, nil
}

// ListMetricNames returns the series names logged for a run.
func (s *Store) ListMetricNames(ctx context.Context, runID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT DISTINCT name FROM metric_points WHERE run_id = ? ORDER BY name ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list metric names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("list metric names: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list metric names: %w", err)
	}
	return names, nil
}

// ListMetricPoints returns one page of a series ordered by step.
func (s *Store) ListMetricPoints(ctx context.Context, runID string, name string, pageSize int, pageToken string) (storage.MetricPointPage, error) {
	if err := ctx.Err(); err != nil {
		return storage.MetricPointPage{}, err
	}
	if err := s.ready(); err != nil {
		return storage.MetricPointPage{}, err
	}
	if pageSize <= 0 {
		return storage.MetricPointPage{}, fmt.Errorf("page size must be greater than zero")
	}

	afterStep := int64(-1)
	pageToken = strings.TrimSpace(pageToken)
	if pageToken != "" {
		parsed, err := strconv.ParseInt(pageToken, 10, 64)
		if err != nil {
			return storage.MetricPointPage{}, fmt.Errorf("malformed page token")
		}
		afterStep = parsed
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT run_id, name, step, value, logged_at
		   FROM metric_points
		  WHERE run_id = ? AND name = ? AND step > ?
		  ORDER BY step ASC
		  LIMIT ?`,
		runID,
		name,
		afterStep,
		pageSize+1,
	)
	if err != nil {
		return storage.MetricPointPage{}, fmt.Errorf("list metric points: %w", err)
	}
	defer rows.Close()

	page := storage.MetricPointPage{
		Points: make([]domain.MetricPoint, 0, pageSize),
	}
	for rows.Next() {
		point, err := scanMetricPoint(rows)
		if err != nil {
			return storage.MetricPointPage{}, err
		}
		page.Points = append(page.Points, point)
	}
	if err := rows.Err(); err != nil {
		return storage.MetricPointPage{}, fmt.Errorf("list metric points: %w", err)
	}
	if len(page.Points) > pageSize {
		page.NextPageToken = strconv.FormatInt(page.Points[pageSize-1].Step, 10)
		page.Points = page.Points[:pageSize]
	}
	return page, nil
}

// LatestMetricPoints returns the highest-step point of each series in a run.
func (s *Store) LatestMetricPoints(ctx context.Context, runID string) ([]domain.MetricPoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT mp.run_id, mp.name, mp.step, mp.value, mp.logged_at
  FROM metric_points mp
  JOIN (
	SELECT name, MAX(step) AS max_step
	  FROM metric_points
	 WHERE run_id = ?
	 GROUP BY name
  ) latest ON mp.name = latest.name AND mp.step = latest.max_step
 WHERE mp.run_id = ?
 ORDER BY mp.name ASC
`, runID, runID)
	if err != nil {
		return nil, fmt.Errorf("latest metric points: %w", err)
	}
	defer rows.Close()

	var points []domain.MetricPoint
	for rows.Next() {
		point, err := scanMetricPoint(rows)
		if err != nil {
			return nil, err
		}
		points = append(points, point)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("latest metric points: %w", err)
	}
	return points, nil
}

func scanMetricPoint(rows *sql.Rows) (domain.MetricPoint, error) {
	var point domain.MetricPoint
	var loggedAt int64
	if err := rows.Scan(&point.RunID, &point.Name, &point.Step, &point.Value, &loggedAt); err != nil {
		return domain.MetricPoint{}, fmt.Errorf("scan metric point: %w", err)
	}
	point.LoggedAt = fromMillis(loggedAt)
	return point, nil
}

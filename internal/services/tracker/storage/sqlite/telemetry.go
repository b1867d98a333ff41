package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/waypost/internal/platform/telemetry"
	"github.com/louisbranch/waypost/internal/services/tracker/storage"
)

// AppendTelemetryEvent persists one operational event.
func (s *Store) AppendTelemetryEvent(ctx context.Context, evt telemetry.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(evt.EventName) == "" {
		return fmt.Errorf("event name is required")
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if evt.Severity == "" {
		evt.Severity = telemetry.SeverityInfo
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO telemetry_events (ts, service, event_name, severity, project_id, run_id, detail, trace_id, span_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		toMillis(evt.Timestamp),
		evt.Service,
		evt.EventName,
		string(evt.Severity),
		evt.ProjectID,
		evt.RunID,
		evt.Detail,
		evt.TraceID,
		evt.SpanID,
	)
	if err != nil {
		return fmt.Errorf("append telemetry event: %w", err)
	}
	return nil
}

// ListTelemetryEvents returns the newest events first.
func (s *Store) ListTelemetryEvents(ctx context.Context, limit int) ([]telemetry.Event, error) {
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
		`SELECT ts, service, event_name, severity, project_id, run_id, detail, trace_id, span_id
		   FROM telemetry_events
		  ORDER BY ts DESC, id DESC
		  LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list telemetry events: %w", err)
	}
	defer rows.Close()

	events := make([]telemetry.Event, 0, limit)
	for rows.Next() {
		var evt telemetry.Event
		var ts int64
		var severity string
		if err := rows.Scan(&ts, &evt.Service, &evt.EventName, &severity, &evt.ProjectID, &evt.RunID, &evt.Detail, &evt.TraceID, &evt.SpanID); err != nil {
			return nil, fmt.Errorf("scan telemetry event: %w", err)
		}
		evt.Timestamp = fromMillis(ts)
		evt.Severity = telemetry.Severity(severity)
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate telemetry events: %w", err)
	}
	return events, nil
}

// PruneTelemetryEvents deletes events older than before and reports how many
// rows were removed.
func (s *Store) PruneTelemetryEvents(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.ready(); err != nil {
		return 0, err
	}

	result, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM telemetry_events WHERE ts < ?`,
		toMillis(before),
	)
	if err != nil {
		return 0, fmt.Errorf("prune telemetry events: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune telemetry events: %w", err)
	}
	return removed, nil
}

// GetTrackerStatistics returns aggregate counts for admin surfaces.
func (s *Store) GetTrackerStatistics(ctx context.Context) (storage.TrackerStatistics, error) {
	if err := ctx.Err(); err != nil {
		return storage.TrackerStatistics{}, err
	}
	if err := s.ready(); err != nil {
		return storage.TrackerStatistics{}, err
	}

	var stats storage.TrackerStatistics
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT
	(SELECT COUNT(*) FROM projects),
	(SELECT COUNT(*) FROM runs),
	(SELECT COUNT(*) FROM runs WHERE status = 'ACTIVE'),
	(SELECT COUNT(*) FROM metric_points)
`)
	if err := row.Scan(&stats.ProjectCount, &stats.RunCount, &stats.ActiveRunCount, &stats.MetricPointCount); err != nil {
		return storage.TrackerStatistics{}, fmt.Errorf("tracker statistics: %w", err)
	}
	return stats, nil
}

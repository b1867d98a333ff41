// Package app runs the sync worker: the process that mirrors finished runs
// from the local tracker to a hosted space. Each poll lists runs the tracker
// marked as pending, pushes them one at a time, and records the outcome in a
// durable attempt ledger so retries and dead runs survive restarts.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/louisbranch/waypost/internal/platform/errors"
	"github.com/louisbranch/waypost/internal/services/worker/domain"
	"github.com/louisbranch/waypost/internal/services/worker/storage"
	"github.com/louisbranch/waypost/internal/trackerclient"
)

// exportPageSize bounds a single metric page when exporting a run's history.
const exportPageSize = 500

// Tracker is the slice of the tracker API the loop reads from and acks to.
type Tracker interface {
	PendingRuns(ctx context.Context, limit int) ([]trackerclient.PendingRun, error)
	MetricSummary(ctx context.Context, runID string) (trackerclient.MetricSummary, error)
	MetricPoints(ctx context.Context, runID, name string, query trackerclient.MetricPointsQuery) (trackerclient.MetricPointsPage, error)
	MarkRunSynced(ctx context.Context, runID string) (time.Time, error)
}

// Space is the slice of the space client the loop pushes through.
type Space interface {
	PushRuns(ctx context.Context, origin string, runs []trackerclient.ImportRun) (trackerclient.ImportResult, error)
}

// Config tunes the sync loop.
type Config struct {
	// Origin names this tracker on the space, typically its hostname.
	Origin string
	// PollInterval is the pause between pending-run sweeps.
	PollInterval time.Duration
	// BatchLimit caps how many pending runs one sweep claims.
	BatchLimit int
	// Retry schedules re-pushes after transient failures.
	Retry domain.RetryPolicy
}

func (c Config) normalized() Config {
	if strings.TrimSpace(c.Origin) == "" {
		c.Origin = "local"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 20
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.Backoff <= 0 {
		c.Retry.Backoff = time.Minute
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 30 * time.Minute
	}
	return c
}

// Summary tallies one sweep over the pending runs.
type Summary struct {
	Pushed  int
	Failed  int
	Dead    int
	Skipped int
}

// Loop drives the tracker-to-space sync.
type Loop struct {
	tracker Tracker
	space   Space
	ledger  storage.AttemptStore
	cfg     Config
	logger  *zap.Logger
	clock   func() time.Time
}

// New wires a sync loop. The logger may be nil.
func New(tracker Tracker, space Space, ledger storage.AttemptStore, cfg Config, logger *zap.Logger) (*Loop, error) {
	if tracker == nil {
		return nil, errors.New("worker: tracker client is required")
	}
	if space == nil {
		return nil, errors.New("worker: space client is required")
	}
	if ledger == nil {
		return nil, errors.New("worker: attempt ledger is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		tracker: tracker,
		space:   space,
		ledger:  ledger,
		cfg:     cfg.normalized(),
		logger:  logger,
		clock:   time.Now,
	}, nil
}

// Run polls until the context is canceled.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		summary, err := l.SyncOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Warn("sync sweep failed", zap.Error(err))
		} else if summary.Pushed > 0 || summary.Dead > 0 {
			l.logger.Info("sync sweep finished",
				zap.Int("pushed", summary.Pushed),
				zap.Int("failed", summary.Failed),
				zap.Int("dead", summary.Dead),
				zap.Int("skipped", summary.Skipped))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SyncOnce sweeps the pending runs once and reports what happened to each.
func (l *Loop) SyncOnce(ctx context.Context) (Summary, error) {
	var summary Summary

	pending, err := l.tracker.PendingRuns(ctx, l.cfg.BatchLimit)
	if err != nil {
		return summary, fmt.Errorf("list pending runs: %w", err)
	}

	for i := 0; i < len(pending); i++ {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		outcome, err := l.syncRun(ctx, pending[i])
		if err != nil {
			return summary, err
		}
		switch outcome {
		case storage.OutcomeSucceeded:
			summary.Pushed++
		case storage.OutcomeRetry:
			summary.Failed++
		case storage.OutcomeDead:
			summary.Dead++
		case storage.OutcomeSkipped:
			summary.Skipped++
		}
	}
	return summary, nil
}

// syncRun pushes one pending run and records the attempt. The empty outcome
// means the run was left untouched this sweep.
func (l *Loop) syncRun(ctx context.Context, item trackerclient.PendingRun) (string, error) {
	last, ok, err := l.ledger.LatestAttempt(ctx, item.Run.ID)
	if err != nil {
		return "", fmt.Errorf("read attempt ledger for run %s: %w", item.Run.ID, err)
	}
	attempts := 0
	if ok {
		switch last.Outcome {
		case storage.OutcomeDead, storage.OutcomeSkipped:
			// Terminal. The run stays pending on the tracker but the
			// worker stops touching it.
			return "", nil
		case storage.OutcomeRetry:
			if !l.cfg.Retry.Eligible(l.clock(), last.CreatedAt, last.AttemptCount) {
				return "", nil
			}
			attempts = last.AttemptCount
		case storage.OutcomeSucceeded:
			// Pushed but never acked. Re-push is idempotent on the
			// space side, then ack again.
		}
	}

	if strings.TrimSpace(item.Project.SpaceID) == "" {
		record := storage.AttemptRecord{
			RunID:     item.Run.ID,
			ProjectID: item.Project.ID,
			Outcome:   storage.OutcomeSkipped,
			LastError: "project has no space id",
		}
		if err := l.recordAttempt(ctx, record); err != nil {
			return "", err
		}
		l.logger.Debug("run skipped, project has no space id",
			zap.String("run_id", item.Run.ID),
			zap.String("project", item.Project.Name))
		return storage.OutcomeSkipped, nil
	}

	export, err := l.exportRun(ctx, item)
	if err != nil {
		return l.recordFailure(ctx, item, attempts+1, err)
	}
	if _, err := l.space.PushRuns(ctx, l.cfg.Origin, []trackerclient.ImportRun{export}); err != nil {
		return l.recordFailure(ctx, item, attempts+1, err)
	}

	if _, err := l.tracker.MarkRunSynced(ctx, item.Run.ID); err != nil {
		// The push landed; only the ack is missing. Leave the ledger on
		// succeeded so the next sweep re-pushes and acks again.
		l.logger.Warn("run pushed but ack failed",
			zap.String("run_id", item.Run.ID),
			zap.Error(err))
	}

	record := storage.AttemptRecord{
		RunID:        item.Run.ID,
		ProjectID:    item.Project.ID,
		SpaceID:      item.Project.SpaceID,
		Outcome:      storage.OutcomeSucceeded,
		AttemptCount: attempts + 1,
	}
	if err := l.recordAttempt(ctx, record); err != nil {
		return "", err
	}
	l.logger.Info("run synced to space",
		zap.String("run_id", item.Run.ID),
		zap.String("project", item.Project.Name),
		zap.String("space_id", item.Project.SpaceID))
	return storage.OutcomeSucceeded, nil
}

// recordFailure writes a retry or dead attempt depending on the error and the
// budget, and returns the outcome it recorded.
func (l *Loop) recordFailure(ctx context.Context, item trackerclient.PendingRun, attempts int, cause error) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	outcome := storage.OutcomeRetry
	if l.cfg.Retry.Exhausted(attempts) || isRejection(cause) {
		outcome = storage.OutcomeDead
	}
	record := storage.AttemptRecord{
		RunID:        item.Run.ID,
		ProjectID:    item.Project.ID,
		SpaceID:      item.Project.SpaceID,
		Outcome:      outcome,
		AttemptCount: attempts,
		LastError:    cause.Error(),
	}
	if err := l.recordAttempt(ctx, record); err != nil {
		return "", err
	}
	if outcome == storage.OutcomeDead {
		l.logger.Error("run sync gave up",
			zap.String("run_id", item.Run.ID),
			zap.Int("attempts", attempts),
			zap.Error(cause))
	} else {
		l.logger.Warn("run sync failed, will retry",
			zap.String("run_id", item.Run.ID),
			zap.Int("attempts", attempts),
			zap.Duration("next_delay", l.cfg.Retry.Delay(attempts)),
			zap.Error(cause))
	}
	return outcome, nil
}

func (l *Loop) recordAttempt(ctx context.Context, record storage.AttemptRecord) error {
	record.CreatedAt = l.clock()
	if err := l.ledger.RecordAttempt(ctx, record); err != nil {
		return fmt.Errorf("record attempt for run %s: %w", record.RunID, err)
	}
	return nil
}

// isRejection reports whether the space refused the payload outright, in
// which case retrying the same bytes cannot help.
func isRejection(err error) bool {
	var domainErr *apperrors.Error
	if !errors.As(err, &domainErr) {
		return false
	}
	switch domainErr.Code {
	case apperrors.CodeSpaceUnavailable, apperrors.CodeUnknown:
		return false
	}
	return true
}

// exportRun assembles the import payload for one finished run, paging its
// full metric history out of the tracker.
func (l *Loop) exportRun(ctx context.Context, item trackerclient.PendingRun) (trackerclient.ImportRun, error) {
	export := trackerclient.ImportRun{
		Project:     item.Project.Name,
		SpaceID:     item.Project.SpaceID,
		ClientRunID: item.Run.ClientRunID,
		Name:        item.Run.Name,
		Config:      item.Run.Config,
		CreatedAt:   item.Run.CreatedAt,
	}
	if item.Run.FinishedAt != nil {
		export.FinishedAt = *item.Run.FinishedAt
	}

	summary, err := l.tracker.MetricSummary(ctx, item.Run.ID)
	if err != nil {
		return trackerclient.ImportRun{}, fmt.Errorf("summarize metrics for run %s: %w", item.Run.ID, err)
	}
	for i := 0; i < len(summary.Names); i++ {
		name := summary.Names[i]
		query := trackerclient.MetricPointsQuery{PageSize: exportPageSize}
		for {
			page, err := l.tracker.MetricPoints(ctx, item.Run.ID, name, query)
			if err != nil {
				return trackerclient.ImportRun{}, fmt.Errorf("page metric %s for run %s: %w", name, item.Run.ID, err)
			}
			export.Points = append(export.Points, page.Points...)
			if page.NextPageToken == "" {
				break
			}
			query.PageToken = page.NextPageToken
		}
	}
	return export, nil
}

// Package storage defines the sync worker's durable attempt ledger.
package storage

import (
	"context"
	"time"
)

// Push outcomes recorded in the ledger.
const (
	// OutcomeSucceeded marks a run that reached the space.
	OutcomeSucceeded = "succeeded"
	// OutcomeRetry marks a failed push that stays eligible after backoff.
	OutcomeRetry = "retry"
	// OutcomeDead marks a run the worker gave up on.
	OutcomeDead = "dead"
	// OutcomeSkipped marks a run whose project declares no space.
	OutcomeSkipped = "skipped"
)

// AttemptRecord is one durable push outcome for one run.
type AttemptRecord struct {
	ID           int64
	RunID        string
	ProjectID    string
	SpaceID      string
	Outcome      string
	AttemptCount int
	LastError    string
	CreatedAt    time.Time
}

// AttemptStore persists push attempt records.
type AttemptStore interface {
	// RecordAttempt appends one outcome record.
	RecordAttempt(ctx context.Context, attempt AttemptRecord) error
	// LatestAttempt returns the newest record for a run, reporting false
	// when the run has never been attempted.
	LatestAttempt(ctx context.Context, runID string) (AttemptRecord, bool, error)
	// ListAttempts lists newest-first attempt records across all runs.
	ListAttempts(ctx context.Context, limit int) ([]AttemptRecord, error)
	// PruneAttempts drops records created before the cutoff and returns
	// how many were removed.
	PruneAttempts(ctx context.Context, before time.Time) (int64, error)
}

package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/louisbranch/waypost/internal/platform/errors"
	"github.com/louisbranch/waypost/internal/services/tracker/api/rest"
	"github.com/louisbranch/waypost/internal/services/tracker/blob"
	trackerdomain "github.com/louisbranch/waypost/internal/services/tracker/domain"
	trackersqlite "github.com/louisbranch/waypost/internal/services/tracker/storage/sqlite"
	"github.com/louisbranch/waypost/internal/services/worker/storage"
	"github.com/louisbranch/waypost/internal/services/worker/storage/sqlite"
	"github.com/louisbranch/waypost/internal/space"
	"github.com/louisbranch/waypost/internal/trackerclient"
)

type fakeTracker struct {
	pending  []trackerclient.PendingRun
	metrics  map[string][]trackerclient.MetricPoint
	pageSize int
	synced   []string
	ackErr   error
}

func (f *fakeTracker) PendingRuns(ctx context.Context, limit int) ([]trackerclient.PendingRun, error) {
	pending := append([]trackerclient.PendingRun(nil), f.pending...)
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (f *fakeTracker) MetricSummary(ctx context.Context, runID string) (trackerclient.MetricSummary, error) {
	var summary trackerclient.MetricSummary
	seen := map[string]bool{}
	for _, point := range f.metrics[runID] {
		if !seen[point.Name] {
			seen[point.Name] = true
			summary.Names = append(summary.Names, point.Name)
		}
	}
	return summary, nil
}

func (f *fakeTracker) MetricPoints(ctx context.Context, runID, name string, query trackerclient.MetricPointsQuery) (trackerclient.MetricPointsPage, error) {
	var all []trackerclient.MetricPoint
	for _, point := range f.metrics[runID] {
		if point.Name == name {
			all = append(all, point)
		}
	}
	start := 0
	if query.PageToken != "" {
		parsed, err := strconv.Atoi(query.PageToken)
		if err != nil {
			return trackerclient.MetricPointsPage{}, err
		}
		start = parsed
	}
	end := len(all)
	if f.pageSize > 0 && start+f.pageSize < end {
		end = start + f.pageSize
	}
	page := trackerclient.MetricPointsPage{Points: all[start:end]}
	if end < len(all) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

func (f *fakeTracker) MarkRunSynced(ctx context.Context, runID string) (time.Time, error) {
	if f.ackErr != nil {
		return time.Time{}, f.ackErr
	}
	f.synced = append(f.synced, runID)
	for i := 0; i < len(f.pending); i++ {
		if f.pending[i].Run.ID == runID {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			break
		}
	}
	return time.Now(), nil
}

type fakeSpace struct {
	errs    []error
	origins []string
	pushes  [][]trackerclient.ImportRun
}

func (f *fakeSpace) PushRuns(ctx context.Context, origin string, runs []trackerclient.ImportRun) (trackerclient.ImportResult, error) {
	f.origins = append(f.origins, origin)
	f.pushes = append(f.pushes, runs)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return trackerclient.ImportResult{}, err
		}
	}
	return trackerclient.ImportResult{Imported: len(runs)}, nil
}

func pendingRun(runID, projectName, spaceID string) trackerclient.PendingRun {
	created := time.Date(2026, time.February, 20, 9, 0, 0, 0, time.UTC)
	finished := created.Add(time.Hour)
	return trackerclient.PendingRun{
		Run: trackerclient.Run{
			ID:          runID,
			ProjectID:   "proj-" + projectName,
			ClientRunID: "client-" + runID,
			Name:        runID,
			Status:      "FINISHED",
			CreatedAt:   created,
			FinishedAt:  &finished,
		},
		Project: trackerclient.Project{
			ID:      "proj-" + projectName,
			Name:    projectName,
			SpaceID: spaceID,
		},
	}
}

// newTestLoop wires a loop over a real attempt ledger with a controllable
// clock. Advance the returned time pointer to move the loop's clock.
func newTestLoop(t *testing.T, tracker Tracker, spc Space, cfg Config) (*Loop, *sqlite.Store, *time.Time) {
	t.Helper()
	ledger, err := sqlite.Open(filepath.Join(t.TempDir(), "worker.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })

	loop, err := New(tracker, spc, ledger, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}
	now := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	loop.clock = func() time.Time { return now }
	return loop, ledger, &now
}

func TestNewValidatesDependencies(t *testing.T) {
	tracker := &fakeTracker{}
	spc := &fakeSpace{}
	ledger, err := sqlite.Open(filepath.Join(t.TempDir(), "worker.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })

	if _, err := New(nil, spc, ledger, Config{}, nil); err == nil {
		t.Fatal("expected error without tracker")
	}
	if _, err := New(tracker, nil, ledger, Config{}, nil); err == nil {
		t.Fatal("expected error without space")
	}
	if _, err := New(tracker, spc, nil, Config{}, nil); err == nil {
		t.Fatal("expected error without ledger")
	}
	if _, err := New(tracker, spc, ledger, Config{}, nil); err != nil {
		t.Fatalf("new loop: %v", err)
	}
}

func TestSyncOnceSkipsProjectsWithoutSpace(t *testing.T) {
	tracker := &fakeTracker{pending: []trackerclient.PendingRun{pendingRun("run-1", "scratch", "")}}
	spc := &fakeSpace{}
	loop, ledger, _ := newTestLoop(t, tracker, spc, Config{})
	ctx := context.Background()

	summary, err := loop.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("sync once: %v", err)
	}
	if summary.Skipped != 1 || summary.Pushed != 0 {
		t.Fatalf("summary = %+v, want one skipped", summary)
	}
	if len(spc.pushes) != 0 {
		t.Fatalf("pushes = %d, want none", len(spc.pushes))
	}
	last, ok, err := ledger.LatestAttempt(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("latest attempt: ok=%v err=%v", ok, err)
	}
	if last.Outcome != storage.OutcomeSkipped {
		t.Fatalf("outcome = %q, want %q", last.Outcome, storage.OutcomeSkipped)
	}

	// The skip is terminal; later sweeps leave the run alone.
	summary, err = loop.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if summary != (Summary{}) {
		t.Fatalf("second summary = %+v, want empty", summary)
	}
}

func TestSyncOnceRetriesAfterBackoff(t *testing.T) {
	tracker := &fakeTracker{pending: []trackerclient.PendingRun{pendingRun("run-1", "mnist", "team/alpha")}}
	spc := &fakeSpace{errs: []error{apperrors.New(apperrors.CodeSpaceUnavailable, "space is down")}}
	loop, ledger, now := newTestLoop(t, tracker, spc, Config{})
	ctx := context.Background()

	summary, err := loop.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("sync once: %v", err)
	}
	if summary.Failed != 1 {
		t.Fatalf("summary = %+v, want one failed", summary)
	}
	last, ok, err := ledger.LatestAttempt(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("latest attempt: ok=%v err=%v", ok, err)
	}
	if last.Outcome != storage.OutcomeRetry || last.AttemptCount != 1 {
		t.Fatalf("attempt = %+v, want retry count 1", last)
	}
	if last.LastError == "" {
		t.Fatal("expected the failure message on the ledger")
	}

	// Still inside the backoff window: nothing happens.
	summary, err = loop.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("sync during backoff: %v", err)
	}
	if len(spc.pushes) != 1 || summary != (Summary{}) {
		t.Fatalf("pushed during backoff: summary=%+v pushes=%d", summary, len(spc.pushes))
	}

	*now = now.Add(2 * time.Minute)
	summary, err = loop.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("sync after backoff: %v", err)
	}
	if summary.Pushed != 1 {
		t.Fatalf("summary = %+v, want one pushed", summary)
	}
	if len(tracker.synced) != 1 || tracker.synced[0] != "run-1" {
		t.Fatalf("synced = %v, want [run-1]", tracker.synced)
	}
	last, _, err = ledger.LatestAttempt(ctx, "run-1")
	if err != nil {
		t.Fatalf("latest attempt: %v", err)
	}
	if last.Outcome != storage.OutcomeSucceeded || last.AttemptCount != 2 {
		t.Fatalf("attempt = %+v, want succeeded on try 2", last)
	}
}

func TestSyncOnceGivesUpAfterMaxAttempts(t *testing.T) {
	down := apperrors.New(apperrors.CodeSpaceUnavailable, "space is down")
	tracker := &fakeTracker{pending: []trackerclient.PendingRun{pendingRun("run-1", "mnist", "team/alpha")}}
	spc := &fakeSpace{errs: []error{down, down}}
	cfg := Config{}
	cfg.Retry.MaxAttempts = 2
	loop, ledger, now := newTestLoop(t, tracker, spc, cfg)
	ctx := context.Background()

	summary, err := loop.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if summary.Failed != 1 {
		t.Fatalf("first summary = %+v, want one failed", summary)
	}

	*now = now.Add(2 * time.Minute)
	summary, err = loop.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if summary.Dead != 1 {
		t.Fatalf("second summary = %+v, want one dead", summary)
	}
	last, _, err := ledger.LatestAttempt(ctx, "run-1")
	if err != nil {
		t.Fatalf("latest attempt: %v", err)
	}
	if last.Outcome != storage.OutcomeDead || last.AttemptCount != 2 {
		t.Fatalf("attempt = %+v, want dead on try 2", last)
	}

	*now = now.Add(time.Hour)
	summary, err = loop.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("third sync: %v", err)
	}
	if summary != (Summary{}) || len(spc.pushes) != 2 {
		t.Fatalf("dead run was retried: summary=%+v pushes=%d", summary, len(spc.pushes))
	}
}

func TestSyncOnceGivesUpOnRejection(t *testing.T) {
	tracker := &fakeTracker{pending: []trackerclient.PendingRun{pendingRun("run-1", "mnist", "team/alpha")}}
	spc := &fakeSpace{errs: []error{apperrors.New(apperrors.CodePayloadInvalid, "config too large")}}
	loop, ledger, _ := newTestLoop(t, tracker, spc, Config{})
	ctx := context.Background()

	summary, err := loop.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("sync once: %v", err)
	}
	if summary.Dead != 1 {
		t.Fatalf("summary = %+v, want one dead", summary)
	}
	last, _, err := ledger.LatestAttempt(ctx, "run-1")
	if err != nil {
		t.Fatalf("latest attempt: %v", err)
	}
	if last.Outcome != storage.OutcomeDead || last.AttemptCount != 1 {
		t.Fatalf("attempt = %+v, want dead on try 1", last)
	}
}

func TestSyncOnceRepushesWhenAckFails(t *testing.T) {
	tracker := &fakeTracker{
		pending: []trackerclient.PendingRun{pendingRun("run-1", "mnist", "team/alpha")},
		ackErr:  apperrors.New(apperrors.CodeUnknown, "tracker restarting"),
	}
	spc := &fakeSpace{}
	loop, ledger, _ := newTestLoop(t, tracker, spc, Config{})
	ctx := context.Background()

	summary, err := loop.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if summary.Pushed != 1 {
		t.Fatalf("first summary = %+v, want one pushed", summary)
	}
	if len(tracker.synced) != 0 {
		t.Fatalf("synced = %v, want none while acks fail", tracker.synced)
	}
	last, _, err := ledger.LatestAttempt(ctx, "run-1")
	if err != nil {
		t.Fatalf("latest attempt: %v", err)
	}
	if last.Outcome != storage.OutcomeSucceeded {
		t.Fatalf("outcome = %q, want %q", last.Outcome, storage.OutcomeSucceeded)
	}

	// The tracker recovers: the run is still pending, so the next sweep
	// pushes again (idempotent on the space) and lands the ack.
	tracker.ackErr = nil
	summary, err = loop.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if summary.Pushed != 1 {
		t.Fatalf("second summary = %+v, want one pushed", summary)
	}
	if len(spc.pushes) != 2 {
		t.Fatalf("pushes = %d, want 2", len(spc.pushes))
	}
	if len(tracker.synced) != 1 || tracker.synced[0] != "run-1" {
		t.Fatalf("synced = %v, want [run-1]", tracker.synced)
	}
}

func TestExportCollectsPagedMetricHistory(t *testing.T) {
	item := pendingRun("run-1", "mnist", "team/alpha")
	item.Run.Config = map[string]any{"learning_rate": 0.01}
	logged := time.Date(2026, time.February, 20, 9, 30, 0, 0, time.UTC)
	tracker := &fakeTracker{
		pending: []trackerclient.PendingRun{item},
		metrics: map[string][]trackerclient.MetricPoint{
			"run-1": {
				{Name: "loss", Step: 0, Value: 1.5, LoggedAt: logged},
				{Name: "loss", Step: 1, Value: 1.2, LoggedAt: logged},
				{Name: "loss", Step: 2, Value: 0.9, LoggedAt: logged},
				{Name: "accuracy", Step: 0, Value: 0.4, LoggedAt: logged},
			},
		},
		pageSize: 2,
	}
	spc := &fakeSpace{}
	loop, _, _ := newTestLoop(t, tracker, spc, Config{Origin: "lab-7"})

	if _, err := loop.SyncOnce(context.Background()); err != nil {
		t.Fatalf("sync once: %v", err)
	}
	if len(spc.pushes) != 1 || len(spc.pushes[0]) != 1 {
		t.Fatalf("pushes = %v, want a single one-run batch", spc.pushes)
	}
	if spc.origins[0] != "lab-7" {
		t.Fatalf("origin = %q, want lab-7", spc.origins[0])
	}

	export := spc.pushes[0][0]
	if export.Project != "mnist" || export.SpaceID != "team/alpha" {
		t.Fatalf("export project = %q space = %q", export.Project, export.SpaceID)
	}
	if export.ClientRunID != "client-run-1" {
		t.Fatalf("client run id = %q", export.ClientRunID)
	}
	if export.FinishedAt.IsZero() {
		t.Fatal("finished at missing from export")
	}
	if export.Config["learning_rate"] != 0.01 {
		t.Fatalf("config = %v", export.Config)
	}
	if len(export.Points) != 4 {
		t.Fatalf("points = %d, want 4 across pages", len(export.Points))
	}
	wantSteps := []int64{0, 1, 2, 0}
	for i := 0; i < len(export.Points); i++ {
		if export.Points[i].Step != wantSteps[i] {
			t.Fatalf("point %d step = %d, want %d", i, export.Points[i].Step, wantSteps[i])
		}
	}
}

func TestRunStopsWhenContextEnds(t *testing.T) {
	tracker := &fakeTracker{}
	spc := &fakeSpace{}
	loop, _, _ := newTestLoop(t, tracker, spc, Config{PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v, want nil on shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

// startTracker runs a real tracker API; the sync test uses one as the local
// tracker and a second as the hosted space.
func startTracker(t *testing.T) (*httptest.Server, *trackersqlite.Store) {
	t.Helper()

	store, err := trackersqlite.Open(filepath.Join(t.TempDir(), "tracker.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	blobs, err := blob.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("open blob store: %v", err)
	}
	api, err := rest.NewServer(rest.Stores{
		Projects:   store,
		Runs:       store,
		Metrics:    store,
		Keys:       store,
		Artifacts:  store,
		Manifests:  store,
		Telemetry:  store,
		Statistics: store,
	}, blobs, rest.Options{ViewBaseURL: "https://waypost.test"})
	if err != nil {
		t.Fatalf("new api server: %v", err)
	}

	mux := http.NewServeMux()
	api.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, store
}

func mintSecret(t *testing.T, store *trackersqlite.Store, scopes ...trackerdomain.Scope) string {
	t.Helper()
	key, secret, err := trackerdomain.NewAPIKey("worker-test-key", scopes, nil, nil)
	if err != nil {
		t.Fatalf("mint key: %v", err)
	}
	if err := store.CreateAPIKey(context.Background(), key); err != nil {
		t.Fatalf("store key: %v", err)
	}
	return secret
}

func TestSyncOnceMirrorsFinishedRuns(t *testing.T) {
	localTS, localStore := startTracker(t)
	spaceTS, spaceStore := startTracker(t)
	ctx := context.Background()

	local := trackerclient.New(localTS.URL, mintSecret(t, localStore, trackerdomain.ScopeRead, trackerdomain.ScopeWrite), nil)
	remote, err := space.New(spaceTS.URL, mintSecret(t, spaceStore, trackerdomain.ScopeRead, trackerdomain.ScopeWrite), nil)
	if err != nil {
		t.Fatalf("space client: %v", err)
	}

	run, err := local.CreateRun(ctx, trackerclient.CreateRunParams{
		Project:     "mnist",
		SpaceID:     "team/alpha",
		ClientRunID: "mirror-1",
		RunName:     "baseline",
		Config:      map[string]any{"learning_rate": 0.01},
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	points := []trackerclient.MetricPoint{
		{Name: "loss", Step: 0, Value: 1.5},
		{Name: "loss", Step: 1, Value: 1.1},
	}
	if _, err := local.AppendMetrics(ctx, run.ID, points); err != nil {
		t.Fatalf("append metrics: %v", err)
	}
	if _, err := local.FinishRun(ctx, run.ID); err != nil {
		t.Fatalf("finish run: %v", err)
	}

	ledger, err := sqlite.Open(filepath.Join(t.TempDir(), "worker.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })

	loop, err := New(local, remote, ledger, Config{Origin: "lab-7"}, zap.NewNop())
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}

	summary, err := loop.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("sync once: %v", err)
	}
	if summary.Pushed != 1 {
		t.Fatalf("summary = %+v, want one pushed", summary)
	}

	// The run now exists on the space, stamped with its origin.
	page, err := trackerclient.New(spaceTS.URL, mintSecret(t, spaceStore, trackerdomain.ScopeRead), nil).
		ProjectRuns(ctx, "mnist", trackerclient.PageQuery{})
	if err != nil {
		t.Fatalf("list space runs: %v", err)
	}
	if len(page.Runs) != 1 {
		t.Fatalf("space runs = %d, want 1", len(page.Runs))
	}
	mirrored := page.Runs[0]
	if mirrored.Origin != "lab-7" {
		t.Fatalf("origin = %q, want lab-7", mirrored.Origin)
	}
	if mirrored.Status != "FINISHED" {
		t.Fatalf("status = %q, want FINISHED", mirrored.Status)
	}
	if mirrored.ClientRunID != "mirror-1" {
		t.Fatalf("client run id = %q, want mirror-1", mirrored.ClientRunID)
	}

	// The local tracker acked the sync, so the queue drains.
	pending, err := local.PendingRuns(ctx, 0)
	if err != nil {
		t.Fatalf("pending runs: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending = %d, want 0 after ack", len(pending))
	}
	synced, err := local.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if synced.SyncedAt == nil {
		t.Fatal("synced at not recorded on the local run")
	}

	last, ok, err := ledger.LatestAttempt(ctx, run.ID)
	if err != nil || !ok {
		t.Fatalf("latest attempt: ok=%v err=%v", ok, err)
	}
	if last.Outcome != storage.OutcomeSucceeded {
		t.Fatalf("outcome = %q, want %q", last.Outcome, storage.OutcomeSucceeded)
	}

	// A second sweep has nothing left to do.
	summary, err = loop.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if summary != (Summary{}) {
		t.Fatalf("second summary = %+v, want empty", summary)
	}
}

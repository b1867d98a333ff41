package rest

import (
	"net/http"
	"testing"
	"time"

	"github.com/louisbranch/waypost/internal/services/tracker/domain"
)

func TestCreateRunCreatesProject(t *testing.T) {
	server := newTestServer(t, Options{ViewBaseURL: "https://waypost.test/"})
	ts := startAPI(t, server)
	secret := mintSecret(t, server, domain.ScopeWrite, domain.ScopeRead)

	run := createRun(t, ts, secret, "fake-training", "client-1")
	if run.Status != "ACTIVE" {
		t.Fatalf("status = %q, want ACTIVE", run.Status)
	}
	if run.NextStep != 0 {
		t.Fatalf("next_step = %d, want 0", run.NextStep)
	}
	if run.ViewURL != "https://waypost.test/projects/"+run.ProjectID+"/runs/"+run.ID {
		t.Fatalf("view_url = %q", run.ViewURL)
	}
	if run.Config["learning_rate"] != 0.001 {
		t.Fatalf("config = %v, want registered hyperparameters", run.Config)
	}

	resp := request(t, ts, http.MethodGet, "/api/v1/projects", secret, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list projects status = %d", resp.StatusCode)
	}
	var projects projectListResponse
	decodeInto(t, resp, &projects)
	if len(projects.Projects) != 1 || projects.Projects[0].Name != "fake-training" {
		t.Fatalf("projects = %+v, want the created project", projects.Projects)
	}
}

func TestResumeReturnsExistingRun(t *testing.T) {
	server := newTestServer(t, Options{})
	ts := startAPI(t, server)
	secret := mintSecret(t, server, domain.ScopeWrite)

	first := createRun(t, ts, secret, "fake-training", "client-1")

	resp := request(t, ts, http.MethodPost, "/api/v1/runs", secret, createRunRequest{
		Project:     "fake-training",
		ClientRunID: "client-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume status = %d, want 200", resp.StatusCode)
	}
	var envelope runEnvelope
	decodeInto(t, resp, &envelope)
	if envelope.Run.ID != first.ID {
		t.Fatalf("resumed run id = %q, want %q", envelope.Run.ID, first.ID)
	}
}

func TestResumeTerminalRunConflicts(t *testing.T) {
	server := newTestServer(t, Options{})
	ts := startAPI(t, server)
	secret := mintSecret(t, server, domain.ScopeWrite)

	run := createRun(t, ts, secret, "fake-training", "client-1")
	resp := request(t, ts, http.MethodPost, "/api/v1/runs/"+run.ID+"/finish", secret, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("finish status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = request(t, ts, http.MethodPost, "/api/v1/runs", secret, createRunRequest{
		Project:     "fake-training",
		ClientRunID: "client-1",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("terminal resume status = %d, want 409", resp.StatusCode)
	}
	got := responseError(t, resp)
	if got.Code != "RUN_NOT_ACTIVE" {
		t.Fatalf("error code = %q", got.Code)
	}
	if got.Metadata["status"] != "FINISHED" {
		t.Fatalf("error metadata = %v", got.Metadata)
	}
}

func TestAppendMetricsAdvancesNextStep(t *testing.T) {
	server := newTestServer(t, Options{})
	ts := startAPI(t, server)
	secret := mintSecret(t, server, domain.ScopeWrite, domain.ScopeRead)

	run := createRun(t, ts, secret, "fake-training", "client-1")

	resp := request(t, ts, http.MethodPost, "/api/v1/runs/"+run.ID+"/metrics", secret, appendMetricsRequest{
		Points: []appendMetricPoint{
			{Name: "loss", Step: 0, Value: 1.5},
			{Name: "loss", Step: 1, Value: 0.9},
			{Name: "accuracy", Step: 1, Value: 0.4},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("append status = %d", resp.StatusCode)
	}
	var appended appendMetricsResponse
	decodeInto(t, resp, &appended)
	if appended.NextStep != 2 || appended.Accepted != 3 {
		t.Fatalf("append response = %+v, want next_step 2 accepted 3", appended)
	}

	resp = request(t, ts, http.MethodGet, "/api/v1/runs/"+run.ID+"/metrics?name=loss", secret, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list points status = %d", resp.StatusCode)
	}
	var points metricPointsResponse
	decodeInto(t, resp, &points)
	if len(points.Points) != 2 {
		t.Fatalf("points len = %d, want 2", len(points.Points))
	}
	if points.Points[0].Step != 0 || points.Points[1].Value != 0.9 {
		t.Fatalf("points = %+v, want ordered loss series", points.Points)
	}
}

func TestAppendMetricsAfterStepFilter(t *testing.T) {
	server := newTestServer(t, Options{})
	ts := startAPI(t, server)
	secret := mintSecret(t, server, domain.ScopeWrite, domain.ScopeRead)

	run := createRun(t, ts, secret, "fake-training", "client-1")
	batch := appendMetricsRequest{}
	for step := 0; step < 5; step++ {
		batch.Points = append(batch.Points, appendMetricPoint{
			Name: "loss", Step: int64(step), Value: float64(5 - step),
		})
	}
	resp := request(t, ts, http.MethodPost, "/api/v1/runs/"+run.ID+"/metrics", secret, batch)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("append status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = request(t, ts, http.MethodGet, "/api/v1/runs/"+run.ID+"/metrics?name=loss&after_step=2", secret, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("filtered list status = %d", resp.StatusCode)
	}
	var points metricPointsResponse
	decodeInto(t, resp, &points)
	if len(points.Points) != 2 || points.Points[0].Step != 3 {
		t.Fatalf("points = %+v, want steps 3 and 4", points.Points)
	}
}

func TestMetricsSummaryWithoutName(t *testing.T) {
	server := newTestServer(t, Options{})
	ts := startAPI(t, server)
	secret := mintSecret(t, server, domain.ScopeWrite, domain.ScopeRead)

	run := createRun(t, ts, secret, "fake-training", "client-1")
	resp := request(t, ts, http.MethodPost, "/api/v1/runs/"+run.ID+"/metrics", secret, appendMetricsRequest{
		Points: []appendMetricPoint{
			{Name: "loss", Step: 0, Value: 1.5},
			{Name: "loss", Step: 1, Value: 0.9},
			{Name: "accuracy", Step: 0, Value: 0.3},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("append status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = request(t, ts, http.MethodGet, "/api/v1/runs/"+run.ID+"/metrics", secret, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("summary status = %d", resp.StatusCode)
	}
	var summary metricSummaryResponse
	decodeInto(t, resp, &summary)
	if len(summary.Names) != 2 {
		t.Fatalf("names = %v, want accuracy and loss", summary.Names)
	}
	if len(summary.Latest) != 2 {
		t.Fatalf("latest len = %d, want 2", len(summary.Latest))
	}
	for _, point := range summary.Latest {
		if point.Name == "loss" && point.Step != 1 {
			t.Fatalf("latest loss step = %d, want 1", point.Step)
		}
	}
}

func TestAppendMetricsToFinishedRunConflicts(t *testing.T) {
	server := newTestServer(t, Options{})
	ts := startAPI(t, server)
	secret := mintSecret(t, server, domain.ScopeWrite)

	run := createRun(t, ts, secret, "fake-training", "client-1")
	resp := request(t, ts, http.MethodPost, "/api/v1/runs/"+run.ID+"/finish", secret, nil)
	resp.Body.Close()

	resp = request(t, ts, http.MethodPost, "/api/v1/runs/"+run.ID+"/metrics", secret, appendMetricsRequest{
		Points: []appendMetricPoint{{Name: "loss", Step: 99, Value: 0.1}},
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if got := responseError(t, resp); got.Code != "RUN_NOT_ACTIVE" {
		t.Fatalf("error code = %q", got.Code)
	}
}

func TestFinishIsIdempotent(t *testing.T) {
	server := newTestServer(t, Options{})
	ts := startAPI(t, server)
	secret := mintSecret(t, server, domain.ScopeWrite)

	run := createRun(t, ts, secret, "fake-training", "client-1")

	resp := request(t, ts, http.MethodPost, "/api/v1/runs/"+run.ID+"/finish", secret, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("finish status = %d", resp.StatusCode)
	}
	var first runEnvelope
	decodeInto(t, resp, &first)
	if first.Run.Status != "FINISHED" || first.Run.FinishedAt == nil {
		t.Fatalf("finished run = %+v", first.Run)
	}

	resp = request(t, ts, http.MethodPost, "/api/v1/runs/"+run.ID+"/finish", secret, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second finish status = %d, want 200", resp.StatusCode)
	}
	var second runEnvelope
	decodeInto(t, resp, &second)
	if !second.Run.FinishedAt.Equal(*first.Run.FinishedAt) {
		t.Fatalf("second finish moved finished_at: %v vs %v", second.Run.FinishedAt, first.Run.FinishedAt)
	}
}

func TestProjectRunsListsNewestFirst(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	server := newTestServer(t, Options{Clock: clock.Now})
	ts := startAPI(t, server)
	secret := mintSecret(t, server, domain.ScopeWrite, domain.ScopeRead)

	first := createRun(t, ts, secret, "fake-training", "client-1")
	clock.Advance(time.Minute)
	second := createRun(t, ts, secret, "fake-training", "client-2")

	resp := request(t, ts, http.MethodGet, "/api/v1/projects/fake-training/runs", secret, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list runs status = %d", resp.StatusCode)
	}
	var list runListResponse
	decodeInto(t, resp, &list)
	if list.Project.Name != "fake-training" {
		t.Fatalf("project = %+v", list.Project)
	}
	if len(list.Runs) != 2 || list.Runs[0].ID != second.ID || list.Runs[1].ID != first.ID {
		t.Fatalf("runs = %+v, want newest first", list.Runs)
	}
}

func TestSyncPendingAndMarkSynced(t *testing.T) {
	server := newTestServer(t, Options{})
	ts := startAPI(t, server)
	secret := mintSecret(t, server, domain.ScopeWrite, domain.ScopeRead)

	run := createRun(t, ts, secret, "fake-training", "client-1")

	// Active runs are not yet sync candidates.
	resp := request(t, ts, http.MethodGet, "/api/v1/sync/pending", secret, nil)
	var pending pendingRunsResponse
	decodeInto(t, resp, &pending)
	if len(pending.Runs) != 0 {
		t.Fatalf("pending before finish = %+v", pending.Runs)
	}

	resp = request(t, ts, http.MethodPost, "/api/v1/runs/"+run.ID+"/finish", secret, nil)
	resp.Body.Close()

	resp = request(t, ts, http.MethodGet, "/api/v1/sync/pending", secret, nil)
	decodeInto(t, resp, &pending)
	if len(pending.Runs) != 1 || pending.Runs[0].Run.ID != run.ID {
		t.Fatalf("pending = %+v, want the finished run", pending.Runs)
	}
	if pending.Runs[0].Project.Name != "fake-training" {
		t.Fatalf("pending project = %+v", pending.Runs[0].Project)
	}

	resp = request(t, ts, http.MethodPost, "/api/v1/runs/"+run.ID+"/synced", secret, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mark synced status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = request(t, ts, http.MethodGet, "/api/v1/sync/pending", secret, nil)
	decodeInto(t, resp, &pending)
	if len(pending.Runs) != 0 {
		t.Fatalf("pending after sync = %+v, want empty", pending.Runs)
	}
}

func TestMarkActiveRunSyncedConflicts(t *testing.T) {
	server := newTestServer(t, Options{})
	ts := startAPI(t, server)
	secret := mintSecret(t, server, domain.ScopeWrite)

	run := createRun(t, ts, secret, "fake-training", "client-1")
	resp := request(t, ts, http.MethodPost, "/api/v1/runs/"+run.ID+"/synced", secret, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if got := responseError(t, resp); got.Code != "RUN_NOT_ACTIVE" {
		t.Fatalf("error code = %q", got.Code)
	}
}

package rest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/louisbranch/waypost/internal/services/tracker/domain"
	"github.com/louisbranch/waypost/internal/services/tracker/hub"
)

func dialWatch(t *testing.T, ts *httptest.Server, secret, runID, query string) *websocket.Conn {
	t.Helper()

	target := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/runs/" + runID + "/watch?api_key=" + secret + query
	conn, err := websocket.Dial(target, "", ts.URL)
	if err != nil {
		t.Fatalf("dial watch: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	return conn
}

func TestWatchDeliversLiveFrames(t *testing.T) {
	server := newTestServer(t, Options{})
	ts := startAPI(t, server)
	secret := mintSecret(t, server, domain.ScopeWrite, domain.ScopeRead)

	run := createRun(t, ts, secret, "fake-training", "client-1")
	conn := dialWatch(t, ts, secret, run.ID, "")
	frames := json.NewDecoder(conn)

	var hello hub.Frame
	if err := frames.Decode(&hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if hello.Type != "watch.hello" || hello.RunID != run.ID || hello.Sequence != 0 {
		t.Fatalf("hello = %+v", hello)
	}

	resp := request(t, ts, http.MethodPost, "/api/v1/runs/"+run.ID+"/metrics", secret, appendMetricsRequest{
		Points: []appendMetricPoint{{Name: "loss", Step: 0, Value: 1.5}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("append status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	var frame hub.Frame
	if err := frames.Decode(&frame); err != nil {
		t.Fatalf("read metrics frame: %v", err)
	}
	if frame.Type != "metrics.appended" || frame.Sequence != 1 {
		t.Fatalf("frame = %+v", frame)
	}
	var points []metricPointPayload
	if err := json.Unmarshal(frame.Payload, &points); err != nil {
		t.Fatalf("decode frame payload: %v", err)
	}
	if len(points) != 1 || points[0].Name != "loss" || points[0].Value != 1.5 {
		t.Fatalf("points = %+v", points)
	}

	resp = request(t, ts, http.MethodPost, "/api/v1/runs/"+run.ID+"/finish", secret, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("finish status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	if err := frames.Decode(&frame); err != nil {
		t.Fatalf("read finish frame: %v", err)
	}
	if frame.Type != "run.finished" {
		t.Fatalf("frame type = %q, want run.finished", frame.Type)
	}
}

func TestWatchReplaysMissedFrames(t *testing.T) {
	server := newTestServer(t, Options{})
	ts := startAPI(t, server)
	secret := mintSecret(t, server, domain.ScopeWrite, domain.ScopeRead)

	run := createRun(t, ts, secret, "fake-training", "client-1")
	for step := 0; step < 2; step++ {
		resp := request(t, ts, http.MethodPost, "/api/v1/runs/"+run.ID+"/metrics", secret, appendMetricsRequest{
			Points: []appendMetricPoint{{Name: "loss", Step: int64(step), Value: 1.0}},
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("append status = %d", resp.StatusCode)
		}
		resp.Body.Close()
	}

	conn := dialWatch(t, ts, secret, run.ID, "&after=0")
	frames := json.NewDecoder(conn)

	var hello hub.Frame
	if err := frames.Decode(&hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if hello.Sequence != 2 {
		t.Fatalf("hello sequence = %d, want 2", hello.Sequence)
	}

	for want := int64(1); want <= 2; want++ {
		var frame hub.Frame
		if err := frames.Decode(&frame); err != nil {
			t.Fatalf("read replayed frame %d: %v", want, err)
		}
		if frame.Sequence != want || frame.Type != "metrics.appended" {
			t.Fatalf("replayed frame = %+v, want sequence %d", frame, want)
		}
	}
}

func TestWatchRejectsBadAfterParameter(t *testing.T) {
	server := newTestServer(t, Options{})
	ts := startAPI(t, server)
	secret := mintSecret(t, server, domain.ScopeWrite, domain.ScopeRead)

	run := createRun(t, ts, secret, "fake-training", "client-1")
	resp := request(t, ts, http.MethodGet, "/api/v1/runs/"+run.ID+"/watch?after=yesterday", secret, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if got := responseError(t, resp); got.Code != "PAYLOAD_INVALID" {
		t.Fatalf("error code = %q", got.Code)
	}
}

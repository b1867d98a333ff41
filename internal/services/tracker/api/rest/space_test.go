package rest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/waypost/internal/services/tracker/domain"
	"github.com/louisbranch/waypost/internal/version"
)

func putManifest(t *testing.T, ts *httptest.Server, secret, body, ifUnmodifiedSince string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/api/v1/space/manifest", strings.NewReader(body))
	if err != nil {
		t.Fatalf("build manifest request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+secret)
	req.Header.Set("Content-Type", "text/plain")
	if ifUnmodifiedSince != "" {
		req.Header.Set("If-Unmodified-Since", ifUnmodifiedSince)
	}

	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("put manifest: %v", err)
	}
	return resp
}

func TestSpaceManifestDefaultsToServerPin(t *testing.T) {
	ts := startAPI(t, newTestServer(t, Options{}))

	resp := request(t, ts, http.MethodGet, "/api/v1/space/manifest", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type = %q", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if !strings.Contains(string(body), "waypost=="+version.Server) {
		t.Fatalf("default manifest = %q, want the client pinned at the server release", body)
	}
}

func TestSpaceManifestPutRequiresAdmin(t *testing.T) {
	server := newTestServer(t, Options{})
	ts := startAPI(t, server)
	secret := mintSecret(t, server, domain.ScopeWrite, domain.ScopeRead)

	resp := putManifest(t, ts, secret, "torch==2.4.1\n", "")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if got := responseError(t, resp); got.Code != "AUTH_SCOPE_INSUFFICIENT" {
		t.Fatalf("error code = %q", got.Code)
	}
}

func TestSpaceManifestRoundTrip(t *testing.T) {
	server := newTestServer(t, Options{})
	ts := startAPI(t, server)
	secret := mintSecret(t, server, domain.ScopeAdmin)

	content := "# training image\ntorch==2.4.1\nnumpy==2.1.0\n"
	resp := putManifest(t, ts, secret, content, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d", resp.StatusCode)
	}
	var updated manifestUpdateResponse
	decodeInto(t, resp, &updated)
	if updated.UpdatedAt.IsZero() {
		t.Fatalf("updated_at is zero")
	}

	resp = request(t, ts, http.MethodGet, "/api/v1/space/manifest", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	defer resp.Body.Close()
	if resp.Header.Get("Last-Modified") == "" {
		t.Fatalf("missing Last-Modified header")
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if string(body) != content {
		t.Fatalf("manifest = %q, want the stored text verbatim", body)
	}
}

func TestSpaceManifestRejectsBadGrammar(t *testing.T) {
	server := newTestServer(t, Options{})
	ts := startAPI(t, server)
	secret := mintSecret(t, server, domain.ScopeAdmin)

	resp := putManifest(t, ts, secret, "torch==2.4.1\nnumpy 2.1.0\n", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	got := responseError(t, resp)
	if got.Code != "SPACE_MANIFEST_INVALID" {
		t.Fatalf("error code = %q", got.Code)
	}
	if got.Metadata["line"] != "2" {
		t.Fatalf("metadata = %v, want the offending line number", got.Metadata)
	}
}

func TestSpaceManifestStaleWriteConflicts(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	server := newTestServer(t, Options{Clock: clock.Now})
	ts := startAPI(t, server)
	secret := mintSecret(t, server, domain.ScopeAdmin)

	resp := putManifest(t, ts, secret, "torch==2.4.1\n", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("seed put status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	stale := clock.Now().Add(-time.Hour).Format(http.TimeFormat)
	resp = putManifest(t, ts, secret, "torch==2.5.0\n", stale)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("stale put status = %d, want 409", resp.StatusCode)
	}
	if got := responseError(t, resp); got.Code != "SPACE_MANIFEST_STALE" {
		t.Fatalf("error code = %q", got.Code)
	}

	// A current timestamp writes through.
	fresh := clock.Now().Format(http.TimeFormat)
	resp = putManifest(t, ts, secret, "torch==2.5.0\n", fresh)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fresh put status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()
}

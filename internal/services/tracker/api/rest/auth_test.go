package rest

import (
	"context"
	"crypto/ed25519"
	"net/http"
	"testing"
	"time"

	"github.com/louisbranch/waypost/internal/services/tracker/domain"
	"github.com/louisbranch/waypost/internal/sharegrant"
	"github.com/louisbranch/waypost/internal/version"
)

func TestMissingKeyRejected(t *testing.T) {
	ts := startAPI(t, newTestServer(t, Options{}))

	resp := request(t, ts, http.MethodPost, "/api/v1/runs", "", createRunRequest{
		Project:     "fake-training",
		ClientRunID: "client-1",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if got := responseError(t, resp); got.Code != "AUTH_KEY_MISSING" {
		t.Fatalf("error code = %q", got.Code)
	}
}

func TestUnknownKeyRejected(t *testing.T) {
	ts := startAPI(t, newTestServer(t, Options{}))

	resp := request(t, ts, http.MethodPost, "/api/v1/runs", "wp_nosuchkey", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if got := responseError(t, resp); got.Code != "AUTH_KEY_INVALID" {
		t.Fatalf("error code = %q", got.Code)
	}
}

func TestRevokedKeyRejected(t *testing.T) {
	server := newTestServer(t, Options{})
	ts := startAPI(t, server)

	key, secret, err := domain.NewAPIKey("revoked", []domain.Scope{domain.ScopeWrite}, nil, nil)
	if err != nil {
		t.Fatalf("mint key: %v", err)
	}
	if err := server.stores.Keys.CreateAPIKey(context.Background(), key); err != nil {
		t.Fatalf("store key: %v", err)
	}
	if err := server.stores.Keys.RevokeAPIKey(context.Background(), key.ID, time.Now()); err != nil {
		t.Fatalf("revoke key: %v", err)
	}

	resp := request(t, ts, http.MethodPost, "/api/v1/runs", secret, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if got := responseError(t, resp); got.Code != "AUTH_KEY_REVOKED" {
		t.Fatalf("error code = %q", got.Code)
	}
}

func TestScopeEnforced(t *testing.T) {
	server := newTestServer(t, Options{})
	ts := startAPI(t, server)
	readOnly := mintSecret(t, server, domain.ScopeRead)

	resp := request(t, ts, http.MethodPost, "/api/v1/runs", readOnly, createRunRequest{
		Project:     "fake-training",
		ClientRunID: "client-1",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	got := responseError(t, resp)
	if got.Code != "AUTH_SCOPE_INSUFFICIENT" {
		t.Fatalf("error code = %q", got.Code)
	}
	if got.Metadata["scope"] != "write" {
		t.Fatalf("error metadata = %v, want missing write scope", got.Metadata)
	}
}

func TestAdminKeyGrantsEverything(t *testing.T) {
	server := newTestServer(t, Options{})
	ts := startAPI(t, server)
	admin := mintSecret(t, server, domain.ScopeAdmin)

	run := createRun(t, ts, admin, "fake-training", "client-1")
	resp := request(t, ts, http.MethodGet, "/api/v1/runs/"+run.ID, admin, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("read with admin key status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestIncompatibleClientRejected(t *testing.T) {
	server := newTestServer(t, Options{})
	ts := startAPI(t, server)
	secret := mintSecret(t, server, domain.ScopeWrite)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/version", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+secret)
	req.Header.Set(version.HeaderClientVersion, version.ClientHeader("0.1.0"))

	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Fatalf("status = %d, want 426", resp.StatusCode)
	}
	got := responseError(t, resp)
	if got.Code != "VERSION_CLIENT_INCOMPATIBLE" {
		t.Fatalf("error code = %q", got.Code)
	}
	if got.Metadata["min_client_version"] != version.MinClientVersion {
		t.Fatalf("error metadata = %v", got.Metadata)
	}
}

func TestMalformedVersionHeaderRejected(t *testing.T) {
	ts := startAPI(t, newTestServer(t, Options{}))

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/version", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set(version.HeaderClientVersion, "not-a-version")

	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if got := responseError(t, resp); got.Code != "VERSION_HEADER_INVALID" {
		t.Fatalf("error code = %q", got.Code)
	}
}

func TestShareGrantReadAccess(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	signer := sharegrant.SignerConfig{
		Issuer:   "waypost-tracker",
		Audience: "waypost-share",
		Key:      priv,
		TTL:      time.Hour,
	}
	server := newTestServer(t, Options{
		Grants: &sharegrant.VerifierConfig{
			Issuer:   "waypost-tracker",
			Audience: "waypost-share",
			Key:      pub,
		},
	})
	ts := startAPI(t, server)
	writer := mintSecret(t, server, domain.ScopeWrite)

	shared := createRun(t, ts, writer, "fake-training", "client-1")
	other := createRun(t, ts, writer, "other-project", "client-2")

	grant, err := sharegrant.Sign(signer, shared.ProjectID, shared.ID, nil)
	if err != nil {
		t.Fatalf("sign grant: %v", err)
	}

	resp := request(t, ts, http.MethodGet, "/api/v1/runs/"+shared.ID+"?grant="+grant, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("shared run status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	resp = request(t, ts, http.MethodGet, "/api/v1/runs/"+other.ID+"?grant="+grant, "", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign run status = %d, want 403", resp.StatusCode)
	}
	if got := responseError(t, resp); got.Code != "AUTH_SCOPE_INSUFFICIENT" {
		t.Fatalf("error code = %q", got.Code)
	}

	// Grants are read-only; writes still need a key.
	resp = request(t, ts, http.MethodPost, "/api/v1/runs/"+shared.ID+"/finish?grant="+grant, "", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("write with grant status = %d, want 403", resp.StatusCode)
	}
	resp.Body.Close()

	// Grants cannot list across projects either.
	resp = request(t, ts, http.MethodGet, "/api/v1/projects?grant="+grant, "", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("list with grant status = %d, want 403", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestShareGrantsDisabledByDefault(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	grant, err := sharegrant.Sign(sharegrant.SignerConfig{
		Issuer:   "waypost-tracker",
		Audience: "waypost-share",
		Key:      priv,
		TTL:      time.Hour,
	}, "proj-1", "", nil)
	if err != nil {
		t.Fatalf("sign grant: %v", err)
	}

	ts := startAPI(t, newTestServer(t, Options{}))
	resp := request(t, ts, http.MethodGet, "/api/v1/projects?grant="+grant, "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if got := responseError(t, resp); got.Code != "SHARE_GRANT_INVALID" {
		t.Fatalf("error code = %q", got.Code)
	}
}

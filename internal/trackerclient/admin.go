package trackerclient

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

type reapParams struct {
	IdleTimeout string `json:"idle_timeout"`
}

type reapResponse struct {
	Reaped int `json:"reaped"`
}

// ReapIdleRuns abandons active runs idle past the timeout. A zero timeout
// uses the tracker's configured default. Requires admin scope.
func (c *Client) ReapIdleRuns(ctx context.Context, idleTimeout time.Duration) (int, error) {
	var body any
	if idleTimeout > 0 {
		body = reapParams{IdleTimeout: idleTimeout.String()}
	}
	var resp reapResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/admin/reap", body, &resp); err != nil {
		return 0, err
	}
	return resp.Reaped, nil
}

type pruneParams struct {
	Retention string `json:"retention"`
}

type pruneResponse struct {
	Pruned int64 `json:"pruned"`
}

// PruneTelemetry drops telemetry events older than the retention window.
// A zero retention uses the tracker's default. Requires admin scope.
func (c *Client) PruneTelemetry(ctx context.Context, retention time.Duration) (int64, error) {
	var body any
	if retention > 0 {
		body = pruneParams{Retention: retention.String()}
	}
	var resp pruneResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/admin/prune", body, &resp); err != nil {
		return 0, err
	}
	return resp.Pruned, nil
}

type statisticsEnvelope struct {
	Statistics Statistics `json:"statistics"`
}

// Statistics fetches entity counts across the tracker store. Requires
// read scope.
func (c *Client) Statistics(ctx context.Context) (Statistics, error) {
	var envelope statisticsEnvelope
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/admin/stats", nil, &envelope); err != nil {
		return Statistics{}, err
	}
	return envelope.Statistics, nil
}

// APIKeyInfo mirrors the tracker's API key metadata. The secret is never
// part of this shape; it only exists in the CreateAPIKey response.
type APIKeyInfo struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Prefix     string     `json:"prefix"`
	Scopes     []string   `json:"scopes"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

type createKeyParams struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
}

type createKeyEnvelope struct {
	Key    APIKeyInfo `json:"key"`
	Secret string     `json:"secret"`
}

// CreateAPIKey mints a new API key with the given scopes. The secret is
// returned exactly once; the tracker only stores its hash. Requires admin
// scope.
func (c *Client) CreateAPIKey(ctx context.Context, name string, scopes []string) (APIKeyInfo, string, error) {
	var envelope createKeyEnvelope
	body := createKeyParams{Name: name, Scopes: scopes}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/admin/keys", body, &envelope); err != nil {
		return APIKeyInfo{}, "", err
	}
	return envelope.Key, envelope.Secret, nil
}

type keyListEnvelope struct {
	Keys []APIKeyInfo `json:"keys"`
}

// ListAPIKeys fetches all keys, revoked ones included. Requires admin
// scope.
func (c *Client) ListAPIKeys(ctx context.Context) ([]APIKeyInfo, error) {
	var envelope keyListEnvelope
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/admin/keys", nil, &envelope); err != nil {
		return nil, err
	}
	return envelope.Keys, nil
}

// RevokeAPIKey permanently disables a key by id. Requires admin scope.
func (c *Client) RevokeAPIKey(ctx context.Context, keyID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/admin/keys/"+url.PathEscape(keyID), nil, nil)
}

// TelemetryEvent mirrors one operational event recorded by the tracker.
type TelemetryEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	EventName string    `json:"event_name"`
	Severity  string    `json:"severity"`
	ProjectID string    `json:"project_id,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
	SpanID    string    `json:"span_id,omitempty"`
}

type telemetryListEnvelope struct {
	Events []TelemetryEvent `json:"events"`
}

// TelemetryEvents fetches recent telemetry, newest first. A limit of zero
// uses the tracker's default page size. Requires admin scope.
func (c *Client) TelemetryEvents(ctx context.Context, limit int) ([]TelemetryEvent, error) {
	path := "/api/v1/admin/telemetry"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var envelope telemetryListEnvelope
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &envelope); err != nil {
		return nil, err
	}
	return envelope.Events, nil
}

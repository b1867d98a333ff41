// Package trackerclient is the typed HTTP client for the tracker API.
//
// The web dashboard, sync worker, and mcp service all read runs through
// this package; only the tracker itself touches the tracker store. Error
// responses are decoded back into domain errors so callers branch on the
// same codes the tracker raised.
package trackerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	apperrors "github.com/louisbranch/waypost/internal/platform/errors"
	"github.com/louisbranch/waypost/internal/platform/timeouts"
	"github.com/louisbranch/waypost/internal/version"
)

// maxErrorBody bounds how much of a failed response is read back when
// rebuilding the error envelope.
const maxErrorBody = 64 * 1024

// Client calls the tracker REST API at a fixed base URL.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a client for the tracker at baseURL authenticating with
// apiKey. An empty apiKey sends unauthenticated requests; a nil httpClient
// gets a default with the shared tracker request timeout.
func New(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeouts.TrackerRequest}
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

// BaseURL returns the tracker address the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set(version.HeaderClientVersion, version.ClientHeader(version.Server))
	return req, nil
}

// doJSON sends a request with an optional JSON body and decodes a JSON
// response into out. A nil out discards the response body.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s %s body: %w", method, path, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := c.newRequest(ctx, method, path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

// decodeError rebuilds a domain error from the API error envelope. Bodies
// that are not an envelope (proxies, panics) degrade to CodeUnknown with
// the HTTP status preserved in the message.
func decodeError(resp *http.Response) error {
	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if readErr != nil {
		return apperrors.New(apperrors.CodeUnknown, fmt.Sprintf("tracker returned %s", resp.Status))
	}

	var envelope struct {
		Error struct {
			Code     string            `json:"code"`
			Message  string            `json:"message"`
			Metadata map[string]string `json:"metadata"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Error.Code == "" {
		return apperrors.New(apperrors.CodeUnknown, fmt.Sprintf("tracker returned %s", resp.Status))
	}
	return apperrors.WithMetadata(apperrors.Code(envelope.Error.Code), envelope.Error.Message, envelope.Error.Metadata)
}

// VersionInfo reports the tracker release and the oldest client it accepts.
type VersionInfo struct {
	Server           string `json:"server"`
	MinClientVersion string `json:"min_client_version"`
}

// Version fetches the tracker release information.
func (c *Client) Version(ctx context.Context) (VersionInfo, error) {
	var info VersionInfo
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/version", nil, &info); err != nil {
		return VersionInfo{}, err
	}
	return info, nil
}

// Healthz reports whether the tracker answers its health endpoint.
func (c *Client) Healthz(ctx context.Context) error {
	var status struct {
		Status string `json:"status"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/healthz", nil, &status); err != nil {
		return err
	}
	if status.Status != "ok" {
		return fmt.Errorf("tracker health reported %q", status.Status)
	}
	return nil
}

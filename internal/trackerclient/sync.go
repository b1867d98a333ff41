package trackerclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type pendingRunsEnvelope struct {
	Runs []PendingRun `json:"runs"`
}

// PendingRuns lists finished runs not yet pushed to their hosted space,
// oldest first. A limit of zero uses the server default.
func (c *Client) PendingRuns(ctx context.Context, limit int) ([]PendingRun, error) {
	path := "/api/v1/sync/pending"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var envelope pendingRunsEnvelope
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &envelope); err != nil {
		return nil, err
	}
	return envelope.Runs, nil
}

type syncedResponse struct {
	RunID    string    `json:"run_id"`
	SyncedAt time.Time `json:"synced_at"`
}

// MarkRunSynced records that a finished run reached its hosted space.
func (c *Client) MarkRunSynced(ctx context.Context, runID string) (time.Time, error) {
	var resp syncedResponse
	path := "/api/v1/runs/" + url.PathEscape(runID) + "/synced"
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return time.Time{}, err
	}
	return resp.SyncedAt, nil
}

// ImportRun is one complete finished run in an import batch.
type ImportRun struct {
	Project     string         `json:"project"`
	SpaceID     string         `json:"space_id,omitempty"`
	ClientRunID string         `json:"client_run_id"`
	Name        string         `json:"name,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	Points      []MetricPoint  `json:"points,omitempty"`
}

type importParams struct {
	Origin string      `json:"origin"`
	Runs   []ImportRun `json:"runs"`
}

// ImportResult counts how an import batch landed. Skipped runs already
// existed from an earlier attempt.
type ImportResult struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
}

// ImportRuns imports finished runs recorded elsewhere. Origin names the
// system they came from; client run ids make retries idempotent.
func (c *Client) ImportRuns(ctx context.Context, origin string, runs []ImportRun) (ImportResult, error) {
	var result ImportResult
	params := importParams{Origin: origin, Runs: runs}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/import/runs", params, &result); err != nil {
		return ImportResult{}, err
	}
	return result, nil
}

// Manifest is the space dependency manifest with its last write time.
type Manifest struct {
	Content   string
	UpdatedAt time.Time
}

// ReadManifest fetches the space dependency manifest verbatim.
func (c *Client) ReadManifest(ctx context.Context) (Manifest, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/space/manifest", nil)
	if err != nil {
		return Manifest{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Manifest{}, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Manifest{}, decodeError(resp)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest body: %w", err)
	}

	manifest := Manifest{Content: string(raw)}
	if modified := resp.Header.Get("Last-Modified"); modified != "" {
		if at, err := http.ParseTime(modified); err == nil {
			manifest.UpdatedAt = at
		}
	}
	return manifest, nil
}

type manifestUpdateResponse struct {
	UpdatedAt time.Time `json:"updated_at"`
}

// WriteManifest replaces the space dependency manifest. A non-zero
// ifUnmodifiedSince makes the write conditional so concurrent editors
// conflict instead of clobbering each other.
func (c *Client) WriteManifest(ctx context.Context, content string, ifUnmodifiedSince time.Time) (time.Time, error) {
	req, err := c.newRequest(ctx, http.MethodPut, "/api/v1/space/manifest", strings.NewReader(content))
	if err != nil {
		return time.Time{}, err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if !ifUnmodifiedSince.IsZero() {
		req.Header.Set("If-Unmodified-Since", ifUnmodifiedSince.UTC().Format(http.TimeFormat))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("write manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return time.Time{}, decodeError(resp)
	}
	var updated manifestUpdateResponse
	if err := json.NewDecoder(resp.Body).Decode(&updated); err != nil {
		return time.Time{}, fmt.Errorf("decode manifest response: %w", err)
	}
	return updated.UpdatedAt, nil
}

// WatchURL returns the websocket address of a run's watch stream,
// credentialed with the client's API key. A negative afterSeq subscribes
// live only; zero or greater also replays frames recorded after that
// sequence.
func (c *Client) WatchURL(runID string, afterSeq int64) string {
	values := url.Values{}
	if c.apiKey != "" {
		values.Set("api_key", c.apiKey)
	}
	return c.watchURL(runID, afterSeq, values)
}

// GrantWatchURL is WatchURL credentialed with a share grant instead of
// the client's API key.
func (c *Client) GrantWatchURL(runID, grant string, afterSeq int64) string {
	values := url.Values{}
	values.Set("grant", grant)
	return c.watchURL(runID, afterSeq, values)
}

func (c *Client) watchURL(runID string, afterSeq int64, values url.Values) string {
	target := c.baseURL + "/api/v1/runs/" + url.PathEscape(runID) + "/watch"
	if strings.HasPrefix(target, "https://") {
		target = "wss://" + strings.TrimPrefix(target, "https://")
	} else {
		target = "ws://" + strings.TrimPrefix(target, "http://")
	}

	if afterSeq >= 0 {
		values.Set("after", strconv.FormatInt(afterSeq, 10))
	}
	if encoded := values.Encode(); encoded != "" {
		target += "?" + encoded
	}
	return target
}

package trackerclient

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

// CreateRunParams names the fields of a run create (or resume) request.
// Project and ClientRunID are required; the ClientRunID makes create
// idempotent across retries.
type CreateRunParams struct {
	Project     string         `json:"project"`
	SpaceID     string         `json:"space_id,omitempty"`
	ClientRunID string         `json:"client_run_id"`
	RunName     string         `json:"run_name,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
}

type runEnvelope struct {
	Run Run `json:"run"`
}

// CreateRun starts a run, creating the project on first use. Repeating a
// ClientRunID resumes the existing active run instead of starting another.
func (c *Client) CreateRun(ctx context.Context, params CreateRunParams) (Run, error) {
	var envelope runEnvelope
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/runs", params, &envelope); err != nil {
		return Run{}, err
	}
	return envelope.Run, nil
}

// GetRun fetches one run by id.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var envelope runEnvelope
	path := "/api/v1/runs/" + url.PathEscape(runID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &envelope); err != nil {
		return Run{}, err
	}
	return envelope.Run, nil
}

// FinishRun marks a run finished. Finishing a finished run is a no-op and
// returns the run unchanged.
func (c *Client) FinishRun(ctx context.Context, runID string) (Run, error) {
	var envelope runEnvelope
	path := "/api/v1/runs/" + url.PathEscape(runID) + "/finish"
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &envelope); err != nil {
		return Run{}, err
	}
	return envelope.Run, nil
}

// AppendResult reports how an append advanced the run.
type AppendResult struct {
	NextStep int64 `json:"next_step"`
	Accepted int   `json:"accepted"`
}

type appendParams struct {
	Points []MetricPoint `json:"points"`
}

// AppendMetrics appends a batch of metric points to an active run.
func (c *Client) AppendMetrics(ctx context.Context, runID string, points []MetricPoint) (AppendResult, error) {
	var result AppendResult
	path := "/api/v1/runs/" + url.PathEscape(runID) + "/metrics"
	if err := c.doJSON(ctx, http.MethodPost, path, appendParams{Points: points}, &result); err != nil {
		return AppendResult{}, err
	}
	return result, nil
}

// MetricSummary lists a run's metric names with the latest point of each.
type MetricSummary struct {
	Names  []string      `json:"names"`
	Latest []MetricPoint `json:"latest"`
}

// MetricSummary fetches the per-metric summary of a run.
func (c *Client) MetricSummary(ctx context.Context, runID string) (MetricSummary, error) {
	var summary MetricSummary
	path := "/api/v1/runs/" + url.PathEscape(runID) + "/metrics"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &summary); err != nil {
		return MetricSummary{}, err
	}
	return summary, nil
}

// MetricPointsQuery pages a metric point listing. PageToken resumes after
// a previous page; a bare step number works too and starts strictly after
// that step. PageSize zero uses the server default.
type MetricPointsQuery struct {
	PageSize  int
	PageToken string
}

// MetricPointsPage is one page of a metric's points in step order.
type MetricPointsPage struct {
	Points        []MetricPoint `json:"points"`
	NextPageToken string        `json:"next_page_token"`
}

// MetricPoints lists one metric's points for a run, oldest step first.
func (c *Client) MetricPoints(ctx context.Context, runID, name string, query MetricPointsQuery) (MetricPointsPage, error) {
	values := url.Values{}
	values.Set("name", name)
	if query.PageSize > 0 {
		values.Set("page_size", strconv.Itoa(query.PageSize))
	}
	if query.PageToken != "" {
		values.Set("page_token", query.PageToken)
	}

	var page MetricPointsPage
	path := "/api/v1/runs/" + url.PathEscape(runID) + "/metrics?" + values.Encode()
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &page); err != nil {
		return MetricPointsPage{}, err
	}
	return page, nil
}

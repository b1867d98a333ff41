package service

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/louisbranch/waypost/internal/trackerclient"
)

// ProjectListInput represents the tool input for listing projects.
type ProjectListInput struct {
	PageToken string `json:"page_token,omitempty" jsonschema:"opaque token from a previous page"`
}

// ProjectEntry represents one project in tool output.
type ProjectEntry struct {
	ID        string `json:"id" jsonschema:"project identifier"`
	Name      string `json:"name" jsonschema:"project name"`
	SpaceID   string `json:"space_id,omitempty" jsonschema:"hosted space the project syncs to, empty for local-only"`
	CreatedAt string `json:"created_at" jsonschema:"RFC3339 timestamp"`
	UpdatedAt string `json:"updated_at" jsonschema:"RFC3339 timestamp"`
}

// ProjectListResult represents the tool output for listing projects.
type ProjectListResult struct {
	Projects      []ProjectEntry `json:"projects"`
	NextPageToken string         `json:"next_page_token,omitempty" jsonschema:"token for the next page, empty on the last page"`
}

// RunListInput represents the tool input for listing a project's runs.
type RunListInput struct {
	Project   string `json:"project" jsonschema:"project identifier or name"`
	PageToken string `json:"page_token,omitempty" jsonschema:"opaque token from a previous page"`
}

// RunEntry represents one run in tool output.
type RunEntry struct {
	ID           string `json:"id" jsonschema:"run identifier"`
	Name         string `json:"name,omitempty" jsonschema:"display name"`
	Status       string `json:"status" jsonschema:"ACTIVE, FINISHED, or ABANDONED"`
	Origin       string `json:"origin,omitempty" jsonschema:"source deployment for imported runs"`
	NextStep     int64  `json:"next_step" jsonschema:"next metric step, equals the number of logged steps"`
	CreatedAt    string `json:"created_at" jsonschema:"RFC3339 timestamp"`
	LastLoggedAt string `json:"last_logged_at,omitempty" jsonschema:"RFC3339 timestamp of the latest metric point"`
	FinishedAt   string `json:"finished_at,omitempty" jsonschema:"RFC3339 timestamp, empty while active"`
	SyncedAt     string `json:"synced_at,omitempty" jsonschema:"RFC3339 timestamp of the space sync, empty if unsynced"`
}

// RunListResult represents the tool output for listing a project's runs.
type RunListResult struct {
	Project       ProjectEntry `json:"project"`
	Runs          []RunEntry   `json:"runs"`
	NextPageToken string       `json:"next_page_token,omitempty" jsonschema:"token for the next page, empty on the last page"`
}

// RunGetInput represents the tool input for reading one run.
type RunGetInput struct {
	RunID string `json:"run_id" jsonschema:"run identifier"`
}

// RunGetResult represents the tool output for reading one run.
type RunGetResult struct {
	RunEntry
	ProjectID string         `json:"project_id" jsonschema:"project identifier"`
	Config    map[string]any `json:"config,omitempty" jsonschema:"hyperparameters recorded at init"`
	ViewURL   string         `json:"view_url,omitempty" jsonschema:"dashboard page for the run"`
}

// MetricSummaryInput represents the tool input for a run's metric summary.
type MetricSummaryInput struct {
	RunID string `json:"run_id" jsonschema:"run identifier"`
}

// PointEntry represents one metric point in tool output.
type PointEntry struct {
	Name     string  `json:"name" jsonschema:"metric name"`
	Step     int64   `json:"step" jsonschema:"zero-based step"`
	Value    float64 `json:"value" jsonschema:"logged value"`
	LoggedAt string  `json:"logged_at" jsonschema:"RFC3339 timestamp"`
}

// MetricSummaryResult represents the tool output for a run's metric summary.
type MetricSummaryResult struct {
	Names  []string     `json:"names" jsonschema:"every metric name logged on the run"`
	Latest []PointEntry `json:"latest" jsonschema:"the most recent point of each metric"`
}

// MetricHistoryInput represents the tool input for one metric's series.
type MetricHistoryInput struct {
	RunID     string `json:"run_id" jsonschema:"run identifier"`
	Name      string `json:"name" jsonschema:"metric name"`
	PageToken string `json:"page_token,omitempty" jsonschema:"opaque token from a previous page"`
}

// MetricHistoryResult represents the tool output for one metric's series.
type MetricHistoryResult struct {
	Points        []PointEntry `json:"points"`
	NextPageToken string       `json:"next_page_token,omitempty" jsonschema:"token for the next page, empty on the last page"`
}

// ArtifactListInput represents the tool input for listing a run's artifacts.
type ArtifactListInput struct {
	RunID string `json:"run_id" jsonschema:"run identifier"`
}

// ArtifactEntry represents one artifact in tool output.
type ArtifactEntry struct {
	ID          string `json:"id" jsonschema:"artifact identifier"`
	Name        string `json:"name" jsonschema:"file name"`
	ContentType string `json:"content_type" jsonschema:"MIME type"`
	SizeBytes   int64  `json:"size_bytes" jsonschema:"stored size"`
	Digest      string `json:"digest,omitempty" jsonschema:"content digest such as sha256:..."`
	CreatedAt   string `json:"created_at" jsonschema:"RFC3339 timestamp"`
}

// ArtifactListResult represents the tool output for listing a run's artifacts.
type ArtifactListResult struct {
	Artifacts []ArtifactEntry `json:"artifacts"`
}

// ProjectListTool describes the project listing tool.
func ProjectListTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "project_list",
		Description: "Lists tracked projects with their hosted space binding.",
	}
}

// ProjectListHandler serves project listings from the tracker.
func ProjectListHandler(tracker *trackerclient.Client) mcp.ToolHandlerFor[ProjectListInput, ProjectListResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ProjectListInput) (*mcp.CallToolResult, ProjectListResult, error) {
		page, err := tracker.ListProjects(ctx, trackerclient.PageQuery{PageToken: input.PageToken})
		if err != nil {
			return nil, ProjectListResult{}, fmt.Errorf("list projects: %w", err)
		}
		result := ProjectListResult{NextPageToken: page.NextPageToken}
		for _, project := range page.Projects {
			result.Projects = append(result.Projects, projectEntry(project))
		}
		return nil, result, nil
	}
}

// RunListTool describes the run listing tool.
func RunListTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "run_list",
		Description: "Lists a project's runs newest first. The project argument accepts an id or a name.",
	}
}

// RunListHandler serves run listings from the tracker.
func RunListHandler(tracker *trackerclient.Client) mcp.ToolHandlerFor[RunListInput, RunListResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input RunListInput) (*mcp.CallToolResult, RunListResult, error) {
		if input.Project == "" {
			return nil, RunListResult{}, fmt.Errorf("project is required")
		}
		page, err := tracker.ProjectRuns(ctx, input.Project, trackerclient.PageQuery{PageToken: input.PageToken})
		if err != nil {
			return nil, RunListResult{}, fmt.Errorf("list runs: %w", err)
		}
		result := RunListResult{
			Project:       projectEntry(page.Project),
			NextPageToken: page.NextPageToken,
		}
		for _, run := range page.Runs {
			result.Runs = append(result.Runs, runEntry(run))
		}
		return nil, result, nil
	}
}

// RunGetTool describes the run detail tool.
func RunGetTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "run_get",
		Description: "Reads one run with its status, config, and dashboard link.",
	}
}

// RunGetHandler serves run details from the tracker.
func RunGetHandler(tracker *trackerclient.Client) mcp.ToolHandlerFor[RunGetInput, RunGetResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input RunGetInput) (*mcp.CallToolResult, RunGetResult, error) {
		if input.RunID == "" {
			return nil, RunGetResult{}, fmt.Errorf("run_id is required")
		}
		run, err := tracker.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, RunGetResult{}, fmt.Errorf("get run: %w", err)
		}
		return nil, RunGetResult{
			RunEntry:  runEntry(run),
			ProjectID: run.ProjectID,
			Config:    run.Config,
			ViewURL:   run.ViewURL,
		}, nil
	}
}

// MetricSummaryTool describes the metric summary tool.
func MetricSummaryTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "metric_summary",
		Description: "Lists a run's metric names with the latest point of each.",
	}
}

// MetricSummaryHandler serves metric summaries from the tracker.
func MetricSummaryHandler(tracker *trackerclient.Client) mcp.ToolHandlerFor[MetricSummaryInput, MetricSummaryResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input MetricSummaryInput) (*mcp.CallToolResult, MetricSummaryResult, error) {
		if input.RunID == "" {
			return nil, MetricSummaryResult{}, fmt.Errorf("run_id is required")
		}
		summary, err := tracker.MetricSummary(ctx, input.RunID)
		if err != nil {
			return nil, MetricSummaryResult{}, fmt.Errorf("metric summary: %w", err)
		}
		result := MetricSummaryResult{Names: summary.Names}
		for _, point := range summary.Latest {
			result.Latest = append(result.Latest, pointEntry(point))
		}
		return nil, result, nil
	}
}

// MetricHistoryTool describes the metric series tool.
func MetricHistoryTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "metric_history",
		Description: "Reads one metric's points in step order, paged.",
	}
}

// MetricHistoryHandler serves metric series from the tracker.
func MetricHistoryHandler(tracker *trackerclient.Client) mcp.ToolHandlerFor[MetricHistoryInput, MetricHistoryResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input MetricHistoryInput) (*mcp.CallToolResult, MetricHistoryResult, error) {
		if input.RunID == "" || input.Name == "" {
			return nil, MetricHistoryResult{}, fmt.Errorf("run_id and name are required")
		}
		page, err := tracker.MetricPoints(ctx, input.RunID, input.Name, trackerclient.MetricPointsQuery{PageToken: input.PageToken})
		if err != nil {
			return nil, MetricHistoryResult{}, fmt.Errorf("metric history: %w", err)
		}
		result := MetricHistoryResult{NextPageToken: page.NextPageToken}
		for _, point := range page.Points {
			result.Points = append(result.Points, pointEntry(point))
		}
		return nil, result, nil
	}
}

// ArtifactListTool describes the artifact listing tool.
func ArtifactListTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "artifact_list",
		Description: "Lists the files attached to a run. Content stays on the tracker.",
	}
}

// ArtifactListHandler serves artifact listings from the tracker.
func ArtifactListHandler(tracker *trackerclient.Client) mcp.ToolHandlerFor[ArtifactListInput, ArtifactListResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ArtifactListInput) (*mcp.CallToolResult, ArtifactListResult, error) {
		if input.RunID == "" {
			return nil, ArtifactListResult{}, fmt.Errorf("run_id is required")
		}
		artifacts, err := tracker.ListArtifacts(ctx, input.RunID)
		if err != nil {
			return nil, ArtifactListResult{}, fmt.Errorf("list artifacts: %w", err)
		}
		result := ArtifactListResult{}
		for _, artifact := range artifacts {
			result.Artifacts = append(result.Artifacts, ArtifactEntry{
				ID:          artifact.ID,
				Name:        artifact.Name,
				ContentType: artifact.ContentType,
				SizeBytes:   artifact.SizeBytes,
				Digest:      artifact.Digest,
				CreatedAt:   stamp(artifact.CreatedAt),
			})
		}
		return nil, result, nil
	}
}

func registerTools(server *mcp.Server, tracker *trackerclient.Client) {
	mcp.AddTool(server, ProjectListTool(), ProjectListHandler(tracker))
	mcp.AddTool(server, RunListTool(), RunListHandler(tracker))
	mcp.AddTool(server, RunGetTool(), RunGetHandler(tracker))
	mcp.AddTool(server, MetricSummaryTool(), MetricSummaryHandler(tracker))
	mcp.AddTool(server, MetricHistoryTool(), MetricHistoryHandler(tracker))
	mcp.AddTool(server, ArtifactListTool(), ArtifactListHandler(tracker))
}

func projectEntry(project trackerclient.Project) ProjectEntry {
	return ProjectEntry{
		ID:        project.ID,
		Name:      project.Name,
		SpaceID:   project.SpaceID,
		CreatedAt: stamp(project.CreatedAt),
		UpdatedAt: stamp(project.UpdatedAt),
	}
}

func runEntry(run trackerclient.Run) RunEntry {
	return RunEntry{
		ID:           run.ID,
		Name:         run.Name,
		Status:       run.Status,
		Origin:       run.Origin,
		NextStep:     run.NextStep,
		CreatedAt:    stamp(run.CreatedAt),
		LastLoggedAt: stampPtr(run.LastLoggedAt),
		FinishedAt:   stampPtr(run.FinishedAt),
		SyncedAt:     stampPtr(run.SyncedAt),
	}
}

func pointEntry(point trackerclient.MetricPoint) PointEntry {
	return PointEntry{
		Name:     point.Name,
		Step:     point.Step,
		Value:    point.Value,
		LoggedAt: stamp(point.LoggedAt),
	}
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func stampPtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return stamp(*t)
}

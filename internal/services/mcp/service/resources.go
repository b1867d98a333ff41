package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/louisbranch/waypost/internal/trackerclient"
)

const resourceMIMEType = "application/json"

// ProjectListResource describes the browsable project index.
func ProjectListResource() *mcp.Resource {
	return &mcp.Resource{
		URI:         "waypost://projects",
		Name:        "projects",
		Description: "Every tracked project with its hosted space binding.",
		MIMEType:    resourceMIMEType,
	}
}

// ProjectListResourceHandler serves the project index resource.
func ProjectListResourceHandler(tracker *trackerclient.Client) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		page, err := tracker.ListProjects(ctx, trackerclient.PageQuery{})
		if err != nil {
			return nil, fmt.Errorf("list projects: %w", err)
		}
		payload := ProjectListResult{NextPageToken: page.NextPageToken}
		for _, project := range page.Projects {
			payload.Projects = append(payload.Projects, projectEntry(project))
		}
		return resourceResult(req.Params.URI, payload)
	}
}

// ProjectRunsResourceTemplate describes per-project run listings.
func ProjectRunsResourceTemplate() *mcp.ResourceTemplate {
	return &mcp.ResourceTemplate{
		URITemplate: "waypost://projects/{project}/runs",
		Name:        "project-runs",
		Description: "A project's runs newest first. The project segment accepts an id or a name.",
		MIMEType:    resourceMIMEType,
	}
}

// ProjectRunsResourceHandler serves per-project run listing resources.
func ProjectRunsResourceHandler(tracker *trackerclient.Client) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		project, err := projectFromURI(req.Params.URI)
		if err != nil {
			return nil, err
		}
		page, err := tracker.ProjectRuns(ctx, project, trackerclient.PageQuery{})
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		payload := RunListResult{
			Project:       projectEntry(page.Project),
			NextPageToken: page.NextPageToken,
		}
		for _, run := range page.Runs {
			payload.Runs = append(payload.Runs, runEntry(run))
		}
		return resourceResult(req.Params.URI, payload)
	}
}

// RunResourceTemplate describes per-run detail resources.
func RunResourceTemplate() *mcp.ResourceTemplate {
	return &mcp.ResourceTemplate{
		URITemplate: "waypost://runs/{runID}",
		Name:        "run",
		Description: "One run with its status, config, and dashboard link.",
		MIMEType:    resourceMIMEType,
	}
}

// RunResourceHandler serves per-run detail resources.
func RunResourceHandler(tracker *trackerclient.Client) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		runID, err := runIDFromURI(req.Params.URI)
		if err != nil {
			return nil, err
		}
		run, err := tracker.GetRun(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("get run: %w", err)
		}
		payload := RunGetResult{
			RunEntry:  runEntry(run),
			ProjectID: run.ProjectID,
			Config:    run.Config,
			ViewURL:   run.ViewURL,
		}
		return resourceResult(req.Params.URI, payload)
	}
}

func registerResources(server *mcp.Server, tracker *trackerclient.Client) {
	server.AddResource(ProjectListResource(), ProjectListResourceHandler(tracker))
	server.AddResourceTemplate(ProjectRunsResourceTemplate(), ProjectRunsResourceHandler(tracker))
	server.AddResourceTemplate(RunResourceTemplate(), RunResourceHandler(tracker))
}

func resourceResult(uri string, payload any) (*mcp.ReadResourceResult, error) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal resource payload: %w", err)
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{
			{URI: uri, MIMEType: resourceMIMEType, Text: string(data)},
		},
	}, nil
}

// projectFromURI extracts the project segment from
// waypost://projects/{project}/runs.
func projectFromURI(uri string) (string, error) {
	rest, ok := strings.CutPrefix(uri, "waypost://projects/")
	if !ok {
		return "", fmt.Errorf("uri %q does not match waypost://projects/{project}/runs", uri)
	}
	project, ok := strings.CutSuffix(rest, "/runs")
	if !ok || project == "" || strings.Contains(project, "/") {
		return "", fmt.Errorf("uri %q does not match waypost://projects/{project}/runs", uri)
	}
	return project, nil
}

// runIDFromURI extracts the run segment from waypost://runs/{runID}.
func runIDFromURI(uri string) (string, error) {
	runID, ok := strings.CutPrefix(uri, "waypost://runs/")
	if !ok || runID == "" || strings.Contains(runID, "/") {
		return "", fmt.Errorf("uri %q does not match waypost://runs/{runID}", uri)
	}
	return runID, nil
}

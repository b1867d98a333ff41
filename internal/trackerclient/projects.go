package trackerclient

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

// PageQuery pages a listing. PageSize zero uses the server default.
type PageQuery struct {
	PageSize  int
	PageToken string
}

func (q PageQuery) values() url.Values {
	values := url.Values{}
	if q.PageSize > 0 {
		values.Set("page_size", strconv.Itoa(q.PageSize))
	}
	if q.PageToken != "" {
		values.Set("page_token", q.PageToken)
	}
	return values
}

// ProjectsPage is one page of projects, most recently updated first.
type ProjectsPage struct {
	Projects      []Project `json:"projects"`
	NextPageToken string    `json:"next_page_token"`
}

// ListProjects lists projects, most recently updated first.
func (c *Client) ListProjects(ctx context.Context, query PageQuery) (ProjectsPage, error) {
	path := "/api/v1/projects"
	if encoded := query.values().Encode(); encoded != "" {
		path += "?" + encoded
	}
	var page ProjectsPage
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &page); err != nil {
		return ProjectsPage{}, err
	}
	return page, nil
}

// ProjectRunsPage is one page of a project's runs, newest first, with the
// resolved project inlined.
type ProjectRunsPage struct {
	Project       Project `json:"project"`
	Runs          []Run   `json:"runs"`
	NextPageToken string  `json:"next_page_token"`
}

// ProjectRuns lists a project's runs, newest first. The project may be
// addressed by id or by name.
func (c *Client) ProjectRuns(ctx context.Context, project string, query PageQuery) (ProjectRunsPage, error) {
	path := "/api/v1/projects/" + url.PathEscape(project) + "/runs"
	if encoded := query.values().Encode(); encoded != "" {
		path += "?" + encoded
	}
	var page ProjectRunsPage
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &page); err != nil {
		return ProjectRunsPage{}, err
	}
	return page, nil
}

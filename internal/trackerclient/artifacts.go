package trackerclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

type artifactEnvelope struct {
	Artifact Artifact `json:"artifact"`
}

type artifactListEnvelope struct {
	Artifacts []Artifact `json:"artifacts"`
}

// UploadArtifact streams content as the named artifact of a run.
// Re-uploading a name replaces the payload in place. A non-empty digest
// ("sha256:<hex>") makes the tracker verify the payload on arrival.
func (c *Client) UploadArtifact(ctx context.Context, runID, name, contentType, digest string, content io.Reader) (Artifact, error) {
	values := url.Values{}
	values.Set("name", name)
	if digest != "" {
		values.Set("digest", digest)
	}
	path := "/api/v1/runs/" + url.PathEscape(runID) + "/artifacts?" + values.Encode()

	req, err := c.newRequest(ctx, http.MethodPost, path, content)
	if err != nil {
		return Artifact{}, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Artifact{}, fmt.Errorf("upload artifact %q: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return Artifact{}, decodeError(resp)
	}
	var envelope artifactEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return Artifact{}, fmt.Errorf("decode artifact response: %w", err)
	}
	return envelope.Artifact, nil
}

// ListArtifacts lists a run's artifacts by name.
func (c *Client) ListArtifacts(ctx context.Context, runID string) ([]Artifact, error) {
	var envelope artifactListEnvelope
	path := "/api/v1/runs/" + url.PathEscape(runID) + "/artifacts"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &envelope); err != nil {
		return nil, err
	}
	return envelope.Artifacts, nil
}

// ArtifactContent opens an artifact's payload for reading. The caller
// owns the returned body and must close it.
func (c *Client) ArtifactContent(ctx context.Context, artifactID string) (io.ReadCloser, string, error) {
	path := "/api/v1/artifacts/" + url.PathEscape(artifactID) + "/content"
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch artifact content: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, "", decodeError(resp)
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

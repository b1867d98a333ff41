// Package space talks to a hosted waypost space: the remote deployment
// that mirrors finished runs for browsing. A space speaks the same API as
// a local tracker; what differs is the credential (a space token) and the
// network, so every call retries transient failures with backoff.
package space

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	apperrors "github.com/louisbranch/waypost/internal/platform/errors"
	"github.com/louisbranch/waypost/internal/platform/timeouts"
	"github.com/louisbranch/waypost/internal/trackerclient"
)

const (
	// EnvSpaceURL names the hosted space runs sync to.
	EnvSpaceURL = "WAYPOST_SPACE_URL"

	// EnvSpaceToken carries the credential for the hosted space.
	EnvSpaceToken = "WAYPOST_SPACE_TOKEN"
)

const (
	defaultAttempts = 4
	defaultDelay    = 500 * time.Millisecond
)

// Client pushes finished runs to a hosted space and manages its
// dependency manifest.
type Client struct {
	tracker  *trackerclient.Client
	attempts uint
	delay    time.Duration
}

// New creates a client for the space at baseURL authenticating with
// token. A nil httpClient gets a default with the shared space request
// timeout.
func New(baseURL, token string, httpClient *http.Client) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("space base url is required")
	}
	if strings.TrimSpace(token) == "" {
		return nil, apperrors.New(apperrors.CodeSpaceTokenInvalid,
			"space token is required; set "+EnvSpaceToken)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeouts.SpaceRequest}
	}
	return &Client{
		tracker:  trackerclient.New(baseURL, token, httpClient),
		attempts: defaultAttempts,
		delay:    defaultDelay,
	}, nil
}

// NewFromEnv creates a client for the space named by WAYPOST_SPACE_URL,
// authenticating with WAYPOST_SPACE_TOKEN.
func NewFromEnv() (*Client, error) {
	return New(os.Getenv(EnvSpaceURL), os.Getenv(EnvSpaceToken), nil)
}

// BaseURL returns the space address the client talks to.
func (c *Client) BaseURL() string {
	return c.tracker.BaseURL()
}

// ViewURL returns the browser address of a project on the space
// dashboard, where synced runs appear.
func (c *Client) ViewURL(project string) string {
	return c.tracker.BaseURL() + "/projects/" + url.PathEscape(project)
}

func (c *Client) retryOpts(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isTransient),
	}
}

// isTransient reports whether an error is worth retrying. A domain error
// other than SPACE_UNAVAILABLE or UNKNOWN means the space understood the
// request and rejected it; repeating those wastes the attempt budget.
func isTransient(err error) bool {
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		return domainErr.Code == apperrors.CodeSpaceUnavailable || domainErr.Code == apperrors.CodeUnknown
	}
	return true
}

// Version fetches the space release information.
func (c *Client) Version(ctx context.Context) (trackerclient.VersionInfo, error) {
	var info trackerclient.VersionInfo
	err := retry.Do(func() error {
		fetched, err := c.tracker.Version(ctx)
		if err != nil {
			return err
		}
		info = fetched
		return nil
	}, c.retryOpts(ctx)...)
	if err != nil {
		return trackerclient.VersionInfo{}, fmt.Errorf("space version: %w", err)
	}
	return info, nil
}

// PushRuns imports a batch of finished runs into the space. Client run
// ids make the import idempotent, so retrying a partially applied batch
// only fills in what is missing.
func (c *Client) PushRuns(ctx context.Context, origin string, runs []trackerclient.ImportRun) (trackerclient.ImportResult, error) {
	var result trackerclient.ImportResult
	err := retry.Do(func() error {
		pushed, err := c.tracker.ImportRuns(ctx, origin, runs)
		if err != nil {
			return err
		}
		result = pushed
		return nil
	}, c.retryOpts(ctx)...)
	if err != nil {
		return trackerclient.ImportResult{}, fmt.Errorf("push runs to space: %w", err)
	}
	return result, nil
}

// RemoteManifest is the dependency manifest as served by the space, both
// verbatim and parsed.
type RemoteManifest struct {
	Raw       string
	Parsed    Manifest
	UpdatedAt time.Time
}

// ReadManifest fetches and parses the space dependency manifest.
func (c *Client) ReadManifest(ctx context.Context) (RemoteManifest, error) {
	var remote RemoteManifest
	err := retry.Do(func() error {
		raw, err := c.tracker.ReadManifest(ctx)
		if err != nil {
			return err
		}
		parsed, err := ParseManifest(raw.Content)
		if err != nil {
			return err
		}
		remote = RemoteManifest{Raw: raw.Content, Parsed: parsed, UpdatedAt: raw.UpdatedAt}
		return nil
	}, c.retryOpts(ctx)...)
	if err != nil {
		return RemoteManifest{}, fmt.Errorf("read space manifest: %w", err)
	}
	return remote, nil
}

// WriteManifest replaces the space dependency manifest in canonical form.
// A non-zero ifUnmodifiedSince makes the write conditional so concurrent
// editors conflict instead of clobbering each other.
func (c *Client) WriteManifest(ctx context.Context, manifest Manifest, ifUnmodifiedSince time.Time) (time.Time, error) {
	var updatedAt time.Time
	err := retry.Do(func() error {
		at, err := c.tracker.WriteManifest(ctx, manifest.String(), ifUnmodifiedSince)
		if err != nil {
			return err
		}
		updatedAt = at
		return nil
	}, c.retryOpts(ctx)...)
	if err != nil {
		return time.Time{}, fmt.Errorf("write space manifest: %w", err)
	}
	return updatedAt, nil
}

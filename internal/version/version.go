// Package version holds the server release version and the compatibility
// policy for SDK clients.
//
// Clients report their release on every request. Releases older than
// MinClientVersion predate the run resume protocol and are rejected so a
// stale install fails loudly instead of corrupting run history.
package version

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

const (
	// Server is the release version reported by /api/v1/version.
	Server = "0.4.1"

	// MinClientVersion is the oldest SDK release the API accepts.
	MinClientVersion = "0.3.0"

	// ClientProduct is the product token SDK clients send in their
	// version header, as in "waypost-go/0.4.1".
	ClientProduct = "waypost-go"

	// HeaderClientVersion is the request header carrying the client's
	// product and release.
	HeaderClientVersion = "X-Waypost-Client"
)

// ErrIncompatibleClient reports a client release older than MinClientVersion.
type ErrIncompatibleClient struct {
	Client string
}

func (e *ErrIncompatibleClient) Error() string {
	return fmt.Sprintf("client version %s is older than minimum supported %s; upgrade the SDK and restart your process", e.Client, MinClientVersion)
}

// CheckClient validates a client version header value such as
// "waypost-go/0.4.1". An empty value passes; old clients did not send the
// header and are caught by their first incompatible call instead.
func CheckClient(header string) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil
	}
	product, release, ok := strings.Cut(header, "/")
	if !ok || strings.TrimSpace(release) == "" {
		return fmt.Errorf("malformed client version %q", header)
	}
	if product != ClientProduct {
		return fmt.Errorf("unknown client product %q", product)
	}
	parsed, err := semver.NewVersion(strings.TrimSpace(release))
	if err != nil {
		return fmt.Errorf("parse client version %q: %w", release, err)
	}
	minimum := semver.MustParse(MinClientVersion)
	if parsed.LessThan(minimum) {
		return &ErrIncompatibleClient{Client: parsed.String()}
	}
	return nil
}

// ClientHeader formats the version header value an SDK of the given release
// should send.
func ClientHeader(release string) string {
	return ClientProduct + "/" + strings.TrimSpace(release)
}

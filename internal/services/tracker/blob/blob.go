// Package blob persists artifact payloads outside the relational store.
//
// The tracker records artifact metadata (name, digest, size) in sqlite and
// hands the bytes to a blob store. Deployments pick the filesystem store for
// single-node setups and the S3-compatible store when runs are tracked from
// more than one machine.
package blob

import (
	"context"
	"io"

	"github.com/louisbranch/waypost/internal/platform/errors"
)

// ErrNotFound reports that no payload exists for the requested key.
var ErrNotFound = errors.New(errors.CodeNotFound, "artifact payload not found")

// ErrKeyInvalid reports a key that would escape the store's namespace.
var ErrKeyInvalid = errors.New(errors.CodeArtifactNameInvalid, "artifact payload key is invalid")

// Store reads and writes artifact payloads addressed by key.
//
// Keys are slash-separated relative paths, typically run_id/artifact_id.
// Put replaces any existing payload under the same key.
type Store interface {
	Put(ctx context.Context, key string, payload io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

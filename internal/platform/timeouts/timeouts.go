// Package timeouts defines shared timeout constants used across services.
// Centralizing these values prevents drift between service boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// TrackerRequest caps a single API call from the web, worker, or mcp
// process to the tracker.
const TrackerRequest = 10 * time.Second

// SpaceRequest caps a single call to a hosted space. Pushes carry full
// metric histories, so this is looser than TrackerRequest.
const SpaceRequest = 30 * time.Second

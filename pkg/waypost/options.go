package waypost

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Option configures Init or Replay.
type Option func(*settings)

// WithProject names the project the run belongs to. The project is created
// on first use. Required for Init.
func WithProject(name string) Option {
	return func(s *settings) { s.project = name }
}

// WithRunName names the run. The tracker generates a name when empty.
func WithRunName(name string) Option {
	return func(s *settings) { s.runName = name }
}

// WithConfig records the run's hyperparameters. The mapping is stored
// verbatim and shown on the run page.
func WithConfig(config map[string]any) Option {
	return func(s *settings) { s.config = config }
}

// WithSpace links the run's project to a hosted space, as "owner/name".
// The sync worker mirrors finished runs of linked projects there.
func WithSpace(spaceID string) Option {
	return func(s *settings) { s.space = spaceID }
}

// WithAPIKey overrides the WAYPOST_API_KEY environment credential.
func WithAPIKey(key string) Option {
	return func(s *settings) { s.apiKey = key }
}

// WithBaseURL overrides the WAYPOST_BASE_URL tracker address.
func WithBaseURL(baseURL string) Option {
	return func(s *settings) { s.baseURL = baseURL }
}

// WithHTTPClient substitutes the HTTP client used for tracker calls.
func WithHTTPClient(client *http.Client) Option {
	return func(s *settings) { s.httpClient = client }
}

// WithFlushInterval sets how often buffered points are delivered even when
// the batch has not filled.
func WithFlushInterval(interval time.Duration) Option {
	return func(s *settings) {
		if interval > 0 {
			s.flushInterval = interval
		}
	}
}

// WithBatchSize caps how many points one delivery carries.
func WithBatchSize(size int) Option {
	return func(s *settings) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// WithOfflineSpool persists undeliverable batches to a bbolt file at path.
// The spool drains on the next successful flush, or through Replay.
func WithOfflineSpool(path string) Option {
	return func(s *settings) { s.spoolPath = path }
}

// WithLogger substitutes the SDK's logger. Pass zap.NewNop() to silence it.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock substitutes the time source stamped onto logged points.
func WithClock(clock func() time.Time) Option {
	return func(s *settings) {
		if clock != nil {
			s.clock = clock
		}
	}
}

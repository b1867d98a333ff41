// Package waypost is the client SDK for the waypost experiment tracker.
//
// A training script starts a run, logs metrics inside its loop, and
// finishes:
//
//	run, err := waypost.Init(ctx,
//		waypost.WithProject("mnist"),
//		waypost.WithSpace("team/alpha"),
//		waypost.WithConfig(map[string]any{"learning_rate": 0.01}),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer run.Close()
//
//	for step := 0; step < epochs; step++ {
//		run.Log(map[string]float64{"loss": loss, "accuracy": acc})
//	}
//	run.Finish(ctx)
//
// The credential comes from WAYPOST_API_KEY and the tracker address from
// WAYPOST_BASE_URL unless overridden. Points are buffered and delivered by
// a background flusher; with an offline spool configured, batches that
// cannot reach the tracker persist to disk and replay later.
package waypost

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/louisbranch/waypost/internal/trackerclient"
	"github.com/louisbranch/waypost/internal/version"
)

const (
	// EnvAPIKey is the environment variable holding the tracker credential.
	EnvAPIKey = "WAYPOST_API_KEY"
	// EnvBaseURL is the environment variable holding the tracker address.
	EnvBaseURL = "WAYPOST_BASE_URL"

	// DefaultBaseURL is used when no address is configured anywhere.
	DefaultBaseURL = "http://localhost:8080"

	// Version is the SDK release, which tracks the server release.
	Version = version.Server

	// MinServerVersion is the oldest tracker release this SDK can talk to.
	MinServerVersion = "0.4.0"
)

// Init starts (or resumes) a tracked run and returns a handle for logging
// metrics against it. The returned Run owns a background flusher; always
// pair Init with Finish or Close.
func Init(ctx context.Context, opts ...Option) (*Run, error) {
	settings := defaultSettings()
	for _, opt := range opts {
		opt(&settings)
	}
	if strings.TrimSpace(settings.project) == "" {
		return nil, errors.New("waypost: a project is required; pass WithProject")
	}
	if settings.apiKey == "" {
		settings.apiKey = strings.TrimSpace(os.Getenv(EnvAPIKey))
	}
	if settings.baseURL == "" {
		settings.baseURL = strings.TrimSpace(os.Getenv(EnvBaseURL))
	}
	if settings.baseURL == "" {
		settings.baseURL = DefaultBaseURL
	}
	if settings.apiKey == "" && settings.spoolPath == "" {
		return nil, fmt.Errorf("waypost: no API key; set %s or pass WithAPIKey: %w", EnvAPIKey, ErrUnauthorized)
	}

	var batches *spool
	if settings.spoolPath != "" {
		opened, err := openSpool(settings.spoolPath)
		if err != nil {
			return nil, err
		}
		batches = opened
	}

	run := &Run{
		client:        trackerclient.New(settings.baseURL, settings.apiKey, settings.httpClient),
		logger:        settings.logger,
		clock:         settings.clock,
		spool:         batches,
		flushInterval: settings.flushInterval,
		batchSize:     settings.batchSize,
		bufferCap:     settings.batchSize * bufferBatches,
		project:       settings.project,
		space:         settings.space,
		runName:       settings.runName,
		config:        settings.config,
		clientRunID:   uuid.NewString(),
		lastStep:      -1,
		kick:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}

	online, err := run.handshake(ctx)
	if err != nil {
		run.closeSpool()
		return nil, err
	}
	if online {
		if err := run.create(ctx); err != nil {
			run.closeSpool()
			return nil, err
		}
	} else {
		run.logger.Warn("tracker unreachable, starting offline",
			zap.String("base_url", settings.baseURL),
			zap.String("spool", settings.spoolPath))
	}

	run.wg.Add(1)
	go run.flushLoop()
	return run, nil
}

// handshake checks the server is new enough for this SDK. A network failure
// switches to offline mode when a spool is configured.
func (r *Run) handshake(ctx context.Context) (bool, error) {
	info, err := r.client.Version(ctx)
	if err != nil {
		if isAPIRejection(err) {
			return false, mapError(err)
		}
		if r.spool != nil {
			return false, nil
		}
		return false, fmt.Errorf("waypost: reach tracker: %w", err)
	}
	server, parseErr := semver.NewVersion(info.Server)
	if parseErr != nil {
		return false, fmt.Errorf("waypost: parse server version %q: %w", info.Server, parseErr)
	}
	if server.LessThan(semver.MustParse(MinServerVersion)) {
		return false, fmt.Errorf("waypost: tracker %s is older than minimum supported %s; upgrade and restart it: %w",
			info.Server, MinServerVersion, ErrIncompatibleServer)
	}
	return true, nil
}

// create registers the run on the tracker and seeds the step counter from
// the server, which matters when the client run id resumes an earlier run.
func (r *Run) create(ctx context.Context) error {
	created, err := r.client.CreateRun(ctx, trackerclient.CreateRunParams{
		Project:     r.project,
		SpaceID:     r.space,
		ClientRunID: r.clientRunID,
		RunName:     r.runName,
		Config:      r.config,
	})
	if err != nil {
		return mapError(err)
	}
	r.mu.Lock()
	r.id = created.ID
	r.viewURL = created.ViewURL
	r.created = true
	if created.NextStep > 0 {
		r.lastStep = created.NextStep - 1
	}
	r.mu.Unlock()

	r.logger.Info("run initialized",
		zap.String("project", r.project),
		zap.String("run_id", created.ID),
		zap.String("view_url", created.ViewURL))
	return nil
}

// Replay drains a previously written offline spool into the tracker and
// reports how many batches were delivered. Configure the same spool path,
// API key, and base URL the spooling process used.
func Replay(ctx context.Context, opts ...Option) (int, error) {
	settings := defaultSettings()
	for _, opt := range opts {
		opt(&settings)
	}
	if settings.spoolPath == "" {
		return 0, errors.New("waypost: a spool path is required; pass WithOfflineSpool")
	}
	if settings.apiKey == "" {
		settings.apiKey = strings.TrimSpace(os.Getenv(EnvAPIKey))
	}
	if settings.baseURL == "" {
		settings.baseURL = strings.TrimSpace(os.Getenv(EnvBaseURL))
	}
	if settings.baseURL == "" {
		settings.baseURL = DefaultBaseURL
	}

	batches, err := openSpool(settings.spoolPath)
	if err != nil {
		return 0, err
	}
	defer batches.Close()

	client := trackerclient.New(settings.baseURL, settings.apiKey, settings.httpClient)
	replayed, err := batches.Drain(ctx, client, settings.logger)
	if err != nil {
		return replayed, mapError(err)
	}
	return replayed, nil
}

// settings collects the resolved option values.
type settings struct {
	project       string
	space         string
	runName       string
	config        map[string]any
	apiKey        string
	baseURL       string
	httpClient    *http.Client
	flushInterval time.Duration
	batchSize     int
	spoolPath     string
	logger        *zap.Logger
	clock         func() time.Time
}

const (
	defaultFlushInterval = 2 * time.Second
	defaultBatchSize     = 256

	// bufferBatches sizes the in-memory buffer in multiples of the batch
	// size. Log fails with ErrBufferFull past that.
	bufferBatches = 8
)

func defaultSettings() settings {
	return settings{
		flushInterval: defaultFlushInterval,
		batchSize:     defaultBatchSize,
		logger:        defaultLogger(),
		clock:         time.Now,
	}
}

var newDefaultLogger = sync.OnceValue(func() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.DisableCaller = true
	cfg.DisableStacktrace = true
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
})

func defaultLogger() *zap.Logger {
	return newDefaultLogger()
}

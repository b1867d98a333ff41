package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/louisbranch/waypost/internal/platform/logging"
	"github.com/louisbranch/waypost/internal/platform/telemetry"
	"github.com/louisbranch/waypost/internal/platform/timeouts"
	"github.com/louisbranch/waypost/internal/services/tracker/api/rest"
	"github.com/louisbranch/waypost/internal/services/tracker/blob"
	"github.com/louisbranch/waypost/internal/services/tracker/storage/sqlite"
)

// Server hosts the tracker service.
type Server struct {
	listener   net.Listener
	httpServer *http.Server
	store      *sqlite.Store
	api        *rest.Server
	logger     *zap.Logger

	reapInterval       time.Duration
	pruneInterval      time.Duration
	telemetryRetention time.Duration
}

// New creates a configured tracker server listening on cfg.HTTPAddr.
func New(cfg Config) (*Server, error) {
	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
	}

	logger, err := logging.New("tracker")
	if err != nil {
		_ = listener.Close()
		return nil, err
	}

	store, err := openTrackerStore(cfg.DBPath)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}

	blobs, err := openBlobStore(cfg)
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, err
	}

	api, err := rest.NewServer(rest.Stores{
		Projects:   store,
		Runs:       store,
		Metrics:    store,
		Keys:       store,
		Artifacts:  store,
		Manifests:  store,
		Telemetry:  store,
		Statistics: store,
	}, blobs, rest.Options{
		Emitter:          telemetry.NewEmitter(store),
		Logger:           logger,
		Grants:           cfg.ShareGrants,
		ViewBaseURL:      cfg.ViewBaseURL,
		MaxArtifactBytes: cfg.MaxArtifactBytes,
		RunIdleTimeout:   cfg.RunIdleTimeout,
	})
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, fmt.Errorf("init tracker api: %w", err)
	}

	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	return &Server{
		listener: listener,
		httpServer: &http.Server{
			Handler:           otelhttp.NewHandler(mux, "tracker"),
			ReadHeaderTimeout: timeouts.ReadHeader,
		},
		store:              store,
		api:                api,
		logger:             logger,
		reapInterval:       cfg.ReapInterval,
		pruneInterval:      cfg.PruneInterval,
		telemetryRetention: cfg.TelemetryRetention,
	}, nil
}

// Addr returns the listener address for the tracker server.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run creates and serves a tracker server until the context ends.
func Run(ctx context.Context, cfg Config) error {
	server, err := New(cfg)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts the tracker server and blocks until it stops or the
// context ends.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.closeStore()
	defer logging.Sync(s.logger)

	s.startJanitors(serverCtx)

	s.logger.Info("tracker listening", zap.String("addr", s.listener.Addr().String()))
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	handleErr := func(err error) error {
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve tracker: %w", err)
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancelShutdown()
		_ = s.httpServer.Shutdown(shutdownCtx)
		return handleErr(<-serveErr)
	case err := <-serveErr:
		return handleErr(err)
	}
}

// startJanitors launches the periodic maintenance loops. A non-positive
// interval disables the corresponding loop.
func (s *Server) startJanitors(ctx context.Context) {
	if s.reapInterval > 0 {
		go s.runJanitor(ctx, s.reapInterval, func(ctx context.Context) {
			reaped, err := s.api.ReapIdleRuns(ctx, s.api.RunIdleTimeout())
			if err != nil {
				s.logger.Warn("reap idle runs", zap.Error(err))
				return
			}
			if reaped > 0 {
				s.logger.Info("reaped idle runs", zap.Int("runs", reaped))
			}
		})
	}
	if s.pruneInterval > 0 && s.telemetryRetention > 0 {
		go s.runJanitor(ctx, s.pruneInterval, func(ctx context.Context) {
			pruned, err := s.api.PruneTelemetry(ctx, s.telemetryRetention)
			if err != nil {
				s.logger.Warn("prune telemetry", zap.Error(err))
				return
			}
			if pruned > 0 {
				s.logger.Info("pruned telemetry", zap.Int64("events", pruned))
			}
		})
	}
}

func (s *Server) runJanitor(ctx context.Context, interval time.Duration, task func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task(ctx)
		}
	}
}

func openTrackerStore(path string) (*sqlite.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := sqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tracker sqlite store: %w", err)
	}
	return store, nil
}

func openBlobStore(cfg Config) (blob.Store, error) {
	switch cfg.BlobBackend {
	case BlobBackendMinio:
		ctx, cancel := context.WithTimeout(context.Background(), timeouts.SpaceRequest)
		defer cancel()
		return blob.NewMinio(ctx, cfg.Minio)
	case BlobBackendFS, "":
		return blob.NewFS(cfg.BlobDir)
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.BlobBackend)
	}
}

func (s *Server) closeStore() {
	if s == nil || s.store == nil {
		return
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn("close tracker store", zap.Error(err))
	}
}

// Package server boots the web dashboard service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/louisbranch/waypost/internal/platform/logging"
	"github.com/louisbranch/waypost/internal/platform/timeouts"
	"github.com/louisbranch/waypost/internal/services/web/ui"
	"github.com/louisbranch/waypost/internal/trackerclient"
)

// Server hosts the web dashboard.
type Server struct {
	listener   net.Listener
	httpServer *http.Server
	logger     *zap.Logger
}

// New creates a configured web server listening on cfg.HTTPAddr.
func New(cfg Config) (*Server, error) {
	if strings.TrimSpace(cfg.TrackerURL) == "" {
		return nil, errors.New("tracker url is required")
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
	}

	logger, err := logging.New("web")
	if err != nil {
		_ = listener.Close()
		return nil, err
	}

	handler, err := ui.New(ui.Config{
		Tracker:      trackerclient.New(cfg.TrackerURL, cfg.APIKey, nil),
		PasswordHash: cfg.PasswordHash,
		SessionTTL:   cfg.SessionTTL,
		Grants:       cfg.ShareGrants,
		Logger:       logger,
	})
	if err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("init dashboard: %w", err)
	}

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	return &Server{
		listener: listener,
		httpServer: &http.Server{
			Handler:           otelhttp.NewHandler(mux, "web"),
			ReadHeaderTimeout: timeouts.ReadHeader,
		},
		logger: logger,
	}, nil
}

// Addr returns the listener address for the web server.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run creates and serves a web server until the context ends.
func Run(ctx context.Context, cfg Config) error {
	server, err := New(cfg)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts the web server and blocks until it stops or the context
// ends.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	defer logging.Sync(s.logger)

	s.logger.Info("web listening", zap.String("addr", s.listener.Addr().String()))
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	handleErr := func(err error) error {
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve web: %w", err)
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

// Package service exposes read-only tracker queries over the Model
// Context Protocol. Assistants connect on stdio and browse projects,
// runs, metric history, and artifacts through the same HTTP API the
// dashboard uses; nothing here can mutate a run.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/louisbranch/waypost/internal/trackerclient"
	"github.com/louisbranch/waypost/internal/version"
)

const serverName = "waypost"

// Config carries the tracker connection for the MCP server.
type Config struct {
	// TrackerURL is the tracker API base, such as "http://localhost:8080".
	TrackerURL string
	// APIKey authenticates queries. Read scope is enough.
	APIKey string
}

// Server bridges MCP requests to the tracker API.
type Server struct {
	mcpServer *mcp.Server
	tracker   *trackerclient.Client
}

// New builds an MCP server with every tool and resource registered.
func New(cfg Config) (*Server, error) {
	if strings.TrimSpace(cfg.TrackerURL) == "" {
		return nil, fmt.Errorf("tracker url is required")
	}
	tracker := trackerclient.New(cfg.TrackerURL, cfg.APIKey, nil)

	mcpServer := mcp.NewServer(&mcp.Implementation{Name: serverName, Version: version.Server}, nil)
	registerTools(mcpServer, tracker)
	registerResources(mcpServer, tracker)

	return &Server{mcpServer: mcpServer, tracker: tracker}, nil
}

// Serve runs the MCP server on stdio until the client disconnects or the
// context ends.
func (s *Server) Serve(ctx context.Context) error {
	return s.serveWithTransport(ctx, &mcp.StdioTransport{})
}

func (s *Server) serveWithTransport(ctx context.Context, transport mcp.Transport) error {
	err := s.mcpServer.Run(ctx, transport)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	if err != nil {
		return fmt.Errorf("serve mcp: %w", err)
	}
	return nil
}

// Run builds a server from cfg and serves it on stdio.
func Run(ctx context.Context, cfg Config) error {
	server, err := New(cfg)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

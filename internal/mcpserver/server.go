// Package mcpserver embeds an MCP server in the daemon, exposing live
// sessions as tools over the SSE and streamable HTTP transports. The SSE
// endpoint doubles as the broker's own entry in the mcpServers list
// handed to ACP-family agents.
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/beamcode/beamcode/internal/common/config"
)

// Server runs one MCP server over two transports on a shared port:
// SSE under /sse (Claude Desktop, Cursor, ACP agents) and streamable
// HTTP under /mcp (Codex).
type Server struct {
	cfg  config.MCPConfig
	deps Deps

	mu         sync.Mutex
	running    bool
	port       int
	sse        *server.SSEServer
	streamable *server.StreamableHTTPServer
	httpServer *http.Server
}

// New builds the server. Start binds the port.
func New(cfg config.MCPConfig, deps Deps) *Server {
	return &Server{cfg: cfg, deps: deps, port: cfg.Port}
}

// Start binds the configured port and serves both transports in the
// background. The port is listening when Start returns.
func (s *Server) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("mcp server already running")
	}

	core := server.NewMCPServer(
		"beamcode",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	registerTools(core, s.deps)

	s.sse = server.NewSSEServer(core)
	s.streamable = server.NewStreamableHTTPServer(core,
		server.WithEndpointPath("/mcp"),
	)

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sse.SSEHandler())
	mux.Handle("/message", s.sse.MessageHandler())
	mux.Handle("/mcp", s.streamable)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("mcp server listen: %w", err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.port = tcpAddr.Port
	}
	s.httpServer = &http.Server{Handler: mux}
	s.running = true
	s.mu.Unlock()

	s.deps.Log.Info("mcp server listening",
		zap.Int("port", s.port),
		zap.String("sse_endpoint", "/sse"),
		zap.String("streamable_endpoint", "/mcp"))

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.deps.Log.Error("mcp server failed", zap.Error(err))
		}
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()
	return nil
}

// Stop shuts both transports down, severing any active tool streams.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("mcp server shutdown: %w", err)
	}
	if err := s.sse.Shutdown(ctx); err != nil {
		s.deps.Log.Warn("sse transport shutdown failed", zap.Error(err))
	}
	if err := s.streamable.Shutdown(ctx); err != nil {
		s.deps.Log.Warn("streamable transport shutdown failed", zap.Error(err))
	}
	return nil
}

// SSEEndpoint is the URL ACP agents connect back to.
func (s *Server) SSEEndpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("http://127.0.0.1:%d/sse", s.port)
}

// StreamableHTTPEndpoint is the URL for streamable HTTP clients.
func (s *Server) StreamableHTTPEndpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("http://127.0.0.1:%d/mcp", s.port)
}

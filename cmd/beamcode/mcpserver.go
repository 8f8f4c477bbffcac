package main

import (
	"context"
	"fmt"

	"github.com/beamcode/beamcode/internal/bridge"
	"github.com/beamcode/beamcode/internal/common/config"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/coordinator"
	"github.com/beamcode/beamcode/internal/mcpserver"
)

// provideMcpServer starts the embedded MCP server if enabled.
// Returns the SSE endpoint URL and a cleanup function.
func provideMcpServer(ctx context.Context, cfg *config.Config, coord *coordinator.Coordinator, br *bridge.Bridge, log *logger.Logger) (string, func() error, error) {
	if !cfg.MCP.Enabled {
		return "", nil, nil
	}

	srv, cleanup, err := mcpserver.Provide(ctx, cfg.MCP, mcpserver.Deps{
		Directory: coord,
		Submitter: br,
		Log:       log,
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to start MCP server: %w", err)
	}

	return srv.SSEEndpoint(), cleanup, nil
}

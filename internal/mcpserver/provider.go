package mcpserver

import (
	"context"
	"sync"
	"time"

	"github.com/beamcode/beamcode/internal/common/config"
)

// Provide starts the embedded MCP server and returns a cleanup that
// stops it. The caller gates on cfg.Enabled.
func Provide(ctx context.Context, cfg config.MCPConfig, deps Deps) (*Server, func() error, error) {
	srv := New(cfg, deps)
	if err := srv.Start(ctx); err != nil {
		return nil, nil, err
	}

	var stopOnce sync.Once
	cleanup := func() error {
		var stopErr error
		stopOnce.Do(func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			stopErr = srv.Stop(stopCtx)
		})
		return stopErr
	}
	return srv, cleanup, nil
}

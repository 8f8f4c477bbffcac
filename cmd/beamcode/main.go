// Package main is the BeamCode daemon entry point. One binary runs the
// consumer gateway, the session coordinator, and the optional embedded
// MCP server with shared infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/beamcode/beamcode/internal/adapter"
	"github.com/beamcode/beamcode/internal/bridge"
	"github.com/beamcode/beamcode/internal/common/config"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/coordinator"
	"github.com/beamcode/beamcode/internal/events"
	"github.com/beamcode/beamcode/internal/gateway"
	"github.com/beamcode/beamcode/internal/gitinfo"
	"github.com/beamcode/beamcode/internal/persist"
	"github.com/beamcode/beamcode/internal/process"
	"github.com/beamcode/beamcode/internal/session"
	"github.com/beamcode/beamcode/internal/tracing"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting BeamCode...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory unless NATS is configured)
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()
	if provided.NATS != nil {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}
	eventBus := provided.Bus

	// 5. Initialize session record store
	records, recordsCleanup, err := persist.Provide(cfg.Database, log)
	if err != nil {
		log.Fatal("Failed to initialize session record store", zap.Error(err))
	}
	defer recordsCleanup()

	// 6. Adapter runtime: launch catalog and process supervisor
	catalog, err := adapter.LoadCatalog(cfg.Adapters.CatalogPath)
	if err != nil {
		log.Fatal("Failed to load adapter catalog",
			zap.Error(err), zap.String("path", cfg.Adapters.CatalogPath))
	}
	supervisor := process.NewSupervisor(cfg, eventBus, log)

	// 7. Bridge and coordinator
	br := bridge.New(bridge.Deps{
		Bus:    eventBus,
		Config: cfg,
		Log:    log,
	})
	coord := coordinator.New(coordinator.Deps{
		Sessions: session.NewStore(),
		Bridge:   br,
		Adapters: adapter.Deps{
			Supervisor: supervisor,
			Config:     cfg,
			Catalog:    catalog,
			Log:        log,
		},
		Records: records,
		Git:     gitinfo.NewResolver(log),
		Config:  cfg,
		Log:     log,
	})

	// 8. Embedded MCP server (optional)
	mcpEndpoint, mcpCleanup, err := provideMcpServer(ctx, cfg, coord, br, log)
	if err != nil {
		log.Fatal("Failed to start MCP server", zap.Error(err))
	}
	if mcpCleanup != nil {
		defer mcpCleanup()
	}
	if mcpEndpoint != "" {
		log.Info("Embedded MCP server ready", zap.String("endpoint", mcpEndpoint))
	}

	// 9. HTTP server (REST + consumer WebSocket)
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	gw := gateway.NewServer(gateway.Deps{
		Coordinator: coord,
		Bridge:      br,
		Log:         log,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      gw.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Gateway listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("websocket", "/v1/sessions/:id/ws"),
		zap.String("http", "/v1/sessions"),
		zap.String("health", "/health"),
	)

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down BeamCode...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop accepting consumers before tearing down sessions.
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := coord.Stop(shutdownCtx); err != nil {
		log.Error("Coordinator stop error", zap.Error(err))
	}

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Trace flush error", zap.Error(err))
	}

	log.Info("BeamCode stopped")
}

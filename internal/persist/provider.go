package persist

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/beamcode/beamcode/internal/common/config"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/db"
	"github.com/beamcode/beamcode/internal/db/dialect"
)

// Provide opens the configured database and returns the session record
// store plus a cleanup that closes the pools.
func Provide(cfg config.DatabaseConfig, log *logger.Logger) (*Store, func() error, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return provideSQLite(cfg, log)
	case "postgres":
		return providePostgres(cfg, log)
	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

func provideSQLite(cfg config.DatabaseConfig, log *logger.Logger) (*Store, func() error, error) {
	path := cfg.Path
	if path == "" {
		path = "./beamcode.db"
	}

	writer, err := db.OpenSQLite(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	reader, err := db.OpenSQLiteReader(path)
	if err != nil {
		_ = writer.Close()
		return nil, nil, fmt.Errorf("failed to open sqlite reader: %w", err)
	}

	pool := db.NewPool(sqlx.NewDb(writer, dialect.SQLite3), sqlx.NewDb(reader, dialect.SQLite3))
	store, err := NewStore(pool, log)
	if err != nil {
		_ = pool.Close()
		return nil, nil, err
	}

	log.Info("session store ready",
		zap.String("db_driver", "sqlite"),
		zap.String("db_path", path))

	cleanup := func() error {
		// PRAGMA optimize refreshes query planner statistics; SQLite
		// recommends running it on every connection close.
		_, _ = writer.Exec("PRAGMA optimize")
		return pool.Close()
	}
	return store, cleanup, nil
}

func providePostgres(cfg config.DatabaseConfig, log *logger.Logger) (*Store, func() error, error) {
	conn, err := db.OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	// pgx pools internally, so one connection set serves both sides.
	shared := sqlx.NewDb(conn, dialect.PGX)
	pool := db.NewPool(shared, shared)
	store, err := NewStore(pool, log)
	if err != nil {
		_ = pool.Close()
		return nil, nil, err
	}

	log.Info("session store ready",
		zap.String("db_driver", "postgres"),
		zap.String("db_host", cfg.Host),
		zap.String("db_name", cfg.DBName))

	return store, pool.Close, nil
}

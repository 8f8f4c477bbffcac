package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// busyTimeout bounds how long a connection waits on a locked database
	// before returning SQLITE_BUSY. Session saves are small and frequent,
	// so a short wait absorbs writer contention without stalling callers.
	busyTimeout = 5 * time.Second

	// readerPoolSize is the number of concurrent read connections. WAL mode
	// allows many readers alongside the single writer; four covers the
	// broker's read paths (resume lookups, record listings) comfortably.
	readerPoolSize = 4
)

// OpenSQLite opens a SQLite database configured for writes. The returned
// pool is capped at a single connection so writes serialize in Go instead
// of failing with SQLITE_BUSY under contention.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	path, err := prepareSQLiteFile(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare database file: %w", err)
	}

	// Writer DSN:
	// - foreign_keys=on: enforce FK constraints consistently.
	// - journal_mode=WAL: readers proceed against snapshots while writing.
	// - synchronous=NORMAL: durability/performance tradeoff suited to
	//   session records that are rewritten on every lifecycle change.
	// - cache=shared: connections share one page cache.
	conn, err := sql.Open("sqlite3", sqliteDSN(path, "rwc")+"&_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	return conn, nil
}

// OpenSQLiteReader opens a read-only connection pool against the same file.
// Combined with WAL mode, readers neither block nor are blocked by the
// writer. journal_mode and synchronous are database-level settings owned
// by the writer, so the reader DSN omits them.
func OpenSQLiteReader(dbPath string) (*sql.DB, error) {
	path, err := filepath.Abs(dbPath)
	if err != nil {
		path = dbPath
	}

	conn, err := sql.Open("sqlite3", sqliteDSN(path, "ro"))
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}

	conn.SetMaxOpenConns(readerPoolSize)
	conn.SetMaxIdleConns(readerPoolSize)

	return conn, nil
}

func sqliteDSN(path, mode string) string {
	return fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=%s&_busy_timeout=%d&_cache=shared",
		path, mode, int(busyTimeout/time.Millisecond),
	)
}

// prepareSQLiteFile resolves the path and creates the parent directory and
// an empty database file when missing, so that the read-only pool can open
// the same file immediately after the writer.
func prepareSQLiteFile(dbPath string) (string, error) {
	path, err := filepath.Abs(dbPath)
	if err != nil {
		path = dbPath
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return "", err
	}
	return path, file.Close()
}

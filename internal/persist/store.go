// Package persist stores session records across daemon restarts. A record
// carries the adapter name, the upstream session id needed for resume, and
// the last state snapshot. Records are written on capability receipt,
// upstream session-id capture, and session close, and read back on resume.
package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/beamcode/beamcode/internal/common/errs"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/db"
	"github.com/beamcode/beamcode/internal/db/dialect"
)

// SessionRecord is the persisted form of a session. State holds the last
// snapshot written by the persistence observer (status, capabilities,
// token counts); it is stored as JSON and never queried by path.
type SessionRecord struct {
	ID                 string
	Adapter            string
	UpstreamSessionID  string
	CWD                string
	Model              string
	FirstTurnCompleted bool
	State              map[string]any
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Store reads and writes session records through split connection pools.
type Store struct {
	db  *sqlx.DB // writer
	ro  *sqlx.DB // reader
	log *logger.Logger
}

// NewStore creates the store and initializes its schema.
func NewStore(pool *db.Pool, log *logger.Logger) (*Store, error) {
	s := &Store{db: pool.Writer(), ro: pool.Reader(), log: log}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}
	return s, nil
}

// initSchema creates the sessions table if it does not exist. The DDL is
// shared between SQLite and PostgreSQL.
func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		adapter TEXT NOT NULL,
		upstream_session_id TEXT NOT NULL DEFAULT '',
		cwd TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		first_turn_completed INTEGER NOT NULL DEFAULT 0,
		state_json TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_adapter ON sessions(adapter);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at);
	`)
	return err
}

// SaveSession inserts or replaces a record. CreatedAt survives an upsert;
// UpdatedAt is always stamped. A missing ID is generated.
func (s *Store) SaveSession(ctx context.Context, rec *SessionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	stateJSON := "{}"
	if rec.State != nil {
		raw, err := json.Marshal(rec.State)
		if err != nil {
			return fmt.Errorf("failed to serialize session state: %w", err)
		}
		stateJSON = string(raw)
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO sessions (id, adapter, upstream_session_id, cwd, model, first_turn_completed, state_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			adapter = excluded.adapter,
			upstream_session_id = excluded.upstream_session_id,
			cwd = excluded.cwd,
			model = excluded.model,
			first_turn_completed = excluded.first_turn_completed,
			state_json = excluded.state_json,
			updated_at = excluded.updated_at
	`), rec.ID, rec.Adapter, rec.UpstreamSessionID, rec.CWD, rec.Model,
		dialect.BoolToInt(rec.FirstTurnCompleted), stateJSON, rec.CreatedAt, rec.UpdatedAt)

	return err
}

// LoadSession retrieves a record by session id. A missing row returns
// errs.ErrSessionNotFound; on resume the caller treats that as a fresh
// spawn.
func (s *Store) LoadSession(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id, adapter, upstream_session_id, cwd, model, first_turn_completed, state_json, created_at, updated_at
		FROM sessions WHERE id = ?
	`), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", errs.ErrSessionNotFound, id)
	}
	return rec, err
}

// ListSessions returns all records, most recently updated first.
func (s *Store) ListSessions(ctx context.Context) ([]*SessionRecord, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT id, adapter, upstream_session_id, cwd, model, first_turn_completed, state_json, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*SessionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteSession removes a record. It reports whether a row existed.
func (s *Store) DeleteSession(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM sessions WHERE id = ?`), id)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// SetUpstreamSessionID records the backend-assigned session id used to
// resume this session after a relaunch or daemon restart.
func (s *Store) SetUpstreamSessionID(ctx context.Context, id, upstreamID string) error {
	return s.updateColumn(ctx, id, `upstream_session_id`, upstreamID)
}

// ClearUpstreamSessionID drops the stored upstream id so the next launch
// starts fresh. Called after a resume attempt ends in a quick exit.
func (s *Store) ClearUpstreamSessionID(ctx context.Context, id string) error {
	return s.updateColumn(ctx, id, `upstream_session_id`, "")
}

// MarkFirstTurnCompleted flags the record so a resumed session does not
// report its first turn twice.
func (s *Store) MarkFirstTurnCompleted(ctx context.Context, id string) error {
	return s.updateColumn(ctx, id, `first_turn_completed`, 1)
}

func (s *Store) updateColumn(ctx context.Context, id, column string, value any) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE sessions SET `+column+` = ?, updated_at = ? WHERE id = ?`,
	), value, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", errs.ErrSessionNotFound, id)
	}
	return nil
}

// PruneStale deletes records that have not been touched within maxAgeHours.
// Run at boot to drop resume rows for sessions nobody came back for. It
// returns the number of rows removed.
func (s *Store) PruneStale(ctx context.Context, maxAgeHours int) (int64, error) {
	if maxAgeHours <= 0 {
		return 0, nil
	}
	// The bound value is concatenated into an interval expression on both
	// drivers, so it is passed as text.
	query := `DELETE FROM sessions WHERE updated_at < ` + dialect.NowMinusHours(s.db.DriverName(), "?")
	result, err := s.db.ExecContext(ctx, s.db.Rebind(query), strconv.Itoa(maxAgeHours))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*SessionRecord, error) {
	rec := &SessionRecord{}
	var firstTurn int
	var stateJSON string
	err := row.Scan(&rec.ID, &rec.Adapter, &rec.UpstreamSessionID, &rec.CWD, &rec.Model,
		&firstTurn, &stateJSON, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.FirstTurnCompleted = firstTurn != 0
	if stateJSON != "" && stateJSON != "{}" {
		if err := json.Unmarshal([]byte(stateJSON), &rec.State); err != nil {
			return nil, fmt.Errorf("failed to deserialize session state: %w", err)
		}
	}
	return rec, nil
}

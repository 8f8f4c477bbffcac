package coordinator

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/beamcode/beamcode/internal/common/errs"
	"github.com/beamcode/beamcode/internal/persist"
	"github.com/beamcode/beamcode/internal/session"
)

// onBackendSessionID stores the upstream id the backend announced so a
// later relaunch or daemon restart can resume the conversation.
func (c *Coordinator) onBackendSessionID(sessionID string, data map[string]any) {
	upstream, _ := data["upstream_session_id"].(string)
	if upstream == "" || c.records == nil {
		return
	}
	c.asyncRecord(sessionID, "set upstream session id", func(ctx context.Context) error {
		return c.records.SetUpstreamSessionID(ctx, sessionID, upstream)
	})
}

// onCapabilitiesReady writes the first full record for the session: by
// the time capabilities arrive the state carries cwd, model and the
// command surface worth resuming into.
func (c *Coordinator) onCapabilitiesReady(sessionID string, _ map[string]any) {
	if c.records == nil {
		return
	}
	c.asyncRecord(sessionID, "persist capabilities snapshot", func(ctx context.Context) error {
		sess, ok := c.sessions.Get(sessionID)
		if !ok {
			return nil
		}
		return c.persistSnapshot(ctx, sess)
	})
}

func (c *Coordinator) onFirstTurnCompleted(sessionID string, _ map[string]any) {
	if c.records == nil {
		return
	}
	c.asyncRecord(sessionID, "mark first turn", func(ctx context.Context) error {
		return c.records.MarkFirstTurnCompleted(ctx, sessionID)
	})
}

// onResumeFailed drops the stored upstream id after a resume spawn died
// within the quick-exit window, so the next launch starts fresh.
func (c *Coordinator) onResumeFailed(sessionID string) {
	if c.records == nil {
		return
	}
	c.log.Warn("resume failed, clearing upstream session id",
		zap.String("session_id", sessionID))
	c.asyncRecord(sessionID, "clear upstream session id", func(ctx context.Context) error {
		return c.records.ClearUpstreamSessionID(ctx, sessionID)
	})
}

// asyncRecord runs one record-store operation off the emitting goroutine.
// Column updates against a session that was never written materialize the
// row first and retry once.
func (c *Coordinator) asyncRecord(sessionID, what string, op func(ctx context.Context) error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		err := op(ctx)
		if errors.Is(err, errs.ErrSessionNotFound) {
			if sess, ok := c.sessions.Get(sessionID); ok {
				if serr := c.persistSnapshot(ctx, sess); serr == nil {
					err = op(ctx)
				}
			}
		}
		if err != nil {
			c.log.Warn("record store write failed",
				zap.String("session_id", sessionID),
				zap.String("op", what),
				zap.Error(err))
		}
	}()
}

// persistSnapshot upserts the session's record, preserving the stored
// upstream id and first-turn flag the live state does not carry.
func (c *Coordinator) persistSnapshot(ctx context.Context, sess *session.Session) error {
	rec, err := c.loadRecord(ctx, sess.ID())
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &persist.SessionRecord{ID: sess.ID()}
	}

	st := sess.State()
	rec.Adapter = sess.AdapterName()
	rec.CWD = st.CWD
	rec.Model = st.Model
	rec.State = stateDocument(st)
	return c.records.SaveSession(ctx, rec)
}

// persistFinalState writes the last snapshot before a session closes on
// the shutdown or idle path. Best effort: a failed write only costs the
// resume.
func (c *Coordinator) persistFinalState(sess *session.Session) {
	if c.records == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.persistSnapshot(ctx, sess); err != nil {
		c.log.Warn("final state write failed",
			zap.String("session_id", sess.ID()),
			zap.Error(err))
	}
}

// stateDocument renders the reduced state as the schemaless JSON document
// the record store keeps.
func stateDocument(st *session.State) map[string]any {
	raw, err := json.Marshal(st)
	if err != nil {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	return doc
}

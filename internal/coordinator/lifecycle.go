package coordinator

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/beamcode/beamcode/internal/circuit"
	"github.com/beamcode/beamcode/internal/common/errs"
	"github.com/beamcode/beamcode/internal/events"
	"github.com/beamcode/beamcode/internal/session"
)

// onRelaunchNeeded reacts to a dead backend or an explicit adapter
// switch. Handlers run on the bridge's emit path, so the actual work
// moves to a goroutine. Signals arriving while a relaunch is in flight
// are coalesced into one follow-up run, never dropped: a backend that
// dies the moment it attaches still drives the breaker toward open.
func (c *Coordinator) onRelaunchNeeded(sessionID string, data map[string]any) {
	_, explicit := data["requested_by"]
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if c.inflight[sessionID] {
		c.pending[sessionID] = c.pending[sessionID] || explicit
		c.mu.Unlock()
		return
	}
	c.inflight[sessionID] = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			c.relaunch(sessionID, explicit)

			c.mu.Lock()
			again, ok := c.pending[sessionID]
			delete(c.pending, sessionID)
			if !ok {
				delete(c.inflight, sessionID)
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
			explicit = again
		}
	}()
}

// relaunch replaces the session's backend. Crash relaunches are gated by
// a per-session circuit breaker; a backend that dies again right after
// attaching counts as a failure even though its connect succeeded. An
// explicit adapter switch resets the breaker, the old failure history
// belongs to a different backend.
func (c *Coordinator) relaunch(sessionID string, explicit bool) {
	sess, ok := c.sessions.Get(sessionID)
	if !ok || sess.Closed() {
		return
	}

	br := c.breakerFor(sessionID)
	if explicit {
		br.Reset()
	} else if attached, ok := c.lastAttach(sessionID); ok && time.Since(attached) < c.quickExitWindow() {
		br.RecordFailure()
	}
	if err := br.Allow(); err != nil {
		snap := br.Snapshot()
		c.log.Warn("relaunch suppressed",
			zap.String("session_id", sessionID),
			zap.Duration("recovery_remaining", snap.RecoveryRemaining))
		c.bridge.Events().Emit(sessionID, events.ErrorEvent, map[string]any{
			"source":             "relaunch",
			"code":               errs.CodeCircuitOpen,
			"message":            "backend relaunch suppressed by circuit breaker",
			"recovery_remaining": snap.RecoveryRemaining.Milliseconds(),
		})
		return
	}

	resume := false
	upstreamID := ""
	rctx, rcancel := context.WithTimeout(c.rootCtx, persistTimeout)
	if rec, err := c.loadRecord(rctx, sessionID); err == nil && rec != nil && rec.UpstreamSessionID != "" {
		resume = true
		upstreamID = rec.UpstreamSessionID
	}
	rcancel()

	c.bridge.DetachBackend(sess)
	sess.SetPhase(session.PhaseConnecting)

	backend, caps, cancel, err := c.connect(c.rootCtx, sess, resume, upstreamID)
	if err != nil {
		br.RecordFailure()
		sess.SetPhase(session.PhaseDegraded)
		c.log.Error("relaunch failed",
			zap.String("session_id", sessionID),
			zap.String("adapter", sess.AdapterName()),
			zap.Error(err))
		c.bridge.Events().Emit(sessionID, events.ErrorEvent, map[string]any{
			"source":  "relaunch",
			"code":    errs.CodeOf(err),
			"message": err.Error(),
		})
		return
	}

	br.RecordSuccess()
	c.bridge.AttachBackend(sess, backend, caps, cancel)
	c.noteAttach(sessionID)
	c.log.Info("backend relaunched",
		zap.String("session_id", sessionID),
		zap.String("adapter", sess.AdapterName()),
		zap.Bool("resumed", resume))
}

// idleLoop periodically closes sessions nobody is attached to. Sessions
// with a consumer, a running turn, or recent activity survive.
func (c *Coordinator) idleLoop(idle time.Duration) {
	defer c.wg.Done()

	interval := idle / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.rootCtx.Done():
			return
		case <-ticker.C:
			c.sweepIdle(idle)
		}
	}
}

func (c *Coordinator) sweepIdle(idle time.Duration) {
	for _, sess := range c.sessions.List() {
		if sess.Closed() || sess.ConsumerCount() > 0 {
			continue
		}
		if sess.LastStatus() == session.StatusRunning {
			continue
		}
		if time.Since(sess.LastActivity()) < idle {
			continue
		}
		c.log.Info("closing idle session",
			zap.String("session_id", sess.ID()),
			zap.Duration("idle", time.Since(sess.LastActivity())))
		c.sessions.Delete(sess.ID())
		c.persistFinalState(sess)
		c.bridge.CloseSession(sess, websocket.CloseNormalClosure, "idle timeout")
		c.dropSessionState(sess.ID())
	}
}

// breakerFor returns the relaunch breaker for one session, creating it
// from the configured parameters on first use.
func (c *Coordinator) breakerFor(sessionID string) *circuit.Breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if br, ok := c.breakers[sessionID]; ok {
		return br
	}
	br := circuit.NewBreaker(c.breakerConfig())
	c.breakers[sessionID] = br
	return br
}

func (c *Coordinator) breakerConfig() circuit.Config {
	if c.cfg == nil {
		return circuit.Config{
			FailureThreshold: 3,
			Window:           30 * time.Second,
			RecoveryTime:     30 * time.Second,
			SuccessThreshold: 1,
		}
	}
	return circuit.Config{
		FailureThreshold: c.cfg.Breaker.FailureThreshold,
		Window:           c.cfg.Breaker.Window(),
		RecoveryTime:     c.cfg.Breaker.RecoveryTime(),
		SuccessThreshold: c.cfg.Breaker.SuccessThreshold,
	}
}

func (c *Coordinator) quickExitWindow() time.Duration {
	if c.cfg != nil {
		if w := c.cfg.Breaker.QuickExit(); w > 0 {
			return w
		}
	}
	return 5 * time.Second
}

func (c *Coordinator) noteAttach(sessionID string) {
	c.mu.Lock()
	c.attachedAt[sessionID] = time.Now()
	c.mu.Unlock()
}

func (c *Coordinator) lastAttach(sessionID string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.attachedAt[sessionID]
	return t, ok
}

// dropSessionState forgets the breaker and attach bookkeeping of a
// deleted session.
func (c *Coordinator) dropSessionState(sessionID string) {
	c.mu.Lock()
	delete(c.breakers, sessionID)
	delete(c.attachedAt, sessionID)
	delete(c.pending, sessionID)
	c.mu.Unlock()
}


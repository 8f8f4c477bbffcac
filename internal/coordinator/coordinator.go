// Package coordinator is the public entry point of the broker runtime:
// it creates, resumes, lists and deletes sessions, wiring the adapter
// layer to the bridge and keeping the persistent record store current.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/beamcode/beamcode/internal/adapter"
	"github.com/beamcode/beamcode/internal/bridge"
	"github.com/beamcode/beamcode/internal/circuit"
	"github.com/beamcode/beamcode/internal/common/config"
	"github.com/beamcode/beamcode/internal/common/errs"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/events"
	"github.com/beamcode/beamcode/internal/persist"
	"github.com/beamcode/beamcode/internal/session"
)

const (
	// persistTimeout bounds each record store write. Writes run on
	// background goroutines off the bridge's emit path.
	persistTimeout = 5 * time.Second

	// gitResolveTimeout bounds the git info resolution at create.
	gitResolveTimeout = 5 * time.Second
)

// CreateParams parameterize CreateSession. All fields are optional; the
// zero value creates a fresh session on the default adapter.
type CreateParams struct {
	// AdapterName selects the backend adapter, defaulting to the
	// configured one.
	AdapterName string
	// AdapterOptions carries adapter-specific settings.
	AdapterOptions map[string]any
	// Resume names a previously persisted session id to resurrect. The
	// new session keeps that id; when the record holds an upstream
	// session id the backend is asked to resume it. A missing record
	// falls back to a fresh spawn under the requested id.
	Resume string
	// CWD is the session working directory.
	CWD string
	// Model selects the backend model where the adapter supports it.
	Model string
}

// GitResolver resolves git facts for a working directory. The concrete
// implementation lives in internal/gitinfo; tests inject stubs.
type GitResolver interface {
	Resolve(ctx context.Context, dir string) (session.GitInfo, error)
}

// RecordStore is the slice of the persist layer the coordinator drives.
type RecordStore interface {
	SaveSession(ctx context.Context, rec *persist.SessionRecord) error
	LoadSession(ctx context.Context, id string) (*persist.SessionRecord, error)
	DeleteSession(ctx context.Context, id string) (bool, error)
	SetUpstreamSessionID(ctx context.Context, id, upstreamID string) error
	ClearUpstreamSessionID(ctx context.Context, id string) error
	MarkFirstTurnCompleted(ctx context.Context, id string) error
}

// Deps carries the collaborators the coordinator composes.
type Deps struct {
	Sessions *session.Store
	Bridge   *bridge.Bridge
	Adapters adapter.Deps
	// Records persists session state across daemon restarts. Nil
	// disables persistence and resume.
	Records RecordStore
	// Git seeds session state with repository facts. Nil skips it.
	Git    GitResolver
	Config *config.Config
	Log    *logger.Logger
}

// Coordinator owns the session lifecycle from createSession to stop.
type Coordinator struct {
	sessions *session.Store
	bridge   *bridge.Bridge
	adapters adapter.Deps
	records  RecordStore
	git      GitResolver
	cfg      *config.Config
	log      *logger.Logger

	// newAdapter builds adapters by name; tests swap it for fakes.
	newAdapter func(name string, deps adapter.Deps) (adapter.Adapter, error)

	mu         sync.Mutex
	breakers   map[string]*circuit.Breaker
	attachedAt map[string]time.Time
	inflight   map[string]bool
	pending    map[string]bool
	stopped    bool

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds the coordinator and subscribes it to the bridge lifecycle
// events that drive respawns and persistence.
func New(deps Deps) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		sessions:   deps.Sessions,
		bridge:     deps.Bridge,
		adapters:   deps.Adapters,
		records:    deps.Records,
		git:        deps.Git,
		cfg:        deps.Config,
		log:        deps.Log.WithFields(zap.String("component", "coordinator")),
		newAdapter: adapter.New,
		breakers:   make(map[string]*circuit.Breaker),
		attachedAt: make(map[string]time.Time),
		inflight:   make(map[string]bool),
		pending:    make(map[string]bool),
		rootCtx:    ctx,
		cancel:     cancel,
	}

	ev := c.bridge.Events()
	ev.On(events.BackendRelaunchNeeded, c.onRelaunchNeeded)
	ev.On(events.BackendSessionID, c.onBackendSessionID)
	ev.On(events.CapabilitiesReady, c.onCapabilitiesReady)
	ev.On(events.SessionFirstTurnCompleted, c.onFirstTurnCompleted)

	if c.adapters.Supervisor != nil {
		c.adapters.Supervisor.OnResumeFailed(c.onResumeFailed)
	}

	if idle := c.idleTimeout(); idle > 0 {
		c.wg.Add(1)
		go c.idleLoop(idle)
	}
	return c
}

// CreateSession creates or resumes one session and connects its backend.
// For subprocess adapters the call returns once the backend is spawned
// and its transport attached.
func (c *Coordinator) CreateSession(ctx context.Context, params CreateParams) (*session.Session, error) {
	if c.isStopped() {
		return nil, errs.ErrSessionClosed
	}

	adapterName := params.AdapterName
	if adapterName == "" {
		adapterName = c.defaultAdapter()
	}

	id := uuid.NewString()
	resume := false
	upstreamID := ""
	if params.Resume != "" {
		id = params.Resume
		rec, err := c.loadRecord(ctx, params.Resume)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			if params.AdapterName == "" && rec.Adapter != "" {
				adapterName = rec.Adapter
			}
			if params.CWD == "" {
				params.CWD = rec.CWD
			}
			if params.Model == "" {
				params.Model = rec.Model
			}
			if rec.UpstreamSessionID != "" {
				resume = true
				upstreamID = rec.UpstreamSessionID
			}
		}
	}

	sess := session.NewSession(id, adapterName, params.AdapterOptions, c.historyLimit())
	cwd := params.CWD
	if cwd == "" && c.cfg != nil {
		cwd = c.cfg.Adapters.WorkDir
	}
	sess.Seed(cwd, params.Model)
	c.seedGitInfo(ctx, sess, cwd)

	if err := c.sessions.Create(sess); err != nil {
		return nil, err
	}

	sess.SetPhase(session.PhaseConnecting)
	backend, caps, cancel, err := c.connect(ctx, sess, resume, upstreamID)
	if err != nil {
		c.sessions.Delete(id)
		c.log.Error("session create failed",
			zap.String("session_id", id),
			zap.String("adapter", adapterName),
			zap.Error(err))
		return nil, err
	}

	c.bridge.AttachBackend(sess, backend, caps, cancel)
	c.noteAttach(id)

	c.log.Info("session created",
		zap.String("session_id", id),
		zap.String("adapter", adapterName),
		zap.Bool("resumed", resume))
	c.bridge.Events().Emit(id, events.SessionCreated, map[string]any{
		"adapter": adapterName,
		"resumed": resume,
	})
	return sess, nil
}

// DeleteSession closes the backend, disconnects every consumer with a
// normal close, and clears the persisted record. It reports whether a
// live session or a stored record existed.
func (c *Coordinator) DeleteSession(ctx context.Context, sessionID string) bool {
	sess, ok := c.sessions.Delete(sessionID)
	recordExisted := c.deleteRecord(ctx, sessionID)
	if !ok {
		return recordExisted
	}

	c.bridge.CloseSession(sess, websocket.CloseNormalClosure, "session deleted")
	if c.adapters.Supervisor != nil {
		c.adapters.Supervisor.Forget(sessionID)
	}
	c.dropSessionState(sessionID)

	c.log.Info("session deleted", zap.String("session_id", sessionID))
	return true
}

// ListSessions snapshots every live session, ordered by creation time.
func (c *Coordinator) ListSessions() []session.Snapshot {
	live := c.sessions.List()
	out := make([]session.Snapshot, 0, len(live))
	for _, sess := range live {
		out = append(out, sess.Snapshot())
	}
	return out
}

// GetSession returns the live session record for id.
func (c *Coordinator) GetSession(sessionID string) (*session.Session, bool) {
	return c.sessions.Get(sessionID)
}

// Stop tears the runtime down: every session is persisted and closed in
// parallel, then managed processes are stopped within the kill grace
// window and background writers are drained.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()
	c.cancel()

	g := new(errgroup.Group)
	for _, sess := range c.sessions.List() {
		g.Go(func() error {
			c.sessions.Delete(sess.ID())
			c.persistFinalState(sess)
			c.bridge.CloseSession(sess, websocket.CloseGoingAway, "server shutting down")
			return nil
		})
	}
	_ = g.Wait()

	var err error
	if c.adapters.Supervisor != nil {
		err = c.adapters.Supervisor.StopAll(ctx)
	}
	c.wg.Wait()
	c.log.Info("coordinator stopped")
	return err
}

// connect builds the adapter and opens the backend session. The backend
// context is rooted in the coordinator, not the caller: an HTTP request
// ending must not abort a live backend. The returned cancel is the
// backend abort token the bridge holds.
func (c *Coordinator) connect(ctx context.Context, sess *session.Session, resume bool, upstreamID string) (adapter.BackendSession, adapter.Capabilities, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, adapter.Capabilities{}, nil, err
	}
	ad, err := c.newAdapter(sess.AdapterName(), c.adapters)
	if err != nil {
		return nil, adapter.Capabilities{}, nil, err
	}

	st := sess.State()
	bctx, cancel := context.WithCancel(c.rootCtx)
	backend, err := ad.Connect(bctx, adapter.ConnectOptions{
		SessionID:       sess.ID(),
		Resume:          resume,
		ResumeSessionID: upstreamID,
		Cwd:             st.CWD,
		Model:           st.Model,
		Options:         sess.AdapterOptions(),
	})
	if err != nil {
		cancel()
		return nil, adapter.Capabilities{}, nil, err
	}
	return backend, ad.Capabilities(), cancel, nil
}

// seedGitInfo merges repository facts into the fresh session state. A
// directory outside any repository is left without git fields.
func (c *Coordinator) seedGitInfo(ctx context.Context, sess *session.Session, cwd string) {
	if c.git == nil || cwd == "" {
		return
	}
	gctx, cancel := context.WithTimeout(ctx, gitResolveTimeout)
	defer cancel()
	info, err := c.git.Resolve(gctx, cwd)
	if err != nil {
		c.log.Debug("git info unavailable",
			zap.String("session_id", sess.ID()),
			zap.String("cwd", cwd),
			zap.Error(err))
		return
	}
	sess.ApplyGit(info)
}

// loadRecord fetches the persisted record for a resume. A missing record
// is not an error; the caller spawns fresh under the requested id.
func (c *Coordinator) loadRecord(ctx context.Context, id string) (*persist.SessionRecord, error) {
	if c.records == nil {
		return nil, nil
	}
	rec, err := c.records.LoadSession(ctx, id)
	if errors.Is(err, errs.ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (c *Coordinator) deleteRecord(ctx context.Context, id string) bool {
	if c.records == nil {
		return false
	}
	deleted, err := c.records.DeleteSession(ctx, id)
	if err != nil {
		c.log.Warn("record delete failed",
			zap.String("session_id", id),
			zap.Error(err))
		return false
	}
	return deleted
}

func (c *Coordinator) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *Coordinator) defaultAdapter() string {
	if c.cfg != nil && c.cfg.Adapters.Default != "" {
		return c.cfg.Adapters.Default
	}
	return "claude"
}

func (c *Coordinator) historyLimit() int {
	if c.cfg != nil && c.cfg.Limits.HistoryLimit > 0 {
		return c.cfg.Limits.HistoryLimit
	}
	return 1000
}

func (c *Coordinator) idleTimeout() time.Duration {
	if c.cfg == nil {
		return 0
	}
	return c.cfg.Timeouts.IdleSessionTimeout()
}

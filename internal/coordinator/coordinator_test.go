package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamcode/beamcode/internal/adapter"
	"github.com/beamcode/beamcode/internal/bridge"
	"github.com/beamcode/beamcode/internal/common/config"
	"github.com/beamcode/beamcode/internal/common/errs"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/events"
	"github.com/beamcode/beamcode/internal/persist"
	"github.com/beamcode/beamcode/internal/session"
	"github.com/beamcode/beamcode/pkg/unified"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

// fakeBackendSession is a scripted adapter.BackendSession.
type fakeBackendSession struct {
	id   string
	msgs chan *unified.Message

	mu     sync.Mutex
	sent   []*unified.Message
	closed bool

	closeOnce sync.Once
}

func newFakeBackendSession(id string) *fakeBackendSession {
	return &fakeBackendSession{id: id, msgs: make(chan *unified.Message, 16)}
}

func (f *fakeBackendSession) SessionID() string { return f.id }

func (f *fakeBackendSession) Send(msg *unified.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errs.ErrSessionClosed
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeBackendSession) SendRaw(string) error { return errs.ErrCapabilityUnsupported }

func (f *fakeBackendSession) Messages() <-chan *unified.Message { return f.msgs }

func (f *fakeBackendSession) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.msgs)
	})
	return nil
}

func (f *fakeBackendSession) wasClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// endStream simulates the backend dying without Close bookkeeping
// marking it deliberate.
func (f *fakeBackendSession) endStream() {
	f.closeOnce.Do(func() { close(f.msgs) })
}

// fakeAdapter hands out fakeBackendSessions and records connects.
type fakeAdapter struct {
	name string

	mu         sync.Mutex
	connectErr error
	autoDie    bool
	opts       []adapter.ConnectOptions
	backends   []*fakeBackendSession
}

func (f *fakeAdapter) Name() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.name
}

func (f *fakeAdapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{Streaming: true, Availability: adapter.AvailabilityLocal}
}

func (f *fakeAdapter) Connect(_ context.Context, opts adapter.ConnectOptions) (adapter.BackendSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opts = append(f.opts, opts)
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	b := newFakeBackendSession(opts.SessionID)
	f.backends = append(f.backends, b)
	if f.autoDie {
		b.endStream()
	}
	return b, nil
}

func (f *fakeAdapter) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opts)
}

func (f *fakeAdapter) lastOpts() adapter.ConnectOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.opts) == 0 {
		panic("no connect recorded")
	}
	return f.opts[len(f.opts)-1]
}

func (f *fakeAdapter) backend(i int) *fakeBackendSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backends[i]
}

// stubRecords is an in-memory RecordStore with the same not-found
// semantics as the sqlx store.
type stubRecords struct {
	mu   sync.Mutex
	rows map[string]*persist.SessionRecord
}

func newStubRecords() *stubRecords {
	return &stubRecords{rows: make(map[string]*persist.SessionRecord)}
}

func (s *stubRecords) SaveSession(_ context.Context, rec *persist.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.rows[rec.ID] = &cp
	return nil
}

func (s *stubRecords) LoadSession(_ context.Context, id string) (*persist.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errs.ErrSessionNotFound, id)
	}
	cp := *rec
	return &cp, nil
}

func (s *stubRecords) DeleteSession(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rows[id]
	delete(s.rows, id)
	return ok, nil
}

func (s *stubRecords) SetUpstreamSessionID(_ context.Context, id, upstreamID string) error {
	return s.update(id, func(rec *persist.SessionRecord) { rec.UpstreamSessionID = upstreamID })
}

func (s *stubRecords) ClearUpstreamSessionID(_ context.Context, id string) error {
	return s.update(id, func(rec *persist.SessionRecord) { rec.UpstreamSessionID = "" })
}

func (s *stubRecords) MarkFirstTurnCompleted(_ context.Context, id string) error {
	return s.update(id, func(rec *persist.SessionRecord) { rec.FirstTurnCompleted = true })
}

func (s *stubRecords) update(id string, mutate func(*persist.SessionRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[id]
	if !ok {
		return fmt.Errorf("%w: %s", errs.ErrSessionNotFound, id)
	}
	mutate(rec)
	return nil
}

func (s *stubRecords) row(id string) (persist.SessionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[id]
	if !ok {
		return persist.SessionRecord{}, false
	}
	return *rec, true
}

type stubGit struct {
	info session.GitInfo
	err  error
}

func (s *stubGit) Resolve(context.Context, string) (session.GitInfo, error) {
	return s.info, s.err
}

type coordHarness struct {
	coord   *Coordinator
	adapter *fakeAdapter
	bridge  *bridge.Bridge
	records *stubRecords
}

func newHarness(t *testing.T, mutate func(*Deps)) *coordHarness {
	t.Helper()
	log := testLogger(t)
	cfg := &config.Config{}
	deps := Deps{
		Sessions: session.NewStore(),
		Bridge:   bridge.New(bridge.Deps{Log: log, Config: cfg}),
		Adapters: adapter.Deps{Log: log, Config: cfg},
		Records:  newStubRecords(),
		Config:   cfg,
		Log:      log,
	}
	if mutate != nil {
		mutate(&deps)
	}
	c := New(deps)
	fa := &fakeAdapter{name: "claude"}
	c.newAdapter = func(name string, _ adapter.Deps) (adapter.Adapter, error) {
		fa.mu.Lock()
		fa.name = name
		fa.mu.Unlock()
		return fa, nil
	}
	t.Cleanup(func() { _ = c.Stop(context.Background()) })

	h := &coordHarness{coord: c, adapter: fa, bridge: deps.Bridge}
	if rec, ok := deps.Records.(*stubRecords); ok {
		h.records = rec
	}
	return h
}

func TestCreateSessionConnectsAndAttaches(t *testing.T) {
	h := newHarness(t, nil)

	sess, err := h.coord.CreateSession(context.Background(), CreateParams{
		AdapterName: "claude",
		CWD:         "/work/repo",
		Model:       "fast-model",
	})
	require.NoError(t, err)

	assert.Equal(t, session.PhaseConnected, sess.Phase())
	assert.NotNil(t, sess.Backend())

	opts := h.adapter.lastOpts()
	assert.Equal(t, sess.ID(), opts.SessionID)
	assert.Equal(t, "/work/repo", opts.Cwd)
	assert.Equal(t, "fast-model", opts.Model)
	assert.False(t, opts.Resume)

	got, ok := h.coord.GetSession(sess.ID())
	require.True(t, ok)
	assert.Same(t, sess, got)

	// Attach kicks off the capability handshake.
	backend := h.adapter.backend(0)
	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.NotEmpty(t, backend.sent)
	assert.Equal(t, unified.TypeControlRequest, backend.sent[0].Type)
}

func TestCreateSessionUsesConfiguredDefaultAdapter(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		d.Config.Adapters.Default = "codex"
	})

	sess, err := h.coord.CreateSession(context.Background(), CreateParams{})
	require.NoError(t, err)

	assert.Equal(t, "codex", sess.AdapterName())
	assert.Equal(t, "codex", h.adapter.Name())
}

func TestCreateSessionConnectFailureLeavesNoSession(t *testing.T) {
	h := newHarness(t, nil)
	h.adapter.connectErr = errors.New("spawn refused")

	_, err := h.coord.CreateSession(context.Background(), CreateParams{AdapterName: "claude"})
	require.Error(t, err)

	assert.Empty(t, h.coord.ListSessions())
}

func TestCreateSessionSeedsGitInfo(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		d.Git = &stubGit{info: session.GitInfo{Branch: "main", Ahead: 2, IsWorktree: true}}
	})

	sess, err := h.coord.CreateSession(context.Background(), CreateParams{CWD: "/work/repo"})
	require.NoError(t, err)

	st := sess.State()
	assert.Equal(t, "main", st.GitBranch)
	assert.Equal(t, 2, st.GitAhead)
	assert.True(t, st.IsWorktree)
}

func TestCreateSessionGitFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		d.Git = &stubGit{err: errors.New("not a repository")}
	})

	sess, err := h.coord.CreateSession(context.Background(), CreateParams{CWD: "/tmp/plain"})
	require.NoError(t, err)
	assert.Empty(t, sess.State().GitBranch)
}

func TestResumeUsesPersistedRecord(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.records.SaveSession(context.Background(), &persist.SessionRecord{
		ID:                "sess-9",
		Adapter:           "opencode",
		UpstreamSessionID: "up-1",
		CWD:               "/old/cwd",
		Model:             "old-model",
	}))

	sess, err := h.coord.CreateSession(context.Background(), CreateParams{Resume: "sess-9"})
	require.NoError(t, err)

	assert.Equal(t, "sess-9", sess.ID())
	assert.Equal(t, "opencode", sess.AdapterName())

	opts := h.adapter.lastOpts()
	assert.True(t, opts.Resume)
	assert.Equal(t, "up-1", opts.ResumeSessionID)
	assert.Equal(t, "/old/cwd", opts.Cwd)
	assert.Equal(t, "old-model", opts.Model)
}

func TestResumeWithoutRecordSpawnsFresh(t *testing.T) {
	h := newHarness(t, nil)

	sess, err := h.coord.CreateSession(context.Background(), CreateParams{Resume: "ghost-1"})
	require.NoError(t, err)

	assert.Equal(t, "ghost-1", sess.ID())
	opts := h.adapter.lastOpts()
	assert.False(t, opts.Resume)
	assert.Empty(t, opts.ResumeSessionID)
}

func TestResumeOfLiveSessionConflicts(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.coord.CreateSession(context.Background(), CreateParams{Resume: "sess-live"})
	require.NoError(t, err)

	_, err = h.coord.CreateSession(context.Background(), CreateParams{Resume: "sess-live"})
	assert.ErrorIs(t, err, errs.ErrSessionExists)
}

func TestDeleteSessionTearsDownAndClearsRecord(t *testing.T) {
	h := newHarness(t, nil)
	sess, err := h.coord.CreateSession(context.Background(), CreateParams{})
	require.NoError(t, err)
	require.NoError(t, h.records.SaveSession(context.Background(), &persist.SessionRecord{ID: sess.ID()}))

	require.True(t, h.coord.DeleteSession(context.Background(), sess.ID()))

	assert.Empty(t, h.coord.ListSessions())
	assert.True(t, h.adapter.backend(0).wasClosed())
	_, ok := h.records.row(sess.ID())
	assert.False(t, ok)
	assert.True(t, sess.Closed())

	assert.False(t, h.coord.DeleteSession(context.Background(), sess.ID()))
}

func TestDeleteColdSessionClearsRecordOnly(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.records.SaveSession(context.Background(), &persist.SessionRecord{ID: "cold-1"}))

	assert.True(t, h.coord.DeleteSession(context.Background(), "cold-1"))
	assert.False(t, h.coord.DeleteSession(context.Background(), "cold-1"))
}

func TestBackendLossTriggersRelaunch(t *testing.T) {
	h := newHarness(t, nil)
	sess, err := h.coord.CreateSession(context.Background(), CreateParams{})
	require.NoError(t, err)

	h.adapter.backend(0).endStream()

	require.Eventually(t, func() bool {
		return h.adapter.connectCount() == 2 && sess.Phase() == session.PhaseConnected
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotNil(t, sess.Backend())
}

func TestRelaunchResumesFromStoredUpstreamID(t *testing.T) {
	h := newHarness(t, nil)
	sess, err := h.coord.CreateSession(context.Background(), CreateParams{})
	require.NoError(t, err)
	require.NoError(t, h.records.SaveSession(context.Background(), &persist.SessionRecord{
		ID:                sess.ID(),
		Adapter:           "claude",
		UpstreamSessionID: "up-42",
	}))

	h.adapter.backend(0).endStream()

	require.Eventually(t, func() bool {
		return h.adapter.connectCount() == 2
	}, 2*time.Second, 10*time.Millisecond)

	opts := h.adapter.lastOpts()
	assert.True(t, opts.Resume)
	assert.Equal(t, "up-42", opts.ResumeSessionID)
}

func TestRelaunchStormOpensBreaker(t *testing.T) {
	h := newHarness(t, nil)
	h.adapter.autoDie = true

	sess, err := h.coord.CreateSession(context.Background(), CreateParams{})
	require.NoError(t, err)

	// Create plus two relaunches; the third relaunch attempt lands the
	// threshold failure and is suppressed.
	require.Eventually(t, func() bool {
		return sess.Phase() == session.PhaseDegraded && h.adapter.connectCount() == 3
	}, 3*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, h.adapter.connectCount())
	assert.Equal(t, session.PhaseDegraded, sess.Phase())
}

func TestAdapterSwitchRelaunchesWithFreshBreaker(t *testing.T) {
	h := newHarness(t, nil)
	sess, err := h.coord.CreateSession(context.Background(), CreateParams{})
	require.NoError(t, err)

	sess.SetAdapter("opencode", map[string]any{"host": "http://127.0.0.1:1"})
	h.bridge.Events().Emit(sess.ID(), events.BackendRelaunchNeeded, map[string]any{
		"adapter":      "opencode",
		"requested_by": "consumer-1",
	})

	require.Eventually(t, func() bool {
		return h.adapter.connectCount() == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "opencode", h.adapter.Name())
	opts := h.adapter.lastOpts()
	assert.Equal(t, map[string]any{"host": "http://127.0.0.1:1"}, opts.Options)
	assert.True(t, h.adapter.backend(0).wasClosed())
}

func TestStopClosesAllSessionsAndPersists(t *testing.T) {
	h := newHarness(t, nil)
	first, err := h.coord.CreateSession(context.Background(), CreateParams{})
	require.NoError(t, err)
	second, err := h.coord.CreateSession(context.Background(), CreateParams{})
	require.NoError(t, err)

	require.NoError(t, h.coord.Stop(context.Background()))

	assert.Empty(t, h.coord.ListSessions())
	assert.True(t, first.Closed())
	assert.True(t, second.Closed())
	assert.True(t, h.adapter.backend(0).wasClosed())
	assert.True(t, h.adapter.backend(1).wasClosed())

	_, ok := h.records.row(first.ID())
	assert.True(t, ok, "final snapshot should be persisted")

	require.NoError(t, h.coord.Stop(context.Background()))
	_, err = h.coord.CreateSession(context.Background(), CreateParams{})
	assert.Error(t, err)
}

func TestCapabilitiesReadyPersistsSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	sess, err := h.coord.CreateSession(context.Background(), CreateParams{
		CWD:   "/work/repo",
		Model: "fast-model",
	})
	require.NoError(t, err)

	h.bridge.Events().Emit(sess.ID(), events.CapabilitiesReady, map[string]any{"commands": 2})

	require.Eventually(t, func() bool {
		rec, ok := h.records.row(sess.ID())
		return ok && rec.CWD == "/work/repo" && rec.Model == "fast-model"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBackendSessionIDMaterializesRecord(t *testing.T) {
	h := newHarness(t, nil)
	sess, err := h.coord.CreateSession(context.Background(), CreateParams{})
	require.NoError(t, err)

	h.bridge.Events().Emit(sess.ID(), events.BackendSessionID, map[string]any{
		"upstream_session_id": "up-99",
	})

	require.Eventually(t, func() bool {
		rec, ok := h.records.row(sess.ID())
		return ok && rec.UpstreamSessionID == "up-99"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFirstTurnCompletedMarksRecord(t *testing.T) {
	h := newHarness(t, nil)
	sess, err := h.coord.CreateSession(context.Background(), CreateParams{})
	require.NoError(t, err)

	h.bridge.Events().Emit(sess.ID(), events.SessionFirstTurnCompleted, nil)

	require.Eventually(t, func() bool {
		rec, ok := h.records.row(sess.ID())
		return ok && rec.FirstTurnCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestResumeFailureClearsStoredUpstreamID(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.records.SaveSession(context.Background(), &persist.SessionRecord{
		ID:                "sess-r",
		UpstreamSessionID: "up-dead",
	}))

	h.coord.onResumeFailed("sess-r")

	require.Eventually(t, func() bool {
		rec, ok := h.records.row("sess-r")
		return ok && rec.UpstreamSessionID == ""
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIdleSweepClosesAbandonedSessions(t *testing.T) {
	h := newHarness(t, nil)

	abandoned, err := h.coord.CreateSession(context.Background(), CreateParams{})
	require.NoError(t, err)

	attended, err := h.coord.CreateSession(context.Background(), CreateParams{})
	require.NoError(t, err)
	attended.AddConsumer(&session.Consumer{ID: "c-1"})

	busy, err := h.coord.CreateSession(context.Background(), CreateParams{})
	require.NoError(t, err)
	busy.SetLastStatus(session.StatusRunning)

	h.coord.sweepIdle(0)

	assert.True(t, abandoned.Closed())
	_, ok := h.coord.GetSession(abandoned.ID())
	assert.False(t, ok)

	assert.False(t, attended.Closed())
	assert.False(t, busy.Closed())
	assert.Len(t, h.coord.ListSessions(), 2)
}

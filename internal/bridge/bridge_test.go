package bridge

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
	"github.com/beamcode/beamcode/internal/common/config"
	"github.com/beamcode/beamcode/internal/common/errs"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/delivery"
	"github.com/beamcode/beamcode/internal/events"
	"github.com/beamcode/beamcode/internal/session"
	"github.com/beamcode/beamcode/pkg/unified"
	"github.com/beamcode/beamcode/pkg/wire"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func newTestBridge(t *testing.T) *Bridge {
	t.Helper()
	return New(Deps{Log: testLogger(t)})
}

func newTestSession() *session.Session {
	return session.NewSession("sess-1", "claude", nil, 100)
}

// fakeBackend is a scripted adapter session: sends are recorded, the
// message stream is fed by the test.
type fakeBackend struct {
	mu      sync.Mutex
	id      string
	sent    []*unified.Message
	sendErr error
	msgs    chan *unified.Message
	closed  bool
}

func newFakeBackend(id string) *fakeBackend {
	return &fakeBackend{id: id, msgs: make(chan *unified.Message, 64)}
}

func (f *fakeBackend) SessionID() string { return f.id }

func (f *fakeBackend) Send(msg *unified.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeBackend) SendRaw(string) error { return errs.ErrCapabilityUnsupported }

func (f *fakeBackend) Messages() <-chan *unified.Message { return f.msgs }

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.msgs)
	}
	return nil
}

func (f *fakeBackend) sentMessages() []*unified.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*unified.Message, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeBackend) wasClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// attach installs the backend on the session without starting the
// consume goroutine, keeping tests that drive processOutbound directly
// fully deterministic.
func (f *fakeBackend) attach(sess *session.Session, caps adapter.Capabilities) {
	sess.SetBackend(f, func() {})
	sess.SetBackendCapabilities(caps)
	sess.SetPhase(session.PhaseConnected)
}

// fakeSink records everything delivered to one consumer socket.
type fakeSink struct {
	mu        sync.Mutex
	delivered []delivery.SequencedMessage
	failWith  error
	closed    bool
	closeCode int
}

func (s *fakeSink) Deliver(msg delivery.SequencedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.delivered = append(s.delivered, msg)
	return nil
}

func (s *fakeSink) Close(code int, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closeCode = code
	return nil
}

func (s *fakeSink) messages() []delivery.SequencedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]delivery.SequencedMessage, len(s.delivered))
	copy(out, s.delivered)
	return out
}

// last returns the newest delivered payload of msgType.
func (s *fakeSink) last(msgType string) (wire.ConsumerMessage, bool) {
	msgs := s.messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Payload.Type == msgType {
			return msgs[i].Payload, true
		}
	}
	return wire.ConsumerMessage{}, false
}

func (s *fakeSink) count(msgType string) int {
	n := 0
	for _, m := range s.messages() {
		if m.Payload.Type == msgType {
			n++
		}
	}
	return n
}

func (s *fakeSink) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = nil
}

func (s *fakeSink) isClosed() (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.closeCode
}

// eventRecorder captures emitter events by type.
type eventRecorder struct {
	mu  sync.Mutex
	got map[string][]map[string]any
}

func recordEvents(b *Bridge, types ...string) *eventRecorder {
	r := &eventRecorder{got: make(map[string][]map[string]any)}
	for _, eventType := range types {
		eventType := eventType
		b.Events().On(eventType, func(_ string, data map[string]any) {
			r.mu.Lock()
			r.got[eventType] = append(r.got[eventType], data)
			r.mu.Unlock()
		})
	}
	return r
}

func (r *eventRecorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got[eventType])
}

func (r *eventRecorder) last(eventType string) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := r.got[eventType]
	if len(events) == 0 {
		return nil
	}
	return events[len(events)-1]
}

func joinConsumer(t *testing.T, b *Bridge, sess *session.Session) (*session.Consumer, *fakeSink) {
	t.Helper()
	sink := &fakeSink{}
	c, err := b.AddConsumer(context.Background(), sess, AuthContext{}, sink, 0, false)
	require.NoError(t, err)
	return c, sink
}

func handle(t *testing.T, b *Bridge, sess *session.Session, c *session.Consumer, frame string) {
	t.Helper()
	require.NoError(t, b.HandleFrame(sess, c, []byte(frame)))
}

func TestAddConsumerAssignsIdentityAndPresence(t *testing.T) {
	b := newTestBridge(t)
	sess := newTestSession()

	c1, sink1 := joinConsumer(t, b, sess)

	identity, ok := sink1.last(wire.TypeIdentity)
	require.True(t, ok)
	assert.Equal(t, c1.ID, identity.Str("consumer_id"))
	assert.Equal(t, "anon-1", identity.Str("user_id"))
	assert.Equal(t, "Anonymous 1", identity.Str("display_name"))
	assert.Equal(t, "participant", identity.Str("role"))
	assert.Equal(t, "sess-1", identity.Str("session_id"))

	presence, ok := sink1.last(wire.TypePresenceUpdate)
	require.True(t, ok)
	assert.EqualValues(t, 1, presence.Field("count"))

	_, sink2 := joinConsumer(t, b, sess)
	presence, ok = sink1.last(wire.TypePresenceUpdate)
	require.True(t, ok)
	assert.EqualValues(t, 2, presence.Field("count"))
	identity2, ok := sink2.last(wire.TypeIdentity)
	require.True(t, ok)
	assert.Equal(t, "anon-2", identity2.Str("user_id"))
}

func TestRemoveConsumerCancelsAuthoredQueuedMessage(t *testing.T) {
	b := newTestBridge(t)
	sess := newTestSession()
	backend := newFakeBackend("sess-1")
	backend.attach(sess, adapter.Capabilities{})
	sess.SetLastStatus(session.StatusRunning)

	author, _ := joinConsumer(t, b, sess)
	_, sink2 := joinConsumer(t, b, sess)

	handle(t, b, sess, author, `{"type":"queue_message","content":"next up"}`)
	_, ok := sess.Queued()
	require.True(t, ok)

	b.RemoveConsumer(sess, author.ID)

	_, ok = sess.Queued()
	assert.False(t, ok)
	cancelled, ok := sink2.last(wire.TypeQueuedMessageCancelled)
	require.True(t, ok)
	assert.Equal(t, "next up", cancelled.Str("content"))
	presence, _ := sink2.last(wire.TypePresenceUpdate)
	assert.EqualValues(t, 1, presence.Field("count"))
}

func TestHandleFrameRejectsOversizedFrames(t *testing.T) {
	b := newTestBridge(t)
	sess := newTestSession()
	c, _ := joinConsumer(t, b, sess)

	frame := make([]byte, defaultMaxFrameBytes+1)
	err := b.HandleFrame(sess, c, frame)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestHandleFrameRateLimitsPerConsumer(t *testing.T) {
	cfg := &config.Config{}
	cfg.Limits.BurstSize = 1
	cfg.Limits.TokensPerSecond = 0.001
	b := New(Deps{Config: cfg, Log: testLogger(t)})
	sess := newTestSession()
	c, sink := joinConsumer(t, b, sess)

	handle(t, b, sess, c, `{"type":"presence_query"}`)
	_, ok := sink.last(wire.TypePresenceUpdate)
	require.True(t, ok)

	handle(t, b, sess, c, `{"type":"presence_query"}`)
	errFrame, ok := sink.last(wire.TypeError)
	require.True(t, ok)
	assert.Equal(t, errs.CodeRateLimit, errFrame.Str("code"))
}

func TestHandleFrameMalformedJSONAnswersSenderOnly(t *testing.T) {
	b := newTestBridge(t)
	sess := newTestSession()
	c1, sink1 := joinConsumer(t, b, sess)
	_, sink2 := joinConsumer(t, b, sess)
	sink2.reset()

	handle(t, b, sess, c1, `{"type":`)

	errFrame, ok := sink1.last(wire.TypeError)
	require.True(t, ok)
	assert.Equal(t, errs.CodeProtocol, errFrame.Str("code"))
	assert.Zero(t, sink2.count(wire.TypeError))

	handle(t, b, sess, c1, `{"type":"warp_drive"}`)
	errFrame, _ = sink1.last(wire.TypeError)
	assert.Contains(t, errFrame.Str("message"), "warp_drive")
}

func TestObserverCannotDriveTheSession(t *testing.T) {
	b := newTestBridge(t)
	sess := newTestSession()
	sink := &fakeSink{}
	c, err := b.AddConsumer(context.Background(), sess, AuthContext{RequestedRole: session.RoleObserver}, sink, 0, false)
	require.NoError(t, err)

	handle(t, b, sess, c, `{"type":"user_message","content":"do something"}`)
	errFrame, ok := sink.last(wire.TypeError)
	require.True(t, ok)
	assert.Equal(t, errs.CodeForbidden, errFrame.Str("code"))

	sink.reset()
	handle(t, b, sess, c, `{"type":"presence_query"}`)
	_, ok = sink.last(wire.TypePresenceUpdate)
	assert.True(t, ok)
	assert.Zero(t, sink.count(wire.TypeError))
}

func TestUserMessageForwardedToBackend(t *testing.T) {
	b := newTestBridge(t)
	sess := newTestSession()
	backend := newFakeBackend("sess-1")
	backend.attach(sess, adapter.Capabilities{})
	c, _ := joinConsumer(t, b, sess)

	handle(t, b, sess, c, `{"type":"user_message","content":"fix the login bug"}`)

	sent := backend.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, unified.TypeUserMessage, sent[0].Type)
	assert.Equal(t, "fix the login bug", sent[0].Text())
	assert.Equal(t, session.StatusRunning, sess.LastStatus())
	assert.Equal(t, "fix the login bug", sess.FirstUserMessage())
}

func TestUserMessageHeldUntilBackendAttaches(t *testing.T) {
	b := newTestBridge(t)
	sess := newTestSession()
	c, _ := joinConsumer(t, b, sess)

	handle(t, b, sess, c, `{"type":"user_message","content":"early bird"}`)
	assert.Equal(t, 1, sess.PendingCount())

	backend := newFakeBackend("sess-1")
	b.AttachBackend(sess, backend, adapter.Capabilities{}, func() {})
	t.Cleanup(func() { _ = backend.Close() })

	sent := backend.sentMessages()
	require.Len(t, sent, 2)
	assert.Equal(t, unified.TypeControlRequest, sent[0].Type)
	assert.Equal(t, "initialize", sent[0].MetaString("subtype"))
	assert.Equal(t, unified.TypeUserMessage, sent[1].Type)
	assert.Equal(t, "early bird", sent[1].Text())
	assert.Zero(t, sess.PendingCount())
	assert.Equal(t, session.StatusRunning, sess.LastStatus())
}

func TestSendFailureSurfacesAsSyntheticResult(t *testing.T) {
	b := newTestBridge(t)
	sess := newTestSession()
	backend := newFakeBackend("sess-1")
	backend.attach(sess, adapter.Capabilities{})
	backend.sendErr = errors.New("broken pipe")
	rec := recordEvents(b, events.ErrorEvent)
	c, sink := joinConsumer(t, b, sess)

	handle(t, b, sess, c, `{"type":"user_message","content":"doomed"}`)

	result, ok := sink.last(wire.TypeResult)
	require.True(t, ok)
	assert.Equal(t, true, result.Field("is_error"))
	assert.Contains(t, result.Str("error_message"), "broken pipe")
	assert.Equal(t, session.StatusIdle, sess.LastStatus())

	require.Equal(t, 1, rec.count(events.ErrorEvent))
	assert.Equal(t, "sendToBackend", rec.last(events.ErrorEvent)["source"])
}

func TestBackendStreamEndDegradesSession(t *testing.T) {
	b := newTestBridge(t)
	sess := newTestSession()
	backend := newFakeBackend("sess-1")
	rec := recordEvents(b, events.BackendDisconnected, events.BackendRelaunchNeeded)
	_, sink := joinConsumer(t, b, sess)

	b.AttachBackend(sess, backend, adapter.Capabilities{}, func() {})
	backend.msgs <- unified.NewAssistantText("hello")
	require.NoError(t, backend.Close())

	require.Eventually(t, func() bool {
		return sess.Phase() == session.PhaseDegraded
	}, time.Second, 5*time.Millisecond)

	assert.Nil(t, sess.Backend())
	errFrame, ok := sink.last(wire.TypeError)
	require.True(t, ok)
	assert.Equal(t, "cli_disconnected", errFrame.Str("code"))
	assert.Equal(t, 1, rec.count(events.BackendDisconnected))
	assert.Equal(t, 1, rec.count(events.BackendRelaunchNeeded))

	assistant, ok := sink.last(wire.TypeAssistant)
	require.True(t, ok)
	assert.NotNil(t, assistant.Field("content"))
}

func TestDetachedBackendStreamEndStaysQuiet(t *testing.T) {
	b := newTestBridge(t)
	sess := newTestSession()
	backend := newFakeBackend("sess-1")
	rec := recordEvents(b, events.BackendDisconnected)

	b.AttachBackend(sess, backend, adapter.Capabilities{}, func() {})
	b.DetachBackend(sess)

	require.Eventually(t, func() bool {
		return backend.wasClosed()
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	assert.NotEqual(t, session.PhaseDegraded, sess.Phase())
	assert.Zero(t, rec.count(events.BackendDisconnected))
}

func TestSessionInitKeepsBrokerSessionID(t *testing.T) {
	b := newTestBridge(t)
	sess := newTestSession()
	rec := recordEvents(b, events.BackendSessionID)
	_, sink := joinConsumer(t, b, sess)

	init := unified.New(unified.TypeSessionInit, unified.RoleSystem)
	init.SetMeta("session_id", "upstream-99")
	init.SetMeta("model", "claude-sonnet-4-5")
	b.processOutbound(sess, init)

	frame, ok := sink.last(wire.TypeSessionInit)
	require.True(t, ok)
	assert.Equal(t, "sess-1", frame.Str("session_id"))
	assert.Equal(t, "claude-sonnet-4-5", frame.Str("model"))
	assert.Equal(t, "sess-1", sess.State().SessionID)

	require.Equal(t, 1, rec.count(events.BackendSessionID))
	assert.Equal(t, "upstream-99", rec.last(events.BackendSessionID)["upstream_session_id"])
}

func TestFirstTurnCompletedFiresOnce(t *testing.T) {
	b := newTestBridge(t)
	sess := newTestSession()
	backend := newFakeBackend("sess-1")
	backend.attach(sess, adapter.Capabilities{})
	rec := recordEvents(b, events.SessionFirstTurnCompleted)
	c, _ := joinConsumer(t, b, sess)

	handle(t, b, sess, c, `{"type":"user_message","content":"fix the login bug"}`)

	result := unified.New(unified.TypeResult, unified.RoleSystem)
	result.SetMeta("num_turns", 1)
	b.processOutbound(sess, result)

	require.Equal(t, 1, rec.count(events.SessionFirstTurnCompleted))
	assert.Equal(t, "fix the login bug", rec.last(events.SessionFirstTurnCompleted)["first_user_message"])

	again := unified.New(unified.TypeResult, unified.RoleSystem)
	again.SetMeta("num_turns", 1)
	b.processOutbound(sess, again)
	assert.Equal(t, 1, rec.count(events.SessionFirstTurnCompleted))
}

func TestSetAdapterRebindsAndRequestsRelaunch(t *testing.T) {
	b := newTestBridge(t)
	sess := newTestSession()
	rec := recordEvents(b, events.BackendRelaunchNeeded)
	c, sink := joinConsumer(t, b, sess)

	handle(t, b, sess, c, `{"type":"set_adapter","adapterName":"opencode","adapterOptions":{"model":"anthropic/claude-sonnet-4-5"}}`)

	assert.Equal(t, "opencode", sess.AdapterName())
	change, ok := sink.last(wire.TypeConfigurationChange)
	require.True(t, ok)
	assert.Equal(t, "opencode", change.Str("adapter"))
	require.Equal(t, 1, rec.count(events.BackendRelaunchNeeded))
	assert.Equal(t, "opencode", rec.last(events.BackendRelaunchNeeded)["adapter"])

	handle(t, b, sess, c, `{"type":"set_adapter","adapterName":"cursor"}`)
	errFrame, ok := sink.last(wire.TypeError)
	require.True(t, ok)
	assert.Contains(t, errFrame.Str("message"), "cursor")
	assert.Equal(t, "opencode", sess.AdapterName())
}

func TestReplayDeliversHistoryWithOriginalSequence(t *testing.T) {
	b := newTestBridge(t)
	sess := newTestSession()
	joinConsumer(t, b, sess)

	b.processOutbound(sess, unified.NewAssistantText("one"))
	b.processOutbound(sess, unified.NewAssistantText("two"))

	sink2 := &fakeSink{}
	_, err := b.AddConsumer(context.Background(), sess, AuthContext{}, sink2, 0, true)
	require.NoError(t, err)

	msgs := sink2.messages()
	require.GreaterOrEqual(t, len(msgs), 3)
	var replayedSeqs []uint64
	for _, m := range msgs {
		if m.Payload.Type == wire.TypeAssistant {
			replayedSeqs = append(replayedSeqs, m.Seq)
		}
	}
	assert.Equal(t, []uint64{2, 3}, replayedSeqs)
	assert.Zero(t, sink2.count(wire.TypeError))
}

func TestReplayGapIsAnnouncedFirst(t *testing.T) {
	b := newTestBridge(t)
	sess := session.NewSession("sess-1", "claude", nil, 2)
	joinConsumer(t, b, sess)

	for i := 0; i < 4; i++ {
		b.processOutbound(sess, unified.NewAssistantText(fmt.Sprintf("turn %d", i)))
	}

	sink2 := &fakeSink{}
	_, err := b.AddConsumer(context.Background(), sess, AuthContext{}, sink2, 0, true)
	require.NoError(t, err)

	msgs := sink2.messages()
	require.NotEmpty(t, msgs)
	assert.Equal(t, wire.TypeError, msgs[0].Payload.Type)
	assert.Equal(t, errs.CodeGap, msgs[0].Payload.Str("code"))
	assert.Equal(t, wire.TypeAssistant, msgs[1].Payload.Type)
}

func TestConsumerHardCeilingDisconnects(t *testing.T) {
	b := newTestBridge(t)
	sess := newTestSession()
	c, sink := joinConsumer(t, b, sess)

	c.Channel = delivery.NewChannel(delivery.Options{
		HighWaterMark: 1,
		MaxQueueSize:  2,
		CriticalTypes: []string{wire.TypeResult},
	})
	for i := 0; i < 2; i++ {
		require.True(t, c.Channel.Enqueue(delivery.SequencedMessage{
			Seq:     uint64(i + 1),
			Payload: wire.New(wire.TypeResult, nil),
		}))
	}

	b.deliver(sess, c, delivery.SequencedMessage{Seq: 3, Payload: wire.New(wire.TypeResult, nil)})

	closed, code := sink.isClosed()
	assert.True(t, closed)
	assert.Equal(t, 1013, code)
	assert.Zero(t, sess.ConsumerCount())
}

func TestConsumerWriteFailureRemovesConsumer(t *testing.T) {
	b := newTestBridge(t)
	sess := newTestSession()
	_, sink1 := joinConsumer(t, b, sess)
	c2, sink2 := joinConsumer(t, b, sess)
	sink2.failWith = errors.New("connection reset")

	b.processOutbound(sess, unified.NewAssistantText("hello"))

	assert.Equal(t, 1, sess.ConsumerCount())
	_, found := sess.Consumer(c2.ID)
	assert.False(t, found)
	closed, code := sink2.isClosed()
	assert.True(t, closed)
	assert.Equal(t, 1011, code)
	_, ok := sink1.last(wire.TypeAssistant)
	assert.True(t, ok)
}

func TestCloseSessionClosesEverything(t *testing.T) {
	b := newTestBridge(t)
	sess := newTestSession()
	backend := newFakeBackend("sess-1")
	backend.attach(sess, adapter.Capabilities{})
	rec := recordEvents(b, events.SessionClosed)
	_, sink1 := joinConsumer(t, b, sess)
	_, sink2 := joinConsumer(t, b, sess)

	b.CloseSession(sess, 1000, "session deleted")

	assert.Equal(t, session.PhaseClosed, sess.Phase())
	assert.True(t, backend.wasClosed())
	assert.Zero(t, sess.ConsumerCount())
	for _, sink := range []*fakeSink{sink1, sink2} {
		closed, code := sink.isClosed()
		assert.True(t, closed)
		assert.Equal(t, 1000, code)
	}
	assert.Equal(t, 1, rec.count(events.SessionClosed))
}

func TestStatusChangeDrivesPhaseAndStatus(t *testing.T) {
	b := newTestBridge(t)
	sess := newTestSession()
	_, sink := joinConsumer(t, b, sess)

	b.processOutbound(sess, unified.NewStatusChange("running"))
	assert.Equal(t, session.StatusRunning, sess.LastStatus())
	assert.Equal(t, session.PhaseActive, sess.Phase())
	frame, ok := sink.last(wire.TypeStatusChange)
	require.True(t, ok)
	assert.Equal(t, "running", frame.Str("status"))

	result := unified.New(unified.TypeResult, unified.RoleSystem)
	result.SetMeta("num_turns", 1)
	b.processOutbound(sess, result)
	assert.Equal(t, session.StatusIdle, sess.LastStatus())
	assert.Equal(t, session.PhaseIdle, sess.Phase())
}

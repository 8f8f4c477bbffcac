package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamcode/beamcode/internal/bridge"
	"github.com/beamcode/beamcode/internal/common/config"
	"github.com/beamcode/beamcode/internal/common/errs"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/coordinator"
	"github.com/beamcode/beamcode/internal/session"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

// stubCoordinator backs the gateway with an in-memory session store.
type stubCoordinator struct {
	store *session.Store

	mu         sync.Mutex
	createErr  error
	lastParams coordinator.CreateParams
}

func newStubCoordinator() *stubCoordinator {
	return &stubCoordinator{store: session.NewStore()}
}

func (s *stubCoordinator) CreateSession(_ context.Context, p coordinator.CreateParams) (*session.Session, error) {
	s.mu.Lock()
	s.lastParams = p
	err := s.createErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	name := p.AdapterName
	if name == "" {
		name = "claude"
	}
	id := p.Resume
	if id == "" {
		id = uuid.NewString()
	}
	sess := session.NewSession(id, name, p.AdapterOptions, 100)
	sess.Seed(p.CWD, p.Model)
	if err := s.store.Create(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *stubCoordinator) DeleteSession(_ context.Context, id string) bool {
	_, ok := s.store.Delete(id)
	return ok
}

func (s *stubCoordinator) ListSessions() []session.Snapshot {
	live := s.store.List()
	out := make([]session.Snapshot, 0, len(live))
	for _, sess := range live {
		out = append(out, sess.Snapshot())
	}
	return out
}

func (s *stubCoordinator) GetSession(id string) (*session.Session, bool) {
	return s.store.Get(id)
}

func (s *stubCoordinator) params() coordinator.CreateParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastParams
}

type restHarness struct {
	server *Server
	coord  *stubCoordinator
}

func newRESTHarness(t *testing.T) *restHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	coord := newStubCoordinator()
	log := testLogger(t)
	srv := NewServer(Deps{
		Coordinator: coord,
		Bridge:      bridge.New(bridge.Deps{Log: log, Config: &config.Config{}}),
		Log:         log,
	})
	return &restHarness{server: srv, coord: coord}
}

func (h *restHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func TestHealthEndpoint(t *testing.T) {
	h := newRESTHarness(t)

	rec := h.do(t, http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	health := decodeJSON[HealthResponse](t, rec)
	assert.Equal(t, "ok", health.Status)
	assert.NotEmpty(t, health.Timestamp)
}

func TestCreateSessionReturnsSnapshot(t *testing.T) {
	h := newRESTHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/sessions", CreateSessionRequest{
		AdapterName: "opencode",
		CWD:         "/tmp/project",
		Model:       "big-model",
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	snap := decodeJSON[session.Snapshot](t, rec)
	assert.NotEmpty(t, snap.SessionID)
	assert.Equal(t, "opencode", snap.Adapter)
	require.NotNil(t, snap.State)
	assert.Equal(t, "/tmp/project", snap.State.CWD)
	assert.Equal(t, "big-model", snap.State.Model)

	params := h.coord.params()
	assert.Equal(t, "opencode", params.AdapterName)
	assert.Equal(t, "/tmp/project", params.CWD)
}

func TestCreateSessionAcceptsEmptyBody(t *testing.T) {
	h := newRESTHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/sessions", nil)

	require.Equal(t, http.StatusCreated, rec.Code)
	snap := decodeJSON[session.Snapshot](t, rec)
	assert.Equal(t, "claude", snap.Adapter)
}

func TestCreateSessionRejectsMalformedBody(t *testing.T) {
	h := newRESTHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewReader([]byte(`{"adapterName":`)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeJSON[ErrorResponse](t, rec)
	assert.Equal(t, errs.CodeProtocol, resp.Code)
}

func TestCreateSessionMapsRuntimeErrors(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"unknown adapter", errs.Configuration("unknown adapter %q", "cursor"), http.StatusBadRequest},
		{"duplicate id", errs.ErrSessionExists, http.StatusConflict},
		{"breaker open", errs.ErrCircuitOpen, http.StatusServiceUnavailable},
		{"backend failure", errs.BackendConnect(assert.AnError), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newRESTHarness(t)
			h.coord.createErr = tc.err

			rec := h.do(t, http.MethodPost, "/v1/sessions", CreateSessionRequest{AdapterName: "claude"})

			require.Equal(t, tc.wantStatus, rec.Code)
			resp := decodeJSON[ErrorResponse](t, rec)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestGetSessionReturnsSnapshot(t *testing.T) {
	h := newRESTHarness(t)
	created := h.do(t, http.MethodPost, "/v1/sessions", CreateSessionRequest{AdapterName: "claude"})
	snap := decodeJSON[session.Snapshot](t, created)

	rec := h.do(t, http.MethodGet, "/v1/sessions/"+snap.SessionID, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeJSON[session.Snapshot](t, rec)
	assert.Equal(t, snap.SessionID, got.SessionID)
}

func TestGetSessionUnknownIDIs404(t *testing.T) {
	h := newRESTHarness(t)

	rec := h.do(t, http.MethodGet, "/v1/sessions/nope", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListSessionsReturnsAll(t *testing.T) {
	h := newRESTHarness(t)
	h.do(t, http.MethodPost, "/v1/sessions", CreateSessionRequest{AdapterName: "claude"})
	h.do(t, http.MethodPost, "/v1/sessions", CreateSessionRequest{AdapterName: "codex"})

	rec := h.do(t, http.MethodGet, "/v1/sessions", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeJSON[SessionListResponse](t, rec)
	assert.Len(t, list.Sessions, 2)
}

func TestDeleteSession(t *testing.T) {
	h := newRESTHarness(t)
	created := h.do(t, http.MethodPost, "/v1/sessions", CreateSessionRequest{AdapterName: "claude"})
	snap := decodeJSON[session.Snapshot](t, created)

	rec := h.do(t, http.MethodDelete, "/v1/sessions/"+snap.SessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeJSON[DeleteSessionResponse](t, rec)
	assert.True(t, resp.Deleted)

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodDelete, "/v1/sessions/"+snap.SessionID, nil).Code)
}

func TestSocketEndpointChecksBeforeUpgrade(t *testing.T) {
	h := newRESTHarness(t)
	created := h.do(t, http.MethodPost, "/v1/sessions", CreateSessionRequest{AdapterName: "claude"})
	snap := decodeJSON[session.Snapshot](t, created)

	t.Run("unknown session", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/v1/sessions/ghost/ws", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("bad replay cursor", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/v1/sessions/"+snap.SessionID+"/ws?last_seen_seq=abc", nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		resp := decodeJSON[ErrorResponse](t, rec)
		assert.Equal(t, errs.CodeProtocol, resp.Code)
	})
}

func TestParseLastSeen(t *testing.T) {
	seq, replay, err := parseLastSeen("")
	require.NoError(t, err)
	assert.False(t, replay)
	assert.Zero(t, seq)

	seq, replay, err = parseLastSeen("0")
	require.NoError(t, err)
	assert.True(t, replay)
	assert.Zero(t, seq)

	seq, replay, err = parseLastSeen("42")
	require.NoError(t, err)
	assert.True(t, replay)
	assert.Equal(t, uint64(42), seq)

	_, _, err = parseLastSeen("-1")
	assert.Error(t, err)
}

func TestCheckWebSocketOrigin(t *testing.T) {
	cases := []struct {
		name   string
		origin string
		host   string
		want   bool
	}{
		{"no origin", "", "example.com", true},
		{"localhost with port", "http://localhost:3000", "example.com", true},
		{"localhost bare", "http://localhost", "example.com", true},
		{"loopback https", "https://127.0.0.1:8443", "example.com", true},
		{"same host", "https://example.com", "example.com", true},
		{"same host with ports", "https://example.com:8443", "example.com:8080", true},
		{"case insensitive host", "https://Example.COM", "example.com", true},
		{"cross origin", "https://evil.test", "example.com", false},
		{"garbage origin", "http://", "example.com", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Host = tc.host
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			assert.Equal(t, tc.want, checkWebSocketOrigin(req))
		})
	}
}

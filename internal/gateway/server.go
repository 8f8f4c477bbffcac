// Package gateway fronts the broker over HTTP: a REST surface for the
// coordinator's session operations and the consumer WebSocket endpoint
// feeding the bridge.
package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/beamcode/beamcode/internal/bridge"
	"github.com/beamcode/beamcode/internal/common/errs"
	"github.com/beamcode/beamcode/internal/common/httpmw"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/coordinator"
	"github.com/beamcode/beamcode/internal/session"
)

// Coordinator is the session runtime surface the gateway fronts.
type Coordinator interface {
	CreateSession(ctx context.Context, params coordinator.CreateParams) (*session.Session, error)
	DeleteSession(ctx context.Context, sessionID string) bool
	ListSessions() []session.Snapshot
	GetSession(sessionID string) (*session.Session, bool)
}

// Deps carries the gateway's collaborators.
type Deps struct {
	Coordinator Coordinator
	Bridge      *bridge.Bridge
	Log         *logger.Logger
}

// Server is the consumer-facing HTTP server.
type Server struct {
	coord    Coordinator
	bridge   *bridge.Bridge
	log      *logger.Logger
	router   *gin.Engine
	upgrader websocket.Upgrader
}

// NewServer builds the router. Callers mount Router() on an http.Server.
func NewServer(deps Deps) *Server {
	s := &Server{
		coord:  deps.Coordinator,
		bridge: deps.Bridge,
		log:    deps.Log.WithFields(zap.String("component", "gateway")),
		router: gin.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkWebSocketOrigin,
		},
	}

	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.CORS())
	s.router.Use(httpmw.RequestLogger(s.log, "gateway"))
	s.router.Use(httpmw.OtelTracing("beamcode-gateway"))

	s.setupRoutes()
	return s
}

// Router returns the HTTP router.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/v1")
	{
		api.POST("/sessions", s.handleCreateSession)
		api.GET("/sessions", s.handleListSessions)
		api.GET("/sessions/:id", s.handleGetSession)
		api.DELETE("/sessions/:id", s.handleDeleteSession)

		// Consumer socket: frames in, sequenced fan-out back.
		api.GET("/sessions/:id/ws", s.handleSessionSocket)
	}
}

// HealthResponse is the liveness probe body.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// CreateSessionRequest mirrors createSession. All fields are optional.
type CreateSessionRequest struct {
	AdapterName    string         `json:"adapterName"`
	AdapterOptions map[string]any `json:"adapterOptions"`
	Resume         string         `json:"resume"`
	CWD            string         `json:"cwd"`
	Model          string         `json:"model"`
}

// ErrorResponse is the REST error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "invalid request body: " + err.Error(),
			Code:  errs.CodeProtocol,
		})
		return
	}

	sess, err := s.coord.CreateSession(c.Request.Context(), coordinator.CreateParams{
		AdapterName:    req.AdapterName,
		AdapterOptions: req.AdapterOptions,
		Resume:         req.Resume,
		CWD:            req.CWD,
		Model:          req.Model,
	})
	if err != nil {
		s.log.Error("session create failed",
			zap.String("adapter", req.AdapterName),
			zap.Error(err))
		c.JSON(statusFor(err), ErrorResponse{Error: err.Error(), Code: errs.CodeOf(err)})
		return
	}
	c.JSON(http.StatusCreated, sess.Snapshot())
}

// SessionListResponse wraps the snapshot list.
type SessionListResponse struct {
	Sessions []session.Snapshot `json:"sessions"`
}

func (s *Server) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, SessionListResponse{Sessions: s.coord.ListSessions()})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, ok := s.coord.GetSession(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "session not found"})
		return
	}
	c.JSON(http.StatusOK, sess.Snapshot())
}

// DeleteSessionResponse confirms a delete.
type DeleteSessionResponse struct {
	Deleted bool `json:"deleted"`
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	if !s.coord.DeleteSession(c.Request.Context(), c.Param("id")) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "session not found"})
		return
	}
	c.JSON(http.StatusOK, DeleteSessionResponse{Deleted: true})
}

// handleSessionSocket upgrades the connection and runs it as one consumer
// of the session. The write pump starts before admission so a long
// history replay cannot overrun the send buffer.
func (s *Server) handleSessionSocket(c *gin.Context) {
	sessionID := c.Param("id")
	sess, ok := s.coord.GetSession(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "session not found"})
		return
	}

	lastSeen, replay, err := parseLastSeen(c.Query("last_seen_seq"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "invalid last_seen_seq",
			Code:  errs.CodeProtocol,
		})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}

	sock := newSocket(conn, s.log)
	go sock.writePump()

	consumer, err := s.bridge.AddConsumer(c.Request.Context(), sess, bridge.AuthContext{
		SessionID:     sessionID,
		Token:         bearerToken(c),
		RemoteAddr:    c.Request.RemoteAddr,
		Header:        c.Request.Header,
		RequestedRole: session.Role(c.Query("role")),
	}, sock, lastSeen, replay)
	if err != nil {
		s.log.Warn("consumer admission failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
		_ = sock.Close(websocket.ClosePolicyViolation, "authentication failed")
		return
	}

	s.log.Debug("consumer connected",
		zap.String("session_id", sessionID),
		zap.String("consumer_id", consumer.ID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	sock.readPump(s.bridge, sess, consumer)
}

// statusFor maps runtime errors onto REST statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrSessionExists):
		return http.StatusConflict
	case errors.Is(err, errs.ErrSessionNotFound):
		return http.StatusNotFound
	}
	switch errs.CodeOf(err) {
	case errs.CodeConfiguration, errs.CodeProtocol:
		return http.StatusBadRequest
	case errs.CodeConflict:
		return http.StatusConflict
	case errs.CodeCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// parseLastSeen reads the replay cursor. Presence of the parameter, even
// as 0, requests a replay.
func parseLastSeen(raw string) (uint64, bool, error) {
	if raw == "" {
		return 0, false, nil
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return seq, true, nil
}

// bearerToken pulls the consumer credential from the token query
// parameter, falling back to the Authorization header.
func bearerToken(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}
	return strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
}

// checkWebSocketOrigin accepts non-browser clients (no Origin header),
// localhost origins, and same-host origins. Everything else is rejected;
// cross-site pages cannot ride ambient credentials onto a session.
func checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	for _, prefix := range []string{
		"http://localhost:", "https://localhost:",
		"http://127.0.0.1:", "https://127.0.0.1:",
	} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	if origin == "http://localhost" || origin == "https://localhost" ||
		origin == "http://127.0.0.1" || origin == "https://127.0.0.1" {
		return true
	}

	originHost := strings.TrimPrefix(origin, "http://")
	originHost = strings.TrimPrefix(originHost, "https://")
	if i := strings.Index(originHost, "/"); i >= 0 {
		originHost = originHost[:i]
	}
	if host, _, err := net.SplitHostPort(originHost); err == nil {
		originHost = host
	}

	requestHost := r.Host
	if host, _, err := net.SplitHostPort(requestHost); err == nil {
		requestHost = host
	}

	return originHost != "" && strings.EqualFold(originHost, requestHost)
}

package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/beamcode/beamcode/internal/common/constants"
	"github.com/beamcode/beamcode/internal/common/errs"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/process"
	"github.com/beamcode/beamcode/internal/tracing"
	"github.com/beamcode/beamcode/pkg/asyncq"
	"github.com/beamcode/beamcode/pkg/claudewire"
	"github.com/beamcode/beamcode/pkg/ndjson"
	"github.com/beamcode/beamcode/pkg/unified"
)

// sdkUpgrader upgrades the CLI's dial-in. The CLI connects to a loopback
// listener, so there is no browser origin to check.
var sdkUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ClaudeAdapter drives the Claude CLI through its SDK WebSocket mode. Each
// connection opens a loopback listener, launches the CLI pointing at it
// with --sdk-url, and exchanges stream-json frames once the CLI dials in.
type ClaudeAdapter struct {
	supervisor *process.Supervisor
	launch     LaunchSpec
	attachWait time.Duration
	deps       Deps
	log        *logger.Logger
}

func newClaudeAdapter(deps Deps) *ClaudeAdapter {
	return &ClaudeAdapter{
		supervisor: deps.Supervisor,
		launch:     deps.launchFor("claude", LaunchSpec{Command: "claude"}),
		attachWait: deps.readinessTimeout(),
		deps:       deps,
		log:        deps.Log.WithFields(zap.String("adapter", "claude")),
	}
}

func (a *ClaudeAdapter) Name() string { return "claude" }

func (a *ClaudeAdapter) Capabilities() Capabilities {
	return Capabilities{
		Streaming:        true,
		Permissions:      true,
		SlashCommands:    true,
		SlashPassthrough: true,
		Teams:            true,
		Availability:     AvailabilityLocal,
	}
}

// Connect starts the SDK socket listener and spawns the CLI against it.
// The returned session queues outbound frames until the CLI dials in; a
// CLI that never attaches within the readiness window tears the session
// down with an error result on the stream.
func (a *ClaudeAdapter) Connect(ctx context.Context, opts ConnectOptions) (BackendSession, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, errs.BackendConnect(err)
	}

	log := a.log.WithFields(zap.String("session_id", opts.SessionID))
	s := &claudeSession{
		id:       opts.SessionID,
		upstream: opts.ResumeSessionID,
		sup:      a.supervisor,
		feed:     newFeed(log),
		outbound: asyncq.New[[]byte](),
		done:     make(chan struct{}),
		log:      log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleDialIn)
	s.server = &http.Server{Handler: mux}
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Debug("sdk socket server stopped", zap.Error(err))
		}
	}()

	sdkURL := "ws://" + ln.Addr().String()
	args := append([]string(nil), a.launch.Args...)
	args = append(args,
		"--sdk-url", sdkURL,
		"--input-format", "stream-json",
		"--output-format", "stream-json",
	)
	resume := opts.Resume && opts.ResumeSessionID != ""
	if resume {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}

	proc, err := a.supervisor.Spawn(ctx, process.SpawnSpec{
		Key:     opts.SessionID,
		Command: a.launch.Command,
		Args:    args,
		Dir:     a.deps.workDir(opts),
		Env:     mergeEnv(a.launch.Env, opts.Env),
		Resume:  resume,
	})
	if err != nil {
		_ = s.server.Close()
		s.feed.shutdown()
		return nil, err
	}
	s.proc = proc

	s.mu.Lock()
	s.attachTimer = time.AfterFunc(a.attachWait, s.attachTimedOut)
	s.mu.Unlock()

	go s.watchExit()
	log.Info("claude cli spawned", zap.String("sdk_url", sdkURL), zap.Bool("resume", resume))
	return s, nil
}

// claudeSession is one CLI conversation over the SDK socket.
type claudeSession struct {
	id  string
	log *logger.Logger
	sup *process.Supervisor

	feed     *feed
	outbound *asyncq.Queue[[]byte]
	server   *http.Server
	proc     *process.Process

	mu          sync.Mutex
	conn        *websocket.Conn
	upstream    string
	closed      bool
	attachTimer *time.Timer

	// lines reassembles frames split across socket deliveries. Touched
	// only by the read loop.
	lines ndjson.LineBuffer

	closeOnce sync.Once
	done      chan struct{}
}

func (s *claudeSession) SessionID() string { return s.id }

// handleDialIn accepts the CLI's WebSocket connection. Only the first
// dial-in is kept; the CLI does not reconnect within one spawn.
func (s *claudeSession) handleDialIn(w http.ResponseWriter, r *http.Request) {
	conn, err := sdkUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("sdk socket upgrade failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	if s.closed || s.conn != nil {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	if s.attachTimer != nil {
		s.attachTimer.Stop()
	}
	s.mu.Unlock()

	s.log.Info("claude cli attached to sdk socket")
	go s.writeLoop(conn)
	go s.readLoop(conn)
}

func (s *claudeSession) attachTimedOut() {
	s.mu.Lock()
	pending := !s.closed && s.conn == nil
	s.mu.Unlock()
	if !pending {
		return
	}
	s.log.Error("claude cli never dialed the sdk socket")
	s.feed.fail("claude cli did not connect within the readiness window")
	_ = s.Close()
}

func (s *claudeSession) watchExit() {
	select {
	case <-s.proc.Exited():
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			s.log.Warn("claude cli exited",
				zap.Int("exit_code", s.proc.ExitCode()),
				zap.Strings("stderr_tail", s.proc.StderrTail()))
		}
		_ = s.Close()
	case <-s.done:
	}
}

func (s *claudeSession) writeLoop(conn *websocket.Conn) {
	for line := range s.outbound.Out() {
		if err := conn.WriteMessage(websocket.TextMessage, line); err != nil {
			s.log.Warn("sdk socket write failed", zap.Error(err))
			s.feed.fail(fmt.Sprintf("failed to deliver message to claude cli: %v", err))
			_ = s.Close()
			return
		}
	}
}

func (s *claudeSession) readLoop(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.log.Warn("sdk socket read failed", zap.Error(err))
			}
			break
		}
		s.ingest(payload)
	}
	if rest := s.lines.Flush(); len(rest) > 0 {
		s.handleFrame(rest)
	}
	_ = s.Close()
}

// ingest splits one socket delivery into frames. A delivery that is a
// single complete object skips the line buffer.
func (s *claudeSession) ingest(payload []byte) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return
	}
	if s.lines.Len() == 0 && !bytes.ContainsRune(trimmed, '\n') {
		s.handleFrame(trimmed)
		return
	}
	for _, line := range s.lines.Push(payload) {
		s.handleFrame(line)
	}
}

func (s *claudeSession) handleFrame(line []byte) {
	frame, err := claudewire.Decode(line)
	if err != nil {
		s.log.Warn("undecodable cli frame", zap.Error(err), zap.Int("bytes", len(line)))
		s.feed.fail(fmt.Sprintf("malformed message from claude cli: %v", err))
		return
	}
	msgs := s.translateInbound(frame)
	tracing.TraceInbound(context.Background(), "claude", s.id, frame.Type, frame.Raw, msgs)
	s.feed.emitAll(msgs)
}

func (s *claudeSession) translateInbound(f *claudewire.Frame) []*unified.Message {
	switch f.Type {
	case claudewire.TypeSystem:
		return s.translateSystem(f)

	case claudewire.TypeAssistant:
		return s.translateContentMessage(f, unified.TypeAssistant, unified.RoleAssistant)

	case claudewire.TypeUser:
		return s.translateContentMessage(f, unified.TypeUserMessage, unified.RoleUser)

	case claudewire.TypeResult:
		m := unified.New(unified.TypeResult, unified.RoleSystem)
		m.Metadata = f.Meta()
		if f.IsError {
			m.SetMeta("is_error", true)
			if txt := f.ResultText(); txt != "" {
				m.SetMeta("error_message", txt)
			}
		}
		return one(m)

	case claudewire.TypeStreamEvent:
		m := unified.New(unified.TypeStreamEvent, unified.RoleAssistant)
		if len(f.Event) > 0 {
			var event map[string]any
			if err := json.Unmarshal(f.Event, &event); err == nil {
				m.SetMeta("event", event)
			}
		}
		if f.ParentToolUseID != nil {
			m.SetMeta("parent_tool_use_id", *f.ParentToolUseID)
		}
		return one(m)

	case claudewire.TypeControlRequest:
		return s.translateControlRequest(f)

	case claudewire.TypeControlResponse:
		if f.Response == nil {
			return one(unified.NewErrorResult("control response without a body from claude cli"))
		}
		m := unified.New(unified.TypeControlResponse, unified.RoleSystem)
		m.SetMeta("subtype", f.Response.Subtype)
		m.SetMeta("request_id", f.Response.RequestID)
		if len(f.Response.Response) > 0 {
			var body map[string]any
			if err := json.Unmarshal(f.Response.Response, &body); err == nil {
				m.SetMeta("response", body)
			}
		}
		if f.Response.Error != "" {
			m.SetMeta("error", f.Response.Error)
		}
		return one(m)

	case claudewire.TypeControlCancelRequest:
		m := unified.New(unified.TypeControlCancelRequest, unified.RoleSystem)
		m.Metadata = f.Meta()
		return one(m)

	case claudewire.TypeToolProgress:
		m := unified.New(unified.TypeToolProgress, unified.RoleSystem)
		m.Metadata = f.Meta()
		return one(m)

	case claudewire.TypeToolUseSummary:
		m := unified.New(unified.TypeToolUseSummary, unified.RoleSystem)
		m.Metadata = f.Meta()
		return one(m)

	case claudewire.TypeAuthStatus:
		m := unified.New(unified.TypeAuthStatus, unified.RoleSystem)
		m.Metadata = f.Meta()
		return one(m)

	case claudewire.TypeTaskNotification:
		m := unified.New(unified.TypeTaskNotification, unified.RoleSystem)
		m.Metadata = f.Meta()
		return one(m)

	case claudewire.TypeKeepAlive:
		return one(unified.New(unified.TypeKeepAlive, unified.RoleSystem))

	default:
		s.log.Warn("unrecognized cli frame dropped", zap.String("frame_type", f.Type))
		return nil
	}
}

func (s *claudeSession) translateSystem(f *claudewire.Frame) []*unified.Message {
	switch f.Subtype {
	case claudewire.SubtypeInit:
		init, err := f.SystemInit()
		if err != nil {
			return one(unified.NewErrorResult(fmt.Sprintf("malformed system init from claude cli: %v", err)))
		}
		if init.SessionID != "" {
			s.setUpstream(init.SessionID)
		}
		m := unified.New(unified.TypeSessionInit, unified.RoleSystem)
		m.SetMeta("session_id", init.SessionID)
		if init.Model != "" {
			m.SetMeta("model", init.Model)
		}
		if init.Cwd != "" {
			m.SetMeta("cwd", init.Cwd)
		}
		if init.PermissionMode != "" {
			m.SetMeta("permission_mode", init.PermissionMode)
		}
		if init.Version != "" {
			m.SetMeta("claude_code_version", init.Version)
		}
		if init.Tools != nil {
			m.SetMeta("tools", init.Tools)
		}
		if init.Agents != nil {
			m.SetMeta("agents", init.Agents)
		}
		if init.SlashCommands != nil {
			m.SetMeta("slash_commands", init.SlashCommands)
		}
		if init.Skills != nil {
			m.SetMeta("skills", init.Skills)
		}
		if len(init.McpServers) > 0 {
			servers := make([]any, 0, len(init.McpServers))
			for _, srv := range init.McpServers {
				servers = append(servers, map[string]any{"name": srv.Name, "status": srv.Status})
			}
			m.SetMeta("mcp_servers", servers)
		}
		return one(m)

	case claudewire.SubtypeStatus:
		m := unified.NewStatusChange(f.Status)
		if f.PermissionMode != "" {
			m.SetMeta("permission_mode", f.PermissionMode)
		}
		return one(m)

	default:
		s.log.Warn("unrecognized system subtype dropped", zap.String("subtype", f.Subtype))
		return nil
	}
}

func (s *claudeSession) translateContentMessage(f *claudewire.Frame, t unified.Type, role unified.Role) []*unified.Message {
	body, err := f.DecodeMessage()
	if err != nil {
		return one(unified.NewErrorResult(fmt.Sprintf("malformed %s message from claude cli: %v", f.Type, err)))
	}
	m := unified.New(t, role)
	m.Content = s.contentFromWire(body.Content)
	if body.Model != "" {
		m.SetMeta("model", body.Model)
	}
	if body.StopReason != "" {
		m.SetMeta("stop_reason", body.StopReason)
	}
	if body.Usage != nil {
		m.SetMeta("usage", map[string]any{
			"input_tokens":                body.Usage.InputTokens,
			"output_tokens":               body.Usage.OutputTokens,
			"cache_creation_input_tokens": body.Usage.CacheCreationInputTokens,
			"cache_read_input_tokens":     body.Usage.CacheReadInputTokens,
		})
	}
	if f.ParentToolUseID != nil {
		m.SetMeta("parent_tool_use_id", *f.ParentToolUseID)
	}
	return one(m)
}

func (s *claudeSession) contentFromWire(blocks []claudewire.ContentBlock) []unified.ContentBlock {
	out := make([]unified.ContentBlock, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			out = append(out, unified.TextBlock(b.Text))
		case "thinking":
			out = append(out, unified.ThinkingBlock(b.Thinking))
		case "tool_use":
			out = append(out, unified.ToolUseBlock(b.ID, b.Name, b.Input))
		case "tool_result":
			out = append(out, unified.ToolResultBlock(b.ToolUseID, toolResultText(b.Content), b.IsError))
		default:
			s.log.Debug("unrecognized content block dropped", zap.String("block_type", b.Type))
		}
	}
	return out
}

// toolResultText flattens tool_result content, which arrives as a plain
// string or an array of text blocks.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var blocks []claudewire.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

func (s *claudeSession) translateControlRequest(f *claudewire.Frame) []*unified.Message {
	if f.Request == nil {
		return one(unified.NewErrorResult("control request without a body from claude cli"))
	}
	switch f.Request.Subtype {
	case claudewire.SubtypeCanUseTool:
		m := unified.New(unified.TypePermissionRequest, unified.RoleSystem)
		m.SetMeta("request_id", f.RequestID)
		m.SetMeta("tool_name", f.Request.ToolName)
		if f.Request.Input != nil {
			m.SetMeta("input", f.Request.Input)
		}
		if f.Request.ToolUseID != "" {
			m.SetMeta("tool_use_id", f.Request.ToolUseID)
		}
		if f.Request.AgentID != "" {
			m.SetMeta("agent_id", f.Request.AgentID)
		}
		if f.Request.Description != "" {
			m.SetMeta("description", f.Request.Description)
		}
		if len(f.Request.PermissionSuggestions) > 0 {
			m.SetMeta("permission_suggestions", f.Request.PermissionSuggestions)
		}
		return one(m)

	case claudewire.SubtypeHookCallback:
		// No hooks are registered on this side; refuse so the CLI does
		// not wait on the callback.
		s.respondControlError(f.RequestID, "hook callbacks are not supported")
		return nil

	default:
		m := unified.New(unified.TypeControlRequest, unified.RoleSystem)
		m.Metadata = f.Meta()
		return one(m)
	}
}

func (s *claudeSession) respondControlError(requestID, message string) {
	line, err := json.Marshal(claudewire.NewErrorControlResponse(requestID, message))
	if err != nil {
		s.log.Warn("failed to encode control error response", zap.Error(err))
		return
	}
	s.enqueue(line)
}

// Send translates one unified message into a stream-json frame and queues
// it for the CLI. Translation failures surface on the stream as error
// results; only a closed session returns an error.
func (s *claudeSession) Send(msg *unified.Message) error {
	if s.isClosed() {
		return errs.ErrSessionClosed
	}
	line, err := s.translateOutbound(msg)
	if err != nil {
		s.log.Warn("outbound translation failed",
			zap.String("message_type", string(msg.Type)), zap.Error(err))
		s.feed.fail(fmt.Sprintf("cannot deliver %s to claude cli: %v", msg.Type, err))
		return nil
	}
	if line == nil {
		return nil
	}
	_, span := tracing.TraceSend(context.Background(), "claude", s.id, string(msg.Type))
	s.enqueue(line)
	span.End()
	return nil
}

func (s *claudeSession) translateOutbound(msg *unified.Message) ([]byte, error) {
	switch msg.Type {
	case unified.TypeUserMessage:
		frame := claudewire.NewUserFrame(s.currentUpstream(), claudeUserContent(msg))
		return json.Marshal(frame)

	case unified.TypePermissionResponse:
		requestID := msg.MetaString("request_id")
		if requestID == "" {
			return nil, fmt.Errorf("permission response without request_id")
		}
		result, err := permissionResultFromMeta(msg)
		if err != nil {
			return nil, err
		}
		frame, err := claudewire.NewPermissionResponse(requestID, result)
		if err != nil {
			return nil, err
		}
		return json.Marshal(frame)

	case unified.TypeInterrupt:
		return json.Marshal(claudewire.NewInterruptRequest(claudewire.NewRequestID()))

	case unified.TypeControlRequest:
		requestID := msg.MetaString("request_id")
		if requestID == "" {
			requestID = claudewire.NewRequestID()
		}
		switch sub := msg.MetaString("subtype"); sub {
		case claudewire.SubtypeInitialize:
			return json.Marshal(claudewire.NewInitializeRequest(requestID))
		case claudewire.SubtypeInterrupt:
			return json.Marshal(claudewire.NewInterruptRequest(requestID))
		case claudewire.SubtypeSetModel:
			model := msg.MetaString("model")
			if model == "" {
				return nil, fmt.Errorf("set_model without a model")
			}
			return json.Marshal(claudewire.NewSetModelRequest(requestID, model))
		case claudewire.SubtypeSetPermissionMode:
			mode := msg.MetaString("mode")
			if mode == "" {
				return nil, fmt.Errorf("set_permission_mode without a mode")
			}
			return json.Marshal(claudewire.NewSetPermissionModeRequest(requestID, mode))
		default:
			return nil, fmt.Errorf("unsupported control request subtype %q", sub)
		}

	default:
		s.log.Warn("message type not expressible on the claude wire, ignored",
			zap.String("message_type", string(msg.Type)))
		return nil, nil
	}
}

// SendRaw forwards a pre-encoded stream-json line to the CLI untouched.
func (s *claudeSession) SendRaw(line string) error {
	if s.isClosed() {
		return errs.ErrSessionClosed
	}
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}
	s.enqueue([]byte(trimmed))
	return nil
}

func (s *claudeSession) Messages() <-chan *unified.Message {
	return s.feed.Messages()
}

func (s *claudeSession) enqueue(line []byte) {
	s.outbound.Push(line)
}

func (s *claudeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *claudeSession) setUpstream(id string) {
	s.mu.Lock()
	s.upstream = id
	s.mu.Unlock()
}

func (s *claudeSession) currentUpstream() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upstream
}

// Close tears down the socket, the listener and the CLI process, then ends
// the message stream. Idempotent.
func (s *claudeSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		conn := s.conn
		s.conn = nil
		if s.attachTimer != nil {
			s.attachTimer.Stop()
		}
		s.mu.Unlock()

		close(s.done)
		s.outbound.Close()
		if conn != nil {
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = conn.Close()
		}
		if s.server != nil {
			_ = s.server.Close()
		}
		s.feed.shutdown()

		ctx, cancel := context.WithTimeout(context.Background(), constants.KillGracePeriod+2*time.Second)
		defer cancel()
		if err := s.sup.Stop(ctx, s.id); err != nil {
			s.log.Debug("cli stop after close", zap.Error(err))
		}
		s.log.Info("claude session closed")
	})
	return nil
}

// claudeUserContent renders unified content for the user frame. A single
// text block travels as a plain string, the CLI's simplest accepted form.
func claudeUserContent(msg *unified.Message) any {
	if len(msg.Content) == 1 && msg.Content[0].Type == unified.BlockText {
		return msg.Content[0].Text
	}
	blocks := make([]map[string]any, 0, len(msg.Content))
	for _, b := range msg.Content {
		switch b.Type {
		case unified.BlockText:
			blocks = append(blocks, map[string]any{"type": "text", "text": b.Text})
		case unified.BlockImage:
			if b.Image == nil {
				continue
			}
			blocks = append(blocks, map[string]any{
				"type": "image",
				"source": map[string]any{
					"type":       "base64",
					"media_type": b.Image.Source.MediaType,
					"data":       b.Image.Source.Data,
				},
			})
		}
	}
	if len(blocks) == 0 {
		return msg.Text()
	}
	return blocks
}

func permissionResultFromMeta(msg *unified.Message) (*claudewire.PermissionResult, error) {
	behavior := msg.MetaString("behavior")
	if behavior != claudewire.BehaviorAllow && behavior != claudewire.BehaviorDeny {
		return nil, fmt.Errorf("permission response with behavior %q", behavior)
	}
	result := &claudewire.PermissionResult{Behavior: behavior}
	if input := msg.MetaMap("updated_input"); input != nil {
		result.UpdatedInput = input
	}
	if perms := permissionList(msg.Metadata["updated_permissions"]); len(perms) > 0 {
		result.UpdatedPermissions = perms
	}
	if message := msg.MetaString("message"); message != "" {
		result.Message = message
	}
	return result, nil
}

// permissionList coerces updated_permissions metadata, which arrives as
// []map[string]any from Go callers or []any from decoded JSON.
func permissionList(v any) []map[string]any {
	switch list := v.(type) {
	case []map[string]any:
		return list
	case []any:
		out := make([]map[string]any, 0, len(list))
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/beamcode/beamcode/internal/common/constants"
	"github.com/beamcode/beamcode/internal/common/errs"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/common/portutil"
	"github.com/beamcode/beamcode/internal/process"
	"github.com/beamcode/beamcode/internal/tracing"
	"github.com/beamcode/beamcode/pkg/codex"
	"github.com/beamcode/beamcode/pkg/jsonrpc"
	"github.com/beamcode/beamcode/pkg/unified"
)

// wsTransport adapts a WebSocket connection to the jsonrpc transport:
// one JSON message per WebSocket frame.
type wsTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) WriteMessage(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, p)
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// CodexAdapter drives the Codex app-server: the CLI is spawned listening
// on a loopback WebSocket, then spoken to over thread/turn JSON-RPC.
type CodexAdapter struct {
	supervisor *process.Supervisor
	launch     LaunchSpec
	deps       Deps
	log        *logger.Logger
}

func newCodexAdapter(deps Deps) *CodexAdapter {
	return &CodexAdapter{
		supervisor: deps.Supervisor,
		launch:     deps.launchFor("codex", LaunchSpec{Command: "codex", Args: []string{"app-server"}}),
		deps:       deps,
		log:        deps.Log.WithFields(zap.String("adapter", "codex")),
	}
}

func (a *CodexAdapter) Name() string { return "codex" }

func (a *CodexAdapter) Capabilities() Capabilities {
	return Capabilities{
		Streaming:    true,
		Permissions:  true,
		Availability: AvailabilityLocal,
	}
}

func (a *CodexAdapter) Connect(ctx context.Context, opts ConnectOptions) (BackendSession, error) {
	port, err := portutil.AllocatePort()
	if err != nil {
		return nil, errs.BackendConnect(err)
	}
	wsURL := fmt.Sprintf("ws://127.0.0.1:%d", port)

	resume := opts.Resume && opts.ResumeSessionID != ""
	proc, err := a.supervisor.Spawn(ctx, process.SpawnSpec{
		Key:     opts.SessionID,
		Command: a.launch.Command,
		Args:    append(append([]string(nil), a.launch.Args...), "--listen", wsURL),
		Dir:     a.deps.workDir(opts),
		Env:     mergeEnv(a.launch.Env, opts.Env),
		Resume:  resume,
	})
	if err != nil {
		return nil, err
	}

	log := a.log.WithFields(zap.String("session_id", opts.SessionID))
	ws, err := dialWithRetry(ctx, wsURL, proc, a.deps.readinessTimeout())
	if err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), constants.KillGracePeriod)
		defer cancel()
		_ = a.supervisor.Stop(stopCtx, opts.SessionID)
		return nil, errs.BackendConnect(err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &codexSession{
		id:        opts.SessionID,
		sup:       a.supervisor,
		proc:      proc,
		feed:      newFeed(log),
		cancel:    cancel,
		model:     opts.Model,
		approvals: make(map[string]codexApproval),
		done:      make(chan struct{}),
		log:       log,
	}
	s.conn = jsonrpc.NewConn(newWSTransport(ws), log)
	s.conn.SetNotificationHandler(s.handleNotification)
	s.conn.SetRequestHandler(s.handleRequest)
	s.conn.Start(runCtx)

	if err := s.handshake(ctx, opts, a.deps); err != nil {
		_ = s.Close()
		return nil, errs.BackendConnect(err)
	}

	go s.watchExit()
	log.Info("codex app-server connected", zap.Int("port", port), zap.Bool("resume", resume))
	return s, nil
}

// dialWithRetry attempts the WebSocket dial until the server starts
// listening, the process dies, or the window closes.
func dialWithRetry(ctx context.Context, url string, proc *process.Process, timeout time.Duration) (*websocket.Conn, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err == nil {
			return conn, nil
		}
		if resp != nil {
			_ = resp.Body.Close()
		}
		lastErr = err

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("codex did not listen within %s: %w", timeout, lastErr)
		}
		select {
		case <-proc.Exited():
			return nil, fmt.Errorf("codex exited before listening: %s", strings.Join(proc.StderrTail(), "\n"))
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// codexSession is one thread against a Codex app-server.
type codexSession struct {
	id     string
	log    *logger.Logger
	sup    *process.Supervisor
	proc   *process.Process
	conn   *jsonrpc.Conn
	feed   *feed
	cancel context.CancelFunc

	mu            sync.Mutex
	upstream      string
	turnID        string
	closed        bool
	model         string
	turns         int
	usage         *codex.TokenUsage
	contextWindow int64
	approvals     map[string]codexApproval

	closeOnce sync.Once
	done      chan struct{}
}

// codexApproval is an unanswered approval request: the JSON-RPC id to
// echo and whether it was a command or a file change.
type codexApproval struct {
	rpcID      any
	fileChange bool
}

func (s *codexSession) SessionID() string { return s.id }

func (s *codexSession) handshake(ctx context.Context, opts ConnectOptions, deps Deps) error {
	hctx, cancel := context.WithTimeout(ctx, deps.readinessTimeout())
	defer cancel()

	resp, err := s.conn.Call(hctx, codex.MethodInitialize, codex.InitializeParams{
		ClientInfo: &codex.ClientInfo{Name: "beamcode", Version: "1.0.0"},
	})
	if err != nil {
		return fmt.Errorf("codex initialize: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("codex initialize: %w", resp.Error)
	}
	if err := s.conn.Notify(codex.MethodInitialized, struct{}{}); err != nil {
		return fmt.Errorf("codex initialized: %w", err)
	}

	cwd := deps.workDir(opts)
	if opts.Resume && opts.ResumeSessionID != "" {
		resp, err = s.conn.Call(hctx, codex.MethodThreadResume, codex.ThreadResumeParams{
			ThreadID:       opts.ResumeSessionID,
			Cwd:            cwd,
			ApprovalPolicy: "on-request",
		})
		if err != nil {
			return fmt.Errorf("codex thread/resume: %w", err)
		}
		var result codex.ThreadResumeResult
		if err := resp.UnmarshalResult(&result); err != nil {
			return fmt.Errorf("codex thread/resume: %w", err)
		}
		if result.Thread != nil && result.Thread.ID != "" {
			s.setUpstream(result.Thread.ID)
		} else {
			s.setUpstream(opts.ResumeSessionID)
		}
	} else {
		resp, err = s.conn.Call(hctx, codex.MethodThreadStart, codex.ThreadStartParams{
			Model:          opts.Model,
			Cwd:            cwd,
			ApprovalPolicy: "on-request",
			Sandbox:        "workspace-write",
		})
		if err != nil {
			return fmt.Errorf("codex thread/start: %w", err)
		}
		var result codex.ThreadStartResult
		if err := resp.UnmarshalResult(&result); err != nil {
			return fmt.Errorf("codex thread/start: %w", err)
		}
		if result.Thread == nil || result.Thread.ID == "" {
			return fmt.Errorf("codex thread/start returned no thread id")
		}
		s.setUpstream(result.Thread.ID)
	}

	init := unified.New(unified.TypeSessionInit, unified.RoleSystem)
	init.SetMeta("session_id", s.currentUpstream())
	if opts.Model != "" {
		init.SetMeta("model", opts.Model)
	}
	if cwd != "" {
		init.SetMeta("cwd", cwd)
	}
	s.feed.emit(init)
	return nil
}

func (s *codexSession) watchExit() {
	select {
	case <-s.proc.Exited():
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			s.log.Warn("codex exited",
				zap.Int("exit_code", s.proc.ExitCode()),
				zap.Strings("stderr_tail", s.proc.StderrTail()))
		}
		_ = s.Close()
	case <-s.done:
	}
}

func (s *codexSession) Send(msg *unified.Message) error {
	if s.isClosed() {
		return errs.ErrSessionClosed
	}
	_, span := tracing.TraceSend(context.Background(), "codex", s.id, string(msg.Type))
	defer span.End()

	switch msg.Type {
	case unified.TypeUserMessage:
		input := codexInput(msg)
		if len(input) == 0 {
			return nil
		}
		go s.startTurn(input)

	case unified.TypeInterrupt:
		go s.interruptTurn()

	case unified.TypePermissionResponse:
		s.resolveApproval(msg)

	case unified.TypeControlRequest:
		s.handleControlRequest(msg)

	default:
		s.log.Warn("message type not expressible over the codex protocol, ignored",
			zap.String("message_type", string(msg.Type)))
	}
	return nil
}

// SendRaw is unsupported: raw frames would corrupt JSON-RPC id tracking.
func (s *codexSession) SendRaw(string) error {
	if s.isClosed() {
		return errs.ErrSessionClosed
	}
	return errs.ErrCapabilityUnsupported
}

func (s *codexSession) startTurn(input []codex.UserInput) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	resp, err := s.conn.Call(ctx, codex.MethodTurnStart, codex.TurnStartParams{
		ThreadID: s.currentUpstream(),
		Input:    input,
	})
	if err != nil {
		s.feed.fail(fmt.Sprintf("cannot start codex turn: %v", err))
		return
	}
	if resp.Error != nil {
		s.feed.fail(fmt.Sprintf("codex rejected the turn: %s", resp.Error.Message))
		return
	}
	var result codex.TurnStartResult
	if err := resp.UnmarshalResult(&result); err == nil && result.Turn != nil {
		s.mu.Lock()
		s.turnID = result.Turn.ID
		s.mu.Unlock()
	}
}

func (s *codexSession) interruptTurn() {
	s.mu.Lock()
	turnID := s.turnID
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := s.conn.Call(ctx, codex.MethodTurnInterrupt, codex.TurnInterruptParams{
		ThreadID: s.currentUpstream(),
		TurnID:   turnID,
	})
	if err != nil {
		s.feed.fail(fmt.Sprintf("cannot interrupt codex: %v", err))
	}
}

// handleControlRequest answers the capability handshake with the model
// list the server reports.
func (s *codexSession) handleControlRequest(msg *unified.Message) {
	requestID := msg.MetaString("request_id")
	switch sub := msg.MetaString("subtype"); sub {
	case controlInitialize:
		go s.answerInitialize(requestID)
	case controlSetModel:
		m := unified.New(unified.TypeControlResponse, unified.RoleSystem)
		m.SetMeta("subtype", "error")
		m.SetMeta("request_id", requestID)
		m.SetMeta("error", "codex selects the model at thread start")
		s.feed.emit(m)
	default:
		s.log.Warn("control request not expressible over the codex protocol, ignored",
			zap.String("subtype", sub))
	}
}

func (s *codexSession) answerInitialize(requestID string) {
	response := map[string]any{"commands": []any{}}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if resp, err := s.conn.Call(ctx, codex.MethodModelList, struct{}{}); err == nil && resp.Error == nil {
		var models any
		if json.Unmarshal(resp.Result, &models) == nil && models != nil {
			response["models"] = models
		}
	}

	m := unified.New(unified.TypeControlResponse, unified.RoleSystem)
	m.SetMeta("subtype", "success")
	m.SetMeta("request_id", requestID)
	m.SetMeta("response", response)
	s.feed.emit(m)
}

func (s *codexSession) handleNotification(method string, params json.RawMessage) {
	msgs := s.translateNotification(method, params)
	tracing.TraceInbound(context.Background(), "codex", s.id, method, params, msgs)
	s.feed.emitAll(msgs)
}

func (s *codexSession) translateNotification(method string, params json.RawMessage) []*unified.Message {
	switch method {
	case codex.NotifyThreadStarted:
		var p codex.ThreadStartedParams
		if err := json.Unmarshal(params, &p); err == nil && p.ThreadID != "" {
			s.setUpstream(p.ThreadID)
		}
		return nil

	case codex.NotifyTurnStarted:
		var p codex.TurnStartedParams
		if err := json.Unmarshal(params, &p); err != nil {
			return s.malformed(method, err)
		}
		s.mu.Lock()
		s.turnID = p.TurnID
		s.mu.Unlock()
		return one(unified.NewStatusChange("running"))

	case codex.NotifyTurnCompleted:
		var p codex.TurnCompletedParams
		if err := json.Unmarshal(params, &p); err != nil {
			return s.malformed(method, err)
		}
		if !p.Success && p.Error != "" {
			return one(unified.NewErrorResult(p.Error))
		}
		return one(s.turnResult())

	case codex.NotifyItemAgentMessageDelta:
		var p codex.AgentMessageDeltaParams
		if err := json.Unmarshal(params, &p); err != nil {
			return s.malformed(method, err)
		}
		if p.Delta == "" {
			return nil
		}
		m := unified.New(unified.TypeStreamEvent, unified.RoleAssistant)
		m.Content = []unified.ContentBlock{unified.TextBlock(p.Delta)}
		m.SetMeta("kind", "agent_message_delta")
		return one(m)

	case codex.NotifyItemReasoningTextDelta, codex.NotifyItemReasoningSummaryDelta:
		var p codex.ReasoningDeltaParams
		if err := json.Unmarshal(params, &p); err != nil {
			return s.malformed(method, err)
		}
		if p.Delta == "" {
			return nil
		}
		m := unified.New(unified.TypeStreamEvent, unified.RoleAssistant)
		m.Content = []unified.ContentBlock{unified.ThinkingBlock(p.Delta)}
		m.SetMeta("kind", "reasoning_delta")
		return one(m)

	case codex.NotifyItemCmdExecOutputDelta:
		var p codex.CommandOutputDeltaParams
		if err := json.Unmarshal(params, &p); err != nil {
			return s.malformed(method, err)
		}
		m := unified.New(unified.TypeToolProgress, unified.RoleSystem)
		m.SetMeta("tool_use_id", p.ItemID)
		m.SetMeta("status", "running")
		m.SetMeta("output", p.Delta)
		return one(m)

	case codex.NotifyItemStarted:
		var p codex.ItemStartedParams
		if err := json.Unmarshal(params, &p); err != nil {
			return s.malformed(method, err)
		}
		return s.itemStarted(p.Item)

	case codex.NotifyItemCompleted:
		var p codex.ItemCompletedParams
		if err := json.Unmarshal(params, &p); err != nil {
			return s.malformed(method, err)
		}
		return s.itemCompleted(p.Item)

	case codex.NotifyTurnPlanUpdated:
		var p codex.TurnPlanUpdatedParams
		if err := json.Unmarshal(params, &p); err != nil {
			return s.malformed(method, err)
		}
		entries := make([]any, 0, len(p.Plan))
		for _, e := range p.Plan {
			entries = append(entries, map[string]any{"content": e.Description, "status": e.Status})
		}
		m := unified.New(unified.TypeStreamEvent, unified.RoleAssistant)
		m.SetMeta("kind", "plan")
		m.SetMeta("plan", entries)
		return one(m)

	case codex.NotifyTurnDiffUpdated:
		var p codex.TurnDiffUpdatedParams
		if err := json.Unmarshal(params, &p); err != nil {
			return s.malformed(method, err)
		}
		m := unified.New(unified.TypeStreamEvent, unified.RoleAssistant)
		m.SetMeta("kind", "turn_diff")
		m.SetMeta("diff", p.Diff)
		return one(m)

	case codex.NotifyTokenCount:
		var p codex.TokenCountParams
		if err := json.Unmarshal(params, &p); err != nil || p.Info == nil {
			return nil
		}
		s.mu.Lock()
		if p.Info.TotalTokenUsage != nil {
			s.usage = p.Info.TotalTokenUsage
		}
		if p.Info.ModelContextWindow != nil {
			s.contextWindow = *p.Info.ModelContextWindow
		}
		s.mu.Unlock()
		return nil

	case codex.NotifyContextCompacted:
		m := unified.New(unified.TypeStreamEvent, unified.RoleSystem)
		m.SetMeta("kind", "context_compacted")
		return one(m)

	case codex.NotifyError:
		var p codex.ErrorParams
		if err := json.Unmarshal(params, &p); err != nil {
			return s.malformed(method, err)
		}
		return one(unified.NewErrorResult(p.Message))

	default:
		s.log.Debug("unhandled codex notification", zap.String("method", method))
		return nil
	}
}

func (s *codexSession) malformed(method string, err error) []*unified.Message {
	s.log.Warn("malformed codex notification", zap.String("method", method), zap.Error(err))
	return one(unified.NewErrorResult(fmt.Sprintf("malformed %s from codex: %v", method, err)))
}

func (s *codexSession) itemStarted(item *codex.Item) []*unified.Message {
	if item == nil {
		return nil
	}
	switch item.Type {
	case codex.ItemCmdExecution:
		m := unified.New(unified.TypeToolProgress, unified.RoleSystem)
		m.SetMeta("tool_use_id", item.ID)
		m.SetMeta("tool_name", item.Type)
		m.SetMeta("title", item.Command)
		m.SetMeta("status", "running")
		m.SetMeta("input", map[string]any{"command": item.Command, "cwd": item.Cwd})
		return one(m)

	case codex.ItemFileChange:
		m := unified.New(unified.TypeToolProgress, unified.RoleSystem)
		m.SetMeta("tool_use_id", item.ID)
		m.SetMeta("tool_name", item.Type)
		m.SetMeta("title", fileChangeTitle(item.Changes))
		m.SetMeta("status", "running")
		return one(m)

	case codex.ItemMcpToolCall:
		m := unified.New(unified.TypeToolProgress, unified.RoleSystem)
		m.SetMeta("tool_use_id", item.ID)
		m.SetMeta("tool_name", item.Tool)
		m.SetMeta("title", item.Server+"/"+item.Tool)
		m.SetMeta("status", "running")
		if len(item.Arguments) > 0 {
			var args map[string]any
			if json.Unmarshal(item.Arguments, &args) == nil {
				m.SetMeta("input", args)
			}
		}
		return one(m)

	default:
		return nil
	}
}

func (s *codexSession) itemCompleted(item *codex.Item) []*unified.Message {
	if item == nil {
		return nil
	}
	switch item.Type {
	case codex.ItemAgentMessage:
		text := item.Content.Text()
		if text == "" {
			return nil
		}
		return one(unified.NewAssistantText(text))

	case codex.ItemCmdExecution, codex.ItemFileChange, codex.ItemMcpToolCall:
		status := "complete"
		if item.Status == "failed" {
			status = "error"
		}
		m := unified.New(unified.TypeToolProgress, unified.RoleSystem)
		m.SetMeta("tool_use_id", item.ID)
		m.SetMeta("status", status)
		if item.Type == codex.ItemCmdExecution {
			if item.AggregatedOutput != "" {
				m.SetMeta("output", item.AggregatedOutput)
			}
			if item.ExitCode != nil {
				m.SetMeta("exit_code", *item.ExitCode)
			}
		}
		if item.Type == codex.ItemFileChange {
			if diff := joinedDiffs(item.Changes); diff != "" {
				m.SetMeta("diff", diff)
			}
		}
		return one(m)

	default:
		return nil
	}
}

func fileChangeTitle(changes []codex.FileChange) string {
	if len(changes) == 0 {
		return ""
	}
	title := changes[0].Path
	if len(changes) > 1 {
		title += fmt.Sprintf(" (+%d more)", len(changes)-1)
	}
	return title
}

func joinedDiffs(changes []codex.FileChange) string {
	diffs := make([]string, 0, len(changes))
	for _, c := range changes {
		if c.Diff != "" {
			diffs = append(diffs, c.Diff)
		}
	}
	return strings.Join(diffs, "\n")
}

// turnResult closes the turn with the usage the token_count notification
// reported.
func (s *codexSession) turnResult() *unified.Message {
	s.mu.Lock()
	s.turns++
	s.turnID = ""
	turns := s.turns
	usage := s.usage
	window := s.contextWindow
	model := s.model
	s.mu.Unlock()

	m := unified.New(unified.TypeResult, unified.RoleSystem)
	m.SetMeta("stop_reason", "end_turn")
	m.SetMeta("num_turns", turns)
	if usage != nil {
		if model == "" {
			model = "codex"
		}
		entry := map[string]any{
			"inputTokens":  usage.InputTokens,
			"outputTokens": usage.OutputTokens,
		}
		if window > 0 {
			entry["contextWindow"] = window
		}
		m.SetMeta("modelUsage", map[string]any{model: entry})
	}
	return m
}

// handleRequest serves approval requests; everything else is refused.
func (s *codexSession) handleRequest(id any, method string, params json.RawMessage) {
	switch method {
	case codex.NotifyItemCmdExecRequestApproval:
		var p codex.CommandApprovalParams
		if err := json.Unmarshal(params, &p); err != nil {
			s.respondError(id, jsonrpc.InvalidParams, "malformed approval request")
			return
		}
		s.raiseApproval(id, false, p.ItemID, "commandExecution", p.Command, map[string]any{
			"command": p.Command, "cwd": p.Cwd, "reasoning": p.Reasoning,
		}, p.Options)

	case codex.NotifyItemFileChangeRequestApproval:
		var p codex.FileChangeApprovalParams
		if err := json.Unmarshal(params, &p); err != nil {
			s.respondError(id, jsonrpc.InvalidParams, "malformed approval request")
			return
		}
		s.raiseApproval(id, true, p.ItemID, "fileChange", p.Path, map[string]any{
			"path": p.Path, "diff": p.Diff, "reasoning": p.Reasoning,
		}, p.Options)

	default:
		s.log.Warn("unrecognized codex request refused", zap.String("method", method))
		s.respondError(id, jsonrpc.MethodNotFound, "Method not supported")
	}
}

func (s *codexSession) raiseApproval(id any, fileChange bool, itemID, toolName, title string, input map[string]any, options []string) {
	key := fmt.Sprintf("perm_%v", id)
	s.mu.Lock()
	s.approvals[key] = codexApproval{rpcID: id, fileChange: fileChange}
	s.mu.Unlock()

	m := unified.New(unified.TypePermissionRequest, unified.RoleSystem)
	m.SetMeta("request_id", key)
	m.SetMeta("tool_name", toolName)
	m.SetMeta("tool_use_id", itemID)
	if title != "" {
		m.SetMeta("title", title)
	}
	m.SetMeta("input", input)
	if len(options) > 0 {
		list := make([]any, 0, len(options))
		for _, opt := range options {
			kind := "allow_once"
			switch opt {
			case "approveAlways":
				kind = "allow_always"
			case "reject":
				kind = "reject_once"
			}
			list = append(list, map[string]any{"option_id": opt, "name": opt, "kind": kind})
		}
		m.SetMeta("options", list)
	}
	s.feed.emit(m)
}

func (s *codexSession) resolveApproval(msg *unified.Message) {
	key := msg.MetaString("request_id")
	s.mu.Lock()
	pending, ok := s.approvals[key]
	delete(s.approvals, key)
	s.mu.Unlock()
	if !ok {
		s.log.Warn("permission response for unknown request", zap.String("request_id", key))
		return
	}

	decision := codex.DecisionDecline
	if msg.MetaString("behavior") == "allow" {
		decision = codex.DecisionAccept
	}
	var result any
	if pending.fileChange {
		result = codex.FileChangeApprovalResponse{Decision: decision}
	} else {
		result = codex.CommandApprovalResponse{Decision: decision}
	}
	if err := s.conn.SendResponse(pending.rpcID, result, nil); err != nil {
		s.feed.fail(fmt.Sprintf("cannot answer codex approval: %v", err))
	}
}

func (s *codexSession) respondError(id any, code int, message string) {
	if err := s.conn.SendResponse(id, nil, jsonrpc.NewError(code, message)); err != nil {
		s.log.Warn("failed to send error response", zap.Error(err))
	}
}

func (s *codexSession) Messages() <-chan *unified.Message {
	return s.feed.Messages()
}

func (s *codexSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		close(s.done)
		s.cancel()
		_ = s.conn.Close()
		s.feed.shutdown()

		ctx, cancel := context.WithTimeout(context.Background(), constants.KillGracePeriod+2*time.Second)
		defer cancel()
		if err := s.sup.Stop(ctx, s.id); err != nil {
			s.log.Debug("codex stop after close", zap.Error(err))
		}
		s.log.Info("codex session closed")
	})
	return nil
}

func (s *codexSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *codexSession) setUpstream(id string) {
	s.mu.Lock()
	s.upstream = id
	s.mu.Unlock()
}

func (s *codexSession) currentUpstream() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upstream
}

func codexInput(msg *unified.Message) []codex.UserInput {
	input := make([]codex.UserInput, 0, len(msg.Content))
	for _, b := range msg.Content {
		switch b.Type {
		case unified.BlockText:
			if b.Text != "" {
				input = append(input, codex.UserInput{Type: "text", Text: b.Text})
			}
		case unified.BlockImage:
			if b.Image != nil {
				input = append(input, codex.UserInput{
					Type: "image",
					URL:  "data:" + b.Image.Source.MediaType + ";base64," + b.Image.Source.Data,
				})
			}
		}
	}
	if len(input) == 0 && msg.Text() != "" {
		input = append(input, codex.UserInput{Type: "text", Text: msg.Text()})
	}
	return input
}

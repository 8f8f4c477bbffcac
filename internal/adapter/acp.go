package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/beamcode/beamcode/internal/common/constants"
	"github.com/beamcode/beamcode/internal/common/errs"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/process"
	"github.com/beamcode/beamcode/internal/tracing"
	"github.com/beamcode/beamcode/pkg/acp"
	"github.com/beamcode/beamcode/pkg/jsonrpc"
	"github.com/beamcode/beamcode/pkg/unified"
)

// Control request subtypes shared by the non-claude adapters.
const (
	controlInitialize        = "initialize"
	controlSetModel          = "set_model"
	controlSetPermissionMode = "set_permission_mode"
)

// ACPAdapter drives agents speaking the Agent Client Protocol: JSON-RPC
// 2.0 over the stdio of a spawned subprocess. The gemini adapter is the
// same machinery with a different launch spec.
type ACPAdapter struct {
	name       string
	supervisor *process.Supervisor
	launch     LaunchSpec
	deps       Deps
	log        *logger.Logger
}

func newACPAdapter(deps Deps, name string, def LaunchSpec) *ACPAdapter {
	return &ACPAdapter{
		name:       name,
		supervisor: deps.Supervisor,
		launch:     deps.launchFor(name, def),
		deps:       deps,
		log:        deps.Log.WithFields(zap.String("adapter", name)),
	}
}

func newGeminiAdapter(deps Deps) *ACPAdapter {
	return newACPAdapter(deps, "gemini", LaunchSpec{
		Command: "gemini",
		Args:    []string{"--experimental-acp"},
	})
}

func (a *ACPAdapter) Name() string { return a.name }

func (a *ACPAdapter) Capabilities() Capabilities {
	return Capabilities{
		Streaming:     true,
		Permissions:   true,
		SlashCommands: true,
		Availability:  AvailabilityLocal,
	}
}

// Connect spawns the agent, runs the initialize handshake and opens a new
// or resumed agent session.
func (a *ACPAdapter) Connect(ctx context.Context, opts ConnectOptions) (BackendSession, error) {
	resume := opts.Resume && opts.ResumeSessionID != ""
	proc, err := a.supervisor.Spawn(ctx, process.SpawnSpec{
		Key:       opts.SessionID,
		Command:   a.launch.Command,
		Args:      append([]string(nil), a.launch.Args...),
		Dir:       a.deps.workDir(opts),
		Env:       mergeEnv(a.launch.Env, opts.Env),
		WireStdio: true,
		Resume:    resume,
	})
	if err != nil {
		return nil, err
	}

	log := a.log.WithFields(zap.String("session_id", opts.SessionID))
	runCtx, cancel := context.WithCancel(context.Background())
	s := &acpSession{
		id:          opts.SessionID,
		adapter:     a.name,
		sup:         a.supervisor,
		proc:        proc,
		feed:        newFeed(log),
		cancel:      cancel,
		permissions: make(map[string]acpPendingPermission),
		done:        make(chan struct{}),
		log:         log,
	}
	s.conn = jsonrpc.NewConn(jsonrpc.NewStdio(proc.Stdin(), proc.Stdout()), log)
	s.conn.SetNotificationHandler(s.handleNotification)
	s.conn.SetRequestHandler(s.handleRequest)
	s.conn.Start(runCtx)

	if err := s.handshake(ctx, opts, a.deps); err != nil {
		_ = s.Close()
		return nil, errs.BackendConnect(err)
	}

	go s.watchExit()
	log.Info("acp agent connected",
		zap.String("command", a.launch.Command), zap.Bool("resume", resume))
	return s, nil
}

// acpSession is one agent conversation over stdio JSON-RPC.
type acpSession struct {
	id      string
	adapter string
	log     *logger.Logger
	sup     *process.Supervisor
	proc    *process.Process
	conn    *jsonrpc.Conn
	feed    *feed
	cancel  context.CancelFunc

	agentInfo *acp.Implementation
	agentCaps acp.AgentCapabilities

	mu          sync.Mutex
	upstream    string
	closed      bool
	turnText    string
	turns       int
	commands    []acp.AvailableCommand
	permissions map[string]acpPendingPermission

	closeOnce sync.Once
	done      chan struct{}
}

// acpPendingPermission holds an unanswered session/request_permission: the
// JSON-RPC id the response must echo and the options offered.
type acpPendingPermission struct {
	rpcID   any
	options []acp.PermissionOption
}

func (s *acpSession) SessionID() string { return s.id }

func (s *acpSession) handshake(ctx context.Context, opts ConnectOptions, deps Deps) error {
	hctx, cancel := context.WithTimeout(ctx, deps.readinessTimeout())
	defer cancel()

	resp, err := s.conn.Call(hctx, acp.MethodInitialize, acp.InitializeParams{
		ProtocolVersion: acp.ProtocolVersion,
		ClientInfo:      acp.Implementation{Name: "beamcode", Version: "1.0.0"},
		Capabilities: acp.ClientCapabilities{
			Fs:       acp.FsCapabilities{},
			Terminal: false,
		},
	})
	if err != nil {
		return fmt.Errorf("acp initialize: %w", err)
	}
	var initRes acp.InitializeResult
	if err := resp.UnmarshalResult(&initRes); err != nil {
		return fmt.Errorf("acp initialize: %w", err)
	}
	s.agentInfo = initRes.AgentInfo
	s.agentCaps = initRes.Capabilities

	cwd := deps.workDir(opts)
	servers := acpMcpServers(deps.mcpURL(), opts)

	if opts.Resume && opts.ResumeSessionID != "" {
		if !initRes.Capabilities.LoadSession {
			return fmt.Errorf("agent does not support session resume")
		}
		resp, err = s.conn.Call(hctx, acp.MethodSessionLoad, acp.LoadSessionParams{
			SessionID:  opts.ResumeSessionID,
			Cwd:        cwd,
			McpServers: servers,
		})
		if err != nil {
			return fmt.Errorf("acp session/load: %w", err)
		}
		if resp.Error != nil {
			return fmt.Errorf("acp session/load: %w", resp.Error)
		}
		s.setUpstream(opts.ResumeSessionID)
	} else {
		resp, err = s.conn.Call(hctx, acp.MethodSessionNew, acp.NewSessionParams{
			Cwd:        cwd,
			McpServers: servers,
		})
		if err != nil {
			return fmt.Errorf("acp session/new: %w", err)
		}
		var created acp.NewSessionResult
		if err := resp.UnmarshalResult(&created); err != nil {
			return fmt.Errorf("acp session/new: %w", err)
		}
		s.setUpstream(created.SessionID)
	}

	init := unified.New(unified.TypeSessionInit, unified.RoleSystem)
	init.SetMeta("session_id", s.currentUpstream())
	if cwd != "" {
		init.SetMeta("cwd", cwd)
	}
	if opts.Model != "" {
		init.SetMeta("model", opts.Model)
	}
	if s.agentInfo != nil {
		init.SetMeta("agent_name", s.agentInfo.Name)
		init.SetMeta("agent_version", s.agentInfo.Version)
	}
	s.feed.emit(init)
	return nil
}

// acpMcpServers builds the MCP server list for session/new and
// session/load. The broker's own endpoint goes first under the reserved
// name; user-supplied servers follow, and one carrying the reserved name
// is replaced by the broker's.
func acpMcpServers(brokerURL string, opts ConnectOptions) []acp.McpServer {
	if url, ok := opts.Options["mcp_url"].(string); ok && url != "" {
		brokerURL = url
	}
	servers := []acp.McpServer{}
	if brokerURL != "" {
		servers = append(servers, acp.McpServer{Name: "beamcode", Type: "sse", URL: brokerURL})
	}

	raw, _ := opts.Options["mcp_servers"].([]any)
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		if name == "" || (brokerURL != "" && name == "beamcode") {
			continue
		}
		srv := acp.McpServer{Name: name}
		srv.Type, _ = m["type"].(string)
		srv.URL, _ = m["url"].(string)
		srv.Command, _ = m["command"].(string)
		if args, ok := m["args"].([]any); ok {
			for _, a := range args {
				if s, ok := a.(string); ok {
					srv.Args = append(srv.Args, s)
				}
			}
		}
		servers = append(servers, srv)
	}
	return servers
}

func (s *acpSession) watchExit() {
	select {
	case <-s.proc.Exited():
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			s.log.Warn("acp agent exited",
				zap.Int("exit_code", s.proc.ExitCode()),
				zap.Strings("stderr_tail", s.proc.StderrTail()))
		}
		_ = s.Close()
	case <-s.done:
	}
}

// Send maps one unified message onto the agent protocol. Prompts run on
// their own goroutine because a turn can take minutes.
func (s *acpSession) Send(msg *unified.Message) error {
	if s.isClosed() {
		return errs.ErrSessionClosed
	}
	_, span := tracing.TraceSend(context.Background(), s.adapter, s.id, string(msg.Type))
	defer span.End()

	switch msg.Type {
	case unified.TypeUserMessage:
		blocks := acpPromptBlocks(msg)
		if len(blocks) == 0 {
			return nil
		}
		go s.runPrompt(blocks)

	case unified.TypeInterrupt:
		if err := s.conn.Notify(acp.MethodSessionCancel, acp.CancelParams{
			SessionID: s.currentUpstream(),
		}); err != nil {
			s.feed.fail(fmt.Sprintf("cannot interrupt %s agent: %v", s.adapter, err))
		}

	case unified.TypePermissionResponse:
		s.resolvePermission(msg)

	case unified.TypeControlRequest:
		s.handleControlRequest(msg)

	default:
		s.log.Warn("message type not expressible over acp, ignored",
			zap.String("message_type", string(msg.Type)))
	}
	return nil
}

// SendRaw is unsupported: the JSON-RPC stream cannot take uncorrelated
// lines without corrupting id bookkeeping.
func (s *acpSession) SendRaw(string) error {
	if s.isClosed() {
		return errs.ErrSessionClosed
	}
	return errs.ErrCapabilityUnsupported
}

func (s *acpSession) runPrompt(blocks []acp.ContentBlock) {
	s.beginTurn()
	s.feed.emit(unified.NewStatusChange("running"))

	resp, err := s.conn.Call(context.Background(), acp.MethodSessionPrompt, acp.PromptParams{
		SessionID: s.currentUpstream(),
		Prompt:    blocks,
	})
	text, turns := s.endTurn()
	if err != nil {
		s.feed.fail(fmt.Sprintf("prompt failed: %v", err))
		return
	}
	if resp.Error != nil {
		s.feed.fail(fmt.Sprintf("prompt rejected by %s agent: %s", s.adapter, resp.Error.Message))
		return
	}
	var result acp.PromptResult
	_ = resp.UnmarshalResult(&result)

	if text != "" {
		s.feed.emit(unified.NewAssistantText(text))
	}
	m := unified.New(unified.TypeResult, unified.RoleSystem)
	if result.StopReason != "" {
		m.SetMeta("stop_reason", string(result.StopReason))
	}
	m.SetMeta("num_turns", turns)
	s.feed.emit(m)
}

func (s *acpSession) handleNotification(method string, params json.RawMessage) {
	if method != acp.NotificationSessionUpdate {
		s.log.Warn("unrecognized notification dropped", zap.String("method", method))
		return
	}
	var note acp.SessionNotification
	if err := json.Unmarshal(params, &note); err != nil {
		s.log.Warn("malformed session update", zap.Error(err))
		s.feed.fail(fmt.Sprintf("malformed session update from %s agent: %v", s.adapter, err))
		return
	}
	msgs := s.translateUpdate(&note.Update)
	tracing.TraceInbound(context.Background(), s.adapter, s.id, note.Update.Kind, params, msgs)
	s.feed.emitAll(msgs)
}

func (s *acpSession) translateUpdate(u *acp.SessionUpdate) []*unified.Message {
	switch u.Kind {
	case acp.UpdateAgentMessageChunk:
		if u.AgentMessageChunk == nil {
			return nil
		}
		text := u.AgentMessageChunk.Content.Text
		s.appendTurnText(text)
		m := unified.New(unified.TypeStreamEvent, unified.RoleAssistant)
		m.Content = []unified.ContentBlock{unified.TextBlock(text)}
		m.SetMeta("kind", u.Kind)
		return one(m)

	case acp.UpdateAgentThoughtChunk:
		if u.AgentThoughtChunk == nil {
			return nil
		}
		m := unified.New(unified.TypeStreamEvent, unified.RoleAssistant)
		m.Content = []unified.ContentBlock{unified.ThinkingBlock(u.AgentThoughtChunk.Content.Text)}
		m.SetMeta("kind", u.Kind)
		return one(m)

	case acp.UpdateUserMessageChunk:
		if u.UserMessageChunk == nil {
			return nil
		}
		m := unified.New(unified.TypeUserMessage, unified.RoleUser)
		m.Content = []unified.ContentBlock{unified.TextBlock(u.UserMessageChunk.Content.Text)}
		m.SetMeta("kind", u.Kind)
		return one(m)

	case acp.UpdateToolCall:
		if u.ToolCall == nil {
			return nil
		}
		tc := u.ToolCall
		m := unified.New(unified.TypeToolProgress, unified.RoleSystem)
		m.SetMeta("tool_use_id", tc.ToolCallID)
		if tc.Title != "" {
			m.SetMeta("title", tc.Title)
		}
		if tc.Kind != "" {
			m.SetMeta("tool_kind", tc.Kind)
		}
		status := tc.Status
		if status == "" {
			status = "pending"
		}
		m.SetMeta("status", status)
		if len(tc.RawInput) > 0 {
			var input map[string]any
			if err := json.Unmarshal(tc.RawInput, &input); err == nil {
				m.SetMeta("input", input)
			}
		}
		return one(m)

	case acp.UpdateToolCallUpdate:
		if u.ToolCallUpdate == nil {
			return nil
		}
		tu := u.ToolCallUpdate
		m := unified.New(unified.TypeToolProgress, unified.RoleSystem)
		m.SetMeta("tool_use_id", tu.ToolCallID)
		if tu.Status != "" {
			m.SetMeta("status", tu.Status)
		}
		if text := acpToolContentText(tu.Content); text != "" {
			m.SetMeta("output", text)
		}
		return one(m)

	case acp.UpdatePlan:
		if u.Plan == nil {
			return nil
		}
		entries := make([]any, 0, len(u.Plan.Entries))
		for _, e := range u.Plan.Entries {
			entries = append(entries, map[string]any{
				"content": e.Content, "status": e.Status, "priority": e.Priority,
			})
		}
		m := unified.New(unified.TypeStreamEvent, unified.RoleAssistant)
		m.SetMeta("kind", u.Kind)
		m.SetMeta("plan", entries)
		return one(m)

	case acp.UpdateAvailableCommandsUpdate:
		if u.AvailableCommands == nil {
			return nil
		}
		cmds := u.AvailableCommands.AvailableCommands
		s.mu.Lock()
		s.commands = append([]acp.AvailableCommand(nil), cmds...)
		s.mu.Unlock()
		names := make([]string, 0, len(cmds))
		list := make([]any, 0, len(cmds))
		for _, c := range cmds {
			names = append(names, c.Name)
			list = append(list, map[string]any{"name": c.Name, "description": c.Description})
		}
		// Rides the session_init reduction path: state picks up the new
		// command list and the bridge refreshes its registry.
		m := unified.New(unified.TypeSessionInit, unified.RoleSystem)
		m.SetMeta("slash_commands", names)
		m.SetMeta("commands", list)
		return one(m)

	case acp.UpdateCurrentModeUpdate:
		if u.CurrentMode == nil {
			return nil
		}
		m := unified.New(unified.TypeSessionInit, unified.RoleSystem)
		m.SetMeta("permission_mode", u.CurrentMode.CurrentModeID)
		return one(m)

	default:
		s.log.Warn("unrecognized session update dropped", zap.String("kind", u.Kind))
		return nil
	}
}

// handleRequest serves agent-initiated JSON-RPC requests. Everything but
// permission requests is refused with method-not-found so the agent can
// move on instead of waiting forever.
func (s *acpSession) handleRequest(id any, method string, params json.RawMessage) {
	switch {
	case method == acp.MethodRequestPermission:
		s.handlePermissionRequest(id, params)
	case strings.HasPrefix(method, acp.PrefixFs), strings.HasPrefix(method, acp.PrefixTerminal):
		s.respondError(id, jsonrpc.MethodNotFound, "Method not supported")
	default:
		s.log.Warn("unrecognized agent request refused", zap.String("method", method))
		s.respondError(id, jsonrpc.MethodNotFound, "Method not supported")
	}
}

func (s *acpSession) handlePermissionRequest(id any, params json.RawMessage) {
	var req acp.RequestPermissionParams
	if err := json.Unmarshal(params, &req); err != nil {
		s.log.Warn("malformed permission request", zap.Error(err))
		s.respondError(id, jsonrpc.InvalidParams, "malformed permission request")
		return
	}

	key := fmt.Sprintf("perm_%v", id)
	s.mu.Lock()
	s.permissions[key] = acpPendingPermission{rpcID: id, options: req.Options}
	s.mu.Unlock()

	m := unified.New(unified.TypePermissionRequest, unified.RoleSystem)
	m.SetMeta("request_id", key)
	toolName := req.ToolCall.Title
	if toolName == "" {
		toolName = req.ToolCall.Kind
	}
	m.SetMeta("tool_name", toolName)
	if req.ToolCall.ToolCallID != "" {
		m.SetMeta("tool_use_id", req.ToolCall.ToolCallID)
	}
	if len(req.ToolCall.RawInput) > 0 {
		var input map[string]any
		if err := json.Unmarshal(req.ToolCall.RawInput, &input); err == nil {
			m.SetMeta("input", input)
		}
	}
	if len(req.Options) > 0 {
		options := make([]any, 0, len(req.Options))
		for _, o := range req.Options {
			options = append(options, map[string]any{
				"option_id": o.OptionID, "name": o.Name, "kind": o.Kind,
			})
		}
		m.SetMeta("options", options)
	}
	s.feed.emit(m)
}

func (s *acpSession) resolvePermission(msg *unified.Message) {
	key := msg.MetaString("request_id")
	s.mu.Lock()
	pending, ok := s.permissions[key]
	delete(s.permissions, key)
	s.mu.Unlock()
	if !ok {
		s.log.Warn("permission response for unknown request", zap.String("request_id", key))
		return
	}

	allow := msg.MetaString("behavior") == "allow"
	var result acp.RequestPermissionResult
	if optionID := pickPermissionOption(pending.options, allow); optionID != "" {
		result = acp.SelectedOutcome(optionID)
	} else {
		result = acp.CancelledOutcome()
	}
	if err := s.conn.SendResponse(pending.rpcID, result, nil); err != nil {
		s.feed.fail(fmt.Sprintf("cannot answer permission request: %v", err))
	}
}

// pickPermissionOption maps an allow/deny decision onto the agent's
// offered options, preferring the one-shot variants.
func pickPermissionOption(options []acp.PermissionOption, allow bool) string {
	prefix := "reject"
	if allow {
		prefix = "allow"
	}
	var fallback string
	for _, o := range options {
		if !strings.HasPrefix(o.Kind, prefix) {
			continue
		}
		if strings.HasSuffix(o.Kind, "_once") {
			return o.OptionID
		}
		if fallback == "" {
			fallback = o.OptionID
		}
	}
	return fallback
}

// handleControlRequest answers the capability handshake locally: the
// agent's surface was already learned at connect, so no wire round trip
// is needed.
func (s *acpSession) handleControlRequest(msg *unified.Message) {
	switch sub := msg.MetaString("subtype"); sub {
	case controlInitialize:
		s.feed.emit(s.capabilityResponse(msg.MetaString("request_id")))
	default:
		s.log.Warn("control request not expressible over acp, ignored",
			zap.String("subtype", sub))
	}
}

func (s *acpSession) capabilityResponse(requestID string) *unified.Message {
	s.mu.Lock()
	commands := make([]any, 0, len(s.commands))
	for _, c := range s.commands {
		commands = append(commands, map[string]any{"name": c.Name, "description": c.Description})
	}
	s.mu.Unlock()

	response := map[string]any{"commands": commands}
	if s.agentInfo != nil {
		response["agent"] = map[string]any{
			"name": s.agentInfo.Name, "version": s.agentInfo.Version,
		}
	}
	m := unified.New(unified.TypeControlResponse, unified.RoleSystem)
	m.SetMeta("subtype", "success")
	m.SetMeta("request_id", requestID)
	m.SetMeta("response", response)
	return m
}

// ClaimsSlashCommand reports whether the agent advertised the command
// through an available_commands_update.
func (s *acpSession) ClaimsSlashCommand(command string) bool {
	name := strings.TrimPrefix(command, "/")
	if i := strings.IndexByte(name, ' '); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.commands {
		if c.Name == name {
			return true
		}
	}
	return false
}

// ExecuteSlashCommand runs the command as a prompt turn and returns the
// agent's accumulated reply.
func (s *acpSession) ExecuteSlashCommand(ctx context.Context, command string) (string, error) {
	if s.isClosed() {
		return "", errs.ErrSessionClosed
	}
	s.beginTurn()
	resp, err := s.conn.Call(ctx, acp.MethodSessionPrompt, acp.PromptParams{
		SessionID: s.currentUpstream(),
		Prompt:    []acp.ContentBlock{acp.TextBlock(command)},
	})
	text, _ := s.endTurn()
	if err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", resp.Error
	}
	return text, nil
}

func (s *acpSession) respondError(id any, code int, message string) {
	if err := s.conn.SendResponse(id, nil, jsonrpc.NewError(code, message)); err != nil {
		s.log.Warn("failed to send error response", zap.Error(err))
	}
}

func (s *acpSession) Messages() <-chan *unified.Message {
	return s.feed.Messages()
}

// Close cancels the read loop, closes the connection and stops the agent
// process. Idempotent.
func (s *acpSession) Close() error {
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
			s.log.Debug("agent stop after close", zap.Error(err))
		}
		s.log.Info("acp session closed")
	})
	return nil
}

func (s *acpSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *acpSession) setUpstream(id string) {
	s.mu.Lock()
	s.upstream = id
	s.mu.Unlock()
}

func (s *acpSession) currentUpstream() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upstream
}

func (s *acpSession) beginTurn() {
	s.mu.Lock()
	s.turnText = ""
	s.mu.Unlock()
}

func (s *acpSession) appendTurnText(text string) {
	s.mu.Lock()
	s.turnText += text
	s.mu.Unlock()
}

func (s *acpSession) endTurn() (string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text := s.turnText
	s.turnText = ""
	s.turns++
	return text, s.turns
}

func acpPromptBlocks(msg *unified.Message) []acp.ContentBlock {
	blocks := make([]acp.ContentBlock, 0, len(msg.Content))
	for _, b := range msg.Content {
		switch b.Type {
		case unified.BlockText:
			blocks = append(blocks, acp.TextBlock(b.Text))
		case unified.BlockImage:
			if b.Image == nil {
				continue
			}
			blocks = append(blocks, acp.ContentBlock{
				Type:     "image",
				MimeType: b.Image.Source.MediaType,
				Data:     b.Image.Source.Data,
			})
		}
	}
	if len(blocks) == 0 && msg.Text() != "" {
		blocks = append(blocks, acp.TextBlock(msg.Text()))
	}
	return blocks
}

func acpToolContentText(items []acp.ToolContent) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		if item.Content != nil && item.Content.Text != "" {
			parts = append(parts, item.Content.Text)
		}
	}
	return strings.Join(parts, "\n")
}

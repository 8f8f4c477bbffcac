package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/beamcode/beamcode/internal/common/constants"
	"github.com/beamcode/beamcode/internal/common/errs"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/common/portutil"
	"github.com/beamcode/beamcode/internal/process"
	"github.com/beamcode/beamcode/internal/tracing"
	"github.com/beamcode/beamcode/pkg/opencode"
	"github.com/beamcode/beamcode/pkg/unified"
)

const (
	opencodeReadyMarker = "opencode server listening on"
	// Tool surfaces that should prompt; question stays denied so the
	// server never stalls on an interactive ask.
	opencodePermissionEnv = `{"edit":"ask","bash":"ask","webfetch":"ask","question":"deny"}`

	opencodeContextWindow = 200000
)

// OpenCodeAdapter runs an opencode server per session: commands go out
// over REST, output comes back on the /event SSE stream.
type OpenCodeAdapter struct {
	supervisor *process.Supervisor
	launch     LaunchSpec
	deps       Deps
	log        *logger.Logger
}

func newOpenCodeAdapter(deps Deps) *OpenCodeAdapter {
	return &OpenCodeAdapter{
		supervisor: deps.Supervisor,
		launch:     deps.launchFor("opencode", LaunchSpec{Command: "opencode"}),
		deps:       deps,
		log:        deps.Log.WithFields(zap.String("adapter", "opencode")),
	}
}

func (a *OpenCodeAdapter) Name() string { return "opencode" }

func (a *OpenCodeAdapter) Capabilities() Capabilities {
	return Capabilities{
		Streaming:    true,
		Permissions:  true,
		Availability: AvailabilityLocal,
	}
}

func (a *OpenCodeAdapter) Connect(ctx context.Context, opts ConnectOptions) (BackendSession, error) {
	port, err := portutil.AllocatePort()
	if err != nil {
		return nil, errs.BackendConnect(err)
	}
	password := opencode.GenerateServerPassword()

	args := append([]string{"serve", "--port", strconv.Itoa(port), "--hostname", "127.0.0.1"},
		a.launch.Args...)
	env := mergeEnv(a.launch.Env, opts.Env)
	if env == nil {
		env = make(map[string]string, 2)
	}
	env["OPENCODE_SERVER_PASSWORD"] = password
	if _, ok := env["OPENCODE_PERMISSION"]; !ok {
		env["OPENCODE_PERMISSION"] = opencodePermissionEnv
	}

	proc, err := a.supervisor.Spawn(ctx, process.SpawnSpec{
		Key:          opts.SessionID,
		Command:      a.launch.Command,
		Args:         args,
		Dir:          a.deps.workDir(opts),
		Env:          env,
		UsePTY:       true,
		ReadyMatch:   opencodeReadyMarker,
		ReadyTimeout: a.deps.readinessTimeout(),
		Resume:       opts.Resume,
	})
	if err != nil {
		return nil, err
	}

	log := a.log.WithFields(zap.String("session_id", opts.SessionID))
	runCtx, cancel := context.WithCancel(context.Background())
	s := &opencodeSession{
		id:     opts.SessionID,
		sup:    a.supervisor,
		proc:   proc,
		feed:   newFeed(log),
		cancel: cancel,
		roles:  make(map[string]string),
		parts:  make(map[string]int),
		tools:  make(map[string]bool),
		done:   make(chan struct{}),
		log:    log,
	}
	s.client = opencode.NewClient(fmt.Sprintf("http://127.0.0.1:%d", port), a.deps.workDir(opts), password, log)

	if err := s.bootstrap(ctx, runCtx, opts, a.deps); err != nil {
		_ = s.Close()
		return nil, errs.BackendConnect(err)
	}

	go s.controlLoop()
	go s.watchExit()
	log.Info("opencode server connected", zap.Int("port", port))
	return s, nil
}

// opencodeSession is one conversation against a dedicated opencode server.
type opencodeSession struct {
	id     string
	log    *logger.Logger
	sup    *process.Supervisor
	proc   *process.Process
	client *opencode.Client
	feed   *feed
	cancel context.CancelFunc

	mu       sync.Mutex
	upstream string
	closed   bool
	model    *opencode.ModelSpec
	roles    map[string]string
	parts    map[string]int
	tools    map[string]bool
	turns    int
	tokens   opencode.TokensInfo
	cost     float64
	modelID  string

	closeOnce sync.Once
	done      chan struct{}
}

func (s *opencodeSession) SessionID() string { return s.id }

func (s *opencodeSession) bootstrap(ctx, runCtx context.Context, opts ConnectOptions, deps Deps) error {
	bctx, cancel := context.WithTimeout(ctx, deps.readinessTimeout())
	defer cancel()

	if err := s.proc.WaitReady(bctx); err != nil {
		return fmt.Errorf("opencode server not ready: %w", err)
	}
	if err := s.client.WaitForHealth(bctx); err != nil {
		return fmt.Errorf("opencode health: %w", err)
	}

	upstream := opts.ResumeSessionID
	if !opts.Resume || upstream == "" {
		created, err := s.client.CreateSession(bctx)
		if err != nil {
			return fmt.Errorf("opencode create session: %w", err)
		}
		upstream = created
	}
	s.setUpstream(upstream)

	if spec := opencode.ParseModelSpec(opts.Model); spec != nil {
		s.mu.Lock()
		s.model = spec
		s.modelID = spec.ModelID
		s.mu.Unlock()
	}

	s.client.SetEventHandler(s.handleEvent)
	if err := s.client.StartEventStream(runCtx, upstream); err != nil {
		return fmt.Errorf("opencode event stream: %w", err)
	}
	return nil
}

func (s *opencodeSession) watchExit() {
	select {
	case <-s.proc.Exited():
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			s.log.Warn("opencode server exited",
				zap.Int("exit_code", s.proc.ExitCode()),
				zap.Strings("stderr_tail", s.proc.StderrTail()))
		}
		_ = s.Close()
	case <-s.done:
	}
}

// controlLoop turns stream-level conditions into terminal messages: idle
// closes the turn, auth errors surface as auth_status, a dropped stream
// tears the session down.
func (s *opencodeSession) controlLoop() {
	for {
		select {
		case ev, ok := <-s.client.ControlChannel():
			if !ok {
				return
			}
			switch ev.Type {
			case "idle":
				s.feed.emit(s.turnResult())
			case "auth_required":
				m := unified.New(unified.TypeAuthStatus, unified.RoleSystem)
				m.SetMeta("status", "required")
				if ev.Message != "" {
					m.SetMeta("message", ev.Message)
				}
				s.feed.emit(m)
			case "session_error":
				s.feed.fail("opencode session error: " + ev.Message)
			case "disconnected":
				s.mu.Lock()
				closed := s.closed
				s.mu.Unlock()
				if !closed {
					s.log.Warn("opencode event stream dropped")
				}
				_ = s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// turnResult snapshots the usage accumulated since connect into a result.
func (s *opencodeSession) turnResult() *unified.Message {
	s.mu.Lock()
	s.turns++
	turns := s.turns
	tokens := s.tokens
	cost := s.cost
	model := s.modelID
	s.mu.Unlock()

	m := unified.New(unified.TypeResult, unified.RoleSystem)
	m.SetMeta("stop_reason", "end_turn")
	m.SetMeta("num_turns", turns)
	if cost > 0 {
		m.SetMeta("total_cost_usd", cost)
	}
	if model != "" && (tokens.Input > 0 || tokens.Output > 0) {
		m.SetMeta("modelUsage", map[string]any{
			model: map[string]any{
				"inputTokens":   tokens.Input,
				"outputTokens":  tokens.Output,
				"contextWindow": opencodeContextWindow,
			},
		})
	}
	return m
}

func (s *opencodeSession) handleEvent(event *opencode.Event) {
	msgs := s.translateEvent(event)
	tracing.TraceInbound(context.Background(), "opencode", s.id, event.Type, event.Properties, msgs)
	s.feed.emitAll(msgs)
}

func (s *opencodeSession) translateEvent(event *opencode.Event) []*unified.Message {
	switch event.Type {
	case opencode.EventServerConnected:
		m := unified.New(unified.TypeSessionInit, unified.RoleSystem)
		m.SetMeta("session_id", s.currentUpstream())
		s.mu.Lock()
		if s.modelID != "" {
			m.SetMeta("model", s.modelID)
		}
		s.mu.Unlock()
		return one(m)

	case opencode.EventSessionStatus:
		props, err := opencode.ParseSessionStatus(event.Properties)
		if err != nil {
			s.log.Warn("malformed session.status", zap.Error(err))
			return nil
		}
		var status string
		switch props.Status.Type {
		case "busy", "retry":
			status = "running"
		case "idle":
			status = "idle"
		default:
			return nil
		}
		m := unified.NewStatusChange(status)
		if props.Status.Attempt > 0 {
			m.SetMeta("attempt", props.Status.Attempt)
		}
		return one(m)

	case opencode.EventMessageUpdated:
		props, err := opencode.ParseMessageUpdated(event.Properties)
		if err != nil {
			return nil
		}
		s.recordMessageInfo(&props.Info)
		return nil

	case opencode.EventMessagePartUpdate:
		props, err := opencode.ParseMessagePartUpdated(event.Properties)
		if err != nil {
			s.log.Warn("malformed message.part.updated", zap.Error(err))
			return nil
		}
		return s.translatePart(props)

	case opencode.EventPermissionUpdated:
		props, err := opencode.ParsePermission(event.Properties)
		if err != nil {
			s.log.Warn("malformed permission.updated", zap.Error(err))
			return nil
		}
		m := unified.New(unified.TypePermissionRequest, unified.RoleSystem)
		m.SetMeta("request_id", props.ID)
		toolName := props.Type
		if toolName == "" {
			toolName = props.Title
		}
		m.SetMeta("tool_name", toolName)
		if props.Title != "" {
			m.SetMeta("title", props.Title)
		}
		if props.CallID != "" {
			m.SetMeta("tool_use_id", props.CallID)
		}
		if props.Pattern != "" {
			m.SetMeta("pattern", props.Pattern)
		}
		if len(props.Metadata) > 0 {
			m.SetMeta("input", props.Metadata)
		}
		return one(m)

	case opencode.EventSessionIdle, opencode.EventSessionError:
		// Terminal conditions arrive through the control channel.
		return nil

	case opencode.EventSessionCompacted:
		return one(unified.NewStatusChange("idle"))

	default:
		s.log.Debug("unhandled opencode event", zap.String("event_type", event.Type))
		return nil
	}
}

// recordMessageInfo tracks message roles for part filtering and usage for
// the turn result.
func (s *opencodeSession) recordMessageInfo(info *opencode.MessageInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info.ID != "" && info.Role != "" {
		s.roles[info.ID] = info.Role
	}
	if info.ModelID != "" {
		s.modelID = info.ModelID
	}
	if info.Tokens != nil {
		s.tokens = *info.Tokens
	}
	if info.Cost > 0 {
		s.cost = info.Cost
	}
}

func (s *opencodeSession) translatePart(props *opencode.MessagePartUpdatedProperties) []*unified.Message {
	part := props.Part

	// Parts of user messages echo back on the stream; drop them.
	if part.MessageID != "" {
		s.mu.Lock()
		role := s.roles[part.MessageID]
		s.mu.Unlock()
		if role == "user" {
			return nil
		}
	}

	switch part.Type {
	case opencode.PartTypeText, opencode.PartTypeReasoning:
		chunk := s.incrementalText(&part, props.Delta)
		if chunk == "" {
			return nil
		}
		m := unified.New(unified.TypeStreamEvent, unified.RoleAssistant)
		if part.Type == opencode.PartTypeReasoning {
			m.Content = []unified.ContentBlock{unified.ThinkingBlock(chunk)}
		} else {
			m.Content = []unified.ContentBlock{unified.TextBlock(chunk)}
		}
		m.SetMeta("kind", part.Type)
		return one(m)

	case opencode.PartTypeTool:
		if part.State == nil {
			return nil
		}
		return one(s.toolProgress(&part))

	default:
		return nil
	}
}

// incrementalText computes the unseen suffix of a streamed part. The
// cumulative text wins over the delta: deltas can repeat.
func (s *opencodeSession) incrementalText(part *opencode.Part, delta string) string {
	key := part.ID
	if key == "" {
		key = part.MessageID + ":" + part.Type
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := s.parts[key]
	if part.Text != "" {
		if len(part.Text) <= seen {
			return ""
		}
		s.parts[key] = len(part.Text)
		return part.Text[seen:]
	}
	if delta != "" && seen == 0 {
		return delta
	}
	return ""
}

func (s *opencodeSession) toolProgress(part *opencode.Part) *unified.Message {
	state := part.State
	status := state.Status
	if status == opencode.ToolStatusCompleted {
		status = "complete"
	}
	title := state.Title
	if title == "" {
		title = part.Tool
	}

	s.mu.Lock()
	first := !s.tools[part.CallID]
	s.tools[part.CallID] = true
	s.mu.Unlock()

	m := unified.New(unified.TypeToolProgress, unified.RoleSystem)
	m.SetMeta("tool_use_id", part.CallID)
	m.SetMeta("tool_name", part.Tool)
	m.SetMeta("title", title)
	m.SetMeta("status", status)
	m.SetMeta("first_event", first)
	if len(state.Input) > 0 {
		var input map[string]any
		if err := json.Unmarshal(state.Input, &input); err == nil {
			m.SetMeta("input", input)
		}
	}
	if !first && state.Output != "" {
		m.SetMeta("output", state.Output)
	}
	if state.Error != "" {
		m.SetMeta("error", state.Error)
	}
	return m
}

func (s *opencodeSession) Send(msg *unified.Message) error {
	if s.isClosed() {
		return errs.ErrSessionClosed
	}
	_, span := tracing.TraceSend(context.Background(), "opencode", s.id, string(msg.Type))
	defer span.End()

	switch msg.Type {
	case unified.TypeUserMessage:
		text := msg.Text()
		if text == "" {
			return nil
		}
		s.mu.Lock()
		model := s.model
		s.mu.Unlock()
		go func() {
			if err := s.client.SendPrompt(context.Background(), s.currentUpstream(), text, model); err != nil {
				s.feed.fail(fmt.Sprintf("cannot deliver prompt to opencode: %v", err))
			}
		}()

	case unified.TypeInterrupt:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.client.Abort(ctx, s.currentUpstream()); err != nil {
			s.feed.fail(fmt.Sprintf("cannot interrupt opencode: %v", err))
		}

	case unified.TypePermissionResponse:
		reply := opencode.PermissionReplyNever
		if msg.MetaString("behavior") == "allow" {
			reply = opencode.PermissionReplyOnce
		}
		requestID := msg.MetaString("request_id")
		message := msg.MetaString("message")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.client.ReplyPermission(ctx, requestID, reply, message); err != nil {
			s.feed.fail(fmt.Sprintf("cannot answer opencode permission: %v", err))
		}

	case unified.TypeControlRequest:
		s.handleControlRequest(msg)

	default:
		s.log.Warn("message type not expressible over the opencode api, ignored",
			zap.String("message_type", string(msg.Type)))
	}
	return nil
}

func (s *opencodeSession) handleControlRequest(msg *unified.Message) {
	requestID := msg.MetaString("request_id")
	switch sub := msg.MetaString("subtype"); sub {
	case controlInitialize:
		m := unified.New(unified.TypeControlResponse, unified.RoleSystem)
		m.SetMeta("subtype", "success")
		m.SetMeta("request_id", requestID)
		m.SetMeta("response", map[string]any{"commands": []any{}})
		s.feed.emit(m)

	case controlSetModel:
		spec := opencode.ParseModelSpec(msg.MetaString("model"))
		if spec == nil {
			m := unified.New(unified.TypeControlResponse, unified.RoleSystem)
			m.SetMeta("subtype", "error")
			m.SetMeta("request_id", requestID)
			m.SetMeta("error", "model must be provider/model")
			s.feed.emit(m)
			return
		}
		s.mu.Lock()
		s.model = spec
		s.modelID = spec.ModelID
		s.mu.Unlock()
		m := unified.New(unified.TypeControlResponse, unified.RoleSystem)
		m.SetMeta("subtype", "success")
		m.SetMeta("request_id", requestID)
		s.feed.emit(m)

	default:
		s.log.Warn("control request not expressible over the opencode api, ignored",
			zap.String("subtype", sub))
	}
}

// SendRaw is unsupported: there is no line protocol underneath, only REST.
func (s *opencodeSession) SendRaw(string) error {
	if s.isClosed() {
		return errs.ErrSessionClosed
	}
	return errs.ErrCapabilityUnsupported
}

func (s *opencodeSession) Messages() <-chan *unified.Message {
	return s.feed.Messages()
}

func (s *opencodeSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		close(s.done)
		s.cancel()
		s.client.Close()
		s.feed.shutdown()

		ctx, cancel := context.WithTimeout(context.Background(), constants.KillGracePeriod+2*time.Second)
		defer cancel()
		if err := s.sup.Stop(ctx, s.id); err != nil {
			s.log.Debug("opencode stop after close", zap.Error(err))
		}
		s.log.Info("opencode session closed")
	})
	return nil
}

func (s *opencodeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *opencodeSession) setUpstream(id string) {
	s.mu.Lock()
	s.upstream = id
	s.mu.Unlock()
}

func (s *opencodeSession) currentUpstream() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upstream
}

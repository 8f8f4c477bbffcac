package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"go.uber.org/zap"

	"github.com/beamcode/beamcode/internal/common/errs"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/tracing"
	"github.com/beamcode/beamcode/pkg/unified"
)

const (
	agentSDKDefaultModel  = "claude-sonnet-4-5"
	agentSDKMaxTokens     = 8192
	agentSDKContextWindow = 200000
)

// messagesAPI is the slice of the Anthropic SDK the adapter needs.
// *sdk.MessageService satisfies it; tests substitute a stub.
type messagesAPI interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// AgentSDKAdapter talks to the Anthropic Messages API directly, with no
// subprocess. Conversation history is replayed on every turn, so the
// backend is stateless and resume is a no-op.
type AgentSDKAdapter struct {
	deps Deps
	log  *logger.Logger
}

func newAgentSDKAdapter(deps Deps) *AgentSDKAdapter {
	return &AgentSDKAdapter{
		deps: deps,
		log:  deps.Log.WithFields(zap.String("adapter", "agentsdk")),
	}
}

func (a *AgentSDKAdapter) Name() string { return "agentsdk" }

func (a *AgentSDKAdapter) Capabilities() Capabilities {
	return Capabilities{
		Streaming:    true,
		Availability: AvailabilityRemote,
	}
}

func (a *AgentSDKAdapter) Connect(ctx context.Context, opts ConnectOptions) (BackendSession, error) {
	var clientOpts []option.RequestOption
	if key, _ := opts.Options["api_key"].(string); key != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(key))
	} else if key := opts.Env["ANTHROPIC_API_KEY"]; key != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(key))
	}
	client := sdk.NewClient(clientOpts...)

	model := opts.Model
	if model == "" {
		model = agentSDKDefaultModel
	}

	log := a.log.WithFields(zap.String("session_id", opts.SessionID))
	s := &agentSDKSession{
		id:    opts.SessionID,
		api:   &client.Messages,
		model: model,
		feed:  newFeed(log),
		done:  make(chan struct{}),
		log:   log,
	}
	if sys, _ := opts.Options["system_prompt"].(string); sys != "" {
		s.system = []sdk.TextBlockParam{{Text: sys}}
	}

	init := unified.New(unified.TypeSessionInit, unified.RoleSystem)
	init.SetMeta("session_id", opts.SessionID)
	init.SetMeta("model", model)
	if opts.Cwd != "" {
		init.SetMeta("cwd", opts.Cwd)
	}
	s.feed.emit(init)
	log.Info("agent sdk session opened", zap.String("model", model))
	return s, nil
}

// agentSDKSession holds the replayed conversation and at most one
// in-flight streaming turn.
type agentSDKSession struct {
	id     string
	log    *logger.Logger
	api    messagesAPI
	system []sdk.TextBlockParam
	feed   *feed

	mu       sync.Mutex
	model    string
	closed   bool
	history  []sdk.MessageParam
	turns    int
	inflight context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}
}

func (s *agentSDKSession) SessionID() string { return s.id }

func (s *agentSDKSession) Send(msg *unified.Message) error {
	if s.isClosed() {
		return errs.ErrSessionClosed
	}
	_, span := tracing.TraceSend(context.Background(), "agentsdk", s.id, string(msg.Type))
	defer span.End()

	switch msg.Type {
	case unified.TypeUserMessage:
		blocks := agentSDKBlocks(msg)
		if len(blocks) == 0 {
			return nil
		}
		ctx := s.beginTurn(sdk.NewUserMessage(blocks...))
		go s.runTurn(ctx)

	case unified.TypeInterrupt:
		s.mu.Lock()
		cancel := s.inflight
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}

	case unified.TypeControlRequest:
		s.handleControlRequest(msg)

	default:
		s.log.Warn("message type not expressible by the sdk backend, ignored",
			zap.String("message_type", string(msg.Type)))
	}
	return nil
}

// SendRaw is unsupported: there is no wire to write to.
func (s *agentSDKSession) SendRaw(string) error {
	if s.isClosed() {
		return errs.ErrSessionClosed
	}
	return errs.ErrCapabilityUnsupported
}

func (s *agentSDKSession) handleControlRequest(msg *unified.Message) {
	requestID := msg.MetaString("request_id")
	switch sub := msg.MetaString("subtype"); sub {
	case controlInitialize:
		m := unified.New(unified.TypeControlResponse, unified.RoleSystem)
		m.SetMeta("subtype", "success")
		m.SetMeta("request_id", requestID)
		m.SetMeta("response", map[string]any{
			"commands": []any{},
			"models":   []any{s.currentModel()},
		})
		s.feed.emit(m)

	case controlSetModel:
		model := msg.MetaString("model")
		if model == "" {
			return
		}
		s.mu.Lock()
		s.model = model
		s.mu.Unlock()
		m := unified.New(unified.TypeControlResponse, unified.RoleSystem)
		m.SetMeta("subtype", "success")
		m.SetMeta("request_id", requestID)
		s.feed.emit(m)

	default:
		s.log.Warn("control request not expressible by the sdk backend, ignored",
			zap.String("subtype", sub))
	}
}

// beginTurn appends the user message to the history and installs the
// cancel handle for the turn about to start.
func (s *agentSDKSession) beginTurn(user sdk.MessageParam) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.inflight != nil {
		s.inflight()
	}
	s.inflight = cancel
	s.history = append(s.history, user)
	s.mu.Unlock()
	return ctx
}

func (s *agentSDKSession) runTurn(ctx context.Context) {
	s.feed.emit(unified.NewStatusChange("running"))

	s.mu.Lock()
	params := sdk.MessageNewParams{
		MaxTokens: agentSDKMaxTokens,
		Messages:  append([]sdk.MessageParam(nil), s.history...),
		Model:     sdk.Model(s.model),
	}
	model := s.model
	s.mu.Unlock()
	if len(s.system) > 0 {
		params.System = s.system
	}

	stream := s.api.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	var (
		text         strings.Builder
		stopReason   string
		inputTokens  int64
		outputTokens int64
	)
	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text == "" {
					continue
				}
				text.WriteString(delta.Text)
				m := unified.New(unified.TypeStreamEvent, unified.RoleAssistant)
				m.Content = []unified.ContentBlock{unified.TextBlock(delta.Text)}
				m.SetMeta("kind", "text_delta")
				s.feed.emit(m)
			case sdk.ThinkingDelta:
				if delta.Thinking == "" {
					continue
				}
				m := unified.New(unified.TypeStreamEvent, unified.RoleAssistant)
				m.Content = []unified.ContentBlock{unified.ThinkingBlock(delta.Thinking)}
				m.SetMeta("kind", "thinking_delta")
				s.feed.emit(m)
			}
		case sdk.MessageDeltaEvent:
			stopReason = string(ev.Delta.StopReason)
			inputTokens += ev.Usage.InputTokens
			outputTokens += ev.Usage.OutputTokens
		}
	}

	err := stream.Err()
	if err != nil && !errors.Is(err, context.Canceled) {
		s.finishTurn("")
		s.feed.fail("anthropic stream failed: " + err.Error())
		return
	}
	interrupted := err != nil
	turns := s.finishTurn(text.String())

	if reply := text.String(); reply != "" {
		s.feed.emit(unified.NewAssistantText(reply))
	}
	result := unified.New(unified.TypeResult, unified.RoleSystem)
	switch {
	case interrupted:
		result.SetMeta("stop_reason", "interrupted")
	case stopReason != "":
		result.SetMeta("stop_reason", stopReason)
	}
	result.SetMeta("num_turns", turns)
	result.SetMeta("modelUsage", map[string]any{
		model: map[string]any{
			"inputTokens":   inputTokens,
			"outputTokens":  outputTokens,
			"contextWindow": agentSDKContextWindow,
		},
	})
	s.feed.emit(result)
}

// finishTurn records the assistant reply in the replayed history and
// clears the in-flight handle.
func (s *agentSDKSession) finishTurn(reply string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight != nil {
		s.inflight()
		s.inflight = nil
	}
	if reply != "" {
		s.history = append(s.history, sdk.NewAssistantMessage(sdk.NewTextBlock(reply)))
	}
	s.turns++
	return s.turns
}

func (s *agentSDKSession) Messages() <-chan *unified.Message {
	return s.feed.Messages()
}

func (s *agentSDKSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		cancel := s.inflight
		s.inflight = nil
		s.mu.Unlock()

		close(s.done)
		if cancel != nil {
			cancel()
		}
		s.feed.shutdown()
		s.log.Info("agent sdk session closed")
	})
	return nil
}

func (s *agentSDKSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *agentSDKSession) currentModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

func agentSDKBlocks(msg *unified.Message) []sdk.ContentBlockParamUnion {
	blocks := make([]sdk.ContentBlockParamUnion, 0, len(msg.Content))
	for _, b := range msg.Content {
		switch b.Type {
		case unified.BlockText:
			if b.Text != "" {
				blocks = append(blocks, sdk.NewTextBlock(b.Text))
			}
		case unified.BlockImage:
			if b.Image != nil {
				blocks = append(blocks, sdk.NewImageBlockBase64(b.Image.Source.MediaType, b.Image.Source.Data))
			}
		}
	}
	if len(blocks) == 0 && msg.Text() != "" {
		blocks = append(blocks, sdk.NewTextBlock(msg.Text()))
	}
	return blocks
}

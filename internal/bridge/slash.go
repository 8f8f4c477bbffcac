package bridge

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beamcode/beamcode/internal/adapter"
	"github.com/beamcode/beamcode/internal/common/errs"
	"github.com/beamcode/beamcode/internal/events"
	"github.com/beamcode/beamcode/internal/session"
	"github.com/beamcode/beamcode/pkg/wire"
)

// slashContext carries one /command invocation through the handler chain.
type slashContext struct {
	sess      *session.Session
	consumer  *session.Consumer
	command   string // without the leading slash, args included
	requestID string
	startedAt int64
}

// name returns the command word without arguments.
func (ctx *slashContext) name() string {
	name, _, _ := strings.Cut(ctx.command, " ")
	return name
}

// slashHandler is one link of the dispatch chain. The first handler that
// claims the command executes it; the chain ends with the unsupported
// handler, which claims everything.
type slashHandler interface {
	handles(ctx *slashContext) bool
	execute(ctx *slashContext)
}

// handleSlashCommand dispatches a consumer's slash_command frame.
func (b *Bridge) handleSlashCommand(sess *session.Session, c *session.Consumer, in *wire.InboundMessage) {
	command := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(in.Command), "/"))
	if command == "" {
		b.sendError(sess, c, errs.Protocol("slash_command requires a command"))
		return
	}
	ctx := &slashContext{
		sess:      sess,
		consumer:  c,
		command:   command,
		requestID: uuid.NewString(),
		startedAt: time.Now().UnixMilli(),
	}
	for _, h := range b.slashChain {
		if h.handles(ctx) {
			h.execute(ctx)
			return
		}
	}
}

// slashResult broadcasts a completed command and emits its event.
func (b *Bridge) slashResult(ctx *slashContext, result, source string) {
	b.broadcast(ctx.sess, wire.New(wire.TypeSlashCommandResult, map[string]any{
		"command":    ctx.command,
		"request_id": ctx.requestID,
		"result":     result,
		"source":     source,
	}))
	b.emitter.Emit(ctx.sess.ID(), events.SlashCommandExecuted, map[string]any{
		"command":     ctx.name(),
		"source":      source,
		"duration_ms": time.Now().UnixMilli() - ctx.startedAt,
	})
}

// slashError broadcasts a failed command and emits its event.
func (b *Bridge) slashError(ctx *slashContext, message string) {
	b.broadcast(ctx.sess, wire.New(wire.TypeSlashCommandError, map[string]any{
		"command":    ctx.command,
		"request_id": ctx.requestID,
		"error":      message,
	}))
	b.emitter.Emit(ctx.sess.ID(), events.SlashCommandFailed, map[string]any{
		"command": ctx.name(),
		"error":   message,
	})
}

// localSlashHandler emulates commands the broker can answer itself.
type localSlashHandler struct{ b *Bridge }

func (h *localSlashHandler) handles(ctx *slashContext) bool {
	switch ctx.name() {
	case "help", "clear":
		return true
	}
	return false
}

func (h *localSlashHandler) execute(ctx *slashContext) {
	switch ctx.name() {
	case "help":
		h.b.slashResult(ctx, helpText(ctx.sess), "emulated")

	case "clear":
		ctx.sess.ResetConversation()
		// The backend keeps its own context; clear it too when the
		// protocol lets the command pass through.
		if ctx.sess.BackendCapabilities().SlashPassthrough && ctx.sess.Backend() != nil {
			ctx.sess.PushPassthrough(session.PendingPassthrough{
				RequestID: ctx.requestID,
				Command:   ctx.command,
				StartedAt: ctx.startedAt,
			})
			h.b.dispatchUserMessage(ctx.sess, userMessage("/"+ctx.command, nil))
			return
		}
		h.b.slashResult(ctx, "Conversation history cleared.", "emulated")
	}
}

// adapterSlashHandler delegates to backends that execute commands
// natively, discovered by type assertion on the backend session.
type adapterSlashHandler struct{ b *Bridge }

func (h *adapterSlashHandler) executor(ctx *slashContext) adapter.SlashExecutor {
	exec, ok := ctx.sess.Backend().(adapter.SlashExecutor)
	if !ok {
		return nil
	}
	return exec
}

func (h *adapterSlashHandler) handles(ctx *slashContext) bool {
	if ctx.sess.Backend() == nil {
		return false
	}
	exec := h.executor(ctx)
	return exec != nil && exec.ClaimsSlashCommand(ctx.command)
}

func (h *adapterSlashHandler) execute(ctx *slashContext) {
	exec := h.executor(ctx)
	if exec == nil {
		h.b.slashError(ctx, "backend disconnected")
		return
	}
	source := ctx.sess.AdapterName()
	go func() {
		result, err := exec.ExecuteSlashCommand(context.Background(), ctx.command)
		if err != nil {
			h.b.log.Warn("adapter slash command failed",
				zap.String("session_id", ctx.sess.ID()),
				zap.String("command", ctx.name()),
				zap.Error(err))
			h.b.slashError(ctx, err.Error())
			return
		}
		h.b.slashResult(ctx, result, source)
	}()
}

// passthroughSlashHandler forwards unclaimed commands to backends whose
// protocol interprets slash-prefixed user messages. The next assistant
// and result cycle is captured and rendered as the command result.
type passthroughSlashHandler struct{ b *Bridge }

func (h *passthroughSlashHandler) handles(ctx *slashContext) bool {
	return ctx.sess.BackendCapabilities().SlashPassthrough && ctx.sess.Backend() != nil
}

func (h *passthroughSlashHandler) execute(ctx *slashContext) {
	ctx.sess.PushPassthrough(session.PendingPassthrough{
		RequestID: ctx.requestID,
		Command:   ctx.command,
		StartedAt: ctx.startedAt,
	})
	h.b.dispatchUserMessage(ctx.sess, userMessage("/"+ctx.command, nil))
}

// unsupportedSlashHandler terminates the chain.
type unsupportedSlashHandler struct{ b *Bridge }

func (h *unsupportedSlashHandler) handles(*slashContext) bool { return true }

func (h *unsupportedSlashHandler) execute(ctx *slashContext) {
	h.b.slashError(ctx, "slash command /"+ctx.name()+" is not supported by adapter "+ctx.sess.AdapterName())
}

// helpText renders the known command list, preferring the capability
// handshake over the init announcement and folding in registry entries
// learned elsewhere.
func helpText(sess *session.Session) string {
	state := sess.State()
	var commands []session.Command
	if state.Capabilities != nil {
		commands = commandList(state.Capabilities.Commands)
	}
	if len(commands) == 0 {
		for _, name := range state.SlashCommands {
			commands = append(commands, session.Command{Name: name})
		}
	}
	seen := make(map[string]bool, len(commands))
	for _, cmd := range commands {
		seen[cmd.Name] = true
	}
	for _, cmd := range sess.Registry().List() {
		if !seen[cmd.Name] {
			commands = append(commands, cmd)
		}
	}
	if len(commands) == 0 {
		return "No slash commands reported by the backend."
	}

	var sb strings.Builder
	sb.WriteString("Available commands:")
	for _, cmd := range commands {
		sb.WriteString("\n  /")
		sb.WriteString(cmd.Name)
		if cmd.Description != "" {
			sb.WriteString("  ")
			sb.WriteString(cmd.Description)
		}
	}
	return sb.String()
}

package bridge

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beamcode/beamcode/internal/events"
	"github.com/beamcode/beamcode/internal/session"
	"github.com/beamcode/beamcode/pkg/unified"
	"github.com/beamcode/beamcode/pkg/wire"
)

// sendInitialize starts the capability handshake after backend connect.
// A duplicate call while one handshake is pending is a no-op.
func (b *Bridge) sendInitialize(sess *session.Session) {
	backend := sess.Backend()
	if backend == nil {
		return
	}
	requestID := uuid.NewString()
	armed := sess.BeginInitialize(requestID, b.initializeTimeout, func() {
		b.log.Warn("capability handshake timed out",
			zap.String("session_id", sess.ID()),
			zap.String("request_id", requestID))
		b.emitter.Emit(sess.ID(), events.CapabilitiesTimeout, map[string]any{
			"request_id": requestID,
		})
	})
	if !armed {
		return
	}

	req := unified.New(unified.TypeControlRequest, unified.RoleSystem)
	req.SetMeta("subtype", "initialize")
	req.SetMeta("request_id", requestID)
	if err := backend.Send(req); err != nil {
		sess.ResolveInitialize(requestID)
		b.log.Warn("capability handshake send failed",
			zap.String("session_id", sess.ID()),
			zap.Error(err))
		b.emitter.Emit(sess.ID(), events.ErrorEvent, map[string]any{
			"source": "sendToBackend",
			"error":  err.Error(),
		})
	}
}

// handleControlResponse settles the capability handshake. Responses that
// match no pending handshake arrived after the timeout and are dropped;
// control responses never reach consumers directly.
func (b *Bridge) handleControlResponse(sess *session.Session, msg *unified.Message) {
	requestID := msg.MetaString("request_id")
	if !sess.ResolveInitialize(requestID) {
		b.log.Debug("unmatched control response dropped",
			zap.String("session_id", sess.ID()),
			zap.String("request_id", requestID))
		return
	}

	switch msg.MetaString("subtype") {
	case "success":
		b.storeCapabilities(sess, msg)
	case "error":
		// A backend that cannot answer initialize may still have
		// announced its command list in the init frame.
		state := sess.State()
		if state.Capabilities == nil && len(state.SlashCommands) > 0 {
			b.storeCapabilities(sess, synthesizeCapabilities(state.SlashCommands))
		}
	}
}

// storeCapabilities reduces the control response into state, registers
// the announced commands, and tells everyone the session is ready.
func (b *Bridge) storeCapabilities(sess *session.Session, msg *unified.Message) {
	state, _ := sess.Apply(msg)
	caps := state.Capabilities
	if caps == nil {
		return
	}
	commands := commandList(caps.Commands)
	if len(commands) > 0 {
		sess.Registry().Register(commands...)
	}

	b.broadcast(sess, wire.New(wire.TypeCapabilitiesReady, map[string]any{
		"capabilities": caps,
	}))
	b.emitter.Emit(sess.ID(), events.CapabilitiesReady, map[string]any{
		"commands": len(commands),
	})
}

// synthesizeCapabilities builds a minimal success response from the
// command names a backend announced at init time.
func synthesizeCapabilities(commands []string) *unified.Message {
	list := make([]any, 0, len(commands))
	for _, name := range commands {
		list = append(list, map[string]any{"name": name})
	}
	m := unified.New(unified.TypeControlResponse, unified.RoleSystem)
	m.SetMeta("subtype", "success")
	m.SetMeta("response", map[string]any{"commands": list})
	return m
}

// commandList coerces a backend's command announcement into registry
// entries. Claude reports objects with name and description, other
// backends plain names.
func commandList(v any) []session.Command {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]session.Command, 0, len(items))
	for _, item := range items {
		switch cmd := item.(type) {
		case string:
			out = append(out, session.Command{Name: cmd})
		case map[string]any:
			name, _ := cmd["name"].(string)
			if name == "" {
				continue
			}
			desc, _ := cmd["description"].(string)
			out = append(out, session.Command{Name: name, Description: desc})
		}
	}
	return out
}

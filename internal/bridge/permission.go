package bridge

import (
	"github.com/beamcode/beamcode/internal/common/errs"
	"github.com/beamcode/beamcode/internal/events"
	"github.com/beamcode/beamcode/internal/session"
	"github.com/beamcode/beamcode/pkg/unified"
)

// trackPermissionRequest indexes an unanswered permission request so a
// later response can be validated against it.
func (b *Bridge) trackPermissionRequest(sess *session.Session, msg *unified.Message) {
	p := &session.PendingPermission{
		RequestID:   msg.MetaString("request_id"),
		ToolName:    msg.MetaString("tool_name"),
		Input:       msg.MetaMap("input"),
		Description: msg.MetaString("description"),
		ToolUseID:   msg.MetaString("tool_use_id"),
		AgentID:     msg.MetaString("agent_id"),
		Timestamp:   msg.Timestamp,
	}
	if msg.Metadata != nil {
		p.Suggestions = msg.Metadata["permission_suggestions"]
	}
	sess.AddPendingPermission(p)
	b.emitter.Emit(sess.ID(), events.PermissionRequested, map[string]any{
		"request_id": p.RequestID,
		"tool_name":  p.ToolName,
	})
}

// handlePermissionResponse settles a pending request and routes the
// answer to the backend, which renders it in its native protocol.
// Responses without a matching request (already answered, or never asked)
// bounce back to the sender.
func (b *Bridge) handlePermissionResponse(sess *session.Session, c *session.Consumer, msg *unified.Message) {
	requestID := msg.MetaString("request_id")
	pending, ok := sess.TakePendingPermission(requestID)
	if !ok {
		b.sendError(sess, c, errs.Protocol("no pending permission request %q", requestID))
		return
	}

	b.forwardToBackend(sess, msg)
	b.emitter.Emit(sess.ID(), events.PermissionResolved, map[string]any{
		"request_id":  requestID,
		"tool_name":   pending.ToolName,
		"behavior":    msg.MetaString("behavior"),
		"resolved_by": c.ID,
	})
}

package bridge

import (
	"github.com/beamcode/beamcode/internal/session"
	"github.com/beamcode/beamcode/pkg/unified"
	"github.com/beamcode/beamcode/pkg/wire"
)

// translateOutbound maps one unified backend message into zero or more
// consumer payloads. Broker-internal traffic (control frames, keep-alives)
// and types with no consumer rendering map to none. The broker session id
// always wins over whatever id the backend reported.
func translateOutbound(sess *session.Session, msg *unified.Message) []wire.ConsumerMessage {
	switch msg.Type {
	case unified.TypeSessionInit:
		fields := cloneMeta(msg.Metadata)
		fields["session_id"] = sess.ID()
		return one(wire.New(wire.TypeSessionInit, fields))

	case unified.TypeStatusChange:
		return one(wire.New(wire.TypeStatusChange, cloneMeta(msg.Metadata)))

	case unified.TypeAssistant:
		fields := cloneMeta(msg.Metadata)
		fields["id"] = msg.ID
		if len(msg.Content) > 0 {
			fields["content"] = msg.Content
		}
		return one(wire.New(wire.TypeAssistant, fields))

	case unified.TypeResult:
		return one(wire.New(wire.TypeResult, cloneMeta(msg.Metadata)))

	case unified.TypeStreamEvent:
		return one(wire.New(wire.TypeStreamEvent, cloneMeta(msg.Metadata)))

	case unified.TypePermissionRequest:
		return one(wire.New(wire.TypePermissionRequest, permissionFields(msg)))

	case unified.TypeToolProgress:
		return one(wire.New(wire.TypeToolProgress, cloneMeta(msg.Metadata)))

	case unified.TypeToolUseSummary:
		return one(wire.New(wire.TypeToolUseSummary, cloneMeta(msg.Metadata)))

	case unified.TypeAuthStatus:
		return one(wire.New(wire.TypeAuthStatus, cloneMeta(msg.Metadata)))

	case unified.TypeConfigurationChange:
		return one(wire.New(wire.TypeConfigurationChange, cloneMeta(msg.Metadata)))

	case unified.TypeSessionLifecycle:
		return one(wire.New(wire.TypeSessionLifecycle, cloneMeta(msg.Metadata)))

	default:
		// Recognized broker-internal types have no consumer rendering.
		// Anything an adapter emits outside the recognized set passes
		// through untouched so newer CLI protocols keep working.
		if msg.Type.Known() {
			return nil
		}
		fields := cloneMeta(msg.Metadata)
		fields["id"] = msg.ID
		if len(msg.Content) > 0 {
			fields["content"] = msg.Content
		}
		return one(wire.New(string(msg.Type), fields))
	}
}

func one(m wire.ConsumerMessage) []wire.ConsumerMessage {
	return []wire.ConsumerMessage{m}
}

// cloneMeta copies metadata into a fresh fields map so later additions
// never mutate the unified message.
func cloneMeta(meta map[string]any) map[string]any {
	fields := make(map[string]any, len(meta)+2)
	for k, v := range meta {
		fields[k] = v
	}
	return fields
}

// permissionFields renders the consumer form of a permission request.
// The suggestions key follows the consumer protocol name rather than the
// adapter-side one.
func permissionFields(msg *unified.Message) map[string]any {
	fields := map[string]any{
		"request_id": msg.MetaString("request_id"),
		"tool_name":  msg.MetaString("tool_name"),
		"timestamp":  msg.Timestamp,
	}
	if input := msg.MetaMap("input"); input != nil {
		fields["input"] = input
	}
	if msg.Metadata != nil {
		if suggestions, ok := msg.Metadata["permission_suggestions"]; ok {
			fields["suggestions"] = suggestions
		}
	}
	if desc := msg.MetaString("description"); desc != "" {
		fields["description"] = desc
	}
	if id := msg.MetaString("tool_use_id"); id != "" {
		fields["tool_use_id"] = id
	}
	if id := msg.MetaString("agent_id"); id != "" {
		fields["agent_id"] = id
	}
	return fields
}

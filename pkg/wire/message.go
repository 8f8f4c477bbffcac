// Package wire defines the consumer-facing message formats: the typed
// JSON objects consumers send over a session socket and the tagged
// payloads the bridge fans back out.
package wire

import "encoding/json"

// Consumer to server frame types.
const (
	TypeUserMessage         = "user_message"
	TypePermissionResponse  = "permission_response"
	TypeInterrupt           = "interrupt"
	TypeSetModel            = "set_model"
	TypeSetPermissionMode   = "set_permission_mode"
	TypeSlashCommand        = "slash_command"
	TypeQueueMessage        = "queue_message"
	TypeUpdateQueuedMessage = "update_queued_message"
	TypeCancelQueuedMessage = "cancel_queued_message"
	TypePresenceQuery       = "presence_query"
	TypeSetAdapter          = "set_adapter"
)

// Server to consumer payload types.
const (
	TypeSessionInit            = "session_init"
	TypeStatusChange           = "status_change"
	TypeAssistant              = "assistant"
	TypeResult                 = "result"
	TypeStreamEvent            = "stream_event"
	TypePermissionRequest      = "permission_request"
	TypeToolProgress           = "tool_progress"
	TypeToolUseSummary         = "tool_use_summary"
	TypeAuthStatus             = "auth_status"
	TypeConfigurationChange    = "configuration_change"
	TypeSessionLifecycle       = "session_lifecycle"
	TypeCapabilitiesReady      = "capabilities_ready"
	TypeMessageQueued          = "message_queued"
	TypeQueuedMessageUpdated   = "queued_message_updated"
	TypeQueuedMessageCancelled = "queued_message_cancelled"
	TypeQueuedMessageSent      = "queued_message_sent"
	TypePresenceUpdate         = "presence_update"
	TypeIdentity               = "identity"
	TypeSlashCommandResult     = "slash_command_result"
	TypeSlashCommandError      = "slash_command_error"
	TypeError                  = "error"
)

// ConsumerMessage is one payload on the consumer wire: a JSON object with
// a type tag and type-specific fields at the top level.
type ConsumerMessage struct {
	Type   string
	Fields map[string]any
}

// New builds a consumer message. The fields map is owned by the message
// after the call.
func New(msgType string, fields map[string]any) ConsumerMessage {
	return ConsumerMessage{Type: msgType, Fields: fields}
}

// NewError builds the typed error payload consumers receive for rejected
// input, rate limiting, replay gaps and backend failures.
func NewError(code, message string) ConsumerMessage {
	return ConsumerMessage{
		Type:   TypeError,
		Fields: map[string]any{"code": code, "message": message},
	}
}

// MarshalJSON flattens the fields next to the type tag.
func (m ConsumerMessage) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Fields)+1)
	for k, v := range m.Fields {
		if k == "type" {
			continue
		}
		out[k] = v
	}
	out["type"] = m.Type
	return json.Marshal(out)
}

// UnmarshalJSON splits the type tag back out of the flat object.
func (m *ConsumerMessage) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	msgType, _ := raw["type"].(string)
	delete(raw, "type")
	m.Type = msgType
	m.Fields = raw
	return nil
}

// Field returns the named field, nil when absent.
func (m ConsumerMessage) Field(key string) any {
	return m.Fields[key]
}

// Str returns the named field when it is a string.
func (m ConsumerMessage) Str(key string) string {
	s, _ := m.Fields[key].(string)
	return s
}

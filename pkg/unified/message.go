// Package unified defines the canonical internal message representation.
// Every adapter normalizes its native protocol into unified messages (T3)
// and renders unified messages back into native actions (T2); the bridge
// speaks nothing else.
package unified

import (
	"time"

	"github.com/google/uuid"
)

// Type tags a unified message. Unknown values received from an adapter are
// forwarded transparently; unknown values received from a consumer are
// rejected at the T1 boundary.
type Type string

// Recognized message types.
const (
	TypeSessionInit         Type = "session_init"
	TypeStatusChange        Type = "status_change"
	TypeAssistant           Type = "assistant"
	TypeUserMessage         Type = "user_message"
	TypeResult              Type = "result"
	TypeStreamEvent         Type = "stream_event"
	TypePermissionRequest   Type = "permission_request"
	TypePermissionResponse  Type = "permission_response"
	TypeInterrupt           Type = "interrupt"
	TypeToolProgress        Type = "tool_progress"
	TypeToolUseSummary      Type = "tool_use_summary"
	TypeAuthStatus          Type = "auth_status"
	TypeConfigurationChange Type = "configuration_change"
	TypeSessionLifecycle    Type = "session_lifecycle"
	TypeControlResponse     Type = "control_response"
	TypeKeepAlive           Type = "keep_alive"
)

// Adapter-internal types carried for forward compatibility with CLI
// protocols that emit them.
const (
	TypeControlRequest       Type = "control_request"
	TypeControlCancelRequest Type = "control_cancel_request"
	TypeTaskNotification     Type = "task_notification"
)

var knownTypes = map[Type]struct{}{
	TypeSessionInit: {}, TypeStatusChange: {}, TypeAssistant: {},
	TypeUserMessage: {}, TypeResult: {}, TypeStreamEvent: {},
	TypePermissionRequest: {}, TypePermissionResponse: {}, TypeInterrupt: {},
	TypeToolProgress: {}, TypeToolUseSummary: {}, TypeAuthStatus: {},
	TypeConfigurationChange: {}, TypeSessionLifecycle: {}, TypeControlResponse: {},
	TypeKeepAlive: {}, TypeControlRequest: {}, TypeControlCancelRequest: {},
	TypeTaskNotification: {},
}

// Known reports whether t is one of the recognized type values.
func (t Type) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is the single internal message type exchanged between consumers,
// the bridge, and backend adapters.
type Message struct {
	// ID is unique within a session for the lifetime of the history ring.
	ID string `json:"id"`
	// Timestamp is milliseconds since epoch.
	Timestamp int64          `json:"timestamp"`
	Type      Type           `json:"type"`
	Role      Role           `json:"role,omitempty"`
	Content   []ContentBlock `json:"content,omitempty"`
	// Metadata is an open, adapter-dependent bag of JSON values.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// New creates a message with a fresh id and the current timestamp.
func New(t Type, role Role) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Type:      t,
		Role:      role,
	}
}

// NewUserText creates a user_message with a single text block.
func NewUserText(text string) *Message {
	m := New(TypeUserMessage, RoleUser)
	m.Content = []ContentBlock{TextBlock(text)}
	return m
}

// NewAssistantText creates an assistant message with a single text block.
func NewAssistantText(text string) *Message {
	m := New(TypeAssistant, RoleAssistant)
	m.Content = []ContentBlock{TextBlock(text)}
	return m
}

// NewStatusChange creates a status_change with the status in metadata.
func NewStatusChange(status string) *Message {
	m := New(TypeStatusChange, RoleSystem)
	m.Metadata = map[string]any{"status": status}
	return m
}

// NewErrorResult creates the synthetic result emitted when a backend send
// fails: consumers observe the failure as a normal turn result.
func NewErrorResult(errMsg string) *Message {
	m := New(TypeResult, RoleSystem)
	m.Metadata = map[string]any{
		"is_error":      true,
		"error_message": errMsg,
	}
	return m
}

// SetMeta sets a metadata key, allocating the map on first use.
func (m *Message) SetMeta(key string, value any) *Message {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata[key] = value
	return m
}

// MetaString returns metadata[key] if it is a string.
func (m *Message) MetaString(key string) string {
	if m.Metadata == nil {
		return ""
	}
	s, _ := m.Metadata[key].(string)
	return s
}

// MetaBool returns metadata[key] if it is a boolean.
func (m *Message) MetaBool(key string) bool {
	if m.Metadata == nil {
		return false
	}
	b, _ := m.Metadata[key].(bool)
	return b
}

// MetaInt returns metadata[key] coerced from the numeric forms JSON
// decoding produces.
func (m *Message) MetaInt(key string) (int64, bool) {
	if m.Metadata == nil {
		return 0, false
	}
	switch v := m.Metadata[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	}
	return 0, false
}

// MetaFloat returns metadata[key] coerced to float64.
func (m *Message) MetaFloat(key string) (float64, bool) {
	if m.Metadata == nil {
		return 0, false
	}
	switch v := m.Metadata[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// MetaMap returns metadata[key] if it is an object.
func (m *Message) MetaMap(key string) map[string]any {
	if m.Metadata == nil {
		return nil
	}
	mm, _ := m.Metadata[key].(map[string]any)
	return mm
}

// Text concatenates the text blocks of the message.
func (m *Message) Text() string {
	var out string
	for _, b := range m.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// Clone returns a deep copy. Metadata values are shared; callers treat
// them as immutable.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if m.Content != nil {
		cp.Content = make([]ContentBlock, len(m.Content))
		for i, b := range m.Content {
			cp.Content[i] = b.clone()
		}
	}
	if m.Metadata != nil {
		cp.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

package wire

import (
	"encoding/json"
	"fmt"
)

// ImageAttachment is an inline base64 image on a user or queued message.
type ImageAttachment struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// InboundMessage is the union of every frame a consumer may send. Only the
// fields belonging to Type are populated; the rest stay at their zero
// values. Permission payload fragments are kept raw so they pass through
// to the backend byte for byte.
type InboundMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`

	// user_message, queue_message, update_queued_message
	Content string            `json:"content,omitempty"`
	Images  []ImageAttachment `json:"images,omitempty"`

	// permission_response
	RequestID          string          `json:"request_id,omitempty"`
	Behavior           string          `json:"behavior,omitempty"`
	UpdatedInput       json.RawMessage `json:"updated_input,omitempty"`
	UpdatedPermissions json.RawMessage `json:"updated_permissions,omitempty"`
	Message            string          `json:"message,omitempty"`

	// set_model, set_permission_mode, slash_command
	Model   string `json:"model,omitempty"`
	Mode    string `json:"mode,omitempty"`
	Command string `json:"command,omitempty"`

	// set_adapter
	AdapterName    string         `json:"adapterName,omitempty"`
	AdapterOptions map[string]any `json:"adapterOptions,omitempty"`
}

var inboundTypes = map[string]struct{}{
	TypeUserMessage: {}, TypePermissionResponse: {}, TypeInterrupt: {},
	TypeSetModel: {}, TypeSetPermissionMode: {}, TypeSlashCommand: {},
	TypeQueueMessage: {}, TypeUpdateQueuedMessage: {}, TypeCancelQueuedMessage: {},
	TypePresenceQuery: {}, TypeSetAdapter: {},
}

// KnownInbound reports whether msgType is something a consumer is allowed
// to send at all. Unknown consumer types are rejected, unlike unknown
// adapter output which is forwarded transparently.
func KnownInbound(msgType string) bool {
	_, ok := inboundTypes[msgType]
	return ok
}

// DecodeInbound parses one consumer frame.
func DecodeInbound(data []byte) (*InboundMessage, error) {
	var msg InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed consumer frame: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("consumer frame has no type")
	}
	return &msg, nil
}

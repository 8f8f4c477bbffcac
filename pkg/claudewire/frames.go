package claudewire

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// UserFrame is the outbound user message frame. Field order and the always
// present null parent_tool_use_id match what the CLI expects.
type UserFrame struct {
	Type            string          `json:"type"`
	Message         UserMessageBody `json:"message"`
	ParentToolUseID *string         `json:"parent_tool_use_id"`
	SessionID       string          `json:"session_id"`
}

// UserMessageBody holds the user prompt. Content is a plain string or an
// array of content blocks.
type UserMessageBody struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

// NewUserFrame builds a user frame for the given session. content must be a
// string or a slice of content blocks.
func NewUserFrame(sessionID string, content interface{}) *UserFrame {
	return &UserFrame{
		Type:      TypeUser,
		Message:   UserMessageBody{Role: "user", Content: content},
		SessionID: sessionID,
	}
}

// ControlResponseFrame answers a CLI control request.
type ControlResponseFrame struct {
	Type     string              `json:"type"`
	Response ControlResponseBody `json:"response"`
}

// NewPermissionResponse builds a success control response carrying a
// permission decision for the given request id.
func NewPermissionResponse(requestID string, result *PermissionResult) (*ControlResponseFrame, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal permission result: %w", err)
	}
	return &ControlResponseFrame{
		Type: TypeControlResponse,
		Response: ControlResponseBody{
			Subtype:   SubtypeSuccess,
			RequestID: requestID,
			Response:  payload,
		},
	}, nil
}

// NewErrorControlResponse builds an error control response.
func NewErrorControlResponse(requestID, message string) *ControlResponseFrame {
	return &ControlResponseFrame{
		Type: TypeControlResponse,
		Response: ControlResponseBody{
			Subtype:   SubtypeError,
			RequestID: requestID,
			Error:     message,
		},
	}
}

// ControlRequestFrame is an outbound control request to the CLI.
type ControlRequestFrame struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	Request   ControlRequest `json:"request"`
}

// NewRequestID generates a control request id.
func NewRequestID() string {
	return "req_" + uuid.NewString()
}

// NewInitializeRequest builds the capability handshake request.
func NewInitializeRequest(requestID string) *ControlRequestFrame {
	return &ControlRequestFrame{
		Type:      TypeControlRequest,
		RequestID: requestID,
		Request:   ControlRequest{Subtype: SubtypeInitialize},
	}
}

// NewInterruptRequest builds an interrupt control request.
func NewInterruptRequest(requestID string) *ControlRequestFrame {
	return &ControlRequestFrame{
		Type:      TypeControlRequest,
		RequestID: requestID,
		Request:   ControlRequest{Subtype: SubtypeInterrupt},
	}
}

// NewSetModelRequest builds a model switch control request.
func NewSetModelRequest(requestID, model string) *ControlRequestFrame {
	return &ControlRequestFrame{
		Type:      TypeControlRequest,
		RequestID: requestID,
		Request:   ControlRequest{Subtype: SubtypeSetModel, Model: model},
	}
}

// NewSetPermissionModeRequest builds a permission mode switch control
// request.
func NewSetPermissionModeRequest(requestID, mode string) *ControlRequestFrame {
	return &ControlRequestFrame{
		Type:      TypeControlRequest,
		RequestID: requestID,
		Request:   ControlRequest{Subtype: SubtypeSetPermissionMode, Mode: mode},
	}
}

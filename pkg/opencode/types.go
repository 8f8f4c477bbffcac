// Package opencode provides types and client for the opencode server
// protocol. The server exposes a REST API for commands and a Server-Sent
// Events stream for session output.
package opencode

import (
	"encoding/json"
	"strings"
)

// Event types from the /event SSE stream.
const (
	EventServerConnected   = "server.connected"
	EventMessageUpdated    = "message.updated"
	EventMessagePartUpdate = "message.part.updated"
	EventMessageRemoved    = "message.removed"
	EventPermissionUpdated = "permission.updated"
	EventPermissionReplied = "permission.replied"
	EventSessionIdle       = "session.idle"
	EventSessionStatus     = "session.status"
	EventSessionCompacted  = "session.compacted"
	EventSessionError      = "session.error"
	EventTodoUpdated       = "todo.updated"
)

// Part types.
const (
	PartTypeText      = "text"
	PartTypeReasoning = "reasoning"
	PartTypeTool      = "tool"
)

// Tool status values.
const (
	ToolStatusPending   = "pending"
	ToolStatusRunning   = "running"
	ToolStatusCompleted = "completed"
	ToolStatusError     = "error"
)

// Permission reply values for POST /permission/{id}.
const (
	PermissionReplyOnce   = "once"
	PermissionReplyAlways = "always"
	PermissionReplyNever  = "never"
)

// HealthResponse from GET /global/health.
type HealthResponse struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

// SessionResponse from POST /session.
type SessionResponse struct {
	ID string `json:"id"`
}

// ModelSpec selects the model for a prompt.
type ModelSpec struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// ParseModelSpec splits a "provider/model" reference. Returns nil when the
// reference does not name both halves.
func ParseModelSpec(ref string) *ModelSpec {
	provider, model, ok := strings.Cut(ref, "/")
	if !ok || provider == "" || model == "" {
		return nil
	}
	return &ModelSpec{ProviderID: provider, ModelID: model}
}

// TextPartInput is one prompt part.
type TextPartInput struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// PromptRequest for POST /session/{id}/message.
type PromptRequest struct {
	Model *ModelSpec      `json:"model,omitempty"`
	Agent string          `json:"agent,omitempty"`
	Parts []TextPartInput `json:"parts"`
}

// PermissionReply for POST /permission/{id}.
type PermissionReply struct {
	Reply   string `json:"reply"`
	Message string `json:"message,omitempty"`
}

// Event is the envelope for all SSE events.
type Event struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// MessageUpdatedProperties for message.updated events.
type MessageUpdatedProperties struct {
	Info MessageInfo `json:"info"`
}

// MessageInfo carries message metadata.
type MessageInfo struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"sessionID"`
	Role       string      `json:"role"`
	ProviderID string      `json:"providerID,omitempty"`
	ModelID    string      `json:"modelID,omitempty"`
	Tokens     *TokensInfo `json:"tokens,omitempty"`
	Cost       float64     `json:"cost,omitempty"`
}

// TokensInfo carries token usage.
type TokensInfo struct {
	Input  int              `json:"input"`
	Output int              `json:"output"`
	Cache  *TokensCacheInfo `json:"cache,omitempty"`
}

// TokensCacheInfo carries cache token usage.
type TokensCacheInfo struct {
	Read int `json:"read"`
}

// MessagePartUpdatedProperties for message.part.updated events.
type MessagePartUpdatedProperties struct {
	Part  Part   `json:"part"`
	Delta string `json:"delta,omitempty"`
}

// Part is one message part.
type Part struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	MessageID string     `json:"messageID"`
	SessionID string     `json:"sessionID"`
	Text      string     `json:"text,omitempty"`
	CallID    string     `json:"callID,omitempty"`
	Tool      string     `json:"tool,omitempty"`
	State     *ToolState `json:"state,omitempty"`
}

// ToolState is the execution state of a tool part.
type ToolState struct {
	Status   string          `json:"status"`
	Input    json.RawMessage `json:"input,omitempty"`
	Output   string          `json:"output,omitempty"`
	Title    string          `json:"title,omitempty"`
	Error    string          `json:"error,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// PermissionProperties for permission.updated events.
type PermissionProperties struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionID"`
	Title     string         `json:"title,omitempty"`
	Type      string         `json:"type,omitempty"`
	Pattern   string         `json:"pattern,omitempty"`
	CallID    string         `json:"callID,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SessionStatusProperties for session.status events.
type SessionStatusProperties struct {
	SessionID string        `json:"sessionID,omitempty"`
	Status    SessionStatus `json:"status"`
}

// SessionStatus is the current session activity.
type SessionStatus struct {
	Type    string `json:"type"` // idle, busy, retry
	Attempt int    `json:"attempt,omitempty"`
	Message string `json:"message,omitempty"`
}

// SessionIdleProperties for session.idle events.
type SessionIdleProperties struct {
	SessionID string `json:"sessionID"`
}

// SessionErrorProperties for session.error events.
type SessionErrorProperties struct {
	SessionID string    `json:"sessionID"`
	Error     *APIError `json:"error,omitempty"`
}

// APIError is an error reported on the event stream.
type APIError struct {
	Name    string `json:"name,omitempty"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
	Data    *struct {
		Message string `json:"message,omitempty"`
	} `json:"data,omitempty"`
}

// GetMessage returns the most specific error message.
func (e *APIError) GetMessage() string {
	if e.Data != nil && e.Data.Message != "" {
		return e.Data.Message
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Name
}

// GetKind returns the error kind.
func (e *APIError) GetKind() string {
	if e.Name != "" {
		return e.Name
	}
	if e.Type != "" {
		return e.Type
	}
	return "unknown"
}

// ParseEvent parses an SSE event payload.
func ParseEvent(data []byte) (*Event, error) {
	var env Event
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// ParseMessageUpdated parses message.updated properties.
func ParseMessageUpdated(data json.RawMessage) (*MessageUpdatedProperties, error) {
	var props MessageUpdatedProperties
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, err
	}
	return &props, nil
}

// ParseMessagePartUpdated parses message.part.updated properties.
func ParseMessagePartUpdated(data json.RawMessage) (*MessagePartUpdatedProperties, error) {
	var props MessagePartUpdatedProperties
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, err
	}
	return &props, nil
}

// ParsePermission parses permission.updated properties.
func ParsePermission(data json.RawMessage) (*PermissionProperties, error) {
	var props PermissionProperties
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, err
	}
	return &props, nil
}

// ParseSessionStatus parses session.status properties.
func ParseSessionStatus(data json.RawMessage) (*SessionStatusProperties, error) {
	var props SessionStatusProperties
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, err
	}
	return &props, nil
}

// ParseSessionError parses session.error properties.
func ParseSessionError(data json.RawMessage) (*SessionErrorProperties, error) {
	var props SessionErrorProperties
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, err
	}
	return &props, nil
}

// Package acp defines the Agent Client Protocol types spoken over JSON-RPC
// with ACP-capable agent subprocesses such as gemini --experimental-acp.
package acp

import "encoding/json"

// ProtocolVersion is the ACP protocol version this client implements.
const ProtocolVersion = 1

// Client -> agent methods.
const (
	MethodInitialize    = "initialize"
	MethodAuthenticate  = "authenticate"
	MethodSessionNew    = "session/new"
	MethodSessionPrompt = "session/prompt"
	MethodSessionLoad   = "session/load"
	MethodSessionCancel = "session/cancel" // notification
)

// Agent -> client traffic.
const (
	NotificationSessionUpdate = "session/update"
	MethodRequestPermission   = "session/request_permission"
)

// Agent -> client request prefixes this client refuses. Responding with
// MethodNotFound keeps the agent's request loop alive.
const (
	PrefixFs       = "fs/"
	PrefixTerminal = "terminal/"
)

// InitializeParams for the initialize handshake.
type InitializeParams struct {
	ProtocolVersion int                `json:"protocolVersion"`
	ClientInfo      Implementation     `json:"clientInfo"`
	Capabilities    ClientCapabilities `json:"clientCapabilities,omitempty"`
}

// Implementation identifies one side of the connection.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities describes what the client offers the agent. File system
// and terminal delegation are advertised as unsupported.
type ClientCapabilities struct {
	Fs       FsCapabilities `json:"fs"`
	Terminal bool           `json:"terminal"`
}

// FsCapabilities describes file system delegation support.
type FsCapabilities struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

// InitializeResult from the initialize handshake.
type InitializeResult struct {
	ProtocolVersion int               `json:"protocolVersion"`
	AgentInfo       *Implementation   `json:"agentInfo,omitempty"`
	Capabilities    AgentCapabilities `json:"agentCapabilities,omitempty"`
	AuthMethods     []AuthMethod      `json:"authMethods,omitempty"`
}

// AgentCapabilities describes what the agent supports.
type AgentCapabilities struct {
	LoadSession bool               `json:"loadSession,omitempty"`
	Prompt      PromptCapabilities `json:"promptCapabilities,omitempty"`
}

// PromptCapabilities describes the content block types accepted in prompts.
type PromptCapabilities struct {
	Image           bool `json:"image,omitempty"`
	Audio           bool `json:"audio,omitempty"`
	EmbeddedContext bool `json:"embeddedContext,omitempty"`
}

// AuthMethod describes an authentication flow offered by the agent.
type AuthMethod struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// McpServer configures an MCP server passed to the agent at session
// creation. Stdio servers use Command and Args, remote servers use URL and
// Type.
type McpServer struct {
	Name    string   `json:"name"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	URL     string   `json:"url,omitempty"`
	Type    string   `json:"type,omitempty"`
}

// NewSessionParams for session/new.
type NewSessionParams struct {
	Cwd        string      `json:"cwd"`
	McpServers []McpServer `json:"mcpServers"`
}

// NewSessionResult from session/new.
type NewSessionResult struct {
	SessionID string `json:"sessionId"`
}

// LoadSessionParams for session/load.
type LoadSessionParams struct {
	SessionID  string      `json:"sessionId"`
	Cwd        string      `json:"cwd,omitempty"`
	McpServers []McpServer `json:"mcpServers"`
}

// PromptParams for session/prompt.
type PromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// PromptResult from session/prompt, returned when the turn ends.
type PromptResult struct {
	StopReason StopReason `json:"stopReason,omitempty"`
}

// StopReason explains why a prompt turn ended.
type StopReason string

const (
	StopEndTurn         StopReason = "end_turn"
	StopMaxTokens       StopReason = "max_tokens"
	StopMaxTurnRequests StopReason = "max_turn_requests"
	StopRefusal         StopReason = "refusal"
	StopCancelled       StopReason = "cancelled"
)

// CancelParams for the session/cancel notification.
type CancelParams struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// ContentBlock is a prompt or update content item. Only text blocks are
// produced by this client; other types are preserved when received.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// Resource link fields.
	URI      string `json:"uri,omitempty"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	// Base64 payload for image and audio blocks.
	Data string `json:"data,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// RequestPermissionParams carried by session/request_permission.
type RequestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  ToolCallRef        `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

// ToolCallRef identifies the tool call a permission request refers to.
type ToolCallRef struct {
	ToolCallID string          `json:"toolCallId"`
	Title      string          `json:"title,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`
}

// PermissionOption is one selectable permission outcome.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"` // allow_once, allow_always, reject_once, reject_always
}

// RequestPermissionResult answers session/request_permission.
type RequestPermissionResult struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// PermissionOutcome is the user's decision.
type PermissionOutcome struct {
	Outcome  string `json:"outcome"` // "selected" or "cancelled"
	OptionID string `json:"optionId,omitempty"`
}

// SelectedOutcome builds an outcome for a chosen option.
func SelectedOutcome(optionID string) RequestPermissionResult {
	return RequestPermissionResult{Outcome: PermissionOutcome{Outcome: "selected", OptionID: optionID}}
}

// CancelledOutcome builds a cancelled outcome.
func CancelledOutcome() RequestPermissionResult {
	return RequestPermissionResult{Outcome: PermissionOutcome{Outcome: "cancelled"}}
}

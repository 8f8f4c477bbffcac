// Package claudewire provides types for the Claude CLI stream-json protocol
// as spoken over the SDK-URL WebSocket. Frames are newline-delimited JSON
// with control requests riding alongside the content stream.
package claudewire

import "encoding/json"

// Frame types received from the CLI.
const (
	// TypeSystem is the initial system message with session info, and
	// later status updates.
	TypeSystem = "system"
	// TypeAssistant carries assistant content blocks.
	TypeAssistant = "assistant"
	// TypeUser echoes user messages, including tool results.
	TypeUser = "user"
	// TypeResult is the end-of-turn result message.
	TypeResult = "result"
	// TypeStreamEvent is a partial content update during generation.
	TypeStreamEvent = "stream_event"
	// TypeControlRequest is a control request in either direction.
	TypeControlRequest = "control_request"
	// TypeControlResponse answers a control request.
	TypeControlResponse = "control_response"
	// TypeControlCancelRequest cancels an in-flight control request.
	TypeControlCancelRequest = "control_cancel_request"
	// TypeToolProgress reports long-running tool progress.
	TypeToolProgress = "tool_progress"
	// TypeToolUseSummary summarizes a completed tool use.
	TypeToolUseSummary = "tool_use_summary"
	// TypeAuthStatus reports CLI authentication state.
	TypeAuthStatus = "auth_status"
	// TypeKeepAlive is a liveness ping.
	TypeKeepAlive = "keep_alive"
	// TypeTaskNotification reports background task state.
	TypeTaskNotification = "task_notification"
)

// System message subtypes.
const (
	SubtypeInit   = "init"
	SubtypeStatus = "status"
)

// Control request subtypes.
const (
	// SubtypeCanUseTool is a permission request for tool use.
	SubtypeCanUseTool = "can_use_tool"
	// SubtypeInitialize requests the capability handshake.
	SubtypeInitialize = "initialize"
	// SubtypeInterrupt interrupts the current turn.
	SubtypeInterrupt = "interrupt"
	// SubtypeSetModel switches the active model.
	SubtypeSetModel = "set_model"
	// SubtypeSetPermissionMode switches the permission mode.
	SubtypeSetPermissionMode = "set_permission_mode"
	// SubtypeHookCallback is a hook callback request.
	SubtypeHookCallback = "hook_callback"
)

// Control response subtypes.
const (
	SubtypeSuccess = "success"
	SubtypeError   = "error"
)

// Permission behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Frame is the envelope for messages received from the CLI. The type field
// determines which of the remaining fields are populated; Raw always holds
// the complete original frame.
type Frame struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	SessionID string `json:"session_id,omitempty"`

	// For control_request frames.
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// For control_response frames.
	Response *ControlResponseBody `json:"response,omitempty"`

	// For assistant and user frames.
	Message         json.RawMessage `json:"message,omitempty"`
	ParentToolUseID *string         `json:"parent_tool_use_id,omitempty"`

	// For stream_event frames.
	Event json.RawMessage `json:"event,omitempty"`

	// For system status frames.
	Status         string `json:"status,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty"`

	// For result frames. Result is a string for errors or an object
	// otherwise; the remaining result fields travel in Raw.
	IsError  bool            `json:"is_error,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	NumTurns int             `json:"num_turns,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Decode parses one wire frame, preserving the original bytes in Raw.
func Decode(line []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, err
	}
	f.Raw = append(json.RawMessage(nil), line...)
	return &f, nil
}

// Meta decodes the raw frame into an open field map with the type
// discriminator removed, suitable for carrying as message metadata.
func (f *Frame) Meta() map[string]any {
	if len(f.Raw) == 0 {
		return nil
	}
	var fields map[string]any
	if err := json.Unmarshal(f.Raw, &fields); err != nil {
		return nil
	}
	delete(fields, "type")
	return fields
}

// ResultText returns the result payload when it is an error string.
func (f *Frame) ResultText() string {
	if len(f.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(f.Result, &s); err != nil {
		return ""
	}
	return s
}

// ControlRequest is the body of a control_request frame.
type ControlRequest struct {
	Subtype string `json:"subtype"`

	// For can_use_tool requests.
	ToolName              string           `json:"tool_name,omitempty"`
	Input                 map[string]any   `json:"input,omitempty"`
	ToolUseID             string           `json:"tool_use_id,omitempty"`
	AgentID               string           `json:"agent_id,omitempty"`
	Description           string           `json:"description,omitempty"`
	PermissionSuggestions []map[string]any `json:"permission_suggestions,omitempty"`

	// For set_model requests.
	Model string `json:"model,omitempty"`

	// For set_permission_mode requests.
	Mode string `json:"mode,omitempty"`

	// For initialize requests.
	Hooks map[string]any `json:"hooks,omitempty"`

	// For hook_callback requests.
	CallbackID string `json:"callback_id,omitempty"`
}

// ControlResponseBody is the response object inside a control_response
// frame, in both directions.
type ControlResponseBody struct {
	Subtype   string          `json:"subtype"`
	RequestID string          `json:"request_id"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// PermissionResult answers a can_use_tool control request.
type PermissionResult struct {
	Behavior           string           `json:"behavior"`
	UpdatedInput       map[string]any   `json:"updatedInput,omitempty"`
	UpdatedPermissions []map[string]any `json:"updatedPermissions,omitempty"`
	Message            string           `json:"message,omitempty"`
	Interrupt          *bool            `json:"interrupt,omitempty"`
}

// SystemInit is the payload of the system init frame.
type SystemInit struct {
	SessionID      string      `json:"session_id,omitempty"`
	Model          string      `json:"model,omitempty"`
	Cwd            string      `json:"cwd,omitempty"`
	Tools          []string    `json:"tools,omitempty"`
	PermissionMode string      `json:"permissionMode,omitempty"`
	Version        string      `json:"claude_code_version,omitempty"`
	McpServers     []McpServer `json:"mcp_servers,omitempty"`
	Agents         []string    `json:"agents,omitempty"`
	SlashCommands  []string    `json:"slash_commands,omitempty"`
	Skills         []string    `json:"skills,omitempty"`
}

// McpServer reports one MCP server's status in the system init frame.
type McpServer struct {
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

// SystemInit decodes a system init frame payload.
func (f *Frame) SystemInit() (*SystemInit, error) {
	var init SystemInit
	if err := json.Unmarshal(f.Raw, &init); err != nil {
		return nil, err
	}
	return &init, nil
}

// MessageBody is the message object inside assistant and user frames.
type MessageBody struct {
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content,omitempty"`
	Model      string         `json:"model,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// DecodeMessage parses the message object of an assistant or user frame.
func (f *Frame) DecodeMessage() (*MessageBody, error) {
	var body MessageBody
	if err := json.Unmarshal(f.Message, &body); err != nil {
		return nil, err
	}
	return &body, nil
}

// ContentBlock is one block of assistant or user message content on the
// Claude wire. The type field determines which fields are set.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks.
	Text string `json:"text,omitempty"`

	// For thinking blocks.
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks.
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks. Content is a string or an array of blocks.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Usage contains token counts attached to assistant messages.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

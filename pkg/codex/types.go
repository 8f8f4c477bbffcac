// Package codex defines the method vocabulary and parameter types of the
// Codex app-server protocol: JSON-RPC with thread/turn/item semantics.
// Framing is handled by pkg/jsonrpc; the server tolerates the standard
// version header even though its own messages omit it.
package codex

import "encoding/json"

// Client-initiated methods.
const (
	MethodInitialize    = "initialize"
	MethodInitialized   = "initialized" // notification, sent after the initialize response
	MethodThreadStart   = "thread/start"
	MethodThreadResume  = "thread/resume"
	MethodTurnStart     = "turn/start"
	MethodTurnInterrupt = "turn/interrupt"
	MethodModelList     = "model/list"
)

// Server-initiated notifications and requests.
const (
	NotifyThreadStarted                 = "thread/started"
	NotifyTurnStarted                   = "turn/started"
	NotifyTurnCompleted                 = "turn/completed"
	NotifyTurnDiffUpdated               = "turn/diff/updated"
	NotifyTurnPlanUpdated               = "turn/plan/updated"
	NotifyItemStarted                   = "item/started"
	NotifyItemCompleted                 = "item/completed"
	NotifyItemAgentMessageDelta         = "item/agentMessage/delta"
	NotifyItemReasoningSummaryDelta     = "item/reasoning/summaryTextDelta"
	NotifyItemReasoningTextDelta        = "item/reasoning/textDelta"
	NotifyItemCmdExecOutputDelta        = "item/commandExecution/outputDelta"
	NotifyItemCmdExecRequestApproval    = "item/commandExecution/requestApproval"
	NotifyItemFileChangeRequestApproval = "item/fileChange/requestApproval"
	NotifyError                         = "error"
	NotifyTokenCount                    = "token_count"
	NotifyContextCompacted              = "context_compacted"
)

// Item types.
const (
	ItemAgentMessage = "agentMessage"
	ItemCmdExecution = "commandExecution"
	ItemFileChange   = "fileChange"
	ItemReasoning    = "reasoning"
	ItemMcpToolCall  = "mcpToolCall"
)

// Approval decisions.
const (
	DecisionAccept           = "accept"
	DecisionAcceptForSession = "acceptForSession"
	DecisionDecline          = "decline"
	DecisionCancel           = "cancel"
)

// InitializeParams for initialize.
type InitializeParams struct {
	ClientInfo *ClientInfo `json:"clientInfo"`
}

// ClientInfo identifies the client.
type ClientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// InitializeResult from initialize.
type InitializeResult struct {
	UserAgent string `json:"userAgent,omitempty"`
}

// ThreadStartParams for thread/start.
type ThreadStartParams struct {
	Model          string `json:"model,omitempty"`
	Cwd            string `json:"cwd,omitempty"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"` // untrusted, on-failure, on-request, never
	Sandbox        string `json:"sandbox,omitempty"`
}

// Thread is one Codex conversation.
type Thread struct {
	ID      string `json:"id"`
	Preview string `json:"preview,omitempty"`
}

// ThreadStartResult from thread/start.
type ThreadStartResult struct {
	Thread *Thread `json:"thread"`
}

// ThreadResumeParams for thread/resume.
type ThreadResumeParams struct {
	ThreadID       string `json:"threadId"`
	Cwd            string `json:"cwd,omitempty"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"`
}

// ThreadResumeResult from thread/resume.
type ThreadResumeResult struct {
	Thread *Thread `json:"thread"`
}

// UserInput is one element of a turn's input.
type UserInput struct {
	Type string `json:"type"` // text, image, localImage
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
	Path string `json:"path,omitempty"`
}

// TurnStartParams for turn/start.
type TurnStartParams struct {
	ThreadID string      `json:"threadId"`
	Input    []UserInput `json:"input"`
}

// Turn is one prompt/response exchange within a thread.
type Turn struct {
	ID     string `json:"id"`
	Status string `json:"status"` // inProgress, completed, failed
}

// TurnStartResult from turn/start.
type TurnStartResult struct {
	Turn *Turn `json:"turn"`
}

// TurnInterruptParams for turn/interrupt.
type TurnInterruptParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId,omitempty"`
}

// Item is a unit of turn output: a message, a command run, a file change.
type Item struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Status string `json:"status"` // inProgress, completed, failed

	// commandExecution fields.
	Command          string `json:"command,omitempty"`
	Cwd              string `json:"cwd,omitempty"`
	AggregatedOutput string `json:"aggregatedOutput,omitempty"`
	ExitCode         *int   `json:"exitCode,omitempty"`

	// fileChange fields.
	Changes []FileChange `json:"changes,omitempty"`

	// agentMessage and reasoning content. Codex sends either a plain
	// string or an array of typed parts; FlexibleContent takes both.
	Summary FlexibleContent `json:"summary,omitempty"`
	Content FlexibleContent `json:"content,omitempty"`

	// mcpToolCall fields.
	Server    string          `json:"server,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ContentPart is one typed fragment of item content.
type ContentPart struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text,omitempty"`
}

// FlexibleContent decodes from either a JSON string or a part array.
type FlexibleContent []ContentPart

func (fc *FlexibleContent) UnmarshalJSON(data []byte) error {
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err == nil {
		*fc = parts
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*fc = []ContentPart{{Type: "text", Text: str}}
		return nil
	}
	*fc = nil
	return nil
}

// Text joins the textual fragments of the content.
func (fc FlexibleContent) Text() string {
	var out string
	for _, part := range fc {
		out += part.Text
	}
	return out
}

// FileChange is one changed path within a fileChange item.
type FileChange struct {
	Path string         `json:"path"`
	Kind FileChangeKind `json:"kind"`
	Diff string         `json:"diff,omitempty"`
}

// FileChangeKind tags the change type.
type FileChangeKind struct {
	Type string `json:"type"` // add, modify, delete
}

// ItemStartedParams for item/started.
type ItemStartedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Item     *Item  `json:"item"`
}

// ItemCompletedParams for item/completed.
type ItemCompletedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Item     *Item  `json:"item"`
}

// AgentMessageDeltaParams for item/agentMessage/delta.
type AgentMessageDeltaParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
	Delta    string `json:"delta"`
}

// ReasoningDeltaParams for item/reasoning/textDelta and summaryTextDelta.
type ReasoningDeltaParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
	Delta    string `json:"delta"`
}

// CommandOutputDeltaParams for item/commandExecution/outputDelta.
type CommandOutputDeltaParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
	Delta    string `json:"delta"`
}

// CommandApprovalParams for item/commandExecution/requestApproval. Sent
// as a request; the client answers with a CommandApprovalResponse.
type CommandApprovalParams struct {
	ThreadID  string   `json:"threadId"`
	TurnID    string   `json:"turnId"`
	ItemID    string   `json:"itemId"`
	Command   string   `json:"command"`
	Cwd       string   `json:"cwd,omitempty"`
	Reasoning string   `json:"reasoning,omitempty"`
	Options   []string `json:"options,omitempty"`
}

// FileChangeApprovalParams for item/fileChange/requestApproval.
type FileChangeApprovalParams struct {
	ThreadID  string   `json:"threadId"`
	TurnID    string   `json:"turnId"`
	ItemID    string   `json:"itemId"`
	Path      string   `json:"path"`
	Diff      string   `json:"diff,omitempty"`
	Reasoning string   `json:"reasoning,omitempty"`
	Options   []string `json:"options,omitempty"`
}

// CommandApprovalResponse answers a command approval request.
type CommandApprovalResponse struct {
	Decision string `json:"decision"`
}

// FileChangeApprovalResponse answers a file change approval request.
type FileChangeApprovalResponse struct {
	Decision string `json:"decision"`
}

// ThreadStartedParams for thread/started.
type ThreadStartedParams struct {
	ThreadID string `json:"threadId"`
}

// TurnStartedParams for turn/started.
type TurnStartedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
}

// TurnCompletedParams for turn/completed.
type TurnCompletedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// TurnDiffUpdatedParams for turn/diff/updated.
type TurnDiffUpdatedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Diff     string `json:"diff"`
}

// TurnPlanUpdatedParams for turn/plan/updated.
type TurnPlanUpdatedParams struct {
	ThreadID string      `json:"threadId"`
	TurnID   string      `json:"turnId"`
	Plan     []PlanEntry `json:"plan"`
}

// PlanEntry is one step of the agent's plan.
type PlanEntry struct {
	Description string `json:"description"`
	Status      string `json:"status"` // pending, in_progress, completed, failed
}

// ErrorParams for the error notification.
type ErrorParams struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// TokenCountParams for token_count, emitted after each turn.
type TokenCountParams struct {
	Info *TokenUsageInfo `json:"info,omitempty"`
}

// TokenUsageInfo carries cumulative and per-turn usage.
type TokenUsageInfo struct {
	TotalTokenUsage    *TokenUsage `json:"totalTokenUsage,omitempty"`
	LastTokenUsage     *TokenUsage `json:"lastTokenUsage,omitempty"`
	ModelContextWindow *int64      `json:"modelContextWindow,omitempty"`
}

// TokenUsage is one request/response token count.
type TokenUsage struct {
	InputTokens       int32 `json:"inputTokens"`
	CachedInputTokens int32 `json:"cachedInputTokens"`
	OutputTokens      int32 `json:"outputTokens"`
	TotalTokens       int32 `json:"totalTokens"`
}

// ContextCompactedParams for context_compacted.
type ContextCompactedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
}

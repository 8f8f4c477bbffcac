package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/beamcode/beamcode/pkg/claudewire"
)

// Tool names matching Claude Code conventions.
const (
	toolBash     = "Bash"
	toolEdit     = "Edit"
	toolRead     = "Read"
	toolGlob     = "Glob"
	toolGrep     = "Grep"
	toolTask     = "Task"
	toolWebFetch = "WebFetch"
)

// systemInitFrame announces the session when the socket opens.
type systemInitFrame struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	claudewire.SystemInit
}

// systemStatusFrame reports status or permission mode changes.
type systemStatusFrame struct {
	Type           string `json:"type"`
	Subtype        string `json:"subtype"`
	Status         string `json:"status,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
}

// contentFrame carries assistant output and tool results; the type field
// selects between assistant and user framing.
type contentFrame struct {
	Type            string                 `json:"type"`
	Message         claudewire.MessageBody `json:"message"`
	ParentToolUseID *string                `json:"parent_tool_use_id,omitempty"`
	SessionID       string                 `json:"session_id,omitempty"`
}

// resultFrame ends a turn.
type resultFrame struct {
	Type       string            `json:"type"`
	Subtype    string            `json:"subtype,omitempty"`
	IsError    bool              `json:"is_error"`
	Result     json.RawMessage   `json:"result,omitempty"`
	SessionID  string            `json:"session_id,omitempty"`
	NumTurns   int               `json:"num_turns"`
	DurationMS int64             `json:"duration_ms"`
	CostUSD    float64           `json:"total_cost_usd,omitempty"`
	Usage      *claudewire.Usage `json:"usage,omitempty"`
}

func (a *agent) sendSystemInit() {
	cwd, _ := os.Getwd()
	a.send(&systemInitFrame{
		Type:    claudewire.TypeSystem,
		Subtype: claudewire.SubtypeInit,
		SystemInit: claudewire.SystemInit{
			SessionID:      a.sessionID,
			Model:          a.currentModel(),
			Cwd:            cwd,
			Tools:          []string{toolBash, toolEdit, toolRead, toolGlob, toolGrep, toolTask, toolWebFetch},
			PermissionMode: a.currentMode(),
			Version:        "0.1.0-mock",
			SlashCommands:  []string{"all", "thinking", "error", "slow", "subagent"},
		},
	})
}

func (a *agent) sendSystemStatus(status, permissionMode string) {
	a.send(&systemStatusFrame{
		Type:           claudewire.TypeSystem,
		Subtype:        claudewire.SubtypeStatus,
		Status:         status,
		PermissionMode: permissionMode,
		SessionID:      a.sessionID,
	})
}

// sendAssistant emits one assistant message with the given blocks.
// parentToolUseID nests the message under a running Task tool use.
func (a *agent) sendAssistant(parentToolUseID string, blocks ...claudewire.ContentBlock) {
	frame := &contentFrame{
		Type: claudewire.TypeAssistant,
		Message: claudewire.MessageBody{
			Role:    "assistant",
			Content: blocks,
			Model:   a.currentModel(),
			Usage:   &claudewire.Usage{InputTokens: 1200, OutputTokens: 350},
		},
		SessionID: a.sessionID,
	}
	if parentToolUseID != "" {
		frame.ParentToolUseID = &parentToolUseID
	}
	a.send(frame)
}

// sendToolResult emits the user-framed tool_result for a finished tool use.
func (a *agent) sendToolResult(parentToolUseID, toolUseID, content string, isError bool) {
	payload, _ := json.Marshal(content)
	frame := &contentFrame{
		Type: claudewire.TypeUser,
		Message: claudewire.MessageBody{
			Role: "user",
			Content: []claudewire.ContentBlock{{
				Type:      "tool_result",
				ToolUseID: toolUseID,
				Content:   payload,
				IsError:   isError,
			}},
		},
		SessionID: a.sessionID,
	}
	if parentToolUseID != "" {
		frame.ParentToolUseID = &parentToolUseID
	}
	a.send(frame)
}

func (a *agent) sendResult(isError bool, errText string, started time.Time) {
	frame := &resultFrame{
		Type:       claudewire.TypeResult,
		Subtype:    "success",
		SessionID:  a.sessionID,
		NumTurns:   a.turnCount(),
		DurationMS: time.Since(started).Milliseconds(),
		CostUSD:    0.0042,
		Usage:      &claudewire.Usage{InputTokens: 1500, OutputTokens: 500},
	}
	if isError {
		frame.Subtype = "error_during_execution"
		frame.IsError = true
		frame.Result, _ = json.Marshal(errText)
	} else {
		frame.Result, _ = json.Marshal(map[string]any{
			"text":       "Mock agent completed the turn.",
			"session_id": a.sessionID,
		})
	}
	a.send(frame)
}

func textBlock(text string) claudewire.ContentBlock {
	return claudewire.ContentBlock{Type: "text", Text: text}
}

func thinkingBlock(thought string) claudewire.ContentBlock {
	return claudewire.ContentBlock{Type: "thinking", Thinking: thought}
}

func toolUseBlock(id, name string, input map[string]any) claudewire.ContentBlock {
	return claudewire.ContentBlock{Type: "tool_use", ID: id, Name: name, Input: input}
}

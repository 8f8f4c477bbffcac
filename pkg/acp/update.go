package acp

import (
	"encoding/json"
	"fmt"
)

// SessionNotification is the params payload of a session/update
// notification.
type SessionNotification struct {
	SessionID string        `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
}

// Session update kinds carried in the sessionUpdate discriminator.
const (
	UpdateUserMessageChunk        = "user_message_chunk"
	UpdateAgentMessageChunk       = "agent_message_chunk"
	UpdateAgentThoughtChunk       = "agent_thought_chunk"
	UpdateToolCall                = "tool_call"
	UpdateToolCallUpdate          = "tool_call_update"
	UpdatePlan                    = "plan"
	UpdateAvailableCommandsUpdate = "available_commands_update"
	UpdateCurrentModeUpdate       = "current_mode_update"
)

// SessionUpdate is the union of update variants. The wire object is flat:
// the sessionUpdate field names the variant and the remaining fields belong
// to it. Exactly one variant pointer is set after decoding; unknown kinds
// keep only Kind and Raw.
type SessionUpdate struct {
	Kind string
	Raw  json.RawMessage

	UserMessageChunk  *MessageChunk
	AgentMessageChunk *MessageChunk
	AgentThoughtChunk *MessageChunk
	ToolCall          *ToolCall
	ToolCallUpdate    *ToolCallUpdate
	Plan              *Plan
	AvailableCommands *AvailableCommandsUpdate
	CurrentMode       *CurrentModeUpdate
}

// MessageChunk carries one streamed content block.
type MessageChunk struct {
	Content ContentBlock `json:"content"`
}

// ToolCall announces a tool invocation.
type ToolCall struct {
	ToolCallID string          `json:"toolCallId"`
	Title      string          `json:"title,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Status     string          `json:"status,omitempty"` // pending, in_progress, completed, failed
	Locations  []ToolLocation  `json:"locations,omitempty"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`
	Content    []ToolContent   `json:"content,omitempty"`
}

// ToolCallUpdate amends a previously announced tool call.
type ToolCallUpdate struct {
	ToolCallID string          `json:"toolCallId"`
	Status     string          `json:"status,omitempty"`
	RawOutput  json.RawMessage `json:"rawOutput,omitempty"`
	Content    []ToolContent   `json:"content,omitempty"`
}

// ToolLocation points at a file the tool touches.
type ToolLocation struct {
	Path string `json:"path"`
	Line *int   `json:"line,omitempty"`
}

// ToolContent is output attached to a tool call.
type ToolContent struct {
	Type    string        `json:"type"`
	Content *ContentBlock `json:"content,omitempty"`
}

// Plan is the agent's current task plan.
type Plan struct {
	Entries []PlanEntry `json:"entries"`
}

// PlanEntry is one plan step.
type PlanEntry struct {
	Content  string `json:"content"`
	Status   string `json:"status,omitempty"`
	Priority string `json:"priority,omitempty"`
}

// AvailableCommandsUpdate advertises the agent's slash commands.
type AvailableCommandsUpdate struct {
	AvailableCommands []AvailableCommand `json:"availableCommands"`
}

// AvailableCommand is one agent-side command.
type AvailableCommand struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// CurrentModeUpdate reports a mode switch.
type CurrentModeUpdate struct {
	CurrentModeID string `json:"currentModeId"`
}

// UnmarshalJSON decodes the flat wire object into the variant named by the
// sessionUpdate field.
func (u *SessionUpdate) UnmarshalJSON(data []byte) error {
	var kind struct {
		SessionUpdate string `json:"sessionUpdate"`
	}
	if err := json.Unmarshal(data, &kind); err != nil {
		return fmt.Errorf("failed to read sessionUpdate kind: %w", err)
	}

	u.Kind = kind.SessionUpdate
	u.Raw = append(json.RawMessage(nil), data...)

	switch kind.SessionUpdate {
	case UpdateUserMessageChunk:
		u.UserMessageChunk = &MessageChunk{}
		return json.Unmarshal(data, u.UserMessageChunk)
	case UpdateAgentMessageChunk:
		u.AgentMessageChunk = &MessageChunk{}
		return json.Unmarshal(data, u.AgentMessageChunk)
	case UpdateAgentThoughtChunk:
		u.AgentThoughtChunk = &MessageChunk{}
		return json.Unmarshal(data, u.AgentThoughtChunk)
	case UpdateToolCall:
		u.ToolCall = &ToolCall{}
		return json.Unmarshal(data, u.ToolCall)
	case UpdateToolCallUpdate:
		u.ToolCallUpdate = &ToolCallUpdate{}
		return json.Unmarshal(data, u.ToolCallUpdate)
	case UpdatePlan:
		u.Plan = &Plan{}
		return json.Unmarshal(data, u.Plan)
	case UpdateAvailableCommandsUpdate:
		u.AvailableCommands = &AvailableCommandsUpdate{}
		return json.Unmarshal(data, u.AvailableCommands)
	case UpdateCurrentModeUpdate:
		u.CurrentMode = &CurrentModeUpdate{}
		return json.Unmarshal(data, u.CurrentMode)
	default:
		// Unknown update kinds are preserved in Raw for passthrough.
		return nil
	}
}

// MarshalJSON re-emits the flat wire object.
func (u SessionUpdate) MarshalJSON() ([]byte, error) {
	merge := func(kind string, v interface{}) ([]byte, error) {
		body, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, err
		}
		fields["sessionUpdate"], _ = json.Marshal(kind)
		return json.Marshal(fields)
	}

	switch {
	case u.UserMessageChunk != nil:
		return merge(UpdateUserMessageChunk, u.UserMessageChunk)
	case u.AgentMessageChunk != nil:
		return merge(UpdateAgentMessageChunk, u.AgentMessageChunk)
	case u.AgentThoughtChunk != nil:
		return merge(UpdateAgentThoughtChunk, u.AgentThoughtChunk)
	case u.ToolCall != nil:
		return merge(UpdateToolCall, u.ToolCall)
	case u.ToolCallUpdate != nil:
		return merge(UpdateToolCallUpdate, u.ToolCallUpdate)
	case u.Plan != nil:
		return merge(UpdatePlan, u.Plan)
	case u.AvailableCommands != nil:
		return merge(UpdateAvailableCommandsUpdate, u.AvailableCommands)
	case u.CurrentMode != nil:
		return merge(UpdateCurrentModeUpdate, u.CurrentMode)
	case len(u.Raw) > 0:
		return u.Raw, nil
	}
	return nil, fmt.Errorf("session update has no variant set")
}

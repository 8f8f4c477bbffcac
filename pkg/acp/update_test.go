package acp

import (
	"encoding/json"
	"testing"
)

func TestSessionUpdate_UnmarshalAgentMessageChunk(t *testing.T) {
	raw := `{"sessionId":"sess_1","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"Hello"}}}`

	var n SessionNotification
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if n.SessionID != "sess_1" {
		t.Errorf("sessionId = %q, want sess_1", n.SessionID)
	}
	if n.Update.Kind != UpdateAgentMessageChunk {
		t.Errorf("kind = %q, want %q", n.Update.Kind, UpdateAgentMessageChunk)
	}
	if n.Update.AgentMessageChunk == nil {
		t.Fatal("AgentMessageChunk not set")
	}
	if got := n.Update.AgentMessageChunk.Content.Text; got != "Hello" {
		t.Errorf("text = %q, want Hello", got)
	}
}

func TestSessionUpdate_UnmarshalToolCall(t *testing.T) {
	raw := `{"sessionUpdate":"tool_call","toolCallId":"call_1","title":"Read main.go","kind":"read","status":"pending","locations":[{"path":"main.go","line":12}],"rawInput":{"path":"main.go"}}`

	var u SessionUpdate
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if u.ToolCall == nil {
		t.Fatal("ToolCall not set")
	}
	if u.ToolCall.ToolCallID != "call_1" {
		t.Errorf("toolCallId = %q", u.ToolCall.ToolCallID)
	}
	if u.ToolCall.Kind != "read" {
		t.Errorf("kind = %q", u.ToolCall.Kind)
	}
	if len(u.ToolCall.Locations) != 1 || u.ToolCall.Locations[0].Path != "main.go" {
		t.Errorf("locations = %+v", u.ToolCall.Locations)
	}
	if u.ToolCall.Locations[0].Line == nil || *u.ToolCall.Locations[0].Line != 12 {
		t.Errorf("line = %v", u.ToolCall.Locations[0].Line)
	}
}

func TestSessionUpdate_UnmarshalToolCallUpdate(t *testing.T) {
	raw := `{"sessionUpdate":"tool_call_update","toolCallId":"call_1","status":"completed","rawOutput":{"exitCode":0}}`

	var u SessionUpdate
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if u.ToolCallUpdate == nil {
		t.Fatal("ToolCallUpdate not set")
	}
	if u.ToolCallUpdate.Status != "completed" {
		t.Errorf("status = %q", u.ToolCallUpdate.Status)
	}
	if string(u.ToolCallUpdate.RawOutput) != `{"exitCode":0}` {
		t.Errorf("rawOutput = %s", u.ToolCallUpdate.RawOutput)
	}
}

func TestSessionUpdate_UnmarshalPlanAndCommands(t *testing.T) {
	rawPlan := `{"sessionUpdate":"plan","entries":[{"content":"Read files","status":"pending","priority":"high"}]}`
	var plan SessionUpdate
	if err := json.Unmarshal([]byte(rawPlan), &plan); err != nil {
		t.Fatalf("unmarshal plan: %v", err)
	}
	if plan.Plan == nil || len(plan.Plan.Entries) != 1 || plan.Plan.Entries[0].Content != "Read files" {
		t.Errorf("plan = %+v", plan.Plan)
	}

	rawCmds := `{"sessionUpdate":"available_commands_update","availableCommands":[{"name":"compact","description":"Compact history"}]}`
	var cmds SessionUpdate
	if err := json.Unmarshal([]byte(rawCmds), &cmds); err != nil {
		t.Fatalf("unmarshal commands: %v", err)
	}
	if cmds.AvailableCommands == nil || len(cmds.AvailableCommands.AvailableCommands) != 1 {
		t.Fatalf("commands = %+v", cmds.AvailableCommands)
	}
	if cmds.AvailableCommands.AvailableCommands[0].Name != "compact" {
		t.Errorf("command name = %q", cmds.AvailableCommands.AvailableCommands[0].Name)
	}
}

func TestSessionUpdate_UnknownKindPreserved(t *testing.T) {
	raw := `{"sessionUpdate":"future_thing","payload":{"x":1}}`

	var u SessionUpdate
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if u.Kind != "future_thing" {
		t.Errorf("kind = %q", u.Kind)
	}

	out, err := json.Marshal(u)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var round map[string]interface{}
	if err := json.Unmarshal(out, &round); err != nil {
		t.Fatalf("re-unmarshal: %v", err)
	}
	if round["sessionUpdate"] != "future_thing" {
		t.Errorf("round trip lost kind: %v", round)
	}
}

func TestSessionUpdate_MarshalToolCall(t *testing.T) {
	u := SessionUpdate{
		ToolCall: &ToolCall{ToolCallID: "call_9", Title: "Run tests", Kind: "execute", Status: "in_progress"},
	}

	out, err := json.Marshal(u)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded SessionUpdate
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Kind != UpdateToolCall {
		t.Errorf("kind = %q", decoded.Kind)
	}
	if decoded.ToolCall == nil || decoded.ToolCall.ToolCallID != "call_9" {
		t.Errorf("tool call = %+v", decoded.ToolCall)
	}
}

func TestPermissionOutcomes(t *testing.T) {
	sel, err := json.Marshal(SelectedOutcome("opt_allow"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(sel) != `{"outcome":{"outcome":"selected","optionId":"opt_allow"}}` {
		t.Errorf("selected = %s", sel)
	}

	can, err := json.Marshal(CancelledOutcome())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(can) != `{"outcome":{"outcome":"cancelled"}}` {
		t.Errorf("cancelled = %s", can)
	}
}

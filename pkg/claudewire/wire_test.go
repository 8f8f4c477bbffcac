package claudewire

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestUserFrame_StringContent(t *testing.T) {
	frame := NewUserFrame("sess-1", "hello")

	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	want := `{"type":"user","message":{"role":"user","content":"hello"},"parent_tool_use_id":null,"session_id":"sess-1"}`
	if string(data) != want {
		t.Errorf("frame = %s\nwant    %s", data, want)
	}
}

func TestUserFrame_BlockContent(t *testing.T) {
	content := []map[string]any{
		{"type": "text", "text": "look at this"},
		{"type": "image", "source": map[string]any{"type": "base64", "media_type": "image/png", "data": "aGk="}},
	}
	frame := NewUserFrame("sess-1", content)

	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	msg := decoded["message"].(map[string]any)
	blocks, ok := msg["content"].([]any)
	if !ok || len(blocks) != 2 {
		t.Fatalf("content = %v", msg["content"])
	}
	if _, present := decoded["parent_tool_use_id"]; !present {
		t.Error("parent_tool_use_id must be serialized even when null")
	}
}

func TestNewPermissionResponse_Allow(t *testing.T) {
	frame, err := NewPermissionResponse("r1", &PermissionResult{
		Behavior:     BehaviorAllow,
		UpdatedInput: map[string]any{"command": "ls -a"},
	})
	if err != nil {
		t.Fatalf("NewPermissionResponse: %v", err)
	}

	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	want := `{"type":"control_response","response":{"subtype":"success","request_id":"r1","response":{"behavior":"allow","updatedInput":{"command":"ls -a"}}}}`
	if string(data) != want {
		t.Errorf("frame = %s\nwant    %s", data, want)
	}
}

func TestNewPermissionResponse_Deny(t *testing.T) {
	frame, err := NewPermissionResponse("r2", &PermissionResult{
		Behavior: BehaviorDeny,
		Message:  "not allowed",
	})
	if err != nil {
		t.Fatalf("NewPermissionResponse: %v", err)
	}

	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	want := `{"type":"control_response","response":{"subtype":"success","request_id":"r2","response":{"behavior":"deny","message":"not allowed"}}}`
	if string(data) != want {
		t.Errorf("frame = %s\nwant    %s", data, want)
	}
}

func TestNewInitializeRequest(t *testing.T) {
	frame := NewInitializeRequest("req_abc")

	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	want := `{"type":"control_request","request_id":"req_abc","request":{"subtype":"initialize"}}`
	if string(data) != want {
		t.Errorf("frame = %s\nwant    %s", data, want)
	}
}

func TestControlRequestBuilders(t *testing.T) {
	tests := []struct {
		name  string
		frame *ControlRequestFrame
		want  string
	}{
		{
			name:  "interrupt",
			frame: NewInterruptRequest("req_1"),
			want:  `{"type":"control_request","request_id":"req_1","request":{"subtype":"interrupt"}}`,
		},
		{
			name:  "set_model",
			frame: NewSetModelRequest("req_2", "claude-sonnet-4-5"),
			want:  `{"type":"control_request","request_id":"req_2","request":{"subtype":"set_model","model":"claude-sonnet-4-5"}}`,
		},
		{
			name:  "set_permission_mode",
			frame: NewSetPermissionModeRequest("req_3", "acceptEdits"),
			want:  `{"type":"control_request","request_id":"req_3","request":{"subtype":"set_permission_mode","mode":"acceptEdits"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.frame)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("frame = %s\nwant    %s", data, tt.want)
			}
		})
	}
}

func TestNewRequestID_Prefix(t *testing.T) {
	id := NewRequestID()
	if !strings.HasPrefix(id, "req_") {
		t.Errorf("id = %q, want req_ prefix", id)
	}
	if id == NewRequestID() {
		t.Error("request ids should be unique")
	}
}

func TestDecode_SystemInit(t *testing.T) {
	line := `{"type":"system","subtype":"init","session_id":"up-1","model":"claude-sonnet-4-5","cwd":"/tmp","tools":["Bash","Read"],"permissionMode":"default","mcp_servers":[{"name":"linear","status":"connected"}],"slash_commands":["/help","/compact"]}`

	frame, err := Decode([]byte(line))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if frame.Type != TypeSystem || frame.Subtype != SubtypeInit {
		t.Fatalf("type/subtype = %q/%q", frame.Type, frame.Subtype)
	}

	init, err := frame.SystemInit()
	if err != nil {
		t.Fatalf("SystemInit: %v", err)
	}
	if init.SessionID != "up-1" || init.Model != "claude-sonnet-4-5" || init.Cwd != "/tmp" {
		t.Errorf("init = %+v", init)
	}
	if len(init.Tools) != 2 || init.Tools[0] != "Bash" {
		t.Errorf("tools = %v", init.Tools)
	}
	if len(init.McpServers) != 1 || init.McpServers[0].Name != "linear" {
		t.Errorf("mcp_servers = %v", init.McpServers)
	}
	if len(init.SlashCommands) != 2 {
		t.Errorf("slash_commands = %v", init.SlashCommands)
	}
}

func TestDecode_PermissionControlRequest(t *testing.T) {
	line := `{"type":"control_request","request_id":"r1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"},"tool_use_id":"t1","permission_suggestions":[{"type":"addRules"}]}}`

	frame, err := Decode([]byte(line))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if frame.RequestID != "r1" {
		t.Errorf("request_id = %q", frame.RequestID)
	}
	req := frame.Request
	if req == nil || req.Subtype != SubtypeCanUseTool {
		t.Fatalf("request = %+v", req)
	}
	if req.ToolName != "Bash" || req.ToolUseID != "t1" {
		t.Errorf("tool = %q use=%q", req.ToolName, req.ToolUseID)
	}
	if req.Input["command"] != "ls" {
		t.Errorf("input = %v", req.Input)
	}
	if len(req.PermissionSuggestions) != 1 {
		t.Errorf("suggestions = %v", req.PermissionSuggestions)
	}
}

func TestDecode_ControlResponseSuccess(t *testing.T) {
	line := `{"type":"control_response","response":{"subtype":"success","request_id":"req_9","response":{"commands":[{"name":"/help","description":"Help"}],"models":[{"value":"x"}]}}}`

	frame, err := Decode([]byte(line))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if frame.Response == nil || frame.Response.Subtype != SubtypeSuccess {
		t.Fatalf("response = %+v", frame.Response)
	}
	if frame.Response.RequestID != "req_9" {
		t.Errorf("request_id = %q", frame.Response.RequestID)
	}

	var caps struct {
		Commands []struct {
			Name string `json:"name"`
		} `json:"commands"`
	}
	if err := json.Unmarshal(frame.Response.Response, &caps); err != nil {
		t.Fatalf("decode inner response: %v", err)
	}
	if len(caps.Commands) != 1 || caps.Commands[0].Name != "/help" {
		t.Errorf("commands = %+v", caps.Commands)
	}
}

func TestDecode_ResultErrorString(t *testing.T) {
	line := `{"type":"result","subtype":"error_during_execution","is_error":true,"result":"backend exploded","num_turns":3,"session_id":"up-1"}`

	frame, err := Decode([]byte(line))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !frame.IsError {
		t.Error("is_error not set")
	}
	if got := frame.ResultText(); got != "backend exploded" {
		t.Errorf("ResultText = %q", got)
	}
	if frame.NumTurns != 3 {
		t.Errorf("num_turns = %d", frame.NumTurns)
	}
}

func TestFrame_Meta(t *testing.T) {
	line := `{"type":"result","is_error":false,"num_turns":1,"total_cost_usd":0.03,"modelUsage":{"claude-sonnet-4-5":{"inputTokens":100,"outputTokens":50,"contextWindow":200000}}}`

	frame, err := Decode([]byte(line))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	meta := frame.Meta()
	if _, hasType := meta["type"]; hasType {
		t.Error("meta should not include the type discriminator")
	}
	if meta["num_turns"] != float64(1) {
		t.Errorf("num_turns = %v", meta["num_turns"])
	}
	usage, ok := meta["modelUsage"].(map[string]any)
	if !ok {
		t.Fatalf("modelUsage = %T", meta["modelUsage"])
	}
	if _, ok := usage["claude-sonnet-4-5"]; !ok {
		t.Error("model entry missing")
	}
}

func TestDecodeMessage_ToolResultContentShapes(t *testing.T) {
	line := `{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"plain"},{"type":"tool_result","tool_use_id":"t2","content":[{"type":"text","text":"block"}]}]},"session_id":"up-1"}`

	frame, err := Decode([]byte(line))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	body, err := frame.DecodeMessage()
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if len(body.Content) != 2 {
		t.Fatalf("content blocks = %d", len(body.Content))
	}
	if string(body.Content[0].Content) != `"plain"` {
		t.Errorf("string content = %s", body.Content[0].Content)
	}
	if string(body.Content[1].Content) != `[{"type":"text","text":"block"}]` {
		t.Errorf("array content = %s", body.Content[1].Content)
	}
}

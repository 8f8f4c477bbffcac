package unified

import (
	"encoding/json"
	"testing"
)

func TestType_Known(t *testing.T) {
	tests := []struct {
		typ  Type
		want bool
	}{
		{TypeSessionInit, true},
		{TypeResult, true},
		{TypeControlCancelRequest, true},
		{Type("totally_new"), false},
		{Type(""), false},
	}
	for _, tt := range tests {
		if got := tt.typ.Known(); got != tt.want {
			t.Errorf("Known(%q) = %v, want %v", tt.typ, got, tt.want)
		}
	}
}

func TestNew_PopulatesIdentity(t *testing.T) {
	m := New(TypeUserMessage, RoleUser)
	if m.ID == "" {
		t.Error("ID is empty")
	}
	if m.Timestamp == 0 {
		t.Error("Timestamp is zero")
	}
	if m.Type != TypeUserMessage || m.Role != RoleUser {
		t.Errorf("Type/Role = %q/%q, want user_message/user", m.Type, m.Role)
	}

	m2 := New(TypeUserMessage, RoleUser)
	if m2.ID == m.ID {
		t.Error("two messages share an id")
	}
}

func TestContentBlock_MarshalShapes(t *testing.T) {
	tests := []struct {
		name  string
		block ContentBlock
		want  string
	}{
		{
			name:  "text",
			block: TextBlock("hello"),
			want:  `{"type":"text","text":"hello"}`,
		},
		{
			name:  "tool_use",
			block: ToolUseBlock("t1", "Bash", map[string]any{"command": "ls"}),
			want:  `{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}}`,
		},
		{
			name:  "tool_result",
			block: ToolResultBlock("t1", "ok", false),
			want:  `{"type":"tool_result","tool_use_id":"t1","content":"ok"}`,
		},
		{
			name:  "tool_result error",
			block: ToolResultBlock("t1", "boom", true),
			want:  `{"type":"tool_result","tool_use_id":"t1","content":"boom","is_error":true}`,
		},
		{
			name:  "thinking",
			block: ThinkingBlock("hmm"),
			want:  `{"type":"thinking","thinking":"hmm"}`,
		},
		{
			name:  "code",
			block: ContentBlock{Type: BlockCode, Code: &Code{Language: "go", Code: "package main"}},
			want:  `{"type":"code","language":"go","code":"package main"}`,
		},
		{
			name:  "image",
			block: ImageBlock("image/png", "aGk="),
			want:  `{"type":"image","source":{"type":"base64","media_type":"image/png","data":"aGk="}}`,
		},
		{
			name:  "refusal",
			block: ContentBlock{Type: BlockRefusal, Refusal: "no"},
			want:  `{"type":"refusal","refusal":"no"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.block)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("Marshal() = %s, want %s", data, tt.want)
			}
		})
	}
}

func TestContentBlock_UnmarshalVariants(t *testing.T) {
	tests := []struct {
		name  string
		json  string
		check func(t *testing.T, b ContentBlock)
	}{
		{
			name: "text",
			json: `{"type":"text","text":"hi"}`,
			check: func(t *testing.T, b ContentBlock) {
				if b.Text != "hi" {
					t.Errorf("Text = %q, want %q", b.Text, "hi")
				}
			},
		},
		{
			name: "tool_use",
			json: `{"type":"tool_use","id":"t1","name":"Write","input":{"path":"/tmp/x"}}`,
			check: func(t *testing.T, b ContentBlock) {
				if b.ToolUse == nil {
					t.Fatal("ToolUse is nil")
				}
				if b.ToolUse.Name != "Write" {
					t.Errorf("Name = %q, want Write", b.ToolUse.Name)
				}
				if b.ToolUse.Input["path"] != "/tmp/x" {
					t.Errorf("Input[path] = %v", b.ToolUse.Input["path"])
				}
			},
		},
		{
			name: "tool_result string content",
			json: `{"type":"tool_result","tool_use_id":"t1","content":"plain"}`,
			check: func(t *testing.T, b ContentBlock) {
				if b.ToolResult == nil {
					t.Fatal("ToolResult is nil")
				}
				if b.ToolResult.Content != "plain" {
					t.Errorf("Content = %q, want plain", b.ToolResult.Content)
				}
			},
		},
		{
			name: "tool_result array content is stringified",
			json: `{"type":"tool_result","tool_use_id":"t1","content":[{"type":"text","text":"a"}],"is_error":true}`,
			check: func(t *testing.T, b ContentBlock) {
				if b.ToolResult == nil {
					t.Fatal("ToolResult is nil")
				}
				want := `[{"type":"text","text":"a"}]`
				if b.ToolResult.Content != want {
					t.Errorf("Content = %q, want %q", b.ToolResult.Content, want)
				}
				if !b.ToolResult.IsError {
					t.Error("IsError = false, want true")
				}
			},
		},
		{
			name: "thinking with budget",
			json: `{"type":"thinking","thinking":"...","budget_tokens":512}`,
			check: func(t *testing.T, b ContentBlock) {
				if b.Thinking == nil || b.Thinking.BudgetTokens != 512 {
					t.Errorf("Thinking = %+v, want budget 512", b.Thinking)
				}
			},
		},
		{
			name: "image",
			json: `{"type":"image","source":{"type":"base64","media_type":"image/jpeg","data":"xx"}}`,
			check: func(t *testing.T, b ContentBlock) {
				if b.Image == nil || b.Image.Source.MediaType != "image/jpeg" {
					t.Errorf("Image = %+v", b.Image)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b ContentBlock
			if err := json.Unmarshal([]byte(tt.json), &b); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			tt.check(t, b)
		})
	}
}

func TestContentBlock_UnknownTypeRejected(t *testing.T) {
	var b ContentBlock
	err := json.Unmarshal([]byte(`{"type":"widget"}`), &b)
	if err == nil {
		t.Fatal("expected error for unknown block type")
	}
}

func TestMessage_RoundTrip(t *testing.T) {
	m := New(TypeAssistant, RoleAssistant)
	m.Content = []ContentBlock{
		TextBlock("answer"),
		ToolUseBlock("t9", "Read", map[string]any{"file_path": "/etc/hosts"}),
	}
	m.SetMeta("model", "claude-sonnet-4-5")

	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Message
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.ID != m.ID || back.Type != m.Type || back.Role != m.Role {
		t.Errorf("identity fields changed: %+v", back)
	}
	if len(back.Content) != 2 {
		t.Fatalf("Content len = %d, want 2", len(back.Content))
	}
	if back.Content[0].Text != "answer" {
		t.Errorf("Content[0].Text = %q", back.Content[0].Text)
	}
	if back.MetaString("model") != "claude-sonnet-4-5" {
		t.Errorf("metadata model = %q", back.MetaString("model"))
	}
}

func TestMessage_MetaAccessors(t *testing.T) {
	m := New(TypeResult, RoleSystem)
	m.SetMeta("is_error", true)
	m.SetMeta("num_turns", float64(3)) // JSON numbers decode as float64
	m.SetMeta("cost", 0.12)
	m.SetMeta("usage", map[string]any{"input_tokens": float64(10)})

	if !m.MetaBool("is_error") {
		t.Error("MetaBool(is_error) = false")
	}
	if n, ok := m.MetaInt("num_turns"); !ok || n != 3 {
		t.Errorf("MetaInt(num_turns) = %d, %v", n, ok)
	}
	if f, ok := m.MetaFloat("cost"); !ok || f != 0.12 {
		t.Errorf("MetaFloat(cost) = %v, %v", f, ok)
	}
	if mm := m.MetaMap("usage"); mm == nil {
		t.Error("MetaMap(usage) = nil")
	}
	if _, ok := m.MetaInt("absent"); ok {
		t.Error("MetaInt(absent) reported ok")
	}
}

func TestMessage_Clone_Isolation(t *testing.T) {
	m := NewUserText("original")
	m.SetMeta("k", "v")
	cp := m.Clone()

	cp.Content[0].Text = "mutated"
	cp.SetMeta("k", "changed")

	if m.Content[0].Text != "original" {
		t.Errorf("clone mutated source content: %q", m.Content[0].Text)
	}
	if m.MetaString("k") != "v" {
		t.Errorf("clone mutated source metadata: %q", m.MetaString("k"))
	}
}

func TestMessage_Text(t *testing.T) {
	m := New(TypeAssistant, RoleAssistant)
	m.Content = []ContentBlock{
		TextBlock("a"),
		ThinkingBlock("ignored"),
		TextBlock("b"),
	}
	if got := m.Text(); got != "ab" {
		t.Errorf("Text() = %q, want %q", got, "ab")
	}
}

func TestNewErrorResult(t *testing.T) {
	m := NewErrorResult("backend send failed")
	if m.Type != TypeResult {
		t.Errorf("Type = %q, want result", m.Type)
	}
	if !m.MetaBool("is_error") {
		t.Error("is_error not set")
	}
	if m.MetaString("error_message") != "backend send failed" {
		t.Errorf("error_message = %q", m.MetaString("error_message"))
	}
}

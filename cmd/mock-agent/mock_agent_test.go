package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    options
		wantErr bool
	}{
		{
			name:    "missing sdk-url",
			args:    []string{"--model", "mock-fast"},
			wantErr: true,
		},
		{
			name: "full launch line",
			args: []string{
				"--sdk-url", "ws://127.0.0.1:4567",
				"--input-format", "stream-json",
				"--output-format", "stream-json",
				"--model", "mock-slow",
			},
			want: options{sdkURL: "ws://127.0.0.1:4567", model: "mock-slow"},
		},
		{
			name: "resume flag",
			args: []string{"--sdk-url", "ws://127.0.0.1:1", "--resume", "mock-abc"},
			want: options{sdkURL: "ws://127.0.0.1:1", model: "mock-default", resume: "mock-abc"},
		},
		{
			name: "equals syntax",
			args: []string{"--sdk-url=ws://127.0.0.1:1", "--model=mock-fast"},
			want: options{sdkURL: "ws://127.0.0.1:1", model: "mock-fast"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseArgs(tt.args)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestScenarioRouting(t *testing.T) {
	tests := []struct {
		prompt  string
		want    scenario
		wantArg string
	}{
		{"fix the bug", scenarioDefault, ""},
		{"all", scenarioAll, ""},
		{"/thinking", scenarioThinking, ""},
		{"/error", scenarioError, ""},
		{"/slow", scenarioSlow, ""},
		{"/slow 30s", scenarioSlow, "30s"},
		{"/subagent", scenarioSubagent, ""},
		{"/tool:read", scenarioTool, "read"},
		{"/tool: bash", scenarioTool, "bash"},
	}
	for _, tt := range tests {
		t.Run(tt.prompt, func(t *testing.T) {
			kind, arg := scenarioFor(tt.prompt)
			assert.Equal(t, tt.want, kind)
			assert.Equal(t, tt.wantArg, arg)
		})
	}
}

func TestPromptTextAcceptsBothContentShapes(t *testing.T) {
	plain := json.RawMessage(`{"role":"user","content":"hello there"}`)
	assert.Equal(t, "hello there", promptText(plain))

	blocks := json.RawMessage(`{"role":"user","content":[{"type":"text","text":"first"},{"type":"text","text":"second"}]}`)
	assert.Equal(t, "first\nsecond", promptText(blocks))

	assert.Empty(t, promptText(nil))
	assert.Empty(t, promptText(json.RawMessage(`{"role":"user","content":[]}`)))
}

func TestInitializePayloadListsCommands(t *testing.T) {
	payload := initializePayload()
	commands, ok := payload["commands"].([]map[string]any)
	require.True(t, ok)
	require.NotEmpty(t, commands)

	names := make([]string, 0, len(commands))
	for _, cmd := range commands {
		name, _ := cmd["name"].(string)
		require.NotEmpty(t, name)
		names = append(names, name)
	}
	assert.Contains(t, names, "error")
	assert.Contains(t, names, "slow")
	assert.Contains(t, names, "tool:edit")
}

func TestDiscoverInFindsTextFiles(t *testing.T) {
	dir := t.TempDir()
	write := func(rel, content string) {
		path := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	write("main.go", "package main")
	write("web/util.ts", "export {}")
	write("image.png", "not text")
	write("node_modules/lib.js", "//")

	files := discoverIn(dir)

	rels := make([]string, 0, len(files))
	for _, f := range files {
		rels = append(rels, f.rel)
	}
	assert.Contains(t, rels, "main.go")
	assert.Contains(t, rels, filepath.Join("web", "util.ts"))
	assert.NotContains(t, rels, "image.png")
	assert.NotContains(t, rels, filepath.Join("node_modules", "lib.js"))
}

func TestFileSnippet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.txt")
	require.NoError(t, os.WriteFile(path, []byte("line1\nline2\nline3\nline4\n"), 0o644))

	assert.Equal(t, "line1\nline2\nline3\n", fileSnippet(path, 3))
	assert.Equal(t, "line1\nline2\nline3\nline4\n", fileSnippet(path, 100))
	assert.Equal(t, "// (file not readable)\n", fileSnippet(filepath.Join(dir, "missing.txt"), 10))
}

func TestDelayRange(t *testing.T) {
	lo, hi := delayRange("mock-fast")
	assert.Equal(t, 10, lo)
	assert.Equal(t, 50, hi)

	lo, hi = delayRange("anything-else")
	assert.Equal(t, 100, lo)
	assert.Equal(t, 500, hi)
}

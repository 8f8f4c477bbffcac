package main

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"
)

// scenario selects what a turn streams, routed from the prompt text.
type scenario int

const (
	scenarioDefault scenario = iota
	scenarioAll
	scenarioThinking
	scenarioError
	scenarioSlow
	scenarioSubagent
	scenarioTool
)

// scenarioFor routes a prompt to a scenario. The second return carries
// the argument for parameterized scenarios: the tool name for
// scenarioTool, the duration for scenarioSlow.
func scenarioFor(prompt string) (scenario, string) {
	lower := strings.ToLower(strings.TrimSpace(prompt))
	switch {
	case lower == "all" || lower == "/all":
		return scenarioAll, ""
	case lower == "/thinking":
		return scenarioThinking, ""
	case lower == "/error":
		return scenarioError, ""
	case lower == "/slow" || strings.HasPrefix(lower, "/slow "):
		return scenarioSlow, strings.TrimSpace(strings.TrimPrefix(lower, "/slow"))
	case strings.HasPrefix(lower, "/subagent"):
		return scenarioSubagent, ""
	case strings.HasPrefix(lower, "/tool:"):
		return scenarioTool, strings.TrimSpace(strings.TrimPrefix(lower, "/tool:"))
	default:
		return scenarioDefault, ""
	}
}

// runTurn streams one turn for the prompt and always ends it with a
// result frame, including when the turn is interrupted mid-stream.
func (a *agent) runTurn(ctx context.Context, prompt string) {
	started := time.Now()

	kind, arg := scenarioFor(prompt)
	switch kind {
	case scenarioAll:
		a.turnAll(ctx)
	case scenarioThinking:
		a.turnThinking(ctx)
	case scenarioError:
		a.turnError(ctx, started)
		return
	case scenarioSlow:
		a.turnSlow(ctx, arg)
	case scenarioSubagent:
		a.turnSubagent(ctx)
	case scenarioTool:
		a.turnTool(ctx, arg)
	default:
		a.turnDefault(ctx, prompt)
	}

	a.sendResult(false, "", started)
}

func (a *agent) turnDefault(ctx context.Context, prompt string) {
	a.sendAssistant("", thinkingBlock("Analyzing the request and considering the best approach..."))
	if !a.pause(ctx) {
		return
	}
	a.sendAssistant("", textBlock("I'll help you with that. Let me look into it."))
	if !a.pause(ctx) {
		return
	}
	a.toolRead(ctx, "")
	if !a.pause(ctx) {
		return
	}
	a.sendAssistant("", textBlock("I've completed the analysis of your request: \""+prompt+"\". Everything looks good!"))
}

func (a *agent) turnThinking(ctx context.Context) {
	thoughts := []string{
		"Let me analyze this problem step by step...",
		"First, I need to consider the architecture and how the components interact.",
		"The key insight is that we need to handle both synchronous and asynchronous flows.",
		"I should also consider edge cases: what happens when the input is empty? What about concurrent access?",
	}
	for _, thought := range thoughts {
		a.sendAssistant("", thinkingBlock(thought))
		if !a.pause(ctx) {
			return
		}
	}
	a.sendAssistant("", textBlock("After careful reasoning, here is my analysis:\n\n1. The architecture is sound\n2. Error handling covers edge cases\n3. The implementation follows Go conventions"))
}

func (a *agent) turnError(ctx context.Context, started time.Time) {
	a.sendAssistant("", textBlock("Simulating an error condition..."))
	a.pause(ctx)
	a.sendResult(true, "Mock error: something went wrong during processing", started)
}

// turnSlow stretches a stepped turn over the requested duration, default
// five seconds. Long values give interrupts something to land on.
func (a *agent) turnSlow(ctx context.Context, arg string) {
	total := 5 * time.Second
	if arg != "" {
		if d, err := time.ParseDuration(arg); err == nil && d > 0 {
			total = d
		}
	}
	step := total / 5

	steps := []func(){
		func() { a.sendAssistant("", thinkingBlock("Working through a long task...")) },
		func() { a.sendAssistant("", textBlock(fmt.Sprintf("Running slow turn (%s total)...", total))) },
		func() { a.toolRead(ctx, "") },
		func() { a.toolGrep(ctx, "") },
		func() { a.sendAssistant("", textBlock(fmt.Sprintf("Slow turn complete after %s.", total))) },
	}
	for _, emit := range steps {
		emit()
		select {
		case <-ctx.Done():
			return
		case <-time.After(step):
		}
	}
}

func (a *agent) turnAll(ctx context.Context) {
	a.sendAssistant("", thinkingBlock("Demonstrating every message type..."))
	steps := []func(){
		func() { a.sendAssistant("", textBlock("Starting the tour of message types.")) },
		func() { a.toolRead(ctx, "") },
		func() { a.toolEdit(ctx) },
		func() { a.toolBash(ctx) },
		func() { a.toolGrep(ctx, "") },
		func() { a.toolWebFetch(ctx) },
		func() { a.sendAssistant("", textBlock("All message types demonstrated.")) },
	}
	for _, emit := range steps {
		if !a.pause(ctx) {
			return
		}
		emit()
	}
}

func (a *agent) turnTool(ctx context.Context, name string) {
	switch name {
	case "read":
		a.toolRead(ctx, "")
	case "edit":
		a.toolEdit(ctx)
	case "bash", "exec":
		a.toolBash(ctx)
	case "grep", "search":
		a.toolGrep(ctx, "")
	case "webfetch", "web":
		a.toolWebFetch(ctx)
	default:
		a.sendAssistant("", textBlock("Unknown tool: "+name+". Available: read, edit, bash, grep, webfetch"))
	}
}

// turnSubagent nests a short child conversation under a Task tool use via
// parent_tool_use_id.
func (a *agent) turnSubagent(ctx context.Context) {
	taskID := nextToolID()
	a.sendAssistant("", toolUseBlock(taskID, toolTask, map[string]any{
		"description": "Explore codebase",
		"prompt":      "Find all files and summarize the project structure",
	}))
	if !a.pause(ctx) {
		return
	}

	a.sendAssistant(taskID, thinkingBlock("Exploring the project structure..."))
	if !a.pause(ctx) {
		return
	}

	globID := nextToolID()
	paths := workspacePaths(5)
	a.sendAssistant(taskID, toolUseBlock(globID, toolGlob, map[string]any{"pattern": "**/*"}))
	a.sendToolResult(taskID, globID, strings.Join(paths, "\n"), false)
	if !a.pause(ctx) {
		return
	}

	a.sendAssistant(taskID, textBlock(fmt.Sprintf("Found %d files. The project structure looks well-organized.", len(paths))))
	a.sendToolResult("", taskID, fmt.Sprintf("Subagent completed: found %d files across the project.", len(paths)), false)
}

// --- single tool sequences ---

var toolCounter atomic.Int64

func nextToolID() string {
	return fmt.Sprintf("mock_tool_%04d", toolCounter.Add(1))
}

func (a *agent) toolRead(ctx context.Context, parent string) {
	id := nextToolID()
	f := randomWorkspaceFile()
	a.sendAssistant(parent, toolUseBlock(id, toolRead, map[string]any{"file_path": f.abs}))
	if !a.pause(ctx) {
		return
	}
	a.sendToolResult(parent, id, fileSnippet(f.abs, 30), false)
}

func (a *agent) toolGrep(ctx context.Context, parent string) {
	id := nextToolID()
	patterns := []string{"func ", "import ", "return ", "error", "type "}
	pattern := patterns[rand.Intn(len(patterns))]
	a.sendAssistant(parent, toolUseBlock(id, toolGrep, map[string]any{"pattern": pattern}))
	if !a.pause(ctx) {
		return
	}

	var results []string
	for i, p := range workspacePaths(3) {
		results = append(results, fmt.Sprintf("%s:%d:%s found here", p, (i+1)*10, strings.TrimSpace(pattern)))
	}
	a.sendToolResult(parent, id, strings.Join(results, "\n"), false)
}

// toolEdit runs the permission round trip before reporting the edit.
func (a *agent) toolEdit(ctx context.Context) {
	id := nextToolID()
	f := randomWorkspaceFile()
	input := map[string]any{
		"file_path":  f.abs,
		"old_string": "original",
		"new_string": "modified",
	}
	a.sendAssistant("", toolUseBlock(id, toolEdit, input))

	if !a.askPermission(ctx, toolEdit, id, input) {
		a.sendToolResult("", id, "Permission to edit was denied.", true)
		return
	}
	a.sendToolResult("", id, "File edited successfully: "+f.abs, false)
}

func (a *agent) toolBash(ctx context.Context) {
	id := nextToolID()
	input := map[string]any{
		"command":     "go test ./...",
		"description": "Run all tests",
	}
	a.sendAssistant("", toolUseBlock(id, toolBash, input))

	if !a.askPermission(ctx, toolBash, id, input) {
		a.sendToolResult("", id, "Permission to run the command was denied.", true)
		return
	}
	a.sendToolResult("", id, "ok  \tgithub.com/example/project\t0.042s\nPASS", false)
}

func (a *agent) toolWebFetch(ctx context.Context) {
	id := nextToolID()
	a.sendAssistant("", toolUseBlock(id, toolWebFetch, map[string]any{
		"url":    "https://example.com/api/docs",
		"prompt": "Extract the API endpoints",
	}))
	if !a.pause(ctx) {
		return
	}
	a.sendToolResult("", id, "API Documentation:\n- GET /api/v1/sessions - List sessions\n- POST /api/v1/sessions - Create a session", false)
}

// pause sleeps a model-dependent beat between stream steps. Returns
// false when the turn was interrupted.
func (a *agent) pause(ctx context.Context) bool {
	lo, hi := delayRange(a.currentModel())
	ms := lo + rand.Intn(hi-lo+1)
	select {
	case <-ctx.Done():
		return false
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return true
	}
}

// delayRange maps the model name to a step delay band in milliseconds.
func delayRange(model string) (int, int) {
	switch model {
	case "mock-fast":
		return 10, 50
	case "mock-slow":
		return 500, 3000
	default:
		return 100, 500
	}
}

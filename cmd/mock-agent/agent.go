package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/beamcode/beamcode/pkg/claudewire"
)

// permissionWait bounds how long a turn blocks on a permission decision
// before treating it as denied.
const permissionWait = 2 * time.Minute

// agent is one mock CLI conversation. The read loop handles control
// traffic while turns stream from their own goroutine, so an interrupt
// arriving mid-turn still gets through.
type agent struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	sessionID string
	prompts   chan string

	mu       sync.Mutex
	model    string
	mode     string
	turns    int
	stopTurn context.CancelFunc
	pending  map[string]chan *claudewire.ControlResponseBody
}

func newAgent(conn *websocket.Conn, opts options) *agent {
	sessionID := opts.resume
	if sessionID == "" {
		sessionID = "mock-" + uuid.NewString()
	}
	return &agent{
		conn:      conn,
		sessionID: sessionID,
		prompts:   make(chan string, 8),
		model:     opts.model,
		mode:      "default",
		pending:   make(map[string]chan *claudewire.ControlResponseBody),
	}
}

// run announces the session and pumps frames until the socket closes.
func (a *agent) run() error {
	a.sendSystemInit()
	go a.turnLoop()

	for {
		_, payload, err := a.conn.ReadMessage()
		if err != nil {
			close(a.prompts)
			return err
		}
		frame, err := claudewire.Decode(payload)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mock-agent: undecodable frame: %v\n", err)
			continue
		}
		a.dispatch(frame)
	}
}

func (a *agent) dispatch(frame *claudewire.Frame) {
	switch frame.Type {
	case claudewire.TypeControlRequest:
		a.handleControlRequest(frame)

	case claudewire.TypeControlResponse:
		if frame.Response != nil {
			a.settle(frame.Response)
		}

	case claudewire.TypeUser:
		if prompt := promptText(frame.Message); prompt != "" {
			select {
			case a.prompts <- prompt:
			default:
				// Backpressure: a flooded prompt queue drops the turn.
			}
		}
	}
}

func (a *agent) handleControlRequest(frame *claudewire.Frame) {
	if frame.Request == nil {
		a.send(claudewire.NewErrorControlResponse(frame.RequestID, "control request without a body"))
		return
	}

	switch frame.Request.Subtype {
	case claudewire.SubtypeInitialize:
		a.respondSuccess(frame.RequestID, initializePayload())

	case claudewire.SubtypeInterrupt:
		a.interruptTurn()
		a.respondSuccess(frame.RequestID, nil)

	case claudewire.SubtypeSetModel:
		if frame.Request.Model == "" {
			a.send(claudewire.NewErrorControlResponse(frame.RequestID, "set_model without a model"))
			return
		}
		a.mu.Lock()
		a.model = frame.Request.Model
		a.mu.Unlock()
		a.respondSuccess(frame.RequestID, nil)

	case claudewire.SubtypeSetPermissionMode:
		if frame.Request.Mode == "" {
			a.send(claudewire.NewErrorControlResponse(frame.RequestID, "set_permission_mode without a mode"))
			return
		}
		a.mu.Lock()
		a.mode = frame.Request.Mode
		a.mu.Unlock()
		a.respondSuccess(frame.RequestID, nil)
		a.sendSystemStatus("", frame.Request.Mode)

	default:
		a.send(claudewire.NewErrorControlResponse(frame.RequestID,
			fmt.Sprintf("unsupported control request %q", frame.Request.Subtype)))
	}
}

// turnLoop runs prompts strictly in order, one at a time.
func (a *agent) turnLoop() {
	for prompt := range a.prompts {
		ctx, cancel := context.WithCancel(context.Background())
		a.mu.Lock()
		a.stopTurn = cancel
		a.turns++
		a.mu.Unlock()

		a.runTurn(ctx, prompt)

		a.mu.Lock()
		a.stopTurn = nil
		a.mu.Unlock()
		cancel()
	}
}

func (a *agent) interruptTurn() {
	a.mu.Lock()
	stop := a.stopTurn
	a.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// askPermission sends a can_use_tool request and blocks until the broker
// answers, the turn is interrupted, or the wait times out. Anything but
// an explicit allow is a deny.
func (a *agent) askPermission(ctx context.Context, toolName, toolUseID string, input map[string]any) bool {
	mode := a.currentMode()
	if mode == "bypassPermissions" {
		return true
	}
	if mode == "acceptEdits" && toolName == toolEdit {
		return true
	}

	requestID := claudewire.NewRequestID()
	ch := make(chan *claudewire.ControlResponseBody, 1)
	a.mu.Lock()
	a.pending[requestID] = ch
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pending, requestID)
		a.mu.Unlock()
	}()

	a.send(&claudewire.ControlRequestFrame{
		Type:      claudewire.TypeControlRequest,
		RequestID: requestID,
		Request: claudewire.ControlRequest{
			Subtype:   claudewire.SubtypeCanUseTool,
			ToolName:  toolName,
			Input:     input,
			ToolUseID: toolUseID,
		},
	})

	select {
	case resp := <-ch:
		if resp.Subtype != claudewire.SubtypeSuccess {
			return false
		}
		var result claudewire.PermissionResult
		if err := json.Unmarshal(resp.Response, &result); err != nil {
			return false
		}
		return result.Behavior == claudewire.BehaviorAllow
	case <-ctx.Done():
		return false
	case <-time.After(permissionWait):
		return false
	}
}

// settle routes a control response to the turn waiting on it.
func (a *agent) settle(resp *claudewire.ControlResponseBody) {
	a.mu.Lock()
	ch, ok := a.pending[resp.RequestID]
	if ok {
		delete(a.pending, resp.RequestID)
	}
	a.mu.Unlock()
	if ok {
		ch <- resp
	}
}

func (a *agent) currentModel() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.model
}

func (a *agent) currentMode() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

func (a *agent) turnCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.turns
}

// send marshals one frame and writes it as a single text message.
func (a *agent) send(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: encode frame: %v\n", err)
		return
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := a.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: write frame: %v\n", err)
	}
}

func (a *agent) respondSuccess(requestID string, payload any) {
	body := claudewire.ControlResponseBody{
		Subtype:   claudewire.SubtypeSuccess,
		RequestID: requestID,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			a.send(claudewire.NewErrorControlResponse(requestID, "failed to encode response"))
			return
		}
		body.Response = data
	}
	a.send(&claudewire.ControlResponseFrame{Type: claudewire.TypeControlResponse, Response: body})
}

// initializePayload is the capability handshake answer: the slash
// commands this agent accepts as prompts.
func initializePayload() map[string]any {
	commands := []map[string]any{
		{"name": "all", "description": "Demonstrate every message type"},
		{"name": "thinking", "description": "Extended reasoning blocks"},
		{"name": "error", "description": "Simulate an error result"},
		{"name": "slow", "description": "Slow stepped turn", "argumentHint": "<duration, e.g. 30s>"},
		{"name": "subagent", "description": "Task tool with nested child messages"},
		{"name": "tool:read", "description": "Single file read"},
		{"name": "tool:edit", "description": "File edit behind a permission request"},
		{"name": "tool:bash", "description": "Shell command behind a permission request"},
		{"name": "tool:grep", "description": "Code search"},
		{"name": "tool:webfetch", "description": "Web fetch"},
	}
	return map[string]any{"commands": commands}
}

// promptText extracts the prompt from a user frame message body. Content
// arrives as a plain string or as an array of content blocks.
func promptText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var body struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}

	var text string
	if err := json.Unmarshal(body.Content, &text); err == nil {
		return strings.TrimSpace(text)
	}

	var blocks []claudewire.ContentBlock
	if err := json.Unmarshal(body.Content, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.TrimSpace(strings.Join(parts, "\n"))
	}
	return ""
}

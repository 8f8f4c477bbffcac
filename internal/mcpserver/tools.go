package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/session"
)

// Messages submitted through the tools carry a fixed author identity, so
// consumers can tell agent-driven turns from human ones.
const (
	toolAuthorID    = "mcp"
	toolDisplayName = "MCP"
)

// Directory is the slice of the coordinator the tools read.
type Directory interface {
	ListSessions() []session.Snapshot
	GetSession(sessionID string) (*session.Session, bool)
}

// Submitter accepts user messages for live sessions. The bridge
// implements it with queue_message semantics.
type Submitter interface {
	QueueMessage(sess *session.Session, authorID, displayName, content string) (bool, error)
}

// Deps carries the tool backends.
type Deps struct {
	Directory Directory
	Submitter Submitter
	Log       *logger.Logger
}

func registerTools(s *server.MCPServer, deps Deps) {
	s.AddTool(
		mcp.NewTool("beamcode_list_sessions",
			mcp.WithDescription("List every live coding session with its adapter, phase, working directory and model. Use this first to find session IDs."),
		),
		listSessionsHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("beamcode_session_status",
			mcp.WithDescription("Show the full state snapshot of one session: phase, model, working directory, git facts, token usage and capabilities."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID to inspect"),
			),
		),
		sessionStatusHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("beamcode_queue_message",
			mcp.WithDescription("Send a user message to a session. The message is delivered immediately when the backend is idle and staged for the next turn when a turn is already running."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID to send to"),
			),
			mcp.WithString("content",
				mcp.Required(),
				mcp.Description("The message text"),
			),
		),
		queueMessageHandler(deps),
	)

	deps.Log.Info("registered MCP tools", zap.Int("count", 3))
}

func listSessionsHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		snapshots := deps.Directory.ListSessions()
		formatted, err := json.MarshalIndent(snapshots, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to render sessions: %v", err)), nil
		}
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func sessionStatusHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		sess, ok := deps.Directory.GetSession(sessionID)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("No session with ID %q", sessionID)), nil
		}

		formatted, err := json.MarshalIndent(sess.Snapshot(), "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to render session: %v", err)), nil
		}
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func queueMessageHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		sess, ok := deps.Directory.GetSession(sessionID)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("No session with ID %q", sessionID)), nil
		}

		queued, err := deps.Submitter.QueueMessage(sess, toolAuthorID, toolDisplayName, content)
		if err != nil {
			deps.Log.Warn("mcp queue_message failed",
				zap.String("session_id", sessionID),
				zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to submit message: %v", err)), nil
		}

		if queued {
			return mcp.NewToolResultText(fmt.Sprintf("Message staged for the next turn of session %s (a turn is currently running).", sessionID)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Message sent to session %s.", sessionID)), nil
	}
}

// Package events provides event types and subject utilities for the BeamCode
// event system. Every session-scoped occurrence in the broker is published on
// the event bus so that observers (gateway broadcast, persistence, the MCP
// surface) can react without coupling to the bridge.
package events

import "github.com/beamcode/beamcode/internal/events/bus"

// Session lifecycle events
const (
	SessionCreated            = "session:created"
	SessionClosed             = "session:closed"
	SessionFirstTurnCompleted = "session:first_turn_completed"
)

// Backend connection events
const (
	BackendConnected      = "backend:connected"
	BackendDisconnected   = "backend:disconnected"
	BackendSessionID      = "backend:session_id"      // upstream id learned or changed
	BackendRelaunchNeeded = "backend:relaunch_needed" // process died, restart policy applies
)

// Consumer socket events
const (
	ConsumerConnected    = "consumer:connected"
	ConsumerDisconnected = "consumer:disconnected"
)

// Message flow events
const (
	MessageInbound  = "message:inbound"
	MessageOutbound = "message:outbound"
)

// Permission events
const (
	PermissionRequested = "permission:requested"
	PermissionResolved  = "permission:resolved"
)

// Capability handshake events
const (
	CapabilitiesReady   = "capabilities:ready"
	CapabilitiesTimeout = "capabilities:timeout"
)

// Slash command events
const (
	SlashCommandExecuted = "slash_command:executed"
	SlashCommandFailed   = "slash_command:failed"
)

// Process supervisor events
const (
	ProcessSpawned      = "process:spawned"
	ProcessStdout       = "process:stdout"
	ProcessStderr       = "process:stderr"
	ProcessExited       = "process:exited"
	ProcessResumeFailed = "process:resume_failed"
)

// Queued message slot events
const (
	QueuedMessageUpdated = "queued_message:updated"
	QueuedMessageSent    = "queued_message:sent"
)

// Authentication events
const (
	AuthStatus = "auth_status"
	AuthFailed = "auth:failed"
)

// ErrorEvent reports a component failure scoped to a session. The payload
// carries a "source" field naming the failing stage.
const ErrorEvent = "error"

// SubjectRoot prefixes all session-scoped bus subjects.
const SubjectRoot = "beamcode.session"

// BuildSessionSubject creates the subject for one event type on one session.
func BuildSessionSubject(sessionID, eventType string) string {
	return SubjectRoot + "." + sessionID + "." + eventType
}

// BuildSessionWildcardSubject creates a subscription matching every event on
// one session.
func BuildSessionWildcardSubject(sessionID string) string {
	return SubjectRoot + "." + sessionID + ".>"
}

// BuildAllSessionsWildcardSubject creates a subscription matching every
// session-scoped event in the broker.
func BuildAllSessionsWildcardSubject() string {
	return SubjectRoot + ".>"
}

// BuildEventTypeWildcardSubject creates a subscription matching one event
// type across all sessions.
func BuildEventTypeWildcardSubject(eventType string) string {
	return SubjectRoot + ".*." + eventType
}

// NewSessionEvent creates an event scoped to a session, stamping the session
// id into the payload so wildcard subscribers can attribute it.
func NewSessionEvent(eventType, source, sessionID string, data map[string]interface{}) *bus.Event {
	if data == nil {
		data = make(map[string]interface{})
	}
	data["session_id"] = sessionID
	return bus.NewEvent(eventType, source, data)
}

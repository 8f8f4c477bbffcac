// Package adapter provides backend adapters for the agent CLIs and SDKs
// BeamCode can drive. Each adapter translates one native protocol into
// the unified message stream consumed by the session bridge: outbound
// unified messages become native actions, native output becomes unified
// messages.
package adapter

import (
	"context"

	"github.com/beamcode/beamcode/pkg/unified"
)

// Availability values for Capabilities.
const (
	AvailabilityLocal  = "local"
	AvailabilityRemote = "remote"
)

// Capabilities describes the protocol surface of an adapter. The bridge
// consults it when routing slash commands and permission responses.
type Capabilities struct {
	// Streaming reports whether the backend emits incremental
	// stream_event chunks during a turn.
	Streaming bool `json:"streaming"`
	// Permissions reports whether the backend raises permission requests
	// that consumers must answer.
	Permissions bool `json:"permissions"`
	// SlashCommands reports whether the backend executes slash commands
	// natively.
	SlashCommands bool `json:"slashCommands"`
	// SlashPassthrough reports whether unclaimed slash commands may be
	// forwarded to the backend as plain user messages.
	SlashPassthrough bool `json:"slashPassthrough"`
	// Teams reports whether the backend manages agent teams through tool
	// calls.
	Teams bool `json:"teams"`
	// Availability is "local" for subprocess backends, "remote" for
	// network backends.
	Availability string `json:"availability"`
}

// ConnectOptions parameterize a single backend connection.
type ConnectOptions struct {
	// SessionID is the broker-side session id the backend will serve.
	SessionID string
	// Resume reattaches to ResumeSessionID instead of starting fresh.
	Resume bool
	// ResumeSessionID is the backend-native session id captured from a
	// previous run.
	ResumeSessionID string
	// Cwd is the working directory for subprocess backends.
	Cwd string
	// Model selects the backend model when the adapter supports it.
	Model string
	// Options carries adapter-specific settings from createSession or
	// set_adapter.
	Options map[string]any
	// Env is appended to the sanitized environment of spawned processes.
	Env map[string]string
}

// Adapter creates backend sessions over one native protocol.
type Adapter interface {
	// Name returns the factory name, e.g. "claude" or "opencode".
	Name() string

	// Capabilities describes what the protocol can express.
	Capabilities() Capabilities

	// Connect establishes a backend session. For subprocess adapters this
	// spawns the CLI and awaits readiness.
	Connect(ctx context.Context, opts ConnectOptions) (BackendSession, error)
}

// BackendSession is one live conversation with a backend.
type BackendSession interface {
	// SessionID returns the broker session id this backend serves.
	SessionID() string

	// Send enqueues a message toward the backend. It never blocks on
	// backend I/O; transport failures surface on Messages as a
	// result{is_error:true} rather than an error return. Messages the
	// protocol cannot express are ignored with a warning. After Close it
	// returns errs.ErrSessionClosed.
	Send(msg *unified.Message) error

	// SendRaw writes one adapter-native line, bypassing translation.
	// Adapters without a raw surface return errs.ErrCapabilityUnsupported.
	SendRaw(line string) error

	// Messages returns the normalized backend stream. It has a single
	// subscriber and closes after Close or a backend disconnect.
	Messages() <-chan *unified.Message

	// Close tears the session down. Idempotent.
	Close() error
}

// SlashExecutor is an optional BackendSession capability for backends
// that run slash commands natively. The bridge discovers it by type
// assertion.
type SlashExecutor interface {
	// ClaimsSlashCommand reports whether the backend recognizes command
	// (without the leading slash).
	ClaimsSlashCommand(command string) bool

	// ExecuteSlashCommand runs the command and returns its rendered
	// output.
	ExecuteSlashCommand(ctx context.Context, command string) (string, error)
}

// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for various operations.
const (
	// AuthTimeout is the maximum time to wait for a consumer authenticator.
	AuthTimeout = 5 * time.Second

	// InitializeTimeout is the maximum time to wait for the capability
	// handshake control_response after backend connect.
	InitializeTimeout = 3 * time.Second

	// ProcessReadinessTimeout is the maximum time to wait for a spawned
	// agent CLI to signal readiness.
	ProcessReadinessTimeout = 15 * time.Second

	// KillGracePeriod is the window between a graceful terminate and a
	// hard kill during process shutdown.
	KillGracePeriod = 5 * time.Second

	// TeamCorrelationTTL flushes team tool_use entries that never saw a
	// matching tool_result.
	TeamCorrelationTTL = 30 * time.Second

	// BackendCloseGrace is the wait for an adapter close before a forced
	// tear-down.
	BackendCloseGrace = 5 * time.Second
)

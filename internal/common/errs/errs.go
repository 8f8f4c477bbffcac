// Package errs defines the error taxonomy shared across the bridge,
// adapters, and transports. Errors that reach a consumer carry a stable
// machine-readable code.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel errors for state checks via errors.Is.
var (
	// ErrSessionClosed is returned by adapter sends after Close.
	ErrSessionClosed = errors.New("session is closed")
	// ErrCircuitOpen is returned when the restart breaker rejects a spawn.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrResumeFailed marks a quick exit after a resume attempt.
	ErrResumeFailed = errors.New("resume failed")
	// ErrCapabilityUnsupported is returned by optional adapter surfaces
	// (sendRaw, slash executors) the adapter does not implement.
	ErrCapabilityUnsupported = errors.New("capability not supported by adapter")
	// ErrAlreadyQueued is returned when the single-slot queue is occupied.
	ErrAlreadyQueued = errors.New("a message is already queued")
	// ErrNotQueueAuthor is returned when a non-author mutates the queued slot.
	ErrNotQueueAuthor = errors.New("only the message author can update or cancel the queued message")
	// ErrSessionNotFound is returned by store and coordinator lookups.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned when creating a session id that is
	// already registered.
	ErrSessionExists = errors.New("session already exists")
)

// Stable error codes delivered on consumer error payloads.
const (
	CodeProtocol      = "protocol_error"
	CodeAuth          = "authentication_failed"
	CodeForbidden     = "forbidden"
	CodeRateLimit     = "ratelimit_exceeded"
	CodeGap           = "gap"
	CodeConflict      = "conflict"
	CodeBackend       = "backend_error"
	CodeCircuitOpen   = "circuit_open"
	CodeConfiguration = "configuration_error"
	CodeInternal      = "internal_error"
)

// Error is a coded error. Wrapping preserves errors.Is/As against Cause.
type Error struct {
	ErrCode string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Code returns the stable machine-readable code.
func (e *Error) Code() string { return e.ErrCode }

// New builds a coded error.
func New(code, message string) *Error {
	return &Error{ErrCode: code, Message: message}
}

// Wrap builds a coded error around a cause.
func Wrap(code, message string, cause error) *Error {
	return &Error{ErrCode: code, Message: message, Cause: cause}
}

// Protocol reports a malformed or disallowed consumer frame.
func Protocol(format string, args ...any) *Error {
	return &Error{ErrCode: CodeProtocol, Message: fmt.Sprintf(format, args...)}
}

// Authentication reports an authenticator rejection or timeout.
func Authentication(message string) *Error {
	return &Error{ErrCode: CodeAuth, Message: message}
}

// Authorization reports an observer attempting a participant-only message.
func Authorization(message string) *Error {
	return &Error{ErrCode: CodeForbidden, Message: message}
}

// RateLimited reports token bucket exhaustion.
func RateLimited() *Error {
	return &Error{ErrCode: CodeRateLimit, Message: "rate limit exceeded"}
}

// BackendConnect reports an adapter connect or handshake failure.
func BackendConnect(cause error) *Error {
	return &Error{ErrCode: CodeBackend, Message: "backend connect failed", Cause: cause}
}

// BackendStream reports the adapter message stream failing mid-session.
func BackendStream(cause error) *Error {
	return &Error{ErrCode: CodeBackend, Message: "backend stream failed", Cause: cause}
}

// SendFailure reports a synchronous adapter send error.
func SendFailure(cause error) *Error {
	return &Error{ErrCode: CodeBackend, Message: "backend send failed", Cause: cause}
}

// Configuration reports an invalid configuration value at bootstrap.
func Configuration(format string, args ...any) *Error {
	return &Error{ErrCode: CodeConfiguration, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the stable code from any error, defaulting to
// internal_error for uncoded errors.
func CodeOf(err error) string {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.ErrCode
	}
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return CodeCircuitOpen
	case errors.Is(err, ErrSessionClosed), errors.Is(err, ErrResumeFailed):
		return CodeBackend
	case errors.Is(err, ErrAlreadyQueued), errors.Is(err, ErrNotQueueAuthor):
		return CodeConflict
	}
	return CodeInternal
}

package session

import (
	"time"

	"github.com/beamcode/beamcode/internal/delivery"
	"github.com/beamcode/beamcode/internal/ratelimit"
)

// Role classifies a consumer's authority over the session.
type Role string

const (
	RoleParticipant Role = "participant"
	RoleObserver    Role = "observer"
)

// Identity describes an authenticated consumer.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
	SessionID   string `json:"session_id"`
}

// Sink is the transport half of a consumer connection. The bridge drains
// delivery channels through it and closes it when the session dies.
type Sink interface {
	// Deliver writes one sequenced message to the consumer.
	Deliver(msg delivery.SequencedMessage) error

	// Close closes the transport with a WebSocket close code.
	Close(code int, reason string) error
}

// Consumer is one attached consumer socket with its identity, flow
// control, and delivery queue. Fields are set at registration and not
// mutated afterwards.
type Consumer struct {
	ID       string
	Identity Identity
	Limiter  *ratelimit.Limiter
	Channel  *delivery.Channel
	Sink     Sink
	JoinedAt time.Time
}

// Observer reports whether the consumer is read-only.
func (c *Consumer) Observer() bool {
	return c.Identity.Role == RoleObserver
}

package bridge

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/beamcode/beamcode/internal/common/errs"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/session"
	"github.com/beamcode/beamcode/pkg/wire"
)

// AuthContext carries what the transport knows about a joining consumer
// before it has an identity.
type AuthContext struct {
	SessionID     string
	Token         string
	RemoteAddr    string
	Header        http.Header
	RequestedRole session.Role
}

// Authenticator resolves consumer identities. Implementations may call
// out to external services; the gatekeeper bounds them with the auth
// timeout and the caller's context, which is cancelled when the socket
// closes mid-handshake.
type Authenticator interface {
	Authenticate(ctx context.Context, ac AuthContext) (*session.Identity, error)
}

// Gatekeeper admits consumers onto sessions: authentication with a
// timeout, anonymous fallback, and the observer authorization check.
type Gatekeeper struct {
	auth    Authenticator
	timeout time.Duration
	log     *logger.Logger
}

// NewGatekeeper builds a gatekeeper. auth may be nil, in which case every
// consumer is admitted with an anonymous identity.
func NewGatekeeper(auth Authenticator, timeout time.Duration, log *logger.Logger) *Gatekeeper {
	return &Gatekeeper{auth: auth, timeout: timeout, log: log}
}

// Admit resolves the identity for a joining consumer.
func (g *Gatekeeper) Admit(ctx context.Context, sess *session.Session, ac AuthContext) (*session.Identity, error) {
	if g.auth == nil {
		return g.anonymous(sess, ac), nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type outcome struct {
		identity *session.Identity
		err      error
	}
	done := make(chan outcome, 1)
	go func() {
		identity, err := g.auth.Authenticate(ctx, ac)
		done <- outcome{identity, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, errs.Wrap(errs.CodeAuth, "authentication failed", out.err)
		}
		if out.identity == nil {
			return nil, errs.Authentication("authenticator returned no identity")
		}
		identity := *out.identity
		if identity.Role == "" {
			identity.Role = session.RoleParticipant
		}
		identity.SessionID = sess.ID()
		return &identity, nil
	case <-ctx.Done():
		return nil, errs.Authentication("authentication timed out")
	}
}

func (g *Gatekeeper) anonymous(sess *session.Session, ac AuthContext) *session.Identity {
	n := sess.NextAnonymous()
	role := session.RoleParticipant
	if ac.RequestedRole == session.RoleObserver {
		role = session.RoleObserver
	}
	return &session.Identity{
		UserID:      fmt.Sprintf("anon-%d", n),
		DisplayName: fmt.Sprintf("Anonymous %d", n),
		Role:        role,
		SessionID:   sess.ID(),
	}
}

// observerDenied lists the inbound frame types an observer may not send.
// Everything else, currently only presence_query, is allowed.
var observerDenied = map[string]struct{}{
	wire.TypeUserMessage:         {},
	wire.TypePermissionResponse:  {},
	wire.TypeInterrupt:           {},
	wire.TypeSetModel:            {},
	wire.TypeSetPermissionMode:   {},
	wire.TypeSlashCommand:        {},
	wire.TypeSetAdapter:          {},
	wire.TypeQueueMessage:        {},
	wire.TypeUpdateQueuedMessage: {},
	wire.TypeCancelQueuedMessage: {},
}

// Authorize rejects participant-only frames from observers.
func (g *Gatekeeper) Authorize(c *session.Consumer, msgType string) error {
	if !c.Observer() {
		return nil
	}
	if _, denied := observerDenied[msgType]; denied {
		return errs.Authorization(fmt.Sprintf("observers may not send %s", msgType))
	}
	return nil
}

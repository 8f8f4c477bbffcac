package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamcode/beamcode/internal/common/errs"
	"github.com/beamcode/beamcode/internal/session"
	"github.com/beamcode/beamcode/pkg/wire"
)

type stubAuthenticator struct {
	identity *session.Identity
	err      error
	delay    time.Duration
}

func (a *stubAuthenticator) Authenticate(ctx context.Context, _ AuthContext) (*session.Identity, error) {
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return a.identity, a.err
}

func TestAdmitAnonymousCountsUp(t *testing.T) {
	g := NewGatekeeper(nil, time.Second, testLogger(t))
	sess := newTestSession()

	first, err := g.Admit(context.Background(), sess, AuthContext{})
	require.NoError(t, err)
	assert.Equal(t, "anon-1", first.UserID)
	assert.Equal(t, "Anonymous 1", first.DisplayName)
	assert.Equal(t, session.RoleParticipant, first.Role)
	assert.Equal(t, "sess-1", first.SessionID)

	second, err := g.Admit(context.Background(), sess, AuthContext{RequestedRole: session.RoleObserver})
	require.NoError(t, err)
	assert.Equal(t, "anon-2", second.UserID)
	assert.Equal(t, session.RoleObserver, second.Role)
}

func TestAdmitUsesAuthenticatorIdentity(t *testing.T) {
	auth := &stubAuthenticator{identity: &session.Identity{
		UserID:      "u-9",
		DisplayName: "Dana",
		Role:        session.RoleObserver,
	}}
	g := NewGatekeeper(auth, time.Second, testLogger(t))
	sess := newTestSession()

	identity, err := g.Admit(context.Background(), sess, AuthContext{Token: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "u-9", identity.UserID)
	assert.Equal(t, session.RoleObserver, identity.Role)
	assert.Equal(t, "sess-1", identity.SessionID)

	// The session id is stamped on a copy, not on the authenticator's value.
	assert.Empty(t, auth.identity.SessionID)
}

func TestAdmitDefaultsRoleToParticipant(t *testing.T) {
	auth := &stubAuthenticator{identity: &session.Identity{UserID: "u-1"}}
	g := NewGatekeeper(auth, time.Second, testLogger(t))

	identity, err := g.Admit(context.Background(), newTestSession(), AuthContext{})
	require.NoError(t, err)
	assert.Equal(t, session.RoleParticipant, identity.Role)
}

func TestAdmitRejection(t *testing.T) {
	auth := &stubAuthenticator{err: errors.New("bad token")}
	g := NewGatekeeper(auth, time.Second, testLogger(t))

	_, err := g.Admit(context.Background(), newTestSession(), AuthContext{Token: "nope"})
	require.Error(t, err)
	assert.Equal(t, errs.CodeAuth, errs.CodeOf(err))

	auth = &stubAuthenticator{}
	g = NewGatekeeper(auth, time.Second, testLogger(t))
	_, err = g.Admit(context.Background(), newTestSession(), AuthContext{})
	require.Error(t, err)
	assert.Equal(t, errs.CodeAuth, errs.CodeOf(err))
}

func TestAdmitTimesOutSlowAuthenticator(t *testing.T) {
	auth := &stubAuthenticator{
		identity: &session.Identity{UserID: "u-1"},
		delay:    500 * time.Millisecond,
	}
	g := NewGatekeeper(auth, 20*time.Millisecond, testLogger(t))

	start := time.Now()
	_, err := g.Admit(context.Background(), newTestSession(), AuthContext{})
	require.Error(t, err)
	assert.Equal(t, errs.CodeAuth, errs.CodeOf(err))
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestAuthorizeObserverDeniedFrames(t *testing.T) {
	g := NewGatekeeper(nil, time.Second, testLogger(t))
	observer := &session.Consumer{Identity: session.Identity{Role: session.RoleObserver}}
	participant := &session.Consumer{Identity: session.Identity{Role: session.RoleParticipant}}

	denied := []string{
		wire.TypeUserMessage,
		wire.TypePermissionResponse,
		wire.TypeInterrupt,
		wire.TypeSetModel,
		wire.TypeSetPermissionMode,
		wire.TypeSlashCommand,
		wire.TypeSetAdapter,
		wire.TypeQueueMessage,
		wire.TypeUpdateQueuedMessage,
		wire.TypeCancelQueuedMessage,
	}
	for _, msgType := range denied {
		err := g.Authorize(observer, msgType)
		require.Error(t, err, msgType)
		assert.Equal(t, errs.CodeForbidden, errs.CodeOf(err))
		assert.NoError(t, g.Authorize(participant, msgType))
	}

	assert.NoError(t, g.Authorize(observer, wire.TypePresenceQuery))
}

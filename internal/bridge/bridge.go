// Package bridge is the per-session orchestrator between consumer sockets
// and backend adapters. Inbound consumer frames are validated, normalized
// into unified messages, and routed to the backend or handled locally;
// the backend's unified stream is reduced into session state and fanned
// out to every consumer with per-session sequencing, bounded delivery,
// and reconnect replay.
package bridge

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beamcode/beamcode/internal/adapter"
	"github.com/beamcode/beamcode/internal/common/config"
	"github.com/beamcode/beamcode/internal/common/constants"
	"github.com/beamcode/beamcode/internal/common/errs"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/delivery"
	"github.com/beamcode/beamcode/internal/events"
	"github.com/beamcode/beamcode/internal/events/bus"
	"github.com/beamcode/beamcode/internal/ratelimit"
	"github.com/beamcode/beamcode/internal/session"
	"github.com/beamcode/beamcode/pkg/unified"
	"github.com/beamcode/beamcode/pkg/wire"
)

// ErrFrameTooLarge is returned by HandleFrame for oversized inbound
// frames. Transports close the offending socket with code 1009.
var ErrFrameTooLarge = errs.New(errs.CodeProtocol, "inbound frame exceeds the maximum size")

// defaultMaxFrameBytes caps inbound consumer frames when no limit is
// configured.
const defaultMaxFrameBytes = 262144

// Deps carries the bridge's collaborators.
type Deps struct {
	// Bus mirrors bridge events onto NATS subjects. Optional.
	Bus bus.EventBus
	// Authenticator admits consumers. Nil admits everyone anonymously.
	Authenticator Authenticator
	// Config supplies limits and timeouts. Nil falls back to defaults.
	Config *config.Config
	Log    *logger.Logger
}

// Bridge multiplexes consumers onto backend sessions. All per-session
// state lives on the session record; the bridge itself is stateless
// across sessions and safe for concurrent use.
type Bridge struct {
	gate              *Gatekeeper
	emitter           *Emitter
	log               *logger.Logger
	limits            config.LimitsConfig
	initializeTimeout time.Duration
	slashChain        []slashHandler
}

// New builds a bridge.
func New(deps Deps) *Bridge {
	log := deps.Log
	if log == nil {
		log = logger.Default()
	}

	authTimeout := constants.AuthTimeout
	initTimeout := constants.InitializeTimeout
	var limits config.LimitsConfig
	if deps.Config != nil {
		limits = deps.Config.Limits
		if t := deps.Config.Timeouts.AuthTimeout(); t > 0 {
			authTimeout = t
		}
		if t := deps.Config.Timeouts.InitializeTimeout(); t > 0 {
			initTimeout = t
		}
	}
	if limits.MaxFrameBytes <= 0 {
		limits.MaxFrameBytes = defaultMaxFrameBytes
	}

	b := &Bridge{
		gate:              NewGatekeeper(deps.Authenticator, authTimeout, log),
		emitter:           NewEmitter(deps.Bus, log),
		log:               log,
		limits:            limits,
		initializeTimeout: initTimeout,
	}
	b.slashChain = []slashHandler{
		&localSlashHandler{b},
		&adapterSlashHandler{b},
		&passthroughSlashHandler{b},
		&unsupportedSlashHandler{b},
	}
	return b
}

// Events exposes the emitter for lifecycle subscriptions.
func (b *Bridge) Events() *Emitter { return b.emitter }

// MaxFrameBytes reports the inbound frame cap so transports can set
// matching read limits.
func (b *Bridge) MaxFrameBytes() int64 { return b.limits.MaxFrameBytes }

// AddConsumer admits a socket onto the session: authentication, identity
// assignment, optional history replay, and presence announcement. The
// returned consumer's id keys all later calls for this socket.
func (b *Bridge) AddConsumer(ctx context.Context, sess *session.Session, ac AuthContext, sink session.Sink, lastSeen uint64, replay bool) (*session.Consumer, error) {
	identity, err := b.gate.Admit(ctx, sess, ac)
	if err != nil {
		b.emitter.Emit(sess.ID(), events.AuthFailed, map[string]any{
			"error": err.Error(),
		})
		return nil, err
	}

	c := &session.Consumer{
		ID:       uuid.NewString(),
		Identity: *identity,
		Limiter:  ratelimit.NewLimiter(b.limits.TokensPerSecond, b.limits.BurstSize),
		Channel:  delivery.NewChannel(b.deliveryOptions()),
		Sink:     sink,
		JoinedAt: time.Now(),
	}
	sess.AddConsumer(c)
	sess.Touch()

	if replay {
		msgs, gapped := sess.ReplaySince(lastSeen)
		if gapped {
			b.sendTo(sess, c, wire.NewError(errs.CodeGap, "history evicted, replay is incomplete"))
		}
		for _, m := range msgs {
			b.deliver(sess, c, m)
		}
	}

	b.sendTo(sess, c, wire.New(wire.TypeIdentity, map[string]any{
		"consumer_id":  c.ID,
		"user_id":      identity.UserID,
		"display_name": identity.DisplayName,
		"role":         string(identity.Role),
		"session_id":   sess.ID(),
	}))
	b.broadcastPresence(sess)
	b.emitter.Emit(sess.ID(), events.ConsumerConnected, map[string]any{
		"consumer_id": c.ID,
		"user_id":     identity.UserID,
		"role":        string(identity.Role),
	})
	return c, nil
}

// RemoveConsumer detaches a consumer, cancelling its queued message if it
// authored one. The sink is not closed; the transport owns the socket.
func (b *Bridge) RemoveConsumer(sess *session.Session, consumerID string) {
	b.removeConsumer(sess, consumerID, "disconnect")
}

func (b *Bridge) removeConsumer(sess *session.Session, consumerID, reason string) *session.Consumer {
	c, cancelled := sess.RemoveConsumer(consumerID)
	if c == nil {
		return nil
	}
	if cancelled != nil {
		b.broadcast(sess, wire.New(wire.TypeQueuedMessageCancelled, queuedFields(*cancelled)))
	}
	b.broadcastPresence(sess)
	b.emitter.Emit(sess.ID(), events.ConsumerDisconnected, map[string]any{
		"consumer_id": consumerID,
		"reason":      reason,
	})
	return c
}

// HandleFrame runs the inbound pipeline for one consumer frame: size cap,
// rate limit, decode, authorization, normalization, routing. Per-frame
// failures are answered on the offending socket only; the returned error
// is reserved for conditions that must close the socket.
func (b *Bridge) HandleFrame(sess *session.Session, c *session.Consumer, data []byte) error {
	if int64(len(data)) > b.limits.MaxFrameBytes {
		return ErrFrameTooLarge
	}
	if c.Limiter != nil && !c.Limiter.Allow() {
		b.sendError(sess, c, errs.RateLimited())
		return nil
	}

	in, err := wire.DecodeInbound(data)
	if err != nil {
		b.emitter.Emit(sess.ID(), events.ErrorEvent, map[string]any{
			"source": "decode",
			"error":  err.Error(),
		})
		b.sendError(sess, c, errs.Wrap(errs.CodeProtocol, "malformed frame", err))
		return nil
	}
	if !wire.KnownInbound(in.Type) {
		b.sendError(sess, c, errs.Protocol("unknown message type %q", in.Type))
		return nil
	}
	if err := b.gate.Authorize(c, in.Type); err != nil {
		b.sendError(sess, c, err)
		return nil
	}

	sess.Touch()
	b.emitter.Emit(sess.ID(), events.MessageInbound, map[string]any{
		"type":        in.Type,
		"consumer_id": c.ID,
	})
	b.route(sess, c, in)
	return nil
}

// route sends each inbound frame down its handling path. Frames the
// broker answers itself never reach T1.
func (b *Bridge) route(sess *session.Session, c *session.Consumer, in *wire.InboundMessage) {
	switch in.Type {
	case wire.TypeSlashCommand:
		b.handleSlashCommand(sess, c, in)

	case wire.TypeQueueMessage:
		b.handleQueueMessage(sess, c, in)

	case wire.TypeUpdateQueuedMessage:
		b.handleUpdateQueued(sess, c, in)

	case wire.TypeCancelQueuedMessage:
		b.handleCancelQueued(sess, c, in)

	case wire.TypePresenceQuery:
		b.sendTo(sess, c, wire.New(wire.TypePresenceUpdate, presenceFields(sess)))

	case wire.TypeSetAdapter:
		b.handleSetAdapter(sess, c, in)

	case wire.TypePermissionResponse:
		msg, err := translateInbound(in)
		if err != nil {
			b.sendError(sess, c, err)
			return
		}
		b.handlePermissionResponse(sess, c, msg)

	case wire.TypeUserMessage:
		msg, err := translateInbound(in)
		if err != nil {
			b.sendError(sess, c, err)
			return
		}
		b.dispatchUserMessage(sess, msg)

	default:
		msg, err := translateInbound(in)
		if err != nil {
			b.sendError(sess, c, err)
			return
		}
		b.forwardOrHold(sess, msg)
	}
}

// handleSetAdapter rebinds the session to a different adapter. The
// running backend keeps serving until the coordinator, notified through
// backend:relaunch_needed, replaces it.
func (b *Bridge) handleSetAdapter(sess *session.Session, c *session.Consumer, in *wire.InboundMessage) {
	if in.AdapterName == "" {
		b.sendError(sess, c, errs.Protocol("set_adapter requires adapterName"))
		return
	}
	if !slices.Contains(adapter.Names(), in.AdapterName) {
		b.sendError(sess, c, errs.Protocol("unknown adapter %q", in.AdapterName))
		return
	}
	sess.SetAdapter(in.AdapterName, in.AdapterOptions)
	b.broadcast(sess, wire.New(wire.TypeConfigurationChange, map[string]any{
		"adapter": in.AdapterName,
	}))
	b.emitter.Emit(sess.ID(), events.BackendRelaunchNeeded, map[string]any{
		"adapter":      in.AdapterName,
		"requested_by": c.ID,
	})
}

// dispatchUserMessage offers a user turn to the backend, staging it while
// disconnected. The first message is captured for the first-turn event,
// and a successful handoff marks the backend busy so later queue_message
// frames stage instead of interleaving.
func (b *Bridge) dispatchUserMessage(sess *session.Session, msg *unified.Message) {
	sess.NoteUserMessage(msg.Text())
	if sess.Backend() == nil {
		sess.HoldPending(msg)
		return
	}
	sess.SetLastStatus(session.StatusRunning)
	b.forwardToBackend(sess, msg)
}

// forwardOrHold offers msg to the backend, staging it while disconnected.
func (b *Bridge) forwardOrHold(sess *session.Session, msg *unified.Message) {
	if sess.Backend() == nil {
		sess.HoldPending(msg)
		return
	}
	b.forwardToBackend(sess, msg)
}

// forwardToBackend sends msg, converting a synchronous failure into an
// error event plus a synthetic error result on the consumer stream so
// the turn visibly fails instead of hanging.
func (b *Bridge) forwardToBackend(sess *session.Session, msg *unified.Message) {
	backend := sess.Backend()
	if backend == nil {
		sess.HoldPending(msg)
		return
	}
	if err := backend.Send(msg); err != nil {
		b.log.Warn("backend send failed",
			zap.String("session_id", sess.ID()),
			zap.String("message_type", string(msg.Type)),
			zap.Error(err))
		b.emitter.Emit(sess.ID(), events.ErrorEvent, map[string]any{
			"source": "sendToBackend",
			"error":  err.Error(),
		})
		b.processOutbound(sess, unified.NewErrorResult(fmt.Sprintf("backend send failed: %v", err)))
	}
}

// AttachBackend installs a connected backend on the session, flushes
// messages staged while disconnected, starts the capability handshake,
// and begins draining the backend stream.
func (b *Bridge) AttachBackend(sess *session.Session, backend adapter.BackendSession, caps adapter.Capabilities, cancel context.CancelFunc) {
	sess.SetBackend(backend, cancel)
	sess.SetBackendCapabilities(caps)
	sess.SetPhase(session.PhaseConnected)
	b.emitter.Emit(sess.ID(), events.BackendConnected, map[string]any{
		"adapter": sess.AdapterName(),
	})

	b.sendInitialize(sess)
	for _, msg := range sess.TakePending() {
		if msg.Type == unified.TypeUserMessage {
			sess.SetLastStatus(session.StatusRunning)
		}
		b.forwardToBackend(sess, msg)
	}

	go b.consumeBackend(sess, backend)
}

// DetachBackend tears down the current backend without degrading the
// session, used when replacing the adapter or deleting the session.
func (b *Bridge) DetachBackend(sess *session.Session) {
	backend, cancel := sess.ClearBackend()
	if cancel != nil {
		cancel()
	}
	if backend != nil {
		if err := backend.Close(); err != nil {
			b.log.Warn("backend close failed",
				zap.String("session_id", sess.ID()),
				zap.Error(err))
		}
	}
}

// CloseSession finalizes the record: the backend is torn down and every
// consumer socket is closed with code.
func (b *Bridge) CloseSession(sess *session.Session, code int, reason string) {
	sess.SetPhase(session.PhaseClosed)
	b.DetachBackend(sess)
	for _, c := range sess.Consumers() {
		removed, _ := sess.RemoveConsumer(c.ID)
		if removed != nil && removed.Sink != nil {
			_ = removed.Sink.Close(code, reason)
		}
	}
	b.emitter.Emit(sess.ID(), events.SessionClosed, map[string]any{
		"reason": reason,
	})
}

// consumeBackend drains one backend's unified stream into the fan-out
// pipeline until the adapter closes it.
func (b *Bridge) consumeBackend(sess *session.Session, backend adapter.BackendSession) {
	for msg := range backend.Messages() {
		b.processOutbound(sess, msg)
	}
	b.backendStreamEnded(sess, backend)
}

// backendStreamEnded degrades the session when the stream that ended
// still belongs to the attached backend. Streams of replaced or closed
// backends end silently.
func (b *Bridge) backendStreamEnded(sess *session.Session, backend adapter.BackendSession) {
	if sess.Closed() || sess.Backend() != backend {
		return
	}
	cleared, cancel := sess.ClearBackend()
	if cancel != nil {
		cancel()
	}
	if cleared != nil {
		_ = cleared.Close()
	}
	sess.SetPhase(session.PhaseDegraded)

	b.emitter.Emit(sess.ID(), events.BackendDisconnected, map[string]any{
		"adapter": sess.AdapterName(),
	})
	b.emitter.Emit(sess.ID(), events.ErrorEvent, map[string]any{
		"source": "backendConsumption",
		"error":  "backend stream ended",
	})
	b.broadcast(sess, wire.NewError("cli_disconnected", "backend disconnected"))
	b.emitter.Emit(sess.ID(), events.BackendRelaunchNeeded, map[string]any{
		"adapter": sess.AdapterName(),
	})
}

// processOutbound runs the outbound pipeline for one backend message:
// reduce into state, settle control traffic, track permissions, derive
// status and queue transitions, then fan the consumer rendering out.
func (b *Bridge) processOutbound(sess *session.Session, msg *unified.Message) {
	if msg == nil {
		return
	}
	sess.Touch()

	// Capability traffic settles the handshake and never reaches
	// consumers.
	if msg.Type == unified.TypeControlResponse {
		b.handleControlResponse(sess, msg)
		return
	}

	if msg.Type == unified.TypeSessionInit {
		if upstream := msg.MetaString("session_id"); upstream != "" {
			b.emitter.Emit(sess.ID(), events.BackendSessionID, map[string]any{
				"upstream_session_id": upstream,
			})
		}
	}

	sess.Apply(msg)

	switch msg.Type {
	case unified.TypePermissionRequest:
		b.trackPermissionRequest(sess, msg)

	case unified.TypeStatusChange:
		if status := msg.MetaString("status"); status != "" {
			sess.SetLastStatus(session.Status(status))
			if status == string(session.StatusRunning) {
				sess.SetPhase(session.PhaseActive)
			}
		}

	case unified.TypeAssistant:
		if sess.HasPassthrough() {
			sess.AppendPassthroughOutput(msg.Text())
			return
		}

	case unified.TypeResult:
		if b.finishTurn(sess, msg) {
			return
		}

	case unified.TypeAuthStatus:
		b.emitter.Emit(sess.ID(), events.AuthStatus, cloneMeta(msg.Metadata))
	}

	frames := translateOutbound(sess, msg)
	for _, frame := range frames {
		b.broadcast(sess, frame)
	}
	if len(frames) > 0 {
		b.emitter.Emit(sess.ID(), events.MessageOutbound, map[string]any{
			"type": string(msg.Type),
		})
	}
}

// finishTurn handles result bookkeeping: status and phase go idle, the
// first completed turn fires its event, an in-flight slash passthrough
// captures the turn, and a staged queue message is sent. Returns true
// when the result was consumed by a passthrough capture.
func (b *Bridge) finishTurn(sess *session.Session, msg *unified.Message) (captured bool) {
	sess.SetLastStatus(session.StatusIdle)
	sess.SetPhase(session.PhaseIdle)

	if n, ok := msg.MetaInt("num_turns"); ok && n == 1 && sess.MarkFirstTurn() {
		b.emitter.Emit(sess.ID(), events.SessionFirstTurnCompleted, map[string]any{
			"first_user_message": sess.FirstUserMessage(),
		})
	}

	if p, ok := sess.PopPassthrough(); ok {
		ctx := &slashContext{
			sess:      sess,
			command:   p.Command,
			requestID: p.RequestID,
			startedAt: p.StartedAt,
		}
		if msg.MetaBool("is_error") {
			b.slashError(ctx, msg.MetaString("error_message"))
		} else {
			output := p.Output
			if output == "" {
				output = msg.MetaString("result")
			}
			b.slashResult(ctx, output, "passthrough")
		}
		captured = true
	}

	b.autoSendQueued(sess)
	return captured
}

// broadcast sequences payload into the replay history and offers it to
// every attached consumer.
func (b *Bridge) broadcast(sess *session.Session, payload wire.ConsumerMessage) {
	msg := sess.Sequence(uuid.NewString(), payload)
	for _, c := range sess.Consumers() {
		b.deliver(sess, c, msg)
	}
}

// sendTo delivers payload to one consumer without retaining it for
// replay, so it cannot leak into another consumer's reconnect.
func (b *Bridge) sendTo(sess *session.Session, c *session.Consumer, payload wire.ConsumerMessage) {
	b.deliver(sess, c, sess.SequenceTransient(uuid.NewString(), payload))
}

// sendError answers one consumer with a typed error payload.
func (b *Bridge) sendError(sess *session.Session, c *session.Consumer, err error) {
	b.sendTo(sess, c, wire.NewError(errs.CodeOf(err), err.Error()))
}

// deliver enqueues one sequenced message into the consumer's delivery
// channel and drains the channel through its sink. Hitting the hard
// ceiling or failing the sink write disconnects the consumer.
func (b *Bridge) deliver(sess *session.Session, c *session.Consumer, msg delivery.SequencedMessage) {
	if c.Channel == nil || c.Sink == nil {
		return
	}
	if !c.Channel.Enqueue(msg) {
		b.log.Warn("consumer delivery queue exhausted",
			zap.String("session_id", sess.ID()),
			zap.String("consumer_id", c.ID))
		b.disconnectConsumer(sess, c, 1013, "delivery queue overflow")
		return
	}
	for _, queued := range c.Channel.Drain() {
		if err := c.Sink.Deliver(queued); err != nil {
			b.log.Warn("consumer write failed",
				zap.String("session_id", sess.ID()),
				zap.String("consumer_id", c.ID),
				zap.Error(err))
			b.disconnectConsumer(sess, c, 1011, "write failure")
			return
		}
	}
}

// disconnectConsumer removes a consumer the bridge gave up on and closes
// its socket.
func (b *Bridge) disconnectConsumer(sess *session.Session, c *session.Consumer, code int, reason string) {
	removed := b.removeConsumer(sess, c.ID, reason)
	if removed == nil {
		return
	}
	if err := c.Sink.Close(code, reason); err != nil {
		b.log.Debug("consumer close failed",
			zap.String("consumer_id", c.ID),
			zap.Error(err))
	}
}

func (b *Bridge) broadcastPresence(sess *session.Session) {
	b.broadcast(sess, wire.New(wire.TypePresenceUpdate, presenceFields(sess)))
}

func presenceFields(sess *session.Session) map[string]any {
	consumers := sess.Consumers()
	list := make([]any, 0, len(consumers))
	for _, c := range consumers {
		list = append(list, map[string]any{
			"consumer_id":  c.ID,
			"user_id":      c.Identity.UserID,
			"display_name": c.Identity.DisplayName,
			"role":         string(c.Identity.Role),
			"joined_at":    c.JoinedAt.UnixMilli(),
		})
	}
	return map[string]any{
		"consumers": list,
		"count":     len(consumers),
	}
}

func (b *Bridge) deliveryOptions() delivery.Options {
	return delivery.Options{
		HighWaterMark: b.limits.HighWaterMark,
		MaxQueueSize:  b.limits.MaxQueueSize,
		CriticalTypes: b.limits.CriticalTypes,
	}
}

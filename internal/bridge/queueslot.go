package bridge

import (
	"github.com/beamcode/beamcode/internal/common/errs"
	"github.com/beamcode/beamcode/internal/events"
	"github.com/beamcode/beamcode/internal/session"
	"github.com/beamcode/beamcode/pkg/wire"
)

// handleQueueMessage implements the single-slot turn queue: when the
// backend is idle the message is sent immediately, otherwise exactly one
// message may be staged for the next turn.
func (b *Bridge) handleQueueMessage(sess *session.Session, c *session.Consumer, in *wire.InboundMessage) {
	if in.Content == "" && len(in.Images) == 0 {
		b.sendError(sess, c, errs.Protocol("queue_message requires content or images"))
		return
	}

	status := sess.LastStatus()
	if status == "" || status == session.StatusIdle {
		b.dispatchUserMessage(sess, userMessage(in.Content, in.Images))
		return
	}

	q, err := sess.SetQueued(in.Content, in.Images, c.ID, c.Identity.DisplayName)
	if err != nil {
		b.sendError(sess, c, err)
		return
	}
	b.broadcast(sess, wire.New(wire.TypeMessageQueued, queuedFields(q)))
}

// handleUpdateQueued replaces the staged content. Only the author may
// mutate the slot.
func (b *Bridge) handleUpdateQueued(sess *session.Session, c *session.Consumer, in *wire.InboundMessage) {
	if in.Content == "" && len(in.Images) == 0 {
		b.sendError(sess, c, errs.Protocol("update_queued_message requires content or images"))
		return
	}
	q, err := sess.UpdateQueued(c.ID, in.Content, in.Images)
	if err != nil {
		b.sendError(sess, c, err)
		return
	}
	b.broadcast(sess, wire.New(wire.TypeQueuedMessageUpdated, queuedFields(q)))
	b.emitter.Emit(sess.ID(), events.QueuedMessageUpdated, map[string]any{
		"consumer_id": c.ID,
	})
}

// handleCancelQueued clears the staged message. Only the author may
// cancel it.
func (b *Bridge) handleCancelQueued(sess *session.Session, c *session.Consumer, in *wire.InboundMessage) {
	q, err := sess.CancelQueued(c.ID)
	if err != nil {
		b.sendError(sess, c, err)
		return
	}
	b.broadcast(sess, wire.New(wire.TypeQueuedMessageCancelled, queuedFields(q)))
}

// QueueMessage submits a user message on behalf of a non-socket client
// such as an MCP tool, with the same semantics as the queue_message
// frame: sent immediately when the backend is idle, staged in the
// single-slot queue otherwise. It reports whether the message was
// staged.
func (b *Bridge) QueueMessage(sess *session.Session, authorID, displayName, content string) (bool, error) {
	if content == "" {
		return false, errs.Protocol("queue_message requires content")
	}
	if sess.Closed() {
		return false, errs.ErrSessionClosed
	}
	status := sess.LastStatus()
	if status == "" || status == session.StatusIdle {
		b.dispatchUserMessage(sess, userMessage(content, nil))
		return false, nil
	}
	q, err := sess.SetQueued(content, nil, authorID, displayName)
	if err != nil {
		return false, err
	}
	b.broadcast(sess, wire.New(wire.TypeMessageQueued, queuedFields(q)))
	return true, nil
}

// autoSendQueued fires on the transition to idle. The slot is cleared
// before the send so any consumer observing the broadcast sees it empty.
func (b *Bridge) autoSendQueued(sess *session.Session) {
	q, ok := sess.TakeQueued()
	if !ok {
		return
	}
	b.broadcast(sess, wire.New(wire.TypeQueuedMessageSent, queuedFields(q)))
	b.emitter.Emit(sess.ID(), events.QueuedMessageSent, map[string]any{
		"consumer_id": q.ConsumerID,
	})
	b.dispatchUserMessage(sess, userMessage(q.Content, q.Images))
}

func queuedFields(q session.QueuedMessage) map[string]any {
	fields := map[string]any{
		"content":      q.Content,
		"consumer_id":  q.ConsumerID,
		"display_name": q.DisplayName,
		"queued_at":    q.QueuedAt,
	}
	if len(q.Images) > 0 {
		fields["images"] = q.Images
	}
	return fields
}

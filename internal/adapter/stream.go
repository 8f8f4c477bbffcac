package adapter

import (
	"go.uber.org/zap"

	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/pkg/asyncq"
	"github.com/beamcode/beamcode/pkg/unified"
)

// feed is the inbound half shared by every backend session: translation
// loops push normalized messages in, the bridge drains them through
// Messages. The queue is unbounded so a slow bridge never stalls the
// backend transport.
type feed struct {
	q   *asyncq.Queue[*unified.Message]
	log *logger.Logger
}

func newFeed(log *logger.Logger) *feed {
	return &feed{q: asyncq.New[*unified.Message](), log: log}
}

// Messages returns the normalized backend stream. Single subscriber.
func (f *feed) Messages() <-chan *unified.Message {
	return f.q.Out()
}

// emit pushes one message onto the stream. Pushes racing a shutdown are
// dropped; the session is already torn down.
func (f *feed) emit(msg *unified.Message) {
	if msg == nil {
		return
	}
	if !f.q.Push(msg) {
		f.log.Debug("message dropped after session close",
			zap.String("message_type", string(msg.Type)))
	}
}

// emitAll pushes a batch in order.
func (f *feed) emitAll(msgs []*unified.Message) {
	for _, m := range msgs {
		f.emit(m)
	}
}

// fail surfaces a backend failure as a synthetic error result so consumers
// observe it as a normal turn outcome.
func (f *feed) fail(errMsg string) {
	f.emit(unified.NewErrorResult(errMsg))
}

// shutdown ends the stream once queued messages have reached the bridge.
// Idempotent.
func (f *feed) shutdown() {
	f.q.CloseAndDrain()
}

// one wraps a single message for translate helpers that return batches.
func one(m *unified.Message) []*unified.Message {
	return []*unified.Message{m}
}

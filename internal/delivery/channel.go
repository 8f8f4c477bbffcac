// Package delivery implements the bounded per-consumer outbound queue.
// Slow consumers shed stream chatter first: once the queue reaches its
// high water mark only critical payload types are still accepted, and a
// consumer that hits the hard ceiling is reported so the bridge can
// disconnect it.
package delivery

import (
	"sync"

	"github.com/beamcode/beamcode/pkg/wire"
)

// Defaults applied by NewChannel when Options fields are zero.
const (
	DefaultHighWaterMark = 64
	DefaultMaxQueueSize  = 256
)

// DefaultCriticalTypes are always delivered under back-pressure. The set
// is configurable because what counts as droppable chatter varies with
// the adapter's interaction style.
func DefaultCriticalTypes() []string {
	return []string{
		wire.TypePermissionRequest,
		wire.TypeResult,
		wire.TypeSessionInit,
		wire.TypeError,
	}
}

// SequencedMessage is the socket-level envelope around one consumer
// payload. Seq is monotonic per session; a reconnecting consumer replays
// history by sending the last seq it saw.
type SequencedMessage struct {
	Seq       uint64               `json:"seq"`
	MessageID string               `json:"message_id"`
	Timestamp int64                `json:"timestamp"`
	Payload   wire.ConsumerMessage `json:"payload"`
}

// Options bound one consumer's queue.
type Options struct {
	HighWaterMark int
	MaxQueueSize  int
	CriticalTypes []string
}

// Channel is the bounded FIFO between the bridge fan-out and one consumer
// socket writer.
type Channel struct {
	mu       sync.Mutex
	queue    []SequencedMessage
	hwm      int
	max      int
	critical map[string]struct{}
}

// NewChannel builds a channel, filling in defaults for zero options.
func NewChannel(opts Options) *Channel {
	if opts.HighWaterMark <= 0 {
		opts.HighWaterMark = DefaultHighWaterMark
	}
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = DefaultMaxQueueSize
	}
	if opts.CriticalTypes == nil {
		opts.CriticalTypes = DefaultCriticalTypes()
	}
	critical := make(map[string]struct{}, len(opts.CriticalTypes))
	for _, t := range opts.CriticalTypes {
		critical[t] = struct{}{}
	}
	return &Channel{
		hwm:      opts.HighWaterMark,
		max:      opts.MaxQueueSize,
		critical: critical,
	}
}

// Enqueue offers one message. It returns false only when the hard ceiling
// is reached, which signals the consumer is beyond saving. Between the
// high water mark and the ceiling, non-critical messages are dropped
// silently but still acknowledged with true.
func (c *Channel) Enqueue(msg SequencedMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case len(c.queue) >= c.max:
		return false
	case len(c.queue) >= c.hwm && !c.isCritical(msg.Payload.Type):
		return true
	default:
		c.queue = append(c.queue, msg)
		return true
	}
}

// Drain returns every queued message in FIFO order and empties the queue.
func (c *Channel) Drain() []SequencedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	out := c.queue
	c.queue = nil
	return out
}

// Size returns the number of queued messages.
func (c *Channel) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Overflowing reports whether the queue is at or past its high water mark.
func (c *Channel) Overflowing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue) >= c.hwm
}

func (c *Channel) isCritical(msgType string) bool {
	_, ok := c.critical[msgType]
	return ok
}

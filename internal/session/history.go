package session

import (
	"sync"

	"github.com/beamcode/beamcode/internal/delivery"
)

// DefaultHistoryLimit bounds the replay ring when no limit is configured.
const DefaultHistoryLimit = 1000

// History is the bounded ring of recently fanned-out messages, used to
// replay traffic to consumers that reconnect with a last-seen sequence
// number. Entries are appended in seq order and evicted oldest first.
type History struct {
	mu    sync.Mutex
	limit int
	buf   []delivery.SequencedMessage
}

// NewHistory builds a ring holding at most limit entries.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &History{limit: limit}
}

// Append records one fanned-out message, evicting the oldest entry when
// the ring is full.
func (h *History) Append(msg delivery.SequencedMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf = append(h.buf, msg)
	if len(h.buf) > h.limit {
		h.buf = h.buf[len(h.buf)-h.limit:]
	}
}

// Since returns all entries with seq greater than lastSeen, in order. The
// gapped flag reports that the requested position has already been
// evicted, so the replay is incomplete and the consumer must be told.
func (h *History) Since(lastSeen uint64) (msgs []delivery.SequencedMessage, gapped bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.buf) == 0 {
		return nil, false
	}
	oldest := h.buf[0].Seq
	if lastSeen+1 < oldest {
		gapped = true
	}
	for _, msg := range h.buf {
		if msg.Seq > lastSeen {
			msgs = append(msgs, msg)
		}
	}
	return msgs, gapped
}

// Len reports the number of retained entries.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.buf)
}

// Reset drops all retained entries. Sequence numbers keep advancing, so
// reconnecting consumers observe a gap rather than stale replay.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf = nil
}

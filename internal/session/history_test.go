package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamcode/beamcode/internal/delivery"
	"github.com/beamcode/beamcode/pkg/wire"
)

func historyMsg(seq uint64) delivery.SequencedMessage {
	return delivery.SequencedMessage{
		Seq:       seq,
		MessageID: fmt.Sprintf("msg-%d", seq),
		Timestamp: int64(1700000000000 + seq),
		Payload:   wire.New(wire.TypeStreamEvent, map[string]any{"session_id": "sess-1"}),
	}
}

func TestHistoryReplaysAfterLastSeen(t *testing.T) {
	h := NewHistory(10)
	for seq := uint64(1); seq <= 5; seq++ {
		h.Append(historyMsg(seq))
	}

	msgs, gapped := h.Since(3)
	assert.False(t, gapped)
	require.Len(t, msgs, 2)
	assert.Equal(t, uint64(4), msgs[0].Seq)
	assert.Equal(t, uint64(5), msgs[1].Seq)

	msgs, gapped = h.Since(5)
	assert.False(t, gapped)
	assert.Nil(t, msgs)
}

func TestHistoryFullReplayFromZero(t *testing.T) {
	h := NewHistory(10)
	for seq := uint64(1); seq <= 3; seq++ {
		h.Append(historyMsg(seq))
	}

	msgs, gapped := h.Since(0)
	assert.False(t, gapped)
	assert.Len(t, msgs, 3)
}

func TestHistoryEvictionFlagsGap(t *testing.T) {
	h := NewHistory(3)
	for seq := uint64(1); seq <= 5; seq++ {
		h.Append(historyMsg(seq))
	}
	assert.Equal(t, 3, h.Len())

	// Seqs 1 and 2 are gone; a consumer that last saw 1 cannot get 2.
	msgs, gapped := h.Since(1)
	assert.True(t, gapped)
	require.Len(t, msgs, 3)
	assert.Equal(t, uint64(3), msgs[0].Seq)

	// The retained range replays without a gap.
	msgs, gapped = h.Since(2)
	assert.False(t, gapped)
	assert.Len(t, msgs, 3)
}

func TestHistoryEmpty(t *testing.T) {
	h := NewHistory(0)
	msgs, gapped := h.Since(0)
	assert.Nil(t, msgs)
	assert.False(t, gapped)
	assert.Equal(t, 0, h.Len())
}

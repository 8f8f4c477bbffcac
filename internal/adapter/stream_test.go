package adapter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/pkg/unified"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

// feedNext reads one message off the feed or fails the test.
func feedNext(t *testing.T, f *feed) *unified.Message {
	t.Helper()
	select {
	case m, ok := <-f.Messages():
		require.True(t, ok, "feed closed while waiting for a message")
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a feed message")
		return nil
	}
}

// feedIdle asserts nothing arrives on the feed within a short window.
func feedIdle(t *testing.T, f *feed) {
	t.Helper()
	select {
	case m, ok := <-f.Messages():
		if ok {
			t.Fatalf("unexpected message on feed: %s", m.Type)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFeedEmitPreservesOrder(t *testing.T) {
	f := newFeed(testLogger(t))
	f.emit(unified.NewUserText("one"))
	f.emit(unified.NewAssistantText("two"))

	first := feedNext(t, f)
	second := feedNext(t, f)
	assert.Equal(t, unified.TypeUserMessage, first.Type)
	assert.Equal(t, "one", first.Text())
	assert.Equal(t, unified.TypeAssistant, second.Type)
	assert.Equal(t, "two", second.Text())
}

func TestFeedFailEmitsErrorResult(t *testing.T) {
	f := newFeed(testLogger(t))
	f.fail("backend fell over")

	m := feedNext(t, f)
	assert.Equal(t, unified.TypeResult, m.Type)
	assert.True(t, m.MetaBool("is_error"))
	assert.Equal(t, "backend fell over", m.MetaString("error_message"))
}

func TestFeedShutdownDeliversQueuedMessages(t *testing.T) {
	f := newFeed(testLogger(t))
	f.emit(unified.NewAssistantText("queued before shutdown"))
	f.shutdown()

	m := feedNext(t, f)
	assert.Equal(t, "queued before shutdown", m.Text())

	_, ok := <-f.Messages()
	assert.False(t, ok, "stream should close after draining")
}

func TestFeedEmitAfterShutdownIsDropped(t *testing.T) {
	f := newFeed(testLogger(t))
	f.shutdown()
	f.emit(unified.NewAssistantText("late"))

	_, ok := <-f.Messages()
	assert.False(t, ok)
}

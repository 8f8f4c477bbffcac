package process

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTailKeepsMostRecentLines(t *testing.T) {
	ring := newTail(3)
	for i := 1; i <= 5; i++ {
		ring.Append(fmt.Sprintf("line-%d", i))
	}
	assert.Equal(t, []string{"line-3", "line-4", "line-5"}, ring.Lines())
}

func TestTailStripsTerminalEscapes(t *testing.T) {
	ring := newTail(10)
	ring.Append("\x1b[31merror:\x1b[0m something broke")
	ring.Append("\x1b]0;window title\x07plain after osc")
	ring.Append("no escapes here")

	assert.Equal(t, []string{
		"error: something broke",
		"plain after osc",
		"no escapes here",
	}, ring.Lines())
}

func TestTailString(t *testing.T) {
	ring := newTail(10)
	ring.Append("first")
	ring.Append("second")
	assert.Equal(t, "first\nsecond", ring.String())
}

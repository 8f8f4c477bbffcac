package process

import (
	"regexp"
	"strings"
	"sync"
)

// stderrTailLines bounds the retained stderr history used in exit and
// readiness failure reports.
const stderrTailLines = 50

// ansiPattern matches CSI color/cursor sequences and OSC title sequences,
// the two escape families agent CLIs emit on stderr.
var ansiPattern = regexp.MustCompile("\x1b\\[[0-9;?]*[A-Za-z]|\x1b\\][^\x07\x1b]*(?:\x07|\x1b\\\\)")

// tail is a fixed-size ring of the most recent lines, stripped of
// terminal escapes.
type tail struct {
	mu    sync.Mutex
	limit int
	lines []string
}

func newTail(limit int) *tail {
	return &tail{limit: limit}
}

func (t *tail) Append(line string) {
	clean := ansiPattern.ReplaceAllString(line, "")
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, clean)
	if len(t.lines) > t.limit {
		t.lines = t.lines[len(t.lines)-t.limit:]
	}
}

// Lines returns a copy of the retained lines, oldest first.
func (t *tail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.lines))
	copy(out, t.lines)
	return out
}

func (t *tail) String() string {
	return strings.Join(t.Lines(), "\n")
}

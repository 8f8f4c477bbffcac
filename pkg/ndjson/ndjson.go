// Package ndjson handles newline-delimited JSON framing for CLI transports
// that deliver arbitrary chunk boundaries.
package ndjson

import (
	"bufio"
	"bytes"
	"io"
)

// Scanner buffer sizing for agent CLI output. Tool results can carry whole
// files, so the ceiling is generous.
const (
	initialBufSize = 64 * 1024
	maxBufSize     = 10 * 1024 * 1024
)

// NewScanner returns a line scanner sized for agent CLI streams.
func NewScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, initialBufSize), maxBufSize)
	return sc
}

// LineBuffer accumulates stream chunks and yields completed lines. A chunk
// may contain zero, one, or many newlines; the unterminated tail is retained
// until the next Push or Flush.
type LineBuffer struct {
	buf []byte
}

// Push appends chunk and returns every completed line, without the trailing
// newline. Carriage returns before the newline are stripped. Empty lines
// are skipped.
func (b *LineBuffer) Push(chunk []byte) [][]byte {
	b.buf = append(b.buf, chunk...)

	var lines [][]byte
	for {
		idx := bytes.IndexByte(b.buf, '\n')
		if idx < 0 {
			break
		}
		line := trimCR(b.buf[:idx])
		rest := b.buf[idx+1:]
		b.buf = append([]byte(nil), rest...)
		if len(line) == 0 {
			continue
		}
		out := append([]byte(nil), line...)
		lines = append(lines, out)
	}
	return lines
}

// Flush returns any buffered partial line and resets the buffer. Returns
// nil when nothing is pending.
func (b *LineBuffer) Flush() []byte {
	if len(b.buf) == 0 {
		return nil
	}
	out := trimCR(b.buf)
	if len(out) > 0 {
		out = append([]byte(nil), out...)
	} else {
		out = nil
	}
	b.buf = nil
	return out
}

// Len reports the number of buffered bytes awaiting a newline.
func (b *LineBuffer) Len() int {
	return len(b.buf)
}

func trimCR(line []byte) []byte {
	return bytes.TrimRight(line, "\r")
}

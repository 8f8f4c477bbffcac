package jsonrpc

import (
	"bufio"
	"io"
	"sync"

	"github.com/beamcode/beamcode/pkg/ndjson"
)

// StdioTransport frames messages as newline-delimited JSON over a process's
// stdin/stdout pipe pair.
type StdioTransport struct {
	w       io.Writer
	scanner *bufio.Scanner
	writeMu sync.Mutex
	closer  io.Closer
}

// NewStdio wraps a writer and reader pair. If w or r also implements
// io.Closer it is closed by Close.
func NewStdio(w io.Writer, r io.Reader) *StdioTransport {
	t := &StdioTransport{
		w:       w,
		scanner: ndjson.NewScanner(r),
	}
	if c, ok := w.(io.Closer); ok {
		t.closer = c
	}
	return t
}

// WriteMessage appends a newline and writes the frame in a single call.
func (t *StdioTransport) WriteMessage(p []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	buf := make([]byte, 0, len(p)+1)
	buf = append(buf, p...)
	buf = append(buf, '\n')
	_, err := t.w.Write(buf)
	return err
}

// ReadMessage returns the next non-empty line.
func (t *StdioTransport) ReadMessage() ([]byte, error) {
	for t.scanner.Scan() {
		line := t.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := t.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Close closes the write side when it is closable, which signals EOF to a
// subprocess reading its stdin.
func (t *StdioTransport) Close() error {
	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}

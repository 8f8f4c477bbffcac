package ndjson

import (
	"strings"
	"testing"
)

func TestLineBuffer_SplitAcrossChunks(t *testing.T) {
	var b LineBuffer

	lines := b.Push([]byte(`{"type":"assi`))
	if len(lines) != 0 {
		t.Fatalf("got %d lines before newline, want 0", len(lines))
	}
	if b.Len() == 0 {
		t.Error("tail not retained")
	}

	lines = b.Push([]byte("stant\"}\n"))
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	if string(lines[0]) != `{"type":"assistant"}` {
		t.Errorf("line = %s", lines[0])
	}
	if b.Len() != 0 {
		t.Errorf("Len() = %d after complete line, want 0", b.Len())
	}
}

func TestLineBuffer_MultipleLinesOneChunk(t *testing.T) {
	var b LineBuffer
	lines := b.Push([]byte("{\"a\":1}\n{\"b\":2}\r\n{\"c\":3}\npartial"))
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	want := []string{`{"a":1}`, `{"b":2}`, `{"c":3}`}
	for i, w := range want {
		if string(lines[i]) != w {
			t.Errorf("lines[%d] = %s, want %s", i, lines[i], w)
		}
	}
	if b.Len() != len("partial") {
		t.Errorf("Len() = %d, want %d", b.Len(), len("partial"))
	}
}

func TestLineBuffer_SkipsEmptyLines(t *testing.T) {
	var b LineBuffer
	lines := b.Push([]byte("\n\r\n{\"x\":1}\n\n"))
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
}

func TestLineBuffer_Flush(t *testing.T) {
	var b LineBuffer
	b.Push([]byte(`{"tail":true}`))
	out := b.Flush()
	if string(out) != `{"tail":true}` {
		t.Errorf("Flush() = %s", out)
	}
	if b.Len() != 0 {
		t.Errorf("Len() = %d after flush", b.Len())
	}
	if b.Flush() != nil {
		t.Error("second Flush() returned data")
	}
}

func TestLineBuffer_LinesAreStable(t *testing.T) {
	// Returned slices must not alias the internal buffer.
	var b LineBuffer
	lines := b.Push([]byte("first\nsec"))
	b.Push([]byte("ond\n"))
	if string(lines[0]) != "first" {
		t.Errorf("earlier line mutated by later push: %s", lines[0])
	}
}

func TestNewScanner_LargeLine(t *testing.T) {
	// A line bigger than the default bufio limit must still scan.
	big := strings.Repeat("x", 256*1024)
	sc := NewScanner(strings.NewReader(big + "\n"))
	if !sc.Scan() {
		t.Fatalf("Scan() = false: %v", sc.Err())
	}
	if len(sc.Text()) != len(big) {
		t.Errorf("scanned %d bytes, want %d", len(sc.Text()), len(big))
	}
}

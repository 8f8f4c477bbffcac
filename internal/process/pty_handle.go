package process

import "io"

// Terminal dimensions handed to CLIs that insist on a real terminal. Wide
// enough that progress bars and spinners do not wrap into the line scanner.
const (
	defaultPTYCols = 200
	defaultPTYRows = 48
)

// PtyHandle abstracts the pseudo-terminal master so the supervisor does
// not depend on the platform PTY implementation directly.
type PtyHandle interface {
	io.ReadWriteCloser
	// Resize changes the PTY window size.
	Resize(cols, rows uint16) error
}

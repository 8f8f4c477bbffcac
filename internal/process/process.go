package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Process is one spawned child. It is created by Supervisor.Spawn and
// removed from the supervisor's table by Stop or Forget.
type Process struct {
	key       string
	pid       int
	resume    bool
	startedAt time.Time

	cmd    *exec.Cmd
	pty    PtyHandle
	stdin  io.WriteCloser // wire mode only
	stdout io.ReadCloser  // wire mode only

	stderrTail   *tail
	readyMatch   string
	readyTimeout time.Duration

	ready     chan struct{}
	readyOnce sync.Once
	exited    chan struct{}
	readers   sync.WaitGroup

	mu       sync.Mutex
	stopping bool
	exitCode int
}

// Key returns the session key that owns this process.
func (p *Process) Key() string { return p.key }

// Pid returns the OS process id.
func (p *Process) Pid() int { return p.pid }

// Stdin returns the child's stdin pipe when the process was spawned in
// wire mode, nil otherwise.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Stdout returns the child's stdout pipe when the process was spawned in
// wire mode, nil otherwise.
func (p *Process) Stdout() io.ReadCloser { return p.stdout }

// Exited is closed after the child has exited and all output has been
// flushed into events.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// ExitCode is valid once Exited is closed. Killed processes report -1.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// StderrTail returns the last stderr lines, ANSI-stripped, for exit
// reports.
func (p *Process) StderrTail() []string { return p.stderrTail.Lines() }

// WaitReady blocks until the readiness line is observed on stdout. For
// processes spawned without a ready pattern it returns immediately. An
// exit before readiness or a timeout returns an error that carries the
// stderr tail.
func (p *Process) WaitReady(ctx context.Context) error {
	// Readiness wins over a subsequent exit when both have happened.
	select {
	case <-p.ready:
		return nil
	default:
	}

	timer := time.NewTimer(p.readyTimeout)
	defer timer.Stop()

	select {
	case <-p.ready:
		return nil
	case <-p.exited:
		return fmt.Errorf("process exited with code %d before becoming ready: %s",
			p.ExitCode(), p.stderrTail.String())
	case <-timer.C:
		return fmt.Errorf("process not ready after %s: %s", p.readyTimeout, p.stderrTail.String())
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Process) markReady() {
	p.readyOnce.Do(func() { close(p.ready) })
}

func (p *Process) isStopping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

func (p *Process) markStopping() {
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()
}

func (p *Process) hasExited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// scanLines reads one output stream line by line, feeding each line into
// emit. Lines on the readiness stream are also matched against the ready
// pattern. Oversized lines are capped at 1 MiB; agent CLIs routinely log
// whole JSON payloads on a single line.
func (p *Process) scanLines(r io.Reader, stream string, emit func(stream, line string)) {
	defer p.readers.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if stream == "stderr" {
			p.stderrTail.Append(line)
		} else if p.readyMatch != "" && strings.Contains(line, p.readyMatch) {
			p.markReady()
		}
		emit(stream, line)
	}
}

// Package process spawns and supervises the agent CLI child processes
// behind backend sessions. Each child is keyed by its session id, runs in
// its own process group with a sanitized environment, streams output into
// session events, and is guarded by a per-key circuit breaker so a
// crash-looping CLI cannot be respawned indefinitely.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/beamcode/beamcode/internal/circuit"
	"github.com/beamcode/beamcode/internal/common/config"
	"github.com/beamcode/beamcode/internal/common/errs"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/events"
	"github.com/beamcode/beamcode/internal/events/bus"
)

// SpawnSpec describes one child process to launch.
type SpawnSpec struct {
	// Key is the session id the process belongs to. One live process per
	// key.
	Key string

	Command string
	Args    []string
	Dir     string

	// Env entries override inherited variables of the same name.
	Env map[string]string

	// UsePTY runs the child on a pseudo-terminal with stdout and stderr
	// merged. Some CLIs refuse to start their server mode without one.
	UsePTY bool

	// WireStdio hands the child's stdin and stdout to the caller instead
	// of scanning them, for protocols that speak over the stdio pipes.
	// Only stderr is scanned into events. Mutually exclusive with UsePTY
	// and ReadyMatch.
	WireStdio bool

	// Resume marks a relaunch against a stored upstream session id. A
	// quick exit of a resume spawn additionally reports resume failure.
	Resume bool

	// ReadyMatch is a substring that marks readiness when it appears on
	// stdout. Empty means the process is considered ready at spawn.
	ReadyMatch string

	// ReadyTimeout bounds WaitReady. Zero uses the configured default.
	ReadyTimeout time.Duration
}

// Supervisor launches agent CLI processes and tracks them by session key.
type Supervisor struct {
	log *logger.Logger
	bus bus.EventBus

	breakerCfg   circuit.Config
	quickExit    time.Duration
	killGrace    time.Duration
	readyTimeout time.Duration
	denyList     []string
	extraEnv     []string

	mu       sync.RWMutex
	procs    map[string]*Process
	breakers map[string]*circuit.Breaker

	hookMu         sync.RWMutex
	onResumeFailed func(key string)
}

// NewSupervisor builds a supervisor from the breaker, process and timeout
// configuration sections.
func NewSupervisor(cfg *config.Config, eventBus bus.EventBus, log *logger.Logger) *Supervisor {
	return &Supervisor{
		log: log,
		bus: eventBus,
		breakerCfg: circuit.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			Window:           cfg.Breaker.Window(),
			RecoveryTime:     cfg.Breaker.RecoveryTime(),
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
		},
		quickExit:    cfg.Breaker.QuickExit(),
		killGrace:    cfg.Timeouts.KillGracePeriod(),
		readyTimeout: cfg.Timeouts.ReadinessTimeout(),
		denyList:     cfg.Process.EnvDenyList,
		extraEnv:     cfg.Process.ExtraEnv,
		procs:        make(map[string]*Process),
		breakers:     make(map[string]*circuit.Breaker),
	}
}

// OnResumeFailed registers the hook invoked when a resume spawn dies
// within the quick-exit window. The session layer uses it to drop the
// stored upstream session id so the next launch starts fresh.
func (s *Supervisor) OnResumeFailed(hook func(key string)) {
	s.hookMu.Lock()
	s.onResumeFailed = hook
	s.hookMu.Unlock()
}

// Spawn launches the described process. It fails without side effects
// when the key already has a live process or its circuit breaker is open.
func (s *Supervisor) Spawn(ctx context.Context, spec SpawnSpec) (*Process, error) {
	if spec.Key == "" || spec.Command == "" {
		return nil, fmt.Errorf("spawn requires a key and a command")
	}
	if spec.WireStdio && spec.UsePTY {
		return nil, fmt.Errorf("wire stdio and pty modes are mutually exclusive")
	}
	if spec.WireStdio && spec.ReadyMatch != "" {
		return nil, fmt.Errorf("wire stdio mode cannot match readiness on stdout")
	}

	s.mu.Lock()
	if existing, ok := s.procs[spec.Key]; ok && !existing.hasExited() {
		s.mu.Unlock()
		return nil, fmt.Errorf("session %s already has a running process (pid %d)", spec.Key, existing.pid)
	}
	breaker := s.breakerLocked(spec.Key)
	s.mu.Unlock()

	if err := breaker.Allow(); err != nil {
		snap := breaker.Snapshot()
		s.emit(spec.Key, events.ErrorEvent, map[string]interface{}{
			"code":               errs.CodeCircuitOpen,
			"message":            "process relaunch suppressed by circuit breaker",
			"recovery_remaining": snap.RecoveryRemaining.Milliseconds(),
		})
		return nil, err
	}

	proc, err := s.start(spec)
	if err != nil {
		breaker.RecordFailure()
		s.emit(spec.Key, events.ErrorEvent, map[string]interface{}{
			"code":    errs.CodeBackend,
			"message": fmt.Sprintf("failed to spawn %s: %v", spec.Command, err),
		})
		return nil, fmt.Errorf("failed to spawn %s: %w", spec.Command, err)
	}

	s.mu.Lock()
	s.procs[spec.Key] = proc
	s.mu.Unlock()

	s.log.Info("process spawned",
		zap.String("session_id", spec.Key),
		zap.String("command", spec.Command),
		zap.Int("pid", proc.pid),
		zap.Bool("pty", spec.UsePTY),
		zap.Bool("resume", spec.Resume))
	s.emit(spec.Key, events.ProcessSpawned, map[string]interface{}{
		"pid":     proc.pid,
		"command": spec.Command,
	})

	s.watchReadiness(proc, breaker)
	go s.monitorExit(proc, breaker)
	return proc, nil
}

// start builds the exec.Cmd, wires its streams for the requested mode and
// starts it. exec.Command is used instead of exec.CommandContext on
// purpose: CommandContext kills the child with SIGKILL on context cancel,
// which would bypass the graceful SIGTERM escalation in Stop.
func (s *Supervisor) start(spec SpawnSpec) (*Process, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = buildEnv(spec.Env, s.denyList, s.extraEnv)

	readyTimeout := spec.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = s.readyTimeout
	}
	proc := &Process{
		key:          spec.Key,
		resume:       spec.Resume,
		cmd:          cmd,
		stderrTail:   newTail(stderrTailLines),
		readyMatch:   spec.ReadyMatch,
		readyTimeout: readyTimeout,
		ready:        make(chan struct{}),
		exited:       make(chan struct{}),
	}
	emit := func(stream, line string) {
		eventType := events.ProcessStdout
		if stream == "stderr" {
			eventType = events.ProcessStderr
		}
		s.emit(spec.Key, eventType, map[string]interface{}{"line": line})
	}

	switch {
	case spec.UsePTY:
		// pty start puts the child in its own session, so the process
		// group id equals the pid and group signaling keeps working.
		handle, err := startPTY(cmd, defaultPTYCols, defaultPTYRows)
		if err != nil {
			return nil, err
		}
		proc.pty = handle
		proc.readers.Add(1)
		go proc.scanLines(handle, "stdout", emit)

	case spec.WireStdio:
		// Raw os.Pipe ends instead of the exec-managed pipes: cmd.Wait
		// closes exec-managed pipes at exit and discards whatever the
		// reader has not drained yet. The parent-held ends below read a
		// clean EOF once the child is gone.
		stdinR, stdinW, err := os.Pipe()
		if err != nil {
			return nil, err
		}
		stdoutR, stdoutW, err := os.Pipe()
		if err != nil {
			closeAll(stdinR, stdinW)
			return nil, err
		}
		stderrR, stderrW, err := os.Pipe()
		if err != nil {
			closeAll(stdinR, stdinW, stdoutR, stdoutW)
			return nil, err
		}
		cmd.Stdin = stdinR
		cmd.Stdout = stdoutW
		cmd.Stderr = stderrW
		setProcGroup(cmd)
		if err := cmd.Start(); err != nil {
			closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
			return nil, err
		}
		// The child holds its own copies now.
		closeAll(stdinR, stdoutW, stderrW)
		proc.stdin = stdinW
		proc.stdout = stdoutR
		proc.readers.Add(1)
		go func() {
			defer stderrR.Close()
			proc.scanLines(stderrR, "stderr", emit)
		}()
		proc.pid = cmd.Process.Pid
		proc.startedAt = time.Now()
		proc.markReady()
		return proc, nil

	default:
		stdoutR, stdoutW, err := os.Pipe()
		if err != nil {
			return nil, err
		}
		stderrR, stderrW, err := os.Pipe()
		if err != nil {
			closeAll(stdoutR, stdoutW)
			return nil, err
		}
		cmd.Stdout = stdoutW
		cmd.Stderr = stderrW
		setProcGroup(cmd)
		if err := cmd.Start(); err != nil {
			closeAll(stdoutR, stdoutW, stderrR, stderrW)
			return nil, err
		}
		closeAll(stdoutW, stderrW)
		proc.readers.Add(2)
		go func() {
			defer stdoutR.Close()
			proc.scanLines(stdoutR, "stdout", emit)
		}()
		go func() {
			defer stderrR.Close()
			proc.scanLines(stderrR, "stderr", emit)
		}()
	}

	if proc.pid == 0 {
		proc.pid = cmd.Process.Pid
		proc.startedAt = time.Now()
	}
	if spec.ReadyMatch == "" {
		proc.markReady()
	}
	return proc, nil
}

// watchReadiness records the breaker outcome of a spawn. Processes with a
// readiness pattern succeed when the pattern appears; everything else
// succeeds by surviving the quick-exit window. Quick exits are recorded
// as failures by monitorExit.
func (s *Supervisor) watchReadiness(proc *Process, breaker *circuit.Breaker) {
	if proc.readyMatch != "" {
		go func() {
			select {
			case <-proc.ready:
				breaker.RecordSuccess()
			case <-proc.exited:
			}
		}()
		return
	}
	time.AfterFunc(s.quickExit, func() {
		if !proc.hasExited() && !proc.isStopping() {
			breaker.RecordSuccess()
		}
	})
}

// monitorExit waits for the child, flushes its output readers, settles
// the breaker accounting and publishes the exit event.
func (s *Supervisor) monitorExit(proc *Process, breaker *circuit.Breaker) {
	err := proc.cmd.Wait()
	if proc.pty != nil {
		// Unblocks the pty reader if child exit did not already.
		_ = proc.pty.Close()
	}
	proc.readers.Wait()

	exitCode := 0
	if err != nil {
		exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}
	proc.mu.Lock()
	proc.exitCode = exitCode
	proc.mu.Unlock()

	runtime := time.Since(proc.startedAt)
	stopped := proc.isStopping()
	quick := runtime < s.quickExit

	if !stopped && quick {
		breaker.RecordFailure()
		if proc.resume {
			s.emit(proc.key, events.ProcessResumeFailed, map[string]interface{}{
				"exit_code":  exitCode,
				"runtime_ms": runtime.Milliseconds(),
			})
			s.hookMu.RLock()
			hook := s.onResumeFailed
			s.hookMu.RUnlock()
			if hook != nil {
				hook(proc.key)
			}
		}
	}

	s.log.Info("process exited",
		zap.String("session_id", proc.key),
		zap.Int("pid", proc.pid),
		zap.Int("exit_code", exitCode),
		zap.Duration("runtime", runtime),
		zap.Bool("stopped", stopped))
	s.emit(proc.key, events.ProcessExited, map[string]interface{}{
		"pid":        proc.pid,
		"exit_code":  exitCode,
		"runtime_ms": runtime.Milliseconds(),
		"stopped":    stopped,
	})
	close(proc.exited)
}

// Stop terminates the process for key, first with SIGTERM to the process
// group, then with SIGKILL after the kill grace period. Stopping an
// unknown key is a no-op.
func (s *Supervisor) Stop(ctx context.Context, key string) error {
	s.mu.RLock()
	proc, ok := s.procs[key]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	// The key stays claimed until the child is confirmed gone, so a
	// concurrent relaunch cannot race a dying process.
	defer func() {
		s.mu.Lock()
		if s.procs[key] == proc {
			delete(s.procs, key)
		}
		s.mu.Unlock()
	}()

	proc.markStopping()
	if proc.hasExited() {
		return nil
	}

	s.log.Info("stopping process", zap.String("session_id", key), zap.Int("pid", proc.pid))
	if err := terminateProcessGroup(proc.pid); err != nil {
		_ = proc.cmd.Process.Signal(syscall.SIGTERM)
	}

	grace := time.NewTimer(s.killGrace)
	defer grace.Stop()
	select {
	case <-proc.exited:
		return nil
	case <-ctx.Done():
	case <-grace.C:
	}

	s.log.Warn("process did not exit in time, killing group",
		zap.String("session_id", key),
		zap.Int("pid", proc.pid),
		zap.Duration("grace", s.killGrace))
	if err := killProcessGroup(proc.pid); err != nil {
		_ = proc.cmd.Process.Kill()
	}

	kill := time.NewTimer(2 * time.Second)
	defer kill.Stop()
	select {
	case <-proc.exited:
		return nil
	case <-kill.C:
		return fmt.Errorf("process %d for session %s survived SIGKILL", proc.pid, key)
	}
}

// StopAll stops every tracked process and joins the failures.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.RLock()
	keys := make([]string, 0, len(s.procs))
	for key := range s.procs {
		keys = append(keys, key)
	}
	s.mu.RUnlock()

	var errsAll []error
	for _, key := range keys {
		if err := s.Stop(ctx, key); err != nil {
			errsAll = append(errsAll, err)
		}
	}
	return errors.Join(errsAll...)
}

// Forget drops the breaker and any exited process entry for key. Called
// when the owning session is deleted so a recreated session starts with a
// clean failure history.
func (s *Supervisor) Forget(key string) {
	s.mu.Lock()
	if proc, ok := s.procs[key]; ok && proc.hasExited() {
		delete(s.procs, key)
	}
	delete(s.breakers, key)
	s.mu.Unlock()
}

// Get returns the live process for key.
func (s *Supervisor) Get(key string) (*Process, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	proc, ok := s.procs[key]
	if !ok || proc.hasExited() {
		return nil, false
	}
	return proc, true
}

// Pid returns the pid of the live process for key.
func (s *Supervisor) Pid(key string) (int, bool) {
	proc, ok := s.Get(key)
	if !ok {
		return 0, false
	}
	return proc.pid, true
}

// BreakerSnapshot exposes the breaker state for key, for session status
// reporting.
func (s *Supervisor) BreakerSnapshot(key string) circuit.Snapshot {
	s.mu.Lock()
	breaker := s.breakerLocked(key)
	s.mu.Unlock()
	return breaker.Snapshot()
}

func (s *Supervisor) breakerLocked(key string) *circuit.Breaker {
	breaker, ok := s.breakers[key]
	if !ok {
		breaker = circuit.NewBreaker(s.breakerCfg)
		s.breakers[key] = breaker
	}
	return breaker
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func (s *Supervisor) emit(key, eventType string, data map[string]interface{}) {
	evt := events.NewSessionEvent(eventType, "supervisor", key, data)
	if err := s.bus.Publish(context.Background(), events.BuildSessionSubject(key, eventType), evt); err != nil {
		s.log.Warn("failed to publish process event",
			zap.String("session_id", key),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

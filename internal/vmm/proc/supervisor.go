// Package proc supervises an external binary (qemu-system-*, qemu-img) and
// exposes its lifecycle as a small callback-registration API instead of the
// raw process handle, per the "signal-driven async over external processes"
// design note: callbacks are invoked under a single-writer guard so state
// transitions are always observed in causal order (started before any read,
// finished last).
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"qemuhostd/internal/vmmodel"
)

// State mirrors the lifecycle the supervised child moves through.
type State int

const (
	StateNotRunning State = iota
	StateStarting
	StateRunning
)

// Supervisor spawns program with argv/env, and lets callers drive it either
// synchronously (Execute) or asynchronously (Start + callbacks).
type Supervisor struct {
	id      string
	program string
	argv    []string
	env     []string

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	state   State
	started bool

	stdoutBuf bytes.Buffer
	stderrBuf bytes.Buffer

	onStarted      func()
	onStateChanged func(State)
	onStdout       func([]byte)
	onStderr       func([]byte)
	onFinished     func(vmmodel.ProcessState)
	onError        func(vmmodel.ErrorKind, string)

	finishedOnce sync.Once
	waitDone     chan struct{}
	finalState   vmmodel.ProcessState
}

// New builds a Supervisor for program run with argv, inheriting the current
// process environment plus the extra env entries given.
func New(program string, argv []string, env []string) *Supervisor {
	return &Supervisor{
		id:       uuid.NewString(),
		program:  program,
		argv:     argv,
		env:      env,
		waitDone: make(chan struct{}),
	}
}

func (s *Supervisor) ID() string      { return s.id }
func (s *Supervisor) Program() string { return s.program }
func (s *Supervisor) Argv() []string  { return append([]string(nil), s.argv...) }

func (s *Supervisor) OnStarted(fn func())                        { s.onStarted = fn }
func (s *Supervisor) OnStateChanged(fn func(State))              { s.onStateChanged = fn }
func (s *Supervisor) OnStdout(fn func([]byte))                   { s.onStdout = fn }
func (s *Supervisor) OnStderr(fn func([]byte))                   { s.onStderr = fn }
func (s *Supervisor) OnFinished(fn func(vmmodel.ProcessState))   { s.onFinished = fn }
func (s *Supervisor) OnError(fn func(vmmodel.ErrorKind, string)) { s.onError = fn }

// Stdin returns the child's stdin pipe. Valid only after Start has returned
// without error.
func (s *Supervisor) Stdin() io.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdin
}

// Running reports whether the child is currently believed to be alive.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateRunning
}

// Start launches the child asynchronously. It returns once the fork/exec
// call itself has been attempted; success/failure of the exec is reported
// through the started/error_occurred/finished callbacks so callers observe
// a uniform signal sequence regardless of how far the child got.
func (s *Supervisor) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	cmd := exec.Command(s.program, s.argv...)
	if len(s.env) > 0 {
		cmd.Env = s.env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.mu.Unlock()
		s.emitStartFailure(fmt.Errorf("stdin pipe: %w", err))
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.mu.Unlock()
		s.emitStartFailure(fmt.Errorf("stdout pipe: %w", err))
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.mu.Unlock()
		s.emitStartFailure(fmt.Errorf("stderr pipe: %w", err))
		return
	}

	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		s.emitStartFailure(err)
		return
	}

	s.cmd = cmd
	s.stdin = stdin
	s.state = StateRunning
	s.mu.Unlock()

	if s.onStarted != nil {
		s.onStarted()
	}
	if s.onStateChanged != nil {
		s.onStateChanged(StateRunning)
	}

	go s.pump(stdout, s.onStdout, &s.stdoutBuf)
	go s.pump(stderr, s.onStderr, &s.stderrBuf)
	go s.reap()
}

func (s *Supervisor) emitStartFailure(err error) {
	if s.onError != nil {
		s.onError(vmmodel.ErrorKindFailedToStart, err.Error())
	}
	s.finish(vmmodel.ProcessState{Error: &vmmodel.ProcessError{Kind: vmmodel.ErrorKindFailedToStart, Message: err.Error()}})
}

func (s *Supervisor) pump(r io.Reader, cb func([]byte), buf *bytes.Buffer) {
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			data := append([]byte(nil), chunk[:n]...)
			s.mu.Lock()
			buf.Write(data)
			s.mu.Unlock()
			if cb != nil {
				cb(data)
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Supervisor) reap() {
	err := s.cmd.Wait()

	s.mu.Lock()
	s.state = StateNotRunning
	s.mu.Unlock()
	if s.onStateChanged != nil {
		s.onStateChanged(StateNotRunning)
	}

	var state vmmodel.ProcessState
	if err == nil {
		code := 0
		state.ExitCode = &code
	} else {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			state.ExitCode = &code
		} else {
			state.Error = &vmmodel.ProcessError{Kind: vmmodel.ErrorKindCrashed, Message: err.Error()}
		}
	}
	s.finish(state)
}

func (s *Supervisor) finish(state vmmodel.ProcessState) {
	s.finishedOnce.Do(func() {
		s.mu.Lock()
		s.finalState = state
		s.mu.Unlock()
		close(s.waitDone)
		if s.onFinished != nil {
			s.onFinished(state)
		}
	})
}

// Kill forcibly terminates the child. A no-op if the child is not running.
func (s *Supervisor) Kill() {
	s.mu.Lock()
	cmd := s.cmd
	running := s.state == StateRunning
	s.mu.Unlock()
	if !running || cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

// WaitForFinished blocks until the child exits or timeout elapses,
// returning false on timeout.
func (s *Supervisor) WaitForFinished(timeout time.Duration) bool {
	if timeout <= 0 {
		<-s.waitDone
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-s.waitDone:
		return true
	case <-t.C:
		return false
	}
}

// StdoutSoFar/StderrSoFar return everything captured so far, lossless.
func (s *Supervisor) StdoutSoFar() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.stdoutBuf.Bytes()...)
}

func (s *Supervisor) StderrSoFar() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.stderrBuf.Bytes()...)
}

// captureRun runs program to completion synchronously, capturing both
// streams in full, and returns once the child exits or timeout elapses (in
// which case it is killed and a Timedout state is returned).
func captureRun(ctx context.Context, program string, argv []string, env []string, timeout time.Duration) (stdout, stderr string, state vmmodel.ProcessState) {
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(runCtx, program, argv...)
	if len(env) > 0 {
		cmd.Env = env
	}
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err := cmd.Run()
	stdout, stderr = outBuf.String(), errBuf.String()
	if err == nil {
		code := 0
		state = vmmodel.ProcessState{ExitCode: &code}
		return
	}
	if runCtx.Err() == context.DeadlineExceeded {
		state = vmmodel.ProcessState{Error: &vmmodel.ProcessError{Kind: vmmodel.ErrorKindTimedout, Message: err.Error()}}
		return
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		state = vmmodel.ProcessState{ExitCode: &code}
		return
	}
	state = vmmodel.ProcessState{Error: &vmmodel.ProcessError{Kind: vmmodel.ErrorKindFailedToStart, Message: err.Error()}}
	return
}

// Execute runs program to completion synchronously and returns once the
// child exits or timeout elapses (in which case it is killed and a
// Timedout state is returned). It discards captured output; callers that
// also need stdout/stderr text use CaptureRun.
func Execute(ctx context.Context, program string, argv []string, env []string, timeout time.Duration) vmmodel.ProcessState {
	_, _, state := captureRun(ctx, program, argv, env, timeout)
	return state
}

// CaptureRun exposes captureRun to sibling packages that need stdout text
// alongside the exit classification (backend version probing, qemu-img
// snapshot listing).
func CaptureRun(ctx context.Context, program string, argv []string, timeout time.Duration) (stdout, stderr string, state vmmodel.ProcessState) {
	return captureRun(ctx, program, argv, nil, timeout)
}

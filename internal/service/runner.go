package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/CZERTAINLY/Overseer/internal/model"
)

const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"

	stderrTailLines = 5
	maxLineBytes    = 64 * 1024

	// minWaitDelay bounds Wait when the task is killed at once but a
	// descendant outside its process group still holds the output pipes.
	minWaitDelay = 100 * time.Millisecond
)

// LineFunc receives every line the task writes to stdout or stderr.
type LineFunc func(ctx context.Context, stream, line string)

// Runner is a thin wrapper around os/exec which keeps at most one instance
// of the task alive.
type Runner struct {
	mx      sync.RWMutex
	cmd     *exec.Cmd
	result  Result
	results chan Result
}

func NewRunner() *Runner {
	return &Runner{
		result:  Result{Err: ErrTaskNotStarted, ExitCode: -1},
		results: make(chan Result, 1),
	}
}

type Result struct {
	Path       string
	Args       []string
	Started    time.Time
	Stopped    time.Time
	State      *os.ProcessState
	ExitCode   int // -1 when the process did not exit on its own
	Outcome    model.Outcome
	Err        error
	StderrTail []string
}

// Start runs the underlying process, it ensures only a single instance is
// active and returns ErrTaskInProgress or a *LaunchError, otherwise nil.
// Start does NOT wait for the command to finish: exactly one Result per
// successful Start is delivered on Results and it must be received before
// the channel can take the next one.
//
// The task runs in its own process group. The group gets SIGTERM when ctx
// is done or proto.Timeout elapses and SIGKILL proto.KillGrace later, or
// SIGKILL at once when there is no grace.
func (r *Runner) Start(ctx context.Context, proto Command, lineFunc LineFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return ErrTaskInProgress
	}

	r.result = Result{
		Path:     proto.Path,
		Args:     append([]string(nil), proto.Args...),
		ExitCode: -1,
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if proto.Timeout == 0 {
		slog.WarnContext(ctx, "command has no timeout", "path", proto.Path)
	} else {
		runCtx, cancel = context.WithTimeoutCause(ctx, proto.Timeout, ErrTaskTimeout)
	}

	cmd := exec.CommandContext(runCtx, proto.Path, proto.Args...)
	cmd.Env = append(os.Environ(), proto.Env...)
	cmd.Dir = proto.Dir
	setProcessGroup(cmd)
	sig := syscall.SIGTERM
	if proto.KillGrace <= 0 {
		sig = syscall.SIGKILL
	}
	cmd.Cancel = func() error {
		return signalGroup(cmd.Process, sig)
	}
	cmd.WaitDelay = max(proto.KillGrace, minWaitDelay)

	stdout := newLineWriter(ctx, StreamStdout, lineFunc, 0)
	stderr := newLineWriter(ctx, StreamStderr, lineFunc, stderrTailLines)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	r.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		cancel()
		r.result.Stopped = time.Now().UTC()
		r.result.Outcome = model.OutcomeLaunchError
		r.result.Err = &LaunchError{Path: proto.Path, Err: err}
		return r.result.Err
	}
	r.cmd = cmd

	go r.wait(runCtx, cancel, proto.Timeout, cmd, stdout, stderr)
	return nil
}

func (r *Runner) wait(ctx context.Context, cancel context.CancelFunc, timeout time.Duration, cmd *exec.Cmd, stdout, stderr *lineWriter) {
	err := cmd.Wait()
	timedOut := errors.Is(context.Cause(ctx), ErrTaskTimeout)
	if ctx.Err() != nil {
		// leftovers of a terminated run must not overlap the next one
		_ = signalGroup(cmd.Process, syscall.SIGKILL)
	}
	cancel()
	stopped := time.Now().UTC()
	stdout.flush()
	stderr.flush()

	r.mx.Lock()
	res := r.result
	res.Stopped = stopped
	res.State = cmd.ProcessState
	res.StderrTail = stderr.tail
	if res.State != nil {
		res.ExitCode = res.State.ExitCode()
	}
	switch {
	case timedOut:
		res.Outcome = model.OutcomeTimeout
		res.Err = fmt.Errorf("%w after %s", ErrTaskTimeout, timeout)
	case res.State != nil && res.State.Success():
		res.Outcome = model.OutcomeSuccess
		res.Err = nil
	case res.State != nil && res.ExitCode > 0:
		res.Outcome = model.OutcomeFailure
		res.Err = &TaskFailure{ExitCode: res.ExitCode}
	default:
		res.Outcome = model.OutcomeFailure
		res.Err = err
	}
	r.result = res
	r.cmd = nil
	r.mx.Unlock()

	r.results <- res
}

// Results returns the channel delivering the result of every started run.
func (r *Runner) Results() <-chan Result {
	return r.results
}

// LastResult returns the last command result or a result with
// ErrTaskNotStarted if nothing has been executed yet. While a task runs,
// Err is nil and Stopped is zero.
func (r *Runner) LastResult() Result {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.result
}

// lineWriter splits a stream into lines for a LineFunc. exec.Cmd runs one
// copying goroutine per stream, so Write is never called concurrently.
type lineWriter struct {
	ctx     context.Context
	stream  string
	fn      LineFunc
	buf     []byte
	tailLen int
	tail    []string
}

func newLineWriter(ctx context.Context, stream string, fn LineFunc, tailLen int) *lineWriter {
	return &lineWriter{ctx: ctx, stream: stream, fn: fn, tailLen: tailLen}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = append(w.buf[:0], w.buf[i+1:]...)
	}
	if len(w.buf) > maxLineBytes {
		w.emit(w.buf)
		w.buf = w.buf[:0]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = w.buf[:0]
	}
}

func (w *lineWriter) emit(b []byte) {
	line := string(bytes.TrimRight(b, "\r"))
	if w.tailLen > 0 {
		w.tail = append(w.tail, line)
		if len(w.tail) > w.tailLen {
			w.tail = w.tail[1:]
		}
	}
	if w.fn != nil {
		w.fn(w.ctx, w.stream, line)
	}
}

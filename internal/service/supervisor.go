package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime/debug"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/CZERTAINLY/Overseer/internal/log"
	"github.com/CZERTAINLY/Overseer/internal/model"
)

// TaskRunner executes a Command. Every successful Start delivers exactly one
// Result on Results.
type TaskRunner interface {
	Start(ctx context.Context, cmd Command, lineFunc LineFunc) error
	Results() <-chan Result
}

type Supervisor struct {
	runner              TaskRunner
	cmd                 Command
	policy              Policy
	startupDelay        time.Duration
	cooldown            time.Duration
	terminateOnShutdown bool

	state    state
	triggers chan struct{}
	configs  chan reconfig

	// owned by the loop
	scheduler gocron.Scheduler
	period    string
	run       context.Context
}

type reconfig struct {
	cmd    Command
	policy Policy
}

type Option func(*Supervisor)

// WithRunner replaces the os/exec based Runner.
func WithRunner(r TaskRunner) Option {
	return func(s *Supervisor) { s.runner = r }
}

func WithStartupDelay(d time.Duration) Option {
	return func(s *Supervisor) { s.startupDelay = d }
}

func WithRestartCooldown(d time.Duration) Option {
	return func(s *Supervisor) { s.cooldown = d }
}

// WithTerminateOnShutdown controls whether a running task is terminated and
// awaited when Do returns. Otherwise it is left running.
func WithTerminateOnShutdown(terminate bool) Option {
	return func(s *Supervisor) { s.terminateOnShutdown = terminate }
}

func NewSupervisor(cmd Command, policy Policy, opts ...Option) *Supervisor {
	s := &Supervisor{
		cmd:                 cmd,
		policy:              policy,
		cooldown:            time.Minute,
		terminateOnShutdown: true,
		triggers:            make(chan struct{}, 1),
		configs:             make(chan reconfig),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.runner == nil {
		s.runner = NewRunner()
	}
	return s
}

// SupervisorFromConfig builds the supervisor of the configured task and
// schedule.
func SupervisorFromConfig(ctx context.Context, cfg model.Config, opts ...Option) (*Supervisor, error) {
	policy, err := PolicyFromConfig(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	cmd := CommandFromConfig(cfg.Task)
	if _, err := exec.LookPath(cmd.Path); err != nil {
		slog.WarnContext(ctx, "task executable not found: launches will fail", "path", cmd.Path, "error", err)
	}
	opts = append([]Option{
		WithStartupDelay(cfg.Schedule.StartupDelay.Std()),
		WithRestartCooldown(cfg.Schedule.RestartCooldown.Std()),
		WithTerminateOnShutdown(cfg.Task.TerminateOnShutdown),
	}, opts...)
	return NewSupervisor(cmd, policy, opts...), nil
}

// Trigger asks for an eligibility check. It never blocks, triggers sent
// before the loop gets to them coalesce into one.
func (s *Supervisor) Trigger() {
	select {
	case s.triggers <- struct{}{}:
	default:
	}
}

// Reconfigure replaces the command and the policy. The change applies to the
// next launch, a running task is not affected.
func (s *Supervisor) Reconfigure(ctx context.Context, cmd Command, policy Policy) error {
	select {
	case s.configs <- reconfig{cmd: cmd, policy: policy}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of the current run state.
func (s *Supervisor) Snapshot() model.RunState {
	return s.state.snapshot()
}

// Do runs the supervisor until ctx is cancelled.
//
// The first launch happens after the startup delay. Then each completion
// is handed to the Policy, which says when the task is eligible again.
// Self timed policies arm a timer, Periodic ones get a gocron job calling
// Trigger. A trigger while the task is running is skipped, never queued.
//
// A panic or an error escaping the event loop is a *LoopFault: it is logged
// and the loop restarts after the restart cooldown. A running task survives
// the restart.
//
// On return the scheduler is stopped and, unless configured otherwise, the
// running task is terminated and awaited. Do returns nil.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor", "mode", s.policy.Mode(), "startup_delay", s.startupDelay)
	s.state.update(func(rs *model.RunState) {
		rs.NextRunAt = time.Now().Add(s.startupDelay)
	})

	defer s.shutdown(ctx)

	for {
		err := s.loop(ctx)
		if err == nil {
			return nil
		}
		var fault *LoopFault
		if errors.As(err, &fault) && fault.Stack != nil {
			slog.ErrorContext(ctx, "supervisor loop crashed", "error", err, "stack", string(fault.Stack))
		} else {
			slog.ErrorContext(ctx, "supervisor loop failed", "error", err)
		}
		s.state.update(func(rs *model.RunState) {
			rs.LoopRestarts++
		})
		slog.InfoContext(ctx, "restarting supervisor loop", "cooldown", s.cooldown)

		t := time.NewTimer(s.cooldown)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (s *Supervisor) loop(ctx context.Context) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &LoopFault{Value: v, Stack: debug.Stack()}
		}
	}()

	if err := s.ensureScheduler(ctx); err != nil {
		return &LoopFault{Value: err}
	}

	for {
		var timer *time.Timer
		var timerC <-chan time.Time
		if _, periodic := s.policy.(Periodic); !periodic && !s.state.running() {
			timer = time.NewTimer(time.Until(s.state.nextRunAt()))
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			return nil
		case <-timerC:
			s.launch(ctx)
		case <-s.triggers:
			s.trigger(ctx)
		case res := <-s.runner.Results():
			s.complete(ctx, res)
		case rc := <-s.configs:
			s.reconfigure(ctx, rc)
		}

		if timer != nil {
			timer.Stop()
		}
	}
}

func (s *Supervisor) trigger(ctx context.Context) {
	if s.state.running() {
		slog.InfoContext(ctx, "task is running: skipping launch")
		return
	}
	if next := s.state.nextRunAt(); time.Now().Before(next) {
		slog.DebugContext(ctx, "task not eligible yet: skipping launch", "next_run_at", next)
		return
	}
	s.launch(ctx)
}

func (s *Supervisor) launch(ctx context.Context) {
	if s.state.running() {
		slog.InfoContext(ctx, "task is running: skipping launch")
		return
	}

	runID := uuid.NewString()
	runCtx := log.ContextAttrs(ctx, slog.String("run_id", runID))
	if !s.terminateOnShutdown {
		runCtx = context.WithoutCancel(runCtx)
	}

	at := time.Now()
	err := s.runner.Start(runCtx, s.cmd, logLine)
	switch {
	case errors.Is(err, ErrTaskInProgress):
		slog.InfoContext(runCtx, "task is running: skipping launch")
		return
	case err != nil:
		var launchErr *LaunchError
		if !errors.As(err, &launchErr) {
			err = &LaunchError{Path: s.cmd.Path, Err: err}
		}
		s.run = runCtx
		s.complete(ctx, Result{
			Path:     s.cmd.Path,
			Args:     s.cmd.Args,
			Started:  at,
			Stopped:  time.Now(),
			ExitCode: -1,
			Outcome:  model.OutcomeLaunchError,
			Err:      err,
		})
		return
	}

	s.run = runCtx
	s.state.started(runID, at)
	slog.InfoContext(runCtx, "task started", "path", s.cmd.Path, "args", s.cmd.Args, "timeout", s.cmd.Timeout)
}

func (s *Supervisor) complete(ctx context.Context, res Result) {
	if s.run != nil {
		ctx = s.run
		s.run = nil
	}
	s.state.finished(res)

	next, backoff := s.policy.Next(res)
	s.state.scheduled(next, backoff)

	attrs := []any{
		"outcome", res.Outcome,
		"exit_code", res.ExitCode,
		"duration", res.Stopped.Sub(res.Started).Round(time.Millisecond),
		"next_run_at", next,
		"backoff", backoff,
	}
	switch res.Outcome {
	case model.OutcomeSuccess:
		slog.InfoContext(ctx, "task succeeded", attrs...)
	case model.OutcomeTimeout:
		slog.WarnContext(ctx, "task timed out", append(attrs, "error", res.Err, "stderr", res.StderrTail)...)
	case model.OutcomeLaunchError:
		slog.ErrorContext(ctx, "task could not be launched", append(attrs, "error", res.Err)...)
	default:
		slog.ErrorContext(ctx, "task failed", append(attrs, "error", res.Err, "stderr", res.StderrTail)...)
	}
}

func (s *Supervisor) reconfigure(ctx context.Context, rc reconfig) {
	if rc.policy == nil {
		slog.WarnContext(ctx, "policy is nil: ignoring reconfigure")
		return
	}
	old := s.policy
	s.policy = rc.policy
	if err := s.ensureScheduler(ctx); err != nil {
		s.policy = old
		slog.ErrorContext(ctx, "reconfigure failed: keeping the previous schedule", "error", err)
		return
	}
	s.cmd = rc.cmd
	slog.InfoContext(ctx, "supervisor reconfigured", "mode", s.policy.Mode(), "path", s.cmd.Path)
}

// ensureScheduler keeps the gocron scheduler in line with the policy.
func (s *Supervisor) ensureScheduler(ctx context.Context) error {
	p, ok := s.policy.(Periodic)
	if !ok {
		s.stopScheduler(ctx)
		return nil
	}
	every, expr := p.Period()
	key := expr
	if key == "" {
		key = every.String()
	}
	if s.scheduler != nil && key == s.period {
		return nil
	}

	sch, err := newScheduler(ctx, every, expr, s.state.nextRunAt(), s.Trigger)
	if err != nil {
		return fmt.Errorf("interval mode failed: %w", err)
	}
	s.stopScheduler(ctx)
	s.scheduler, s.period = sch, key
	return nil
}

func (s *Supervisor) stopScheduler(ctx context.Context) {
	if s.scheduler == nil {
		return
	}
	if err := s.scheduler.Shutdown(); err != nil {
		slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
	}
	s.scheduler, s.period = nil, ""
}

func (s *Supervisor) shutdown(ctx context.Context) {
	s.stopScheduler(ctx)
	if !s.state.running() {
		return
	}
	if !s.terminateOnShutdown {
		slog.WarnContext(ctx, "leaving the task running")
		return
	}
	slog.InfoContext(ctx, "waiting for the task to terminate")
	s.complete(context.WithoutCancel(ctx), <-s.runner.Results())
}

func logLine(ctx context.Context, stream, line string) {
	slog.InfoContext(ctx, line, "stream", stream)
}

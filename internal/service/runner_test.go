package service_test

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/Overseer/internal/model"
	"github.com/CZERTAINLY/Overseer/internal/service"
	"github.com/stretchr/testify/require"
)

type lines struct {
	mx    sync.Mutex
	lines map[string][]string
}

func (l *lines) handle(_ context.Context, stream, line string) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.lines == nil {
		l.lines = make(map[string][]string)
	}
	l.lines[stream] = append(l.lines[stream], line)
}

func (l *lines) get(stream string) []string {
	l.mx.Lock()
	defer l.mx.Unlock()
	return l.lines[stream]
}

func lookPath(t *testing.T, name string) string {
	t.Helper()
	path, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("skipped, binary %s not available: %v", name, err)
	}
	return path
}

func TestRunner(t *testing.T) {
	t.Parallel()
	sh := lookPath(t, "sh")

	runner := service.NewRunner()
	t.Run("not yet started", func(t *testing.T) {
		res := runner.LastResult()
		require.ErrorIs(t, res.Err, service.ErrTaskNotStarted)
		require.Equal(t, -1, res.ExitCode)
	})

	cmd := service.Command{
		Path:      sh,
		Args:      []string{"-c", "echo started; sleep 0.3; echo \"$GREETING\""},
		Env:       []string{"GREETING=hello"},
		Timeout:   5 * time.Second,
		KillGrace: time.Second,
	}
	ctx := t.Context()
	var out lines

	t.Run("start", func(t *testing.T) {
		err := runner.Start(ctx, cmd, out.handle)
		require.NoError(t, err)
		res := runner.LastResult()
		require.NoError(t, res.Err)
		require.NotZero(t, res.Started)
		require.Zero(t, res.Stopped)
	})
	t.Run("in progress", func(t *testing.T) {
		err := runner.Start(ctx, cmd, nil)
		require.Error(t, err)
		require.ErrorIs(t, err, service.ErrTaskInProgress)
	})
	t.Run("wait", func(t *testing.T) {
		res := <-runner.Results()
		require.Equal(t, sh, res.Path)
		require.Equal(t, cmd.Args, res.Args)
		require.NotZero(t, res.Stopped)
		require.False(t, res.Stopped.Before(res.Started))
		require.NoError(t, res.Err)
		require.Equal(t, 0, res.ExitCode)
		require.Equal(t, model.OutcomeSuccess, res.Outcome)
		require.Equal(t, []string{"started", "hello"}, out.get(service.StreamStdout))
		require.Equal(t, res, runner.LastResult())
	})
	t.Run("exec error", func(t *testing.T) {
		noCmd := service.Command{
			Path: "does not exist",
		}
		err := runner.Start(ctx, noCmd, nil)
		require.Error(t, err)
		var launchErr *service.LaunchError
		require.ErrorAs(t, err, &launchErr)
		require.Equal(t, noCmd.Path, launchErr.Path)
		var execErr *exec.Error
		require.ErrorAs(t, err, &execErr)
		require.Equal(t, noCmd.Path, execErr.Name)
		require.EqualError(t, execErr.Err, "executable file not found in $PATH")

		res := runner.LastResult()
		require.Equal(t, model.OutcomeLaunchError, res.Outcome)
		require.Equal(t, -1, res.ExitCode)
	})
	t.Run("runs again", func(t *testing.T) {
		ok := service.Command{Path: sh, Args: []string{"-c", "true"}, Timeout: time.Second}
		require.NoError(t, runner.Start(ctx, ok, nil))
		res := <-runner.Results()
		require.Equal(t, model.OutcomeSuccess, res.Outcome)
	})
}

func TestRunnerOutcomes(t *testing.T) {
	t.Parallel()
	sh := lookPath(t, "sh")

	type given struct {
		script    string
		timeout   time.Duration
		killGrace time.Duration
	}
	type then struct {
		outcome  model.Outcome
		exitCode int
		stderr   []string
		within   time.Duration
		check    func(t *testing.T, err error)
	}

	var testCases = []struct {
		scenario string
		given    given
		then     then
	}{
		{
			scenario: "success",
			given:    given{script: "exit 0", timeout: 5 * time.Second, killGrace: time.Second},
			then: then{
				outcome:  model.OutcomeSuccess,
				exitCode: 0,
				check: func(t *testing.T, err error) {
					require.NoError(t, err)
				},
			},
		},
		{
			scenario: "nonzero exit",
			given:    given{script: "echo boom 1>&2; exit 3", timeout: 5 * time.Second, killGrace: time.Second},
			then: then{
				outcome:  model.OutcomeFailure,
				exitCode: 3,
				stderr:   []string{"boom"},
				check: func(t *testing.T, err error) {
					var failure *service.TaskFailure
					require.ErrorAs(t, err, &failure)
					require.Equal(t, 3, failure.ExitCode)
				},
			},
		},
		{
			scenario: "stderr tail",
			given:    given{script: "for i in 1 2 3 4 5 6 7; do echo line$i 1>&2; done; exit 1", timeout: 5 * time.Second, killGrace: time.Second},
			then: then{
				outcome:  model.OutcomeFailure,
				exitCode: 1,
				stderr:   []string{"line3", "line4", "line5", "line6", "line7"},
				check: func(t *testing.T, err error) {
					var failure *service.TaskFailure
					require.ErrorAs(t, err, &failure)
				},
			},
		},
		{
			scenario: "timeout",
			given:    given{script: "exec sleep 10", timeout: 100 * time.Millisecond, killGrace: time.Second},
			then: then{
				outcome:  model.OutcomeTimeout,
				exitCode: -1,
				within:   time.Second,
				check: func(t *testing.T, err error) {
					require.ErrorIs(t, err, service.ErrTaskTimeout)
				},
			},
		},
		{
			scenario: "SIGTERM ignored",
			given: given{
				script:    "trap '' TERM; while :; do sleep 0.05; done",
				timeout:   200 * time.Millisecond,
				killGrace: 300 * time.Millisecond,
			},
			then: then{
				outcome:  model.OutcomeTimeout,
				exitCode: -1,
				within:   2 * time.Second,
				check: func(t *testing.T, err error) {
					require.ErrorIs(t, err, service.ErrTaskTimeout)
				},
			},
		},
		{
			scenario: "no kill grace",
			given: given{
				script:  "sleep 4 & sleep 4",
				timeout: 200 * time.Millisecond,
			},
			then: then{
				outcome:  model.OutcomeTimeout,
				exitCode: -1,
				within:   2 * time.Second,
				check: func(t *testing.T, err error) {
					require.ErrorIs(t, err, service.ErrTaskTimeout)
				},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			runner := service.NewRunner()
			err := runner.Start(t.Context(), service.Command{
				Path:      sh,
				Args:      []string{"-c", tc.given.script},
				Timeout:   tc.given.timeout,
				KillGrace: tc.given.killGrace,
			}, nil)
			require.NoError(t, err)

			res := <-runner.Results()
			require.Equal(t, tc.then.outcome, res.Outcome)
			if tc.then.within > 0 {
				elapsed := res.Stopped.Sub(res.Started)
				require.GreaterOrEqual(t, elapsed, tc.given.timeout)
				require.Less(t, elapsed, tc.then.within)
			}
			require.Equal(t, tc.then.exitCode, res.ExitCode)
			if tc.then.stderr != nil {
				require.Equal(t, tc.then.stderr, res.StderrTail)
			}
			tc.then.check(t, res.Err)
		})
	}
}

func TestRunnerCancel(t *testing.T) {
	t.Parallel()
	sh := lookPath(t, "sh")

	ctx, cancel := context.WithCancel(t.Context())
	runner := service.NewRunner()
	err := runner.Start(ctx, service.Command{
		Path:      sh,
		Args:      []string{"-c", "exec sleep 10"},
		Timeout:   time.Minute,
		KillGrace: time.Second,
	}, nil)
	require.NoError(t, err)
	cancel()

	select {
	case res := <-runner.Results():
		require.Equal(t, model.OutcomeFailure, res.Outcome)
		require.Error(t, res.Err)
		require.NotErrorIs(t, res.Err, service.ErrTaskTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("task was not terminated")
	}
}

func TestStderr(t *testing.T) {
	t.Parallel()
	sh := lookPath(t, "sh")

	cmd := service.Command{
		Path:    sh,
		Args:    []string{"-c", "echo stdout; printf 'stderr\\r\\nstderr' 1>&2"},
		Timeout: 5 * time.Second,
	}

	var out lines
	runner := service.NewRunner()
	err := runner.Start(t.Context(), cmd, out.handle)
	require.NoError(t, err)
	res := <-runner.Results()
	require.Equal(t, model.OutcomeSuccess, res.Outcome)
	require.Equal(t, []string{"stdout"}, out.get(service.StreamStdout))
	require.Equal(t, []string{"stderr", "stderr"}, out.get(service.StreamStderr))
}

package service_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/CZERTAINLY/Overseer/internal/model"
	"github.com/CZERTAINLY/Overseer/internal/service"
	"github.com/stretchr/testify/require"
)

type reconfigured struct {
	cmd    service.Command
	policy service.Policy
}

type fakeTarget chan reconfigured

func (f fakeTarget) Reconfigure(ctx context.Context, cmd service.Command, policy service.Policy) error {
	select {
	case f <- reconfigured{cmd: cmd, policy: policy}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestWatcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overseer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("schedule:\n  mode: continuous\n"), 0o644))

	target := make(fakeTarget, 1)
	w, err := service.NewWatcher(path, target)
	require.NoError(t, err)
	w.WithDebounce(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	updated := []byte(`schedule:
  mode: delay
  delay:
    after: 2m
task:
  path: /usr/bin/scraper
  args: [--fast]
`)
	var got reconfigured
	require.Eventually(t, func() bool {
		// the watch may not be registered yet, so keep writing
		if err := os.WriteFile(path, updated, 0o644); err != nil {
			return false
		}
		select {
		case got = <-target:
			return true
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, service.FixedDelay{After: 2 * time.Minute, AfterError: time.Minute}, got.policy)
	require.Equal(t, "/usr/bin/scraper", got.cmd.Path)
	require.Equal(t, []string{"--fast"}, got.cmd.Args)

	t.Run("invalid config is ignored", func(t *testing.T) {
		// drain reloads of the repeated writes above
		drain := time.After(300 * time.Millisecond)
	loop:
		for {
			select {
			case <-target:
			case <-drain:
				break loop
			}
		}
		require.NoError(t, os.WriteFile(path, []byte("schedule:\n  mode: sometimes\n"), 0o644))
		select {
		case rc := <-target:
			t.Fatalf("unexpected reconfigure: %+v", rc)
		case <-time.After(300 * time.Millisecond):
		}
	})

	t.Run("other files are ignored", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), updated, 0o644))
		select {
		case rc := <-target:
			t.Fatalf("unexpected reconfigure: %+v", rc)
		case <-time.After(300 * time.Millisecond):
		}
	})

	t.Run("valid again", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("schedule:\n  mode: interval\n"), 0o644))
		select {
		case rc := <-target:
			require.Equal(t, model.ModeInterval, rc.policy.Mode())
		case <-time.After(5 * time.Second):
			t.Fatal("config was not reloaded")
		}
	})
}

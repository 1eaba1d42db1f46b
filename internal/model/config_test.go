package model_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/CZERTAINLY/Overseer/internal/model"
	"github.com/stretchr/testify/require"
)

// clearEnv makes sure the developer environment does not leak into a test
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT",
		"OVERSEER_HTTP_PORT",
		"OVERSEER_SCHEDULE_MODE",
		"OVERSEER_SCHEDULE_INTERVAL_MIN_GAP",
		"OVERSEER_TASK_ARGS",
		"OVERSEER_TASK_TIMEOUT",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := model.LoadConfig("")
	require.NoError(t, err)
	dflt := model.DefaultConfig()
	require.Equal(t, dflt.Service, cfg.Service)
	require.Equal(t, dflt.HTTP, cfg.HTTP)
	require.Equal(t, dflt.Schedule, cfg.Schedule)
	require.Equal(t, dflt.Task.Args, cfg.Task.Args)
	require.Equal(t, "0.0.0.0:3000", cfg.HTTP.Addr())
	require.Equal(t, 10*time.Minute, cfg.Task.Timeout.Std())
	require.True(t, cfg.Task.TerminateOnShutdown)
}

func TestLoadConfigEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "8080")
	t.Setenv("OVERSEER_SCHEDULE_MODE", "interval")
	t.Setenv("OVERSEER_SCHEDULE_INTERVAL_MIN_GAP", "PT10M")
	t.Setenv("OVERSEER_TASK_ARGS", "scraper.py,--fast")

	cfg, err := model.LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.HTTP.Port)
	require.Equal(t, model.ModeInterval, cfg.Schedule.Mode)
	require.Equal(t, 10*time.Minute, cfg.Schedule.Interval.MinGap.Std())
	require.Equal(t, []string{"scraper.py", "--fast"}, cfg.Task.Args)
}

const fileConfig = `
service:
  name: nightly-scraper
  verbose: true
task:
  path: /usr/local/bin/scrape
  timeout: 1d
  kill_grace: 5
  env:
    HOME: $HOME
schedule:
  mode: delay
  delay:
    after: PT2M
    after_error: 30s
`

func TestLoadConfigFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "overseer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fileConfig), 0o600))

	cfg, err := model.LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "nightly-scraper", cfg.Service.Name)
	require.True(t, cfg.Service.Verbose)
	require.Equal(t, "/usr/local/bin/scrape", cfg.Task.Path)
	require.Equal(t, 24*time.Hour, cfg.Task.Timeout.Std())
	require.Equal(t, 5*time.Second, cfg.Task.KillGrace.Std())
	require.Equal(t, "$HOME", cfg.Task.Env["home"])
	require.Equal(t, model.ModeDelay, cfg.Schedule.Mode)
	require.Equal(t, 2*time.Minute, cfg.Schedule.Delay.After.Std())
	require.Equal(t, 30*time.Second, cfg.Schedule.Delay.AfterError.Std())
	// untouched values keep their defaults
	require.Equal(t, 3000, cfg.HTTP.Port)
	require.Equal(t, []string{"inplay_football_requests_scraper.py"}, cfg.Task.Args)

	t.Run("missing file", func(t *testing.T) {
		_, err := model.LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	type then struct {
		path string
		err  bool
	}
	cases := []struct {
		scenario string
		given    func(*model.Config)
		then     then
	}{
		{"defaults", func(*model.Config) {}, then{}},
		{"unknown_mode", func(c *model.Config) { c.Schedule.Mode = "weekly" }, then{"schedule.mode", true}},
		{"port_zero", func(c *model.Config) { c.HTTP.Port = 0 }, then{"http.port", true}},
		{"port_too_big", func(c *model.Config) { c.HTTP.Port = 70000 }, then{"http.port", true}},
		{"empty_name", func(c *model.Config) { c.Service.Name = "" }, then{"service.name", true}},
		{"zero_timeout", func(c *model.Config) { c.Task.Timeout = 0 }, then{"task.timeout", true}},
		{"zero_continuous_after", func(c *model.Config) { c.Schedule.Continuous.After = 0 }, then{"schedule.continuous.after", true}},
		{"zero_continuous_after_failure", func(c *model.Config) { c.Schedule.Continuous.AfterFailure = 0 }, then{"schedule.continuous.after_failure", true}},
		{"negative_delay", func(c *model.Config) { c.Schedule.Delay.After = model.Duration(-time.Second) }, then{"schedule.delay.after", true}},
		{"bad_cron", func(c *model.Config) {
			c.Schedule.Mode = model.ModeInterval
			c.Schedule.Interval.Cron = "* * 32 * *"
		}, then{"", true}},
		{"good_cron", func(c *model.Config) {
			c.Schedule.Mode = model.ModeInterval
			c.Schedule.Interval.Cron = "*/5 * * * *"
		}, then{}},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			cfg := model.DefaultConfig()
			tc.given(&cfg)
			err := cfg.Validate()
			if !tc.then.err {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			details := model.ConfigErrDetails(err)
			require.NotEmpty(t, details)
			if tc.then.path == "" {
				return
			}
			var paths []string
			for _, d := range details {
				paths = append(paths, d.Path)
			}
			require.Contains(t, paths, tc.then.path)
		})
	}
}

package service

import (
	"fmt"
	"time"

	"github.com/CZERTAINLY/Overseer/internal/model"
)

// Policy decides when the task becomes eligible to run again.
type Policy interface {
	Mode() string
	// Next returns the earliest time of the next launch and the backoff it
	// was derived from.
	Next(res Result) (time.Time, time.Duration)
}

// Periodic policies are not timed by the supervisor itself, an external
// tick triggers an eligibility check instead. Either every or cron is set.
type Periodic interface {
	Period() (every time.Duration, cron string)
}

// Continuous restarts the task shortly after every completion.
type Continuous struct {
	After            time.Duration
	AfterFailure     time.Duration
	AfterLaunchError time.Duration
}

func (Continuous) Mode() string { return model.ModeContinuous }

func (p Continuous) Next(res Result) (time.Time, time.Duration) {
	var d time.Duration
	switch {
	case res.Outcome == model.OutcomeLaunchError:
		d = p.AfterLaunchError
	case res.Outcome.Failed():
		d = p.AfterFailure
	default:
		d = p.After
	}
	return res.Stopped.Add(d), d
}

// Interval keeps a minimum gap between two run starts. Eligibility is
// checked every Check or on Cron activations.
type Interval struct {
	MinGap           time.Duration
	Check            time.Duration
	Cron             string
	AfterLaunchError time.Duration
}

func (Interval) Mode() string { return model.ModeInterval }

func (p Interval) Next(res Result) (time.Time, time.Duration) {
	if res.Outcome == model.OutcomeLaunchError {
		return res.Stopped.Add(p.AfterLaunchError), p.AfterLaunchError
	}
	return res.Started.Add(p.MinGap), p.MinGap
}

func (p Interval) Period() (time.Duration, string) {
	return p.Check, p.Cron
}

// FixedDelay waits the same time after each completion, a shorter one when
// the task could not be launched.
type FixedDelay struct {
	After      time.Duration
	AfterError time.Duration
}

func (FixedDelay) Mode() string { return model.ModeDelay }

func (p FixedDelay) Next(res Result) (time.Time, time.Duration) {
	if res.Outcome == model.OutcomeLaunchError {
		return res.Stopped.Add(p.AfterError), p.AfterError
	}
	return res.Stopped.Add(p.After), p.After
}

func PolicyFromConfig(cfg model.Schedule) (Policy, error) {
	switch cfg.Mode {
	case model.ModeContinuous:
		return Continuous{
			After:            cfg.Continuous.After.Std(),
			AfterFailure:     cfg.Continuous.AfterFailure.Std(),
			AfterLaunchError: cfg.Continuous.AfterLaunchError.Std(),
		}, nil
	case model.ModeInterval:
		if cfg.Interval.Cron == "" && cfg.Interval.Check <= 0 {
			return nil, fmt.Errorf("schedule.interval: both cron and check are empty")
		}
		if cfg.Interval.Cron != "" {
			if err := model.ParseCron(cfg.Interval.Cron); err != nil {
				return nil, fmt.Errorf("parsing schedule.interval.cron: %w", err)
			}
		}
		return Interval{
			MinGap:           cfg.Interval.MinGap.Std(),
			Check:            cfg.Interval.Check.Std(),
			Cron:             cfg.Interval.Cron,
			AfterLaunchError: cfg.Interval.AfterLaunchError.Std(),
		}, nil
	case model.ModeDelay:
		return FixedDelay{
			After:      cfg.Delay.After.Std(),
			AfterError: cfg.Delay.AfterError.Std(),
		}, nil
	default:
		return nil, fmt.Errorf("schedule.mode %q: unsupported", cfg.Mode)
	}
}

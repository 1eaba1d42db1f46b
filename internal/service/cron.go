package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/Overseer/internal/model"
)

// newScheduler returns a started gocron scheduler calling startFunc on every
// cron activation, or every period starting at startAt.
func newScheduler(ctx context.Context, every time.Duration, expr string, startAt time.Time, startFunc func()) (gocron.Scheduler, error) {
	var job gocron.JobDefinition
	var opts []gocron.JobOption
	switch {
	case expr != "":
		if err := model.ParseCron(expr); err != nil {
			return nil, fmt.Errorf("parsing schedule.interval.cron: %w", err)
		}
		job = gocron.CronJob(expr, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", expr)
	case every > 0:
		job = gocron.DurationJob(every)
		if time.Until(startAt) > time.Second {
			opts = append(opts, gocron.WithStartAt(gocron.WithStartDateTime(startAt)))
		} else {
			opts = append(opts, gocron.WithStartAt(gocron.WithStartImmediately()))
		}
		slog.DebugContext(ctx, "eligibility check", "every", every.String(), "start_at", startAt)
	default:
		return nil, errors.New("both cron and check are empty")
	}
	opts = append(opts,
		gocron.WithName("eligibility-check"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)

	s, err := gocron.NewScheduler(gocron.WithLogger(slog.Default()))
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(startFunc),
		opts...,
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	s.Start()
	return s, nil
}

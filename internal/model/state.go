package model

import "time"

// Outcome classifies how a run ended.
type Outcome string

const (
	OutcomeNone        Outcome = ""
	OutcomeSuccess     Outcome = "success"
	OutcomeFailure     Outcome = "failure"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeLaunchError Outcome = "launch_error"
)

// Failed reports whether the outcome takes the failure reschedule path.
// A launch error is not a failure: no task has been running.
func (o Outcome) Failed() bool {
	return o == OutcomeFailure || o == OutcomeTimeout
}

// RunState is a point in time copy of the supervisor state. It is safe to
// read from any goroutine.
type RunState struct {
	Running           bool
	LastRunAt         time.Time // zero when no run has started yet
	LastRunID         string
	LastExitCode      *int
	LastOutcome       Outcome
	PendingRetryDelay time.Duration
	NextRunAt         time.Time
	Runs              int
	Failures          int
	LoopRestarts      int
}

// Package service implements scheduling and supervision of the scraping task.
//
// Overview
// The Supervisor owns an event loop, a single concurrency slot and the run
// state. It decides when the task runs, launches it through a Runner and
// reschedules it according to a Policy once the task exits.
//
// Runner is a thin, opinionated wrapper around os/exec:
//   - starts the process with the inherited environment plus extras
//   - streams stdout and stderr line by line into the log
//   - terminates the process on timeout (SIGTERM, SIGKILL after a grace)
//   - exposes a channel of Result values
//
// Data flow:
//
//	trigger (timer, gocron tick, Trigger())
//	    |
//	Supervisor ---- Start() ----> Runner{cmd}
//	    |                            | os/exec.Start + Wait() in goroutine
//	    |<-------- Result -----------| (process exits or is killed)
//	    |
//	Policy.Next(Result) -> NextRunAt
//
// Policies:
//   - Continuous: run again shortly after every completion.
//   - Interval: keep a minimum gap between run starts, eligibility is checked
//     by a gocron job every period or on cron activations.
//   - FixedDelay: wait the same time after each completion.
//
// Invariants:
//   - At most one run is in flight, a trigger while running is skipped and
//     logged, never queued.
//   - Each successful launch produces one terminal Result.
//   - LastRunAt is the start of the last run and never goes back.
//   - A launch error is not a task failure and has its own backoff.
//   - Panics of the event loop are recovered and the loop restarts after a
//     cooldown. A running task survives the restart.
//
// Watcher reloads the config file and reconfigures the Supervisor at runtime.
package service

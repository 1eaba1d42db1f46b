package service

import (
	"sync"
	"time"

	"github.com/CZERTAINLY/Overseer/internal/model"
)

// state is written by the supervisor loop only, everyone else reads a copy.
type state struct {
	mx sync.RWMutex
	rs model.RunState
}

func (s *state) snapshot() model.RunState {
	s.mx.RLock()
	defer s.mx.RUnlock()
	rs := s.rs
	if rs.LastExitCode != nil {
		code := *rs.LastExitCode
		rs.LastExitCode = &code
	}
	return rs
}

func (s *state) update(fn func(rs *model.RunState)) {
	s.mx.Lock()
	defer s.mx.Unlock()
	fn(&s.rs)
}

func (s *state) started(runID string, at time.Time) {
	s.update(func(rs *model.RunState) {
		rs.Running = true
		rs.LastRunID = runID
		if at.After(rs.LastRunAt) {
			rs.LastRunAt = at
		}
		rs.Runs++
	})
}

func (s *state) finished(res Result) {
	s.update(func(rs *model.RunState) {
		rs.Running = false
		rs.LastOutcome = res.Outcome
		rs.LastExitCode = nil
		if res.ExitCode >= 0 {
			code := res.ExitCode
			rs.LastExitCode = &code
		}
		if res.Outcome != model.OutcomeSuccess {
			rs.Failures++
		}
	})
}

func (s *state) scheduled(next time.Time, backoff time.Duration) {
	s.update(func(rs *model.RunState) {
		rs.NextRunAt = next
		rs.PendingRetryDelay = backoff
	})
}

func (s *state) nextRunAt() time.Time {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.rs.NextRunAt
}

func (s *state) running() bool {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.rs.Running
}

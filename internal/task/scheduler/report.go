package scheduler

import (
	"time"

	"tasksched/internal/job"
	logx "tasksched/pkg/logx"
)

const pollWarnThrottle = 5 * time.Second

// reportPollError logs loop failures without flooding while the store is
// down.
func (s *Service) reportPollError(err error) {
	if err == nil {
		return
	}
	now := time.Now()
	s.errMu.Lock()
	last := s.lastErrWarn
	if !last.IsZero() && now.Sub(last) < pollWarnThrottle {
		s.errMu.Unlock()
		s.log.Debug("poll failed", logx.Err(err))
		return
	}
	s.lastErrWarn = now
	s.errMu.Unlock()

	if job.IsUnavailable(err) {
		s.log.Warn("store unavailable; backing off", logx.Err(err))
		return
	}
	s.log.Error("poll failed", logx.Err(err))
}

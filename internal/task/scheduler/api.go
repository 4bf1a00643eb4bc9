package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tasksched/internal/job"
	"tasksched/internal/storage"
	logx "tasksched/pkg/logx"
)

// SubmitOption adjusts a job before it is stored.
type SubmitOption func(j *job.Job) error

// WithID uses a caller-chosen id instead of a generated one.
func WithID(id string) SubmitOption {
	return func(j *job.Job) error { return j.SetID(id) }
}

// WithScheduledAt defers the job; a future time stores it POSTPONED.
func WithScheduledAt(at time.Time) SubmitOption {
	return func(j *job.Job) error {
		if !at.IsZero() {
			j.ScheduledAt = at.UTC()
		}
		return nil
	}
}

// WithTimeout overrides the pool's default max runtime.
func WithTimeout(d time.Duration) SubmitOption {
	return func(j *job.Job) error {
		if d < 0 {
			return fmt.Errorf("timeout must be >= 0, got %s", d)
		}
		j.Timeout = d
		return nil
	}
}

// WithRetry re-submits a FAILED or TIMEOUT job up to n times, each attempt
// every after the previous one ended.
func WithRetry(n int, every time.Duration) SubmitOption {
	return func(j *job.Job) error {
		if n < 0 || every < 0 {
			return fmt.Errorf("retry must be >= 0, got %d every %s", n, every)
		}
		j.Retry, j.RetryMax, j.RetryInterval = n, n, every
		return nil
	}
}

// WithInterval makes the job recurring. spec is a cron expression or an
// interval ("15m", "every:1h", "02:30").
func WithInterval(spec string) SubmitOption {
	return func(j *job.Job) error {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			return nil
		}
		if _, err := job.ParseSchedule(spec); err != nil {
			return err
		}
		j.Interval = spec
		return nil
	}
}

// Submit stores a new job of a registered kind and returns its id.
func (s *Service) Submit(ctx context.Context, kind string, data any, opts ...SubmitOption) (string, error) {
	kind = strings.TrimSpace(kind)
	if !s.registry.Has(kind) {
		return "", fmt.Errorf("%w: %q", job.ErrUnknownKind, kind)
	}
	payload, err := job.EncodeData(data)
	if err != nil {
		return "", err
	}
	j := job.New(kind, payload)
	for _, o := range opts {
		if o == nil {
			continue
		}
		if err := o(j); err != nil {
			return "", err
		}
	}
	j.Status = job.InitialStatus(j.ScheduledAt, s.now().UTC())
	if err := s.store.Insert(ctx, j); err != nil {
		return "", err
	}
	s.log.Debug("job submitted", logx.String("job", j.ID), logx.String("kind", kind), logx.String("status", j.Status.String()))
	if j.Status == job.Waiting {
		s.Wake()
	}
	return j.ID, nil
}

// Cancel stops a job that has not started. It reports false when the job
// is already running or finished.
func (s *Service) Cancel(ctx context.Context, id string) (bool, error) {
	_, err := s.machine.Cancel(ctx, id)
	switch {
	case err == nil:
		s.log.Info("job canceled", logx.String("job", id))
		return true, nil
	case errors.Is(err, job.ErrIllegalTransition), errors.Is(err, job.ErrStaleClaim):
		return false, nil
	default:
		return false, err
	}
}

// Kill stops a running job wherever it runs. The request goes out on the
// control channel, then the job is moved to KILLED directly so the outcome
// holds even if the owning instance is gone. It reports whether the job
// ended KILLED.
func (s *Service) Kill(ctx context.Context, id string) (bool, error) {
	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	switch cur.Status {
	case job.Killed:
		return true, nil
	case job.Processing:
	default:
		return false, nil
	}

	s.pool.Kill(id)
	if s.control != nil {
		if err := s.control.Publish(ctx, id); err != nil {
			s.log.Warn("kill broadcast failed", logx.String("job", id), logx.Err(err))
		}
	}

	_, err = s.machine.Finish(ctx, id, job.Killed, "killed on request")
	switch {
	case err == nil:
		s.log.Info("job killed", logx.String("job", id), logx.String("worker", cur.Worker))
		return true, nil
	case errors.Is(err, job.ErrStaleClaim):
		// The slot recorded the outcome first.
		st, gerr := s.Status(ctx, id)
		if gerr != nil {
			return false, gerr
		}
		return st == job.Killed, nil
	default:
		return false, err
	}
}

// Status returns the current status of id.
func (s *Service) Status(ctx context.Context, id string) (job.Status, error) {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return j.Status, nil
}

func (s *Service) Get(ctx context.Context, id string) (*job.Job, error) {
	return s.store.Get(ctx, id)
}

// List returns jobs matching f, oldest first.
func (s *Service) List(ctx context.Context, f storage.Filter) ([]*job.Job, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 1000
	}
	var out []*job.Job
	for j, err := range s.store.Find(ctx, f) {
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

// SetData replaces the payload of a job that has not started.
func (s *Service) SetData(ctx context.Context, id string, data any) error {
	payload, err := job.EncodeData(data)
	if err != nil {
		return err
	}
	return s.store.UpdateData(ctx, id, payload, job.Waiting, job.Postponed)
}

// Postpone defers a WAITING job until at.
func (s *Service) Postpone(ctx context.Context, id string, at time.Time) error {
	_, err := s.machine.Postpone(ctx, id, at)
	return err
}

// Resume makes a POSTPONED job eligible immediately.
func (s *Service) Resume(ctx context.Context, id string) error {
	if _, err := s.machine.Resume(ctx, id); err != nil {
		return err
	}
	s.Wake()
	return nil
}

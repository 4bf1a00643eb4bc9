package statemachine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tasksched/internal/job"
	"tasksched/internal/storage"
)

// Machine performs validated transitions against a store.
type Machine struct {
	store storage.Store
	now   func() time.Time
}

func New(store storage.Store) *Machine {
	return &Machine{store: store, now: time.Now}
}

// Store exposes the backing store for read paths.
func (m *Machine) Store() storage.Store { return m.store }

// Transition moves id from -> to, setting f in the same write. Illegal edges
// fail before the store is touched; a lost race yields ErrStaleClaim.
func (m *Machine) Transition(ctx context.Context, id string, from, to job.Status, f storage.Fields) (*job.Job, error) {
	if err := Validate(from, to); err != nil {
		return nil, err
	}
	return m.store.ConditionalUpdate(ctx, id, from, to, f)
}

// Claim takes PROCESSING ownership of a pending job for worker. The claim
// always records a deadline of now+maxRuntime so the reaper can recover the
// job if worker disappears.
func (m *Machine) Claim(ctx context.Context, j *job.Job, worker string, maxRuntime time.Duration) (*job.Job, error) {
	if maxRuntime <= 0 {
		return nil, fmt.Errorf("%w: claim requires a positive max runtime, got %s", job.ErrInvalidState, maxRuntime)
	}
	now := m.now().UTC()
	deadline := now.Add(maxRuntime)
	f := storage.Fields{Worker: &worker, Started: &now, Deadline: &deadline}
	return m.Transition(ctx, j.ID, j.Status, job.Processing, f)
}

// Finish records the terminal outcome of a PROCESSING job.
func (m *Machine) Finish(ctx context.Context, id string, to job.Status, errText string) (*job.Job, error) {
	now := m.now().UTC()
	f := storage.Fields{Ended: &now}
	if errText != "" {
		f.Error = &errText
	}
	return m.Transition(ctx, id, job.Processing, to, f)
}

// maxPendingAttempts bounds re-reads when a pending job moves between
// WAITING and POSTPONED under a concurrent writer.
const maxPendingAttempts = 3

// Cancel moves a pending job to CANCELED. It re-reads and retries while the
// job stays pending but changed under us. A job that already left the
// pending states fails with ErrIllegalTransition.
func (m *Machine) Cancel(ctx context.Context, id string) (*job.Job, error) {
	return m.fromPending(ctx, id, job.Canceled, func() storage.Fields {
		now := m.now().UTC()
		return storage.Fields{Ended: &now}
	})
}

// Postpone defers a WAITING job until at.
func (m *Machine) Postpone(ctx context.Context, id string, at time.Time) (*job.Job, error) {
	if at.IsZero() {
		return nil, fmt.Errorf("%w: postpone requires a time", job.ErrInvalidState)
	}
	at = at.UTC()
	return m.Transition(ctx, id, job.Waiting, job.Postponed, storage.Fields{ScheduledAt: &at})
}

// Resume makes a POSTPONED job immediately eligible.
func (m *Machine) Resume(ctx context.Context, id string) (*job.Job, error) {
	var zero time.Time
	return m.Transition(ctx, id, job.Postponed, job.Waiting, storage.Fields{ScheduledAt: &zero})
}

func (m *Machine) fromPending(ctx context.Context, id string, to job.Status, fields func() storage.Fields) (*job.Job, error) {
	var lastErr error
	for attempt := 0; attempt < maxPendingAttempts; attempt++ {
		cur, err := m.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !cur.Status.Pending() {
			return nil, Validate(cur.Status, to)
		}
		out, err := m.Transition(ctx, id, cur.Status, to, fields())
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, job.ErrStaleClaim) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// Requeue inserts the successor of a terminal job (retry or recurrence).
// It returns nil when the job has none.
func (m *Machine) Requeue(ctx context.Context, done *job.Job) (*job.Job, error) {
	next, err := job.Successor(done, m.now().UTC())
	if err != nil || next == nil {
		return nil, err
	}
	if err := m.store.Insert(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

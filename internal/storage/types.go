package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"tasksched/internal/job"
)

// ErrWatchUnsupported is returned by Watch on backends without a change
// stream. Callers fall back to interval polling.
var ErrWatchUnsupported = errors.New("storage: watch not supported")

var errClosed = errors.New("storage: closed")

// Config configures storage.
//
// Driver values:
//   - "memory" (default)
//   - "sqlite": Path is the database file
//   - "postgres": DSN is a lib/pq connection string or URL
//   - "mongo": DSN is a mongodb:// URI; Database and Collection name the target
type Config struct {
	Driver         string
	Path           string
	DSN            string
	Database       string
	Collection     string
	BusyTimeout    time.Duration // sqlite only; 0 means default
	ConnectTimeout time.Duration
	MaxOpenConns   int // postgres only
}

// Store is the job collection contract.
type Store interface {
	// Insert stores a new pending job. An empty id is assigned; Created is
	// stamped when zero. ErrDuplicateID if the id exists.
	Insert(ctx context.Context, j *job.Job) error

	// ConditionalUpdate atomically sets status=next (plus f) where the job
	// has id and status=expected, and returns the updated snapshot.
	// ErrNotFound when no such id; ErrStaleClaim when the status differs.
	ConditionalUpdate(ctx context.Context, id string, expected, next job.Status, f Fields) (*job.Job, error)

	// UpdateData replaces the payload if the current status is one of
	// allowed; ErrInvalidState otherwise.
	UpdateData(ctx context.Context, id string, data json.RawMessage, allowed ...job.Status) error

	Get(ctx context.Context, id string) (*job.Job, error)

	// Find yields matching snapshots, oldest inserted first (ties by id).
	// The sequence is finite and every call restarts the query.
	Find(ctx context.Context, f Filter) iter.Seq2[*job.Job, error]

	// Watch streams insert/update events until ctx ends. It is not
	// restartable; call it again for a new stream.
	Watch(ctx context.Context) (<-chan Event, error)

	Ping(ctx context.Context) error
	Close() error
}

// Fields are the non-status columns a transition may set. Nil leaves the
// stored value untouched; a pointer to a zero time clears it.
type Fields struct {
	Worker      *string
	Started     *time.Time
	Ended       *time.Time
	Deadline    *time.Time
	ScheduledAt *time.Time
	Error       *string
}

// Apply copies the set fields onto j.
func (f Fields) Apply(j *job.Job) {
	if f.Worker != nil {
		j.Worker = *f.Worker
	}
	if f.Started != nil {
		j.Started = *f.Started
	}
	if f.Ended != nil {
		j.Ended = *f.Ended
	}
	if f.Deadline != nil {
		j.Deadline = *f.Deadline
	}
	if f.ScheduledAt != nil {
		j.ScheduledAt = *f.ScheduledAt
	}
	if f.Error != nil {
		j.Error = *f.Error
	}
}

// Filter selects jobs for Find. Zero fields do not constrain.
type Filter struct {
	Statuses []job.Status

	// DueBy keeps jobs whose ScheduledAt is unset or not after it.
	DueBy time.Time

	// DeadlineBefore keeps jobs with a deadline set and before it.
	DeadlineBefore time.Time

	Worker string
	Limit  int
}

// Match applies the filter to one snapshot (used by in-process backends).
func (f Filter) Match(j *job.Job) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if j.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.DueBy.IsZero() && !j.ScheduledAt.IsZero() && j.ScheduledAt.After(f.DueBy) {
		return false
	}
	if !f.DeadlineBefore.IsZero() && (j.Deadline.IsZero() || !j.Deadline.Before(f.DeadlineBefore)) {
		return false
	}
	if f.Worker != "" && j.Worker != f.Worker {
		return false
	}
	return true
}

// Eligible is the dispatcher's candidate filter.
func Eligible(now time.Time, limit int) Filter {
	return Filter{Statuses: []job.Status{job.Waiting, job.Postponed}, DueBy: now, Limit: limit}
}

type EventOp string

const (
	OpInsert EventOp = "insert"
	OpUpdate EventOp = "update"
)

// Event is one change notification. Job is nil when the backend only
// reports the id and status.
type Event struct {
	Op     EventOp
	ID     string
	Status job.Status
	Job    *job.Job
}

// prepareInsert validates and stamps a job before it is written.
func prepareInsert(j *job.Job, now time.Time) error {
	if j == nil {
		return errors.New("storage: nil job")
	}
	if !j.Status.Pending() {
		return fmt.Errorf("%w: new jobs must be waiting or postponed, got %s", job.ErrInvalidState, j.Status)
	}
	if j.ID == "" {
		if err := j.SetID(job.NewID()); err != nil {
			return err
		}
	}
	if j.Created.IsZero() {
		j.Created = now
	}
	return nil
}

func staleErr(id string, cur, expected job.Status) error {
	return fmt.Errorf("%w: job %s is %s, expected %s", job.ErrStaleClaim, id, cur, expected)
}

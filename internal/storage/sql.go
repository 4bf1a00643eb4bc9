package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"tasksched/internal/job"
	logx "tasksched/pkg/logx"
)

// dialect captures what differs between the database/sql backends.
type dialect struct {
	name        string
	placeholder func(n int) string // n is 1-based
	isDuplicate func(error) bool
	isTransient func(error) bool
}

// sqlStore implements Store over database/sql. Timestamps and durations are
// stored as unix nanoseconds so sqlite and postgres share one scan path.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger

	watch   func(ctx context.Context) (<-chan Event, error)
	onClose func() error
	closed  atomic.Bool
}

const jobColumns = "id, kind, data, status, scheduled_at, recurrence, retry, retry_max, retry_interval, timeout, created, started, ended, deadline, worker, last_error, previous"

func (s *sqlStore) Insert(ctx context.Context, j *job.Job) error {
	if err := prepareInsert(j, time.Now().UTC()); err != nil {
		return err
	}
	q := "INSERT INTO jobs (" + jobColumns + ") VALUES (" + s.placeholders(1, 17) + ")"
	_, err := s.db.ExecContext(ctx, q,
		j.ID, j.Kind, nullData(j.Payload), int(j.Status), nanos(j.ScheduledAt), j.Interval,
		j.Retry, j.RetryMax, int64(j.RetryInterval), int64(j.Timeout),
		j.Created.UnixNano(), nanos(j.Started), nanos(j.Ended), nanos(j.Deadline),
		j.Worker, j.Error, j.Previous,
	)
	if err != nil && s.d.isDuplicate(err) {
		return fmt.Errorf("%w: %s", job.ErrDuplicateID, j.ID)
	}
	return s.wrap("insert", err)
}

func (s *sqlStore) ConditionalUpdate(ctx context.Context, id string, expected, next job.Status, f Fields) (*job.Job, error) {
	sets := []string{"status = " + s.d.placeholder(1)}
	args := []any{int(next)}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, col+" = "+s.d.placeholder(len(args)))
	}
	if f.Worker != nil {
		add("worker", *f.Worker)
	}
	if f.Started != nil {
		add("started", nanos(*f.Started))
	}
	if f.Ended != nil {
		add("ended", nanos(*f.Ended))
	}
	if f.Deadline != nil {
		add("deadline", nanos(*f.Deadline))
	}
	if f.ScheduledAt != nil {
		add("scheduled_at", nanos(*f.ScheduledAt))
	}
	if f.Error != nil {
		add("last_error", *f.Error)
	}
	args = append(args, id, int(expected))
	q := "UPDATE jobs SET " + strings.Join(sets, ", ") +
		" WHERE id = " + s.d.placeholder(len(args)-1) + " AND status = " + s.d.placeholder(len(args)) +
		" RETURNING " + jobColumns

	j, err := scanJob(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		cur, perr := s.currentStatus(ctx, id)
		if perr != nil {
			return nil, perr
		}
		return nil, staleErr(id, cur, expected)
	}
	if err != nil {
		return nil, s.wrap("conditional update", err)
	}
	return j, nil
}

func (s *sqlStore) UpdateData(ctx context.Context, id string, data json.RawMessage, allowed ...job.Status) error {
	if len(allowed) == 0 {
		return fmt.Errorf("%w: no status allows data updates", job.ErrInvalidState)
	}
	args := []any{nullData(data), id}
	ph := make([]string, 0, len(allowed))
	for _, st := range allowed {
		args = append(args, int(st))
		ph = append(ph, s.d.placeholder(len(args)))
	}
	q := "UPDATE jobs SET data = " + s.d.placeholder(1) +
		" WHERE id = " + s.d.placeholder(2) + " AND status IN (" + strings.Join(ph, ", ") + ")"
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return s.wrap("update data", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.wrap("update data", err)
	}
	if n > 0 {
		return nil
	}
	cur, err := s.currentStatus(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is %s", job.ErrInvalidState, id, cur)
}

func (s *sqlStore) Get(ctx context.Context, id string) (*job.Job, error) {
	q := "SELECT " + jobColumns + " FROM jobs WHERE id = " + s.d.placeholder(1)
	j, err := scanJob(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	if err != nil {
		return nil, s.wrap("get", err)
	}
	return j, nil
}

func (s *sqlStore) Find(ctx context.Context, f Filter) iter.Seq2[*job.Job, error] {
	return func(yield func(*job.Job, error) bool) {
		q, args := s.findQuery(f)
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			yield(nil, s.wrap("find", err))
			return
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				yield(nil, s.wrap("find scan", err))
				return
			}
			if !yield(j, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, s.wrap("find", err))
		}
	}
}

func (s *sqlStore) findQuery(f Filter) (string, []any) {
	var where []string
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return s.d.placeholder(len(args))
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			ph = append(ph, next(int(st)))
		}
		where = append(where, "status IN ("+strings.Join(ph, ", ")+")")
	}
	if !f.DueBy.IsZero() {
		where = append(where, "(scheduled_at IS NULL OR scheduled_at <= "+next(f.DueBy.UnixNano())+")")
	}
	if !f.DeadlineBefore.IsZero() {
		where = append(where, "deadline IS NOT NULL AND deadline < "+next(f.DeadlineBefore.UnixNano()))
	}
	if f.Worker != "" {
		where = append(where, "worker = "+next(f.Worker))
	}
	q := "SELECT " + jobColumns + " FROM jobs"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created, id"
	if f.Limit > 0 {
		q += " LIMIT " + next(f.Limit)
	}
	return q, args
}

func (s *sqlStore) Watch(ctx context.Context) (<-chan Event, error) {
	if s.watch == nil {
		return nil, ErrWatchUnsupported
	}
	return s.watch(ctx)
}

func (s *sqlStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return job.Unavailable(fmt.Errorf("%s ping: %w", s.d.name, err))
	}
	return nil
}

func (s *sqlStore) Close() error {
	s.closed.Store(true)
	var err error
	if s.onClose != nil {
		err = s.onClose()
	}
	return errors.Join(err, s.db.Close())
}

func (s *sqlStore) currentStatus(ctx context.Context, id string) (job.Status, error) {
	var st int
	err := s.db.QueryRowContext(ctx, "SELECT status FROM jobs WHERE id = "+s.d.placeholder(1), id).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	if err != nil {
		return 0, s.wrap("status lookup", err)
	}
	return job.Status(st), nil
}

func (s *sqlStore) placeholders(from, n int) string {
	out := make([]string, 0, n)
	for i := from; i < from+n; i++ {
		out = append(out, s.d.placeholder(i))
	}
	return strings.Join(out, ", ")
}

func (s *sqlStore) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if s.closed.Load() {
		// database/sql reports a closed pool with an unexported error.
		return job.Unavailable(fmt.Errorf("%s %s: %w: %w", s.d.name, op, errClosed, err))
	}
	err = fmt.Errorf("%s %s: %w", s.d.name, op, err)
	if errors.Is(err, sql.ErrConnDone) || (s.d.isTransient != nil && s.d.isTransient(err)) {
		return job.Unavailable(err)
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(sc rowScanner) (*job.Job, error) {
	var (
		j                                   job.Job
		data                                []byte
		status                              int
		retryInterval, timeout, created     int64
		scheduled, started, ended, deadline sql.NullInt64
	)
	err := sc.Scan(&j.ID, &j.Kind, &data, &status, &scheduled, &j.Interval, &j.Retry, &j.RetryMax,
		&retryInterval, &timeout, &created, &started, &ended, &deadline, &j.Worker, &j.Error, &j.Previous)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		j.Payload = append(json.RawMessage(nil), data...)
	}
	j.Status = job.Status(status)
	j.RetryInterval = time.Duration(retryInterval)
	j.Timeout = time.Duration(timeout)
	j.Created = time.Unix(0, created).UTC()
	j.ScheduledAt = fromNanos(scheduled)
	j.Started = fromNanos(started)
	j.Ended = fromNanos(ended)
	j.Deadline = fromNanos(deadline)
	return &j, nil
}

func nanos(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(0, v.Int64).UTC()
}

func nullData(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func questionMark(int) string { return "?" }

func dollar(n int) string { return "$" + strconv.Itoa(n) }

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"tasksched/internal/eventbus"
	"tasksched/internal/job"
	logx "tasksched/pkg/logx"
)

// memoryStore keeps jobs in a map. Every read hands out a copy so callers
// can never mutate stored state behind the compare-and-set.
type memoryStore struct {
	mu     sync.RWMutex
	jobs   map[string]*job.Job
	last   time.Time
	closed bool

	bus eventbus.Bus
	log logx.Logger
}

// NewMemory returns an empty in-process store.
func NewMemory(log logx.Logger) Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &memoryStore{jobs: map[string]*job.Job{}, bus: eventbus.New(), log: log}
}

func (s *memoryStore) Insert(ctx context.Context, j *job.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return job.Unavailable(errClosed)
	}
	// Strictly increasing creation stamps keep insertion order total even
	// when the clock is coarse.
	now := time.Now()
	if !now.After(s.last) {
		now = s.last.Add(time.Nanosecond)
	}
	if err := prepareInsert(j, now); err != nil {
		s.mu.Unlock()
		return err
	}
	if _, ok := s.jobs[j.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", job.ErrDuplicateID, j.ID)
	}
	if j.Created.After(s.last) {
		s.last = j.Created
	}
	cp := j.Clone()
	s.jobs[j.ID] = cp
	ev := Event{Op: OpInsert, ID: cp.ID, Status: cp.Status, Job: cp.Clone()}
	s.mu.Unlock()

	s.bus.Publish(eventbus.Event{Type: string(OpInsert), Data: ev})
	return nil
}

func (s *memoryStore) ConditionalUpdate(ctx context.Context, id string, expected, next job.Status, f Fields) (*job.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, job.Unavailable(errClosed)
	}
	cur, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	if cur.Status != expected {
		st := cur.Status
		s.mu.Unlock()
		return nil, staleErr(id, st, expected)
	}
	cur.Status = next
	f.Apply(cur)
	out := cur.Clone()
	ev := Event{Op: OpUpdate, ID: id, Status: next, Job: cur.Clone()}
	s.mu.Unlock()

	s.bus.Publish(eventbus.Event{Type: string(OpUpdate), Data: ev})
	return out, nil
}

func (s *memoryStore) UpdateData(ctx context.Context, id string, data json.RawMessage, allowed ...job.Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return job.Unavailable(errClosed)
	}
	cur, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	if !slices.Contains(allowed, cur.Status) {
		return fmt.Errorf("%w: job %s is %s", job.ErrInvalidState, id, cur.Status)
	}
	cur.Payload = append(json.RawMessage(nil), data...)
	return nil
}

func (s *memoryStore) Get(ctx context.Context, id string) (*job.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, job.Unavailable(errClosed)
	}
	cur, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	return cur.Clone(), nil
}

func (s *memoryStore) Find(ctx context.Context, f Filter) iter.Seq2[*job.Job, error] {
	return func(yield func(*job.Job, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(nil, err)
			return
		}
		s.mu.RLock()
		if s.closed {
			s.mu.RUnlock()
			yield(nil, job.Unavailable(errClosed))
			return
		}
		matched := make([]*job.Job, 0, 16)
		for _, j := range s.jobs {
			if f.Match(j) {
				matched = append(matched, j.Clone())
			}
		}
		s.mu.RUnlock()

		slices.SortFunc(matched, compareInsertion)
		if f.Limit > 0 && len(matched) > f.Limit {
			matched = matched[:f.Limit]
		}
		for _, j := range matched {
			if !yield(j, nil) {
				return
			}
		}
	}
}

func (s *memoryStore) Watch(ctx context.Context) (<-chan Event, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, job.Unavailable(errClosed)
	}

	in, unsub := s.bus.Subscribe(256)
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-in:
				if !ok {
					return
				}
				ev, ok := e.Data.(Event)
				if !ok {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *memoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return job.Unavailable(errClosed)
	}
	return ctx.Err()
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func compareInsertion(a, b *job.Job) int {
	if c := a.Created.Compare(b.Created); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

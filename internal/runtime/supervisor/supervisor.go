package supervisor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	logx "tasksched/pkg/logx"
)

// healthyRun is how long a restarted goroutine must stay up before its
// backoff starts over.
const healthyRun = 30 * time.Second

// Supervisor owns a group of named goroutines sharing one context. Panics
// are recovered into errors and the first error is kept for Err.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool

	wg       sync.WaitGroup
	waitOnce sync.Once
	idle     chan struct{}

	mu    sync.Mutex
	err   error
	procs map[string]*GoroutineStats
}

type Option func(*Supervisor)

// GoroutineStats describes every goroutine started under one name.
type GoroutineStats struct {
	Name        string    `json:"name"`
	Active      int64     `json:"active"`
	Started     uint64    `json:"started"`
	Restarts    uint64    `json:"restarts"`
	Panics      uint64    `json:"panics"`
	LastStartAt time.Time `json:"last_start_at"`
	LastErr     string    `json:"last_err,omitempty"`
}

type Snapshot struct {
	FirstError string           `json:"first_error,omitempty"`
	Goroutines []GoroutineStats `json:"goroutines"`
}

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) {
		if !log.IsZero() {
			s.log = log
		}
	}
}

// WithCancelOnError cancels the shared context when any goroutine fails.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	s := &Supervisor{
		log:   logx.Nop(),
		idle:  make(chan struct{}),
		procs: make(map[string]*GoroutineStats),
	}
	s.ctx, s.cancel = context.WithCancel(parent)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel ends the shared context; it does not wait.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first recorded failure, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.Lock()
	snap := Snapshot{Goroutines: make([]GoroutineStats, 0, len(s.procs))}
	if s.err != nil {
		snap.FirstError = s.err.Error()
	}
	for _, st := range s.procs {
		snap.Goroutines = append(snap.Goroutines, *st)
	}
	s.mu.Unlock()
	slices.SortFunc(snap.Goroutines, func(a, b GoroutineStats) int { return cmp.Compare(a.Name, b.Name) })
	return snap
}

func (s *Supervisor) update(name string, fn func(st *GoroutineStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.procs[name]
	if !ok {
		st = &GoroutineStats{Name: name}
		s.procs[name] = st
	}
	fn(st)
}

// run executes one attempt of fn with bookkeeping and panic recovery.
func (s *Supervisor) run(name string, restart bool, fn func(ctx context.Context) error) (err error) {
	s.update(name, func(st *GoroutineStats) {
		st.Active++
		st.Started++
		st.LastStartAt = time.Now()
		if restart {
			st.Restarts++
		}
	})
	defer s.update(name, func(st *GoroutineStats) { st.Active-- })
	defer func() {
		if r := recover(); r != nil {
			s.update(name, func(st *GoroutineStats) { st.Panics++ })
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(s.ctx)
}

// Go runs fn once. An error other than context.Canceled is recorded.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.run(name, false, fn); err != nil && !errors.Is(err, context.Canceled) {
			s.fail(name, fmt.Errorf("%s: %w", name, err))
		}
	}()
}

// Go0 is Go for functions that cannot fail.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

func (s *Supervisor) fail(name string, err error) {
	s.update(name, func(st *GoroutineStats) { st.LastErr = err.Error() })
	s.record(err)
	if s.cancelOnErr {
		s.cancel()
	}
}

func (s *Supervisor) record(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	backoff     Backoff
	limit       int // 0: restart forever
	surfaceErrs bool
}

// WithRestartBackoff bounds the delay between attempts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) { p.backoff.Min, p.backoff.Max = min, max }
}

// WithMaxRestarts fails the supervisor after n restarts; the first attempt
// does not count.
func WithMaxRestarts(n int) RestartOption {
	return func(p *restartPolicy) { p.limit = max(n, 0) }
}

// WithPublishFirstError records restartable failures in Err as well.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.surfaceErrs = enabled }
}

// GoRestart keeps fn running until the context ends. A nil return or
// context.Canceled stops it for good; any other error or a panic restarts it
// after a backoff delay.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	var p restartPolicy
	for _, opt := range opts {
		opt(&p)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for attempt := 0; s.ctx.Err() == nil; attempt++ {
			began := time.Now()
			err := s.run(name, attempt > 0, fn)
			if err == nil || errors.Is(err, context.Canceled) || s.ctx.Err() != nil {
				return
			}
			err = fmt.Errorf("%s: %w", name, err)
			s.update(name, func(st *GoroutineStats) { st.LastErr = err.Error() })
			if p.surfaceErrs {
				s.record(err)
			}
			if p.limit > 0 && attempt >= p.limit {
				s.log.Error("goroutine gave up after restarts", logx.String("name", name), logx.Int("restarts", attempt), logx.Err(err))
				s.fail(name, err)
				return
			}
			if time.Since(began) >= healthyRun {
				p.backoff.Reset()
			}
			wait := p.backoff.Next()
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			if !s.sleep(wait) {
				return
			}
		}
	}()
}

func (s *Supervisor) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Stop cancels the context and waits for every goroutine.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine returned or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.idle)
		}()
	})
	select {
	case <-s.idle:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

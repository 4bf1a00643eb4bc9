package scheduler

import (
	"context"
	"errors"
	"time"

	"tasksched/internal/control"
	"tasksched/internal/eventbus"
	"tasksched/internal/job"
	rtsup "tasksched/internal/runtime/supervisor"
	"tasksched/internal/statemachine"
	"tasksched/internal/storage"
	"tasksched/internal/task/engine"
	logx "tasksched/pkg/logx"
)

// New wires a dispatcher. ctrl may be nil for a single instance without
// kill propagation.
func New(cfg Config, machine *statemachine.Machine, pool *engine.Pool, registry *job.Registry, ctrl control.Channel, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log.With(logx.String("comp", "dispatcher")),
		bus:      bus,
		store:    machine.Store(),
		machine:  machine,
		pool:     pool,
		registry: registry,
		control:  ctrl,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
}

// Apply swaps loop settings; the loops pick them up on their next cycle.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
	s.Wake()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Wake asks the dispatch loop to poll now.
func (s *Service) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start launches the dispatch, reaper and kill loops. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	cfg := s.cfg
	sup := rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup.GoRestart("dispatch", s.Run, rtsup.WithRestartBackoff(cfg.PollInterval, cfg.MaxBackoff), rtsup.WithPublishFirstError(true))
	if cfg.ReapInterval > 0 {
		sup.GoRestart("reaper", s.reapLoop, rtsup.WithRestartBackoff(cfg.PollInterval, cfg.MaxBackoff))
	}
	if s.control != nil {
		sup.GoRestart("kill", s.killLoop, rtsup.WithRestartBackoff(cfg.PollInterval, cfg.MaxBackoff))
	}
	s.sup = sup
	s.log.Info("dispatcher started",
		logx.String("worker", s.pool.Worker()),
		logx.Duration("poll", cfg.PollInterval),
		logx.Duration("reap", cfg.ReapInterval),
		logx.Any("kinds", s.registry.Kinds()),
	)
}

// Stop halts the loops. Running jobs belong to the pool and are not touched.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("dispatcher stop timed out", logx.Err(err))
		return
	}
	s.log.Info("dispatcher stopped", logx.Duration("took", time.Since(start)))
}

// PollOnce claims up to the number of free slots and dispatches them.
//
// A slot is reserved before each claim. Candidates are read completely
// before the first claim, since some stores serialize on one connection.
// Losing a claim race is not an error. Store failures are returned and no
// job is failed because of them.
func (s *Service) PollOnce(ctx context.Context) (int, error) {
	s.polls.Add(1)
	free := s.pool.Free()
	if free == 0 {
		return 0, nil
	}

	var candidates []*job.Job
	for j, err := range s.store.Find(ctx, storage.Eligible(s.now().UTC(), free)) {
		if err != nil {
			return 0, err
		}
		candidates = append(candidates, j)
	}

	claimed := 0
	for _, c := range candidates {
		r, ok := s.pool.Reserve()
		if !ok {
			break
		}
		j, err := s.machine.Claim(ctx, c, s.pool.Worker(), s.pool.MaxRuntime(c))
		if err != nil {
			r.Release()
			if errors.Is(err, job.ErrStaleClaim) || errors.Is(err, job.ErrNotFound) {
				s.stale.Add(1)
				continue
			}
			return claimed, err
		}
		if err := s.pool.Dispatch(j, r); err != nil {
			// Only a stopped pool refuses; record the job so it is not
			// stranded in PROCESSING.
			s.log.Warn("dispatch refused", logx.String("job", j.ID), logx.Err(err))
			if _, ferr := s.machine.Finish(context.WithoutCancel(ctx), j.ID, job.Killed, err.Error()); ferr != nil {
				s.log.Error("release of undispatched job failed", logx.String("job", j.ID), logx.Err(ferr))
			}
			return claimed, err
		}
		claimed++
		s.claims.Add(1)
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.JobClaimed, Time: s.now(), JobID: j.ID, Data: engine.JobEvent{ID: j.ID, Kind: j.Kind, Status: j.Status, Worker: j.Worker, Started: j.Started}})
		}
	}
	return claimed, nil
}

// Run polls until ctx ends. It wakes on the poll ticker, on store change
// events and when a slot frees up; while the store is unavailable it backs
// off with jitter.
func (s *Service) Run(ctx context.Context) error {
	cfg := s.config()
	events, err := s.store.Watch(ctx)
	switch {
	case errors.Is(err, storage.ErrWatchUnsupported):
		s.log.Debug("store has no change stream; polling only")
	case err != nil:
		s.log.Warn("store watch failed; polling only", logx.Err(err))
	}

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	bo := rtsup.Backoff{Min: cfg.PollInterval, Max: cfg.MaxBackoff}

	for {
		n, err := s.PollOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.pollErr.Add(1)
			s.reportPollError(err)
			wait := bo.Next()
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
			continue
		}
		bo.Reset()
		if n > 0 && s.pool.Free() > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-s.wake:
		case <-s.pool.Freed():
		case ev, ok := <-events:
			if !ok {
				s.log.Warn("store watch closed; polling only")
				events = nil
				continue
			}
			s.onStoreEvent(ev)
		}
	}
}

// onStoreEvent aborts a local slot whose job another actor finished. Any
// event also triggers the next poll by returning to the loop.
func (s *Service) onStoreEvent(ev storage.Event) {
	if ev.ID == "" || !ev.Status.IsTerminal() {
		return
	}
	// A slot that wrote this status itself is already past the point where
	// an abort matters.
	if s.pool.Abort(ev.ID) {
		s.log.Info("local slot aborted; job finished elsewhere", logx.String("job", ev.ID), logx.String("status", ev.Status.String()))
	}
}

func (s *Service) killLoop(ctx context.Context) error {
	ids, err := s.control.Subscribe(ctx)
	if err != nil {
		return err
	}
	for id := range ids {
		if s.pool.Kill(id) {
			s.log.Info("kill delivered", logx.String("job", id))
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return errors.New("kill subscription ended")
}

func (s *Service) reapLoop(ctx context.Context) error {
	cfg := s.config()
	first := reaperStartDelay(cfg.ReapInterval, s.pool.Worker())
	t := time.NewTimer(first)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if _, err := s.ReapOnce(ctx); err != nil && ctx.Err() == nil {
			s.reportPollError(err)
		}
		t.Reset(s.config().ReapInterval)
	}
}

// ReapOnce times out PROCESSING jobs whose deadline passed more than
// ReapGrace ago and which no local slot is running. The write is
// conditional, so a worker that finishes first wins.
func (s *Service) ReapOnce(ctx context.Context) (int, error) {
	cfg := s.config()
	cutoff := s.now().UTC().Add(-cfg.ReapGrace)
	var abandoned []*job.Job
	for j, err := range s.store.Find(ctx, storage.Filter{Statuses: []job.Status{job.Processing}, DeadlineBefore: cutoff, Limit: cfg.ReapBatch}) {
		if err != nil {
			return 0, err
		}
		abandoned = append(abandoned, j)
	}

	n := 0
	for _, j := range abandoned {
		if s.pool.Running(j.ID) {
			continue
		}
		done, err := s.machine.Finish(ctx, j.ID, job.Timeout, "deadline exceeded; worker "+j.Worker+" did not report")
		if errors.Is(err, job.ErrStaleClaim) || errors.Is(err, job.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
		s.reaped.Add(1)
		s.log.Warn("job.reaped", logx.String("job", j.ID), logx.String("worker", j.Worker), logx.Time("deadline", j.Deadline))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.JobReaped, Time: s.now(), JobID: j.ID, Data: engine.JobEvent{ID: j.ID, Kind: j.Kind, Status: job.Timeout, Worker: j.Worker, Started: j.Started}})
		}
		if next, err := s.machine.Requeue(ctx, done); err != nil {
			s.log.Error("successor insert failed", logx.String("job", j.ID), logx.Err(err))
		} else if next != nil {
			s.Wake()
		}
	}
	return n, nil
}

package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"tasksched/internal/eventbus"
	"tasksched/internal/job"
	rtsup "tasksched/internal/runtime/supervisor"
	"tasksched/internal/statemachine"
	"tasksched/internal/storage"
	logx "tasksched/pkg/logx"
)

// Pool runs claimed jobs in a bounded set of slots.
//
// A slot is reserved before the dispatcher claims a job, so a job never sits
// in PROCESSING without somewhere to run.
type Pool struct {
	worker   string
	machine  *statemachine.Machine
	registry *job.Registry
	log      logx.Logger
	bus      eventbus.Bus
	now      func() time.Time

	mu       sync.Mutex
	cfg      Config
	sem      *semaphore.Weighted
	size     int
	busy     int
	sup      *rtsup.Supervisor
	stopping bool
	running  map[string]*slot

	freed chan struct{}

	hmu     sync.Mutex
	history []HistoryItem
}

type slot struct {
	id       string
	kind     string
	started  time.Time
	deadline time.Time
	cancel   context.CancelCauseFunc
}

// New builds a pool. worker is the identity written into claimed jobs.
func New(cfg Config, worker string, machine *statemachine.Machine, registry *job.Registry, log logx.Logger, bus eventbus.Bus) *Pool {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		worker:   worker,
		machine:  machine,
		registry: registry,
		log:      log.With(logx.String("comp", "pool")),
		bus:      bus,
		now:      time.Now,
		cfg:      cfg,
		running:  make(map[string]*slot),
		freed:    make(chan struct{}, 1),
	}
}

// Worker returns the identity this pool claims jobs under.
func (p *Pool) Worker() string { return p.worker }

// Start is idempotent.
func (p *Pool) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sup != nil {
		return
	}
	p.size = p.cfg.Workers
	p.sem = semaphore.NewWeighted(int64(p.size))
	p.busy = 0
	p.stopping = false
	p.sup = rtsup.New(ctx, rtsup.WithLogger(p.log))
	p.log.Info("worker pool started", logx.Int("workers", p.size), logx.String("worker", p.worker))
}

// Resize changes the slot count. Slots already reserved keep running;
// Free reports 0 until enough of them drain below the new size.
func (p *Pool) Resize(n int) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	if p.size == n {
		p.mu.Unlock()
		return
	}
	prev := p.size
	p.size = n
	p.cfg.Workers = n
	if p.sem != nil {
		p.sem = semaphore.NewWeighted(int64(n))
	}
	p.mu.Unlock()
	p.log.Info("worker pool resized", logx.Int("from", prev), logx.Int("to", n))
	p.signalFreed()
}

// SetDefaultTimeout applies to jobs claimed from now on; d <= 0 restores
// DefaultMaxRuntime.
func (p *Pool) SetDefaultTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultMaxRuntime
	}
	p.mu.Lock()
	p.cfg.DefaultTimeout = d
	p.mu.Unlock()
}

// MaxRuntime is the runtime budget a claim of j should record.
func (p *Pool) MaxRuntime(j *job.Job) time.Duration {
	if j != nil && j.Timeout > 0 {
		return j.Timeout
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.DefaultTimeout
}

// Free reports how many slots could be reserved right now.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sup == nil || p.stopping {
		return 0
	}
	if n := p.size - p.busy; n > 0 {
		return n
	}
	return 0
}

// Freed is signalled (coalesced) whenever a slot is released.
func (p *Pool) Freed() <-chan struct{} { return p.freed }

// Reservation holds one slot until Release or until the dispatched job ends.
type Reservation struct {
	pool *Pool
	sem  *semaphore.Weighted
	once sync.Once
}

// Release is safe to call more than once.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		r.sem.Release(1)
		r.pool.mu.Lock()
		if r.pool.busy > 0 {
			r.pool.busy--
		}
		r.pool.mu.Unlock()
		r.pool.signalFreed()
	})
}

// Reserve takes a slot without blocking.
func (p *Pool) Reserve() (*Reservation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sup == nil || p.stopping || p.busy >= p.size {
		return nil, false
	}
	if !p.sem.TryAcquire(1) {
		return nil, false
	}
	p.busy++
	return &Reservation{pool: p, sem: p.sem}, true
}

func (p *Pool) signalFreed() {
	select {
	case p.freed <- struct{}{}:
	default:
	}
}

// Dispatch runs a claimed job in the slot held by r. The reservation is
// released when the slot finishes.
func (p *Pool) Dispatch(claimed *job.Job, r *Reservation) error {
	if r == nil || r.pool != p {
		return ErrNoSlot
	}
	p.mu.Lock()
	sup := p.sup
	p.mu.Unlock()
	if sup == nil {
		r.Release()
		return ErrStopped
	}
	id, kind := claimed.ID, claimed.Kind
	sup.Go0("slot", func(ctx context.Context) {
		defer r.Release()
		p.run(ctx, id, kind)
	})
	return nil
}

// Kill cancels the local slot running id. It reports whether one was found.
func (p *Pool) Kill(id string) bool { return p.cancelSlot(id, ErrKilled) }

// Abort stops the local slot for id without recording an outcome; used when
// another actor already finished the job.
func (p *Pool) Abort(id string) bool { return p.cancelSlot(id, ErrAborted) }

// Running reports whether a local slot is executing id.
func (p *Pool) Running(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.running[id]
	return ok
}

func (p *Pool) cancelSlot(id string, cause error) bool {
	p.mu.Lock()
	s := p.running[id]
	p.mu.Unlock()
	if s == nil {
		return false
	}
	s.cancel(cause)
	return true
}

func (p *Pool) track(s *slot) {
	p.mu.Lock()
	p.running[s.id] = s
	p.mu.Unlock()
}

func (p *Pool) untrack(id string) {
	p.mu.Lock()
	delete(p.running, id)
	p.mu.Unlock()
}

// StopBudget reports how long Stop may take: drain is the wait for jobs to
// finish on their own, kill the wait for canceled slots to record KILLED.
func (p *Pool) StopBudget() (drain, kill time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.DrainTimeout, p.killBudget()
}

func (p *Pool) killBudget() time.Duration {
	return p.cfg.KillGrace + p.cfg.FinishTimeout + time.Second
}

// Stop stops handing out slots and waits for running jobs until ctx ends.
// Whatever is still running then is canceled and recorded as KILLED; that
// phase has its own budget (see StopBudget) and ignores ctx.
func (p *Pool) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.sup == nil || p.stopping {
		p.mu.Unlock()
		return
	}
	p.stopping = true
	sup := p.sup
	p.mu.Unlock()

	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		p.mu.Lock()
		n := len(p.running)
		for _, s := range p.running {
			s.cancel(ErrShutdown)
		}
		p.mu.Unlock()
		p.log.Warn("worker pool drain timed out; killing running jobs", logx.Int("running", n))
	}
	sup.Cancel()

	p.mu.Lock()
	grace := p.killBudget()
	p.mu.Unlock()
	waitCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := sup.Wait(waitCtx); err != nil && waitCtx.Err() != nil {
		p.log.Warn("worker pool stop timed out", logx.Any("err", err))
	}

	p.mu.Lock()
	p.sup = nil
	p.sem = nil
	p.busy = 0
	p.stopping = false
	p.mu.Unlock()
	p.log.Info("worker pool stopped")
}

// Supervisor returns the slot supervisor (nil if not started).
func (p *Pool) Supervisor() *rtsup.Supervisor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sup
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	snap := Snapshot{
		Running:        p.sup != nil && !p.stopping,
		Worker:         p.worker,
		Workers:        p.size,
		Busy:           p.busy,
		DefaultTimeout: p.cfg.DefaultTimeout,
	}
	if snap.Running && p.size > p.busy {
		snap.Free = p.size - p.busy
	}
	if snap.Workers == 0 {
		snap.Workers = p.cfg.Workers
	}
	for _, s := range p.running {
		snap.Active = append(snap.Active, RunningItem{ID: s.id, Kind: s.kind, Started: s.started, Deadline: s.deadline})
	}
	p.mu.Unlock()
	sort.Slice(snap.Active, func(i, j int) bool { return snap.Active[i].Started.Before(snap.Active[j].Started) })

	p.hmu.Lock()
	snap.History = make([]HistoryItem, len(p.history))
	copy(snap.History, p.history)
	p.hmu.Unlock()
	return snap
}

func (p *Pool) record(item HistoryItem) {
	p.mu.Lock()
	size := p.cfg.HistorySize
	p.mu.Unlock()

	p.hmu.Lock()
	p.history = append(p.history, item)
	if len(p.history) > size {
		p.history = p.history[len(p.history)-size:]
	}
	p.hmu.Unlock()
}

func (p *Pool) publish(typ string, ev JobEvent) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ, Time: p.now(), JobID: ev.ID, Data: ev})
}

func (p *Pool) store() storage.Store { return p.machine.Store() }

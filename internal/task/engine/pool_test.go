package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"tasksched/internal/eventbus"
	"tasksched/internal/job"
	"tasksched/internal/statemachine"
	"tasksched/internal/storage"
	logx "tasksched/pkg/logx"
)

type harness struct {
	pool  *Pool
	store storage.Store
	m     *statemachine.Machine
	reg   *job.Registry
	bus   eventbus.Bus
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	st := storage.NewMemory(logx.Nop())
	m := statemachine.New(st)
	reg := job.NewRegistry()
	if err := job.RegisterBuiltins(reg); err != nil {
		t.Fatal(err)
	}
	bus := eventbus.New()
	p := New(cfg, "w1", m, reg, logx.Nop(), bus)
	p.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		p.Stop(ctx)
		_ = st.Close()
	})
	return &harness{pool: p, store: st, m: m, reg: reg, bus: bus}
}

// run inserts a job of kind, claims it and dispatches it.
func (h *harness) run(t *testing.T, kind string, edit func(j *job.Job)) *job.Job {
	t.Helper()
	ctx := context.Background()
	j := job.New(kind, nil)
	if edit != nil {
		edit(j)
	}
	if err := h.store.Insert(ctx, j); err != nil {
		t.Fatal(err)
	}
	r, ok := h.pool.Reserve()
	if !ok {
		t.Fatal("no free slot")
	}
	claimed, err := h.m.Claim(ctx, j, h.pool.Worker(), h.pool.MaxRuntime(j))
	if err != nil {
		r.Release()
		t.Fatal(err)
	}
	if err := h.pool.Dispatch(claimed, r); err != nil {
		t.Fatal(err)
	}
	return claimed
}

func waitStatus(t *testing.T, st storage.Store, id string, want job.Status) *job.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		j, err := st.Get(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if j.Status == want {
			return j
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s status = %s, want %s", id, j.Status, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitFree(t *testing.T, p *Pool, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for p.Free() != want {
		if time.Now().After(deadline) {
			t.Fatalf("free = %d, want %d", p.Free(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitRunning(t *testing.T, p *Pool, id string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !p.Running(id) {
		if time.Now().After(deadline) {
			t.Fatalf("slot for %s never started", id)
		}
		time.Sleep(time.Millisecond)
	}
}

// blocker never returns until released, regardless of its context.
func blocker(release <-chan struct{}) job.Factory {
	return func(*job.Job) (job.Startable, error) {
		return job.StartFunc(func(context.Context) (bool, error) {
			<-release
			return true, nil
		}), nil
	}
}

func TestReserveIsBoundedAndReleaseIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 2})

	r1, ok1 := h.pool.Reserve()
	r2, ok2 := h.pool.Reserve()
	_, ok3 := h.pool.Reserve()
	if !ok1 || !ok2 || ok3 {
		t.Fatalf("reserve = %v %v %v, want true true false", ok1, ok2, ok3)
	}
	if got := h.pool.Free(); got != 0 {
		t.Fatalf("free = %d, want 0", got)
	}
	r1.Release()
	r1.Release()
	if got := h.pool.Free(); got != 1 {
		t.Fatalf("free after double release = %d, want 1", got)
	}
	select {
	case <-h.pool.Freed():
	default:
		t.Fatal("expected freed signal")
	}
	r2.Release()
	if got := h.pool.Free(); got != 2 {
		t.Fatalf("free = %d, want 2", got)
	}
}

func TestReserveFailsWhenStopped(t *testing.T) {
	t.Parallel()
	p := New(Config{Workers: 1}, "w", statemachine.New(storage.NewMemory(logx.Nop())), job.NewRegistry(), logx.Nop(), nil)
	if _, ok := p.Reserve(); ok {
		t.Fatal("reserve on unstarted pool succeeded")
	}
	if p.Free() != 0 {
		t.Fatal("unstarted pool reports free slots")
	}
}

func TestSuccessfulJobIsDone(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 1})
	finished, unsub := h.bus.SubscribePrefix(8, eventbus.JobFinished)
	defer unsub()

	j := h.run(t, "noop", nil)
	got := waitStatus(t, h.store, j.ID, job.Done)
	if got.Ended.IsZero() || got.Worker != "w1" {
		t.Fatalf("done job = %+v", got)
	}
	waitFree(t, h.pool, 1)

	select {
	case ev := <-finished:
		if ev.JobID != j.ID || ev.Data.(JobEvent).Status != job.Done {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no job.finished event")
	}
	snap := h.pool.Snapshot()
	if len(snap.History) != 1 || snap.History[0].Status != job.Done {
		t.Fatalf("history = %+v", snap.History)
	}
}

func TestFailureOutcomes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 3})
	h.reg.MustRegister("false", func(*job.Job) (job.Startable, error) {
		return job.StartFunc(func(context.Context) (bool, error) { return false, nil }), nil
	})
	h.reg.MustRegister("err", func(*job.Job) (job.Startable, error) {
		return job.StartFunc(func(context.Context) (bool, error) { return true, errors.New("boom") }), nil
	})
	h.reg.MustRegister("panic", func(*job.Job) (job.Startable, error) {
		return job.StartFunc(func(context.Context) (bool, error) { panic("kaput") }), nil
	})

	cases := map[string]string{"false": "job reported failure", "err": "boom", "panic": "panic: kaput"}
	ids := map[string]string{}
	for kind := range cases {
		ids[kind] = h.run(t, kind, nil).ID
	}
	for kind, want := range cases {
		got := waitStatus(t, h.store, ids[kind], job.Failed)
		if !strings.Contains(got.Error, want) {
			t.Fatalf("%s: error = %q, want %q", kind, got.Error, want)
		}
	}
}

func TestUnknownKindFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 1})
	j := h.run(t, "missing", nil)
	got := waitStatus(t, h.store, j.ID, job.Failed)
	if !strings.Contains(got.Error, "unknown") {
		t.Fatalf("error = %q", got.Error)
	}
}

func TestTimeoutWithNonCooperativeBehavior(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	defer close(release)
	h := newHarness(t, Config{Workers: 1})
	h.reg.MustRegister("stuck", blocker(release))

	j := h.run(t, "stuck", func(j *job.Job) { j.Timeout = 50 * time.Millisecond })
	got := waitStatus(t, h.store, j.ID, job.Timeout)
	if !strings.Contains(got.Error, ErrTimeout.Error()) {
		t.Fatalf("error = %q", got.Error)
	}
	waitFree(t, h.pool, 1)
}

func TestBehaviorMayOutliveItsTerminalStatus(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	returned := make(chan struct{})
	h := newHarness(t, Config{Workers: 1, KillGrace: 10 * time.Millisecond})
	h.reg.MustRegister("stubborn", func(*job.Job) (job.Startable, error) {
		return job.StartFunc(func(context.Context) (bool, error) {
			defer close(returned)
			<-release
			return true, nil
		}), nil
	})

	j := h.run(t, "stubborn", func(j *job.Job) { j.Timeout = 30 * time.Millisecond })
	waitStatus(t, h.store, j.ID, job.Timeout)
	waitFree(t, h.pool, 1)
	select {
	case <-returned:
		t.Fatal("behavior returned before release")
	default:
	}

	close(release)
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("behavior never returned")
	}
	got, err := h.store.Get(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != job.Timeout {
		t.Fatalf("late return changed status to %s", got.Status)
	}
}

func TestDefaultTimeoutApplies(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 1, DefaultTimeout: 40 * time.Millisecond})
	j := h.run(t, "sleep", func(j *job.Job) {
		_ = j.SetData(map[string]string{"duration": "10s"})
	})
	if j.Deadline.IsZero() {
		t.Fatal("claim did not record a deadline")
	}
	waitStatus(t, h.store, j.ID, job.Timeout)
}

func TestZeroDefaultTimeoutStillBoundsClaims(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 1})
	if got := h.pool.MaxRuntime(job.New("noop", nil)); got != DefaultMaxRuntime {
		t.Fatalf("max runtime = %s, want %s", got, DefaultMaxRuntime)
	}
	h.pool.SetDefaultTimeout(time.Minute)
	h.pool.SetDefaultTimeout(0)
	if got := h.pool.MaxRuntime(job.New("noop", nil)); got != DefaultMaxRuntime {
		t.Fatalf("max runtime after reset = %s", got)
	}
	j := h.run(t, "noop", nil)
	if got := j.Deadline.Sub(j.Started); got != DefaultMaxRuntime {
		t.Fatalf("claim deadline window = %s", got)
	}
}

func TestKillCancelsRunningJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 1})
	causes := make(chan error, 1)
	h.reg.MustRegister("wait", func(*job.Job) (job.Startable, error) {
		return job.StartFunc(func(ctx context.Context) (bool, error) {
			<-ctx.Done()
			causes <- context.Cause(ctx)
			return false, context.Cause(ctx)
		}), nil
	})

	j := h.run(t, "wait", nil)
	waitRunning(t, h.pool, j.ID)
	if !h.pool.Kill(j.ID) {
		t.Fatal("kill found no slot")
	}
	waitStatus(t, h.store, j.ID, job.Killed)
	waitFree(t, h.pool, 1)
	select {
	case cause := <-causes:
		if !errors.Is(cause, ErrKilled) {
			t.Fatalf("cause = %v, want ErrKilled", cause)
		}
	case <-time.After(time.Second):
		t.Fatal("behavior never observed cancellation")
	}
	if h.pool.Kill(j.ID) {
		t.Fatal("kill of finished job reported a slot")
	}
}

func TestStaleTerminalWriteIsDropped(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	h := newHarness(t, Config{Workers: 1})
	h.reg.MustRegister("gate", blocker(release))

	j := h.run(t, "gate", nil)
	waitRunning(t, h.pool, j.ID)
	if _, err := h.m.Finish(context.Background(), j.ID, job.Killed, "killed elsewhere"); err != nil {
		t.Fatal(err)
	}
	close(release)
	waitFree(t, h.pool, 1)

	got, _ := h.store.Get(context.Background(), j.ID)
	if got.Status != job.Killed || got.Error != "killed elsewhere" {
		t.Fatalf("job = %s %q, want KILLED kept", got.Status, got.Error)
	}
	deadline := time.Now().Add(time.Second)
	for {
		snap := h.pool.Snapshot()
		if len(snap.History) == 1 {
			if !snap.History[0].Lost {
				t.Fatalf("history = %+v, want lost write", snap.History[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no history item")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAbortSkipsTerminalWrite(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 1})
	h.reg.MustRegister("wait", func(*job.Job) (job.Startable, error) {
		return job.StartFunc(func(ctx context.Context) (bool, error) {
			<-ctx.Done()
			return false, ctx.Err()
		}), nil
	})
	j := h.run(t, "wait", nil)
	waitRunning(t, h.pool, j.ID)
	h.pool.Abort(j.ID)
	waitFree(t, h.pool, 1)

	got, _ := h.store.Get(context.Background(), j.ID)
	if got.Status != job.Processing {
		t.Fatalf("status = %s, want PROCESSING untouched", got.Status)
	}
}

func TestRetrySuccessorInserted(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 1})
	h.reg.MustRegister("flaky", func(*job.Job) (job.Startable, error) {
		return job.StartFunc(func(context.Context) (bool, error) { return false, errors.New("flaky") }), nil
	})
	requeued, unsub := h.bus.SubscribePrefix(4, eventbus.JobRequeued)
	defer unsub()

	j := h.run(t, "flaky", func(j *job.Job) {
		j.Retry, j.RetryMax = 1, 1
	})
	waitStatus(t, h.store, j.ID, job.Failed)

	var nextID string
	select {
	case ev := <-requeued:
		nextID = ev.JobID
	case <-time.After(2 * time.Second):
		t.Fatal("no successor")
	}
	next, err := h.store.Get(context.Background(), nextID)
	if err != nil {
		t.Fatal(err)
	}
	if next.Previous != j.ID || next.Retry != 0 || !next.Status.Pending() {
		t.Fatalf("successor = %+v", next)
	}
}

func TestStopKillsRunningJobs(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 1})
	h.reg.MustRegister("wait", func(*job.Job) (job.Startable, error) {
		return job.StartFunc(func(ctx context.Context) (bool, error) {
			<-ctx.Done()
			return false, ctx.Err()
		}), nil
	})
	j := h.run(t, "wait", nil)
	waitRunning(t, h.pool, j.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	h.pool.Stop(ctx)

	got := waitStatus(t, h.store, j.ID, job.Killed)
	if got.Error != ErrShutdown.Error() {
		t.Fatalf("error = %q", got.Error)
	}
	if _, ok := h.pool.Reserve(); ok {
		t.Fatal("reserve after stop succeeded")
	}
}

func TestResizeShrinksFreeSlots(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 3})
	r, _ := h.pool.Reserve()
	r2, _ := h.pool.Reserve()
	h.pool.Resize(1)
	if got := h.pool.Free(); got != 0 {
		t.Fatalf("free after shrink = %d, want 0", got)
	}
	r.Release()
	r2.Release()
	if got := h.pool.Free(); got != 1 {
		t.Fatalf("free = %d, want 1", got)
	}
	if _, ok := h.pool.Reserve(); !ok {
		t.Fatal("reserve on resized pool failed")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		o     outcome
		cause error
		want  job.Status
	}{
		{outcome{ok: true}, nil, job.Done},
		{outcome{ok: false}, nil, job.Failed},
		{outcome{ok: true, err: errors.New("x")}, nil, job.Failed},
		{outcome{err: context.Canceled}, ErrTimeout, job.Timeout},
		{outcome{ok: true}, ErrKilled, job.Killed},
		{outcome{err: context.Canceled}, context.Canceled, job.Killed},
	}
	for i, c := range cases {
		if got, _ := classify(c.o, c.cause); got != c.want {
			t.Fatalf("case %d: %s, want %s", i, got, c.want)
		}
	}
}

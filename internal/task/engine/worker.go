package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"tasksched/internal/eventbus"
	"tasksched/internal/job"
	logx "tasksched/pkg/logx"
)

type outcome struct {
	ok  bool
	err error
}

// run executes one claimed job. ctx is the pool's lifetime context.
func (p *Pool) run(ctx context.Context, id, kind string) {
	log := p.log.With(logx.String("job", id), logx.String("kind", kind))

	cur, err := p.store().Get(ctx, id)
	if err != nil {
		// The claim holds a deadline; the reaper resolves the job if we
		// cannot.
		log.Warn("slot refetch failed", logx.Err(err))
		return
	}
	if cur.Status != job.Processing || cur.Worker != p.worker {
		log.Warn("slot dropped: job not owned", logx.String("status", cur.Status.String()), logx.String("owner", cur.Worker))
		p.publish(eventbus.JobStale, JobEvent{ID: id, Kind: kind, Status: cur.Status, Worker: cur.Worker})
		return
	}

	started := cur.Started
	if started.IsZero() {
		started = p.now()
	}

	behavior, err := p.registry.Build(cur)
	if err != nil {
		log.Warn("job build failed", logx.Err(err))
		p.finish(ctx, cur, started, job.Failed, err.Error())
		return
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	p.track(&slot{id: id, kind: kind, started: started, deadline: cur.Deadline, cancel: cancel})
	defer p.untrack(id)

	log.Debug("job.started")
	p.publish(eventbus.JobStarted, JobEvent{ID: id, Kind: kind, Status: job.Processing, Worker: p.worker, Started: started})

	result := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("job.panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				result <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		ok, err := behavior.Start(runCtx)
		result <- outcome{ok: ok, err: err}
	}()

	var timeout <-chan time.Time
	if !cur.Deadline.IsZero() {
		t := time.NewTimer(cur.Deadline.Sub(p.now()))
		defer t.Stop()
		timeout = t.C
	}

	var (
		status  job.Status
		errText string
	)
	select {
	case o := <-result:
		status, errText = classify(o, context.Cause(runCtx))
	case <-timeout:
		cancel(ErrTimeout)
		p.grace(result)
		status, errText = job.Timeout, fmt.Sprintf("%v after %s", ErrTimeout, cur.Deadline.Sub(started).Round(time.Millisecond))
	case <-runCtx.Done():
		p.grace(result)
		status, errText = classify(outcome{err: runCtx.Err()}, context.Cause(runCtx))
	}
	if errors.Is(context.Cause(runCtx), ErrAborted) {
		log.Info("slot aborted: job finished elsewhere")
		return
	}
	p.finish(ctx, cur, started, status, errText)
}

// classify maps a behavior result, and the cancellation cause if one fired,
// to a terminal status.
func classify(o outcome, cause error) (job.Status, string) {
	switch {
	case errors.Is(cause, ErrTimeout):
		return job.Timeout, ErrTimeout.Error()
	case errors.Is(cause, ErrKilled):
		return job.Killed, ErrKilled.Error()
	case errors.Is(cause, ErrShutdown), errors.Is(cause, context.Canceled):
		return job.Killed, ErrShutdown.Error()
	case o.err != nil:
		return job.Failed, o.err.Error()
	case !o.ok:
		return job.Failed, "job reported failure"
	default:
		return job.Done, ""
	}
}

// grace gives a canceled behavior KillGrace to return.
func (p *Pool) grace(result <-chan outcome) {
	p.mu.Lock()
	d := p.cfg.KillGrace
	p.mu.Unlock()
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-result:
	case <-t.C:
		p.log.Warn("job ignored cancellation", logx.Duration("grace", d))
	}
}

// finish records the terminal status and inserts the successor, if any.
// Writes use a context detached from the slot so shutdown can still record
// KILLED.
func (p *Pool) finish(ctx context.Context, cur *job.Job, started time.Time, status job.Status, errText string) {
	p.mu.Lock()
	d := p.cfg.FinishTimeout
	p.mu.Unlock()
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d)
	defer cancel()

	log := p.log.With(logx.String("job", cur.ID), logx.String("kind", cur.Kind))
	dur := p.now().Sub(started)
	item := HistoryItem{ID: cur.ID, Kind: cur.Kind, Status: status, Started: started, Duration: dur, Error: errText}
	ev := JobEvent{ID: cur.ID, Kind: cur.Kind, Status: status, Worker: p.worker, Started: started, Duration: dur, Error: errText}

	done, err := p.machine.Finish(wctx, cur.ID, status, errText)
	switch {
	case errors.Is(err, job.ErrStaleClaim), errors.Is(err, job.ErrNotFound):
		log.Warn("terminal write lost", logx.String("status", status.String()), logx.Err(err))
		item.Lost = true
		p.record(item)
		p.publish(eventbus.JobStale, ev)
		return
	case err != nil:
		log.Error("terminal write failed", logx.String("status", status.String()), logx.Err(err))
		item.Lost = true
		p.record(item)
		return
	}

	switch status {
	case job.Done:
		if dur >= 750*time.Millisecond {
			log.Info("job.done", logx.Duration("dur", dur))
		} else {
			log.Debug("job.done", logx.Duration("dur", dur))
		}
	default:
		log.Warn("job."+status.String(), logx.Duration("dur", dur), logx.String("err", errText))
	}

	next, err := p.machine.Requeue(wctx, done)
	switch {
	case err != nil:
		log.Error("successor insert failed", logx.Err(err))
	case next != nil:
		ev.Next = next.ID
		log.Debug("job.requeued", logx.String("next", next.ID), logx.Time("at", next.ScheduledAt))
		p.publish(eventbus.JobRequeued, JobEvent{ID: next.ID, Kind: next.Kind, Status: next.Status})
	}

	p.record(item)
	p.publish(eventbus.JobFinished, ev)
}

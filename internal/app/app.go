package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"tasksched/internal/alert"
	"tasksched/internal/config"
	"tasksched/internal/control"
	"tasksched/internal/eventbus"
	"tasksched/internal/httpapi"
	"tasksched/internal/job"
	rtsup "tasksched/internal/runtime/supervisor"
	"tasksched/internal/statemachine"
	"tasksched/internal/storage"
	"tasksched/internal/task/engine"
	"tasksched/internal/task/scheduler"
	logx "tasksched/pkg/logx"
	"tasksched/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	ctrl  control.Channel

	registry *job.Registry
	pool     *engine.Pool
	sched    *scheduler.Service
	alerts   *alert.Service
	http     *httpapi.Server
	sd       *systemd.Notifier

	telegram *alert.Telegram
}

// NewApp loads the config and opens the store and the control channel.
// Nothing runs until Start.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	// Logging starts without the alert sink; the sender is wired below.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Alert.Enabled = false
	logSvc, log := logx.New(bootCfg)
	log = log.With(logx.String("comp", "app"))

	var tg *alert.Telegram
	if cfg.Alerts.Enabled {
		if tg, err = alert.NewTelegram(cfg.Alerts.Token, cfg.Alerts.ChatID, cfg.Alerts.ThreadID); err != nil {
			return nil, fmt.Errorf("alerts: %w", err)
		}
		logSvc.SetSender(tg)
	}
	logSvc.Apply(logCfg)

	bus := eventbus.New()

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	cc, _ := mapControlConfig(cfg)
	octx, cancel := context.WithTimeout(ctx, cc.Timeout)
	ctrl, err := control.Open(octx, cc, bus, log)
	cancel()
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	registry := job.NewRegistry()
	if err := job.RegisterBuiltins(registry); err != nil {
		_ = ctrl.Close()
		_ = store.Close()
		return nil, err
	}

	worker := workerID(cfg)
	machine := statemachine.New(store)
	pc, _ := mapPoolConfig(cfg)
	pool := engine.New(pc, worker, machine, registry, log, bus)
	schc, _ := mapSchedulerConfig(cfg)
	sched := scheduler.New(schc, machine, pool, registry, ctrl, log, bus)

	ac, _ := mapAlertConfig(cfg)
	var sender alert.Sender
	if tg != nil {
		sender = tg
	}
	alerts := alert.New(ac, sender, log, bus)

	hc, _ := mapHTTPConfig(cfg)
	srv := httpapi.New(hc, sched, log)
	srv.AddStats("alerts", func() any { return alerts.Stats() })
	srv.AddStats("eventbus", func() any { return map[string]uint64{"dropped": bus.Dropped()} })

	log.Info("worker identity", logx.String("worker", worker))
	return &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		ctrl:     ctrl,
		registry: registry,
		pool:     pool,
		sched:    sched,
		alerts:   alerts,
		http:     srv,
		sd:       systemd.New(cfg.Systemd.Notify, log),
		telegram: tg,
	}, nil
}

// Registry accepts job kinds until Start.
func (a *App) Registry() *job.Registry { return a.registry }

func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) HTTP() *httpapi.Server { return a.http }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	run := a.sup.Context()
	// Slots outlive the run context so Stop can drain them.
	a.pool.Start(context.WithoutCancel(run))
	a.sched.Start(run)
	a.alerts.Start(run)
	a.http.Start(run)

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.String("job", e.JobID))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go("systemd.watchdog", a.sd.Watchdog)

	a.sd.Ready()
	a.sd.Status(fmt.Sprintf("dispatching as %s", a.pool.Worker()))
	a.log.Info("app started", logx.String("worker", a.pool.Worker()), logx.Any("kinds", a.registry.Kinds()))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	a.sup.Cancel()

	// Intake first: no new submissions and no new claims.
	a.step(ctx, "intake", 3*time.Second, func(c context.Context) error {
		g, gctx := errgroup.WithContext(c)
		g.Go(func() error { a.http.Stop(gctx); return nil })
		g.Go(func() error { a.sched.Stop(gctx); return nil })
		return g.Wait()
	})
	// Running slots drain, then are killed and recorded KILLED. The drain
	// gives way to the kill phase when the caller's deadline is tight.
	drain, kill := a.pool.StopBudget()
	if dl, ok := ctx.Deadline(); ok {
		drain = max(0, min(drain, time.Until(dl)-kill))
	}
	poolDone := a.step(ctx, "pool", drain+kill, func(c context.Context) error {
		dctx, cancel := context.WithTimeout(c, drain)
		defer cancel()
		a.pool.Stop(dctx)
		return nil
	})
	a.step(ctx, "alerts", 2*time.Second, func(c context.Context) error { a.alerts.Stop(c); return nil })
	a.step(ctx, "control", time.Second, func(context.Context) error { return a.ctrl.Close() })
	// Slots write KILLED through the store; it must outlive Pool.Stop, whose
	// kill phase is bounded on its own.
	<-poolDone
	a.step(ctx, "storage", 2*time.Second, func(context.Context) error { return a.store.Close() })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs fn bounded by max so one component cannot stall the whole stop.
// The returned channel closes once fn has actually returned, which may be
// after step gave up on it.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) <-chan struct{} {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	// Respect the caller's deadline; never extend it.
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	returned := make(chan struct{})
	go func() {
		defer close(returned)
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
	}
	return returned
}

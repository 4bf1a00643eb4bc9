package app

import (
	"context"
	"strings"
	"time"

	"tasksched/internal/alert"
	"tasksched/internal/config"
	logx "tasksched/pkg/logx"
)

// reloadLoop applies published configs. Storage, control and systemd are
// read at startup only; everything else is applied live.
func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.sd.Reloading()
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
			a.sd.Ready()
		}
	}
}

func (a *App) applyConfig(c context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if fixed := config.RestartRequired(sections); len(fixed) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(fixed, ",")))
	}

	a.applyAlerts(c, prev, next)
	a.logs.Apply(mapLogConfig(next))

	if pc, err := mapPoolConfig(next); err != nil {
		a.log.Warn("invalid pool config; keeping previous", logx.Err(err))
	} else {
		if pc.Workers > 0 {
			a.pool.Resize(pc.Workers)
		}
		a.pool.SetDefaultTimeout(pc.DefaultTimeout)
	}

	if sc, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
	}

	if hc, err := mapHTTPConfig(next); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(c, hc)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) applyAlerts(c context.Context, prev, next *config.Config) {
	ac, err := mapAlertConfig(next)
	if err != nil {
		a.log.Warn("invalid alerts config; keeping previous", logx.Err(err))
		return
	}
	target := prev.Alerts.Token != next.Alerts.Token ||
		prev.Alerts.ChatID != next.Alerts.ChatID ||
		prev.Alerts.ThreadID != next.Alerts.ThreadID
	if next.Alerts.Enabled && (target || a.telegram == nil) {
		tg, err := alert.NewTelegram(next.Alerts.Token, next.Alerts.ChatID, next.Alerts.ThreadID)
		if err != nil {
			a.log.Warn("alerts target invalid; alerts disabled", logx.Err(err))
			ac.Enabled = false
		} else {
			a.telegram = tg
			a.alerts.SetSender(tg)
			a.logs.SetSender(tg)
		}
	}

	wasEnabled := a.alerts.Enabled()
	a.alerts.Apply(ac)
	switch {
	case wasEnabled && !ac.Enabled:
		a.log.Info("alerts disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.alerts.Stop(stopCtx)
		cancel()
	case !wasEnabled && ac.Enabled:
		a.log.Info("alerts enabled via config")
		a.alerts.Start(c)
	}
}

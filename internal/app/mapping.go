package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"tasksched/internal/alert"
	"tasksched/internal/config"
	"tasksched/internal/control"
	"tasksched/internal/httpapi"
	"tasksched/internal/storage"
	"tasksched/internal/task/engine"
	"tasksched/internal/task/scheduler"
	logx "tasksched/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			// The sink needs the alerts chat.
			Enabled:    cfg.Logging.Alert.Enabled && cfg.Alerts.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	out := storage.Config{
		Driver:       driver,
		Path:         strings.TrimSpace(sc.Path),
		DSN:          strings.TrimSpace(sc.DSN),
		Database:     strings.TrimSpace(sc.Database),
		Collection:   strings.TrimSpace(sc.Collection),
		MaxOpenConns: sc.MaxOpenConns,
	}
	var err error
	if out.ConnectTimeout, err = config.ParseDurationOrDefault("storage.connect_timeout", sc.ConnectTimeout, 10*time.Second); err != nil {
		return storage.Config{}, err
	}
	switch driver {
	case "", "memory", "mem":
	case "sqlite", "sqlite3":
		if out.Path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		if out.BusyTimeout, err = config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second); err != nil {
			return storage.Config{}, err
		}
	case "postgres", "postgresql", "pg":
		if out.DSN == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
	case "mongo", "mongodb":
		if out.DSN == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=mongo")
		}
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, nil
}

func mapPoolConfig(cfg *config.Config) (engine.Config, error) {
	pc := cfg.Pool
	out := engine.Config{Workers: pc.Workers, HistorySize: pc.HistorySize}
	var err error
	if out.DefaultTimeout, err = config.ParseDurationOrDefault("pool.default_timeout", pc.DefaultTimeout, engine.DefaultMaxRuntime); err != nil {
		return engine.Config{}, err
	}
	if out.KillGrace, err = config.ParseDurationField("pool.kill_grace", pc.KillGrace); err != nil {
		return engine.Config{}, err
	}
	if out.FinishTimeout, err = config.ParseDurationField("pool.finish_timeout", pc.FinishTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.DrainTimeout, err = config.ParseDurationField("pool.drain_timeout", pc.DrainTimeout); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	out := scheduler.Config{ReapBatch: sc.ReapBatch}
	var err error
	if out.PollInterval, err = config.ParseDurationField("scheduler.poll_interval", sc.PollInterval); err != nil {
		return scheduler.Config{}, err
	}
	if out.MaxBackoff, err = config.ParseDurationField("scheduler.max_backoff", sc.MaxBackoff); err != nil {
		return scheduler.Config{}, err
	}
	// "0s" disables the reaper; unset keeps it on.
	if out.ReapInterval, err = config.ParseDurationAllowZero("scheduler.reap_interval", sc.ReapInterval, 30*time.Second); err != nil {
		return scheduler.Config{}, err
	}
	if out.ReapGrace, err = config.ParseDurationField("scheduler.reap_grace", sc.ReapGrace); err != nil {
		return scheduler.Config{}, err
	}
	return out, nil
}

func mapControlConfig(cfg *config.Config) (control.Config, error) {
	cc := cfg.Control
	timeout, err := config.ParseDurationOrDefault("control.timeout", cc.Timeout, 5*time.Second)
	if err != nil {
		return control.Config{}, err
	}
	return control.Config{
		Driver:  strings.TrimSpace(cc.Driver),
		URL:     strings.TrimSpace(cc.URL),
		Channel: strings.TrimSpace(cc.Channel),
		Timeout: timeout,
	}, nil
}

func mapAlertConfig(cfg *config.Config) (alert.Config, error) {
	ac := cfg.Alerts
	statuses, err := alert.ParseStatuses(ac.Statuses)
	if err != nil {
		return alert.Config{}, fmt.Errorf("alerts.statuses: %w", err)
	}
	timeout, err := config.ParseDurationField("alerts.timeout", ac.Timeout)
	if err != nil {
		return alert.Config{}, err
	}
	return alert.Config{
		Enabled:     ac.Enabled,
		Statuses:    statuses,
		RatePerSec:  ac.RatePerSec,
		SendTimeout: timeout,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	out := httpapi.Config{
		Enabled:       hc.Enabled,
		Addr:          strings.TrimSpace(hc.Addr),
		Token:         strings.TrimSpace(hc.Token),
		AllowInsecure: hc.AllowInsecure,
		Pprof:         hc.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 10*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	// pprof profiles stream for up to 30s by default.
	if out.WriteTimeout, err = config.ParseDurationOrDefault("http.write_timeout", hc.WriteTimeout, 60*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, 60*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	return out, nil
}

// workerID names this instance in claimed jobs: the configured id, or
// host plus a random suffix so restarts never reuse an identity.
func workerID(cfg *config.Config) string {
	if id := strings.TrimSpace(cfg.Scheduler.WorkerID); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "tasksched"
	}
	return host + "-" + uuid.NewString()[:8]
}

// validate runs every mapper so a bad reload is rejected before commit.
func validate(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPoolConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapControlConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAlertConfig(cfg); err != nil {
		return err
	}
	_, err := mapHTTPConfig(cfg)
	return err
}

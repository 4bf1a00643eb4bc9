package config

import (
	"fmt"
	"strings"

	"tasksched/internal/job"
)

// Validate checks bounds and duration syntax. Driver-specific checks
// happen when the component config is built.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	durations := []struct{ path, raw string }{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"storage.connect_timeout", c.Storage.ConnectTimeout},
		{"scheduler.poll_interval", c.Scheduler.PollInterval},
		{"scheduler.max_backoff", c.Scheduler.MaxBackoff},
		{"scheduler.reap_interval", c.Scheduler.ReapInterval},
		{"scheduler.reap_grace", c.Scheduler.ReapGrace},
		{"pool.default_timeout", c.Pool.DefaultTimeout},
		{"pool.kill_grace", c.Pool.KillGrace},
		{"pool.finish_timeout", c.Pool.FinishTimeout},
		{"pool.drain_timeout", c.Pool.DrainTimeout},
		{"control.timeout", c.Control.Timeout},
		{"alerts.timeout", c.Alerts.Timeout},
		{"http.read_timeout", c.HTTP.ReadTimeout},
		{"http.write_timeout", c.HTTP.WriteTimeout},
		{"http.idle_timeout", c.HTTP.IdleTimeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	if d, _ := ParseDurationField("pool.default_timeout", c.Pool.DefaultTimeout); d == 0 && strings.TrimSpace(c.Pool.DefaultTimeout) != "" {
		return fmt.Errorf("pool.default_timeout must be > 0; omit it for the 1h default")
	}
	ints := []struct {
		path string
		v    int
	}{
		{"pool.workers", c.Pool.Workers},
		{"pool.history_size", c.Pool.HistorySize},
		{"scheduler.reap_batch", c.Scheduler.ReapBatch},
		{"storage.max_open_conns", c.Storage.MaxOpenConns},
		{"alerts.rate_per_sec", c.Alerts.RatePerSec},
		{"logging.alert.rate_per_sec", c.Logging.Alert.RatePerSec},
	}
	for _, i := range ints {
		if i.v < 0 {
			return fmt.Errorf("%s must be >= 0", i.path)
		}
	}
	for _, s := range c.Alerts.Statuses {
		st, err := job.ParseStatus(s)
		if err != nil {
			return fmt.Errorf("alerts.statuses: %w", err)
		}
		if !st.IsTerminal() {
			return fmt.Errorf("alerts.statuses: %s is not terminal", st)
		}
	}
	if c.Alerts.Enabled && (c.Alerts.Token == "" || c.Alerts.ChatID == 0) {
		return fmt.Errorf("alerts.token and alerts.chat_id are required when alerts.enabled")
	}
	if c.Logging.Alert.Enabled && !c.Alerts.Enabled {
		return fmt.Errorf("logging.alert requires alerts.enabled")
	}
	return nil
}

package config

// Config is the process configuration. Durations are Go duration strings
// ("500ms", "10s", "1m"); an empty string selects the default.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Pool      PoolConfig      `json:"pool"`
	Control   ControlConfig   `json:"control,omitzero"`
	Alerts    AlertsConfig    `json:"alerts,omitzero"`
	HTTP      HTTPConfig      `json:"http,omitzero"`
	Systemd   SystemdConfig   `json:"systemd,omitzero"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	// Alert forwards warn+ log lines to the alerts chat.
	Alert LoggingAlert `json:"alert,omitzero"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the job store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./tasksched.db" }
//
// Changes take effect on restart only.
type StorageConfig struct {
	Driver         string `json:"driver"`
	Path           string `json:"path,omitempty"`
	DSN            string `json:"dsn,omitempty"` // never logged
	Database       string `json:"database,omitempty"`
	Collection     string `json:"collection,omitempty"`
	BusyTimeout    string `json:"busy_timeout,omitempty"` // sqlite
	ConnectTimeout string `json:"connect_timeout,omitempty"`
	MaxOpenConns   int    `json:"max_open_conns,omitempty"` // postgres
}

// SchedulerConfig controls the dispatcher loops.
//
// Defaults: poll_interval 1s, max_backoff 30s, reap_interval 30s,
// reap_grace 30s, reap_batch 100. reap_interval "0s" disables the reaper.
type SchedulerConfig struct {
	// WorkerID names this instance in claimed jobs. Empty generates one.
	WorkerID     string `json:"worker_id,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
	MaxBackoff   string `json:"max_backoff,omitempty"`
	ReapInterval string `json:"reap_interval,omitempty"`
	ReapGrace    string `json:"reap_grace,omitempty"`
	ReapBatch    int    `json:"reap_batch,omitempty"`
}

// PoolConfig controls execution.
//
// Defaults: workers 4, default_timeout "1h" (must be > 0), kill_grace "0s",
// finish_timeout 10s, drain_timeout 10s, history_size 200.
type PoolConfig struct {
	Workers        int    `json:"workers,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	KillGrace      string `json:"kill_grace,omitempty"`
	FinishTimeout  string `json:"finish_timeout,omitempty"`
	DrainTimeout   string `json:"drain_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// ControlConfig selects how kill requests reach other instances.
type ControlConfig struct {
	Driver  string `json:"driver,omitempty"` // "local" (default) or "redis"
	URL     string `json:"url,omitempty"`    // never logged
	Channel string `json:"channel,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// AlertsConfig sends job failures to a Telegram chat.
type AlertsConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token,omitempty"` // never logged
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
	// Statuses that trigger an alert. Default: FAILED, TIMEOUT, KILLED.
	Statuses   []string `json:"statuses,omitempty"`
	RatePerSec int      `json:"rate_per_sec,omitempty"`
	Timeout    string   `json:"timeout,omitempty"`
}

// HTTPConfig controls the job API server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Pprof mounts net/http/pprof under /debug/pprof/ on the same server.
	Pprof bool `json:"pprof,omitempty"`
}

// SystemdConfig controls sd_notify integration. It is a no-op when the
// process is not started by systemd.
type SystemdConfig struct {
	Notify bool `json:"notify"`
}

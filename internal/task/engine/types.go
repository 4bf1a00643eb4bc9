package engine

import (
	"time"

	"tasksched/internal/job"
)

// Config controls the worker pool.
type Config struct {
	// Workers is the number of concurrent slots. Changing it requires a
	// pool restart.
	Workers int

	// DefaultTimeout is the max runtime when Job.Timeout is 0. Every claim
	// records a deadline, so 0 selects DefaultMaxRuntime.
	DefaultTimeout time.Duration

	// FinishTimeout bounds terminal status writes and successor inserts,
	// which must outlive the slot's own (possibly canceled) context.
	FinishTimeout time.Duration

	// KillGrace is how long a slot waits for a canceled behavior to return
	// before recording TIMEOUT or KILLED. 0 records immediately.
	KillGrace time.Duration

	// DrainTimeout is how long Stop lets running jobs finish on their own
	// before canceling them.
	DrainTimeout time.Duration

	HistorySize int
}

// DefaultMaxRuntime bounds jobs that set no timeout of their own.
const DefaultMaxRuntime = time.Hour

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultMaxRuntime
	}
	if c.FinishTimeout <= 0 {
		c.FinishTimeout = 10 * time.Second
	}
	if c.KillGrace < 0 {
		c.KillGrace = 0
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

type HistoryItem struct {
	ID       string        `json:"id"`
	Kind     string        `json:"kind"`
	Status   job.Status    `json:"status"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	// Lost is set when another actor recorded the terminal status first.
	Lost bool `json:"lost,omitempty"`
}

// JobEvent is the payload of job.* events on the bus.
type JobEvent struct {
	ID       string        `json:"id"`
	Kind     string        `json:"kind"`
	Status   job.Status    `json:"status"`
	Worker   string        `json:"worker,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
	Next     string        `json:"next,omitempty"`
}

type RunningItem struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	Started  time.Time `json:"started"`
	Deadline time.Time `json:"deadline,omitzero"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running        bool          `json:"running"`
	Worker         string        `json:"worker"`
	Workers        int           `json:"workers"`
	Busy           int           `json:"busy"`
	Free           int           `json:"free"`
	DefaultTimeout time.Duration `json:"default_timeout"`
	Active         []RunningItem `json:"active"`
	History        []HistoryItem `json:"history"`
}

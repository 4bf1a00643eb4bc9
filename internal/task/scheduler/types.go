package scheduler

import (
	"sync"
	"sync/atomic"
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

// Config controls the dispatcher loops.
type Config struct {
	// PollInterval is the idle poll period and the first backoff step.
	PollInterval time.Duration
	// MaxBackoff caps the delay between polls while the store is down.
	MaxBackoff time.Duration

	// ReapInterval is how often PROCESSING jobs past their deadline are
	// checked. 0 disables the reaper.
	ReapInterval time.Duration
	// ReapGrace is added to a deadline before a job counts as abandoned.
	ReapGrace time.Duration
	ReapBatch int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxBackoff < c.PollInterval {
		c.MaxBackoff = max(c.PollInterval, 30*time.Second)
	}
	if c.ReapGrace <= 0 {
		c.ReapGrace = 30 * time.Second
	}
	if c.ReapBatch <= 0 {
		c.ReapBatch = 100
	}
	return c
}

// Service is one dispatcher instance plus the submission API.
type Service struct {
	log      logx.Logger
	bus      eventbus.Bus
	store    storage.Store
	machine  *statemachine.Machine
	pool     *engine.Pool
	registry *job.Registry
	control  control.Channel
	now      func() time.Time

	mu  sync.Mutex
	cfg Config
	sup *rtsup.Supervisor

	wake chan struct{}

	polls   atomic.Uint64
	claims  atomic.Uint64
	stale   atomic.Uint64
	reaped  atomic.Uint64
	pollErr atomic.Uint64

	// Poll error throttling.
	errMu       sync.Mutex
	lastErrWarn time.Time
}

type Snapshot struct {
	Running   bool            `json:"running"`
	Worker    string          `json:"worker"`
	Kinds     []string        `json:"kinds"`
	Polls     uint64          `json:"polls"`
	Claims    uint64          `json:"claims"`
	Stale     uint64          `json:"stale"`
	Reaped    uint64          `json:"reaped"`
	PollError uint64          `json:"poll_errors"`
	Pool      engine.Snapshot `json:"pool"`

	Goroutines []rtsup.GoroutineStats `json:"goroutines,omitempty"`
}

package alert

import (
	"context"
	"time"

	"tasksched/internal/job"
)

// Sender delivers one alert text.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Config controls the alert pipeline.
type Config struct {
	Enabled bool
	// Statuses that trigger an alert. Empty means FAILED, TIMEOUT, KILLED.
	Statuses    []job.Status
	RatePerSec  int
	QueueSize   int
	RetryMax    int
	RetryBase   time.Duration
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.Statuses) == 0 {
		c.Statuses = []job.Status{job.Failed, job.Timeout, job.Killed}
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	} else if c.RetryMax == 0 {
		c.RetryMax = 2
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

type HistoryItem struct {
	At    time.Time `json:"at"`
	JobID string    `json:"job_id"`
	Text  string    `json:"text"`
	Error string    `json:"error,omitempty"`
}

type Stats struct {
	Sent    uint64        `json:"sent"`
	Failed  uint64        `json:"failed"`
	Dropped uint64        `json:"dropped"`
	History []HistoryItem `json:"history"`
}

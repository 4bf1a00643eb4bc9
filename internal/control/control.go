// Package control carries kill requests to whichever instance runs a job.
//
// Delivery is best-effort and asynchronous. The store remains the source of
// truth: a requester also performs the conditional PROCESSING -> KILLED write
// itself, so a lost message only delays stopping the behavior.
package control

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tasksched/internal/eventbus"
	logx "tasksched/pkg/logx"
)

// Channel publishes and receives job ids to kill.
type Channel interface {
	Publish(ctx context.Context, id string) error
	// Subscribe delivers ids until ctx ends; the channel is then closed.
	Subscribe(ctx context.Context) (<-chan string, error)
	Close() error
}

type Config struct {
	// Driver is "local" (default) or "redis".
	Driver  string
	// URL is a redis URL, e.g. redis://:password@host:6379/0.
	URL     string
	Channel string
	Timeout time.Duration
}

const DefaultChannel = "tasksched:kill"

// Open builds the configured channel. bus backs the local driver.
func Open(ctx context.Context, cfg Config, bus eventbus.Bus, log logx.Logger) (Channel, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "local":
		return NewLocal(bus), nil
	case "redis":
		return OpenRedis(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("control: unknown driver %q", cfg.Driver)
	}
}

package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tasksched/internal/job"
	logx "tasksched/pkg/logx"
)

type redisChannel struct {
	client  *redis.Client
	channel string
	log     logx.Logger
}

// OpenRedis connects to cfg.URL and verifies the server answers.
func OpenRedis(ctx context.Context, cfg Config, log logx.Logger) (Channel, error) {
	if cfg.URL == "" {
		return nil, errors.New("control: redis url is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("control: invalid redis url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	opts.DialTimeout = timeout
	client := redis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, job.Unavailable(fmt.Errorf("control: redis ping: %w", err))
	}
	name := cfg.Channel
	if name == "" {
		name = DefaultChannel
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &redisChannel{client: client, channel: name, log: log.With(logx.String("comp", "control.redis"))}, nil
}

func (r *redisChannel) Publish(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("control: empty job id")
	}
	if err := r.client.Publish(ctx, r.channel, id).Err(); err != nil {
		return job.Unavailable(fmt.Errorf("control: publish: %w", err))
	}
	return nil
}

func (r *redisChannel) Subscribe(ctx context.Context) (<-chan string, error) {
	ps := r.client.Subscribe(ctx, r.channel)
	// Wait for the subscription confirmation so no publish after Subscribe
	// returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, job.Unavailable(fmt.Errorf("control: subscribe: %w", err))
	}
	msgs := ps.Channel()
	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					r.log.Warn("kill subscription closed")
					return
				}
				select {
				case out <- m.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *redisChannel) Close() error { return r.client.Close() }

package control

import (
	"context"
	"errors"
	"time"

	"tasksched/internal/eventbus"
)

type local struct {
	bus eventbus.Bus
}

// NewLocal delivers kill requests inside one process through bus.
func NewLocal(bus eventbus.Bus) Channel {
	if bus == nil {
		bus = eventbus.New()
	}
	return &local{bus: bus}
}

func (l *local) Publish(_ context.Context, id string) error {
	if id == "" {
		return errors.New("control: empty job id")
	}
	l.bus.Publish(eventbus.Event{Type: eventbus.JobKill, Time: time.Now(), JobID: id})
	return nil
}

func (l *local) Subscribe(ctx context.Context) (<-chan string, error) {
	events, unsub := l.bus.SubscribePrefix(64, eventbus.JobKill)
	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				select {
				case out <- ev.JobID:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (l *local) Close() error { return nil }

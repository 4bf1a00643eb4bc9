package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the worker pool and dispatcher.
const (
	JobClaimed  = "job.claimed"
	JobStarted  = "job.started"
	JobFinished = "job.finished"
	JobStale    = "job.stale"
	JobReaped   = "job.reaped"
	JobRequeued = "job.requeued"
	JobKill     = "job.kill"
)

// Event is an in-process notification. Publish never blocks: each
// subscriber has a bounded buffer and misses events while it is full.
type Event struct {
	Type  string
	Time  time.Time
	JobID string
	Data  any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	// SubscribePrefix delivers only events whose Type starts with prefix.
	SubscribePrefix(buffer int, prefix string) (ch <-chan Event, unsubscribe func())
	// Dropped counts deliveries skipped because a subscriber was full.
	Dropped() uint64
}

// New returns an in-memory fan-out bus. It runs no goroutines.
func New() Bus {
	return &memBus{subs: map[*subscriber]struct{}{}}
}

type subscriber struct {
	ch     chan Event
	prefix string
}

func (s *subscriber) wants(typ string) bool {
	return s.prefix == "" || strings.HasPrefix(typ, s.prefix)
}

type memBus struct {
	// mu is held for reading while sending; unsubscribe takes it for
	// writing before closing, so a send never races a close.
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	return b.SubscribePrefix(buffer, "")
}

func (b *memBus) SubscribePrefix(buffer int, prefix string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer), prefix: prefix}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	return s.ch, sync.OnceFunc(func() {
		b.mu.Lock()
		delete(b.subs, s)
		close(s.ch)
		b.mu.Unlock()
	})
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

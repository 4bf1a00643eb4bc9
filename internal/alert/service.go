// Package alert forwards terminal job failures to an operator chat.
package alert

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"tasksched/internal/eventbus"
	"tasksched/internal/job"
	rtsup "tasksched/internal/runtime/supervisor"
	"tasksched/internal/task/engine"
	logx "tasksched/pkg/logx"
)

type item struct {
	jobID string
	text  string
}

// Service watches job events and sends one alert per matching terminal
// outcome. Sending is rate limited and never blocks the event bus.
type Service struct {
	log    logx.Logger
	bus    eventbus.Bus
	sender Sender

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	sup     *rtsup.Supervisor

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log.With(logx.String("comp", "alert")), bus: bus, sender: sender}
	s.Apply(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

// SetSender swaps the delivery target; nil disables delivery.
func (s *Service) SetSender(sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.sender != nil
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled || s.sender == nil || s.bus == nil {
		return
	}
	queue := make(chan item, s.cfg.QueueSize)
	events, unsub := s.bus.SubscribePrefix(256, "job.")
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup.Go0("alert.collect", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case ev := <-events:
				s.collect(ev, queue)
			}
		}
	})
	s.sup.Go0("alert.send", func(c context.Context) { s.sendLoop(c, queue) })
	s.log.Info("alerts started", logx.Any("statuses", s.cfg.Statuses))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup != nil {
		_ = sup.Stop(ctx)
	}
}

func (s *Service) collect(ev eventbus.Event, queue chan<- item) {
	if ev.Type != eventbus.JobFinished && ev.Type != eventbus.JobReaped {
		return
	}
	je, ok := ev.Data.(engine.JobEvent)
	if !ok {
		return
	}
	s.mu.Lock()
	want := slices.Contains(s.cfg.Statuses, je.Status)
	s.mu.Unlock()
	if !want {
		return
	}
	it := item{jobID: je.ID, text: Format(ev.Type, je)}
	select {
	case queue <- it:
	default:
		s.dropped.Add(1)
		s.log.Debug("alert dropped (queue full)", logx.String("job", je.ID))
	}
}

func (s *Service) sendLoop(ctx context.Context, queue <-chan item) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-queue:
			s.mu.Lock()
			lim, cfg := s.limiter, s.cfg
			s.mu.Unlock()
			if err := lim.Wait(ctx); err != nil {
				return
			}
			err := s.deliver(ctx, cfg, it.text)
			h := HistoryItem{At: time.Now(), JobID: it.jobID, Text: it.text}
			if err != nil {
				s.failed.Add(1)
				h.Error = err.Error()
				s.log.Warn("alert send failed", logx.String("job", it.jobID), logx.Err(err))
			} else {
				s.sent.Add(1)
			}
			s.appendHistory(h)
		}
	}
}

func (s *Service) deliver(ctx context.Context, cfg Config, text string) error {
	bo := rtsup.Backoff{Min: cfg.RetryBase, Max: 10 * cfg.RetryBase}
	var err error
	for attempt := 0; attempt <= cfg.RetryMax; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(bo.Next())
			select {
			case <-ctx.Done():
				t.Stop()
				return errors.Join(err, ctx.Err())
			case <-t.C:
			}
		}
		s.mu.Lock()
		sender := s.sender
		s.mu.Unlock()
		if sender == nil {
			return errors.New("alert sender not configured")
		}
		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err = sender.Send(sctx, text)
		cancel()
		if err == nil {
			return nil
		}
	}
	return err
}

func (s *Service) appendHistory(h HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, h)
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.hmu.Unlock()
}

func (s *Service) Stats() Stats {
	s.hmu.Lock()
	h := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return Stats{Sent: s.sent.Load(), Failed: s.failed.Load(), Dropped: s.dropped.Load(), History: h}
}

// Format renders a job event as a plain-text alert.
func Format(eventType string, je engine.JobEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "job %s %s", je.ID, je.Status)
	if eventType == eventbus.JobReaped {
		b.WriteString(" (reaped)")
	}
	b.WriteByte('\n')
	fmt.Fprintf(&b, "kind: %s\n", je.Kind)
	if je.Worker != "" {
		fmt.Fprintf(&b, "worker: %s\n", je.Worker)
	}
	if je.Duration > 0 {
		fmt.Fprintf(&b, "ran: %s\n", je.Duration.Round(time.Millisecond))
	}
	if je.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", je.Error)
	}
	if je.Next != "" {
		fmt.Fprintf(&b, "next: %s\n", je.Next)
	}
	return strings.TrimRight(b.String(), "\n")
}

// ParseStatuses maps config names to statuses.
func ParseStatuses(names []string) ([]job.Status, error) {
	out := make([]job.Status, 0, len(names))
	for _, n := range names {
		st, err := job.ParseStatus(n)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

package alert

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"tasksched/internal/eventbus"
	"tasksched/internal/job"
	"tasksched/internal/task/engine"
	logx "tasksched/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	texts []string
	fail  int
}

func (f *fakeSender) Send(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return errors.New("telegram down")
	}
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func waitSent(t *testing.T, f *fakeSender, n int) []string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if got := f.sent(); len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("sent %d alerts, want %d", len(f.sent()), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func publish(bus eventbus.Bus, typ string, ev engine.JobEvent) {
	bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), JobID: ev.ID, Data: ev})
}

func TestAlertsOnlyForSelectedStatuses(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	f := &fakeSender{}
	s := New(Config{Enabled: true, RatePerSec: 100}, f, logx.Nop(), bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	publish(bus, eventbus.JobFinished, engine.JobEvent{ID: "a", Kind: "noop", Status: job.Done})
	publish(bus, eventbus.JobStarted, engine.JobEvent{ID: "b", Kind: "noop", Status: job.Failed})
	publish(bus, eventbus.JobFinished, engine.JobEvent{ID: "c", Kind: "sleep", Status: job.Failed, Error: "boom"})
	publish(bus, eventbus.JobReaped, engine.JobEvent{ID: "d", Kind: "sleep", Status: job.Timeout, Worker: "w9"})

	got := waitSent(t, f, 2)
	time.Sleep(20 * time.Millisecond)
	if len(f.sent()) != 2 {
		t.Fatalf("sent = %q", f.sent())
	}
	if !strings.Contains(got[0], "job c failed") || !strings.Contains(got[0], "error: boom") {
		t.Fatalf("first alert = %q", got[0])
	}
	if !strings.Contains(got[1], "(reaped)") || !strings.Contains(got[1], "worker: w9") {
		t.Fatalf("second alert = %q", got[1])
	}
	if st := s.Stats(); st.Sent != 2 || len(st.History) != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestAlertRetriesSend(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	f := &fakeSender{fail: 1}
	s := New(Config{Enabled: true, RatePerSec: 100, RetryBase: time.Millisecond}, f, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	publish(bus, eventbus.JobFinished, engine.JobEvent{ID: "x", Status: job.Killed})
	waitSent(t, f, 1)
	if st := s.Stats(); st.Failed != 0 {
		t.Fatalf("failed = %d", st.Failed)
	}
}

func TestDisabledDoesNotSubscribe(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	f := &fakeSender{}
	s := New(Config{}, f, logx.Nop(), bus)
	s.Start(context.Background())
	publish(bus, eventbus.JobFinished, engine.JobEvent{ID: "x", Status: job.Failed})
	time.Sleep(20 * time.Millisecond)
	if len(f.sent()) != 0 || s.Enabled() {
		t.Fatal("disabled service sent alerts")
	}
}

func TestParseStatusesAndTruncate(t *testing.T) {
	got, err := ParseStatuses([]string{"failed", "7"})
	if err != nil || len(got) != 2 || got[1] != job.Timeout {
		t.Fatalf("statuses = %v, %v", got, err)
	}
	if _, err := ParseStatuses([]string{"bogus"}); err == nil {
		t.Fatal("expected error")
	}
	if s := truncate(strings.Repeat("é", 10), 5); len([]rune(s)) != 5 {
		t.Fatalf("truncate = %q", s)
	}
}

func TestNewTelegramValidation(t *testing.T) {
	if _, err := NewTelegram("", 1, 0); err == nil {
		t.Fatal("empty token accepted")
	}
	if _, err := NewTelegram("123:abc", 0, 0); err == nil {
		t.Fatal("empty chat accepted")
	}
}

package eventbus

import "testing"

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	defer unsubA()
	c, unsubC := b.SubscribePrefix(4, "job.fin")
	defer unsubC()

	b.Publish(Event{Type: JobStarted, JobID: "1"})
	b.Publish(Event{Type: JobFinished, JobID: "1"})

	if got := (<-a).Type; got != JobStarted {
		t.Fatalf("first event = %s", got)
	}
	if got := (<-a).Type; got != JobFinished {
		t.Fatalf("second event = %s", got)
	}
	ev := <-c
	if ev.Type != JobFinished || ev.Time.IsZero() {
		t.Fatalf("prefix subscriber got %+v", ev)
	}
	select {
	case extra := <-c:
		t.Fatalf("unexpected event %+v", extra)
	default:
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()
	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: JobStarted})
	}
	if b.Dropped() != 4 {
		t.Fatalf("dropped = %d, want 4", b.Dropped())
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed")
	}
	b.Publish(Event{Type: JobStarted})
}

package job

import (
	"testing"
	"time"
)

func TestSuccessorRetry(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	j := &Job{ID: "old", Kind: "noop", Status: Failed, Retry: 2, RetryMax: 2, RetryInterval: time.Minute}
	next, err := Successor(j, now)
	if err != nil || next == nil {
		t.Fatalf("Successor = %v, %v", next, err)
	}
	if next.ID != "" || next.Previous != "old" {
		t.Fatalf("identity not fresh: id=%q prev=%q", next.ID, next.Previous)
	}
	if next.Retry != 1 || next.Status != Postponed || !next.ScheduledAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected retry job: %+v", next)
	}
}

func TestSuccessorRetryImmediate(t *testing.T) {
	t.Parallel()
	now := time.Now()
	next, err := Successor(&Job{ID: "x", Status: Timeout, Retry: 1}, now)
	if err != nil || next == nil {
		t.Fatalf("Successor = %v, %v", next, err)
	}
	if next.Status != Waiting || next.Retry != 0 {
		t.Fatalf("unexpected retry job: %+v", next)
	}
}

func TestSuccessorInterval(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	j := &Job{ID: "r", Kind: "noop", Status: Done, Interval: "10m", RetryMax: 3, ScheduledAt: now.Add(-25 * time.Minute)}
	next, err := Successor(j, now)
	if err != nil || next == nil {
		t.Fatalf("Successor = %v, %v", next, err)
	}
	if want := now.Add(5 * time.Minute); !next.ScheduledAt.Equal(want) {
		t.Fatalf("ScheduledAt = %v, want %v", next.ScheduledAt, want)
	}
	if next.Retry != 3 || next.Status != Postponed || next.Interval != "10m" {
		t.Fatalf("unexpected recurrence: %+v", next)
	}
}

func TestSuccessorNone(t *testing.T) {
	t.Parallel()
	now := time.Now()
	cases := []*Job{
		{Status: Done},
		{Status: Failed},
		{Status: Canceled, Interval: "1m", Retry: 3},
		{Status: Killed, Interval: "1m", Retry: 3},
		{Status: Processing, Retry: 3},
	}
	for _, j := range cases {
		next, err := Successor(j, now)
		if err != nil || next != nil {
			t.Fatalf("%s: Successor = %+v, %v; want nil", j.Status, next, err)
		}
	}
}

package job

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestSetIDOnce(t *testing.T) {
	t.Parallel()
	j := New("noop", nil)
	if err := j.SetID("a"); err != nil {
		t.Fatalf("first SetID: %v", err)
	}
	if err := j.SetID("b"); !errors.Is(err, ErrIdentityAlreadySet) {
		t.Fatalf("second SetID err = %v, want ErrIdentityAlreadySet", err)
	}
	if j.ID != "a" {
		t.Fatalf("ID = %q, want a", j.ID)
	}
}

func TestNewIDIsObjectIDHex(t *testing.T) {
	t.Parallel()
	a, b := NewID(), NewID()
	if len(a) != 24 || a == b {
		t.Fatalf("unexpected ids %q %q", a, b)
	}
}

func TestSetDataOnlyWhilePending(t *testing.T) {
	t.Parallel()
	for _, s := range All() {
		j := New("noop", nil)
		j.Status = s
		err := j.SetData(map[string]string{"op": "noop"})
		if s.Pending() {
			if err != nil {
				t.Fatalf("%s: SetData error: %v", s, err)
			}
			if string(j.Data()) != `{"op":"noop"}` {
				t.Fatalf("%s: Data = %s", s, j.Data())
			}
			continue
		}
		if !errors.Is(err, ErrInvalidState) {
			t.Fatalf("%s: SetData err = %v, want ErrInvalidState", s, err)
		}
	}
}

func TestSetDataRejectsInvalidRawJSON(t *testing.T) {
	t.Parallel()
	j := New("noop", nil)
	if err := j.SetData([]byte("{nope")); err == nil {
		t.Fatal("expected error for invalid json")
	}
	if err := j.SetData(json.RawMessage(`{"a":1}`)); err != nil {
		t.Fatalf("SetData raw: %v", err)
	}
}

func TestEligible(t *testing.T) {
	t.Parallel()
	now := time.Now()
	tests := []struct {
		name   string
		status Status
		at     time.Time
		want   bool
	}{
		{"waiting unset", Waiting, time.Time{}, true},
		{"waiting past", Waiting, now.Add(-time.Second), true},
		{"waiting future", Waiting, now.Add(time.Hour), false},
		{"postponed due", Postponed, now, true},
		{"postponed future", Postponed, now.Add(time.Minute), false},
		{"processing", Processing, time.Time{}, false},
		{"done", Done, time.Time{}, false},
	}
	for _, tt := range tests {
		j := &Job{Status: tt.status, ScheduledAt: tt.at}
		if got := j.Eligible(now); got != tt.want {
			t.Fatalf("%s: Eligible = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestCloneCopiesPayload(t *testing.T) {
	t.Parallel()
	j := New("noop", json.RawMessage(`{"x":1}`))
	cp := j.Clone()
	cp.Payload[2] = 'y'
	if string(j.Payload) != `{"x":1}` {
		t.Fatalf("original mutated: %s", j.Payload)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	if err := RegisterBuiltins(r); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("noop", func(*Job) (Startable, error) { return nil, nil }); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	if _, err := r.Build(&Job{Kind: "missing"}); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("Build(missing) err = %v", err)
	}
	st, err := r.Build(&Job{Kind: "noop"})
	if err != nil {
		t.Fatal(err)
	}
	ok, err := st.Start(context.Background())
	if !ok || err != nil {
		t.Fatalf("noop Start = %v, %v", ok, err)
	}
}

func TestSleepHonoursCancel(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	if err := RegisterBuiltins(r); err != nil {
		t.Fatal(err)
	}
	st, err := r.Build(&Job{Kind: "sleep", Payload: json.RawMessage(`{"duration":"1h"}`)})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok, err := st.Start(ctx)
	if ok || !errors.Is(err, context.Canceled) {
		t.Fatalf("Start = %v, %v; want false, context.Canceled", ok, err)
	}
}

func TestUnavailableWrapping(t *testing.T) {
	t.Parallel()
	base := errors.New("dial tcp: refused")
	err := Unavailable(base)
	if !IsUnavailable(err) || !errors.Is(err, base) {
		t.Fatalf("unexpected wrapping: %v", err)
	}
	if Unavailable(nil) != nil {
		t.Fatal("Unavailable(nil) must be nil")
	}
	if IsUnavailable(base) {
		t.Fatal("plain error reported unavailable")
	}
}

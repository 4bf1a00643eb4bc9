package control

import (
	"context"
	"testing"
	"time"

	"tasksched/internal/eventbus"
	"tasksched/internal/job"
	logx "tasksched/pkg/logx"
)

func TestLocalDeliversKill(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := Open(ctx, Config{}, eventbus.New(), logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ids, err := ch.Subscribe(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.Publish(ctx, "abc"); err != nil {
		t.Fatal(err)
	}
	select {
	case id := <-ids:
		if id != "abc" {
			t.Fatalf("id = %q", id)
		}
	case <-time.After(time.Second):
		t.Fatal("kill not delivered")
	}

	cancel()
	select {
	case _, ok := <-ids:
		if ok {
			t.Fatal("unexpected delivery after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after cancel")
	}
}

func TestLocalRejectsEmptyID(t *testing.T) {
	if err := NewLocal(nil).Publish(context.Background(), ""); err == nil {
		t.Fatal("expected error")
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "nats"}, nil, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
}

func TestRedisConfigErrors(t *testing.T) {
	ctx := context.Background()
	if _, err := OpenRedis(ctx, Config{}, logx.Nop()); err == nil {
		t.Fatal("missing url accepted")
	}
	if _, err := OpenRedis(ctx, Config{URL: "http://nope"}, logx.Nop()); err == nil {
		t.Fatal("bad scheme accepted")
	}
}

func TestRedisUnreachableIsUnavailable(t *testing.T) {
	_, err := OpenRedis(context.Background(), Config{URL: "redis://127.0.0.1:1/0", Timeout: 200 * time.Millisecond}, logx.Nop())
	if err == nil {
		t.Fatal("expected error")
	}
	if !job.IsUnavailable(err) {
		t.Fatalf("err = %v, want unavailable", err)
	}
}

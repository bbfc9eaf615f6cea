package sweep

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New(Config{Schedule: "every now and then", Sweep: func(context.Context) error { return nil }})
	if err == nil {
		t.Fatal("bad schedule accepted")
	}
}

func TestSweeperFiresOnSchedule(t *testing.T) {
	var passes atomic.Int64
	s, err := New(Config{
		Schedule: "@every 20ms",
		Sweep: func(context.Context) error {
			passes.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	deadline := time.After(3 * time.Second)
	for passes.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("only %d passes before deadline", passes.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
	s.Stop()
	settled := passes.Load()
	time.Sleep(50 * time.Millisecond)
	if passes.Load() != settled {
		t.Fatal("sweeper kept firing after Stop")
	}
}

func TestSweeperAcceptsCronExpression(t *testing.T) {
	s, err := New(Config{Schedule: "*/5 * * * *", Sweep: func(context.Context) error { return nil }})
	if err != nil {
		t.Fatalf("cron expression rejected: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()
	s.Stop()
}

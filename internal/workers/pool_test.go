package workers

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/trueasset/alluse-core/internal/corerr"
	"go.uber.org/zap"
)

func TestSubmitRunsTasks(t *testing.T) {
	pool := New(zap.NewNop(), Config{Name: "t", NumWorkers: 2, QueueSize: 16, DrainDeadline: time.Second})
	pool.Start()

	var ran atomic.Int64
	for i := 0; i < 5; i++ {
		err := pool.Submit(TaskFunc{Label: "inc", Fn: func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	pool.Stop()
	if ran.Load() != 5 {
		t.Fatalf("ran %d tasks, want 5", ran.Load())
	}
	if stats := pool.Snapshot(); stats.Completed != 5 {
		t.Fatalf("completed = %d, want 5", stats.Completed)
	}
}

func TestFullQueueRefusesWithBackpressure(t *testing.T) {
	pool := New(zap.NewNop(), Config{Name: "t", NumWorkers: 1, QueueSize: 1, DrainDeadline: time.Second})
	pool.Start()
	defer pool.Stop()

	release := make(chan struct{})
	blocker := TaskFunc{Label: "block", Fn: func(ctx context.Context) error {
		<-release
		return nil
	}}
	// First occupies the worker, second fills the queue.
	pool.Submit(blocker)
	pool.Submit(blocker)

	var refused error
	deadline := time.Now().Add(time.Second)
	for {
		if refused = pool.Submit(TaskFunc{Label: "extra", Fn: func(ctx context.Context) error { return nil }}); refused != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("queue never filled")
		}
	}
	close(release)
	if !corerr.Is(refused, corerr.KindBackpressure) {
		t.Fatalf("expected Backpressure, got %v", refused)
	}
}

func TestSubmitAfterStopFails(t *testing.T) {
	pool := New(zap.NewNop(), Config{Name: "t", NumWorkers: 1, QueueSize: 4, DrainDeadline: time.Second})
	pool.Start()
	pool.Stop()
	if err := pool.Submit(TaskFunc{Label: "late", Fn: func(ctx context.Context) error { return nil }}); err == nil {
		t.Fatal("submit after stop must fail")
	}
}

func TestPanicRecovery(t *testing.T) {
	pool := New(zap.NewNop(), Config{Name: "t", NumWorkers: 1, QueueSize: 4, DrainDeadline: time.Second})
	pool.Start()
	pool.Submit(TaskFunc{Label: "panic", Fn: func(ctx context.Context) error { panic("boom") }})

	var ran atomic.Bool
	pool.Submit(TaskFunc{Label: "after", Fn: func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}})
	pool.Stop()
	if !ran.Load() {
		t.Fatal("worker died after task panic")
	}
	if stats := pool.Snapshot(); stats.Failed != 1 {
		t.Fatalf("failed = %d, want 1", stats.Failed)
	}
}

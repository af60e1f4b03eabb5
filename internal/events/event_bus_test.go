package events

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	bus := New(zap.NewNop(), Config{Workers: 2, QueueSize: 16})
	var typed, all atomic.Int64
	bus.Subscribe(TypeOrderFill, func(ctx context.Context, e Event) { typed.Add(1) })
	bus.SubscribeAll(func(ctx context.Context, e Event) { all.Add(1) })
	bus.Start()
	defer bus.Stop()

	bus.Publish(TypeOrderFill, "ord-1", nil)
	bus.Publish(TypeSafeMode, "system", "test")

	deadline := time.Now().Add(time.Second)
	for typed.Load() != 1 || all.Load() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("delivery incomplete: typed=%d all=%d", typed.Load(), all.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	bus := New(zap.NewNop(), Config{Workers: 1, QueueSize: 1})
	// Not started: nothing drains the queue.
	bus.Publish(TypeQuote, "SPY", nil)
	bus.Publish(TypeQuote, "SPY", nil)
	published, dropped, _ := bus.Stats()
	if published != 1 || dropped != 1 {
		t.Fatalf("published=%d dropped=%d, want 1/1", published, dropped)
	}
}

func TestPanickingHandlerDoesNotKillWorker(t *testing.T) {
	bus := New(zap.NewNop(), Config{Workers: 1, QueueSize: 16})
	var delivered atomic.Int64
	bus.Subscribe(TypeError, func(ctx context.Context, e Event) { panic("boom") })
	bus.Subscribe(TypeHealth, func(ctx context.Context, e Event) { delivered.Add(1) })
	bus.Start()
	defer bus.Stop()

	bus.Publish(TypeError, "x", nil)
	bus.Publish(TypeHealth, "system", nil)

	deadline := time.Now().Add(time.Second)
	for delivered.Load() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("worker died after handler panic")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

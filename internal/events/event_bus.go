// Package events provides the bounded, typed event bus the Orchestrator
// routes cross-component notifications over: protocol escalations, order
// updates, fills, market alerts, account lifecycle changes, and system
// posture changes. Handlers run on a fixed worker pool; publishing never
// blocks a producing component.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Type is the category of event routed over the bus.
type Type string

const (
	// Market data events
	TypeQuote       Type = "quote"
	TypeMarketAlert Type = "market_alert"

	// Protocol events
	TypeProtocolEscalated   Type = "protocol_escalated"
	TypeProtocolDeescalated Type = "protocol_deescalated"
	TypeProtocolExit        Type = "protocol_exit"
	TypeProtocolStale       Type = "protocol_stale"

	// Execution events
	TypeOrderUpdate Type = "order_update"
	TypeOrderFill   Type = "order_fill"

	// Account events
	TypeAccountState Type = "account_state"
	TypeAccountFork  Type = "account_fork"

	// System events
	TypeSafeMode   Type = "safe_mode"
	TypeKillSwitch Type = "kill_switch"
	TypeHealth     Type = "health"
	TypeError      Type = "error"
)

// Event is a single routed notification. Payload is the producing
// component's own typed struct (protocol.Event, types.MarketAlert,
// types.Order, ...); subscribers type-switch on it.
type Event struct {
	ID        uint64
	Type      Type
	Timestamp time.Time
	Subject   string // position id, order id, account id, or symbol
	Payload   any
}

// Handler processes one event. Handlers must not block indefinitely;
// each invocation runs under the bus's handler timeout.
type Handler func(ctx context.Context, e Event)

// Config tunes the bus.
type Config struct {
	Workers        int
	QueueSize      int
	HandlerTimeout time.Duration
}

// DefaultConfig returns the defaults the Orchestrator uses.
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		QueueSize:      4096,
		HandlerTimeout: 5 * time.Second,
	}
}

// Bus is the bounded event bus. One instance is owned by the
// Orchestrator and injected into the components that publish or
// subscribe; there is no package-level bus.
type Bus struct {
	logger *zap.Logger
	config Config

	mu          sync.RWMutex
	handlers    map[Type][]Handler
	anyHandlers []Handler

	queue chan Event

	published atomic.Uint64
	dropped   atomic.Uint64
	handled   atomic.Uint64

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	nextID  atomic.Uint64
}

// New constructs a bus; Start must be called before Publish delivers.
func New(logger *zap.Logger, config Config) *Bus {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 4096
	}
	if config.HandlerTimeout <= 0 {
		config.HandlerTimeout = 5 * time.Second
	}
	return &Bus{
		logger:   logger.Named("event-bus"),
		config:   config,
		handlers: make(map[Type][]Handler),
		queue:    make(chan Event, config.QueueSize),
	}
}

// Subscribe registers a handler for one event type. The Orchestrator
// wires all routes during init, before Start.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// SubscribeAll registers a handler for every event type (the API layer's
// websocket fan-out uses this).
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.anyHandlers = append(b.anyHandlers, h)
}

// Start launches the dispatch workers.
func (b *Bus) Start() {
	if !b.running.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	for i := 0; i < b.config.Workers; i++ {
		b.wg.Add(1)
		go b.worker(ctx)
	}
	b.logger.Info("event bus started",
		zap.Int("workers", b.config.Workers),
		zap.Int("queueSize", b.config.QueueSize))
}

// Stop halts the workers. In-flight handlers finish; events queued past
// the stop point are discarded.
func (b *Bus) Stop() {
	if !b.running.CompareAndSwap(true, false) {
		return
	}
	b.cancel()
	b.wg.Wait()
	b.logger.Info("event bus stopped",
		zap.Uint64("published", b.published.Load()),
		zap.Uint64("dropped", b.dropped.Load()),
		zap.Uint64("handled", b.handled.Load()))
}

// Publish enqueues an event. Never blocks: when the queue is full the
// event is dropped and counted, because every payload routed here is a
// notification whose source of truth lives in the owning component.
func (b *Bus) Publish(t Type, subject string, payload any) {
	e := Event{
		ID:        b.nextID.Add(1),
		Type:      t,
		Timestamp: time.Now(),
		Subject:   subject,
		Payload:   payload,
	}
	select {
	case b.queue <- e:
		b.published.Add(1)
	default:
		b.dropped.Add(1)
		b.logger.Warn("event bus queue full, dropping event",
			zap.String("type", string(t)),
			zap.String("subject", subject))
	}
}

// Stats returns published/dropped/handled counts.
func (b *Bus) Stats() (published, dropped, handled uint64) {
	return b.published.Load(), b.dropped.Load(), b.handled.Load()
}

// QueueDepth reports the current backlog, for the health probe.
func (b *Bus) QueueDepth() int { return len(b.queue) }

func (b *Bus) worker(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-b.queue:
			b.dispatch(ctx, e)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, e Event) {
	b.mu.RLock()
	typed := b.handlers[e.Type]
	catchAll := b.anyHandlers
	b.mu.RUnlock()

	for _, h := range typed {
		b.invoke(ctx, h, e)
	}
	for _, h := range catchAll {
		b.invoke(ctx, h, e)
	}
}

func (b *Bus) invoke(ctx context.Context, h Handler, e Event) {
	hctx, cancel := context.WithTimeout(ctx, b.config.HandlerTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("type", string(e.Type)),
				zap.Any("panic", r))
		}
	}()
	h(hctx, e)
	b.handled.Add(1)
}

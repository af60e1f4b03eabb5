package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trueasset/alluse-core/internal/corerr"
	"github.com/trueasset/alluse-core/pkg/types"
	"github.com/trueasset/alluse-core/pkg/utils"
	"go.uber.org/zap"
)

// PaperConfig tunes the simulated venue.
type PaperConfig struct {
	// AckDelay is how long after submit the simulated ack arrives.
	AckDelay time.Duration
	// FillDelay is how long after ack a marketable order fills.
	FillDelay time.Duration
	// HeartbeatInterval drives the liveness events the core requires.
	HeartbeatInterval time.Duration
	// EventBuffer bounds the event channel.
	EventBuffer int
	// RejectSymbols lists symbols the venue refuses, for failure-path tests.
	RejectSymbols map[string]bool
}

// DefaultPaperConfig returns the defaults used by the development venue.
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		AckDelay:          5 * time.Millisecond,
		FillDelay:         20 * time.Millisecond,
		HeartbeatInterval: 5 * time.Second,
		EventBuffer:       1024,
	}
}

// Paper is an in-memory venue simulator implementing Adapter. It rejects
// orders for symbols listed in RejectSymbols and acks every other order,
// fills each order at its limit price, or at its stop price when it has
// no limit price (zero for a plain market order), and keeps
// per-connection monotonic event sequence numbers.
type Paper struct {
	logger *zap.Logger
	config PaperConfig

	mu        sync.Mutex
	state     ConnectionState
	orders    map[string]*types.Order // by client-order-id
	positions map[string]*types.Position
	balances  map[string]decimal.Decimal

	seq    atomic.Uint64
	events chan Event
	cancel context.CancelFunc
}

// NewPaper constructs the paper venue.
func NewPaper(logger *zap.Logger, config PaperConfig) *Paper {
	if config.EventBuffer <= 0 {
		config.EventBuffer = 1024
	}
	return &Paper{
		logger:    logger.Named("paper-broker"),
		config:    config,
		state:     StateDisconnected,
		orders:    make(map[string]*types.Order),
		positions: make(map[string]*types.Position),
		balances:  make(map[string]decimal.Decimal),
		events:    make(chan Event, config.EventBuffer),
	}
}

// Connect brings the simulated link up and starts the heartbeat.
func (p *Paper) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.state == StateConnected {
		p.mu.Unlock()
		return nil
	}
	p.state = StateConnected
	hbCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.mu.Unlock()

	p.emit(Event{Kind: EventConnectionState, State: StateConnected})
	if p.config.HeartbeatInterval > 0 {
		go p.heartbeat(hbCtx)
	}
	return nil
}

// Disconnect marks the link down, stops the heartbeat and emits a
// DISCONNECTED connection-state event. The event stream stays open.
func (p *Paper) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateDisconnected {
		return nil
	}
	p.state = StateDisconnected
	if p.cancel != nil {
		p.cancel()
	}
	p.emit(Event{Kind: EventConnectionState, State: StateDisconnected})
	return nil
}

// SubmitOrder accepts an order, schedules its ack and fill. Idempotent
// by client-order-id: a duplicate submit is a no-op.
func (p *Paper) SubmitOrder(ctx context.Context, order types.Order) error {
	p.mu.Lock()
	if p.state != StateConnected {
		p.mu.Unlock()
		return corerr.New(corerr.KindBrokerReject, "paper venue not connected")
	}
	if _, dup := p.orders[order.ClientOrderID]; dup {
		p.mu.Unlock()
		return nil
	}
	if p.config.RejectSymbols[order.Symbol] {
		p.mu.Unlock()
		go func() {
			time.Sleep(p.config.AckDelay)
			p.emit(Event{Kind: EventOrderReject, ClientOrderID: order.ClientOrderID, Reason: "symbol not tradable"})
		}()
		return nil
	}
	copied := order
	copied.BrokerOrderID = utils.GenerateID("pb")
	p.orders[order.ClientOrderID] = &copied
	p.mu.Unlock()

	go p.lifecycle(copied)
	return nil
}

func (p *Paper) lifecycle(order types.Order) {
	time.Sleep(p.config.AckDelay)
	p.emit(Event{Kind: EventOrderAck, ClientOrderID: order.ClientOrderID, BrokerOrderID: order.BrokerOrderID})

	time.Sleep(p.config.FillDelay)
	p.mu.Lock()
	tracked, ok := p.orders[order.ClientOrderID]
	cancelled := ok && tracked.Status == types.OrderStatusCancelled
	p.mu.Unlock()
	if !ok || cancelled {
		return
	}

	price := order.LimitPrice
	if price.IsZero() {
		price = order.StopPrice
	}
	p.emit(Event{
		Kind:          EventOrderFill,
		ClientOrderID: order.ClientOrderID,
		BrokerOrderID: order.BrokerOrderID,
		FillQty:       order.Qty,
		FillPrice:     price,
	})
}

// CancelOrder acknowledges a cancel if the order is still working.
func (p *Paper) CancelOrder(ctx context.Context, clientOrderID string) error {
	p.mu.Lock()
	order, ok := p.orders[clientOrderID]
	if ok {
		order.Status = types.OrderStatusCancelled
	}
	p.mu.Unlock()
	if !ok {
		return corerr.New(corerr.KindBrokerReject, "unknown order "+clientOrderID)
	}
	p.emit(Event{Kind: EventOrderCancelAck, ClientOrderID: clientOrderID})
	return nil
}

// Positions returns the simulated venue's position view.
func (p *Paper) Positions(ctx context.Context) ([]types.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out, nil
}

// SetPosition seeds the venue's position view, for reconciliation tests.
func (p *Paper) SetPosition(pos types.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions[pos.ID] = &pos
}

// Balances returns the simulated cash balances.
func (p *Paper) Balances(ctx context.Context) (map[string]decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(p.balances))
	for k, v := range p.balances {
		out[k] = v
	}
	return out, nil
}

// SetBalance seeds a cash balance.
func (p *Paper) SetBalance(accountID string, balance decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[accountID] = balance
}

// OpenOrders returns orders the venue still considers working.
func (p *Paper) OpenOrders(ctx context.Context) ([]types.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.Order, 0, len(p.orders))
	for _, o := range p.orders {
		if !o.Status.IsTerminal() {
			out = append(out, *o)
		}
	}
	return out, nil
}

// Events exposes the per-connection event stream.
func (p *Paper) Events() <-chan Event { return p.events }

func (p *Paper) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(p.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.emit(Event{Kind: EventHeartbeat})
		}
	}
}

func (p *Paper) emit(e Event) {
	e.Seq = p.seq.Add(1)
	e.At = time.Now()
	select {
	case p.events <- e:
	default:
		p.logger.Warn("paper broker event buffer full, dropping event",
			zap.String("kind", string(e.Kind)),
			zap.String("clientOrderId", e.ClientOrderID))
	}
}

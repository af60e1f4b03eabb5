// Package execution implements the Execution Engine: the order
// lifecycle state machine, pre-trade validation through the Rules
// Engine, rate-limited venue dispatch, fill reconciliation, order
// slicing, and the daily volume cap. The broker wire protocol is
// consumed through the internal/broker Adapter, never implemented here.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trueasset/alluse-core/internal/audit"
	"github.com/trueasset/alluse-core/internal/broker"
	"github.com/trueasset/alluse-core/internal/constitution"
	"github.com/trueasset/alluse-core/internal/corerr"
	"github.com/trueasset/alluse-core/internal/events"
	"github.com/trueasset/alluse-core/internal/rules"
	"github.com/trueasset/alluse-core/pkg/types"
	"go.uber.org/zap"
)

// Config tunes the engine's queues and deadlines.
type Config struct {
	// SubmissionQueueSize bounds the dispatcher queue; a full queue
	// refuses submissions with Backpressure.
	SubmissionQueueSize int
	// DailyVolumeCap is the per-account contracts-per-day ceiling.
	DailyVolumeCap int
	// OrderTimeout auto-cancels orders working longer than this.
	OrderTimeout time.Duration
	// SubmitDeadline bounds each venue submit call.
	SubmitDeadline time.Duration
	// DispatchInterval is the minimum spacing between venue submits.
	DispatchInterval time.Duration
}

// DefaultConfig returns the shipped defaults.
func DefaultConfig() Config {
	return Config{
		SubmissionQueueSize: 256,
		DailyVolumeCap:      500,
		OrderTimeout:        5 * time.Minute,
		SubmitDeadline:      10 * time.Second,
		DispatchInterval:    100 * time.Millisecond,
	}
}

// Engine owns every Order entity. All
// order mutation flows through the engine; readers get copies.
type Engine struct {
	logger       *zap.Logger
	config       Config
	constitution *constitution.Constitution
	rulesEngine  *rules.Engine
	auditLog     *audit.Log
	adapter      broker.Adapter
	bus          *events.Bus

	mu       sync.RWMutex
	orders   map[string]*types.Order // by client-order-id
	byBroker map[string]string       // broker-order-id -> client-order-id
	// dailyQty tracks contracts submitted per account per trading day,
	// keyed by accountID + "|" + yyyy-mm-dd.
	dailyQty map[string]int

	queue       chan string // client-order-ids awaiting venue dispatch
	lastEventAt time.Time
}

// New constructs an Execution Engine over a broker adapter. bus may be
// nil (tests); when set, order updates and fills are published on it.
func New(logger *zap.Logger, config Config, c *constitution.Constitution, re *rules.Engine, al *audit.Log, adapter broker.Adapter, bus *events.Bus) *Engine {
	if config.SubmissionQueueSize <= 0 {
		config.SubmissionQueueSize = 256
	}
	return &Engine{
		logger:       logger.Named("execution"),
		config:       config,
		constitution: c,
		rulesEngine:  re,
		auditLog:     al,
		adapter:      adapter,
		bus:          bus,
		orders:       make(map[string]*types.Order),
		byBroker:     make(map[string]string),
		dailyQty:     make(map[string]int),
		queue:        make(chan string, config.SubmissionQueueSize),
	}
}

// SubmitRequest is one proposed order plus the action context the Rules
// Engine validates it against.
type SubmitRequest struct {
	Order         types.Order
	Action        types.ActionKind
	ActionContext any
}

// Submit runs the order through PENDING_VALIDATION and, when approved,
// enqueues it (sliced if over the threshold) for venue dispatch.
//
// Idempotency: a duplicate client-order-id returns the existing order's
// status and creates nothing beyond a duplicate-detected audit note.
// Backpressure: a full dispatcher queue refuses the whole submission;
// no partial slice set is ever left queued.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) ([]types.Order, types.Decision, error) {
	if req.Order.ClientOrderID == "" {
		return nil, types.Decision{}, corerr.New(corerr.KindInvariantViolation, "order has no client-order-id")
	}

	e.mu.RLock()
	existing, dup := e.orders[req.Order.ClientOrderID]
	var existingCopy types.Order
	if dup {
		existingCopy = *existing
	}
	e.mu.RUnlock()
	if dup {
		e.auditOrder("order_duplicate_detected", &existingCopy, map[string]any{
			"status": existingCopy.Status,
		})
		return []types.Order{existingCopy}, types.Decision{Outcome: types.DecisionApproved}, nil
	}

	now := time.Now()
	order := req.Order
	order.Status = types.OrderStatusPendingValidation
	order.CreatedAt = now
	e.auditOrder("order_received", &order, nil)

	// Pre-trade validation through the Rules Engine:
	// PENDING_VALIDATION -> VALIDATED requires APPROVED.
	decision, err := e.rulesEngine.Evaluate(req.Action, req.ActionContext)
	if err != nil {
		order.Status = types.OrderStatusRejected
		e.store(&order)
		e.auditOrder("order_rejected", &order, map[string]any{"error": err.Error()})
		return []types.Order{order}, decision, err
	}
	if !decision.Approved() {
		order.Status = types.OrderStatusRejected
		e.store(&order)
		e.auditOrder("order_rejected", &order, map[string]any{"clauses": decision.Clauses})
		e.publish(events.TypeOrderUpdate, &order)
		return []types.Order{order}, decision, corerr.New(corerr.KindRuleViolation, "order rejected by rules engine")
	}
	if len(decision.Clauses) > 0 {
		order.RuleCitation = decision.Clauses[0].ClauseRef
	} else {
		order.RuleCitation = string(req.Action)
	}

	slices := sliceOrder(order, e.constitution.Capital().OrderSliceThreshold)

	// Daily volume cap and enqueue are checked under one lock, so two
	// concurrent submits for the same account cannot both pass the cap.
	dayKey := dailyKey(order.AccountID, now)
	e.mu.Lock()
	if used := e.dailyQty[dayKey]; e.config.DailyVolumeCap > 0 && used+order.Qty > e.config.DailyVolumeCap {
		order.Status = types.OrderStatusRejected
		e.orders[order.ClientOrderID] = &order
		e.mu.Unlock()
		e.auditOrder("order_rejected", &order, map[string]any{
			"reason":   "daily volume cap",
			"used":     used,
			"proposed": order.Qty,
			"cap":      e.config.DailyVolumeCap,
		})
		return []types.Order{order}, decision, corerr.New(corerr.KindRuleViolation,
			fmt.Sprintf("daily volume cap: %d used + %d proposed > %d", used, order.Qty, e.config.DailyVolumeCap))
	}
	if len(e.queue)+len(slices) > cap(e.queue) {
		e.mu.Unlock()
		e.auditOrder("order_backpressure", &order, map[string]any{"queueDepth": len(e.queue)})
		return nil, decision, corerr.New(corerr.KindBackpressure, "submission queue full")
	}
	out := make([]types.Order, 0, len(slices))
	for i := range slices {
		s := slices[i]
		s.Status = types.OrderStatusValidated
		e.orders[s.ClientOrderID] = &s
		e.dailyQty[dayKey] += s.Qty
		e.queue <- s.ClientOrderID
		out = append(out, s)
	}
	e.mu.Unlock()

	for i := range out {
		e.auditOrder("order_validated", &out[i], map[string]any{"slices": len(out)})
		e.publish(events.TypeOrderUpdate, &out[i])
	}
	return out, decision, nil
}

// CancelOrder requests venue cancellation of a working order.
func (e *Engine) CancelOrder(ctx context.Context, clientOrderID string) error {
	e.mu.RLock()
	order, ok := e.orders[clientOrderID]
	var status types.OrderStatus
	if ok {
		status = order.Status
	}
	e.mu.RUnlock()
	if !ok {
		return corerr.New(corerr.KindInvariantViolation, "unknown order "+clientOrderID)
	}
	if status.IsTerminal() {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, e.config.SubmitDeadline)
	defer cancel()
	return e.adapter.CancelOrder(cctx, clientOrderID)
}

// Order returns a copy of a tracked order.
func (e *Engine) Order(clientOrderID string) (types.Order, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	o, ok := e.orders[clientOrderID]
	if !ok {
		return types.Order{}, false
	}
	return *o, true
}

// Snapshot returns a consistent copy of every tracked order.
func (e *Engine) Snapshot() []types.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]types.Order, 0, len(e.orders))
	for _, o := range e.orders {
		out = append(out, *o)
	}
	return out
}

// QueueDepth reports the dispatcher backlog, for the health probe.
func (e *Engine) QueueDepth() int { return len(e.queue) }

// LastEventAt reports when the engine last saw a broker event.
func (e *Engine) LastEventAt() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastEventAt
}

// RunDispatcher drains the submission queue to the venue, one order per
// dispatch interval. It is the single venue-submitting task.
func (e *Engine) RunDispatcher(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-e.queue:
			e.dispatch(ctx, id)
			if e.config.DispatchInterval > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(e.config.DispatchInterval):
				}
			}
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, clientOrderID string) {
	e.mu.RLock()
	order, ok := e.orders[clientOrderID]
	var copied types.Order
	if ok {
		copied = *order
	}
	e.mu.RUnlock()
	if !ok || copied.Status != types.OrderStatusValidated {
		return
	}

	sctx, cancel := context.WithTimeout(ctx, e.config.SubmitDeadline)
	err := e.adapter.SubmitOrder(sctx, copied)
	cancel()
	if err != nil {
		kind := corerr.KindBrokerReject
		if sctx.Err() != nil {
			kind = corerr.KindTimeout
		}
		e.transition(clientOrderID, types.OrderStatusError, nil)
		e.auditByID(clientOrderID, "order_error", map[string]any{"error": err.Error(), "kind": string(kind)})
		return
	}
	// The order stays VALIDATED until the venue ack arrives as an event.
	e.auditByID(clientOrderID, "order_dispatched", nil)
}

// RunEventLoop consumes the broker event stream and applies fills, acks,
// rejects, and cancel-acks to the order state machine. One task per
// broker connection.
func (e *Engine) RunEventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.adapter.Events():
			if !ok {
				return
			}
			e.handleBrokerEvent(ctx, ev)
		}
	}
}

func (e *Engine) handleBrokerEvent(ctx context.Context, ev broker.Event) {
	e.mu.Lock()
	e.lastEventAt = ev.At
	e.mu.Unlock()

	switch ev.Kind {
	case broker.EventOrderAck:
		e.transition(ev.ClientOrderID, types.OrderStatusSubmitted, func(o *types.Order) {
			o.BrokerOrderID = ev.BrokerOrderID
			now := ev.At
			o.SubmittedAt = &now
		})
		e.mu.Lock()
		e.byBroker[ev.BrokerOrderID] = ev.ClientOrderID
		e.mu.Unlock()
		e.auditByID(ev.ClientOrderID, "order_submitted", map[string]any{"brokerOrderId": ev.BrokerOrderID})

	case broker.EventOrderFill:
		e.applyFill(ev)

	case broker.EventOrderReject:
		// Venue rejects outside retry policy map to ERROR.
		e.transition(ev.ClientOrderID, types.OrderStatusError, nil)
		e.auditByID(ev.ClientOrderID, "order_broker_reject", map[string]any{"reason": ev.Reason})

	case broker.EventOrderCancelAck:
		e.transition(ev.ClientOrderID, types.OrderStatusCancelled, func(o *types.Order) {
			now := ev.At
			o.CancelledAt = &now
		})
		e.auditByID(ev.ClientOrderID, "order_cancelled", nil)

	case broker.EventConnectionState:
		if ev.State == broker.StateConnected {
			// Reconcile on every connection re-establishment.
			if err := e.Reconcile(ctx, nil); err != nil {
				e.logger.Warn("post-reconnect reconciliation reported divergences", zap.Error(err))
			}
		}
	}
}

func (e *Engine) applyFill(ev broker.Event) {
	e.mu.Lock()
	order, ok := e.orders[ev.ClientOrderID]
	if !ok || order.Status.IsTerminal() {
		e.mu.Unlock()
		if ok {
			e.logger.Warn("fill for terminal order ignored", zap.String("clientOrderId", ev.ClientOrderID))
		}
		return
	}
	fillQty := ev.FillQty
	if order.FilledQty+fillQty > order.Qty {
		// filled <= qty invariant: clamp and flag rather than overfill.
		fillQty = order.Qty - order.FilledQty
		e.logger.Error("venue overfill clamped",
			zap.String("clientOrderId", ev.ClientOrderID),
			zap.Int("reported", ev.FillQty),
			zap.Int("applied", fillQty))
	}
	prevNotional := order.AvgFillPrice.Mul(decimal.NewFromInt(int64(order.FilledQty)))
	order.FilledQty += fillQty
	if order.FilledQty > 0 {
		fillNotional := ev.FillPrice.Mul(decimal.NewFromInt(int64(fillQty)))
		order.AvgFillPrice = prevNotional.Add(fillNotional).Div(decimal.NewFromInt(int64(order.FilledQty)))
	}
	full := order.FilledQty >= order.Qty
	if full {
		order.Status = types.OrderStatusFilled
		now := ev.At
		order.FilledAt = &now
	} else {
		order.Status = types.OrderStatusPartiallyFilled
	}
	copied := *order
	e.mu.Unlock()

	kind := "order_partial_fill"
	if full {
		kind = "order_filled"
	}
	e.auditOrder(kind, &copied, map[string]any{
		"fillQty":   fillQty,
		"fillPrice": ev.FillPrice.String(),
	})
	e.publish(events.TypeOrderFill, &copied)
}

// SweepTimeouts cancels orders that have been working longer than the
// configured deadline. The Orchestrator
// calls this periodically.
func (e *Engine) SweepTimeouts(ctx context.Context, now time.Time) {
	e.mu.RLock()
	var expired []string
	for id, o := range e.orders {
		if o.SubmittedAt == nil {
			continue
		}
		if (o.Status == types.OrderStatusSubmitted || o.Status == types.OrderStatusPartiallyFilled) &&
			now.Sub(*o.SubmittedAt) > e.config.OrderTimeout {
			expired = append(expired, id)
		}
	}
	e.mu.RUnlock()

	for _, id := range expired {
		e.auditByID(id, "order_timeout_cancel", nil)
		if err := e.CancelOrder(ctx, id); err != nil {
			e.logger.Warn("timeout cancel failed", zap.String("clientOrderId", id), zap.Error(err))
		}
	}
}

// validNext encodes the order state machine's legal transitions.
// Terminal states are absorbing by omission.
var validNext = map[types.OrderStatus]map[types.OrderStatus]bool{
	types.OrderStatusPendingValidation: {
		types.OrderStatusValidated: true,
		types.OrderStatusRejected:  true,
		types.OrderStatusError:     true,
	},
	types.OrderStatusValidated: {
		types.OrderStatusSubmitted: true,
		types.OrderStatusCancelled: true,
		types.OrderStatusError:     true,
	},
	types.OrderStatusSubmitted: {
		types.OrderStatusPartiallyFilled: true,
		types.OrderStatusFilled:          true,
		types.OrderStatusCancelled:       true,
		types.OrderStatusError:           true,
	},
	types.OrderStatusPartiallyFilled: {
		types.OrderStatusFilled:    true,
		types.OrderStatusCancelled: true,
		types.OrderStatusError:     true,
	},
}

func (e *Engine) transition(clientOrderID string, to types.OrderStatus, mutate func(*types.Order)) {
	e.mu.Lock()
	order, ok := e.orders[clientOrderID]
	if !ok {
		e.mu.Unlock()
		e.logger.Warn("transition for unknown order", zap.String("clientOrderId", clientOrderID))
		return
	}
	from := order.Status
	if from.IsTerminal() {
		e.mu.Unlock()
		return
	}
	if !validNext[from][to] {
		e.mu.Unlock()
		e.logger.Error("illegal order transition refused",
			zap.String("clientOrderId", clientOrderID),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		return
	}
	order.Status = to
	if mutate != nil {
		mutate(order)
	}
	copied := *order
	e.mu.Unlock()
	e.publish(events.TypeOrderUpdate, &copied)
}

func (e *Engine) store(order *types.Order) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.orders[order.ClientOrderID] = order
}

func (e *Engine) publish(t events.Type, order *types.Order) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(t, order.ClientOrderID, *order)
}

func (e *Engine) auditByID(clientOrderID, kind string, payload map[string]any) {
	e.mu.RLock()
	order, ok := e.orders[clientOrderID]
	var copied types.Order
	if ok {
		copied = *order
	}
	e.mu.RUnlock()
	if !ok {
		return
	}
	e.auditOrder(kind, &copied, payload)
}

func (e *Engine) auditOrder(kind string, order *types.Order, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["symbol"] = order.Symbol
	payload["qty"] = order.Qty
	payload["status"] = order.Status
	subjects := []string{order.ClientOrderID, order.AccountID}
	if order.PositionID != "" {
		subjects = append(subjects, order.PositionID)
	}
	if _, err := e.auditLog.Append(types.AuditRecord{
		Kind:                kind,
		Actor:               "execution_engine",
		ClauseRef:           order.RuleCitation,
		SubjectIDs:          subjects,
		Payload:             payload,
		ConstitutionVersion: e.constitution.Version(),
	}); err != nil {
		e.logger.Error("failed to audit order event", zap.Error(err))
	}
}

func dailyKey(accountID string, t time.Time) string {
	return accountID + "|" + t.UTC().Format("2006-01-02")
}

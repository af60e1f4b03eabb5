package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trueasset/alluse-core/internal/corerr"
	"github.com/trueasset/alluse-core/internal/events"
	"github.com/trueasset/alluse-core/internal/execution"
	"github.com/trueasset/alluse-core/internal/protocol"
	"github.com/trueasset/alluse-core/internal/workers"
	"github.com/trueasset/alluse-core/pkg/types"
	"go.uber.org/zap"
)

// exitRetryDeadline bounds the EXIT resubmission loop's exponential
// backoff retries.
const exitRetryDeadline = 2 * time.Minute

// supervisePositionMonitors keeps one monitoring task per open
// position, spawning monitors for new positions and reaping monitors
// whose positions have closed.
func (o *Orchestrator) supervisePositionMonitors(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			o.mu.Lock()
			for id, cancel := range o.monitors {
				cancel()
				delete(o.monitors, id)
			}
			o.mu.Unlock()
			return
		case <-ticker.C:
			open := o.deps.Accounts.OpenPositions()
			openSet := make(map[string]bool, len(open))
			for _, pos := range open {
				openSet[pos.ID] = true
				o.mu.Lock()
				_, monitored := o.monitors[pos.ID]
				if !monitored {
					mctx, cancel := context.WithCancel(ctx)
					o.monitors[pos.ID] = cancel
					id := pos.ID
					o.spawn(func() { o.monitorPosition(mctx, id) })
				}
				o.mu.Unlock()
			}
			o.mu.Lock()
			for id, cancel := range o.monitors {
				if !openSet[id] {
					cancel()
					delete(o.monitors, id)
				}
			}
			o.mu.Unlock()
		}
	}
}

func (o *Orchestrator) stopMonitor(positionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cancel, ok := o.monitors[positionID]; ok {
		cancel()
		delete(o.monitors, positionID)
	}
}

// monitorPosition is the per-position tick loop. Its cadence follows the
// protocol level the tick reports (L0=300s ... L3=1s).
func (o *Orchestrator) monitorPosition(ctx context.Context, positionID string) {
	for {
		pos, ok := o.deps.Accounts.Position(positionID)
		if !ok || pos.Status != types.PositionOpen {
			o.deps.Protocol.Forget(positionID)
			return
		}

		now := time.Now()
		quote, haveQuote := o.deps.MarketData.Quote(pos.Symbol)
		spotOK := haveQuote && o.deps.MarketData.Fresh(pos.Symbol, now)
		spot := decimal.Zero
		if haveQuote {
			spot = quote.Last
			if spot.IsZero() {
				spot = quote.Mid()
			}
		}
		if spotOK {
			if err := o.deps.Accounts.MarkToMarket(positionID, spot); err != nil {
				o.logger.Warn("mark-to-market failed", zap.String("positionId", positionID), zap.Error(err))
			}
			pos, _ = o.deps.Accounts.Position(positionID)
		}

		result := o.deps.Protocol.Tick(ctx, &pos, spot, spotOK, now)
		if result.ExitRequired {
			o.ensureExit(ctx, pos)
		}

		cadence := result.NextCadence
		if cadence <= 0 {
			cadence = o.deps.Constitution.Protocol().CadenceL0
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(cadence):
		}
	}
}

// ensureExit submits the protocol-forced closing order for a position.
// The client-order-id is derived from the position id, so repeated ticks
// at L3 stay idempotent: the Execution Engine returns the existing
// order's status instead of creating a second one.
func (o *Orchestrator) ensureExit(ctx context.Context, pos types.Position) {
	clientOrderID := "exit-" + pos.ID
	if existing, ok := o.deps.Execution.Order(clientOrderID); ok {
		if !existing.Status.IsTerminal() || existing.Status == types.OrderStatusFilled {
			return
		}
	}

	side := types.OrderSideBuy // closing a short option buys it back
	if pos.Quantity > 0 {
		side = types.OrderSideSell
	}
	acc, _ := o.deps.Accounts.Get(pos.AccountID)
	req := execution.SubmitRequest{
		Order: types.Order{
			ClientOrderID: clientOrderID,
			AccountID:     pos.AccountID,
			PositionID:    pos.ID,
			Symbol:        pos.Symbol,
			Side:          side,
			Type:          types.OrderTypeLimit,
			Qty:           abs(pos.Quantity),
			LimitPrice:    pos.CurrentPrice,
			TIF:           types.TimeInForceDay,
		},
		Action: types.ActionCloseOrRoll,
		ActionContext: types.CloseOrRollContext{
			AccountID:  pos.AccountID,
			Sleeve:     acc.Sleeve,
			PositionID: pos.ID,
			Exit:       true,
			ProposedAt: time.Now(),
		},
	}

	deadline := time.Now().Add(exitRetryDeadline)
	for attempt := 0; ; attempt++ {
		_, _, err := o.deps.Execution.Submit(ctx, req)
		if err == nil {
			return
		}
		if !corerr.Is(err, corerr.KindBrokerReject) && !corerr.Is(err, corerr.KindTimeout) && !corerr.Is(err, corerr.KindBackpressure) {
			o.logger.Error("exit submission failed terminally", zap.String("positionId", pos.ID), zap.Error(err))
			o.recordSticky("protocol_engine", fmt.Sprintf("exit for %s failed: %v", pos.ID, err))
			return
		}
		backoff := protocol.NextExitBackoff(attempt)
		if time.Now().Add(backoff).After(deadline) {
			// Deadline exhausted: surface ExitFailed and preserve the L3
			// pending action.
			o.deps.Protocol.MarkExitFailed(&pos)
			o.deps.Bus.Publish(events.TypeError, pos.ID, "ExitFailed: "+err.Error())
			o.recordSticky("execution_engine", "exit retries exhausted for "+pos.ID)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// pumpMarketAlerts republishes Market Data Manager alerts onto the bus.
func (o *Orchestrator) pumpMarketAlerts(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case alert, ok := <-o.deps.MarketData.Alerts():
			if !ok {
				return
			}
			o.deps.Bus.Publish(events.TypeMarketAlert, alert.Symbol, alert)
		}
	}
}

// pumpProtocolEvents republishes Protocol Engine transitions onto the bus.
func (o *Orchestrator) pumpProtocolEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-o.deps.Protocol.Events():
			if !ok {
				return
			}
			var t events.Type
			switch ev.Kind {
			case protocol.EventEscalated:
				t = events.TypeProtocolEscalated
			case protocol.EventDeescalated:
				t = events.TypeProtocolDeescalated
			case protocol.EventExitMarked:
				t = events.TypeProtocolExit
			default:
				t = events.TypeProtocolStale
			}
			o.deps.Bus.Publish(t, ev.PositionID, ev)
		}
	}
}

// watchVIX applies the Constitution's circuit-breaker triggers: at the
// safe-mode trigger the system posture drops to SAFE; at the kill-switch
// trigger working orders are cancelled too; at the hedged-week trigger a
// hedge deployment is proposed through the Rules Engine.
func (o *Orchestrator) watchVIX(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	var lastHedgeAt time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			vix, ok := o.currentVIX()
			if !ok {
				continue
			}
			triggers := o.deps.Constitution.Hedging().VIX
			switch {
			case vix.GreaterThanOrEqual(triggers.KillSwitch):
				o.deps.Bus.Publish(events.TypeKillSwitch, "system", vix.String())
				o.EnterSafeMode("VIX kill-switch at " + vix.String())
				for _, order := range o.deps.Execution.Snapshot() {
					if !order.Status.IsTerminal() {
						if err := o.deps.Execution.CancelOrder(ctx, order.ClientOrderID); err != nil {
							o.logger.Warn("kill-switch cancel failed", zap.String("clientOrderId", order.ClientOrderID), zap.Error(err))
						}
					}
				}
			case vix.GreaterThanOrEqual(triggers.SafeMode):
				o.EnterSafeMode("VIX safe-mode at " + vix.String())
			case vix.GreaterThanOrEqual(triggers.HedgedWeek):
				if time.Since(lastHedgeAt) > 24*time.Hour {
					if o.deployHedge(ctx, vix) {
						lastHedgeAt = time.Now()
					}
				}
			default:
				if o.Posture() == PostureSafe {
					if err := o.ExitSafeMode(ctx); err != nil {
						o.logger.Debug("cannot leave SAFE yet", zap.Error(err))
					}
				}
			}
		}
	}
}

// deployHedge proposes a hedge through the Rules Engine. The hedge
// instrument and DTE come straight from the Constitution's hedging
// policy; nothing here is discretionary.
func (o *Orchestrator) deployHedge(ctx context.Context, vix decimal.Decimal) bool {
	hedging := o.deps.Constitution.Hedging()
	vixF, _ := vix.Float64()
	budgetF, _ := hedging.BudgetMax.Float64()
	dte := (hedging.DTE.Min + hedging.DTE.Max) / 2
	decision, err := o.deps.RulesEngine.Evaluate(types.ActionDeployHedge, types.DeployHedgeContext{
		CurrentVIX:     vixF,
		BudgetFraction: budgetF,
		BudgetUsed:     0,
		Instrument:     hedging.PrimaryInstrument,
		DTE:            dte,
	})
	if err != nil || !decision.Approved() {
		o.logger.Info("hedge deployment not approved", zap.Error(err))
		return false
	}
	o.logger.Info("hedge deployment approved",
		zap.String("instrument", hedging.PrimaryInstrument),
		zap.Int("dte", dte),
		zap.String("vix", vix.String()))
	return true
}

func (o *Orchestrator) currentVIX() (decimal.Decimal, bool) {
	quote, ok := o.deps.MarketData.Quote("VIX")
	if !ok {
		return decimal.Zero, false
	}
	v := quote.Last
	if v.IsZero() {
		v = quote.Mid()
	}
	return v, !v.IsZero()
}

// runPeriodicJobs submits the recurring maintenance work onto the worker
// pool: order timeout sweeps, LLMS ladder sweeps, metrics sampling.
func (o *Orchestrator) runPeriodicJobs(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.submitJob(workers.TaskFunc{Label: "order-timeout-sweep", Fn: func(jctx context.Context) error {
				o.deps.Execution.SweepTimeouts(jctx, time.Now())
				return nil
			}})
			if o.deps.Ladder != nil {
				o.submitJob(workers.TaskFunc{Label: "llms-sweep", Fn: func(jctx context.Context) error {
					for _, rec := range o.deps.Ladder.Sweep() {
						if rec.Action == "hold" {
							continue
						}
						if pos, ok := o.deps.Accounts.Position(rec.PositionID); ok {
							o.ensureExit(jctx, pos)
						}
					}
					return nil
				}})
			}
			o.submitJob(workers.TaskFunc{Label: "metrics-sample", Fn: func(jctx context.Context) error {
				o.sampleMetrics()
				return nil
			}})
		}
	}
}

func (o *Orchestrator) submitJob(t workers.Task) {
	if o.deps.Pool == nil {
		return
	}
	if err := o.deps.Pool.Submit(t); err != nil {
		o.logger.Warn("periodic job refused", zap.String("task", t.Name()), zap.Error(err))
	}
}

func decimalFromInt(v int) decimal.Decimal { return decimal.NewFromInt(int64(v)) }

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

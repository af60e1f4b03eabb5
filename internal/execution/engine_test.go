package execution

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trueasset/alluse-core/internal/audit"
	"github.com/trueasset/alluse-core/internal/broker"
	"github.com/trueasset/alluse-core/internal/constitution"
	"github.com/trueasset/alluse-core/internal/corerr"
	"github.com/trueasset/alluse-core/internal/rules"
	"github.com/trueasset/alluse-core/pkg/types"
	"go.uber.org/zap"
)

const fixtureYAML = `
version: "1.0-test"
sleeves:
  gen:
    permittedInstruments: [SPY]
    strategy: CSP
    deltaMin: 0.40
    deltaMax: 0.45
    dteMin: 30
    dteMax: 45
    scheduleWeekday: monday
    scheduleStart: "09:30"
    scheduleEnd: "16:00"
    forkThreshold: 100000
    reinvestmentSweepPct: 0.5
    maxForks: 5
    allocationRatio: 1.0
capital:
  deploymentMin: 0.95
  deploymentMax: 1.00
  perSymbolExposureCap: 0.25
  marginUseCap: 0.50
  orderSliceThreshold: 50
protocol:
  atrPeriod: 5
  atrMethod: Wilder
  breachL1: 1.0
  breachL2: 2.0
  breachL3: 3.0
  cadenceL0Seconds: 300
  cadenceL1Seconds: 60
  cadenceL2Seconds: 30
  cadenceL3Seconds: 1
  stopLossMultiple: 3.0
  maxLossFraction: 0.05
  rollCostThreshold: 0.50
liquidity:
  minOpenInterest: 100
  minDailyVolume: 1000
  maxSpreadPct: 0.10
  maxOrderADVPct: 0.05
hedging:
  budgetMin: 0.01
  budgetMax: 0.02
  vixHedgedWeek: 50
  vixSafeMode: 65
  vixKillSwitch: 80
  primaryInstrument: SPX
  secondaryInstrument: VIX
  putDeltaTarget: 0.30
  callStrikeBuffer: 0.05
  dteMin: 30
  dteMax: 60
  rebalanceThreshold: 0.10
`

type testRig struct {
	engine   *Engine
	auditLog *audit.Log
	paper    *broker.Paper
}

func newTestRig(t *testing.T, cfg Config) *testRig {
	t.Helper()
	return newTestRigWithPaper(t, cfg, broker.DefaultPaperConfig())
}

func newTestRigWithPaper(t *testing.T, cfg Config, paperCfg broker.PaperConfig) *testRig {
	t.Helper()
	c, err := constitution.Load([]byte(fixtureYAML))
	if err != nil {
		t.Fatalf("load constitution: %v", err)
	}
	logger := zap.NewNop()
	auditLog, err := audit.Open(logger, filepath.Join(t.TempDir(), "audit.log"))
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	t.Cleanup(func() { auditLog.Close() })

	re := rules.New(logger, c, auditLog)
	paper := broker.NewPaper(logger, paperCfg)
	if err := paper.Connect(context.Background()); err != nil {
		t.Fatalf("connect paper broker: %v", err)
	}
	t.Cleanup(func() { paper.Disconnect(context.Background()) })

	return &testRig{
		engine:   New(logger, cfg, c, re, auditLog, paper, nil),
		auditLog: auditLog,
		paper:    paper,
	}
}

func approvedOpenCtx() types.OpenPositionContext {
	return types.OpenPositionContext{
		AccountID:          "acct-1",
		Sleeve:             types.SleeveGen,
		Strategy:           types.StrategyCSP,
		Symbol:             "SPY",
		Delta:              0.42,
		DTE:                35,
		Quantity:           10,
		Strike:             450,
		ProposedAt:         time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), // a Monday
		OpenInterest:       500,
		ADVShares:          1_000_000,
		CurrentExposure:    0.10,
		CapitalUtilization: 0.97,
		Quote: types.MarketQuote{
			Symbol: "SPY",
			Bid:    decimal.NewFromFloat(449.9),
			Ask:    decimal.NewFromFloat(450.1),
			Volume: decimal.NewFromFloat(2000),
		},
	}
}

func testOrder(id string, qty int) types.Order {
	return types.Order{
		ClientOrderID: id,
		AccountID:     "acct-1",
		Symbol:        "SPY",
		Side:          types.OrderSideSell,
		Type:          types.OrderTypeLimit,
		Qty:           qty,
		LimitPrice:    decimal.NewFromFloat(2.50),
		TIF:           types.TimeInForceDay,
	}
}

func TestSubmitValidatesAndEnqueues(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	orders, decision, err := rig.engine.Submit(context.Background(), SubmitRequest{
		Order:         testOrder("ord-1", 10),
		Action:        types.ActionOpenPosition,
		ActionContext: approvedOpenCtx(),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !decision.Approved() {
		t.Fatalf("expected approval, got %s", decision.Outcome)
	}
	if len(orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(orders))
	}
	if orders[0].Status != types.OrderStatusValidated {
		t.Fatalf("status = %s, want VALIDATED", orders[0].Status)
	}
	if orders[0].RuleCitation == "" {
		t.Fatal("validated order must carry a rule citation")
	}
}

func TestSubmitDuplicateReturnsExistingOrder(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	req := SubmitRequest{
		Order:         testOrder("ord-dup", 10),
		Action:        types.ActionOpenPosition,
		ActionContext: approvedOpenCtx(),
	}
	first, _, err := rig.engine.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, _, err := rig.engine.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("duplicate submit: %v", err)
	}
	if len(second) != 1 || second[0].ClientOrderID != first[0].ClientOrderID {
		t.Fatalf("duplicate submit should return the existing order")
	}
	if len(rig.engine.Snapshot()) != 1 {
		t.Fatalf("duplicate submit created a second order")
	}
	notes := rig.auditLog.Query(types.AuditFilter{Kind: "order_duplicate_detected"}, 0)
	if len(notes) != 1 {
		t.Fatalf("expected 1 duplicate-detected audit note, got %d", len(notes))
	}
}

func TestSubmitRejectedByRulesCreatesNoWorkingOrder(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	ctx := approvedOpenCtx()
	ctx.Delta = 0.60
	orders, decision, err := rig.engine.Submit(context.Background(), SubmitRequest{
		Order:         testOrder("ord-rej", 10),
		Action:        types.ActionOpenPosition,
		ActionContext: ctx,
	})
	if !corerr.Is(err, corerr.KindRuleViolation) {
		t.Fatalf("expected RuleViolation, got %v", err)
	}
	if decision.Outcome != types.DecisionRejected {
		t.Fatalf("expected REJECTED decision, got %s", decision.Outcome)
	}
	if len(orders) != 1 || orders[0].Status != types.OrderStatusRejected {
		t.Fatalf("expected the order parked in REJECTED")
	}
	if rig.engine.QueueDepth() != 0 {
		t.Fatal("rejected order must not reach the dispatch queue")
	}
}

func TestSliceAtThresholdStaysWhole(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	orders, _, err := rig.engine.Submit(context.Background(), SubmitRequest{
		Order:         testOrder("ord-50", 50),
		Action:        types.ActionOpenPosition,
		ActionContext: approvedOpenCtx(),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("qty at threshold must stay one order, got %d slices", len(orders))
	}
	if orders[0].ParentOrderID != "" {
		t.Fatal("unsplit order must not carry a parent-order-id")
	}
}

func TestSliceOverThresholdSplitsEqually(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	orders, _, err := rig.engine.Submit(context.Background(), SubmitRequest{
		Order:         testOrder("ord-51", 51),
		Action:        types.ActionOpenPosition,
		ActionContext: approvedOpenCtx(),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("threshold+1 must split, got %d slices", len(orders))
	}
	total := 0
	for _, o := range orders {
		total += o.Qty
		if o.ParentOrderID != "ord-51" {
			t.Fatalf("slice %s missing parent-order-id", o.ClientOrderID)
		}
	}
	if total != 51 {
		t.Fatalf("slice quantities sum to %d, want 51", total)
	}
}

func TestDailyVolumeCapRejects(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DailyVolumeCap = 15
	rig := newTestRig(t, cfg)

	if _, _, err := rig.engine.Submit(context.Background(), SubmitRequest{
		Order:         testOrder("ord-a", 10),
		Action:        types.ActionOpenPosition,
		ActionContext: approvedOpenCtx(),
	}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, _, err := rig.engine.Submit(context.Background(), SubmitRequest{
		Order:         testOrder("ord-b", 10),
		Action:        types.ActionOpenPosition,
		ActionContext: approvedOpenCtx(),
	})
	if !corerr.Is(err, corerr.KindRuleViolation) {
		t.Fatalf("expected daily cap rejection, got %v", err)
	}
}

func TestBackpressureRefusesSubmission(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SubmissionQueueSize = 1
	rig := newTestRig(t, cfg)

	if _, _, err := rig.engine.Submit(context.Background(), SubmitRequest{
		Order:         testOrder("ord-q1", 10),
		Action:        types.ActionOpenPosition,
		ActionContext: approvedOpenCtx(),
	}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, _, err := rig.engine.Submit(context.Background(), SubmitRequest{
		Order:         testOrder("ord-q2", 10),
		Action:        types.ActionOpenPosition,
		ActionContext: approvedOpenCtx(),
	})
	if !corerr.Is(err, corerr.KindBackpressure) {
		t.Fatalf("expected Backpressure, got %v", err)
	}
}

func TestOrderLifecycleThroughPaperVenue(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rig.engine.RunDispatcher(ctx)
	go rig.engine.RunEventLoop(ctx)

	orders, _, err := rig.engine.Submit(ctx, SubmitRequest{
		Order:         testOrder("ord-fill", 10),
		Action:        types.ActionOpenPosition,
		ActionContext: approvedOpenCtx(),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	id := orders[0].ClientOrderID

	deadline := time.Now().Add(2 * time.Second)
	for {
		order, ok := rig.engine.Order(id)
		if ok && order.Status == types.OrderStatusFilled {
			if order.FilledQty != order.Qty {
				t.Fatalf("filled qty %d != qty %d", order.FilledQty, order.Qty)
			}
			if !order.AvgFillPrice.Equal(decimal.NewFromFloat(2.50)) {
				t.Fatalf("avg fill price = %s, want 2.50", order.AvgFillPrice)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("order never filled, status=%s", order.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Every fill must be preceded by an APPROVED
	// rule_evaluation covering the order's client-order-id lineage.
	evals := rig.auditLog.Query(types.AuditFilter{Kind: "rule_evaluation"}, 0)
	if len(evals) == 0 {
		t.Fatal("no rule_evaluation audit record before fill")
	}
	fills := rig.auditLog.Query(types.AuditFilter{Kind: "order_filled", SubjectID: id}, 0)
	if len(fills) != 1 {
		t.Fatalf("expected 1 order_filled record, got %d", len(fills))
	}
	if evals[0].Seq >= fills[0].Seq {
		t.Fatal("rule evaluation must precede the fill in audit sequence")
	}
}

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	ctx := approvedOpenCtx()
	ctx.Delta = 0.60
	rig.engine.Submit(context.Background(), SubmitRequest{
		Order:         testOrder("ord-term", 10),
		Action:        types.ActionOpenPosition,
		ActionContext: ctx,
	})
	// A fill event against a REJECTED order must not resurrect it.
	rig.engine.applyFill(broker.Event{
		Kind:          broker.EventOrderFill,
		ClientOrderID: "ord-term",
		FillQty:       10,
		FillPrice:     decimal.NewFromFloat(2.50),
	})
	order, _ := rig.engine.Order("ord-term")
	if order.Status != types.OrderStatusRejected {
		t.Fatalf("terminal REJECTED mutated to %s", order.Status)
	}
}

func TestSweepTimeoutsCancelsStaleOrders(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OrderTimeout = time.Minute
	paperCfg := broker.DefaultPaperConfig()
	paperCfg.FillDelay = time.Hour // ack arrives, fill never does
	rig := newTestRigWithPaper(t, cfg, paperCfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rig.engine.RunDispatcher(ctx)
	go rig.engine.RunEventLoop(ctx)

	orders, _, err := rig.engine.Submit(ctx, SubmitRequest{
		Order:         testOrder("ord-stale", 10),
		Action:        types.ActionOpenPosition,
		ActionContext: approvedOpenCtx(),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	id := orders[0].ClientOrderID

	// Wait for the venue ack, then age the order past the deadline.
	deadline := time.Now().Add(2 * time.Second)
	for {
		order, _ := rig.engine.Order(id)
		if order.Status == types.OrderStatusSubmitted || order.Status.IsTerminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("order never acked, status=%s", order.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
	rig.engine.SweepTimeouts(ctx, time.Now().Add(2*time.Minute))

	deadline = time.Now().Add(2 * time.Second)
	for {
		order, _ := rig.engine.Order(id)
		if order.Status == types.OrderStatusCancelled {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed-out order never cancelled, status=%s", order.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

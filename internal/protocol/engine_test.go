package protocol

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trueasset/alluse-core/internal/atr"
	"github.com/trueasset/alluse-core/internal/audit"
	"github.com/trueasset/alluse-core/internal/constitution"
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

// flatRangeSource yields daily bars whose true range is exactly 5 every
// day, so every smoothing method computes ATR = 5.
type flatRangeSource struct{}

func (flatRangeSource) Name() string          { return "flat-range" }
func (flatRangeSource) QualityScore() float64 { return 1.0 }

func (flatRangeSource) Bars(ctx context.Context, symbol string, windowDays int, asOf time.Time) ([]types.OHLCV, error) {
	bars := make([]types.OHLCV, 0, windowDays)
	day := asOf.AddDate(0, 0, -windowDays+1)
	for i := 0; i < windowDays; i++ {
		bars = append(bars, types.OHLCV{
			Date:   day,
			Open:   decimal.NewFromInt(450),
			High:   decimal.NewFromInt(455),
			Low:    decimal.NewFromInt(450),
			Close:  decimal.NewFromInt(450),
			Volume: decimal.NewFromInt(1_000_000),
		})
		day = day.AddDate(0, 0, 1)
	}
	return bars, nil
}

func newTestEngine(t *testing.T) (*Engine, *audit.Log) {
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
	atrSvc := atr.New(logger, []atr.DataSource{flatRangeSource{}}, time.Minute)
	return New(logger, c, atrSvc, auditLog), auditLog
}

func testPosition() types.Position {
	return types.Position{
		ID:         "pos-1",
		AccountID:  "acct-1",
		Symbol:     "SPY",
		Strategy:   types.StrategyCSP,
		Quantity:   -10,
		Strike:     decimal.NewFromInt(450),
		EntryPrice: decimal.NewFromFloat(2.50),
		Status:     types.PositionOpen,
	}
}

func tickAt(t *testing.T, e *Engine, pos *types.Position, spot float64, now time.Time) TickResult {
	t.Helper()
	return e.Tick(context.Background(), pos, decimal.NewFromFloat(spot), true, now)
}

func TestLevelBoundariesBelongToHigherLevel(t *testing.T) {
	c, err := constitution.Load([]byte(fixtureYAML))
	if err != nil {
		t.Fatalf("load constitution: %v", err)
	}
	policy := c.Protocol()
	cases := []struct {
		m    float64
		want types.ProtocolLevel
	}{
		{0.0, types.ProtocolL0},
		{0.99, types.ProtocolL0},
		{1.0, types.ProtocolL1},
		{1.99, types.ProtocolL1},
		{2.0, types.ProtocolL2},
		{3.0, types.ProtocolL3},
		{4.5, types.ProtocolL3},
	}
	for _, tc := range cases {
		got := deriveLevel(policy, decimal.NewFromFloat(tc.m))
		if got != tc.want {
			t.Errorf("deriveLevel(%.2f) = %s, want %s", tc.m, got, tc.want)
		}
	}
}

func TestEscalationSequence(t *testing.T) {
	e, _ := newTestEngine(t)
	pos := testPosition()
	now := time.Now()

	steps := []struct {
		spot        float64
		wantLevel   types.ProtocolLevel
		wantPending types.PendingAction
	}{
		{448, types.ProtocolL0, types.PendingNone},        // breach 2, m=0.4
		{446, types.ProtocolL0, types.PendingNone},        // breach 4, m=0.8
		{445, types.ProtocolL1, types.PendingNone},        // breach 5, m=1.0 exactly
		{440, types.ProtocolL2, types.PendingPrepareRoll}, // breach 10, m=2.0
		{435, types.ProtocolL3, types.PendingExit},        // breach 15, m=3.0
	}
	for i, step := range steps {
		now = now.Add(time.Second)
		result := tickAt(t, e, &pos, step.spot, now)
		if result.State.Level != step.wantLevel {
			t.Fatalf("step %d (spot %.0f): level = %s, want %s", i, step.spot, result.State.Level, step.wantLevel)
		}
		if result.State.PendingAction != step.wantPending {
			t.Fatalf("step %d (spot %.0f): pending = %s, want %s", i, step.spot, result.State.PendingAction, step.wantPending)
		}
	}

	// At L3 the tick must demand an exit within the same interval
	// and drop to the real-time cadence.
	result := tickAt(t, e, &pos, 435, now.Add(time.Second))
	if !result.ExitRequired {
		t.Fatal("L3 tick must require exit")
	}
	if result.NextCadence != time.Second {
		t.Fatalf("L3 cadence = %s, want 1s", result.NextCadence)
	}
}

func TestDeescalationRequiresFullIntervalBelowThreshold(t *testing.T) {
	e, _ := newTestEngine(t)
	pos := testPosition()
	now := time.Now()

	tickAt(t, e, &pos, 445, now) // m=1.0 -> L1
	state, _ := e.State(pos.ID)
	if state.Level != types.ProtocolL1 {
		t.Fatalf("setup: level = %s, want L1", state.Level)
	}

	// Breach clears, but de-escalation must wait one full interval at
	// the target cadence (L0 = 300s).
	now = now.Add(time.Second)
	result := tickAt(t, e, &pos, 449, now)
	if result.State.Level != types.ProtocolL1 || result.Deescalated {
		t.Fatal("de-escalation must not happen on the first clear tick")
	}

	now = now.Add(100 * time.Second)
	result = tickAt(t, e, &pos, 449, now)
	if result.State.Level != types.ProtocolL1 {
		t.Fatal("de-escalation before the full interval must hold the level")
	}

	now = now.Add(201 * time.Second) // 301s since the breach cleared
	result = tickAt(t, e, &pos, 449, now)
	if result.State.Level != types.ProtocolL0 || !result.Deescalated {
		t.Fatalf("expected de-escalation to L0 after a full interval, got %s", result.State.Level)
	}
}

func TestEscalationInterruptsDeescalationWait(t *testing.T) {
	e, _ := newTestEngine(t)
	pos := testPosition()
	now := time.Now()

	tickAt(t, e, &pos, 445, now)                              // L1
	tickAt(t, e, &pos, 449, now.Add(time.Second))             // clears, waiting
	result := tickAt(t, e, &pos, 440, now.Add(2*time.Second)) // breach again, m=2.0
	if result.State.Level != types.ProtocolL2 || !result.Escalated {
		t.Fatalf("re-breach during de-escalation wait must escalate, got %s", result.State.Level)
	}
	if result.State.BelowThresholdSince != nil {
		t.Fatal("escalation must reset the de-escalation clock")
	}
}

func TestMaxLossForcesExitRegardlessOfLevel(t *testing.T) {
	e, _ := newTestEngine(t)
	pos := testPosition()
	// 6% loss on notional with breach at L0.
	pos.UnrealizedPnL = pos.Notional().Mul(decimal.NewFromFloat(-0.06))
	result := tickAt(t, e, &pos, 449, time.Now())
	if result.State.Level != types.ProtocolL0 {
		t.Fatalf("level = %s, want L0", result.State.Level)
	}
	if !result.ExitRequired {
		t.Fatal("max-loss breach must force exit even at L0")
	}
	if result.State.PendingAction != types.PendingExit {
		t.Fatalf("pending = %s, want EXIT", result.State.PendingAction)
	}
}

func TestStaleDataHoldsPriorLevel(t *testing.T) {
	e, auditLog := newTestEngine(t)
	pos := testPosition()
	now := time.Now()

	tickAt(t, e, &pos, 445, now) // L1, cadence 60s

	// Spot unavailable and last good tick older than 2x cadence: the
	// engine must hold L1 and raise DataStale, never de-escalate.
	result := e.Tick(context.Background(), &pos, decimal.Zero, false, now.Add(3*time.Minute))
	if result.State.Level != types.ProtocolL1 {
		t.Fatalf("stale tick moved level to %s, want held L1", result.State.Level)
	}
	if result.Deescalated || result.Escalated {
		t.Fatal("stale tick must not transition")
	}
	stale := auditLog.Query(types.AuditFilter{Kind: "protocol_data_stale"}, 0)
	if len(stale) != 1 {
		t.Fatalf("expected 1 protocol_data_stale record, got %d", len(stale))
	}
}

func TestRollRefusedForcesL3(t *testing.T) {
	e, auditLog := newTestEngine(t)
	pos := testPosition()
	now := time.Now()
	tickAt(t, e, &pos, 440, now) // L2, PREPARE_ROLL

	// Roll cost 0.55 of a 1.00 remaining credit: refused, L3 forced.
	ok := e.EvaluateRoll(&pos, RollEconomics{
		RemainingCredit: decimal.NewFromFloat(1.00),
		RollCost:        decimal.NewFromFloat(0.55),
	})
	if ok {
		t.Fatal("roll above the cost threshold must be refused")
	}
	state, _ := e.State(pos.ID)
	if state.Level != types.ProtocolL3 || state.PendingAction != types.PendingExit {
		t.Fatalf("refused roll must force L3/EXIT, got %s/%s", state.Level, state.PendingAction)
	}
	if len(auditLog.Query(types.AuditFilter{Kind: "protocol_roll_refused"}, 0)) != 1 {
		t.Fatal("expected a protocol_roll_refused audit record")
	}
}

func TestRollAtExactThresholdAllowed(t *testing.T) {
	e, _ := newTestEngine(t)
	pos := testPosition()
	tickAt(t, e, &pos, 440, time.Now())

	ok := e.EvaluateRoll(&pos, RollEconomics{
		RemainingCredit: decimal.NewFromFloat(1.00),
		RollCost:        decimal.NewFromFloat(0.50),
	})
	if !ok {
		t.Fatal("roll cost at exactly the threshold must be allowed")
	}
	state, _ := e.State(pos.ID)
	if state.Level != types.ProtocolL2 {
		t.Fatalf("allowed roll must not change level, got %s", state.Level)
	}
}

func TestForgetDropsState(t *testing.T) {
	e, _ := newTestEngine(t)
	pos := testPosition()
	tickAt(t, e, &pos, 445, time.Now())
	e.Forget(pos.ID)
	if _, ok := e.State(pos.ID); ok {
		t.Fatal("Forget must drop tracked state")
	}
}

func TestExitBackoffSchedule(t *testing.T) {
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for attempt, expected := range want {
		if got := NextExitBackoff(attempt); got != expected {
			t.Errorf("NextExitBackoff(%d) = %s, want %s", attempt, got, expected)
		}
	}
}

package account

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trueasset/alluse-core/internal/audit"
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
    scheduleStart: "00:00"
    scheduleEnd: "23:59"
    forkThreshold: 100000
    reinvestmentSweepPct: 0.25
    maxForks: 5
    allocationRatio: 0.5
  rev:
    permittedInstruments: [QQQ]
    strategy: CSP
    deltaMin: 0.30
    deltaMax: 0.35
    dteMin: 3
    dteMax: 5
    scheduleWeekday: wednesday
    scheduleStart: "09:45"
    scheduleEnd: "11:00"
    forkThreshold: 500000
    reinvestmentSweepPct: 0.25
    maxForks: 5
    allocationRatio: 0.5
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

func newTestManager(t *testing.T) (*Manager, *audit.Log) {
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
	return New(logger, c, re, auditLog), auditLog
}

func activeAccount(t *testing.T, m *Manager, capital float64) types.Account {
	t.Helper()
	acc, err := m.CreateAccount(types.SleeveGen, "", decimal.NewFromFloat(capital))
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if acc.State != types.AccountStateSafe {
		t.Fatalf("new account state = %s, want SAFE", acc.State)
	}
	if err := m.Activate(acc.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	got, _ := m.Get(acc.ID)
	return got
}

func TestCapitalInvariantHolds(t *testing.T) {
	m, _ := newTestManager(t)
	acc := activeAccount(t, m, 50000)

	if err := m.ReserveCapital(acc.ID, decimal.NewFromInt(20000)); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	got, _ := m.Get(acc.ID)
	if !got.Invariant() {
		t.Fatal("available + reserved != current after reservation")
	}
	if !got.ReservedCapital.Equal(decimal.NewFromInt(20000)) {
		t.Fatalf("reserved = %s, want 20000", got.ReservedCapital)
	}

	if err := m.ReserveCapital(acc.ID, decimal.NewFromInt(40000)); !corerr.Is(err, corerr.KindRuleViolation) {
		t.Fatalf("over-reservation should fail with RuleViolation, got %v", err)
	}

	if err := m.ReleaseCapital(acc.ID, decimal.NewFromInt(20000)); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, _ = m.Get(acc.ID)
	if !got.AvailableCapital.Equal(got.CurrentValue) {
		t.Fatal("release did not restore full availability")
	}
}

func TestSafeStateBlocksOpens(t *testing.T) {
	m, _ := newTestManager(t)
	acc, err := m.CreateAccount(types.SleeveGen, "", decimal.NewFromInt(500000))
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	_, _, err = m.OpenPosition(OpenPositionRequest{
		AccountID: acc.ID,
		Symbol:    "SPY",
		Strategy:  types.StrategyCSP,
		Delta:     decimal.NewFromFloat(0.42),
		DTE:       35,
		Quantity:  1,
		Strike:    decimal.NewFromInt(450),
	})
	if !corerr.Is(err, corerr.KindRuleViolation) {
		t.Fatalf("SAFE account must block opens, got %v", err)
	}
}

func TestOpenPositionReservesNotional(t *testing.T) {
	m, _ := newTestManager(t)
	acc := activeAccount(t, m, 500000)

	pos, decision, err := m.OpenPosition(OpenPositionRequest{
		AccountID:    acc.ID,
		Symbol:       "SPY",
		Strategy:     types.StrategyCSP,
		Delta:        decimal.NewFromFloat(0.42),
		DTE:          35,
		Quantity:     10,
		Strike:       decimal.NewFromInt(48),
		OpenInterest: 5000,
		ADVShares:    1_000_000,
		ProposedAt:   timeAt(1),
		Quote: types.MarketQuote{
			Symbol: "SPY",
			Bid:    decimal.NewFromFloat(2.49),
			Ask:    decimal.NewFromFloat(2.51),
			Volume: decimal.NewFromFloat(2000),
		},
	})
	if err != nil {
		t.Fatalf("open position: %v (decision %v)", err, decision.Clauses)
	}

	got, _ := m.Get(acc.ID)
	wantReserved := decimal.NewFromInt(48 * 10 * 100)
	if !got.ReservedCapital.Equal(wantReserved) {
		t.Fatalf("reserved = %s, want %s (qty x 100 x strike)", got.ReservedCapital, wantReserved)
	}
	if pos.Status != types.PositionOpen {
		t.Fatalf("position status = %s, want OPEN", pos.Status)
	}
}

func TestForkLifecycle(t *testing.T) {
	m, auditLog := newTestManager(t)
	acc := activeAccount(t, m, 150000)

	txn, err := m.BeginFork(acc.ID)
	if err != nil {
		t.Fatalf("begin fork: %v", err)
	}
	if err := m.Seal(txn); err != nil {
		t.Fatalf("seal fork: %v", err)
	}

	parent, _ := m.Get(acc.ID)
	child, ok := m.Get(txn.ChildID)
	if !ok {
		t.Fatal("child account missing after seal")
	}
	if parent.State != types.AccountStateActive {
		t.Fatalf("parent state = %s, want ACTIVE restored", parent.State)
	}
	if child.ParentID != acc.ID || child.Sleeve != types.SleeveGen {
		t.Fatal("child must share the parent's sleeve and point at it")
	}
	// gen allocation ratio 0.5: half the parent's value moves.
	if !child.CurrentValue.Equal(decimal.NewFromInt(75000)) {
		t.Fatalf("child value = %s, want 75000", child.CurrentValue)
	}
	if !parent.CurrentValue.Equal(decimal.NewFromInt(75000)) {
		t.Fatalf("parent value = %s, want 75000", parent.CurrentValue)
	}
	if !parent.Invariant() || !child.Invariant() {
		t.Fatal("capital invariant broken after fork")
	}
	if parent.ForkCount != 1 {
		t.Fatalf("parent fork count = %d, want 1", parent.ForkCount)
	}
	if len(auditLog.Query(types.AuditFilter{Kind: "fork_sealed"}, 0)) != 1 {
		t.Fatal("expected a sealed fork audit record")
	}

	// The identical sequence a second time is a no-op: the first fork
	// moved the parent below the threshold.
	if _, err := m.BeginFork(acc.ID); !corerr.Is(err, corerr.KindRuleViolation) {
		t.Fatalf("second fork should be rejected below threshold, got %v", err)
	}
	if len(m.Snapshot()) != 2 {
		t.Fatal("rejected fork must not create accounts")
	}
}

func TestForkRollbackRestoresParent(t *testing.T) {
	m, _ := newTestManager(t)
	acc := activeAccount(t, m, 150000)

	txn, err := m.BeginFork(acc.ID)
	if err != nil {
		t.Fatalf("begin fork: %v", err)
	}
	if err := m.RollbackFork(txn); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	parent, _ := m.Get(acc.ID)
	if !parent.CurrentValue.Equal(decimal.NewFromInt(150000)) || !parent.ReservedCapital.IsZero() {
		t.Fatal("rollback must restore the parent's capital")
	}
	if parent.State != types.AccountStateActive {
		t.Fatalf("parent state = %s, want ACTIVE", parent.State)
	}
	if _, ok := m.Get(txn.ChildID); ok {
		t.Fatal("rollback must discard the child account")
	}
}

func TestForkThenConsolidateRestoresShape(t *testing.T) {
	m, _ := newTestManager(t)
	acc := activeAccount(t, m, 150000)

	txn, err := m.BeginFork(acc.ID)
	if err != nil {
		t.Fatalf("begin fork: %v", err)
	}
	if err := m.Seal(txn); err != nil {
		t.Fatalf("seal: %v", err)
	}
	if err := m.Activate(txn.ChildID); err == nil {
		// child is already ACTIVE after seal; Activate should reject the
		// ACTIVE -> ACTIVE transition
		t.Fatal("expected re-activation of an ACTIVE child to fail")
	}

	if err := m.Consolidate(txn.ChildID); err != nil {
		t.Fatalf("consolidate: %v", err)
	}

	parent, _ := m.Get(acc.ID)
	child, _ := m.Get(txn.ChildID)
	if !parent.CurrentValue.Equal(decimal.NewFromInt(150000)) {
		t.Fatalf("parent value = %s, want 150000 restored", parent.CurrentValue)
	}
	if child.State != types.AccountStateSuspended {
		t.Fatalf("child state = %s, want SUSPENDED", child.State)
	}
	if !child.CurrentValue.IsZero() {
		t.Fatal("consolidated child must hold no capital")
	}
}

func TestForkAuditPrecedesChildActivity(t *testing.T) {
	m, auditLog := newTestManager(t)
	acc := activeAccount(t, m, 150000)

	txn, _ := m.BeginFork(acc.ID)
	if err := m.Seal(txn); err != nil {
		t.Fatalf("seal: %v", err)
	}
	_, _, err := m.OpenPosition(OpenPositionRequest{
		AccountID:    txn.ChildID,
		Symbol:       "SPY",
		Strategy:     types.StrategyCSP,
		Delta:        decimal.NewFromFloat(0.42),
		DTE:          35,
		Quantity:     1,
		Strike:       decimal.NewFromInt(48),
		OpenInterest: 5000,
		ADVShares:    1_000_000,
		ProposedAt:   timeAt(1),
		Quote: types.MarketQuote{
			Symbol: "SPY",
			Bid:    decimal.NewFromFloat(2.49),
			Ask:    decimal.NewFromFloat(2.51),
			Volume: decimal.NewFromFloat(2000),
		},
	})
	if err != nil {
		t.Fatalf("open on child: %v", err)
	}

	sealRecs := auditLog.Query(types.AuditFilter{Kind: "fork_sealed"}, 0)
	tradeRecs := auditLog.Query(types.AuditFilter{Kind: "position_opened", SubjectID: txn.ChildID}, 0)
	if len(sealRecs) != 1 || len(tradeRecs) != 1 {
		t.Fatalf("expected 1 seal and 1 child trade record, got %d/%d", len(sealRecs), len(tradeRecs))
	}
	if sealRecs[0].Seq >= tradeRecs[0].Seq {
		t.Fatal("fork seal must precede any child trade in audit sequence")
	}
}

func TestReinvestmentSweepSplitsPremium(t *testing.T) {
	m, _ := newTestManager(t)
	acc := activeAccount(t, m, 100000)

	swept, compounded, err := m.ApplyReinvestmentSweep(acc.ID, decimal.NewFromInt(1000))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !swept.Equal(decimal.NewFromInt(250)) || !compounded.Equal(decimal.NewFromInt(750)) {
		t.Fatalf("sweep split = %s/%s, want 250/750", swept, compounded)
	}
	got, _ := m.Get(acc.ID)
	if !got.CurrentValue.Equal(decimal.NewFromInt(101000)) {
		t.Fatalf("current value = %s, want 101000", got.CurrentValue)
	}
	if !got.Invariant() {
		t.Fatal("sweep broke the capital invariant")
	}
}

func TestPerformanceAttribution(t *testing.T) {
	m, _ := newTestManager(t)
	acc := activeAccount(t, m, 100000)

	m.RecordEquity(acc.ID, timeAt(1), decimal.NewFromInt(100000))
	m.RecordEquity(acc.ID, timeAt(2), decimal.NewFromInt(102000))
	m.RecordEquity(acc.ID, timeAt(3), decimal.NewFromInt(101000))
	m.RecordEquity(acc.ID, timeAt(4), decimal.NewFromInt(104000))

	perf, err := m.Performance(acc.ID, decimal.Zero)
	if err != nil {
		t.Fatalf("performance: %v", err)
	}
	if !perf.TimeWeightedReturn.IsPositive() {
		t.Fatalf("TWR = %s, want positive for a rising equity curve", perf.TimeWeightedReturn)
	}
	if perf.MaxDrawdown.IsNegative() {
		t.Fatalf("max drawdown should be reported as a magnitude, got %s", perf.MaxDrawdown)
	}
}

// timeAt returns a deterministic Monday-anchored timestamp i hours in.
func timeAt(i int) time.Time {
	// 2024-01-01 is a Monday.
	return time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Hour)
}

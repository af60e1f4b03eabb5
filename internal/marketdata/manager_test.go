package marketdata

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
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

// scriptedFeed hands the test direct control over the quote channel.
type scriptedFeed struct {
	name   string
	quotes chan types.MarketQuote
	subbed chan []string
}

func newScriptedFeed(name string) *scriptedFeed {
	return &scriptedFeed{
		name:   name,
		quotes: make(chan types.MarketQuote, 64),
		subbed: make(chan []string, 8),
	}
}

func (f *scriptedFeed) Name() string { return f.name }

func (f *scriptedFeed) Subscribe(ctx context.Context, symbols []string) (<-chan types.MarketQuote, error) {
	select {
	case f.subbed <- symbols:
	default:
	}
	return f.quotes, nil
}

func (f *scriptedFeed) Unsubscribe(symbols []string) {}

func newTestManager(t *testing.T, feeds ...Feed) (*Manager, *audit.Log) {
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
	return New(logger, c, auditLog, feeds), auditLog
}

func quoteAt(symbol string, ts time.Time, mid float64) types.MarketQuote {
	half := mid * 0.0005
	return types.MarketQuote{
		Symbol:    symbol,
		Timestamp: ts,
		Bid:       decimal.NewFromFloat(mid - half),
		Ask:       decimal.NewFromFloat(mid + half),
		Last:      decimal.NewFromFloat(mid),
		Volume:    decimal.NewFromInt(5000),
		Venue:     "test",
	}
}

func waitForQuote(t *testing.T, m *Manager, symbol string) types.MarketQuote {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if q, ok := m.Quote(symbol); ok {
			return q
		}
		if time.Now().After(deadline) {
			t.Fatalf("no quote for %s arrived", symbol)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestQuoteDistributionAndFreshness(t *testing.T) {
	primary := newScriptedFeed("primary")
	m, _ := newTestManager(t, primary)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Watch(ctx, []string{"SPY"}); err != nil {
		t.Fatalf("watch: %v", err)
	}

	now := time.Now()
	primary.quotes <- quoteAt("SPY", now, 450)
	q := waitForQuote(t, m, "SPY")
	if !q.Last.Equal(decimal.NewFromInt(450)) {
		t.Fatalf("last = %s, want 450", q.Last)
	}
	if !m.Fresh("SPY", now.Add(time.Second)) {
		t.Fatal("quote one second old must be fresh")
	}
	if m.Fresh("SPY", now.Add(10*time.Minute)) {
		t.Fatal("quote ten minutes old must be stale")
	}
}

func TestMonotonicNewerQuotesWin(t *testing.T) {
	primary := newScriptedFeed("primary")
	m, _ := newTestManager(t, primary)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Watch(ctx, []string{"SPY"}); err != nil {
		t.Fatalf("watch: %v", err)
	}

	now := time.Now()
	primary.quotes <- quoteAt("SPY", now, 450)
	waitForQuote(t, m, "SPY")
	primary.quotes <- quoteAt("SPY", now.Add(time.Second), 451)

	deadline := time.Now().Add(2 * time.Second)
	for {
		q, _ := m.Quote("SPY")
		if q.Last.Equal(decimal.NewFromInt(451)) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("newer quote never superseded, last=%s", q.Last)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStaleFeedFailsOverToSecondary(t *testing.T) {
	primary := newScriptedFeed("primary")
	secondary := newScriptedFeed("secondary")
	m, auditLog := newTestManager(t, primary, secondary)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Watch(ctx, []string{"SPY"}); err != nil {
		t.Fatalf("watch: %v", err)
	}

	// A quote arrives on primary, then primary goes silent.
	start := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC) // Tuesday, market hours
	primary.quotes <- quoteAt("SPY", start, 450)
	waitForQuote(t, m, "SPY")

	// Sweep at start+10s: staleness 10s > 5s market-hours threshold.
	m.sweepStale(ctx, start.Add(10*time.Second))

	select {
	case alert := <-m.Alerts():
		if alert.Kind != types.AlertFeedDegraded || alert.Symbol != "SPY" {
			t.Fatalf("unexpected alert %+v", alert)
		}
	default:
		t.Fatal("expected a FeedDegraded alert")
	}
	if len(auditLog.Query(types.AuditFilter{Kind: "feed_degraded"}, 0)) != 1 {
		t.Fatal("expected a feed_degraded audit record")
	}

	// The secondary must have been subscribed for the degraded symbol.
	select {
	case symbols := <-secondary.subbed:
		if len(symbols) != 1 || symbols[0] != "SPY" {
			t.Fatalf("secondary subscribed with %v, want [SPY]", symbols)
		}
	case <-time.After(time.Second):
		t.Fatal("secondary feed never subscribed")
	}

	// Quotes from the secondary resume freshness.
	secondary.quotes <- quoteAt("SPY", start.Add(11*time.Second), 449)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if m.Fresh("SPY", start.Add(12*time.Second)) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("secondary quotes never restored freshness")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWideSpreadEmitsAlert(t *testing.T) {
	primary := newScriptedFeed("primary")
	m, _ := newTestManager(t, primary)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Watch(ctx, []string{"SPY"}); err != nil {
		t.Fatalf("watch: %v", err)
	}

	// 20% spread against a 10% guard.
	primary.quotes <- types.MarketQuote{
		Symbol:    "SPY",
		Timestamp: time.Now(),
		Bid:       decimal.NewFromFloat(90),
		Ask:       decimal.NewFromFloat(110),
		Last:      decimal.NewFromFloat(100),
		Volume:    decimal.NewFromInt(5000),
	}
	waitForQuote(t, m, "SPY")

	deadline := time.Now().Add(time.Second)
	for {
		select {
		case alert := <-m.Alerts():
			if alert.Kind == types.AlertSpreadWide {
				return
			}
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("expected a SpreadWide alert")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLiquidityScoreBounds(t *testing.T) {
	primary := newScriptedFeed("primary")
	m, _ := newTestManager(t, primary)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Watch(ctx, []string{"SPY"}); err != nil {
		t.Fatalf("watch: %v", err)
	}
	primary.quotes <- quoteAt("SPY", time.Now(), 450)
	waitForQuote(t, m, "SPY")

	score, err := m.LiquidityScore("SPY", decimal.NewFromInt(5000))
	if err != nil {
		t.Fatalf("liquidity score: %v", err)
	}
	if score.IsNegative() || score.GreaterThan(decimal.NewFromInt(1)) {
		t.Fatalf("liquidity score %s outside [0,1]", score)
	}
}

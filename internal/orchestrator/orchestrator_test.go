package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trueasset/alluse-core/internal/account"
	"github.com/trueasset/alluse-core/internal/atr"
	"github.com/trueasset/alluse-core/internal/audit"
	"github.com/trueasset/alluse-core/internal/broker"
	"github.com/trueasset/alluse-core/internal/config"
	"github.com/trueasset/alluse-core/internal/constitution"
	"github.com/trueasset/alluse-core/internal/corerr"
	"github.com/trueasset/alluse-core/internal/events"
	"github.com/trueasset/alluse-core/internal/execution"
	"github.com/trueasset/alluse-core/internal/marketdata"
	"github.com/trueasset/alluse-core/internal/protocol"
	"github.com/trueasset/alluse-core/internal/rules"
	"github.com/trueasset/alluse-core/internal/workers"
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

func newTestOrchestrator(t *testing.T) (*Orchestrator, *account.Manager, *audit.Log) {
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

	cfg := &config.Operational{
		Symbols:              []string{"SPY"},
		EventBusWorkers:      2,
		EventBusQueueSize:    256,
		WorkerPoolSize:       2,
		WorkerQueueSize:      64,
		SubmissionQueueSize:  32,
		DailyVolumeCap:       500,
		OrderTimeout:         time.Minute,
		OrderSubmitDeadline:  5 * time.Second,
		BrokerConnectTimeout: 5 * time.Second,
		HealthInterval:       time.Second,
		DrainDeadline:        2 * time.Second,
	}

	atrSvc := atr.New(logger, []atr.DataSource{atr.NewSimSource("sim", 0.9)}, time.Minute)
	md := marketdata.New(logger, c, auditLog, []marketdata.Feed{
		marketdata.NewSimFeed("sim-primary", 50*time.Millisecond, map[string]float64{"SPY": 450}),
	})
	re := rules.New(logger, c, auditLog)
	pe := protocol.New(logger, c, atrSvc, auditLog)
	accounts := account.New(logger, c, re, auditLog)
	adapter := broker.NewPaper(logger, broker.DefaultPaperConfig())
	bus := events.New(logger, events.Config{Workers: 2, QueueSize: 256})
	exec := execution.New(logger, execution.Config{
		SubmissionQueueSize: cfg.SubmissionQueueSize,
		DailyVolumeCap:      cfg.DailyVolumeCap,
		OrderTimeout:        cfg.OrderTimeout,
		SubmitDeadline:      cfg.OrderSubmitDeadline,
	}, c, re, auditLog, adapter, bus)
	pool := workers.New(logger, workers.Config{Name: "test", NumWorkers: 2, QueueSize: 64, DrainDeadline: time.Second})

	orch := New(logger, Deps{
		Config:       cfg,
		Constitution: c,
		AuditLog:     auditLog,
		ATRService:   atrSvc,
		MarketData:   md,
		RulesEngine:  re,
		Protocol:     pe,
		Accounts:     accounts,
		Execution:    exec,
		Broker:       adapter,
		Bus:          bus,
		Pool:         pool,
	})
	return orch, accounts, auditLog
}

func TestStartActivatesAndStopDrains(t *testing.T) {
	orch, accounts, auditLog := newTestOrchestrator(t)
	acc, err := accounts.CreateAccount(types.SleeveGen, "", decimal.NewFromInt(100000))
	if err != nil {
		t.Fatalf("create account: %v", err)
	}

	ctx := context.Background()
	if err := orch.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer orch.Stop(ctx)

	if orch.Posture() != PostureActive {
		t.Fatalf("posture = %s, want ACTIVE after clean reconciliation", orch.Posture())
	}
	got, _ := accounts.Get(acc.ID)
	if got.State != types.AccountStateActive {
		t.Fatalf("account state = %s, want ACTIVE", got.State)
	}

	starts := auditLog.Query(types.AuditFilter{Kind: "system_start"}, 0)
	if len(starts) != 1 {
		t.Fatalf("expected 1 system_start record, got %d", len(starts))
	}
	if starts[0].ConstitutionVersion != "1.0-test" {
		t.Fatalf("system_start must stamp the constitution version, got %q", starts[0].ConstitutionVersion)
	}

	if err := orch.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	stops := auditLog.Query(types.AuditFilter{Kind: "system_stop"}, 0)
	if len(stops) != 1 {
		t.Fatalf("expected 1 system_stop record, got %d", len(stops))
	}
}

func TestSafeModeBlocksOpens(t *testing.T) {
	orch, accounts, _ := newTestOrchestrator(t)
	if _, err := accounts.CreateAccount(types.SleeveGen, "", decimal.NewFromInt(100000)); err != nil {
		t.Fatalf("create account: %v", err)
	}

	ctx := context.Background()
	if err := orch.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer orch.Stop(ctx)

	orch.EnterSafeMode("operator command")
	if orch.Posture() != PostureSafe {
		t.Fatalf("posture = %s, want SAFE", orch.Posture())
	}
	for _, acc := range accounts.Snapshot() {
		if acc.State != types.AccountStateSafe {
			t.Fatalf("account %s state = %s, want SAFE", acc.ID, acc.State)
		}
	}

	_, _, err := orch.OpenPosition(account.OpenPositionRequest{
		AccountID: accounts.Snapshot()[0].ID,
		Symbol:    "SPY",
		Strategy:  types.StrategyCSP,
		Delta:     decimal.NewFromFloat(0.42),
		DTE:       35,
		Quantity:  1,
		Strike:    decimal.NewFromInt(450),
	})
	if !corerr.Is(err, corerr.KindRuleViolation) {
		t.Fatalf("SAFE posture must refuse opens, got %v", err)
	}
}

func TestStatusAggregatesComponentHealth(t *testing.T) {
	orch, accounts, _ := newTestOrchestrator(t)
	if _, err := accounts.CreateAccount(types.SleeveGen, "", decimal.NewFromInt(100000)); err != nil {
		t.Fatalf("create account: %v", err)
	}

	ctx := context.Background()
	if err := orch.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer orch.Stop(ctx)

	// Let the sim feed deliver its first quotes.
	time.Sleep(200 * time.Millisecond)

	status := orch.Status()
	if len(status.Components) == 0 {
		t.Fatal("status must list per-component health")
	}
	if _, ok := status.Components["audit_log"]; !ok {
		t.Fatal("status must include the audit log probe")
	}
	if status.Overall == StatusError {
		t.Fatalf("fresh system reports ERROR: %+v", status.Components)
	}

	// A sticky component error must surface as overall ERROR.
	orch.recordSticky("execution_engine", "test failure")
	status = orch.checkHealth()
	if status.Overall != StatusError {
		t.Fatalf("sticky error must make overall ERROR, got %s", status.Overall)
	}
}

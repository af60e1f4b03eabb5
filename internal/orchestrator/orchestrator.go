// Package orchestrator is the supervising control loop: it owns every
// component handle for the process lifetime, starts them in dependency
// order, routes cross-component events over the bounded bus, runs the
// periodic health check, and drives startup/shutdown with drain
// deadlines.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/trueasset/alluse-core/internal/account"
	"github.com/trueasset/alluse-core/internal/atr"
	"github.com/trueasset/alluse-core/internal/audit"
	"github.com/trueasset/alluse-core/internal/broker"
	"github.com/trueasset/alluse-core/internal/config"
	"github.com/trueasset/alluse-core/internal/constitution"
	"github.com/trueasset/alluse-core/internal/corerr"
	"github.com/trueasset/alluse-core/internal/events"
	"github.com/trueasset/alluse-core/internal/execution"
	"github.com/trueasset/alluse-core/internal/llms"
	"github.com/trueasset/alluse-core/internal/marketdata"
	"github.com/trueasset/alluse-core/internal/protocol"
	"github.com/trueasset/alluse-core/internal/rules"
	"github.com/trueasset/alluse-core/internal/telemetry"
	"github.com/trueasset/alluse-core/internal/workers"
	"github.com/trueasset/alluse-core/pkg/types"
	"go.uber.org/zap"
)

// Posture is the system-wide trading posture.
type Posture string

const (
	PostureSafe   Posture = "SAFE"
	PostureActive Posture = "ACTIVE"
)

// Deps carries every component handle the orchestrator supervises.
// Components are constructed by the caller (cmd/alluse-core) in
// dependency order and injected here; there is no module-level state.
type Deps struct {
	Config       *config.Operational
	Constitution *constitution.Constitution
	AuditLog     *audit.Log
	ATRService   *atr.Service
	MarketData   *marketdata.Manager
	RulesEngine  *rules.Engine
	Protocol     *protocol.Engine
	Accounts     *account.Manager
	Execution    *execution.Engine
	Broker       broker.Adapter
	Bus          *events.Bus
	Pool         *workers.Pool
	Metrics      *telemetry.Metrics
	Ladder       *llms.Ladder // nil unless the LLMS module is enabled
}

// Orchestrator composes the core components and exposes the command surface the
// external collaborators consume (start, stop, status,
// snapshot-accounts, snapshot-positions, query-audit).
type Orchestrator struct {
	logger *zap.Logger
	deps   Deps

	mu         sync.RWMutex
	running    bool
	posture    Posture
	startedAt  time.Time
	sticky     map[string]string // component -> sticky error
	lastHealth SystemStatus

	monitors map[string]context.CancelFunc // position id -> monitor cancel
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New constructs the orchestrator around its injected components.
func New(logger *zap.Logger, deps Deps) *Orchestrator {
	return &Orchestrator{
		logger:   logger.Named("orchestrator"),
		deps:     deps,
		posture:  PostureSafe,
		sticky:   make(map[string]string),
		monitors: make(map[string]context.CancelFunc),
	}
}

// Start brings the system up in dependency order: the bus and broker
// link first, then the execution loops, market data, and finally the
// monitoring and health tasks. Accounts stay SAFE until reconciliation
// completes and VIX is below the safe-mode trigger.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.running = true
	o.startedAt = time.Now()
	o.mu.Unlock()

	if _, err := o.deps.AuditLog.Append(types.AuditRecord{
		Kind:                "system_start",
		Actor:               "orchestrator",
		ConstitutionVersion: o.deps.Constitution.Version(),
		Payload:             map[string]any{"symbols": o.deps.Config.Symbols},
	}); err != nil {
		cancel()
		return fmt.Errorf("append system_start audit record: %w", err)
	}

	o.deps.Bus.Start()
	if o.deps.Pool != nil {
		o.deps.Pool.Start()
	}
	o.wireRoutes()

	connectCtx, connectCancel := context.WithTimeout(ctx, o.deps.Config.BrokerConnectTimeout)
	err := o.deps.Broker.Connect(connectCtx)
	connectCancel()
	if err != nil {
		cancel()
		return corerr.Wrap(corerr.KindTimeout, "broker connect", err)
	}

	o.spawn(func() { o.deps.Execution.RunEventLoop(runCtx) })
	o.spawn(func() { o.deps.Execution.RunDispatcher(runCtx) })

	if err := o.deps.MarketData.Watch(runCtx, o.deps.Config.Symbols); err != nil {
		cancel()
		return fmt.Errorf("start market data watch: %w", err)
	}
	o.spawn(func() { o.deps.MarketData.MonitorFreshness(runCtx, time.Second) })
	o.spawn(func() { o.pumpMarketAlerts(runCtx) })
	o.spawn(func() { o.pumpProtocolEvents(runCtx) })

	// Startup reconciliation gates SAFE -> ACTIVE.
	if err := o.reconcileAndActivate(runCtx); err != nil {
		o.logger.Warn("startup reconciliation incomplete, staying SAFE", zap.Error(err))
	}

	o.spawn(func() { o.supervisePositionMonitors(runCtx) })
	o.spawn(func() { o.watchVIX(runCtx) })
	o.spawn(func() { o.runHealthLoop(runCtx) })
	o.spawn(func() { o.runPeriodicJobs(runCtx) })

	o.logger.Info("orchestrator started",
		zap.String("constitutionVersion", o.deps.Constitution.Version()),
		zap.Strings("symbols", o.deps.Config.Symbols))
	return nil
}

// Stop tears the system down in reverse dependency order. It cancels
// every supervised task and waits up to twice the configured drain
// deadline for them to return, logging a force-stop if they do not, then
// disconnects the broker and stops the worker pool and the bus.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	deadline := o.deps.Config.DrainDeadline
	cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * deadline):
		o.logger.Error("force-stop: tasks did not drain within 2x deadline")
	}

	if err := o.deps.Broker.Disconnect(ctx); err != nil {
		o.logger.Warn("broker disconnect failed", zap.Error(err))
	}
	if o.deps.Pool != nil {
		o.deps.Pool.Stop()
	}
	o.deps.Bus.Stop()

	if _, err := o.deps.AuditLog.Append(types.AuditRecord{
		Kind:                "system_stop",
		Actor:               "orchestrator",
		ConstitutionVersion: o.deps.Constitution.Version(),
	}); err != nil {
		o.logger.Error("failed to audit system stop", zap.Error(err))
	}
	o.logger.Info("orchestrator stopped")
	return nil
}

// Posture reports the current system trading posture.
func (o *Orchestrator) Posture() Posture {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.posture
}

// SnapshotAccounts returns a consistent account snapshot.
func (o *Orchestrator) SnapshotAccounts() []types.Account { return o.deps.Accounts.Snapshot() }

// SnapshotPositions returns a consistent position snapshot.
func (o *Orchestrator) SnapshotPositions() []types.Position { return o.deps.Accounts.AllPositions() }

// SnapshotOrders returns a consistent order snapshot.
func (o *Orchestrator) SnapshotOrders() []types.Order { return o.deps.Execution.Snapshot() }

// QueryAudit runs a filtered range-scan over the audit log.
func (o *Orchestrator) QueryAudit(filter types.AuditFilter, limit int) []types.AuditRecord {
	return o.deps.AuditLog.Query(filter, limit)
}

// OpenPosition is the command surface for new opens. Refused while the
// system posture is SAFE.
func (o *Orchestrator) OpenPosition(req account.OpenPositionRequest) (*types.Position, types.Decision, error) {
	if o.Posture() == PostureSafe {
		return nil, types.Decision{}, corerr.New(corerr.KindRuleViolation, "system is in SAFE posture, new opens refused")
	}
	return o.deps.Accounts.OpenPosition(req)
}

// EnterSafeMode forces every account to SAFE and flips the posture
// (VIX trigger or operator command).
func (o *Orchestrator) EnterSafeMode(reason string) {
	o.mu.Lock()
	already := o.posture == PostureSafe
	o.posture = PostureSafe
	o.mu.Unlock()
	if already {
		return
	}
	for _, acc := range o.deps.Accounts.Snapshot() {
		if acc.State != types.AccountStateSafe && acc.State != types.AccountStateSuspended {
			if err := o.deps.Accounts.SafeMode(acc.ID); err != nil {
				o.logger.Error("failed to move account to SAFE", zap.String("accountId", acc.ID), zap.Error(err))
			}
		}
	}
	o.deps.Bus.Publish(events.TypeSafeMode, "system", reason)
	o.logger.Warn("system entered SAFE posture", zap.String("reason", reason))
}

// ExitSafeMode re-activates accounts after reconciliation has passed and
// the VIX condition has cleared.
func (o *Orchestrator) ExitSafeMode(ctx context.Context) error {
	if err := o.reconcileAndActivate(ctx); err != nil {
		return err
	}
	return nil
}

func (o *Orchestrator) reconcileAndActivate(ctx context.Context) error {
	if err := o.deps.Execution.Reconcile(ctx, o.deps.Accounts); err != nil {
		return corerr.Wrap(corerr.KindReconciliationMismatch, "reconciliation must be clean before leaving SAFE", err)
	}
	if vix, ok := o.currentVIX(); ok && vix.GreaterThanOrEqual(o.deps.Constitution.Hedging().VIX.SafeMode) {
		return corerr.New(corerr.KindRuleViolation, "VIX at or above safe-mode trigger, staying SAFE")
	}
	for _, acc := range o.deps.Accounts.Snapshot() {
		if acc.State == types.AccountStateSafe {
			if err := o.deps.Accounts.Activate(acc.ID); err != nil {
				return err
			}
		}
	}
	o.mu.Lock()
	o.posture = PostureActive
	o.mu.Unlock()
	o.logger.Info("system entered ACTIVE posture")
	return nil
}

// wireRoutes subscribes the cross-component routes the bus carries.
func (o *Orchestrator) wireRoutes() {
	// Fills book back into the account ledger once a closing order for a
	// monitored position fills.
	o.deps.Bus.Subscribe(events.TypeOrderFill, func(ctx context.Context, e events.Event) {
		order, ok := e.Payload.(types.Order)
		if !ok || order.Status != types.OrderStatusFilled || order.PositionID == "" {
			return
		}
		pos, found := o.deps.Accounts.Position(order.PositionID)
		if !found || pos.Status != types.PositionOpen {
			return
		}
		realized := pos.EntryPrice.Sub(order.AvgFillPrice).
			Mul(decimalFromInt(abs(pos.Quantity))).Mul(decimalFromInt(100))
		if err := o.deps.Accounts.ClosePosition(order.PositionID, order.AvgFillPrice, realized, types.PositionClosed); err != nil {
			o.logger.Error("failed to book closed position", zap.String("positionId", order.PositionID), zap.Error(err))
			return
		}
		o.deps.Protocol.Forget(order.PositionID)
		o.stopMonitor(order.PositionID)
	})
}

func (o *Orchestrator) spawn(fn func()) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn()
	}()
}

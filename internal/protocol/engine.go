package protocol

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trueasset/alluse-core/internal/atr"
	"github.com/trueasset/alluse-core/internal/audit"
	"github.com/trueasset/alluse-core/internal/constitution"
	"github.com/trueasset/alluse-core/pkg/types"
	"go.uber.org/zap"
)

// Engine is the Protocol Engine: the per-position
// escalation state machine that drives roll/exit recommendations from
// ATR-normalized breach magnitude. One Engine instance is
// shared by every position's monitoring task; its only mutable state is
// the tracker, which is internally synchronized.
type Engine struct {
	logger       *zap.Logger
	constitution *constitution.Constitution
	atrSvc       *atr.Service
	auditLog     *audit.Log
	tracker      *tracker
}

// New constructs a Protocol Engine bound to the ATR Service it consumes
// and the Constitution that supplies breach multiples and cadences.
func New(logger *zap.Logger, c *constitution.Constitution, atrSvc *atr.Service, auditLog *audit.Log) *Engine {
	return &Engine{
		logger:       logger,
		constitution: c,
		atrSvc:       atrSvc,
		auditLog:     auditLog,
		tracker:      newTracker(1024),
	}
}

// Events exposes the escalation/de-escalation/exit/stale event stream to
// subscribers (Orchestrator, Account Manager, API layer).
func (e *Engine) Events() <-chan Event { return e.tracker.Events() }

// State returns the currently tracked ProtocolState for a position.
func (e *Engine) State(positionID string) (types.ProtocolState, bool) {
	return e.tracker.get(positionID)
}

// Forget drops tracked state for a position, implementing the "position
// removal cancels state" weak-reference ownership rule.
func (e *Engine) Forget(positionID string) { e.tracker.forget(positionID) }

// TickResult is what a single Tick reports to the caller's per-position
// monitoring task.
type TickResult struct {
	State        types.ProtocolState
	Escalated    bool
	Deescalated  bool
	ExitRequired bool
	NextCadence  time.Duration
}

// Tick implements five-step per-tick algorithm for one
// open position. spotOK reports whether a fresh spot quote was available
// this tick; ATR is refreshed internally via the ATR Service.
func (e *Engine) Tick(ctx context.Context, pos *types.Position, spot decimal.Decimal, spotOK bool, now time.Time) TickResult {
	policy := e.constitution.Protocol()
	prev, had := e.tracker.get(pos.ID)
	if !had {
		prev = types.ProtocolState{
			PositionID:        pos.ID,
			Level:             types.ProtocolL0,
			EnteredAt:         now,
			MonitoringCadence: policy.CadenceL0,
			PendingAction:     types.PendingNone,
		}
	}

	atrVal, atrErr := e.atrSvc.Compute(ctx, atr.ComputeOptions{
		Symbol:     pos.Symbol,
		Period:     policy.ATRPeriod,
		Method:     types.ATRMethod(policy.ATRMethod),
		WindowDays: policy.ATRPeriod * 3,
		AsOf:       now,
	})

	// Step 1: if spot or ATR is unavailable, hold the prior level; when
	// the last good tick is also older than 2x cadence, raise DataStale.
	// ATR unavailable alone never de-escalates (failure
	// semantics): a stale ATR read also holds.
	if !spotOK || atrErr != nil {
		lastTick, everTicked := e.tracker.lastTickAt(pos.ID)
		if everTicked && now.Sub(lastTick) > 2*prev.MonitoringCadence {
			e.audit("protocol_data_stale", pos, prev.Level, prev.Level)
			e.tracker.emit(Event{Kind: EventDataStale, PositionID: pos.ID, From: prev.Level, To: prev.Level, At: now})
		}
		e.tracker.set(pos.ID, prev)
		return TickResult{State: prev, NextCadence: prev.MonitoringCadence}
	}
	e.tracker.markTick(pos.ID, now)

	breach := pos.BreachMagnitude(spot)
	m := breachMultiple(breach, atrVal.Value)
	newLevel := deriveLevel(policy, m)

	result := TickResult{NextCadence: cadenceFor(policy, newLevel)}
	next := prev

	switch {
	case newLevel > prev.Level:
		// Step 3: escalation takes effect immediately.
		next.Level = newLevel
		next.EnteredAt = now
		next.LastBreachMultiple = m
		next.MonitoringCadence = cadenceFor(policy, newLevel)
		next.PendingAction = pendingActionFor(newLevel)
		next.BelowThresholdSince = nil
		result.Escalated = true
		e.audit("protocol_escalated", pos, prev.Level, newLevel)
		e.tracker.emit(Event{Kind: EventEscalated, PositionID: pos.ID, From: prev.Level, To: newLevel, At: now})

	case newLevel < prev.Level:
		// Step 4: de-escalation requires the breach to have sat below the
		// lower threshold for one full monitoring interval at the new
		// cadence; otherwise the position stays at its current level.
		if prev.BelowThresholdSince == nil {
			next.BelowThresholdSince = &now
			next.LastBreachMultiple = m
		} else if now.Sub(*prev.BelowThresholdSince) >= cadenceFor(policy, newLevel) {
			next.Level = newLevel
			next.EnteredAt = now
			next.LastBreachMultiple = m
			next.MonitoringCadence = cadenceFor(policy, newLevel)
			next.PendingAction = pendingActionFor(newLevel)
			next.BelowThresholdSince = nil
			result.Deescalated = true
			e.audit("protocol_deescalated", pos, prev.Level, newLevel)
			e.tracker.emit(Event{Kind: EventDeescalated, PositionID: pos.ID, From: prev.Level, To: newLevel, At: now})
		} else {
			next.LastBreachMultiple = m
		}

	default:
		next.LastBreachMultiple = m
		next.BelowThresholdSince = nil
	}

	// Step 5: exit conditions evaluated in addition to level.
	lossFraction := decimal.Zero
	if notional := pos.Notional(); notional.IsPositive() {
		lossFraction = pos.UnrealizedPnL.Neg().Div(notional)
	}
	exitRequired := m.GreaterThanOrEqual(policy.StopLossMultiple) ||
		lossFraction.GreaterThanOrEqual(policy.MaxLossFraction) ||
		next.Level == types.ProtocolL3

	if exitRequired && next.PendingAction != types.PendingExit {
		next.PendingAction = types.PendingExit
		e.audit("protocol_exit_marked", pos, prev.Level, next.Level)
		e.tracker.emit(Event{Kind: EventExitMarked, PositionID: pos.ID, From: prev.Level, To: next.Level, At: now})
	}
	result.ExitRequired = exitRequired

	e.tracker.set(pos.ID, next)
	result.State = next
	return result
}

// EvaluateRoll applies roll-economics rule: if roll cost
// exceeds the Constitution's threshold of remaining credit, the roll is
// refused and the position is forced to L3 with a pending EXIT.
func (e *Engine) EvaluateRoll(pos *types.Position, econ RollEconomics) bool {
	if !econ.ForcesExit(e.constitution) {
		return true
	}
	cur, _ := e.tracker.get(pos.ID)
	from := cur.Level
	cur.Level = types.ProtocolL3
	cur.PendingAction = types.PendingExit
	cur.MonitoringCadence = e.constitution.Protocol().CadenceL3
	e.tracker.set(pos.ID, cur)
	e.audit("protocol_roll_refused", pos, from, types.ProtocolL3)
	e.tracker.emit(Event{Kind: EventExitMarked, PositionID: pos.ID, From: from, To: types.ProtocolL3, At: time.Now()})
	return false
}

// NextExitBackoff exposes the exit-retry backoff schedule (start 1s,
// double, cap 30s) to the EXIT resubmission loop.
func NextExitBackoff(attempt int) time.Duration { return nextExitBackoff(attempt) }

// MarkExitFailed records that EXIT retries were exhausted within the
// policy-bounded deadline. The L3 pending action is preserved, never
// silently dropped.
func (e *Engine) MarkExitFailed(pos *types.Position) {
	e.audit("protocol_exit_failed", pos, types.ProtocolL3, types.ProtocolL3)
}

func (e *Engine) audit(kind string, pos *types.Position, from, to types.ProtocolLevel) {
	if _, err := e.auditLog.Append(types.AuditRecord{
		Kind:                kind,
		Actor:               "protocol_engine",
		SubjectIDs:          []string{pos.ID, pos.AccountID},
		Payload:             map[string]any{"from": from.String(), "to": to.String(), "symbol": pos.Symbol},
		ConstitutionVersion: e.constitution.Version(),
	}); err != nil {
		e.logger.Error("failed to audit protocol transition", zap.Error(err))
	}
}

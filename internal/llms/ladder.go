// Package llms implements the optional LEAP ladder module: a ladder of
// long-dated option rungs (growth calls, hedge puts) managed against the
// Constitution's llms section. The module is feature-flagged; when
// disabled nothing constructs it and the rest of the core is unaffected.
// Every open/roll/close it proposes routes through the Rules Engine's
// ActionOpenLEAP/ActionRollLEAP kinds like any other action.
package llms

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trueasset/alluse-core/internal/account"
	"github.com/trueasset/alluse-core/internal/audit"
	"github.com/trueasset/alluse-core/internal/constitution"
	"github.com/trueasset/alluse-core/internal/corerr"
	"github.com/trueasset/alluse-core/internal/rules"
	"github.com/trueasset/alluse-core/pkg/types"
	"go.uber.org/zap"
)

// RungKind distinguishes the two ladder legs.
type RungKind string

const (
	RungGrowth RungKind = "growth"
	RungHedge  RungKind = "hedge"
)

// Rung is one LEAP position tracked by the ladder.
type Rung struct {
	PositionID string
	Kind       RungKind
	OpenedAt   time.Time
}

// Ladder manages LEAP rungs for one account.
type Ladder struct {
	logger       *zap.Logger
	constitution *constitution.Constitution
	rulesEngine  *rules.Engine
	accounts     *account.Manager
	auditLog     *audit.Log

	mu    sync.RWMutex
	rungs map[string]*Rung // by position id
}

// New constructs a ladder. Returns an error when the Constitution does
// not carry an llms section: the module must never run half-configured.
func New(logger *zap.Logger, c *constitution.Constitution, re *rules.Engine, am *account.Manager, al *audit.Log) (*Ladder, error) {
	if _, enabled := c.LLMS(); !enabled {
		return nil, corerr.New(corerr.KindConfigError, "llms module enabled but Constitution has no llms section")
	}
	return &Ladder{
		logger:       logger.Named("llms"),
		constitution: c,
		rulesEngine:  re,
		accounts:     am,
		auditLog:     al,
		rungs:        make(map[string]*Rung),
	}, nil
}

// OpenRung validates a new LEAP rung through the Rules Engine and, when
// approved, opens it through the Account Manager like any other position.
func (l *Ladder) OpenRung(kind RungKind, req account.OpenPositionRequest) (*types.Position, types.Decision, error) {
	strategy := types.StrategyLEAPCall
	if kind == RungHedge {
		strategy = types.StrategyLEAPPut
	}
	req.Strategy = strategy

	deltaF, _ := req.Delta.Float64()
	decision, err := l.rulesEngine.Evaluate(types.ActionOpenLEAP, types.OpenPositionContext{
		AccountID: req.AccountID,
		Strategy:  strategy,
		Symbol:    req.Symbol,
		Delta:     deltaF,
		DTE:       req.DTE,
		Quantity:  req.Quantity,
	})
	if err != nil {
		return nil, decision, err
	}
	if !decision.Approved() {
		return nil, decision, corerr.New(corerr.KindRuleViolation, "LEAP rung rejected")
	}

	pos, openDecision, err := l.accounts.OpenPosition(req)
	if err != nil {
		return nil, openDecision, err
	}

	l.mu.Lock()
	l.rungs[pos.ID] = &Rung{PositionID: pos.ID, Kind: kind, OpenedAt: time.Now()}
	l.mu.Unlock()

	l.audit("llms_rung_opened", pos.ID, map[string]any{"kind": kind, "symbol": req.Symbol})
	return pos, decision, nil
}

// Recommendation is what a ladder sweep proposes for one rung.
type Recommendation struct {
	PositionID string
	Action     string // "take_profit" | "stop_loss" | "hold"
	GainPct    decimal.Decimal
}

// Sweep marks rungs whose unrealized gain has crossed the profit-take
// threshold or whose loss has crossed the stop-loss threshold. The
// caller (Orchestrator) turns recommendations into close orders through
// the Execution Engine; the ladder itself never places orders.
func (l *Ladder) Sweep() []Recommendation {
	policy, enabled := l.constitution.LLMS()
	if !enabled {
		return nil
	}

	l.mu.RLock()
	ids := make([]string, 0, len(l.rungs))
	for id := range l.rungs {
		ids = append(ids, id)
	}
	l.mu.RUnlock()

	stopLoss := policy.StopLossThreshold
	if stopLoss.IsPositive() {
		stopLoss = stopLoss.Neg()
	}

	var out []Recommendation
	for _, id := range ids {
		pos, ok := l.accounts.Position(id)
		if !ok || pos.Status != types.PositionOpen {
			l.Forget(id)
			continue
		}
		entryNotional := pos.EntryPrice.Mul(decimal.NewFromInt(int64(abs(pos.Quantity)))).Mul(decimal.NewFromInt(100))
		if !entryNotional.IsPositive() {
			continue
		}
		gain := pos.UnrealizedPnL.Div(entryNotional)
		rec := Recommendation{PositionID: id, Action: "hold", GainPct: gain}
		switch {
		case gain.GreaterThanOrEqual(policy.ProfitTakeThreshold):
			rec.Action = "take_profit"
		case gain.LessThanOrEqual(stopLoss):
			rec.Action = "stop_loss"
		}
		if rec.Action != "hold" {
			l.audit("llms_rung_flagged", id, map[string]any{"action": rec.Action, "gainPct": gain.String()})
		}
		out = append(out, rec)
	}
	return out
}

// Forget drops a rung once its position has closed.
func (l *Ladder) Forget(positionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rungs, positionID)
}

// Rungs returns a snapshot of tracked rungs.
func (l *Ladder) Rungs() []Rung {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Rung, 0, len(l.rungs))
	for _, r := range l.rungs {
		out = append(out, *r)
	}
	return out
}

func (l *Ladder) audit(kind, positionID string, payload map[string]any) {
	if _, err := l.auditLog.Append(types.AuditRecord{
		Kind:                kind,
		Actor:               "llms",
		SubjectIDs:          []string{positionID},
		Payload:             payload,
		ConstitutionVersion: l.constitution.Version(),
	}); err != nil {
		l.logger.Error("failed to audit llms action", zap.Error(err))
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

package account

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/trueasset/alluse-core/internal/corerr"
	"github.com/trueasset/alluse-core/pkg/types"
	"github.com/trueasset/alluse-core/pkg/utils"
)

// OpenPositionRequest groups the caller-supplied inputs to OpenPosition.
// Fields the Rules Engine needs but that depend on account bookkeeping
// (current exposure, capital utilization) are computed internally.
type OpenPositionRequest struct {
	AccountID    string
	Symbol       string
	Strategy     types.OptionStrategy
	Delta        decimal.Decimal
	DTE          int
	Quantity     int
	Strike       decimal.Decimal
	Quote        types.MarketQuote
	OpenInterest int64
	ADVShares    int64
	// ProposedAt is the instant the schedule clauses evaluate against;
	// zero means now.
	ProposedAt time.Time
}

// OpenPosition validates the proposed open through the Rules Engine,
// reserves the notional capital, and records the new Position. This is
// the only path by which a Position enters the account's subtree.
func (m *Manager) OpenPosition(req OpenPositionRequest) (*types.Position, types.Decision, error) {
	m.mu.RLock()
	acc, ok := m.accounts[req.AccountID]
	m.mu.RUnlock()
	if !ok {
		return nil, types.Decision{}, corerr.New(corerr.KindInvariantViolation, "unknown account "+req.AccountID)
	}
	if acc.State == types.AccountStateSafe {
		return nil, types.Decision{}, corerr.New(corerr.KindRuleViolation, "account "+req.AccountID+" is in SAFE state, new opens are blocked")
	}

	notional := req.Strike.Mul(decimal.NewFromInt(int64(req.Quantity)).Abs()).Mul(decimal.NewFromInt(100))
	proposedAt := req.ProposedAt
	if proposedAt.IsZero() {
		proposedAt = time.Now()
	}

	m.mu.RLock()
	currentExposure := m.symbolExposure(acc, req.Symbol)
	utilizationAfter := decimal.Zero
	if acc.CurrentValue.IsPositive() {
		utilizationAfter = acc.ReservedCapital.Add(notional).Div(acc.CurrentValue)
	}
	m.mu.RUnlock()

	decision, err := m.rulesEngine.Evaluate(types.ActionOpenPosition, types.OpenPositionContext{
		AccountID:          req.AccountID,
		Sleeve:             acc.Sleeve,
		Strategy:           req.Strategy,
		Symbol:             req.Symbol,
		Delta:              req.Delta.InexactFloat64(),
		DTE:                req.DTE,
		Quantity:           req.Quantity,
		Strike:             req.Strike.InexactFloat64(),
		ProposedAt:         proposedAt,
		Quote:              req.Quote,
		OpenInterest:       req.OpenInterest,
		ADVShares:          req.ADVShares,
		CurrentExposure:    currentExposure.InexactFloat64(),
		CapitalUtilization: utilizationAfter.InexactFloat64(),
	})
	if err != nil {
		return nil, decision, err
	}
	if !decision.Approved() {
		return nil, decision, corerr.New(corerr.KindRuleViolation, "open position rejected: "+summarizeClauses(decision))
	}

	if err := m.ReserveCapital(req.AccountID, notional); err != nil {
		return nil, decision, err
	}

	pos := &types.Position{
		ID:            utils.GenerateID("pos"),
		AccountID:     req.AccountID,
		Symbol:        req.Symbol,
		Strategy:      req.Strategy,
		Quantity:      req.Quantity,
		Strike:        req.Strike,
		EntryPrice:    req.Quote.Mid(),
		CurrentPrice:  req.Quote.Mid(),
		Status:        types.PositionOpen,
		ProtocolLevel: types.ProtocolL0,
		OpenedAt:      time.Now(),
	}

	m.mu.Lock()
	m.positions[pos.ID] = pos
	acc.PositionIDs = append(acc.PositionIDs, pos.ID)
	acc.LastActivity = time.Now()
	m.mu.Unlock()

	m.audit("position_opened", req.AccountID, map[string]any{
		"positionId": pos.ID,
		"symbol":     pos.Symbol,
		"strategy":   pos.Strategy,
		"quantity":   pos.Quantity,
	})
	return pos, decision, nil
}

// ClosePosition releases the position's reserved capital, books its
// realized PnL into the account's current value and trade history, and
// marks the position terminal. Called once a closing or roll-off order
// fills.
func (m *Manager) ClosePosition(positionID string, exitPrice decimal.Decimal, realizedPnL decimal.Decimal, status types.PositionStatus) error {
	m.mu.Lock()
	pos, ok := m.positions[positionID]
	if !ok {
		m.mu.Unlock()
		return corerr.New(corerr.KindInvariantViolation, "unknown position "+positionID)
	}
	acc, accOK := m.accounts[pos.AccountID]
	if !accOK {
		m.mu.Unlock()
		return corerr.New(corerr.KindInvariantViolation, "position "+positionID+" references unknown account")
	}
	notional := pos.Notional()
	now := time.Now()
	pos.CurrentPrice = exitPrice
	pos.UnrealizedPnL = decimal.Zero
	pos.Status = status
	pos.ClosedAt = &now

	acc.CurrentValue = acc.CurrentValue.Add(realizedPnL)
	acc.LastActivity = now
	m.mu.Unlock()

	if err := m.ReleaseCapital(pos.AccountID, notional); err != nil {
		return err
	}

	m.mu.Lock()
	m.pnlHistory[pos.AccountID] = append(m.pnlHistory[pos.AccountID], realizedPnL)
	m.equityHistory[pos.AccountID] = append(m.equityHistory[pos.AccountID], types.EquityPoint{Timestamp: now, Equity: acc.CurrentValue})
	m.mu.Unlock()

	m.audit("position_closed", pos.AccountID, map[string]any{
		"positionId":  positionID,
		"status":      status,
		"realizedPnl": realizedPnL.String(),
	})
	return nil
}

// MarkToMarket updates a position's unrealized PnL from a fresh quote,
// called each market-data tick by the per-position monitoring task.
func (m *Manager) MarkToMarket(positionID string, spot decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[positionID]
	if !ok {
		return corerr.New(corerr.KindInvariantViolation, "unknown position "+positionID)
	}
	pos.CurrentPrice = spot
	switch pos.Strategy {
	case types.StrategyCC:
		pos.UnrealizedPnL = pos.Strike.Sub(spot).Mul(decimal.NewFromInt(int64(pos.Quantity))).Mul(decimal.NewFromInt(100))
	default:
		pos.UnrealizedPnL = spot.Sub(pos.Strike).Mul(decimal.NewFromInt(int64(pos.Quantity))).Mul(decimal.NewFromInt(100))
	}
	return nil
}

// AllPositions returns a consistent snapshot of every tracked position,
// open or closed, for reconciliation against broker truth.
func (m *Manager) AllPositions() []types.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	return out
}

// OpenPositions returns a snapshot of positions still open, the set the
// Protocol Engine monitors.
func (m *Manager) OpenPositions() []types.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Position, 0, len(m.positions))
	for _, p := range m.positions {
		if p.Status == types.PositionOpen {
			out = append(out, *p)
		}
	}
	return out
}

package account

import (
	"time"

	"github.com/trueasset/alluse-core/internal/corerr"
	"github.com/trueasset/alluse-core/pkg/types"
	"github.com/trueasset/alluse-core/pkg/utils"
)

// HandleAssignment implements the Friday-assignment workflow: a CSP
// that finishes ITM converts to a STOCK position representing the
// assigned shares, then a new covered call is written against those
// shares at the sleeve's CC delta/DTE band. Each leg is audited
// independently and the new CC leg is re-validated through the Rules
// Engine exactly like any other open.
func (m *Manager) HandleAssignment(cspPositionID string, cc OpenPositionRequest) (stock *types.Position, covered *types.Position, err error) {
	m.mu.Lock()
	csp, ok := m.positions[cspPositionID]
	if !ok {
		m.mu.Unlock()
		return nil, nil, corerr.New(corerr.KindInvariantViolation, "unknown position "+cspPositionID)
	}
	if csp.Strategy != types.StrategyCSP {
		m.mu.Unlock()
		return nil, nil, corerr.New(corerr.KindRuleViolation, "only CSP positions can be assigned, got "+string(csp.Strategy))
	}
	accountID := csp.AccountID
	symbol := csp.Symbol
	strike := csp.Strike
	shares := -csp.Quantity * 100 // assignment on a short put buys |quantity|*100 shares
	now := time.Now()
	csp.Status = types.PositionAssigned
	csp.ClosedAt = &now
	m.mu.Unlock()

	m.audit("position_assigned", accountID, map[string]any{"positionId": cspPositionID, "strike": strike.String()})

	stock = &types.Position{
		ID:            utils.GenerateID("pos"),
		AccountID:     accountID,
		Symbol:        symbol,
		Strategy:      types.StrategyStock,
		Quantity:      shares,
		Strike:        strike,
		EntryPrice:    strike,
		CurrentPrice:  strike,
		Status:        types.PositionOpen,
		ProtocolLevel: types.ProtocolL0,
		OpenedAt:      now,
	}

	m.mu.Lock()
	m.positions[stock.ID] = stock
	if acc, ok := m.accounts[accountID]; ok {
		acc.PositionIDs = append(acc.PositionIDs, stock.ID)
		acc.LastActivity = now
	}
	m.mu.Unlock()

	m.audit("position_opened", accountID, map[string]any{
		"positionId": stock.ID,
		"symbol":     stock.Symbol,
		"strategy":   stock.Strategy,
		"quantity":   stock.Quantity,
	})

	cc.AccountID = accountID
	cc.Symbol = symbol
	cc.Strategy = types.StrategyCC
	cc.Quantity = -(shares / 100) // one call written per 100 assigned shares

	covered, _, err = m.OpenPosition(cc)
	if err != nil {
		return stock, nil, err
	}
	return stock, covered, nil
}

package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is a single option or stock position held by an account.
type Position struct {
	ID            string          `json:"id"`
	AccountID     string          `json:"accountId"`
	Symbol        string          `json:"symbol"`
	Strategy      OptionStrategy  `json:"strategy"`
	Quantity      int             `json:"quantity"` // signed: negative = short
	Strike        decimal.Decimal `json:"strike"`
	Expiry        time.Time       `json:"expiry"`
	EntryPrice    decimal.Decimal `json:"entryPrice"`
	CurrentPrice  decimal.Decimal `json:"currentPrice"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	Status        PositionStatus  `json:"status"`
	ProtocolLevel ProtocolLevel   `json:"protocolLevel"`
	ATRAtEntry    decimal.Decimal `json:"atrAtEntry"`
	OpenedAt      time.Time       `json:"openedAt"`
	ClosedAt      *time.Time      `json:"closedAt,omitempty"`
}

// Notional is the dollar exposure the position represents (100 shares per
// contract for standard equity options).
func (p *Position) Notional() decimal.Decimal {
	return p.Strike.Mul(decimal.NewFromInt(int64(p.Quantity)).Abs()).Mul(decimal.NewFromInt(100))
}

// BreachMagnitude computes the breach amount B used for protocol level
// derivation: max(0, K-S) for CSP, max(0, S-K) for CC.
func (p *Position) BreachMagnitude(spot decimal.Decimal) decimal.Decimal {
	var breach decimal.Decimal
	switch p.Strategy {
	case StrategyCC:
		breach = spot.Sub(p.Strike)
	default: // CSP and other short-put-shaped strategies
		breach = p.Strike.Sub(spot)
	}
	if breach.IsNegative() {
		return decimal.Zero
	}
	return breach
}

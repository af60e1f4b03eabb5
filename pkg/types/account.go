package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is one sleeve's capital pool, possibly forked into a tree of
// child accounts sharing the same sleeve.
type Account struct {
	ID               string          `json:"id"`
	Sleeve           Sleeve          `json:"sleeve"`
	ParentID         string          `json:"parentId,omitempty"`
	State            AccountState    `json:"state"`
	InitialCapital   decimal.Decimal `json:"initialCapital"`
	CurrentValue     decimal.Decimal `json:"currentValue"`
	AvailableCapital decimal.Decimal `json:"availableCapital"`
	ReservedCapital  decimal.Decimal `json:"reservedCapital"`
	PositionIDs      []string        `json:"positionIds"`
	ForkCount        int             `json:"forkCount"`
	CreatedAt        time.Time       `json:"createdAt"`
	LastActivity     time.Time       `json:"lastActivity"`

	// ReinvestmentPolicy is the fraction of realized weekly premium swept
	// to reserve on Friday settlement; the remainder compounds into next
	// week's deployable capital.
	ReinvestmentPolicy decimal.Decimal `json:"reinvestmentPolicy"`
}

// Invariant checks the account's local bookkeeping invariant:
// available + reserved == current, to currency-minor-unit precision.
func (a *Account) Invariant() bool {
	sum := a.AvailableCapital.Add(a.ReservedCapital)
	return sum.Round(2).Equal(a.CurrentValue.Round(2)) && a.ReservedCapital.LessThanOrEqual(a.CurrentValue)
}

// PerformanceMetrics is the per-account attribution computed by the
// Account Manager.
type PerformanceMetrics struct {
	AccountID          string          `json:"accountId"`
	TimeWeightedReturn decimal.Decimal `json:"timeWeightedReturn"`
	MaxDrawdown        decimal.Decimal `json:"maxDrawdown"`
	SharpeRatio        decimal.Decimal `json:"sharpeRatio"`
	WinRate            decimal.Decimal `json:"winRate"`
	ProfitFactor       decimal.Decimal `json:"profitFactor"`
	TotalTrades        int             `json:"totalTrades"`
	AsOf               time.Time       `json:"asOf"`
}

// EquityPoint is a single sample of an account's value over time, used to
// derive drawdown and return series.
type EquityPoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Equity    decimal.Decimal `json:"equity"`
}

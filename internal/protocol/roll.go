package protocol

import (
	"github.com/shopspring/decimal"
	"github.com/trueasset/alluse-core/internal/constitution"
)

// RollEconomics is the remaining-credit-vs-roll-cost computation:
// remaining credit is the opening premium minus the current cost to
// close; roll cost is the cost to close the current leg plus the cost to
// open the new one at the target delta/DTE.
type RollEconomics struct {
	RemainingCredit decimal.Decimal
	RollCost        decimal.Decimal
}

// Ratio is roll cost as a fraction of remaining credit.
func (r RollEconomics) Ratio() decimal.Decimal {
	if !r.RemainingCredit.IsPositive() {
		return decimal.NewFromInt(1) // no credit left: treat as maximally unfavorable
	}
	return r.RollCost.Div(r.RemainingCredit)
}

// ForcesExit reports whether the roll is uneconomical and must be
// refused in favor of a forced L3 exit. A ratio of exactly the
// threshold is still allowed; only above it forces the exit.
func (r RollEconomics) ForcesExit(c *constitution.Constitution) bool {
	return r.Ratio().GreaterThan(c.Protocol().RollCostThreshold)
}

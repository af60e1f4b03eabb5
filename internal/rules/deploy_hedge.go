package rules

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/trueasset/alluse-core/internal/constitution"
	"github.com/trueasset/alluse-core/pkg/types"
)

// validateDeployHedge implements the hedge-deployment clause set: VIX
// at or above trigger, budget available, instrument matches policy, DTE
// in band.
func validateDeployHedge(c *constitution.Constitution, ctx types.DeployHedgeContext, d *types.Decision) {
	hedging := c.Hedging()

	vix := decimal.NewFromFloat(ctx.CurrentVIX)
	if vix.LessThan(hedging.VIX.HedgedWeek) {
		d.Add(types.DecisionRejected, "§5.Hedging.VIXTrigger", fmt.Sprintf("VIX %s below hedged-week trigger %s", vix, hedging.VIX.HedgedWeek))
	} else {
		d.Add(types.DecisionApproved, "§5.Hedging.VIXTrigger", "")
	}

	budgetUsed := decimal.NewFromFloat(ctx.BudgetUsed)
	budgetFraction := decimal.NewFromFloat(ctx.BudgetFraction)
	remaining := budgetFraction.Sub(budgetUsed)
	if remaining.IsNegative() || remaining.IsZero() {
		d.Add(types.DecisionRejected, "§5.Hedging.Budget", "hedge budget exhausted")
	} else {
		d.Add(types.DecisionApproved, "§5.Hedging.Budget", "")
	}

	if ctx.Instrument != hedging.PrimaryInstrument && ctx.Instrument != hedging.SecondaryInstrument {
		d.Add(types.DecisionRejected, "§5.Hedging.Instrument", fmt.Sprintf("instrument %s is not in the hedge policy set {%s,%s}", ctx.Instrument, hedging.PrimaryInstrument, hedging.SecondaryInstrument))
	} else {
		d.Add(types.DecisionApproved, "§5.Hedging.Instrument", "")
	}

	if !hedging.DTE.Contains(ctx.DTE) {
		d.Add(types.DecisionRejected, "§5.Hedging.DTE", fmt.Sprintf("DTE %d outside hedge band [%d,%d]", ctx.DTE, hedging.DTE.Min, hedging.DTE.Max))
	} else {
		d.Add(types.DecisionApproved, "§5.Hedging.DTE", "")
	}
}

package rules

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/trueasset/alluse-core/internal/constitution"
	"github.com/trueasset/alluse-core/pkg/types"
)

// validateCloseOrRoll implements the close/roll clause set and the
// roll-economics rule: roll cost <= 50% of remaining credit, else force
// an L3 exit.
func validateCloseOrRoll(c *constitution.Constitution, ctx types.CloseOrRollContext, d *types.Decision) {
	sleeveName := constitution.Sleeve(ctx.Sleeve)
	rules, err := c.Sleeve(sleeveName)
	if err != nil {
		d.Add(types.DecisionRejected, "§unknown", err.Error())
		return
	}
	clausePrefix := sleeveClause(ctx.Sleeve)

	if ctx.Exit {
		// A protocol-forced exit is constitutionally mandated; there is
		// no new leg to test against the delta/DTE bands.
		d.Add(types.DecisionApproved, "§Protocol.Exit", "")
		return
	}

	threshold := c.Protocol().RollCostThreshold
	if ctx.RemainingCredit <= 0 {
		d.Add(types.DecisionRejected, "§Protocol.RollEconomics", "no remaining credit to roll against, exit forced")
		return
	}
	ratio := decimal.NewFromFloat(ctx.RollCost).Div(decimal.NewFromFloat(ctx.RemainingCredit))
	if ratio.GreaterThan(threshold) {
		d.Add(types.DecisionRejected, "§Protocol.RollEconomics", fmt.Sprintf("roll cost is %s of remaining credit, exceeds threshold %s, forcing L3 exit", ratio, threshold))
		return
	}
	d.Add(types.DecisionApproved, "§Protocol.RollEconomics", "")

	delta := decimal.NewFromFloat(ctx.NewDelta)
	if rules.Delta.Contains(delta) {
		d.Add(types.DecisionApproved, clausePrefix+".Delta", "")
	} else {
		d.Add(types.DecisionRejected, clausePrefix+".Delta", fmt.Sprintf("new roll delta %s outside band [%s,%s]", delta, rules.Delta.Min, rules.Delta.Max))
	}

	if rules.DTE.Contains(ctx.NewDTE) {
		d.Add(types.DecisionApproved, clausePrefix+".DTE", "")
	} else {
		d.Add(types.DecisionRejected, clausePrefix+".DTE", fmt.Sprintf("new roll DTE %d outside band [%d,%d]", ctx.NewDTE, rules.DTE.Min, rules.DTE.Max))
	}
}

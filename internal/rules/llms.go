package rules

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/trueasset/alluse-core/internal/constitution"
	"github.com/trueasset/alluse-core/pkg/types"
)

// validateLLMS implements the optional LEAP-ladder clause set:
// growth/hedge delta bands and duration bands, routed through the same
// Decision contract as every other action kind. It is
// only ever reached when the Constitution has the llms section enabled
// (the engine checks that before calling in).
func validateLLMS(policy constitution.LLMSPolicy, ctx types.OpenPositionContext, d *types.Decision) {
	delta := decimal.NewFromFloat(ctx.Delta)

	var deltaBand constitution.DeltaBand
	var durationBand constitution.DTEBand
	switch ctx.Strategy {
	case types.StrategyLEAPPut:
		deltaBand = policy.HedgeDelta
		durationBand = policy.HedgeDurationMonths
	case types.StrategyLEAPCall:
		deltaBand = policy.GrowthDelta
		durationBand = policy.GrowthDurationMonths
	default:
		d.Add(types.DecisionRejected, "§LLMS.Strategy", fmt.Sprintf("strategy %s is not a LEAP ladder strategy", ctx.Strategy))
		return
	}

	if deltaBand.Contains(delta) {
		d.Add(types.DecisionApproved, "§LLMS.Delta", "")
	} else {
		d.Add(types.DecisionRejected, "§LLMS.Delta", fmt.Sprintf("LEAP delta %s outside band [%s,%s]", delta, deltaBand.Min, deltaBand.Max))
	}

	durationMonths := ctx.DTE / 30
	if durationBand.Contains(durationMonths) {
		d.Add(types.DecisionApproved, "§LLMS.Duration", "")
	} else {
		d.Add(types.DecisionRejected, "§LLMS.Duration", fmt.Sprintf("LEAP duration %d months outside band [%d,%d]", durationMonths, durationBand.Min, durationBand.Max))
	}
}

package rules

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trueasset/alluse-core/internal/constitution"
	"github.com/trueasset/alluse-core/pkg/types"
)

// validateOpenPosition implements the open-position clause set:
// sleeve<->instrument, strategy<->sleeve, delta band, DTE band,
// schedule, per-symbol exposure, capital utilization, liquidity guards.
func validateOpenPosition(c *constitution.Constitution, ctx types.OpenPositionContext, d *types.Decision) {
	sleeveName := constitution.Sleeve(ctx.Sleeve)
	rules, err := c.Sleeve(sleeveName)
	if err != nil {
		d.Add(types.DecisionRejected, "§unknown", err.Error())
		return
	}
	clausePrefix := sleeveClause(ctx.Sleeve)

	if !rules.PermittedInstruments[ctx.Symbol] {
		d.Add(types.DecisionRejected, clausePrefix+".Instruments", fmt.Sprintf("%s is not a permitted instrument for %s", ctx.Symbol, ctx.Sleeve))
	} else {
		d.Add(types.DecisionApproved, clausePrefix+".Instruments", "")
	}

	if string(ctx.Strategy) != rules.Strategy {
		d.Add(types.DecisionRejected, clausePrefix+".Strategy", fmt.Sprintf("sleeve %s only permits %s, got %s", ctx.Sleeve, rules.Strategy, ctx.Strategy))
	} else {
		d.Add(types.DecisionApproved, clausePrefix+".Strategy", "")
	}

	delta := decimal.NewFromFloat(ctx.Delta)
	if rules.Delta.Contains(delta) {
		d.Add(types.DecisionApproved, clausePrefix+".Delta", "")
	} else {
		d.Add(types.DecisionRejected, clausePrefix+".Delta", fmt.Sprintf("delta %s outside band [%s,%s]", delta, rules.Delta.Min, rules.Delta.Max))
	}

	if rules.DTE.Contains(ctx.DTE) {
		d.Add(types.DecisionApproved, clausePrefix+".DTE", "")
	} else {
		d.Add(types.DecisionRejected, clausePrefix+".DTE", fmt.Sprintf("DTE %d outside band [%d,%d]", ctx.DTE, rules.DTE.Min, rules.DTE.Max))
	}

	if withinSchedule(rules.Schedule, ctx.ProposedAt) {
		d.Add(types.DecisionApproved, clausePrefix+".Schedule", "")
	} else {
		d.Add(types.DecisionRejected, clausePrefix+".Schedule", fmt.Sprintf("outside sleeve's permitted weekday/time window (%s %s-%s)", rules.Schedule.Weekday, rules.Schedule.StartTime, rules.Schedule.EndTime))
	}

	exposureCap := c.Capital().PerSymbolExposureCap
	exposure := decimal.NewFromFloat(ctx.CurrentExposure)
	if exposure.GreaterThan(exposureCap) {
		d.Add(types.DecisionRejected, "§Capital.ExposureCap", fmt.Sprintf("per-symbol exposure %s would exceed cap %s", exposure, exposureCap))
	} else {
		d.Add(types.DecisionApproved, "§Capital.ExposureCap", "")
	}

	utilization := decimal.NewFromFloat(ctx.CapitalUtilization)
	capital := c.Capital()
	if utilization.LessThan(capital.DeploymentMin) || utilization.GreaterThan(capital.DeploymentMax) {
		d.Add(types.DecisionWarning, "§Capital.Deployment", fmt.Sprintf("capital utilization %s outside [%s,%s]", utilization, capital.DeploymentMin, capital.DeploymentMax))
	} else {
		d.Add(types.DecisionApproved, "§Capital.Deployment", "")
	}

	validateLiquidity(c, ctx, d)
}

// validateLiquidity implements the liquidity-guard clauses consulted by
// both Open and the execution engine's pre-trade validation.
func validateLiquidity(c *constitution.Constitution, ctx types.OpenPositionContext, d *types.Decision) {
	guards := c.Liquidity()

	if ctx.OpenInterest < guards.MinOpenInterest {
		d.Add(types.DecisionRejected, "§Liquidity.OpenInterest", fmt.Sprintf("open interest %d below minimum %d", ctx.OpenInterest, guards.MinOpenInterest))
	} else {
		d.Add(types.DecisionApproved, "§Liquidity.OpenInterest", "")
	}

	volume := ctx.Quote.Volume
	minVolume := decimal.NewFromInt(guards.MinDailyVolume)
	if volume.LessThan(minVolume) {
		d.Add(types.DecisionRejected, "§Liquidity.Volume", fmt.Sprintf("daily volume %s below minimum %s", volume, minVolume))
	} else {
		d.Add(types.DecisionApproved, "§Liquidity.Volume", "")
	}

	spreadPct := ctx.Quote.SpreadPct()
	if spreadPct.GreaterThan(guards.MaxSpreadPct) {
		d.Add(types.DecisionRejected, "§Liquidity.Spread", fmt.Sprintf("spread %s exceeds max %s of mid", spreadPct, guards.MaxSpreadPct))
	} else {
		d.Add(types.DecisionApproved, "§Liquidity.Spread", "")
	}

	if ctx.ADVShares > 0 {
		orderPct := decimal.NewFromInt(int64(ctx.Quantity)).Div(decimal.NewFromInt(ctx.ADVShares))
		if orderPct.GreaterThan(guards.MaxOrderADVPct) {
			d.Add(types.DecisionRejected, "§Liquidity.OrderSize", fmt.Sprintf("order size is %s of ADV, exceeds max %s", orderPct, guards.MaxOrderADVPct))
		} else {
			d.Add(types.DecisionApproved, "§Liquidity.OrderSize", "")
		}
	}
}

func sleeveClause(s types.Sleeve) string {
	switch s {
	case types.SleeveGen:
		return "§2.GenAcc"
	case types.SleeveRev:
		return "§3.RevAcc"
	case types.SleeveCom:
		return "§4.ComAcc"
	default:
		return "§Unknown"
	}
}

// withinSchedule reports whether t falls on the sleeve's permitted
// weekday within its start/end time-of-day window.
func withinSchedule(schedule constitution.Schedule, t time.Time) bool {
	if t.Weekday() != schedule.Weekday {
		return false
	}
	start, err := time.Parse("15:04", schedule.StartTime)
	if err != nil {
		return false
	}
	end, err := time.Parse("15:04", schedule.EndTime)
	if err != nil {
		return false
	}
	tod := time.Date(0, 1, 1, t.Hour(), t.Minute(), 0, 0, time.UTC)
	startTod := time.Date(0, 1, 1, start.Hour(), start.Minute(), 0, 0, time.UTC)
	endTod := time.Date(0, 1, 1, end.Hour(), end.Minute(), 0, 0, time.UTC)
	return !tod.Before(startTod) && !tod.After(endTod)
}

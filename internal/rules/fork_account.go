package rules

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/trueasset/alluse-core/internal/constitution"
	"github.com/trueasset/alluse-core/pkg/types"
)

// validateForkAccount implements the fork clause set: state=ACTIVE,
// balance >= fork threshold, no in-progress fork, fork count within
// policy.
func validateForkAccount(c *constitution.Constitution, ctx types.ForkAccountContext, d *types.Decision) {
	rules, err := c.Sleeve(constitution.Sleeve(ctx.Sleeve))
	if err != nil {
		d.Add(types.DecisionRejected, "§unknown", err.Error())
		return
	}

	if ctx.State != types.AccountStateActive {
		d.Add(types.DecisionRejected, "§3.Forking.State", fmt.Sprintf("account must be ACTIVE to fork, is %s", ctx.State))
	} else {
		d.Add(types.DecisionApproved, "§3.Forking.State", "")
	}

	value := decimal.NewFromFloat(ctx.CurrentValue)
	if value.LessThan(rules.ForkThreshold) {
		d.Add(types.DecisionRejected, "§3.Forking.Threshold", fmt.Sprintf("current value %s below fork threshold %s", value, rules.ForkThreshold))
	} else {
		d.Add(types.DecisionApproved, "§3.Forking.Threshold", "")
	}

	if ctx.ForkInProgress {
		d.Add(types.DecisionRejected, "§3.Forking.InProgress", "a fork is already in progress for this account")
	} else {
		d.Add(types.DecisionApproved, "§3.Forking.InProgress", "")
	}

	maxForks := rules.MaxForks
	if ctx.MaxForks > 0 {
		maxForks = ctx.MaxForks
	}
	if ctx.ForkCount >= maxForks {
		d.Add(types.DecisionRejected, "§3.Forking.MaxForks", fmt.Sprintf("fork count %d has reached policy max %d", ctx.ForkCount, maxForks))
	} else {
		d.Add(types.DecisionApproved, "§3.Forking.MaxForks", "")
	}
}

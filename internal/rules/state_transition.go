package rules

import (
	"fmt"

	"github.com/trueasset/alluse-core/internal/constitution"
	"github.com/trueasset/alluse-core/pkg/types"
)

// reachable encodes the account state machine transition table. The
// any-state triggers to SAFE and SUSPENDED are handled separately since
// they are reachable from every state.
var reachable = map[types.AccountState]map[types.AccountState]bool{
	types.AccountStateSafe:      {types.AccountStateActive: true},
	types.AccountStateActive:    {types.AccountStateForking: true, types.AccountStateMerging: true},
	types.AccountStateForking:   {types.AccountStateActive: true},
	types.AccountStateMerging:   {types.AccountStateActive: true},
	types.AccountStateSuspended: {},
}

// validateStateTransition checks the target state is reachable from the
// current one per the account state machine table.
func validateStateTransition(c *constitution.Constitution, ctx types.StateTransitionContext, d *types.Decision) {
	if ctx.To == types.AccountStateSafe || ctx.To == types.AccountStateSuspended {
		// "* -> SAFE" and "* -> SUSPENDED" are reachable from any state.
		d.Add(types.DecisionApproved, "§4.6.StateMachine", "")
		return
	}
	if reachable[ctx.From][ctx.To] {
		d.Add(types.DecisionApproved, "§4.6.StateMachine", "")
		return
	}
	d.Add(types.DecisionRejected, "§4.6.StateMachine", fmt.Sprintf("transition %s -> %s is not reachable", ctx.From, ctx.To))
}

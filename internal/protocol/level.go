package protocol

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/trueasset/alluse-core/internal/constitution"
	"github.com/trueasset/alluse-core/pkg/types"
)

// breachMultiple returns m = B/A, or 0 if A<=0.
func breachMultiple(breach, atr decimal.Decimal) decimal.Decimal {
	if !atr.IsPositive() {
		return decimal.Zero
	}
	return breach.Div(atr)
}

// deriveLevel maps a breach multiple to a protocol level. Boundaries
// belong to the higher level: m exactly 1.0 is L1, not L0.
func deriveLevel(policy constitution.ProtocolPolicy, m decimal.Decimal) types.ProtocolLevel {
	switch {
	case m.GreaterThanOrEqual(policy.BreachL3):
		return types.ProtocolL3
	case m.GreaterThanOrEqual(policy.BreachL2):
		return types.ProtocolL2
	case m.GreaterThanOrEqual(policy.BreachL1):
		return types.ProtocolL1
	default:
		return types.ProtocolL0
	}
}

// cadenceFor returns the monitoring cadence configured for level.
func cadenceFor(policy constitution.ProtocolPolicy, level types.ProtocolLevel) time.Duration {
	switch level {
	case types.ProtocolL1:
		return policy.CadenceL1
	case types.ProtocolL2:
		return policy.CadenceL2
	case types.ProtocolL3:
		return policy.CadenceL3
	default:
		return policy.CadenceL0
	}
}

// pendingActionFor returns the action a newly entered level requires.
func pendingActionFor(level types.ProtocolLevel) types.PendingAction {
	switch level {
	case types.ProtocolL2:
		return types.PendingPrepareRoll
	case types.ProtocolL3:
		return types.PendingExit
	default:
		return types.PendingNone
	}
}

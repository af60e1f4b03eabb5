package account

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/trueasset/alluse-core/internal/corerr"
)

// ApplyReinvestmentSweep implements the Friday-settlement reinvestment
// policy: a fraction of the week's realized premium is swept into the
// account's reserved capital, the remainder compounds into next week's
// available capital.
func (m *Manager) ApplyReinvestmentSweep(accountID string, realizedPremium decimal.Decimal) (swept, compounded decimal.Decimal, err error) {
	m.mu.Lock()
	acc, ok := m.accounts[accountID]
	if !ok {
		m.mu.Unlock()
		return decimal.Zero, decimal.Zero, corerr.New(corerr.KindInvariantViolation, "unknown account "+accountID)
	}
	swept = realizedPremium.Mul(acc.ReinvestmentPolicy)
	compounded = realizedPremium.Sub(swept)

	acc.ReservedCapital = acc.ReservedCapital.Add(swept)
	acc.AvailableCapital = acc.AvailableCapital.Add(compounded)
	acc.CurrentValue = acc.CurrentValue.Add(realizedPremium)
	acc.LastActivity = time.Now()
	invariant := acc.Invariant()
	m.mu.Unlock()

	if !invariant {
		return swept, compounded, corerr.New(corerr.KindInvariantViolation, "reinvestment sweep broke account invariant for "+accountID)
	}

	m.audit("reinvestment_swept", accountID, map[string]any{
		"realizedPremium": realizedPremium.String(),
		"swept":           swept.String(),
		"compounded":      compounded.String(),
	})
	return swept, compounded, nil
}

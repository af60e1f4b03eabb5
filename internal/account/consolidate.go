package account

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/trueasset/alluse-core/internal/corerr"
	"github.com/trueasset/alluse-core/pkg/types"
)

// Consolidate is the inverse of forking: the child's capital is summed
// back into its parent and the child transitions to SUSPENDED. Open
// positions are re-parented onto the parent's subtree; the child never
// holds positions again once consolidated.
func (m *Manager) Consolidate(childID string) error {
	m.mu.RLock()
	child, ok := m.accounts[childID]
	m.mu.RUnlock()
	if !ok {
		return corerr.New(corerr.KindInvariantViolation, "unknown account "+childID)
	}
	if child.ParentID == "" {
		return corerr.New(corerr.KindRuleViolation, "account "+childID+" has no parent to consolidate into")
	}
	parentID := child.ParentID

	if err := m.transition(parentID, types.AccountStateMerging); err != nil {
		return err
	}
	if err := m.transition(childID, types.AccountStateMerging); err != nil {
		_ = m.transition(parentID, types.AccountStateActive)
		return err
	}

	m.mu.Lock()
	parent := m.accounts[parentID]
	amount := child.AvailableCapital.Add(child.ReservedCapital)

	parent.AvailableCapital = parent.AvailableCapital.Add(child.AvailableCapital)
	parent.ReservedCapital = parent.ReservedCapital.Add(child.ReservedCapital)
	parent.CurrentValue = parent.CurrentValue.Add(amount)
	parent.LastActivity = time.Now()

	for _, posID := range child.PositionIDs {
		if pos, ok := m.positions[posID]; ok {
			pos.AccountID = parentID
		}
	}
	parent.PositionIDs = append(parent.PositionIDs, child.PositionIDs...)
	child.PositionIDs = nil

	child.AvailableCapital = decimal.Zero
	child.ReservedCapital = decimal.Zero
	child.CurrentValue = decimal.Zero
	child.LastActivity = time.Now()
	parentInvariant := parent.Invariant()
	m.mu.Unlock()

	if !parentInvariant {
		return corerr.New(corerr.KindInvariantViolation, "consolidation broke parent capital invariant")
	}

	if err := m.transition(parentID, types.AccountStateActive); err != nil {
		return err
	}
	if err := m.transition(childID, types.AccountStateSuspended); err != nil {
		return err
	}

	m.audit("account_consolidated", parentID, map[string]any{"childId": childID, "amount": amount.String()})
	return nil
}

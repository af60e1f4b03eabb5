package account

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/trueasset/alluse-core/internal/constitution"
	"github.com/trueasset/alluse-core/internal/corerr"
	"github.com/trueasset/alluse-core/pkg/types"
)

// ForkTransaction tracks an in-flight fork so it can be rolled back until
// Seal is called.
type ForkTransaction struct {
	ParentID string
	ChildID  string
	Amount   decimal.Decimal
	sealed   bool
}

// BeginFork starts the journaled forking transaction: validates through
// the Rules Engine, transitions the parent to FORKING, reserves its
// share of capital, and creates the child account with the same sleeve
// and a parent pointer. The transfer itself, and the parent/child
// return to ACTIVE, happen at Seal.
func (m *Manager) BeginFork(parentID string) (*ForkTransaction, error) {
	m.mu.Lock()
	parent, ok := m.accounts[parentID]
	if !ok {
		m.mu.Unlock()
		return nil, corerr.New(corerr.KindInvariantViolation, "unknown account "+parentID)
	}
	if m.forksInProgress[parentID] {
		m.mu.Unlock()
		return nil, corerr.New(corerr.KindRuleViolation, "fork already in progress for "+parentID)
	}
	sleeve, state, value, forkCount := parent.Sleeve, parent.State, parent.CurrentValue, parent.ForkCount
	m.mu.Unlock()

	decision, err := m.rulesEngine.Evaluate(types.ActionForkAccount, types.ForkAccountContext{
		AccountID:      parentID,
		Sleeve:         sleeve,
		State:          state,
		CurrentValue:   value.InexactFloat64(),
		ForkInProgress: false,
		ForkCount:      forkCount,
	})
	if err != nil {
		return nil, err
	}
	if !decision.Approved() {
		return nil, corerr.New(corerr.KindRuleViolation, "fork account rejected: "+summarizeClauses(decision))
	}

	rules, err := m.constitution.Sleeve(constitution.Sleeve(sleeve))
	if err != nil {
		return nil, err
	}
	amount := value.Mul(rules.AllocationRatio)

	if err := m.transition(parentID, types.AccountStateForking); err != nil {
		return nil, err
	}
	if err := m.ReserveCapital(parentID, amount); err != nil {
		_ = m.transition(parentID, types.AccountStateActive)
		return nil, err
	}

	m.mu.Lock()
	m.forksInProgress[parentID] = true
	m.mu.Unlock()

	child, err := m.CreateAccount(sleeve, parentID, amount)
	if err != nil {
		_ = m.ReleaseCapital(parentID, amount)
		_ = m.transition(parentID, types.AccountStateActive)
		m.mu.Lock()
		delete(m.forksInProgress, parentID)
		m.mu.Unlock()
		return nil, err
	}

	txn := &ForkTransaction{ParentID: parentID, ChildID: child.ID, Amount: amount}
	m.audit("fork_begun", parentID, map[string]any{"childId": child.ID, "amount": amount.String()})
	return txn, nil
}

// RollbackFork reverses an unsealed fork: the child account is discarded,
// the parent's reservation released, and the parent returns to ACTIVE.
func (m *Manager) RollbackFork(txn *ForkTransaction) error {
	if txn.sealed {
		return corerr.New(corerr.KindInvariantViolation, "cannot roll back a sealed fork")
	}

	m.mu.Lock()
	delete(m.accounts, txn.ChildID)
	delete(m.equityHistory, txn.ChildID)
	delete(m.forksInProgress, txn.ParentID)
	m.mu.Unlock()

	if err := m.ReleaseCapital(txn.ParentID, txn.Amount); err != nil {
		return err
	}
	if err := m.transition(txn.ParentID, types.AccountStateActive); err != nil {
		return err
	}

	m.audit("fork_rolled_back", txn.ParentID, map[string]any{"childId": txn.ChildID, "amount": txn.Amount.String()})
	return nil
}

// Seal finalizes the fork: reserved capital moves out of the parent into
// the child's available balance, the parent's fork count increments, and
// both accounts return to ACTIVE. Irreversible once it returns nil.
func (m *Manager) Seal(txn *ForkTransaction) error {
	if txn.sealed {
		return corerr.New(corerr.KindInvariantViolation, "fork already sealed")
	}

	m.mu.Lock()
	parent, ok := m.accounts[txn.ParentID]
	child, childOK := m.accounts[txn.ChildID]
	if !ok || !childOK {
		m.mu.Unlock()
		return corerr.New(corerr.KindInvariantViolation, "fork transaction references a missing account")
	}

	parent.ReservedCapital = parent.ReservedCapital.Sub(txn.Amount)
	parent.CurrentValue = parent.CurrentValue.Sub(txn.Amount)
	parent.ForkCount++
	parent.LastActivity = time.Now()

	child.AvailableCapital = txn.Amount
	child.ReservedCapital = decimal.Zero
	child.CurrentValue = txn.Amount

	delete(m.forksInProgress, txn.ParentID)
	parentInvariant, childInvariant := parent.Invariant(), child.Invariant()
	m.mu.Unlock()

	if !parentInvariant || !childInvariant {
		return corerr.New(corerr.KindInvariantViolation, "fork seal broke a capital invariant")
	}

	if err := m.transition(txn.ParentID, types.AccountStateActive); err != nil {
		return err
	}
	if err := m.transition(txn.ChildID, types.AccountStateActive); err != nil {
		return err
	}

	txn.sealed = true
	m.audit("fork_sealed", txn.ParentID, map[string]any{"childId": txn.ChildID, "amount": txn.Amount.String()})
	return nil
}

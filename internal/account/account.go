// Package account implements the Account Manager: Account entity
// lifecycle, the Position subtree under each account, capital
// reservation, the forking/consolidation engines, and performance
// attribution. State transitions and fork/open approvals are delegated
// to internal/rules, never re-implemented here.
package account

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trueasset/alluse-core/internal/audit"
	"github.com/trueasset/alluse-core/internal/constitution"
	"github.com/trueasset/alluse-core/internal/corerr"
	"github.com/trueasset/alluse-core/internal/rules"
	"github.com/trueasset/alluse-core/pkg/types"
	"github.com/trueasset/alluse-core/pkg/utils"
	"go.uber.org/zap"
)

// Manager owns every Account entity and the Position subtree beneath
// it. All mutation goes through Manager methods; readers take a
// consistent snapshot per call.
type Manager struct {
	logger       *zap.Logger
	constitution *constitution.Constitution
	rulesEngine  *rules.Engine
	auditLog     *audit.Log

	mu              sync.RWMutex
	accounts        map[string]*types.Account
	positions       map[string]*types.Position
	equityHistory   map[string][]types.EquityPoint
	pnlHistory      map[string][]decimal.Decimal
	forksInProgress map[string]bool
}

// New constructs an Account Manager bound to the Rules Engine it
// delegates every state transition and open/fork approval to.
func New(logger *zap.Logger, c *constitution.Constitution, rulesEngine *rules.Engine, auditLog *audit.Log) *Manager {
	return &Manager{
		logger:          logger,
		constitution:    c,
		rulesEngine:     rulesEngine,
		auditLog:        auditLog,
		accounts:        make(map[string]*types.Account),
		positions:       make(map[string]*types.Position),
		equityHistory:   make(map[string][]types.EquityPoint),
		pnlHistory:      make(map[string][]decimal.Decimal),
		forksInProgress: make(map[string]bool),
	}
}

// CreateAccount opens a new Account in the initial SAFE state.
func (m *Manager) CreateAccount(sleeve types.Sleeve, parentID string, initialCapital decimal.Decimal) (*types.Account, error) {
	if _, err := m.constitution.Sleeve(constitution.Sleeve(sleeve)); err != nil {
		return nil, corerr.Wrap(corerr.KindUnknownSleeve, string(sleeve), err)
	}
	now := time.Now()
	acc := &types.Account{
		ID:               utils.GenerateID("acct"),
		Sleeve:           sleeve,
		ParentID:         parentID,
		State:            types.AccountStateSafe,
		InitialCapital:   initialCapital,
		CurrentValue:     initialCapital,
		AvailableCapital: initialCapital,
		ReservedCapital:  decimal.Zero,
		CreatedAt:        now,
		LastActivity:     now,
	}
	if rules, err := m.constitution.Sleeve(constitution.Sleeve(sleeve)); err == nil {
		acc.ReinvestmentPolicy = rules.ReinvestmentSweepPct
	}

	m.mu.Lock()
	m.accounts[acc.ID] = acc
	m.equityHistory[acc.ID] = []types.EquityPoint{{Timestamp: now, Equity: initialCapital}}
	m.mu.Unlock()

	m.audit("account_created", acc.ID, map[string]any{
		"sleeve":         sleeve,
		"parentId":       parentID,
		"initialCapital": initialCapital.String(),
	})
	return acc, nil
}

// Get returns a copy of an account's current state.
func (m *Manager) Get(accountID string) (types.Account, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.accounts[accountID]
	if !ok {
		return types.Account{}, false
	}
	return *acc, true
}

// Snapshot returns a consistent copy of every account.
func (m *Manager) Snapshot() []types.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Account, 0, len(m.accounts))
	for _, acc := range m.accounts {
		out = append(out, *acc)
	}
	return out
}

// Position returns a copy of a tracked position.
func (m *Manager) Position(positionID string) (types.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.positions[positionID]
	if !ok {
		return types.Position{}, false
	}
	return *pos, true
}

// PositionsByAccount returns a consistent snapshot of an account's open
// and closed positions.
func (m *Manager) PositionsByAccount(accountID string) []types.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.accounts[accountID]
	if !ok {
		return nil
	}
	out := make([]types.Position, 0, len(acc.PositionIDs))
	for _, id := range acc.PositionIDs {
		if p, ok := m.positions[id]; ok {
			out = append(out, *p)
		}
	}
	return out
}

// Activate transitions an account SAFE -> ACTIVE after the caller has
// completed reconciliation against broker positions and balances. The
// reconciliation check itself is the caller's responsibility (it needs
// broker state this package does not own); Activate only performs the
// rule-gated transition once the caller reports it clean.
func (m *Manager) Activate(accountID string) error {
	return m.transition(accountID, types.AccountStateActive)
}

// Suspend forces an account to SUSPENDED (operator command or
// unrecoverable invariant violation). Reachable from any
// state.
func (m *Manager) Suspend(accountID string) error {
	return m.transition(accountID, types.AccountStateSuspended)
}

// SafeMode forces an account back to SAFE (VIX trigger, orchestrator
// command). Reachable from any state.
func (m *Manager) SafeMode(accountID string) error {
	return m.transition(accountID, types.AccountStateSafe)
}

func (m *Manager) transition(accountID string, to types.AccountState) error {
	m.mu.RLock()
	acc, ok := m.accounts[accountID]
	m.mu.RUnlock()
	if !ok {
		return corerr.New(corerr.KindInvariantViolation, "unknown account "+accountID)
	}
	from := acc.State

	decision, err := m.rulesEngine.Evaluate(types.ActionStateTransition, types.StateTransitionContext{
		EntityID: accountID,
		From:     from,
		To:       to,
	})
	if err != nil {
		return err
	}
	if !decision.Approved() {
		return corerr.New(corerr.KindRuleViolation, fmt.Sprintf("state transition %s -> %s rejected: %s", from, to, summarizeClauses(decision)))
	}

	m.mu.Lock()
	acc.State = to
	acc.LastActivity = time.Now()
	m.mu.Unlock()

	m.audit("account_state_transition", accountID, map[string]any{"from": from, "to": to})
	return nil
}

// ReserveCapital moves amount from available to reserved, enforced
// against the account's local invariant (available + reserved ==
// current, reserved <= current; ).
func (m *Manager) ReserveCapital(accountID string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[accountID]
	if !ok {
		return corerr.New(corerr.KindInvariantViolation, "unknown account "+accountID)
	}
	if amount.GreaterThan(acc.AvailableCapital) {
		return corerr.New(corerr.KindRuleViolation, fmt.Sprintf("insufficient available capital: have %s, need %s", acc.AvailableCapital, amount))
	}
	acc.AvailableCapital = acc.AvailableCapital.Sub(amount)
	acc.ReservedCapital = acc.ReservedCapital.Add(amount)
	acc.LastActivity = time.Now()
	if !acc.Invariant() {
		return corerr.New(corerr.KindInvariantViolation, "capital reservation broke account invariant for "+accountID)
	}
	return nil
}

// ReleaseCapital moves amount from reserved back to available.
func (m *Manager) ReleaseCapital(accountID string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[accountID]
	if !ok {
		return corerr.New(corerr.KindInvariantViolation, "unknown account "+accountID)
	}
	release := utils.MinDecimal(amount, acc.ReservedCapital)
	acc.ReservedCapital = acc.ReservedCapital.Sub(release)
	acc.AvailableCapital = acc.AvailableCapital.Add(release)
	acc.LastActivity = time.Now()
	if !acc.Invariant() {
		return corerr.New(corerr.KindInvariantViolation, "capital release broke account invariant for "+accountID)
	}
	return nil
}

// symbolExposure returns the account's current notional exposure to a
// symbol as a fraction of its current value, used to populate
// OpenPositionContext.CurrentExposure for the Rules Engine's per-symbol
// exposure cap clause.
func (m *Manager) symbolExposure(acc *types.Account, symbol string) decimal.Decimal {
	if acc.CurrentValue.IsZero() {
		return decimal.Zero
	}
	exposure := decimal.Zero
	for _, id := range acc.PositionIDs {
		p, ok := m.positions[id]
		if !ok || p.Status != types.PositionOpen || p.Symbol != symbol {
			continue
		}
		exposure = exposure.Add(p.Notional())
	}
	return exposure.Div(acc.CurrentValue)
}

func (m *Manager) audit(kind, accountID string, payload map[string]any) {
	if _, err := m.auditLog.Append(types.AuditRecord{
		Kind:                kind,
		Actor:               "account_manager",
		SubjectIDs:          []string{accountID},
		Payload:             payload,
		ConstitutionVersion: m.constitution.Version(),
	}); err != nil {
		m.logger.Error("failed to audit account manager action", zap.Error(err))
	}
}

func summarizeClauses(d types.Decision) string {
	if len(d.Clauses) == 0 {
		return string(d.Outcome)
	}
	return fmt.Sprintf("%s (%s: %s)", d.Outcome, d.Clauses[0].ClauseRef, d.Clauses[0].Message)
}

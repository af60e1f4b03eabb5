package types

import "time"

// ClauseMessage pairs a Constitution clause reference with the human
// readable reason the Rules Engine attached to it.
type ClauseMessage struct {
	ClauseRef string `json:"clauseRef"`
	Message   string `json:"message"`
}

// Decision is the result of a single Rules Engine evaluation.
type Decision struct {
	Outcome     DecisionOutcome `json:"outcome"`
	Clauses     []ClauseMessage `json:"clauses"`
	EvaluatedAt time.Time       `json:"evaluatedAt"`
}

// Approved reports whether the proposed action may proceed (WARNING still
// proceeds; only REJECTED blocks).
func (d *Decision) Approved() bool {
	return d.Outcome != DecisionRejected
}

// Add folds in a single clause result, raising the overall outcome to the
// more severe of the two per the REJECTED > WARNING > APPROVED tie-break.
func (d *Decision) Add(outcome DecisionOutcome, clauseRef, message string) {
	d.Outcome = Worse(d.Outcome, outcome)
	if outcome != DecisionApproved || message != "" {
		d.Clauses = append(d.Clauses, ClauseMessage{ClauseRef: clauseRef, Message: message})
	}
}

// --- Typed action contexts: one explicit struct per action kind,
// constructed at the boundary; no open-ended key/value bags. ---

// OpenPositionContext is the context for ActionOpenPosition.
type OpenPositionContext struct {
	AccountID          string
	Sleeve             Sleeve
	Strategy           OptionStrategy
	Symbol             string
	Delta              float64
	DTE                int
	Quantity           int
	Strike             float64
	ProposedAt         time.Time
	Quote              MarketQuote
	OpenInterest       int64
	ADVShares          int64
	CurrentExposure    float64 // existing per-symbol exposure fraction before this order
	CapitalUtilization float64 // utilization the account would have after this order
}

// CloseOrRollContext is the context for ActionCloseOrRoll.
type CloseOrRollContext struct {
	AccountID       string
	Sleeve          Sleeve
	PositionID      string
	RemainingCredit float64
	RollCost        float64
	NewDelta        float64
	NewDTE          int
	ProposedAt      time.Time

	// Exit marks a protocol-forced close (L3, stop-loss, max-loss). An
	// exit has no new leg, so the roll-economics and new-strike clauses
	// do not apply.
	Exit bool
}

// ForkAccountContext is the context for ActionForkAccount.
type ForkAccountContext struct {
	AccountID      string
	Sleeve         Sleeve
	State          AccountState
	CurrentValue   float64
	ForkInProgress bool
	ForkCount      int
	MaxForks       int
}

// DeployHedgeContext is the context for ActionDeployHedge.
type DeployHedgeContext struct {
	CurrentVIX     float64
	BudgetFraction float64
	BudgetUsed     float64
	Instrument     string
	DTE            int
}

// StateTransitionContext is the context for ActionStateTransition.
type StateTransitionContext struct {
	EntityID string
	From     AccountState
	To       AccountState
}

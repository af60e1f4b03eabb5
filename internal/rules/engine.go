package rules

import (
	"time"

	"github.com/trueasset/alluse-core/internal/audit"
	"github.com/trueasset/alluse-core/internal/constitution"
	"github.com/trueasset/alluse-core/internal/corerr"
	"github.com/trueasset/alluse-core/pkg/types"
	"go.uber.org/zap"
)

// Engine is the Rules Engine. Evaluation is CPU-only and
// never suspends; the only suspending step is the single
// audit append each call performs before returning.
type Engine struct {
	logger       *zap.Logger
	constitution *constitution.Constitution
	auditLog     *audit.Log
}

// New constructs a Rules Engine bound to a Constitution and Audit Log.
func New(logger *zap.Logger, c *constitution.Constitution, auditLog *audit.Log) *Engine {
	return &Engine{logger: logger, constitution: c, auditLog: auditLog}
}

// Evaluate implements evaluate(action, context) -> Decision
// contract. Every call produces exactly one AuditRecord before returning,
// whether or not the call itself succeeds.
func (e *Engine) Evaluate(action types.ActionKind, ctx any) (types.Decision, error) {
	decision, subjectIDs, evalErr := e.dispatch(action, ctx)
	decision.EvaluatedAt = time.Now()

	kind := "rule_evaluation"
	payload := map[string]any{
		"action":  action,
		"outcome": decision.Outcome,
		"clauses": decision.Clauses,
	}
	if evalErr != nil {
		payload["error"] = evalErr.Error()
	}
	clauseRef := ""
	if len(decision.Clauses) > 0 {
		clauseRef = decision.Clauses[0].ClauseRef
	}
	if _, auditErr := e.auditLog.Append(types.AuditRecord{
		Kind:                kind,
		Actor:               "rules_engine",
		ClauseRef:           clauseRef,
		SubjectIDs:          subjectIDs,
		Payload:             payload,
		ConstitutionVersion: e.constitution.Version(),
	}); auditErr != nil {
		e.logger.Error("failed to audit rule evaluation", zap.Error(auditErr))
	}

	return decision, evalErr
}

func (e *Engine) dispatch(action types.ActionKind, ctxAny any) (types.Decision, []string, error) {
	decision := types.Decision{Outcome: types.DecisionApproved}

	switch action {
	case types.ActionOpenPosition:
		ctx, ok := ctxAny.(types.OpenPositionContext)
		if !ok {
			return decision, nil, corerr.New(corerr.KindUnknownAction, "context does not match OPEN_POSITION")
		}
		if _, err := e.constitution.Sleeve(constitution.Sleeve(ctx.Sleeve)); err != nil {
			return decision, []string{ctx.AccountID}, corerr.Wrap(corerr.KindUnknownSleeve, string(ctx.Sleeve), err)
		}
		validateOpenPosition(e.constitution, ctx, &decision)
		return decision, []string{ctx.AccountID, ctx.Symbol}, nil

	case types.ActionCloseOrRoll:
		ctx, ok := ctxAny.(types.CloseOrRollContext)
		if !ok {
			return decision, nil, corerr.New(corerr.KindUnknownAction, "context does not match CLOSE_OR_ROLL")
		}
		if _, err := e.constitution.Sleeve(constitution.Sleeve(ctx.Sleeve)); err != nil {
			return decision, []string{ctx.AccountID}, corerr.Wrap(corerr.KindUnknownSleeve, string(ctx.Sleeve), err)
		}
		validateCloseOrRoll(e.constitution, ctx, &decision)
		return decision, []string{ctx.AccountID, ctx.PositionID}, nil

	case types.ActionForkAccount:
		ctx, ok := ctxAny.(types.ForkAccountContext)
		if !ok {
			return decision, nil, corerr.New(corerr.KindUnknownAction, "context does not match FORK_ACCOUNT")
		}
		if _, err := e.constitution.Sleeve(constitution.Sleeve(ctx.Sleeve)); err != nil {
			return decision, []string{ctx.AccountID}, corerr.Wrap(corerr.KindUnknownSleeve, string(ctx.Sleeve), err)
		}
		validateForkAccount(e.constitution, ctx, &decision)
		return decision, []string{ctx.AccountID}, nil

	case types.ActionDeployHedge:
		ctx, ok := ctxAny.(types.DeployHedgeContext)
		if !ok {
			return decision, nil, corerr.New(corerr.KindUnknownAction, "context does not match DEPLOY_HEDGE")
		}
		validateDeployHedge(e.constitution, ctx, &decision)
		return decision, nil, nil

	case types.ActionStateTransition:
		ctx, ok := ctxAny.(types.StateTransitionContext)
		if !ok {
			return decision, nil, corerr.New(corerr.KindUnknownAction, "context does not match STATE_TRANSITION")
		}
		validateStateTransition(e.constitution, ctx, &decision)
		return decision, []string{ctx.EntityID}, nil

	case types.ActionOpenLEAP, types.ActionRollLEAP:
		ctx, ok := ctxAny.(types.OpenPositionContext)
		if !ok {
			return decision, nil, corerr.New(corerr.KindUnknownAction, "context does not match OPEN_LEAP/ROLL_LEAP")
		}
		llms, enabled := e.constitution.LLMS()
		if !enabled {
			return decision, nil, corerr.New(corerr.KindUnknownAction, "LLMS module is not enabled in this Constitution")
		}
		validateLLMS(llms, ctx, &decision)
		return decision, []string{ctx.AccountID, ctx.Symbol}, nil

	default:
		return decision, nil, corerr.New(corerr.KindUnknownAction, string(action))
	}
}

package execution

import (
	"context"
	"fmt"

	"github.com/trueasset/alluse-core/pkg/types"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// PositionLedger is the slice of the Account Manager the reconciler
// needs: the internal view of positions to compare against broker truth.
type PositionLedger interface {
	AllPositions() []types.Position
}

// Reconcile fetches open orders and positions from the broker and
// resolves every discrepancy by preferring broker truth, emitting one
// reconciliation AuditRecord per divergence. The
// aggregated mismatch error is returned so the caller can decide whether
// the system may leave SAFE; a nil return means the views agree.
func (e *Engine) Reconcile(ctx context.Context, ledger PositionLedger) error {
	var divergences error

	brokerOrders, err := e.adapter.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("fetch broker open orders: %w", err)
	}
	brokerByID := make(map[string]types.Order, len(brokerOrders))
	for _, o := range brokerOrders {
		brokerByID[o.ClientOrderID] = o
	}

	e.mu.Lock()
	for id, local := range e.orders {
		if local.Status.IsTerminal() || local.Status == types.OrderStatusPendingValidation {
			continue
		}
		remote, known := brokerByID[id]
		switch {
		case !known && local.Status == types.OrderStatusSubmitted:
			// Broker no longer has it working; prefer broker truth and
			// park the order in ERROR for operator review.
			local.Status = types.OrderStatusError
			divergences = multierr.Append(divergences,
				fmt.Errorf("order %s: local SUBMITTED, broker unknown", id))
			e.reconAudit(id, "order missing at broker", local.Status)
		case known && remote.FilledQty != local.FilledQty:
			localFilled := local.FilledQty
			local.FilledQty = remote.FilledQty
			local.AvgFillPrice = remote.AvgFillPrice
			if remote.FilledQty >= local.Qty {
				local.Status = types.OrderStatusFilled
			}
			divergences = multierr.Append(divergences,
				fmt.Errorf("order %s: fill qty local %d vs broker %d", id, localFilled, remote.FilledQty))
			e.reconAudit(id, "fill quantity divergence", local.Status)
		}
	}
	e.mu.Unlock()

	if ledger != nil {
		brokerPositions, err := e.adapter.Positions(ctx)
		if err != nil {
			return multierr.Append(divergences, fmt.Errorf("fetch broker positions: %w", err))
		}
		remote := make(map[string]types.Position, len(brokerPositions))
		for _, p := range brokerPositions {
			remote[p.ID] = p
		}
		for _, local := range ledger.AllPositions() {
			if local.Status != types.PositionOpen {
				continue
			}
			rp, known := remote[local.ID]
			if !known {
				divergences = multierr.Append(divergences,
					fmt.Errorf("position %s: open locally, unknown at broker", local.ID))
				e.reconAudit(local.ID, "position missing at broker", "")
				continue
			}
			if rp.Quantity != local.Quantity {
				divergences = multierr.Append(divergences,
					fmt.Errorf("position %s: qty local %d vs broker %d", local.ID, local.Quantity, rp.Quantity))
				e.reconAudit(local.ID, "position quantity divergence", "")
			}
		}
	}

	if divergences != nil {
		e.logger.Warn("reconciliation found divergences", zap.Error(divergences))
	}
	return divergences
}

func (e *Engine) reconAudit(subjectID, detail string, resolvedStatus types.OrderStatus) {
	payload := map[string]any{"detail": detail, "resolution": "broker truth preferred"}
	if resolvedStatus != "" {
		payload["resolvedStatus"] = resolvedStatus
	}
	if _, err := e.auditLog.Append(types.AuditRecord{
		Kind:                "reconciliation_mismatch",
		Actor:               "execution_engine",
		SubjectIDs:          []string{subjectID},
		Payload:             payload,
		ConstitutionVersion: e.constitution.Version(),
	}); err != nil {
		e.logger.Error("failed to audit reconciliation mismatch", zap.Error(err))
	}
}

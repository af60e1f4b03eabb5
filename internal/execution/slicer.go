package execution

import (
	"fmt"

	"github.com/trueasset/alluse-core/pkg/types"
)

// sliceOrder splits an order exceeding the Constitution's slice
// threshold into equal slices sharing a parent-order-id.
// At exactly the threshold the order passes through unsplit; threshold+1
// splits. Slice client-order-ids are derived deterministically from the
// parent id so re-submission of the same parent stays idempotent.
func sliceOrder(order types.Order, threshold int) []types.Order {
	if threshold <= 0 || order.Qty <= threshold {
		return []types.Order{order}
	}

	n := (order.Qty + threshold - 1) / threshold
	base := order.Qty / n
	remainder := order.Qty % n

	slices := make([]types.Order, 0, n)
	for i := 0; i < n; i++ {
		s := order
		s.ParentOrderID = order.ClientOrderID
		s.ClientOrderID = fmt.Sprintf("%s-s%d", order.ClientOrderID, i+1)
		s.Qty = base
		if i < remainder {
			s.Qty++
		}
		slices = append(slices, s)
	}
	return slices
}

package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order is a single order in the Execution Engine's lifecycle state
// machine. ClientOrderID is the idempotency key.
type Order struct {
	ClientOrderID string          `json:"clientOrderId"`
	BrokerOrderID string          `json:"brokerOrderId,omitempty"`
	ParentOrderID string          `json:"parentOrderId,omitempty"`
	AccountID     string          `json:"accountId"`
	PositionID    string          `json:"positionId,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Qty           int             `json:"qty"`
	LimitPrice    decimal.Decimal `json:"limitPrice,omitempty"`
	StopPrice     decimal.Decimal `json:"stopPrice,omitempty"`
	TIF           TimeInForce     `json:"tif"`
	Status        OrderStatus     `json:"status"`
	FilledQty     int             `json:"filledQty"`
	AvgFillPrice  decimal.Decimal `json:"avgFillPrice"`
	Venue         string          `json:"venue"`
	RuleCitation  string          `json:"ruleCitation,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	SubmittedAt *time.Time `json:"submittedAt,omitempty"`
	FilledAt    *time.Time `json:"filledAt,omitempty"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`
}

// Remaining is the unfilled quantity.
func (o *Order) Remaining() int {
	return o.Qty - o.FilledQty
}

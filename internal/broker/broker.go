// Package broker defines the broker adapter contract the Execution
// Engine consumes. The core never speaks a broker wire protocol itself;
// an Adapter normalizes venue-specific representations to the commands
// and events below. The package also ships a paper adapter used for
// development and tests.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trueasset/alluse-core/pkg/types"
)

// ConnectionState reports the adapter's link to the venue.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "DISCONNECTED"
	StateConnecting   ConnectionState = "CONNECTING"
	StateConnected    ConnectionState = "CONNECTED"
)

// EventKind identifies the normalized event shape coming off the venue.
type EventKind string

const (
	EventConnectionState EventKind = "connection_state"
	EventOrderAck        EventKind = "order_ack"
	EventOrderFill       EventKind = "order_fill"
	EventOrderReject     EventKind = "order_reject"
	EventOrderCancelAck  EventKind = "order_cancel_ack"
	EventAccountUpdate   EventKind = "account_update"
	EventHeartbeat       EventKind = "heartbeat"
)

// Event is a single normalized venue event. Seq is strictly increasing
// per connection; the Execution Engine relies on it for fill ordering.
type Event struct {
	Seq           uint64
	Kind          EventKind
	At            time.Time
	ClientOrderID string
	BrokerOrderID string
	FillQty       int
	FillPrice     decimal.Decimal
	Reason        string
	State         ConnectionState
	Balances      map[string]decimal.Decimal
}

// Adapter is the bidirectional broker contract. Submit must be
// idempotent by client-order-id: re-submitting an id the venue has
// already seen must not create a second working order.
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// SubmitOrder hands an order to the venue. A nil return means the
	// venue accepted the wire message; the ack/reject arrives as an Event.
	SubmitOrder(ctx context.Context, order types.Order) error
	// CancelOrder requests cancellation by client-order-id.
	CancelOrder(ctx context.Context, clientOrderID string) error

	// Positions returns the venue's view of open positions, used for
	// startup and reconnect reconciliation.
	Positions(ctx context.Context) ([]types.Position, error)
	// Balances returns cash balances per account known to the venue.
	Balances(ctx context.Context) (map[string]decimal.Decimal, error)
	// OpenOrders returns the venue's view of working orders.
	OpenOrders(ctx context.Context) ([]types.Order, error)

	// Events is the per-connection event stream. Disconnect reports the
	// link going down as a connection-state event and leaves it open.
	Events() <-chan Event
}

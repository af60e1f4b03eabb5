// Package marketdata implements the Market Data Manager: multi-feed
// quote distribution, per-symbol freshness monitoring with failover,
// rolling volatility/volume metrics, and liquidity-score/alert
// computation.
package marketdata

import (
	"context"

	"github.com/trueasset/alluse-core/pkg/types"
)

// Feed is one quote source for a set of symbols: subscribe/unsubscribe,
// delivering Quote events with per-symbol monotonic timestamps.
type Feed interface {
	// Name identifies the feed for audit, logging, and MarketAlert payloads.
	Name() string
	// Subscribe begins streaming quotes for symbols on this feed. The
	// returned channel is closed when the feed stops streaming, at the
	// latest when ctx is cancelled; Unsubscribe does not close it.
	Subscribe(ctx context.Context, symbols []string) (<-chan types.MarketQuote, error)
	// Unsubscribe stops streaming the given symbols on this feed.
	Unsubscribe(symbols []string)
}

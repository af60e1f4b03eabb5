package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketQuote is a single bid/ask/last snapshot for a symbol.
type MarketQuote struct {
	Symbol       string          `json:"symbol"`
	Timestamp    time.Time       `json:"timestamp"`
	Bid          decimal.Decimal `json:"bid"`
	Ask          decimal.Decimal `json:"ask"`
	Last         decimal.Decimal `json:"last"`
	Volume       decimal.Decimal `json:"volume"`
	OpenInterest int64           `json:"openInterest,omitempty"`
	Venue        string          `json:"venue"`
}

// Mid is the midpoint of the bid/ask spread.
func (q *MarketQuote) Mid() decimal.Decimal {
	if q.Bid.IsZero() && q.Ask.IsZero() {
		return decimal.Zero
	}
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// Spread is ask - bid.
func (q *MarketQuote) Spread() decimal.Decimal {
	return q.Ask.Sub(q.Bid)
}

// SpreadPct is spread / mid, zero when mid is zero.
func (q *MarketQuote) SpreadPct() decimal.Decimal {
	mid := q.Mid()
	if mid.IsZero() {
		return decimal.Zero
	}
	return q.Spread().Div(mid)
}

// Staleness is now - quote timestamp.
func (q *MarketQuote) Staleness(now time.Time) time.Duration {
	return now.Sub(q.Timestamp)
}

// OHLCV is a single daily or intraday candle used for ATR computation.
type OHLCV struct {
	Date   time.Time       `json:"date"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// Valid checks the per-bar sanity constraints: non-negative prices and
// volume, high/low containing open and close.
func (b *OHLCV) Valid() bool {
	if b.Open.IsNegative() || b.High.IsNegative() || b.Low.IsNegative() || b.Close.IsNegative() {
		return false
	}
	if b.Volume.IsNegative() {
		return false
	}
	maxOC := decimal.Max(b.Open, b.Close)
	minOC := decimal.Min(b.Open, b.Close)
	if b.High.LessThan(maxOC) || b.Low.GreaterThan(minOC) {
		return false
	}
	return true
}

// MarketAlertKind identifies the condition that triggered a MarketAlert.
type MarketAlertKind string

const (
	AlertFeedDegraded    MarketAlertKind = "FeedDegraded"
	AlertVolatilitySpike MarketAlertKind = "VolatilitySpike"
	AlertSpreadWide      MarketAlertKind = "SpreadWide"
	AlertPriceMove       MarketAlertKind = "PriceMove"
	AlertVolumeSpike     MarketAlertKind = "VolumeSpike"
)

// MarketAlert is emitted by the Market Data Manager when a configured
// threshold crosses.
type MarketAlert struct {
	Kind      MarketAlertKind `json:"kind"`
	Symbol    string          `json:"symbol"`
	Message   string          `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
}

// LiquidityScore computes a [0,1] liquidity score from the spread and
// the volume relative to a rolling average.
func LiquidityScore(spreadPct decimal.Decimal, volume, avgVolume decimal.Decimal) decimal.Decimal {
	spreadComponent := decimal.NewFromInt(1).Sub(decimal.Min(spreadPct.Mul(decimal.NewFromInt(10)), decimal.NewFromInt(1)))
	volumeComponent := decimal.NewFromInt(1)
	if avgVolume.IsPositive() {
		ratio := volume.Div(avgVolume)
		volumeComponent = decimal.Min(ratio, decimal.NewFromInt(1))
	}
	score := spreadComponent.Add(volumeComponent).Div(decimal.NewFromInt(2))
	if score.IsNegative() {
		return decimal.Zero
	}
	if score.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return score
}

package marketdata

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/trueasset/alluse-core/pkg/utils"
)

// timedPrice is a single mid-price sample with its observation time.
type timedPrice struct {
	at    time.Time
	price decimal.Decimal
}

// priceWindow holds timestamped prices within a rolling span and derives
// realized volatility as the sample stdev of the window's period
// returns.
type priceWindow struct {
	span   time.Duration
	prices []timedPrice
}

func newPriceWindow(span time.Duration) *priceWindow {
	return &priceWindow{span: span}
}

// add folds in a new sample and evicts anything older than the window span.
func (w *priceWindow) add(at time.Time, price decimal.Decimal) {
	w.prices = append(w.prices, timedPrice{at: at, price: price})
	cutoff := at.Add(-w.span)
	i := 0
	for i < len(w.prices) && w.prices[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.prices = w.prices[i:]
	}
}

// realizedVolatility returns the stdev of the window's period returns, or
// zero if fewer than two samples are present.
func (w *priceWindow) realizedVolatility() decimal.Decimal {
	if len(w.prices) < 2 {
		return decimal.Zero
	}
	values := make([]decimal.Decimal, len(w.prices))
	for i, p := range w.prices {
		values[i] = p.price
	}
	return utils.CalculateStdDev(utils.CalculateReturns(values))
}

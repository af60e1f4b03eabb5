package atr

import (
	"github.com/shopspring/decimal"
	"github.com/trueasset/alluse-core/pkg/types"
)

// trueRanges computes the TR series from a window of daily bars:
// TRi = max(hi-li, |hi-ci-1|, |li-ci-1|). The first bar has no prior
// close, so the series is len(bars)-1 long.
func trueRanges(bars []types.OHLCV) []decimal.Decimal {
	if len(bars) < 2 {
		return nil
	}
	trs := make([]decimal.Decimal, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		high, low, prevClose := bars[i].High, bars[i].Low, bars[i-1].Close
		hl := high.Sub(low)
		hc := high.Sub(prevClose).Abs()
		lc := low.Sub(prevClose).Abs()
		tr := decimal.Max(hl, hc, lc)
		trs = append(trs, tr)
	}
	return trs
}

// applyMethod smooths a true-range series with the requested method.
func applyMethod(trs []decimal.Decimal, period int, method types.ATRMethod) decimal.Decimal {
	if len(trs) < period {
		return decimal.Zero
	}
	switch method {
	case types.ATRMethodEMA:
		return ema(trs, period)
	case types.ATRMethodWilder:
		return wilder(trs, period)
	default:
		return sma(trs[len(trs)-period:])
	}
}

func sma(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(len(values))))
}

// ema applies EMA smoothing with alpha = 2/(N+1), seeded by the SMA of
// the first N values.
func ema(trs []decimal.Decimal, period int) decimal.Decimal {
	alpha := decimal.NewFromInt(2).Div(decimal.NewFromInt(int64(period + 1)))
	value := sma(trs[:period])
	for i := period; i < len(trs); i++ {
		value = trs[i].Mul(alpha).Add(value.Mul(decimal.NewFromInt(1).Sub(alpha)))
	}
	return value
}

// wilder applies Wilder smoothing with alpha = 1/N, seeded by the SMA of
// the first N values.
func wilder(trs []decimal.Decimal, period int) decimal.Decimal {
	alpha := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(period)))
	value := sma(trs[:period])
	for i := period; i < len(trs); i++ {
		value = trs[i].Mul(alpha).Add(value.Mul(decimal.NewFromInt(1).Sub(alpha)))
	}
	return value
}

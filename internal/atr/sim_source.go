package atr

import (
	"context"
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trueasset/alluse-core/pkg/types"
)

// SimSource synthesizes a plausible daily OHLC history for paper mode
// and tests. Bars are deterministic per (symbol, asOf) so repeated
// computes within a day agree with each other.
type SimSource struct {
	name    string
	quality float64
}

// NewSimSource constructs a simulated bars source.
func NewSimSource(name string, quality float64) *SimSource {
	return &SimSource{name: name, quality: quality}
}

func (s *SimSource) Name() string { return s.name }

func (s *SimSource) QualityScore() float64 { return s.quality }

// Bars generates windowDays of contiguous daily bars ending asOf,
// random-walking around a symbol-seeded base price.
func (s *SimSource) Bars(ctx context.Context, symbol string, windowDays int, asOf time.Time) ([]types.OHLCV, error) {
	h := fnv.New64a()
	h.Write([]byte(symbol))
	h.Write([]byte(asOf.Format("2006-01-02")))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	price := 50 + float64(h.Sum64()%400)
	bars := make([]types.OHLCV, 0, windowDays)
	day := asOf.AddDate(0, 0, -windowDays+1)
	for i := 0; i < windowDays; i++ {
		open := price
		move := (rng.Float64() - 0.5) * 0.03 * price
		clos := open + move
		high := maxF(open, clos) + rng.Float64()*0.01*price
		low := minF(open, clos) - rng.Float64()*0.01*price
		bars = append(bars, types.OHLCV{
			Date:   day,
			Open:   decimal.NewFromFloat(open),
			High:   decimal.NewFromFloat(high),
			Low:    decimal.NewFromFloat(low),
			Close:  decimal.NewFromFloat(clos),
			Volume: decimal.NewFromInt(int64(rng.Intn(5_000_000) + 100_000)),
		})
		price = clos
		day = day.AddDate(0, 0, 1)
	}
	return bars, nil
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

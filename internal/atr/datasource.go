package atr

import (
	"context"
	"time"

	"github.com/trueasset/alluse-core/pkg/types"
)

// DataSource is one OHLC provider in the ordered fallback chain.
type DataSource interface {
	// Name identifies the source for audit and confidence attribution.
	Name() string
	// QualityScore is this source's baseline confidence contribution,
	// typically 0.7-1.0.
	QualityScore() float64
	// Bars fetches windowDays of daily OHLC ending asOf (inclusive).
	Bars(ctx context.Context, symbol string, windowDays int, asOf time.Time) ([]types.OHLCV, error)
}

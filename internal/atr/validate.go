package atr

import (
	"time"

	"github.com/trueasset/alluse-core/pkg/types"
)

// validationResult summarizes a bar-window quality check: contiguous
// dates within tolerance, no negative prices, high >= max(open,close),
// low <= min(open,close), volume >= 0.
type validationResult struct {
	ok       bool
	warnings int
}

// validateBars applies the quality checks to a window of daily bars,
// already assumed sorted ascending by date.
func validateBars(bars []types.OHLCV, dateTolerance time.Duration) validationResult {
	if len(bars) == 0 {
		return validationResult{ok: false}
	}

	var warnings int
	for i, bar := range bars {
		if !bar.Valid() {
			return validationResult{ok: false}
		}
		if i == 0 {
			continue
		}
		gap := bar.Date.Sub(bars[i-1].Date)
		if gap <= 0 {
			return validationResult{ok: false}
		}
		if gap > expectedGap(bars)+dateTolerance {
			warnings++
		}
	}
	return validationResult{ok: true, warnings: warnings}
}

// expectedGap estimates the nominal spacing between bars (1 day for daily
// series, wider across weekends) from the median of observed gaps.
func expectedGap(bars []types.OHLCV) time.Duration {
	if len(bars) < 2 {
		return 24 * time.Hour
	}
	gaps := make([]time.Duration, 0, len(bars)-1)
	for i := 1; i < len(bars) && i <= 10; i++ {
		gaps = append(gaps, bars[i].Date.Sub(bars[i-1].Date))
	}
	// simple insertion sort; N is tiny (<=10)
	for i := 1; i < len(gaps); i++ {
		for j := i; j > 0 && gaps[j] < gaps[j-1]; j-- {
			gaps[j], gaps[j-1] = gaps[j-1], gaps[j]
		}
	}
	return gaps[len(gaps)/2]
}

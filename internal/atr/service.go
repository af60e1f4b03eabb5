// Package atr implements the ATR Service:
// pulls OHLC from ordered data-source fallbacks, validates, computes
// ATR(N), and caches with TTL.
package atr

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trueasset/alluse-core/internal/corerr"
	"github.com/trueasset/alluse-core/pkg/types"
	"go.uber.org/zap"
)

// DefaultTTL is the default cache freshness window.
const DefaultTTL = 5 * time.Minute

// DefaultStaleTolerance is the default "newest bar too old" tolerance on
// a trading day.
const DefaultStaleTolerance = 24 * time.Hour

// Service is the ATR Service. One Service instance is shared by every
// caller (Protocol Engine, Rules Engine liquidity checks); its only
// mutable state is the TTL cache, owned internally.
type Service struct {
	logger  *zap.Logger
	sources []DataSource
	cache   *cache
}

// New constructs a Service with data sources in fallback priority order.
func New(logger *zap.Logger, sources []DataSource, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{logger: logger, sources: sources, cache: newCache(ttl)}
}

// ComputeOptions configures a single compute() call.
type ComputeOptions struct {
	Symbol         string
	Period         int
	Method         types.ATRMethod
	WindowDays     int
	AsOf           time.Time
	AllowFallback  bool // caller opts into the fallback multiplier
	StaleTolerance time.Duration
}

// Compute implements compute(symbol, period, method,
// window_days, as_of) -> ATRValue | Error contract.
func (s *Service) Compute(ctx context.Context, opts ComputeOptions) (types.ATRValue, error) {
	if opts.StaleTolerance <= 0 {
		opts.StaleTolerance = DefaultStaleTolerance
	}
	now := time.Now()

	key := cacheKey{symbol: opts.Symbol, period: opts.Period, method: opts.Method, windowDays: opts.WindowDays, asOf: opts.AsOf}
	if cached, ok := s.cache.get(key, now); ok {
		return cached, nil
	}

	// Staleness is measured against the requested as-of date (the wall
	// clock when none is given), so a historical window is not stale
	// merely because it lies in the past.
	ref := now
	if !opts.AsOf.IsZero() {
		ref = opts.AsOf
	}

	var lastErr error
	for _, source := range s.sources {
		bars, err := source.Bars(ctx, opts.Symbol, opts.WindowDays, opts.AsOf)
		if err != nil {
			lastErr = err
			s.logger.Warn("ATR data source failed, trying next", zap.String("source", source.Name()), zap.Error(err))
			continue
		}

		if newest := latestDate(bars); !newest.IsZero() && ref.Sub(newest) > opts.StaleTolerance {
			lastErr = corerr.New(corerr.KindDataStale, "newest bar older than tolerance")
			continue
		}

		result := validateBars(bars, time.Hour)
		if !result.ok {
			lastErr = corerr.New(corerr.KindInvalidData, "bar window failed validation")
			continue
		}
		// A window of exactly Period bars yields Period-1 true ranges,
		// one short of a smoothing seed; Period TR samples need Period+1
		// bars, which the zero-value guard below catches.
		if len(bars) < opts.Period {
			lastErr = corerr.New(corerr.KindInvalidData, "fewer than period data points available")
			continue
		}

		trs := trueRanges(bars)
		value := applyMethod(trs, opts.Period, opts.Method)

		if !value.IsPositive() {
			lastErr = corerr.New(corerr.KindInvalidData, "computed ATR is not positive")
			continue
		}
		currentPrice := bars[len(bars)-1].Close
		if currentPrice.IsPositive() && value.GreaterThan(currentPrice.Mul(decimal.NewFromFloat(0.5))) {
			lastErr = corerr.New(corerr.KindInvalidData, "computed ATR exceeds 50% of current price")
			continue
		}

		confidence := decimal.NewFromFloat(source.QualityScore())
		fallbackUsed := source != s.sources[0]
		if fallbackUsed {
			confidence = confidence.Sub(decimal.NewFromFloat(0.05))
		}
		if result.warnings > 0 {
			confidence = confidence.Sub(decimal.NewFromFloat(0.10))
		}
		if len(bars) < 20 {
			confidence = confidence.Sub(decimal.NewFromFloat(0.05))
		}
		confidence = clamp01(confidence)

		out := types.ATRValue{
			Symbol:       opts.Symbol,
			AsOf:         opts.AsOf,
			Period:       opts.Period,
			Method:       opts.Method,
			Value:        value,
			ComputedAt:   now,
			Source:       source.Name(),
			Confidence:   confidence,
			FallbackUsed: fallbackUsed,
		}
		s.cache.put(key, out, now)
		return out, nil
	}

	if lastErr == nil {
		lastErr = corerr.New(corerr.KindNoData, "no data sources configured")
	}
	if corerr.Is(lastErr, corerr.KindInvalidData) {
		return types.ATRValue{}, lastErr
	}
	if !opts.AllowFallback {
		return types.ATRValue{}, corerr.Wrap(corerr.KindNoData, "all data sources failed", lastErr)
	}

	// Fallback multiplier, only when the caller opted in: 1.1x the value
	// last cached under this same key (same symbol, period, method,
	// window and as-of date) within roughly the past day. A value cached
	// for an earlier as-of date is not consulted.
	if prev, ok := s.cache.get(key, now.Add(-24*time.Hour)); ok {
		fallback := types.ATRValue{
			Symbol:       opts.Symbol,
			AsOf:         opts.AsOf,
			Period:       opts.Period,
			Method:       opts.Method,
			Value:        prev.Value.Mul(decimal.NewFromFloat(1.1)),
			ComputedAt:   now,
			Source:       "fallback_multiplier",
			Confidence:   decimal.Min(decimal.NewFromFloat(0.4), prev.Confidence),
			FallbackUsed: true,
		}
		s.logger.Warn("returning fallback ATR multiplier", zap.String("symbol", opts.Symbol))
		return fallback, nil
	}
	return types.ATRValue{}, corerr.Wrap(corerr.KindNoData, "all data sources failed and no prior value to fall back on", lastErr)
}

func latestDate(bars []types.OHLCV) time.Time {
	if len(bars) == 0 {
		return time.Time{}
	}
	return bars[len(bars)-1].Date
}

func clamp01(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	if d.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return d
}

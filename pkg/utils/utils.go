// Package utils provides small numeric and identifier helpers shared
// across components.
package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// GenerateID generates a unique hex ID with an optional prefix.
func GenerateID(prefix string) string {
	buf := make([]byte, 16)
	rand.Read(buf)
	id := hex.EncodeToString(buf)
	if prefix != "" {
		return fmt.Sprintf("%s_%s", prefix, id)
	}
	return id
}

// RoundToDecimalPlaces rounds a decimal to the given number of places.
func RoundToDecimalPlaces(d decimal.Decimal, places int32) decimal.Decimal {
	return d.Round(places)
}

// CalculatePercentageChange computes the percentage change between two values.
func CalculatePercentageChange(old, new decimal.Decimal) decimal.Decimal {
	if old.IsZero() {
		return decimal.Zero
	}
	return new.Sub(old).Div(old).Mul(decimal.NewFromInt(100))
}

// CalculateReturns computes period-over-period returns from a price/equity series.
func CalculateReturns(values []decimal.Decimal) []decimal.Decimal {
	if len(values) < 2 {
		return nil
	}
	returns := make([]decimal.Decimal, len(values)-1)
	for i := 1; i < len(values); i++ {
		if values[i-1].IsZero() {
			returns[i-1] = decimal.Zero
		} else {
			returns[i-1] = values[i].Sub(values[i-1]).Div(values[i-1])
		}
	}
	return returns
}

// CalculateMean computes the arithmetic mean of decimal values.
func CalculateMean(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(len(values))))
}

// CalculateStdDev computes the sample standard deviation of decimal values.
func CalculateStdDev(values []decimal.Decimal) decimal.Decimal {
	if len(values) < 2 {
		return decimal.Zero
	}
	mean := CalculateMean(values)
	sumSquares := decimal.Zero
	for _, v := range values {
		diff := v.Sub(mean)
		sumSquares = sumSquares.Add(diff.Mul(diff))
	}
	variance := sumSquares.Div(decimal.NewFromInt(int64(len(values) - 1)))
	return decimal.NewFromFloat(math.Sqrt(variance.InexactFloat64()))
}

// CalculateSharpeRatio computes an annualized Sharpe ratio from a period
// return series, used by the Account Manager's performance attribution.
func CalculateSharpeRatio(returns []decimal.Decimal, riskFreeRate decimal.Decimal, periodsPerYear int) decimal.Decimal {
	if len(returns) < 2 {
		return decimal.Zero
	}
	meanReturn := CalculateMean(returns)
	stdDev := CalculateStdDev(returns)
	if stdDev.IsZero() {
		return decimal.Zero
	}
	annualizationFactor := decimal.NewFromFloat(math.Sqrt(float64(periodsPerYear)))
	excessReturn := meanReturn.Sub(riskFreeRate.Div(decimal.NewFromInt(int64(periodsPerYear))))
	return excessReturn.Div(stdDev).Mul(annualizationFactor)
}

// CalculateMaxDrawdown computes the maximum peak-to-trough drawdown of an
// equity curve, used by the Account Manager's performance attribution.
func CalculateMaxDrawdown(equity []decimal.Decimal) decimal.Decimal {
	if len(equity) < 2 {
		return decimal.Zero
	}
	maxDrawdown := decimal.Zero
	peak := equity[0]
	for _, value := range equity {
		if value.GreaterThan(peak) {
			peak = value
		}
		if peak.IsZero() {
			continue
		}
		drawdown := peak.Sub(value).Div(peak)
		if drawdown.GreaterThan(maxDrawdown) {
			maxDrawdown = drawdown
		}
	}
	return maxDrawdown
}

// CalculateWinRate computes the fraction of positive-PnL trades.
func CalculateWinRate(pnls []decimal.Decimal) decimal.Decimal {
	if len(pnls) == 0 {
		return decimal.Zero
	}
	wins := 0
	for _, pnl := range pnls {
		if pnl.GreaterThan(decimal.Zero) {
			wins++
		}
	}
	return decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(len(pnls))))
}

// CalculateProfitFactor computes gross profit / gross loss across trades.
func CalculateProfitFactor(pnls []decimal.Decimal) decimal.Decimal {
	grossProfit := decimal.Zero
	grossLoss := decimal.Zero
	for _, pnl := range pnls {
		if pnl.GreaterThan(decimal.Zero) {
			grossProfit = grossProfit.Add(pnl)
		} else {
			grossLoss = grossLoss.Add(pnl.Abs())
		}
	}
	if grossLoss.IsZero() {
		return decimal.NewFromInt(100) // capped rather than reporting +Inf
	}
	return grossProfit.Div(grossLoss)
}

// TimeRange is an inclusive [Start, End] window.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Duration returns the span of the range.
func (tr TimeRange) Duration() time.Duration { return tr.End.Sub(tr.Start) }

// Contains reports whether t falls within the inclusive range.
func (tr TimeRange) Contains(t time.Time) bool {
	return (t.Equal(tr.Start) || t.After(tr.Start)) && (t.Equal(tr.End) || t.Before(tr.End))
}

// FormatDuration renders a duration in human-readable day/hour/minute form
// for status output and logs.
func FormatDuration(d time.Duration) string {
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

// FormatMoney formats a decimal as a currency string for logs and status output.
func FormatMoney(d decimal.Decimal, currency string) string {
	switch strings.ToUpper(currency) {
	case "USD":
		return "$" + d.StringFixed(2)
	case "GBP":
		return "£" + d.StringFixed(2)
	case "EUR":
		return "€" + d.StringFixed(2)
	default:
		return d.StringFixed(2) + " " + currency
	}
}

// MinDecimal returns the smaller of two decimals.
func MinDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// MaxDecimal returns the larger of two decimals.
func MaxDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// ClampDecimal clamps value into [min, max].
func ClampDecimal(value, min, max decimal.Decimal) decimal.Decimal {
	if value.LessThan(min) {
		return min
	}
	if value.GreaterThan(max) {
		return max
	}
	return value
}

// RetryConfig configures exponential-backoff retry of a fallible call.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig returns conservative retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

// Retry retries fn with exponential backoff per config, returning the last
// error wrapped with attempt count if every attempt fails.
func Retry[T any](config RetryConfig, fn func() (T, error)) (T, error) {
	var result T
	var err error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result, err = fn()
		if err == nil {
			return result, nil
		}
		if attempt == config.MaxAttempts {
			break
		}
		time.Sleep(delay)
		delay = time.Duration(float64(delay) * config.Multiplier)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}
	return result, fmt.Errorf("after %d attempts: %w", config.MaxAttempts, err)
}

// EMA computes an exponential moving average incrementally.
type EMA struct {
	multiplier decimal.Decimal
	current    decimal.Decimal
	count      int
}

// NewEMA constructs an EMA with smoothing factor alpha = 2/(period+1).
func NewEMA(period int) *EMA {
	return &EMA{multiplier: decimal.NewFromFloat(2.0 / float64(period+1))}
}

// Add folds in a new value and returns the updated EMA.
func (e *EMA) Add(value decimal.Decimal) decimal.Decimal {
	e.count++
	if e.count == 1 {
		e.current = value
		return e.current
	}
	e.current = value.Sub(e.current).Mul(e.multiplier).Add(e.current)
	return e.current
}

// Current returns the EMA's current value.
func (e *EMA) Current() decimal.Decimal { return e.current }

// SMA computes a simple moving average over a sliding window.
type SMA struct {
	period int
	values []decimal.Decimal
	sum    decimal.Decimal
}

// NewSMA constructs an SMA with the given window length.
func NewSMA(period int) *SMA {
	return &SMA{period: period, values: make([]decimal.Decimal, 0, period)}
}

// Add folds in a new value and returns the updated SMA.
func (s *SMA) Add(value decimal.Decimal) decimal.Decimal {
	s.values = append(s.values, value)
	s.sum = s.sum.Add(value)
	if len(s.values) > s.period {
		s.sum = s.sum.Sub(s.values[0])
		s.values = s.values[1:]
	}
	return s.sum.Div(decimal.NewFromInt(int64(len(s.values))))
}

// Current returns the SMA's current value.
func (s *SMA) Current() decimal.Decimal {
	if len(s.values) == 0 {
		return decimal.Zero
	}
	return s.sum.Div(decimal.NewFromInt(int64(len(s.values))))
}

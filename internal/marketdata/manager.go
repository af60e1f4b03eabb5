package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trueasset/alluse-core/internal/audit"
	"github.com/trueasset/alluse-core/internal/constitution"
	"github.com/trueasset/alluse-core/internal/corerr"
	"github.com/trueasset/alluse-core/pkg/types"
	"go.uber.org/zap"
)

const (
	defaultStalenessDuringHours = 5 * time.Second
	defaultStalenessOffHours    = 5 * time.Minute
	volatilityAlertThreshold    = "0.02" // 2% stdev of returns within the 1-minute window
)

// symbolState is single-writer: only the monitoring goroutine consuming
// that symbol's active feed channel mutates it. Readers take
// the RLock.
type symbolState struct {
	mu          sync.RWMutex
	quote       types.MarketQuote
	feedIdx     int
	lastQuoteAt time.Time
	vol1m       *priceWindow
	vol5m       *priceWindow
	vol15m      *priceWindow
}

// Manager is the Market Data Manager: owns
// an ordered set of Feeds, publishes MarketQuote per symbol, monitors
// freshness with failover, and computes rolling volatility/liquidity
// metrics.
type Manager struct {
	logger       *zap.Logger
	constitution *constitution.Constitution
	auditLog     *audit.Log
	feeds        []Feed
	marketHours  func(time.Time) bool

	mu     sync.RWMutex
	states map[string]*symbolState
	alerts chan types.MarketAlert
}

// New constructs a Market Data Manager over feeds in fallback priority
// order (index 0 is primary).
func New(logger *zap.Logger, c *constitution.Constitution, auditLog *audit.Log, feeds []Feed) *Manager {
	return &Manager{
		logger:       logger,
		constitution: c,
		auditLog:     auditLog,
		feeds:        feeds,
		marketHours:  defaultMarketHours,
		states:       make(map[string]*symbolState),
		alerts:       make(chan types.MarketAlert, 256),
	}
}

// Alerts exposes the MarketAlert stream.
func (m *Manager) Alerts() <-chan types.MarketAlert { return m.alerts }

// Quote returns the latest quote for a symbol, if one has been received.
func (m *Manager) Quote(symbol string) (types.MarketQuote, bool) {
	m.mu.RLock()
	st, ok := m.states[symbol]
	m.mu.RUnlock()
	if !ok {
		return types.MarketQuote{}, false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.lastQuoteAt.IsZero() {
		return types.MarketQuote{}, false
	}
	return st.quote, true
}

// Fresh reports whether symbol's last quote is within the staleness
// threshold for the given instant.
func (m *Manager) Fresh(symbol string, now time.Time) bool {
	m.mu.RLock()
	st, ok := m.states[symbol]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	st.mu.RLock()
	last := st.lastQuoteAt
	st.mu.RUnlock()
	if last.IsZero() {
		return false
	}
	return now.Sub(last) <= m.stalenessThreshold(now)
}

// Volatility returns the 1/5/15-minute realized volatility for a symbol.
func (m *Manager) Volatility(symbol string) (v1m, v5m, v15m decimal.Decimal, ok bool) {
	m.mu.RLock()
	st, exists := m.states[symbol]
	m.mu.RUnlock()
	if !exists {
		return decimal.Zero, decimal.Zero, decimal.Zero, false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.vol1m.realizedVolatility(), st.vol5m.realizedVolatility(), st.vol15m.realizedVolatility(), true
}

// LiquidityScore computes the [0,1] liquidity score for a symbol's
// current quote against a caller-supplied average volume baseline.
func (m *Manager) LiquidityScore(symbol string, avgVolume decimal.Decimal) (decimal.Decimal, error) {
	q, ok := m.Quote(symbol)
	if !ok {
		return decimal.Zero, corerr.New(corerr.KindNoData, "no quote state for "+symbol)
	}
	return types.LiquidityScore(q.SpreadPct(), q.Volume, avgVolume), nil
}

// Watch subscribes to symbols on the highest-priority feed and begins
// tracking freshness and volatility for each.
func (m *Manager) Watch(ctx context.Context, symbols []string) error {
	if len(m.feeds) == 0 {
		return corerr.New(corerr.KindNoData, "no feeds registered")
	}
	m.mu.Lock()
	for _, sym := range symbols {
		if _, exists := m.states[sym]; !exists {
			m.states[sym] = &symbolState{
				vol1m:  newPriceWindow(time.Minute),
				vol5m:  newPriceWindow(5 * time.Minute),
				vol15m: newPriceWindow(15 * time.Minute),
			}
		}
	}
	m.mu.Unlock()
	return m.subscribeOnFeed(ctx, 0, symbols)
}

func (m *Manager) subscribeOnFeed(ctx context.Context, feedIdx int, symbols []string) error {
	if feedIdx >= len(m.feeds) {
		return corerr.New(corerr.KindNoData, fmt.Sprintf("all feeds exhausted for %v", symbols))
	}
	feed := m.feeds[feedIdx]
	quotes, err := feed.Subscribe(ctx, symbols)
	if err != nil {
		m.logger.Warn("feed subscribe failed, trying next", zap.String("feed", feed.Name()), zap.Error(err))
		return m.subscribeOnFeed(ctx, feedIdx+1, symbols)
	}
	go m.consume(ctx, feedIdx, quotes)
	return nil
}

func (m *Manager) consume(ctx context.Context, feedIdx int, quotes <-chan types.MarketQuote) {
	for {
		select {
		case <-ctx.Done():
			return
		case q, ok := <-quotes:
			if !ok {
				return
			}
			m.ingest(feedIdx, q)
		}
	}
}

func (m *Manager) ingest(feedIdx int, q types.MarketQuote) {
	m.mu.RLock()
	st, ok := m.states[q.Symbol]
	m.mu.RUnlock()
	if !ok {
		return
	}
	st.mu.Lock()
	st.quote = q
	st.feedIdx = feedIdx
	st.lastQuoteAt = q.Timestamp
	st.vol1m.add(q.Timestamp, q.Mid())
	st.vol5m.add(q.Timestamp, q.Mid())
	st.vol15m.add(q.Timestamp, q.Mid())
	st.mu.Unlock()

	m.checkQuoteAlerts(q, st)
}

func (m *Manager) checkQuoteAlerts(q types.MarketQuote, st *symbolState) {
	guards := m.constitution.Liquidity()
	if q.SpreadPct().GreaterThan(guards.MaxSpreadPct) {
		m.emitAlert(types.MarketAlert{
			Kind:      types.AlertSpreadWide,
			Symbol:    q.Symbol,
			Message:   fmt.Sprintf("spread_pct %s exceeds max %s", q.SpreadPct(), guards.MaxSpreadPct),
			Timestamp: q.Timestamp,
		})
	}

	st.mu.RLock()
	vol1 := st.vol1m.realizedVolatility()
	st.mu.RUnlock()
	threshold, _ := decimal.NewFromString(volatilityAlertThreshold)
	if vol1.GreaterThan(threshold) {
		m.emitAlert(types.MarketAlert{
			Kind:      types.AlertVolatilitySpike,
			Symbol:    q.Symbol,
			Message:   fmt.Sprintf("1m realized volatility %s exceeds %s", vol1, threshold),
			Timestamp: q.Timestamp,
		})
	}
}

// MonitorFreshness runs until ctx is cancelled, checking every interval
// for symbols whose last quote has gone stale, failing them over to the
// next feed, and emitting FeedDegraded.
func (m *Manager) MonitorFreshness(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.sweepStale(ctx, now)
		}
	}
}

func (m *Manager) sweepStale(ctx context.Context, now time.Time) {
	threshold := m.stalenessThreshold(now)

	m.mu.RLock()
	symbols := make([]string, 0, len(m.states))
	for sym := range m.states {
		symbols = append(symbols, sym)
	}
	m.mu.RUnlock()

	for _, sym := range symbols {
		m.mu.RLock()
		st := m.states[sym]
		m.mu.RUnlock()

		st.mu.RLock()
		stale := !st.lastQuoteAt.IsZero() && now.Sub(st.lastQuoteAt) > threshold
		feedIdx := st.feedIdx
		st.mu.RUnlock()
		if !stale {
			continue
		}

		m.emitAlert(types.MarketAlert{
			Kind:      types.AlertFeedDegraded,
			Symbol:    sym,
			Message:   fmt.Sprintf("feed %s stale beyond %s for %s", m.feeds[feedIdx].Name(), threshold, sym),
			Timestamp: now,
		})
		m.audit("feed_degraded", sym, feedIdx)

		if err := m.subscribeOnFeed(ctx, feedIdx+1, []string{sym}); err != nil {
			m.logger.Error("failover exhausted", zap.String("symbol", sym), zap.Error(err))
		}
	}
}

func (m *Manager) stalenessThreshold(now time.Time) time.Duration {
	if m.marketHours(now) {
		return defaultStalenessDuringHours
	}
	return defaultStalenessOffHours
}

func defaultMarketHours(t time.Time) bool {
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}
	minutesSinceMidnight := t.Hour()*60 + t.Minute()
	return minutesSinceMidnight >= 9*60+30 && minutesSinceMidnight <= 16*60
}

func (m *Manager) emitAlert(a types.MarketAlert) {
	select {
	case m.alerts <- a:
	default:
		m.logger.Warn("market alert queue full, dropping", zap.String("symbol", a.Symbol), zap.String("kind", string(a.Kind)))
	}
}

func (m *Manager) audit(kind, symbol string, feedIdx int) {
	if _, err := m.auditLog.Append(types.AuditRecord{
		Kind:                kind,
		Actor:               "market_data_manager",
		SubjectIDs:          []string{symbol},
		Payload:             map[string]any{"feedIndex": feedIdx},
		ConstitutionVersion: m.constitution.Version(),
	}); err != nil {
		m.logger.Error("failed to audit market data event", zap.Error(err))
	}
}

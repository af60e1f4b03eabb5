package account

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/trueasset/alluse-core/internal/corerr"
	"github.com/trueasset/alluse-core/pkg/types"
	"github.com/trueasset/alluse-core/pkg/utils"
)

// RecordEquity appends an equity sample for an account, the raw series
// Performance derives time-weighted return and drawdown from.
func (m *Manager) RecordEquity(accountID string, at time.Time, equity decimal.Decimal) {
	m.mu.Lock()
	m.equityHistory[accountID] = append(m.equityHistory[accountID], types.EquityPoint{Timestamp: at, Equity: equity})
	m.mu.Unlock()
}

// Performance computes per-account attribution: time-weighted return,
// max drawdown, Sharpe, win rate, and profit factor, via the shared
// financial-math helpers in pkg/utils.
func (m *Manager) Performance(accountID string, riskFreeRate decimal.Decimal) (types.PerformanceMetrics, error) {
	m.mu.RLock()
	equity := append([]types.EquityPoint(nil), m.equityHistory[accountID]...)
	pnls := append([]decimal.Decimal(nil), m.pnlHistory[accountID]...)
	m.mu.RUnlock()

	if len(equity) == 0 {
		return types.PerformanceMetrics{}, corerr.New(corerr.KindNoData, "no equity history for "+accountID)
	}

	values := make([]decimal.Decimal, len(equity))
	for i, p := range equity {
		values[i] = p.Equity
	}
	returns := utils.CalculateReturns(values)

	twr := decimal.NewFromInt(1)
	for _, r := range returns {
		twr = twr.Mul(decimal.NewFromInt(1).Add(r))
	}
	twr = twr.Sub(decimal.NewFromInt(1))

	return types.PerformanceMetrics{
		AccountID:          accountID,
		TimeWeightedReturn: twr,
		MaxDrawdown:        utils.CalculateMaxDrawdown(values),
		SharpeRatio:        utils.CalculateSharpeRatio(returns, riskFreeRate, 252),
		WinRate:            utils.CalculateWinRate(pnls),
		ProfitFactor:       utils.CalculateProfitFactor(pnls),
		TotalTrades:        len(pnls),
		AsOf:               time.Now(),
	}, nil
}

// AggregatePerformance rolls a root account's own performance and every
// descendant's up into one value-weighted figure.
func (m *Manager) AggregatePerformance(rootID string, riskFreeRate decimal.Decimal) (types.PerformanceMetrics, error) {
	m.mu.RLock()
	var subtree []*types.Account
	for _, acc := range m.accounts {
		if acc.ID == rootID || isDescendant(m.accounts, acc, rootID) {
			subtree = append(subtree, acc)
		}
	}
	m.mu.RUnlock()

	totalValue := decimal.Zero
	for _, acc := range subtree {
		totalValue = totalValue.Add(acc.CurrentValue)
	}
	if totalValue.IsZero() {
		return types.PerformanceMetrics{}, corerr.New(corerr.KindNoData, "subtree rooted at "+rootID+" has no capital")
	}

	weightedTWR := decimal.Zero
	weightedSharpe := decimal.Zero
	maxDD := decimal.Zero
	totalTrades := 0
	for _, acc := range subtree {
		perf, err := m.Performance(acc.ID, riskFreeRate)
		if err != nil {
			continue
		}
		weight := acc.CurrentValue.Div(totalValue)
		weightedTWR = weightedTWR.Add(perf.TimeWeightedReturn.Mul(weight))
		weightedSharpe = weightedSharpe.Add(perf.SharpeRatio.Mul(weight))
		maxDD = utils.MaxDecimal(maxDD, perf.MaxDrawdown)
		totalTrades += perf.TotalTrades
	}

	return types.PerformanceMetrics{
		AccountID:          rootID,
		TimeWeightedReturn: weightedTWR,
		MaxDrawdown:        maxDD,
		SharpeRatio:        weightedSharpe,
		TotalTrades:        totalTrades,
		AsOf:               time.Now(),
	}, nil
}

func isDescendant(all map[string]*types.Account, acc *types.Account, rootID string) bool {
	for cur := acc; cur.ParentID != ""; {
		if cur.ParentID == rootID {
			return true
		}
		parent, ok := all[cur.ParentID]
		if !ok {
			return false
		}
		cur = parent
	}
	return false
}

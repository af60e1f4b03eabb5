package marketdata

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trueasset/alluse-core/pkg/types"
)

// SimFeed is a random-walk quote generator used in paper mode and tests,
// where no upstream market-data source is attached.
type SimFeed struct {
	name     string
	interval time.Duration

	mu     sync.Mutex
	prices map[string]float64
	subs   map[string]bool
}

// NewSimFeed constructs a simulated feed emitting one quote per symbol
// per interval, walking from the given starting prices (default 100).
func NewSimFeed(name string, interval time.Duration, startPrices map[string]float64) *SimFeed {
	prices := make(map[string]float64)
	for s, p := range startPrices {
		prices[s] = p
	}
	return &SimFeed{
		name:     name,
		interval: interval,
		prices:   prices,
		subs:     make(map[string]bool),
	}
}

func (f *SimFeed) Name() string { return f.name }

// Subscribe streams simulated quotes for symbols until ctx is cancelled.
func (f *SimFeed) Subscribe(ctx context.Context, symbols []string) (<-chan types.MarketQuote, error) {
	f.mu.Lock()
	for _, s := range symbols {
		f.subs[s] = true
		if _, ok := f.prices[s]; !ok {
			f.prices[s] = 100
		}
	}
	f.mu.Unlock()

	out := make(chan types.MarketQuote, 256)
	go func() {
		defer close(out)
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				f.mu.Lock()
				for _, s := range symbols {
					if !f.subs[s] {
						continue
					}
					p := f.prices[s] * (1 + (rng.Float64()-0.5)*0.002)
					f.prices[s] = p
					mid := decimal.NewFromFloat(p)
					half := mid.Mul(decimal.NewFromFloat(0.0005))
					q := types.MarketQuote{
						Symbol:    s,
						Timestamp: now,
						Bid:       mid.Sub(half),
						Ask:       mid.Add(half),
						Last:      mid,
						Volume:    decimal.NewFromInt(int64(rng.Intn(10000) + 500)),
						Venue:     f.name,
					}
					select {
					case out <- q:
					default:
					}
				}
				f.mu.Unlock()
			}
		}
	}()
	return out, nil
}

// Unsubscribe stops emitting the given symbols.
func (f *SimFeed) Unsubscribe(symbols []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range symbols {
		delete(f.subs, s)
	}
}

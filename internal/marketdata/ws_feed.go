package marketdata

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/trueasset/alluse-core/pkg/types"
	"go.uber.org/zap"
)

// wsQuote is the wire shape the upstream quote stream delivers.
type wsQuote struct {
	Symbol       string  `json:"symbol"`
	Bid          float64 `json:"bid"`
	Ask          float64 `json:"ask"`
	Last         float64 `json:"last"`
	Volume       float64 `json:"volume"`
	OpenInterest int64   `json:"openInterest"`
	Timestamp    int64   `json:"timestamp"` // unix millis
}

// WSFeed is a Feed backed by a websocket quote stream (the market-data
// adapter contract from , normalized to MarketQuote).
type WSFeed struct {
	logger *zap.Logger
	name   string
	url    string

	mu         sync.Mutex
	subscribed map[string]bool
}

// NewWSFeed constructs a websocket feed for the given upstream URL.
func NewWSFeed(logger *zap.Logger, name, url string) *WSFeed {
	return &WSFeed{
		logger:     logger.Named("feed-" + name),
		name:       name,
		url:        url,
		subscribed: make(map[string]bool),
	}
}

// Name identifies the feed in audit records and alerts.
func (f *WSFeed) Name() string { return f.name }

// Subscribe dials the upstream, requests the symbol set, and streams
// normalized quotes until ctx is cancelled. Reconnection is the
// Manager's job via feed failover; a broken link closes the channel.
func (f *WSFeed) Subscribe(ctx context.Context, symbols []string) (<-chan types.MarketQuote, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteJSON(map[string]any{"action": "subscribe", "symbols": symbols}); err != nil {
		conn.Close()
		return nil, err
	}
	f.mu.Lock()
	for _, s := range symbols {
		f.subscribed[s] = true
	}
	f.mu.Unlock()

	out := make(chan types.MarketQuote, 256)
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			if ctx.Err() != nil {
				return
			}
			conn.SetReadDeadline(time.Now().Add(30 * time.Second))
			_, raw, err := conn.ReadMessage()
			if err != nil {
				f.logger.Warn("quote stream read failed", zap.Error(err))
				return
			}
			var wq wsQuote
			if err := json.Unmarshal(raw, &wq); err != nil {
				f.logger.Warn("unparseable quote dropped", zap.Error(err))
				continue
			}
			f.mu.Lock()
			wanted := f.subscribed[wq.Symbol]
			f.mu.Unlock()
			if !wanted {
				continue
			}
			select {
			case out <- types.MarketQuote{
				Symbol:       wq.Symbol,
				Timestamp:    time.UnixMilli(wq.Timestamp),
				Bid:          decimal.NewFromFloat(wq.Bid),
				Ask:          decimal.NewFromFloat(wq.Ask),
				Last:         decimal.NewFromFloat(wq.Last),
				Volume:       decimal.NewFromFloat(wq.Volume),
				OpenInterest: wq.OpenInterest,
				Venue:        f.name,
			}:
			default:
				// consumer lagging: drop, the next quote supersedes this one
			}
		}
	}()
	return out, nil
}

// Unsubscribe stops forwarding the given symbols.
func (f *WSFeed) Unsubscribe(symbols []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range symbols {
		delete(f.subscribed, s)
	}
}

package atr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trueasset/alluse-core/pkg/types"
)

// httpBar is the wire shape the daily-bars endpoint returns.
type httpBar struct {
	Date   string  `json:"date"` // yyyy-mm-dd
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// HTTPSource fetches daily OHLC bars from a JSON endpoint. One instance
// per upstream provider; instances are chained in fallback priority
// order when constructing the ATR Service.
type HTTPSource struct {
	name    string
	baseURL string
	quality float64
	client  *http.Client
}

// NewHTTPSource constructs a source for baseURL, which must accept
// GET {baseURL}/bars?symbol=S&days=N&end=yyyy-mm-dd.
func NewHTTPSource(name, baseURL string, quality float64) *HTTPSource {
	return &HTTPSource{
		name:    name,
		baseURL: baseURL,
		quality: quality,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *HTTPSource) Name() string { return s.name }

func (s *HTTPSource) QualityScore() float64 { return s.quality }

// Bars fetches windowDays of daily OHLC ending asOf.
func (s *HTTPSource) Bars(ctx context.Context, symbol string, windowDays int, asOf time.Time) ([]types.OHLCV, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("days", fmt.Sprint(windowDays))
	q.Set("end", asOf.Format("2006-01-02"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/bars?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", s.name, resp.StatusCode)
	}

	var raw []httpBar
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode bars from %s: %w", s.name, err)
	}

	bars := make([]types.OHLCV, 0, len(raw))
	for _, b := range raw {
		date, err := time.Parse("2006-01-02", b.Date)
		if err != nil {
			return nil, fmt.Errorf("bad bar date %q from %s: %w", b.Date, s.name, err)
		}
		bars = append(bars, types.OHLCV{
			Date:   date,
			Open:   decimal.NewFromFloat(b.Open),
			High:   decimal.NewFromFloat(b.High),
			Low:    decimal.NewFromFloat(b.Low),
			Close:  decimal.NewFromFloat(b.Close),
			Volume: decimal.NewFromFloat(b.Volume),
		})
	}
	return bars, nil
}

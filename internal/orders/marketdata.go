package orders

import (
	"context"
	"sync"

	"github.com/go-resty/resty/v2"
	"github.com/ksred/fleet-api/internal/types"
	"github.com/shopspring/decimal"
)

// PriceSource supplies current market prices for risk valuation and
// paper-trade fills.
type PriceSource interface {
	Price(ctx context.Context, exchange, symbol string) (decimal.Decimal, error)
}

// tickerEndpoints maps exchanges with a public binance-compatible ticker
// endpoint to their REST base URL.
var tickerEndpoints = map[string]string{
	"binance": "https://api.binance.com",
	"mexc":    "https://api.mexc.com",
}

// TickerSource fetches spot prices from exchange public ticker endpoints.
// Public endpoints carry no credentials and have generous separate rate
// limits, so these reads bypass the coordinator.
type TickerSource struct {
	http *resty.Client
}

// NewTickerSource creates a ticker-backed price source.
func NewTickerSource() *TickerSource {
	return &TickerSource{http: resty.New()}
}

func (t *TickerSource) Price(ctx context.Context, exchange, symbol string) (decimal.Decimal, error) {
	base, ok := tickerEndpoints[exchange]
	if !ok {
		return decimal.Zero, types.E(types.KindPermanent, "no market data source for exchange %s", exchange)
	}

	var out struct {
		Price string `json:"price"`
	}
	resp, err := t.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&out).
		Get(base + "/api/v3/ticker/price")
	if err != nil {
		return decimal.Zero, types.WrapKind(types.KindTransient, err, "ticker fetch")
	}
	if resp.IsError() {
		return decimal.Zero, types.E(types.KindTransient, "ticker fetch: status %d", resp.StatusCode())
	}

	price, err := decimal.NewFromString(out.Price)
	if err != nil {
		return decimal.Zero, types.WrapKind(types.KindPermanent, err, "ticker price unparseable")
	}
	return price, nil
}

// StaticPrices is a fixed in-memory price source used by the simulation
// driver and tests.
type StaticPrices struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal // keyed exchange:symbol
}

// NewStaticPrices creates an empty static source.
func NewStaticPrices() *StaticPrices {
	return &StaticPrices{prices: make(map[string]decimal.Decimal)}
}

// Set stores a price for an (exchange, symbol) pair.
func (s *StaticPrices) Set(exchange, symbol string, price decimal.Decimal) {
	s.mu.Lock()
	s.prices[exchange+":"+symbol] = price
	s.mu.Unlock()
}

func (s *StaticPrices) Price(_ context.Context, exchange, symbol string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	price, ok := s.prices[exchange+":"+symbol]
	if !ok {
		return decimal.Zero, types.E(types.KindPermanent, "no price set for %s %s", exchange, symbol)
	}
	return price, nil
}

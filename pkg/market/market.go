// Package market fetches quote data from the upstream market-data provider.
package market

import (
	"context"
	"errors"
	"time"
)

const (
	DefaultCurrency = "USD"
	SourceYahoo     = "yahoo_finance"
)

var (
	ErrNoPriceData = errors.New("no price data available")
	ErrUpstream    = errors.New("upstream market data request failed")
)

// MarketData is the quote of one ticker. Optional figures are nil when the provider has none.
type MarketData struct {
	Ticker      string    `json:"ticker"`
	Price       *float64  `json:"current_price,omitempty"`
	TrailingPE  *float64  `json:"trailing_pe,omitempty"`
	ForwardPE   *float64  `json:"forward_pe,omitempty"`
	TrailingEPS *float64  `json:"trailing_eps,omitempty"`
	ForwardEPS  *float64  `json:"forward_eps,omitempty"`
	MarketCap   *float64  `json:"market_cap,omitempty"`
	CompanyName string    `json:"company_name,omitempty"`
	Currency    string    `json:"currency"`
	FetchedAt   time.Time `json:"fetched_at"`
	Source      string    `json:"data_source"`
	Warnings    []string  `json:"fetch_warnings,omitempty"`
}

// IsComplete reports whether the price and at least one P/E ratio are known.
func (m MarketData) IsComplete() bool {
	return m.Price != nil && (m.TrailingPE != nil || m.ForwardPE != nil)
}

func (m MarketData) HasPEData() bool {
	return m.TrailingPE != nil && m.ForwardPE != nil
}

type Provider interface {
	Fetch(ctx context.Context, ticker string) (MarketData, error)
}

// ValidateMarketData rejects quotes without a current price.
func ValidateMarketData(m MarketData) error {
	if m.Price == nil {
		return ErrNoPriceData
	}
	return nil
}

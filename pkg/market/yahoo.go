package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
)

const (
	DefaultYahooBaseURL = "https://query1.finance.yahoo.com"
	quotePath           = "/v7/finance/quote"
	quoteResultPath     = "$.quoteResponse.result[0]"
	maxBodyBytes        = 1 << 20
)

type YahooClient struct {
	baseURL string
	client  *http.Client
	now     func() time.Time
	logger  *slog.Logger
}

type YahooOption func(*YahooClient)

func WithHTTPClient(c *http.Client) YahooOption {
	return func(y *YahooClient) {
		y.client = c
	}
}

func WithYahooClock(now func() time.Time) YahooOption {
	return func(y *YahooClient) {
		y.now = now
	}
}

// NewYahooClient returns a quote client for baseURL whose requests give up after timeout.
func NewYahooClient(baseURL string, timeout time.Duration, opts ...YahooOption) *YahooClient {
	if baseURL == "" {
		baseURL = DefaultYahooBaseURL
	}
	y := &YahooClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		now:     time.Now,
		logger:  slog.With("component", "yahoo"),
	}
	for _, opt := range opts {
		opt(y)
	}
	return y
}

func (y *YahooClient) quoteURL(ticker string) string {
	q := url.Values{}
	q.Set("symbols", ticker)
	return y.baseURL + quotePath + "?" + q.Encode()
}

// jwget performs an HTTP GET request and decodes the JSON response into data.
func (y *YahooClient) jwget(ctx context.Context, addr string, data any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := y.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cannot http GET %v%v: %v", resp.Request.URL.Host, resp.Request.URL.Path, resp.Status)
	}
	return json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(data)
}

func (y *YahooClient) Fetch(ctx context.Context, ticker string) (MarketData, error) {
	var jobj any
	if err := y.jwget(ctx, y.quoteURL(ticker), &jobj); err != nil {
		return MarketData{}, fmt.Errorf("%w: %s: %v", ErrUpstream, ticker, err)
	}

	quote, err := jsonpath.Get(quoteResultPath, jobj)
	if err != nil {
		return MarketData{}, fmt.Errorf("%w: %s: no quote in response: %v", ErrUpstream, ticker, err)
	}
	// jsonpath may wrap a single match in a list
	if list, ok := quote.([]any); ok && len(list) > 0 {
		quote = list[0]
	}
	fields, ok := quote.(map[string]any)
	if !ok {
		return MarketData{}, fmt.Errorf("%w: %s: unexpected quote %T", ErrUpstream, ticker, quote)
	}

	data := extract(ticker, fields)
	data.FetchedAt = y.now()
	y.logger.Debug("quote fetched", "ticker", ticker, "warnings", len(data.Warnings))
	return data, nil
}

// number reads the first finite numeric field among keys. Yahoo sometimes wraps figures as
// {"raw": 1.2, "fmt": "1.20"}.
func number(fields map[string]any, keys ...string) *float64 {
	for _, key := range keys {
		v, err := jsonpath.Get("$."+key, fields)
		if err != nil {
			continue
		}
		if wrapped, ok := v.(map[string]any); ok {
			v = wrapped["raw"]
		}
		f, ok := v.(float64)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		return &f
	}
	return nil
}

func text(fields map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := fields[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func extract(ticker string, fields map[string]any) MarketData {
	data := MarketData{
		Ticker:      ticker,
		Price:       number(fields, "currentPrice", "regularMarketPrice"),
		TrailingPE:  number(fields, "trailingPE"),
		ForwardPE:   number(fields, "forwardPE"),
		TrailingEPS: number(fields, "trailingEps", "epsTrailingTwelveMonths"),
		ForwardEPS:  number(fields, "forwardEps", "epsForward"),
		MarketCap:   number(fields, "marketCap"),
		CompanyName: text(fields, "shortName", "longName"),
		Currency:    text(fields, "currency"),
		Source:      SourceYahoo,
	}
	if data.Currency == "" {
		data.Currency = DefaultCurrency
	}

	if data.Price == nil {
		if data.Price = number(fields, "previousClose", "regularMarketPreviousClose"); data.Price != nil {
			data.Warnings = append(data.Warnings, "Using previousClose as current price")
		}
	}
	if data.TrailingPE == nil {
		data.Warnings = append(data.Warnings, "Missing trailing P/E")
	}
	if data.ForwardPE == nil {
		data.Warnings = append(data.Warnings, "Missing forward P/E")
	}
	if data.Price == nil {
		data.Warnings = append(data.Warnings, "Missing current price")
	}
	return data
}

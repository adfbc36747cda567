package price

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// Feed is an HTTP client for an external quote service. The service exposes
// GET {base}/quote?symbol=X returning {"symbol":…,"price":…} and
// GET {base}/history?symbol=X returning {"candles":[{"date":…,"close":…}]}.
type Feed struct {
	baseURL string
	client  *http.Client
}

// NewFeed creates a quote-service client. A nil httpClient gets a default
// with a 10s timeout.
func NewFeed(baseURL string, httpClient *http.Client) *Feed {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Feed{baseURL: baseURL, client: httpClient}
}

type quoteResponse struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

type historyResponse struct {
	Candles []Candle `json:"candles"`
}

func (f *Feed) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var resp quoteResponse
	if err := f.get(ctx, "/quote", symbol, &resp); err != nil {
		return decimal.Zero, err
	}
	if !resp.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("price: feed returned non-positive price for %s", symbol)
	}
	return resp.Price, nil
}

func (f *Feed) DailyHistory(ctx context.Context, symbol string) ([]Candle, error) {
	var resp historyResponse
	if err := f.get(ctx, "/history", symbol, &resp); err != nil {
		return nil, err
	}
	return resp.Candles, nil
}

func (f *Feed) get(ctx context.Context, path, symbol string, out any) error {
	u := f.baseURL + path + "?symbol=" + url.QueryEscape(symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("price: build request: %w", err)
	}

	res, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("price: fetch %s: %w", symbol, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("price: feed returned %d for %s", res.StatusCode, symbol)
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("price: decode response for %s: %w", symbol, err)
	}
	return nil
}

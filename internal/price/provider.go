// Package price defines the market-data collaborator consumed by the
// valuation paths, plus caching decorators. The ledger core only ever reads
// prices; implementations fail soft and callers degrade a missing price to a
// zero contribution rather than failing a whole valuation.
package price

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnknownSymbol is returned when a provider has no quote for a symbol.
var ErrUnknownSymbol = errors.New("price: unknown symbol")

// Candle is one day of price history.
type Candle struct {
	Date  time.Time       `json:"date"`
	Close decimal.Decimal `json:"close"`
}

// Provider supplies last-known prices and daily history for symbols.
type Provider interface {
	// LastPrice returns the most recent known price for a symbol.
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	// DailyHistory returns daily closes ascending by date.
	DailyHistory(ctx context.Context, symbol string) ([]Candle, error)
}

package price

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Static serves prices from an in-memory table. Used for development and
// testing; deployments point at a real market-data feed instead.
type Static struct {
	mu      sync.RWMutex
	prices  map[string]decimal.Decimal
	history map[string][]Candle
}

// NewStatic creates a static provider seeded with the given price table.
// A nil seed is allowed.
func NewStatic(seed map[string]decimal.Decimal) *Static {
	prices := make(map[string]decimal.Decimal, len(seed))
	for sym, p := range seed {
		prices[sym] = p
	}
	return &Static{
		prices:  prices,
		history: make(map[string][]Candle),
	}
}

// SetPrice replaces the last price for a symbol.
func (s *Static) SetPrice(symbol string, p decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = p
}

// AddCandle appends a history candle for a symbol.
func (s *Static) AddCandle(symbol string, date time.Time, close decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[symbol] = append(s.history[symbol], Candle{Date: date, Close: close})
}

func (s *Static) LastPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return p, nil
}

func (s *Static) DailyHistory(_ context.Context, symbol string) ([]Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candles, ok := s.history[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	out := make([]Candle, len(candles))
	copy(out, candles)
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

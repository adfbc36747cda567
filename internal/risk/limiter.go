// Package risk enforces simple exposure limits on incoming orders: a cap on
// single-order notional value and a cap on the resulting per-symbol position
// quantity. Limits keep a runaway client (or a fat-fingered user) from
// distorting the simulation; they are not margin or brokerage-style risk.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/paperbroker/engine/internal/model"
)

var (
	// ErrOrderNotionalExceeded is returned when a single order's qty*price
	// exceeds the configured maximum.
	ErrOrderNotionalExceeded = errors.New("risk: order notional exceeds limit")

	// ErrPositionLimitExceeded is returned when a buy would push the
	// per-symbol position quantity beyond the configured maximum.
	ErrPositionLimitExceeded = errors.New("risk: position size limit exceeded")
)

// Limiter holds the configured caps. A zero (or negative) cap disables that
// check, so the zero-value Limiter permits everything.
type Limiter struct {
	// MaxOrderNotional is the maximum qty*fillPrice for one order.
	MaxOrderNotional decimal.Decimal

	// MaxPositionQty is the maximum quantity held in any single symbol.
	MaxPositionQty decimal.Decimal
}

// NewLimiter creates a limiter with the given caps.
func NewLimiter(maxOrderNotional, maxPositionQty decimal.Decimal) *Limiter {
	return &Limiter{
		MaxOrderNotional: maxOrderNotional,
		MaxPositionQty:   maxPositionQty,
	}
}

// Check validates an order against the limits. heldQty is the current
// position quantity for the order's symbol.
func (l *Limiter) Check(side model.Side, qty, fillPrice, heldQty decimal.Decimal) error {
	if l.MaxOrderNotional.IsPositive() {
		if qty.Mul(fillPrice).GreaterThan(l.MaxOrderNotional) {
			return ErrOrderNotionalExceeded
		}
	}

	// Sells only shrink positions; the quantity cap applies to buys.
	if side == model.SideBuy && l.MaxPositionQty.IsPositive() {
		if heldQty.Add(qty).GreaterThan(l.MaxPositionQty) {
			return ErrPositionLimitExceeded
		}
	}

	return nil
}

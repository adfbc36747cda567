// Package ledger implements FIFO lot accounting for a single symbol.
//
// A buy appends a new lot; a sell consumes existing lots in ascending
// timestamp order. All functions are pure: they never mutate their inputs,
// so callers can apply them inside a transaction and commit or discard the
// result as a whole.
package ledger

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/paperbroker/engine/internal/model"
	"github.com/paperbroker/engine/internal/money"
)

// ErrInsufficientLots is returned when a sell cannot be covered by the
// stored lots. Distinct from the caller-level position pre-check: hitting
// this error against a position whose qty claimed sufficiency means the
// stored lot data is inconsistent.
var ErrInsufficientLots = errors.New("ledger: insufficient lots to cover sell")

// Book is the derived state of a lot sequence after applying an order.
type Book struct {
	Lots     []model.Lot
	Qty      decimal.Decimal
	AvgPrice decimal.Decimal
}

// Sanitize drops lots with non-positive price or with quantity at or below
// the epsilon threshold, and returns the remainder sorted ascending by
// timestamp. Stored lot data may predate schema tightening, so this is
// applied once on every read before any ledger math.
func Sanitize(lots []model.Lot) []model.Lot {
	clean := make([]model.Lot, 0, len(lots))
	for _, l := range lots {
		if !money.Positive(l.Qty) || !l.Price.IsPositive() {
			continue
		}
		clean = append(clean, l)
	}
	sort.SliceStable(clean, func(i, j int) bool { return clean[i].TS < clean[j].TS })
	return clean
}

// Derive computes the aggregate quantity and the cost-basis-weighted average
// price over a lot sequence. AvgPrice is 0 when the total quantity is within
// epsilon of zero.
func Derive(lots []model.Lot) (qty, avgPrice decimal.Decimal) {
	totalQty := decimal.Zero
	totalCost := decimal.Zero
	for _, l := range lots {
		totalQty = totalQty.Add(l.Qty)
		totalCost = totalCost.Add(l.Qty.Mul(l.Price))
	}
	if !money.Positive(totalQty) {
		return money.Round6(totalQty), decimal.Zero
	}
	return money.Round6(totalQty), money.Round6(totalCost.Div(totalQty))
}

// Apply produces the lot sequence resulting from one fill, plus the derived
// quantity and average price.
//
// Buys append a new lot; existing lots are never touched. Sells walk the
// lots oldest-first, consuming each until the requested quantity is
// exhausted; a partially consumed lot is retained with reduced quantity.
// If the lots cannot cover the full sell, ErrInsufficientLots is returned
// and no partial consumption is reported.
func Apply(lots []model.Lot, side model.Side, qty, price decimal.Decimal, ts int64) (Book, error) {
	clean := Sanitize(lots)

	var next []model.Lot
	switch side {
	case model.SideBuy:
		next = append(next, clean...)
		next = append(next, model.Lot{Qty: qty, Price: price, TS: ts})

	case model.SideSell:
		remaining := qty
		for _, l := range clean {
			if !money.Positive(remaining) {
				next = append(next, l)
				continue
			}
			consumed := decimal.Min(l.Qty, remaining)
			remaining = remaining.Sub(consumed)
			leftover := l.Qty.Sub(consumed)
			if money.Positive(leftover) {
				next = append(next, model.Lot{Qty: leftover, Price: l.Price, TS: l.TS})
			}
		}
		if money.Positive(remaining) {
			return Book{}, ErrInsufficientLots
		}

	default:
		return Book{}, errors.New("ledger: unknown side " + string(side))
	}

	rounded := make([]model.Lot, 0, len(next))
	for _, l := range next {
		if !money.Positive(l.Qty) {
			continue
		}
		rounded = append(rounded, model.Lot{
			Qty:   money.Round6(l.Qty),
			Price: money.Round6(l.Price),
			TS:    l.TS,
		})
	}
	sort.SliceStable(rounded, func(i, j int) bool { return rounded[i].TS < rounded[j].TS })

	totalQty, avgPrice := Derive(rounded)
	return Book{Lots: rounded, Qty: totalQty, AvgPrice: avgPrice}, nil
}

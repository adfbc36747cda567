// Package projection derives account state by replaying the immutable order
// log from the initial credit baseline. It is the read-side alternative to
// the transactional documents, used where live account/position records are
// unavailable to the reader.
//
// The average cost here is a running weighted average that is left unchanged
// by sells. This is deliberately simpler than the FIFO lot ledger and will
// diverge from it after partial sells followed by new buys; the two paths
// are intentionally separate computations and are never reconciled.
package projection

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/paperbroker/engine/internal/model"
	"github.com/paperbroker/engine/internal/money"
)

// Position is the projected holding in one symbol.
type Position struct {
	Symbol   string          `json:"symbol"`
	Qty      decimal.Decimal `json:"qty"`
	AvgPrice decimal.Decimal `json:"avg_price"`
}

// State is the projected account state after replaying an order log.
type State struct {
	Cash      decimal.Decimal     `json:"cash"`
	Positions map[string]Position `json:"positions"`
}

// running accumulates one symbol's replay state at full precision. Rounding
// happens once on output; rounding the average on every step would compound
// at the 6th decimal across long logs.
type running struct {
	qty decimal.Decimal
	avg decimal.Decimal
}

// Replay reconstructs cash and positions from an order log. Pure and
// idempotent: the input is not mutated and identical logs yield identical
// states regardless of the stored ordering.
func Replay(initialCredits decimal.Decimal, orders []model.Order) State {
	sorted := make([]model.Order, len(orders))
	copy(sorted, orders)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	cash := initialCredits
	acc := make(map[string]running)

	for _, o := range sorted {
		notional := o.Qty.Mul(o.FillPrice)
		pos := acc[o.Symbol]

		switch o.Side {
		case model.SideBuy:
			cash = money.Round6(cash.Sub(notional))
			newQty := pos.qty.Add(o.Qty)
			if money.Positive(newQty) {
				// Running weighted average over the quantity held so far.
				pos.avg = pos.avg.Mul(pos.qty).Add(notional).Div(newQty)
			}
			pos.qty = newQty

		case model.SideSell:
			cash = money.Round6(cash.Add(notional))
			// Average cost is unchanged on sells; only quantity shrinks.
			pos.qty = pos.qty.Sub(o.Qty)
		}

		acc[o.Symbol] = pos
	}

	positions := make(map[string]Position, len(acc))
	for sym, p := range acc {
		positions[sym] = Position{
			Symbol:   sym,
			Qty:      money.Round6(p.qty),
			AvgPrice: money.Round6(p.avg),
		}
	}

	return State{Cash: cash, Positions: positions}
}

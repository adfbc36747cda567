// Package model defines the core domain types shared across the engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known order side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// SnapshotType distinguishes order-triggered snapshots (high frequency,
// short retention) from scheduled ones (the durable timeline).
type SnapshotType string

const (
	SnapshotOrder     SnapshotType = "order"
	SnapshotScheduled SnapshotType = "scheduled"
)

// OrderTypeMarket is the only supported order type: immediate fill at the
// last known price.
const OrderTypeMarket = "market"

// OrderStatusFilled marks a settled order. Orders are written exactly once,
// already filled; there is no pending state.
const OrderStatusFilled = "filled"

// DefaultInitialCredits is the virtual cash baseline granted to an account
// that has never traded.
var DefaultInitialCredits = decimal.NewFromInt(1_000_000)

// Account holds a user's virtual cash. Cash and InitialCredits are nil until
// first written; readers resolve the effective balance via AvailableCash.
type Account struct {
	ID             string           `json:"id"`
	Cash           *decimal.Decimal `json:"cash,omitempty"`
	InitialCredits *decimal.Decimal `json:"initial_credits,omitempty"`
}

// AvailableCash resolves the effective cash balance: the cash field if set,
// else the account's initial credits, else the given fallback baseline.
// Safe to call on a nil Account (account document not yet created).
func (a *Account) AvailableCash(fallback decimal.Decimal) decimal.Decimal {
	if a == nil {
		return fallback
	}
	if a.Cash != nil {
		return *a.Cash
	}
	if a.InitialCredits != nil {
		return *a.InitialCredits
	}
	return fallback
}

// Lot is one unconsumed (or partially consumed) buy fill. Lots are created
// on buys, shrunk or removed by sells consuming them oldest-first, and never
// otherwise mutated.
type Lot struct {
	Qty   decimal.Decimal `json:"qty"`
	Price decimal.Decimal `json:"price"`
	TS    int64           `json:"ts"` // Unix milliseconds; FIFO ordering key
}

// Position is a user's holding in one symbol. Qty equals the sum of lot
// quantities and AvgPrice is the cost-basis-weighted average over the
// remaining lots (0 when flat).
type Position struct {
	AccountID string          `json:"account_id"`
	Symbol    string          `json:"symbol"`
	Qty       decimal.Decimal `json:"qty"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
	Lots      []Lot           `json:"lots"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Order is an immutable record of one settlement. Once created, orders are
// never modified or deleted; they are the ledger of truth for the read-side
// portfolio projection.
type Order struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Qty       decimal.Decimal `json:"qty"`
	FillPrice decimal.Decimal `json:"fill_price"`
	Type      string          `json:"type"`
	Status    string          `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
}

// WealthSnapshot is a point-in-time record of total account value:
// Total = Cash + Stocks, where Stocks is the mark-to-market sum over all
// open positions. Append-only; pruned only by age-based retention cleanup.
type WealthSnapshot struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	Cash      decimal.Decimal `json:"cash"`
	Stocks    decimal.Decimal `json:"stocks"`
	Total     decimal.Decimal `json:"total"`
	Source    string          `json:"source"`
	Type      SnapshotType    `json:"snapshot_type"`
	Timestamp time.Time       `json:"ts"`
}

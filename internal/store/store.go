// Package store defines the persistence interface for the engine.
// Implementations include PostgreSQL (source of truth) and in-memory (for
// testing and development).
//
// The store owns the atomicity contract: SettleOrder executes the supplied
// callback against state read inside its critical section and commits the
// account, position, and order writes as one unit, so concurrent settlements
// on the same account serialize and can never both observe pre-settlement
// state.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paperbroker/engine/internal/model"
)

// ErrConflict is returned when a settlement transaction could not commit
// within the store's bounded retry budget.
var ErrConflict = errors.New("store: settlement transaction conflict")

// SettleResult is the full set of writes produced by one settlement.
// Committed atomically or not at all.
type SettleResult struct {
	NewCash  decimal.Decimal
	Position *model.Position
	Order    *model.Order
}

// SettleFunc computes a settlement from the current account and position
// state. acct and pos are nil when the corresponding record does not exist
// yet. Returning an error aborts the transaction with no writes.
type SettleFunc func(acct *model.Account, pos *model.Position) (*SettleResult, error)

// Store is the persistence interface.
type Store interface {
	// --- Accounts ---

	// GetAccount returns an account record, or (nil, nil) when absent.
	GetAccount(ctx context.Context, accountID string) (*model.Account, error)

	// ListAccountIDs returns the IDs of all known accounts.
	ListAccountIDs(ctx context.Context) ([]string, error)

	// --- Positions ---

	// GetPosition returns one position, or (nil, nil) when absent.
	GetPosition(ctx context.Context, accountID, symbol string) (*model.Position, error)

	// ListPositions returns all positions for an account.
	ListPositions(ctx context.Context, accountID string) ([]model.Position, error)

	// --- Orders (immutable, append-only) ---

	// ListOrders returns an account's orders ascending by timestamp.
	ListOrders(ctx context.Context, accountID string) ([]model.Order, error)

	// SettleOrder atomically applies one settlement: it reads the account
	// and the symbol's position, invokes fn, and commits the new cash,
	// position payload, and order record as a single unit.
	SettleOrder(ctx context.Context, accountID, symbol string, fn SettleFunc) (*SettleResult, error)

	// --- Wealth history (append-only, pruned by age) ---

	// InsertSnapshot appends an immutable wealth record.
	InsertSnapshot(ctx context.Context, snap *model.WealthSnapshot) error

	// LatestSnapshot returns the most recent snapshot of the given type,
	// or (nil, nil) when none exists.
	LatestSnapshot(ctx context.Context, accountID string, typ model.SnapshotType) (*model.WealthSnapshot, error)

	// ListSnapshots returns up to limit snapshots, newest first.
	ListSnapshots(ctx context.Context, accountID string, limit int) ([]model.WealthSnapshot, error)

	// PruneSnapshots deletes at most pageSize snapshots of the given type
	// older than cutoff, returning the number deleted. Callers loop until a
	// short page to bound per-invocation cost.
	PruneSnapshots(ctx context.Context, accountID string, typ model.SnapshotType, cutoff time.Time, pageSize int) (int, error)
}

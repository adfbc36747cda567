// Package snapshot records point-in-time wealth history: cash plus the
// mark-to-market value of all open positions. Order-triggered snapshots are
// high-frequency noise kept only briefly; scheduled snapshots form the
// durable timeline and are gated to at most one per interval.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/paperbroker/engine/internal/metrics"
	"github.com/paperbroker/engine/internal/model"
	"github.com/paperbroker/engine/internal/money"
	"github.com/paperbroker/engine/internal/price"
	"github.com/paperbroker/engine/internal/store"
)

// Config tunes the recorder. Zero fields take the defaults below.
type Config struct {
	// ScheduledInterval gates scheduled snapshots: EnsureScheduled is a
	// no-op (beyond pruning) while the latest scheduled record is younger.
	ScheduledInterval time.Duration

	// OrderRetention is the age past which order-type snapshots are pruned.
	OrderRetention time.Duration

	// ScheduledRetention is the age past which scheduled snapshots are pruned.
	ScheduledRetention time.Duration

	// PruneBatchSize bounds how many records one delete pass removes.
	PruneBatchSize int

	// InitialCredits is the cash baseline for accounts with no cash record.
	InitialCredits decimal.Decimal

	// Now is the injected clock; defaults to time.Now.
	Now func() time.Time
}

const (
	defaultScheduledInterval  = 12 * time.Hour
	defaultOrderRetention     = 24 * time.Hour
	defaultScheduledRetention = 365 * 24 * time.Hour
	defaultPruneBatchSize     = 50
)

// Recorder computes and persists wealth snapshots.
type Recorder struct {
	store  store.Store
	prices price.Provider
	cfg    Config
}

// NewRecorder creates a recorder, filling zero config fields with defaults.
func NewRecorder(st store.Store, prices price.Provider, cfg Config) *Recorder {
	if cfg.ScheduledInterval <= 0 {
		cfg.ScheduledInterval = defaultScheduledInterval
	}
	if cfg.OrderRetention <= 0 {
		cfg.OrderRetention = defaultOrderRetention
	}
	if cfg.ScheduledRetention <= 0 {
		cfg.ScheduledRetention = defaultScheduledRetention
	}
	if cfg.PruneBatchSize <= 0 {
		cfg.PruneBatchSize = defaultPruneBatchSize
	}
	if cfg.InitialCredits.IsZero() {
		cfg.InitialCredits = model.DefaultInitialCredits
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Recorder{store: st, prices: prices, cfg: cfg}
}

// Record computes total wealth and appends an immutable snapshot, then runs
// a retention pass for the same snapshot type. A missing price for one
// symbol degrades that position's contribution to zero rather than failing
// the snapshot; only storage errors are returned.
func (r *Recorder) Record(ctx context.Context, accountID, source string, typ model.SnapshotType) error {
	acct, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("snapshot: read account %s: %w", accountID, err)
	}
	cash := acct.AvailableCash(r.cfg.InitialCredits)

	positions, err := r.store.ListPositions(ctx, accountID)
	if err != nil {
		return fmt.Errorf("snapshot: list positions for %s: %w", accountID, err)
	}

	stocks := decimal.Zero
	for _, pos := range positions {
		if money.NegligibleQty(pos.Qty) {
			continue
		}
		p, err := r.prices.LastPrice(ctx, pos.Symbol)
		if err != nil {
			slog.Warn("snapshot price lookup failed, valuing position at 0",
				"account", accountID, "symbol", pos.Symbol, "err", err)
			continue
		}
		stocks = stocks.Add(money.Round6(pos.Qty.Mul(p)))
	}

	snap := &model.WealthSnapshot{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Cash:      cash,
		Stocks:    stocks,
		Total:     money.Round6(cash.Add(stocks)),
		Source:    source,
		Type:      typ,
		Timestamp: r.cfg.Now().UTC(),
	}
	if err := r.store.InsertSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("snapshot: insert for %s: %w", accountID, err)
	}
	metrics.SnapshotsTotal.WithLabelValues(string(typ)).Inc()

	r.prune(ctx, accountID, typ)
	return nil
}

// EnsureScheduled records a scheduled snapshot unless one younger than the
// configured interval already exists. Idempotent within the window: repeated
// calls only re-run the retention pass.
func (r *Recorder) EnsureScheduled(ctx context.Context, accountID string) error {
	latest, err := r.store.LatestSnapshot(ctx, accountID, model.SnapshotScheduled)
	if err != nil {
		return fmt.Errorf("snapshot: latest scheduled for %s: %w", accountID, err)
	}

	if latest != nil && r.cfg.Now().Sub(latest.Timestamp) < r.cfg.ScheduledInterval {
		r.prune(ctx, accountID, model.SnapshotScheduled)
		return nil
	}

	return r.Record(ctx, accountID, "scheduled", model.SnapshotScheduled)
}

// prune deletes aged-out snapshots of one type in bounded pages, looping
// until a short page. Failures are logged, never escalated; the next run
// retries.
func (r *Recorder) prune(ctx context.Context, accountID string, typ model.SnapshotType) {
	retention := r.cfg.OrderRetention
	if typ == model.SnapshotScheduled {
		retention = r.cfg.ScheduledRetention
	}
	cutoff := r.cfg.Now().Add(-retention)

	for {
		n, err := r.store.PruneSnapshots(ctx, accountID, typ, cutoff, r.cfg.PruneBatchSize)
		if err != nil {
			slog.Warn("snapshot retention cleanup failed",
				"account", accountID, "type", string(typ), "err", err)
			return
		}
		if n > 0 {
			metrics.SnapshotsPruned.WithLabelValues(string(typ)).Add(float64(n))
		}
		if n < r.cfg.PruneBatchSize {
			return
		}
	}
}

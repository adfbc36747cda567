package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/paperbroker/engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// lot sequences are stored as JSONB on the position row.
type PostgresStore struct {
	pool       *pgxpool.Pool
	maxRetries int
}

// NewPostgresStore creates a new PostgreSQL-backed store. maxRetries bounds
// how many times a settlement is re-run after a serialization conflict.
func NewPostgresStore(pool *pgxpool.Pool, maxRetries int) *PostgresStore {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &PostgresStore{pool: pool, maxRetries: maxRetries}
}

// Init creates the schema if it does not exist.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			id              TEXT PRIMARY KEY,
			cash            NUMERIC,
			initial_credits NUMERIC
		);
		CREATE TABLE IF NOT EXISTS positions (
			account_id TEXT        NOT NULL,
			symbol     TEXT        NOT NULL,
			qty        NUMERIC     NOT NULL,
			avg_price  NUMERIC     NOT NULL,
			lots       JSONB       NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (account_id, symbol)
		);
		CREATE TABLE IF NOT EXISTS orders (
			id         TEXT PRIMARY KEY,
			account_id TEXT        NOT NULL,
			symbol     TEXT        NOT NULL,
			side       TEXT        NOT NULL,
			qty        NUMERIC     NOT NULL,
			fill_price NUMERIC     NOT NULL,
			order_type TEXT        NOT NULL,
			status     TEXT        NOT NULL,
			ts         TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS orders_account_ts ON orders (account_id, ts);
		CREATE TABLE IF NOT EXISTS wealth_history (
			id            TEXT PRIMARY KEY,
			account_id    TEXT        NOT NULL,
			cash          NUMERIC     NOT NULL,
			stocks        NUMERIC     NOT NULL,
			total         NUMERIC     NOT NULL,
			source        TEXT        NOT NULL,
			snapshot_type TEXT        NOT NULL,
			ts            TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS wealth_account_type_ts ON wealth_history (account_id, snapshot_type, ts);
	`)
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	var cash, credits *string
	err := s.pool.QueryRow(ctx,
		`SELECT cash::TEXT, initial_credits::TEXT FROM accounts WHERE id = $1`, accountID).
		Scan(&cash, &credits)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", accountID, err)
	}
	return buildAccount(accountID, cash, credits), nil
}

func (s *PostgresStore) ListAccountIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) GetPosition(ctx context.Context, accountID, symbol string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT qty::TEXT, avg_price::TEXT, lots, updated_at
		 FROM positions WHERE account_id = $1 AND symbol = $2`, accountID, symbol)
	pos, err := scanPosition(row, accountID, symbol)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return pos, err
}

func (s *PostgresStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT symbol, qty::TEXT, avg_price::TEXT, lots, updated_at
		 FROM positions WHERE account_id = $1 ORDER BY symbol`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var (
			symbol     string
			qtyS, avgS string
			lotsRaw    []byte
			updatedAt  time.Time
		)
		if err := rows.Scan(&symbol, &qtyS, &avgS, &lotsRaw, &updatedAt); err != nil {
			return nil, err
		}
		p, err := buildPosition(accountID, symbol, qtyS, avgS, lotsRaw, updatedAt)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) ListOrders(ctx context.Context, accountID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, symbol, side, qty::TEXT, fill_price::TEXT, order_type, status, ts
		 FROM orders WHERE account_id = $1 ORDER BY ts`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var (
			o            model.Order
			side         string
			qtyS, priceS string
		)
		if err := rows.Scan(&o.ID, &o.AccountID, &o.Symbol, &side, &qtyS, &priceS, &o.Type, &o.Status, &o.Timestamp); err != nil {
			return nil, err
		}
		o.Side = model.Side(side)
		o.Qty, _ = decimal.NewFromString(qtyS)
		o.FillPrice, _ = decimal.NewFromString(priceS)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// SettleOrder runs the settlement transaction, retrying up to maxRetries
// times on serialization conflicts before surfacing ErrConflict.
func (s *PostgresStore) SettleOrder(ctx context.Context, accountID, symbol string, fn SettleFunc) (*SettleResult, error) {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		res, err := s.settleOnce(ctx, accountID, symbol, fn)
		if err == nil {
			return res, nil
		}
		if !isSerializationFailure(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", ErrConflict, lastErr)
}

func (s *PostgresStore) settleOnce(ctx context.Context, accountID, symbol string, fn SettleFunc) (*SettleResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin settlement: %w", err)
	}
	defer tx.Rollback(ctx)

	// Ensure the account row exists so FOR UPDATE has something to lock;
	// the row lock serializes concurrent settlements on this account.
	if _, err := tx.Exec(ctx,
		`INSERT INTO accounts (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, accountID); err != nil {
		return nil, fmt.Errorf("ensure account %s: %w", accountID, err)
	}

	var cashS, creditsS *string
	if err := tx.QueryRow(ctx,
		`SELECT cash::TEXT, initial_credits::TEXT FROM accounts WHERE id = $1 FOR UPDATE`, accountID).
		Scan(&cashS, &creditsS); err != nil {
		return nil, fmt.Errorf("lock account %s: %w", accountID, err)
	}
	acct := buildAccount(accountID, cashS, creditsS)

	row := tx.QueryRow(ctx,
		`SELECT qty::TEXT, avg_price::TEXT, lots, updated_at
		 FROM positions WHERE account_id = $1 AND symbol = $2 FOR UPDATE`, accountID, symbol)
	pos, err := scanPosition(row, accountID, symbol)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	res, err := fn(acct, pos)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET cash = $2::NUMERIC WHERE id = $1`,
		accountID, res.NewCash.String()); err != nil {
		return nil, fmt.Errorf("write cash: %w", err)
	}

	lotsJSON, err := json.Marshal(res.Position.Lots)
	if err != nil {
		return nil, fmt.Errorf("encode lots: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO positions (account_id, symbol, qty, avg_price, lots, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6)
		 ON CONFLICT (account_id, symbol) DO UPDATE
		 SET qty = EXCLUDED.qty, avg_price = EXCLUDED.avg_price,
		     lots = EXCLUDED.lots, updated_at = EXCLUDED.updated_at`,
		accountID, symbol,
		res.Position.Qty.String(), res.Position.AvgPrice.String(),
		lotsJSON, res.Position.UpdatedAt); err != nil {
		return nil, fmt.Errorf("write position: %w", err)
	}

	o := res.Order
	if _, err := tx.Exec(ctx,
		`INSERT INTO orders (id, account_id, symbol, side, qty, fill_price, order_type, status, ts)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9)`,
		o.ID, o.AccountID, o.Symbol, string(o.Side),
		o.Qty.String(), o.FillPrice.String(), o.Type, o.Status, o.Timestamp); err != nil {
		return nil, fmt.Errorf("append order: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit settlement: %w", err)
	}
	return res, nil
}

func (s *PostgresStore) InsertSnapshot(ctx context.Context, snap *model.WealthSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO wealth_history (id, account_id, cash, stocks, total, source, snapshot_type, ts)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7, $8)`,
		snap.ID, snap.AccountID,
		snap.Cash.String(), snap.Stocks.String(), snap.Total.String(),
		snap.Source, string(snap.Type), snap.Timestamp)
	return err
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context, accountID string, typ model.SnapshotType) (*model.WealthSnapshot, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, account_id, cash::TEXT, stocks::TEXT, total::TEXT, source, snapshot_type, ts
		 FROM wealth_history WHERE account_id = $1 AND snapshot_type = $2
		 ORDER BY ts DESC LIMIT 1`, accountID, string(typ))
	snap, err := scanSnapshot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return snap, err
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, accountID string, limit int) ([]model.WealthSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, cash::TEXT, stocks::TEXT, total::TEXT, source, snapshot_type, ts
		 FROM wealth_history WHERE account_id = $1
		 ORDER BY ts DESC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []model.WealthSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, *snap)
	}
	return snaps, rows.Err()
}

func (s *PostgresStore) PruneSnapshots(ctx context.Context, accountID string, typ model.SnapshotType, cutoff time.Time, pageSize int) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM wealth_history WHERE id IN (
			SELECT id FROM wealth_history
			WHERE account_id = $1 AND snapshot_type = $2 AND ts < $3
			ORDER BY ts LIMIT $4
		)`, accountID, string(typ), cutoff, pageSize)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// --- scan helpers ---

type pgxRow interface {
	Scan(dest ...any) error
}

func buildAccount(accountID string, cash, credits *string) *model.Account {
	a := &model.Account{ID: accountID}
	if cash != nil {
		if v, err := decimal.NewFromString(*cash); err == nil {
			a.Cash = &v
		}
	}
	if credits != nil {
		if v, err := decimal.NewFromString(*credits); err == nil {
			a.InitialCredits = &v
		}
	}
	return a
}

func scanPosition(row pgxRow, accountID, symbol string) (*model.Position, error) {
	var (
		qtyS, avgS string
		lotsRaw    []byte
		updatedAt  time.Time
	)
	if err := row.Scan(&qtyS, &avgS, &lotsRaw, &updatedAt); err != nil {
		return nil, err
	}
	return buildPosition(accountID, symbol, qtyS, avgS, lotsRaw, updatedAt)
}

func buildPosition(accountID, symbol, qtyS, avgS string, lotsRaw []byte, updatedAt time.Time) (*model.Position, error) {
	p := &model.Position{
		AccountID: accountID,
		Symbol:    symbol,
		UpdatedAt: updatedAt,
	}
	p.Qty, _ = decimal.NewFromString(qtyS)
	p.AvgPrice, _ = decimal.NewFromString(avgS)
	if err := json.Unmarshal(lotsRaw, &p.Lots); err != nil {
		return nil, fmt.Errorf("decode lots for %s/%s: %w", accountID, symbol, err)
	}
	return p, nil
}

func scanSnapshot(row pgxRow) (*model.WealthSnapshot, error) {
	var (
		snap                 model.WealthSnapshot
		cashS, stocksS, totS string
		typ                  string
	)
	if err := row.Scan(&snap.ID, &snap.AccountID, &cashS, &stocksS, &totS, &snap.Source, &typ, &snap.Timestamp); err != nil {
		return nil, err
	}
	snap.Cash, _ = decimal.NewFromString(cashS)
	snap.Stocks, _ = decimal.NewFromString(stocksS)
	snap.Total, _ = decimal.NewFromString(totS)
	snap.Type = model.SnapshotType(typ)
	return &snap, nil
}

// isSerializationFailure reports whether err is a retryable transaction
// conflict (serialization failure or deadlock detected).
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

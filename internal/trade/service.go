// Package trade provides the HTTP handlers and business logic for placing
// orders and querying accounts, portfolios, and wealth history.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/paperbroker/engine/internal/ledger"
	"github.com/paperbroker/engine/internal/metrics"
	"github.com/paperbroker/engine/internal/model"
	"github.com/paperbroker/engine/internal/money"
	"github.com/paperbroker/engine/internal/price"
	"github.com/paperbroker/engine/internal/projection"
	"github.com/paperbroker/engine/internal/risk"
	"github.com/paperbroker/engine/internal/snapshot"
	"github.com/paperbroker/engine/internal/store"
)

var (
	// ErrInvalidQuantity is returned for non-positive order quantities.
	ErrInvalidQuantity = errors.New("trade: quantity must be positive")

	// ErrInvalidPrice is returned for non-positive fill prices.
	ErrInvalidPrice = errors.New("trade: fill price must be positive")

	// ErrInvalidSide is returned for sides other than buy/sell.
	ErrInvalidSide = errors.New("trade: side must be buy or sell")

	// ErrInsufficientFunds is returned when a buy's cost exceeds cash.
	ErrInsufficientFunds = errors.New("trade: insufficient funds")

	// ErrInsufficientPosition is returned when a sell exceeds the held
	// quantity.
	ErrInsufficientPosition = errors.New("trade: insufficient position")
)

// snapshotTimeout bounds the detached order-snapshot side effect.
const snapshotTimeout = 15 * time.Second

// Service settles orders and serves the read-side API.
type Service struct {
	store          store.Store
	prices         price.Provider
	limiter        *risk.Limiter
	snapshots      *snapshot.Recorder
	wsHub          *WSHub // optional WebSocket hub for fill broadcasts
	initialCredits decimal.Decimal
}

// NewService creates a trade service. limiter, recorder, and hub may be nil
// to disable risk limits, snapshotting, or broadcasting.
func NewService(st store.Store, prices price.Provider, limiter *risk.Limiter, recorder *snapshot.Recorder, hub *WSHub, initialCredits decimal.Decimal) *Service {
	if initialCredits.IsZero() {
		initialCredits = model.DefaultInitialCredits
	}
	return &Service{
		store:          st,
		prices:         prices,
		limiter:        limiter,
		snapshots:      recorder,
		wsHub:          hub,
		initialCredits: initialCredits,
	}
}

// Settle atomically applies one market order: pre-checks funds/position,
// runs the FIFO ledger, and commits the new cash, position, and order record
// as one unit. On success it triggers a detached order-type wealth snapshot
// that can neither delay nor fail the settlement.
func (s *Service) Settle(ctx context.Context, accountID, symbol string, side model.Side, qty, fillPrice decimal.Decimal) (*store.SettleResult, error) {
	if !side.Valid() {
		return nil, ErrInvalidSide
	}
	if !qty.IsPositive() {
		return nil, ErrInvalidQuantity
	}
	if !fillPrice.IsPositive() {
		return nil, ErrInvalidPrice
	}

	start := time.Now()
	res, err := s.store.SettleOrder(ctx, accountID, symbol, func(acct *model.Account, pos *model.Position) (*store.SettleResult, error) {
		cash := acct.AvailableCash(s.initialCredits)

		heldQty := decimal.Zero
		var lots []model.Lot
		if pos != nil {
			heldQty = pos.Qty
			lots = pos.Lots
		}

		if s.limiter != nil {
			if err := s.limiter.Check(side, qty, fillPrice, heldQty); err != nil {
				return nil, err
			}
		}

		notional := qty.Mul(fillPrice)
		switch side {
		case model.SideBuy:
			if cash.Add(money.CashEpsilon).LessThan(notional) {
				return nil, ErrInsufficientFunds
			}
		case model.SideSell:
			if qty.Sub(heldQty).GreaterThan(money.QtyEpsilon) {
				return nil, ErrInsufficientPosition
			}
		}

		ts := time.Now().UTC()
		book, err := ledger.Apply(lots, side, qty, fillPrice, ts.UnixMilli())
		if err != nil {
			// Position qty claimed sufficiency but the lots could not
			// cover it: stored lot data is inconsistent.
			return nil, err
		}

		delta := notional
		if side == model.SideBuy {
			delta = delta.Neg()
		}

		return &store.SettleResult{
			NewCash: money.Round6(cash.Add(delta)),
			Position: &model.Position{
				AccountID: accountID,
				Symbol:    symbol,
				Qty:       book.Qty,
				AvgPrice:  book.AvgPrice,
				Lots:      book.Lots,
				UpdatedAt: ts,
			},
			Order: &model.Order{
				ID:        uuid.New().String(),
				AccountID: accountID,
				Symbol:    symbol,
				Side:      side,
				Qty:       qty,
				FillPrice: fillPrice,
				Type:      model.OrderTypeMarket,
				Status:    model.OrderStatusFilled,
				Timestamp: ts,
			},
		}, nil
	})
	if err != nil {
		metrics.OrderRejections.WithLabelValues(rejectionReason(err)).Inc()
		return nil, err
	}

	metrics.OrdersTotal.WithLabelValues(string(side)).Inc()
	metrics.SettlementLatency.WithLabelValues(string(side)).Observe(time.Since(start).Seconds())

	slog.Info("order settled",
		"order_id", res.Order.ID,
		"account", accountID,
		"symbol", symbol,
		"side", string(side),
		"qty", qty.String(),
		"fill_price", fillPrice.String(),
		"cash", res.NewCash.String(),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:      "order_filled",
			AccountID: accountID,
			Symbol:    symbol,
			Side:      string(side),
			Qty:       qty.String(),
			FillPrice: fillPrice.String(),
			Cash:      res.NewCash.String(),
		})
	}

	// Detached side effect: the snapshot runs on its own context so
	// settlement callers never wait on it or see its failures.
	go s.recordOrderSnapshot(accountID)

	return res, nil
}

func (s *Service) recordOrderSnapshot(accountID string) {
	if s.snapshots == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()

	if err := s.snapshots.Record(ctx, accountID, "order", model.SnapshotOrder); err != nil {
		slog.Error("order snapshot failed", "account", accountID, "err", err)
	}
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidPrice), errors.Is(err, ErrInvalidSide):
		return "invalid_input"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientPosition):
		return "insufficient_position"
	case errors.Is(err, ledger.ErrInsufficientLots):
		return "ledger_inconsistency"
	case errors.Is(err, risk.ErrOrderNotionalExceeded), errors.Is(err, risk.ErrPositionLimitExceeded):
		return "risk_limit"
	case errors.Is(err, store.ErrConflict):
		return "conflict"
	default:
		return "internal"
	}
}

// --- Request/Response types ---

// OrderRequest is the JSON body for POST /api/v1/orders.
type OrderRequest struct {
	AccountID string          `json:"account_id"`
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"` // "buy" or "sell"
	Qty       decimal.Decimal `json:"qty"`
}

// OrderResponse is returned from POST /api/v1/orders.
type OrderResponse struct {
	Order    *model.Order    `json:"order"`
	Cash     decimal.Decimal `json:"cash"`
	Position PositionSummary `json:"position"`
}

// PositionSummary is the position snapshot included in order responses.
type PositionSummary struct {
	Symbol   string          `json:"symbol"`
	Qty      decimal.Decimal `json:"qty"`
	AvgPrice decimal.Decimal `json:"avg_price"`
}

// PortfolioResponse is returned from GET /api/v1/accounts/{id}/portfolio.
type PortfolioResponse struct {
	AccountID string              `json:"account_id"`
	Cash      decimal.Decimal     `json:"cash"`
	Stocks    decimal.Decimal     `json:"stocks"`
	Total     decimal.Decimal     `json:"total"`
	Positions []PortfolioPosition `json:"positions"`
}

// PortfolioPosition is one mark-to-market holding.
type PortfolioPosition struct {
	Symbol      string          `json:"symbol"`
	Qty         decimal.Decimal `json:"qty"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
	LastPrice   decimal.Decimal `json:"last_price"`
	MarketValue decimal.Decimal `json:"market_value"`
}

// --- HTTP Handlers ---

// PlaceOrder handles POST /api/v1/orders. The fill price is resolved from
// the price provider; only immediate-fill market orders are supported.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.AccountID == "" {
		writeError(w, "account_id is required", http.StatusBadRequest)
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		writeError(w, "symbol is required", http.StatusBadRequest)
		return
	}
	side := model.Side(req.Side)
	if !side.Valid() {
		writeError(w, "side must be buy or sell", http.StatusBadRequest)
		return
	}
	if !req.Qty.IsPositive() {
		writeError(w, "qty must be positive", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	fillPrice, err := s.prices.LastPrice(ctx, symbol)
	if err != nil {
		if errors.Is(err, price.ErrUnknownSymbol) {
			writeError(w, "unknown symbol: "+symbol, http.StatusNotFound)
			return
		}
		slog.Error("price lookup failed", "symbol", symbol, "err", err)
		writeError(w, "price unavailable for "+symbol, http.StatusBadGateway)
		return
	}

	res, err := s.Settle(ctx, req.AccountID, symbol, side, req.Qty, fillPrice)
	if err != nil {
		writeError(w, err.Error(), statusForError(err))
		return
	}

	resp := OrderResponse{
		Order: res.Order,
		Cash:  res.NewCash,
		Position: PositionSummary{
			Symbol:   symbol,
			Qty:      res.Position.Qty,
			AvgPrice: res.Position.AvgPrice,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(resp)
}

// GetAccount handles GET /api/v1/accounts/{accountID}.
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	acct, err := s.store.GetAccount(r.Context(), accountID)
	if err != nil {
		writeError(w, "failed to load account", http.StatusInternalServerError)
		return
	}

	resp := map[string]any{
		"account_id":      accountID,
		"cash":            acct.AvailableCash(s.initialCredits),
		"initial_credits": s.initialCredits,
	}
	if acct != nil && acct.InitialCredits != nil {
		resp["initial_credits"] = *acct.InitialCredits
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// GetPortfolio handles GET /api/v1/accounts/{accountID}/portfolio.
// Values open positions at last known prices; an unpriced symbol contributes
// zero rather than failing the response.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	ctx := r.Context()

	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		writeError(w, "failed to load account", http.StatusInternalServerError)
		return
	}
	positions, err := s.store.ListPositions(ctx, accountID)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}

	cash := acct.AvailableCash(s.initialCredits)
	stocks := decimal.Zero
	out := make([]PortfolioPosition, 0, len(positions))

	for _, pos := range positions {
		if money.NegligibleQty(pos.Qty) {
			continue
		}
		last := decimal.Zero
		if p, err := s.prices.LastPrice(ctx, pos.Symbol); err == nil {
			last = p
		} else {
			slog.Warn("portfolio price lookup failed", "symbol", pos.Symbol, "err", err)
		}
		value := money.Round6(pos.Qty.Mul(last))
		stocks = stocks.Add(value)
		out = append(out, PortfolioPosition{
			Symbol:      pos.Symbol,
			Qty:         pos.Qty,
			AvgPrice:    pos.AvgPrice,
			LastPrice:   last,
			MarketValue: value,
		})
	}

	resp := PortfolioResponse{
		AccountID: accountID,
		Cash:      cash,
		Stocks:    stocks,
		Total:     money.Round6(cash.Add(stocks)),
		Positions: out,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// GetProjection handles GET /api/v1/accounts/{accountID}/projection.
// Reconstructs cash and positions purely from the order log — the read-side
// path used where live transactional documents are unavailable.
func (s *Service) GetProjection(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	ctx := r.Context()

	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		writeError(w, "failed to load account", http.StatusInternalServerError)
		return
	}
	orders, err := s.store.ListOrders(ctx, accountID)
	if err != nil {
		writeError(w, "failed to load orders", http.StatusInternalServerError)
		return
	}

	initial := s.initialCredits
	if acct != nil && acct.InitialCredits != nil {
		initial = *acct.InitialCredits
	}

	state := projection.Replay(initial, orders)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(state)
}

// GetOrders handles GET /api/v1/accounts/{accountID}/orders.
func (s *Service) GetOrders(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	orders, err := s.store.ListOrders(r.Context(), accountID)
	if err != nil {
		writeError(w, "failed to load orders", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(orders)
}

// GetWealthHistory handles GET /api/v1/accounts/{accountID}/wealth.
// Accepts ?limit=N (default 100), newest first.
func (s *Service) GetWealthHistory(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	snaps, err := s.store.ListSnapshots(r.Context(), accountID, limit)
	if err != nil {
		writeError(w, "failed to load wealth history", http.StatusInternalServerError)
		return
	}
	if snaps == nil {
		snaps = []model.WealthSnapshot{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snaps)
}

// GetPriceHistory handles GET /api/v1/prices/{symbol}/history.
func (s *Service) GetPriceHistory(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))

	candles, err := s.prices.DailyHistory(r.Context(), symbol)
	if err != nil {
		if errors.Is(err, price.ErrUnknownSymbol) {
			writeError(w, "unknown symbol: "+symbol, http.StatusNotFound)
			return
		}
		writeError(w, "history unavailable for "+symbol, http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(candles)
}

// RunScheduledSnapshots handles POST /api/v1/snapshots/run. Invoked by an
// external periodic job runner; the gating inside the recorder makes
// repeated invocations within the interval harmless.
func (s *Service) RunScheduledSnapshots(w http.ResponseWriter, r *http.Request) {
	if s.snapshots == nil {
		writeError(w, "snapshots disabled", http.StatusServiceUnavailable)
		return
	}
	ctx := r.Context()

	ids, err := s.store.ListAccountIDs(ctx)
	if err != nil {
		writeError(w, "failed to list accounts", http.StatusInternalServerError)
		return
	}

	failures := 0
	for _, id := range ids {
		if err := s.snapshots.EnsureScheduled(ctx, id); err != nil {
			slog.Error("scheduled snapshot failed", "account", id, "err", err)
			failures++
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{
		"accounts": len(ids),
		"failures": failures,
	})
}

// statusForError maps settlement errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrInvalidQuantity),
		errors.Is(err, ErrInvalidPrice),
		errors.Is(err, ErrInvalidSide):
		return http.StatusBadRequest
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrInsufficientPosition),
		errors.Is(err, ledger.ErrInsufficientLots),
		errors.Is(err, risk.ErrOrderNotionalExceeded),
		errors.Is(err, risk.ErrPositionLimitExceeded):
		return http.StatusConflict
	case errors.Is(err, store.ErrConflict):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/paperbroker/engine/internal/ledger"
	"github.com/paperbroker/engine/internal/model"
	"github.com/paperbroker/engine/internal/money"
	"github.com/paperbroker/engine/internal/price"
	"github.com/paperbroker/engine/internal/projection"
	"github.com/paperbroker/engine/internal/risk"
	"github.com/paperbroker/engine/internal/snapshot"
	"github.com/paperbroker/engine/internal/store"
	"github.com/paperbroker/engine/internal/trade"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// newTestEnv creates a test Service with in-memory store, static prices,
// and a chi router.
func newTestEnv(t *testing.T) (*trade.Service, *store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	prices := price.NewStatic(map[string]decimal.Decimal{
		"AAPL": d("100"),
		"MSFT": d("50"),
	})
	limiter := &risk.Limiter{MaxOrderNotional: d("500000"), MaxPositionQty: d("10000")}
	svc := trade.NewService(ms, prices, limiter, nil, nil, d("1000000"))

	r := chi.NewRouter()
	r.Post("/api/v1/orders", svc.PlaceOrder)
	r.Get("/api/v1/accounts/{accountID}", svc.GetAccount)
	r.Get("/api/v1/accounts/{accountID}/portfolio", svc.GetPortfolio)
	r.Get("/api/v1/accounts/{accountID}/projection", svc.GetProjection)
	r.Get("/api/v1/accounts/{accountID}/orders", svc.GetOrders)

	return svc, ms, r
}

func doOrder(t *testing.T, router chi.Router, req trade.OrderRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(req)
	httpReq := httptest.NewRequest("POST", "/api/v1/orders", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httpReq)
	return w
}

// --- Order placement tests ---

func TestPlaceOrder_BuyDecreasesCashExactly(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doOrder(t, router, trade.OrderRequest{
		AccountID: "acct1",
		Symbol:    "AAPL",
		Side:      "buy",
		Qty:       d("3"),
	})

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp trade.OrderResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.Order == nil || resp.Order.ID == "" {
		t.Fatal("expected a filled order record")
	}
	if resp.Order.Status != model.OrderStatusFilled {
		t.Errorf("expected status=filled, got %s", resp.Order.Status)
	}
	if !resp.Order.FillPrice.Equal(d("100")) {
		t.Errorf("expected fill at last price 100, got %s", resp.Order.FillPrice)
	}
	if !resp.Cash.Equal(d("999700")) {
		t.Errorf("expected cash=999700 after 3@100, got %s", resp.Cash)
	}
	if !resp.Position.Qty.Equal(d("3")) {
		t.Errorf("expected position qty=3, got %s", resp.Position.Qty)
	}
	if !resp.Position.AvgPrice.Equal(d("100")) {
		t.Errorf("expected avg price=100, got %s", resp.Position.AvgPrice)
	}
}

func TestPlaceOrder_SymbolNormalizedToUpper(t *testing.T) {
	_, ms, router := newTestEnv(t)

	w := doOrder(t, router, trade.OrderRequest{
		AccountID: "acct1",
		Symbol:    "aapl",
		Side:      "buy",
		Qty:       d("1"),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	pos, err := ms.GetPosition(context.Background(), "acct1", "AAPL")
	if err != nil {
		t.Fatalf("failed to get position: %v", err)
	}
	if pos == nil {
		t.Fatal("expected position stored under uppercase symbol")
	}
}

func TestPlaceOrder_InsufficientFunds(t *testing.T) {
	// No risk limiter here so the funds check rejects first.
	ms := store.NewMemoryStore()
	prices := price.NewStatic(map[string]decimal.Decimal{"AAPL": d("100")})
	svc := trade.NewService(ms, prices, nil, nil, nil, d("1000000"))
	router := chi.NewRouter()
	router.Post("/api/v1/orders", svc.PlaceOrder)

	// 1,000,000 credits cannot cover 20000 shares at 100.
	w := doOrder(t, router, trade.OrderRequest{
		AccountID: "acct1",
		Symbol:    "AAPL",
		Side:      "buy",
		Qty:       d("20000"),
	})

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for insufficient funds, got %d: %s", w.Code, w.Body.String())
	}

	// Nothing committed.
	orders, _ := ms.ListOrders(context.Background(), "acct1")
	if len(orders) != 0 {
		t.Errorf("expected no order records after rejection, got %d", len(orders))
	}
}

func TestPlaceOrder_InsufficientPosition(t *testing.T) {
	_, ms, router := newTestEnv(t)

	doOrder(t, router, trade.OrderRequest{
		AccountID: "acct1", Symbol: "AAPL", Side: "buy", Qty: d("2"),
	})

	w := doOrder(t, router, trade.OrderRequest{
		AccountID: "acct1", Symbol: "AAPL", Side: "sell", Qty: d("5"),
	})

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for oversell, got %d: %s", w.Code, w.Body.String())
	}

	pos, _ := ms.GetPosition(context.Background(), "acct1", "AAPL")
	if !pos.Qty.Equal(d("2")) {
		t.Errorf("position must be untouched by rejected sell, got %s", pos.Qty)
	}
}

func TestPlaceOrder_ExactSellFlattensPosition(t *testing.T) {
	_, ms, router := newTestEnv(t)

	doOrder(t, router, trade.OrderRequest{
		AccountID: "acct1", Symbol: "AAPL", Side: "buy", Qty: d("4"),
	})

	w := doOrder(t, router, trade.OrderRequest{
		AccountID: "acct1", Symbol: "AAPL", Side: "sell", Qty: d("4"),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp trade.OrderResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	if !resp.Position.Qty.IsZero() {
		t.Errorf("expected flat position, got %s", resp.Position.Qty)
	}
	// Buy and sell at the same static price: cash back to baseline.
	if !resp.Cash.Equal(d("1000000")) {
		t.Errorf("expected cash restored to 1000000, got %s", resp.Cash)
	}

	pos, _ := ms.GetPosition(context.Background(), "acct1", "AAPL")
	if len(pos.Lots) != 0 {
		t.Errorf("expected no remaining lots, got %d", len(pos.Lots))
	}
}

func TestPlaceOrder_InvalidSide(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doOrder(t, router, trade.OrderRequest{
		AccountID: "acct1", Symbol: "AAPL", Side: "hold", Qty: d("1"),
	})

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid side, got %d", w.Code)
	}
}

func TestPlaceOrder_ZeroQuantity(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doOrder(t, router, trade.OrderRequest{
		AccountID: "acct1", Symbol: "AAPL", Side: "buy", Qty: decimal.Zero,
	})

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for zero qty, got %d", w.Code)
	}
}

func TestPlaceOrder_UnknownSymbol(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doOrder(t, router, trade.OrderRequest{
		AccountID: "acct1", Symbol: "GHOST", Side: "buy", Qty: d("1"),
	})

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown symbol, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPlaceOrder_RiskLimitRejected(t *testing.T) {
	_, _, router := newTestEnv(t)

	// 6000 shares at 100 exceeds the 500000 notional cap.
	w := doOrder(t, router, trade.OrderRequest{
		AccountID: "acct1", Symbol: "AAPL", Side: "buy", Qty: d("6000"),
	})

	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for notional limit, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPlaceOrder_OrderRecordPersisted(t *testing.T) {
	_, ms, router := newTestEnv(t)

	doOrder(t, router, trade.OrderRequest{
		AccountID: "acct1", Symbol: "MSFT", Side: "buy", Qty: d("2"),
	})

	orders, err := ms.ListOrders(context.Background(), "acct1")
	if err != nil {
		t.Fatalf("failed to list orders: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("expected 1 order record, got %d", len(orders))
	}

	o := orders[0]
	if o.Symbol != "MSFT" || o.Side != model.SideBuy {
		t.Errorf("unexpected order record: %+v", o)
	}
	if !o.FillPrice.Equal(d("50")) {
		t.Errorf("expected fill price 50, got %s", o.FillPrice)
	}
	if o.Timestamp.IsZero() {
		t.Error("expected non-zero timestamp")
	}
}

// --- Read-side tests ---

func TestGetAccount_FreshAccountShowsInitialCredits(t *testing.T) {
	_, _, router := newTestEnv(t)

	req := httptest.NewRequest("GET", "/api/v1/accounts/nobody", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp map[string]json.RawMessage
	json.Unmarshal(w.Body.Bytes(), &resp)

	var cash decimal.Decimal
	json.Unmarshal(resp["cash"], &cash)
	if !cash.Equal(d("1000000")) {
		t.Errorf("expected initial credits fallback, got %s", cash)
	}
}

func TestGetPortfolio_MarkToMarket(t *testing.T) {
	_, _, router := newTestEnv(t)

	// Buy 2 AAPL at 100 and 4 MSFT at 50; valued at the same prices.
	doOrder(t, router, trade.OrderRequest{
		AccountID: "acct1", Symbol: "AAPL", Side: "buy", Qty: d("2"),
	})
	doOrder(t, router, trade.OrderRequest{
		AccountID: "acct1", Symbol: "MSFT", Side: "buy", Qty: d("4"),
	})

	req := httptest.NewRequest("GET", "/api/v1/accounts/acct1/portfolio", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var p trade.PortfolioResponse
	json.Unmarshal(w.Body.Bytes(), &p)

	if !p.Cash.Equal(d("999600")) {
		t.Errorf("expected cash=999600, got %s", p.Cash)
	}
	if !p.Stocks.Equal(d("400")) {
		t.Errorf("expected stocks=400, got %s", p.Stocks)
	}
	if !p.Total.Equal(d("1000000")) {
		t.Errorf("expected total=1000000, got %s", p.Total)
	}
	if len(p.Positions) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(p.Positions))
	}
}

func TestGetPortfolio_Empty(t *testing.T) {
	_, _, router := newTestEnv(t)

	req := httptest.NewRequest("GET", "/api/v1/accounts/nobody/portfolio", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var p trade.PortfolioResponse
	json.Unmarshal(w.Body.Bytes(), &p)

	if len(p.Positions) != 0 {
		t.Errorf("expected 0 positions, got %d", len(p.Positions))
	}
	if !p.Total.Equal(d("1000000")) {
		t.Errorf("expected total=initial credits, got %s", p.Total)
	}
}

func TestGetProjection_MatchesOrderLog(t *testing.T) {
	_, _, router := newTestEnv(t)

	doOrder(t, router, trade.OrderRequest{
		AccountID: "acct1", Symbol: "AAPL", Side: "buy", Qty: d("2"),
	})
	doOrder(t, router, trade.OrderRequest{
		AccountID: "acct1", Symbol: "AAPL", Side: "sell", Qty: d("1"),
	})

	req := httptest.NewRequest("GET", "/api/v1/accounts/acct1/projection", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var state projection.State
	json.Unmarshal(w.Body.Bytes(), &state)

	if !state.Cash.Equal(d("999900")) {
		t.Errorf("expected replayed cash=999900, got %s", state.Cash)
	}
	pos, ok := state.Positions["AAPL"]
	if !ok {
		t.Fatal("expected AAPL in replayed positions")
	}
	if !pos.Qty.Equal(d("1")) {
		t.Errorf("expected replayed qty=1, got %s", pos.Qty)
	}
}

// settleBuy writes a filled buy directly through the store, so tests can
// stage accounts without the handler path's side effects.
func settleBuy(t *testing.T, ms *store.MemoryStore, accountID, symbol string, qty, fillPrice decimal.Decimal) {
	t.Helper()
	_, err := ms.SettleOrder(context.Background(), accountID, symbol,
		func(acct *model.Account, pos *model.Position) (*store.SettleResult, error) {
			var lots []model.Lot
			if pos != nil {
				lots = pos.Lots
			}
			ts := time.Now().UTC()
			book, err := ledger.Apply(lots, model.SideBuy, qty, fillPrice, ts.UnixMilli())
			if err != nil {
				return nil, err
			}
			cash := acct.AvailableCash(d("1000000"))
			return &store.SettleResult{
				NewCash: money.Round6(cash.Sub(qty.Mul(fillPrice))),
				Position: &model.Position{
					AccountID: accountID, Symbol: symbol,
					Qty: book.Qty, AvgPrice: book.AvgPrice, Lots: book.Lots, UpdatedAt: ts,
				},
				Order: &model.Order{
					ID: uuid.New().String(), AccountID: accountID, Symbol: symbol,
					Side: model.SideBuy, Qty: qty, FillPrice: fillPrice,
					Type: model.OrderTypeMarket, Status: model.OrderStatusFilled, Timestamp: ts,
				},
			}, nil
		})
	if err != nil {
		t.Fatalf("failed to stage buy: %v", err)
	}
}

func TestGetWealthHistory_NewestFirstWithLimit(t *testing.T) {
	ms := store.NewMemoryStore()
	svc := trade.NewService(ms, price.NewStatic(nil), nil, nil, nil, d("1000000"))
	router := chi.NewRouter()
	router.Get("/api/v1/accounts/{accountID}/wealth", svc.GetWealthHistory)

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if err := ms.InsertSnapshot(context.Background(), &model.WealthSnapshot{
			ID: uuid.New().String(), AccountID: "acct1",
			Cash: d("999800"), Stocks: d("200"), Total: d("1000000"),
			Source: "scheduled", Type: model.SnapshotScheduled,
			Timestamp: base.Add(time.Duration(i) * time.Hour),
		}); err != nil {
			t.Fatalf("failed to seed snapshot: %v", err)
		}
	}

	req := httptest.NewRequest("GET", "/api/v1/accounts/acct1/wealth?limit=2", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var snaps []model.WealthSnapshot
	json.Unmarshal(w.Body.Bytes(), &snaps)

	if len(snaps) != 2 {
		t.Fatalf("expected limit to cap at 2 snapshots, got %d", len(snaps))
	}
	if !snaps[0].Timestamp.Equal(base.Add(2 * time.Hour)) {
		t.Errorf("expected newest first, got %s", snaps[0].Timestamp)
	}
	if !snaps[0].Total.Equal(d("1000000")) {
		t.Errorf("unexpected total: %s", snaps[0].Total)
	}
	if snaps[0].Type != model.SnapshotScheduled {
		t.Errorf("unexpected snapshot type: %s", snaps[0].Type)
	}
}

func TestGetWealthHistory_EmptyAccount(t *testing.T) {
	svc := trade.NewService(store.NewMemoryStore(), price.NewStatic(nil), nil, nil, nil, d("1000000"))
	router := chi.NewRouter()
	router.Get("/api/v1/accounts/{accountID}/wealth", svc.GetWealthHistory)

	req := httptest.NewRequest("GET", "/api/v1/accounts/nobody/wealth", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var snaps []model.WealthSnapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snaps); err != nil {
		t.Fatalf("expected a JSON array, got %q: %v", w.Body.String(), err)
	}
	if len(snaps) != 0 {
		t.Errorf("expected empty history, got %d", len(snaps))
	}
}

func TestRunScheduledSnapshots_RecordsOncePerWindow(t *testing.T) {
	ms := store.NewMemoryStore()
	prices := price.NewStatic(map[string]decimal.Decimal{"AAPL": d("100")})
	rec := snapshot.NewRecorder(ms, prices, snapshot.Config{InitialCredits: d("1000000")})
	svc := trade.NewService(ms, prices, nil, rec, nil, d("1000000"))
	router := chi.NewRouter()
	router.Post("/api/v1/snapshots/run", svc.RunScheduledSnapshots)

	settleBuy(t, ms, "acct1", "AAPL", d("2"), d("100"))

	run := func() map[string]int {
		t.Helper()
		req := httptest.NewRequest("POST", "/api/v1/snapshots/run", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		var resp map[string]int
		json.Unmarshal(w.Body.Bytes(), &resp)
		return resp
	}

	resp := run()
	if resp["accounts"] != 1 || resp["failures"] != 0 {
		t.Fatalf("unexpected response: %+v", resp)
	}

	// Second trigger inside the 12h window must not add another record.
	run()

	snaps, err := ms.ListSnapshots(context.Background(), "acct1", 0)
	if err != nil {
		t.Fatalf("failed to list snapshots: %v", err)
	}
	scheduled := 0
	for _, s := range snaps {
		if s.Type == model.SnapshotScheduled {
			scheduled++
		}
	}
	if scheduled != 1 {
		t.Fatalf("expected exactly 1 scheduled snapshot after two runs, got %d", scheduled)
	}

	latest, err := ms.LatestSnapshot(context.Background(), "acct1", model.SnapshotScheduled)
	if err != nil || latest == nil {
		t.Fatalf("expected a scheduled snapshot: %v", err)
	}
	// Cash 999800 after 2@100, stocks 2*100 at the last price.
	if !latest.Total.Equal(d("1000000")) {
		t.Errorf("expected total 1000000, got %s", latest.Total)
	}
}

func TestGetOrders_AscendingTimestamps(t *testing.T) {
	_, _, router := newTestEnv(t)

	doOrder(t, router, trade.OrderRequest{
		AccountID: "acct1", Symbol: "AAPL", Side: "buy", Qty: d("1"),
	})
	doOrder(t, router, trade.OrderRequest{
		AccountID: "acct1", Symbol: "MSFT", Side: "buy", Qty: d("1"),
	})

	req := httptest.NewRequest("GET", "/api/v1/accounts/acct1/orders", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var orders []model.Order
	json.Unmarshal(w.Body.Bytes(), &orders)

	if len(orders) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(orders))
	}
	if orders[1].Timestamp.Before(orders[0].Timestamp) {
		t.Error("orders must be sorted oldest first")
	}
}

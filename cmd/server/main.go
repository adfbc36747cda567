package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/paperbroker/engine/internal/config"
	"github.com/paperbroker/engine/internal/metrics"
	"github.com/paperbroker/engine/internal/price"
	"github.com/paperbroker/engine/internal/risk"
	"github.com/paperbroker/engine/internal/snapshot"
	"github.com/paperbroker/engine/internal/store"
	"github.com/paperbroker/engine/internal/trade"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using system environment")
	}

	cfg, err := config.Load("")
	if err != nil {
		slog.Error("configuration failed", "err", err)
		os.Exit(1)
	}

	var cleanup []func()
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Store ---
	var st store.Store
	if dbURL := cfg.Server.DatabaseURL; dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool, cfg.Server.SettleMaxRetries)
		if err := pg.Init(context.Background()); err != nil {
			slog.Error("schema initialization failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Price provider ---
	var prices price.Provider
	if feedURL := cfg.Prices.FeedURL; feedURL != "" {
		prices = price.NewFeed(feedURL, nil)
		slog.Info("using external price feed", "url", feedURL)
	} else {
		seed := cfg.Prices.StaticPrices()
		prices = price.NewStatic(seed)
		slog.Warn("PRICE_FEED_URL not set, using static prices", "symbols", len(seed))
	}

	if redisURL := cfg.Server.RedisURL; redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		prices = price.NewCachedProvider(prices, rdb, cfg.Prices.CacheTTLDuration())
		slog.Info("Redis price cache enabled")
	} else if ttl := cfg.Prices.CacheTTLDuration(); ttl > 0 {
		prices = price.NewTTLCache(prices, ttl, nil)
	}

	// --- Risk limits ---
	limiter := risk.NewLimiter(
		cfg.Risk.MaxOrderNotionalDecimal(),
		cfg.Risk.MaxPositionQtyDecimal(),
	)

	// --- Wealth snapshots ---
	recorder := snapshot.NewRecorder(st, prices, snapshot.Config{
		ScheduledInterval:  cfg.Snapshots.ScheduledIntervalDuration(),
		OrderRetention:     cfg.Snapshots.OrderRetentionDuration(),
		ScheduledRetention: cfg.Snapshots.ScheduledRetentionDuration(),
		PruneBatchSize:     cfg.Snapshots.PruneBatchSize,
		InitialCredits:     cfg.Account.InitialCreditsDecimal(),
	})

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run()

	// --- Trade service ---
	tradeSvc := trade.NewService(st, prices, limiter, recorder, wsHub, cfg.Account.InitialCreditsDecimal())

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"paperbroker-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time fill notifications.
		r.Get("/ws", wsHub.HandleWS)

		// Order settlement.
		r.Post("/orders", tradeSvc.PlaceOrder)

		// Account queries.
		r.Get("/accounts/{accountID}", tradeSvc.GetAccount)
		r.Get("/accounts/{accountID}/portfolio", tradeSvc.GetPortfolio)
		r.Get("/accounts/{accountID}/projection", tradeSvc.GetProjection)
		r.Get("/accounts/{accountID}/orders", tradeSvc.GetOrders)
		r.Get("/accounts/{accountID}/wealth", tradeSvc.GetWealthHistory)

		// Price data.
		r.Get("/prices/{symbol}/history", tradeSvc.GetPriceHistory)

		// Periodic snapshot trigger, invoked by an external scheduler.
		r.Post("/snapshots/run", tradeSvc.RunScheduledSnapshots)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("paperbroker-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down paperbroker-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("paperbroker-engine stopped")
}

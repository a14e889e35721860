package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/options-engine/internal/config"
	"github.com/atmx/options-engine/internal/lock"
	"github.com/atmx/options-engine/internal/logging"
	"github.com/atmx/options-engine/internal/metrics"
	"github.com/atmx/options-engine/internal/model"
	"github.com/atmx/options-engine/internal/money"
	"github.com/atmx/options-engine/internal/notify"
	"github.com/atmx/options-engine/internal/pricefeed"
	"github.com/atmx/options-engine/internal/store"
	"github.com/atmx/options-engine/internal/sweep"
	"github.com/atmx/options-engine/internal/trade"
	"github.com/atmx/options-engine/internal/wallet"
)

func main() {
	cfg, err := config.Load(os.Getenv("OPTIONS_CONFIG"))
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.ServiceName, cfg.Env)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	var st store.Store
	var pairStore store.PairStore

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		ps := store.NewPostgresStore(pool)
		if cfg.Database.Migrate {
			if err := ps.Migrate(ctx); err != nil {
				slog.Error("database migration failed", "err", err)
				os.Exit(1)
			}
		}
		st, pairStore = ps, ps
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("database.url not set, using in-memory store (data will not persist)")
		ms := store.NewMemoryStore()
		if err := seedPairs(ctx, ms, cfg.Dev.Pairs); err != nil {
			slog.Error("invalid dev.pairs", "err", err)
			os.Exit(1)
		}
		st, pairStore = ms, ms
	}

	// --- Redis: live prices, pair cache, sweep lock ---
	var pairs store.PairRegistry = pairStore
	var prices pricefeed.Source
	var locker lock.Locker

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("invalid redis.url", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis not reachable at start-up", "err", err)
		}
		pairs = store.NewCachedPairs(pairStore, rdb, cfg.Redis.PairCacheTTL)
		prices = pricefeed.NewRedisSource(rdb, "")
		locker = lock.NewRedisLocker(rdb, "")
		slog.Info("Redis enabled", "pair_cache_ttl", cfg.Redis.PairCacheTTL)
	} else {
		slog.Warn("redis.url not set, using static dev prices and an in-process sweep lock")
		static, err := pricefeed.NewStatic(cfg.Dev.Prices)
		if err != nil {
			slog.Error("invalid dev.prices", "err", err)
			os.Exit(1)
		}
		prices = static
		locker = lock.NewLocalLocker()
	}

	// --- Historical prices ---
	var closes pricefeed.Resolver
	if cfg.MarketData.BaseURL != "" {
		closes = pricefeed.NewKlineResolver(cfg.MarketData.BaseURL, cfg.MarketData.RequestsPerSecond, cfg.MarketData.Timeout, logger)
		slog.Info("market data resolver enabled", "base_url", cfg.MarketData.BaseURL)
	} else {
		slog.Warn("market_data.base_url not set, settling against static dev prices")
		static, err := pricefeed.NewStatic(cfg.Dev.Prices)
		if err != nil {
			slog.Error("invalid dev.prices", "err", err)
			os.Exit(1)
		}
		closes = static
	}

	// --- Notifications ---
	hub := notify.NewHub()
	go hub.Run(ctx)
	notifiers := notify.Multi{hub}

	if cfg.Kafka.Brokers != "" {
		kp := notify.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		cleanup = append(cleanup, func() {
			if err := kp.Close(); err != nil {
				slog.Error("kafka publisher close", "err", err)
			}
		})
		notifiers = append(notifiers, kp)
		slog.Info("Kafka publisher enabled", "topic", cfg.Kafka.Topic)
	}

	// --- Services ---
	engine := trade.NewEngine(st, pairs, prices, closes, notifiers, trade.Config{
		MaxDuration: cfg.Trade.MaxDuration,
		BatchSize:   cfg.Sweep.BatchSize,
	})
	tradeHandler := trade.NewHandler(engine)
	walletHandler := wallet.NewHandler(wallet.NewService(st, cfg.Wallet.DemoBalance))

	sweeper := sweep.New(engine, locker, cfg.Sweep.Interval, cfg.Sweep.LockTTL, logger)
	go sweeper.Run(ctx)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
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
		fmt.Fprintf(w, `{"status":"ok","service":%q}`, cfg.ServiceName)
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for settlement notifications. Long-lived, so
		// it stays outside the request timeout.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/pairs", trade.ListPairs(pairStore))

			// Trades.
			r.Post("/trades", tradeHandler.PlaceTrade)
			r.Get("/trades/{tradeID}", tradeHandler.GetTrade)
			r.Post("/trades/{tradeID}/settle", tradeHandler.SettleTrade)
			r.Get("/users/{userID}/trades", tradeHandler.ListTrades)

			// Wallets.
			r.Post("/wallets/{userID}", walletHandler.Provision)
			r.Post("/wallets/{userID}/demo/reset", walletHandler.ResetDemo)
			r.Get("/wallets/{userID}/{kind}", walletHandler.GetWallet)
			r.Post("/wallets/{userID}/{kind}/deposit", walletHandler.Deposit)
			r.Post("/wallets/{userID}/{kind}/withdraw", walletHandler.Withdraw)
			r.Get("/wallets/{userID}/{kind}/transactions", walletHandler.ListTransactions)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		slog.Info("options-engine listening", "port", cfg.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down options-engine...")
	cancel() // stops the sweeper and closes WebSocket clients

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	slog.Info("options-engine stopped")
}

// seedPairs loads symbol → payout-rate pairs into the in-memory registry.
func seedPairs(ctx context.Context, ps store.PairStore, seeds map[string]string) error {
	for symbol, raw := range seeds {
		rate, err := money.ParseRate(raw)
		if err != nil {
			return fmt.Errorf("pair %s: %w", symbol, err)
		}
		if err := ps.UpsertPair(ctx, model.Pair{
			Symbol:     pricefeed.NormalizeSymbol(symbol),
			PayoutRate: rate,
			Active:     true,
		}); err != nil {
			return err
		}
	}
	return nil
}

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/web3-frozen/lending-monitor/internal/alerting"
	"github.com/web3-frozen/lending-monitor/internal/cache"
	"github.com/web3-frozen/lending-monitor/internal/chain"
	"github.com/web3-frozen/lending-monitor/internal/config"
	"github.com/web3-frozen/lending-monitor/internal/dedup"
	"github.com/web3-frozen/lending-monitor/internal/handler"
	"github.com/web3-frozen/lending-monitor/internal/lending"
	"github.com/web3-frozen/lending-monitor/internal/middleware"
	"github.com/web3-frozen/lending-monitor/internal/monitor"
	"github.com/web3-frozen/lending-monitor/internal/prices"
	"github.com/web3-frozen/lending-monitor/internal/registry"
	"github.com/web3-frozen/lending-monitor/internal/scheduler"
	"github.com/web3-frozen/lending-monitor/internal/state"
	"github.com/web3-frozen/lending-monitor/internal/store"
	"github.com/web3-frozen/lending-monitor/internal/stream"
	"github.com/web3-frozen/lending-monitor/internal/telegram"
)

// statusFunc lets the bot report a monitor that is built after it.
type statusFunc func() string

func (f statusFunc) StatusSummary() string { return f() }

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ready []handler.Pinger

	// Database (optional: without it state lives in memory only)
	var stateOpts []state.Option
	var monitorOpts []monitor.Option
	if cfg.DatabaseURL != "" {
		db, err := store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		if err := db.Migrate(ctx); err != nil {
			logger.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		logger.Info("database connected and migrated")
		stateOpts = append(stateOpts, state.WithPersister(db))
		monitorOpts = append(monitorOpts, monitor.WithPersister(db))
		ready = append(ready, db)
	} else {
		logger.Warn("DATABASE_URL not set, state will not survive a restart")
	}

	// Redis (retry up to 30s for ExternalSecret to sync, then run without it)
	var rdb *redis.Client
	var err error
	for i := 0; i < 6; i++ {
		rdb, err = cache.Dial(ctx, cfg.RedisURL, cfg.RedisPassword)
		if err == nil {
			break
		}
		logger.Warn("redis not ready, retrying...", "attempt", i+1, "error", err)
		time.Sleep(5 * time.Second)
	}
	var latches alerting.Latches
	if err != nil {
		logger.Warn("redis unavailable, using in-memory latches and no response cache", "error", err)
		latches = alerting.NewMemoryLatches()
	} else {
		defer rdb.Close()
		logger.Info("redis connected for response cache and alert latches")
		latches = dedup.New(rdb, "")
	}
	respCache := cache.New(rdb, logger)
	ready = append(ready, respCache)

	reg, err := registry.Load(cfg.RegistryFile)
	if err != nil {
		logger.Error("failed to load registry", "error", err)
		os.Exit(1)
	}

	pool := chain.NewPool(cfg.RPCEndpoints(), cfg.RPCTimeout, logger)
	defer pool.Close()

	// Lending backends: klend serves reserves and loans, legacy only loans.
	var reserves lending.ReserveLoader
	var loans []lending.LoanLoader
	if cfg.KlendAPIURL != "" {
		klend := lending.NewKlend(cfg.KlendAPIURL, cfg.KlendAPIKey, cfg.HTTPTimeout)
		reserves = klend
		loans = append(loans, klend)
	} else {
		logger.Warn("KLEND_API_URL not set, borrow status and klend loans are disabled")
	}
	if cfg.LegacyAPIURL != "" {
		loans = append(loans, lending.NewLegacy(cfg.LegacyAPIURL, cfg.HTTPTimeout))
	}
	fetcher := lending.NewFetcher(reserves, loans, pool, reg,
		lending.WithTick(cfg.LTVTick),
		lending.WithTimeout(cfg.HTTPTimeout+cfg.RPCTimeout),
	)

	feed := prices.NewClient(logger,
		prices.NewJupiter(cfg.HTTPTimeout),
		prices.NewCoinGecko(cfg.HTTPTimeout, cfg.CoinGeckoRate),
	)
	fx := prices.NewFX(cfg.HTTPTimeout, time.Hour)

	st := state.New(logger, stateOpts...)

	var mon *monitor.Monitor
	var notifiers []alerting.Notifier
	var bot *telegram.Bot
	if cfg.TelegramToken != "" {
		bot = telegram.NewBot(cfg.TelegramToken, cfg.TelegramChatID, statusFunc(func() string {
			return mon.StatusSummary()
		}), logger)
		notifiers = append(notifiers, bot)
	} else {
		logger.Warn("TELEGRAM_BOT_TOKEN not set, notifications stay on the dashboard")
	}
	alerts := alerting.NewEngine(latches, st, logger, notifiers...)

	monitorOpts = append(monitorOpts,
		monitor.WithScheduler(scheduler.New(logger, scheduler.WithRunTimeout(cfg.HTTPTimeout+cfg.RPCTimeout))),
		monitor.WithIntervals(monitor.Intervals{
			Borrow: cfg.BorrowInterval,
			Loan:   cfg.LoanInterval,
			Prices: cfg.PriceInterval,
		}),
		monitor.WithConverter(fx),
		monitor.WithNames(reg),
		monitor.WithCache(respCache),
	)
	mon = monitor.New(st, fetcher, feed, alerts, logger, monitorOpts...)
	if err := mon.Start(ctx); err != nil {
		logger.Error("failed to start monitor", "error", err)
		os.Exit(1)
	}
	if bot != nil {
		go bot.Run(ctx)
	}

	// HTTP routes
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS(cfg.FrontendOrigins))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", handler.Health())
	r.Get("/readyz", handler.Ready(ready...))

	r.Route("/api", func(r chi.Router) {
		r.Post("/connection", handler.Connection(pool))
		r.Get("/borrow-status", handler.BorrowStatus(fetcher, respCache))
		r.Get("/loan-status", handler.LoanStatus(fetcher, respCache))
		r.Post("/prices", handler.Prices(feed))

		r.Get("/sections", handler.ListSections(mon))
		r.Post("/sections", handler.AddSection(mon))
		r.Get("/sections/{id}", handler.GetSection(mon))
		r.Delete("/sections/{id}", handler.RemoveSection(mon))

		r.Get("/alerts", handler.ListAlerts(st))
		r.Put("/alerts/{token}", handler.SetAlert(mon))
		r.Delete("/alerts/{token}", handler.RemoveAlert(mon))

		r.Get("/price-configs", handler.ListPriceConfigs(st))
		r.Post("/price-configs", handler.AddPriceConfig(st, reg))
		r.Delete("/price-configs/{id}", handler.RemovePriceConfig(st))
		r.Get("/dashboard/prices", handler.DashboardPrices(mon))

		r.Get("/notifications", handler.ListNotifications(st))
		r.Delete("/notifications/{id}", handler.DismissNotification(st))

		r.Get("/preferences", handler.GetPreferences(st))
		r.Put("/preferences", handler.SetPreferences(st, pool))
		r.Get("/registry", handler.Registry(reg, pool))

		r.Get("/stream", stream.Handler(st, cfg.FrontendOrigins, logger))
	})

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		// Websocket streams outlive any write timeout; handlers bound their
		// own writes.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down gracefully")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	mon.Shutdown()
}

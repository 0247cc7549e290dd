package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-paper-trader/internal/api"
	"github.com/irfndi/celebrum-paper-trader/internal/api/handlers"
	"github.com/irfndi/celebrum-paper-trader/internal/cache"
	"github.com/irfndi/celebrum-paper-trader/internal/config"
	"github.com/irfndi/celebrum-paper-trader/internal/database"
	"github.com/irfndi/celebrum-paper-trader/internal/logging"
	"github.com/irfndi/celebrum-paper-trader/internal/metrics"
	"github.com/irfndi/celebrum-paper-trader/internal/scheduler"
	"github.com/irfndi/celebrum-paper-trader/internal/services"
	"github.com/irfndi/celebrum-paper-trader/internal/store"
	"github.com/irfndi/celebrum-paper-trader/internal/telemetry"
	"github.com/irfndi/celebrum-paper-trader/pkg/ccxt"
)

const serviceName = "celebrum-paper-trader"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Application failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := loadDotEnv(".env"); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := logging.NewLogger(cfg.LogLevel, cfg.Environment)
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracing, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Environment, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(flushCtx); err != nil {
			logger.WithError(err).Warn("Failed to flush traces")
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewMetricsCollector(registry, logger, serviceName)

	// Storage
	db, err := database.NewPostgresConnection(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	if err := database.RunMigrations(ctx, db.Pool, logger); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	redisClient, err := database.NewRedisConnection(cfg.Redis, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	defer redisClient.Close()

	redisStore := cache.NewRedisStore(redisClient.Client, logger)
	persistence := store.New(db.Pool, redisStore, logger)
	signalCache := cache.NewSignalCache(redisStore, config.Duration(cfg.Fusion.SignalTTL, 30*time.Minute), logger)

	haltRepo := database.NewSymbolBlacklistRepository(db.Pool)
	halts := cache.NewSymbolBlacklist(redisStore, haltRepo, logger)
	if err := halts.LoadFromDatabase(ctx); err != nil {
		logger.WithError(err).Warn("Failed to load halted symbols, starting with an empty halt list")
	}
	if err := metrics.RegisterCacheStats(registry, serviceName, map[string]metrics.CacheStatsFunc{
		"redis_store": func() map[string]int64 { return redisStore.GetStats().Counters() },
		"halt_list":   func() map[string]int64 { return halts.GetStats().Counters() },
	}); err != nil {
		return fmt.Errorf("failed to register cache metrics: %w", err)
	}

	// Market data
	ccxtClient := ccxt.NewClient(&cfg.CCXT, logger)
	prices := ccxt.NewPriceSource(ccxtClient, cfg.CCXT.Exchange)
	marketData := ccxt.NewMarketData(ccxtClient, cfg.CCXT.Exchange)

	breakers := services.NewBreakerRegistry(logger)
	setups := services.NewStaticSetupProvider()
	marketContext := services.NewMarketContextService(marketData, services.MarketContextConfig{
		VolumeLookback:  cfg.Fusion.VolumeLookback,
		HigherTimeframe: cfg.Fusion.HigherTimeframe,
		FastPeriod:      cfg.Fusion.TrendFastPeriod,
		SlowPeriod:      cfg.Fusion.TrendSlowPeriod,
	}, logger)
	scorer := services.NewFusionScorer(cfg.Fusion, cfg.Scanner.Timeframe, services.FusionDependencies{
		Setups:   setups,
		Market:   marketContext,
		Breakers: breakers,
	}, logger)

	// Strategy
	analyzer := services.NewTrendRegimeAnalyzer(cfg.Regime, marketData, logger)
	rsm := services.NewRegimeStateMachine(cfg.Regime, analyzer, persistence, collector, logger)
	if err := rsm.Start(ctx); err != nil {
		return fmt.Errorf("failed to start regime state machine: %w", err)
	}
	defer rsm.Stop()

	// Execution
	engine := services.NewPaperExecutionEngine(cfg.Execution, services.ExecutionDependencies{
		Prices:    prices,
		Positions: persistence,
		Ledgers:   persistence,
		Metrics:   collector,
	}, logger)
	if err := engine.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore portfolio: %w", err)
	}

	notifier := services.NewTelegramNotifier(cfg.Telegram, logger)
	if notifier.Enabled() {
		handle := rsm.Subscribe(notifier)
		defer rsm.Unsubscribe(handle)
		engine.OnClose(notifier.OnPositionClosed)
	}

	var monitor *services.PositionLifecycleMonitor
	if cfg.Lifecycle.Enabled {
		monitor = services.NewPositionLifecycleMonitor(cfg.Lifecycle, engine, prices, logger)
		monitor.Start(ctx)
		defer monitor.Stop()
	}

	scanner := services.NewSignalScanner(cfg.Scanner, config.Duration(cfg.Execution.UpdateInterval, time.Minute), services.ScannerDependencies{
		Scorer:  scorer,
		Filter:  services.NewTradeFilter(rsm, logger),
		Signals: signalCache,
		Engine:  engine,
		Monitor: monitor,
		Halts:   halts,
		Metrics: collector,
	}, logger)
	if err := scanner.Start(ctx); err != nil {
		return fmt.Errorf("failed to start signal scanner: %w", err)
	}
	defer scanner.Stop()

	jobs := scheduler.NewScheduler(ctx, logger)
	if err := jobs.RegisterDailyReset(cfg.Execution.DailyResetCron, engine); err != nil {
		return err
	}
	if err := jobs.RegisterHaltCleanup(cfg.Scanner.HaltCleanupCron, haltRepo); err != nil {
		return err
	}
	if err := jobs.RegisterStatsReport(cfg.Scanner.HaltCleanupCron, redisStore, halts); err != nil {
		return err
	}
	retention := config.Duration(cfg.Regime.HistoryRetention, 30*24*time.Hour)
	if err := jobs.RegisterStrategyPrune(cfg.Regime.PruneCron, retention, cfg.Regime.HistoryCapacity, persistence); err != nil {
		return err
	}
	jobs.Start()
	defer jobs.Stop()

	// HTTP
	router := gin.New()
	router.Use(gin.Recovery())
	api.SetupRoutes(router, api.Dependencies{
		Engine:   engine,
		History:  persistence,
		Strategy: rsm,
		Signals:  signalCache,
		Halts:    halts,
		Setups:   setups,
		Health: handlers.NewHealthHandler(map[string]handlers.HealthChecker{
			"database": db,
			"redis":    redisClient,
			"ccxt":     ccxtHealth(ccxtClient),
		}, breakers),
		Gatherer:       registry,
		AdminKey:       cfg.Admin.APIKey,
		Metrics:        collector,
		Logger:         logger,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	srv := newHTTPServer(cfg.Server, router)
	serverErr := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"service": serviceName,
			"port":    cfg.Server.Port,
			"event":   "startup",
		}).Info("Application startup")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.WithFields(logrus.Fields{
			"service": serviceName,
			"event":   "shutdown",
			"reason":  "signal received",
		}).Info("Application shutdown")
	case err := <-serverErr:
		return fmt.Errorf("failed to start server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("Server exited gracefully")
	return nil
}

// loadDotEnv loads path into the environment when it exists. Variables
// already set win over the file.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// newHTTPServer creates the API server with security timeouts.
func newHTTPServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       15 * time.Second,
	}
}

func ccxtHealth(client *ccxt.Client) handlers.HealthChecker {
	return handlers.HealthCheckFunc(func(ctx context.Context) error {
		resp, err := client.HealthCheck(ctx)
		if err != nil {
			return err
		}
		if resp.Status != "ok" && resp.Status != "healthy" {
			return fmt.Errorf("ccxt service status %q", resp.Status)
		}
		return nil
	})
}

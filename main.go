package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"os/signal"
	"syscall"

	"cryptoAutoTrader/config"
	"cryptoAutoTrader/internal/adapters/binanceclient"
	"cryptoAutoTrader/internal/adapters/logger"
	"cryptoAutoTrader/internal/adapters/paperexchange"
	"cryptoAutoTrader/internal/adapters/scorer"
	"cryptoAutoTrader/internal/adapters/sqlite"
	"cryptoAutoTrader/internal/domain"
	"cryptoAutoTrader/internal/engine"
	"cryptoAutoTrader/internal/executor"
	"cryptoAutoTrader/internal/notify"
	"cryptoAutoTrader/internal/portfolio"
	"cryptoAutoTrader/internal/ports"
	"cryptoAutoTrader/internal/risk"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	var appLogger ports.Logger
	if cfg.LogBackend == "zap" {
		zapLogger, err := logger.NewZapLogger(cfg.LogLevel, "json")
		if err != nil {
			log.Fatalf("FATAL: Failed to initialize zap logger: %v", err)
		}
		defer zapLogger.Sync()
		appLogger = zapLogger
	} else {
		appLogger = logger.NewStdLogger(logger.ParseLevel(cfg.LogLevel))
	}
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel, "backend": cfg.LogBackend})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err) // Also log to stderr
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()

	// 4. Initialize Exchange Client. Virtual mode wraps the real client for
	// market data and keeps the account ledger in memory.
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.TradingMode == domain.ModeTestnet,
		Logger:     appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}

	var exchange ports.ExchangeClient = binanceClient
	if cfg.TradingMode == domain.ModeVirtual {
		paper, err := paperexchange.New(paperexchange.Config{
			Market:       binanceClient,
			Logger:       appLogger,
			StartBalance: cfg.VirtualStartBalance,
		})
		if err != nil {
			appLogger.Error(context.Background(), err, "FATAL: Failed to initialize paper exchange")
			log.Fatalf("FATAL: Failed to initialize paper exchange: %v", err)
		}
		exchange = paper
	}
	appLogger.Info(context.Background(), "Exchange client initialized", map[string]interface{}{"mode": cfg.TradingMode})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, symbol := range cfg.Symbols {
		if err := exchange.SetLeverage(ctx, symbol, cfg.Risk.Leverage); err != nil {
			appLogger.Warn(ctx, "Failed to set leverage, continuing with exchange default", map[string]interface{}{
				"symbol": symbol, "leverage": cfg.Risk.Leverage, "error": err.Error(),
			})
		}
	}

	// 5. Initialize Signal Scorer
	signalScorer, err := scorer.New(scorer.Config{
		MinVolume: cfg.MinVolume,
		MinATRPct: cfg.MinATRPct,
	}, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize signal scorer")
		log.Fatalf("FATAL: Failed to initialize signal scorer: %v", err)
	}

	// 6. Initialize Portfolio State
	state, err := portfolio.New(portfolio.Config{
		Repo:       repo,
		Exchange:   exchange,
		Logger:     appLogger,
		QuoteAsset: cfg.QuoteAsset,
		Timezone:   cfg.Timezone,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize portfolio state")
		log.Fatalf("FATAL: Failed to initialize portfolio state: %v", err)
	}

	// 7. Initialize Risk Manager
	riskManager, err := risk.New(cfg.Risk, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize risk manager")
		log.Fatalf("FATAL: Failed to initialize risk manager: %v", err)
	}

	// 8. Initialize Notification Bus
	var sinks []notify.Sink
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		sinks = append(sinks, notify.NewTelegramSink(cfg.TelegramBotToken, cfg.TelegramChatID))
		appLogger.Info(context.Background(), "Telegram notifications enabled")
	}
	bus := notify.NewBus(appLogger, sinks...)
	defer bus.Close()

	// 9. Initialize Trade Executor
	exec, err := executor.New(executor.Config{
		FillTimeout:  cfg.OrderFillTimeout,
		PollInterval: cfg.OrderPollInterval,
		MaxAttempts:  cfg.MaxSubmitAttempts,
		BackoffMin:   cfg.BackoffMinInterval,
		BackoffMax:   cfg.BackoffMaxInterval,
		CallTimeout:  cfg.ExchangeTimeout,
	}, exchange, repo, state, bus, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize trade executor")
		log.Fatalf("FATAL: Failed to initialize trade executor: %v", err)
	}

	// 10. Initialize the Automation Engine
	eng, err := engine.New(engine.Config{
		Symbols:         cfg.Symbols,
		Timeframes:      cfg.Timeframes,
		CycleIntervals:  cfg.CycleIntervals,
		MonitorInterval: cfg.MonitorInterval,
		TopNSignals:     cfg.TopNSignals,
		Timezone:        cfg.Timezone,
		CallTimeout:     cfg.ExchangeTimeout,
	}, appLogger, exchange, signalScorer, repo, repo, riskManager, exec, state, bus)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize engine")
		log.Fatalf("FATAL: Failed to initialize engine: %v", err)
	}

	// 11. Run until interrupted
	if err := eng.Start(ctx); err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to start engine")
		log.Fatalf("FATAL: Failed to start engine: %v", err)
	}

	<-ctx.Done()
	appLogger.Info(context.Background(), "Shutdown signal received, stopping engine")
	if err := eng.Stop(context.Background()); err != nil {
		appLogger.Error(context.Background(), err, "Error stopping engine")
	}
	appLogger.Info(context.Background(), "Application finished gracefully.")
}

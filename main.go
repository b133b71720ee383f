package main

import (
	"context"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"aster-trading-bot/config"
	"aster-trading-bot/internal/api"
	"aster-trading-bot/internal/cache"
	"aster-trading-bot/internal/database"
	"aster-trading-bot/internal/engine"
	"aster-trading-bot/internal/events"
	"aster-trading-bot/internal/exchange"
	"aster-trading-bot/internal/logging"
	"aster-trading-bot/internal/marketdata"
	"aster-trading-bot/internal/notification"
	"aster-trading-bot/internal/orders"
	"aster-trading-bot/internal/recorder"
	"aster-trading-bot/internal/risk"
	"aster-trading-bot/internal/signal"
	"aster-trading-bot/internal/stats"
	"aster-trading-bot/internal/vault"
)

func main() {
	// .env is optional; real deployments use the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("configuration invalid", "error", err)
	}

	logger := logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
		Component:  "main",
	})
	logging.SetDefault(logger)
	logger.Info("starting", "live_trading", cfg.ExchangeConfig.EnableTrading,
		"symbols", cfg.TradingConfig.Symbols)

	zlog := zerolog.New(os.Stdout).With().Timestamp().Logger()

	bus := events.NewBus()

	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		logger.Fatal("vault client init failed", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The public REST client serves exchangeInfo and kline warmup even when
	// trading is simulated.
	marketClient := exchange.NewRestClient("", "", cfg.ExchangeConfig.BaseURL)

	var client exchange.Client
	store := marketdata.NewStore()
	if cfg.ExchangeConfig.EnableTrading {
		creds, err := vaultClient.Credentials(ctx)
		if err != nil {
			logger.Fatal("exchange credentials unavailable", "error", err)
		}
		client = exchange.NewRestClient(creds.APIKey, creds.SecretKey, cfg.ExchangeConfig.BaseURL)
		logger.Info("live trading client ready", "base_url", cfg.ExchangeConfig.BaseURL)
	} else {
		sim := exchange.NewSimulatedClient(10000, cfg.ExitConfig.TakerFeeBps, func(symbol string) (exchange.Quote, bool) {
			snap, ok := store.Snapshot(symbol)
			if !ok || snap.Bid <= 0 || snap.Ask <= 0 {
				return exchange.Quote{}, false
			}
			return exchange.Quote{Bid: snap.Bid, Ask: snap.Ask, Mark: snap.Mark}, true
		})
		client = sim
		logger.Info("simulated venue ready, no orders leave the process")
	}

	infoCtx, infoCancel := context.WithTimeout(ctx, 30*time.Second)
	info, err := marketClient.ExchangeInfo(infoCtx)
	infoCancel()
	if err != nil {
		logger.Fatal("exchange info fetch failed", "error", err)
	}
	filters, err := exchange.FiltersFor(info, cfg.TradingConfig.Symbols)
	if err != nil {
		logger.Fatal("symbol filters invalid", "error", err)
	}
	norm := orders.NewNormalizer(filters)

	var db *database.DB
	if cfg.DatabaseConfig.Enabled {
		db, err = database.NewDB(database.Config{
			Host:     cfg.DatabaseConfig.Host,
			Port:     cfg.DatabaseConfig.Port,
			User:     cfg.DatabaseConfig.User,
			Password: cfg.DatabaseConfig.Password,
			Database: cfg.DatabaseConfig.Database,
			SSLMode:  cfg.DatabaseConfig.SSLMode,
		})
		if err != nil {
			logger.Fatal("database init failed", "error", err)
		}
		defer db.Close()
		if err := db.RunMigrations(ctx); err != nil {
			logger.Fatal("database migrations failed", "error", err)
		}
	}

	var mirror *cache.StatusMirror
	if cfg.RedisConfig.Enabled {
		mirror, err = cache.NewStatusMirror(cfg.RedisConfig)
		if err != nil {
			logger.Warn("redis mirror unavailable", "error", err)
		} else {
			defer mirror.Close()
		}
	}

	var rec *recorder.Recorder
	if cfg.RecorderConfig.Enabled {
		rec, err = recorder.New(cfg.RecorderConfig.Dir)
		if err != nil {
			logger.Fatal("recorder init failed", "error", err)
		}
		defer rec.Close()
	}

	var notifier *notification.Manager
	if cfg.NotificationConfig.Enabled {
		notifier = notification.NewManager()
		if cfg.NotificationConfig.Telegram.Enabled {
			notifier.AddNotifier(notification.NewTelegramNotifier(notification.TelegramConfig{
				BotToken: cfg.NotificationConfig.Telegram.BotToken,
				ChatID:   cfg.NotificationConfig.Telegram.ChatID,
				Enabled:  true,
			}))
			logger.Info("telegram alerts enabled")
		}
		if cfg.NotificationConfig.Discord.Enabled {
			notifier.AddNotifier(notification.NewDiscordNotifier(notification.DiscordConfig{
				WebhookURL: cfg.NotificationConfig.Discord.WebhookURL,
				Enabled:    true,
			}))
			logger.Info("discord alerts enabled")
		}
	}

	tracker := stats.NewTracker(cfg.StrategyConfig.VolBars, cfg.StrategyConfig.VolumeBars)
	evaluator := signal.NewEvaluator(signal.Params{
		K:                cfg.StrategyConfig.K,
		VolumeMult:       cfg.StrategyConfig.VolumeMult,
		MaxSpread:        cfg.StrategyConfig.MaxSpread,
		MaxFundingAbsBps: cfg.StrategyConfig.MaxFundingAbsBps,
		MaxQuoteAge:      time.Duration(cfg.StrategyConfig.MaxQuoteAgeSecs) * time.Second,
		MaxMarkAge:       time.Duration(cfg.StrategyConfig.MaxMarkAgeSecs) * time.Second,
	})

	entryHalt, _ := config.ParseUTCMinute(cfg.RiskConfig.EntryHaltUTC)
	forceExit, _ := config.ParseUTCMinute(cfg.RiskConfig.ForceExitUTC)
	guard := risk.NewGuard(risk.Config{
		MarginSafetyMultiple: cfg.RiskConfig.MarginSafetyMultiple,
		MaxDailyDrawdownPct:  cfg.RiskConfig.MaxDailyDrawdownPct,
		RiskPct:              cfg.RiskConfig.RiskPct,
		Leverage:             cfg.TradingConfig.Leverage,
		EntryHaltUTC:         entryHalt,
		ForceExitUTC:         forceExit,
	})
	trailing := risk.NewTrailingTracker()

	manager := orders.NewManager(client, norm, orders.Config{
		Exits: orders.ExitParams{
			TakeProfitBps:         cfg.ExitConfig.TakeProfitBps,
			StopLossBps:           cfg.ExitConfig.StopLossBps,
			TrailingActivationBps: cfg.ExitConfig.TrailingActivationBps,
			BreakEvenBufferBps:    cfg.ExitConfig.BreakEvenBufferBps,
			MinTPGapBps:           cfg.ExitConfig.MinTPGapBps,
			CallbackRate:          cfg.ExitConfig.CallbackRate,
			TakerFeeBps:           cfg.ExitConfig.TakerFeeBps,
		},
		OrderNotional: cfg.TradingConfig.OrderNotional,
		Cooldown:      cfg.Cooldown(),
	}, zlog)

	// Derive the entry size from the starting balance when not pinned.
	if cfg.TradingConfig.OrderNotional == 0 {
		acctCtx, acctCancel := context.WithTimeout(ctx, 15*time.Second)
		acct, err := client.AccountInfo(acctCtx)
		acctCancel()
		if err != nil {
			logger.Fatal("account read for sizing failed", "error", err)
		}
		notional := guard.DefaultNotional(acct.TotalMarginBalance)
		if notional <= 0 {
			logger.Fatal("cannot derive order notional", "balance", acct.TotalMarginBalance)
		}
		manager.SetOrderNotional(notional)
		logger.Info("order notional derived from balance",
			"balance", acct.TotalMarginBalance, "notional", notional)
	}

	collector := marketdata.NewCollector(store, cfg.TradingConfig.Symbols, cfg.ExchangeConfig.StreamURL)
	go collector.Run(ctx)

	eng := engine.New(cfg, engine.Deps{
		Client:       client,
		MarketClient: marketClient,
		Store:        store,
		Tracker:      tracker,
		Evaluator:    evaluator,
		Manager:      manager,
		Guard:        guard,
		Trailing:     trailing,
		Bus:          bus,
		Recorder:     rec,
		DB:           db,
		Mirror:       mirror,
		Notifier:     notifier,
	})

	if err := eng.Start(ctx); err != nil {
		logger.Fatal("engine start failed", "error", err)
	}

	var server *api.Server
	if cfg.ServerConfig.Enabled {
		server = api.NewServer(api.ServerConfig{
			Host:           cfg.ServerConfig.Host,
			Port:           cfg.ServerConfig.Port,
			ProductionMode: cfg.ServerConfig.ProductionMode,
		}, eng, db)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutting down", "signal", sig.String())

	cancel()
	eng.Stop()

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("status server shutdown failed", "error", err)
		}
		shutdownCancel()
	}

	logger.Info("shutdown complete")
}

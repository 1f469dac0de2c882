package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/vitos/crypto_dealer/internal/config"
	"github.com/vitos/crypto_dealer/internal/infrastructure/analyzer"
	"github.com/vitos/crypto_dealer/internal/infrastructure/exchange"
	"github.com/vitos/crypto_dealer/internal/infrastructure/logger"
	"github.com/vitos/crypto_dealer/internal/usecase"
)

func main() {
	_ = godotenv.Load()

	// 1. Load Config
	cfg, err := config.Load("config/config.yaml")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Init Logger
	var log *zap.Logger
	if cfg.Logging.File != "" {
		log, err = logger.NewFileLogger(cfg.Logging.File, cfg.Logging.Level)
	} else {
		log, err = logger.NewLogger(cfg.Logging.Level)
	}
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	privateKey := os.Getenv(cfg.Venue.PrivateKeyEnv)
	if privateKey == "" {
		log.Fatal("Signing key is not set", zap.String("env", cfg.Venue.PrivateKeyEnv))
	}
	apiKey := os.Getenv(cfg.Analyzer.APIKeyEnv)
	if apiKey == "" {
		log.Fatal("Analyzer API key is not set", zap.String("env", cfg.Analyzer.APIKeyEnv))
	}
	if len(cfg.Cycle.Instruments) == 0 {
		log.Fatal("No instruments configured")
	}

	// 3. Init Venue Adapter
	venue, err := exchange.NewHyperliquidAdapter(exchange.Config{
		BaseURL:        cfg.Venue.RESTEndpoint,
		WSURL:          cfg.Venue.WSEndpoint,
		WalletAddress:  cfg.Venue.WalletAddress,
		VaultAddress:   cfg.Venue.VaultAddress,
		PrivateKeyHex:  privateKey,
		Testnet:        cfg.Venue.Testnet,
		StreamEnabled:  cfg.Venue.StreamEnabled,
		Window:         time.Duration(cfg.Venue.Budget.WindowMs) * time.Millisecond,
		MaxWeight:      cfg.Venue.Budget.MaxWeight,
		MinSpacing:     time.Duration(cfg.Venue.Budget.MinSpacingMs) * time.Millisecond,
		MaxAttempts:    cfg.Venue.Retry.MaxAttempts,
		InitialBackoff: time.Duration(cfg.Venue.Retry.InitialBackoffMs) * time.Millisecond,
		Weights: exchange.WeightTable{
			InfoLight:           cfg.Venue.Weights.InfoLight,
			InfoHeavy:           cfg.Venue.Weights.InfoHeavy,
			Exchange:            cfg.Venue.Weights.Exchange,
			CandlesSurchargePer: cfg.Venue.Weights.CandlesSurchargePer,
		},
		TTL: exchange.TTLTable{
			Meta:    time.Duration(cfg.Venue.CacheTTL.MetaMs) * time.Millisecond,
			Mids:    time.Duration(cfg.Venue.CacheTTL.MidsMs) * time.Millisecond,
			Candles: time.Duration(cfg.Venue.CacheTTL.CandlesMs) * time.Millisecond,
			State:   time.Duration(cfg.Venue.CacheTTL.StateMs) * time.Millisecond,
			Funding: time.Duration(cfg.Venue.CacheTTL.FundingMs) * time.Millisecond,
		},
	}, log)
	if err != nil {
		log.Fatal("Failed to init venue adapter", zap.Error(err))
	}
	defer venue.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := venue.Start(ctx); err != nil {
		log.Error("Mid-price stream unavailable, continuing on REST", zap.Error(err))
	}

	// 4. Init Services
	engine := usecase.NewDecisionEngine()
	market := usecase.NewMarketService(venue, usecase.MarketServiceConfig{
		CandleInterval:     cfg.Indicators.CandleInterval,
		CandleLimit:        cfg.Indicators.CandleLimit,
		MacroInterval:      cfg.Indicators.MacroInterval,
		MacroLimit:         cfg.Indicators.MacroLimit,
		EmaFast:            cfg.Indicators.EmaFast,
		EmaSlow:            cfg.Indicators.EmaSlow,
		RsiPeriod:          cfg.Indicators.RsiPeriod,
		AtrPeriod:          cfg.Indicators.AtrPeriod,
		DivergenceLookback: cfg.Indicators.DivergenceLookback,
	}, log)
	portfolio := usecase.NewPortfolioService(venue, engine, cfg.UserSettings(), cfg.FeeSchedule(), log)
	executor := usecase.NewTradeExecutor(venue, engine, log)
	llm := analyzer.New(analyzer.Config{
		BaseURL:     cfg.Analyzer.BaseURL,
		APIKey:      apiKey,
		Model:       cfg.Analyzer.Model,
		Temperature: cfg.Analyzer.Temperature,
		MaxRetries:  cfg.Analyzer.MaxRetries,
	}, log)
	cycles := usecase.NewCycleService(
		market, llm, executor, portfolio, engine,
		logger.NewCycleReporter(log),
		cfg.DomainCycle(), cfg.Analyzer.Directive, log)

	// 5. Shutdown on SIGINT/SIGTERM; an in-flight cycle aborts cleanly.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		log.Info("Shutdown signal received")
		cancel()
	}()

	interval := time.Duration(cfg.Cycle.IntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("Dealer started",
		zap.Strings("instruments", cfg.Cycle.Instruments),
		zap.Duration("interval", interval),
		zap.String("model", cfg.Analyzer.Model),
		zap.Bool("testnet", cfg.Venue.Testnet))

	// 6. Cycle Loop. RunCycle blocks, so cycles never overlap; a tick that
	// lands mid-cycle starts the next one as soon as the current ends.
	for {
		cycles.RunCycle(ctx, cfg.Cycle.Instruments)

		select {
		case <-ctx.Done():
			log.Info("Dealer stopped")
			return
		case <-ticker.C:
		}
	}
}

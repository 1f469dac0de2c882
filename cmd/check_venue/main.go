package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vitos/crypto_dealer/internal/config"
	"github.com/vitos/crypto_dealer/internal/infrastructure/exchange"
)

// Probes every venue endpoint the dealer depends on, concurrently, and exits
// non-zero if any of them fails.
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load("config/config.yaml")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	privateKey := os.Getenv(cfg.Venue.PrivateKeyEnv)
	if privateKey == "" {
		fmt.Printf("Signing key env %s is not set\n", cfg.Venue.PrivateKeyEnv)
		os.Exit(1)
	}

	coin := "BTC"
	if len(cfg.Cycle.Instruments) > 0 {
		coin = cfg.Cycle.Instruments[0]
	}

	fmt.Printf("Checking Hyperliquid connectivity...\n")
	fmt.Printf("Endpoint: %s (testnet=%v)\n", cfg.Venue.RESTEndpoint, cfg.Venue.Testnet)
	fmt.Printf("Instrument: %s\n\n", coin)

	venue, err := exchange.NewHyperliquidAdapter(exchange.Config{
		BaseURL:        cfg.Venue.RESTEndpoint,
		WSURL:          cfg.Venue.WSEndpoint,
		WalletAddress:  cfg.Venue.WalletAddress,
		VaultAddress:   cfg.Venue.VaultAddress,
		PrivateKeyHex:  privateKey,
		Testnet:        cfg.Venue.Testnet,
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
	}, zap.NewNop())
	if err != nil {
		fmt.Printf("Failed to init venue adapter: %v\n", err)
		os.Exit(1)
	}
	defer venue.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Plain errgroup: one probe failing must not cancel the others.
	var g errgroup.Group

	g.Go(func() error {
		meta, err := venue.InstrumentMeta(ctx, coin)
		if err != nil {
			fmt.Printf("❌ Instrument meta: %v\n", err)
			return err
		}
		fmt.Printf("✅ Instrument meta (%s): asset=%d szDecimals=%d maxLeverage=%dx\n",
			coin, meta.AssetIndex, meta.SzDecimals, meta.MaxLeverage)
		return nil
	})

	g.Go(func() error {
		mid, err := venue.MidPrice(ctx, coin)
		if err != nil {
			fmt.Printf("❌ Mid price: %v\n", err)
			return err
		}
		fmt.Printf("✅ Mid price (%s): %f\n", coin, mid)
		return nil
	})

	g.Go(func() error {
		candles, err := venue.Candles(ctx, coin, cfg.Indicators.CandleInterval, 5)
		if err != nil {
			fmt.Printf("❌ Candles: %v\n", err)
			return err
		}
		last := 0.0
		if len(candles) > 0 {
			last = candles[len(candles)-1].Close
		}
		fmt.Printf("✅ Candles (%s %s): %d bars, last close %f\n",
			coin, cfg.Indicators.CandleInterval, len(candles), last)
		return nil
	})

	g.Go(func() error {
		funding, err := venue.FundingRate(ctx, coin)
		if err != nil {
			fmt.Printf("❌ Funding rate: %v\n", err)
			return err
		}
		fmt.Printf("✅ Funding rate (%s): %.8f\n", coin, funding)
		return nil
	})

	g.Go(func() error {
		state, err := venue.AccountState(ctx)
		if err != nil {
			fmt.Printf("❌ Account state: %v\n", err)
			return err
		}
		fmt.Printf("✅ Account: value=%.2f withdrawable=%.2f positions=%d\n",
			state.AccountValue, state.Withdrawable, len(state.Positions))
		return nil
	})

	if err := g.Wait(); err != nil {
		fmt.Printf("\nSome checks failed\n")
		os.Exit(1)
	}
	fmt.Printf("\nAll checks passed\n")
}

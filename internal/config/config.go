package config

import (
	"fmt"
	"os"
	"time"

	"github.com/vitos/crypto_dealer/internal/domain"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Venue      VenueConfig     `yaml:"venue"`
	Cycle      CycleConfig     `yaml:"cycle"`
	Risk       RiskConfig      `yaml:"risk"`
	Indicators IndicatorConfig `yaml:"indicators"`
	Fees       FeeConfig       `yaml:"fees"`
	Analyzer   AnalyzerConfig  `yaml:"analyzer"`
	Logging    LoggingConfig   `yaml:"logging"`
}

type VenueConfig struct {
	RESTEndpoint  string         `yaml:"rest_endpoint"`
	WSEndpoint    string         `yaml:"ws_endpoint"`
	WalletAddress string         `yaml:"wallet_address"`
	VaultAddress  string         `yaml:"vault_address"` // empty unless trading a vault/subaccount
	PrivateKeyEnv string         `yaml:"private_key_env"`
	Testnet       bool           `yaml:"testnet"`
	StreamEnabled bool           `yaml:"stream_enabled"`
	Budget        BudgetConfig   `yaml:"budget"`
	Retry         RetryConfig    `yaml:"retry"`
	Weights       WeightConfig   `yaml:"weights"`
	CacheTTL      CacheTTLConfig `yaml:"cache_ttl"`
}

// BudgetConfig bounds the request scheduler: MaxWeight per rolling WindowMs,
// plus a minimum spacing between consecutive dispatches.
type BudgetConfig struct {
	WindowMs     int `yaml:"window_ms"`
	MaxWeight    int `yaml:"max_weight"`
	MinSpacingMs int `yaml:"min_spacing_ms"`
}

type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms"`
}

// WeightConfig is the per-endpoint-kind cost table. CandlesSurchargePer adds
// one weight unit per that many requested candles on top of the heavy base.
type WeightConfig struct {
	InfoLight           int `yaml:"info_light"`
	InfoHeavy           int `yaml:"info_heavy"`
	Exchange            int `yaml:"exchange"`
	CandlesSurchargePer int `yaml:"candles_surcharge_per"`
}

type CacheTTLConfig struct {
	MetaMs    int `yaml:"meta_ms"`
	MidsMs    int `yaml:"mids_ms"`
	CandlesMs int `yaml:"candles_ms"`
	StateMs   int `yaml:"state_ms"`
	FundingMs int `yaml:"funding_ms"`
}

type CycleConfig struct {
	Instruments         []string `yaml:"instruments"`
	IntervalMs          int      `yaml:"interval_ms"`
	MaxTradesPerCycle   int      `yaml:"max_trades_per_cycle"`
	ChunkSize           int      `yaml:"chunk_size"`
	ConfidenceThreshold float64  `yaml:"confidence_threshold"`
	ChunkDelayMs        int      `yaml:"chunk_delay_ms"`
	FetchDelayMs        int      `yaml:"fetch_delay_ms"`
	MacroEnabled        bool     `yaml:"macro_enabled"`
}

type RiskConfig struct {
	MaxPositions       int     `yaml:"max_positions"`
	MaxLeverage        int     `yaml:"max_leverage"`
	DefaultLeverage    int     `yaml:"default_leverage"`
	MaxPositionSizeUSD float64 `yaml:"max_position_size_usd"`
	StopLossEnabled    bool    `yaml:"stop_loss_enabled"`
	StopLossPct        float64 `yaml:"stop_loss_pct"`
	TakeProfitEnabled  bool    `yaml:"take_profit_enabled"`
	TakeProfitPct      float64 `yaml:"take_profit_pct"`
}

type IndicatorConfig struct {
	CandleInterval     string `yaml:"candle_interval"`
	CandleLimit        int    `yaml:"candle_limit"`
	MacroInterval      string `yaml:"macro_interval"`
	MacroLimit         int    `yaml:"macro_limit"`
	EmaFast            int    `yaml:"ema_fast"`
	EmaSlow            int    `yaml:"ema_slow"`
	RsiPeriod          int    `yaml:"rsi_period"`
	AtrPeriod          int    `yaml:"atr_period"`
	DivergenceLookback int    `yaml:"divergence_lookback"`
}

type FeeConfig struct {
	Taker               float64 `yaml:"taker"`
	Maker               float64 `yaml:"maker"`
	FundingHoldingHours float64 `yaml:"funding_holding_hours"`
}

type AnalyzerConfig struct {
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"`
	APIKeyEnv   string  `yaml:"api_key_env"`
	Temperature float64 `yaml:"temperature"`
	MaxRetries  int     `yaml:"max_retries"`
	Directive   string  `yaml:"directive"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Venue.RESTEndpoint == "" {
		c.Venue.RESTEndpoint = "https://api.hyperliquid.xyz"
	}
	if c.Venue.WSEndpoint == "" {
		c.Venue.WSEndpoint = "wss://api.hyperliquid.xyz/ws"
	}
	if c.Venue.PrivateKeyEnv == "" {
		c.Venue.PrivateKeyEnv = "DEALER_PRIVATE_KEY"
	}
	if c.Venue.Budget.WindowMs == 0 {
		c.Venue.Budget.WindowMs = 60_000
	}
	if c.Venue.Budget.MaxWeight == 0 {
		c.Venue.Budget.MaxWeight = 1200
	}
	if c.Venue.Budget.MinSpacingMs == 0 {
		c.Venue.Budget.MinSpacingMs = 100
	}
	if c.Venue.Retry.MaxAttempts == 0 {
		c.Venue.Retry.MaxAttempts = 5
	}
	if c.Venue.Retry.InitialBackoffMs == 0 {
		c.Venue.Retry.InitialBackoffMs = 1000
	}
	if c.Venue.Weights.InfoLight == 0 {
		c.Venue.Weights.InfoLight = 2
	}
	if c.Venue.Weights.InfoHeavy == 0 {
		c.Venue.Weights.InfoHeavy = 20
	}
	if c.Venue.Weights.Exchange == 0 {
		c.Venue.Weights.Exchange = 1
	}
	if c.Venue.Weights.CandlesSurchargePer == 0 {
		c.Venue.Weights.CandlesSurchargePer = 500
	}
	if c.Venue.CacheTTL.MetaMs == 0 {
		c.Venue.CacheTTL.MetaMs = 600_000
	}
	if c.Venue.CacheTTL.MidsMs == 0 {
		c.Venue.CacheTTL.MidsMs = 2_000
	}
	if c.Venue.CacheTTL.CandlesMs == 0 {
		c.Venue.CacheTTL.CandlesMs = 30_000
	}
	if c.Venue.CacheTTL.StateMs == 0 {
		c.Venue.CacheTTL.StateMs = 5_000
	}
	if c.Venue.CacheTTL.FundingMs == 0 {
		c.Venue.CacheTTL.FundingMs = 60_000
	}
	if c.Cycle.IntervalMs == 0 {
		c.Cycle.IntervalMs = 180_000
	}
	if c.Cycle.MaxTradesPerCycle == 0 {
		c.Cycle.MaxTradesPerCycle = 3
	}
	if c.Cycle.ChunkSize == 0 {
		c.Cycle.ChunkSize = 3
	}
	if c.Cycle.ConfidenceThreshold == 0 {
		c.Cycle.ConfidenceThreshold = 0.6
	}
	if c.Risk.MaxPositions == 0 {
		c.Risk.MaxPositions = 5
	}
	if c.Risk.MaxLeverage == 0 {
		c.Risk.MaxLeverage = 10
	}
	if c.Risk.DefaultLeverage == 0 {
		c.Risk.DefaultLeverage = 5
	}
	if c.Indicators.CandleInterval == "" {
		c.Indicators.CandleInterval = "15m"
	}
	if c.Indicators.CandleLimit == 0 {
		c.Indicators.CandleLimit = 120
	}
	if c.Indicators.MacroInterval == "" {
		c.Indicators.MacroInterval = "4h"
	}
	if c.Indicators.MacroLimit == 0 {
		c.Indicators.MacroLimit = 60
	}
	if c.Indicators.EmaFast == 0 {
		c.Indicators.EmaFast = 20
	}
	if c.Indicators.EmaSlow == 0 {
		c.Indicators.EmaSlow = 50
	}
	if c.Indicators.RsiPeriod == 0 {
		c.Indicators.RsiPeriod = 14
	}
	if c.Indicators.AtrPeriod == 0 {
		c.Indicators.AtrPeriod = 14
	}
	if c.Indicators.DivergenceLookback == 0 {
		c.Indicators.DivergenceLookback = 30
	}
	if c.Fees.Taker == 0 {
		c.Fees.Taker = 0.00045
	}
	if c.Fees.Maker == 0 {
		c.Fees.Maker = 0.00015
	}
	if c.Fees.FundingHoldingHours == 0 {
		c.Fees.FundingHoldingHours = 8
	}
	if c.Analyzer.Model == "" {
		c.Analyzer.Model = "gpt-4o"
	}
	if c.Analyzer.APIKeyEnv == "" {
		c.Analyzer.APIKeyEnv = "DEALER_LLM_API_KEY"
	}
	if c.Analyzer.MaxRetries == 0 {
		c.Analyzer.MaxRetries = 2
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// DomainCycle maps the yaml cycle block onto the engine's CycleConfig.
func (c *Config) DomainCycle() domain.CycleConfig {
	return domain.CycleConfig{
		MaxTradesPerCycle:   c.Cycle.MaxTradesPerCycle,
		ChunkSize:           c.Cycle.ChunkSize,
		ConfidenceThreshold: c.Cycle.ConfidenceThreshold,
		ChunkDelay:          time.Duration(c.Cycle.ChunkDelayMs) * time.Millisecond,
		FetchDelay:          time.Duration(c.Cycle.FetchDelayMs) * time.Millisecond,
		MacroEnabled:        c.Cycle.MacroEnabled,
	}
}

func (c *Config) UserSettings() domain.UserSettings {
	return domain.UserSettings{
		MaxPositions:       c.Risk.MaxPositions,
		MaxLeverage:        c.Risk.MaxLeverage,
		DefaultLeverage:    c.Risk.DefaultLeverage,
		MaxPositionSizeUSD: c.Risk.MaxPositionSizeUSD,
		StopLossEnabled:    c.Risk.StopLossEnabled,
		StopLossPct:        c.Risk.StopLossPct,
		TakeProfitEnabled:  c.Risk.TakeProfitEnabled,
		TakeProfitPct:      c.Risk.TakeProfitPct,
	}
}

func (c *Config) FeeSchedule() domain.FeeSchedule {
	return domain.FeeSchedule{
		TakerRate:           c.Fees.Taker,
		MakerRate:           c.Fees.Maker,
		FundingHoldingHours: c.Fees.FundingHoldingHours,
	}
}

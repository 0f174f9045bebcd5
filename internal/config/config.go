// Package config loads the orchestrator configuration: defaults, optional
// YAML file, then ORCH_* environment overrides, in that order.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/quantshed/orchestrator/pkg/types"
)

// Config is the file/env schema. The command layer maps sections onto the
// component config structs.
type Config struct {
	Watchlist    []string          `mapstructure:"watchlist"`
	Sectors      map[string]string `mapstructure:"sectors"`
	TickInterval time.Duration     `mapstructure:"tick_interval"`
	MaxTrades    int               `mapstructure:"max_trades"`
	SessionMax   time.Duration     `mapstructure:"session_max"`
	HistoryBars  int               `mapstructure:"history_bars"`
	Demo         bool              `mapstructure:"demo"`

	Advisor   AdvisorSection   `mapstructure:"advisor"`
	Risk      RiskSection      `mapstructure:"risk"`
	Execution ExecutionSection `mapstructure:"execution"`
	Paper     PaperSection     `mapstructure:"paper"`
	API       APISection       `mapstructure:"api"`
}

// AdvisorSection tunes the AI advisor gateway.
type AdvisorSection struct {
	Models         map[string]string `mapstructure:"models"`
	MaxAttempts    int               `mapstructure:"max_attempts"`
	CallTimeout    time.Duration     `mapstructure:"call_timeout"`
	BackoffBase    time.Duration     `mapstructure:"backoff_base"`
	BackoffMax     time.Duration     `mapstructure:"backoff_max"`
	CallsPerMinute int               `mapstructure:"calls_per_minute"`
	KeyCooldown    time.Duration     `mapstructure:"key_cooldown"`
	CacheTTL       time.Duration     `mapstructure:"cache_ttl"`
	Weight         float64           `mapstructure:"weight"`
}

// RiskSection tunes the risk manager limits.
type RiskSection struct {
	MaxPositionFraction   float64 `mapstructure:"max_position_fraction"`
	MaxPortfolioRiskDaily float64 `mapstructure:"max_portfolio_risk_daily"`
	MaxSymbolRisk         float64 `mapstructure:"max_symbol_risk"`
	MaxSectorExposure     float64 `mapstructure:"max_sector_exposure"`
	StopLossPct           float64 `mapstructure:"stop_loss_pct"`
	TakeProfitPct         float64 `mapstructure:"take_profit_pct"`
	MaxDailyDrawdown      float64 `mapstructure:"max_daily_drawdown"`
	VolatilityScaling     bool    `mapstructure:"volatility_scaling"`
}

// ExecutionSection tunes the anti-gaming engine.
type ExecutionSection struct {
	JitterMin        time.Duration `mapstructure:"jitter_min"`
	JitterMax        time.Duration `mapstructure:"jitter_max"`
	DecoyProbability float64       `mapstructure:"decoy_probability"`
	SizeVariance     float64       `mapstructure:"size_variance"`
	IcebergMinChunks int           `mapstructure:"iceberg_min_chunks"`
	IcebergMaxChunks int           `mapstructure:"iceberg_max_chunks"`
	TWAPSlices       int           `mapstructure:"twap_slices"`
	VWAPProfile      []float64     `mapstructure:"vwap_profile"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

// PaperSection tunes the demo broker.
type PaperSection struct {
	StartingCash float64 `mapstructure:"starting_cash"`
	DailyVol     float64 `mapstructure:"daily_vol"`
}

// APISection tunes the status HTTP server.
type APISection struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Watchlist:    []string{"AAPL", "MSFT", "GOOGL", "AMZN"},
		Sectors:      map[string]string{"AAPL": "Technology", "MSFT": "Technology", "GOOGL": "Communication", "AMZN": "Consumer"},
		TickInterval: 15 * time.Minute,
		MaxTrades:    20,
		SessionMax:   6 * time.Hour,
		HistoryBars:  60,
		Advisor: AdvisorSection{
			Models:         map[string]string{},
			MaxAttempts:    3,
			CallTimeout:    10 * time.Second,
			BackoffBase:    4 * time.Second,
			BackoffMax:     10 * time.Second,
			CallsPerMinute: 60,
			KeyCooldown:    60 * time.Second,
			CacheTTL:       15 * time.Minute,
			Weight:         1.5,
		},
		Risk: RiskSection{
			MaxPositionFraction:   0.05,
			MaxPortfolioRiskDaily: 0.02,
			MaxSymbolRisk:         0.01,
			MaxSectorExposure:     0.20,
			StopLossPct:           0.05,
			TakeProfitPct:         0.10,
			MaxDailyDrawdown:      0.05,
			VolatilityScaling:     true,
		},
		Execution: ExecutionSection{
			JitterMin:        50 * time.Millisecond,
			JitterMax:        500 * time.Millisecond,
			TWAPSlices:       5,
			VWAPProfile:      []float64{0.08, 0.12, 0.15, 0.20, 0.15, 0.12, 0.10, 0.08},
			DecoyProbability: 0.2,
			SizeVariance:     0.15,
			IcebergMinChunks: 3,
			IcebergMaxChunks: 8,
			BreakerThreshold: 3,
			BreakerCooldown:  300 * time.Second,
		},
		Paper: PaperSection{
			StartingCash: 100_000,
			DailyVol:     0.02,
		},
		API: APISection{
			Enabled: true,
			Host:    "localhost",
			Port:    8080,
		},
	}
}

// applyDefaults registers Default under every key. Defaults live in viper,
// not in the decode target, so a file or env value replaces the default
// wholesale instead of merging into it (slices in particular).
func applyDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("watchlist", d.Watchlist)
	v.SetDefault("sectors", d.Sectors)
	v.SetDefault("tick_interval", d.TickInterval)
	v.SetDefault("max_trades", d.MaxTrades)
	v.SetDefault("session_max", d.SessionMax)
	v.SetDefault("history_bars", d.HistoryBars)
	v.SetDefault("demo", d.Demo)

	v.SetDefault("advisor.models", d.Advisor.Models)
	v.SetDefault("advisor.max_attempts", d.Advisor.MaxAttempts)
	v.SetDefault("advisor.call_timeout", d.Advisor.CallTimeout)
	v.SetDefault("advisor.backoff_base", d.Advisor.BackoffBase)
	v.SetDefault("advisor.backoff_max", d.Advisor.BackoffMax)
	v.SetDefault("advisor.calls_per_minute", d.Advisor.CallsPerMinute)
	v.SetDefault("advisor.key_cooldown", d.Advisor.KeyCooldown)
	v.SetDefault("advisor.cache_ttl", d.Advisor.CacheTTL)
	v.SetDefault("advisor.weight", d.Advisor.Weight)

	v.SetDefault("risk.max_position_fraction", d.Risk.MaxPositionFraction)
	v.SetDefault("risk.max_portfolio_risk_daily", d.Risk.MaxPortfolioRiskDaily)
	v.SetDefault("risk.max_symbol_risk", d.Risk.MaxSymbolRisk)
	v.SetDefault("risk.max_sector_exposure", d.Risk.MaxSectorExposure)
	v.SetDefault("risk.stop_loss_pct", d.Risk.StopLossPct)
	v.SetDefault("risk.take_profit_pct", d.Risk.TakeProfitPct)
	v.SetDefault("risk.max_daily_drawdown", d.Risk.MaxDailyDrawdown)
	v.SetDefault("risk.volatility_scaling", d.Risk.VolatilityScaling)

	v.SetDefault("execution.jitter_min", d.Execution.JitterMin)
	v.SetDefault("execution.jitter_max", d.Execution.JitterMax)
	v.SetDefault("execution.decoy_probability", d.Execution.DecoyProbability)
	v.SetDefault("execution.size_variance", d.Execution.SizeVariance)
	v.SetDefault("execution.iceberg_min_chunks", d.Execution.IcebergMinChunks)
	v.SetDefault("execution.iceberg_max_chunks", d.Execution.IcebergMaxChunks)
	v.SetDefault("execution.twap_slices", d.Execution.TWAPSlices)
	v.SetDefault("execution.vwap_profile", d.Execution.VWAPProfile)
	v.SetDefault("execution.breaker_threshold", d.Execution.BreakerThreshold)
	v.SetDefault("execution.breaker_cooldown", d.Execution.BreakerCooldown)

	v.SetDefault("paper.starting_cash", d.Paper.StartingCash)
	v.SetDefault("paper.daily_vol", d.Paper.DailyVol)

	v.SetDefault("api.enabled", d.API.Enabled)
	v.SetDefault("api.host", d.API.Host)
	v.SetDefault("api.port", d.API.Port)
}

// Load reads configuration from an optional file path plus ORCH_*
// environment overrides, on top of Default.
func Load(path string) (Config, error) {
	v := viper.New()
	applyDefaults(v)
	v.SetEnvPrefix("ORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, &types.ConfigError{Field: "file", Err: err}
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			// A missing default config file is fine; defaults apply.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, &types.ConfigError{Field: "file", Err: err}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, &types.ConfigError{Field: "unmarshal", Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the loop cannot run with.
func (c Config) Validate() error {
	if len(c.Watchlist) == 0 {
		return &types.ConfigError{Field: "watchlist", Err: fmt.Errorf("must not be empty")}
	}
	if c.TickInterval <= 0 {
		return &types.ConfigError{Field: "tick_interval", Err: fmt.Errorf("must be positive, got %s", c.TickInterval)}
	}
	if c.Risk.MaxPositionFraction <= 0 || c.Risk.MaxPositionFraction > 1 {
		return &types.ConfigError{Field: "risk.max_position_fraction", Err: fmt.Errorf("must be in (0,1], got %v", c.Risk.MaxPositionFraction)}
	}
	if c.Risk.MaxSectorExposure <= 0 || c.Risk.MaxSectorExposure > 1 {
		return &types.ConfigError{Field: "risk.max_sector_exposure", Err: fmt.Errorf("must be in (0,1], got %v", c.Risk.MaxSectorExposure)}
	}
	if c.Execution.IcebergMinChunks < 1 || c.Execution.IcebergMaxChunks < c.Execution.IcebergMinChunks {
		return &types.ConfigError{Field: "execution.iceberg_chunks", Err: fmt.Errorf("invalid chunk range [%d,%d]", c.Execution.IcebergMinChunks, c.Execution.IcebergMaxChunks)}
	}
	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		return &types.ConfigError{Field: "api.port", Err: fmt.Errorf("invalid port %d", c.API.Port)}
	}
	return nil
}

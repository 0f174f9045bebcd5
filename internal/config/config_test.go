package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quantshed/orchestrator/internal/config"
	"github.com/quantshed/orchestrator/pkg/types"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Watchlist) == 0 {
		t.Error("default watchlist is empty")
	}
	if cfg.TickInterval != 15*time.Minute {
		t.Errorf("TickInterval = %s, want 15m", cfg.TickInterval)
	}
	if cfg.Risk.MaxPositionFraction != 0.05 {
		t.Errorf("MaxPositionFraction = %v, want 0.05", cfg.Risk.MaxPositionFraction)
	}
	if cfg.Advisor.CallsPerMinute != 60 {
		t.Errorf("CallsPerMinute = %d, want 60", cfg.Advisor.CallsPerMinute)
	}
}

func TestLoadFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
watchlist: ["TSLA"]
tick_interval: 1m
max_trades: 5
risk:
  max_position_fraction: 0.10
execution:
  iceberg_min_chunks: 2
  iceberg_max_chunks: 4
api:
  enabled: false
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Watchlist) != 1 || cfg.Watchlist[0] != "TSLA" {
		t.Errorf("Watchlist = %v, want [TSLA]", cfg.Watchlist)
	}
	if cfg.TickInterval != time.Minute {
		t.Errorf("TickInterval = %s, want 1m", cfg.TickInterval)
	}
	if cfg.MaxTrades != 5 {
		t.Errorf("MaxTrades = %d, want 5", cfg.MaxTrades)
	}
	if cfg.Risk.MaxPositionFraction != 0.10 {
		t.Errorf("MaxPositionFraction = %v, want 0.10", cfg.Risk.MaxPositionFraction)
	}
	if cfg.Execution.IcebergMinChunks != 2 || cfg.Execution.IcebergMaxChunks != 4 {
		t.Errorf("iceberg chunks = [%d,%d], want [2,4]",
			cfg.Execution.IcebergMinChunks, cfg.Execution.IcebergMaxChunks)
	}
	if cfg.API.Enabled {
		t.Error("API.Enabled = true, want false")
	}
	// Untouched sections keep their defaults.
	if cfg.Risk.MaxSectorExposure != 0.20 {
		t.Errorf("MaxSectorExposure = %v, want default 0.20", cfg.Risk.MaxSectorExposure)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	var cfgErr *types.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("got %v, want ConfigError", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		field  string
	}{
		{"empty watchlist", func(c *config.Config) { c.Watchlist = nil }, "watchlist"},
		{"bad tick interval", func(c *config.Config) { c.TickInterval = 0 }, "tick_interval"},
		{"position fraction too big", func(c *config.Config) { c.Risk.MaxPositionFraction = 1.5 }, "risk.max_position_fraction"},
		{"sector cap zero", func(c *config.Config) { c.Risk.MaxSectorExposure = 0 }, "risk.max_sector_exposure"},
		{"inverted chunk range", func(c *config.Config) { c.Execution.IcebergMinChunks = 5; c.Execution.IcebergMaxChunks = 3 }, "execution.iceberg_chunks"},
		{"bad port", func(c *config.Config) { c.API.Port = -1 }, "api.port"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			var cfgErr *types.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("got %v, want ConfigError", err)
			}
			if cfgErr.Field != tc.field {
				t.Errorf("Field = %q, want %q", cfgErr.Field, tc.field)
			}
		})
	}

	if err := config.Default().Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

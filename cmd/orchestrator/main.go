// Package main is the trading orchestrator entry point.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/quantshed/orchestrator/internal/advisor"
	"github.com/quantshed/orchestrator/internal/api"
	"github.com/quantshed/orchestrator/internal/broker"
	"github.com/quantshed/orchestrator/internal/config"
	"github.com/quantshed/orchestrator/internal/events"
	"github.com/quantshed/orchestrator/internal/execution"
	"github.com/quantshed/orchestrator/internal/metrics"
	"github.com/quantshed/orchestrator/internal/risk"
	"github.com/quantshed/orchestrator/internal/scheduler"
	"github.com/quantshed/orchestrator/internal/strategy"
)

const (
	exitOK        = 0
	exitError     = 1
	exitInterrupt = 130
)

func main() {
	args := os.Args[1:]
	command := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command = args[0]
		args = args[1:]
	}

	switch command {
	case "run":
		os.Exit(runCommand(args))
	case "backtest":
		fmt.Fprintln(os.Stderr, "backtest is not supported by this build")
		os.Exit(exitError)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (expected run or backtest)\n", command)
		os.Exit(exitError)
	}
}

func runCommand(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	demo := fs.Bool("demo", false, "Run against the paper broker")
	logLevel := fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	maxTrades := fs.Int("max-trades", 0, "Override the session trade cap")
	seed := fs.Int64("seed", 0, "Seed for the randomness source (0 = from clock)")
	fs.Parse(args)

	// .env is optional; real deployments use the environment directly.
	_ = godotenv.Load()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("configuration invalid", zap.Error(err))
		return exitError
	}
	if *demo {
		cfg.Demo = true
	}
	if *maxTrades > 0 {
		cfg.MaxTrades = *maxTrades
	}

	if !cfg.Demo {
		logger.Error("no live broker adapter is configured in this build, run with --demo")
		return exitError
	}

	rngSeed := *seed
	if rngSeed == 0 {
		rngSeed = time.Now().UnixNano()
	}

	logger.Info("starting trading orchestrator",
		zap.Strings("watchlist", cfg.Watchlist),
		zap.Bool("demo", cfg.Demo),
		zap.Duration("tickInterval", cfg.TickInterval),
		zap.Int("maxTrades", cfg.MaxTrades),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	bus := events.NewBus(logger)

	paperCfg := broker.DefaultPaperConfig()
	paperCfg.StartingCash = decimal.NewFromFloat(cfg.Paper.StartingCash)
	paperCfg.DailyVol = cfg.Paper.DailyVol
	paperCfg.Sectors = cfg.Sectors
	paperCfg.HistoryBars = cfg.HistoryBars * 2
	brk := broker.NewPaperBroker(logger, paperCfg, rand.New(rand.NewSource(rngSeed)))

	riskCfg := risk.DefaultConfig()
	riskCfg.MaxPositionFraction = cfg.Risk.MaxPositionFraction
	riskCfg.MaxPortfolioRiskDaily = cfg.Risk.MaxPortfolioRiskDaily
	riskCfg.MaxSymbolRisk = cfg.Risk.MaxSymbolRisk
	riskCfg.MaxSectorExposure = cfg.Risk.MaxSectorExposure
	riskCfg.StopLossPct = cfg.Risk.StopLossPct
	riskCfg.TakeProfitPct = cfg.Risk.TakeProfitPct
	riskCfg.MaxDailyDrawdown = cfg.Risk.MaxDailyDrawdown
	riskCfg.VolatilityScaling = cfg.Risk.VolatilityScaling
	riskMgr := risk.NewManager(logger, riskCfg, m)
	if err := riskMgr.Start(); err != nil {
		logger.Error("risk manager start failed", zap.Error(err))
		return exitError
	}
	defer riskMgr.Stop()

	execCfg := execution.DefaultConfig()
	execCfg.JitterMin = cfg.Execution.JitterMin
	execCfg.JitterMax = cfg.Execution.JitterMax
	execCfg.TWAPSlices = cfg.Execution.TWAPSlices
	execCfg.VWAPProfile = cfg.Execution.VWAPProfile
	execCfg.DecoyProbability = cfg.Execution.DecoyProbability
	execCfg.SizeVariance = cfg.Execution.SizeVariance
	execCfg.IcebergMinChunks = cfg.Execution.IcebergMinChunks
	execCfg.IcebergMaxChunks = cfg.Execution.IcebergMaxChunks
	execCfg.BreakerThreshold = cfg.Execution.BreakerThreshold
	execCfg.BreakerCooldown = cfg.Execution.BreakerCooldown
	engine := execution.NewEngine(logger, execCfg, brk, m, rand.New(rand.NewSource(rngSeed+1)))
	defer engine.Stop()

	registry := strategy.NewRegistry(logger)
	mustRegister(logger, registry, strategy.NewMovingAverageCross(), 1.0)
	mustRegister(logger, registry, strategy.NewRSIStrategy(), 1.0)
	mustRegister(logger, registry, strategy.NewMACDStrategy(), 1.0)
	mustRegister(logger, registry, strategy.NewBollingerStrategy(), 1.0)

	if gateway := buildGateway(logger, cfg, m, rngSeed); gateway != nil {
		mustRegister(logger, registry, strategy.NewAdvisorStrategy(logger, gateway), cfg.Advisor.Weight)
	} else {
		logger.Warn("no advisor keys configured, running on technical strategies only")
	}

	schedCfg := scheduler.DefaultConfig()
	schedCfg.Watchlist = cfg.Watchlist
	schedCfg.Sectors = cfg.Sectors
	schedCfg.TickInterval = cfg.TickInterval
	schedCfg.MaxTrades = cfg.MaxTrades
	schedCfg.SessionMax = cfg.SessionMax
	schedCfg.HistoryBars = cfg.HistoryBars
	schedCfg.DemoMode = cfg.Demo
	sched := scheduler.New(logger, schedCfg, brk, registry, riskMgr, engine, bus, m)

	var server *api.Server
	if cfg.API.Enabled {
		apiCfg := api.DefaultConfig()
		apiCfg.Host = cfg.API.Host
		apiCfg.Port = cfg.API.Port
		server = api.NewServer(logger, apiCfg, sched, riskMgr, brk, m, bus)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("status api error", zap.Error(err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	interrupted := false
	go func() {
		sig := <-sigCh
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		if sig == syscall.SIGINT {
			interrupted = true
		}
		sched.Stop()
		cancel()
	}()

	runErr := sched.Run(ctx)

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Warn("status api shutdown error", zap.Error(err))
		}
		shutdownCancel()
	}
	engine.Stop()
	bus.Stop()

	if runErr != nil {
		logger.Error("trading loop failed", zap.Error(runErr))
		return exitError
	}
	if interrupted {
		return exitInterrupt
	}
	logger.Info("session complete")
	return exitOK
}

// buildGateway assembles the advisor keyring from the environment:
// ADVISOR_MASTER_KEY seals the keys, ADVISOR_KEYS_<PROVIDER> holds a
// comma-separated key list per provider. Returns nil when nothing is
// configured.
func buildGateway(logger *zap.Logger, cfg config.Config, m *metrics.Metrics, seed int64) *advisor.Gateway {
	master := os.Getenv("ADVISOR_MASTER_KEY")
	if master == "" {
		return nil
	}

	keyring, err := advisor.NewKeyring([]byte(master), rand.New(rand.NewSource(seed+2)))
	if err != nil {
		logger.Error("keyring init failed", zap.Error(err))
		return nil
	}

	total := 0
	for _, p := range []advisor.Provider{
		advisor.ProviderRequesty, advisor.ProviderDeepseek,
		advisor.ProviderOpenRouter, advisor.ProviderOpenAI,
	} {
		raw := os.Getenv("ADVISOR_KEYS_" + strings.ToUpper(string(p)))
		if raw == "" {
			continue
		}
		for _, key := range strings.Split(raw, ",") {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			if err := keyring.Add(p, []byte(key)); err != nil {
				logger.Warn("skipping advisor key", zap.String("provider", string(p)), zap.Error(err))
				continue
			}
			total++
		}
	}
	if total == 0 {
		return nil
	}

	gwCfg := advisor.DefaultConfig()
	gwCfg.MaxAttempts = cfg.Advisor.MaxAttempts
	gwCfg.CallTimeout = cfg.Advisor.CallTimeout
	gwCfg.BackoffBase = cfg.Advisor.BackoffBase
	gwCfg.BackoffMax = cfg.Advisor.BackoffMax
	gwCfg.CallsPerMinute = cfg.Advisor.CallsPerMinute
	gwCfg.KeyCooldown = cfg.Advisor.KeyCooldown
	gwCfg.CacheTTL = cfg.Advisor.CacheTTL
	for name, model := range cfg.Advisor.Models {
		gwCfg.Models[advisor.Provider(name)] = model
	}

	logger.Info("advisor gateway configured", zap.Int("keys", total))
	return advisor.NewGateway(logger, gwCfg, keyring, m)
}

func mustRegister(logger *zap.Logger, registry *strategy.Registry, s strategy.Strategy, weight float64) {
	if err := registry.Register(s, weight); err != nil {
		logger.Fatal("strategy registration failed", zap.Error(err))
	}
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

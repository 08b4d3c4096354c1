// Package main provides the entry point for the backtest scheduler: it
// builds coverage-driven job queues, dispatches simulation runs under a
// concurrency limit, and serves status and metrics over HTTP.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meridian-quant/backtest-engine/internal/anomaly"
	"github.com/meridian-quant/backtest-engine/internal/api"
	"github.com/meridian-quant/backtest-engine/internal/config"
	"github.com/meridian-quant/backtest-engine/internal/coverage"
	"github.com/meridian-quant/backtest-engine/internal/data"
	"github.com/meridian-quant/backtest-engine/internal/marketdata"
	"github.com/meridian-quant/backtest-engine/internal/regime"
	"github.com/meridian-quant/backtest-engine/internal/scheduler"
	"github.com/meridian-quant/backtest-engine/pkg/cache"
	"github.com/meridian-quant/backtest-engine/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "", "Configuration file path")
	listenAddr := flag.String("listen", "", "HTTP listen address (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	dataDir := flag.String("data-dir", "", "Directory of stored strategy bar files (empty = mock data)")
	mockSeed := flag.Int64("mock-seed", 1, "Seed for the mock data provider")
	dataRateLimit := flag.Int("data-rate-limit", 300, "Data provider calls per minute")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger is not up yet.
		panic(err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := setupLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("Starting backtest scheduler",
		zap.String("listen", cfg.ListenAddr),
		zap.Int64("maxConcurrent", cfg.Scheduler.MaxConcurrent),
		zap.Int("dailyLimit", cfg.Scheduler.DailyLimit),
		zap.Strings("tickers", cfg.Scheduler.Tickers),
	)

	riskCfg := config.LoadRiskFile(logger, cfg.RiskFilePath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Data plumbing. Stored bar files when a data directory is given, the
	// mock provider otherwise; external access stays behind the blocking
	// rate limiter either way.
	var provider marketdata.Provider
	if *dataDir != "" {
		store, err := data.NewStore(logger, *dataDir)
		if err != nil {
			logger.Fatal("Failed to open data store", zap.Error(err))
		}
		provider = store
	} else {
		provider = marketdata.NewMockProvider(*mockSeed)
	}
	provider = marketdata.NewThrottledProvider(provider, *dataRateLimit)

	// The market-state source starts on the calm default snapshot and learns
	// from completed runs.
	signals := regime.NewSource(logger, regime.DefaultConfig())

	store := cache.NewStore(cfg.Coverage.CacheTTL, 10*time.Minute)
	registry := prometheus.NewRegistry()

	allocator := coverage.NewAllocator(logger, cfg.Coverage, coverage.HostSampler{}, store)
	detector := anomaly.NewDetector(logger, cfg.Anomaly, signals, store)

	runner := &scheduler.SimulatorRunner{
		Logger:     logger,
		Base:       cfg.Simulation,
		Data:       provider,
		Signals:    signals,
		RiskCfg:    riskCfg,
		WindowDays: 365,
		Sink: func(job types.BacktestJob, result *types.SimulationResult) {
			for _, state := range result.PortfolioHistory {
				signals.Observe(state.DailyReturn, 1.0)
			}
		},
	}

	sched := scheduler.New(
		logger,
		cfg.Scheduler,
		allocator,
		detector,
		signals,
		runner,
		scheduler.NewMetrics(registry),
	)

	server := api.NewServer(logger, sched, registry, provider, signals, cfg.Simulation, riskCfg)

	if err := sched.Start(ctx); err != nil {
		logger.Fatal("Failed to start scheduler", zap.Error(err))
	}

	go func() {
		if err := server.Start(cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			logger.Error("Server error", zap.Error(err))
		}
	}()

	logger.Info("Scheduler started",
		zap.String("http", "http://"+cfg.ListenAddr+"/api/v1"),
		zap.String("metrics", "http://"+cfg.ListenAddr+"/metrics"),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutdown signal received")

	// Stop dispatching and let in-flight runs finish.
	sched.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}

	logger.Info("Scheduler stopped")
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

	config := zap.Config{
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

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

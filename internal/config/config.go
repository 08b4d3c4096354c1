// Package config loads engine configuration from YAML files and environment
// variables, plus the separate on-disk risk limits file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/meridian-quant/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config aggregates all tunables for the engine binaries.
type Config struct {
	LogLevel     string
	ListenAddr   string
	RiskFilePath string

	Simulation types.SimulationConfig
	Scheduler  types.SchedulerConfig
	Coverage   types.CoverageConfig
	Anomaly    types.AnomalyConfig
}

// Load reads configuration from the given file (optional) and the
// environment. Environment variables use the BACKTEST_ prefix with
// underscores, e.g. BACKTEST_SCHEDULER_DAILY_LIMIT.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BACKTEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		LogLevel:     v.GetString("log_level"),
		ListenAddr:   v.GetString("listen_addr"),
		RiskFilePath: v.GetString("risk_file"),

		Simulation: types.SimulationConfig{
			RunID:               v.GetString("simulation.run_id"),
			InitialCapital:      decimal.NewFromFloat(v.GetFloat64("simulation.initial_capital")),
			Strategies:          toStrategyIDs(v.GetStringSlice("simulation.strategies")),
			RebalanceFrequency:  types.RebalanceFrequency(v.GetString("simulation.rebalance_frequency")),
			RiskFreeRate:        v.GetFloat64("simulation.risk_free_rate"),
			TradingCostPct:      v.GetFloat64("simulation.trading_cost_pct"),
			EnableRiskMgmt:      v.GetBool("simulation.enable_risk_management"),
			EnableCircuitBreaks: v.GetBool("simulation.enable_circuit_breakers"),
			MinTradeValue:       decimal.NewFromFloat(v.GetFloat64("simulation.min_trade_value")),
			OrderSettings: types.OrderSettings{
				OrderType:            types.OrderType(v.GetString("simulation.order_settings.order_type")),
				SlippageModel:        types.SlippageModel(v.GetString("simulation.order_settings.slippage_model")),
				SlippageValue:        v.GetFloat64("simulation.order_settings.slippage_value"),
				LimitOffsetPct:       v.GetFloat64("simulation.order_settings.limit_offset_pct"),
				EnableMarketImpact:   v.GetBool("simulation.order_settings.enable_market_impact"),
				MarketImpactConstant: v.GetFloat64("simulation.order_settings.market_impact_constant"),
			},
		},
		Scheduler: types.SchedulerConfig{
			MaxConcurrent:   v.GetInt64("scheduler.max_concurrent"),
			DailyLimit:      v.GetInt("scheduler.daily_limit"),
			Tickers:         v.GetStringSlice("scheduler.tickers"),
			Strategies:      toStrategyIDs(v.GetStringSlice("scheduler.strategies")),
			RebuildSchedule: v.GetString("scheduler.rebuild_schedule"),
			PollInterval:    v.GetDuration("scheduler.poll_interval"),
			JitterSeed:      v.GetInt64("scheduler.jitter_seed"),
		},
		Coverage: types.CoverageConfig{
			ValuesPerParameter: v.GetInt("coverage.values_per_parameter"),
			MinTests:           v.GetInt("coverage.min_tests"),
			MaxTests:           v.GetInt("coverage.max_tests"),
			CacheTTL:           v.GetDuration("coverage.cache_ttl"),
			CPUPressurePct:     v.GetFloat64("coverage.cpu_pressure_pct"),
			MemPressurePct:     v.GetFloat64("coverage.mem_pressure_pct"),
		},
		Anomaly: types.AnomalyConfig{
			SpikeRatio:  v.GetFloat64("anomaly.spike_ratio"),
			SpikeFloor:  v.GetFloat64("anomaly.spike_floor"),
			RegimeRatio: v.GetFloat64("anomaly.regime_ratio"),
			VolumeRatio: v.GetFloat64("anomaly.volume_ratio"),
			CacheTTL:    v.GetDuration("anomaly.cache_ttl"),
			MaxSeverity: v.GetFloat64("anomaly.max_severity"),
		},
	}

	if start := v.GetString("simulation.start_date"); start != "" {
		t, err := time.Parse("2006-01-02", start)
		if err != nil {
			return nil, fmt.Errorf("parsing simulation.start_date: %w", err)
		}
		cfg.Simulation.StartDate = t
	}
	if end := v.GetString("simulation.end_date"); end != "" {
		t, err := time.Parse("2006-01-02", end)
		if err != nil {
			return nil, fmt.Errorf("parsing simulation.end_date: %w", err)
		}
		cfg.Simulation.EndDate = t
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("listen_addr", ":8090")
	v.SetDefault("risk_file", "risk.json")

	v.SetDefault("simulation.initial_capital", 100000)
	v.SetDefault("simulation.strategies", stringIDs(types.CanonicalStrategies()))
	v.SetDefault("simulation.rebalance_frequency", string(types.RebalanceWeekly))
	v.SetDefault("simulation.risk_free_rate", 0.02)
	v.SetDefault("simulation.trading_cost_pct", 0.001)
	v.SetDefault("simulation.enable_risk_management", true)
	v.SetDefault("simulation.enable_circuit_breakers", true)
	v.SetDefault("simulation.min_trade_value", 100)

	ord := types.DefaultOrderSettings()
	v.SetDefault("simulation.order_settings.order_type", string(ord.OrderType))
	v.SetDefault("simulation.order_settings.slippage_model", string(ord.SlippageModel))
	v.SetDefault("simulation.order_settings.slippage_value", ord.SlippageValue)
	v.SetDefault("simulation.order_settings.limit_offset_pct", ord.LimitOffsetPct)
	v.SetDefault("simulation.order_settings.enable_market_impact", ord.EnableMarketImpact)
	v.SetDefault("simulation.order_settings.market_impact_constant", ord.MarketImpactConstant)

	sched := types.DefaultSchedulerConfig()
	v.SetDefault("scheduler.max_concurrent", sched.MaxConcurrent)
	v.SetDefault("scheduler.daily_limit", sched.DailyLimit)
	v.SetDefault("scheduler.tickers", sched.Tickers)
	v.SetDefault("scheduler.strategies", stringIDs(sched.Strategies))
	v.SetDefault("scheduler.rebuild_schedule", sched.RebuildSchedule)
	v.SetDefault("scheduler.poll_interval", sched.PollInterval)
	v.SetDefault("scheduler.jitter_seed", sched.JitterSeed)

	cov := types.DefaultCoverageConfig()
	v.SetDefault("coverage.values_per_parameter", cov.ValuesPerParameter)
	v.SetDefault("coverage.min_tests", cov.MinTests)
	v.SetDefault("coverage.max_tests", cov.MaxTests)
	v.SetDefault("coverage.cache_ttl", cov.CacheTTL)
	v.SetDefault("coverage.cpu_pressure_pct", cov.CPUPressurePct)
	v.SetDefault("coverage.mem_pressure_pct", cov.MemPressurePct)

	an := types.DefaultAnomalyConfig()
	v.SetDefault("anomaly.spike_ratio", an.SpikeRatio)
	v.SetDefault("anomaly.spike_floor", an.SpikeFloor)
	v.SetDefault("anomaly.regime_ratio", an.RegimeRatio)
	v.SetDefault("anomaly.volume_ratio", an.VolumeRatio)
	v.SetDefault("anomaly.cache_ttl", an.CacheTTL)
	v.SetDefault("anomaly.max_severity", an.MaxSeverity)
}

// LoadRiskFile reads the risk limits JSON. Missing or unreadable files fall
// back to documented defaults: the engine must never fail startup over risk
// limits, only run with conservative ones.
func LoadRiskFile(logger *zap.Logger, path string) types.RiskFileConfig {
	fallback := types.DefaultRiskFileConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("risk file unavailable, using defaults",
			zap.String("path", path),
			zap.Error(err),
		)
		return fallback
	}

	cfg := fallback
	if err := json.Unmarshal(data, &cfg); err != nil {
		logger.Warn("risk file corrupt, using defaults",
			zap.String("path", path),
			zap.Error(err),
		)
		return fallback
	}

	if cfg.MaxDrawdown <= 0 || cfg.MaxDrawdown > 1 {
		logger.Warn("risk file max_drawdown out of range, using default",
			zap.Float64("value", cfg.MaxDrawdown))
		cfg.MaxDrawdown = fallback.MaxDrawdown
	}
	if cfg.MaxDailyDrawdown <= 0 || cfg.MaxDailyDrawdown > 1 {
		cfg.MaxDailyDrawdown = fallback.MaxDailyDrawdown
	}
	if cfg.VaRConfidence <= 0 || cfg.VaRConfidence >= 1 {
		cfg.VaRConfidence = fallback.VaRConfidence
	}
	return cfg
}

func toStrategyIDs(ss []string) []types.StrategyID {
	out := make([]types.StrategyID, 0, len(ss))
	for _, s := range ss {
		out = append(out, types.StrategyID(s))
	}
	return out
}

func stringIDs(ids []types.StrategyID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, string(id))
	}
	return out
}

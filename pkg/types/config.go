// Package types provides configuration types for the backtest engine.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSettings configures the execution model for a run.
type OrderSettings struct {
	OrderType            OrderType     `json:"orderType" mapstructure:"order_type"`
	SlippageModel        SlippageModel `json:"slippageModel" mapstructure:"slippage_model"`
	SlippageValue        float64       `json:"slippageValue" mapstructure:"slippage_value"`
	LimitOffsetPct       float64       `json:"limitOffsetPct" mapstructure:"limit_offset_pct"`
	EnableMarketImpact   bool          `json:"enableMarketImpact" mapstructure:"enable_market_impact"`
	MarketImpactConstant float64       `json:"marketImpactConstant" mapstructure:"market_impact_constant"`
}

// DefaultOrderSettings returns the settings used when none are configured.
func DefaultOrderSettings() OrderSettings {
	return OrderSettings{
		OrderType:            OrderTypeMarket,
		SlippageModel:        SlippagePercentage,
		SlippageValue:        0.0005, // 5 bps
		LimitOffsetPct:       0.002,
		EnableMarketImpact:   false,
		MarketImpactConstant: 0.1,
	}
}

// SimulationConfig configures one portfolio simulation run.
type SimulationConfig struct {
	RunID               string             `json:"runId" mapstructure:"run_id"`
	InitialCapital      decimal.Decimal    `json:"initialCapital" mapstructure:"initial_capital"`
	Strategies          []StrategyID       `json:"strategies" mapstructure:"strategies"`
	StartDate           time.Time          `json:"startDate" mapstructure:"start_date"`
	EndDate             time.Time          `json:"endDate" mapstructure:"end_date"`
	RebalanceFrequency  RebalanceFrequency `json:"rebalanceFrequency" mapstructure:"rebalance_frequency"`
	RiskFreeRate        float64            `json:"riskFreeRate" mapstructure:"risk_free_rate"`
	TradingCostPct      float64            `json:"tradingCostPct" mapstructure:"trading_cost_pct"`
	EnableRiskMgmt      bool               `json:"enableRiskManagement" mapstructure:"enable_risk_management"`
	EnableCircuitBreaks bool               `json:"enableCircuitBreakers" mapstructure:"enable_circuit_breakers"`
	MinTradeValue       decimal.Decimal    `json:"minTradeValue" mapstructure:"min_trade_value"`
	OrderSettings       OrderSettings      `json:"orderSettings" mapstructure:"order_settings"`
}

// Validate rejects configurations the simulator cannot start from. Zero
// strategies is fatal at initialization: initial allocations cannot be
// computed mid-run.
func (c *SimulationConfig) Validate() error {
	if len(c.Strategies) == 0 {
		return fmt.Errorf("no strategies configured")
	}
	for _, s := range c.Strategies {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	if c.InitialCapital.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("initial capital must be positive, got %s", c.InitialCapital)
	}
	if c.EndDate.Before(c.StartDate) {
		return fmt.Errorf("end date %s before start date %s",
			c.EndDate.Format("2006-01-02"), c.StartDate.Format("2006-01-02"))
	}
	switch c.RebalanceFrequency {
	case RebalanceDaily, RebalanceWeekly, RebalanceMonthly, RebalanceQuarterly:
	case "":
		c.RebalanceFrequency = RebalanceWeekly
	default:
		return fmt.Errorf("unknown rebalance frequency %q", c.RebalanceFrequency)
	}
	return nil
}

// RiskFileConfig mirrors the on-disk risk configuration JSON. A missing or
// corrupt file falls back to DefaultRiskFileConfig without failing startup.
type RiskFileConfig struct {
	MaxDrawdown      float64 `json:"max_drawdown"`
	MaxDailyDrawdown float64 `json:"max_daily_drawdown"`
	RiskPerTrade     float64 `json:"risk_per_trade"`
	StopLossType     string  `json:"stop_loss_type"`
	StopLossPct      float64 `json:"stop_loss_pct"`
	VaRConfidence    float64 `json:"var_confidence"`
	VaRHorizonDays   int     `json:"var_horizon_days"`
	VaRLookbackDays  int     `json:"var_lookback_days"`
}

// DefaultRiskFileConfig returns documented defaults for the risk file.
func DefaultRiskFileConfig() RiskFileConfig {
	return RiskFileConfig{
		MaxDrawdown:      0.20,
		MaxDailyDrawdown: 0.05,
		RiskPerTrade:     0.02,
		StopLossType:     "trailing",
		StopLossPct:      0.05,
		VaRConfidence:    0.95,
		VaRHorizonDays:   1,
		VaRLookbackDays:  60,
	}
}

// CoverageConfig configures the coverage allocator.
type CoverageConfig struct {
	ValuesPerParameter int           `json:"valuesPerParameter" mapstructure:"values_per_parameter"`
	MinTests           int           `json:"minTests" mapstructure:"min_tests"`
	MaxTests           int           `json:"maxTests" mapstructure:"max_tests"`
	CacheTTL           time.Duration `json:"cacheTtl" mapstructure:"cache_ttl"`
	CPUPressurePct     float64       `json:"cpuPressurePct" mapstructure:"cpu_pressure_pct"`
	MemPressurePct     float64       `json:"memPressurePct" mapstructure:"mem_pressure_pct"`
}

// DefaultCoverageConfig returns the baseline coverage settings.
func DefaultCoverageConfig() CoverageConfig {
	return CoverageConfig{
		ValuesPerParameter: 4,
		MinTests:           20,
		MaxTests:           500,
		CacheTTL:           6 * time.Hour,
		CPUPressurePct:     80,
		MemPressurePct:     85,
	}
}

// AnomalyConfig configures the market anomaly detector.
type AnomalyConfig struct {
	SpikeRatio     float64       `json:"spikeRatio" mapstructure:"spike_ratio"`
	SpikeFloor     float64       `json:"spikeFloor" mapstructure:"spike_floor"`
	RegimeRatio    float64       `json:"regimeRatio" mapstructure:"regime_ratio"`
	VolumeRatio    float64       `json:"volumeRatio" mapstructure:"volume_ratio"`
	CacheTTL       time.Duration `json:"cacheTtl" mapstructure:"cache_ttl"`
	MaxSeverity    float64       `json:"maxSeverity" mapstructure:"max_severity"`
}

// DefaultAnomalyConfig returns the baseline anomaly thresholds.
func DefaultAnomalyConfig() AnomalyConfig {
	return AnomalyConfig{
		SpikeRatio:  1.3,
		SpikeFloor:  0.15,
		RegimeRatio: 1.4,
		VolumeRatio: 2.0,
		CacheTTL:    time.Hour,
		MaxSeverity: 2.0,
	}
}

// SchedulerConfig configures the backtest scheduler.
type SchedulerConfig struct {
	MaxConcurrent   int64         `json:"maxConcurrent" mapstructure:"max_concurrent"`
	DailyLimit      int           `json:"dailyLimit" mapstructure:"daily_limit"`
	Tickers         []string      `json:"tickers" mapstructure:"tickers"`
	Strategies      []StrategyID  `json:"strategies" mapstructure:"strategies"`
	RebuildSchedule string        `json:"rebuildSchedule" mapstructure:"rebuild_schedule"`
	PollInterval    time.Duration `json:"pollInterval" mapstructure:"poll_interval"`
	JitterSeed      int64         `json:"jitterSeed" mapstructure:"jitter_seed"`
}

// DefaultSchedulerConfig returns the baseline scheduler settings.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxConcurrent:   4,
		DailyLimit:      100,
		Tickers:         []string{"SPY", "QQQ", "IWM", "TLT", "GLD"},
		Strategies:      CanonicalStrategies(),
		RebuildSchedule: "@every 6h",
		PollInterval:    2 * time.Second,
		JitterSeed:      1,
	}
}

// CanonicalStrategies is the single authoritative strategy catalog.
func CanonicalStrategies() []StrategyID {
	return []StrategyID{
		"momentum",
		"trend_following",
		"mean_reversion",
		"volatility_breakout",
		"sector_rotation",
	}
}

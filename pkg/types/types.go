// Package types provides shared type definitions for the backtest engine.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// StrategyID identifies a strategy in the catalog. IDs are lowercase
// snake_case identifiers, validated once at configuration time so that
// position, allocation and weight maps can be keyed without re-checking.
type StrategyID string

// Validate checks the identifier format.
func (s StrategyID) Validate() error {
	if s == "" {
		return fmt.Errorf("empty strategy id")
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' {
			return fmt.Errorf("invalid strategy id %q: only [a-z0-9_] allowed", s)
		}
	}
	return nil
}

func (s StrategyID) String() string { return string(s) }

// Family returns the strategy family used for parameter-space sizing.
func (s StrategyID) Family() StrategyFamily {
	id := string(s)
	switch {
	case strings.Contains(id, "momentum"), strings.Contains(id, "trend"):
		return FamilyMomentum
	case strings.Contains(id, "vol"):
		return FamilyVolatility
	case strings.Contains(id, "option"):
		return FamilyOptions
	default:
		return FamilyDefault
	}
}

// StrategyFamily groups strategies with similar parameter counts.
type StrategyFamily string

const (
	FamilyMomentum   StrategyFamily = "momentum"
	FamilyVolatility StrategyFamily = "volatility"
	FamilyOptions    StrategyFamily = "options"
	FamilyDefault    StrategyFamily = "default"
)

// TradeDirection represents buy or sell.
type TradeDirection string

const (
	TradeBuy  TradeDirection = "buy"
	TradeSell TradeDirection = "sell"
)

// OrderType represents how a simulated order is filled.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
	OrderTypeVWAP   OrderType = "vwap"
	OrderTypeClose  OrderType = "close"
)

// SlippageModel selects the slippage calculation.
type SlippageModel string

const (
	SlippagePercentage      SlippageModel = "percentage"
	SlippageFixed           SlippageModel = "fixed"
	SlippageVolumeBased     SlippageModel = "volume_based"
	SlippageVolatilityBased SlippageModel = "volatility_based"
)

// RebalanceFrequency controls how often target allocations are recomputed.
type RebalanceFrequency string

const (
	RebalanceDaily     RebalanceFrequency = "daily"
	RebalanceWeekly    RebalanceFrequency = "weekly"
	RebalanceMonthly   RebalanceFrequency = "monthly"
	RebalanceQuarterly RebalanceFrequency = "quarterly"
)

// RiskLevel classifies current portfolio risk.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskExtreme  RiskLevel = "extreme"
	RiskCritical RiskLevel = "critical"
)

// MarketRegime classifies the broad market state used for position sizing.
type MarketRegime string

const (
	RegimeBullish  MarketRegime = "bullish"
	RegimeBearish  MarketRegime = "bearish"
	RegimeVolatile MarketRegime = "volatile"
	RegimeSideways MarketRegime = "sideways"
	RegimeNeutral  MarketRegime = "neutral"
)

// PriceContext is the per-strategy, per-date price row the execution model
// consumes. Callers substitute documented defaults for missing fields.
type PriceContext struct {
	Open          decimal.Decimal `json:"open"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Close         decimal.Decimal `json:"close"`
	Volume        decimal.Decimal `json:"volume"`
	AverageVolume decimal.Decimal `json:"averageVolume"`
	Volatility    float64         `json:"volatility"`
}

// StrategyBar is one time-indexed input record for a strategy.
type StrategyBar struct {
	Date    time.Time    `json:"date"`
	Return  float64      `json:"return"`
	Context PriceContext `json:"context"`
}

// PortfolioState is one simulated day's portfolio snapshot. Instances are
// immutable once appended to the portfolio history.
type PortfolioState struct {
	Date        time.Time                      `json:"date"`
	Capital     decimal.Decimal                `json:"capital"`
	Positions   map[StrategyID]decimal.Decimal `json:"positions"`
	DailyReturn float64                        `json:"dailyReturn"`
}

// AllocationRecord captures target allocations applied at a rebalance.
// Percentages sum to 100 within tolerance; cash absorbs the remainder.
type AllocationRecord struct {
	Date        time.Time              `json:"date"`
	Allocations map[StrategyID]float64 `json:"allocations"`
	Trigger     string                 `json:"trigger"`
}

// TradeRecord is an executed (possibly partial) trade.
type TradeRecord struct {
	ID               string          `json:"id"`
	Date             time.Time       `json:"date"`
	Strategy         StrategyID      `json:"strategy"`
	Direction        TradeDirection  `json:"direction"`
	OrderType        OrderType       `json:"orderType"`
	RequestedValue   decimal.Decimal `json:"requestedValue"`
	FilledValue      decimal.Decimal `json:"filledValue"`
	FillRatio        float64         `json:"fillRatio"`
	FillPrice        decimal.Decimal `json:"fillPrice"`
	BaseCost         decimal.Decimal `json:"baseCost"`
	MarketImpactCost decimal.Decimal `json:"marketImpactCost"`
	PreTradePosition decimal.Decimal `json:"preTradePosition"`
	TargetPosition   decimal.Decimal `json:"targetPosition"`
}

// TotalCost returns commission plus market impact for the trade.
func (t TradeRecord) TotalCost() decimal.Decimal {
	return t.BaseCost.Add(t.MarketImpactCost)
}

// RiskSnapshot is the per-day risk controller output. Read-only after
// creation; drives rebalance clamping and emergency actions.
type RiskSnapshot struct {
	Date                 time.Time       `json:"date"`
	PortfolioValue       decimal.Decimal `json:"portfolioValue"`
	DrawdownPct          float64         `json:"drawdownPct"`
	DailyDrawdownPct     float64         `json:"dailyDrawdownPct"`
	Level                RiskLevel       `json:"riskLevel"`
	VaR95                decimal.Decimal `json:"var95"`
	CircuitBreakerActive bool            `json:"circuitBreakerActive"`
	CircuitBreakerLevel  int             `json:"circuitBreakerLevel"`
}

// Anomaly is a per-strategy risk anomaly reported by the risk controller.
// Severity is in [0,1]; high-severity anomalies trigger emergency de-risking
// proportional to severity.
type Anomaly struct {
	Strategy StrategyID `json:"strategy"`
	Kind     string     `json:"kind"`
	Severity float64    `json:"severity"`
	Detail   string     `json:"detail"`
}

// CircuitBreakerStatus reports the current breaker state.
type CircuitBreakerStatus struct {
	Active bool   `json:"active"`
	Level  int    `json:"level"`
	Cause  string `json:"cause,omitempty"`
}

// StressTestResult is the output of a pre-trade stress test on a proposed
// allocation set.
type StressTestResult struct {
	Level                RiskLevel `json:"riskLevel"`
	ProjectedMaxDrawdown float64   `json:"projectedMaxDrawdown"`
}

// BacktestJob is one scheduled simulation. Created during queue building,
// consumed and discarded by the dispatch loop.
type BacktestJob struct {
	ID         string             `json:"id"`
	Symbol     string             `json:"symbol"`
	Strategy   StrategyID         `json:"strategy"`
	Parameters map[string]float64 `json:"parameters"`
	Priority   float64            `json:"priority"`
}

// FailedJob records a job that did not complete.
type FailedJob struct {
	Symbol   string     `json:"symbol"`
	Strategy StrategyID `json:"strategy"`
	Error    string     `json:"error"`
	FailedAt time.Time  `json:"failedAt"`
}

// CoveragePlan is the cached output of the coverage allocator.
type CoveragePlan struct {
	ParameterSpaceSize int       `json:"parameterSpaceSize"`
	CoverageRatio      float64   `json:"coverageRatio"`
	OptimalTestCount   int       `json:"optimalTestCount"`
	ComputedAt         time.Time `json:"computedAt"`
}

// AllocationPlan distributes a test budget across strategies and tickers.
type AllocationPlan struct {
	Total      int                           `json:"total"`
	ByStrategy map[StrategyID]int            `json:"byStrategy"`
	ByTicker   map[StrategyID]map[string]int `json:"byTicker"`
}

// AnomalyStatus is the market anomaly detector output consumed by the
// scheduler. Severity baseline is 1.0; 2.0 doubles the test budget.
type AnomalyStatus struct {
	Detected   bool      `json:"detected"`
	Severity   float64   `json:"severity"`
	Types      []string  `json:"types"`
	DetectedAt time.Time `json:"detectedAt"`
}

// AdditionalBudget returns the extra tests an anomaly adds to a base limit.
func (a AnomalyStatus) AdditionalBudget(baseLimit int) int {
	if !a.Detected || a.Severity <= 1.0 {
		return 0
	}
	return int(float64(baseLimit) * (a.Severity - 1.0))
}

// PerformanceMetrics aggregates a completed simulation run.
type PerformanceMetrics struct {
	TotalReturn      float64         `json:"totalReturn"`
	AnnualizedReturn float64         `json:"annualizedReturn"`
	Volatility       float64         `json:"volatility"`
	SharpeRatio      float64         `json:"sharpeRatio"`
	SortinoRatio     float64         `json:"sortinoRatio"`
	MaxDrawdown      float64         `json:"maxDrawdown"`
	WinRate          float64         `json:"winRate"`
	ProfitFactor     float64         `json:"profitFactor"`
	TradeCount       int             `json:"tradeCount"`
	TotalCosts       decimal.Decimal `json:"totalCosts"`
}

// SimulationResult is the machine-readable output of one run.
type SimulationResult struct {
	RunID             string              `json:"runId"`
	StartDate         time.Time           `json:"startDate"`
	EndDate           time.Time           `json:"endDate"`
	InitialCapital    decimal.Decimal     `json:"initialCapital"`
	FinalCapital      decimal.Decimal     `json:"finalCapital"`
	PortfolioHistory  []PortfolioState    `json:"portfolioHistory"`
	AllocationHistory []AllocationRecord  `json:"allocationHistory"`
	Trades            []TradeRecord       `json:"trades"`
	RiskHistory       []RiskSnapshot      `json:"riskHistory"`
	Metrics           *PerformanceMetrics `json:"metrics"`
	CompletedAt       time.Time           `json:"completedAt"`
}

// RiskResponseReport scores risk-management effectiveness under an injected
// stress scenario versus the baseline run.
type RiskResponseReport struct {
	Scenario            string  `json:"scenario"`
	AnomaliesDetected   int     `json:"anomaliesDetected"`
	BreakersTriggered   int     `json:"breakersTriggered"`
	EmergencyActions    int     `json:"emergencyActions"`
	BaselineReturn      float64 `json:"baselineReturn"`
	ScenarioReturn      float64 `json:"scenarioReturn"`
	PerformanceDelta    float64 `json:"performanceDelta"`
	ScenarioMaxDrawdown float64 `json:"scenarioMaxDrawdown"`
}

// Package risk tracks portfolio drawdown, volatility and Value-at-Risk, and
// enforces circuit breakers and emergency de-risking during simulation.
package risk

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/meridian-quant/backtest-engine/internal/marketdata"
	"github.com/meridian-quant/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Circuit breaker levels cap the allocation-percentage change allowed per
// rebalance.
var breakerMaxChange = map[int]float64{
	1: 15,
	2: 10,
	3: 5,
}

// Graduated de-risk fractions; stops tighten by tightenedStopFactor once the
// risk level reaches MEDIUM.
const (
	trimUnderwaterFraction = 0.25
	trimLargestFraction    = 0.5
	tightenedStopFactor    = 0.5
)

// DeRiskAction is the graduated response tied to a risk level.
type DeRiskAction string

const (
	ActionNone           DeRiskAction = "none"
	ActionTightenStops   DeRiskAction = "tighten_stops"
	ActionTrimUnderwater DeRiskAction = "trim_underwater"
	ActionTrimLargest    DeRiskAction = "trim_largest"
	ActionLiquidate      DeRiskAction = "liquidate"
)

// DeRiskDirective is the level-driven selling order for the simulator: the
// given fraction of each target position moves to cash.
type DeRiskDirective struct {
	Action   DeRiskAction
	Targets  []types.StrategyID
	Fraction float64
}

var levelRank = map[types.RiskLevel]int{
	types.RiskLow:      0,
	types.RiskMedium:   1,
	types.RiskHigh:     2,
	types.RiskExtreme:  3,
	types.RiskCritical: 4,
}

// stopState tracks one strategy's cumulative return index against its stop
// reference: the trailing peak, or the entry/re-arm point for fixed stops.
type stopState struct {
	index float64
	ref   float64
}

// Controller owns the per-run risk state: peak tracking, drawdown levels,
// circuit breakers, per-strategy return windows and the RiskSnapshot history.
type Controller struct {
	logger  *zap.Logger
	cfg     types.RiskFileConfig
	enabled bool // circuit breakers enabled

	mu               sync.Mutex
	peak             decimal.Decimal
	dayHigh          decimal.Decimal
	currentDate      time.Time
	lastValue        decimal.Decimal
	drawdown         float64
	dailyDrawdown    float64
	level            types.RiskLevel
	strategyReturns  map[types.StrategyID][]float64
	portfolioReturns []float64
	stops            map[types.StrategyID]*stopState
	breaker          types.CircuitBreakerStatus
	breakerTriggers  int
	snapshots        []types.RiskSnapshot
}

// NewController creates a risk controller from the risk file configuration.
func NewController(logger *zap.Logger, cfg types.RiskFileConfig, enableBreakers bool) *Controller {
	return &Controller{
		logger:          logger,
		cfg:             cfg,
		enabled:         enableBreakers,
		level:           types.RiskLow,
		strategyReturns: make(map[types.StrategyID][]float64),
		stops:           make(map[types.StrategyID]*stopState),
	}
}

// Update feeds one simulated day's portfolio value and return into the
// controller and produces the day's RiskSnapshot. positions are the
// post-return position values used for VaR.
func (c *Controller) Update(
	date time.Time,
	portfolioValue decimal.Decimal,
	dailyReturn float64,
	positions map[types.StrategyID]decimal.Decimal,
) types.RiskSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Date rollover resets the same-day high.
	if !sameDay(date, c.currentDate) {
		c.currentDate = date
		c.dayHigh = portfolioValue
	}

	if portfolioValue.GreaterThan(c.peak) {
		c.peak = portfolioValue
	}
	if portfolioValue.GreaterThan(c.dayHigh) {
		c.dayHigh = portfolioValue
	}
	c.lastValue = portfolioValue

	c.drawdown = drawdownFrom(c.peak, portfolioValue)
	c.dailyDrawdown = drawdownFrom(c.dayHigh, portfolioValue)

	c.portfolioReturns = appendWindow(c.portfolioReturns, dailyReturn, c.cfg.VaRLookbackDays)

	level := c.riskLevel()
	c.level = level
	c.updateBreaker(level)

	snap := types.RiskSnapshot{
		Date:                 date,
		PortfolioValue:       portfolioValue,
		DrawdownPct:          c.drawdown,
		DailyDrawdownPct:     c.dailyDrawdown,
		Level:                level,
		VaR95:                c.valueAtRisk(positions),
		CircuitBreakerActive: c.breaker.Active,
		CircuitBreakerLevel:  c.breaker.Level,
	}
	c.snapshots = append(c.snapshots, snap)
	return snap
}

// ObserveStrategyReturn records one strategy's realized daily return for the
// VaR and anomaly windows and advances its stop-loss index.
func (c *Controller) ObserveStrategyReturn(strategy types.StrategyID, ret float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strategyReturns[strategy] = appendWindow(c.strategyReturns[strategy], ret, c.cfg.VaRLookbackDays)

	st, ok := c.stops[strategy]
	if !ok {
		st = &stopState{index: 1, ref: 1}
		c.stops[strategy] = st
	}
	st.index *= 1 + ret
	if c.cfg.StopLossType != "fixed" && st.index > st.ref {
		st.ref = st.index
	}
}

// PlanDeRisk maps the current risk level onto its graduated response:
// CRITICAL liquidates every held position, EXTREME halves the largest
// positions, HIGH trims underwater positions, MEDIUM only tightens stops.
// positions are the current strategy position values, cash excluded.
func (c *Controller) PlanDeRisk(positions map[types.StrategyID]decimal.Decimal) DeRiskDirective {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.level {
	case types.RiskCritical:
		return DeRiskDirective{Action: ActionLiquidate, Targets: heldStrategies(positions), Fraction: 1}
	case types.RiskExtreme:
		return DeRiskDirective{Action: ActionTrimLargest, Targets: largestPositions(positions), Fraction: trimLargestFraction}
	case types.RiskHigh:
		return DeRiskDirective{Action: ActionTrimUnderwater, Targets: c.underwaterStrategies(positions), Fraction: trimUnderwaterFraction}
	case types.RiskMedium:
		return DeRiskDirective{Action: ActionTightenStops}
	default:
		return DeRiskDirective{Action: ActionNone}
	}
}

// CheckStops reports strategies whose stop tripped and re-arms each at its
// current index so one drop exits once. The stop distance comes from the risk
// file; from MEDIUM up it tightens by tightenedStopFactor.
func (c *Controller) CheckStops() []types.StrategyID {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.StopLossPct <= 0 {
		return nil
	}
	stop := c.cfg.StopLossPct
	if levelRank[c.level] >= levelRank[types.RiskMedium] {
		stop *= tightenedStopFactor
	}

	var out []types.StrategyID
	for id, st := range c.stops {
		if st.ref <= 0 {
			continue
		}
		if st.index <= st.ref*(1-stop) {
			out = append(out, id)
			st.ref = st.index
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// heldStrategies returns the strategies with positive positions, sorted.
func heldStrategies(positions map[types.StrategyID]decimal.Decimal) []types.StrategyID {
	var out []types.StrategyID
	for id, v := range positions {
		if v.GreaterThan(decimal.Zero) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// largestPositions returns held positions at or above the mean held value.
func largestPositions(positions map[types.StrategyID]decimal.Decimal) []types.StrategyID {
	held := heldStrategies(positions)
	if len(held) == 0 {
		return nil
	}
	total := decimal.Zero
	for _, id := range held {
		total = total.Add(positions[id])
	}
	mean := total.Div(decimal.NewFromInt(int64(len(held))))

	var out []types.StrategyID
	for _, id := range held {
		if positions[id].GreaterThanOrEqual(mean) {
			out = append(out, id)
		}
	}
	return out
}

// underwaterStrategies returns held strategies whose trailing cumulative
// return is negative. Caller holds the lock.
func (c *Controller) underwaterStrategies(positions map[types.StrategyID]decimal.Decimal) []types.StrategyID {
	var out []types.StrategyID
	for _, id := range heldStrategies(positions) {
		cum := 1.0
		for _, r := range c.strategyReturns[id] {
			cum *= 1 + r
		}
		if cum < 1 {
			out = append(out, id)
		}
	}
	return out
}

// riskLevel maps the worse of total and daily drawdown, as a fraction of the
// configured maxima, onto the five levels. Caller holds the lock.
func (c *Controller) riskLevel() types.RiskLevel {
	frac := 0.0
	if c.cfg.MaxDrawdown > 0 {
		frac = c.drawdown / c.cfg.MaxDrawdown
	}
	if c.cfg.MaxDailyDrawdown > 0 {
		if f := c.dailyDrawdown / c.cfg.MaxDailyDrawdown; f > frac {
			frac = f
		}
	}
	switch {
	case frac >= 0.9:
		return types.RiskCritical
	case frac >= 0.7:
		return types.RiskExtreme
	case frac >= 0.5:
		return types.RiskHigh
	case frac >= 0.3:
		return types.RiskMedium
	default:
		return types.RiskLow
	}
}

// updateBreaker activates or escalates the circuit breaker with the risk
// level. Breakers de-escalate as the level recovers. Caller holds the lock.
func (c *Controller) updateBreaker(level types.RiskLevel) {
	if !c.enabled {
		return
	}
	var want int
	switch level {
	case types.RiskCritical:
		want = 3
	case types.RiskExtreme:
		want = 2
	case types.RiskHigh:
		want = 1
	}

	if want > 0 && !c.breaker.Active {
		c.breakerTriggers++
	}
	if want == 0 {
		c.breaker = types.CircuitBreakerStatus{}
		return
	}
	c.breaker = types.CircuitBreakerStatus{
		Active: true,
		Level:  want,
		Cause:  fmt.Sprintf("risk level %s: drawdown %.2f%%, daily %.2f%%", level, c.drawdown*100, c.dailyDrawdown*100),
	}
	c.logger.Warn("circuit breaker active",
		zap.Int("level", want),
		zap.Float64("drawdown", c.drawdown),
		zap.Float64("dailyDrawdown", c.dailyDrawdown),
	)
}

// CheckCircuitBreakers returns the current breaker state.
func (c *Controller) CheckCircuitBreakers(time.Time) types.CircuitBreakerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.breaker
}

// BreakerTriggers returns how many times a breaker activated this run.
func (c *Controller) BreakerTriggers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.breakerTriggers
}

// ClampAllocations limits per-strategy allocation changes to the active
// breaker's maximum and rescales the result to sum to 100. With no active
// breaker the target passes through unchanged.
func (c *Controller) ClampAllocations(current, target map[types.StrategyID]float64) map[types.StrategyID]float64 {
	c.mu.Lock()
	breaker := c.breaker
	c.mu.Unlock()

	if !breaker.Active {
		return target
	}
	maxChange := breakerMaxChange[breaker.Level]

	clamped := make(map[types.StrategyID]float64, len(target))
	var total float64
	for id, want := range target {
		have := current[id]
		delta := want - have
		if delta > maxChange {
			delta = maxChange
		} else if delta < -maxChange {
			delta = -maxChange
		}
		v := have + delta
		if v < 0 {
			v = 0
		}
		clamped[id] = v
		total += v
	}

	if total <= 0 {
		return clamped
	}
	for id := range clamped {
		clamped[id] = clamped[id] * 100 / total
	}
	return clamped
}

// VolatilityAdjustment returns the multiplicative position-sizing factor for
// the current market: a volatility tier in [0.3, 1.1] scaled by the regime
// multiplier.
func (c *Controller) VolatilityAdjustment(snap marketdata.MarketSnapshot) float64 {
	v := snap.Volatility

	var base float64
	switch {
	case v < 0.3:
		base = 1.1
	case v < 0.5:
		base = 1.0
	case v < 0.7:
		// 0.9 at 0.5 falling to 0.7 at 0.7
		base = 0.9 - (v-0.5)
	default:
		// falls from 0.7 at 0.7 toward the 0.3 floor at 1.0
		base = 0.7 - (v-0.7)*(0.4/0.3)
		if base < 0.3 {
			base = 0.3
		}
	}

	switch snap.Regime {
	case types.RegimeBullish:
		return base * 1.05
	case types.RegimeBearish:
		return base * 0.8
	case types.RegimeVolatile:
		return base * 0.7
	case types.RegimeSideways:
		return base * 0.9
	default:
		return base
	}
}

// valueAtRisk computes portfolio VaR by the historical method: each
// position's trailing-return percentile scaled by sqrt(horizon) and the
// position value, summed across positions. The sum ignores cross-asset
// correlation, a documented simplification that understates diversification.
// Caller holds the lock.
func (c *Controller) valueAtRisk(positions map[types.StrategyID]decimal.Decimal) decimal.Decimal {
	horizon := math.Sqrt(float64(maxInt(c.cfg.VaRHorizonDays, 1)))
	total := decimal.Zero

	for id, value := range positions {
		rets := c.strategyReturns[id]
		if len(rets) < 2 || value.LessThanOrEqual(decimal.Zero) {
			continue
		}
		sorted := make([]float64, len(rets))
		copy(sorted, rets)
		sort.Float64s(sorted)

		idx := int(float64(len(sorted)) * (1 - c.cfg.VaRConfidence))
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		tail := sorted[idx]
		if tail >= 0 {
			continue
		}
		total = total.Add(value.Mul(decimal.NewFromFloat(-tail * horizon)))
	}
	return total
}

// DetectAnomalies reports per-strategy anomalies from the trailing return
// windows. Severity is in [0,1]; the simulator de-risks strategies whose
// severity crosses its emergency threshold.
func (c *Controller) DetectAnomalies() []types.Anomaly {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []types.Anomaly
	for id, rets := range c.strategyReturns {
		if len(rets) < 5 {
			continue
		}
		last := rets[len(rets)-1]
		vol := stdDev(rets)

		if last <= -0.08 {
			out = append(out, types.Anomaly{
				Strategy: id,
				Kind:     "return_shock",
				Severity: 1.0,
				Detail:   fmt.Sprintf("daily return %.2f%%", last*100),
			})
			continue
		}
		if vol > 0 && last < -3*vol && last <= -0.03 {
			out = append(out, types.Anomaly{
				Strategy: id,
				Kind:     "return_shock",
				Severity: 0.7,
				Detail:   fmt.Sprintf("daily return %.2f%% against vol %.2f%%", last*100, vol*100),
			})
			continue
		}

		recent := rets[maxInt(0, len(rets)-5):]
		if rv := stdDev(recent); vol > 0 && rv > 2*vol {
			out = append(out, types.Anomaly{
				Strategy: id,
				Kind:     "volatility_spike",
				Severity: 0.5,
				Detail:   fmt.Sprintf("5d vol %.2f%% vs window %.2f%%", rv*100, vol*100),
			})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Strategy < out[j].Strategy })
	return out
}

// StrategyProfile summarizes a strategy's risk characteristics for stress
// testing.
type StrategyProfile struct {
	Volatility float64
	StressLoss float64 // assumed loss fraction under the stress scenario
}

// RunStressTest projects the portfolio drawdown of a proposed allocation set
// under the per-strategy stress losses and maps it onto a risk level.
func (c *Controller) RunStressTest(
	allocations map[types.StrategyID]float64,
	profiles map[types.StrategyID]StrategyProfile,
) types.StressTestResult {
	var projected float64
	for id, pct := range allocations {
		p, ok := profiles[id]
		if !ok {
			p = StrategyProfile{StressLoss: 0.15}
		}
		projected += (pct / 100) * p.StressLoss
	}

	frac := 0.0
	if c.cfg.MaxDrawdown > 0 {
		frac = projected / c.cfg.MaxDrawdown
	}
	var level types.RiskLevel
	switch {
	case frac >= 0.9:
		level = types.RiskCritical
	case frac >= 0.7:
		level = types.RiskExtreme
	case frac >= 0.5:
		level = types.RiskHigh
	case frac >= 0.3:
		level = types.RiskMedium
	default:
		level = types.RiskLow
	}

	return types.StressTestResult{
		Level:                level,
		ProjectedMaxDrawdown: projected,
	}
}

// Snapshots returns a copy of the RiskSnapshot history.
func (c *Controller) Snapshots() []types.RiskSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.RiskSnapshot, len(c.snapshots))
	copy(out, c.snapshots)
	return out
}

func drawdownFrom(peak, value decimal.Decimal) float64 {
	if peak.LessThanOrEqual(decimal.Zero) {
		return 0
	}
	dd, _ := peak.Sub(value).Div(peak).Float64()
	if dd < 0 {
		return 0
	}
	return dd
}

func appendWindow(window []float64, v float64, maxLen int) []float64 {
	window = append(window, v)
	if maxLen > 0 && len(window) > maxLen {
		window = window[len(window)-maxLen:]
	}
	return window
}

func stdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var sumSq float64
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)-1))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

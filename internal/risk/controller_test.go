package risk

import (
	"math"
	"testing"
	"time"

	"github.com/meridian-quant/backtest-engine/internal/marketdata"
	"github.com/meridian-quant/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	return NewController(zap.NewNop(), types.DefaultRiskFileConfig(), true)
}

func day(n int) time.Time {
	return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
}

func TestDrawdownTracksPeak(t *testing.T) {
	c := newTestController(t)
	none := map[types.StrategyID]decimal.Decimal{}

	c.Update(day(0), decimal.NewFromInt(100_000), 0, none)
	c.Update(day(1), decimal.NewFromInt(110_000), 0.10, none)
	snap := c.Update(day(2), decimal.NewFromInt(99_000), -0.10, none)

	if got := snap.DrawdownPct; math.Abs(got-0.10) > 1e-9 {
		t.Fatalf("drawdown = %v, want 0.10", got)
	}
	// New same-day high resets the daily reference, not the all-time peak.
	snap = c.Update(day(3), decimal.NewFromInt(104_000), 0.0505, none)
	if snap.DailyDrawdownPct != 0 {
		t.Fatalf("daily drawdown on fresh day = %v, want 0", snap.DailyDrawdownPct)
	}
	if math.Abs(snap.DrawdownPct-(110_000-104_000)/110_000.0) > 1e-9 {
		t.Fatalf("total drawdown = %v", snap.DrawdownPct)
	}
}

func TestRiskLevelThresholds(t *testing.T) {
	// MaxDrawdown defaults to 0.20, so levels trip at 6/10/14/18% drawdown.
	cases := []struct {
		value int64
		want  types.RiskLevel
	}{
		{99_000, types.RiskLow},      // 1%
		{93_000, types.RiskMedium},   // 7%
		{89_000, types.RiskHigh},     // 11%
		{85_000, types.RiskExtreme},  // 15%
		{81_000, types.RiskCritical}, // 19%
	}
	for _, tc := range cases {
		c := newTestController(t)
		none := map[types.StrategyID]decimal.Decimal{}
		c.Update(day(0), decimal.NewFromInt(100_000), 0, none)
		snap := c.Update(day(1), decimal.NewFromInt(tc.value), 0, none)
		if snap.Level != tc.want {
			t.Errorf("value %d: level = %s, want %s", tc.value, snap.Level, tc.want)
		}
	}
}

func TestCircuitBreakerActivatesAndRecovers(t *testing.T) {
	c := newTestController(t)
	none := map[types.StrategyID]decimal.Decimal{}

	c.Update(day(0), decimal.NewFromInt(100_000), 0, none)
	snap := c.Update(day(1), decimal.NewFromInt(85_000), -0.15, none)
	if !snap.CircuitBreakerActive || snap.CircuitBreakerLevel != 2 {
		t.Fatalf("breaker = %+v, want active level 2", snap)
	}

	// Recovery above the HIGH threshold clears the breaker.
	snap = c.Update(day(2), decimal.NewFromInt(99_500), 0.17, none)
	if snap.CircuitBreakerActive {
		t.Fatalf("breaker still active after recovery: %+v", snap)
	}
	if c.BreakerTriggers() != 1 {
		t.Fatalf("trigger count = %d, want 1", c.BreakerTriggers())
	}
}

func TestClampAllocationsUnderBreaker(t *testing.T) {
	c := newTestController(t)
	none := map[types.StrategyID]decimal.Decimal{}
	c.Update(day(0), decimal.NewFromInt(100_000), 0, none)
	c.Update(day(1), decimal.NewFromInt(81_000), -0.19, none) // level 3, max change 5

	current := map[types.StrategyID]float64{"momentum": 50, "trend_following": 50}
	target := map[types.StrategyID]float64{"momentum": 80, "trend_following": 20}

	got := c.ClampAllocations(current, target)

	var total float64
	for _, v := range got {
		total += v
	}
	if math.Abs(total-100) > 1e-9 {
		t.Fatalf("clamped allocations sum to %v, want 100", total)
	}
	if got["momentum"] > 55.01 {
		t.Fatalf("momentum moved %v, breaker allows at most +5", got["momentum"]-50)
	}
}

func TestClampPassThroughWithoutBreaker(t *testing.T) {
	c := newTestController(t)
	target := map[types.StrategyID]float64{"momentum": 70, "trend_following": 30}
	got := c.ClampAllocations(map[types.StrategyID]float64{"momentum": 50, "trend_following": 50}, target)
	if got["momentum"] != 70 || got["trend_following"] != 30 {
		t.Fatalf("pass-through mangled target: %v", got)
	}
}

func TestVolatilityAdjustmentTiers(t *testing.T) {
	c := newTestController(t)

	cases := []struct {
		vol    float64
		regime types.MarketRegime
		want   float64
	}{
		{0.15, types.RegimeNeutral, 1.1},
		{0.40, types.RegimeNeutral, 1.0},
		{0.60, types.RegimeNeutral, 0.8},
		{1.50, types.RegimeNeutral, 0.3},
		{0.40, types.RegimeBearish, 0.8},
		{0.40, types.RegimeVolatile, 0.7},
		{0.15, types.RegimeBullish, 1.1 * 1.05},
	}
	for _, tc := range cases {
		got := c.VolatilityAdjustment(marketdata.MarketSnapshot{Volatility: tc.vol, Regime: tc.regime})
		if math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("vol %.2f regime %s: factor = %v, want %v", tc.vol, tc.regime, got, tc.want)
		}
	}
}

func TestHistoricalVaRSumsPositions(t *testing.T) {
	c := newTestController(t)

	// A full 60-day lookback window with a -4% tail at the 5th percentile.
	for i := 0; i < 60; i++ {
		ret := 0.001
		if i%15 == 0 {
			ret = -0.04
		}
		c.ObserveStrategyReturn("momentum", ret)
	}
	positions := map[types.StrategyID]decimal.Decimal{
		"momentum": decimal.NewFromInt(50_000),
	}
	snap := c.Update(day(0), decimal.NewFromInt(100_000), 0, positions)

	// 95% one-day VaR: 4% of 50,000.
	want := decimal.NewFromInt(2_000)
	if snap.VaR95.Sub(want).Abs().GreaterThan(decimal.NewFromFloat(1)) {
		t.Fatalf("VaR95 = %s, want about %s", snap.VaR95, want)
	}
}

func TestDetectAnomaliesReturnShock(t *testing.T) {
	c := newTestController(t)
	for i := 0; i < 20; i++ {
		c.ObserveStrategyReturn("momentum", 0.002)
		c.ObserveStrategyReturn("trend_following", 0.001)
	}
	c.ObserveStrategyReturn("momentum", -0.09)

	anomalies := c.DetectAnomalies()
	if len(anomalies) == 0 {
		t.Fatal("expected a return_shock anomaly")
	}
	a := anomalies[0]
	if a.Strategy != "momentum" || a.Kind != "return_shock" || a.Severity != 1.0 {
		t.Fatalf("anomaly = %+v", a)
	}
}

func TestStressTestProjectsDrawdown(t *testing.T) {
	c := newTestController(t)

	allocs := map[types.StrategyID]float64{"momentum": 60, "volatility_breakout": 40}
	profiles := map[types.StrategyID]StrategyProfile{
		"momentum":            {StressLoss: 0.10},
		"volatility_breakout": {StressLoss: 0.30},
	}
	res := c.RunStressTest(allocs, profiles)

	// 0.6*0.10 + 0.4*0.30 = 0.18, which is 90% of the 0.20 max drawdown.
	if math.Abs(res.ProjectedMaxDrawdown-0.18) > 1e-9 {
		t.Fatalf("projected drawdown = %v, want 0.18", res.ProjectedMaxDrawdown)
	}
	if res.Level != types.RiskCritical {
		t.Fatalf("level = %s, want critical", res.Level)
	}
}

func TestPlanDeRiskGraduatedByLevel(t *testing.T) {
	// MaxDrawdown 0.20: MEDIUM at 7%, HIGH at 11%, EXTREME at 15%,
	// CRITICAL at 19%.
	positions := map[types.StrategyID]decimal.Decimal{
		"alpha": decimal.NewFromInt(70_000),
		"beta":  decimal.NewFromInt(30_000),
	}

	cases := []struct {
		value       int64
		wantAction  DeRiskAction
		wantTargets []types.StrategyID
		wantFrac    float64
	}{
		{99_000, ActionNone, nil, 0},
		{93_000, ActionTightenStops, nil, 0},
		// alpha is the underwater leg; beta trends up.
		{89_000, ActionTrimUnderwater, []types.StrategyID{"alpha"}, 0.25},
		// alpha is the only position at or above the mean held value.
		{85_000, ActionTrimLargest, []types.StrategyID{"alpha"}, 0.5},
		{81_000, ActionLiquidate, []types.StrategyID{"alpha", "beta"}, 1},
	}

	for _, tc := range cases {
		c := newTestController(t)
		for i := 0; i < 10; i++ {
			c.ObserveStrategyReturn("alpha", -0.01)
			c.ObserveStrategyReturn("beta", 0.01)
		}
		c.Update(day(0), decimal.NewFromInt(100_000), 0, positions)
		c.Update(day(1), decimal.NewFromInt(tc.value), 0, positions)

		d := c.PlanDeRisk(positions)
		if d.Action != tc.wantAction {
			t.Errorf("value %d: action = %s, want %s", tc.value, d.Action, tc.wantAction)
			continue
		}
		if d.Fraction != tc.wantFrac {
			t.Errorf("value %d: fraction = %v, want %v", tc.value, d.Fraction, tc.wantFrac)
		}
		if len(d.Targets) != len(tc.wantTargets) {
			t.Errorf("value %d: targets = %v, want %v", tc.value, d.Targets, tc.wantTargets)
			continue
		}
		for i := range tc.wantTargets {
			if d.Targets[i] != tc.wantTargets[i] {
				t.Errorf("value %d: targets = %v, want %v", tc.value, d.Targets, tc.wantTargets)
				break
			}
		}
	}
}

func TestTrailingStopTripsAndRearms(t *testing.T) {
	c := newTestController(t) // trailing, 5%

	c.ObserveStrategyReturn("alpha", 0.02)  // index 1.02, ref follows
	c.ObserveStrategyReturn("alpha", -0.03) // 3% off the peak
	if got := c.CheckStops(); len(got) != 0 {
		t.Fatalf("stop tripped at 3%% drawdown: %v", got)
	}

	c.ObserveStrategyReturn("alpha", -0.03) // 5.9% off the peak
	got := c.CheckStops()
	if len(got) != 1 || got[0] != "alpha" {
		t.Fatalf("stops = %v, want [alpha]", got)
	}

	// Re-armed at the exit index: no immediate refire.
	if got := c.CheckStops(); len(got) != 0 {
		t.Fatalf("stop refired without a further drop: %v", got)
	}
	c.ObserveStrategyReturn("alpha", -0.06)
	if got := c.CheckStops(); len(got) != 1 {
		t.Fatalf("stop did not re-trip after a fresh 6%% drop: %v", got)
	}
}

func TestFixedStopIgnoresNewHighs(t *testing.T) {
	cfg := types.DefaultRiskFileConfig()
	cfg.StopLossType = "fixed"
	c := NewController(zap.NewNop(), cfg, true)

	c.ObserveStrategyReturn("alpha", 0.10)  // index 1.10, ref stays at entry
	c.ObserveStrategyReturn("alpha", -0.06) // index 1.034, 6% off the high
	if got := c.CheckStops(); len(got) != 0 {
		t.Fatalf("fixed stop tripped on a drop from a new high: %v", got)
	}
	c.ObserveStrategyReturn("alpha", -0.09) // index 0.941, below entry - 5%
	if got := c.CheckStops(); len(got) != 1 {
		t.Fatalf("fixed stop did not trip below entry: %v", got)
	}
}

func TestStopsTightenAtMediumRisk(t *testing.T) {
	c := newTestController(t)

	c.ObserveStrategyReturn("alpha", -0.03) // under the 5% stop distance
	if got := c.CheckStops(); len(got) != 0 {
		t.Fatalf("stop tripped at full distance: %v", got)
	}

	// 7% drawdown reaches MEDIUM; the effective stop halves to 2.5%.
	none := map[types.StrategyID]decimal.Decimal{}
	c.Update(day(0), decimal.NewFromInt(100_000), 0, none)
	c.Update(day(1), decimal.NewFromInt(93_000), -0.07, none)

	got := c.CheckStops()
	if len(got) != 1 || got[0] != "alpha" {
		t.Fatalf("tightened stop = %v, want [alpha]", got)
	}
}

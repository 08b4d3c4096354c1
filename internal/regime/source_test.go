package regime

import (
	"context"
	"testing"

	"github.com/meridian-quant/backtest-engine/pkg/types"
	"go.uber.org/zap"
)

func TestUnderfilledSourceReturnsDefault(t *testing.T) {
	src := NewSource(zap.NewNop(), DefaultConfig())
	src.Observe(0.01, 1.0)

	snap, err := src.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Regime != types.RegimeNeutral {
		t.Fatalf("regime = %s, want neutral", snap.Regime)
	}
	if snap.Volatility != 0.15 {
		t.Fatalf("volatility = %v, want default 0.15", snap.Volatility)
	}
}

func TestSteadyRallyClassifiedBullish(t *testing.T) {
	src := NewSource(zap.NewNop(), DefaultConfig())
	for i := 0; i < 60; i++ {
		src.Observe(0.002, 1.0)
	}

	snap, err := src.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Regime != types.RegimeBullish {
		t.Fatalf("regime = %s, want bullish", snap.Regime)
	}
	if snap.Volatility > 0.05 {
		t.Fatalf("volatility = %v, want near zero for constant returns", snap.Volatility)
	}
}

func TestSteadyDeclineClassifiedBearish(t *testing.T) {
	src := NewSource(zap.NewNop(), DefaultConfig())
	for i := 0; i < 60; i++ {
		src.Observe(-0.002, 1.0)
	}

	snap, _ := src.Snapshot(context.Background())
	if snap.Regime != types.RegimeBearish {
		t.Fatalf("regime = %s, want bearish", snap.Regime)
	}
}

func TestVolatilityOverridesTrend(t *testing.T) {
	src := NewSource(zap.NewNop(), DefaultConfig())
	// Strong uptrend but wild daily swings: +5%, -3% alternating.
	for i := 0; i < 60; i++ {
		if i%2 == 0 {
			src.Observe(0.05, 2.0)
		} else {
			src.Observe(-0.03, 2.0)
		}
	}

	snap, _ := src.Snapshot(context.Background())
	if snap.Regime != types.RegimeVolatile {
		t.Fatalf("regime = %s, want volatile", snap.Regime)
	}
	if snap.Volatility <= DefaultConfig().VolThreshold {
		t.Fatalf("volatility = %v, want above threshold %v", snap.Volatility, DefaultConfig().VolThreshold)
	}
}

func TestRangeboundMarketClassifiedSideways(t *testing.T) {
	src := NewSource(zap.NewNop(), DefaultConfig())
	for i := 0; i < 60; i++ {
		if i%2 == 0 {
			src.Observe(0.0004, 1.0)
		} else {
			src.Observe(-0.0004, 1.0)
		}
	}

	snap, _ := src.Snapshot(context.Background())
	if snap.Regime != types.RegimeSideways {
		t.Fatalf("regime = %s, want sideways", snap.Regime)
	}
}

func TestExternalScoresFlowThrough(t *testing.T) {
	src := NewSource(zap.NewNop(), DefaultConfig())
	for i := 0; i < 10; i++ {
		src.Observe(0.001, 1.4)
	}
	src.SetMacroPressure(0.8)
	src.SetCorrelation(0.9)

	snap, _ := src.Snapshot(context.Background())
	if snap.MacroEventScore != 0.8 {
		t.Fatalf("macro score = %v, want 0.8", snap.MacroEventScore)
	}
	if snap.CorrelationScore != 0.9 {
		t.Fatalf("correlation = %v, want 0.9", snap.CorrelationScore)
	}
	if snap.VolumeRatio != 1.4 {
		t.Fatalf("volume ratio = %v, want 1.4", snap.VolumeRatio)
	}

	src.SetMacroPressure(1.7)
	snap, _ = src.Snapshot(context.Background())
	if snap.MacroEventScore != 1.0 {
		t.Fatalf("macro score = %v, want clamped to 1.0", snap.MacroEventScore)
	}
}

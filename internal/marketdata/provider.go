// Package marketdata supplies per-strategy, per-date price and return rows
// to the simulation core. The engine consumes the Provider interface only;
// real implementations (files, remote APIs) live outside the core.
package marketdata

import (
	"context"

	"github.com/meridian-quant/backtest-engine/pkg/ratelimit"
	"github.com/meridian-quant/backtest-engine/pkg/types"

	"time"
)

// Provider supplies strategy bars. A false second return means the source has
// no row for that strategy/date; the caller decides the fallback (the
// simulator treats it as a zero-return day, the scheduler may swap in a mock
// generator). The error return is reserved for transport failures.
type Provider interface {
	Bar(ctx context.Context, strategy types.StrategyID, date time.Time) (types.StrategyBar, bool, error)
}

// MarketSnapshot is the aggregate market view consumed by the risk
// controller's sizing logic and the anomaly detector.
type MarketSnapshot struct {
	Volatility       float64            // current normalized volatility
	Vol5DayAvg       float64            // trailing 5-day average volatility
	Vol20DayAvg      float64            // trailing 20-day average volatility
	Regime           types.MarketRegime // broad market regime
	CorrelationScore float64            // cross-asset-class correlation, 0..1
	VolumeRatio      float64            // current volume over trailing average
	MacroEventScore  float64            // 0 = calm, 1 = major scheduled events
}

// SignalSource supplies the market snapshot. Backed by an indicator service
// in production; tests and offline runs use fixed or generated snapshots.
type SignalSource interface {
	Snapshot(ctx context.Context) (MarketSnapshot, error)
}

// DefaultSnapshot is the fallback used when the signal source fails; a calm
// neutral market that never skews scheduling.
func DefaultSnapshot() MarketSnapshot {
	return MarketSnapshot{
		Volatility:       0.15,
		Vol5DayAvg:       0.15,
		Vol20DayAvg:      0.15,
		Regime:           types.RegimeNeutral,
		CorrelationScore: 0.3,
		VolumeRatio:      1.0,
	}
}

// ThrottledProvider wraps a Provider with a blocking per-minute call budget.
// Bar suspends when the budget is exhausted, so it must only be called where
// the caller expects to sleep (queue building, not the day-step hot loop).
type ThrottledProvider struct {
	inner   Provider
	limiter *ratelimit.Limiter
}

// NewThrottledProvider wraps inner with a callsPerMinute budget.
func NewThrottledProvider(inner Provider, callsPerMinute int) *ThrottledProvider {
	return &ThrottledProvider{
		inner:   inner,
		limiter: ratelimit.NewPerMinute(callsPerMinute),
	}
}

// Bar blocks for budget, then delegates.
func (p *ThrottledProvider) Bar(ctx context.Context, strategy types.StrategyID, date time.Time) (types.StrategyBar, bool, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return types.StrategyBar{}, false, err
	}
	return p.inner.Bar(ctx, strategy, date)
}

package simulator

import (
	"context"
	"time"

	"github.com/meridian-quant/backtest-engine/internal/marketdata"
	"github.com/meridian-quant/backtest-engine/pkg/types"
)

// CashID is the reserved position key holding unallocated capital. It is a
// real entry in position and allocation maps so that capital always equals
// the sum of position values.
const CashID types.StrategyID = "cash"

// AllocationStrategy decides target allocation percentages at each rebalance.
// Returned percentages are per strategy (cash excluded) and need not sum to
// 100; the simulator normalizes, risk-adjusts and assigns the residual to
// cash.
type AllocationStrategy interface {
	TargetAllocations(
		ctx context.Context,
		date time.Time,
		current map[types.StrategyID]float64,
		market marketdata.MarketSnapshot,
	) (map[types.StrategyID]float64, error)
}

// EqualWeight allocates capital evenly across the configured strategies.
// The default collaborator when no rotation model is plugged in.
type EqualWeight struct {
	Strategies []types.StrategyID
}

// TargetAllocations returns 100/n per strategy.
func (e EqualWeight) TargetAllocations(
	_ context.Context,
	_ time.Time,
	_ map[types.StrategyID]float64,
	_ marketdata.MarketSnapshot,
) (map[types.StrategyID]float64, error) {
	out := make(map[types.StrategyID]float64, len(e.Strategies))
	if len(e.Strategies) == 0 {
		return out, nil
	}
	pct := 100.0 / float64(len(e.Strategies))
	for _, id := range e.Strategies {
		out[id] = pct
	}
	return out, nil
}

// shouldRebalance reports whether date starts a new rebalance period relative
// to the last rebalance. Weekends never reach here; the day loop skips them.
func shouldRebalance(freq types.RebalanceFrequency, last, date time.Time) bool {
	if last.IsZero() {
		return true
	}
	switch freq {
	case types.RebalanceDaily:
		return true
	case types.RebalanceWeekly:
		ly, lw := last.ISOWeek()
		dy, dw := date.ISOWeek()
		return ly != dy || lw != dw
	case types.RebalanceMonthly:
		return last.Year() != date.Year() || last.Month() != date.Month()
	case types.RebalanceQuarterly:
		lq := (int(last.Month()) - 1) / 3
		dq := (int(date.Month()) - 1) / 3
		return last.Year() != date.Year() || lq != dq
	default:
		return false
	}
}

package simulator

import (
	"math"

	"github.com/meridian-quant/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
)

const tradingDaysPerYear = 252

// computeMetrics aggregates a completed run's portfolio history and trades.
func computeMetrics(cfg types.SimulationConfig, history []types.PortfolioState, trades []types.TradeRecord) *types.PerformanceMetrics {
	m := &types.PerformanceMetrics{TradeCount: len(trades)}
	for _, t := range trades {
		m.TotalCosts = m.TotalCosts.Add(t.TotalCost())
	}
	if len(history) == 0 {
		return m
	}

	final := history[len(history)-1].Capital
	if cfg.InitialCapital.GreaterThan(decimal.Zero) {
		m.TotalReturn, _ = final.Sub(cfg.InitialCapital).Div(cfg.InitialCapital).Float64()
	}

	days := len(history)
	if days > 1 && m.TotalReturn > -1 {
		years := float64(days) / tradingDaysPerYear
		m.AnnualizedReturn = math.Pow(1+m.TotalReturn, 1/years) - 1
	}

	returns := make([]float64, 0, days)
	for _, st := range history {
		returns = append(returns, st.DailyReturn)
	}

	dailyVol := stdDev(returns)
	m.Volatility = dailyVol * math.Sqrt(tradingDaysPerYear)

	if m.Volatility > 0 {
		m.SharpeRatio = (m.AnnualizedReturn - cfg.RiskFreeRate) / m.Volatility
	}

	if dv := downsideDeviation(returns); dv > 0 {
		m.SortinoRatio = (m.AnnualizedReturn - cfg.RiskFreeRate) / (dv * math.Sqrt(tradingDaysPerYear))
	}

	m.MaxDrawdown = maxDrawdown(history)
	m.WinRate = winRate(returns)
	m.ProfitFactor = profitFactor(returns)
	return m
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

func downsideDeviation(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	var sumSq float64
	for _, r := range returns {
		if r < 0 {
			sumSq += r * r
		}
	}
	return math.Sqrt(sumSq / float64(len(returns)))
}

func maxDrawdown(history []types.PortfolioState) float64 {
	peak := decimal.Zero
	worst := 0.0
	for _, st := range history {
		if st.Capital.GreaterThan(peak) {
			peak = st.Capital
		}
		if peak.GreaterThan(decimal.Zero) {
			dd, _ := peak.Sub(st.Capital).Div(peak).Float64()
			if dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

// winRate is the fraction of non-flat days that gained.
func winRate(returns []float64) float64 {
	var wins, active int
	for _, r := range returns {
		if r > 0 {
			wins++
		}
		if r != 0 {
			active++
		}
	}
	if active == 0 {
		return 0
	}
	return float64(wins) / float64(active)
}

func profitFactor(returns []float64) float64 {
	var gains, losses float64
	for _, r := range returns {
		if r > 0 {
			gains += r
		} else {
			losses += -r
		}
	}
	// Capped so loss-free runs stay JSON-encodable.
	const maxFactor = 1000.0
	if losses == 0 {
		if gains > 0 {
			return maxFactor
		}
		return 0
	}
	pf := gains / losses
	if pf > maxFactor {
		return maxFactor
	}
	return pf
}

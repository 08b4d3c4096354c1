// Package simulator runs one portfolio backtest: it steps through trading
// days, applies strategy returns, consults the risk controller and realizes
// allocation changes through the execution model.
package simulator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/meridian-quant/backtest-engine/internal/execution"
	"github.com/meridian-quant/backtest-engine/internal/marketdata"
	"github.com/meridian-quant/backtest-engine/internal/risk"
	"github.com/meridian-quant/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// State is the simulator lifecycle phase.
type State string

const (
	StateInitialized State = "initialized"
	StateStepping    State = "stepping"
	StateCompleted   State = "completed"
)

// Anomalies at or above this severity trigger emergency de-risking.
const emergencySeverity = 0.7

// Simulator owns one run's portfolio, allocation and trade histories. It is
// not safe for concurrent use; concurrent runs each get their own instance.
type Simulator struct {
	logger  *zap.Logger
	cfg     types.SimulationConfig
	data    marketdata.Provider
	signals marketdata.SignalSource
	exec    *execution.Model
	riskCtl *risk.Controller
	alloc   AllocationStrategy

	state         State
	positions     map[types.StrategyID]decimal.Decimal
	lastRebalance time.Time

	portfolioHistory  []types.PortfolioState
	allocationHistory []types.AllocationRecord
	trades            []types.TradeRecord

	anomaliesDetected int
	emergencyActions  int
}

// New builds a simulator for one run. The configuration is validated here;
// an invalid configuration is the one fatal condition, rejected before any
// stepping starts.
func New(
	logger *zap.Logger,
	cfg types.SimulationConfig,
	data marketdata.Provider,
	signals marketdata.SignalSource,
	riskCfg types.RiskFileConfig,
	alloc AllocationStrategy,
) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("simulation config: %w", err)
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.New().String()
	}
	if alloc == nil {
		alloc = EqualWeight{Strategies: cfg.Strategies}
	}
	return &Simulator{
		logger:    logger.With(zap.String("runId", cfg.RunID)),
		cfg:       cfg,
		data:      data,
		signals:   signals,
		exec:      execution.NewModel(logger, cfg.OrderSettings, cfg.TradingCostPct),
		riskCtl:   risk.NewController(logger, riskCfg, cfg.EnableCircuitBreaks),
		alloc:     alloc,
		state:     StateInitialized,
		positions: map[types.StrategyID]decimal.Decimal{CashID: cfg.InitialCapital},
	}, nil
}

// Run executes the full simulation and aggregates the result.
func (s *Simulator) Run(ctx context.Context) (*types.SimulationResult, error) {
	if s.state != StateInitialized {
		return nil, fmt.Errorf("simulator already ran (state %s)", s.state)
	}
	s.state = StateStepping

	for date := s.cfg.StartDate; !date.After(s.cfg.EndDate); date = date.AddDate(0, 0, 1) {
		if wd := date.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.stepSafely(ctx, date)
	}

	s.state = StateCompleted
	metrics := computeMetrics(s.cfg, s.portfolioHistory, s.trades)

	result := &types.SimulationResult{
		RunID:             s.cfg.RunID,
		StartDate:         s.cfg.StartDate,
		EndDate:           s.cfg.EndDate,
		InitialCapital:    s.cfg.InitialCapital,
		FinalCapital:      s.capital(),
		PortfolioHistory:  s.portfolioHistory,
		AllocationHistory: s.allocationHistory,
		Trades:            s.trades,
		RiskHistory:       s.riskCtl.Snapshots(),
		Metrics:           metrics,
		CompletedAt:       time.Now().UTC(),
	}
	s.logger.Info("simulation completed",
		zap.Int("days", len(s.portfolioHistory)),
		zap.Int("trades", len(s.trades)),
		zap.String("finalCapital", result.FinalCapital.StringFixed(2)),
	)
	return result, nil
}

// stepSafely runs one day and contains any failure to that day: on panic or
// error the pre-step state is restored and the loop moves on.
func (s *Simulator) stepSafely(ctx context.Context, date time.Time) {
	saved := clonePositions(s.positions)
	savedHist := len(s.portfolioHistory)
	savedAllocs := len(s.allocationHistory)
	savedTrades := len(s.trades)

	// Restore every history the step may have touched, so a trade recorded
	// before the failure never survives without its position effect.
	restore := func() {
		s.positions = saved
		s.portfolioHistory = s.portfolioHistory[:savedHist]
		s.allocationHistory = s.allocationHistory[:savedAllocs]
		s.trades = s.trades[:savedTrades]
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("day step panicked, restoring last good state",
				zap.Time("date", date),
				zap.Any("panic", r),
			)
			restore()
		}
	}()

	if err := s.step(ctx, date); err != nil {
		s.logger.Error("day step failed, restoring last good state",
			zap.Time("date", date),
			zap.Error(err),
		)
		restore()
	}
}

func (s *Simulator) step(ctx context.Context, date time.Time) error {
	prevCapital := s.capital()

	// 1. Apply realized returns. A missing row is a zero-return day.
	bars := make(map[types.StrategyID]types.StrategyBar, len(s.cfg.Strategies))
	for _, id := range s.sortedStrategies() {
		bar, found, err := s.data.Bar(ctx, id, date)
		if err != nil {
			s.logger.Warn("data source error, treating as zero return",
				zap.String("strategy", id.String()),
				zap.Time("date", date),
				zap.Error(err),
			)
			bar = types.StrategyBar{Date: date}
		} else if !found {
			s.logger.Debug("no data for strategy, zero return",
				zap.String("strategy", id.String()),
				zap.Time("date", date),
			)
			bar = types.StrategyBar{Date: date}
		}
		bars[id] = bar

		if pos, ok := s.positions[id]; ok && !pos.IsZero() {
			s.positions[id] = pos.Mul(decimal.NewFromFloat(1 + bar.Return))
		}
		s.riskCtl.ObserveStrategyReturn(id, bar.Return)
	}

	// 2. Mark to market.
	capital := s.capital()
	dailyReturn := 0.0
	if prevCapital.GreaterThan(decimal.Zero) {
		dailyReturn, _ = capital.Sub(prevCapital).Div(prevCapital).Float64()
	}

	// 3. Risk update, emergency de-risking, graduated level actions and
	// stop-loss exits.
	s.riskCtl.Update(date, capital, dailyReturn, s.strategyPositions())
	if s.cfg.EnableRiskMgmt {
		anomalies := s.riskCtl.DetectAnomalies()
		s.anomaliesDetected += len(anomalies)
		for _, a := range anomalies {
			if a.Severity >= emergencySeverity {
				s.emergencyDeRisk(date, a, bars[a.Strategy].Context)
			}
		}

		directive := s.riskCtl.PlanDeRisk(s.strategyPositions())
		for _, id := range directive.Targets {
			s.sellDown(date, id, directive.Fraction, string(directive.Action), bars[id].Context)
		}
		for _, id := range s.riskCtl.CheckStops() {
			s.sellDown(date, id, 1, "stop_loss", bars[id].Context)
		}
	}

	// 4. Rebalance on schedule.
	if shouldRebalance(s.cfg.RebalanceFrequency, s.lastRebalance, date) {
		if err := s.rebalance(ctx, date, bars); err != nil {
			return err
		}
		s.lastRebalance = date
	}

	// 6. Append the day's snapshot.
	s.portfolioHistory = append(s.portfolioHistory, types.PortfolioState{
		Date:        date,
		Capital:     s.capital(),
		Positions:   clonePositions(s.positions),
		DailyReturn: dailyReturn,
	})
	return nil
}

// emergencyDeRisk sells down a flagged strategy proportional to anomaly
// severity, moving the proceeds to cash.
func (s *Simulator) emergencyDeRisk(date time.Time, a types.Anomaly, pctx types.PriceContext) {
	s.sellDown(date, a.Strategy, a.Severity, a.Kind, pctx)
}

// sellDown moves a fraction of one strategy position to cash through the
// execution model. Sub-threshold and unfilled sells are skipped.
func (s *Simulator) sellDown(date time.Time, id types.StrategyID, fraction float64, reason string, pctx types.PriceContext) {
	pos, ok := s.positions[id]
	if !ok || pos.LessThanOrEqual(decimal.Zero) {
		return
	}
	sellValue := pos.Mul(decimal.NewFromFloat(fraction))
	if sellValue.LessThan(s.cfg.MinTradeValue) {
		return
	}
	target := pos.Sub(sellValue)

	record, filled := s.exec.Execute(date, id, types.TradeSell, sellValue, pos, target, pctx)
	if !filled {
		return
	}
	s.applyTrade(record)
	s.trades = append(s.trades, record)
	s.emergencyActions++

	s.logger.Warn("risk de-risk executed",
		zap.String("strategy", id.String()),
		zap.String("reason", reason),
		zap.Float64("fraction", fraction),
		zap.String("sold", record.FilledValue.StringFixed(2)),
	)
}

// rebalance computes risk-adjusted target allocations and trades toward them.
func (s *Simulator) rebalance(ctx context.Context, date time.Time, bars map[types.StrategyID]types.StrategyBar) error {
	market := s.marketSnapshot(ctx)

	current := s.currentAllocations()
	raw, err := s.alloc.TargetAllocations(ctx, date, current, market)
	if err != nil {
		return fmt.Errorf("allocation strategy: %w", err)
	}

	target := normalizeTo100(raw)

	// Volatility sizing scales every strategy leg; cash absorbs the rest.
	if s.cfg.EnableRiskMgmt {
		factor := s.riskCtl.VolatilityAdjustment(market)
		for id := range target {
			target[id] *= factor
		}
	}
	target[CashID] = 0
	var allocated float64
	for id, pct := range target {
		if id != CashID {
			allocated += pct
		}
	}
	if allocated < 100 {
		target[CashID] = 100 - allocated
	} else if allocated > 100 {
		// Over-allocation from sizing factors above 1 rescales downward.
		for id := range target {
			target[id] = target[id] * 100 / allocated
		}
	}

	target = s.riskCtl.ClampAllocations(current, target)

	s.allocationHistory = append(s.allocationHistory, types.AllocationRecord{
		Date:        date,
		Allocations: copyAllocations(target),
		Trigger:     "rebalance",
	})

	// 5. Trade toward targets, skipping sub-threshold deltas. Sells first so
	// buys are funded within the same rebalance.
	capital := s.capital()
	type delta struct {
		id     types.StrategyID
		amount decimal.Decimal // signed, target minus current
		target decimal.Decimal
	}
	var deltas []delta
	for _, id := range s.sortedStrategies() {
		targetValue := capital.Mul(decimal.NewFromFloat(target[id] / 100))
		d := targetValue.Sub(s.positions[id])
		if d.Abs().LessThan(s.cfg.MinTradeValue) {
			continue
		}
		deltas = append(deltas, delta{id: id, amount: d, target: targetValue})
	}
	sort.Slice(deltas, func(i, j int) bool {
		if deltas[i].amount.Sign() != deltas[j].amount.Sign() {
			return deltas[i].amount.Sign() < deltas[j].amount.Sign()
		}
		return deltas[i].id < deltas[j].id
	})

	for _, d := range deltas {
		direction := types.TradeBuy
		if d.amount.Sign() < 0 {
			direction = types.TradeSell
		}
		record, filled := s.exec.Execute(
			date, d.id, direction, d.amount.Abs(), s.positions[d.id], d.target, bars[d.id].Context,
		)
		if !filled {
			continue
		}
		s.applyTrade(record)
		s.trades = append(s.trades, record)
	}
	return nil
}

// applyTrade moves filled value between the strategy leg and cash. Costs
// always come out of cash.
func (s *Simulator) applyTrade(r types.TradeRecord) {
	switch r.Direction {
	case types.TradeBuy:
		s.positions[r.Strategy] = s.positions[r.Strategy].Add(r.FilledValue)
		s.positions[CashID] = s.positions[CashID].Sub(r.FilledValue)
	case types.TradeSell:
		s.positions[r.Strategy] = s.positions[r.Strategy].Sub(r.FilledValue)
		s.positions[CashID] = s.positions[CashID].Add(r.FilledValue)
	}
	s.positions[CashID] = s.positions[CashID].Sub(r.TotalCost())
}

func (s *Simulator) marketSnapshot(ctx context.Context) marketdata.MarketSnapshot {
	if s.signals == nil {
		return marketdata.DefaultSnapshot()
	}
	snap, err := s.signals.Snapshot(ctx)
	if err != nil {
		s.logger.Warn("signal source failed, using default snapshot", zap.Error(err))
		return marketdata.DefaultSnapshot()
	}
	return snap
}

func (s *Simulator) capital() decimal.Decimal {
	total := decimal.Zero
	for _, v := range s.positions {
		total = total.Add(v)
	}
	return total
}

// strategyPositions returns the positions map without the cash leg.
func (s *Simulator) strategyPositions() map[types.StrategyID]decimal.Decimal {
	out := make(map[types.StrategyID]decimal.Decimal, len(s.positions))
	for id, v := range s.positions {
		if id != CashID {
			out[id] = v
		}
	}
	return out
}

// currentAllocations expresses positions as percentages of capital.
func (s *Simulator) currentAllocations() map[types.StrategyID]float64 {
	capital := s.capital()
	out := make(map[types.StrategyID]float64, len(s.positions))
	if capital.LessThanOrEqual(decimal.Zero) {
		return out
	}
	for id, v := range s.positions {
		pct, _ := v.Div(capital).Float64()
		out[id] = pct * 100
	}
	return out
}

func (s *Simulator) sortedStrategies() []types.StrategyID {
	out := make([]types.StrategyID, len(s.cfg.Strategies))
	copy(out, s.cfg.Strategies)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func clonePositions(in map[types.StrategyID]decimal.Decimal) map[types.StrategyID]decimal.Decimal {
	out := make(map[types.StrategyID]decimal.Decimal, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyAllocations(in map[types.StrategyID]float64) map[types.StrategyID]float64 {
	out := make(map[types.StrategyID]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func normalizeTo100(in map[types.StrategyID]float64) map[types.StrategyID]float64 {
	out := make(map[types.StrategyID]float64, len(in))
	var total float64
	for _, v := range in {
		if v > 0 {
			total += v
		}
	}
	if total <= 0 {
		return out
	}
	for id, v := range in {
		if v > 0 {
			out[id] = v * 100 / total
		}
	}
	return out
}

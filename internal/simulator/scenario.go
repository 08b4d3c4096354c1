package simulator

import (
	"context"
	"fmt"
	"time"

	"github.com/meridian-quant/backtest-engine/internal/marketdata"
	"github.com/meridian-quant/backtest-engine/internal/workers"
	"github.com/meridian-quant/backtest-engine/pkg/types"
	"go.uber.org/zap"
)

// Scenario overrides strategy returns inside a contiguous date window to
// probe how the risk layer responds.
type Scenario struct {
	Name     string
	Start    time.Time
	End      time.Time
	Override func(strategy types.StrategyID, base float64) float64
}

// Scenario presets.
const (
	ScenarioMarketCrash          = "market_crash"
	ScenarioVolatilitySpike      = "volatility_spike"
	ScenarioCorrelationBreakdown = "correlation_breakdown"
)

// NewScenario builds a preset scenario over the given window.
func NewScenario(name string, start, end time.Time) (Scenario, error) {
	sc := Scenario{Name: name, Start: start, End: end}
	switch name {
	case ScenarioMarketCrash:
		// Every strategy bleeds hard regardless of its own signal.
		sc.Override = func(_ types.StrategyID, base float64) float64 {
			return base - 0.06
		}
	case ScenarioVolatilitySpike:
		// Amplified swings around the base path.
		sc.Override = func(_ types.StrategyID, base float64) float64 {
			return base * 4
		}
	case ScenarioCorrelationBreakdown:
		// Diversification vanishes: all strategies share one losing path.
		sc.Override = func(_ types.StrategyID, _ float64) float64 {
			return -0.025
		}
	default:
		return Scenario{}, fmt.Errorf("unknown scenario %q", name)
	}
	return sc, nil
}

func (sc Scenario) inWindow(date time.Time) bool {
	return !date.Before(sc.Start) && !date.After(sc.End)
}

// scenarioProvider rewrites returns inside the scenario window and passes
// everything else through.
type scenarioProvider struct {
	inner marketdata.Provider
	sc    Scenario
}

func (p *scenarioProvider) Bar(ctx context.Context, strategy types.StrategyID, date time.Time) (types.StrategyBar, bool, error) {
	bar, found, err := p.inner.Bar(ctx, strategy, date)
	if err != nil || !p.sc.inWindow(date) {
		return bar, found, err
	}
	if !found {
		// The scenario injects stress even on otherwise-missing days.
		bar = types.StrategyBar{Date: date}
		found = true
	}
	bar.Return = p.sc.Override(strategy, bar.Return)
	return bar, found, nil
}

// StressRunner runs a baseline simulation and a scenario rerun of the same
// configuration, scoring the risk layer's response.
type StressRunner struct {
	Logger  *zap.Logger
	Config  types.SimulationConfig
	Data    marketdata.Provider
	Signals marketdata.SignalSource
	RiskCfg types.RiskFileConfig
	Alloc   AllocationStrategy
}

// Run executes baseline and scenario runs and compares them.
func (r *StressRunner) Run(ctx context.Context, sc Scenario) (*types.RiskResponseReport, error) {
	baseline, err := r.runOnce(ctx, r.Data)
	if err != nil {
		return nil, fmt.Errorf("baseline run: %w", err)
	}
	return r.score(ctx, sc, baseline)
}

// RunAll runs the baseline once and scores every scenario against it, with
// the scenario reruns executing in parallel. Reports come back in scenario
// order.
func (r *StressRunner) RunAll(ctx context.Context, scenarios []Scenario) ([]*types.RiskResponseReport, error) {
	baseline, err := r.runOnce(ctx, r.Data)
	if err != nil {
		return nil, fmt.Errorf("baseline run: %w", err)
	}

	reports := make([]*types.RiskResponseReport, len(scenarios))
	errs := make([]error, len(scenarios))

	pool := workers.New(r.Logger, workers.Config{
		Name:       "stress",
		NumWorkers: len(scenarios),
		QueueSize:  len(scenarios),
	})
	pool.Start(ctx)
	for i, sc := range scenarios {
		i, sc := i, sc
		pool.Submit(workers.TaskFunc(func(ctx context.Context) error {
			report, err := r.score(ctx, sc, baseline)
			if err != nil {
				errs[i] = fmt.Errorf("scenario %s: %w", sc.Name, err)
				return errs[i]
			}
			reports[i] = report
			return nil
		}))
	}
	pool.Close()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return reports, nil
}

// score reruns the configuration under the scenario and compares it with the
// precomputed baseline.
func (r *StressRunner) score(ctx context.Context, sc Scenario, baseline *runOutcome) (*types.RiskResponseReport, error) {
	stressed := &scenarioProvider{inner: r.Data, sc: sc}
	scenario, err := r.runOnce(ctx, stressed)
	if err != nil {
		return nil, fmt.Errorf("scenario run: %w", err)
	}

	report := &types.RiskResponseReport{
		Scenario:            sc.Name,
		AnomaliesDetected:   scenario.sim.anomaliesDetected,
		BreakersTriggered:   scenario.sim.riskCtl.BreakerTriggers(),
		EmergencyActions:    scenario.sim.emergencyActions,
		BaselineReturn:      baseline.result.Metrics.TotalReturn,
		ScenarioReturn:      scenario.result.Metrics.TotalReturn,
		PerformanceDelta:    scenario.result.Metrics.TotalReturn - baseline.result.Metrics.TotalReturn,
		ScenarioMaxDrawdown: scenario.result.Metrics.MaxDrawdown,
	}
	r.Logger.Info("stress scenario scored",
		zap.String("scenario", sc.Name),
		zap.Int("anomalies", report.AnomaliesDetected),
		zap.Int("breakers", report.BreakersTriggered),
		zap.Int("emergencyActions", report.EmergencyActions),
		zap.Float64("performanceDelta", report.PerformanceDelta),
	)
	return report, nil
}

type runOutcome struct {
	sim    *Simulator
	result *types.SimulationResult
}

func (r *StressRunner) runOnce(ctx context.Context, data marketdata.Provider) (*runOutcome, error) {
	sim, err := New(r.Logger, r.Config, data, r.Signals, r.RiskCfg, r.Alloc)
	if err != nil {
		return nil, err
	}
	result, err := sim.Run(ctx)
	if err != nil {
		return nil, err
	}
	return &runOutcome{sim: sim, result: result}, nil
}

package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/meridian-quant/backtest-engine/internal/marketdata"
	"github.com/meridian-quant/backtest-engine/internal/simulator"
	"github.com/meridian-quant/backtest-engine/pkg/types"
	"go.uber.org/zap"
)

// SimulatorRunner executes each job as a single-strategy simulation over a
// trailing window. Results flow to the sink; the scheduler only cares about
// success or failure.
type SimulatorRunner struct {
	Logger     *zap.Logger
	Base       types.SimulationConfig
	Data       marketdata.Provider
	Signals    marketdata.SignalSource
	RiskCfg    types.RiskFileConfig
	WindowDays int
	Sink       func(job types.BacktestJob, result *types.SimulationResult)
}

// Run builds and runs one simulator for the job.
func (r *SimulatorRunner) Run(ctx context.Context, job types.BacktestJob) error {
	cfg := r.Base
	cfg.RunID = job.ID
	cfg.Strategies = []types.StrategyID{job.Strategy}

	window := r.WindowDays
	if window <= 0 {
		window = 365
	}
	if cfg.EndDate.IsZero() {
		cfg.EndDate = time.Now().UTC().Truncate(24 * time.Hour)
	}
	if cfg.StartDate.IsZero() {
		cfg.StartDate = cfg.EndDate.AddDate(0, 0, -window)
	}

	sim, err := simulator.New(r.Logger, cfg, r.Data, r.Signals, r.RiskCfg, nil)
	if err != nil {
		return fmt.Errorf("building simulator for %s/%s: %w", job.Symbol, job.Strategy, err)
	}
	result, err := sim.Run(ctx)
	if err != nil {
		return fmt.Errorf("running %s/%s: %w", job.Symbol, job.Strategy, err)
	}
	if r.Sink != nil {
		r.Sink(job, result)
	}
	return nil
}

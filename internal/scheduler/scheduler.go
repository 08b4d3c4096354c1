// Package scheduler turns coverage plans and anomaly signals into a
// prioritized backtest job queue and dispatches runs under a concurrency
// limit.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meridian-quant/backtest-engine/internal/anomaly"
	"github.com/meridian-quant/backtest-engine/internal/coverage"
	"github.com/meridian-quant/backtest-engine/internal/marketdata"
	"github.com/meridian-quant/backtest-engine/pkg/types"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// State is the scheduler cycle phase.
type State string

const (
	StateIdle          State = "idle"
	StateBuildingQueue State = "building_queue"
	StateDispatching   State = "dispatching"
)

// JobRunner executes one backtest job. Implementations run a full
// PortfolioSimulator pass per job.
type JobRunner interface {
	Run(ctx context.Context, job types.BacktestJob) error
}

// Status is the scheduler view served by the status API.
type Status struct {
	State       State               `json:"state"`
	QueueDepth  int                 `json:"queueDepth"`
	ActiveRuns  int64               `json:"activeRuns"`
	FailedJobs  []types.FailedJob   `json:"failedJobs"`
	LastBuild   time.Time           `json:"lastBuild"`
	LastPlan    types.CoveragePlan  `json:"lastPlan"`
	LastAnomaly types.AnomalyStatus `json:"lastAnomaly"`
}

// Scheduler owns the job queue and the dispatch concurrency gate.
type Scheduler struct {
	logger    *zap.Logger
	cfg       types.SchedulerConfig
	coverage  *coverage.Allocator
	anomalies *anomaly.Detector
	signals   marketdata.SignalSource
	runner    JobRunner
	metrics   *Metrics

	queue *PriorityQueue
	sem   *semaphore.Weighted
	cron  *cron.Cron

	mu          sync.Mutex
	state       State
	failed      []types.FailedJob
	active      int64
	lastBuild   time.Time
	lastPlan    types.CoveragePlan
	lastAnomaly types.AnomalyStatus
	rng         *rand.Rand

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a scheduler. The jitter seed makes queue ordering reproducible
// across runs with identical inputs.
func New(
	logger *zap.Logger,
	cfg types.SchedulerConfig,
	cov *coverage.Allocator,
	det *anomaly.Detector,
	signals marketdata.SignalSource,
	runner JobRunner,
	metrics *Metrics,
) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Scheduler{
		logger:    logger,
		cfg:       cfg,
		coverage:  cov,
		anomalies: det,
		signals:   signals,
		runner:    runner,
		metrics:   metrics,
		queue:     NewPriorityQueue(),
		sem:       semaphore.NewWeighted(cfg.MaxConcurrent),
		cron:      cron.New(),
		state:     StateIdle,
		rng:       rand.New(rand.NewSource(cfg.JitterSeed)),
		stop:      make(chan struct{}),
	}
}

// Start builds the initial queue, schedules periodic rebuilds and launches
// the dispatch loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.BuildQueue(ctx); err != nil {
		return fmt.Errorf("initial queue build: %w", err)
	}

	if s.cfg.RebuildSchedule != "" {
		_, err := s.cron.AddFunc(s.cfg.RebuildSchedule, func() {
			if err := s.BuildQueue(context.Background()); err != nil {
				s.logger.Error("scheduled queue rebuild failed", zap.Error(err))
			}
		})
		if err != nil {
			return fmt.Errorf("registering rebuild schedule %q: %w", s.cfg.RebuildSchedule, err)
		}
		s.cron.Start()
	}

	s.wg.Add(1)
	go s.dispatchLoop(ctx)
	return nil
}

// Stop halts dispatch of new jobs and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.cron.Stop()
		close(s.stop)
	})
	s.wg.Wait()
}

// BuildQueue recomputes the coverage budget and anomaly status and replaces
// the queue contents with a freshly prioritized job list.
func (s *Scheduler) BuildQueue(ctx context.Context) error {
	s.setState(StateBuildingQueue)
	defer s.setState(StateDispatching)

	market := s.marketSnapshot(ctx)
	plan, err := s.coverage.ComputeOptimalTestCount(ctx, s.cfg.Strategies, market)
	if err != nil {
		return fmt.Errorf("coverage plan: %w", err)
	}
	status := s.anomalies.Detect(ctx)

	budget := plan.OptimalTestCount
	if s.cfg.DailyLimit > 0 && budget > s.cfg.DailyLimit {
		budget = s.cfg.DailyLimit
	}
	budget += status.AdditionalBudget(s.cfg.DailyLimit)

	weights := strategyWeights(s.cfg.Strategies, market, status)
	allocation := s.coverage.ApplyStatisticalCoverage(
		s.cfg.Strategies, weights, s.cfg.Tickers, tickerImportance(s.cfg.Tickers), budget,
	)

	dropped := s.queue.Clear()
	jobs := 0
	for strategy, byTicker := range allocation.ByTicker {
		for ticker, n := range byTicker {
			for i := 0; i < n; i++ {
				s.queue.Push(s.buildJob(strategy, ticker, weights[strategy], status))
				jobs++
			}
		}
	}

	s.mu.Lock()
	s.lastBuild = time.Now().UTC()
	s.lastPlan = plan
	s.lastAnomaly = status
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.QueueBuilds.Inc()
		s.metrics.QueueDepth.Set(float64(s.queue.Len()))
		s.metrics.OptimalTests.Set(float64(plan.OptimalTestCount))
		severity := 1.0
		if status.Detected {
			severity = status.Severity
		}
		s.metrics.AnomalySeverity.Set(severity)
	}

	s.logger.Info("queue built",
		zap.Int("jobs", jobs),
		zap.Int("dropped", dropped),
		zap.Int("budget", budget),
		zap.Bool("anomaly", status.Detected),
	)
	return nil
}

// buildJob assembles one job with its priority score: base score plus ticker
// importance plus the market-weighted strategy score plus an anomaly boost,
// with a small random jitter for tie-breaking.
func (s *Scheduler) buildJob(strategy types.StrategyID, ticker string, weight float64, status types.AnomalyStatus) *types.BacktestJob {
	const baseScore = 10.0

	priority := baseScore
	priority += tickerImportance(s.cfg.Tickers)[ticker]
	priority += weight
	if status.Detected && strategy.Family() == types.FamilyVolatility {
		priority += (status.Severity - 1.0) * 5
	}

	s.mu.Lock()
	priority += s.rng.Float64() * 0.01
	params := generateParameters(s.rng, strategy)
	s.mu.Unlock()

	return &types.BacktestJob{
		ID:         uuid.New().String(),
		Symbol:     ticker,
		Strategy:   strategy,
		Parameters: params,
		Priority:   priority,
	}
}

// dispatchLoop pulls jobs while capacity is available, polling for more when
// the queue drains.
func (s *Scheduler) dispatchLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, ok := s.queue.Pop()
		if !ok {
			s.setState(StateIdle)
			select {
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			continue
		}
		s.setState(StateDispatching)

		if err := s.sem.Acquire(ctx, 1); err != nil {
			// Context gone; requeue so a restart can pick the job up.
			s.queue.Push(job)
			return
		}

		s.wg.Add(1)
		s.trackActive(1)
		if s.metrics != nil {
			s.metrics.JobsDispatched.Inc()
			s.metrics.QueueDepth.Set(float64(s.queue.Len()))
		}

		go func(job *types.BacktestJob) {
			defer s.wg.Done()
			defer s.sem.Release(1)
			defer s.trackActive(-1)
			s.runJob(ctx, job)
		}(job)
	}
}

func (s *Scheduler) runJob(ctx context.Context, job *types.BacktestJob) {
	err := s.runner.Run(ctx, *job)
	if err == nil {
		if s.metrics != nil {
			s.metrics.JobsSucceeded.Inc()
		}
		return
	}

	s.mu.Lock()
	s.failed = append(s.failed, types.FailedJob{
		Symbol:   job.Symbol,
		Strategy: job.Strategy,
		Error:    err.Error(),
		FailedAt: time.Now().UTC(),
	})
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.JobsFailed.Inc()
	}
	s.logger.Error("backtest job failed",
		zap.String("jobId", job.ID),
		zap.String("symbol", job.Symbol),
		zap.String("strategy", job.Strategy.String()),
		zap.Error(err),
	)
}

// Status returns a point-in-time view for the status API.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	failed := make([]types.FailedJob, len(s.failed))
	copy(failed, s.failed)
	return Status{
		State:       s.state,
		QueueDepth:  s.queue.Len(),
		ActiveRuns:  s.active,
		FailedJobs:  failed,
		LastBuild:   s.lastBuild,
		LastPlan:    s.lastPlan,
		LastAnomaly: s.lastAnomaly,
	}
}

// FailedJobs returns the failed-jobs set for this scheduler lifetime.
func (s *Scheduler) FailedJobs() []types.FailedJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.FailedJob, len(s.failed))
	copy(out, s.failed)
	return out
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Scheduler) trackActive(delta int64) {
	s.mu.Lock()
	s.active += delta
	active := s.active
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ActiveRuns.Set(float64(active))
	}
}

func (s *Scheduler) marketSnapshot(ctx context.Context) marketdata.MarketSnapshot {
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

// strategyWeights scores strategies for the current market: each regime
// favors the families that historically work in it, and anomalies boost
// volatility strategies.
func strategyWeights(strategies []types.StrategyID, market marketdata.MarketSnapshot, status types.AnomalyStatus) map[types.StrategyID]float64 {
	out := make(map[types.StrategyID]float64, len(strategies))
	for _, id := range strategies {
		w := 1.0
		switch id.Family() {
		case types.FamilyMomentum:
			if market.Regime == types.RegimeBullish {
				w = 1.5
			} else if market.Regime == types.RegimeBearish {
				w = 0.7
			}
		case types.FamilyVolatility:
			if market.Regime == types.RegimeVolatile {
				w = 1.8
			}
			if status.Detected {
				w *= status.Severity
			}
		case types.FamilyOptions:
			if market.Volatility > 0.4 {
				w = 1.4
			}
		default:
			if market.Regime == types.RegimeSideways {
				w = 1.3
			}
		}
		out[id] = w
	}
	return out
}

// tickerImportance weights broad index tickers ahead of the rest.
func tickerImportance(tickers []string) map[string]float64 {
	known := map[string]float64{
		"SPY": 3.0,
		"QQQ": 2.5,
		"IWM": 2.0,
		"TLT": 1.5,
		"GLD": 1.5,
	}
	out := make(map[string]float64, len(tickers))
	for _, t := range tickers {
		if w, ok := known[t]; ok {
			out[t] = w
		} else {
			out[t] = 1.0
		}
	}
	return out
}

// generateParameters draws a plausible parameter set for the strategy
// family. Caller holds the scheduler lock for rng access.
func generateParameters(rng *rand.Rand, strategy types.StrategyID) map[string]float64 {
	params := map[string]float64{
		"lookback_days": float64(10 + rng.Intn(110)),
		"entry_z":       round2(0.5 + rng.Float64()*2),
		"exit_z":        round2(0.1 + rng.Float64()),
		"stop_loss_pct": round2(0.02 + rng.Float64()*0.08),
		"position_pct":  round2(0.05 + rng.Float64()*0.2),
	}
	switch strategy.Family() {
	case types.FamilyVolatility:
		params["vol_window"] = float64(5 + rng.Intn(25))
		params["vol_target"] = round2(0.1 + rng.Float64()*0.3)
	case types.FamilyOptions:
		params["delta_target"] = round2(0.1 + rng.Float64()*0.4)
		params["dte_days"] = float64(7 + rng.Intn(38))
		params["roll_threshold"] = round2(0.1 + rng.Float64()*0.4)
	}
	return params
}

func round2(v float64) float64 {
	return float64(int(v*100)) / 100
}

package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meridian-quant/backtest-engine/internal/anomaly"
	"github.com/meridian-quant/backtest-engine/internal/coverage"
	"github.com/meridian-quant/backtest-engine/internal/marketdata"
	"github.com/meridian-quant/backtest-engine/pkg/cache"
	"github.com/meridian-quant/backtest-engine/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func TestPriorityQueueOrdering(t *testing.T) {
	q := NewPriorityQueue()
	q.Push(&types.BacktestJob{ID: "low", Priority: 1})
	q.Push(&types.BacktestJob{ID: "high", Priority: 10})
	q.Push(&types.BacktestJob{ID: "mid", Priority: 5})

	want := []string{"high", "mid", "low"}
	for _, id := range want {
		job, ok := q.Pop()
		if !ok || job.ID != id {
			t.Fatalf("popped %v, want %s", job, id)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("pop on empty queue succeeded")
	}
}

// countingRunner tracks concurrency and optionally fails chosen symbols.
type countingRunner struct {
	mu          sync.Mutex
	active      int64
	peakActive  int64
	completed   int64
	failSymbols map[string]bool
}

func (r *countingRunner) Run(_ context.Context, job types.BacktestJob) error {
	cur := atomic.AddInt64(&r.active, 1)
	defer atomic.AddInt64(&r.active, -1)

	r.mu.Lock()
	if cur > r.peakActive {
		r.peakActive = cur
	}
	r.mu.Unlock()

	time.Sleep(10 * time.Millisecond)
	atomic.AddInt64(&r.completed, 1)

	if r.failSymbols[job.Symbol] {
		return errors.New("simulated failure")
	}
	return nil
}

func newTestScheduler(t *testing.T, cfg types.SchedulerConfig, runner JobRunner) *Scheduler {
	t.Helper()
	store := cache.NewStore(time.Minute, time.Minute)
	cov := coverage.NewAllocator(zap.NewNop(), types.DefaultCoverageConfig(), nil, store)
	det := anomaly.NewDetector(zap.NewNop(), types.DefaultAnomalyConfig(), marketdata.FixedSignalSource{Value: marketdata.DefaultSnapshot()}, store)
	metrics := NewMetrics(prometheus.NewRegistry())
	return New(zap.NewNop(), cfg, cov, det, marketdata.FixedSignalSource{Value: marketdata.DefaultSnapshot()}, runner, metrics)
}

func testSchedulerConfig() types.SchedulerConfig {
	cfg := types.DefaultSchedulerConfig()
	cfg.Tickers = []string{"SPY", "QQQ"}
	cfg.Strategies = []types.StrategyID{"momentum", "volatility_breakout"}
	cfg.DailyLimit = 12
	cfg.MaxConcurrent = 3
	cfg.PollInterval = 5 * time.Millisecond
	cfg.RebuildSchedule = "" // no cron in tests
	return cfg
}

func TestBuildQueueFillsBudget(t *testing.T) {
	s := newTestScheduler(t, testSchedulerConfig(), &countingRunner{})
	if err := s.BuildQueue(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Budget is min(coverage count, daily limit) with no anomaly extras.
	if got := s.queue.Len(); got != 12 {
		t.Fatalf("queue depth = %d, want 12", got)
	}

	// Priorities come out descending.
	prev, _ := s.queue.Pop()
	for {
		job, ok := s.queue.Pop()
		if !ok {
			break
		}
		if job.Priority > prev.Priority {
			t.Fatalf("priority order violated: %f after %f", job.Priority, prev.Priority)
		}
		prev = job
	}
}

func TestDispatchRespectsConcurrencyLimit(t *testing.T) {
	runner := &countingRunner{}
	s := newTestScheduler(t, testSchedulerConfig(), runner)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for atomic.LoadInt64(&runner.completed) < 12 {
		select {
		case <-deadline:
			t.Fatalf("only %d jobs completed", atomic.LoadInt64(&runner.completed))
		case <-time.After(10 * time.Millisecond):
		}
	}
	s.Stop()

	runner.mu.Lock()
	peak := runner.peakActive
	runner.mu.Unlock()
	if peak > 3 {
		t.Fatalf("peak concurrency %d exceeds limit 3", peak)
	}
}

func TestFailedJobsRecordedWithoutBlockingDispatch(t *testing.T) {
	runner := &countingRunner{failSymbols: map[string]bool{"QQQ": true}}
	s := newTestScheduler(t, testSchedulerConfig(), runner)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(5 * time.Second)
	for atomic.LoadInt64(&runner.completed) < 12 {
		select {
		case <-deadline:
			t.Fatalf("only %d jobs completed", atomic.LoadInt64(&runner.completed))
		case <-time.After(10 * time.Millisecond):
		}
	}
	s.Stop()

	failed := s.FailedJobs()
	if len(failed) == 0 {
		t.Fatal("no failed jobs recorded")
	}
	for _, f := range failed {
		if f.Symbol != "QQQ" {
			t.Errorf("unexpected failed symbol %s", f.Symbol)
		}
		if f.Error == "" || f.FailedAt.IsZero() {
			t.Errorf("failed job missing detail: %+v", f)
		}
	}
}

func TestStopLetsInFlightJobsFinish(t *testing.T) {
	runner := &countingRunner{}
	s := newTestScheduler(t, testSchedulerConfig(), runner)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Give dispatch a moment to start some jobs, then stop.
	time.Sleep(30 * time.Millisecond)
	s.Stop()

	if atomic.LoadInt64(&runner.active) != 0 {
		t.Fatal("jobs still active after Stop returned")
	}
}

func TestStatusReportsQueueAndState(t *testing.T) {
	s := newTestScheduler(t, testSchedulerConfig(), &countingRunner{})
	if err := s.BuildQueue(context.Background()); err != nil {
		t.Fatal(err)
	}

	status := s.Status()
	if status.State != StateDispatching {
		t.Errorf("state = %s, want dispatching", status.State)
	}
	if status.QueueDepth != 12 {
		t.Errorf("queue depth = %d, want 12", status.QueueDepth)
	}
	if status.LastBuild.IsZero() {
		t.Error("last build time not set")
	}
	if status.LastPlan.OptimalTestCount == 0 {
		t.Error("coverage plan not recorded")
	}
}

func TestAnomalyExpandsBudget(t *testing.T) {
	cfg := testSchedulerConfig()
	store := cache.NewStore(time.Minute, time.Minute)
	cov := coverage.NewAllocator(zap.NewNop(), types.DefaultCoverageConfig(), nil, store)

	// A volatility spike well above the 5-day average.
	hot := marketdata.MarketSnapshot{
		Volatility:  0.45,
		Vol5DayAvg:  0.20,
		Vol20DayAvg: 0.18,
	}
	det := anomaly.NewDetector(zap.NewNop(), types.DefaultAnomalyConfig(), marketdata.FixedSignalSource{Value: hot}, store)
	s := New(zap.NewNop(), cfg, cov, det, marketdata.FixedSignalSource{Value: hot}, &countingRunner{}, NewMetrics(prometheus.NewRegistry()))

	if err := s.BuildQueue(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Anomaly severity above 1.0 adds budget on top of the daily limit.
	if got := s.queue.Len(); got <= 12 {
		t.Fatalf("queue depth = %d, want anomaly-expanded budget above 12", got)
	}
}

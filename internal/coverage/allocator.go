// Package coverage sizes the backtest budget: how many parameter combinations
// to test given the strategy catalog, market complexity and host resources,
// and how to distribute that budget across strategies and tickers.
package coverage

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/meridian-quant/backtest-engine/internal/marketdata"
	"github.com/meridian-quant/backtest-engine/pkg/cache"
	"github.com/meridian-quant/backtest-engine/pkg/types"
	"go.uber.org/zap"
)

// Parameter counts per strategy family. Options strategies carry the largest
// tunable surface.
var familyParamCount = map[types.StrategyFamily]int{
	types.FamilyMomentum:   5,
	types.FamilyVolatility: 7,
	types.FamilyOptions:    8,
	types.FamilyDefault:    5,
}

const (
	minCoverageRatio = 0.01
	maxCoverageRatio = 0.2
	minTestFloor     = 20
	maxTestCeiling   = 500
	planCacheKey     = "coverage_plan"
)

// ResourceMetrics is a point-in-time host load sample.
type ResourceMetrics struct {
	CPUPercent float64
	MemPercent float64
}

// ResourceSampler supplies host load. Production uses the gopsutil-backed
// sampler; tests inject fixed values.
type ResourceSampler interface {
	Sample(ctx context.Context) (ResourceMetrics, error)
}

// Allocator computes and caches coverage plans.
type Allocator struct {
	logger    *zap.Logger
	cfg       types.CoverageConfig
	resources ResourceSampler
	plan      *cache.Cached[types.CoveragePlan]
}

// NewAllocator builds an allocator with a plan cache at the configured TTL.
func NewAllocator(logger *zap.Logger, cfg types.CoverageConfig, resources ResourceSampler, store *cache.Store) *Allocator {
	return &Allocator{
		logger:    logger,
		cfg:       cfg,
		resources: resources,
		plan:      cache.NewCached[types.CoveragePlan](store, planCacheKey, cfg.CacheTTL),
	}
}

// ParameterSpaceSize estimates the combinatorial parameter space of the
// catalog: valuesPerParameter raised to each strategy's parameter count,
// summed.
func (a *Allocator) ParameterSpaceSize(strategies []types.StrategyID) int {
	total := 0
	for _, id := range strategies {
		count := familyParamCount[id.Family()]
		total += int(math.Pow(float64(a.cfg.ValuesPerParameter), float64(count)))
	}
	return total
}

// ComputeOptimalTestCount sizes the test budget for the current market. The
// result is cached; callers on the scheduling tick read the cached plan.
func (a *Allocator) ComputeOptimalTestCount(
	ctx context.Context,
	strategies []types.StrategyID,
	market marketdata.MarketSnapshot,
) (types.CoveragePlan, error) {
	return a.plan.RefreshIfStale(func() (types.CoveragePlan, error) {
		return a.computePlan(ctx, strategies, market), nil
	})
}

func (a *Allocator) computePlan(ctx context.Context, strategies []types.StrategyID, market marketdata.MarketSnapshot) types.CoveragePlan {
	space := a.ParameterSpaceSize(strategies)
	ratio := baseCoverageRatio(space)
	ratio *= marketComplexity(market)
	ratio *= a.resourceScale(ctx)

	count := int(float64(space) * ratio)
	if count < minTestFloor {
		count = minTestFloor
	}
	if count > maxTestCeiling {
		count = maxTestCeiling
	}
	if a.cfg.MinTests > 0 && count < a.cfg.MinTests {
		count = a.cfg.MinTests
	}
	if a.cfg.MaxTests > 0 && count > a.cfg.MaxTests {
		count = a.cfg.MaxTests
	}

	plan := types.CoveragePlan{
		ParameterSpaceSize: space,
		CoverageRatio:      ratio,
		OptimalTestCount:   count,
		ComputedAt:         time.Now().UTC(),
	}
	a.logger.Info("coverage plan computed",
		zap.Int("parameterSpace", space),
		zap.Float64("coverageRatio", ratio),
		zap.Int("optimalTests", count),
	)
	return plan
}

// baseCoverageRatio scales logarithmically so test count grows sub-linearly
// with the parameter space.
func baseCoverageRatio(spaceSize int) float64 {
	if spaceSize < 1 {
		spaceSize = 1
	}
	ratio := 0.1 * math.Log10(float64(spaceSize)) / 10
	if ratio < minCoverageRatio {
		return minCoverageRatio
	}
	if ratio > maxCoverageRatio {
		return maxCoverageRatio
	}
	return ratio
}

// marketComplexity maps the market snapshot onto [0.1, 1.0]: more volatile,
// more correlated, more macro-heavy markets need denser coverage.
func marketComplexity(m marketdata.MarketSnapshot) float64 {
	vol := clamp01(m.Volatility / 0.8)
	corr := clamp01(m.CorrelationScore)
	macro := clamp01(m.MacroEventScore)

	score := 0.5*vol + 0.3*corr + 0.2*macro
	if score < 0.1 {
		return 0.1
	}
	if score > 1.0 {
		return 1.0
	}
	return score
}

// resourceScale shrinks the budget when the host is under pressure. Sampler
// failures fall back to full scale.
func (a *Allocator) resourceScale(ctx context.Context) float64 {
	if a.resources == nil {
		return 1.0
	}
	m, err := a.resources.Sample(ctx)
	if err != nil {
		a.logger.Warn("resource sampling failed, assuming full capacity", zap.Error(err))
		return 1.0
	}

	scale := 1.0
	if a.cfg.CPUPressurePct > 0 && m.CPUPercent > a.cfg.CPUPressurePct {
		scale = math.Min(scale, 1-(m.CPUPercent-a.cfg.CPUPressurePct)/(100-a.cfg.CPUPressurePct))
	}
	if a.cfg.MemPressurePct > 0 && m.MemPercent > a.cfg.MemPressurePct {
		scale = math.Min(scale, 1-(m.MemPercent-a.cfg.MemPressurePct)/(100-a.cfg.MemPressurePct))
	}
	if scale < 0.25 {
		scale = 0.25
	}
	return scale
}

// ApplyStatisticalCoverage splits totalLimit across strategies proportional
// to the given weights and then across tickers by importance. Every strategy
// and every ticker gets at least one test; integer-rounding remainders go
// round-robin to the highest-weighted entries.
func (a *Allocator) ApplyStatisticalCoverage(
	strategies []types.StrategyID,
	weights map[types.StrategyID]float64,
	tickers []string,
	tickerImportance map[string]float64,
	totalLimit int,
) types.AllocationPlan {
	plan := types.AllocationPlan{
		Total:      totalLimit,
		ByStrategy: make(map[types.StrategyID]int, len(strategies)),
		ByTicker:   make(map[types.StrategyID]map[string]int, len(strategies)),
	}
	if totalLimit <= 0 || len(strategies) == 0 {
		return plan
	}

	keys := make([]string, 0, len(strategies))
	w := make(map[string]float64, len(strategies))
	for _, id := range strategies {
		keys = append(keys, string(id))
		weight := weights[id]
		if weight <= 0 {
			weight = 1
		}
		w[string(id)] = weight
	}
	for id, n := range distribute(totalLimit, keys, w) {
		plan.ByStrategy[types.StrategyID(id)] = n
	}

	if len(tickers) > 0 {
		tw := make(map[string]float64, len(tickers))
		for _, t := range tickers {
			imp := tickerImportance[t]
			if imp <= 0 {
				imp = 1
			}
			tw[t] = imp
		}
		for id, budget := range plan.ByStrategy {
			plan.ByTicker[id] = distribute(budget, tickers, tw)
		}
	}
	return plan
}

// distribute splits budget across keys proportional to weights, guaranteeing
// one per key when the budget allows and assigning the rounding remainder
// round-robin from the heaviest key down.
func distribute(budget int, keys []string, weights map[string]float64) map[string]int {
	out := make(map[string]int, len(keys))
	if budget <= 0 || len(keys) == 0 {
		return out
	}

	ordered := make([]string, len(keys))
	copy(ordered, keys)
	sort.Slice(ordered, func(i, j int) bool {
		if weights[ordered[i]] != weights[ordered[j]] {
			return weights[ordered[i]] > weights[ordered[j]]
		}
		return ordered[i] < ordered[j]
	})

	// Fewer tests than keys: the heaviest keys get the singles.
	if budget < len(ordered) {
		for _, k := range ordered[:budget] {
			out[k] = 1
		}
		return out
	}

	var totalWeight float64
	for _, k := range ordered {
		totalWeight += weights[k]
	}

	assigned := 0
	for _, k := range ordered {
		n := int(float64(budget) * weights[k] / totalWeight)
		if n < 1 {
			n = 1
		}
		out[k] = n
		assigned += n
	}

	// Rounding drift: trim from the lightest keys or top up the heaviest.
	for assigned > budget {
		trimmed := false
		for i := len(ordered) - 1; i >= 0 && assigned > budget; i-- {
			if k := ordered[i]; out[k] > 1 {
				out[k]--
				assigned--
				trimmed = true
			}
		}
		if !trimmed {
			break
		}
	}
	for i := 0; assigned < budget; i = (i + 1) % len(ordered) {
		out[ordered[i]]++
		assigned++
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

package marketdata

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/meridian-quant/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// MockProvider generates deterministic synthetic bars. The series for a given
// (seed, strategy) pair is stable across calls and processes, which keeps
// fixed-seed simulation runs reproducible.
type MockProvider struct {
	seed int64

	mu     sync.Mutex
	series map[types.StrategyID]map[int64]types.StrategyBar
}

// NewMockProvider creates a generator with the given seed.
func NewMockProvider(seed int64) *MockProvider {
	return &MockProvider{
		seed:   seed,
		series: make(map[types.StrategyID]map[int64]types.StrategyBar),
	}
}

// Bar returns the synthetic bar for a business day. Weekends report not
// found, matching real calendars.
func (m *MockProvider) Bar(_ context.Context, strategy types.StrategyID, date time.Time) (types.StrategyBar, bool, error) {
	if wd := date.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return types.StrategyBar{}, false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	days, ok := m.series[strategy]
	if !ok {
		days = m.generate(strategy)
		m.series[strategy] = days
	}

	bar, ok := days[dayKey(date)]
	return bar, ok, nil
}

// generate builds two years of business-day bars ending two years after the
// epoch anchor. Returns are a mild mean-reverting random walk; OHLC and
// volume derive from the same stream.
func (m *MockProvider) generate(strategy types.StrategyID) map[int64]types.StrategyBar {
	rng := rand.New(rand.NewSource(m.seed ^ int64(hashID(strategy))))

	out := make(map[int64]types.StrategyBar)
	price := 100.0 + rng.Float64()*100
	vol := 0.012 + rng.Float64()*0.01
	baseVolume := 800_000 + rng.Float64()*400_000

	// Fixed anchor keeps series independent of wall-clock time.
	date := time.Date(2022, 1, 3, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 730; i++ {
		if wd := date.Weekday(); wd != time.Saturday && wd != time.Sunday {
			ret := rng.NormFloat64() * vol
			open := price
			price *= 1 + ret
			high := math.Max(open, price) * (1 + math.Abs(rng.NormFloat64())*vol*0.5)
			low := math.Min(open, price) * (1 - math.Abs(rng.NormFloat64())*vol*0.5)
			volume := baseVolume * (0.6 + rng.Float64()*0.8)

			out[dayKey(date)] = types.StrategyBar{
				Date:   date,
				Return: ret,
				Context: types.PriceContext{
					Open:          decimal.NewFromFloat(open).Round(4),
					High:          decimal.NewFromFloat(high).Round(4),
					Low:           decimal.NewFromFloat(low).Round(4),
					Close:         decimal.NewFromFloat(price).Round(4),
					Volume:        decimal.NewFromFloat(volume).Round(0),
					AverageVolume: decimal.NewFromFloat(baseVolume).Round(0),
					Volatility:    vol * math.Sqrt(252),
				},
			}

			// Slow volatility drift keeps regimes non-trivial.
			vol = math.Max(0.004, vol+rng.NormFloat64()*0.0005)
		}
		date = date.AddDate(0, 0, 1)
	}
	return out
}

// FixedSignalSource returns a constant snapshot; used in tests and offline
// scheduling.
type FixedSignalSource struct {
	Value MarketSnapshot
}

// Snapshot returns the fixed value.
func (f FixedSignalSource) Snapshot(context.Context) (MarketSnapshot, error) {
	return f.Value, nil
}

func dayKey(t time.Time) int64 {
	y, mo, d := t.Date()
	return int64(y)*10000 + int64(mo)*100 + int64(d)
}

func hashID(s types.StrategyID) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

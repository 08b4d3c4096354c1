// Package regime classifies the broad market state from rolling return and
// volume windows and serves it as the engine's market snapshot source.
package regime

import (
	"context"
	"math"
	"sync"

	"github.com/meridian-quant/backtest-engine/internal/marketdata"
	"github.com/meridian-quant/backtest-engine/pkg/types"
	"go.uber.org/zap"
)

// Config tunes the classification windows and thresholds.
type Config struct {
	WindowSize     int     // observations retained
	ShortVolWindow int     // days in the short volatility average
	LongVolWindow  int     // days in the long volatility average
	TrendWindow    int     // days in the trend estimate
	VolThreshold   float64 // annualized vol above this is a volatile regime
	TrendThreshold float64 // cumulative return beyond this is directional
}

// DefaultConfig returns the daily-bar defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:     120,
		ShortVolWindow: 5,
		LongVolWindow:  20,
		TrendWindow:    50,
		VolThreshold:   0.30,
		TrendThreshold: 0.03,
	}
}

// Source turns observed market returns into the MarketSnapshot consumed by
// the risk controller, coverage allocator and anomaly detector. Until enough
// observations arrive it reports the calm default snapshot.
type Source struct {
	logger *zap.Logger
	cfg    Config

	mu      sync.RWMutex
	returns []float64
	volumes []float64
	macro   float64 // externally supplied macro/news pressure, 0..1
	corr    float64 // externally supplied cross-asset correlation, 0..1
	last    types.MarketRegime
}

// NewSource creates a market-state source.
func NewSource(logger *zap.Logger, cfg Config) *Source {
	if cfg.WindowSize <= 0 {
		cfg = DefaultConfig()
	}
	return &Source{
		logger: logger,
		cfg:    cfg,
		corr:   marketdata.DefaultSnapshot().CorrelationScore,
		last:   types.RegimeNeutral,
	}
}

// Observe records one day's aggregate market return and relative volume.
func (s *Source) Observe(dailyReturn, volumeRatio float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.returns = trim(append(s.returns, dailyReturn), s.cfg.WindowSize)
	s.volumes = trim(append(s.volumes, volumeRatio), s.cfg.WindowSize)
}

// SetMacroPressure updates the scheduled-event score fed in from a calendar
// feed.
func (s *Source) SetMacroPressure(score float64) {
	s.mu.Lock()
	s.macro = clamp01(score)
	s.mu.Unlock()
}

// SetCorrelation updates the cross-asset correlation score.
func (s *Source) SetCorrelation(score float64) {
	s.mu.Lock()
	s.corr = clamp01(score)
	s.mu.Unlock()
}

// Snapshot implements marketdata.SignalSource.
func (s *Source) Snapshot(context.Context) (marketdata.MarketSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.returns) < s.cfg.ShortVolWindow {
		return marketdata.DefaultSnapshot(), nil
	}

	current := annualizedVol(tail(s.returns, s.cfg.ShortVolWindow))
	short := current
	long := annualizedVol(tail(s.returns, s.cfg.LongVolWindow))
	if long == 0 {
		long = short
	}

	regime := s.classify(current)
	if regime != s.last {
		s.logger.Info("market regime changed",
			zap.String("from", string(s.last)),
			zap.String("to", string(regime)),
			zap.Float64("volatility", current),
		)
		s.last = regime
	}

	snap := marketdata.MarketSnapshot{
		Volatility:       current,
		Vol5DayAvg:       short,
		Vol20DayAvg:      long,
		Regime:           regime,
		CorrelationScore: s.corr,
		VolumeRatio:      mean(tail(s.volumes, s.cfg.ShortVolWindow)),
		MacroEventScore:  s.macro,
	}
	return snap, nil
}

// classify picks the regime from volatility and trend. Volatility wins over
// direction: a violent rally is still a volatile market. Caller holds the
// lock.
func (s *Source) classify(vol float64) types.MarketRegime {
	if vol > s.cfg.VolThreshold {
		return types.RegimeVolatile
	}

	trend := sum(tail(s.returns, s.cfg.TrendWindow))
	switch {
	case trend > s.cfg.TrendThreshold:
		return types.RegimeBullish
	case trend < -s.cfg.TrendThreshold:
		return types.RegimeBearish
	case len(s.returns) >= s.cfg.TrendWindow:
		return types.RegimeSideways
	default:
		return types.RegimeNeutral
	}
}

// annualizedVol converts a daily return window to annualized volatility.
func annualizedVol(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	var meanRet float64
	for _, r := range returns {
		meanRet += r
	}
	meanRet /= float64(len(returns))

	var sumSq float64
	for _, r := range returns {
		d := r - meanRet
		sumSq += d * d
	}
	daily := math.Sqrt(sumSq / float64(len(returns)-1))
	return daily * math.Sqrt(252)
}

func tail(values []float64, n int) []float64 {
	if n <= 0 || len(values) <= n {
		return values
	}
	return values[len(values)-n:]
}

func trim(values []float64, maxLen int) []float64 {
	if maxLen > 0 && len(values) > maxLen {
		return values[len(values)-maxLen:]
	}
	return values
}

func sum(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 1.0
	}
	return sum(values) / float64(len(values))
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

// Package anomaly detects unusual market conditions that warrant extra
// backtest coverage: volatility spikes, regime shifts, correlation
// breakdowns, liquidity events and macro shocks.
package anomaly

import (
	"context"
	"math"
	"time"

	"github.com/meridian-quant/backtest-engine/internal/marketdata"
	"github.com/meridian-quant/backtest-engine/pkg/cache"
	"github.com/meridian-quant/backtest-engine/pkg/types"
	"go.uber.org/zap"
)

const statusCacheKey = "anomaly_status"

// Detector evaluates the market snapshot against the configured thresholds.
// Active results are cached so a noisy signal cannot thrash the schedule.
type Detector struct {
	logger  *zap.Logger
	cfg     types.AnomalyConfig
	signals marketdata.SignalSource
	status  *cache.Cached[types.AnomalyStatus]
}

// NewDetector builds a detector with a status cache at the configured TTL.
func NewDetector(logger *zap.Logger, cfg types.AnomalyConfig, signals marketdata.SignalSource, store *cache.Store) *Detector {
	return &Detector{
		logger:  logger,
		cfg:     cfg,
		signals: signals,
		status:  cache.NewCached[types.AnomalyStatus](store, statusCacheKey, cfg.CacheTTL),
	}
}

// Detect returns the current anomaly status. A cached active status is
// returned as-is until it expires; quiet statuses are always recomputed so
// a fresh anomaly surfaces immediately.
func (d *Detector) Detect(ctx context.Context) types.AnomalyStatus {
	if cached, ok := d.status.Get(); ok && cached.Detected {
		return cached
	}

	snap := d.snapshot(ctx)
	status := d.evaluate(snap)
	if status.Detected {
		d.status.Set(status)
		d.logger.Warn("market anomaly detected",
			zap.Float64("severity", status.Severity),
			zap.Strings("types", status.Types),
		)
	}
	return status
}

// evaluate runs every check independently; overall severity is the maximum
// contribution, capped.
func (d *Detector) evaluate(snap marketdata.MarketSnapshot) types.AnomalyStatus {
	var kinds []string
	severity := 0.0
	note := func(kind string, s float64) {
		kinds = append(kinds, kind)
		severity = math.Max(severity, s)
	}

	// Volatility spike over the 5-day average, above an absolute floor.
	if snap.Vol5DayAvg > 0 &&
		snap.Volatility > d.cfg.SpikeRatio*snap.Vol5DayAvg &&
		snap.Volatility > d.cfg.SpikeFloor {
		note("volatility_spike", 1.0+math.Min(0.8, snap.Volatility/snap.Vol5DayAvg-d.cfg.SpikeRatio))
	}

	// Volatility regime shift: the short window pulling away from the long.
	if snap.Vol20DayAvg > 0 && snap.Vol5DayAvg > d.cfg.RegimeRatio*snap.Vol20DayAvg {
		note("regime_shift", 1.0+math.Min(0.6, snap.Vol5DayAvg/snap.Vol20DayAvg-d.cfg.RegimeRatio))
	}

	// Correlation breakdown across asset classes.
	if snap.CorrelationScore > 0.8 {
		note("correlation_breakdown", 1.0+(snap.CorrelationScore-0.8))
	}

	// Liquidity event: unusual volume either direction.
	if snap.VolumeRatio > d.cfg.VolumeRatio || (snap.VolumeRatio > 0 && snap.VolumeRatio < 1/d.cfg.VolumeRatio) {
		note("liquidity_event", 1.3)
	}

	// Significant scheduled macro/news events.
	if snap.MacroEventScore > 0.7 {
		note("macro_event", 1.0+math.Min(0.5, snap.MacroEventScore-0.7))
	}

	if len(kinds) == 0 {
		return types.AnomalyStatus{}
	}
	if severity > d.cfg.MaxSeverity {
		severity = d.cfg.MaxSeverity
	}
	return types.AnomalyStatus{
		Detected:   true,
		Severity:   severity,
		Types:      kinds,
		DetectedAt: time.Now().UTC(),
	}
}

func (d *Detector) snapshot(ctx context.Context) marketdata.MarketSnapshot {
	if d.signals == nil {
		return marketdata.DefaultSnapshot()
	}
	snap, err := d.signals.Snapshot(ctx)
	if err != nil {
		d.logger.Warn("signal source failed, using default snapshot", zap.Error(err))
		return marketdata.DefaultSnapshot()
	}
	return snap
}

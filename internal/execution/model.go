// Package execution provides realistic trade execution modeling: fill
// prices by order type, slippage, liquidity-capped fill ratios and
// square-root-law market impact.
package execution

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meridian-quant/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Liquidity and fallback constants. A single day's fill cannot exceed 5% of
// average daily traded value; absent volume/volatility data falls back to
// these rather than failing.
const (
	liquidityParticipationCap = 0.05
	defaultNominalVolume      = 1_000_000
	defaultVolatility         = 0.20
	referenceVolatility       = 0.15
	slippageScaleCap          = 3.0
	extremeWeight             = 0.60
)

// Model computes fills, slippage and market impact for simulated trades.
type Model struct {
	logger   *zap.Logger
	settings types.OrderSettings
	costPct  float64 // commission as a fraction of filled value

	mu              sync.Mutex
	fillCount       int64
	totalCommission decimal.Decimal
	totalImpact     decimal.Decimal
}

// NewModel creates an execution model.
func NewModel(logger *zap.Logger, settings types.OrderSettings, tradingCostPct float64) *Model {
	return &Model{
		logger:   logger,
		settings: settings,
		costPct:  tradingCostPct,
	}
}

// Fill is the outcome of ComputeFill.
type Fill struct {
	Price decimal.Decimal
	Ratio float64 // 0..1 fraction of the requested value that fills
}

// NormalizeContext substitutes documented defaults for missing price context
// fields: flat OHLC from the best available price, nominal volume, default
// volatility. Normal market conditions never produce an error downstream.
func NormalizeContext(pctx types.PriceContext) types.PriceContext {
	ref := pctx.Close
	if ref.IsZero() {
		ref = pctx.Open
	}
	if ref.IsZero() {
		ref = decimal.NewFromInt(100)
	}
	if pctx.Open.IsZero() {
		pctx.Open = ref
	}
	if pctx.Close.IsZero() {
		pctx.Close = ref
	}
	if pctx.High.IsZero() {
		pctx.High = decimal.Max(pctx.Open, pctx.Close)
	}
	if pctx.Low.IsZero() {
		pctx.Low = decimal.Min(pctx.Open, pctx.Close)
	}
	if pctx.Volume.IsZero() {
		pctx.Volume = decimal.NewFromInt(defaultNominalVolume)
	}
	if pctx.AverageVolume.IsZero() {
		pctx.AverageVolume = pctx.Volume
	}
	if pctx.Volatility <= 0 {
		pctx.Volatility = defaultVolatility
	}
	return pctx
}

// ComputeFill determines the fill price and fill ratio for a requested trade
// value under the configured order type, then caps the ratio by the
// liquidity rule.
func (m *Model) ComputeFill(pctx types.PriceContext, direction types.TradeDirection, requestedValue decimal.Decimal, orderType types.OrderType) Fill {
	pctx = NormalizeContext(pctx)

	var fill Fill
	switch orderType {
	case types.OrderTypeLimit:
		fill = m.limitFill(pctx, direction)
	case types.OrderTypeVWAP:
		fill = Fill{Price: midpoint(pctx.Open, pctx.Close), Ratio: 1}
	case types.OrderTypeClose:
		fill = Fill{Price: pctx.Close, Ratio: 1}
	default: // market
		fill = m.marketFill(pctx, direction)
	}

	if fill.Ratio <= 0 {
		return Fill{Price: fill.Price, Ratio: 0}
	}

	fill.Ratio *= liquidityCap(pctx, requestedValue)
	return fill
}

// marketFill biases the price toward the day's unfavorable extreme for the
// trader: 60% weight toward the high for buys and the low for sells. A
// degenerate range fills at the open/close midpoint.
func (m *Model) marketFill(pctx types.PriceContext, direction types.TradeDirection) Fill {
	rng := pctx.High.Sub(pctx.Low)
	if rng.LessThanOrEqual(decimal.Zero) {
		return Fill{Price: midpoint(pctx.Open, pctx.Close), Ratio: 1}
	}

	w := decimal.NewFromFloat(extremeWeight)
	var price decimal.Decimal
	if direction == types.TradeBuy {
		price = pctx.Low.Add(rng.Mul(w))
	} else {
		price = pctx.High.Sub(rng.Mul(w))
	}
	return Fill{Price: price, Ratio: 1}
}

// limitFill fills only when the day's range crosses the limit price offset
// from the open. The partial-fill ratio is the fraction of the range beyond
// the limit.
func (m *Model) limitFill(pctx types.PriceContext, direction types.TradeDirection) Fill {
	offset := decimal.NewFromFloat(m.settings.LimitOffsetPct)
	rng := pctx.High.Sub(pctx.Low)

	if direction == types.TradeBuy {
		limit := pctx.Open.Mul(decimal.NewFromInt(1).Sub(offset))
		if pctx.Low.GreaterThan(limit) {
			return Fill{Price: limit, Ratio: 0}
		}
		if rng.LessThanOrEqual(decimal.Zero) {
			return Fill{Price: limit, Ratio: 1}
		}
		depth, _ := limit.Sub(pctx.Low).Div(rng).Float64()
		return Fill{Price: limit, Ratio: clamp01(depth)}
	}

	limit := pctx.Open.Mul(decimal.NewFromInt(1).Add(offset))
	if pctx.High.LessThan(limit) {
		return Fill{Price: limit, Ratio: 0}
	}
	if rng.LessThanOrEqual(decimal.Zero) {
		return Fill{Price: limit, Ratio: 1}
	}
	depth, _ := pctx.High.Sub(limit).Div(rng).Float64()
	return Fill{Price: limit, Ratio: clamp01(depth)}
}

// liquidityCap returns the multiplier enforcing the participation rule: a
// request above 5% of average daily traded value fills proportionally less.
func liquidityCap(pctx types.PriceContext, requestedValue decimal.Decimal) float64 {
	if requestedValue.LessThanOrEqual(decimal.Zero) {
		return 1
	}
	avgValue := pctx.AverageVolume.Mul(pctx.Close)
	maxFillable := avgValue.Mul(decimal.NewFromFloat(liquidityParticipationCap))
	if maxFillable.LessThanOrEqual(decimal.Zero) || requestedValue.LessThanOrEqual(maxFillable) {
		return 1
	}
	ratio, _ := maxFillable.Div(requestedValue).Float64()
	return ratio
}

// ApplySlippage moves the base price against the trader under the configured
// slippage model.
func (m *Model) ApplySlippage(basePrice decimal.Decimal, direction types.TradeDirection, tradeValue decimal.Decimal, pctx types.PriceContext) decimal.Decimal {
	pctx = NormalizeContext(pctx)

	if m.settings.SlippageModel == types.SlippageFixed {
		abs := decimal.NewFromFloat(m.settings.SlippageValue)
		if direction == types.TradeBuy {
			return basePrice.Add(abs)
		}
		price := basePrice.Sub(abs)
		if price.LessThanOrEqual(decimal.Zero) {
			return basePrice
		}
		return price
	}

	frac := m.slippageFraction(tradeValue, pctx)
	adj := decimal.NewFromFloat(frac)
	if direction == types.TradeBuy {
		return basePrice.Mul(decimal.NewFromInt(1).Add(adj))
	}
	return basePrice.Mul(decimal.NewFromInt(1).Sub(adj))
}

func (m *Model) slippageFraction(tradeValue decimal.Decimal, pctx types.PriceContext) float64 {
	base := m.settings.SlippageValue

	switch m.settings.SlippageModel {
	case types.SlippageVolumeBased:
		avgValue, _ := pctx.AverageVolume.Mul(pctx.Close).Float64()
		value, _ := tradeValue.Float64()
		if avgValue <= 0 || value <= 0 {
			return base
		}
		scale := math.Sqrt(value / avgValue)
		return base * math.Min(slippageScaleCap, math.Max(scale, 0))

	case types.SlippageVolatilityBased:
		scale := pctx.Volatility / referenceVolatility
		return base * math.Min(slippageScaleCap, math.Max(scale, 0))

	default: // percentage
		return base
	}
}

// MarketImpactCost applies the square-root law:
// impactPct = c * volatility * sqrt(tradeValue / avgVolumeValue), and the
// cost is tradeValue * impactPct. Disabled models cost nothing.
func (m *Model) MarketImpactCost(tradeValue decimal.Decimal, pctx types.PriceContext) decimal.Decimal {
	if !m.settings.EnableMarketImpact || tradeValue.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	pctx = NormalizeContext(pctx)

	avgValue, _ := pctx.AverageVolume.Mul(pctx.Close).Float64()
	value, _ := tradeValue.Float64()
	if avgValue <= 0 || value <= 0 {
		return decimal.Zero
	}

	impactPct := m.settings.MarketImpactConstant * pctx.Volatility * math.Sqrt(value/avgValue)
	return tradeValue.Mul(decimal.NewFromFloat(impactPct))
}

// Execute runs the full pipeline for one requested trade and produces a
// TradeRecord. The boolean is false when nothing filled (for example an
// uncrossed limit order), in which case no record should be kept.
func (m *Model) Execute(
	date time.Time,
	strategy types.StrategyID,
	direction types.TradeDirection,
	requestedValue decimal.Decimal,
	preTradePosition decimal.Decimal,
	targetPosition decimal.Decimal,
	pctx types.PriceContext,
) (types.TradeRecord, bool) {
	pctx = NormalizeContext(pctx)

	fill := m.ComputeFill(pctx, direction, requestedValue, m.settings.OrderType)
	if fill.Ratio <= 0 {
		return types.TradeRecord{}, false
	}

	filledValue := requestedValue.Mul(decimal.NewFromFloat(fill.Ratio))
	price := m.ApplySlippage(fill.Price, direction, filledValue, pctx)

	commission := filledValue.Mul(decimal.NewFromFloat(m.costPct))
	impact := m.MarketImpactCost(filledValue, pctx)

	record := types.TradeRecord{
		ID:               uuid.New().String(),
		Date:             date,
		Strategy:         strategy,
		Direction:        direction,
		OrderType:        m.settings.OrderType,
		RequestedValue:   requestedValue,
		FilledValue:      filledValue,
		FillRatio:        fill.Ratio,
		FillPrice:        price,
		BaseCost:         commission,
		MarketImpactCost: impact,
		PreTradePosition: preTradePosition,
		TargetPosition:   targetPosition,
	}

	m.mu.Lock()
	m.fillCount++
	m.totalCommission = m.totalCommission.Add(commission)
	m.totalImpact = m.totalImpact.Add(impact)
	m.mu.Unlock()

	m.logger.Debug("trade executed",
		zap.String("strategy", strategy.String()),
		zap.String("direction", string(direction)),
		zap.String("requested", requestedValue.StringFixed(2)),
		zap.Float64("fillRatio", fill.Ratio),
		zap.String("fillPrice", price.StringFixed(4)),
	)

	return record, true
}

// Stats reports cumulative execution statistics.
type Stats struct {
	FillCount       int64           `json:"fillCount"`
	TotalCommission decimal.Decimal `json:"totalCommission"`
	TotalImpact     decimal.Decimal `json:"totalImpact"`
}

// GetStats returns cumulative statistics for the model instance.
func (m *Model) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		FillCount:       m.fillCount,
		TotalCommission: m.totalCommission,
		TotalImpact:     m.totalImpact,
	}
}

func midpoint(a, b decimal.Decimal) decimal.Decimal {
	return a.Add(b).Div(decimal.NewFromInt(2))
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

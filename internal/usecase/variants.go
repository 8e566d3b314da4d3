package usecase

import "github.com/vortexlab/tradengine/internal/domain"

// strategyVariant isolates the trigger conditions that differ between
// the three strategies. The variant is selected once per user from the
// merged parameters, not re-branched per rule.
type strategyVariant interface {
	shouldOpen(c domain.StrategyCondition) bool
	closeCross(c domain.StrategyCondition) bool
}

func variantFor(v domain.StrategyVariant) strategyVariant {
	switch v {
	case domain.VariantTrend:
		return trendVariant{}
	case domain.VariantEMAGated:
		return emaGatedVariant{}
	default:
		return crossoverVariant{}
	}
}

// crossoverVariant trades pure MACD crossovers.
type crossoverVariant struct{}

func (crossoverVariant) shouldOpen(c domain.StrategyCondition) bool {
	return c.MACDCross == domain.CrossBullish
}

func (crossoverVariant) closeCross(c domain.StrategyCondition) bool {
	return c.MACDCross == domain.CrossBearish
}

// trendVariant opens only when both timeframes agree with the cross,
// and closes only when the fast trend confirms the bearish cross.
type trendVariant struct{}

func (trendVariant) shouldOpen(c domain.StrategyCondition) bool {
	return c.MACDCross == domain.CrossBullish &&
		c.TrendFast == domain.TrendUp &&
		c.TrendSlow == domain.TrendUp
}

func (trendVariant) closeCross(c domain.StrategyCondition) bool {
	return c.MACDCross == domain.CrossBearish && c.TrendFast == domain.TrendDown
}

// emaGatedVariant gates the crossover on the EMA position: opens above
// the EMA only, closes once price falls below it with a bearish cross.
type emaGatedVariant struct{}

func (emaGatedVariant) shouldOpen(c domain.StrategyCondition) bool {
	return c.MACDCross == domain.CrossBullish && c.PriceAboveEMA
}

func (emaGatedVariant) closeCross(c domain.StrategyCondition) bool {
	return c.MACDCross == domain.CrossBearish && !c.PriceAboveEMA
}

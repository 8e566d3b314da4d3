package domain

type StrategyVariant string

const (
	// VariantCrossover opens and closes on pure MACD crossovers.
	VariantCrossover StrategyVariant = "CROSSOVER"
	// VariantTrend requires both timeframe trends to agree before opening.
	VariantTrend StrategyVariant = "TREND"
	// VariantEMAGated is trend-following gated by the EMA position.
	VariantEMAGated StrategyVariant = "EMA_GATED"
)

// StrategyParameters drive one evaluation for one user. Global defaults
// are merged with per-user overrides once per cycle; the result is
// immutable within the evaluation.
type StrategyParameters struct {
	Variant StrategyVariant `yaml:"variant" json:"variant"`

	// LotPercent is the share of the available balance spent on a base order.
	LotPercent float64 `yaml:"lot_percent" json:"lot_percent"`
	// FeePercent estimates the taker fee for virtual fills (0.1 = 0.1%).
	FeePercent float64 `yaml:"fee_percent" json:"fee_percent"`

	TakeProfitPercent float64 `yaml:"take_profit_percent" json:"take_profit_percent"`
	StopLossPercent   float64 `yaml:"stop_loss_percent" json:"stop_loss_percent"`

	// Trailing symbol stop-loss: activate once profit reaches the
	// activation level, then keep the floor TrailingGapPercent below the
	// best profit seen.
	TrailingActivatePercent float64 `yaml:"trailing_activate_percent" json:"trailing_activate_percent"`
	TrailingGapPercent      float64 `yaml:"trailing_gap_percent" json:"trailing_gap_percent"`

	// Averaging: add below the lowest open price after a drop of
	// AveragingStepPercent; the step is multiplied by StepMultiplier once
	// AveragingAfterOrders orders are open.
	AveragingStepPercent float64 `yaml:"averaging_step_percent" json:"averaging_step_percent"`
	AveragingAfterOrders int     `yaml:"averaging_after_orders" json:"averaging_after_orders"`
	StepMultiplier       float64 `yaml:"step_multiplier" json:"step_multiplier"`
	MaxAveragingOrders   int     `yaml:"max_averaging_orders" json:"max_averaging_orders"`

	// Pyramiding: add above the highest open price after a rise of
	// PyramidingStepPercent, scaling volume down by DownVolumePercent.
	PyramidingStepPercent float64 `yaml:"pyramiding_step_percent" json:"pyramiding_step_percent"`
	DownVolumePercent     float64 `yaml:"down_volume_percent" json:"down_volume_percent"`

	// Group close: when GroupCloseCount orders are open and all are
	// profitable with combined profit above GroupTakeProfitPercent,
	// close the whole symbol.
	GroupCloseCount        int     `yaml:"group_close_count" json:"group_close_count"`
	GroupTakeProfitPercent float64 `yaml:"group_take_profit_percent" json:"group_take_profit_percent"`

	MaxOpenSymbols int `yaml:"max_open_symbols" json:"max_open_symbols"`
	// MinCandleRun gates base opens on a same-color candle streak.
	MinCandleRun int `yaml:"min_candle_run" json:"min_candle_run"`
}

// DefaultParameters are the global strategy defaults applied before
// per-user overrides.
var DefaultParameters = StrategyParameters{
	Variant:                 VariantCrossover,
	LotPercent:              5,
	FeePercent:              0.1,
	TakeProfitPercent:       1.5,
	StopLossPercent:         8,
	TrailingActivatePercent: 2,
	TrailingGapPercent:      0.6,
	AveragingStepPercent:    2,
	AveragingAfterOrders:    3,
	StepMultiplier:          1.5,
	MaxAveragingOrders:      6,
	PyramidingStepPercent:   10,
	DownVolumePercent:       40,
	GroupCloseCount:         0,
	GroupTakeProfitPercent:  1,
	MaxOpenSymbols:          10,
	MinCandleRun:            0,
}

// ParameterOverrides carries the per-user subset of parameters. Nil
// fields keep the global default.
type ParameterOverrides struct {
	Variant                 *StrategyVariant `json:"variant,omitempty"`
	LotPercent              *float64         `json:"lot_percent,omitempty"`
	TakeProfitPercent       *float64         `json:"take_profit_percent,omitempty"`
	StopLossPercent         *float64         `json:"stop_loss_percent,omitempty"`
	TrailingActivatePercent *float64         `json:"trailing_activate_percent,omitempty"`
	TrailingGapPercent      *float64         `json:"trailing_gap_percent,omitempty"`
	AveragingStepPercent    *float64         `json:"averaging_step_percent,omitempty"`
	AveragingAfterOrders    *int             `json:"averaging_after_orders,omitempty"`
	StepMultiplier          *float64         `json:"step_multiplier,omitempty"`
	MaxAveragingOrders      *int             `json:"max_averaging_orders,omitempty"`
	PyramidingStepPercent   *float64         `json:"pyramiding_step_percent,omitempty"`
	DownVolumePercent       *float64         `json:"down_volume_percent,omitempty"`
	GroupCloseCount         *int             `json:"group_close_count,omitempty"`
	GroupTakeProfitPercent  *float64         `json:"group_take_profit_percent,omitempty"`
	MaxOpenSymbols          *int             `json:"max_open_symbols,omitempty"`
	MinCandleRun            *int             `json:"min_candle_run,omitempty"`
}

// Merge returns a copy of p with non-nil overrides applied.
func (p StrategyParameters) Merge(o *ParameterOverrides) StrategyParameters {
	if o == nil {
		return p
	}
	if o.Variant != nil {
		p.Variant = *o.Variant
	}
	if o.LotPercent != nil {
		p.LotPercent = *o.LotPercent
	}
	if o.TakeProfitPercent != nil {
		p.TakeProfitPercent = *o.TakeProfitPercent
	}
	if o.StopLossPercent != nil {
		p.StopLossPercent = *o.StopLossPercent
	}
	if o.TrailingActivatePercent != nil {
		p.TrailingActivatePercent = *o.TrailingActivatePercent
	}
	if o.TrailingGapPercent != nil {
		p.TrailingGapPercent = *o.TrailingGapPercent
	}
	if o.AveragingStepPercent != nil {
		p.AveragingStepPercent = *o.AveragingStepPercent
	}
	if o.AveragingAfterOrders != nil {
		p.AveragingAfterOrders = *o.AveragingAfterOrders
	}
	if o.StepMultiplier != nil {
		p.StepMultiplier = *o.StepMultiplier
	}
	if o.MaxAveragingOrders != nil {
		p.MaxAveragingOrders = *o.MaxAveragingOrders
	}
	if o.PyramidingStepPercent != nil {
		p.PyramidingStepPercent = *o.PyramidingStepPercent
	}
	if o.DownVolumePercent != nil {
		p.DownVolumePercent = *o.DownVolumePercent
	}
	if o.GroupCloseCount != nil {
		p.GroupCloseCount = *o.GroupCloseCount
	}
	if o.GroupTakeProfitPercent != nil {
		p.GroupTakeProfitPercent = *o.GroupTakeProfitPercent
	}
	if o.MaxOpenSymbols != nil {
		p.MaxOpenSymbols = *o.MaxOpenSymbols
	}
	if o.MinCandleRun != nil {
		p.MinCandleRun = *o.MinCandleRun
	}
	return p
}

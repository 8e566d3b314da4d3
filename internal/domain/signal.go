package domain

import "time"

type SignalKind string

const (
	SignalOpenFirst      SignalKind = "OPEN_FIRST"
	SignalOpenAveraging  SignalKind = "OPEN_AVERAGING"
	SignalOpenPyramiding SignalKind = "OPEN_PYRAMIDING"
	SignalCloseTP        SignalKind = "CLOSE_TAKE_PROFIT"
	SignalCloseGroupTP   SignalKind = "CLOSE_GROUP_PROFIT"
	SignalCloseSL        SignalKind = "CLOSE_STOP_LOSS"
	SignalCloseSymbolSL  SignalKind = "CLOSE_SYMBOL_STOP_LOSS"
	SignalCloseCross     SignalKind = "CLOSE_CROSS"
	SignalCloseDisabled  SignalKind = "CLOSE_DISABLED"
	SignalCloseMaxOpen   SignalKind = "CLOSE_MAX_OPEN_SYMBOLS"
)

// IsOpen reports whether the signal asks to open a new order.
func (k SignalKind) IsOpen() bool {
	switch k {
	case SignalOpenFirst, SignalOpenAveraging, SignalOpenPyramiding:
		return true
	}
	return false
}

// TradeSignal is the evaluator's output: one intended action for one
// user on one symbol. Signals are ephemeral; they are logged for audit
// and turned into queue jobs, never stored as primary entities.
type TradeSignal struct {
	OrderID    string     `json:"order_id"` // pre-assigned for open signals
	UserID     string     `json:"user_id"`
	ExchangeID string     `json:"exchange_id"`
	Symbol     string     `json:"symbol"`
	Kind       SignalKind `json:"kind"`
	Type       OrderType  `json:"type"`
	IsVirtual  bool       `json:"is_virtual"`
	Price      float64    `json:"price"`
	Volume     float64    `json:"volume"`
	StopLoss   float64    `json:"stop_loss"`
	TakeProfit float64    `json:"take_profit"`
	// TargetOrderIDs lists the orders a close signal applies to.
	// Empty for close signals that target the whole symbol.
	TargetOrderIDs []string  `json:"target_order_ids,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type Trend string

const (
	TrendUp   Trend = "UP"
	TrendDown Trend = "DOWN"
	TrendFlat Trend = "FLAT"
)

type Cross string

const (
	CrossNone    Cross = "NONE"
	CrossBullish Cross = "BULLISH"
	CrossBearish Cross = "BEARISH"
)

// StrategyCondition is the indicator-derived state for one symbol as
// computed by the market data feed. The engine only consumes it; candle
// and indicator math lives outside this module.
type StrategyCondition struct {
	TrendFast Trend `json:"trend_fast"` // short timeframe
	TrendSlow Trend `json:"trend_slow"` // long timeframe
	MACDCross Cross `json:"macd_cross"`
	// PriceAboveEMA is true when the last close is above the gate EMA.
	PriceAboveEMA bool `json:"price_above_ema"`
	// CandleRun is the length of the current same-color candle run,
	// positive for green, negative for red.
	CandleRun int       `json:"candle_run"`
	UpdatedAt time.Time `json:"updated_at"`
}

type JobKind string

const (
	JobOpenOrder             JobKind = "OPEN_ORDER"
	JobCloseOrder            JobKind = "CLOSE_ORDER"
	JobCancelOrder           JobKind = "CANCEL_ORDER"
	JobUpdateOrder           JobKind = "UPDATE_ORDER"
	JobCheckSignalIndicators JobKind = "CHECK_SIGNAL_INDICATORS"
	JobCheckSignalOpenOrders JobKind = "CHECK_SIGNAL_OPEN_ORDERS"
)

// OpenOrderJob mirrors the open-side TradeSignal shape.
type OpenOrderJob struct {
	Signal TradeSignal `json:"signal"`
}

// CloseOrderJob resolves to one or more orders to close.
type CloseOrderJob struct {
	OrderIDs   []string   `json:"order_ids,omitempty"`
	OrderID    string     `json:"order_id,omitempty"`
	UserID     string     `json:"user_id"`
	ExchangeID string     `json:"exchange_id"`
	Symbol     string     `json:"symbol,omitempty"` // set: close all for symbol
	Reason     SignalKind `json:"reason"`
	// Virtual false forces the real close path even when some of the
	// contributing orders are virtual (disabled-symbol escalation).
	Virtual bool `json:"virtual"`
}

type CancelOrderJob struct {
	OrderID string `json:"order_id"`
}

type UpdateOrderJob struct {
	OrderID    string   `json:"order_id"`
	StopLoss   *float64 `json:"stop_loss,omitempty"`
	TakeProfit *float64 `json:"take_profit,omitempty"`
}

type CheckSignalJob struct {
	ExchangeID string `json:"exchange_id"`
	Symbol     string `json:"symbol,omitempty"`
	UserID     string `json:"user_id,omitempty"`
}

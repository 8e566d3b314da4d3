package domain

import "time"

type OrderStatus string

const (
	StatusWaitOpen  OrderStatus = "WAIT_OPEN"
	StatusOpened    OrderStatus = "OPENED"
	StatusClosed    OrderStatus = "CLOSED"
	StatusCancelled OrderStatus = "CANCELLED"
)

type OrderType string

const (
	OrderBuy  OrderType = "BUY"
	OrderSell OrderType = "SELL"
)

// TradeOrder is a single position slice owned by one user on one exchange.
// Virtual orders are backed by the simulated ledger and never reach the
// exchange; real orders mirror an actual exchange fill.
type TradeOrder struct {
	ID         string      `json:"id"`
	UserID     string      `json:"user_id"`
	ExchangeID string      `json:"exchange_id"`
	Symbol     string      `json:"symbol"`
	Type       OrderType   `json:"type"`
	Status     OrderStatus `json:"status"`
	IsVirtual  bool        `json:"is_virtual"`

	OpenTime   time.Time `json:"open_time"`
	OpenPrice  float64   `json:"open_price"`
	OpenVolume float64   `json:"open_volume"`
	OpenCost   float64   `json:"open_cost"`

	CloseTime  time.Time `json:"close_time"`
	ClosePrice float64   `json:"close_price"`

	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`

	Commission float64 `json:"commission"`
	Profit     float64 `json:"profit"`

	// SignalKind records which evaluator rule produced the order.
	SignalKind SignalKind `json:"signal_kind"`
	// ManagerID is the process instance that created the order.
	ManagerID string `json:"manager_id"`

	CreatedAt time.Time `json:"created_at"`
}

// IsFinal reports whether the order reached a terminal state.
func (o *TradeOrder) IsFinal() bool {
	return o.Status == StatusClosed || o.Status == StatusCancelled
}

// CurrentProfit returns the unrealized profit at the given price,
// before exit fees.
func (o *TradeOrder) CurrentProfit(price float64) float64 {
	if o.Type == OrderSell {
		return (o.OpenPrice - price) * o.OpenVolume
	}
	return (price - o.OpenPrice) * o.OpenVolume
}

// ProfitPercent returns unrealized profit as a fraction of the open cost.
func (o *TradeOrder) ProfitPercent(price float64) float64 {
	if o.OpenCost <= 0 {
		return 0
	}
	return o.CurrentProfit(price) / o.OpenCost * 100
}

// OrderFilter narrows GetOrders queries. Zero values match everything.
type OrderFilter struct {
	ExchangeID string
	UserID     string
	Symbol     string
	Statuses   []OrderStatus
	IsVirtual  *bool
}

// Matches reports whether the order satisfies the filter.
func (f OrderFilter) Matches(o *TradeOrder) bool {
	if f.ExchangeID != "" && o.ExchangeID != f.ExchangeID {
		return false
	}
	if f.UserID != "" && o.UserID != f.UserID {
		return false
	}
	if f.Symbol != "" && o.Symbol != f.Symbol {
		return false
	}
	if f.IsVirtual != nil && o.IsVirtual != *f.IsVirtual {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if o.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

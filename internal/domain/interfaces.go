package domain

import (
	"context"
	"time"
)

// Store is the shared atomic key-value state: orders, balances, the
// pending-order semaphore and the leader lock. All cross-process
// mutation goes through these primitives; the engine never assumes
// in-process mutual exclusion is enough.
type Store interface {
	GetOrder(ctx context.Context, id string) (*TradeOrder, error)
	SetOrder(ctx context.Context, order *TradeOrder) error
	DeleteOrder(ctx context.Context, id string) error
	GetOrders(ctx context.Context, filter OrderFilter) ([]*TradeOrder, error)

	// AcquirePendingOrder is set-if-absent on (exchange, symbol, user);
	// the TTL self-heals semaphores left behind by crashed workers.
	AcquirePendingOrder(ctx context.Context, exchangeID, symbol, userID, orderID string, ttl time.Duration) (bool, error)
	GetPendingOrder(ctx context.Context, exchangeID, symbol, userID string) (string, error)
	ReleasePendingOrder(ctx context.Context, exchangeID, symbol, userID string) error

	GetVirtualBalance(ctx context.Context, userID, exchangeID string) (float64, error)
	SetVirtualBalance(ctx context.Context, userID, exchangeID string, sum float64) error
	IncreaseVirtualBalance(ctx context.Context, userID, exchangeID string, sum float64) (float64, error)
	DecreaseVirtualBalance(ctx context.Context, userID, exchangeID string, sum float64) (float64, error)

	GetWalletBalance(ctx context.Context, userID, exchangeID string) (WalletBalance, error)
	SetWalletBalance(ctx context.Context, userID, exchangeID string, balance WalletBalance) error

	// RenewLeader acquires or extends the leader lease for the candidate
	// and reports whether the candidate is the leader for this tick.
	RenewLeader(ctx context.Context, candidateID string, ttl time.Duration) (bool, error)
	IsLeader(ctx context.Context, candidateID string) (bool, error)

	GetSymbolStopLoss(ctx context.Context, exchangeID, userID, symbol string) (*float64, error)
	SetSymbolStopLoss(ctx context.Context, exchangeID, userID, symbol string, threshold float64) error
	DeleteSymbolStopLoss(ctx context.Context, exchangeID, userID, symbol string) error

	GetLastOpenedOrder(ctx context.Context, exchangeID, userID string) (*TradeOrder, error)
	SetLastOpenedOrder(ctx context.Context, exchangeID, userID, orderID string) error

	// Due-symbol queue: symbols whose ticker recently updated, drained
	// oldest-first by the signal engine.
	MarkSymbolDue(ctx context.Context, exchangeID, symbol string, at time.Time) error
	PopDueSymbols(ctx context.Context, exchangeID string, limit int) ([]string, error)
}

// ExchangeGateway talks to the actual exchange. Virtual orders must
// never reach it.
type ExchangeGateway interface {
	GetMarketPrice(ctx context.Context, exchangeID, symbol string) (*MarketPrice, error)
	GetMarket(ctx context.Context, exchangeID, symbol string) (*Market, error)
	GetWalletBalances(ctx context.Context, userID, exchangeID string) (WalletBalance, error)
	OpenBuy(ctx context.Context, order *TradeOrder) (*Fill, error)
	OpenSell(ctx context.Context, order *TradeOrder) (*Fill, error)
	CloseOrder(ctx context.Context, order *TradeOrder) (*Fill, error)
	CheckOrderParameters(ctx context.Context, order *TradeOrder) (bool, error)
}

// Queue publishes jobs for the processors. Delivery is at-least-once;
// handlers must be idempotent on repeated delivery of the same order id.
type Queue interface {
	Publish(ctx context.Context, kind JobKind, payload any) error
}

// MarketDataFeed serves already-computed indicator state. Candle and
// indicator math is external to the engine.
type MarketDataFeed interface {
	GetCondition(ctx context.Context, exchangeID, symbol string) (*StrategyCondition, error)
	// RequestRefresh asks for an async recompute; used when data is
	// missing so the next cycle can proceed.
	RequestRefresh(ctx context.Context, exchangeID, symbol string) error
}

// UserDirectory lists users eligible for evaluation.
type UserDirectory interface {
	ActiveUsers(ctx context.Context, exchangeID string) ([]*UserSettings, error)
	MarkAccountBroken(ctx context.Context, userID, exchangeID string) error
}

// AuditRepository persists the signal audit trail and order events.
type AuditRepository interface {
	SaveSignal(ctx context.Context, signal *TradeSignal) error
	SaveOrderEvent(ctx context.Context, orderID, kind, message string) error
	SaveOrderHistory(ctx context.Context, order *TradeOrder) error
	ListOrderEvents(ctx context.Context, orderID string, limit int) ([]OrderEvent, error)
}

// OrderEvent is one audit row attached to an order.
type OrderEvent struct {
	ID        int64     `json:"id"`
	OrderID   string    `json:"order_id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

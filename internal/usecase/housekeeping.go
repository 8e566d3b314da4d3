package usecase

import (
	"context"
	"time"

	"github.com/vortexlab/tradengine/internal/domain"
	"go.uber.org/zap"
)

// Housekeeper runs the leader-only background duties: reaping stale
// WAIT_OPEN orders, fanning out open-order checks, and force-closing
// positions on symbols that are no longer tradable. It must only ever
// run on the replica holding the leader lease.
type Housekeeper struct {
	store     domain.Store
	queue     domain.Queue
	gateway   domain.ExchangeGateway
	users     domain.UserDirectory
	lifecycle *Lifecycle
	logger    *zap.Logger

	exchanges   []string
	staleWindow time.Duration
}

func NewHousekeeper(store domain.Store, queue domain.Queue, gateway domain.ExchangeGateway,
	users domain.UserDirectory, lifecycle *Lifecycle, exchanges []string,
	staleWindow time.Duration, logger *zap.Logger) *Housekeeper {
	return &Housekeeper{
		store:       store,
		queue:       queue,
		gateway:     gateway,
		users:       users,
		lifecycle:   lifecycle,
		logger:      logger,
		exchanges:   exchanges,
		staleWindow: staleWindow,
	}
}

// Run executes one full housekeeping pass across all exchanges.
func (h *Housekeeper) Run(ctx context.Context) {
	for _, exchangeID := range h.exchanges {
		if err := h.reapStaleOrders(ctx, exchangeID); err != nil {
			h.logger.Error("stale order reaping failed",
				zap.String("exchange_id", exchangeID), zap.Error(err))
		}
		if err := h.fanOutOpenOrderChecks(ctx, exchangeID); err != nil {
			h.logger.Error("open-order fan-out failed",
				zap.String("exchange_id", exchangeID), zap.Error(err))
		}
		if err := h.closeNonTradable(ctx, exchangeID); err != nil {
			h.logger.Error("non-tradable close pass failed",
				zap.String("exchange_id", exchangeID), zap.Error(err))
		}
	}
}

// reapStaleOrders cancels WAIT_OPEN orders that outlived the staleness
// window. These are leftovers of crashed or wedged workers; cancelling
// them also frees their pending semaphores.
func (h *Housekeeper) reapStaleOrders(ctx context.Context, exchangeID string) error {
	orders, err := h.store.GetOrders(ctx, domain.OrderFilter{
		ExchangeID: exchangeID,
		Statuses:   []domain.OrderStatus{domain.StatusWaitOpen},
	})
	if err != nil {
		return err
	}

	cutoff := time.Now().UTC().Add(-h.staleWindow)
	for _, order := range orders {
		if order.CreatedAt.After(cutoff) {
			continue
		}
		if _, err := h.lifecycle.CancelOrder(ctx, order.ID); err != nil {
			h.logger.Error("stale order cancel failed",
				zap.String("order_id", order.ID), zap.Error(err))
			continue
		}
		h.logger.Info("stale wait-open order reaped",
			zap.String("order_id", order.ID),
			zap.String("symbol", order.Symbol),
			zap.Duration("age", time.Since(order.CreatedAt)))
	}
	return nil
}

// fanOutOpenOrderChecks enqueues one open-order check per user so open
// positions get re-evaluated even when their symbols stop ticking.
func (h *Housekeeper) fanOutOpenOrderChecks(ctx context.Context, exchangeID string) error {
	users, err := h.users.ActiveUsers(ctx, exchangeID)
	if err != nil {
		return err
	}
	for _, user := range users {
		if !user.HasExchange(exchangeID) {
			continue
		}
		job := domain.CheckSignalJob{ExchangeID: exchangeID, UserID: user.UserID}
		if err := h.queue.Publish(ctx, domain.JobCheckSignalOpenOrders, job); err != nil {
			return err
		}
	}
	return nil
}

// closeNonTradable finds open orders on markets that became inactive
// and enqueues one close per (user, symbol). When any order of the
// group is real the job is escalated to the real close path.
//
// Only the exchange-level Active flag is checked here: per-user symbol
// and currency disables are evaluated with the user's merged settings
// in the signal engine, which fanOutOpenOrderChecks triggers for every
// user each pass.
func (h *Housekeeper) closeNonTradable(ctx context.Context, exchangeID string) error {
	orders, err := h.store.GetOrders(ctx, domain.OrderFilter{
		ExchangeID: exchangeID,
		Statuses:   []domain.OrderStatus{domain.StatusOpened},
	})
	if err != nil {
		return err
	}

	type groupKey struct{ userID, symbol string }
	groups := map[groupKey]bool{} // true when all orders are virtual
	markets := map[string]bool{}  // symbol -> tradable

	for _, order := range orders {
		tradable, seen := markets[order.Symbol]
		if !seen {
			market, err := h.gateway.GetMarket(ctx, exchangeID, order.Symbol)
			tradable = err == nil && market != nil && market.Active
			markets[order.Symbol] = tradable
		}
		if tradable {
			continue
		}
		key := groupKey{order.UserID, order.Symbol}
		allVirtual, seen := groups[key]
		if !seen {
			allVirtual = true
		}
		groups[key] = allVirtual && order.IsVirtual
	}

	for key, allVirtual := range groups {
		job := domain.CloseOrderJob{
			UserID:     key.userID,
			ExchangeID: exchangeID,
			Symbol:     key.symbol,
			Reason:     domain.SignalCloseDisabled,
			Virtual:    allVirtual,
		}
		if err := h.queue.Publish(ctx, domain.JobCloseOrder, job); err != nil {
			return err
		}
		h.logger.Warn("non-tradable symbol close enqueued",
			zap.String("user_id", key.userID),
			zap.String("symbol", key.symbol),
			zap.Bool("virtual", allVirtual))
	}
	return nil
}

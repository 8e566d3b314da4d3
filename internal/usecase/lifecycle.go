package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vortexlab/tradengine/internal/domain"
	"github.com/vortexlab/tradengine/internal/killswitch"
	"github.com/vortexlab/tradengine/internal/metrics"
	"go.uber.org/zap"
)

// Lifecycle owns the order state machine
// WAIT_OPEN -> OPENED -> {CLOSED, CANCELLED}.
// All cross-process coordination goes through the Store's atomic
// primitives; the pending semaphore serializes opens per
// (exchange, symbol, user) and is released exactly once on every exit
// path.
type Lifecycle struct {
	store   domain.Store
	gateway domain.ExchangeGateway
	audit   domain.AuditRepository
	users   domain.UserDirectory
	logger  *zap.Logger

	managerID  string
	params     domain.StrategyParameters
	pendingTTL time.Duration
	// feeTolerancePercent bounds how far a close volume may be scaled
	// down to absorb fee dust before the close is deferred instead.
	feeTolerancePercent float64
}

func NewLifecycle(store domain.Store, gateway domain.ExchangeGateway, audit domain.AuditRepository,
	users domain.UserDirectory, params domain.StrategyParameters, managerID string,
	pendingTTL time.Duration, logger *zap.Logger) *Lifecycle {
	return &Lifecycle{
		store:               store,
		gateway:             gateway,
		audit:               audit,
		users:               users,
		logger:              logger,
		managerID:           managerID,
		params:              params,
		pendingTTL:          pendingTTL,
		feeTolerancePercent: 0.2,
	}
}

// OpenOrder drives one open signal through the state machine. Expected
// failure modes come back as a tagged result; only unexpected errors
// are returned.
func (l *Lifecycle) OpenOrder(ctx context.Context, sig domain.TradeSignal) (domain.OpenResult, error) {
	if !killswitch.TradeAllowed() {
		return domain.OpenFail(domain.ReasonTradingDisabled), nil
	}
	if !killswitch.OpenNewAllowed() {
		return domain.OpenFail(domain.ReasonOpenNewDisabled), nil
	}
	if !sig.IsVirtual && !killswitch.RealAllowed() {
		return domain.OpenFail(domain.ReasonRealDisabled), nil
	}

	if sig.OrderID == "" {
		sig.OrderID = uuid.NewString()
	}

	// Idempotency on at-least-once delivery: an order that already
	// advanced is never re-driven (no duplicate debit).
	if existing, err := l.store.GetOrder(ctx, sig.OrderID); err == nil {
		switch existing.Status {
		case domain.StatusOpened:
			return domain.OpenOK(existing.ID), nil
		case domain.StatusClosed, domain.StatusCancelled:
			return domain.OpenFail(domain.ReasonAlreadyFinal), nil
		}
	} else if !errors.Is(err, domain.ErrOrderNotFound) {
		return domain.OpenResult{}, err
	}

	acquired, err := l.store.AcquirePendingOrder(ctx, sig.ExchangeID, sig.Symbol, sig.UserID, sig.OrderID, l.pendingTTL)
	if err != nil {
		return domain.OpenResult{}, err
	}
	if !acquired {
		proceed, err := l.resolvePendingConflict(ctx, sig)
		if err != nil {
			return domain.OpenResult{}, err
		}
		if !proceed {
			return domain.OpenFail(domain.ReasonPendingExists), nil
		}
	}

	// The semaphore is released exactly once on every exit path,
	// success or failure, including panics further down.
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		if err := l.store.ReleasePendingOrder(ctx, sig.ExchangeID, sig.Symbol, sig.UserID); err != nil {
			l.logger.Error("release pending semaphore failed",
				zap.String("order_id", sig.OrderID), zap.Error(err))
		}
	}
	defer release()

	price, market, err := l.fetchPriceAndMarket(ctx, sig.ExchangeID, sig.Symbol)
	if err != nil {
		return domain.OpenResult{}, err
	}
	if price == nil || price.Ask <= 0 {
		return domain.OpenFail(domain.ReasonNoPrice), nil
	}
	if market == nil || !market.Active {
		return domain.OpenFail(domain.ReasonMarketInactive), nil
	}

	order := &domain.TradeOrder{
		ID:         sig.OrderID,
		UserID:     sig.UserID,
		ExchangeID: sig.ExchangeID,
		Symbol:     sig.Symbol,
		Type:       sig.Type,
		Status:     domain.StatusWaitOpen,
		IsVirtual:  sig.IsVirtual,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		SignalKind: sig.Kind,
		ManagerID:  l.managerID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := l.store.SetOrder(ctx, order); err != nil {
		return domain.OpenResult{}, err
	}

	var result domain.OpenResult
	if order.IsVirtual {
		result, err = l.openVirtual(ctx, order, sig.Volume, price, market)
	} else {
		result, err = l.openReal(ctx, order, sig.Volume, price, market)
	}
	if err != nil {
		return domain.OpenResult{}, err
	}

	if result.OK() {
		metrics.OrderOpened(order.ExchangeID, order.IsVirtual)
		if err := l.store.SetLastOpenedOrder(ctx, order.ExchangeID, order.UserID, order.ID); err != nil {
			l.logger.Warn("set last opened order failed", zap.Error(err))
		}
		if !order.IsVirtual {
			if err := l.enforceSingleAccounting(ctx, order.UserID, order.ExchangeID, order.Symbol); err != nil {
				l.logger.Error("single accounting enforcement failed",
					zap.String("symbol", order.Symbol), zap.Error(err))
			}
		}
	}
	return result, nil
}

// resolvePendingConflict handles a lost semaphore race. A redelivery of
// our own order proceeds; a stale WAIT_OPEN order created by this same
// process is cancelled and the semaphore re-acquired; anything else is
// a genuine conflict.
func (l *Lifecycle) resolvePendingConflict(ctx context.Context, sig domain.TradeSignal) (bool, error) {
	pendingID, err := l.store.GetPendingOrder(ctx, sig.ExchangeID, sig.Symbol, sig.UserID)
	if err != nil {
		return false, err
	}
	if pendingID == sig.OrderID {
		return true, nil
	}
	if pendingID == "" {
		// Semaphore expired between SetNX and Get; retry once.
		return l.store.AcquirePendingOrder(ctx, sig.ExchangeID, sig.Symbol, sig.UserID, sig.OrderID, l.pendingTTL)
	}

	stale, err := l.store.GetOrder(ctx, pendingID)
	if err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
		return false, err
	}
	if stale != nil && stale.ManagerID == l.managerID && stale.Status == domain.StatusWaitOpen {
		if err := l.cancelWaitOpen(ctx, stale, "superseded by newer signal"); err != nil {
			return false, err
		}
		return l.store.AcquirePendingOrder(ctx, sig.ExchangeID, sig.Symbol, sig.UserID, sig.OrderID, l.pendingTTL)
	}
	return false, nil
}

func (l *Lifecycle) openVirtual(ctx context.Context, order *domain.TradeOrder, volume float64,
	price *domain.MarketPrice, market *domain.Market) (domain.OpenResult, error) {

	volume = domain.RoundVolume(volume, market.VolumePrecision)
	if volume <= 0 {
		return l.failOpen(ctx, order, domain.ReasonBelowMinimum)
	}

	// A symbol runs on one ledger per user. Once real OPENED orders
	// exist for the tuple, virtual opens are refused until they are gone;
	// the mirror direction is handled after a real open.
	real := false
	existing, err := l.store.GetOrders(ctx, domain.OrderFilter{
		ExchangeID: order.ExchangeID,
		UserID:     order.UserID,
		Symbol:     order.Symbol,
		Statuses:   []domain.OrderStatus{domain.StatusOpened},
		IsVirtual:  &real,
	})
	if err != nil {
		return domain.OpenResult{}, err
	}
	if len(existing) > 0 {
		return l.failOpen(ctx, order, domain.ReasonRealOrder)
	}

	cost := price.Ask * volume
	fee := cost * l.params.FeePercent / 100
	debit := domain.RoundMoney(cost + fee)

	balance, err := l.store.GetVirtualBalance(ctx, order.UserID, order.ExchangeID)
	if err != nil {
		return domain.OpenResult{}, err
	}
	// The ledger itself tolerates negatives (fee drift), but a projected
	// overdraft refuses the open outright.
	if balance < debit {
		return l.failOpen(ctx, order, domain.ReasonInsufficientBalance)
	}
	if _, err := l.store.DecreaseVirtualBalance(ctx, order.UserID, order.ExchangeID, debit); err != nil {
		return domain.OpenResult{}, err
	}

	order.Status = domain.StatusOpened
	order.OpenTime = time.Now().UTC()
	order.OpenPrice = price.Ask
	order.OpenVolume = volume
	order.OpenCost = domain.RoundMoney(cost)
	order.Commission = domain.RoundMoney(fee)
	if err := l.store.SetOrder(ctx, order); err != nil {
		return domain.OpenResult{}, err
	}

	l.logger.Info("virtual order opened",
		zap.String("order_id", order.ID),
		zap.String("symbol", order.Symbol),
		zap.Float64("volume", volume),
		zap.Float64("debit", debit))
	return domain.OpenOK(order.ID), nil
}

func (l *Lifecycle) openReal(ctx context.Context, order *domain.TradeOrder, volume float64,
	price *domain.MarketPrice, market *domain.Market) (domain.OpenResult, error) {

	volume = domain.RoundVolume(volume, market.VolumePrecision)
	if volume < market.MinLot {
		return l.failOpen(ctx, order, domain.ReasonBelowMinimum)
	}

	pre, err := l.gateway.GetWalletBalances(ctx, order.UserID, order.ExchangeID)
	if err != nil {
		return l.handleGatewayFailure(ctx, order, err)
	}
	cost := price.Ask * volume
	if pre.Free(market.Quote) < cost {
		if err := l.audit.SaveOrderEvent(ctx, order.ID, "OPEN_DEFERRED",
			fmt.Sprintf("insufficient %s balance: need %.8f, free %.8f", market.Quote, cost, pre.Free(market.Quote))); err != nil {
			l.logger.Warn("audit write failed", zap.Error(err))
		}
		return l.failOpen(ctx, order, domain.ReasonInsufficientBalance)
	}

	order.OpenVolume = volume
	if ok, err := l.gateway.CheckOrderParameters(ctx, order); err != nil {
		return l.handleGatewayFailure(ctx, order, err)
	} else if !ok {
		return l.failOpen(ctx, order, domain.ReasonBelowMinimum)
	}

	var fill *domain.Fill
	if order.Type == domain.OrderSell {
		fill, err = l.gateway.OpenSell(ctx, order)
	} else {
		fill, err = l.gateway.OpenBuy(ctx, order)
	}
	if err != nil {
		return l.handleGatewayFailure(ctx, order, err)
	}

	// Exchange fills rarely match the requested volume exactly;
	// re-derive the actual volume and commission.
	actualVolume := fill.Filled
	fillPrice := fill.Price
	if fillPrice <= 0 {
		fillPrice = price.Ask
	}
	var commission float64
	if fill.FeeKnown {
		// Buy-side fees are charged in base units.
		commission = fill.Fee * fillPrice
		if err := l.refreshWallet(ctx, order.UserID, order.ExchangeID); err != nil {
			l.logger.Warn("wallet refresh failed", zap.Error(err))
		}
	} else {
		// Approximation: assumes no concurrent wallet activity between
		// the two reads; the derived fee is an estimate, not exchange
		// truth.
		post, err := l.gateway.GetWalletBalances(ctx, order.UserID, order.ExchangeID)
		if err == nil {
			baseDelta := post.Free(market.Base) - pre.Free(market.Base)
			if baseDelta > 0 && baseDelta < actualVolume {
				commission = (actualVolume - baseDelta) * fillPrice
				actualVolume = baseDelta
			}
			if err := l.store.SetWalletBalance(ctx, order.UserID, order.ExchangeID, post); err != nil {
				l.logger.Warn("wallet snapshot write failed", zap.Error(err))
			}
		} else {
			l.logger.Warn("post-fill wallet read failed", zap.Error(err))
		}
	}

	order.Status = domain.StatusOpened
	order.OpenTime = time.Now().UTC()
	order.OpenPrice = fillPrice
	order.OpenVolume = domain.RoundVolume(actualVolume, market.VolumePrecision)
	order.OpenCost = domain.RoundMoney(fillPrice * actualVolume)
	order.Commission = domain.RoundMoney(commission)
	if err := l.store.SetOrder(ctx, order); err != nil {
		return domain.OpenResult{}, err
	}

	l.logger.Info("real order opened",
		zap.String("order_id", order.ID),
		zap.String("symbol", order.Symbol),
		zap.Float64("volume", order.OpenVolume),
		zap.Float64("price", order.OpenPrice),
		zap.Float64("commission", order.Commission))
	return domain.OpenOK(order.ID), nil
}

// CloseOrder resolves and closes the targeted orders. A WAIT_OPEN
// target is always cancelled, never closed, since it never reached the
// exchange. Orders that cannot be closed this cycle are deferred with a
// reason; the next signal cycle retries naturally.
func (l *Lifecycle) CloseOrder(ctx context.Context, job domain.CloseOrderJob) (domain.CloseResult, error) {
	result := domain.CloseResult{Deferred: map[string]domain.FailReason{}}

	if !killswitch.TradeAllowed() {
		result.Deferred["*"] = domain.ReasonTradingDisabled
		return result, nil
	}

	orders, err := l.resolveCloseTargets(ctx, job)
	if err != nil {
		return result, err
	}

	for _, order := range orders {
		switch order.Status {
		case domain.StatusWaitOpen:
			if err := l.cancelWaitOpen(ctx, order, string(job.Reason)); err != nil {
				return result, err
			}
			result.CancelledIDs = append(result.CancelledIDs, order.ID)

		case domain.StatusClosed, domain.StatusCancelled:
			// Closing an already-final order is rejected, not silently
			// reprocessed.
			result.Deferred[order.ID] = domain.ReasonAlreadyFinal

		case domain.StatusOpened:
			var reason domain.FailReason
			switch {
			case order.IsVirtual:
				reason, err = l.closeVirtual(ctx, order, job.Reason)
			case !killswitch.RealAllowed():
				// Virtual closes keep working; real ones wait for the
				// switch to flip back.
				reason = domain.ReasonRealDisabled
			default:
				reason, err = l.closeReal(ctx, order, job.Reason)
			}
			if err != nil {
				return result, err
			}
			if reason != "" {
				result.Deferred[order.ID] = reason
			} else {
				result.ClosedIDs = append(result.ClosedIDs, order.ID)
			}
		}
	}

	l.clearSymbolStopIfFlat(ctx, job.ExchangeID, job.UserID, job.Symbol, orders)
	return result, nil
}

func (l *Lifecycle) resolveCloseTargets(ctx context.Context, job domain.CloseOrderJob) ([]*domain.TradeOrder, error) {
	ids := append([]string{}, job.OrderIDs...)
	if job.OrderID != "" {
		ids = append(ids, job.OrderID)
	}
	if len(ids) > 0 {
		orders := make([]*domain.TradeOrder, 0, len(ids))
		for _, id := range ids {
			order, err := l.store.GetOrder(ctx, id)
			if errors.Is(err, domain.ErrOrderNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			orders = append(orders, order)
		}
		return orders, nil
	}
	// All for symbol.
	return l.store.GetOrders(ctx, domain.OrderFilter{
		ExchangeID: job.ExchangeID,
		UserID:     job.UserID,
		Symbol:     job.Symbol,
		Statuses:   []domain.OrderStatus{domain.StatusWaitOpen, domain.StatusOpened},
	})
}

func (l *Lifecycle) closeVirtual(ctx context.Context, order *domain.TradeOrder, reason domain.SignalKind) (domain.FailReason, error) {
	price, err := l.gateway.GetMarketPrice(ctx, order.ExchangeID, order.Symbol)
	if err != nil || price == nil || price.Bid <= 0 {
		return domain.ReasonNoPrice, nil
	}

	proceeds := price.Bid * order.OpenVolume
	fee := proceeds * l.params.FeePercent / 100
	credit := domain.RoundMoney(proceeds - fee)
	if _, err := l.store.IncreaseVirtualBalance(ctx, order.UserID, order.ExchangeID, credit); err != nil {
		return "", err
	}

	order.Status = domain.StatusClosed
	order.CloseTime = time.Now().UTC()
	order.ClosePrice = price.Bid
	order.Profit = domain.RoundMoney(proceeds - fee - order.OpenCost - order.Commission)
	order.Commission = domain.RoundMoney(order.Commission + fee)
	if err := l.store.SetOrder(ctx, order); err != nil {
		return "", err
	}
	if err := l.audit.SaveOrderHistory(ctx, order); err != nil {
		l.logger.Warn("order history write failed", zap.Error(err))
	}
	metrics.OrderClosed(order.ExchangeID, string(domain.StatusClosed))

	l.logger.Info("virtual order closed",
		zap.String("order_id", order.ID),
		zap.String("reason", string(reason)),
		zap.Float64("profit", order.Profit))
	return "", nil
}

func (l *Lifecycle) closeReal(ctx context.Context, order *domain.TradeOrder, reason domain.SignalKind) (domain.FailReason, error) {
	price, market, err := l.fetchPriceAndMarket(ctx, order.ExchangeID, order.Symbol)
	if err != nil {
		return "", err
	}
	if price == nil || price.Bid <= 0 || market == nil {
		return domain.ReasonNoPrice, nil
	}

	pre, err := l.gateway.GetWalletBalances(ctx, order.UserID, order.ExchangeID)
	if err != nil {
		l.recordGatewayError(ctx, order, err)
		return domain.ReasonGatewayError, nil
	}

	// Closing a buy sells base currency; verify the free balance covers
	// the close. A shortfall within fee tolerance scales the volume
	// down; anything larger defers the close rather than realizing a
	// wrong cost basis.
	closeVolume := order.OpenVolume
	free := pre.Free(market.Base)
	if free < closeVolume {
		shortfall := closeVolume - free
		if shortfall > closeVolume*l.feeTolerancePercent/100 {
			if err := l.audit.SaveOrderEvent(ctx, order.ID, "CLOSE_DEFERRED",
				fmt.Sprintf("insufficient %s balance: need %.8f, free %.8f", market.Base, closeVolume, free)); err != nil {
				l.logger.Warn("audit write failed", zap.Error(err))
			}
			return domain.ReasonInsufficientBalance, nil
		}
		closeVolume = domain.RoundVolume(free, market.VolumePrecision)
	}
	if closeVolume <= 0 || closeVolume*price.Bid < market.MinCost {
		if err := l.audit.SaveOrderEvent(ctx, order.ID, "CLOSE_DEFERRED",
			fmt.Sprintf("close cost %.8f below market minimum %.8f", closeVolume*price.Bid, market.MinCost)); err != nil {
			l.logger.Warn("audit write failed", zap.Error(err))
		}
		return domain.ReasonBelowMinimum, nil
	}

	closing := *order
	closing.OpenVolume = closeVolume
	fill, err := l.gateway.CloseOrder(ctx, &closing)
	if err != nil {
		l.recordGatewayError(ctx, order, err)
		return domain.ReasonGatewayError, nil
	}

	fillPrice := fill.Price
	if fillPrice <= 0 {
		fillPrice = price.Bid
	}
	proceeds := fillPrice * fill.Filled
	var closeFee float64
	if fill.FeeKnown {
		// Sell-side fees are charged in quote units.
		closeFee = fill.Fee
		if err := l.refreshWallet(ctx, order.UserID, order.ExchangeID); err != nil {
			l.logger.Warn("wallet refresh failed", zap.Error(err))
		}
	} else {
		post, err := l.gateway.GetWalletBalances(ctx, order.UserID, order.ExchangeID)
		if err == nil {
			quoteDelta := post.Free(market.Quote) - pre.Free(market.Quote)
			if quoteDelta > 0 && quoteDelta < proceeds {
				closeFee = proceeds - quoteDelta
			}
			if err := l.store.SetWalletBalance(ctx, order.UserID, order.ExchangeID, post); err != nil {
				l.logger.Warn("wallet snapshot write failed", zap.Error(err))
			}
		}
	}

	order.Status = domain.StatusClosed
	order.CloseTime = time.Now().UTC()
	order.ClosePrice = fillPrice
	order.Profit = domain.RoundMoney(proceeds - closeFee - order.OpenCost - order.Commission)
	order.Commission = domain.RoundMoney(order.Commission + closeFee)
	if err := l.store.SetOrder(ctx, order); err != nil {
		return "", err
	}
	if err := l.audit.SaveOrderHistory(ctx, order); err != nil {
		l.logger.Warn("order history write failed", zap.Error(err))
	}
	metrics.OrderClosed(order.ExchangeID, string(domain.StatusClosed))

	l.logger.Info("real order closed",
		zap.String("order_id", order.ID),
		zap.String("reason", string(reason)),
		zap.Float64("volume", fill.Filled),
		zap.Float64("profit", order.Profit))
	return "", nil
}

// CancelOrder is the virtual-only removal path: reserved balance goes
// back to the ledger and the exchange is never contacted.
func (l *Lifecycle) CancelOrder(ctx context.Context, orderID string) (domain.FailReason, error) {
	order, err := l.store.GetOrder(ctx, orderID)
	if errors.Is(err, domain.ErrOrderNotFound) {
		return domain.ReasonNotFound, nil
	}
	if err != nil {
		return "", err
	}

	switch order.Status {
	case domain.StatusCancelled:
		return "", nil // idempotent on redelivery
	case domain.StatusClosed:
		return domain.ReasonAlreadyFinal, nil
	case domain.StatusWaitOpen:
		return "", l.cancelWaitOpen(ctx, order, "cancel requested")
	}

	if !order.IsVirtual {
		return domain.ReasonRealOrder, nil
	}

	refund := domain.RoundMoney(order.OpenCost + order.Commission)
	if _, err := l.store.IncreaseVirtualBalance(ctx, order.UserID, order.ExchangeID, refund); err != nil {
		return "", err
	}
	order.Status = domain.StatusCancelled
	order.CloseTime = time.Now().UTC()
	order.ClosePrice = order.OpenPrice
	if err := l.store.SetOrder(ctx, order); err != nil {
		return "", err
	}
	metrics.OrderClosed(order.ExchangeID, string(domain.StatusCancelled))

	l.logger.Info("virtual order cancelled",
		zap.String("order_id", order.ID), zap.Float64("refund", refund))
	return "", nil
}

// UpdateOrder adjusts stop-loss / take-profit on an open order.
func (l *Lifecycle) UpdateOrder(ctx context.Context, job domain.UpdateOrderJob) (domain.FailReason, error) {
	order, err := l.store.GetOrder(ctx, job.OrderID)
	if errors.Is(err, domain.ErrOrderNotFound) {
		return domain.ReasonNotFound, nil
	}
	if err != nil {
		return "", err
	}
	if order.IsFinal() {
		return domain.ReasonAlreadyFinal, nil
	}
	if job.StopLoss != nil {
		order.StopLoss = *job.StopLoss
	}
	if job.TakeProfit != nil {
		order.TakeProfit = *job.TakeProfit
	}
	return "", l.store.SetOrder(ctx, order)
}

// --- internals ---

// cancelWaitOpen transitions a WAIT_OPEN order to CANCELLED and frees
// its semaphore when it still points at this order.
func (l *Lifecycle) cancelWaitOpen(ctx context.Context, order *domain.TradeOrder, why string) error {
	order.Status = domain.StatusCancelled
	order.CloseTime = time.Now().UTC()
	if err := l.store.SetOrder(ctx, order); err != nil {
		return err
	}

	pendingID, err := l.store.GetPendingOrder(ctx, order.ExchangeID, order.Symbol, order.UserID)
	if err != nil {
		return err
	}
	if pendingID == order.ID {
		if err := l.store.ReleasePendingOrder(ctx, order.ExchangeID, order.Symbol, order.UserID); err != nil {
			return err
		}
	}
	metrics.OrderClosed(order.ExchangeID, string(domain.StatusCancelled))

	l.logger.Info("wait-open order cancelled",
		zap.String("order_id", order.ID), zap.String("why", why))
	return nil
}

// enforceSingleAccounting keeps a symbol either virtual or real for a
// user, never both: once real OPENED orders exist, all virtual ones for
// the tuple are cancelled and refunded.
func (l *Lifecycle) enforceSingleAccounting(ctx context.Context, userID, exchangeID, symbol string) error {
	virtual := true
	orders, err := l.store.GetOrders(ctx, domain.OrderFilter{
		ExchangeID: exchangeID,
		UserID:     userID,
		Symbol:     symbol,
		Statuses:   []domain.OrderStatus{domain.StatusOpened},
		IsVirtual:  &virtual,
	})
	if err != nil {
		return err
	}
	for _, o := range orders {
		if _, err := l.CancelOrder(ctx, o.ID); err != nil {
			return err
		}
	}
	return nil
}

func (l *Lifecycle) clearSymbolStopIfFlat(ctx context.Context, exchangeID, userID, symbol string, touched []*domain.TradeOrder) {
	if symbol == "" && len(touched) > 0 {
		symbol = touched[0].Symbol
	}
	if symbol == "" || userID == "" {
		return
	}
	open, err := l.store.GetOrders(ctx, domain.OrderFilter{
		ExchangeID: exchangeID,
		UserID:     userID,
		Symbol:     symbol,
		Statuses:   []domain.OrderStatus{domain.StatusOpened},
	})
	if err != nil || len(open) > 0 {
		return
	}
	if err := l.store.DeleteSymbolStopLoss(ctx, exchangeID, userID, symbol); err != nil {
		l.logger.Warn("clear symbol stop-loss failed", zap.Error(err))
	}
}

// fetchPriceAndMarket issues the two independent gateway reads
// concurrently.
func (l *Lifecycle) fetchPriceAndMarket(ctx context.Context, exchangeID, symbol string) (*domain.MarketPrice, *domain.Market, error) {
	var (
		wg        sync.WaitGroup
		price     *domain.MarketPrice
		market    *domain.Market
		priceErr  error
		marketErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		price, priceErr = l.gateway.GetMarketPrice(ctx, exchangeID, symbol)
	}()
	go func() {
		defer wg.Done()
		market, marketErr = l.gateway.GetMarket(ctx, exchangeID, symbol)
	}()
	wg.Wait()

	// Missing data is transient, not an error; callers skip the cycle.
	if priceErr != nil {
		l.logger.Debug("price fetch failed", zap.String("symbol", symbol), zap.Error(priceErr))
		price = nil
	}
	if marketErr != nil {
		l.logger.Debug("market fetch failed", zap.String("symbol", symbol), zap.Error(marketErr))
		market = nil
	}
	return price, market, nil
}

// failOpen finalizes an order that never opened.
func (l *Lifecycle) failOpen(ctx context.Context, order *domain.TradeOrder, reason domain.FailReason) (domain.OpenResult, error) {
	order.Status = domain.StatusCancelled
	order.CloseTime = time.Now().UTC()
	if err := l.store.SetOrder(ctx, order); err != nil {
		return domain.OpenResult{}, err
	}
	return domain.OpenFail(reason), nil
}

// handleGatewayFailure classifies an exchange error during open, tears
// down what it must, and turns it into a tagged failure.
func (l *Lifecycle) handleGatewayFailure(ctx context.Context, order *domain.TradeOrder, err error) (domain.OpenResult, error) {
	l.recordGatewayError(ctx, order, err)
	if _, ferr := l.failOpen(ctx, order, domain.ReasonGatewayError); ferr != nil {
		return domain.OpenResult{}, ferr
	}
	return domain.OpenFail(domain.ReasonGatewayError), nil
}

func (l *Lifecycle) recordGatewayError(ctx context.Context, order *domain.TradeOrder, err error) {
	kind := domain.ClassifyGatewayError(err)
	if aerr := l.audit.SaveOrderEvent(ctx, order.ID, "GATEWAY_"+string(kind), err.Error()); aerr != nil {
		l.logger.Warn("audit write failed", zap.Error(aerr))
	}

	switch kind {
	case domain.GatewayAuth:
		// Terminal for the account: no further real orders until the
		// user fixes their keys.
		if berr := l.users.MarkAccountBroken(ctx, order.UserID, order.ExchangeID); berr != nil {
			l.logger.Error("mark account broken failed",
				zap.String("user_id", order.UserID), zap.Error(berr))
		}
		l.logger.Error("gateway auth failure, account marked broken",
			zap.String("user_id", order.UserID),
			zap.String("exchange_id", order.ExchangeID), zap.Error(err))
	case domain.GatewayRateLimit:
		l.logger.Warn("gateway rate limited", zap.String("exchange_id", order.ExchangeID), zap.Error(err))
	default:
		l.logger.Error("gateway error", zap.String("order_id", order.ID), zap.Error(err))
	}
}

func (l *Lifecycle) refreshWallet(ctx context.Context, userID, exchangeID string) error {
	balance, err := l.gateway.GetWalletBalances(ctx, userID, exchangeID)
	if err != nil {
		return err
	}
	return l.store.SetWalletBalance(ctx, userID, exchangeID, balance)
}

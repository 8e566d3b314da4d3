package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vortexlab/tradengine/internal/domain"
	"github.com/vortexlab/tradengine/internal/killswitch"
	"go.uber.org/zap"
)

type lifecycleFixture struct {
	store   *memStore
	gateway *mockGateway
	audit   *mockAudit
	users   *mockUsers
	manager *Lifecycle
}

func newLifecycleFixture(t *testing.T) *lifecycleFixture {
	t.Helper()
	store := newMemStore()
	gateway := newMockGateway()
	audit := &mockAudit{}
	users := &mockUsers{}

	gateway.prices["BTCUSDT"] = &domain.MarketPrice{Bid: 99.9, Ask: 100, Timestamp: time.Now()}
	gateway.markets["BTCUSDT"] = &domain.Market{
		Symbol: "BTCUSDT", Base: "BTC", Quote: "USDT",
		MinLot: 0.0001, MinCost: 1,
		VolumePrecision: 4, PricePrecision: 2,
		Active: true, Spot: true,
	}

	manager := NewLifecycle(store, gateway, audit, users,
		domain.DefaultParameters, "mgr-1", time.Minute, zap.NewNop())
	return &lifecycleFixture{store: store, gateway: gateway, audit: audit, users: users, manager: manager}
}

func openSig(orderID string, virtual bool, volume float64) domain.TradeSignal {
	return domain.TradeSignal{
		OrderID:    orderID,
		UserID:     "u1",
		ExchangeID: "bybit",
		Symbol:     "BTCUSDT",
		Kind:       domain.SignalOpenFirst,
		Type:       domain.OrderBuy,
		IsVirtual:  virtual,
		Price:      100,
		Volume:     volume,
	}
}

func TestOpenVirtualOrderDebitsBalance(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetVirtualBalance(ctx, "u1", "bybit", 1000))

	result, err := f.manager.OpenOrder(ctx, openSig("ord-1", true, 0.5))

	require.NoError(t, err)
	require.True(t, result.OK(), "reason: %s", result.Reason)

	order, err := f.store.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpened, order.Status)
	assert.InDelta(t, 0.5, order.OpenVolume, 1e-9)
	assert.InDelta(t, 50, order.OpenCost, 1e-9)
	assert.InDelta(t, 0.05, order.Commission, 1e-9)

	// Cost plus the 0.1% virtual fee.
	balance, _ := f.store.GetVirtualBalance(ctx, "u1", "bybit")
	assert.InDelta(t, 949.95, balance, 1e-9)

	// Semaphore released on success.
	pending, _ := f.store.GetPendingOrder(ctx, "bybit", "BTCUSDT", "u1")
	assert.Empty(t, pending)

	// The exchange never saw a virtual order.
	assert.Empty(t, f.gateway.opened)
}

func TestOpenVirtualRefusedOnProjectedOverdraft(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetVirtualBalance(ctx, "u1", "bybit", 40))

	result, err := f.manager.OpenOrder(ctx, openSig("ord-1", true, 0.5))

	require.NoError(t, err)
	assert.Equal(t, domain.ReasonInsufficientBalance, result.Reason)

	order, err := f.store.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, order.Status)

	balance, _ := f.store.GetVirtualBalance(ctx, "u1", "bybit")
	assert.InDelta(t, 40, balance, 1e-9)
}

func TestOpenOrderRedeliveryIsIdempotent(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetVirtualBalance(ctx, "u1", "bybit", 1000))

	sig := openSig("ord-1", true, 0.5)
	first, err := f.manager.OpenOrder(ctx, sig)
	require.NoError(t, err)
	require.True(t, first.OK())

	second, err := f.manager.OpenOrder(ctx, sig)
	require.NoError(t, err)
	assert.True(t, second.OK())
	assert.Equal(t, "ord-1", second.OrderID)

	// No duplicate debit.
	balance, _ := f.store.GetVirtualBalance(ctx, "u1", "bybit")
	assert.InDelta(t, 949.95, balance, 1e-9)
}

func TestOpenOrderRejectsFinalOrderRedelivery(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetOrder(ctx, &domain.TradeOrder{
		ID: "ord-1", UserID: "u1", ExchangeID: "bybit", Symbol: "BTCUSDT",
		Status: domain.StatusClosed,
	}))

	result, err := f.manager.OpenOrder(ctx, openSig("ord-1", true, 0.5))

	require.NoError(t, err)
	assert.Equal(t, domain.ReasonAlreadyFinal, result.Reason)
}

func TestOpenOrderBlockedByForeignPendingOrder(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetVirtualBalance(ctx, "u1", "bybit", 1000))

	// Another manager's WAIT_OPEN order holds the semaphore.
	require.NoError(t, f.store.SetOrder(ctx, &domain.TradeOrder{
		ID: "foreign", UserID: "u1", ExchangeID: "bybit", Symbol: "BTCUSDT",
		Status: domain.StatusWaitOpen, ManagerID: "mgr-other",
	}))
	acquired, err := f.store.AcquirePendingOrder(ctx, "bybit", "BTCUSDT", "u1", "foreign", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	result, err := f.manager.OpenOrder(ctx, openSig("ord-1", true, 0.5))

	require.NoError(t, err)
	assert.Equal(t, domain.ReasonPendingExists, result.Reason)
}

func TestOpenOrderSupersedesOwnStalePending(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetVirtualBalance(ctx, "u1", "bybit", 1000))

	require.NoError(t, f.store.SetOrder(ctx, &domain.TradeOrder{
		ID: "stale", UserID: "u1", ExchangeID: "bybit", Symbol: "BTCUSDT",
		Status: domain.StatusWaitOpen, ManagerID: "mgr-1",
	}))
	acquired, err := f.store.AcquirePendingOrder(ctx, "bybit", "BTCUSDT", "u1", "stale", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	result, err := f.manager.OpenOrder(ctx, openSig("ord-2", true, 0.5))

	require.NoError(t, err)
	assert.True(t, result.OK(), "reason: %s", result.Reason)

	stale, err := f.store.GetOrder(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, stale.Status)
}

func TestOpenOrderKillSwitches(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()

	t.Setenv(killswitch.EnvTradeAllowed, "0")
	result, err := f.manager.OpenOrder(ctx, openSig("ord-1", true, 0.5))
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonTradingDisabled, result.Reason)

	t.Setenv(killswitch.EnvTradeAllowed, "1")
	t.Setenv(killswitch.EnvTradeOpenNewAllowed, "false")
	result, err = f.manager.OpenOrder(ctx, openSig("ord-1", true, 0.5))
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonOpenNewDisabled, result.Reason)

	t.Setenv(killswitch.EnvTradeOpenNewAllowed, "1")
	t.Setenv(killswitch.EnvTradeRealAllowed, "off")
	result, err = f.manager.OpenOrder(ctx, openSig("ord-1", false, 0.5))
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonRealDisabled, result.Reason)
}

func TestOpenRealDerivesCommissionFromWalletDelta(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()

	f.gateway.wallets["u1"] = domain.WalletBalance{"USDT": 1000, "BTC": 0}
	f.gateway.fill = &domain.Fill{Price: 100, Filled: 0.5, FeeKnown: false}
	// The exchange settles 0.4995 BTC: 0.0005 BTC went to fees.
	f.gateway.walletAfterFill = domain.WalletBalance{"USDT": 950, "BTC": 0.4995}

	result, err := f.manager.OpenOrder(ctx, openSig("ord-1", false, 0.5))

	require.NoError(t, err)
	require.True(t, result.OK(), "reason: %s", result.Reason)

	order, err := f.store.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpened, order.Status)
	assert.InDelta(t, 0.4995, order.OpenVolume, 1e-9)
	assert.InDelta(t, 0.05, order.Commission, 1e-9)
	require.Len(t, f.gateway.opened, 1)
}

func TestOpenRealInsufficientQuoteBalance(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	f.gateway.wallets["u1"] = domain.WalletBalance{"USDT": 10}

	result, err := f.manager.OpenOrder(ctx, openSig("ord-1", false, 0.5))

	require.NoError(t, err)
	assert.Equal(t, domain.ReasonInsufficientBalance, result.Reason)
	assert.Empty(t, f.gateway.opened)
	assert.NotEmpty(t, f.audit.events)
}

func TestOpenRealCancelsVirtualOrdersOnSameSymbol(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetVirtualBalance(ctx, "u1", "bybit", 0))
	require.NoError(t, f.store.SetOrder(ctx, &domain.TradeOrder{
		ID: "virt-1", UserID: "u1", ExchangeID: "bybit", Symbol: "BTCUSDT",
		Status: domain.StatusOpened, IsVirtual: true,
		OpenPrice: 100, OpenVolume: 0.5, OpenCost: 50, Commission: 0.05,
	}))
	f.gateway.wallets["u1"] = domain.WalletBalance{"USDT": 1000, "BTC": 0}

	result, err := f.manager.OpenOrder(ctx, openSig("ord-1", false, 0.5))

	require.NoError(t, err)
	require.True(t, result.OK(), "reason: %s", result.Reason)

	virt, err := f.store.GetOrder(ctx, "virt-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, virt.Status)

	// Virtual ledger refunded cost plus fee.
	balance, _ := f.store.GetVirtualBalance(ctx, "u1", "bybit")
	assert.InDelta(t, 50.05, balance, 1e-9)
}

func TestOpenVirtualRefusedWhileRealOrdersOpen(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetVirtualBalance(ctx, "u1", "bybit", 1000))
	require.NoError(t, f.store.SetOrder(ctx, &domain.TradeOrder{
		ID: "real-1", UserID: "u1", ExchangeID: "bybit", Symbol: "BTCUSDT",
		Type: domain.OrderBuy, Status: domain.StatusOpened, IsVirtual: false,
		OpenPrice: 100, OpenVolume: 0.5, OpenCost: 50,
	}))

	result, err := f.manager.OpenOrder(ctx, openSig("ord-1", true, 0.5))

	require.NoError(t, err)
	assert.Equal(t, domain.ReasonRealOrder, result.Reason)

	order, err := f.store.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, order.Status)

	// Ledger untouched, real position untouched, never both kinds open.
	balance, _ := f.store.GetVirtualBalance(ctx, "u1", "bybit")
	assert.InDelta(t, 1000, balance, 1e-9)
	real, err := f.store.GetOrder(ctx, "real-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpened, real.Status)

	// A different symbol is unaffected.
	f.gateway.prices["ETHUSDT"] = &domain.MarketPrice{Bid: 9.99, Ask: 10, Timestamp: time.Now()}
	f.gateway.markets["ETHUSDT"] = &domain.Market{
		Symbol: "ETHUSDT", Base: "ETH", Quote: "USDT",
		MinLot: 0.0001, MinCost: 1, VolumePrecision: 4, Active: true, Spot: true,
	}
	sig := openSig("ord-2", true, 1)
	sig.Symbol = "ETHUSDT"
	other, err := f.manager.OpenOrder(ctx, sig)
	require.NoError(t, err)
	assert.True(t, other.OK(), "reason: %s", other.Reason)
}

func TestCloseVirtualOrderRealizesProfit(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetVirtualBalance(ctx, "u1", "bybit", 949.95))
	require.NoError(t, f.store.SetOrder(ctx, &domain.TradeOrder{
		ID: "ord-1", UserID: "u1", ExchangeID: "bybit", Symbol: "BTCUSDT",
		Type: domain.OrderBuy, Status: domain.StatusOpened, IsVirtual: true,
		OpenPrice: 100, OpenVolume: 0.5, OpenCost: 50, Commission: 0.05,
	}))
	f.gateway.prices["BTCUSDT"] = &domain.MarketPrice{Bid: 110, Ask: 110.1, Timestamp: time.Now()}

	result, err := f.manager.CloseOrder(ctx, domain.CloseOrderJob{
		OrderID: "ord-1", UserID: "u1", ExchangeID: "bybit", Symbol: "BTCUSDT",
		Reason: domain.SignalCloseTP, Virtual: true,
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"ord-1"}, result.ClosedIDs)
	assert.Empty(t, result.Deferred)

	order, err := f.store.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, order.Status)
	assert.InDelta(t, 110, order.ClosePrice, 1e-9)
	// Proceeds 55 minus 0.055 close fee, minus 50 cost and 0.05 open fee.
	assert.InDelta(t, 4.9, order.Profit, 0.02)

	balance, _ := f.store.GetVirtualBalance(ctx, "u1", "bybit")
	assert.InDelta(t, 1004.9, balance, 0.02)

	require.Len(t, f.audit.history, 1)
}

func TestCloseRealDeferredOnInsufficientBaseBalance(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetOrder(ctx, &domain.TradeOrder{
		ID: "ord-1", UserID: "u1", ExchangeID: "bybit", Symbol: "BTCUSDT",
		Type: domain.OrderBuy, Status: domain.StatusOpened,
		OpenPrice: 100, OpenVolume: 0.5, OpenCost: 50,
	}))
	// Free balance far short of the 0.5 needed to sell.
	f.gateway.wallets["u1"] = domain.WalletBalance{"BTC": 0.3, "USDT": 0}

	result, err := f.manager.CloseOrder(ctx, domain.CloseOrderJob{
		OrderID: "ord-1", UserID: "u1", ExchangeID: "bybit", Symbol: "BTCUSDT",
		Reason: domain.SignalCloseSL,
	})

	require.NoError(t, err)
	assert.Empty(t, result.ClosedIDs)
	assert.Equal(t, domain.ReasonInsufficientBalance, result.Deferred["ord-1"])

	// Order stays open for the next cycle, with an audit trail.
	order, err := f.store.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpened, order.Status)
	assert.NotEmpty(t, f.audit.events)
	assert.Empty(t, f.gateway.closed)
}

func TestCloseRealDeferredWhenRealSwitchOff(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetVirtualBalance(ctx, "u1", "bybit", 0))
	require.NoError(t, f.store.SetOrder(ctx, &domain.TradeOrder{
		ID: "real-1", UserID: "u1", ExchangeID: "bybit", Symbol: "BTCUSDT",
		Type: domain.OrderBuy, Status: domain.StatusOpened, IsVirtual: false,
		OpenPrice: 100, OpenVolume: 0.5, OpenCost: 50,
	}))
	require.NoError(t, f.store.SetOrder(ctx, &domain.TradeOrder{
		ID: "virt-1", UserID: "u1", ExchangeID: "bybit", Symbol: "BTCUSDT",
		Type: domain.OrderBuy, Status: domain.StatusOpened, IsVirtual: true,
		OpenPrice: 100, OpenVolume: 0.5, OpenCost: 50, Commission: 0.05,
	}))
	f.gateway.wallets["u1"] = domain.WalletBalance{"BTC": 0.5, "USDT": 0}
	t.Setenv(killswitch.EnvTradeRealAllowed, "0")

	result, err := f.manager.CloseOrder(ctx, domain.CloseOrderJob{
		UserID: "u1", ExchangeID: "bybit", Symbol: "BTCUSDT",
		Reason: domain.SignalCloseTP,
	})

	require.NoError(t, err)
	assert.Equal(t, domain.ReasonRealDisabled, result.Deferred["real-1"])
	// The virtual leg still closes.
	assert.Equal(t, []string{"virt-1"}, result.ClosedIDs)

	// The exchange was never contacted and the real order stays open.
	assert.Empty(t, f.gateway.closed)
	real, err := f.store.GetOrder(ctx, "real-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpened, real.Status)
}

func TestCloseRealScalesVolumeWithinFeeTolerance(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetOrder(ctx, &domain.TradeOrder{
		ID: "ord-1", UserID: "u1", ExchangeID: "bybit", Symbol: "BTCUSDT",
		Type: domain.OrderBuy, Status: domain.StatusOpened,
		OpenPrice: 100, OpenVolume: 0.5, OpenCost: 50,
	}))
	// Short by 0.0004 of 0.5 (0.08%), within the 0.2% tolerance.
	f.gateway.wallets["u1"] = domain.WalletBalance{"BTC": 0.4996, "USDT": 0}
	f.gateway.fill = &domain.Fill{Price: 99.9, Filled: 0.4996, Fee: 0.05, FeeKnown: true}

	result, err := f.manager.CloseOrder(ctx, domain.CloseOrderJob{
		OrderID: "ord-1", UserID: "u1", ExchangeID: "bybit", Symbol: "BTCUSDT",
		Reason: domain.SignalCloseTP,
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"ord-1"}, result.ClosedIDs)
	require.Len(t, f.gateway.closed, 1)
	assert.InDelta(t, 0.4996, f.gateway.closed[0].OpenVolume, 1e-9)
}

func TestCloseCancelsWaitOpenOrders(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetOrder(ctx, &domain.TradeOrder{
		ID: "ord-1", UserID: "u1", ExchangeID: "bybit", Symbol: "BTCUSDT",
		Status: domain.StatusWaitOpen, ManagerID: "mgr-1",
	}))
	_, err := f.store.AcquirePendingOrder(ctx, "bybit", "BTCUSDT", "u1", "ord-1", time.Minute)
	require.NoError(t, err)

	result, err := f.manager.CloseOrder(ctx, domain.CloseOrderJob{
		OrderID: "ord-1", UserID: "u1", ExchangeID: "bybit", Symbol: "BTCUSDT",
		Reason: domain.SignalCloseDisabled,
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"ord-1"}, result.CancelledIDs)

	order, err := f.store.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, order.Status)

	pending, _ := f.store.GetPendingOrder(ctx, "bybit", "BTCUSDT", "u1")
	assert.Empty(t, pending)
}

func TestCloseRejectsFinalOrders(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetOrder(ctx, &domain.TradeOrder{
		ID: "ord-1", UserID: "u1", ExchangeID: "bybit", Symbol: "BTCUSDT",
		Status: domain.StatusClosed,
	}))

	result, err := f.manager.CloseOrder(ctx, domain.CloseOrderJob{
		OrderID: "ord-1", UserID: "u1", ExchangeID: "bybit", Symbol: "BTCUSDT",
		Reason: domain.SignalCloseTP,
	})

	require.NoError(t, err)
	assert.Equal(t, domain.ReasonAlreadyFinal, result.Deferred["ord-1"])
}

func TestCloseClearsSymbolStopWhenFlat(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetVirtualBalance(ctx, "u1", "bybit", 1000))
	require.NoError(t, f.store.SetSymbolStopLoss(ctx, "bybit", "u1", "BTCUSDT", 1.4))
	require.NoError(t, f.store.SetOrder(ctx, &domain.TradeOrder{
		ID: "ord-1", UserID: "u1", ExchangeID: "bybit", Symbol: "BTCUSDT",
		Type: domain.OrderBuy, Status: domain.StatusOpened, IsVirtual: true,
		OpenPrice: 100, OpenVolume: 0.5, OpenCost: 50,
	}))

	_, err := f.manager.CloseOrder(ctx, domain.CloseOrderJob{
		UserID: "u1", ExchangeID: "bybit", Symbol: "BTCUSDT",
		Reason: domain.SignalCloseSymbolSL, Virtual: true,
	})
	require.NoError(t, err)

	stop, err := f.store.GetSymbolStopLoss(ctx, "bybit", "u1", "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, stop)
}

func TestCancelOrderIsVirtualOnly(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetOrder(ctx, &domain.TradeOrder{
		ID: "real-1", UserID: "u1", ExchangeID: "bybit", Symbol: "BTCUSDT",
		Status: domain.StatusOpened, IsVirtual: false,
		OpenPrice: 100, OpenVolume: 0.5, OpenCost: 50,
	}))

	reason, err := f.manager.CancelOrder(ctx, "real-1")

	require.NoError(t, err)
	assert.Equal(t, domain.ReasonRealOrder, reason)

	order, _ := f.store.GetOrder(ctx, "real-1")
	assert.Equal(t, domain.StatusOpened, order.Status)
}

func TestCancelVirtualOrderRefunds(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetVirtualBalance(ctx, "u1", "bybit", 100))
	require.NoError(t, f.store.SetOrder(ctx, &domain.TradeOrder{
		ID: "virt-1", UserID: "u1", ExchangeID: "bybit", Symbol: "BTCUSDT",
		Status: domain.StatusOpened, IsVirtual: true,
		OpenPrice: 100, OpenVolume: 0.5, OpenCost: 50, Commission: 0.05,
	}))

	reason, err := f.manager.CancelOrder(ctx, "virt-1")

	require.NoError(t, err)
	assert.Empty(t, reason)

	balance, _ := f.store.GetVirtualBalance(ctx, "u1", "bybit")
	assert.InDelta(t, 150.05, balance, 1e-9)

	// Redelivery of the same cancel is a no-op.
	reason, err = f.manager.CancelOrder(ctx, "virt-1")
	require.NoError(t, err)
	assert.Empty(t, reason)
	balance, _ = f.store.GetVirtualBalance(ctx, "u1", "bybit")
	assert.InDelta(t, 150.05, balance, 1e-9)
}

func TestUpdateOrderSetsStops(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetOrder(ctx, &domain.TradeOrder{
		ID: "ord-1", UserID: "u1", ExchangeID: "bybit", Symbol: "BTCUSDT",
		Status: domain.StatusOpened, IsVirtual: true,
	}))

	sl, tp := 95.0, 120.0
	reason, err := f.manager.UpdateOrder(ctx, domain.UpdateOrderJob{
		OrderID: "ord-1", StopLoss: &sl, TakeProfit: &tp,
	})

	require.NoError(t, err)
	assert.Empty(t, reason)

	order, _ := f.store.GetOrder(ctx, "ord-1")
	assert.Equal(t, 95.0, order.StopLoss)
	assert.Equal(t, 120.0, order.TakeProfit)
}

package usecase

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vortexlab/tradengine/internal/domain"
)

// In-memory fakes for the domain interfaces. They mimic the semantics
// the engine relies on (set-if-absent semaphore, balance arithmetic,
// status filters) without a real Redis.

type memStore struct {
	mu sync.Mutex

	orders    map[string]*domain.TradeOrder
	pending   map[string]string
	vbalances map[string]float64
	wallets   map[string]domain.WalletBalance
	stops     map[string]float64
	lastOpen  map[string]string
	leaderID  string
	due       []string
}

func newMemStore() *memStore {
	return &memStore{
		orders:    map[string]*domain.TradeOrder{},
		pending:   map[string]string{},
		vbalances: map[string]float64{},
		wallets:   map[string]domain.WalletBalance{},
		stops:     map[string]float64{},
		lastOpen:  map[string]string{},
	}
}

func pendKey(exchangeID, symbol, userID string) string {
	return exchangeID + "|" + symbol + "|" + userID
}

func balKey(userID, exchangeID string) string { return userID + "|" + exchangeID }

func slKey(exchangeID, userID, symbol string) string {
	return exchangeID + "|" + userID + "|" + symbol
}

func (m *memStore) GetOrder(ctx context.Context, id string) (*domain.TradeOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memStore) SetOrder(ctx context.Context, order *domain.TradeOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *order
	m.orders[order.ID] = &cp
	return nil
}

func (m *memStore) DeleteOrder(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.orders, id)
	return nil
}

func (m *memStore) GetOrders(ctx context.Context, filter domain.OrderFilter) ([]*domain.TradeOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.TradeOrder
	for _, o := range m.orders {
		if filter.Matches(o) {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) AcquirePendingOrder(ctx context.Context, exchangeID, symbol, userID, orderID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pendKey(exchangeID, symbol, userID)
	if _, held := m.pending[key]; held {
		return false, nil
	}
	m.pending[key] = orderID
	return true, nil
}

func (m *memStore) GetPendingOrder(ctx context.Context, exchangeID, symbol, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[pendKey(exchangeID, symbol, userID)], nil
}

func (m *memStore) ReleasePendingOrder(ctx context.Context, exchangeID, symbol, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, pendKey(exchangeID, symbol, userID))
	return nil
}

func (m *memStore) GetVirtualBalance(ctx context.Context, userID, exchangeID string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vbalances[balKey(userID, exchangeID)], nil
}

func (m *memStore) SetVirtualBalance(ctx context.Context, userID, exchangeID string, sum float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vbalances[balKey(userID, exchangeID)] = sum
	return nil
}

func (m *memStore) IncreaseVirtualBalance(ctx context.Context, userID, exchangeID string, sum float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vbalances[balKey(userID, exchangeID)] += sum
	return m.vbalances[balKey(userID, exchangeID)], nil
}

func (m *memStore) DecreaseVirtualBalance(ctx context.Context, userID, exchangeID string, sum float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vbalances[balKey(userID, exchangeID)] -= sum
	return m.vbalances[balKey(userID, exchangeID)], nil
}

func (m *memStore) GetWalletBalance(ctx context.Context, userID, exchangeID string) (domain.WalletBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wallets[balKey(userID, exchangeID)], nil
}

func (m *memStore) SetWalletBalance(ctx context.Context, userID, exchangeID string, balance domain.WalletBalance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallets[balKey(userID, exchangeID)] = balance
	return nil
}

func (m *memStore) RenewLeader(ctx context.Context, candidateID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leaderID == "" || m.leaderID == candidateID {
		m.leaderID = candidateID
		return true, nil
	}
	return false, nil
}

func (m *memStore) IsLeader(ctx context.Context, candidateID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaderID == candidateID, nil
}

func (m *memStore) GetSymbolStopLoss(ctx context.Context, exchangeID, userID, symbol string) (*float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.stops[slKey(exchangeID, userID, symbol)]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (m *memStore) SetSymbolStopLoss(ctx context.Context, exchangeID, userID, symbol string, threshold float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops[slKey(exchangeID, userID, symbol)] = threshold
	return nil
}

func (m *memStore) DeleteSymbolStopLoss(ctx context.Context, exchangeID, userID, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stops, slKey(exchangeID, userID, symbol))
	return nil
}

func (m *memStore) GetLastOpenedOrder(ctx context.Context, exchangeID, userID string) (*domain.TradeOrder, error) {
	m.mu.Lock()
	id := m.lastOpen[exchangeID+"|"+userID]
	m.mu.Unlock()
	if id == "" {
		return nil, domain.ErrOrderNotFound
	}
	return m.GetOrder(ctx, id)
}

func (m *memStore) SetLastOpenedOrder(ctx context.Context, exchangeID, userID, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastOpen[exchangeID+"|"+userID] = orderID
	return nil
}

func (m *memStore) MarkSymbolDue(ctx context.Context, exchangeID, symbol string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.due {
		if s == symbol {
			return nil
		}
	}
	m.due = append(m.due, symbol)
	return nil
}

func (m *memStore) PopDueSymbols(ctx context.Context, exchangeID string, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit > len(m.due) {
		limit = len(m.due)
	}
	out := m.due[:limit]
	m.due = m.due[limit:]
	return out, nil
}

var _ domain.Store = (*memStore)(nil)

// mockGateway serves canned prices, markets and wallets and records the
// orders it receives.
type mockGateway struct {
	mu sync.Mutex

	prices  map[string]*domain.MarketPrice
	markets map[string]*domain.Market
	wallets map[string]domain.WalletBalance

	fill    *domain.Fill
	openErr error
	// walletAfterFill replaces the wallet once an order executes,
	// emulating the exchange settling the trade.
	walletAfterFill domain.WalletBalance

	opened []*domain.TradeOrder
	closed []*domain.TradeOrder
}

func newMockGateway() *mockGateway {
	return &mockGateway{
		prices:  map[string]*domain.MarketPrice{},
		markets: map[string]*domain.Market{},
		wallets: map[string]domain.WalletBalance{},
	}
}

func (g *mockGateway) GetMarketPrice(ctx context.Context, exchangeID, symbol string) (*domain.MarketPrice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.prices[symbol]
	if !ok {
		return nil, domain.ErrDataNotReady
	}
	return p, nil
}

func (g *mockGateway) GetMarket(ctx context.Context, exchangeID, symbol string) (*domain.Market, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.markets[symbol]
	if !ok {
		return nil, domain.ErrDataNotReady
	}
	return m, nil
}

func (g *mockGateway) GetWalletBalances(ctx context.Context, userID, exchangeID string) (domain.WalletBalance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w := g.wallets[userID]
	cp := domain.WalletBalance{}
	for k, v := range w {
		cp[k] = v
	}
	return cp, nil
}

func (g *mockGateway) OpenBuy(ctx context.Context, order *domain.TradeOrder) (*domain.Fill, error) {
	return g.execute(order, &g.opened)
}

func (g *mockGateway) OpenSell(ctx context.Context, order *domain.TradeOrder) (*domain.Fill, error) {
	return g.execute(order, &g.opened)
}

func (g *mockGateway) CloseOrder(ctx context.Context, order *domain.TradeOrder) (*domain.Fill, error) {
	return g.execute(order, &g.closed)
}

func (g *mockGateway) execute(order *domain.TradeOrder, into *[]*domain.TradeOrder) (*domain.Fill, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.openErr != nil {
		return nil, g.openErr
	}
	cp := *order
	*into = append(*into, &cp)
	if g.walletAfterFill != nil {
		g.wallets[order.UserID] = g.walletAfterFill
	}
	if g.fill != nil {
		return g.fill, nil
	}
	return &domain.Fill{Price: order.OpenPrice, Filled: order.OpenVolume, FeeKnown: false}, nil
}

func (g *mockGateway) CheckOrderParameters(ctx context.Context, order *domain.TradeOrder) (bool, error) {
	return true, nil
}

var _ domain.ExchangeGateway = (*mockGateway)(nil)

// mockQueue records published jobs.
type mockQueue struct {
	mu   sync.Mutex
	jobs []publishedJob
}

type publishedJob struct {
	kind    domain.JobKind
	payload any
}

func (q *mockQueue) Publish(ctx context.Context, kind domain.JobKind, payload any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, publishedJob{kind: kind, payload: payload})
	return nil
}

func (q *mockQueue) byKind(kind domain.JobKind) []publishedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []publishedJob
	for _, j := range q.jobs {
		if j.kind == kind {
			out = append(out, j)
		}
	}
	return out
}

var _ domain.Queue = (*mockQueue)(nil)

// mockFeed serves canned conditions and records refresh requests.
type mockFeed struct {
	mu         sync.Mutex
	conditions map[string]*domain.StrategyCondition
	refreshed  []string
}

func newMockFeed() *mockFeed {
	return &mockFeed{conditions: map[string]*domain.StrategyCondition{}}
}

func (f *mockFeed) GetCondition(ctx context.Context, exchangeID, symbol string) (*domain.StrategyCondition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conditions[symbol]
	if !ok {
		return nil, domain.ErrDataNotReady
	}
	return c, nil
}

func (f *mockFeed) RequestRefresh(ctx context.Context, exchangeID, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = append(f.refreshed, symbol)
	return nil
}

var _ domain.MarketDataFeed = (*mockFeed)(nil)

// mockUsers is a static user directory that records broken accounts.
type mockUsers struct {
	mu     sync.Mutex
	users  []*domain.UserSettings
	broken []string
}

func (u *mockUsers) ActiveUsers(ctx context.Context, exchangeID string) ([]*domain.UserSettings, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.users, nil
}

func (u *mockUsers) MarkAccountBroken(ctx context.Context, userID, exchangeID string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.broken = append(u.broken, userID)
	return nil
}

var _ domain.UserDirectory = (*mockUsers)(nil)

// mockAudit records everything it is asked to persist.
type mockAudit struct {
	mu      sync.Mutex
	signals []*domain.TradeSignal
	events  []domain.OrderEvent
	history []*domain.TradeOrder
}

func (a *mockAudit) SaveSignal(ctx context.Context, signal *domain.TradeSignal) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := *signal
	a.signals = append(a.signals, &cp)
	return nil
}

func (a *mockAudit) SaveOrderEvent(ctx context.Context, orderID, kind, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, domain.OrderEvent{OrderID: orderID, Kind: kind, Message: message})
	return nil
}

func (a *mockAudit) SaveOrderHistory(ctx context.Context, order *domain.TradeOrder) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := *order
	a.history = append(a.history, &cp)
	return nil
}

func (a *mockAudit) ListOrderEvents(ctx context.Context, orderID string, limit int) ([]domain.OrderEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []domain.OrderEvent
	for _, e := range a.events {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out, nil
}

var _ domain.AuditRepository = (*mockAudit)(nil)

package usecase

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/vortexlab/tradengine/internal/domain"
	"github.com/vortexlab/tradengine/internal/killswitch"
	"github.com/vortexlab/tradengine/internal/metrics"
	"go.uber.org/zap"
)

// SignalEngine drains the due-symbol queue for one exchange and runs
// the evaluator for every active user on every due symbol. The batch
// size adapts to the measured cost of a batch so the loop keeps close
// to its wall-clock budget regardless of symbol count.
type SignalEngine struct {
	store     domain.Store
	gateway   domain.ExchangeGateway
	feed      domain.MarketDataFeed
	users     domain.UserDirectory
	queue     domain.Queue
	audit     domain.AuditRepository
	evaluator *Evaluator
	logger    *zap.Logger

	exchangeID string
	params     domain.StrategyParameters

	batchSize    int
	maxBatchSize int
	batchBudget  time.Duration
}

func NewSignalEngine(store domain.Store, gateway domain.ExchangeGateway, feed domain.MarketDataFeed,
	users domain.UserDirectory, queue domain.Queue, audit domain.AuditRepository,
	exchangeID string, params domain.StrategyParameters,
	initialBatch, maxBatch int, batchBudget time.Duration, logger *zap.Logger) *SignalEngine {
	if initialBatch <= 0 {
		initialBatch = 8
	}
	if maxBatch < initialBatch {
		maxBatch = initialBatch
	}
	return &SignalEngine{
		store:        store,
		gateway:      gateway,
		feed:         feed,
		users:        users,
		queue:        queue,
		audit:        audit,
		evaluator:    NewEvaluator(),
		logger:       logger,
		exchangeID:   exchangeID,
		params:       params,
		batchSize:    initialBatch,
		maxBatchSize: maxBatch,
		batchBudget:  batchBudget,
	}
}

// Run loops until the context is cancelled. Each iteration processes
// one batch and reschedules itself with a small jitter so engine
// replicas drain the shared queue without synchronizing.
func (s *SignalEngine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(rescheduleJitter()):
		}

		if err := s.processBatch(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Error("signal batch failed", zap.Error(err))
		}
	}
}

func rescheduleJitter() time.Duration {
	return 50*time.Millisecond + time.Duration(rand.Int63n(int64(200*time.Millisecond)))
}

func (s *SignalEngine) processBatch(ctx context.Context) error {
	started := time.Now()

	symbols, err := s.store.PopDueSymbols(ctx, s.exchangeID, s.batchSize)
	if err != nil {
		return err
	}
	if len(symbols) == 0 {
		return nil
	}

	users, err := s.users.ActiveUsers(ctx, s.exchangeID)
	if err != nil {
		return err
	}

	// Distinct open symbols per user, computed once per batch.
	openCounts := make(map[string]map[string]bool, len(users))
	for _, user := range users {
		counts, err := s.openSymbols(ctx, user.UserID)
		if err != nil {
			return err
		}
		openCounts[user.UserID] = counts
	}

	for _, symbol := range symbols {
		for _, user := range users {
			if !user.HasExchange(s.exchangeID) {
				continue
			}
			if err := s.evaluateFor(ctx, user, symbol, openCounts[user.UserID]); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				s.logger.Warn("evaluation failed",
					zap.String("symbol", symbol),
					zap.String("user_id", user.UserID),
					zap.Error(err))
			}
		}
	}

	cost := time.Since(started)
	s.adaptBatchSize(len(symbols), cost)
	metrics.ObserveBatch(s.exchangeID, s.batchSize, cost)
	return nil
}

// adaptBatchSize grows the batch by one while a full batch fits the
// budget, and shrinks proportionally when it overruns.
func (s *SignalEngine) adaptBatchSize(processed int, cost time.Duration) {
	if cost <= s.batchBudget {
		if processed >= s.batchSize && s.batchSize < s.maxBatchSize {
			s.batchSize++
		}
		return
	}
	next := int(float64(s.batchSize)*float64(s.batchBudget)/float64(cost)) - 1
	if next < 1 {
		next = 1
	}
	s.batchSize = next
}

// CheckOpenOrders re-evaluates every symbol the user holds open orders
// on. Driven by the housekeeping fan-out so positions on quiet symbols
// still get their exits evaluated.
func (s *SignalEngine) CheckOpenOrders(ctx context.Context, userID string) error {
	users, err := s.users.ActiveUsers(ctx, s.exchangeID)
	if err != nil {
		return err
	}
	var user *domain.UserSettings
	for _, u := range users {
		if u.UserID == userID {
			user = u
			break
		}
	}
	if user == nil || !user.HasExchange(s.exchangeID) {
		return nil
	}

	symbols, err := s.openSymbols(ctx, userID)
	if err != nil {
		return err
	}
	for symbol := range symbols {
		if err := s.evaluateFor(ctx, user, symbol, symbols); err != nil {
			s.logger.Warn("open-order evaluation failed",
				zap.String("symbol", symbol),
				zap.String("user_id", userID),
				zap.Error(err))
		}
	}
	return nil
}

// EvaluateSymbol evaluates one symbol for all active users, used by the
// externally triggered indicator check.
func (s *SignalEngine) EvaluateSymbol(ctx context.Context, symbol string) error {
	users, err := s.users.ActiveUsers(ctx, s.exchangeID)
	if err != nil {
		return err
	}
	for _, user := range users {
		if !user.HasExchange(s.exchangeID) {
			continue
		}
		counts, err := s.openSymbols(ctx, user.UserID)
		if err != nil {
			return err
		}
		if err := s.evaluateFor(ctx, user, symbol, counts); err != nil {
			s.logger.Warn("evaluation failed",
				zap.String("symbol", symbol),
				zap.String("user_id", user.UserID),
				zap.Error(err))
		}
	}
	return nil
}

// evaluateFor builds one evaluation input, runs the evaluator and
// dispatches the resulting signals. Missing market data skips the cycle
// and requests a refresh instead of failing.
func (s *SignalEngine) evaluateFor(ctx context.Context, user *domain.UserSettings, symbol string, openSymbols map[string]bool) error {
	price, err := s.gateway.GetMarketPrice(ctx, s.exchangeID, symbol)
	if err != nil || price == nil || price.Ask <= 0 {
		return s.requestRefresh(ctx, symbol)
	}
	market, err := s.gateway.GetMarket(ctx, s.exchangeID, symbol)
	if err != nil || market == nil {
		return s.requestRefresh(ctx, symbol)
	}
	condition, err := s.feed.GetCondition(ctx, s.exchangeID, symbol)
	if err != nil || condition == nil {
		return s.requestRefresh(ctx, symbol)
	}

	params := s.params.Merge(user.Overrides)

	openOrders, err := s.store.GetOrders(ctx, domain.OrderFilter{
		ExchangeID: s.exchangeID,
		UserID:     user.UserID,
		Symbol:     symbol,
		Statuses:   []domain.OrderStatus{domain.StatusOpened},
	})
	if err != nil {
		return err
	}

	virtualBalance, err := s.store.GetVirtualBalance(ctx, user.UserID, s.exchangeID)
	if err != nil {
		return err
	}
	wallet, err := s.store.GetWalletBalance(ctx, user.UserID, s.exchangeID)
	if err != nil {
		return err
	}
	symbolStop, err := s.store.GetSymbolStopLoss(ctx, s.exchangeID, user.UserID, symbol)
	if err != nil {
		return err
	}

	tradable := market.Active &&
		!user.DisabledSymbols[symbol] &&
		!user.DisabledCurrencies[market.Base]
	realAllowed := killswitch.RealAllowed() &&
		user.RealAllowed(s.exchangeID, symbol, market.Base)

	in := EvalInput{
		ExchangeID:      s.exchangeID,
		Symbol:          symbol,
		User:            user,
		Params:          params,
		Price:           *price,
		Market:          *market,
		Condition:       *condition,
		OpenOrders:      openOrders,
		OpenSymbolCount: symbolCount(openSymbols, symbol, len(openOrders) > 0),
		VirtualBalance:  virtualBalance,
		Wallet:          wallet,
		SymbolStopLoss:  symbolStop,
		SymbolTradable:  tradable,
		RealAllowed:     realAllowed,
	}

	s.armTrailingStop(ctx, in)

	for _, sig := range s.evaluator.Evaluate(in) {
		if err := s.dispatch(ctx, sig); err != nil {
			return err
		}
	}
	return nil
}

func symbolCount(openSymbols map[string]bool, symbol string, hasOpen bool) int {
	count := len(openSymbols)
	if hasOpen && !openSymbols[symbol] {
		count++
	}
	return count
}

// armTrailingStop ratchets the symbol-level profit floor upward once
// combined profit crosses the activation level. The floor only ever
// rises; the forced-close rule fires when profit falls back through it.
func (s *SignalEngine) armTrailingStop(ctx context.Context, in EvalInput) {
	if len(in.OpenOrders) == 0 || in.Params.TrailingActivatePercent <= 0 {
		return
	}
	profit := positionProfitPercent(in)
	if profit < in.Params.TrailingActivatePercent {
		return
	}
	floor := profit - in.Params.TrailingGapPercent
	if in.SymbolStopLoss != nil && floor <= *in.SymbolStopLoss {
		return
	}
	if err := s.store.SetSymbolStopLoss(ctx, in.ExchangeID, in.User.UserID, in.Symbol, floor); err != nil {
		s.logger.Warn("arm trailing stop failed",
			zap.String("symbol", in.Symbol), zap.Error(err))
		return
	}
	s.logger.Info("trailing stop armed",
		zap.String("symbol", in.Symbol),
		zap.String("user_id", in.User.UserID),
		zap.Float64("floor", floor))
}

// dispatch logs the signal for audit and turns it into a queue job.
// Open signals get their order id here so redeliveries of the same job
// stay idempotent downstream.
func (s *SignalEngine) dispatch(ctx context.Context, sig domain.TradeSignal) error {
	if sig.Kind.IsOpen() {
		sig.OrderID = uuid.NewString()
	}
	if err := s.audit.SaveSignal(ctx, &sig); err != nil {
		s.logger.Warn("signal audit write failed", zap.Error(err))
	}
	metrics.SignalProduced(s.exchangeID, string(sig.Kind))

	if sig.Kind.IsOpen() {
		return s.queue.Publish(ctx, domain.JobOpenOrder, domain.OpenOrderJob{Signal: sig})
	}
	return s.queue.Publish(ctx, domain.JobCloseOrder, domain.CloseOrderJob{
		OrderIDs:   sig.TargetOrderIDs,
		UserID:     sig.UserID,
		ExchangeID: sig.ExchangeID,
		Symbol:     sig.Symbol,
		Reason:     sig.Kind,
		Virtual:    sig.IsVirtual,
	})
}

func (s *SignalEngine) openSymbols(ctx context.Context, userID string) (map[string]bool, error) {
	orders, err := s.store.GetOrders(ctx, domain.OrderFilter{
		ExchangeID: s.exchangeID,
		UserID:     userID,
		Statuses:   []domain.OrderStatus{domain.StatusOpened},
	})
	if err != nil {
		return nil, err
	}
	symbols := make(map[string]bool)
	for _, o := range orders {
		symbols[o.Symbol] = true
	}
	return symbols, nil
}

func (s *SignalEngine) requestRefresh(ctx context.Context, symbol string) error {
	if err := s.feed.RequestRefresh(ctx, s.exchangeID, symbol); err != nil {
		s.logger.Debug("refresh request failed",
			zap.String("symbol", symbol), zap.Error(err))
	}
	return nil
}

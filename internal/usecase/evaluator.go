package usecase

import (
	"time"

	"github.com/vortexlab/tradengine/internal/domain"
)

// EvalInput is everything one evaluation needs, gathered up front so the
// evaluator itself stays a pure function.
type EvalInput struct {
	ExchangeID string
	Symbol     string
	User       *domain.UserSettings
	Params     domain.StrategyParameters

	Price     domain.MarketPrice
	Market    domain.Market
	Condition domain.StrategyCondition

	// OpenOrders holds the OPENED orders for (user, exchange, symbol).
	OpenOrders []*domain.TradeOrder
	// OpenSymbolCount counts symbols with open orders for the user on
	// this exchange, including this one.
	OpenSymbolCount int

	VirtualBalance float64
	Wallet         domain.WalletBalance

	// SymbolStopLoss is the trailing profit floor, nil when not armed.
	SymbolStopLoss *float64

	// SymbolTradable is false when the market is delisted/inactive or
	// the symbol is excluded for the user.
	SymbolTradable bool
	// RealAllowed is false when only virtual trading is permitted.
	RealAllowed bool
}

// Evaluator turns indicator conditions and position state into a
// prioritized list of trade signals. It performs no I/O.
type Evaluator struct{}

func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Evaluate runs the rules in fixed priority, short-circuiting at the
// first non-empty close-signal set. An empty result means no action
// this cycle.
func (e *Evaluator) Evaluate(in EvalInput) []domain.TradeSignal {
	variant := variantFor(in.Params.Variant)

	if sigs := e.forcedClose(in, variant); len(sigs) > 0 {
		return sigs
	}
	if sigs := e.takeProfitClose(in); len(sigs) > 0 {
		return sigs
	}

	if len(in.OpenOrders) == 0 {
		return e.openFirst(in, variant)
	}
	if sigs := e.average(in); len(sigs) > 0 {
		return sigs
	}
	return e.pyramid(in)
}

// --- Rule 1: forced close ---

func (e *Evaluator) forcedClose(in EvalInput, v strategyVariant) []domain.TradeSignal {
	if len(in.OpenOrders) == 0 {
		return nil
	}

	if !in.SymbolTradable {
		return []domain.TradeSignal{closeAll(in, domain.SignalCloseDisabled)}
	}
	if in.Params.MaxOpenSymbols > 0 && in.OpenSymbolCount > in.Params.MaxOpenSymbols {
		return []domain.TradeSignal{closeAll(in, domain.SignalCloseMaxOpen)}
	}

	// Order-level stop-loss: explicit level or loss percent.
	var breached []*domain.TradeOrder
	for _, o := range in.OpenOrders {
		if o.StopLoss > 0 && in.Price.Bid <= o.StopLoss {
			breached = append(breached, o)
			continue
		}
		if in.Params.StopLossPercent > 0 && o.ProfitPercent(in.Price.Bid) <= -in.Params.StopLossPercent {
			breached = append(breached, o)
		}
	}
	if len(breached) > 0 {
		return []domain.TradeSignal{closeOrders(in, domain.SignalCloseSL, breached)}
	}

	// Symbol-level trailing stop: close the whole position once combined
	// profit falls through the armed floor.
	if in.SymbolStopLoss != nil {
		if positionProfitPercent(in) <= *in.SymbolStopLoss {
			return []domain.TradeSignal{closeAll(in, domain.SignalCloseSymbolSL)}
		}
	}

	if v.closeCross(in.Condition) {
		return []domain.TradeSignal{closeAll(in, domain.SignalCloseCross)}
	}
	return nil
}

// --- Rule 2: take-profit close ---

func (e *Evaluator) takeProfitClose(in EvalInput) []domain.TradeSignal {
	if len(in.OpenOrders) == 0 {
		return nil
	}

	// Group close: all orders profitable and combined profit above the
	// group target closes the whole symbol at once.
	if in.Params.GroupCloseCount > 0 && len(in.OpenOrders) >= in.Params.GroupCloseCount {
		allProfitable := true
		for _, o := range in.OpenOrders {
			if o.CurrentProfit(in.Price.Bid) <= 0 {
				allProfitable = false
				break
			}
		}
		if allProfitable && positionProfitPercent(in) >= in.Params.GroupTakeProfitPercent {
			return []domain.TradeSignal{closeAll(in, domain.SignalCloseGroupTP)}
		}
	}

	var hit []*domain.TradeOrder
	for _, o := range in.OpenOrders {
		if o.TakeProfit > 0 && in.Price.Bid >= o.TakeProfit {
			hit = append(hit, o)
			continue
		}
		if in.Params.TakeProfitPercent > 0 && o.ProfitPercent(in.Price.Bid) >= in.Params.TakeProfitPercent {
			hit = append(hit, o)
		}
	}
	if len(hit) > 0 {
		return []domain.TradeSignal{closeOrders(in, domain.SignalCloseTP, hit)}
	}
	return nil
}

// --- Rule 3: first (base) order ---

func (e *Evaluator) openFirst(in EvalInput, v strategyVariant) []domain.TradeSignal {
	if !in.SymbolTradable {
		return nil
	}
	if in.Params.MaxOpenSymbols > 0 && in.OpenSymbolCount >= in.Params.MaxOpenSymbols {
		return nil
	}
	if !v.shouldOpen(in.Condition) {
		return nil
	}
	if in.Params.MinCandleRun > 0 && in.Condition.CandleRun < in.Params.MinCandleRun {
		return nil
	}

	volume := e.lotVolume(in)
	if volume <= 0 {
		return nil
	}
	return []domain.TradeSignal{openSignal(in, domain.SignalOpenFirst, volume)}
}

// --- Rule 4: averaging into a loss ---

func (e *Evaluator) average(in EvalInput) []domain.TradeSignal {
	if !in.SymbolTradable || in.Params.AveragingStepPercent <= 0 {
		return nil
	}
	if in.Params.MaxAveragingOrders > 0 && len(in.OpenOrders) >= in.Params.MaxAveragingOrders {
		return nil
	}

	step := in.Params.AveragingStepPercent
	if in.Params.AveragingAfterOrders > 0 && len(in.OpenOrders) >= in.Params.AveragingAfterOrders {
		step *= in.Params.StepMultiplier
	}

	lowest := lowestOpenPrice(in.OpenOrders)
	if in.Price.Ask > lowest*(1-step/100) {
		return nil
	}

	volume := e.lotVolume(in)
	if volume <= 0 {
		return nil
	}
	return []domain.TradeSignal{openSignal(in, domain.SignalOpenAveraging, volume)}
}

// --- Rule 5: pyramiding into a profit ---

func (e *Evaluator) pyramid(in EvalInput) []domain.TradeSignal {
	if !in.SymbolTradable || in.Params.PyramidingStepPercent <= 0 {
		return nil
	}

	highest := highestOpenPrice(in.OpenOrders)
	if in.Price.Ask < highest*(1+in.Params.PyramidingStepPercent/100) {
		return nil
	}

	last := lastOpened(in.OpenOrders)
	volume := last.OpenVolume * (1 - in.Params.DownVolumePercent/100)
	if volume <= 0 {
		return nil
	}
	return []domain.TradeSignal{openSignal(in, domain.SignalOpenPyramiding, volume)}
}

// lotVolume sizes a base or averaging order from the available balance.
func (e *Evaluator) lotVolume(in EvalInput) float64 {
	if in.Price.Ask <= 0 {
		return 0
	}
	balance := in.VirtualBalance
	if in.RealAllowed {
		balance = in.Wallet.Free(in.Market.Quote)
	}
	return balance * in.Params.LotPercent / 100 / in.Price.Ask
}

// --- Signal constructors ---

func openSignal(in EvalInput, kind domain.SignalKind, volume float64) domain.TradeSignal {
	return domain.TradeSignal{
		UserID:     in.User.UserID,
		ExchangeID: in.ExchangeID,
		Symbol:     in.Symbol,
		Kind:       kind,
		Type:       domain.OrderBuy,
		IsVirtual:  !in.RealAllowed,
		Price:      in.Price.Ask,
		Volume:     volume,
		CreatedAt:  time.Now().UTC(),
	}
}

func closeAll(in EvalInput, kind domain.SignalKind) domain.TradeSignal {
	return closeOrders(in, kind, in.OpenOrders)
}

func closeOrders(in EvalInput, kind domain.SignalKind, orders []*domain.TradeOrder) domain.TradeSignal {
	ids := make([]string, 0, len(orders))
	allVirtual := true
	for _, o := range orders {
		ids = append(ids, o.ID)
		if !o.IsVirtual {
			allVirtual = false
		}
	}
	return domain.TradeSignal{
		UserID:         in.User.UserID,
		ExchangeID:     in.ExchangeID,
		Symbol:         in.Symbol,
		Kind:           kind,
		Type:           domain.OrderSell,
		IsVirtual:      allVirtual,
		Price:          in.Price.Bid,
		TargetOrderIDs: ids,
		CreatedAt:      time.Now().UTC(),
	}
}

// --- Position helpers ---

func lowestOpenPrice(orders []*domain.TradeOrder) float64 {
	lowest := orders[0].OpenPrice
	for _, o := range orders[1:] {
		if o.OpenPrice < lowest {
			lowest = o.OpenPrice
		}
	}
	return lowest
}

func highestOpenPrice(orders []*domain.TradeOrder) float64 {
	highest := orders[0].OpenPrice
	for _, o := range orders[1:] {
		if o.OpenPrice > highest {
			highest = o.OpenPrice
		}
	}
	return highest
}

func lastOpened(orders []*domain.TradeOrder) *domain.TradeOrder {
	last := orders[0]
	for _, o := range orders[1:] {
		if o.OpenTime.After(last.OpenTime) {
			last = o
		}
	}
	return last
}

// positionProfitPercent is the combined unrealized profit of the symbol
// position as a percent of its combined open cost.
func positionProfitPercent(in EvalInput) float64 {
	var profit, cost float64
	for _, o := range in.OpenOrders {
		profit += o.CurrentProfit(in.Price.Bid)
		cost += o.OpenCost
	}
	if cost <= 0 {
		return 0
	}
	return profit / cost * 100
}

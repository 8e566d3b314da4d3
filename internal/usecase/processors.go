package usecase

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vortexlab/tradengine/internal/domain"
	"github.com/vortexlab/tradengine/internal/infrastructure/queue"
	"go.uber.org/zap"
)

// Processors bind queue payloads to the lifecycle manager and signal
// engines. Validation failures are reported as domain.ErrMalformedJob
// so the consumer discards instead of requeueing; everything else that
// fails stays pending for a retry.
type Processors struct {
	lifecycle *Lifecycle
	engines   map[string]*SignalEngine // keyed by exchange id
	logger    *zap.Logger
}

func NewProcessors(lifecycle *Lifecycle, engines map[string]*SignalEngine, logger *zap.Logger) *Processors {
	return &Processors{lifecycle: lifecycle, engines: engines, logger: logger}
}

// RegisterAll wires every job kind into the consumer with its
// concurrency ceiling. Opens are serialized; the semaphore makes
// concurrent opens safe but pointless, and a single worker keeps
// balance reads coherent.
func (p *Processors) RegisterAll(c *queue.Consumer) {
	c.Register(domain.JobOpenOrder, queue.HandlerConfig{Handler: p.HandleOpenOrder, Workers: 1})
	c.Register(domain.JobCloseOrder, queue.HandlerConfig{Handler: p.HandleCloseOrder, Workers: 4})
	c.Register(domain.JobCancelOrder, queue.HandlerConfig{Handler: p.HandleCancelOrder, Workers: 16})
	c.Register(domain.JobUpdateOrder, queue.HandlerConfig{Handler: p.HandleUpdateOrder, Workers: 16})
	c.Register(domain.JobCheckSignalIndicators, queue.HandlerConfig{Handler: p.HandleCheckIndicators, Workers: 4})
	c.Register(domain.JobCheckSignalOpenOrders, queue.HandlerConfig{Handler: p.HandleCheckOpenOrders, Workers: 4})
}

func (p *Processors) HandleOpenOrder(ctx context.Context, payload []byte) error {
	var job domain.OpenOrderJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedJob, err)
	}
	sig := job.Signal
	if sig.UserID == "" || sig.ExchangeID == "" || sig.Symbol == "" || !sig.Kind.IsOpen() {
		return fmt.Errorf("%w: incomplete open signal", domain.ErrMalformedJob)
	}

	result, err := p.lifecycle.OpenOrder(ctx, sig)
	if err != nil {
		return err
	}
	if result.OK() {
		p.logger.Info("open job done",
			zap.String("order_id", result.OrderID),
			zap.String("symbol", sig.Symbol),
			zap.String("kind", string(sig.Kind)))
	} else {
		p.logger.Info("open job refused",
			zap.String("order_id", sig.OrderID),
			zap.String("symbol", sig.Symbol),
			zap.String("reason", string(result.Reason)))
	}
	return nil
}

func (p *Processors) HandleCloseOrder(ctx context.Context, payload []byte) error {
	var job domain.CloseOrderJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedJob, err)
	}
	if job.UserID == "" || job.ExchangeID == "" {
		return fmt.Errorf("%w: close job missing user or exchange", domain.ErrMalformedJob)
	}
	if len(job.OrderIDs) == 0 && job.OrderID == "" && job.Symbol == "" {
		return fmt.Errorf("%w: close job targets nothing", domain.ErrMalformedJob)
	}

	result, err := p.lifecycle.CloseOrder(ctx, job)
	if err != nil {
		return err
	}
	p.logger.Info("close job done",
		zap.String("symbol", job.Symbol),
		zap.String("reason", string(job.Reason)),
		zap.Int("closed", len(result.ClosedIDs)),
		zap.Int("cancelled", len(result.CancelledIDs)),
		zap.Int("deferred", len(result.Deferred)))
	return nil
}

func (p *Processors) HandleCancelOrder(ctx context.Context, payload []byte) error {
	var job domain.CancelOrderJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedJob, err)
	}
	if job.OrderID == "" {
		return fmt.Errorf("%w: cancel job missing order id", domain.ErrMalformedJob)
	}

	reason, err := p.lifecycle.CancelOrder(ctx, job.OrderID)
	if err != nil {
		return err
	}
	if reason != "" {
		p.logger.Info("cancel job refused",
			zap.String("order_id", job.OrderID), zap.String("reason", string(reason)))
	}
	return nil
}

func (p *Processors) HandleUpdateOrder(ctx context.Context, payload []byte) error {
	var job domain.UpdateOrderJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedJob, err)
	}
	if job.OrderID == "" || (job.StopLoss == nil && job.TakeProfit == nil) {
		return fmt.Errorf("%w: update job changes nothing", domain.ErrMalformedJob)
	}

	reason, err := p.lifecycle.UpdateOrder(ctx, job)
	if err != nil {
		return err
	}
	if reason != "" {
		p.logger.Info("update job refused",
			zap.String("order_id", job.OrderID), zap.String("reason", string(reason)))
	}
	return nil
}

func (p *Processors) HandleCheckIndicators(ctx context.Context, payload []byte) error {
	var job domain.CheckSignalJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedJob, err)
	}
	if job.ExchangeID == "" || job.Symbol == "" {
		return fmt.Errorf("%w: indicator check missing exchange or symbol", domain.ErrMalformedJob)
	}
	engine, ok := p.engines[job.ExchangeID]
	if !ok {
		return fmt.Errorf("%w: unknown exchange %q", domain.ErrMalformedJob, job.ExchangeID)
	}
	return engine.EvaluateSymbol(ctx, job.Symbol)
}

func (p *Processors) HandleCheckOpenOrders(ctx context.Context, payload []byte) error {
	var job domain.CheckSignalJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedJob, err)
	}
	if job.ExchangeID == "" || job.UserID == "" {
		return fmt.Errorf("%w: open-order check missing exchange or user", domain.ErrMalformedJob)
	}
	engine, ok := p.engines[job.ExchangeID]
	if !ok {
		return fmt.Errorf("%w: unknown exchange %q", domain.ErrMalformedJob, job.ExchangeID)
	}
	return engine.CheckOpenOrders(ctx, job.UserID)
}

// Package queue is the Redis Streams transport for engine jobs. One
// stream per job kind, one consumer group shared by all process
// instances; delivery is at-least-once and handlers must be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vortexlab/tradengine/internal/domain"
	"go.uber.org/zap"
)

const (
	streamPrefix = "jobs:"
	group        = "engine"
)

func streamName(kind domain.JobKind) string { return streamPrefix + string(kind) }

// RedisQueue publishes jobs onto per-kind streams.
type RedisQueue struct {
	rdb *redis.Client
}

func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

func (q *RedisQueue) Publish(ctx context.Context, kind domain.JobKind, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s job: %w", kind, err)
	}
	err = q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamName(kind),
		Values: map[string]any{"data": string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", kind, err)
	}
	return nil
}

var _ domain.Queue = (*RedisQueue)(nil)

// Handler processes one job payload. Returning domain.ErrMalformedJob
// acks and drops the message; any other error leaves it pending for a
// later claim.
type Handler func(ctx context.Context, payload []byte) error

// HandlerConfig binds a handler to its concurrency ceiling.
type HandlerConfig struct {
	Handler Handler
	// Workers caps in-flight jobs of this kind. Order opens are
	// serialized (1) to avoid racing balance reads.
	Workers int
}

// Consumer drains the per-kind streams and dispatches to handlers under
// their concurrency ceilings.
type Consumer struct {
	rdb      *redis.Client
	name     string // consumer name within the group, unique per process
	handlers map[domain.JobKind]HandlerConfig
	timeout  time.Duration
	logger   *zap.Logger

	blockTime    time.Duration
	claimMinIdle time.Duration
}

func NewConsumer(rdb *redis.Client, name string, timeout time.Duration, logger *zap.Logger) *Consumer {
	return &Consumer{
		rdb:          rdb,
		name:         name,
		handlers:     make(map[domain.JobKind]HandlerConfig),
		timeout:      timeout,
		logger:       logger,
		blockTime:    2 * time.Second,
		claimMinIdle: time.Minute,
	}
}

func (c *Consumer) Register(kind domain.JobKind, cfg HandlerConfig) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	c.handlers[kind] = cfg
}

// Start runs one reader goroutine per registered kind and blocks until
// the context is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	for kind := range c.handlers {
		err := c.rdb.XGroupCreateMkStream(ctx, streamName(kind), group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group for %s: %w", kind, err)
		}
	}

	var wg sync.WaitGroup
	for kind, cfg := range c.handlers {
		wg.Add(1)
		go func(kind domain.JobKind, cfg HandlerConfig) {
			defer wg.Done()
			c.consumeKind(ctx, kind, cfg)
		}(kind, cfg)
	}
	wg.Wait()
	return ctx.Err()
}

func (c *Consumer) consumeKind(ctx context.Context, kind domain.JobKind, cfg HandlerConfig) {
	stream := streamName(kind)
	tokens := make(chan struct{}, cfg.Workers)
	var inflight sync.WaitGroup

	claimTicker := time.NewTicker(c.claimMinIdle)
	defer claimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			inflight.Wait()
			return
		case <-claimTicker.C:
			c.claimStale(ctx, stream, kind, cfg, tokens, &inflight)
		default:
		}

		results, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: c.name,
			Streams:  []string{stream, ">"},
			Count:    int64(cfg.Workers),
			Block:    c.blockTime,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			c.logger.Error("queue read failed", zap.String("kind", string(kind)), zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for _, res := range results {
			for _, msg := range res.Messages {
				select {
				case tokens <- struct{}{}:
				case <-ctx.Done():
					inflight.Wait()
					return
				}
				inflight.Add(1)
				go func(msg redis.XMessage) {
					defer inflight.Done()
					defer func() { <-tokens }()
					c.dispatch(ctx, stream, kind, cfg.Handler, msg)
				}(msg)
			}
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, stream string, kind domain.JobKind, handler Handler, msg redis.XMessage) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		// Not a job at all; ack and drop.
		c.ack(ctx, stream, msg.ID)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := handler(jobCtx, []byte(data))
	switch {
	case err == nil:
		c.ack(ctx, stream, msg.ID)
	case errors.Is(err, domain.ErrMalformedJob):
		// Malformed payloads are never requeued.
		c.logger.Warn("discarding malformed job",
			zap.String("kind", string(kind)), zap.String("id", msg.ID))
		c.ack(ctx, stream, msg.ID)
	default:
		// Leave pending; another instance claims it after claimMinIdle.
		c.logger.Error("job failed, leaving pending",
			zap.String("kind", string(kind)), zap.String("id", msg.ID), zap.Error(err))
	}
}

// claimStale takes over messages another (possibly crashed) consumer
// left pending past claimMinIdle.
func (c *Consumer) claimStale(ctx context.Context, stream string, kind domain.JobKind, cfg HandlerConfig, tokens chan struct{}, inflight *sync.WaitGroup) {
	msgs, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: c.name,
		MinIdle:  c.claimMinIdle,
		Start:    "0-0",
		Count:    int64(cfg.Workers),
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Error("claim stale jobs failed", zap.String("kind", string(kind)), zap.Error(err))
		}
		return
	}
	for _, msg := range msgs {
		select {
		case tokens <- struct{}{}:
		case <-ctx.Done():
			return
		}
		inflight.Add(1)
		go func(msg redis.XMessage) {
			defer inflight.Done()
			defer func() { <-tokens }()
			c.dispatch(ctx, stream, kind, cfg.Handler, msg)
		}(msg)
	}
}

func (c *Consumer) ack(ctx context.Context, stream, id string) {
	if err := c.rdb.XAck(ctx, stream, group, id).Err(); err != nil && ctx.Err() == nil {
		c.logger.Error("ack failed", zap.String("stream", stream), zap.String("id", id), zap.Error(err))
	}
}

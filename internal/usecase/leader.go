package usecase

import (
	"context"
	"math/rand"
	"time"

	"github.com/vortexlab/tradengine/internal/domain"
	"go.uber.org/zap"
)

// LeaderElector keeps one engine replica responsible for the singleton
// duties (housekeeping, fan-out). The lease lives in the store; every
// replica tries to renew it each tick and only the holder runs the
// callback. A lease longer than the tick tolerates a few missed
// renewals before leadership moves.
type LeaderElector struct {
	store  domain.Store
	logger *zap.Logger

	candidateID string
	tick        time.Duration
	lease       time.Duration
	jitter      time.Duration

	// onLeadTick runs on every tick the replica holds the lease.
	onLeadTick func(ctx context.Context, tick uint64)
}

func NewLeaderElector(store domain.Store, candidateID string, tick, lease time.Duration,
	onLeadTick func(ctx context.Context, tick uint64), logger *zap.Logger) *LeaderElector {
	return &LeaderElector{
		store:       store,
		logger:      logger,
		candidateID: candidateID,
		tick:        tick,
		lease:       lease,
		jitter:      tick / 5,
		onLeadTick:  onLeadTick,
	}
}

// Run blocks until the context is cancelled. Ticks are jittered so
// replicas started together do not renew in lockstep.
func (e *LeaderElector) Run(ctx context.Context) {
	var (
		wasLeader bool
		tick      uint64
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.nextTick()):
		}

		isLeader, err := e.store.RenewLeader(ctx, e.candidateID, e.lease)
		if err != nil {
			e.logger.Error("leader renewal failed", zap.Error(err))
			continue
		}
		if isLeader != wasLeader {
			if isLeader {
				e.logger.Info("became leader")
			} else {
				e.logger.Info("lost leadership")
			}
			wasLeader = isLeader
		}
		if !isLeader {
			continue
		}

		tick++
		if e.onLeadTick != nil {
			e.onLeadTick(ctx, tick)
		}
	}
}

// IsLeader reports whether this replica currently holds the lease.
func (e *LeaderElector) IsLeader(ctx context.Context) (bool, error) {
	return e.store.IsLeader(ctx, e.candidateID)
}

func (e *LeaderElector) nextTick() time.Duration {
	if e.jitter <= 0 {
		return e.tick
	}
	offset := time.Duration(rand.Int63n(int64(2*e.jitter))) - e.jitter
	return e.tick + offset
}

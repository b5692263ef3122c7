// Package lease enforces single-writer-per-subscriber mutation. The lease
// lives on the subscriber row itself (owner token + TTL), so any backing
// store that can compare-and-swap one row can implement it.
package lease

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/safetyline/recallhub/internal/clock"
	"github.com/safetyline/recallhub/internal/config"
	subscriberdomain "github.com/safetyline/recallhub/internal/subscriber/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const releaseTimeout = 5 * time.Second

type Coordinator struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  subscriberdomain.Repository
	clock clock.Clock
	cfg   *config.EntitlementConfigHolder
}

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Repo  subscriberdomain.Repository
	Clock clock.Clock
	Cfg   *config.EntitlementConfigHolder
}

func NewCoordinator(p Params) *Coordinator {
	return &Coordinator{
		db:    p.DB,
		log:   p.Log.Named("lease.coordinator"),
		repo:  p.Repo,
		clock: p.Clock,
		cfg:   p.Cfg,
	}
}

// WithExclusiveAccess acquires the subscriber's lease, reloads the aggregate
// fresh, runs fn, persists the result and releases the lease. One attempt
// only: a live foreign lease returns ErrLockContention immediately and the
// caller decides whether to drop the work or surface a retry-later. A stale
// lease from a crashed writer is reclaimed without intervention.
func (c *Coordinator) WithExclusiveAccess(ctx context.Context, subscriberID snowflake.ID, fn func(ctx context.Context, sub *subscriberdomain.Subscriber) error) error {
	token := uuid.NewString()
	now := c.clock.Now()
	until := now.Add(c.cfg.Get().LeaseDuration())

	acquired, err := c.repo.AcquireLease(ctx, c.db, subscriberID, token, now, until)
	if err != nil {
		return err
	}
	if !acquired {
		// A missing row and a held lease both fail the CAS; tell them apart.
		sub, err := c.repo.FindByID(ctx, c.db, subscriberID)
		if err != nil {
			return err
		}
		if sub == nil {
			return subscriberdomain.ErrSubscriberNotFound
		}
		return subscriberdomain.ErrLockContention
	}

	defer c.release(ctx, subscriberID, token)

	sub, err := c.repo.FindByID(ctx, c.db, subscriberID)
	if err != nil {
		return err
	}
	if sub == nil {
		return subscriberdomain.ErrSubscriberNotFound
	}

	if err := fn(ctx, sub); err != nil {
		return err
	}

	sub.UpdatedAt = c.clock.Now()
	return c.repo.Save(ctx, c.db, sub)
}

// release runs even when ctx was canceled mid-mutation; the lease must not
// outlive the call when the row is still reachable.
func (c *Coordinator) release(ctx context.Context, subscriberID snowflake.ID, token string) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if err := c.repo.ReleaseLease(releaseCtx, c.db, subscriberID, token); err != nil {
		// The TTL bounds how long a failed release can block other writers.
		c.log.Warn("lease release failed",
			zap.Int64("subscriber_id", int64(subscriberID)),
			zap.Error(err),
		)
	}
}

var Module = fx.Module("lease",
	fx.Provide(NewCoordinator),
)

// Package reconciler merges billing-provider events and snapshots into local
// entitlement state, idempotently and under the per-subscriber lease.
package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/safetyline/recallhub/internal/billing/domain"
	"github.com/safetyline/recallhub/internal/clock"
	"github.com/safetyline/recallhub/internal/config"
	"github.com/safetyline/recallhub/internal/lease"
	"github.com/safetyline/recallhub/internal/observability/metrics"
	"github.com/safetyline/recallhub/internal/plan"
	subscriberdomain "github.com/safetyline/recallhub/internal/subscriber/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Outcome reports what reconciliation did with an event. Discards are final:
// redelivery is governed by the event source, never by this package.
type Outcome string

const (
	OutcomeApplied         Outcome = "applied"
	OutcomeCreated         Outcome = "created"
	OutcomeUnknownCustomer Outcome = "unknown_customer"
	OutcomeNeverActive     Outcome = "never_active"
	OutcomePlanMismatch    Outcome = "plan_mismatch"
	OutcomeContention      Outcome = "contention"
	OutcomeFailed          Outcome = "failed"
)

type Reconciler struct {
	db        *gorm.DB
	log       *zap.Logger
	coord     *lease.Coordinator
	repo      subscriberdomain.Repository
	catalog   *plan.Catalog
	retriever billingdomain.SubscriptionRetriever
	clock     clock.Clock
	cfg       *config.EntitlementConfigHolder
	genID     *snowflake.Node
	metrics   *metrics.Metrics
}

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Coord     *lease.Coordinator
	Repo      subscriberdomain.Repository
	Catalog   *plan.Catalog
	Retriever billingdomain.SubscriptionRetriever `optional:"true"`
	Clock     clock.Clock
	Cfg       *config.EntitlementConfigHolder
	GenID     *snowflake.Node
	Metrics   *metrics.Metrics `optional:"true"`
}

func New(p Params) *Reconciler {
	return &Reconciler{
		db:        p.DB,
		log:       p.Log.Named("billing.reconciler"),
		coord:     p.Coord,
		repo:      p.Repo,
		catalog:   p.Catalog,
		retriever: p.Retriever,
		clock:     p.Clock,
		cfg:       p.Cfg,
		genID:     p.GenID,
		metrics:   p.Metrics,
	}
}

// ProcessEvent reconciles one provider event. Failures are absorbed here:
// they are logged and reported as an Outcome so the transport can always ack,
// and a single bad or late event can never block the pipeline.
func (r *Reconciler) ProcessEvent(ctx context.Context, ev billingdomain.Event) Outcome {
	snap := ev.Snapshot

	// Invoice events carry no subscription body; the snapshot comes from a
	// re-fetch through the injected retriever.
	if (ev.Type == billingdomain.EventInvoicePaid || snap == nil) && r.retriever != nil {
		fresh, err := r.retriever.RetrieveSubscription(ctx, ev.SubscriptionRef)
		if err != nil {
			r.log.Warn("subscription re-fetch failed",
				zap.String("event_id", ev.ID),
				zap.String("subscription_ref", ev.SubscriptionRef),
				zap.Error(err),
			)
			return r.report(ev, OutcomeFailed)
		}
		snap = &fresh
	}

	if snap == nil {
		r.log.Warn("billing event carries no snapshot",
			zap.String("event_id", ev.ID),
			zap.String("event_type", string(ev.Type)),
		)
		return r.report(ev, OutcomeFailed)
	}
	if snap.CustomerRef == "" {
		snap.CustomerRef = ev.CustomerRef
	}

	return r.report(ev, r.ProcessSnapshot(ctx, *snap))
}

// ProcessSnapshot reconciles one full subscription snapshot, the unit of work
// shared by every event type and by full resyncs.
func (r *Reconciler) ProcessSnapshot(ctx context.Context, snap billingdomain.Snapshot) Outcome {
	sub, err := r.repo.FindByCustomerRef(ctx, r.db, snap.CustomerRef)
	if err != nil {
		r.log.Error("subscriber lookup failed",
			zap.String("customer_ref", snap.CustomerRef),
			zap.Error(err),
		)
		return OutcomeFailed
	}
	if sub == nil {
		// Not retried here: the event source's own backoff governs
		// redelivery, and reconciliation is at-least-once safe.
		r.log.Warn("billing event for unknown customer discarded",
			zap.String("customer_ref", snap.CustomerRef),
			zap.String("subscription_ref", snap.SubscriptionRef),
		)
		return OutcomeUnknownCustomer
	}

	outcome := OutcomeFailed
	err = r.coord.WithExclusiveAccess(ctx, sub.ID, func(ctx context.Context, fresh *subscriberdomain.Subscriber) error {
		var applyErr error
		outcome, applyErr = r.applySnapshot(ctx, fresh, snap)
		return applyErr
	})

	switch {
	case err == nil:
		return outcome
	case errors.Is(err, subscriberdomain.ErrLockContention):
		// Soft failure. The transport acks so the source does not hammer
		// retries against a single hot subscriber.
		r.log.Warn("subscriber busy, billing event dropped",
			zap.Int64("subscriber_id", int64(sub.ID)),
			zap.String("subscription_ref", snap.SubscriptionRef),
		)
		if r.metrics != nil {
			r.metrics.RecordLockContention()
		}
		return OutcomeContention
	case errors.Is(err, errDiscard):
		return outcome
	default:
		r.log.Error("reconciliation failed",
			zap.Int64("subscriber_id", int64(sub.ID)),
			zap.String("subscription_ref", snap.SubscriptionRef),
			zap.Error(err),
		)
		return OutcomeFailed
	}
}

// errDiscard aborts the exclusive-access callback without persisting while
// still carrying a non-failure outcome.
var errDiscard = errors.New("discard")

func (r *Reconciler) applySnapshot(ctx context.Context, sub *subscriberdomain.Subscriber, snap billingdomain.Snapshot) (Outcome, error) {
	cfg := r.cfg.Get()
	now := r.clock.Now()
	outcome := OutcomeApplied

	if !snap.Status.Valid() {
		r.log.Warn("billing snapshot has unknown status, discarded",
			zap.String("subscription_ref", snap.SubscriptionRef),
			zap.String("status", string(snap.Status)),
		)
		return OutcomeFailed, errDiscard
	}

	ent := sub.EntitlementByBillingRef(snap.SubscriptionRef)
	switch {
	case ent == nil && snap.Status.NeverActivated():
		r.log.Warn("billing event for never-activated subscription discarded",
			zap.String("subscription_ref", snap.SubscriptionRef),
			zap.String("status", string(snap.Status)),
		)
		return OutcomeNeverActive, errDiscard

	case ent == nil:
		// A live subscription we have not seen: the subscriber acquired a new
		// paid plan out of band.
		p, err := r.catalog.PlanByID(ctx, snap.PlanRef)
		if err != nil {
			r.log.Warn("billing event references unknown plan, discarded",
				zap.String("subscription_ref", snap.SubscriptionRef),
				zap.String("plan_ref", snap.PlanRef),
				zap.Error(err),
			)
			return OutcomePlanMismatch, errDiscard
		}

		ent, err = sub.AddEntitlement(r.genID.Generate(), p, now, cfg.GracePeriod())
		if err != nil {
			r.log.Warn("entitlement creation rejected, event discarded",
				zap.String("subscription_ref", snap.SubscriptionRef),
				zap.Error(err),
			)
			return OutcomePlanMismatch, errDiscard
		}
		ent.BillingRef = snap.SubscriptionRef
		outcome = OutcomeCreated

	case ent.PlanID != snap.PlanRef:
		// The local record no longer represents this plan. Only a full
		// resync may resolve that; blind overwrite would corrupt state.
		r.log.Warn("billing event plan mismatch, skipped",
			zap.String("subscription_ref", snap.SubscriptionRef),
			zap.String("local_plan", ent.PlanID),
			zap.String("event_plan", snap.PlanRef),
		)
		return OutcomePlanMismatch, errDiscard
	}

	r.copyLifecycle(ent, snap, now, cfg)

	if sub.CustomerRef == "" {
		sub.CustomerRef = snap.CustomerRef
	}
	if sub.RecallEntitlement(now, cfg.GracePeriod()) != nil {
		sub.EnsureDefaultPreferences()
	}

	return outcome, nil
}

func (r *Reconciler) copyLifecycle(ent *subscriberdomain.Entitlement, snap billingdomain.Snapshot, now time.Time, cfg config.EntitlementConfig) {
	ent.Status = snap.Status
	ent.StartedAt = dayStart(snap.StartDate)
	ent.RenewsAt = dayEnd(snap.CurrentPeriodEnd)
	if ent.RenewsAt.Before(ent.StartedAt) {
		ent.RenewsAt = ent.StartedAt
	}
	ent.ExpiresAt = resolveExpiry(snap, ent.RenewsAt, now, cfg.FarFuture())
	ent.UpdatedAt = now
}

// resolveExpiry applies the provider's field precedence for deriving the
// local expiration: endedAt, then cancelAt, then canceledAt, then "status is
// no longer live" at reconciliation time, then cancel-at-period-end, then the
// far-future sentinel. Later fields are only meaningful when earlier ones are
// absent; the order is a fixed behavioral contract.
func resolveExpiry(snap billingdomain.Snapshot, renewsAt, now, farFuture time.Time) time.Time {
	switch {
	case snap.EndedAt != nil:
		return dayEnd(*snap.EndedAt)
	case snap.CancelAt != nil:
		return dayEnd(*snap.CancelAt)
	case snap.CanceledAt != nil:
		return dayEnd(*snap.CanceledAt)
	case !snap.Status.Live():
		return now.UTC().Truncate(time.Minute)
	case snap.CancelAtPeriodEnd:
		return renewsAt
	default:
		return farFuture
	}
}

// dayStart rounds down to the UTC day boundary. Absorbs provider clock
// jitter so comparisons stay stable across a day.
func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// dayEnd rounds up to the last minute of the UTC day.
func dayEnd(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 0, 0, time.UTC)
}

func (r *Reconciler) report(ev billingdomain.Event, outcome Outcome) Outcome {
	if r.metrics != nil {
		r.metrics.RecordBillingEvent(string(ev.Type), string(outcome))
	}
	return outcome
}

var Module = fx.Module("billing.reconciler",
	fx.Provide(New),
)

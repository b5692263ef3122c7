package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	billingdomain "github.com/safetyline/recallhub/internal/billing/domain"
	"github.com/safetyline/recallhub/internal/clock"
	"github.com/safetyline/recallhub/internal/config"
	"github.com/safetyline/recallhub/internal/lease"
	"github.com/safetyline/recallhub/internal/plan"
	subscriberdomain "github.com/safetyline/recallhub/internal/subscriber/domain"
	"github.com/safetyline/recallhub/internal/subscriber/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type staticFetcher struct {
	plans []plan.Plan
}

func (f *staticFetcher) FetchPlans(ctx context.Context) ([]plan.Plan, error) {
	return f.plans, nil
}

type staticRetriever struct {
	snap billingdomain.Snapshot
	err  error
}

func (r *staticRetriever) RetrieveSubscription(ctx context.Context, ref string) (billingdomain.Snapshot, error) {
	return r.snap, r.err
}

type fixture struct {
	db    *gorm.DB
	repo  subscriberdomain.Repository
	clock *clock.FakeClock
	node  *snowflake.Node
	rec   *Reconciler
}

func newFixture(t *testing.T, retriever billingdomain.SubscriptionRetriever) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&subscriberdomain.Subscriber{},
		&subscriberdomain.Entitlement{},
		&subscriberdomain.VehicleInterest{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 6, 15, 14, 30, 0, 0, time.UTC))
	repo := repository.Provide()
	holder := config.NewStaticEntitlementConfigHolder(config.DefaultEntitlementConfig())
	log := zap.NewNop()

	coord := lease.NewCoordinator(lease.Params{
		DB:    db,
		Log:   log,
		Repo:  repo,
		Clock: clk,
		Cfg:   holder,
	})
	catalog := plan.NewCatalog(&staticFetcher{plans: []plan.Plan{
		{ID: "price_recall", RecallFeature: true},
		{ID: "price_vehicle", VehicleSlotCount: 3},
	}}, log)

	rec := New(Params{
		DB:        db,
		Log:       log,
		Coord:     coord,
		Repo:      repo,
		Catalog:   catalog,
		Retriever: retriever,
		Clock:     clk,
		Cfg:       holder,
		GenID:     node,
	})

	return &fixture{db: db, repo: repo, clock: clk, node: node, rec: rec}
}

func (f *fixture) seedSubscriber(t *testing.T, customerRef string) subscriberdomain.Subscriber {
	t.Helper()
	now := f.clock.Now()
	sub := subscriberdomain.Subscriber{
		ID:          f.node.Generate(),
		Email:       "dana@example.com",
		Role:        subscriberdomain.RoleMember,
		CustomerRef: customerRef,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, f.repo.Insert(context.Background(), f.db, &sub))
	return sub
}

func (f *fixture) entitlementByRef(t *testing.T, subID snowflake.ID, billingRef string) *subscriberdomain.Entitlement {
	t.Helper()
	sub, err := f.repo.FindByID(context.Background(), f.db, subID)
	require.NoError(t, err)
	require.NotNil(t, sub)
	return sub.EntitlementByBillingRef(billingRef)
}

func activeSnapshot() billingdomain.Snapshot {
	return billingdomain.Snapshot{
		CustomerRef:      "cus_1",
		SubscriptionRef:  "sub_1",
		PlanRef:          "price_recall",
		Status:           subscriberdomain.StatusActive,
		StartDate:        time.Date(2026, 6, 1, 11, 22, 33, 0, time.UTC),
		CurrentPeriodEnd: time.Date(2026, 7, 1, 11, 22, 33, 0, time.UTC),
	}
}

func TestProcessSnapshotCreatesEntitlement(t *testing.T) {
	f := newFixture(t, nil)
	sub := f.seedSubscriber(t, "cus_1")

	outcome := f.rec.ProcessSnapshot(context.Background(), activeSnapshot())
	assert.Equal(t, OutcomeCreated, outcome)

	ent := f.entitlementByRef(t, sub.ID, "sub_1")
	require.NotNil(t, ent)
	assert.Equal(t, "price_recall", ent.PlanID)
	assert.True(t, ent.RecallFeature)
	assert.Equal(t, subscriberdomain.StatusActive, ent.Status)
	assert.Equal(t, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), ent.StartedAt.UTC())
	assert.Equal(t, time.Date(2026, 7, 1, 23, 59, 0, 0, time.UTC), ent.RenewsAt.UTC())
	assert.Equal(t, time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC), ent.ExpiresAt.UTC())

	// Gaining an active recall entitlement seeds default preferences.
	got, err := f.repo.FindByID(context.Background(), f.db, sub.ID)
	require.NoError(t, err)
	assert.True(t, got.Preferences.AlertByEmail)
}

func TestProcessSnapshotIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	sub := f.seedSubscriber(t, "cus_1")
	snap := activeSnapshot()

	assert.Equal(t, OutcomeCreated, f.rec.ProcessSnapshot(context.Background(), snap))
	assert.Equal(t, OutcomeApplied, f.rec.ProcessSnapshot(context.Background(), snap))
	assert.Equal(t, OutcomeApplied, f.rec.ProcessSnapshot(context.Background(), snap))

	got, err := f.repo.FindByID(context.Background(), f.db, sub.ID)
	require.NoError(t, err)
	assert.Len(t, got.Entitlements, 1, "replayed snapshots must not duplicate records")
}

func TestExpiryPrecedence(t *testing.T) {
	ended := time.Date(2026, 6, 20, 3, 4, 5, 0, time.UTC)
	cancelAt := time.Date(2026, 6, 25, 6, 7, 8, 0, time.UTC)
	canceledAt := time.Date(2026, 6, 10, 9, 10, 11, 0, time.UTC)

	cases := []struct {
		name   string
		mutate func(*billingdomain.Snapshot)
		want   time.Time
	}{
		{
			name: "ended_at wins over everything",
			mutate: func(s *billingdomain.Snapshot) {
				s.EndedAt = &ended
				s.CancelAt = &cancelAt
				s.CanceledAt = &canceledAt
				s.CancelAtPeriodEnd = true
			},
			want: time.Date(2026, 6, 20, 23, 59, 0, 0, time.UTC),
		},
		{
			name: "cancel_at beats canceled_at",
			mutate: func(s *billingdomain.Snapshot) {
				s.CancelAt = &cancelAt
				s.CanceledAt = &canceledAt
			},
			want: time.Date(2026, 6, 25, 23, 59, 0, 0, time.UTC),
		},
		{
			name: "canceled_at alone",
			mutate: func(s *billingdomain.Snapshot) {
				s.CanceledAt = &canceledAt
			},
			want: time.Date(2026, 6, 10, 23, 59, 0, 0, time.UTC),
		},
		{
			name: "non-live status expires now",
			mutate: func(s *billingdomain.Snapshot) {
				s.Status = subscriberdomain.StatusUnpaid
			},
			want: time.Date(2026, 6, 15, 14, 30, 0, 0, time.UTC),
		},
		{
			name: "cancel_at_period_end pins to renewal",
			mutate: func(s *billingdomain.Snapshot) {
				s.CancelAtPeriodEnd = true
			},
			want: time.Date(2026, 7, 1, 23, 59, 0, 0, time.UTC),
		},
		{
			name:   "no signal gets the far-future sentinel",
			mutate: func(s *billingdomain.Snapshot) {},
			want:   time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			sub := f.seedSubscriber(t, "cus_1")

			snap := activeSnapshot()
			tc.mutate(&snap)
			outcome := f.rec.ProcessSnapshot(context.Background(), snap)
			assert.Equal(t, OutcomeCreated, outcome)

			ent := f.entitlementByRef(t, sub.ID, "sub_1")
			require.NotNil(t, ent)
			assert.Equal(t, tc.want, ent.ExpiresAt.UTC())
		})
	}
}

func TestProcessSnapshotUnknownCustomer(t *testing.T) {
	f := newFixture(t, nil)

	outcome := f.rec.ProcessSnapshot(context.Background(), activeSnapshot())
	assert.Equal(t, OutcomeUnknownCustomer, outcome)
}

func TestProcessSnapshotNeverActivatedDiscarded(t *testing.T) {
	f := newFixture(t, nil)
	sub := f.seedSubscriber(t, "cus_1")

	snap := activeSnapshot()
	snap.Status = subscriberdomain.StatusIncompleteExpired
	outcome := f.rec.ProcessSnapshot(context.Background(), snap)
	assert.Equal(t, OutcomeNeverActive, outcome)

	got, err := f.repo.FindByID(context.Background(), f.db, sub.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Entitlements)
}

func TestProcessSnapshotPlanMismatchSkipped(t *testing.T) {
	f := newFixture(t, nil)
	sub := f.seedSubscriber(t, "cus_1")

	require.Equal(t, OutcomeCreated, f.rec.ProcessSnapshot(context.Background(), activeSnapshot()))
	before := f.entitlementByRef(t, sub.ID, "sub_1")
	require.NotNil(t, before)

	snap := activeSnapshot()
	snap.PlanRef = "price_vehicle"
	assert.Equal(t, OutcomePlanMismatch, f.rec.ProcessSnapshot(context.Background(), snap))

	after := f.entitlementByRef(t, sub.ID, "sub_1")
	require.NotNil(t, after)
	assert.Equal(t, before.PlanID, after.PlanID, "mismatched events must not touch local state")
	assert.Equal(t, before.ExpiresAt.UTC(), after.ExpiresAt.UTC())
}

func TestProcessSnapshotUnknownPlanDiscarded(t *testing.T) {
	f := newFixture(t, nil)
	f.seedSubscriber(t, "cus_1")

	snap := activeSnapshot()
	snap.PlanRef = "price_unlisted"
	assert.Equal(t, OutcomePlanMismatch, f.rec.ProcessSnapshot(context.Background(), snap))
}

func TestProcessSnapshotContention(t *testing.T) {
	f := newFixture(t, nil)
	sub := f.seedSubscriber(t, "cus_1")

	now := f.clock.Now()
	acquired, err := f.repo.AcquireLease(context.Background(), f.db, sub.ID, "foreign", now, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, acquired)

	assert.Equal(t, OutcomeContention, f.rec.ProcessSnapshot(context.Background(), activeSnapshot()))
}

func TestProcessEventRefetchesInvoicePaid(t *testing.T) {
	retr := &staticRetriever{snap: activeSnapshot()}
	f := newFixture(t, retr)
	sub := f.seedSubscriber(t, "cus_1")

	stale := activeSnapshot()
	stale.Status = subscriberdomain.StatusPastDue
	ev := billingdomain.Event{
		ID:              "evt_1",
		Type:            billingdomain.EventInvoicePaid,
		CustomerRef:     "cus_1",
		SubscriptionRef: "sub_1",
		Snapshot:        &stale,
	}

	assert.Equal(t, OutcomeCreated, f.rec.ProcessEvent(context.Background(), ev))

	// The stale inline status must be ignored in favor of the re-fetch.
	ent := f.entitlementByRef(t, sub.ID, "sub_1")
	require.NotNil(t, ent)
	assert.Equal(t, subscriberdomain.StatusActive, ent.Status)
}

func TestProcessEventWithoutSnapshotOrRetriever(t *testing.T) {
	f := newFixture(t, nil)
	f.seedSubscriber(t, "cus_1")

	ev := billingdomain.Event{
		ID:              "evt_2",
		Type:            billingdomain.EventInvoiceFailed,
		CustomerRef:     "cus_1",
		SubscriptionRef: "sub_1",
	}
	assert.Equal(t, OutcomeFailed, f.rec.ProcessEvent(context.Background(), ev))
}

func TestCancellationEndsEntitlement(t *testing.T) {
	f := newFixture(t, nil)
	sub := f.seedSubscriber(t, "cus_1")
	require.Equal(t, OutcomeCreated, f.rec.ProcessSnapshot(context.Background(), activeSnapshot()))

	f.clock.Advance(10 * 24 * time.Hour)
	canceledAt := f.clock.Now()
	snap := activeSnapshot()
	snap.Status = subscriberdomain.StatusCanceled
	snap.CanceledAt = &canceledAt

	assert.Equal(t, OutcomeApplied, f.rec.ProcessSnapshot(context.Background(), snap))

	ent := f.entitlementByRef(t, sub.ID, "sub_1")
	require.NotNil(t, ent)
	assert.Equal(t, subscriberdomain.StatusCanceled, ent.Status)
	assert.Equal(t, time.Date(2026, 6, 25, 23, 59, 0, 0, time.UTC), ent.ExpiresAt.UTC())

	// Still active through grace, gone after.
	grace := config.DefaultEntitlementConfig().GracePeriod()
	assert.True(t, ent.ActiveAt(ent.ExpiresAt.Add(2*24*time.Hour), grace))
	assert.False(t, ent.ActiveAt(ent.ExpiresAt.Add(4*24*time.Hour), grace))
}

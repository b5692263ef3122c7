package targeting

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/safetyline/recallhub/internal/clock"
	"github.com/safetyline/recallhub/internal/config"
	"github.com/safetyline/recallhub/internal/plan"
	recalldomain "github.com/safetyline/recallhub/internal/recall/domain"
	subscriberdomain "github.com/safetyline/recallhub/internal/subscriber/domain"
	"github.com/safetyline/recallhub/internal/subscriber/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var engineNow = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

type engineFixture struct {
	db     *gorm.DB
	repo   subscriberdomain.Repository
	node   *snowflake.Node
	engine *Engine
}

func newEngineFixture(t *testing.T) *engineFixture {
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
	repo := repository.Provide()

	cfg := config.DefaultEntitlementConfig()
	cfg.TargetingPageSize = 2 // force multi-page scans

	engine := New(Params{
		DB:    db,
		Log:   zap.NewNop(),
		Repo:  repo,
		Clock: clock.NewFakeClock(engineNow),
		Cfg:   config.NewStaticEntitlementConfigHolder(cfg),
	})
	return &engineFixture{db: db, repo: repo, node: node, engine: engine}
}

type seedOpts struct {
	role          subscriberdomain.Role
	prefs         subscriberdomain.Preferences
	recallExpires time.Time
	vehicleKeys   []string
	vehicleExpiry time.Time
}

func (f *engineFixture) seed(t *testing.T, email string, opts seedOpts) subscriberdomain.Subscriber {
	t.Helper()
	if opts.role == "" {
		opts.role = subscriberdomain.RoleMember
	}
	sub := subscriberdomain.Subscriber{
		ID:          f.node.Generate(),
		Email:       email,
		Role:        opts.role,
		Preferences: opts.prefs,
		CreatedAt:   engineNow,
		UpdatedAt:   engineNow,
	}

	if !opts.recallExpires.IsZero() {
		ent, err := sub.AddEntitlement(f.node.Generate(), plan.Plan{ID: "recall-monthly", RecallFeature: true}, engineNow.Add(-time.Hour), 0)
		require.NoError(t, err)
		ent.Status = subscriberdomain.StatusActive
		ent.ExpiresAt = opts.recallExpires
	}
	if len(opts.vehicleKeys) > 0 {
		ent, err := sub.AddEntitlement(f.node.Generate(), plan.Plan{ID: "vehicle-5", VehicleSlotCount: 5}, engineNow.Add(-time.Hour), 0)
		require.NoError(t, err)
		ent.Status = subscriberdomain.StatusActive
		ent.ExpiresAt = opts.vehicleExpiry
		for i, key := range opts.vehicleKeys {
			require.NoError(t, ent.SetVehicleSlot(i, key, false, engineNow))
		}
	}

	require.NoError(t, f.repo.Insert(context.Background(), f.db, &sub))
	return sub
}

func confirmedPrefs(audiences, categories, distributions, risks []string) subscriberdomain.Preferences {
	return subscriberdomain.Preferences{
		Audiences:      datatypes.NewJSONSlice(audiences),
		Categories:     datatypes.NewJSONSlice(categories),
		Distributions:  datatypes.NewJSONSlice(distributions),
		RiskLevels:     datatypes.NewJSONSlice(risks),
		AlertByEmail:   true,
		EmailConfirmed: true,
	}
}

func TestFindInterestedAttributeIntersection(t *testing.T) {
	f := newEngineFixture(t)
	future := engineNow.Add(30 * 24 * time.Hour)

	matching := f.seed(t, "a@example.com", seedOpts{
		prefs:         confirmedPrefs([]string{"consumers"}, []string{"food"}, []string{"nationwide"}, []string{"high"}),
		recallExpires: future,
	})
	// Same entitlement, non-intersecting category.
	f.seed(t, "b@example.com", seedOpts{
		prefs:         confirmedPrefs([]string{"consumers"}, []string{"devices"}, []string{"nationwide"}, []string{"high"}),
		recallExpires: future,
	})
	// Matching preferences, entitlement lapsed past grace.
	f.seed(t, "c@example.com", seedOpts{
		prefs:         confirmedPrefs([]string{"consumers"}, []string{"food"}, []string{"nationwide"}, []string{"high"}),
		recallExpires: engineNow.Add(-30 * 24 * time.Hour),
	})

	recall := recalldomain.Recall{
		ID:            "R-1",
		Audiences:     []string{"consumers"},
		Categories:    []string{"food"},
		Distributions: []string{"nationwide"},
		Risk:          "high",
		Restricted:    true,
	}

	matches, err := f.engine.FindInterested(context.Background(), recall, Options{})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, matching.ID, matches[0].SubscriberID)
	assert.Equal(t, ReasonAlert, matches[0].Reason)
}

func TestFindInterestedDeterministic(t *testing.T) {
	f := newEngineFixture(t)
	future := engineNow.Add(30 * 24 * time.Hour)
	for _, email := range []string{"p@example.com", "q@example.com", "r@example.com", "s@example.com", "u@example.com"} {
		f.seed(t, email, seedOpts{
			prefs:         confirmedPrefs([]string{"consumers"}, []string{"food"}, []string{"nationwide"}, []string{"high"}),
			recallExpires: future,
		})
	}

	recall := recalldomain.Recall{ID: "R-2", Audiences: []string{"consumers"}, Restricted: true}

	first, err := f.engine.FindInterested(context.Background(), recall, Options{})
	require.NoError(t, err)
	require.Len(t, first, 5)

	// Same store, same clock: repeated scans return identical results even
	// when the population spans multiple pages.
	for i := 0; i < 3; i++ {
		again, err := f.engine.FindInterested(context.Background(), recall, Options{})
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestFindInterestedEmptyDimensionMatchesAll(t *testing.T) {
	f := newEngineFixture(t)
	future := engineNow.Add(30 * 24 * time.Hour)
	sub := f.seed(t, "a@example.com", seedOpts{
		prefs:         confirmedPrefs([]string{"consumers"}, nil, nil, []string{"high"}),
		recallExpires: future,
	})

	recall := recalldomain.Recall{ID: "R-3", Audiences: []string{"consumers"}, Risk: "high", Restricted: true}
	matches, err := f.engine.FindInterested(context.Background(), recall, Options{})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, sub.ID, matches[0].SubscriberID)

	// A risk level the subscriber did not opt into excludes them.
	recall.Risk = "low"
	matches, err = f.engine.FindInterested(context.Background(), recall, Options{})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestElevatedRoleBypassesEntitlement(t *testing.T) {
	f := newEngineFixture(t)

	worker := f.seed(t, "worker@example.com", seedOpts{
		role:  subscriberdomain.RoleWorker,
		prefs: confirmedPrefs([]string{"consumers"}, nil, nil, []string{"high"}),
	})

	recall := recalldomain.Recall{ID: "R-4", Audiences: []string{"consumers"}, Risk: "high", Restricted: true}

	// Excluded by default.
	matches, err := f.engine.FindInterested(context.Background(), recall, Options{})
	require.NoError(t, err)
	assert.Empty(t, matches)

	// Included on request, with no entitlement required.
	matches, err = f.engine.FindInterested(context.Background(), recall, Options{IncludeElevated: true})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, worker.ID, matches[0].SubscriberID)
}

func TestSummaryReasonForUnconfirmedAlertChannel(t *testing.T) {
	f := newEngineFixture(t)
	future := engineNow.Add(30 * 24 * time.Hour)

	prefs := confirmedPrefs([]string{"consumers"}, nil, nil, []string{"high"})
	prefs.EmailConfirmed = false
	prefs.SendSummary = true
	sub := f.seed(t, "a@example.com", seedOpts{prefs: prefs, recallExpires: future})

	recall := recalldomain.Recall{ID: "R-5", Audiences: []string{"consumers"}, Risk: "high", Restricted: true}

	matches, err := f.engine.FindInterested(context.Background(), recall, Options{})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, sub.ID, matches[0].SubscriberID)
	assert.Equal(t, ReasonSummary, matches[0].Reason)

	// AlertsOnly drops recipients without a confirmed alert channel.
	matches, err = f.engine.FindInterested(context.Background(), recall, Options{AlertsOnly: true, Channel: ChannelEmail})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestFindVehicleInterested(t *testing.T) {
	f := newEngineFixture(t)
	future := engineNow.Add(30 * 24 * time.Hour)

	prefs := confirmedPrefs(nil, nil, nil, nil)
	prefs.AlertForVehicles = true
	hit := f.seed(t, "hit@example.com", seedOpts{
		prefs:         prefs,
		vehicleKeys:   []string{"ford|focus|2019", "saab|9-3|2004"},
		vehicleExpiry: future,
	})
	// Tracks a different vehicle.
	f.seed(t, "miss@example.com", seedOpts{
		prefs:         confirmedPrefs(nil, nil, nil, nil),
		vehicleKeys:   []string{"mazda|3|2021"},
		vehicleExpiry: future,
	})
	// Tracks the key but the entitlement lapsed.
	f.seed(t, "lapsed@example.com", seedOpts{
		prefs:         confirmedPrefs(nil, nil, nil, nil),
		vehicleKeys:   []string{"ford|focus|2019"},
		vehicleExpiry: engineNow.Add(-30 * 24 * time.Hour),
	})

	recall := recalldomain.Recall{ID: "V-1", VehicleKeys: []string{"ford|focus|2019"}}
	matches, err := f.engine.FindVehicleInterested(context.Background(), recall, Options{})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, hit.ID, matches[0].SubscriberID)
	assert.Equal(t, ReasonAlert, matches[0].Reason)
}

func TestVehicleKeyTracked(t *testing.T) {
	f := newEngineFixture(t)
	future := engineNow.Add(30 * 24 * time.Hour)

	holder := f.seed(t, "holder@example.com", seedOpts{
		prefs:         confirmedPrefs(nil, nil, nil, nil),
		vehicleKeys:   []string{"ford|focus|2019"},
		vehicleExpiry: future,
	})

	// The holder's own interest does not count as "already tracked".
	tracked, err := f.engine.VehicleKeyTracked(context.Background(), "ford|focus|2019", holder.ID)
	require.NoError(t, err)
	assert.False(t, tracked)

	tracked, err = f.engine.VehicleKeyTracked(context.Background(), "ford|focus|2019", f.node.Generate())
	require.NoError(t, err)
	assert.True(t, tracked)
}

func TestScanHonorsContextCancellation(t *testing.T) {
	f := newEngineFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.FindInterested(ctx, recalldomain.Recall{ID: "R-6"}, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

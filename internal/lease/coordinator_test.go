package lease

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/safetyline/recallhub/internal/clock"
	"github.com/safetyline/recallhub/internal/config"
	subscriberdomain "github.com/safetyline/recallhub/internal/subscriber/domain"
	"github.com/safetyline/recallhub/internal/subscriber/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupCoordinator(t *testing.T, clk clock.Clock) (*Coordinator, *gorm.DB, subscriberdomain.Repository) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&subscriberdomain.Subscriber{},
		&subscriberdomain.Entitlement{},
		&subscriberdomain.VehicleInterest{},
	))

	repo := repository.Provide()
	coord := NewCoordinator(Params{
		DB:    db,
		Log:   zap.NewNop(),
		Repo:  repo,
		Clock: clk,
		Cfg:   config.NewStaticEntitlementConfigHolder(config.DefaultEntitlementConfig()),
	})
	return coord, db, repo
}

func seedSubscriber(t *testing.T, repo subscriberdomain.Repository, db *gorm.DB, now time.Time) subscriberdomain.Subscriber {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	sub := subscriberdomain.Subscriber{
		ID:        node.Generate(),
		Email:     "carol@example.com",
		Role:      subscriberdomain.RoleMember,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, repo.Insert(context.Background(), db, &sub))
	return sub
}

func TestWithExclusiveAccessPersistsMutation(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)
	coord, db, repo := setupCoordinator(t, clk)
	sub := seedSubscriber(t, repo, db, now)

	err := coord.WithExclusiveAccess(context.Background(), sub.ID, func(ctx context.Context, fresh *subscriberdomain.Subscriber) error {
		fresh.CustomerRef = "cus_999"
		return nil
	})
	require.NoError(t, err)

	got, err := repo.FindByID(context.Background(), db, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "cus_999", got.CustomerRef)
	assert.Equal(t, "", got.LockOwner, "lease must be released after the mutation")
}

func TestWithExclusiveAccessContention(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)
	coord, db, repo := setupCoordinator(t, clk)
	sub := seedSubscriber(t, repo, db, now)

	// Simulate another writer holding a live lease.
	acquired, err := repo.AcquireLease(context.Background(), db, sub.ID, "foreign", now, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, acquired)

	err = coord.WithExclusiveAccess(context.Background(), sub.ID, func(ctx context.Context, fresh *subscriberdomain.Subscriber) error {
		t.Fatal("callback must not run under contention")
		return nil
	})
	assert.ErrorIs(t, err, subscriberdomain.ErrLockContention)
}

func TestWithExclusiveAccessReclaimsStaleLease(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)
	coord, db, repo := setupCoordinator(t, clk)
	sub := seedSubscriber(t, repo, db, now)

	acquired, err := repo.AcquireLease(context.Background(), db, sub.ID, "crashed", now.Add(-time.Hour), now.Add(-30*time.Minute))
	require.NoError(t, err)
	require.True(t, acquired)

	ran := false
	err = coord.WithExclusiveAccess(context.Background(), sub.ID, func(ctx context.Context, fresh *subscriberdomain.Subscriber) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestWithExclusiveAccessCallbackErrorSkipsSave(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)
	coord, db, repo := setupCoordinator(t, clk)
	sub := seedSubscriber(t, repo, db, now)

	boom := errors.New("boom")
	err := coord.WithExclusiveAccess(context.Background(), sub.ID, func(ctx context.Context, fresh *subscriberdomain.Subscriber) error {
		fresh.CustomerRef = "cus_should_not_persist"
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := repo.FindByID(context.Background(), db, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "", got.CustomerRef)
	assert.Equal(t, "", got.LockOwner, "lease must be released after a failed mutation")
}

func TestWithExclusiveAccessUnknownSubscriber(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)
	coord, _, _ := setupCoordinator(t, clk)

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	err = coord.WithExclusiveAccess(context.Background(), node.Generate(), func(ctx context.Context, fresh *subscriberdomain.Subscriber) error {
		return nil
	})
	assert.ErrorIs(t, err, subscriberdomain.ErrSubscriberNotFound)
}

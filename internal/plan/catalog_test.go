package plan

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingFetcher struct {
	plans []Plan
	calls int
}

func (f *countingFetcher) FetchPlans(ctx context.Context) ([]Plan, error) {
	f.calls++
	return f.plans, nil
}

func TestPlanByIDRefreshesOnceOnMiss(t *testing.T) {
	fetcher := &countingFetcher{plans: []Plan{
		{ID: "recall-monthly", RecallFeature: true, Interval: "month"},
		{ID: "vehicle-5", VehicleSlotCount: 5, Interval: "month"},
	}}
	catalog := NewCatalog(fetcher, zap.NewNop())

	p, err := catalog.PlanByID(context.Background(), "recall-monthly")
	require.NoError(t, err)
	assert.True(t, p.RecallFeature)
	assert.Equal(t, 1, fetcher.calls)

	// Cached entries resolve without another fetch.
	p, err = catalog.PlanByID(context.Background(), "vehicle-5")
	require.NoError(t, err)
	assert.Equal(t, 5, p.VehicleSlotCount)
	assert.Equal(t, 1, fetcher.calls)

	// A miss wants a refresh, but refreshes coalesce inside the window.
	_, err = catalog.PlanByID(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrPlanNotFound)
	assert.Equal(t, 1, fetcher.calls)

	_, err = catalog.PlanByID(context.Background(), "")
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestFileFetcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plans.yml")
	require.NoError(t, os.WriteFile(path, []byte(`plans:
  - id: recall-monthly
    recallFeature: true
    interval: month
    durationDays: 30
  - id: vehicle-5
    vehicleSlotCount: 5
    interval: month
    durationDays: 30
`), 0o600))

	plans, err := NewFileFetcher(path).FetchPlans(context.Background())
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, "recall-monthly", plans[0].ID)
	assert.True(t, plans[0].RecallFeature)
	assert.Equal(t, 5, plans[1].VehicleSlotCount)
}

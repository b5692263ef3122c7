package plan

import (
	"context"
	"sync"
	"time"

	"github.com/safetyline/recallhub/internal/cache"
	"go.uber.org/zap"
)

const defaultCatalogTTL = 10 * time.Minute

// Fetcher loads the full catalog from wherever it lives.
type Fetcher interface {
	FetchPlans(ctx context.Context) ([]Plan, error)
}

// Catalog is an explicitly-owned, explicitly-refreshed cache over a Fetcher.
// Entries may be up to one TTL stale; callers that need fresher data call
// Refresh themselves.
type Catalog struct {
	fetcher Fetcher
	cache   cache.Cache[string, Plan]
	ttl     time.Duration
	log     *zap.Logger

	mu          sync.Mutex
	lastRefresh time.Time
}

func NewCatalog(fetcher Fetcher, log *zap.Logger) *Catalog {
	return &Catalog{
		fetcher: fetcher,
		cache:   cache.NewTTLCache[string, Plan](),
		ttl:     defaultCatalogTTL,
		log:     log.Named("plan.catalog"),
	}
}

// PlanByID resolves a catalog entry, refreshing once on a miss.
func (c *Catalog) PlanByID(ctx context.Context, id string) (Plan, error) {
	if id == "" {
		return Plan{}, ErrPlanNotFound
	}

	if p, ok := c.cache.Get(id); ok {
		return p, nil
	}

	if err := c.Refresh(ctx); err != nil {
		return Plan{}, err
	}

	if p, ok := c.cache.Get(id); ok {
		return p, nil
	}
	return Plan{}, ErrPlanNotFound
}

// Refresh reloads the whole catalog. Concurrent callers coalesce on the most
// recent load.
func (c *Catalog) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.lastRefresh) < time.Second {
		return nil
	}

	plans, err := c.fetcher.FetchPlans(ctx)
	if err != nil {
		return err
	}

	c.cache.Purge()
	for _, p := range plans {
		c.cache.Set(p.ID, p, c.ttl)
	}
	c.lastRefresh = time.Now()

	c.log.Debug("plan catalog refreshed", zap.Int("plans", len(plans)))
	return nil
}

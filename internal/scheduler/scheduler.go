// Package scheduler runs the periodic background work the request path must
// not carry: plan-catalog refresh and the lapse sweep.
package scheduler

import (
	"context"
	"time"

	"github.com/safetyline/recallhub/internal/clock"
	"github.com/safetyline/recallhub/internal/config"
	"github.com/safetyline/recallhub/internal/plan"
	subscriberdomain "github.com/safetyline/recallhub/internal/subscriber/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Config controls scheduler intervals.
type Config struct {
	RunInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval: 5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	return c
}

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Catalog *plan.Catalog
	Clock   clock.Clock
	Cfg     *config.EntitlementConfigHolder
	Config  Config `optional:"true"`
}

type Scheduler struct {
	db      *gorm.DB
	log     *zap.Logger
	catalog *plan.Catalog
	clock   clock.Clock
	entCfg  *config.EntitlementConfigHolder
	cfg     Config
}

func New(p Params) *Scheduler {
	return &Scheduler{
		db:      p.DB,
		log:     p.Log.Named("scheduler"),
		catalog: p.Catalog,
		clock:   p.Clock,
		entCfg:  p.Cfg,
		cfg:     p.Config.withDefaults(),
	}
}

// RunOnce executes a single scheduler pass. Errors are logged, not returned
// fatally: a failed pass is retried on the next tick.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if err := s.catalog.Refresh(ctx); err != nil {
		s.log.Warn("plan catalog refresh failed", zap.Error(err))
	}
	s.sweepLapsed(ctx)
}

// sweepLapsed reports how many entitlements fell out of their grace window
// since the last pass. Visibility only; expiry itself is a pure function of
// the stored timestamps.
func (s *Scheduler) sweepLapsed(ctx context.Context) {
	grace := s.entCfg.Get().GracePeriod()
	cutoff := s.clock.Now().Add(-grace)
	window := cutoff.Add(-s.cfg.RunInterval)

	var lapsed int64
	err := s.db.WithContext(ctx).
		Model(&subscriberdomain.Entitlement{}).
		Where("expires_at >= ? AND expires_at < ?", window, cutoff).
		Count(&lapsed).Error
	if err != nil {
		s.log.Warn("lapse sweep failed", zap.Error(err))
		return
	}
	if lapsed > 0 {
		s.log.Info("entitlements lapsed past grace", zap.Int64("count", lapsed))
	}
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

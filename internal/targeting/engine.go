// Package targeting computes, for a published recall, the subscribers whose
// active entitlements and preferences intersect the recall's attributes.
//
// Scans are read-only and lock-free: results are best effort as of scan
// start, not transactionally consistent with concurrent reconciliations. That
// staleness window is an accepted tradeoff.
package targeting

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/safetyline/recallhub/internal/clock"
	"github.com/safetyline/recallhub/internal/config"
	"github.com/safetyline/recallhub/internal/observability/metrics"
	recalldomain "github.com/safetyline/recallhub/internal/recall/domain"
	subscriberdomain "github.com/safetyline/recallhub/internal/subscriber/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Reason tells the dispatch collaborator how the subscriber wants to hear
// about the recall.
type Reason string

const (
	ReasonAlert   Reason = "alert"
	ReasonSummary Reason = "summary"
)

// Match is one targeting result handed off to notification dispatch.
type Match struct {
	SubscriberID snowflake.ID `json:"subscriber_id"`
	Reason       Reason       `json:"reason"`
}

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelPhone Channel = "phone"
)

// Options refine a targeting scan.
type Options struct {
	// IncludeElevated adds worker/admin accounts to the result set. Elevated
	// roles always bypass the entitlement check when included.
	IncludeElevated bool
	// AlertsOnly keeps only subscribers with the given confirmed alert
	// channel, dropping summary-only recipients.
	AlertsOnly bool
	Channel    Channel
}

type Engine struct {
	db      *gorm.DB
	log     *zap.Logger
	repo    subscriberdomain.Repository
	clock   clock.Clock
	cfg     *config.EntitlementConfigHolder
	metrics *metrics.Metrics
}

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Repo    subscriberdomain.Repository
	Clock   clock.Clock
	Cfg     *config.EntitlementConfigHolder
	Metrics *metrics.Metrics `optional:"true"`
}

func New(p Params) *Engine {
	return &Engine{
		db:      p.DB,
		log:     p.Log.Named("targeting.engine"),
		repo:    p.Repo,
		clock:   p.Clock,
		cfg:     p.Cfg,
		metrics: p.Metrics,
	}
}

// FindInterested computes the subscribers to notify for a recall. Store
// failure is fatal to the invocation: partially-scanned results are never
// returned.
func (e *Engine) FindInterested(ctx context.Context, recall recalldomain.Recall, opts Options) ([]Match, error) {
	matches, err := e.scan(ctx, opts, func(sub *subscriberdomain.Subscriber, now time.Time, grace time.Duration) (Reason, bool) {
		return e.matchRecall(sub, recall, opts, now, grace)
	})
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.RecordTargetingScan("recall", len(matches))
	}
	return matches, nil
}

// FindVehicleInterested computes the subscribers whose vehicle-interest slots
// intersect a vehicle campaign's affected keys.
func (e *Engine) FindVehicleInterested(ctx context.Context, recall recalldomain.Recall, opts Options) ([]Match, error) {
	affected := make(map[string]struct{}, len(recall.VehicleKeys))
	for _, key := range recall.VehicleKeys {
		affected[key] = struct{}{}
	}

	matches, err := e.scan(ctx, opts, func(sub *subscriberdomain.Subscriber, now time.Time, grace time.Duration) (Reason, bool) {
		return e.matchVehicle(sub, affected, opts, now, grace)
	})
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.RecordTargetingScan("vehicle", len(matches))
	}
	return matches, nil
}

// VehicleKeyTracked reports whether any subscriber other than exclude already
// expresses interest in the key. The first subscriber associated with a key
// drives recall lookups for it; later holders are created pre-reviewed.
func (e *Engine) VehicleKeyTracked(ctx context.Context, key string, exclude snowflake.ID) (bool, error) {
	count, err := e.repo.CountVehicleKeyInterest(ctx, e.db, key, exclude)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

type matchFunc func(sub *subscriberdomain.Subscriber, now time.Time, grace time.Duration) (Reason, bool)

// scan pages through the population store in cursor order so population sizes
// in the tens of thousands never sit in memory at once.
func (e *Engine) scan(ctx context.Context, opts Options, match matchFunc) ([]Match, error) {
	cfg := e.cfg.Get()
	now := e.clock.Now()
	grace := cfg.GracePeriod()
	filter := e.storeFilter(opts)

	var matches []Match
	token := ""
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page, err := e.repo.ScanPage(ctx, e.db, filter, token, cfg.TargetingPageSize)
		if err != nil {
			return nil, err
		}

		for i := range page.Subscribers {
			sub := &page.Subscribers[i]
			if reason, ok := match(sub, now, grace); ok {
				matches = append(matches, Match{SubscriberID: sub.ID, Reason: reason})
			}
		}

		if !page.HasMore {
			return matches, nil
		}
		token = page.NextPageToken
	}
}

func (e *Engine) storeFilter(opts Options) subscriberdomain.ScanFilter {
	roles := []subscriberdomain.Role{subscriberdomain.RoleMember}
	if opts.IncludeElevated {
		roles = append(roles, subscriberdomain.RoleWorker, subscriberdomain.RoleAdmin)
	}

	filter := subscriberdomain.ScanFilter{Roles: roles}
	if opts.AlertsOnly {
		switch opts.Channel {
		case ChannelPhone:
			filter.RequireConfirmedPhone = true
		default:
			filter.RequireConfirmedEmail = true
		}
	}
	return filter
}

func (e *Engine) matchRecall(sub *subscriberdomain.Subscriber, recall recalldomain.Recall, opts Options, now time.Time, grace time.Duration) (Reason, bool) {
	if !e.baseFilter(sub, opts) {
		return "", false
	}

	// Audience-restricted recalls require an active recall entitlement;
	// elevated roles must see every recall regardless of billing state.
	if recall.Restricted && !sub.Role.Elevated() && sub.RecallEntitlement(now, grace) == nil {
		return "", false
	}

	prefs := sub.Preferences
	if !intersects(prefs.Audiences, recall.Audiences) {
		return "", false
	}
	if !intersects(prefs.Categories, recall.Categories) {
		return "", false
	}
	if !intersects(prefs.Distributions, recall.Distributions) {
		return "", false
	}
	if recall.Risk != "" && !contains(prefs.RiskLevels, recall.Risk) {
		return "", false
	}

	reason := ReasonSummary
	if (prefs.AlertByEmail && prefs.EmailConfirmed) || (prefs.AlertByPhone && prefs.PhoneConfirmed) {
		reason = ReasonAlert
	}
	if opts.AlertsOnly && !wantsAlertOn(prefs, opts.Channel) {
		return "", false
	}
	return reason, true
}

func (e *Engine) matchVehicle(sub *subscriberdomain.Subscriber, affected map[string]struct{}, opts Options, now time.Time, grace time.Duration) (Reason, bool) {
	if !e.baseFilter(sub, opts) {
		return "", false
	}
	if !sub.Role.Elevated() && !sub.HasVehicleEntitlement(now, grace) {
		return "", false
	}

	hit := false
	for _, key := range sub.ActiveVehicleKeys(now, grace) {
		if _, ok := affected[key]; ok {
			hit = true
			break
		}
	}
	if !hit {
		return "", false
	}

	prefs := sub.Preferences
	reason := ReasonSummary
	if prefs.AlertForVehicles && ((prefs.AlertByEmail && prefs.EmailConfirmed) || (prefs.AlertByPhone && prefs.PhoneConfirmed)) {
		reason = ReasonAlert
	}
	if opts.AlertsOnly && !wantsAlertOn(prefs, opts.Channel) {
		return "", false
	}
	return reason, true
}

func (e *Engine) baseFilter(sub *subscriberdomain.Subscriber, opts Options) bool {
	switch sub.Role {
	case subscriberdomain.RoleMember:
		return true
	case subscriberdomain.RoleWorker, subscriberdomain.RoleAdmin:
		return opts.IncludeElevated
	default:
		return false
	}
}

func wantsAlertOn(prefs subscriberdomain.Preferences, ch Channel) bool {
	switch ch {
	case ChannelPhone:
		return prefs.AlertByPhone && prefs.PhoneConfirmed
	default:
		return prefs.AlertByEmail && prefs.EmailConfirmed
	}
}

// intersects reports a non-empty intersection; an empty recall dimension
// matches everyone on that dimension.
func intersects(have []string, want []string) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		if contains(have, w) {
			return true
		}
	}
	return false
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

var Module = fx.Module("targeting",
	fx.Provide(New),
)

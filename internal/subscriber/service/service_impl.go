package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/safetyline/recallhub/internal/clock"
	"github.com/safetyline/recallhub/internal/config"
	"github.com/safetyline/recallhub/internal/lease"
	"github.com/safetyline/recallhub/internal/plan"
	recalldomain "github.com/safetyline/recallhub/internal/recall/domain"
	subscriberdomain "github.com/safetyline/recallhub/internal/subscriber/domain"
	"github.com/safetyline/recallhub/internal/targeting"
	"github.com/safetyline/recallhub/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	cfg   *config.EntitlementConfigHolder

	repo      subscriberdomain.Repository
	catalog   *plan.Catalog
	coord     *lease.Coordinator
	targeting *targeting.Engine
}

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Cfg       *config.EntitlementConfigHolder
	Repo      subscriberdomain.Repository
	Catalog   *plan.Catalog
	Coord     *lease.Coordinator
	Targeting *targeting.Engine
}

func NewService(p Params) subscriberdomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("subscriber.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		cfg:       p.Cfg,
		repo:      p.Repo,
		catalog:   p.Catalog,
		coord:     p.Coord,
		targeting: p.Targeting,
	}
}

// Create implements domain.Service.
func (s *Service) Create(ctx context.Context, req subscriberdomain.CreateSubscriberRequest) (subscriberdomain.Subscriber, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		return subscriberdomain.Subscriber{}, subscriberdomain.NewValidationError("email", "invalid", "a valid email is required")
	}

	role := req.Role
	if role == "" {
		role = subscriberdomain.RoleMember
	}

	now := s.clock.Now()
	sub := subscriberdomain.Subscriber{
		ID:        s.genID.Generate(),
		Email:     email,
		Role:      role,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.repo.Insert(ctx, s.db, &sub); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return subscriberdomain.Subscriber{}, subscriberdomain.ErrEmailTaken
		}
		return subscriberdomain.Subscriber{}, err
	}
	return sub, nil
}

// Get implements domain.Service.
func (s *Service) Get(ctx context.Context, id string) (subscriberdomain.Subscriber, error) {
	subscriberID, err := s.parseID(id)
	if err != nil {
		return subscriberdomain.Subscriber{}, err
	}

	sub, err := s.repo.FindByID(ctx, s.db, subscriberID)
	if err != nil {
		return subscriberdomain.Subscriber{}, err
	}
	if sub == nil {
		return subscriberdomain.Subscriber{}, subscriberdomain.ErrSubscriberNotFound
	}
	return *sub, nil
}

// ListEntitlements implements domain.Service.
func (s *Service) ListEntitlements(ctx context.Context, id string) ([]subscriberdomain.Entitlement, error) {
	sub, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return sub.Entitlements, nil
}

// Subscribe attaches a new entitlement built from the plan catalog. The
// billing reference stays empty until the first reconciliation assigns it.
func (s *Service) Subscribe(ctx context.Context, req subscriberdomain.SubscribeRequest) (subscriberdomain.Entitlement, error) {
	subscriberID, err := s.parseID(req.SubscriberID)
	if err != nil {
		return subscriberdomain.Entitlement{}, err
	}

	p, err := s.catalog.PlanByID(ctx, req.PlanID)
	if err != nil {
		return subscriberdomain.Entitlement{}, subscriberdomain.NewValidationError("plan_id", "unknown", "plan does not resolve in the catalog")
	}

	var created subscriberdomain.Entitlement
	err = s.coord.WithExclusiveAccess(ctx, subscriberID, func(ctx context.Context, sub *subscriberdomain.Subscriber) error {
		cfg := s.cfg.Get()
		ent, err := sub.AddEntitlement(s.genID.Generate(), p, s.clock.Now(), cfg.GracePeriod())
		if err != nil {
			return err
		}
		created = *ent
		return nil
	})
	if err != nil {
		return subscriberdomain.Entitlement{}, err
	}
	return created, nil
}

// SetVehicleSlot updates one vehicle-interest slot under the subscriber's
// lease. The reviewed flag is set when another subscriber already tracks the
// same key, so only the first holder triggers recall lookups for it.
func (s *Service) SetVehicleSlot(ctx context.Context, req subscriberdomain.SetVehicleSlotRequest) (subscriberdomain.VehicleSlot, error) {
	subscriberID, err := s.parseID(req.SubscriberID)
	if err != nil {
		return subscriberdomain.VehicleSlot{}, err
	}
	entitlementID, err := s.parseID(req.EntitlementID)
	if err != nil {
		return subscriberdomain.VehicleSlot{}, err
	}

	key, err := recalldomain.NormalizeVehicleKey(req.Make, req.Model, req.Year)
	if err != nil {
		return subscriberdomain.VehicleSlot{}, subscriberdomain.NewValidationError("vehicle_key", "malformed", err.Error())
	}

	reviewed, err := s.targeting.VehicleKeyTracked(ctx, key, subscriberID)
	if err != nil {
		return subscriberdomain.VehicleSlot{}, err
	}

	var updated subscriberdomain.VehicleSlot
	err = s.coord.WithExclusiveAccess(ctx, subscriberID, func(ctx context.Context, sub *subscriberdomain.Subscriber) error {
		var ent *subscriberdomain.Entitlement
		for i := range sub.Entitlements {
			if sub.Entitlements[i].ID == entitlementID {
				ent = &sub.Entitlements[i]
				break
			}
		}
		if ent == nil {
			return subscriberdomain.ErrEntitlementNotFound
		}

		if err := ent.SetVehicleSlot(req.SlotIndex, key, reviewed, s.clock.Now()); err != nil {
			return err
		}
		updated = ent.VehicleSlots[req.SlotIndex]
		return nil
	})
	if err != nil {
		return subscriberdomain.VehicleSlot{}, err
	}
	return updated, nil
}

// Delete implements domain.Service. External billing-customer deletion is a
// best-effort side effect owned by the caller.
func (s *Service) Delete(ctx context.Context, id string) error {
	subscriberID, err := s.parseID(id)
	if err != nil {
		return err
	}
	return s.repo.Delete(ctx, s.db, subscriberID)
}

func (s *Service) parseID(raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil {
		return 0, subscriberdomain.NewValidationError("id", "invalid", "malformed identifier")
	}
	return id, nil
}

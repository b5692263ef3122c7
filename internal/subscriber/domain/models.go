// Package domain contains the subscriber aggregate and its entitlement records.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/safetyline/recallhub/internal/plan"
	"gorm.io/datatypes"
)

// Role classifies a subscriber account.
type Role string

const (
	RoleGuest  Role = "guest"
	RoleMember Role = "member"
	RoleWorker Role = "worker"
	RoleAdmin  Role = "admin"
)

// Elevated roles see every recall regardless of billing state.
func (r Role) Elevated() bool {
	return r == RoleWorker || r == RoleAdmin
}

// EntitlementStatus represents lifecycle states reported by the billing provider.
type EntitlementStatus string

const (
	StatusIncomplete        EntitlementStatus = "incomplete"
	StatusTrialing          EntitlementStatus = "trialing"
	StatusActive            EntitlementStatus = "active"
	StatusPastDue           EntitlementStatus = "past_due"
	StatusCanceled          EntitlementStatus = "canceled"
	StatusUnpaid            EntitlementStatus = "unpaid"
	StatusIncompleteExpired EntitlementStatus = "incomplete_expired"
)

func (s EntitlementStatus) Valid() bool {
	switch s {
	case StatusIncomplete, StatusTrialing, StatusActive, StatusPastDue,
		StatusCanceled, StatusUnpaid, StatusIncompleteExpired:
		return true
	}
	return false
}

// Live reports whether the provider still considers the subscription billable.
func (s EntitlementStatus) Live() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue:
		return true
	}
	return false
}

// NeverActivated reports statuses for which no entitlement was ever granted.
func (s EntitlementStatus) NeverActivated() bool {
	return s == StatusIncomplete || s == StatusIncompleteExpired
}

// VehicleSlot is one vehicle-interest slot on an entitlement. Reviewed means
// recall data for the key has already been looked up on behalf of some
// subscriber, so this slot must not trigger another lookup.
type VehicleSlot struct {
	VehicleKey string    `json:"vehicle_key"`
	Reviewed   bool      `json:"reviewed"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Entitlement is one paid subscription held by a subscriber. Records are never
// hard-deleted; cancellation is a status transition.
type Entitlement struct {
	ID               snowflake.ID                     `gorm:"primaryKey"`
	SubscriberID     snowflake.ID                     `gorm:"not null;index"`
	PlanID           string                           `gorm:"type:text;not null"`
	BillingRef       string                           `gorm:"type:text;index"`
	Status           EntitlementStatus                `gorm:"type:text;not null"`
	RecallFeature    bool                             `gorm:"not null;default:false"`
	VehicleSlotCount int                              `gorm:"not null;default:0"`
	StartedAt        time.Time                        `gorm:"not null"`
	RenewsAt         time.Time                        `gorm:"not null"`
	ExpiresAt        time.Time                        `gorm:"not null;index"`
	VehicleSlots     datatypes.JSONSlice[VehicleSlot] `gorm:""`
	CreatedAt        time.Time                        `gorm:"not null"`
	UpdatedAt        time.Time                        `gorm:"not null"`
}

// TableName sets the database table name.
func (Entitlement) TableName() string { return "entitlements" }

// ApplyPlan copies feature grants from the catalog entry and resizes the
// vehicle-slot list to the new count.
func (e *Entitlement) ApplyPlan(p plan.Plan) error {
	if p.VehicleSlotCount < 0 {
		return NewValidationError("vehicleSlotCount", "negative", "vehicle slot count must not be negative")
	}

	e.PlanID = p.ID
	e.RecallFeature = p.RecallFeature
	e.VehicleSlotCount = p.VehicleSlotCount
	e.normalizeSlots()
	return nil
}

// SetVehicleSlot updates one slot's vehicle key. The caller decides the
// reviewed flag (true when another subscriber already tracks the same key).
func (e *Entitlement) SetVehicleSlot(idx int, vehicleKey string, reviewed bool, now time.Time) error {
	e.normalizeSlots()
	if idx < 0 || idx >= len(e.VehicleSlots) {
		return NewValidationError("slot", "out_of_range", "vehicle slot index out of range")
	}

	e.VehicleSlots[idx] = VehicleSlot{
		VehicleKey: vehicleKey,
		Reviewed:   reviewed,
		UpdatedAt:  now.UTC(),
	}
	return nil
}

// ActiveAt applies the grace-period clock to this record.
func (e *Entitlement) ActiveAt(now time.Time, grace time.Duration) bool {
	return IsActive(e.ExpiresAt, now, grace)
}

// VehicleKeys returns the non-empty keys currently held by this record's slots.
func (e *Entitlement) VehicleKeys() []string {
	keys := make([]string, 0, len(e.VehicleSlots))
	for _, slot := range e.VehicleSlots {
		if slot.VehicleKey != "" {
			keys = append(keys, slot.VehicleKey)
		}
	}
	return keys
}

// normalizeSlots pads or truncates the slot list so its length always equals
// VehicleSlotCount. Truncation drops from the tail.
func (e *Entitlement) normalizeSlots() {
	if e.VehicleSlotCount < 0 {
		e.VehicleSlotCount = 0
	}
	for len(e.VehicleSlots) < e.VehicleSlotCount {
		e.VehicleSlots = append(e.VehicleSlots, VehicleSlot{})
	}
	if len(e.VehicleSlots) > e.VehicleSlotCount {
		e.VehicleSlots = e.VehicleSlots[:e.VehicleSlotCount]
	}
}

// Preferences is the notification-preference record embedded on a subscriber.
type Preferences struct {
	Audiences     datatypes.JSONSlice[string] `gorm:""`
	Categories    datatypes.JSONSlice[string] `gorm:""`
	Distributions datatypes.JSONSlice[string] `gorm:""`
	RiskLevels    datatypes.JSONSlice[string] `gorm:""`

	AlertByEmail       bool `gorm:"not null;default:false"`
	AlertByPhone       bool `gorm:"not null;default:false"`
	SendSummary        bool `gorm:"not null;default:false"`
	AlertForVehicles   bool `gorm:"not null;default:false"`
	SendVehicleSummary bool `gorm:"not null;default:false"`

	EmailConfirmed bool `gorm:"not null;default:false"`
	PhoneConfirmed bool `gorm:"not null;default:false"`
}

// Subscriber is the aggregate root owning entitlement records and preferences.
// All mutation goes through the exclusive-update coordinator; LockOwner and
// LockExpiresAt are its lease fields.
type Subscriber struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	Email       string       `gorm:"type:text;not null;uniqueIndex"`
	Role        Role         `gorm:"type:text;not null"`
	CustomerRef string       `gorm:"type:text;index"`

	Preferences  Preferences   `gorm:"embedded;embeddedPrefix:pref_"`
	Entitlements []Entitlement `gorm:"foreignKey:SubscriberID"`

	LockOwner     string     `gorm:"type:text"`
	LockExpiresAt *time.Time `gorm:""`

	Metadata  datatypes.JSONMap `gorm:""`
	CreatedAt time.Time         `gorm:"not null"`
	UpdatedAt time.Time         `gorm:"not null"`
}

// TableName sets the database table name.
func (Subscriber) TableName() string { return "subscribers" }

// AddEntitlement appends a new record built from the catalog entry. It rejects
// a second simultaneously-active recall-feature entitlement.
func (s *Subscriber) AddEntitlement(id snowflake.ID, p plan.Plan, now time.Time, grace time.Duration) (*Entitlement, error) {
	if p.RecallFeature && s.RecallEntitlement(now, grace) != nil {
		return nil, ErrDuplicateRecallEntitlement
	}

	ent := Entitlement{
		ID:           id,
		SubscriberID: s.ID,
		Status:       StatusIncomplete,
		StartedAt:    now.UTC().Truncate(time.Minute),
		RenewsAt:     now.UTC().Truncate(time.Minute),
		ExpiresAt:    now.UTC().Truncate(time.Minute),
		CreatedAt:    now.UTC(),
		UpdatedAt:    now.UTC(),
	}
	if err := ent.ApplyPlan(p); err != nil {
		return nil, err
	}

	s.Entitlements = append(s.Entitlements, ent)
	return &s.Entitlements[len(s.Entitlements)-1], nil
}

// ActiveEntitlements filters by the grace-period clock.
func (s *Subscriber) ActiveEntitlements(now time.Time, grace time.Duration) []*Entitlement {
	var active []*Entitlement
	for i := range s.Entitlements {
		if s.Entitlements[i].ActiveAt(now, grace) {
			active = append(active, &s.Entitlements[i])
		}
	}
	return active
}

// RecallEntitlement returns the first active entitlement granting recall
// access, or nil. Callers must treat nil as "receives no alerts" except for
// elevated roles.
func (s *Subscriber) RecallEntitlement(now time.Time, grace time.Duration) *Entitlement {
	for _, ent := range s.ActiveEntitlements(now, grace) {
		if ent.RecallFeature {
			return ent
		}
	}
	return nil
}

// HasVehicleEntitlement reports whether any active entitlement carries vehicle
// slots.
func (s *Subscriber) HasVehicleEntitlement(now time.Time, grace time.Duration) bool {
	for _, ent := range s.ActiveEntitlements(now, grace) {
		if ent.VehicleSlotCount > 0 {
			return true
		}
	}
	return false
}

// EntitlementByBillingRef resolves the record assigned the given provider
// subscription reference, or nil.
func (s *Subscriber) EntitlementByBillingRef(ref string) *Entitlement {
	if ref == "" {
		return nil
	}
	for i := range s.Entitlements {
		if s.Entitlements[i].BillingRef == ref {
			return &s.Entitlements[i]
		}
	}
	return nil
}

// ActiveVehicleKeys collects vehicle keys across all active entitlements.
func (s *Subscriber) ActiveVehicleKeys(now time.Time, grace time.Duration) []string {
	var keys []string
	for _, ent := range s.ActiveEntitlements(now, grace) {
		keys = append(keys, ent.VehicleKeys()...)
	}
	return keys
}

// EnsureDefaultPreferences seeds the preference record the first time a
// subscriber gains an active recall entitlement. Existing choices are kept.
func (s *Subscriber) EnsureDefaultPreferences() {
	p := &s.Preferences
	if len(p.Audiences) == 0 && len(p.Categories) == 0 && len(p.Distributions) == 0 && len(p.RiskLevels) == 0 {
		p.Audiences = datatypes.NewJSONSlice([]string{"consumers"})
		p.RiskLevels = datatypes.NewJSONSlice([]string{"high", "medium", "low"})
		p.AlertByEmail = true
		p.SendSummary = true
	}
}

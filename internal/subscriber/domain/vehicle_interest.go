package domain

import "github.com/bwmarrin/snowflake"

// VehicleInterest is a flattened projection of non-empty vehicle slots, kept
// in sync on every aggregate save so cross-subscriber key lookups stay cheap.
type VehicleInterest struct {
	SubscriberID  snowflake.ID `gorm:"not null;index"`
	EntitlementID snowflake.ID `gorm:"not null;index"`
	VehicleKey    string       `gorm:"type:text;not null;index"`
}

// TableName sets the database table name.
func (VehicleInterest) TableName() string { return "vehicle_interests" }

// Package plan exposes the read-only plan catalog this service subscribes
// against. Entries live upstream; locally they are cached with an explicit
// staleness window.
package plan

import "errors"

var ErrPlanNotFound = errors.New("plan_not_found")

// Plan is one catalog entry. The catalog is small and assumed cacheable.
type Plan struct {
	ID               string `json:"id" mapstructure:"id"`
	RecallFeature    bool   `json:"recall_feature" mapstructure:"recallFeature"`
	VehicleSlotCount int    `json:"vehicle_slot_count" mapstructure:"vehicleSlotCount"`
	Interval         string `json:"interval" mapstructure:"interval"`
	DurationDays     int    `json:"duration_days" mapstructure:"durationDays"`
}

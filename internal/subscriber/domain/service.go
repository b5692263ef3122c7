package domain

import "context"

type CreateSubscriberRequest struct {
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

type SetVehicleSlotRequest struct {
	SubscriberID  string `json:"subscriber_id"`
	EntitlementID string `json:"entitlement_id"`
	SlotIndex     int    `json:"slot_index"`
	Make          string `json:"make"`
	Model         string `json:"model"`
	Year          int    `json:"year"`
}

type SubscribeRequest struct {
	SubscriberID string `json:"subscriber_id"`
	PlanID       string `json:"plan_id"`
}

type Service interface {
	Create(ctx context.Context, req CreateSubscriberRequest) (Subscriber, error)
	Get(ctx context.Context, id string) (Subscriber, error)
	ListEntitlements(ctx context.Context, id string) ([]Entitlement, error)
	Subscribe(ctx context.Context, req SubscribeRequest) (Entitlement, error)
	SetVehicleSlot(ctx context.Context, req SetVehicleSlotRequest) (VehicleSlot, error)
	Delete(ctx context.Context, id string) error
}

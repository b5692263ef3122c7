// Package domain defines the billing-provider boundary: deserialized
// snapshots and events handed to the reconciler. This service never calls the
// provider's API directly.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriberdomain "github.com/safetyline/recallhub/internal/subscriber/domain"
	"gorm.io/datatypes"
)

type EventType string

const (
	EventInvoicePaid          EventType = "invoice_paid"
	EventInvoiceFailed        EventType = "invoice_failed"
	EventSubscriptionCanceled EventType = "subscription_canceled"
	EventSubscriptionUpdated  EventType = "subscription_updated"
)

// Snapshot is a full view of one provider subscription. Which of the optional
// end-of-life fields are populated depends on how the subscription changed;
// the reconciler's precedence order accounts for that.
type Snapshot struct {
	CustomerRef       string
	SubscriptionRef   string
	PlanRef           string
	Status            subscriberdomain.EntitlementStatus
	StartDate         time.Time
	CurrentPeriodEnd  time.Time
	EndedAt           *time.Time
	CancelAt          *time.Time
	CanceledAt        *time.Time
	CancelAtPeriodEnd bool
}

// Event is one targeted notification from the provider. Snapshot carries the
// subscription state as of the event; for invoice_paid the reconciler
// re-fetches through the retriever instead.
type Event struct {
	ID              string
	Type            EventType
	CustomerRef     string
	SubscriptionRef string
	Snapshot        *Snapshot
}

// SubscriptionRetriever re-fetches a subscription snapshot by provider
// reference. Injected; the provider client itself is an external collaborator.
type SubscriptionRetriever interface {
	RetrieveSubscription(ctx context.Context, ref string) (Snapshot, error)
}

// EventLog is the audit record of every webhook delivery accepted at the
// boundary, whatever the reconciliation outcome.
type EventLog struct {
	ID         snowflake.ID   `gorm:"primaryKey"`
	EventID    string         `gorm:"type:text;uniqueIndex"`
	EventType  string         `gorm:"type:text;not null"`
	Payload    datatypes.JSON `gorm:""`
	Outcome    string         `gorm:"type:text"`
	ReceivedAt time.Time      `gorm:"not null"`
}

// TableName sets the database table name.
func (EventLog) TableName() string { return "billing_event_logs" }

// Package stripeadapter translates Stripe webhook deliveries into the
// provider-neutral billing events the reconciler consumes.
package stripeadapter

import (
	"encoding/json"
	"errors"
	"time"

	billingdomain "github.com/safetyline/recallhub/internal/billing/domain"
	subscriberdomain "github.com/safetyline/recallhub/internal/subscriber/domain"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

var (
	ErrInvalidSignature = errors.New("invalid_webhook_signature")
	// ErrEventIgnored marks deliveries for event types this service does not
	// reconcile. Acked, never retried.
	ErrEventIgnored = errors.New("event_ignored")
)

type Adapter struct {
	signingSecret string
}

func New(signingSecret string) *Adapter {
	return &Adapter{signingSecret: signingSecret}
}

// Parse verifies the delivery signature (when a secret is configured) and
// maps the payload onto a domain event.
func (a *Adapter) Parse(payload []byte, signature string) (billingdomain.Event, error) {
	var event stripe.Event
	if a.signingSecret != "" {
		verified, err := webhook.ConstructEvent(payload, signature, a.signingSecret)
		if err != nil {
			return billingdomain.Event{}, ErrInvalidSignature
		}
		event = verified
	} else if err := json.Unmarshal(payload, &event); err != nil {
		return billingdomain.Event{}, err
	}

	switch event.Type {
	case "invoice.paid", "invoice.payment_succeeded":
		return a.invoiceEvent(event, billingdomain.EventInvoicePaid)
	case "invoice.payment_failed":
		return a.invoiceEvent(event, billingdomain.EventInvoiceFailed)
	case "customer.subscription.deleted":
		return a.subscriptionEvent(event, billingdomain.EventSubscriptionCanceled)
	case "customer.subscription.created", "customer.subscription.updated":
		return a.subscriptionEvent(event, billingdomain.EventSubscriptionUpdated)
	default:
		return billingdomain.Event{}, ErrEventIgnored
	}
}

func (a *Adapter) invoiceEvent(event stripe.Event, evType billingdomain.EventType) (billingdomain.Event, error) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return billingdomain.Event{}, err
	}

	out := billingdomain.Event{ID: event.ID, Type: evType}
	if invoice.Customer != nil {
		out.CustomerRef = invoice.Customer.ID
	}
	if invoice.Subscription != nil {
		out.SubscriptionRef = invoice.Subscription.ID
	}
	return out, nil
}

func (a *Adapter) subscriptionEvent(event stripe.Event, evType billingdomain.EventType) (billingdomain.Event, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return billingdomain.Event{}, err
	}

	snap := SnapshotFromSubscription(&sub)
	return billingdomain.Event{
		ID:              event.ID,
		Type:            evType,
		CustomerRef:     snap.CustomerRef,
		SubscriptionRef: snap.SubscriptionRef,
		Snapshot:        &snap,
	}, nil
}

// SnapshotFromSubscription maps the provider's subscription body onto the
// neutral snapshot. Zero unix timestamps mean "absent" and stay nil.
func SnapshotFromSubscription(sub *stripe.Subscription) billingdomain.Snapshot {
	snap := billingdomain.Snapshot{
		SubscriptionRef:   sub.ID,
		Status:            mapStatus(sub.Status),
		StartDate:         time.Unix(sub.StartDate, 0).UTC(),
		CurrentPeriodEnd:  time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		EndedAt:           unixPtr(sub.EndedAt),
		CancelAt:          unixPtr(sub.CancelAt),
		CanceledAt:        unixPtr(sub.CanceledAt),
	}
	if sub.Customer != nil {
		snap.CustomerRef = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		snap.PlanRef = sub.Items.Data[0].Price.ID
	}
	return snap
}

func mapStatus(status stripe.SubscriptionStatus) subscriberdomain.EntitlementStatus {
	switch status {
	case stripe.SubscriptionStatusIncomplete:
		return subscriberdomain.StatusIncomplete
	case stripe.SubscriptionStatusIncompleteExpired:
		return subscriberdomain.StatusIncompleteExpired
	case stripe.SubscriptionStatusTrialing:
		return subscriberdomain.StatusTrialing
	case stripe.SubscriptionStatusActive:
		return subscriberdomain.StatusActive
	case stripe.SubscriptionStatusPastDue:
		return subscriberdomain.StatusPastDue
	case stripe.SubscriptionStatusCanceled:
		return subscriberdomain.StatusCanceled
	case stripe.SubscriptionStatusUnpaid:
		return subscriberdomain.StatusUnpaid
	default:
		return subscriberdomain.EntitlementStatus(status)
	}
}

func unixPtr(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

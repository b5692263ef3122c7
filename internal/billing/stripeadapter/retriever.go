package stripeadapter

import (
	"context"

	billingdomain "github.com/safetyline/recallhub/internal/billing/domain"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/subscription"
)

// Retriever re-fetches subscriptions from Stripe for events that carry no
// subscription body.
type Retriever struct{}

func NewRetriever() *Retriever { return &Retriever{} }

func (Retriever) RetrieveSubscription(ctx context.Context, ref string) (billingdomain.Snapshot, error) {
	sub, err := subscription.Get(ref, &stripe.SubscriptionParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return billingdomain.Snapshot{}, err
	}
	return SnapshotFromSubscription(sub), nil
}

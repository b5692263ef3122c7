package billing

import (
	billingdomain "github.com/safetyline/recallhub/internal/billing/domain"
	"github.com/safetyline/recallhub/internal/billing/reconciler"
	"github.com/safetyline/recallhub/internal/billing/stripeadapter"
	"github.com/safetyline/recallhub/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("billing",
	fx.Provide(func(cfg config.Config) *stripeadapter.Adapter {
		return stripeadapter.New(cfg.StripeWebhookSecret)
	}),
	fx.Provide(func() billingdomain.SubscriptionRetriever {
		return stripeadapter.NewRetriever()
	}),
	reconciler.Module,
)

package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	billingdomain "github.com/safetyline/recallhub/internal/billing/domain"
	"github.com/safetyline/recallhub/internal/billing/reconciler"
	"github.com/safetyline/recallhub/internal/billing/stripeadapter"
	"github.com/safetyline/recallhub/pkg/db"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

// HandleBillingWebhook accepts provider deliveries. Malformed or unverifiable
// payloads are rejected; everything else is acknowledged with 2xx so the
// provider stops redelivering, except contention and store failures, which
// return 5xx to request a retry.
func (s *Server) HandleBillingWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ev, err := s.adapter.Parse(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, stripeadapter.ErrEventIgnored) {
			c.JSON(http.StatusOK, gin.H{"received": true, "outcome": "ignored"})
			return
		}
		s.log.Warn("webhook rejected", zap.Error(err))
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := c.Request.Context()
	if !s.deduper.FirstDelivery(ctx, ev.ID) {
		c.JSON(http.StatusOK, gin.H{"received": true, "outcome": "duplicate"})
		return
	}

	outcome := s.reconciler.ProcessEvent(ctx, ev)

	logEntry := billingdomain.EventLog{
		ID:         s.genID.Generate(),
		EventID:    ev.ID,
		EventType:  string(ev.Type),
		Payload:    payload,
		Outcome:    string(outcome),
		ReceivedAt: s.clock.Now(),
	}
	if err := s.eventLogs.Create(ctx, &logEntry); err != nil && !db.IsDuplicateKeyErr(err) {
		s.log.Error("event log write failed", zap.String("event_id", ev.ID), zap.Error(err))
	}

	switch outcome {
	case reconciler.OutcomeContention, reconciler.OutcomeFailed:
		// Clear the dedupe mark so the provider's retry is reprocessed.
		s.deduper.Forget(ctx, ev.ID)
		c.JSON(http.StatusServiceUnavailable, gin.H{"received": false, "outcome": string(outcome)})
	default:
		c.JSON(http.StatusOK, gin.H{"received": true, "outcome": string(outcome)})
	}
}

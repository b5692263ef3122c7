package dedupe

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deduper remembers webhook event ids for a retention window so redelivered
// events are acknowledged without reprocessing. A nil receiver or nil client
// degrades to "first delivery": reconciliation stays idempotent without it.
type Deduper struct {
	client *redis.Client
	log    *zap.Logger
	ttl    time.Duration
}

func New(client *redis.Client, log *zap.Logger, ttl time.Duration) *Deduper {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Deduper{
		client: client,
		log:    log.Named("dedupe"),
		ttl:    ttl,
	}
}

// FirstDelivery records the event id and reports whether this is the first
// time it has been seen. Redis errors are logged and treated as first
// delivery so an unavailable cache never drops events.
func (d *Deduper) FirstDelivery(ctx context.Context, eventID string) bool {
	if d == nil || d.client == nil || eventID == "" {
		return true
	}

	ok, err := d.client.SetNX(ctx, d.key(eventID), 1, d.ttl).Result()
	if err != nil {
		d.log.Warn("dedupe lookup failed, treating as first delivery",
			zap.String("event_id", eventID),
			zap.Error(err),
		)
		return true
	}
	return ok
}

// Forget clears a recorded event id so a failed handler can be retried by
// the upstream redelivery.
func (d *Deduper) Forget(ctx context.Context, eventID string) {
	if d == nil || d.client == nil || eventID == "" {
		return
	}
	if err := d.client.Del(ctx, d.key(eventID)).Err(); err != nil {
		d.log.Warn("dedupe release failed", zap.String("event_id", eventID), zap.Error(err))
	}
}

func (d *Deduper) key(eventID string) string {
	return fmt.Sprintf("recallhub:billing:event:%s", eventID)
}

package dedupe

import (
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/safetyline/recallhub/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func NewDeduper(cfg config.Config, log *zap.Logger) *Deduper {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
	})
	return New(client, log, 24*time.Hour)
}

var Module = fx.Module("dedupe",
	fx.Provide(NewDeduper),
)

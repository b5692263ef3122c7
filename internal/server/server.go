package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	billingdomain "github.com/safetyline/recallhub/internal/billing/domain"
	"github.com/safetyline/recallhub/internal/billing/reconciler"
	"github.com/safetyline/recallhub/internal/billing/stripeadapter"
	"github.com/safetyline/recallhub/internal/clock"
	"github.com/safetyline/recallhub/internal/config"
	"github.com/safetyline/recallhub/internal/dedupe"
	subscriberdomain "github.com/safetyline/recallhub/internal/subscriber/domain"
	"github.com/safetyline/recallhub/internal/targeting"
	"github.com/safetyline/recallhub/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(func(db *gorm.DB) repository.Repository[billingdomain.EventLog] {
		return repository.ProvideStore[billingdomain.EventLog](db)
	}),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(cfg config.Config) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine *gin.Engine
	cfg    config.Config
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock

	subscriberSvc subscriberdomain.Service
	adapter       *stripeadapter.Adapter
	reconciler    *reconciler.Reconciler
	targeting     *targeting.Engine
	deduper       *dedupe.Deduper
	eventLogs     repository.Repository[billingdomain.EventLog]
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	SubscriberSvc subscriberdomain.Service
	Adapter       *stripeadapter.Adapter
	Reconciler    *reconciler.Reconciler
	Targeting     *targeting.Engine
	Deduper       *dedupe.Deduper `optional:"true"`
	EventLogs     repository.Repository[billingdomain.EventLog]
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		log:           p.Log.Named("http"),
		genID:         p.GenID,
		clock:         p.Clock,
		subscriberSvc: p.SubscriberSvc,
		adapter:       p.Adapter,
		reconciler:    p.Reconciler,
		targeting:     p.Targeting,
		deduper:       p.Deduper,
		eventLogs:     p.EventLogs,
	}

	svc.registerRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerRoutes() {
	v1 := s.engine.Group("/v1")

	v1.POST("/webhooks/billing", s.HandleBillingWebhook)
	v1.POST("/recalls/targets", s.ResolveRecallTargets)

	v1.POST("/subscribers", s.CreateSubscriber)
	v1.GET("/subscribers/:id", s.GetSubscriber)
	v1.DELETE("/subscribers/:id", s.DeleteSubscriber)
	v1.GET("/subscribers/:id/entitlements", s.ListEntitlements)
	v1.POST("/subscribers/:id/entitlements", s.Subscribe)
	v1.PUT("/subscribers/:id/vehicle-slots/:slot", s.SetVehicleSlot)
}

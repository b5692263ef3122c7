package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/safetyline/recallhub/internal/billing"
	"github.com/safetyline/recallhub/internal/clock"
	"github.com/safetyline/recallhub/internal/config"
	"github.com/safetyline/recallhub/internal/dedupe"
	"github.com/safetyline/recallhub/internal/lease"
	"github.com/safetyline/recallhub/internal/logger"
	"github.com/safetyline/recallhub/internal/migration"
	"github.com/safetyline/recallhub/internal/observability"
	"github.com/safetyline/recallhub/internal/plan"
	"github.com/safetyline/recallhub/internal/scheduler"
	"github.com/safetyline/recallhub/internal/server"
	"github.com/safetyline/recallhub/internal/subscriber"
	"github.com/safetyline/recallhub/internal/targeting"
	"github.com/safetyline/recallhub/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Functional domains
		plan.Module,
		subscriber.Module,
		lease.Module,
		billing.Module,
		targeting.Module,
		dedupe.Module,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

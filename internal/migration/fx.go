package migration

import (
	billingdomain "github.com/safetyline/recallhub/internal/billing/domain"
	"github.com/safetyline/recallhub/internal/config"
	subscriberdomain "github.com/safetyline/recallhub/internal/subscriber/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			// Versioned SQL migrations target postgres; other dialects are
			// for local development and get the schema from the models.
			return conn.AutoMigrate(
				&subscriberdomain.Subscriber{},
				&subscriberdomain.Entitlement{},
				&subscriberdomain.VehicleInterest{},
				&billingdomain.EventLog{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)

package plan

import (
	"github.com/safetyline/recallhub/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("plan.catalog",
	fx.Provide(func(cfg config.Config) Fetcher {
		return NewFileFetcher(cfg.PlanCatalogPath)
	}),
	fx.Provide(NewCatalog),
)

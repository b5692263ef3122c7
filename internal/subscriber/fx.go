package subscriber

import (
	"github.com/safetyline/recallhub/internal/subscriber/repository"
	"github.com/safetyline/recallhub/internal/subscriber/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscriber",
	fx.Provide(
		repository.Provide,
		service.NewService,
	),
)

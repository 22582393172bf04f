package feature

import (
	"github.com/smallbiznis/quotara/internal/feature/repository"
	"github.com/smallbiznis/quotara/internal/feature/service"
	"go.uber.org/fx"
)

var Module = fx.Module("feature.service",
	fx.Provide(repository.New),
	fx.Provide(service.NewService),
)

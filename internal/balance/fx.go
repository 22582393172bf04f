package balance

import (
	"github.com/smallbiznis/quotara/internal/balance/cache"
	"github.com/smallbiznis/quotara/internal/balance/service"
	"go.uber.org/fx"
)

var Module = fx.Module("balance.service",
	fx.Provide(
		cache.NewRedisStore,
		service.New,
	),
)

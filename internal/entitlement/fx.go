package entitlement

import (
	"github.com/smallbiznis/quotara/internal/entitlement/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("entitlement.repository",
	fx.Provide(repository.New),
)

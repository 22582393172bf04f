package customerproduct

import (
	"github.com/smallbiznis/quotara/internal/customerproduct/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("customerproduct.repository",
	fx.Provide(repository.New),
)

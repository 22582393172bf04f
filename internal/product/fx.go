package product

import (
	"github.com/smallbiznis/quotara/internal/product/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("product.repository",
	fx.Provide(repository.New),
)

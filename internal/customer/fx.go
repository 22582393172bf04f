package customer

import (
	"github.com/smallbiznis/quotara/internal/customer/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("customer.repository",
	fx.Provide(repository.New),
)

package reset

import "go.uber.org/fx"

var Module = fx.Module("reset.service",
	fx.Provide(New),
)

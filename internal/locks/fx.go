package locks

import "go.uber.org/fx"

// Module provides the redis-backed advisory locker.
var Module = fx.Module("locks",
	fx.Provide(NewLocker),
)

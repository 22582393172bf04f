package attach

import (
	"github.com/smallbiznis/quotara/internal/attach/executor"
	"go.uber.org/fx"
)

var Module = fx.Module("attach.executor",
	fx.Provide(executor.New),
)

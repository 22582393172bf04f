package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quotara/internal/balance"
	"github.com/smallbiznis/quotara/internal/clock"
	"github.com/smallbiznis/quotara/internal/config"
	"github.com/smallbiznis/quotara/internal/customer"
	"github.com/smallbiznis/quotara/internal/customerproduct"
	"github.com/smallbiznis/quotara/internal/entitlement"
	"github.com/smallbiznis/quotara/internal/logger"
	"github.com/smallbiznis/quotara/internal/processor"
	"github.com/smallbiznis/quotara/internal/reconcile"
	"github.com/smallbiznis/quotara/internal/redisconn"
	"github.com/smallbiznis/quotara/internal/reset"
	"github.com/smallbiznis/quotara/internal/scheduler"
	"github.com/smallbiznis/quotara/pkg/db"
	"go.uber.org/fx"
)

// The scheduler app runs only the background jobs: entitlement period resets
// and expiry of canceled products. No HTTP surface beyond what fx manages.
func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		redisconn.Module,

		customer.Module,
		customerproduct.Module,
		entitlement.Module,
		processor.Module,
		balance.Module,
		reset.Module,
		reconcile.Module,

		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quotara/internal/attach"
	"github.com/smallbiznis/quotara/internal/balance"
	"github.com/smallbiznis/quotara/internal/clock"
	"github.com/smallbiznis/quotara/internal/config"
	"github.com/smallbiznis/quotara/internal/customer"
	"github.com/smallbiznis/quotara/internal/customerproduct"
	"github.com/smallbiznis/quotara/internal/entitlement"
	"github.com/smallbiznis/quotara/internal/feature"
	"github.com/smallbiznis/quotara/internal/locks"
	"github.com/smallbiznis/quotara/internal/logger"
	"github.com/smallbiznis/quotara/internal/migration"
	"github.com/smallbiznis/quotara/internal/processor"
	"github.com/smallbiznis/quotara/internal/product"
	"github.com/smallbiznis/quotara/internal/reconcile"
	"github.com/smallbiznis/quotara/internal/redisconn"
	"github.com/smallbiznis/quotara/internal/reset"
	"github.com/smallbiznis/quotara/internal/scheduler"
	"github.com/smallbiznis/quotara/internal/server"
	"github.com/smallbiznis/quotara/pkg/db"
	"go.uber.org/fx"
)

// The monolith serves the HTTP API and runs the background jobs in one
// process, the default for local and self-hosted installs.
func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		redisconn.Module,
		locks.Module,
		migration.Module,

		customer.Module,
		feature.Module,
		product.Module,
		customerproduct.Module,
		entitlement.Module,
		processor.Module,
		balance.Module,
		attach.Module,
		reconcile.Module,
		reset.Module,

		scheduler.Module,
		server.Module,
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

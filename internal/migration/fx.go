package migration

import (
	attachdomain "github.com/smallbiznis/quotara/internal/attach/domain"
	"github.com/smallbiznis/quotara/internal/config"
	custdomain "github.com/smallbiznis/quotara/internal/customer/domain"
	cpdomain "github.com/smallbiznis/quotara/internal/customerproduct/domain"
	entdomain "github.com/smallbiznis/quotara/internal/entitlement/domain"
	featuredomain "github.com/smallbiznis/quotara/internal/feature/domain"
	productdomain "github.com/smallbiznis/quotara/internal/product/domain"
	"github.com/smallbiznis/quotara/internal/reconcile"
	"github.com/smallbiznis/quotara/internal/seed"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if err := migrateSchema(conn, cfg); err != nil {
			return err
		}
		if cfg.Environment == "development" && cfg.DefaultOrgID != 0 {
			return seed.EnsureDemoCatalog(conn, cfg.DefaultOrgID)
		}
		return nil
	}),
)

func migrateSchema(conn *gorm.DB, cfg config.Config) error {
	if cfg.DBType != "postgres" {
		// The versioned SQL targets postgres; other dialects only show up in
		// local development where the gorm schema is enough.
		return conn.AutoMigrate(
			&featuredomain.Feature{},
			&productdomain.Product{},
			&productdomain.Price{},
			&entdomain.Entitlement{},
			&custdomain.Customer{},
			&cpdomain.CustomerProduct{},
			&entdomain.CustomerEntitlement{},
			&attachdomain.AttachExecution{},
			&reconcile.ProcessorEvent{},
		)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return RunMigrations(sqlDB)
}

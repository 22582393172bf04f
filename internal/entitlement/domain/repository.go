package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	ListByProducts(ctx context.Context, db *gorm.DB, orgID snowflake.ID, productIDs []snowflake.ID) ([]Entitlement, error)

	ListByCustomer(ctx context.Context, db *gorm.DB, orgID snowflake.ID, env string, customerID snowflake.ID) ([]CustomerEntitlement, error)
	FindByCustomerFeature(ctx context.Context, db *gorm.DB, orgID snowflake.ID, env string, customerID snowflake.ID, featureCode string) (*CustomerEntitlement, error)
	// FindByCustomerFeatureLocked is FindByCustomerFeature under FOR UPDATE so
	// read-modify-write callers serialize on the row.
	FindByCustomerFeatureLocked(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, env string, customerID snowflake.ID, featureCode string) (*CustomerEntitlement, error)
	InsertLedgerRows(ctx context.Context, db *gorm.DB, rows []CustomerEntitlement) error
	SaveLedgerRow(ctx context.Context, db *gorm.DB, row *CustomerEntitlement) error
	DeleteByCustomerProduct(ctx context.Context, db *gorm.DB, orgID, customerProductID snowflake.ID) error

	// ClaimDueForReset locks and returns ledger rows whose reset boundary has
	// passed. Rows locked by a concurrent reset worker are skipped.
	ClaimDueForReset(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]CustomerEntitlement, error)
}

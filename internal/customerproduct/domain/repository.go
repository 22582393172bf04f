package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	ListByCustomer(ctx context.Context, db *gorm.DB, orgID snowflake.ID, env string, customerID snowflake.ID) ([]CustomerProduct, error)
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*CustomerProduct, error)
	FindBySubscriptionID(ctx context.Context, db *gorm.DB, subscriptionID string) (*CustomerProduct, error)
	Insert(ctx context.Context, db *gorm.DB, row *CustomerProduct) error
	Save(ctx context.Context, db *gorm.DB, row *CustomerProduct) error

	// ClaimCanceledDue locks and returns canceled products whose cancellation
	// boundary has passed so the scheduler can expire them.
	ClaimCanceledDue(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]CustomerProduct, error)
}

package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, orgID snowflake.ID, env string, id snowflake.ID) (*Customer, error)
	FindByProcessorID(ctx context.Context, db *gorm.DB, processorCustomerID string) (*Customer, error)
	Save(ctx context.Context, db *gorm.DB, customer *Customer) error
}

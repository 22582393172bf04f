package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindByCode(ctx context.Context, db *gorm.DB, orgID snowflake.ID, code string) (*Feature, error)
	ListByOrg(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]Feature, error)
	ListCreditFeatures(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]Feature, error)
}

package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quotara/internal/customerproduct/domain"
	"gorm.io/gorm"
)

type repository struct{}

func New() domain.Repository {
	return &repository{}
}

func (r *repository) ListByCustomer(ctx context.Context, db *gorm.DB, orgID snowflake.ID, env string, customerID snowflake.ID) ([]domain.CustomerProduct, error) {
	var rows []domain.CustomerProduct
	err := db.WithContext(ctx).
		Where("org_id = ? AND env = ? AND customer_id = ?", orgID, env, customerID).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repository) FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.CustomerProduct, error) {
	var row domain.CustomerProduct
	err := db.WithContext(ctx).
		Where("org_id = ? AND id = ?", orgID, id).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (r *repository) FindBySubscriptionID(ctx context.Context, db *gorm.DB, subscriptionID string) (*domain.CustomerProduct, error) {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return nil, nil
	}
	var row domain.CustomerProduct
	// The subscription_ids column is a JSON array of processor ids; a LIKE
	// over the quoted id works across the supported dialects.
	err := db.WithContext(ctx).
		Where(`subscription_ids LIKE ?`, `%"`+subscriptionID+`"%`).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (r *repository) Insert(ctx context.Context, db *gorm.DB, row *domain.CustomerProduct) error {
	if row == nil {
		return domain.ErrInvalidCustomerProduct
	}
	return db.WithContext(ctx).Create(row).Error
}

func (r *repository) Save(ctx context.Context, db *gorm.DB, row *domain.CustomerProduct) error {
	if row == nil {
		return domain.ErrInvalidCustomerProduct
	}
	return db.WithContext(ctx).Save(row).Error
}

func (r *repository) ClaimCanceledDue(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]domain.CustomerProduct, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []domain.CustomerProduct
	query := `SELECT * FROM customer_products
		 WHERE status != ? AND canceled_at IS NOT NULL AND canceled_at <= ?
		 ORDER BY canceled_at ASC, id ASC
		 LIMIT ?`
	if !strings.EqualFold(tx.Dialector.Name(), "sqlite") {
		query += " FOR UPDATE SKIP LOCKED"
	}
	err := tx.WithContext(ctx).Raw(query, domain.StatusExpired, now, limit).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

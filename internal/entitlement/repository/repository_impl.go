package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quotara/internal/entitlement/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repository struct{}

func New() domain.Repository {
	return &repository{}
}

func (r *repository) ListByProducts(ctx context.Context, db *gorm.DB, orgID snowflake.ID, productIDs []snowflake.ID) ([]domain.Entitlement, error) {
	if len(productIDs) == 0 {
		return nil, nil
	}
	var entitlements []domain.Entitlement
	err := db.WithContext(ctx).
		Where("org_id = ? AND product_id IN ?", orgID, productIDs).
		Find(&entitlements).Error
	return entitlements, err
}

func (r *repository) ListByCustomer(ctx context.Context, db *gorm.DB, orgID snowflake.ID, env string, customerID snowflake.ID) ([]domain.CustomerEntitlement, error) {
	var rows []domain.CustomerEntitlement
	err := db.WithContext(ctx).
		Where("org_id = ? AND env = ? AND customer_id = ?", orgID, env, customerID).
		Find(&rows).Error
	return rows, err
}

func (r *repository) FindByCustomerFeature(ctx context.Context, db *gorm.DB, orgID snowflake.ID, env string, customerID snowflake.ID, featureCode string) (*domain.CustomerEntitlement, error) {
	var row domain.CustomerEntitlement
	err := db.WithContext(ctx).
		Where("org_id = ? AND env = ? AND customer_id = ? AND feature_code = ?", orgID, env, customerID, featureCode).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (r *repository) FindByCustomerFeatureLocked(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, env string, customerID snowflake.ID, featureCode string) (*domain.CustomerEntitlement, error) {
	query := tx.WithContext(ctx).
		Where("org_id = ? AND env = ? AND customer_id = ? AND feature_code = ?", orgID, env, customerID, featureCode)
	// sqlite serializes writers on its own and rejects FOR UPDATE.
	if !strings.EqualFold(tx.Dialector.Name(), "sqlite") {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row domain.CustomerEntitlement
	err := query.First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (r *repository) InsertLedgerRows(ctx context.Context, db *gorm.DB, rows []domain.CustomerEntitlement) error {
	if len(rows) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(&rows).Error
}

func (r *repository) SaveLedgerRow(ctx context.Context, db *gorm.DB, row *domain.CustomerEntitlement) error {
	if row == nil {
		return domain.ErrInvalidEntitlement
	}
	return db.WithContext(ctx).Save(row).Error
}

func (r *repository) DeleteByCustomerProduct(ctx context.Context, db *gorm.DB, orgID, customerProductID snowflake.ID) error {
	return db.WithContext(ctx).
		Where("org_id = ? AND customer_product_id = ?", orgID, customerProductID).
		Delete(&domain.CustomerEntitlement{}).Error
}

func (r *repository) ClaimDueForReset(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]domain.CustomerEntitlement, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []domain.CustomerEntitlement
	query := `SELECT * FROM customer_entitlements
		 WHERE next_reset_at IS NOT NULL AND next_reset_at <= ?
		 ORDER BY next_reset_at ASC, id ASC
		 LIMIT ?`
	// SKIP LOCKED is unsupported by sqlite, which only sees single-writer
	// test traffic anyway.
	if !strings.EqualFold(tx.Dialector.Name(), "sqlite") {
		query += " FOR UPDATE SKIP LOCKED"
	}
	err := tx.WithContext(ctx).Raw(query, now, limit).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

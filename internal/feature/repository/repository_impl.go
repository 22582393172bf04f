package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quotara/internal/feature/domain"
	"gorm.io/gorm"
)

type repository struct{}

func New() domain.Repository {
	return &repository{}
}

func (r *repository) FindByCode(ctx context.Context, db *gorm.DB, orgID snowflake.ID, code string) (*domain.Feature, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, domain.ErrInvalidFeatureCode
	}
	var feature domain.Feature
	err := db.WithContext(ctx).
		Where("org_id = ? AND code = ?", orgID, code).
		First(&feature).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &feature, nil
}

func (r *repository) ListByOrg(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]domain.Feature, error) {
	var features []domain.Feature
	err := db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Find(&features).Error
	return features, err
}

func (r *repository) ListCreditFeatures(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]domain.Feature, error) {
	var features []domain.Feature
	err := db.WithContext(ctx).
		Where("org_id = ? AND usage_type = ?", orgID, domain.UsageTypeCreditSystem).
		Find(&features).Error
	return features, err
}

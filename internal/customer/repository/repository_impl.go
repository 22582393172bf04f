package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quotara/internal/customer/domain"
	"gorm.io/gorm"
)

type repository struct{}

func New() domain.Repository {
	return &repository{}
}

func (r *repository) FindByID(ctx context.Context, db *gorm.DB, orgID snowflake.ID, env string, id snowflake.ID) (*domain.Customer, error) {
	var customer domain.Customer
	err := db.WithContext(ctx).
		Where("org_id = ? AND env = ? AND id = ?", orgID, env, id).
		First(&customer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &customer, nil
}

func (r *repository) FindByProcessorID(ctx context.Context, db *gorm.DB, processorCustomerID string) (*domain.Customer, error) {
	processorCustomerID = strings.TrimSpace(processorCustomerID)
	if processorCustomerID == "" {
		return nil, nil
	}
	var customer domain.Customer
	err := db.WithContext(ctx).
		Where("processor_customer_id = ?", processorCustomerID).
		First(&customer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &customer, nil
}

func (r *repository) Save(ctx context.Context, db *gorm.DB, customer *domain.Customer) error {
	if customer == nil {
		return domain.ErrInvalidCustomer
	}
	return db.WithContext(ctx).Save(customer).Error
}

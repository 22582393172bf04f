// Package seed bootstraps a demo catalog so a fresh local install can track
// usage and attach plans without any manual setup.
package seed

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	custdomain "github.com/smallbiznis/quotara/internal/customer/domain"
	entdomain "github.com/smallbiznis/quotara/internal/entitlement/domain"
	featuredomain "github.com/smallbiznis/quotara/internal/feature/domain"
	productdomain "github.com/smallbiznis/quotara/internal/product/domain"
	"gorm.io/gorm"
)

const (
	demoFeatureCode  = "api_calls"
	demoCustomerName = "Demo Customer"
)

// EnsureDemoCatalog seeds a feature, a free and a paid plan and one demo
// customer under the given org. Existing catalogs are left untouched.
func EnsureDemoCatalog(db *gorm.DB, orgID int64) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}
	if orgID == 0 {
		return errors.New("seed org id is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	org := snowflake.ParseInt64(orgID)
	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.WithContext(ctx).Model(&productdomain.Product{}).
			Where("org_id = ?", org).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}

		feature := featuredomain.Feature{
			ID:        node.Generate(),
			OrgID:     org,
			Code:      demoFeatureCode,
			Name:      "API Calls",
			UsageType: featuredomain.UsageTypeSingleUse,
		}
		if err := tx.WithContext(ctx).Create(&feature).Error; err != nil {
			return err
		}

		free := productdomain.Product{
			ID:    node.Generate(),
			OrgID: org,
			Code:  "free",
			Name:  "Free",
			Group: "plans",
		}
		pro := productdomain.Product{
			ID:    node.Generate(),
			OrgID: org,
			Code:  "pro",
			Name:  "Pro",
			Group: "plans",
		}
		if err := tx.WithContext(ctx).Create(&free).Error; err != nil {
			return err
		}
		if err := tx.WithContext(ctx).Create(&pro).Error; err != nil {
			return err
		}

		prices := []productdomain.Price{
			{ID: node.Generate(), OrgID: org, ProductID: free.ID, Amount: 0, Interval: productdomain.IntervalMonth},
			{ID: node.Generate(), OrgID: org, ProductID: pro.ID, Amount: 29, Interval: productdomain.IntervalMonth},
		}
		for i := range prices {
			if err := tx.WithContext(ctx).Create(&prices[i]).Error; err != nil {
				return err
			}
		}

		entitlements := []entdomain.Entitlement{
			{
				ID: node.Generate(), OrgID: org, ProductID: free.ID,
				FeatureID: feature.ID, FeatureCode: feature.Code,
				Allowance: 100, ResetInterval: entdomain.ResetIntervalMonth,
			},
			{
				ID: node.Generate(), OrgID: org, ProductID: pro.ID,
				FeatureID: feature.ID, FeatureCode: feature.Code,
				Allowance: 10000, ResetInterval: entdomain.ResetIntervalMonth,
			},
		}
		for i := range entitlements {
			if err := tx.WithContext(ctx).Create(&entitlements[i]).Error; err != nil {
				return err
			}
		}

		customer := custdomain.Customer{
			ID:    node.Generate(),
			OrgID: org,
			Env:   "sandbox",
			Name:  demoCustomerName,
			Email: "demo@example.com",
		}
		return tx.WithContext(ctx).Create(&customer).Error
	})
}

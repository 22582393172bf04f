// Package domain contains persistence models for meterable features.
package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// UsageType classifies how consumption of a feature is accounted.
type UsageType string

const (
	UsageTypeSingleUse     UsageType = "single_use"
	UsageTypeContinuousUse UsageType = "continuous_use"
	UsageTypeBoolean       UsageType = "boolean"
	UsageTypeCreditSystem  UsageType = "credit_system"
)

// Feature identifies a meterable capability.
type Feature struct {
	ID        snowflake.ID   `gorm:"primaryKey"`
	OrgID     snowflake.ID   `gorm:"not null;index:idx_features_org_code,unique"`
	Code      string         `gorm:"type:text;not null;index:idx_features_org_code,unique"`
	Name      string         `gorm:"type:text;not null"`
	UsageType UsageType      `gorm:"type:text;not null"`
	// CreditSchema maps other feature usage onto credit cost. Only set for
	// credit_system features.
	CreditSchema datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt    time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Feature) TableName() string { return "features" }

// CreditSchemaItem is one conversion entry of a credit_system feature.
type CreditSchemaItem struct {
	MeteredFeatureCode string  `json:"metered_feature_code"`
	CreditCost         float64 `json:"credit_cost"`
}

// Schema decodes the stored credit schema. A nil schema is valid for
// non-credit features.
func (f *Feature) Schema() ([]CreditSchemaItem, error) {
	if len(f.CreditSchema) == 0 {
		return nil, nil
	}
	var items []CreditSchemaItem
	if err := json.Unmarshal(f.CreditSchema, &items); err != nil {
		return nil, ErrInvalidCreditSchema
	}
	return items, nil
}

// CreditCostFor returns the credit cost per unit for the given metered
// feature code, if this feature's schema covers it.
func (f *Feature) CreditCostFor(code string) (float64, bool) {
	items, err := f.Schema()
	if err != nil {
		return 0, false
	}
	for _, item := range items {
		if item.MeteredFeatureCode == code {
			return item.CreditCost, true
		}
	}
	return 0, false
}

var (
	ErrFeatureNotFound     = errors.New("feature_not_found")
	ErrInvalidFeatureCode  = errors.New("invalid_feature_code")
	ErrInvalidCreditSchema = errors.New("invalid_credit_schema")
)

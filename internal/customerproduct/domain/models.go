// Package domain contains persistence models for a customer's product
// subscriptions.
package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Status is the lifecycle state of a customer's product subscription.
type Status string

const (
	StatusActive  Status = "active"
	StatusPastDue Status = "past_due"
	// StatusScheduled marks a product that takes effect at a future boundary,
	// typically the end of the current billing cycle after a downgrade.
	StatusScheduled Status = "scheduled"
	StatusExpired   Status = "expired"
)

// FeatureOption is a purchased quantity for a prepaid feature.
type FeatureOption struct {
	FeatureCode string  `json:"feature_code"`
	Quantity    float64 `json:"quantity"`
}

// CustomerProduct is a customer's subscription to a product.
type CustomerProduct struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	OrgID      snowflake.ID `gorm:"not null;index:idx_customer_products_lookup"`
	Env        string       `gorm:"type:text;not null;index:idx_customer_products_lookup"`
	CustomerID snowflake.ID `gorm:"not null;index:idx_customer_products_lookup"`
	ProductID  snowflake.ID `gorm:"not null;index"`

	// ProductGroup and IsAddOn are denormalized from the product so activity
	// checks do not join.
	ProductGroup   string `gorm:"type:text;not null;default:''"`
	IsAddOn        bool   `gorm:"not null;default:false"`
	ProductVersion int    `gorm:"not null;default:1"`

	Status      Status     `gorm:"type:text;not null"`
	StartedAt   time.Time  `gorm:"not null"`
	CanceledAt  *time.Time `gorm:""`
	TrialEndsAt *time.Time `gorm:""`

	// SubscriptionIDs links to the processor subscriptions backing this
	// product.
	SubscriptionIDs datatypes.JSON `gorm:"type:jsonb"`
	// Options holds per-feature purchased quantities for prepaid features.
	Options datatypes.JSON `gorm:"type:jsonb"`

	// LastEventAt is the timestamp of the newest processor event applied to
	// this row; older events are dropped during reconciliation.
	LastEventAt *time.Time `gorm:""`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CustomerProduct) TableName() string { return "customer_products" }

// Active reports whether the product currently entitles the customer.
// Past-due products stay entitled until reconciliation expires them.
func (cp *CustomerProduct) Active() bool {
	return cp.Status == StatusActive || cp.Status == StatusPastDue
}

// OnTrial reports whether the product is inside its trial window.
func (cp *CustomerProduct) OnTrial(now time.Time) bool {
	return cp.TrialEndsAt != nil && cp.TrialEndsAt.After(now)
}

// SubscriptionIDList decodes the processor subscription links.
func (cp *CustomerProduct) SubscriptionIDList() ([]string, error) {
	if len(cp.SubscriptionIDs) == 0 {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(cp.SubscriptionIDs, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// SetSubscriptionIDs encodes and stores the processor subscription links.
func (cp *CustomerProduct) SetSubscriptionIDs(ids []string) error {
	if len(ids) == 0 {
		cp.SubscriptionIDs = nil
		return nil
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	cp.SubscriptionIDs = datatypes.JSON(raw)
	return nil
}

// OptionList decodes the purchased feature quantities.
func (cp *CustomerProduct) OptionList() ([]FeatureOption, error) {
	if len(cp.Options) == 0 {
		return nil, nil
	}
	var options []FeatureOption
	if err := json.Unmarshal(cp.Options, &options); err != nil {
		return nil, err
	}
	return options, nil
}

// SetOptions encodes and stores the purchased feature quantities.
func (cp *CustomerProduct) SetOptions(options []FeatureOption) error {
	if len(options) == 0 {
		cp.Options = nil
		return nil
	}
	raw, err := json.Marshal(options)
	if err != nil {
		return err
	}
	cp.Options = datatypes.JSON(raw)
	return nil
}

var (
	ErrCustomerProductNotFound = errors.New("customer_product_not_found")
	ErrInvalidCustomerProduct  = errors.New("invalid_customer_product")
	ErrInvalidStatus           = errors.New("invalid_customer_product_status")
)

// Package domain contains persistence models for products and prices.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// BillingInterval is the recurrence of a recurring price.
type BillingInterval string

const (
	IntervalMonth BillingInterval = "month"
	IntervalYear  BillingInterval = "year"
	// IntervalOneOff marks a price with no recurrence.
	IntervalOneOff BillingInterval = "one_off"
)

// Frequency ranks intervals for upgrade/downgrade comparison; a more frequent
// interval ranks higher.
func (i BillingInterval) Frequency() int {
	switch i {
	case IntervalMonth:
		return 2
	case IntervalYear:
		return 1
	default:
		return 0
	}
}

// Product is a sellable plan. Products in the same Group are mutually
// exclusive for a customer unless marked as add-ons.
type Product struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	OrgID     snowflake.ID `gorm:"not null;index:idx_products_org_code,unique"`
	Code      string       `gorm:"type:text;not null;index:idx_products_org_code,unique"`
	Name      string       `gorm:"type:text;not null"`
	Group     string       `gorm:"type:text;not null;default:''"`
	IsAddOn   bool         `gorm:"not null;default:false"`
	Version   int          `gorm:"not null;default:1"`
	TrialDays int          `gorm:"not null;default:0"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Product) TableName() string { return "products" }

// Price attaches a recurring or one-off amount to a product.
type Price struct {
	ID            snowflake.ID    `gorm:"primaryKey"`
	OrgID         snowflake.ID    `gorm:"not null;index"`
	ProductID     snowflake.ID    `gorm:"not null;index"`
	Amount        float64         `gorm:"not null"`
	Currency      string          `gorm:"type:text;not null;default:'usd'"`
	Interval      BillingInterval `gorm:"type:text;not null"`
	IntervalCount int             `gorm:"not null;default:1"`
	// ProcessorPriceID links to the price object registered with the payment
	// processor.
	ProcessorPriceID string    `gorm:"type:text;not null;default:''"`
	CreatedAt        time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Price) TableName() string { return "prices" }

func (p Price) Recurring() bool {
	return p.Interval == IntervalMonth || p.Interval == IntervalYear
}

var (
	ErrProductNotFound = errors.New("product_not_found")
	ErrInvalidProduct  = errors.New("invalid_product")
)

// Package domain contains the minimal customer model the entitlement core
// needs; customer CRUD lives outside this service.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Customer struct {
	ID    snowflake.ID `gorm:"primaryKey"`
	OrgID snowflake.ID `gorm:"not null;index:idx_customers_org_env"`
	Env   string       `gorm:"type:text;not null;index:idx_customers_org_env"`
	Name  string       `gorm:"type:text;not null;default:''"`
	Email string       `gorm:"type:text;not null;default:''"`

	// ProcessorCustomerID is the customer's identifier with the payment
	// processor, once one has been created.
	ProcessorCustomerID string `gorm:"type:text;not null;default:'';index"`
	HasPaymentMethod    bool   `gorm:"not null;default:false"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Customer) TableName() string { return "customers" }

var (
	ErrCustomerNotFound = errors.New("customer_not_found")
	ErrInvalidCustomer  = errors.New("invalid_customer")
)

// Package domain contains persistence models for entitlements and the
// per-customer balance ledger.
package domain

import (
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// ResetInterval is the period after which an entitlement's balance resets.
type ResetInterval string

const (
	ResetIntervalHour  ResetInterval = "hour"
	ResetIntervalDay   ResetInterval = "day"
	ResetIntervalWeek  ResetInterval = "week"
	ResetIntervalMonth ResetInterval = "month"
	ResetIntervalYear  ResetInterval = "year"
	// ResetIntervalNone grants once; the balance never resets.
	ResetIntervalNone ResetInterval = "none"
)

// Next advances from the given boundary by one interval.
func (i ResetInterval) Next(from time.Time) time.Time {
	switch i {
	case ResetIntervalHour:
		return from.Add(time.Hour)
	case ResetIntervalDay:
		return from.AddDate(0, 0, 1)
	case ResetIntervalWeek:
		return from.AddDate(0, 0, 7)
	case ResetIntervalMonth:
		return from.AddDate(0, 1, 0)
	case ResetIntervalYear:
		return from.AddDate(1, 0, 0)
	default:
		return from
	}
}

// Entitlement defines how much of a feature a product grants per period.
type Entitlement struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	OrgID       snowflake.ID `gorm:"not null;index"`
	ProductID   snowflake.ID `gorm:"not null;index"`
	FeatureID   snowflake.ID `gorm:"not null;index"`
	FeatureCode string       `gorm:"type:text;not null"`

	Allowance float64 `gorm:"not null;default:0"`
	Unlimited bool    `gorm:"not null;default:false"`

	ResetInterval ResetInterval `gorm:"type:text;not null;default:'month'"`

	// EntityScoped entitlements keep one sub-balance per entity (seat,
	// workspace) instead of a single customer-level balance.
	EntityScoped bool `gorm:"not null;default:false"`
	// DefaultEntityAllowance seeds the balance of an entity first seen at
	// deduction time when the entitlement is entity-scoped.
	DefaultEntityAllowance float64 `gorm:"not null;default:0"`

	OverageAllowed bool `gorm:"not null;default:false"`

	RolloverEnabled bool `gorm:"not null;default:false"`
	// RolloverIntervals is how many reset periods a carried-forward balance
	// survives before it expires.
	RolloverIntervals int `gorm:"not null;default:1"`
	// RolloverMax caps the amount carried forward per reset; zero means
	// uncapped.
	RolloverMax float64 `gorm:"not null;default:0"`

	// Prepaid entitlements scale the allowance by the quantity purchased on
	// the customer product's options.
	Prepaid bool `gorm:"not null;default:false"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Entitlement) TableName() string { return "entitlements" }

// Rollover is a time-bounded balance carried forward past a reset boundary.
type Rollover struct {
	ID        string                   `json:"id"`
	Balance   float64                  `json:"balance"`
	Usage     float64                  `json:"usage"`
	ExpiresAt time.Time                `json:"expires_at"`
	Entities  map[string]EntityBalance `json:"entities,omitempty"`
}

func (r Rollover) Expired(now time.Time) bool {
	return r.ExpiresAt.Before(now)
}

// EntityBalance is the per-entity slice of an entity-scoped ledger row.
type EntityBalance struct {
	Balance float64 `json:"balance"`
	Usage   float64 `json:"usage"`
}

// CustomerEntitlement is the live accounting record of one customer's
// consumption of one entitlement. The balance column always satisfies
// balance = allowance + sum(unexpired rollover balances) - usage, floored at
// zero unless overage is allowed.
type CustomerEntitlement struct {
	ID                snowflake.ID `gorm:"primaryKey"`
	OrgID             snowflake.ID `gorm:"not null;index:idx_cust_ent_lookup"`
	Env               string       `gorm:"type:text;not null;index:idx_cust_ent_lookup"`
	CustomerID        snowflake.ID `gorm:"not null;index:idx_cust_ent_lookup"`
	CustomerProductID snowflake.ID `gorm:"not null;index"`
	EntitlementID     snowflake.ID `gorm:"not null"`
	FeatureID         snowflake.ID `gorm:"not null"`
	FeatureCode       string       `gorm:"type:text;not null;index:idx_cust_ent_lookup"`

	Allowance      float64 `gorm:"not null;default:0"`
	Unlimited      bool    `gorm:"not null;default:false"`
	Balance        float64 `gorm:"not null;default:0"`
	Usage          float64 `gorm:"not null;default:0"`
	OverageAllowed bool    `gorm:"not null;default:false"`
	EntityScoped   bool    `gorm:"not null;default:false"`

	// Reset and rollover config is denormalized from the entitlement so the
	// reset worker operates on claimed rows without extra lookups.
	ResetInterval     ResetInterval `gorm:"type:text;not null;default:'none'"`
	RolloverEnabled   bool          `gorm:"not null;default:false"`
	RolloverIntervals int           `gorm:"not null;default:1"`
	RolloverMax       float64       `gorm:"not null;default:0"`

	NextResetAt *time.Time     `gorm:"index"`
	Rollovers   datatypes.JSON `gorm:"type:jsonb"`
	Entities    datatypes.JSON `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CustomerEntitlement) TableName() string { return "customer_entitlements" }

// RolloverList decodes the stored rollovers sorted by expiry, nearest first.
func (ce *CustomerEntitlement) RolloverList() ([]Rollover, error) {
	if len(ce.Rollovers) == 0 {
		return nil, nil
	}
	var rollovers []Rollover
	if err := json.Unmarshal(ce.Rollovers, &rollovers); err != nil {
		return nil, err
	}
	sort.Slice(rollovers, func(i, j int) bool {
		return rollovers[i].ExpiresAt.Before(rollovers[j].ExpiresAt)
	})
	return rollovers, nil
}

// SetRollovers encodes and stores the rollover list.
func (ce *CustomerEntitlement) SetRollovers(rollovers []Rollover) error {
	if len(rollovers) == 0 {
		ce.Rollovers = nil
		return nil
	}
	raw, err := json.Marshal(rollovers)
	if err != nil {
		return err
	}
	ce.Rollovers = datatypes.JSON(raw)
	return nil
}

// EntityMap decodes the stored per-entity balances.
func (ce *CustomerEntitlement) EntityMap() (map[string]EntityBalance, error) {
	if len(ce.Entities) == 0 {
		return nil, nil
	}
	var entities map[string]EntityBalance
	if err := json.Unmarshal(ce.Entities, &entities); err != nil {
		return nil, err
	}
	return entities, nil
}

// SetEntityMap encodes and stores the per-entity balances.
func (ce *CustomerEntitlement) SetEntityMap(entities map[string]EntityBalance) error {
	if len(entities) == 0 {
		ce.Entities = nil
		return nil
	}
	raw, err := json.Marshal(entities)
	if err != nil {
		return err
	}
	ce.Entities = datatypes.JSON(raw)
	return nil
}

// ActiveRolloverBalance sums the balance of unexpired rollovers.
func (ce *CustomerEntitlement) ActiveRolloverBalance(now time.Time) (float64, error) {
	rollovers, err := ce.RolloverList()
	if err != nil {
		return 0, err
	}
	var total float64
	for _, r := range rollovers {
		if !r.Expired(now) {
			total += r.Balance
		}
	}
	return total, nil
}

var (
	ErrEntitlementNotFound = errors.New("entitlement_not_found")
	ErrInvalidEntitlement  = errors.New("invalid_entitlement")
	ErrLedgerRowNotFound   = errors.New("customer_entitlement_not_found")
)

// Package domain defines the denormalized balance snapshot held by the
// balance cache and the deduction service contract.
package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// RolloverState is the cached view of one carried-forward balance.
type RolloverState struct {
	ID        string  `json:"id"`
	Balance   float64 `json:"balance"`
	Usage     float64 `json:"usage"`
	ExpiresAt int64   `json:"expires_at"`
}

// FeatureState is the cached view of one feature's balance. Balance includes
// unexpired rollover balances; consuming oldest-expiry rollovers first is the
// deduction order.
type FeatureState struct {
	FeatureCode    string          `json:"feature_code"`
	Unlimited      bool            `json:"unlimited"`
	Allowance      float64         `json:"allowance"`
	Balance        float64         `json:"balance"`
	Usage          float64         `json:"usage"`
	OverageAllowed bool            `json:"overage_allowed"`
	EntityScoped   bool            `json:"entity_scoped"`
	NextResetAt    int64           `json:"next_reset_at,omitempty"`
	Rollovers      []RolloverState `json:"rollovers,omitempty"`
}

// SortRollovers orders rollovers nearest expiry first, the order they are
// consumed in.
func (f *FeatureState) SortRollovers() {
	sort.Slice(f.Rollovers, func(i, j int) bool {
		return f.Rollovers[i].ExpiresAt < f.Rollovers[j].ExpiresAt
	})
}

// Snapshot is the cache value for one customer (or one entity of an
// entity-scoped entitlement), keyed by feature code.
type Snapshot struct {
	CustomerID string                  `json:"customer_id"`
	OrgID      string                  `json:"org_id"`
	Env        string                  `json:"env"`
	EntityID   string                  `json:"entity_id,omitempty"`
	Features   map[string]FeatureState `json:"features"`
	SeededAt   int64                   `json:"seeded_at"`
}

// CacheKey builds the cache key for a customer snapshot:
// customer:{id}_{orgId}_{env}[:{entityId}].
func CacheKey(customerID, orgID, env, entityID string) string {
	key := fmt.Sprintf("customer:%s_%s_%s", customerID, orgID, env)
	if entityID = strings.TrimSpace(entityID); entityID != "" {
		key += ":" + entityID
	}
	return key
}

// DeductOutcome is the result of one atomic cache deduction.
type DeductOutcome int

const (
	// DeductApplied means the balance was sufficient (or unlimited/overage)
	// and the mutation is committed.
	DeductApplied DeductOutcome = iota
	// DeductInsufficient means the balance could not cover the amount and
	// nothing was mutated.
	DeductInsufficient
	// DeductKeyMissing means the snapshot is absent and must be seeded from
	// the ledger.
	DeductKeyMissing
	// DeductFeatureMissing means the snapshot exists but carries no state for
	// the feature.
	DeductFeatureMissing
)

// DeductResult reports one atomic deduction against the cache.
type DeductResult struct {
	Outcome       DeductOutcome
	NewBalance    float64
	FromRollovers float64
	FromBase      float64
	Unlimited     bool
}

// DeductRequest is a usage event applied against a customer's balance.
type DeductRequest struct {
	CustomerID string  `json:"customer_id"`
	FeatureID  string  `json:"feature_id"`
	EntityID   string  `json:"entity_id,omitempty"`
	Value      float64 `json:"value"`
}

// DeductResponse is the allow/deny decision returned to the caller.
type DeductResponse struct {
	Allowed                bool    `json:"allowed"`
	FeatureID              string  `json:"feature_id"`
	Balance                float64 `json:"balance"`
	Unlimited              bool    `json:"unlimited"`
	FromRollovers          float64 `json:"from_rollovers"`
	RemainingAfterRollover float64 `json:"remaining_after_rollover"`
	// CreditsUsed is set when the event was converted into credit units of a
	// credit_system feature.
	CreditsUsed float64 `json:"credits_used,omitempty"`
}

// CheckRequest is a non-mutating entitlement check.
type CheckRequest struct {
	CustomerID      string  `json:"customer_id"`
	FeatureID       string  `json:"feature_id"`
	EntityID        string  `json:"entity_id,omitempty"`
	RequiredBalance float64 `json:"required_balance,omitempty"`
}

// CheckResponse previews whether a deduction of RequiredBalance would be
// allowed. Reads may be stale up to the cache TTL.
type CheckResponse struct {
	Allowed   bool    `json:"allowed"`
	FeatureID string  `json:"feature_id"`
	Balance   float64 `json:"balance"`
	Unlimited bool    `json:"unlimited"`
}

// SetRequest pins a feature balance to an absolute value.
type SetRequest struct {
	CustomerID string  `json:"customer_id"`
	FeatureID  string  `json:"feature_id"`
	EntityID   string  `json:"entity_id,omitempty"`
	Value      float64 `json:"value"`
}

// BalanceView is one feature's balance in a display snapshot.
type BalanceView struct {
	FeatureID   string     `json:"feature_id"`
	Unlimited   bool       `json:"unlimited"`
	Balance     float64    `json:"balance"`
	Usage       float64    `json:"usage"`
	Allowance   float64    `json:"allowance"`
	NextResetAt *time.Time `json:"next_reset_at,omitempty"`
}

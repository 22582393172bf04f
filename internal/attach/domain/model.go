// Package domain defines the attach planner's input, its branch vocabulary
// and the plan it emits for the executor.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	cpdomain "github.com/smallbiznis/quotara/internal/customerproduct/domain"
	processordomain "github.com/smallbiznis/quotara/internal/processor/domain"
	productdomain "github.com/smallbiznis/quotara/internal/product/domain"
)

// Branch classifies one plan-change request. The set is closed; the planner
// matches it exhaustively and refuses to default when no branch fits.
type Branch string

const (
	BranchNew                   Branch = "new"
	BranchAddOn                 Branch = "add_on"
	BranchRenew                 Branch = "renew"
	BranchSameCustom            Branch = "same_custom"
	BranchUpdatePrepaidQuantity Branch = "update_prepaid_quantity"
	BranchNewVersion            Branch = "new_version"
	BranchUpgrade               Branch = "upgrade"
	BranchDowngrade             Branch = "downgrade"
	BranchMainIsFree            Branch = "main_is_free"
	BranchMainIsTrial           Branch = "main_is_trial"
	BranchMultiProduct          Branch = "multi_product"
	BranchOneOff                Branch = "one_off"
)

// ProrationBehavior is how the processor should bill a mid-cycle change.
type ProrationBehavior string

const (
	ProrationImmediately ProrationBehavior = "immediately"
	ProrationNextBilling ProrationBehavior = "next_billing"
	ProrationNone        ProrationBehavior = "none"
)

// PlanTiming is when the plan change takes effect.
type PlanTiming string

const (
	TimingImmediate  PlanTiming = "immediate"
	TimingEndOfCycle PlanTiming = "end_of_cycle"
)

// branchPolicy fixes proration and timing per branch. Upgrades prorate
// immediately, downgrades wait for the cycle boundary, renewals never prorate.
var branchPolicy = map[Branch]struct {
	Proration ProrationBehavior
	Timing    PlanTiming
}{
	BranchNew:                   {ProrationNone, TimingImmediate},
	BranchAddOn:                 {ProrationNone, TimingImmediate},
	BranchRenew:                 {ProrationNone, TimingImmediate},
	BranchSameCustom:            {ProrationNone, TimingImmediate},
	BranchUpdatePrepaidQuantity: {ProrationImmediately, TimingImmediate},
	BranchNewVersion:            {ProrationImmediately, TimingImmediate},
	BranchUpgrade:               {ProrationImmediately, TimingImmediate},
	BranchDowngrade:             {ProrationNone, TimingEndOfCycle},
	BranchMainIsFree:            {ProrationNone, TimingImmediate},
	BranchMainIsTrial:           {ProrationNone, TimingImmediate},
	BranchMultiProduct:          {ProrationNone, TimingImmediate},
	BranchOneOff:                {ProrationNone, TimingImmediate},
}

// PolicyFor returns the fixed proration and timing for a branch.
func PolicyFor(branch Branch) (ProrationBehavior, PlanTiming, bool) {
	policy, ok := branchPolicy[branch]
	return policy.Proration, policy.Timing, ok
}

// CustomEntitlement overrides one feature's granted allowance on attach.
type CustomEntitlement struct {
	FeatureCode string  `json:"feature_code"`
	Allowance   float64 `json:"allowance"`
	Unlimited   bool    `json:"unlimited"`
}

// RequestedProduct is one product of the attach request with its prices
// already resolved.
type RequestedProduct struct {
	Product            productdomain.Product
	Prices             []productdomain.Price
	Options            []cpdomain.FeatureOption
	CustomEntitlements []CustomEntitlement
	FreeTrial          bool
}

// RecurringTotal sums the recurring prices of the requested product.
func (r *RequestedProduct) RecurringTotal() float64 {
	var total float64
	for _, price := range r.Prices {
		if price.Recurring() {
			total += price.Amount
		}
	}
	return total
}

// RecurringInterval returns the interval of the product's recurring prices,
// the most frequent one when several exist.
func (r *RequestedProduct) RecurringInterval() productdomain.BillingInterval {
	interval := productdomain.IntervalOneOff
	for _, price := range r.Prices {
		if price.Recurring() && price.Interval.Frequency() > interval.Frequency() {
			interval = price.Interval
		}
	}
	return interval
}

// HasRecurringPrice reports whether any price of the product recurs.
func (r *RequestedProduct) HasRecurringPrice() bool {
	for _, price := range r.Prices {
		if price.Recurring() {
			return true
		}
	}
	return false
}

// Free reports whether the product carries no positive recurring price.
func (r *RequestedProduct) Free() bool {
	for _, price := range r.Prices {
		if price.Recurring() && price.Amount > 0 {
			return false
		}
	}
	return true
}

// CurrentProduct pairs an existing subscription row with its product catalog
// data so the planner can compare without repository access.
type CurrentProduct struct {
	Row     cpdomain.CustomerProduct
	Product productdomain.Product
	Prices  []productdomain.Price
}

// RecurringTotal sums the recurring prices of the current product.
func (c *CurrentProduct) RecurringTotal() float64 {
	var total float64
	for _, price := range c.Prices {
		if price.Recurring() {
			total += price.Amount
		}
	}
	return total
}

// RecurringInterval mirrors RequestedProduct.RecurringInterval.
func (c *CurrentProduct) RecurringInterval() productdomain.BillingInterval {
	interval := productdomain.IntervalOneOff
	for _, price := range c.Prices {
		if price.Recurring() && price.Interval.Frequency() > interval.Frequency() {
			interval = price.Interval
		}
	}
	return interval
}

// Free reports whether the current product carries no positive recurring
// price.
func (c *CurrentProduct) Free() bool {
	for _, price := range c.Prices {
		if price.Recurring() && price.Amount > 0 {
			return false
		}
	}
	return true
}

// AttachContext is the complete, pre-resolved input of one plan-change
// evaluation. The planner reads nothing else.
type AttachContext struct {
	OrgID      snowflake.ID
	Env        string
	CustomerID snowflake.ID

	Requested []RequestedProduct
	Current   []CurrentProduct

	ProcessorCustomerID string
	HasPaymentMethod    bool
	Now                 time.Time
}

// ActionType discriminates the closed set of processor actions a plan may
// contain.
type ActionType string

const (
	ActionCreateSubscription ActionType = "create_subscription"
	ActionUpdateSubscription ActionType = "update_subscription"
	ActionCancelSubscription ActionType = "cancel_subscription"
	ActionCreateInvoice      ActionType = "create_invoice"
	ActionCreateCheckout     ActionType = "create_checkout"
)

// Action is one ordered step of a plan. Only the fields of its type are set.
type Action struct {
	Type ActionType

	Items          []processordomain.SubscriptionItem
	Lines          []processordomain.InvoiceLine
	SubscriptionID string
	TrialEnd       *time.Time
	AtPeriodEnd    bool
	Proration      processordomain.ProrationBehavior
}

// NewProduct is a CustomerProduct row the executor inserts once the processor
// actions succeed.
type NewProduct struct {
	ProductID          snowflake.ID
	ProductGroup       string
	IsAddOn            bool
	ProductVersion     int
	Status             cpdomain.Status
	TrialEndsAt        *time.Time
	Options            []cpdomain.FeatureOption
	CustomEntitlements []CustomEntitlement
	// LinkSubscription marks rows that receive the id of the subscription
	// created by this plan.
	LinkSubscription bool
}

// OptionsUpdate rewrites the purchased quantities of an existing row.
type OptionsUpdate struct {
	CustomerProductID snowflake.ID
	Options           []cpdomain.FeatureOption
}

// CustomUpdate applies entitlement overrides to an existing row's ledger.
type CustomUpdate struct {
	CustomerProductID  snowflake.ID
	CustomEntitlements []CustomEntitlement
}

// LedgerMutations are the durable writes the executor commits after the
// processor actions succeed.
type LedgerMutations struct {
	Inserts       []NewProduct
	ExpireRows    []snowflake.ID
	OptionUpdates []OptionsUpdate
	CustomUpdates []CustomUpdate
}

// AttachPlan is the planner's output: a branch, its fixed policy, the ordered
// processor actions and the ledger mutations. The planner never executes it.
type AttachPlan struct {
	Branch    Branch
	Proration ProrationBehavior
	Timing    PlanTiming
	Actions   []Action
	Mutations LedgerMutations
}

// RequiredAction describes a processor failure the caller must resolve, such
// as completing a payment.
type RequiredAction struct {
	Action  ActionType `json:"action"`
	Code    string     `json:"code"`
	Message string     `json:"message"`
}

// BillingResult is the outcome of executing one attach plan.
type BillingResult struct {
	Code           Branch          `json:"code"`
	ProductIDs     []string        `json:"product_ids"`
	CheckoutURL    string          `json:"checkout_url,omitempty"`
	InvoiceID      string          `json:"invoice_id,omitempty"`
	SubscriptionID string          `json:"subscription_id,omitempty"`
	RequiredAction *RequiredAction `json:"required_action,omitempty"`
}

var (
	// ErrAmbiguousBranch means the planner could not classify the request.
	// Never defaulted over; surfaced for investigation.
	ErrAmbiguousBranch = errors.New("ambiguous_attach_branch")
	ErrNothingToAttach = errors.New("nothing_to_attach")
	ErrAttachInFlight  = errors.New("attach_in_progress")
)

// Package domain defines the payment processor contract: subscription
// lifecycle calls, checkout, invoicing and webhook event parsing.
package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
)

// SubscriptionStatus mirrors the processor-side state of a subscription.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionTrialing SubscriptionStatus = "trialing"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

// ProrationBehavior is forwarded verbatim to the processor on updates.
type ProrationBehavior string

const (
	ProrationNone        ProrationBehavior = "none"
	ProrationImmediately ProrationBehavior = "always_invoice"
)

// SubscriptionItem is one price line of a subscription.
type SubscriptionItem struct {
	PriceID  string
	Quantity int64
}

// Subscription is the processor's view of a recurring billing agreement.
type Subscription struct {
	ID         string
	CustomerID string
	Status     SubscriptionStatus
	Items      []SubscriptionItem
	TrialEnd   *time.Time
	CancelAt   *time.Time
}

type CreateSubscriptionRequest struct {
	CustomerID string
	Items      []SubscriptionItem
	TrialEnd   *time.Time
	Metadata   map[string]string
}

type UpdateSubscriptionRequest struct {
	SubscriptionID string
	Items          []SubscriptionItem
	Proration      ProrationBehavior
	Metadata       map[string]string
}

type CancelSubscriptionRequest struct {
	SubscriptionID string
	// AtPeriodEnd defers the cancellation to the current period boundary
	// instead of ending the subscription immediately.
	AtPeriodEnd bool
}

type CreateInvoiceRequest struct {
	CustomerID string
	// Lines are one-off charges billed outside any subscription.
	Lines    []InvoiceLine
	Currency string
	Metadata map[string]string
}

type InvoiceLine struct {
	PriceID     string
	Quantity    int64
	Description string
}

type Invoice struct {
	ID         string
	CustomerID string
	Status     string
	Total      int64
	Currency   string
}

type CreateCheckoutRequest struct {
	CustomerID string
	Items      []SubscriptionItem
	SuccessURL string
	CancelURL  string
	Metadata   map[string]string
}

// CheckoutSession is a hosted payment page the customer must complete before
// the purchase takes effect.
type CheckoutSession struct {
	ID  string
	URL string
}

// EventType is the canonical reconciliation event vocabulary. Adapters map
// provider-specific webhook types onto it.
type EventType string

const (
	EventSubscriptionCanceled EventType = "subscription.canceled"
	EventSubscriptionUpdated  EventType = "subscription.updated"
	EventInvoicePaymentFailed EventType = "invoice.payment_failed"
	EventInvoicePaid          EventType = "invoice.paid"
	EventCheckoutCompleted    EventType = "checkout.completed"
)

// Event is one parsed webhook notification.
type Event struct {
	Provider        string
	ProviderEventID string
	Type            EventType
	SubscriptionID  string
	CustomerID      string
	CheckoutID      string
	OccurredAt      time.Time
	RawPayload      []byte
}

// Client is one configured payment processor connection.
type Client interface {
	Provider() string

	CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*Subscription, error)
	UpdateSubscription(ctx context.Context, req UpdateSubscriptionRequest) (*Subscription, error)
	CancelSubscription(ctx context.Context, req CancelSubscriptionRequest) (*Subscription, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
	CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*Invoice, error)
	CreateCheckout(ctx context.Context, req CreateCheckoutRequest) (*CheckoutSession, error)

	VerifyWebhook(ctx context.Context, payload []byte, headers http.Header) error
	ParseEvent(ctx context.Context, payload []byte) (*Event, error)
}

// ClientConfig carries the per-org processor credentials.
type ClientConfig struct {
	OrgID         snowflake.ID
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
}

// ClientFactory builds clients for one provider.
type ClientFactory interface {
	Provider() string
	NewClient(cfg ClientConfig) (Client, error)
}

var (
	ErrProviderNotFound     = errors.New("processor_provider_not_found")
	ErrInvalidConfig        = errors.New("processor_invalid_config")
	ErrInvalidSignature     = errors.New("processor_invalid_signature")
	ErrInvalidPayload       = errors.New("processor_invalid_payload")
	ErrEventIgnored         = errors.New("processor_event_ignored")
	ErrSubscriptionNotFound = errors.New("processor_subscription_not_found")
	ErrActionFailed         = errors.New("processor_action_failed")
)

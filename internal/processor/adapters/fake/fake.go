// Package fake is an in-memory payment processor used in development,
// sandbox environments and tests.
package fake

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/quotara/internal/processor/domain"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "fake"
}

func (f *Factory) NewClient(_ domain.ClientConfig) (domain.Client, error) {
	return NewClient(), nil
}

// Client keeps subscriptions in memory and records every action taken against
// it. Failure injection lets tests exercise the partial-failure paths.
type Client struct {
	mu            sync.Mutex
	seq           int
	subscriptions map[string]*domain.Subscription
	actions       []string
	failures      map[string]int
}

func NewClient() *Client {
	return &Client{
		subscriptions: make(map[string]*domain.Subscription),
		failures:      make(map[string]int),
	}
}

func (c *Client) Provider() string { return "fake" }

// FailNext makes the next n calls of the given action fail.
func (c *Client) FailNext(action string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[action] = n
}

// Actions returns the ordered list of calls made so far.
func (c *Client) Actions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.actions...)
}

func (c *Client) record(action string) error {
	c.actions = append(c.actions, action)
	if c.failures[action] > 0 {
		c.failures[action]--
		return fmt.Errorf("%w: injected %s failure", domain.ErrActionFailed, action)
	}
	return nil
}

func (c *Client) nextID(prefix string) string {
	c.seq++
	return fmt.Sprintf("%s_fake_%06d", prefix, c.seq)
}

func (c *Client) CreateSubscription(_ context.Context, req domain.CreateSubscriptionRequest) (*domain.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("create_subscription"); err != nil {
		return nil, err
	}
	sub := &domain.Subscription{
		ID:         c.nextID("sub"),
		CustomerID: req.CustomerID,
		Status:     domain.SubscriptionActive,
		Items:      append([]domain.SubscriptionItem(nil), req.Items...),
		TrialEnd:   req.TrialEnd,
	}
	if req.TrialEnd != nil && req.TrialEnd.After(time.Now()) {
		sub.Status = domain.SubscriptionTrialing
	}
	c.subscriptions[sub.ID] = sub
	return cloneSubscription(sub), nil
}

func (c *Client) UpdateSubscription(_ context.Context, req domain.UpdateSubscriptionRequest) (*domain.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("update_subscription"); err != nil {
		return nil, err
	}
	sub, ok := c.subscriptions[req.SubscriptionID]
	if !ok {
		return nil, domain.ErrSubscriptionNotFound
	}
	sub.Items = append([]domain.SubscriptionItem(nil), req.Items...)
	return cloneSubscription(sub), nil
}

func (c *Client) CancelSubscription(_ context.Context, req domain.CancelSubscriptionRequest) (*domain.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("cancel_subscription"); err != nil {
		return nil, err
	}
	sub, ok := c.subscriptions[req.SubscriptionID]
	if !ok {
		return nil, domain.ErrSubscriptionNotFound
	}
	if req.AtPeriodEnd {
		cancelAt := time.Now().UTC().AddDate(0, 1, 0)
		sub.CancelAt = &cancelAt
	} else {
		sub.Status = domain.SubscriptionCanceled
	}
	return cloneSubscription(sub), nil
}

func (c *Client) GetSubscription(_ context.Context, subscriptionID string) (*domain.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subscriptions[subscriptionID]
	if !ok {
		return nil, domain.ErrSubscriptionNotFound
	}
	return cloneSubscription(sub), nil
}

func (c *Client) CreateInvoice(_ context.Context, req domain.CreateInvoiceRequest) (*domain.Invoice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("create_invoice"); err != nil {
		return nil, err
	}
	return &domain.Invoice{
		ID:         c.nextID("in"),
		CustomerID: req.CustomerID,
		Status:     "paid",
		Currency:   req.Currency,
	}, nil
}

func (c *Client) CreateCheckout(_ context.Context, req domain.CreateCheckoutRequest) (*domain.CheckoutSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("create_checkout"); err != nil {
		return nil, err
	}
	id := c.nextID("cs")
	return &domain.CheckoutSession{
		ID:  id,
		URL: "https://checkout.fake.local/" + id,
	}, nil
}

func (c *Client) VerifyWebhook(_ context.Context, _ []byte, _ http.Header) error {
	return nil
}

// fakeEvent is the webhook payload shape the fake provider emits; tests post
// it directly to the ingest endpoint.
type fakeEvent struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	SubscriptionID string `json:"subscription_id"`
	CustomerID     string `json:"customer_id"`
	CheckoutID     string `json:"checkout_id"`
	OccurredAt     int64  `json:"occurred_at"`
}

func (c *Client) ParseEvent(_ context.Context, payload []byte) (*domain.Event, error) {
	var event fakeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, domain.ErrInvalidPayload
	}
	eventType := domain.EventType(strings.TrimSpace(event.Type))
	switch eventType {
	case domain.EventSubscriptionCanceled, domain.EventSubscriptionUpdated,
		domain.EventInvoicePaymentFailed, domain.EventInvoicePaid,
		domain.EventCheckoutCompleted:
	default:
		return nil, domain.ErrEventIgnored
	}
	occurredAt := time.Now().UTC()
	if event.OccurredAt > 0 {
		occurredAt = time.Unix(event.OccurredAt, 0).UTC()
	}
	return &domain.Event{
		Provider:        "fake",
		ProviderEventID: event.ID,
		Type:            eventType,
		SubscriptionID:  event.SubscriptionID,
		CustomerID:      event.CustomerID,
		CheckoutID:      event.CheckoutID,
		OccurredAt:      occurredAt,
		RawPayload:      payload,
	}, nil
}

func cloneSubscription(in *domain.Subscription) *domain.Subscription {
	out := *in
	out.Items = append([]domain.SubscriptionItem(nil), in.Items...)
	return &out
}

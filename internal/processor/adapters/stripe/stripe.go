// Package stripe implements the processor client against the Stripe REST API.
package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/quotara/internal/processor/domain"
)

const defaultBaseURL = "https://api.stripe.com/v1"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "stripe"
}

func (f *Factory) NewClient(cfg domain.ClientConfig) (domain.Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, domain.ErrInvalidConfig
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		apiKey:        apiKey,
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		baseURL:       defaultBaseURL,
		http:          &http.Client{Timeout: timeout},
	}, nil
}

type Client struct {
	apiKey        string
	webhookSecret string
	baseURL       string
	http          *http.Client
}

func (c *Client) Provider() string { return "stripe" }

func (c *Client) CreateSubscription(ctx context.Context, req domain.CreateSubscriptionRequest) (*domain.Subscription, error) {
	form := url.Values{}
	form.Set("customer", req.CustomerID)
	encodeItems(form, req.Items)
	if req.TrialEnd != nil {
		form.Set("trial_end", strconv.FormatInt(req.TrialEnd.Unix(), 10))
	}
	encodeMetadata(form, req.Metadata)

	var sub stripeSubscription
	if err := c.do(ctx, http.MethodPost, "/subscriptions", form, &sub); err != nil {
		return nil, err
	}
	return sub.toDomain(), nil
}

func (c *Client) UpdateSubscription(ctx context.Context, req domain.UpdateSubscriptionRequest) (*domain.Subscription, error) {
	form := url.Values{}
	encodeItems(form, req.Items)
	if req.Proration == domain.ProrationNone {
		form.Set("proration_behavior", "none")
	} else {
		form.Set("proration_behavior", string(req.Proration))
	}
	encodeMetadata(form, req.Metadata)

	var sub stripeSubscription
	if err := c.do(ctx, http.MethodPost, "/subscriptions/"+url.PathEscape(req.SubscriptionID), form, &sub); err != nil {
		return nil, err
	}
	return sub.toDomain(), nil
}

func (c *Client) CancelSubscription(ctx context.Context, req domain.CancelSubscriptionRequest) (*domain.Subscription, error) {
	var sub stripeSubscription
	if req.AtPeriodEnd {
		form := url.Values{}
		form.Set("cancel_at_period_end", "true")
		if err := c.do(ctx, http.MethodPost, "/subscriptions/"+url.PathEscape(req.SubscriptionID), form, &sub); err != nil {
			return nil, err
		}
	} else {
		if err := c.do(ctx, http.MethodDelete, "/subscriptions/"+url.PathEscape(req.SubscriptionID), nil, &sub); err != nil {
			return nil, err
		}
	}
	return sub.toDomain(), nil
}

func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*domain.Subscription, error) {
	var sub stripeSubscription
	if err := c.do(ctx, http.MethodGet, "/subscriptions/"+url.PathEscape(subscriptionID), nil, &sub); err != nil {
		return nil, err
	}
	return sub.toDomain(), nil
}

func (c *Client) CreateInvoice(ctx context.Context, req domain.CreateInvoiceRequest) (*domain.Invoice, error) {
	for _, line := range req.Lines {
		form := url.Values{}
		form.Set("customer", req.CustomerID)
		form.Set("price", line.PriceID)
		if line.Quantity > 1 {
			form.Set("quantity", strconv.FormatInt(line.Quantity, 10))
		}
		if line.Description != "" {
			form.Set("description", line.Description)
		}
		if err := c.do(ctx, http.MethodPost, "/invoiceitems", form, &struct{}{}); err != nil {
			return nil, err
		}
	}

	form := url.Values{}
	form.Set("customer", req.CustomerID)
	form.Set("auto_advance", "true")
	encodeMetadata(form, req.Metadata)

	var invoice stripeInvoice
	if err := c.do(ctx, http.MethodPost, "/invoices", form, &invoice); err != nil {
		return nil, err
	}
	return &domain.Invoice{
		ID:         invoice.ID,
		CustomerID: invoice.Customer,
		Status:     invoice.Status,
		Total:      invoice.Total,
		Currency:   strings.ToUpper(invoice.Currency),
	}, nil
}

func (c *Client) CreateCheckout(ctx context.Context, req domain.CreateCheckoutRequest) (*domain.CheckoutSession, error) {
	form := url.Values{}
	form.Set("mode", "subscription")
	form.Set("customer", req.CustomerID)
	if req.SuccessURL != "" {
		form.Set("success_url", req.SuccessURL)
	}
	if req.CancelURL != "" {
		form.Set("cancel_url", req.CancelURL)
	}
	for i, item := range req.Items {
		form.Set(fmt.Sprintf("line_items[%d][price]", i), item.PriceID)
		quantity := item.Quantity
		if quantity <= 0 {
			quantity = 1
		}
		form.Set(fmt.Sprintf("line_items[%d][quantity]", i), strconv.FormatInt(quantity, 10))
	}
	encodeMetadata(form, req.Metadata)

	var session stripeCheckoutSession
	if err := c.do(ctx, http.MethodPost, "/checkout/sessions", form, &session); err != nil {
		return nil, err
	}
	return &domain.CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

func (c *Client) VerifyWebhook(_ context.Context, payload []byte, headers http.Header) error {
	if c.webhookSecret == "" {
		return domain.ErrInvalidConfig
	}
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return domain.ErrInvalidSignature
	}
	timestamp, signatures, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return domain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return domain.ErrInvalidSignature
}

func (c *Client) ParseEvent(_ context.Context, payload []byte) (*domain.Event, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, domain.ErrInvalidPayload
	}

	parsed := &domain.Event{
		Provider:        "stripe",
		ProviderEventID: event.ID,
		OccurredAt:      time.Unix(event.Created, 0).UTC(),
		RawPayload:      payload,
	}
	switch strings.TrimSpace(event.Type) {
	case "customer.subscription.deleted":
		parsed.Type = domain.EventSubscriptionCanceled
		return parseSubscriptionObject(parsed, event.Data.Object)
	case "customer.subscription.updated":
		parsed.Type = domain.EventSubscriptionUpdated
		return parseSubscriptionObject(parsed, event.Data.Object)
	case "invoice.payment_failed":
		parsed.Type = domain.EventInvoicePaymentFailed
		return parseInvoiceObject(parsed, event.Data.Object)
	case "invoice.paid":
		parsed.Type = domain.EventInvoicePaid
		return parseInvoiceObject(parsed, event.Data.Object)
	case "checkout.session.completed":
		parsed.Type = domain.EventCheckoutCompleted
		return parseCheckoutObject(parsed, event.Data.Object)
	default:
		return nil, domain.ErrEventIgnored
	}
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values, out any) (err error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrActionFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrActionFailed, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return domain.ErrSubscriptionNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr stripeError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("%w: %s", domain.ErrActionFailed, apiErr.Error.Message)
		}
		return fmt.Errorf("%w: status %d", domain.ErrActionFailed, resp.StatusCode)
	}
	return json.Unmarshal(raw, out)
}

type stripeEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type stripeError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

type stripeSubscription struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
	TrialEnd int64  `json:"trial_end"`
	CancelAt int64  `json:"cancel_at"`
	Items    struct {
		Data []struct {
			Quantity int64 `json:"quantity"`
			Price    struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

func (s *stripeSubscription) toDomain() *domain.Subscription {
	sub := &domain.Subscription{
		ID:         s.ID,
		CustomerID: s.Customer,
		Status:     mapStatus(s.Status),
	}
	if s.TrialEnd > 0 {
		trialEnd := time.Unix(s.TrialEnd, 0).UTC()
		sub.TrialEnd = &trialEnd
	}
	if s.CancelAt > 0 {
		cancelAt := time.Unix(s.CancelAt, 0).UTC()
		sub.CancelAt = &cancelAt
	}
	for _, item := range s.Items.Data {
		sub.Items = append(sub.Items, domain.SubscriptionItem{
			PriceID:  item.Price.ID,
			Quantity: item.Quantity,
		})
	}
	return sub
}

type stripeInvoice struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
	Total    int64  `json:"total"`
	Currency string `json:"currency"`
}

type stripeCheckoutSession struct {
	ID           string `json:"id"`
	URL          string `json:"url"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
}

func mapStatus(status string) domain.SubscriptionStatus {
	switch status {
	case "trialing":
		return domain.SubscriptionTrialing
	case "past_due", "unpaid":
		return domain.SubscriptionPastDue
	case "canceled", "incomplete_expired":
		return domain.SubscriptionCanceled
	default:
		return domain.SubscriptionActive
	}
}

func parseSubscriptionObject(event *domain.Event, raw json.RawMessage) (*domain.Event, error) {
	var sub stripeSubscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(sub.ID) == "" {
		return nil, domain.ErrInvalidPayload
	}
	event.SubscriptionID = sub.ID
	event.CustomerID = sub.Customer
	return event, nil
}

func parseInvoiceObject(event *domain.Event, raw json.RawMessage) (*domain.Event, error) {
	var invoice struct {
		ID           string `json:"id"`
		Customer     string `json:"customer"`
		Subscription string `json:"subscription"`
	}
	if err := json.Unmarshal(raw, &invoice); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	event.SubscriptionID = invoice.Subscription
	event.CustomerID = invoice.Customer
	return event, nil
}

func parseCheckoutObject(event *domain.Event, raw json.RawMessage) (*domain.Event, error) {
	var session stripeCheckoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	event.CheckoutID = session.ID
	event.SubscriptionID = session.Subscription
	event.CustomerID = session.Customer
	return event, nil
}

func parseSignatureHeader(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, domain.ErrInvalidSignature
	}
	return timestamp, signatures, nil
}

func encodeItems(form url.Values, items []domain.SubscriptionItem) {
	for i, item := range items {
		form.Set(fmt.Sprintf("items[%d][price]", i), item.PriceID)
		quantity := item.Quantity
		if quantity <= 0 {
			quantity = 1
		}
		form.Set(fmt.Sprintf("items[%d][quantity]", i), strconv.FormatInt(quantity, 10))
	}
}

func encodeMetadata(form url.Values, metadata map[string]string) {
	for key, value := range metadata {
		form.Set(fmt.Sprintf("metadata[%s]", key), value)
	}
}

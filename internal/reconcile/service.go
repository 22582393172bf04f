// Package reconcile applies payment processor webhook events to the product
// ledger. Events are deduplicated by provider event id and applied
// last-writer-wins by their occurrence timestamp, so redelivery and
// out-of-order delivery both converge on the processor's state.
package reconcile

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/smallbiznis/quotara/internal/balance/domain"
	"github.com/smallbiznis/quotara/internal/clock"
	custdomain "github.com/smallbiznis/quotara/internal/customer/domain"
	cpdomain "github.com/smallbiznis/quotara/internal/customerproduct/domain"
	entdomain "github.com/smallbiznis/quotara/internal/entitlement/domain"
	"github.com/smallbiznis/quotara/internal/observability/metrics"
	processordomain "github.com/smallbiznis/quotara/internal/processor/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ServiceParam struct {
	fx.In

	Log              *zap.Logger
	DB               *gorm.DB
	Clock            clock.Clock
	GenID            *snowflake.Node
	Processor        processordomain.Client
	Customers        custdomain.Repository
	CustomerProducts cpdomain.Repository
	Entitlements     entdomain.Repository
	Store            balancedomain.Store
}

type Service struct {
	log              *zap.Logger
	db               *gorm.DB
	clock            clock.Clock
	genID            *snowflake.Node
	processor        processordomain.Client
	customers        custdomain.Repository
	customerProducts cpdomain.Repository
	entitlements     entdomain.Repository
	store            balancedomain.Store
	metrics          *metrics.Metrics
}

func New(p ServiceParam) *Service {
	return &Service{
		log:              p.Log.Named("reconcile.service"),
		db:               p.DB,
		clock:            p.Clock,
		genID:            p.GenID,
		processor:        p.Processor,
		customers:        p.Customers,
		customerProducts: p.CustomerProducts,
		entitlements:     p.Entitlements,
		store:            p.Store,
		metrics:          metrics.Default(),
	}
}

// HandleEvent verifies, parses and applies one webhook delivery. Unknown
// event types and unknown subscription ids are logged and skipped; only
// verification and infrastructure failures surface as errors, so the
// processor retries exactly the deliveries that can still succeed.
func (s *Service) HandleEvent(ctx context.Context, payload []byte, headers http.Header) error {
	if err := s.processor.VerifyWebhook(ctx, payload, headers); err != nil {
		return err
	}

	event, err := s.processor.ParseEvent(ctx, payload)
	if err != nil {
		if errors.Is(err, processordomain.ErrEventIgnored) {
			s.metrics.IncReconcileEvent("ignored")
			return nil
		}
		return err
	}

	inserted, err := s.recordEvent(ctx, event)
	if err != nil {
		return err
	}
	if !inserted {
		s.metrics.IncReconcileEvent("duplicate")
		s.log.Debug("dropping redelivered event",
			zap.String("provider", event.Provider),
			zap.String("event_id", event.ProviderEventID))
		return nil
	}

	switch event.Type {
	case processordomain.EventSubscriptionCanceled:
		return s.handleSubscriptionCanceled(ctx, event)
	case processordomain.EventSubscriptionUpdated:
		return s.handleSubscriptionUpdated(ctx, event)
	case processordomain.EventInvoicePaymentFailed:
		return s.applyStatus(ctx, event, cpdomain.StatusPastDue)
	case processordomain.EventInvoicePaid:
		return s.handleInvoicePaid(ctx, event)
	case processordomain.EventCheckoutCompleted:
		return s.handleCheckoutCompleted(ctx, event)
	default:
		s.metrics.IncReconcileEvent("ignored")
		return nil
	}
}

// recordEvent inserts the event into the dedupe table. It reports false when
// the same provider event was already recorded.
func (s *Service) recordEvent(ctx context.Context, event *processordomain.Event) (bool, error) {
	row := ProcessorEvent{
		ID:              s.genID.Generate(),
		Provider:        event.Provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       string(event.Type),
		OccurredAt:      event.OccurredAt,
		ReceivedAt:      s.clock.Now(),
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// rowForEvent resolves the ledger row the event refers to and applies the
// last-writer-wins check. A nil row with nil error means skip.
func (s *Service) rowForEvent(ctx context.Context, event *processordomain.Event) (*cpdomain.CustomerProduct, error) {
	if event.SubscriptionID == "" {
		s.metrics.IncReconcileEvent("skipped")
		return nil, nil
	}
	row, err := s.customerProducts.FindBySubscriptionID(ctx, s.db, event.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		s.metrics.IncReconcileEvent("skipped")
		s.log.Warn("event references unknown subscription",
			zap.String("subscription_id", event.SubscriptionID),
			zap.String("event_type", string(event.Type)))
		return nil, nil
	}
	if row.LastEventAt != nil && !event.OccurredAt.After(*row.LastEventAt) {
		s.metrics.IncReconcileEvent("stale")
		s.log.Debug("dropping out-of-order event",
			zap.String("subscription_id", event.SubscriptionID),
			zap.Time("event_at", event.OccurredAt),
			zap.Time("row_at", *row.LastEventAt))
		return nil, nil
	}
	return row, nil
}

func (s *Service) handleSubscriptionCanceled(ctx context.Context, event *processordomain.Event) error {
	row, err := s.rowForEvent(ctx, event)
	if err != nil || row == nil {
		return err
	}
	if err := s.expireRow(ctx, row, event.OccurredAt); err != nil {
		return err
	}
	s.metrics.IncReconcileEvent("applied")
	s.invalidate(ctx, row)
	return nil
}

// handleSubscriptionUpdated re-reads the subscription from the processor and
// converges the row on its current status.
func (s *Service) handleSubscriptionUpdated(ctx context.Context, event *processordomain.Event) error {
	row, err := s.rowForEvent(ctx, event)
	if err != nil || row == nil {
		return err
	}

	sub, err := s.processor.GetSubscription(ctx, event.SubscriptionID)
	if err != nil {
		if errors.Is(err, processordomain.ErrSubscriptionNotFound) {
			return s.handleSubscriptionCanceled(ctx, event)
		}
		return err
	}

	switch sub.Status {
	case processordomain.SubscriptionCanceled:
		if err := s.expireRow(ctx, row, event.OccurredAt); err != nil {
			return err
		}
	case processordomain.SubscriptionPastDue:
		row.CanceledAt = sub.CancelAt
		if err := s.saveStatus(ctx, row, cpdomain.StatusPastDue, event.OccurredAt); err != nil {
			return err
		}
	default:
		// A pending period-end cancellation rides along on the update; nil
		// clears a withdrawn one. The expiry sweep picks up the boundary.
		row.CanceledAt = sub.CancelAt
		if err := s.saveStatus(ctx, row, cpdomain.StatusActive, event.OccurredAt); err != nil {
			return err
		}
	}
	s.metrics.IncReconcileEvent("applied")
	s.invalidate(ctx, row)
	return nil
}

func (s *Service) applyStatus(ctx context.Context, event *processordomain.Event, status cpdomain.Status) error {
	row, err := s.rowForEvent(ctx, event)
	if err != nil || row == nil {
		return err
	}
	if err := s.saveStatus(ctx, row, status, event.OccurredAt); err != nil {
		return err
	}
	s.metrics.IncReconcileEvent("applied")
	s.invalidate(ctx, row)
	return nil
}

// handleInvoicePaid recovers a past-due product. Active and expired rows are
// left as they are; a paid invoice never resurrects a canceled subscription.
func (s *Service) handleInvoicePaid(ctx context.Context, event *processordomain.Event) error {
	row, err := s.rowForEvent(ctx, event)
	if err != nil || row == nil {
		return err
	}
	if row.Status != cpdomain.StatusPastDue {
		s.metrics.IncReconcileEvent("skipped")
		return nil
	}
	if err := s.saveStatus(ctx, row, cpdomain.StatusActive, event.OccurredAt); err != nil {
		return err
	}
	s.metrics.IncReconcileEvent("applied")
	s.invalidate(ctx, row)
	return nil
}

// handleCheckoutCompleted activates the scheduled products that were waiting
// on the checkout session and links them to the created subscription.
func (s *Service) handleCheckoutCompleted(ctx context.Context, event *processordomain.Event) error {
	if event.CustomerID == "" {
		s.metrics.IncReconcileEvent("skipped")
		return nil
	}
	customer, err := s.customers.FindByProcessorID(ctx, s.db, event.CustomerID)
	if err != nil {
		return err
	}
	if customer == nil {
		s.metrics.IncReconcileEvent("skipped")
		s.log.Warn("checkout event references unknown customer",
			zap.String("processor_customer_id", event.CustomerID))
		return nil
	}

	rows, err := s.customerProducts.ListByCustomer(ctx, s.db, customer.OrgID, customer.Env, customer.ID)
	if err != nil {
		return err
	}

	activeGroups := make(map[string]bool)
	for i := range rows {
		if rows[i].Active() && !rows[i].IsAddOn {
			activeGroups[rows[i].ProductGroup] = true
		}
	}

	var activated *cpdomain.CustomerProduct
	now := s.clock.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range rows {
			row := &rows[i]
			if row.Status != cpdomain.StatusScheduled {
				continue
			}
			// Downgrade rows stay scheduled until the old subscription's
			// cancellation lands.
			if !row.IsAddOn && activeGroups[row.ProductGroup] {
				continue
			}
			if err := s.activateRow(ctx, tx, row, event.SubscriptionID, event.OccurredAt, now); err != nil {
				return err
			}
			activated = row
		}
		return nil
	})
	if err != nil {
		return err
	}
	if activated == nil {
		s.metrics.IncReconcileEvent("skipped")
		return nil
	}
	s.metrics.IncReconcileEvent("applied")
	s.invalidate(ctx, activated)
	return nil
}

// RunDueExpirations expires canceled products whose cancellation boundary has
// passed, typically period-end cancellations waiting out their paid period.
// Each expired row has its ledger rows cleared and its scheduled successor
// promoted, same as a cancellation webhook would do.
func (s *Service) RunDueExpirations(ctx context.Context, now time.Time, batchSize int) (int, error) {
	total := 0
	for {
		var expired []cpdomain.CustomerProduct
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			rows, err := s.customerProducts.ClaimCanceledDue(ctx, tx, now, batchSize)
			if err != nil {
				return err
			}
			for i := range rows {
				row := &rows[i]
				row.Status = cpdomain.StatusExpired
				if err := s.customerProducts.Save(ctx, tx, row); err != nil {
					return err
				}
				if err := s.entitlements.DeleteByCustomerProduct(ctx, tx, row.OrgID, row.ID); err != nil {
					return err
				}
				if err := s.promoteScheduled(ctx, tx, row, now, now); err != nil {
					return err
				}
				expired = append(expired, *row)
			}
			return nil
		})
		if err != nil {
			return total, err
		}
		if len(expired) == 0 {
			return total, nil
		}
		total += len(expired)
		for i := range expired {
			s.invalidate(ctx, &expired[i])
		}
		if len(expired) < batchSize {
			return total, nil
		}
	}
}

// expireRow expires the product, clears its ledger rows and promotes the
// scheduled successor of its group, all in one transaction.
func (s *Service) expireRow(ctx context.Context, row *cpdomain.CustomerProduct, eventAt time.Time) error {
	now := s.clock.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row.Status = cpdomain.StatusExpired
		canceledAt := now
		row.CanceledAt = &canceledAt
		eventCopy := eventAt
		row.LastEventAt = &eventCopy
		if err := s.customerProducts.Save(ctx, tx, row); err != nil {
			return err
		}
		if err := s.entitlements.DeleteByCustomerProduct(ctx, tx, row.OrgID, row.ID); err != nil {
			return err
		}
		return s.promoteScheduled(ctx, tx, row, eventAt, now)
	})
}

// promoteScheduled activates the oldest scheduled product of the expired
// row's group, typically the cheaper plan of a downgrade.
func (s *Service) promoteScheduled(ctx context.Context, tx *gorm.DB, expired *cpdomain.CustomerProduct, eventAt, now time.Time) error {
	if expired.IsAddOn {
		return nil
	}
	rows, err := s.customerProducts.ListByCustomer(ctx, tx, expired.OrgID, expired.Env, expired.CustomerID)
	if err != nil {
		return err
	}
	for i := range rows {
		row := &rows[i]
		if row.Status != cpdomain.StatusScheduled || row.IsAddOn || row.ProductGroup != expired.ProductGroup {
			continue
		}
		return s.activateRow(ctx, tx, row, "", eventAt, now)
	}
	return nil
}

// activateRow flips a scheduled product to active and materializes its
// entitlement grants.
func (s *Service) activateRow(ctx context.Context, tx *gorm.DB, row *cpdomain.CustomerProduct, subscriptionID string, eventAt, now time.Time) error {
	row.Status = cpdomain.StatusActive
	row.StartedAt = now
	eventCopy := eventAt
	row.LastEventAt = &eventCopy
	if subscriptionID != "" {
		if err := row.SetSubscriptionIDs([]string{subscriptionID}); err != nil {
			return err
		}
	}
	if err := s.customerProducts.Save(ctx, tx, row); err != nil {
		return err
	}
	return s.grantEntitlements(ctx, tx, row, now)
}

func (s *Service) saveStatus(ctx context.Context, row *cpdomain.CustomerProduct, status cpdomain.Status, eventAt time.Time) error {
	row.Status = status
	eventCopy := eventAt
	row.LastEventAt = &eventCopy
	return s.customerProducts.Save(ctx, s.db.WithContext(ctx), row)
}

// grantEntitlements materializes the product's entitlements into ledger rows,
// scaling prepaid allowances by the quantities purchased on the row.
func (s *Service) grantEntitlements(ctx context.Context, tx *gorm.DB, row *cpdomain.CustomerProduct, now time.Time) error {
	configs, err := s.entitlements.ListByProducts(ctx, tx, row.OrgID, []snowflake.ID{row.ProductID})
	if err != nil {
		return err
	}
	if len(configs) == 0 {
		return nil
	}
	options, err := row.OptionList()
	if err != nil {
		return err
	}
	quantities := make(map[string]float64, len(options))
	for _, option := range options {
		quantities[option.FeatureCode] = option.Quantity
	}

	rows := make([]entdomain.CustomerEntitlement, 0, len(configs))
	for _, cfg := range configs {
		allowance := cfg.Allowance
		if cfg.Prepaid {
			if quantity, ok := quantities[cfg.FeatureCode]; ok && quantity > 0 {
				allowance = cfg.Allowance * quantity
			}
		}
		if cfg.EntityScoped && cfg.DefaultEntityAllowance > 0 {
			allowance = cfg.DefaultEntityAllowance
		}

		ledgerRow := entdomain.CustomerEntitlement{
			ID:                s.genID.Generate(),
			OrgID:             row.OrgID,
			Env:               row.Env,
			CustomerID:        row.CustomerID,
			CustomerProductID: row.ID,
			EntitlementID:     cfg.ID,
			FeatureID:         cfg.FeatureID,
			FeatureCode:       cfg.FeatureCode,
			Allowance:         allowance,
			Unlimited:         cfg.Unlimited,
			OverageAllowed:    cfg.OverageAllowed,
			EntityScoped:      cfg.EntityScoped,
			ResetInterval:     cfg.ResetInterval,
			RolloverEnabled:   cfg.RolloverEnabled,
			RolloverIntervals: cfg.RolloverIntervals,
			RolloverMax:       cfg.RolloverMax,
		}
		if !cfg.EntityScoped {
			ledgerRow.Balance = allowance
		}
		if cfg.ResetInterval != entdomain.ResetIntervalNone {
			next := cfg.ResetInterval.Next(now)
			ledgerRow.NextResetAt = &next
		}
		rows = append(rows, ledgerRow)
	}
	return s.entitlements.InsertLedgerRows(ctx, tx, rows)
}

func (s *Service) invalidate(ctx context.Context, row *cpdomain.CustomerProduct) {
	key := balancedomain.CacheKey(row.CustomerID.String(), row.OrgID.String(), row.Env, "")
	if err := s.store.Invalidate(ctx, key); err != nil {
		s.log.Warn("cache invalidation failed after reconciliation",
			zap.String("key", key), zap.Error(err))
	}
}

// Package executor runs attach plans: processor actions in order, then the
// ledger commit and cache invalidation, guarded by an idempotency key and a
// per-customer advisory lock.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quotara/internal/attach/domain"
	"github.com/smallbiznis/quotara/internal/attach/planner"
	balancedomain "github.com/smallbiznis/quotara/internal/balance/domain"
	"github.com/smallbiznis/quotara/internal/clock"
	"github.com/smallbiznis/quotara/internal/config"
	custdomain "github.com/smallbiznis/quotara/internal/customer/domain"
	cpdomain "github.com/smallbiznis/quotara/internal/customerproduct/domain"
	entdomain "github.com/smallbiznis/quotara/internal/entitlement/domain"
	"github.com/smallbiznis/quotara/internal/locks"
	"github.com/smallbiznis/quotara/internal/observability/metrics"
	"github.com/smallbiznis/quotara/internal/orgcontext"
	processordomain "github.com/smallbiznis/quotara/internal/processor/domain"
	productdomain "github.com/smallbiznis/quotara/internal/product/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ServiceParam struct {
	fx.In

	Log              *zap.Logger
	DB               *gorm.DB
	Config           config.Config
	Clock            clock.Clock
	GenID            *snowflake.Node
	Locker           *locks.Locker `optional:"true"`
	Processor        processordomain.Client
	Customers        custdomain.Repository
	Products         productdomain.Repository
	CustomerProducts cpdomain.Repository
	Entitlements     entdomain.Repository
	Store            balancedomain.Store
}

// AttachRequest is one plan-change request as received from the API.
type AttachRequest struct {
	CustomerID         string                     `json:"customer_id"`
	ProductIDs         []string                   `json:"product_ids"`
	Options            []cpdomain.FeatureOption   `json:"options,omitempty"`
	CustomEntitlements []domain.CustomEntitlement `json:"custom_entitlements,omitempty"`
	FreeTrial          bool                       `json:"free_trial,omitempty"`
}

type Service struct {
	log              *zap.Logger
	db               *gorm.DB
	cfg              config.Config
	clock            clock.Clock
	genID            *snowflake.Node
	locker           *locks.Locker
	processor        processordomain.Client
	customers        custdomain.Repository
	products         productdomain.Repository
	customerProducts cpdomain.Repository
	entitlements     entdomain.Repository
	store            balancedomain.Store
	metrics          *metrics.Metrics
}

func New(p ServiceParam) *Service {
	return &Service{
		log:              p.Log.Named("attach.executor"),
		db:               p.DB,
		cfg:              p.Config,
		clock:            p.Clock,
		genID:            p.GenID,
		locker:           p.Locker,
		processor:        p.Processor,
		customers:        p.Customers,
		products:         p.Products,
		customerProducts: p.CustomerProducts,
		entitlements:     p.Entitlements,
		store:            p.Store,
		metrics:          metrics.Default(),
	}
}

// Attach resolves the request into a plan and executes it. Concurrent
// requests for the same customer are serialized by an advisory lock, and a
// retry within the same idempotency bucket replays the stored result.
func (s *Service) Attach(ctx context.Context, req AttachRequest) (*domain.BillingResult, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("missing org context")
	}
	env := string(orgcontext.EnvFromContext(ctx))

	customerID, err := snowflake.ParseString(req.CustomerID)
	if err != nil {
		return nil, custdomain.ErrCustomerNotFound
	}
	customer, err := s.customers.FindByID(ctx, s.db, orgID, env, customerID)
	if err != nil {
		return nil, err
	}
	if customer == nil {
		return nil, custdomain.ErrCustomerNotFound
	}

	now := s.clock.Now()
	actx, err := s.buildContext(ctx, orgID, env, customer, req, now)
	if err != nil {
		return nil, err
	}

	plan, err := planner.Evaluate(*actx)
	if err != nil {
		return nil, err
	}
	s.metrics.IncAttachBranch(string(plan.Branch))

	key := IdempotencyKey(customerID, orgID, env, now)

	if s.locker != nil {
		lockKey := "attach:lock:" + customerID.String()
		token, acquired, lerr := s.locker.TryLock(ctx, lockKey, s.cfg.AttachLockTTL)
		if lerr != nil {
			return nil, lerr
		}
		if !acquired {
			return nil, domain.ErrAttachInFlight
		}
		defer func() {
			if rerr := s.locker.Release(ctx, lockKey, token); rerr != nil {
				s.log.Warn("attach lock release failed", zap.Error(rerr))
			}
		}()
	}

	if replay, rerr := s.findExecution(ctx, key); rerr != nil {
		return nil, rerr
	} else if replay != nil {
		s.log.Info("replaying attach result for idempotency key",
			zap.String("idempotency_key", key))
		return replay, nil
	}

	result := s.Execute(ctx, plan, actx, now)
	if err := s.recordExecution(ctx, orgID, env, customerID, key, plan.Branch, result); err != nil {
		// A concurrent request won the insert race; its result stands.
		if replay, rerr := s.findExecution(ctx, key); rerr == nil && replay != nil {
			return replay, nil
		}
		return nil, err
	}
	return result, nil
}

// IdempotencyKey derives the dedupe key for one attach request. Requests from
// the same customer within the same hour bucket share a key.
func IdempotencyKey(customerID, orgID snowflake.ID, env string, now time.Time) string {
	bucket := now.UTC().Truncate(time.Hour).Unix()
	return fmt.Sprintf("%s_%s_%s_%d", customerID, orgID, env, bucket)
}

func (s *Service) buildContext(ctx context.Context, orgID snowflake.ID, env string, customer *custdomain.Customer, req AttachRequest, now time.Time) (*domain.AttachContext, error) {
	productIDs := make([]snowflake.ID, 0, len(req.ProductIDs))
	for _, raw := range req.ProductIDs {
		id, err := snowflake.ParseString(raw)
		if err != nil {
			return nil, productdomain.ErrProductNotFound
		}
		productIDs = append(productIDs, id)
	}
	if len(productIDs) == 0 {
		return nil, domain.ErrNothingToAttach
	}

	products, err := s.products.FindByIDs(ctx, s.db, orgID, productIDs)
	if err != nil {
		return nil, err
	}
	if len(products) != len(productIDs) {
		return nil, productdomain.ErrProductNotFound
	}
	prices, err := s.products.ListPrices(ctx, s.db, orgID, productIDs)
	if err != nil {
		return nil, err
	}
	pricesByProduct := make(map[snowflake.ID][]productdomain.Price)
	for _, price := range prices {
		pricesByProduct[price.ProductID] = append(pricesByProduct[price.ProductID], price)
	}

	requested := make([]domain.RequestedProduct, 0, len(products))
	for _, product := range products {
		requested = append(requested, domain.RequestedProduct{
			Product:            product,
			Prices:             pricesByProduct[product.ID],
			Options:            req.Options,
			CustomEntitlements: req.CustomEntitlements,
			FreeTrial:          req.FreeTrial,
		})
	}

	rows, err := s.customerProducts.ListByCustomer(ctx, s.db, orgID, env, customer.ID)
	if err != nil {
		return nil, err
	}
	current := make([]domain.CurrentProduct, 0, len(rows))
	if len(rows) > 0 {
		currentIDs := make([]snowflake.ID, 0, len(rows))
		for _, row := range rows {
			currentIDs = append(currentIDs, row.ProductID)
		}
		currentProducts, err := s.products.FindByIDs(ctx, s.db, orgID, currentIDs)
		if err != nil {
			return nil, err
		}
		byID := make(map[snowflake.ID]productdomain.Product, len(currentProducts))
		for _, product := range currentProducts {
			byID[product.ID] = product
		}
		currentPrices, err := s.products.ListPrices(ctx, s.db, orgID, currentIDs)
		if err != nil {
			return nil, err
		}
		currentPricesByProduct := make(map[snowflake.ID][]productdomain.Price)
		for _, price := range currentPrices {
			currentPricesByProduct[price.ProductID] = append(currentPricesByProduct[price.ProductID], price)
		}
		for _, row := range rows {
			current = append(current, domain.CurrentProduct{
				Row:     row,
				Product: byID[row.ProductID],
				Prices:  currentPricesByProduct[row.ProductID],
			})
		}
	}

	return &domain.AttachContext{
		OrgID:               orgID,
		Env:                 env,
		CustomerID:          customer.ID,
		Requested:           requested,
		Current:             current,
		ProcessorCustomerID: customer.ProcessorCustomerID,
		HasPaymentMethod:    customer.HasPaymentMethod,
		Now:                 now,
	}, nil
}

// Execute runs the plan's processor actions in order and, when all succeed,
// commits the ledger mutations and invalidates the customer's cache. A
// failure mid-plan stops execution and surfaces a required action; applied
// processor actions are not rolled back, reconciliation repairs them later.
func (s *Service) Execute(ctx context.Context, plan *domain.AttachPlan, actx *domain.AttachContext, now time.Time) *domain.BillingResult {
	result := &domain.BillingResult{Code: plan.Branch}
	for i := range actx.Requested {
		result.ProductIDs = append(result.ProductIDs, actx.Requested[i].Product.ID.String())
	}

	var subscriptionID string
	var cancellations []pendingCancel
	for _, action := range plan.Actions {
		outcome, err := s.runAction(ctx, actx, action, now)
		if err != nil {
			s.metrics.IncProcessorError(string(action.Type))
			s.log.Warn("processor action failed, plan not committed",
				zap.String("action", string(action.Type)),
				zap.String("branch", string(plan.Branch)),
				zap.Error(err))
			result.RequiredAction = &domain.RequiredAction{
				Action:  action.Type,
				Code:    "processor_action_failed",
				Message: err.Error(),
			}
			return result
		}
		if outcome != nil {
			if outcome.subscriptionID != "" {
				subscriptionID = outcome.subscriptionID
				result.SubscriptionID = outcome.subscriptionID
			}
			if outcome.checkoutURL != "" {
				result.CheckoutURL = outcome.checkoutURL
			}
			if outcome.invoiceID != "" {
				result.InvoiceID = outcome.invoiceID
			}
			if outcome.canceledSubID != "" && outcome.cancelAt != nil {
				cancellations = append(cancellations, pendingCancel{
					subscriptionID: outcome.canceledSubID,
					effectiveAt:    *outcome.cancelAt,
				})
			}
		}
	}

	if err := s.commit(ctx, plan, actx, subscriptionID, cancellations, now); err != nil {
		s.log.Error("ledger commit failed after processor actions",
			zap.String("branch", string(plan.Branch)), zap.Error(err))
		result.RequiredAction = &domain.RequiredAction{
			Code:    "ledger_commit_failed",
			Message: err.Error(),
		}
		return result
	}
	s.invalidate(ctx, actx)
	return result
}

type actionOutcome struct {
	subscriptionID string
	checkoutURL    string
	invoiceID      string
	canceledSubID  string
	cancelAt       *time.Time
}

// pendingCancel records a period-end cancellation accepted by the processor;
// the commit stamps its boundary on the row so the expiry sweep retires the
// product once the paid period runs out.
type pendingCancel struct {
	subscriptionID string
	effectiveAt    time.Time
}

func (s *Service) runAction(ctx context.Context, actx *domain.AttachContext, action domain.Action, now time.Time) (*actionOutcome, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.ProcessorTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		s.metrics.ObserveProcessorLatency(string(action.Type), time.Since(start))
	}()

	processorCustomerID := actx.ProcessorCustomerID

	switch action.Type {
	case domain.ActionCreateSubscription:
		sub, err := s.processor.CreateSubscription(callCtx, processordomain.CreateSubscriptionRequest{
			CustomerID: processorCustomerID,
			Items:      action.Items,
			TrialEnd:   action.TrialEnd,
			Metadata:   s.metadata(actx),
		})
		if err != nil {
			return nil, err
		}
		return &actionOutcome{subscriptionID: sub.ID}, nil

	case domain.ActionUpdateSubscription:
		var sub *processordomain.Subscription
		err := s.withRetry(callCtx, func() error {
			var uerr error
			sub, uerr = s.processor.UpdateSubscription(callCtx, processordomain.UpdateSubscriptionRequest{
				SubscriptionID: action.SubscriptionID,
				Items:          action.Items,
				Proration:      action.Proration,
				Metadata:       s.metadata(actx),
			})
			return uerr
		})
		if err != nil {
			return nil, err
		}
		return &actionOutcome{subscriptionID: sub.ID}, nil

	case domain.ActionCancelSubscription:
		// Re-check state first; an already-canceled or vanished subscription
		// is not a failure.
		current, err := s.processor.GetSubscription(callCtx, action.SubscriptionID)
		if err != nil {
			if errors.Is(err, processordomain.ErrSubscriptionNotFound) {
				return nil, nil
			}
			return nil, err
		}
		if current.Status == processordomain.SubscriptionCanceled {
			return nil, nil
		}
		canceled, err := s.processor.CancelSubscription(callCtx, processordomain.CancelSubscriptionRequest{
			SubscriptionID: action.SubscriptionID,
			AtPeriodEnd:    action.AtPeriodEnd,
		})
		if err != nil {
			return nil, err
		}
		if action.AtPeriodEnd && canceled.CancelAt != nil {
			return &actionOutcome{canceledSubID: action.SubscriptionID, cancelAt: canceled.CancelAt}, nil
		}
		return nil, nil

	case domain.ActionCreateInvoice:
		invoice, err := s.processor.CreateInvoice(callCtx, processordomain.CreateInvoiceRequest{
			CustomerID: processorCustomerID,
			Lines:      action.Lines,
			Metadata:   s.metadata(actx),
		})
		if err != nil {
			return nil, err
		}
		return &actionOutcome{invoiceID: invoice.ID}, nil

	case domain.ActionCreateCheckout:
		session, err := s.processor.CreateCheckout(callCtx, processordomain.CreateCheckoutRequest{
			CustomerID: processorCustomerID,
			Items:      action.Items,
			Metadata:   s.metadata(actx),
		})
		if err != nil {
			return nil, err
		}
		return &actionOutcome{checkoutURL: session.URL}, nil

	default:
		return nil, fmt.Errorf("unknown action type %q", action.Type)
	}
}

// withRetry retries an idempotent processor call with linear backoff.
func (s *Service) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, processordomain.ErrSubscriptionNotFound) {
			return err
		}
	}
	return err
}

// commit applies the ledger mutations in one transaction.
func (s *Service) commit(ctx context.Context, plan *domain.AttachPlan, actx *domain.AttachContext, subscriptionID string, cancellations []pendingCancel, now time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, cancel := range cancellations {
			row, err := s.customerProducts.FindBySubscriptionID(ctx, tx, cancel.subscriptionID)
			if err != nil {
				return err
			}
			if row == nil || row.Status == cpdomain.StatusExpired {
				continue
			}
			effectiveAt := cancel.effectiveAt
			row.CanceledAt = &effectiveAt
			if err := s.customerProducts.Save(ctx, tx, row); err != nil {
				return err
			}
		}

		for _, rowID := range plan.Mutations.ExpireRows {
			row, err := s.customerProducts.FindByID(ctx, tx, actx.OrgID, rowID)
			if err != nil {
				return err
			}
			if row == nil {
				continue
			}
			row.Status = cpdomain.StatusExpired
			canceledAt := now
			row.CanceledAt = &canceledAt
			if err := s.customerProducts.Save(ctx, tx, row); err != nil {
				return err
			}
			if err := s.entitlements.DeleteByCustomerProduct(ctx, tx, actx.OrgID, row.ID); err != nil {
				return err
			}
		}

		for _, insert := range plan.Mutations.Inserts {
			row := &cpdomain.CustomerProduct{
				ID:             s.genID.Generate(),
				OrgID:          actx.OrgID,
				Env:            actx.Env,
				CustomerID:     actx.CustomerID,
				ProductID:      insert.ProductID,
				ProductGroup:   insert.ProductGroup,
				IsAddOn:        insert.IsAddOn,
				ProductVersion: insert.ProductVersion,
				Status:         insert.Status,
				StartedAt:      now,
				TrialEndsAt:    insert.TrialEndsAt,
			}
			if insert.LinkSubscription && subscriptionID != "" {
				if err := row.SetSubscriptionIDs([]string{subscriptionID}); err != nil {
					return err
				}
			}
			if err := row.SetOptions(insert.Options); err != nil {
				return err
			}
			if err := s.customerProducts.Insert(ctx, tx, row); err != nil {
				return err
			}
			if insert.Status == cpdomain.StatusActive {
				if err := s.grantEntitlements(ctx, tx, actx, row, insert, now); err != nil {
					return err
				}
			}
		}

		for _, update := range plan.Mutations.OptionUpdates {
			if err := s.applyOptionUpdate(ctx, tx, actx, update, now); err != nil {
				return err
			}
		}

		for _, update := range plan.Mutations.CustomUpdates {
			if err := s.applyCustomUpdate(ctx, tx, actx, update); err != nil {
				return err
			}
		}
		return nil
	})
}

// grantEntitlements materializes the product's entitlements into ledger rows
// for the customer.
func (s *Service) grantEntitlements(ctx context.Context, tx *gorm.DB, actx *domain.AttachContext, row *cpdomain.CustomerProduct, insert domain.NewProduct, now time.Time) error {
	configs, err := s.entitlements.ListByProducts(ctx, tx, actx.OrgID, []snowflake.ID{insert.ProductID})
	if err != nil {
		return err
	}
	if len(configs) == 0 {
		return nil
	}

	quantities := make(map[string]float64, len(insert.Options))
	for _, option := range insert.Options {
		quantities[option.FeatureCode] = option.Quantity
	}
	overrides := make(map[string]domain.CustomEntitlement, len(insert.CustomEntitlements))
	for _, custom := range insert.CustomEntitlements {
		overrides[custom.FeatureCode] = custom
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
		unlimited := cfg.Unlimited
		if override, ok := overrides[cfg.FeatureCode]; ok {
			allowance = override.Allowance
			unlimited = override.Unlimited
		}

		ledgerRow := entdomain.CustomerEntitlement{
			ID:                s.genID.Generate(),
			OrgID:             actx.OrgID,
			Env:               actx.Env,
			CustomerID:        actx.CustomerID,
			CustomerProductID: row.ID,
			EntitlementID:     cfg.ID,
			FeatureID:         cfg.FeatureID,
			FeatureCode:       cfg.FeatureCode,
			Allowance:         allowance,
			Unlimited:         unlimited,
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

// applyOptionUpdate rescales prepaid allowances to the new purchased
// quantities and adjusts the live balance by the delta.
func (s *Service) applyOptionUpdate(ctx context.Context, tx *gorm.DB, actx *domain.AttachContext, update domain.OptionsUpdate, now time.Time) error {
	row, err := s.customerProducts.FindByID(ctx, tx, actx.OrgID, update.CustomerProductID)
	if err != nil {
		return err
	}
	if row == nil {
		return cpdomain.ErrCustomerProductNotFound
	}
	if err := row.SetOptions(update.Options); err != nil {
		return err
	}
	if err := s.customerProducts.Save(ctx, tx, row); err != nil {
		return err
	}

	configs, err := s.entitlements.ListByProducts(ctx, tx, actx.OrgID, []snowflake.ID{row.ProductID})
	if err != nil {
		return err
	}
	byFeature := make(map[string]entdomain.Entitlement, len(configs))
	for _, cfg := range configs {
		byFeature[cfg.FeatureCode] = cfg
	}

	for _, option := range update.Options {
		cfg, ok := byFeature[option.FeatureCode]
		if !ok || !cfg.Prepaid {
			continue
		}
		ledgerRow, err := s.entitlements.FindByCustomerFeature(ctx, tx, actx.OrgID, actx.Env, actx.CustomerID, option.FeatureCode)
		if err != nil {
			return err
		}
		if ledgerRow == nil {
			continue
		}
		newAllowance := cfg.Allowance * option.Quantity
		delta := newAllowance - ledgerRow.Allowance
		ledgerRow.Allowance = newAllowance
		ledgerRow.Balance += delta
		if err := s.entitlements.SaveLedgerRow(ctx, tx, ledgerRow); err != nil {
			return err
		}
	}
	return nil
}

// applyCustomUpdate overrides granted allowances on existing ledger rows.
func (s *Service) applyCustomUpdate(ctx context.Context, tx *gorm.DB, actx *domain.AttachContext, update domain.CustomUpdate) error {
	for _, custom := range update.CustomEntitlements {
		ledgerRow, err := s.entitlements.FindByCustomerFeature(ctx, tx, actx.OrgID, actx.Env, actx.CustomerID, custom.FeatureCode)
		if err != nil {
			return err
		}
		if ledgerRow == nil {
			continue
		}
		delta := custom.Allowance - ledgerRow.Allowance
		ledgerRow.Allowance = custom.Allowance
		ledgerRow.Unlimited = custom.Unlimited
		ledgerRow.Balance += delta
		if err := s.entitlements.SaveLedgerRow(ctx, tx, ledgerRow); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) invalidate(ctx context.Context, actx *domain.AttachContext) {
	key := balancedomain.CacheKey(actx.CustomerID.String(), actx.OrgID.String(), actx.Env, "")
	if err := s.store.Invalidate(ctx, key); err != nil {
		s.log.Warn("cache invalidation failed after attach",
			zap.String("key", key), zap.Error(err))
	}
}

func (s *Service) metadata(actx *domain.AttachContext) map[string]string {
	return map[string]string{
		"customer_id": actx.CustomerID.String(),
		"org_id":      actx.OrgID.String(),
		"env":         actx.Env,
	}
}

// findExecution returns the committed result stored under the key, if any.
// Failed attempts are recorded but never replayed, so a retry after the
// failure clears gets to execute.
func (s *Service) findExecution(ctx context.Context, key string) (*domain.BillingResult, error) {
	var execution domain.AttachExecution
	err := s.db.WithContext(ctx).
		Where("idempotency_key = ? AND committed = ?", key, true).
		First(&execution).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var result domain.BillingResult
	if err := json.Unmarshal(execution.Result, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *Service) recordExecution(ctx context.Context, orgID snowflake.ID, env string, customerID snowflake.ID, key string, branch domain.Branch, result *domain.BillingResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	execution := domain.AttachExecution{
		ID:             s.genID.Generate(),
		OrgID:          orgID,
		Env:            env,
		CustomerID:     customerID,
		IdempotencyKey: key,
		Branch:         branch,
		Committed:      result.RequiredAction == nil,
		Result:         datatypes.JSON(raw),
	}
	// A fresh attempt may overwrite an earlier failed one under the same key;
	// a committed result is immutable for the rest of the bucket.
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"branch", "committed", "result"}),
		Where:     clause.Where{Exprs: []clause.Expression{gorm.Expr("committed = ?", false)}},
	}).Create(&execution)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("idempotency key already recorded")
	}
	return nil
}

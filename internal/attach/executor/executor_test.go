package executor

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/quotara/internal/attach/domain"
	"github.com/smallbiznis/quotara/internal/balance/cache"
	balancedomain "github.com/smallbiznis/quotara/internal/balance/domain"
	"github.com/smallbiznis/quotara/internal/clock"
	"github.com/smallbiznis/quotara/internal/config"
	custdomain "github.com/smallbiznis/quotara/internal/customer/domain"
	customerrepo "github.com/smallbiznis/quotara/internal/customer/repository"
	cpdomain "github.com/smallbiznis/quotara/internal/customerproduct/domain"
	cprepo "github.com/smallbiznis/quotara/internal/customerproduct/repository"
	entdomain "github.com/smallbiznis/quotara/internal/entitlement/domain"
	entrepo "github.com/smallbiznis/quotara/internal/entitlement/repository"
	"github.com/smallbiznis/quotara/internal/orgcontext"
	"github.com/smallbiznis/quotara/internal/processor/adapters/fake"
	processordomain "github.com/smallbiznis/quotara/internal/processor/domain"
	productdomain "github.com/smallbiznis/quotara/internal/product/domain"
	productrepo "github.com/smallbiznis/quotara/internal/product/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db        *gorm.DB
	node      *snowflake.Node
	clk       *clock.FakeClock
	store     balancedomain.Store
	processor *fake.Client
	svc       *Service
	orgID     snowflake.ID
	custID    snowflake.ID
	baseCtx   context.Context
}

func setupExecutor(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&custdomain.Customer{},
		&productdomain.Product{},
		&productdomain.Price{},
		&entdomain.Entitlement{},
		&entdomain.CustomerEntitlement{},
		&cpdomain.CustomerProduct{},
		&domain.AttachExecution{},
	))

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	processor := fake.NewClient()

	f := &fixture{
		db:        db,
		node:      node,
		clk:       clk,
		store:     cache.NewMemoryStore(),
		processor: processor,
		orgID:     node.Generate(),
		custID:    node.Generate(),
	}
	f.svc = New(ServiceParam{
		Log:              zap.NewNop(),
		DB:               db,
		Config:           config.Config{AttachLockTTL: 30 * time.Second, ProcessorTimeout: 5 * time.Second},
		Clock:            clk,
		GenID:            node,
		Processor:        processor,
		Customers:        customerrepo.New(),
		Products:         productrepo.New(),
		CustomerProducts: cprepo.New(),
		Entitlements:     entrepo.New(),
		Store:            f.store,
	})
	f.baseCtx = orgcontext.WithEnv(orgcontext.WithOrgID(context.Background(), int64(f.orgID)), orgcontext.EnvLive)

	require.NoError(t, db.Create(&custdomain.Customer{
		ID: f.custID, OrgID: f.orgID, Env: "live", Name: "acme",
		ProcessorCustomerID: "cus_acme", HasPaymentMethod: true,
	}).Error)
	return f
}

func (f *fixture) seedProduct(t *testing.T, code, group string, version int, amount float64) productdomain.Product {
	t.Helper()
	product := productdomain.Product{
		ID: f.node.Generate(), OrgID: f.orgID, Code: code, Name: code,
		Group: group, Version: version,
	}
	require.NoError(t, f.db.Create(&product).Error)
	price := productdomain.Price{
		ID: f.node.Generate(), OrgID: f.orgID, ProductID: product.ID,
		Amount: amount, Interval: productdomain.IntervalMonth,
		ProcessorPriceID: "price_" + code,
	}
	require.NoError(t, f.db.Create(&price).Error)
	return product
}

func (f *fixture) seedEntitlement(t *testing.T, productID snowflake.ID, featureCode string, allowance float64) entdomain.Entitlement {
	t.Helper()
	ent := entdomain.Entitlement{
		ID: f.node.Generate(), OrgID: f.orgID, ProductID: productID,
		FeatureID: f.node.Generate(), FeatureCode: featureCode,
		Allowance: allowance, ResetInterval: entdomain.ResetIntervalMonth,
	}
	require.NoError(t, f.db.Create(&ent).Error)
	return ent
}

func (f *fixture) activeRow(t *testing.T, product productdomain.Product, subscriptionID string) cpdomain.CustomerProduct {
	t.Helper()
	row := cpdomain.CustomerProduct{
		ID: f.node.Generate(), OrgID: f.orgID, Env: "live", CustomerID: f.custID,
		ProductID: product.ID, ProductGroup: product.Group,
		ProductVersion: product.Version, Status: cpdomain.StatusActive,
		StartedAt: f.clk.Now().AddDate(0, -1, 0),
	}
	if subscriptionID != "" {
		require.NoError(t, row.SetSubscriptionIDs([]string{subscriptionID}))
	}
	require.NoError(t, f.db.Create(&row).Error)
	return row
}

func processorCreate(customerID, priceID string) processordomain.CreateSubscriptionRequest {
	return processordomain.CreateSubscriptionRequest{
		CustomerID: customerID,
		Items:      []processordomain.SubscriptionItem{{PriceID: priceID, Quantity: 1}},
	}
}

func (f *fixture) rows(t *testing.T) []cpdomain.CustomerProduct {
	t.Helper()
	var rows []cpdomain.CustomerProduct
	require.NoError(t, f.db.Where("customer_id = ?", f.custID).Order("id").Find(&rows).Error)
	return rows
}

func TestAttach_NewProductCreatesSubscriptionAndGrants(t *testing.T) {
	f := setupExecutor(t)
	product := f.seedProduct(t, "pro", "plans", 1, 50)
	f.seedEntitlement(t, product.ID, "api_calls", 1000)

	result, err := f.svc.Attach(f.baseCtx, AttachRequest{
		CustomerID: f.custID.String(),
		ProductIDs: []string{product.ID.String()},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.BranchNew, result.Code)
	assert.Nil(t, result.RequiredAction)
	assert.NotEmpty(t, result.SubscriptionID)
	assert.Equal(t, []string{"create_subscription"}, f.processor.Actions())

	rows := f.rows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, cpdomain.StatusActive, rows[0].Status)
	ids, err := rows[0].SubscriptionIDList()
	require.NoError(t, err)
	assert.Equal(t, []string{result.SubscriptionID}, ids)

	var ledger entdomain.CustomerEntitlement
	require.NoError(t, f.db.Where("customer_id = ? AND feature_code = ?", f.custID, "api_calls").First(&ledger).Error)
	assert.Equal(t, float64(1000), ledger.Allowance)
	assert.Equal(t, float64(1000), ledger.Balance)
	require.NotNil(t, ledger.NextResetAt)
	assert.Equal(t, f.clk.Now().AddDate(0, 1, 0), ledger.NextResetAt.UTC())
}

// A customer on the free plan attaching a paid one with a card on file gets a
// subscription right away and the free row is expired.
func TestAttach_FreeToPaid(t *testing.T) {
	f := setupExecutor(t)
	free := f.seedProduct(t, "free", "plans", 1, 0)
	freeEnt := f.seedEntitlement(t, free.ID, "api_calls", 100)
	paid := f.seedProduct(t, "pro", "plans", 1, 50)
	f.seedEntitlement(t, paid.ID, "api_calls", 1000)

	freeRow := f.activeRow(t, free, "")
	require.NoError(t, f.db.Create(&entdomain.CustomerEntitlement{
		ID: f.node.Generate(), OrgID: f.orgID, Env: "live", CustomerID: f.custID,
		CustomerProductID: freeRow.ID, EntitlementID: freeEnt.ID,
		FeatureID: freeEnt.FeatureID, FeatureCode: "api_calls",
		Allowance: 100, Balance: 40, Usage: 60,
	}).Error)

	result, err := f.svc.Attach(f.baseCtx, AttachRequest{
		CustomerID: f.custID.String(),
		ProductIDs: []string{paid.ID.String()},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.BranchMainIsFree, result.Code)
	assert.Nil(t, result.RequiredAction)
	assert.Equal(t, []string{"create_subscription"}, f.processor.Actions())

	rows := f.rows(t)
	require.Len(t, rows, 2)
	assert.Equal(t, cpdomain.StatusExpired, rows[0].Status)
	assert.NotNil(t, rows[0].CanceledAt)
	assert.Equal(t, cpdomain.StatusActive, rows[1].Status)

	// The free plan's ledger rows are gone; the paid grant replaces them.
	var ledgers []entdomain.CustomerEntitlement
	require.NoError(t, f.db.Where("customer_id = ?", f.custID).Find(&ledgers).Error)
	require.Len(t, ledgers, 1)
	assert.Equal(t, float64(1000), ledgers[0].Allowance)
}

// Moving to a pricier plan on the same group updates the subscription in
// place with an immediate proration.
func TestAttach_Upgrade(t *testing.T) {
	f := setupExecutor(t)
	pro := f.seedProduct(t, "pro", "plans", 1, 50)
	business := f.seedProduct(t, "business", "plans", 1, 90)
	f.seedEntitlement(t, business.ID, "api_calls", 5000)

	sub, err := f.processor.CreateSubscription(context.Background(), processorCreate("cus_acme", "price_pro"))
	require.NoError(t, err)
	f.activeRow(t, pro, sub.ID)

	result, err := f.svc.Attach(f.baseCtx, AttachRequest{
		CustomerID: f.custID.String(),
		ProductIDs: []string{business.ID.String()},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.BranchUpgrade, result.Code)
	assert.Nil(t, result.RequiredAction)
	assert.Equal(t, sub.ID, result.SubscriptionID)
	assert.Equal(t, []string{"create_subscription", "update_subscription"}, f.processor.Actions())

	rows := f.rows(t)
	require.Len(t, rows, 2)
	assert.Equal(t, cpdomain.StatusExpired, rows[0].Status)
	assert.Equal(t, cpdomain.StatusActive, rows[1].Status)
	assert.Equal(t, business.ID, rows[1].ProductID)
}

func TestAttach_DowngradeSchedulesSwitch(t *testing.T) {
	f := setupExecutor(t)
	business := f.seedProduct(t, "business", "plans", 1, 90)
	pro := f.seedProduct(t, "pro", "plans", 1, 50)

	sub, err := f.processor.CreateSubscription(context.Background(), processorCreate("cus_acme", "price_business"))
	require.NoError(t, err)
	f.activeRow(t, business, sub.ID)

	result, err := f.svc.Attach(f.baseCtx, AttachRequest{
		CustomerID: f.custID.String(),
		ProductIDs: []string{pro.ID.String()},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.BranchDowngrade, result.Code)
	assert.Nil(t, result.RequiredAction)

	// The current plan stays active until the cycle ends; the cheaper one
	// waits as scheduled.
	rows := f.rows(t)
	require.Len(t, rows, 2)
	assert.Equal(t, cpdomain.StatusActive, rows[0].Status)
	assert.Equal(t, cpdomain.StatusScheduled, rows[1].Status)

	current, err := f.processor.GetSubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	require.NotNil(t, current.CancelAt)

	// The processor's period-end boundary lands on the active row so the
	// expiry sweep retires it once the paid period runs out.
	require.NotNil(t, rows[0].CanceledAt)
	assert.WithinDuration(t, *current.CancelAt, *rows[0].CanceledAt, time.Second)
}

func TestAttach_NoPaymentMethodGoesThroughCheckout(t *testing.T) {
	f := setupExecutor(t)
	require.NoError(t, f.db.Model(&custdomain.Customer{}).
		Where("id = ?", f.custID).
		Update("has_payment_method", false).Error)
	product := f.seedProduct(t, "pro", "plans", 1, 50)
	f.seedEntitlement(t, product.ID, "api_calls", 1000)

	result, err := f.svc.Attach(f.baseCtx, AttachRequest{
		CustomerID: f.custID.String(),
		ProductIDs: []string{product.ID.String()},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.BranchNew, result.Code)
	assert.NotEmpty(t, result.CheckoutURL)
	assert.Empty(t, result.SubscriptionID)

	rows := f.rows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, cpdomain.StatusScheduled, rows[0].Status)

	// Scheduled products grant nothing until checkout completes.
	var count int64
	require.NoError(t, f.db.Model(&entdomain.CustomerEntitlement{}).
		Where("customer_id = ?", f.custID).Count(&count).Error)
	assert.Zero(t, count)
}

func TestAttach_ProcessorFailureSurfacesRequiredAction(t *testing.T) {
	f := setupExecutor(t)
	product := f.seedProduct(t, "pro", "plans", 1, 50)
	f.seedEntitlement(t, product.ID, "api_calls", 1000)
	f.processor.FailNext("create_subscription", 1)

	result, err := f.svc.Attach(f.baseCtx, AttachRequest{
		CustomerID: f.custID.String(),
		ProductIDs: []string{product.ID.String()},
	})
	require.NoError(t, err)
	require.NotNil(t, result.RequiredAction)
	assert.Equal(t, domain.ActionCreateSubscription, result.RequiredAction.Action)
	assert.Equal(t, "processor_action_failed", result.RequiredAction.Code)

	// Nothing committed to the ledger.
	assert.Empty(t, f.rows(t))
	var count int64
	require.NoError(t, f.db.Model(&entdomain.CustomerEntitlement{}).
		Where("customer_id = ?", f.custID).Count(&count).Error)
	assert.Zero(t, count)
}

// A failed attempt must not hold the idempotency bucket. Once the processor
// recovers, a retry in the same bucket executes for real and commits.
func TestAttach_RetryAfterProcessorFailureExecutes(t *testing.T) {
	f := setupExecutor(t)
	product := f.seedProduct(t, "pro", "plans", 1, 50)
	f.seedEntitlement(t, product.ID, "api_calls", 1000)
	f.processor.FailNext("create_subscription", 1)

	first, err := f.svc.Attach(f.baseCtx, AttachRequest{
		CustomerID: f.custID.String(),
		ProductIDs: []string{product.ID.String()},
	})
	require.NoError(t, err)
	require.NotNil(t, first.RequiredAction)

	f.clk.Advance(5 * time.Minute)
	second, err := f.svc.Attach(f.baseCtx, AttachRequest{
		CustomerID: f.custID.String(),
		ProductIDs: []string{product.ID.String()},
	})
	require.NoError(t, err)
	assert.Nil(t, second.RequiredAction)
	assert.NotEmpty(t, second.SubscriptionID)

	rows := f.rows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, cpdomain.StatusActive, rows[0].Status)
	var count int64
	require.NoError(t, f.db.Model(&entdomain.CustomerEntitlement{}).
		Where("customer_id = ?", f.custID).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	// The committed result now holds the bucket; a third call replays it.
	f.clk.Advance(5 * time.Minute)
	third, err := f.svc.Attach(f.baseCtx, AttachRequest{
		CustomerID: f.custID.String(),
		ProductIDs: []string{product.ID.String()},
	})
	require.NoError(t, err)
	assert.Equal(t, second.SubscriptionID, third.SubscriptionID)
	assert.Equal(t, []string{"create_subscription", "create_subscription"}, f.processor.Actions())
}

func TestAttach_UpdateRetriesTransientFailure(t *testing.T) {
	f := setupExecutor(t)
	pro := f.seedProduct(t, "pro", "plans", 1, 50)
	business := f.seedProduct(t, "business", "plans", 1, 90)

	sub, err := f.processor.CreateSubscription(context.Background(), processorCreate("cus_acme", "price_pro"))
	require.NoError(t, err)
	f.activeRow(t, pro, sub.ID)
	f.processor.FailNext("update_subscription", 1)

	result, err := f.svc.Attach(f.baseCtx, AttachRequest{
		CustomerID: f.custID.String(),
		ProductIDs: []string{business.ID.String()},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.BranchUpgrade, result.Code)
	assert.Nil(t, result.RequiredAction)
	assert.Equal(t,
		[]string{"create_subscription", "update_subscription", "update_subscription"},
		f.processor.Actions())
}

func TestAttach_ReplaysResultWithinIdempotencyBucket(t *testing.T) {
	f := setupExecutor(t)
	product := f.seedProduct(t, "pro", "plans", 1, 50)

	first, err := f.svc.Attach(f.baseCtx, AttachRequest{
		CustomerID: f.custID.String(),
		ProductIDs: []string{product.ID.String()},
	})
	require.NoError(t, err)

	f.clk.Advance(10 * time.Minute)
	second, err := f.svc.Attach(f.baseCtx, AttachRequest{
		CustomerID: f.custID.String(),
		ProductIDs: []string{product.ID.String()},
	})
	require.NoError(t, err)

	assert.Equal(t, first.SubscriptionID, second.SubscriptionID)
	assert.Equal(t, []string{"create_subscription"}, f.processor.Actions())
	assert.Len(t, f.rows(t), 1)
}

func TestAttach_NewBucketExecutesAgain(t *testing.T) {
	f := setupExecutor(t)
	product := f.seedProduct(t, "pro", "plans", 1, 50)

	_, err := f.svc.Attach(f.baseCtx, AttachRequest{
		CustomerID: f.custID.String(),
		ProductIDs: []string{product.ID.String()},
	})
	require.NoError(t, err)

	f.clk.Advance(2 * time.Hour)
	_, err = f.svc.Attach(f.baseCtx, AttachRequest{
		CustomerID: f.custID.String(),
		ProductIDs: []string{product.ID.String()},
	})
	require.NoError(t, err)
	assert.Len(t, f.processor.Actions(), 2)
}

func TestAttach_UnknownCustomer(t *testing.T) {
	f := setupExecutor(t)
	product := f.seedProduct(t, "pro", "plans", 1, 50)

	_, err := f.svc.Attach(f.baseCtx, AttachRequest{
		CustomerID: f.node.Generate().String(),
		ProductIDs: []string{product.ID.String()},
	})
	assert.ErrorIs(t, err, custdomain.ErrCustomerNotFound)
}

func TestAttach_UnknownProduct(t *testing.T) {
	f := setupExecutor(t)

	_, err := f.svc.Attach(f.baseCtx, AttachRequest{
		CustomerID: f.custID.String(),
		ProductIDs: []string{f.node.Generate().String()},
	})
	assert.ErrorIs(t, err, productdomain.ErrProductNotFound)
}

func TestIdempotencyKey_SharesHourBucket(t *testing.T) {
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	customerID := node.Generate()
	orgID := node.Generate()

	at := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	later := time.Date(2026, 3, 1, 12, 55, 0, 0, time.UTC)
	nextHour := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)

	assert.Equal(t,
		IdempotencyKey(customerID, orgID, "live", at),
		IdempotencyKey(customerID, orgID, "live", later))
	assert.NotEqual(t,
		IdempotencyKey(customerID, orgID, "live", at),
		IdempotencyKey(customerID, orgID, "live", nextHour))
	assert.NotEqual(t,
		IdempotencyKey(customerID, orgID, "live", at),
		IdempotencyKey(customerID, orgID, "test", at))
}

package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/quotara/internal/balance/cache"
	"github.com/smallbiznis/quotara/internal/balance/domain"
	"github.com/smallbiznis/quotara/internal/clock"
	"github.com/smallbiznis/quotara/internal/config"
	custdomain "github.com/smallbiznis/quotara/internal/customer/domain"
	customerrepo "github.com/smallbiznis/quotara/internal/customer/repository"
	entdomain "github.com/smallbiznis/quotara/internal/entitlement/domain"
	entrepo "github.com/smallbiznis/quotara/internal/entitlement/repository"
	featuredomain "github.com/smallbiznis/quotara/internal/feature/domain"
	featurerepo "github.com/smallbiznis/quotara/internal/feature/repository"
	featureservice "github.com/smallbiznis/quotara/internal/feature/service"
	"github.com/smallbiznis/quotara/internal/orgcontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type fixture struct {
	db      *gorm.DB
	node    *snowflake.Node
	clk     *clock.FakeClock
	store   domain.Store
	svc     domain.Service
	orgID   snowflake.ID
	custID  snowflake.ID
	baseCtx context.Context
}

func setupService(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&featuredomain.Feature{},
		&custdomain.Customer{},
		&entdomain.CustomerEntitlement{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := cache.NewMemoryStore()
	log := zap.NewNop()

	svc := New(ServiceParam{
		Log:          log,
		DB:           db,
		Config:       config.Config{BalanceCacheTTL: time.Hour},
		Clock:        clk,
		Store:        store,
		Features:     featureservice.NewService(featureservice.ServiceParam{DB: db, Log: log, Repo: featurerepo.New()}),
		Entitlements: entrepo.New(),
		Customers:    customerrepo.New(),
	})

	f := &fixture{
		db:     db,
		node:   node,
		clk:    clk,
		store:  store,
		svc:    svc,
		orgID:  node.Generate(),
		custID: node.Generate(),
	}
	f.baseCtx = orgcontext.WithEnv(orgcontext.WithOrgID(context.Background(), int64(f.orgID)), orgcontext.EnvLive)

	require.NoError(t, db.Create(&custdomain.Customer{
		ID: f.custID, OrgID: f.orgID, Env: "live", Name: "acme",
	}).Error)
	return f
}

func (f *fixture) seedFeature(t *testing.T, code string, usageType featuredomain.UsageType, schema []featuredomain.CreditSchemaItem) {
	t.Helper()
	feature := featuredomain.Feature{
		ID: f.node.Generate(), OrgID: f.orgID, Code: code, Name: code, UsageType: usageType,
	}
	if schema != nil {
		raw, err := json.Marshal(schema)
		require.NoError(t, err)
		feature.CreditSchema = datatypes.JSON(raw)
	}
	require.NoError(t, f.db.Create(&feature).Error)
}

func (f *fixture) seedLedgerRow(t *testing.T, row entdomain.CustomerEntitlement) *entdomain.CustomerEntitlement {
	t.Helper()
	row.ID = f.node.Generate()
	row.OrgID = f.orgID
	row.Env = "live"
	row.CustomerID = f.custID
	if row.CustomerProductID == 0 {
		row.CustomerProductID = f.node.Generate()
	}
	if row.EntitlementID == 0 {
		row.EntitlementID = f.node.Generate()
	}
	if row.FeatureID == 0 {
		row.FeatureID = f.node.Generate()
	}
	require.NoError(t, f.db.Create(&row).Error)
	return &row
}

func (f *fixture) ledgerRow(t *testing.T, code string) *entdomain.CustomerEntitlement {
	t.Helper()
	var row entdomain.CustomerEntitlement
	require.NoError(t, f.db.Where("feature_code = ?", code).First(&row).Error)
	return &row
}

func TestDeduct_SeedsOnMissAndApplies(t *testing.T) {
	f := setupService(t)
	f.seedFeature(t, "api_calls", featuredomain.UsageTypeSingleUse, nil)
	f.seedLedgerRow(t, entdomain.CustomerEntitlement{
		FeatureCode: "api_calls", Allowance: 100, Balance: 100,
	})

	resp, err := f.svc.Deduct(f.baseCtx, domain.DeductRequest{
		CustomerID: f.custID.String(), FeatureID: "api_calls", Value: 30,
	})
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
	assert.Equal(t, 70.0, resp.Balance)

	// Second event hits the warm cache.
	resp, err = f.svc.Deduct(f.baseCtx, domain.DeductRequest{
		CustomerID: f.custID.String(), FeatureID: "api_calls", Value: 30,
	})
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
	assert.Equal(t, 40.0, resp.Balance)

	// Ledger reflects the deductions so a rebuild reproduces the balance.
	row := f.ledgerRow(t, "api_calls")
	assert.Equal(t, 40.0, row.Balance)
	assert.Equal(t, 60.0, row.Usage)
}

func TestDeduct_DeniesWhenInsufficient(t *testing.T) {
	f := setupService(t)
	f.seedFeature(t, "api_calls", featuredomain.UsageTypeSingleUse, nil)
	f.seedLedgerRow(t, entdomain.CustomerEntitlement{
		FeatureCode: "api_calls", Allowance: 10, Balance: 10,
	})

	resp, err := f.svc.Deduct(f.baseCtx, domain.DeductRequest{
		CustomerID: f.custID.String(), FeatureID: "api_calls", Value: 11,
	})
	require.NoError(t, err)
	assert.False(t, resp.Allowed)
	assert.Equal(t, 10.0, resp.Balance)

	// Denied events must not mutate anything.
	row := f.ledgerRow(t, "api_calls")
	assert.Equal(t, 10.0, row.Balance)
	assert.Equal(t, 0.0, row.Usage)
}

func TestDeduct_OverageGoesNegative(t *testing.T) {
	f := setupService(t)
	f.seedFeature(t, "api_calls", featuredomain.UsageTypeSingleUse, nil)
	f.seedLedgerRow(t, entdomain.CustomerEntitlement{
		FeatureCode: "api_calls", Allowance: 10, Balance: 10, OverageAllowed: true,
	})

	resp, err := f.svc.Deduct(f.baseCtx, domain.DeductRequest{
		CustomerID: f.custID.String(), FeatureID: "api_calls", Value: 25,
	})
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
	assert.Equal(t, -15.0, resp.Balance)
}

func TestDeduct_UnlimitedNeverDenies(t *testing.T) {
	f := setupService(t)
	f.seedFeature(t, "api_calls", featuredomain.UsageTypeSingleUse, nil)
	f.seedLedgerRow(t, entdomain.CustomerEntitlement{
		FeatureCode: "api_calls", Unlimited: true,
	})

	resp, err := f.svc.Deduct(f.baseCtx, domain.DeductRequest{
		CustomerID: f.custID.String(), FeatureID: "api_calls", Value: 1e9,
	})
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
	assert.True(t, resp.Unlimited)
}

func TestDeduct_ConsumesRolloversNearestExpiryFirst(t *testing.T) {
	f := setupService(t)
	f.seedFeature(t, "api_calls", featuredomain.UsageTypeSingleUse, nil)
	now := f.clk.Now()
	row := entdomain.CustomerEntitlement{
		FeatureCode: "api_calls", Allowance: 100, Balance: 130,
	}
	require.NoError(t, row.SetRollovers([]entdomain.Rollover{
		{ID: "r-late", Balance: 20, ExpiresAt: now.Add(48 * time.Hour)},
		{ID: "r-soon", Balance: 10, ExpiresAt: now.Add(24 * time.Hour)},
	}))
	f.seedLedgerRow(t, row)

	resp, err := f.svc.Deduct(f.baseCtx, domain.DeductRequest{
		CustomerID: f.custID.String(), FeatureID: "api_calls", Value: 15,
	})
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
	assert.Equal(t, 115.0, resp.Balance)
	assert.Equal(t, 15.0, resp.FromRollovers)

	saved := f.ledgerRow(t, "api_calls")
	rollovers, err := saved.RolloverList()
	require.NoError(t, err)
	require.Len(t, rollovers, 2)
	// Nearest expiry drained first, then the later one.
	assert.Equal(t, "r-soon", rollovers[0].ID)
	assert.Equal(t, 0.0, rollovers[0].Balance)
	assert.Equal(t, 15.0, rollovers[1].Balance)
}

func TestDeduct_ExpiredRolloverDoesNotCount(t *testing.T) {
	f := setupService(t)
	f.seedFeature(t, "api_calls", featuredomain.UsageTypeSingleUse, nil)
	now := f.clk.Now()
	row := entdomain.CustomerEntitlement{
		FeatureCode: "api_calls", Allowance: 10, Balance: 40,
	}
	require.NoError(t, row.SetRollovers([]entdomain.Rollover{
		{ID: "r-dead", Balance: 30, ExpiresAt: now.Add(-time.Hour)},
	}))
	f.seedLedgerRow(t, row)

	// Only the base 10 is spendable.
	resp, err := f.svc.Deduct(f.baseCtx, domain.DeductRequest{
		CustomerID: f.custID.String(), FeatureID: "api_calls", Value: 11,
	})
	require.NoError(t, err)
	assert.False(t, resp.Allowed)

	resp, err = f.svc.Deduct(f.baseCtx, domain.DeductRequest{
		CustomerID: f.custID.String(), FeatureID: "api_calls", Value: 10,
	})
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
	assert.Equal(t, 0.0, resp.Balance)
	assert.Equal(t, 0.0, resp.FromRollovers)
}

func TestDeduct_CreditConversion(t *testing.T) {
	f := setupService(t)
	f.seedFeature(t, "image_gen", featuredomain.UsageTypeSingleUse, nil)
	f.seedFeature(t, "credits", featuredomain.UsageTypeCreditSystem, []featuredomain.CreditSchemaItem{
		{MeteredFeatureCode: "image_gen", CreditCost: 5},
	})
	f.seedLedgerRow(t, entdomain.CustomerEntitlement{
		FeatureCode: "credits", Allowance: 100, Balance: 100,
	})

	resp, err := f.svc.Deduct(f.baseCtx, domain.DeductRequest{
		CustomerID: f.custID.String(), FeatureID: "image_gen", Value: 3,
	})
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
	assert.Equal(t, 15.0, resp.CreditsUsed)
	assert.Equal(t, 85.0, resp.Balance)

	row := f.ledgerRow(t, "credits")
	assert.Equal(t, 85.0, row.Balance)
}

func TestDeduct_BooleanFeature(t *testing.T) {
	f := setupService(t)
	f.seedFeature(t, "sso", featuredomain.UsageTypeBoolean, nil)
	f.seedLedgerRow(t, entdomain.CustomerEntitlement{FeatureCode: "sso"})

	resp, err := f.svc.Deduct(f.baseCtx, domain.DeductRequest{
		CustomerID: f.custID.String(), FeatureID: "sso", Value: 1,
	})
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
}

func TestDeduct_UnknownFeature(t *testing.T) {
	f := setupService(t)

	_, err := f.svc.Deduct(f.baseCtx, domain.DeductRequest{
		CustomerID: f.custID.String(), FeatureID: "nope", Value: 1,
	})
	assert.ErrorIs(t, err, featuredomain.ErrFeatureNotFound)
}

func TestDeduct_UnknownCustomer(t *testing.T) {
	f := setupService(t)
	f.seedFeature(t, "api_calls", featuredomain.UsageTypeSingleUse, nil)

	_, err := f.svc.Deduct(f.baseCtx, domain.DeductRequest{
		CustomerID: f.node.Generate().String(), FeatureID: "api_calls", Value: 1,
	})
	assert.ErrorIs(t, err, custdomain.ErrCustomerNotFound)
}

func TestDeduct_EntityScopedBalances(t *testing.T) {
	f := setupService(t)
	f.seedFeature(t, "seats_msgs", featuredomain.UsageTypeSingleUse, nil)
	row := entdomain.CustomerEntitlement{
		FeatureCode: "seats_msgs", Allowance: 50, EntityScoped: true,
	}
	require.NoError(t, row.SetEntityMap(map[string]entdomain.EntityBalance{
		"seat-1": {Balance: 20, Usage: 30},
	}))
	f.seedLedgerRow(t, row)

	// Known entity spends from its own sub-balance.
	resp, err := f.svc.Deduct(f.baseCtx, domain.DeductRequest{
		CustomerID: f.custID.String(), FeatureID: "seats_msgs", EntityID: "seat-1", Value: 5,
	})
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
	assert.Equal(t, 15.0, resp.Balance)

	// A new entity is granted the per-entity allowance on first sight.
	resp, err = f.svc.Deduct(f.baseCtx, domain.DeductRequest{
		CustomerID: f.custID.String(), FeatureID: "seats_msgs", EntityID: "seat-2", Value: 10,
	})
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
	assert.Equal(t, 40.0, resp.Balance)

	saved := f.ledgerRow(t, "seats_msgs")
	entities, err := saved.EntityMap()
	require.NoError(t, err)
	assert.Equal(t, 15.0, entities["seat-1"].Balance)
	assert.Equal(t, 40.0, entities["seat-2"].Balance)
}

func TestDeduct_ConcurrentNoDoubleSpend(t *testing.T) {
	f := setupService(t)
	f.seedFeature(t, "api_calls", featuredomain.UsageTypeSingleUse, nil)
	f.seedLedgerRow(t, entdomain.CustomerEntitlement{
		FeatureCode: "api_calls", Allowance: 100, Balance: 100,
	})

	// Warm the cache so every goroutine races on the same snapshot.
	_, err := f.svc.Deduct(f.baseCtx, domain.DeductRequest{
		CustomerID: f.custID.String(), FeatureID: "api_calls", Value: 1,
	})
	require.NoError(t, err)

	const workers = 40
	var wg sync.WaitGroup
	allowed := make([]bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := f.svc.Deduct(f.baseCtx, domain.DeductRequest{
				CustomerID: f.custID.String(), FeatureID: "api_calls", Value: 5,
			})
			if err == nil {
				allowed[i] = resp.Allowed
			}
		}(i)
	}
	wg.Wait()

	var granted int
	for _, ok := range allowed {
		if ok {
			granted++
		}
	}
	// 99 remained after the warmup, so at most 19 deductions of 5 fit.
	assert.Equal(t, 19, granted)

	key := domain.CacheKey(f.custID.String(), f.orgID.String(), "live", "")
	snapshot, err := f.store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, 4.0, snapshot.Features["api_calls"].Balance)

	// The ledger row matches the cache: write-backs compose as deltas, so no
	// interleaving can resurrect spent balance on the next reseed.
	row := f.ledgerRow(t, "api_calls")
	assert.Equal(t, 4.0, row.Balance)
	assert.Equal(t, 96.0, row.Usage)
}

func TestCheck_DoesNotMutate(t *testing.T) {
	f := setupService(t)
	f.seedFeature(t, "api_calls", featuredomain.UsageTypeSingleUse, nil)
	f.seedLedgerRow(t, entdomain.CustomerEntitlement{
		FeatureCode: "api_calls", Allowance: 10, Balance: 10,
	})

	resp, err := f.svc.Check(f.baseCtx, domain.CheckRequest{
		CustomerID: f.custID.String(), FeatureID: "api_calls", RequiredBalance: 10,
	})
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
	assert.Equal(t, 10.0, resp.Balance)

	resp, err = f.svc.Check(f.baseCtx, domain.CheckRequest{
		CustomerID: f.custID.String(), FeatureID: "api_calls", RequiredBalance: 11,
	})
	require.NoError(t, err)
	assert.False(t, resp.Allowed)
	assert.Equal(t, 10.0, resp.Balance)
}

func TestCheck_NotEntitledFeature(t *testing.T) {
	f := setupService(t)
	f.seedFeature(t, "api_calls", featuredomain.UsageTypeSingleUse, nil)

	resp, err := f.svc.Check(f.baseCtx, domain.CheckRequest{
		CustomerID: f.custID.String(), FeatureID: "api_calls",
	})
	require.NoError(t, err)
	assert.False(t, resp.Allowed)
}

func TestSet_PinsBalanceAndDropsRollovers(t *testing.T) {
	f := setupService(t)
	f.seedFeature(t, "api_calls", featuredomain.UsageTypeSingleUse, nil)
	now := f.clk.Now()
	row := entdomain.CustomerEntitlement{
		FeatureCode: "api_calls", Allowance: 100, Balance: 120, Usage: 0,
	}
	require.NoError(t, row.SetRollovers([]entdomain.Rollover{
		{ID: "r1", Balance: 20, ExpiresAt: now.Add(24 * time.Hour)},
	}))
	f.seedLedgerRow(t, row)

	resp, err := f.svc.Set(f.baseCtx, domain.SetRequest{
		CustomerID: f.custID.String(), FeatureID: "api_calls", Value: 42,
	})
	require.NoError(t, err)
	assert.Equal(t, 42.0, resp.Balance)

	saved := f.ledgerRow(t, "api_calls")
	assert.Equal(t, 42.0, saved.Balance)
	assert.Equal(t, 58.0, saved.Usage)
	rollovers, err := saved.RolloverList()
	require.NoError(t, err)
	assert.Empty(t, rollovers)

	// Next deduction sees the pinned balance.
	dresp, err := f.svc.Deduct(f.baseCtx, domain.DeductRequest{
		CustomerID: f.custID.String(), FeatureID: "api_calls", Value: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, 40.0, dresp.Balance)
}

// Pinning above the granted allowance is an operator credit: usage drops to
// zero and the surplus is spendable until the next reset rebases the row.
func TestSet_AboveAllowanceGrantsOperatorCredit(t *testing.T) {
	f := setupService(t)
	f.seedFeature(t, "api_calls", featuredomain.UsageTypeSingleUse, nil)
	f.seedLedgerRow(t, entdomain.CustomerEntitlement{
		FeatureCode: "api_calls", Allowance: 100, Balance: 20, Usage: 80,
	})

	resp, err := f.svc.Set(f.baseCtx, domain.SetRequest{
		CustomerID: f.custID.String(), FeatureID: "api_calls", Value: 150,
	})
	require.NoError(t, err)
	assert.Equal(t, 150.0, resp.Balance)

	saved := f.ledgerRow(t, "api_calls")
	assert.Equal(t, 150.0, saved.Balance)
	assert.Equal(t, 0.0, saved.Usage)

	dresp, err := f.svc.Deduct(f.baseCtx, domain.DeductRequest{
		CustomerID: f.custID.String(), FeatureID: "api_calls", Value: 120,
	})
	require.NoError(t, err)
	assert.True(t, dresp.Allowed)
	assert.Equal(t, 30.0, dresp.Balance)
}

func TestListBalances(t *testing.T) {
	f := setupService(t)
	f.seedFeature(t, "api_calls", featuredomain.UsageTypeSingleUse, nil)
	f.seedFeature(t, "seats_msgs", featuredomain.UsageTypeSingleUse, nil)
	f.seedLedgerRow(t, entdomain.CustomerEntitlement{
		FeatureCode: "api_calls", Allowance: 100, Balance: 60, Usage: 40,
	})
	row := entdomain.CustomerEntitlement{
		FeatureCode: "seats_msgs", Allowance: 50, EntityScoped: true,
	}
	require.NoError(t, row.SetEntityMap(map[string]entdomain.EntityBalance{
		"seat-1": {Balance: 20, Usage: 30},
		"seat-2": {Balance: 50},
	}))
	f.seedLedgerRow(t, row)

	views, err := f.svc.ListBalances(f.baseCtx, f.custID.String())
	require.NoError(t, err)
	require.Len(t, views, 2)

	byFeature := make(map[string]domain.BalanceView, len(views))
	for _, v := range views {
		byFeature[v.FeatureID] = v
	}
	assert.Equal(t, 60.0, byFeature["api_calls"].Balance)
	assert.Equal(t, 70.0, byFeature["seats_msgs"].Balance)
	assert.Equal(t, 30.0, byFeature["seats_msgs"].Usage)
}

func TestRefresh_DropsCustomerAndEntityKeys(t *testing.T) {
	f := setupService(t)
	f.seedFeature(t, "seats_msgs", featuredomain.UsageTypeSingleUse, nil)
	row := entdomain.CustomerEntitlement{
		FeatureCode: "seats_msgs", Allowance: 50, EntityScoped: true,
	}
	require.NoError(t, row.SetEntityMap(map[string]entdomain.EntityBalance{
		"seat-1": {Balance: 50},
	}))
	f.seedLedgerRow(t, row)

	// Warm the entity key.
	_, err := f.svc.Deduct(f.baseCtx, domain.DeductRequest{
		CustomerID: f.custID.String(), FeatureID: "seats_msgs", EntityID: "seat-1", Value: 1,
	})
	require.NoError(t, err)

	entityKey := domain.CacheKey(f.custID.String(), f.orgID.String(), "live", "seat-1")
	_, err = f.store.Get(context.Background(), entityKey)
	require.NoError(t, err)

	require.NoError(t, f.svc.Refresh(f.baseCtx, f.custID.String()))
	_, err = f.store.Get(context.Background(), entityKey)
	assert.ErrorIs(t, err, domain.ErrCacheMiss)
}

package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	attachdomain "github.com/smallbiznis/quotara/internal/attach/domain"
	"github.com/smallbiznis/quotara/internal/attach/executor"
	"github.com/smallbiznis/quotara/internal/balance/cache"
	balanceservice "github.com/smallbiznis/quotara/internal/balance/service"
	"github.com/smallbiznis/quotara/internal/clock"
	"github.com/smallbiznis/quotara/internal/config"
	custdomain "github.com/smallbiznis/quotara/internal/customer/domain"
	customerrepo "github.com/smallbiznis/quotara/internal/customer/repository"
	cpdomain "github.com/smallbiznis/quotara/internal/customerproduct/domain"
	cprepo "github.com/smallbiznis/quotara/internal/customerproduct/repository"
	entdomain "github.com/smallbiznis/quotara/internal/entitlement/domain"
	entrepo "github.com/smallbiznis/quotara/internal/entitlement/repository"
	featuredomain "github.com/smallbiznis/quotara/internal/feature/domain"
	featurerepo "github.com/smallbiznis/quotara/internal/feature/repository"
	featureservice "github.com/smallbiznis/quotara/internal/feature/service"
	"github.com/smallbiznis/quotara/internal/processor/adapters/fake"
	productdomain "github.com/smallbiznis/quotara/internal/product/domain"
	productrepo "github.com/smallbiznis/quotara/internal/product/repository"
	"github.com/smallbiznis/quotara/internal/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db     *gorm.DB
	node   *snowflake.Node
	srv    *Server
	orgID  snowflake.ID
	custID snowflake.ID
}

func setupServer(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&featuredomain.Feature{},
		&custdomain.Customer{},
		&productdomain.Product{},
		&productdomain.Price{},
		&entdomain.Entitlement{},
		&entdomain.CustomerEntitlement{},
		&cpdomain.CustomerProduct{},
		&attachdomain.AttachExecution{},
		&reconcile.ProcessorEvent{},
	))

	node, err := snowflake.NewNode(5)
	require.NoError(t, err)

	f := &fixture{
		db:     db,
		node:   node,
		orgID:  node.Generate(),
		custID: node.Generate(),
	}

	log := zap.NewNop()
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := cache.NewMemoryStore()
	processor := fake.NewClient()
	cfg := config.Config{
		DefaultOrgID:      int64(f.orgID),
		BalanceCacheTTL:   time.Hour,
		AttachLockTTL:     30 * time.Second,
		ProcessorTimeout:  5 * time.Second,
		ProcessorProvider: "fake",
	}

	features := featureservice.NewService(featureservice.ServiceParam{DB: db, Log: log, Repo: featurerepo.New()})
	balanceSvc := balanceservice.New(balanceservice.ServiceParam{
		Log: log, DB: db, Config: cfg, Clock: clk, Store: store,
		Features: features, Entitlements: entrepo.New(), Customers: customerrepo.New(),
	})
	attachSvc := executor.New(executor.ServiceParam{
		Log: log, DB: db, Config: cfg, Clock: clk, GenID: node,
		Processor: processor, Customers: customerrepo.New(), Products: productrepo.New(),
		CustomerProducts: cprepo.New(), Entitlements: entrepo.New(), Store: store,
	})
	reconcileSvc := reconcile.New(reconcile.ServiceParam{
		Log: log, DB: db, Clock: clk, GenID: node, Processor: processor,
		Customers: customerrepo.New(), CustomerProducts: cprepo.New(),
		Entitlements: entrepo.New(), Store: store,
	})

	f.srv = NewServer(ServerParams{
		Gin:          NewEngine(log),
		Cfg:          cfg,
		Log:          log,
		BalanceSvc:   balanceSvc,
		AttachSvc:    attachSvc,
		ReconcileSvc: reconcileSvc,
	})

	require.NoError(t, db.Create(&custdomain.Customer{
		ID: f.custID, OrgID: f.orgID, Env: "live", Name: "acme",
		ProcessorCustomerID: "cus_acme", HasPaymentMethod: true,
	}).Error)
	return f
}

func (f *fixture) seedMeteredFeature(t *testing.T, code string, allowance float64) {
	t.Helper()
	require.NoError(t, f.db.Create(&featuredomain.Feature{
		ID: f.node.Generate(), OrgID: f.orgID, Code: code, Name: code,
		UsageType: featuredomain.UsageTypeSingleUse,
	}).Error)
	require.NoError(t, f.db.Create(&entdomain.CustomerEntitlement{
		ID: f.node.Generate(), OrgID: f.orgID, Env: "live", CustomerID: f.custID,
		CustomerProductID: f.node.Generate(), EntitlementID: f.node.Generate(),
		FeatureID: f.node.Generate(), FeatureCode: code,
		Allowance: allowance, Balance: allowance,
	}).Error)
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.srv.Engine().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestTrack_AllowsAndDecrements(t *testing.T) {
	f := setupServer(t)
	f.seedMeteredFeature(t, "api_calls", 100)

	rec := f.do(t, http.MethodPost, "/v1/track", gin.H{
		"customer_id": f.custID.String(),
		"feature_id":  "api_calls",
		"value":       30,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[map[string]any](t, rec)
	assert.Equal(t, true, resp["allowed"])
	assert.Equal(t, float64(70), resp["balance"])
}

func TestTrack_UnknownFeature(t *testing.T) {
	f := setupServer(t)

	rec := f.do(t, http.MethodPost, "/v1/track", gin.H{
		"customer_id": f.custID.String(),
		"feature_id":  "nope",
		"value":       1,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTrack_InvalidValue(t *testing.T) {
	f := setupServer(t)
	f.seedMeteredFeature(t, "api_calls", 100)

	rec := f.do(t, http.MethodPost, "/v1/track", gin.H{
		"customer_id": f.custID.String(),
		"feature_id":  "api_calls",
		"value":       -5,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheck_DoesNotMutate(t *testing.T) {
	f := setupServer(t)
	f.seedMeteredFeature(t, "api_calls", 100)

	rec := f.do(t, http.MethodPost, "/v1/check", gin.H{
		"customer_id":      f.custID.String(),
		"feature_id":       "api_calls",
		"required_balance": 50,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[map[string]any](t, rec)
	assert.Equal(t, true, resp["allowed"])

	rec = f.do(t, http.MethodPost, "/v1/track", gin.H{
		"customer_id": f.custID.String(),
		"feature_id":  "api_calls",
		"value":       100,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[map[string]any](t, rec)
	assert.Equal(t, true, resp["allowed"])
}

func TestSetBalance_Pins(t *testing.T) {
	f := setupServer(t)
	f.seedMeteredFeature(t, "api_calls", 100)

	rec := f.do(t, http.MethodPost, "/v1/balances.set", gin.H{
		"customer_id": f.custID.String(),
		"feature_id":  "api_calls",
		"value":       250,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[map[string]any](t, rec)
	assert.Equal(t, float64(250), resp["balance"])
}

func TestListBalances(t *testing.T) {
	f := setupServer(t)
	f.seedMeteredFeature(t, "api_calls", 100)
	f.seedMeteredFeature(t, "exports", 10)

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/v1/customers/%s/balances", f.custID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[map[string][]map[string]any](t, rec)
	assert.Len(t, resp["balances"], 2)
}

func TestAttach_UnknownCustomer(t *testing.T) {
	f := setupServer(t)

	rec := f.do(t, http.MethodPost, "/v1/attach", gin.H{
		"customer_id": f.node.Generate().String(),
		"product_ids": []string{f.node.Generate().String()},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAttach_CreatesProduct(t *testing.T) {
	f := setupServer(t)
	product := productdomain.Product{
		ID: f.node.Generate(), OrgID: f.orgID, Code: "pro", Name: "pro", Group: "plans", Version: 1,
	}
	require.NoError(t, f.db.Create(&product).Error)
	require.NoError(t, f.db.Create(&productdomain.Price{
		ID: f.node.Generate(), OrgID: f.orgID, ProductID: product.ID,
		Amount: 50, Interval: productdomain.IntervalMonth, ProcessorPriceID: "price_pro",
	}).Error)

	rec := f.do(t, http.MethodPost, "/v1/attach", gin.H{
		"customer_id": f.custID.String(),
		"product_ids": []string{product.ID.String()},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[map[string]any](t, rec)
	assert.Equal(t, "new", resp["code"])
	assert.NotEmpty(t, resp["subscription_id"])
}

func TestWebhook_UnknownProvider(t *testing.T) {
	f := setupServer(t)
	rec := f.do(t, http.MethodPost, "/webhooks/processor/stripe", gin.H{"id": "evt_1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhook_AppliesEvent(t *testing.T) {
	f := setupServer(t)
	row := cpdomain.CustomerProduct{
		ID: f.node.Generate(), OrgID: f.orgID, Env: "live", CustomerID: f.custID,
		ProductID: f.node.Generate(), ProductGroup: "plans", ProductVersion: 1,
		Status: cpdomain.StatusActive, StartedAt: time.Now().AddDate(0, -1, 0),
	}
	require.NoError(t, row.SetSubscriptionIDs([]string{"sub_1"}))
	require.NoError(t, f.db.Create(&row).Error)

	rec := f.do(t, http.MethodPost, "/webhooks/processor/fake", gin.H{
		"id":              "evt_1",
		"type":            "subscription.canceled",
		"subscription_id": "sub_1",
		"occurred_at":     time.Now().Unix(),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var reloaded cpdomain.CustomerProduct
	require.NoError(t, f.db.First(&reloaded, "id = ?", row.ID).Error)
	assert.Equal(t, cpdomain.StatusExpired, reloaded.Status)
}

func TestOrgContext_RejectsWithoutOrg(t *testing.T) {
	f := setupServer(t)
	srv := NewServer(ServerParams{
		Gin: NewEngine(zap.NewNop()), Cfg: config.Config{}, Log: zap.NewNop(),
		BalanceSvc: f.srv.balanceSvc, AttachSvc: f.srv.attachSvc, ReconcileSvc: f.srv.reconcileSvc,
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/track", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthz(t *testing.T) {
	f := setupServer(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

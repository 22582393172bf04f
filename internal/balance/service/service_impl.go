// Package service implements the deduction service: usage events validated
// against the balance cache, with the ledger as fallback and seed source.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quotara/internal/balance/domain"
	"github.com/smallbiznis/quotara/internal/clock"
	"github.com/smallbiznis/quotara/internal/config"
	custdomain "github.com/smallbiznis/quotara/internal/customer/domain"
	entdomain "github.com/smallbiznis/quotara/internal/entitlement/domain"
	featuredomain "github.com/smallbiznis/quotara/internal/feature/domain"
	"github.com/smallbiznis/quotara/internal/observability/metrics"
	"github.com/smallbiznis/quotara/internal/orgcontext"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	Log          *zap.Logger
	DB           *gorm.DB
	Config       config.Config
	Clock        clock.Clock
	Store        domain.Store
	Features     featuredomain.Service
	Entitlements entdomain.Repository
	Customers    custdomain.Repository
}

type service struct {
	log          *zap.Logger
	db           *gorm.DB
	clock        clock.Clock
	store        domain.Store
	features     featuredomain.Service
	entitlements entdomain.Repository
	customers    custdomain.Repository
	cacheTTL     time.Duration
	metrics      *metrics.Metrics
}

func New(p ServiceParam) domain.Service {
	return &service{
		log:          p.Log.Named("balance.service"),
		db:           p.DB,
		clock:        p.Clock,
		store:        p.Store,
		features:     p.Features,
		entitlements: p.Entitlements,
		customers:    p.Customers,
		cacheTTL:     p.Config.BalanceCacheTTL,
		metrics:      metrics.Default(),
	}
}

// target is the resolved deduction target after feature lookup and credit
// conversion.
type target struct {
	orgID       snowflake.ID
	env         string
	customerID  snowflake.ID
	featureCode string
	amount      float64
	creditsUsed float64
	boolean     bool
	entityID    string
}

func (s *service) resolve(ctx context.Context, customerID, featureID, entityID string, value float64) (*target, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("missing org context")
	}
	env := string(orgcontext.EnvFromContext(ctx))

	custID, err := snowflake.ParseString(customerID)
	if err != nil {
		return nil, custdomain.ErrCustomerNotFound
	}

	feature, err := s.features.GetByCode(ctx, orgID, featureID)
	if err != nil {
		return nil, err
	}

	t := &target{
		orgID:       orgID,
		env:         env,
		customerID:  custID,
		featureCode: feature.Code,
		amount:      value,
		entityID:    entityID,
	}

	switch feature.UsageType {
	case featuredomain.UsageTypeBoolean:
		t.boolean = true
	case featuredomain.UsageTypeCreditSystem:
		// Deducting directly from a credit balance.
	default:
		// Metered usage may be billed through a credit_system feature whose
		// schema covers this feature's code.
		credit, err := s.features.CreditFeatureFor(ctx, orgID, feature.Code)
		if err != nil {
			return nil, err
		}
		if credit != nil {
			cost, ok := credit.CreditCostFor(feature.Code)
			if !ok {
				return nil, featuredomain.ErrInvalidCreditSchema
			}
			t.featureCode = credit.Code
			t.amount = value * cost
			t.creditsUsed = t.amount
		}
	}
	return t, nil
}

func (s *service) cacheKey(t *target) string {
	return domain.CacheKey(t.customerID.String(), t.orgID.String(), t.env, t.entityID)
}

func (s *service) Deduct(ctx context.Context, req domain.DeductRequest) (*domain.DeductResponse, error) {
	if req.Value <= 0 {
		return nil, domain.ErrInvalidValue
	}
	t, err := s.resolve(ctx, req.CustomerID, req.FeatureID, req.EntityID, req.Value)
	if err != nil {
		return nil, err
	}
	if t.boolean {
		// Boolean features have no balance. Entitled means allowed.
		state, err := s.featureState(ctx, t)
		if err != nil {
			return nil, err
		}
		allowed := state != nil
		s.metrics.IncDeduction(allowed)
		return &domain.DeductResponse{Allowed: allowed, FeatureID: req.FeatureID, Unlimited: allowed}, nil
	}

	now := s.clock.Now()
	key := s.cacheKey(t)

	result, err := s.deductWithSeed(ctx, key, t, now)
	if err != nil {
		if errors.Is(err, domain.ErrCacheUnavailable) {
			s.log.Warn("balance cache unavailable, deducting against ledger",
				zap.String("key", key), zap.Error(err))
			result, err = s.deductFromLedger(ctx, t, now)
		}
		if err != nil {
			return nil, err
		}
	}

	resp := &domain.DeductResponse{
		FeatureID:     req.FeatureID,
		Balance:       result.NewBalance,
		Unlimited:     result.Unlimited,
		FromRollovers: result.FromRollovers,
		CreditsUsed:   t.creditsUsed,
	}
	switch result.Outcome {
	case domain.DeductApplied:
		resp.Allowed = true
		resp.RemainingAfterRollover = result.FromBase
		s.metrics.IncDeduction(true)
		if !result.Unlimited {
			s.writeBack(ctx, t, now)
		}
	case domain.DeductInsufficient:
		s.metrics.IncDeduction(false)
	default:
		return nil, domain.ErrNotEntitled
	}
	return resp, nil
}

// deductWithSeed applies one atomic cache deduction, seeding the snapshot from
// the ledger on a miss and retrying exactly once. A second miss after a
// successful seed means the cache is evicting or mis-pointed and is fatal.
func (s *service) deductWithSeed(ctx context.Context, key string, t *target, now time.Time) (*domain.DeductResult, error) {
	seeded := false
	for {
		result, err := s.store.Deduct(ctx, key, t.featureCode, t.amount, now)
		if err != nil {
			return nil, err
		}
		switch result.Outcome {
		case domain.DeductKeyMissing, domain.DeductFeatureMissing:
			if seeded {
				if result.Outcome == domain.DeductFeatureMissing {
					return result, nil
				}
				s.log.Error("snapshot vanished immediately after seeding", zap.String("key", key))
				return nil, domain.ErrCacheSeedFailed
			}
			s.metrics.IncCacheLookup("miss")
			if err := s.seed(ctx, key, t, now); err != nil {
				return nil, err
			}
			seeded = true
		default:
			if !seeded {
				s.metrics.IncCacheLookup("hit")
			}
			return result, nil
		}
	}
}

// seed rebuilds the snapshot for one cache key from the ledger.
func (s *service) seed(ctx context.Context, key string, t *target, now time.Time) error {
	customer, err := s.customers.FindByID(ctx, s.db, t.orgID, t.env, t.customerID)
	if err != nil {
		return err
	}
	if customer == nil {
		return custdomain.ErrCustomerNotFound
	}

	rows, err := s.entitlements.ListByCustomer(ctx, s.db, t.orgID, t.env, t.customerID)
	if err != nil {
		return err
	}

	snapshot := &domain.Snapshot{
		CustomerID: t.customerID.String(),
		OrgID:      t.orgID.String(),
		Env:        t.env,
		EntityID:   t.entityID,
		Features:   make(map[string]domain.FeatureState, len(rows)),
		SeededAt:   now.Unix(),
	}
	for i := range rows {
		row := &rows[i]
		if row.EntityScoped != (t.entityID != "") {
			continue
		}
		state, err := s.stateFromRow(ctx, row, t.entityID, now)
		if err != nil {
			return err
		}
		if state != nil {
			snapshot.Features[row.FeatureCode] = *state
		}
	}

	if err := s.store.Seed(ctx, key, snapshot, s.cacheTTL); err != nil {
		return err
	}
	s.metrics.IncCacheSeed()
	return nil
}

// stateFromRow projects one ledger row into its cached form. For entity-scoped
// rows the allowance column is the per-entity allowance and an entity first
// seen here is granted it in full, persisted back to the ledger.
func (s *service) stateFromRow(ctx context.Context, row *entdomain.CustomerEntitlement, entityID string, now time.Time) (*domain.FeatureState, error) {
	state := &domain.FeatureState{
		FeatureCode:    row.FeatureCode,
		Unlimited:      row.Unlimited,
		Allowance:      row.Allowance,
		OverageAllowed: row.OverageAllowed,
		EntityScoped:   row.EntityScoped,
	}
	if row.NextResetAt != nil {
		state.NextResetAt = row.NextResetAt.Unix()
	}

	if !row.EntityScoped {
		state.Balance = row.Balance
		state.Usage = row.Usage
		rollovers, err := row.RolloverList()
		if err != nil {
			return nil, err
		}
		for _, r := range rollovers {
			if r.Expired(now) {
				continue
			}
			state.Rollovers = append(state.Rollovers, domain.RolloverState{
				ID:        r.ID,
				Balance:   r.Balance,
				Usage:     r.Usage,
				ExpiresAt: r.ExpiresAt.Unix(),
			})
		}
		return state, nil
	}

	entities, err := row.EntityMap()
	if err != nil {
		return nil, err
	}
	entity, ok := entities[entityID]
	if !ok {
		entity = entdomain.EntityBalance{Balance: row.Allowance}
		if entities == nil {
			entities = make(map[string]entdomain.EntityBalance)
		}
		entities[entityID] = entity
		if err := row.SetEntityMap(entities); err != nil {
			return nil, err
		}
		if err := s.entitlements.SaveLedgerRow(ctx, s.db, row); err != nil {
			return nil, err
		}
	}
	state.Balance = entity.Balance
	state.Usage = entity.Usage
	return state, nil
}

// featureState reads (and seeds if needed) the cached state of one feature.
func (s *service) featureState(ctx context.Context, t *target) (*domain.FeatureState, error) {
	now := s.clock.Now()
	key := s.cacheKey(t)
	snapshot, err := s.store.Get(ctx, key)
	if errors.Is(err, domain.ErrCacheMiss) {
		if err := s.seed(ctx, key, t, now); err != nil {
			return nil, err
		}
		snapshot, err = s.store.Get(ctx, key)
		if errors.Is(err, domain.ErrCacheMiss) {
			return nil, domain.ErrCacheSeedFailed
		}
	}
	if err != nil {
		if errors.Is(err, domain.ErrCacheUnavailable) {
			return s.ledgerState(ctx, t, now)
		}
		return nil, err
	}
	state, ok := snapshot.Features[t.featureCode]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

func (s *service) ledgerState(ctx context.Context, t *target, now time.Time) (*domain.FeatureState, error) {
	row, err := s.entitlements.FindByCustomerFeature(ctx, s.db, t.orgID, t.env, t.customerID, t.featureCode)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	return s.stateFromRow(ctx, row, t.entityID, now)
}

func (s *service) Check(ctx context.Context, req domain.CheckRequest) (*domain.CheckResponse, error) {
	if req.RequiredBalance < 0 {
		return nil, domain.ErrInvalidValue
	}
	t, err := s.resolve(ctx, req.CustomerID, req.FeatureID, req.EntityID, req.RequiredBalance)
	if err != nil {
		return nil, err
	}
	state, err := s.featureState(ctx, t)
	if err != nil {
		return nil, err
	}
	resp := &domain.CheckResponse{FeatureID: req.FeatureID}
	if state == nil {
		return resp, nil
	}
	if t.boolean || state.Unlimited {
		resp.Allowed = true
		resp.Unlimited = true
		return resp, nil
	}
	resp.Balance = state.Balance
	resp.Allowed = state.OverageAllowed || state.Balance >= t.amount
	return resp, nil
}

// Set pins a feature's balance to an absolute value. Rollovers are dropped and
// usage is recomputed so the balance invariant keeps holding. A value above
// the granted allowance is an operator credit: usage reports zero and the
// surplus is spendable until the next reset rebases the row on its allowance.
func (s *service) Set(ctx context.Context, req domain.SetRequest) (*domain.DeductResponse, error) {
	if req.Value < 0 {
		return nil, domain.ErrInvalidValue
	}
	t, err := s.resolve(ctx, req.CustomerID, req.FeatureID, req.EntityID, req.Value)
	if err != nil {
		return nil, err
	}
	if t.boolean {
		return nil, domain.ErrInvalidValue
	}
	// Setting always targets the feature named by the request, never a credit
	// conversion of it.
	t.featureCode = req.FeatureID
	t.amount = req.Value
	t.creditsUsed = 0

	row, err := s.entitlements.FindByCustomerFeature(ctx, s.db, t.orgID, t.env, t.customerID, t.featureCode)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, domain.ErrNotEntitled
	}

	if row.EntityScoped {
		if t.entityID == "" {
			return nil, domain.ErrEntityUnknown
		}
		entities, err := row.EntityMap()
		if err != nil {
			return nil, err
		}
		if entities == nil {
			entities = make(map[string]entdomain.EntityBalance)
		}
		entities[t.entityID] = entdomain.EntityBalance{
			Balance: req.Value,
			Usage:   max(0, row.Allowance-req.Value),
		}
		if err := row.SetEntityMap(entities); err != nil {
			return nil, err
		}
	} else {
		row.Balance = req.Value
		row.Usage = max(0, row.Allowance-req.Value)
		if err := row.SetRollovers(nil); err != nil {
			return nil, err
		}
	}
	if err := s.entitlements.SaveLedgerRow(ctx, s.db, row); err != nil {
		return nil, err
	}

	state, err := s.stateFromRow(ctx, row, t.entityID, s.clock.Now())
	if err != nil {
		return nil, err
	}
	key := s.cacheKey(t)
	if err := s.store.SetFeature(ctx, key, *state, s.cacheTTL); err != nil && !errors.Is(err, domain.ErrCacheMiss) {
		// Drop the stale entry rather than risk serving the old balance.
		if derr := s.store.Invalidate(ctx, key); derr != nil {
			s.log.Warn("could not invalidate after set", zap.String("key", key), zap.Error(derr))
		}
	}
	return &domain.DeductResponse{Allowed: true, FeatureID: req.FeatureID, Balance: req.Value, Unlimited: row.Unlimited}, nil
}

func (s *service) ListBalances(ctx context.Context, customerID string) ([]domain.BalanceView, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("missing org context")
	}
	env := string(orgcontext.EnvFromContext(ctx))
	custID, err := snowflake.ParseString(customerID)
	if err != nil {
		return nil, custdomain.ErrCustomerNotFound
	}
	customer, err := s.customers.FindByID(ctx, s.db, orgID, env, custID)
	if err != nil {
		return nil, err
	}
	if customer == nil {
		return nil, custdomain.ErrCustomerNotFound
	}

	rows, err := s.entitlements.ListByCustomer(ctx, s.db, orgID, env, custID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	views := make([]domain.BalanceView, 0, len(rows))
	for i := range rows {
		row := &rows[i]
		view := domain.BalanceView{
			FeatureID:   row.FeatureCode,
			Unlimited:   row.Unlimited,
			Allowance:   row.Allowance,
			Balance:     row.Balance,
			Usage:       row.Usage,
			NextResetAt: row.NextResetAt,
		}
		if row.EntityScoped {
			// Entity-scoped balances are reported as the sum over entities.
			entities, err := row.EntityMap()
			if err != nil {
				return nil, err
			}
			view.Balance, view.Usage = 0, 0
			for _, entity := range entities {
				view.Balance += entity.Balance
				view.Usage += entity.Usage
			}
		} else {
			// Drop balance carried by rollovers that have since expired.
			rollovers, err := row.RolloverList()
			if err != nil {
				return nil, err
			}
			for _, r := range rollovers {
				if r.Expired(now) {
					view.Balance -= r.Balance
				}
			}
		}
		views = append(views, view)
	}
	return views, nil
}

// Refresh drops every cache key derived from the customer's ledger rows so the
// next read reseeds from the ledger.
func (s *service) Refresh(ctx context.Context, customerID string) error {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return fmt.Errorf("missing org context")
	}
	env := string(orgcontext.EnvFromContext(ctx))
	custID, err := snowflake.ParseString(customerID)
	if err != nil {
		return custdomain.ErrCustomerNotFound
	}

	keys := []string{domain.CacheKey(customerID, orgID.String(), env, "")}
	rows, err := s.entitlements.ListByCustomer(ctx, s.db, orgID, env, custID)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{})
	for i := range rows {
		if !rows[i].EntityScoped {
			continue
		}
		entities, err := rows[i].EntityMap()
		if err != nil {
			return err
		}
		for entityID := range entities {
			if _, ok := seen[entityID]; ok {
				continue
			}
			seen[entityID] = struct{}{}
			keys = append(keys, domain.CacheKey(customerID, orgID.String(), env, entityID))
		}
	}
	for _, key := range keys {
		if err := s.store.Invalidate(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// writeBack replays an applied deduction onto the ledger row so a later cache
// rebuild reproduces the current balance. The row is re-read under a lock and
// the deduction applied as a delta, so concurrent deductions compose instead
// of overwriting each other with stale absolute state.
func (s *service) writeBack(ctx context.Context, t *target, now time.Time) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.entitlements.FindByCustomerFeatureLocked(ctx, tx, t.orgID, t.env, t.customerID, t.featureCode)
		if err != nil {
			return err
		}
		if row == nil {
			return entdomain.ErrLedgerRowNotFound
		}

		if row.EntityScoped {
			entities, err := row.EntityMap()
			if err != nil {
				return err
			}
			entity, ok := entities[t.entityID]
			if !ok {
				entity = entdomain.EntityBalance{Balance: row.Allowance}
				if entities == nil {
					entities = make(map[string]entdomain.EntityBalance)
				}
			}
			entity.Balance -= t.amount
			entity.Usage += t.amount
			entities[t.entityID] = entity
			if err := row.SetEntityMap(entities); err != nil {
				return err
			}
			return s.entitlements.SaveLedgerRow(ctx, tx, row)
		}

		rollovers, err := row.RolloverList()
		if err != nil {
			return err
		}
		// Purge rollovers the cache dropped as expired during the deduction.
		kept := rollovers[:0]
		for _, r := range rollovers {
			if r.Expired(now) {
				row.Balance -= r.Balance
				continue
			}
			kept = append(kept, r)
		}
		rollovers = kept

		// RolloverList sorts nearest expiry first, matching the cache's
		// drain order.
		remaining := t.amount
		for i := range rollovers {
			if remaining <= 0 {
				break
			}
			take := min(rollovers[i].Balance, remaining)
			if take > 0 {
				rollovers[i].Balance -= take
				rollovers[i].Usage += take
				remaining -= take
			}
		}
		row.Balance -= t.amount
		row.Usage += t.amount
		if err := row.SetRollovers(rollovers); err != nil {
			return err
		}
		return s.entitlements.SaveLedgerRow(ctx, tx, row)
	})
	if err != nil {
		s.log.Warn("ledger write-back failed",
			zap.String("feature", t.featureCode), zap.Error(err))
	}
}

// deductFromLedger applies the deduction directly against the ledger row when
// the cache is unreachable. Slower and serialized per row, but usage events
// keep landing.
func (s *service) deductFromLedger(ctx context.Context, t *target, now time.Time) (*domain.DeductResult, error) {
	var result *domain.DeductResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.entitlements.FindByCustomerFeature(ctx, tx, t.orgID, t.env, t.customerID, t.featureCode)
		if err != nil {
			return err
		}
		if row == nil {
			return domain.ErrNotEntitled
		}
		if row.Unlimited {
			result = &domain.DeductResult{Outcome: domain.DeductApplied, Unlimited: true}
			return nil
		}

		if row.EntityScoped {
			entities, err := row.EntityMap()
			if err != nil {
				return err
			}
			entity, ok := entities[t.entityID]
			if !ok {
				entity = entdomain.EntityBalance{Balance: row.Allowance}
				if entities == nil {
					entities = make(map[string]entdomain.EntityBalance)
				}
			}
			if entity.Balance < t.amount && !row.OverageAllowed {
				result = &domain.DeductResult{Outcome: domain.DeductInsufficient, NewBalance: entity.Balance}
				return nil
			}
			entity.Balance -= t.amount
			entity.Usage += t.amount
			entities[t.entityID] = entity
			if err := row.SetEntityMap(entities); err != nil {
				return err
			}
			result = &domain.DeductResult{
				Outcome:    domain.DeductApplied,
				NewBalance: entity.Balance,
				FromBase:   t.amount,
			}
			return s.entitlements.SaveLedgerRow(ctx, tx, row)
		}

		rollovers, err := row.RolloverList()
		if err != nil {
			return err
		}
		available := row.Balance
		kept := rollovers[:0]
		for _, r := range rollovers {
			if r.Expired(now) {
				available -= r.Balance
				continue
			}
			kept = append(kept, r)
		}
		rollovers = kept

		if available < t.amount && !row.OverageAllowed {
			result = &domain.DeductResult{Outcome: domain.DeductInsufficient, NewBalance: available}
			return nil
		}

		var fromRollovers float64
		remaining := t.amount
		for i := range rollovers {
			if remaining <= 0 {
				break
			}
			take := min(rollovers[i].Balance, remaining)
			if take > 0 {
				rollovers[i].Balance -= take
				rollovers[i].Usage += take
				remaining -= take
				fromRollovers += take
			}
		}
		row.Balance = available - t.amount
		row.Usage += t.amount
		if err := row.SetRollovers(rollovers); err != nil {
			return err
		}
		if err := s.entitlements.SaveLedgerRow(ctx, tx, row); err != nil {
			return err
		}
		result = &domain.DeductResult{
			Outcome:       domain.DeductApplied,
			NewBalance:    row.Balance,
			FromRollovers: fromRollovers,
			FromBase:      t.amount - fromRollovers,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

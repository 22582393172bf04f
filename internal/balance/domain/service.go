package domain

import (
	"context"
	"errors"
	"time"
)

// Store is the balance cache. Deduct executes server-side as one atomic
// transaction per key; no concurrent deduction against the same key observes
// an intermediate state.
type Store interface {
	Get(ctx context.Context, key string) (*Snapshot, error)
	Seed(ctx context.Context, key string, snapshot *Snapshot, ttl time.Duration) error
	Deduct(ctx context.Context, key, featureCode string, amount float64, now time.Time) (*DeductResult, error)
	SetFeature(ctx context.Context, key string, state FeatureState, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

// Service validates and applies usage events against the cache, falling back
// to the ledger on cache miss.
type Service interface {
	Deduct(ctx context.Context, req DeductRequest) (*DeductResponse, error)
	Check(ctx context.Context, req CheckRequest) (*CheckResponse, error)
	Set(ctx context.Context, req SetRequest) (*DeductResponse, error)
	ListBalances(ctx context.Context, customerID string) ([]BalanceView, error)
	// Refresh rebuilds a customer's cache entry from the ledger. Used after
	// ledger writes by the reset engine, attach executor and reconciler.
	Refresh(ctx context.Context, customerID string) error
}

var (
	// ErrCacheMiss is returned by Store.Get/Deduct when the key is absent.
	ErrCacheMiss = errors.New("balance_cache_miss")
	// ErrCacheUnavailable wraps infrastructure failures reaching the cache.
	ErrCacheUnavailable = errors.New("balance_cache_unavailable")
	// ErrCacheSeedFailed means a freshly seeded entry could not be read back;
	// this indicates a mis-pointed or evicting cache and is not retried.
	ErrCacheSeedFailed = errors.New("balance_cache_seed_failed")

	ErrInvalidValue        = errors.New("invalid_value")
	ErrNotEntitled         = errors.New("feature_not_entitled")
	ErrEntityUnknown       = errors.New("entity_not_found")
	ErrInsufficientBalance = errors.New("insufficient_balance")
)

// Package cache implements the balance cache on redis. Deductions run as a
// Lua script so every check-and-decrement against one key is atomic.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/quotara/internal/balance/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type StoreParam struct {
	fx.In

	Log   *zap.Logger
	Redis *redis.Client
}

type redisStore struct {
	log        *zap.Logger
	client     *redis.Client
	deduct     *redis.Script
	setFeature *redis.Script
}

func NewRedisStore(p StoreParam) domain.Store {
	return &redisStore{
		log:        p.Log.Named("balance.cache"),
		client:     p.Redis,
		deduct:     redis.NewScript(deductScript),
		setFeature: redis.NewScript(setFeatureScript),
	}
}

func (s *redisStore) Get(ctx context.Context, key string) (*domain.Snapshot, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrCacheMiss
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrCacheUnavailable, err)
	}
	var snapshot domain.Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		// A corrupt entry is treated as a miss so the caller reseeds over it.
		s.log.Warn("dropping corrupt snapshot", zap.String("key", key), zap.Error(err))
		return nil, domain.ErrCacheMiss
	}
	return &snapshot, nil
}

func (s *redisStore) Seed(ctx context.Context, key string, snapshot *domain.Snapshot, ttl time.Duration) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrCacheUnavailable, err)
	}
	return nil
}

func (s *redisStore) Deduct(ctx context.Context, key, featureCode string, amount float64, now time.Time) (*domain.DeductResult, error) {
	raw, err := s.deduct.Run(ctx, s.client, []string{key},
		featureCode,
		strconv.FormatFloat(amount, 'f', -1, 64),
		now.Unix(),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCacheUnavailable, err)
	}
	if len(raw) != 3 {
		return nil, fmt.Errorf("%w: unexpected deduct reply of %d elements", domain.ErrCacheUnavailable, len(raw))
	}

	status, ok := raw[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected deduct status %T", domain.ErrCacheUnavailable, raw[0])
	}
	switch status {
	case 1:
		newBalance, err := replyFloat(raw[1])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrCacheUnavailable, err)
		}
		fromRollovers, err := replyFloat(raw[2])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrCacheUnavailable, err)
		}
		return &domain.DeductResult{
			Outcome:       domain.DeductApplied,
			NewBalance:    newBalance,
			FromRollovers: fromRollovers,
			FromBase:      amount - fromRollovers,
		}, nil
	case 2:
		return &domain.DeductResult{Outcome: domain.DeductApplied, Unlimited: true}, nil
	case 0:
		newBalance, err := replyFloat(raw[1])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrCacheUnavailable, err)
		}
		return &domain.DeductResult{Outcome: domain.DeductInsufficient, NewBalance: newBalance}, nil
	case -1:
		return &domain.DeductResult{Outcome: domain.DeductKeyMissing}, nil
	case -2:
		return &domain.DeductResult{Outcome: domain.DeductFeatureMissing}, nil
	default:
		return nil, fmt.Errorf("%w: unexpected deduct status %d", domain.ErrCacheUnavailable, status)
	}
}

func (s *redisStore) SetFeature(ctx context.Context, key string, state domain.FeatureState, ttl time.Duration) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	updated, err := s.setFeature.Run(ctx, s.client, []string{key}, state.FeatureCode, raw).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrCacheUnavailable, err)
	}
	if updated == 0 {
		return domain.ErrCacheMiss
	}
	return nil
}

func (s *redisStore) Invalidate(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrCacheUnavailable, err)
	}
	return nil
}

func replyFloat(v any) (float64, error) {
	str, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected numeric reply %T", v)
	}
	if str == "" {
		return 0, nil
	}
	return strconv.ParseFloat(str, 64)
}

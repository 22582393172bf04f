package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/smallbiznis/quotara/internal/balance/domain"
)

type memoryEntry struct {
	snapshot  domain.Snapshot
	expiresAt time.Time
}

// memoryStore mirrors the redis store's deduction semantics behind a mutex.
// It backs local development without redis and the service tests.
type memoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

func NewMemoryStore() domain.Store {
	return &memoryStore{entries: make(map[string]*memoryEntry)}
}

func (s *memoryStore) lookup(key string, now time.Time) *memoryEntry {
	entry, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !entry.expiresAt.IsZero() && entry.expiresAt.Before(now) {
		delete(s.entries, key)
		return nil
	}
	return entry
}

func (s *memoryStore) Get(_ context.Context, key string) (*domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.lookup(key, time.Now())
	if entry == nil {
		return nil, domain.ErrCacheMiss
	}
	snapshot := cloneSnapshot(entry.snapshot)
	return &snapshot, nil
}

func (s *memoryStore) Seed(_ context.Context, key string, snapshot *domain.Snapshot, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := &memoryEntry{snapshot: cloneSnapshot(*snapshot)}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	s.entries[key] = entry
	return nil
}

func (s *memoryStore) Deduct(_ context.Context, key, featureCode string, amount float64, now time.Time) (*domain.DeductResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.lookup(key, now)
	if entry == nil {
		return &domain.DeductResult{Outcome: domain.DeductKeyMissing}, nil
	}
	state, ok := entry.snapshot.Features[featureCode]
	if !ok {
		return &domain.DeductResult{Outcome: domain.DeductFeatureMissing}, nil
	}
	if state.Unlimited {
		return &domain.DeductResult{Outcome: domain.DeductApplied, Unlimited: true}, nil
	}

	// Purge expired rollovers, removing their unspent balance.
	kept := state.Rollovers[:0]
	for _, r := range state.Rollovers {
		if r.ExpiresAt < now.Unix() {
			state.Balance -= r.Balance
		} else {
			kept = append(kept, r)
		}
	}
	state.Rollovers = kept

	if state.Balance < amount && !state.OverageAllowed {
		entry.snapshot.Features[featureCode] = state
		return &domain.DeductResult{Outcome: domain.DeductInsufficient, NewBalance: state.Balance}, nil
	}

	sort.Slice(state.Rollovers, func(i, j int) bool {
		return state.Rollovers[i].ExpiresAt < state.Rollovers[j].ExpiresAt
	})
	var fromRollovers float64
	remaining := amount
	for i := range state.Rollovers {
		if remaining <= 0 {
			break
		}
		take := min(state.Rollovers[i].Balance, remaining)
		if take > 0 {
			state.Rollovers[i].Balance -= take
			state.Rollovers[i].Usage += take
			remaining -= take
			fromRollovers += take
		}
	}

	state.Balance -= amount
	state.Usage += amount
	entry.snapshot.Features[featureCode] = state

	return &domain.DeductResult{
		Outcome:       domain.DeductApplied,
		NewBalance:    state.Balance,
		FromRollovers: fromRollovers,
		FromBase:      amount - fromRollovers,
	}, nil
}

func (s *memoryStore) SetFeature(_ context.Context, key string, state domain.FeatureState, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.lookup(key, time.Now())
	if entry == nil {
		return domain.ErrCacheMiss
	}
	if entry.snapshot.Features == nil {
		entry.snapshot.Features = make(map[string]domain.FeatureState)
	}
	entry.snapshot.Features[state.FeatureCode] = state
	return nil
}

func (s *memoryStore) Invalidate(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func cloneSnapshot(in domain.Snapshot) domain.Snapshot {
	out := in
	out.Features = make(map[string]domain.FeatureState, len(in.Features))
	for code, state := range in.Features {
		state.Rollovers = append([]domain.RolloverState(nil), state.Rollovers...)
		out.Features[code] = state
	}
	return out
}

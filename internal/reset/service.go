// Package reset applies period resets to the balance ledger: expired
// rollovers are purged, unused balance is carried forward where the
// entitlement allows it, and the balance returns to the period allowance.
package reset

import (
	"context"
	"time"

	"github.com/google/uuid"
	balancedomain "github.com/smallbiznis/quotara/internal/balance/domain"
	"github.com/smallbiznis/quotara/internal/config"
	entdomain "github.com/smallbiznis/quotara/internal/entitlement/domain"
	"github.com/smallbiznis/quotara/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const claimBatchSize = 200

type ServiceParam struct {
	fx.In

	Log          *zap.Logger
	DB           *gorm.DB
	Config       config.Config
	Entitlements entdomain.Repository
	Store        balancedomain.Store
}

type Service struct {
	log                *zap.Logger
	db                 *gorm.DB
	entitlements       entdomain.Repository
	store              balancedomain.Store
	defaultRolloverTTL time.Duration
	metrics            *metrics.Metrics
}

func New(p ServiceParam) *Service {
	return &Service{
		log:                p.Log.Named("reset.service"),
		db:                 p.DB,
		entitlements:       p.Entitlements,
		store:              p.Store,
		defaultRolloverTTL: p.Config.RolloverDuration,
		metrics:            metrics.Default(),
	}
}

// RunDueResets claims and resets every ledger row whose boundary has passed.
// Rows are claimed in batches under row locks, so concurrent workers never
// reset the same row twice and a crashed run leaves unclaimed rows for the
// next one.
func (s *Service) RunDueResets(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for {
		var resetRows []entdomain.CustomerEntitlement
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			rows, err := s.entitlements.ClaimDueForReset(ctx, tx, now, claimBatchSize)
			if err != nil {
				return err
			}
			for i := range rows {
				row := &rows[i]
				if err := s.applyReset(row, now); err != nil {
					s.log.Error("reset failed, leaving row for next run",
						zap.Int64("ledger_row", int64(row.ID)), zap.Error(err))
					continue
				}
				if err := s.entitlements.SaveLedgerRow(ctx, tx, row); err != nil {
					return err
				}
				resetRows = append(resetRows, *row)
			}
			return nil
		})
		if err != nil {
			return total, err
		}
		if len(resetRows) == 0 {
			return total, nil
		}
		total += len(resetRows)
		s.invalidate(ctx, resetRows)
		if len(resetRows) < claimBatchSize {
			return total, nil
		}
	}
}

// applyReset resets one claimed row in place. The boundary used for rollover
// expiry is the row's own next_reset_at, not the wall clock, so a delayed run
// produces the same ledger state a punctual one would have.
func (s *Service) applyReset(row *entdomain.CustomerEntitlement, now time.Time) error {
	if row.NextResetAt == nil {
		return nil
	}
	boundary := row.NextResetAt.UTC()

	if row.EntityScoped {
		entities, err := row.EntityMap()
		if err != nil {
			return err
		}
		for id, entity := range entities {
			entity.Balance = row.Allowance
			entity.Usage = 0
			entities[id] = entity
		}
		if err := row.SetEntityMap(entities); err != nil {
			return err
		}
	} else {
		rollovers, err := row.RolloverList()
		if err != nil {
			return err
		}

		// Purge rollovers that expired on or before this boundary.
		kept := rollovers[:0]
		purged := 0
		base := row.Balance
		for _, r := range rollovers {
			base -= r.Balance
			if !r.ExpiresAt.After(boundary) {
				purged++
				continue
			}
			kept = append(kept, r)
		}
		rollovers = kept
		s.metrics.AddRolloversPurged(purged)

		if row.RolloverEnabled && base > 0 && !row.Unlimited {
			carry := base
			if row.RolloverMax > 0 && carry > row.RolloverMax {
				carry = row.RolloverMax
			}
			// The entitlement's interval count wins; the configured default
			// lifetime covers rows that do not set one.
			expiresAt := boundary
			switch {
			case row.RolloverIntervals > 0:
				for i := 0; i < row.RolloverIntervals; i++ {
					expiresAt = row.ResetInterval.Next(expiresAt)
				}
			case s.defaultRolloverTTL > 0:
				expiresAt = boundary.Add(s.defaultRolloverTTL)
			default:
				expiresAt = row.ResetInterval.Next(expiresAt)
			}
			rollovers = append(rollovers, entdomain.Rollover{
				ID:        uuid.NewString(),
				Balance:   carry,
				ExpiresAt: expiresAt,
			})
		}

		var carried float64
		for _, r := range rollovers {
			carried += r.Balance
		}
		row.Balance = row.Allowance + carried
		if err := row.SetRollovers(rollovers); err != nil {
			return err
		}
	}

	row.Usage = 0

	// Advance past now monotonically; a run that was down for several periods
	// catches up in one pass.
	next := row.ResetInterval.Next(boundary)
	for !next.After(now) && next.After(boundary) {
		boundary = next
		next = row.ResetInterval.Next(next)
	}
	if !next.After(boundary) {
		// A none interval never advances; clear the schedule instead of
		// reclaiming the row forever.
		row.NextResetAt = nil
	} else {
		row.NextResetAt = &next
	}
	s.metrics.IncResetApplied()
	return nil
}

// invalidate drops the cache keys of every customer touched by a batch so the
// next read reseeds from the reset ledger.
func (s *Service) invalidate(ctx context.Context, rows []entdomain.CustomerEntitlement) {
	seen := make(map[string]struct{})
	for i := range rows {
		row := &rows[i]
		keys := []string{
			balancedomain.CacheKey(row.CustomerID.String(), row.OrgID.String(), row.Env, ""),
		}
		if row.EntityScoped {
			entities, err := row.EntityMap()
			if err == nil {
				for entityID := range entities {
					keys = append(keys, balancedomain.CacheKey(row.CustomerID.String(), row.OrgID.String(), row.Env, entityID))
				}
			}
		}
		for _, key := range keys {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			if err := s.store.Invalidate(ctx, key); err != nil {
				s.log.Warn("cache invalidation failed after reset",
					zap.String("key", key), zap.Error(err))
			}
		}
	}
}

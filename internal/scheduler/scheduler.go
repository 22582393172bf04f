// Package scheduler drives the background maintenance loops: entitlement
// period resets and expiry of canceled products whose paid period ran out.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/quotara/internal/clock"
	"github.com/smallbiznis/quotara/internal/observability/metrics"
	"github.com/smallbiznis/quotara/internal/reconcile"
	"github.com/smallbiznis/quotara/internal/reset"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("scheduler: missing dependency")

type Params struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	Resets     *reset.Service
	Reconciler *reconcile.Service
	Config     Config `optional:"true"`
}

type Scheduler struct {
	log        *zap.Logger
	cfg        Config
	clock      clock.Clock
	resets     *reset.Service
	reconciler *reconcile.Service
	metrics    *metrics.Metrics
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.Resets == nil || p.Reconciler == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:        p.Log.Named("scheduler"),
		cfg:        p.Config.withDefaults(),
		clock:      p.Clock,
		resets:     p.Resets,
		reconciler: p.Reconciler,
		metrics:    metrics.Default(),
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) (int, error),
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	s.metrics.IncJobRun(name)
	processed, err := fn(ctx)
	s.metrics.ObserveJobDuration(name, time.Since(start))

	log := s.log.With(
		zap.String("job", name),
		zap.Int("processed", processed),
		zap.Duration("duration", time.Since(start)),
	)
	if err == nil {
		log.Info("job finished")
		return nil
	}

	s.metrics.IncJobError(name)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		// A timed-out batch keeps the progress it committed; the next tick
		// claims whatever is still due.
		log.Warn("job timed out", zap.Duration("timeout", timeout), zap.Error(err))
		return nil
	}
	log.Error("job failed", zap.Error(err))
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes one pass of every enabled job. Jobs run in order and a
// failing job never stops the ones after it.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{"balance_resets", s.isJobEnabled("balance_resets"), func(ctx context.Context) error {
			return s.runJob(ctx, "balance_resets", s.cfg.JobTimeout, func(ctx context.Context) (int, error) {
				return s.resets.RunDueResets(ctx, s.clock.Now())
			})
		}},
		{"expire_canceled", s.isJobEnabled("expire_canceled"), func(ctx context.Context) error {
			return s.runJob(ctx, "expire_canceled", s.cfg.JobTimeout, func(ctx context.Context) (int, error) {
				return s.reconciler.RunDueExpirations(ctx, s.clock.Now(), s.cfg.BatchSize)
			})
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// If EnabledJobs is empty, all jobs are enabled by default (monolith mode)
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

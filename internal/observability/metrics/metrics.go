package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus instruments for the entitlement core.
type Metrics struct {
	deductions       *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	cacheSeeds       prometheus.Counter
	resetsApplied    prometheus.Counter
	rolloversPurged  prometheus.Counter
	attachBranches   *prometheus.CounterVec
	processorErrors  *prometheus.CounterVec
	processorLatency *prometheus.HistogramVec
	reconcileEvents  *prometheus.CounterVec
	jobRuns          *prometheus.CounterVec
	jobErrors        *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
}

var (
	instance *Metrics
	once     sync.Once
)

// Default returns the process-wide metrics, registering them on first use.
func Default() *Metrics {
	once.Do(func() {
		instance = newMetrics(prometheus.DefaultRegisterer)
	})
	return instance
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		deductions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quotara_deductions_total",
			Help: "Balance deduction attempts by outcome (allowed, denied).",
		}, []string{"outcome"}),
		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quotara_balance_cache_lookups_total",
			Help: "Balance cache lookups by result (hit, miss, error).",
		}, []string{"result"}),
		cacheSeeds: factory.NewCounter(prometheus.CounterOpts{
			Name: "quotara_balance_cache_seeds_total",
			Help: "Balance cache entries rebuilt from the ledger.",
		}),
		resetsApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "quotara_entitlement_resets_total",
			Help: "Entitlement period resets applied.",
		}),
		rolloversPurged: factory.NewCounter(prometheus.CounterOpts{
			Name: "quotara_rollovers_purged_total",
			Help: "Expired rollover balances removed during reset.",
		}),
		attachBranches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quotara_attach_branches_total",
			Help: "Attach planner branch selections.",
		}, []string{"branch"}),
		processorErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quotara_processor_action_errors_total",
			Help: "Payment processor action failures by action type.",
		}, []string{"action"}),
		processorLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quotara_processor_action_seconds",
			Help:    "Payment processor action latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"action"}),
		reconcileEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quotara_reconcile_events_total",
			Help: "Reconciliation events by disposition (applied, skipped, duplicate).",
		}, []string{"disposition"}),
		jobRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quotara_scheduler_job_runs_total",
			Help: "Scheduler job executions by job name.",
		}, []string{"job"}),
		jobErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quotara_scheduler_job_errors_total",
			Help: "Scheduler job failures by job name.",
		}, []string{"job"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quotara_scheduler_job_seconds",
			Help:    "Scheduler job duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
	}
}

func (m *Metrics) IncDeduction(allowed bool) {
	if m == nil {
		return
	}
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	m.deductions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncCacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) IncCacheSeed() {
	if m == nil {
		return
	}
	m.cacheSeeds.Inc()
}

func (m *Metrics) IncResetApplied() {
	if m == nil {
		return
	}
	m.resetsApplied.Inc()
}

func (m *Metrics) AddRolloversPurged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rolloversPurged.Add(float64(n))
}

func (m *Metrics) IncAttachBranch(branch string) {
	if m == nil {
		return
	}
	m.attachBranches.WithLabelValues(branch).Inc()
}

func (m *Metrics) IncProcessorError(action string) {
	if m == nil {
		return
	}
	m.processorErrors.WithLabelValues(action).Inc()
}

func (m *Metrics) ObserveProcessorLatency(action string, d time.Duration) {
	if m == nil {
		return
	}
	m.processorLatency.WithLabelValues(action).Observe(d.Seconds())
}

func (m *Metrics) IncReconcileEvent(disposition string) {
	if m == nil {
		return
	}
	m.reconcileEvents.WithLabelValues(disposition).Inc()
}

func (m *Metrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *Metrics) IncJobError(job string) {
	if m == nil {
		return
	}
	m.jobErrors.WithLabelValues(job).Inc()
}

func (m *Metrics) ObserveJobDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

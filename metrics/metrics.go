// Package metrics exposes the runtime's Prometheus instrumentation.
package metrics

import (
	"time"

	"github.com/c360studio/migrator/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors the runtime records into. All methods
// are safe for concurrent use.
type Metrics struct {
	stageRuns       *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	jobsSubmitted   prometheus.Counter
	jobsFinished    *prometheus.CounterVec
	duplicateDrops  prometheus.Counter
	leaseTakeovers  prometheus.Counter
	sweeperRequeues prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		stageRuns: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "migrator_stage_runs_total",
			Help: "Stage attempts by stage and outcome.",
		}, []string{"stage", "outcome"}),
		stageDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "migrator_stage_duration_seconds",
			Help:    "Wall-clock duration of stage attempts.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"stage"}),
		jobsSubmitted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "migrator_jobs_submitted_total",
			Help: "Jobs accepted for processing.",
		}),
		jobsFinished: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "migrator_jobs_finished_total",
			Help: "Jobs reaching a terminal status.",
		}, []string{"status"}),
		duplicateDrops: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "migrator_duplicate_dispatches_total",
			Help: "Dispatch deliveries dropped because the stage was already claimed.",
		}),
		leaseTakeovers: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "migrator_lease_takeovers_total",
			Help: "Claims acquired by expiring a previous holder's lease.",
		}),
		sweeperRequeues: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "migrator_sweeper_requeues_total",
			Help: "Stages re-enqueued by the lease sweeper.",
		}),
	}
}

// NewNop returns metrics bound to a private registry, for tests and
// callers that never scrape.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// StageRun records one finished stage attempt.
func (m *Metrics) StageRun(stage model.Stage, outcome string, d time.Duration) {
	m.stageRuns.WithLabelValues(string(stage), outcome).Inc()
	m.stageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
}

// JobSubmitted records one accepted job.
func (m *Metrics) JobSubmitted() {
	m.jobsSubmitted.Inc()
}

// JobFinished records a job reaching a terminal status.
func (m *Metrics) JobFinished(status model.Status) {
	m.jobsFinished.WithLabelValues(string(status)).Inc()
}

// DuplicateDropped records a dispatch delivery that lost the claim race.
func (m *Metrics) DuplicateDropped() {
	m.duplicateDrops.Inc()
}

// LeaseTakeover records a claim acquired from a presumed-dead worker.
func (m *Metrics) LeaseTakeover() {
	m.leaseTakeovers.Inc()
}

// SweeperRequeue records a stage the sweeper re-enqueued.
func (m *Metrics) SweeperRequeue() {
	m.sweeperRequeues.Inc()
}

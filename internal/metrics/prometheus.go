package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Queue metrics
	AdmissionsTotal  *prometheus.CounterVec
	RemovalsTotal    *prometheus.CounterVec
	SelfHealTotal    *prometheus.CounterVec
	AdmittedDropped  prometheus.Counter
	QueueDepth       *prometheus.GaugeVec
	ActiveRequests   prometheus.Gauge
	StoreErrorsTotal *prometheus.CounterVec

	// Sweep metrics
	SweepRunsTotal     prometheus.Counter
	SweepRemovalsTotal *prometheus.CounterVec
	SweepDuration      prometheus.Histogram

	// Matching metrics
	MatchesFormedTotal     *prometheus.CounterVec
	MatchCommitFailures    *prometheus.CounterVec
	MatchQuality           prometheus.Histogram
	MatchWaitSeconds       prometheus.Histogram
	RelaxationsTotal       *prometheus.CounterVec
	CompatibilityEvaluated prometheus.Counter
	CycleDuration          prometheus.Histogram
}

// NewMetrics creates metrics registered on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		AdmissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchmaker_admissions_total",
				Help: "Total number of queue admissions by outcome",
			},
			[]string{"outcome"},
		),

		RemovalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchmaker_removals_total",
				Help: "Total number of queue removals by outcome",
			},
			[]string{"outcome"},
		),

		SelfHealTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchmaker_self_heal_total",
				Help: "Total number of orphaned queue members evicted",
			},
			[]string{"result"},
		),

		AdmittedDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "matchmaker_admitted_events_dropped_total",
				Help: "Admitted notifications dropped because the buffer was full",
			},
		),

		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "matchmaker_queue_depth",
				Help: "Number of queued requests per queue",
			},
			[]string{"game_id", "game_mode", "region"},
		),

		ActiveRequests: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "matchmaker_active_requests",
				Help: "Number of live queued requests",
			},
		),

		StoreErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchmaker_store_errors_total",
				Help: "Total number of store errors by operation",
			},
			[]string{"operation"},
		),

		SweepRunsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "matchmaker_sweep_runs_total",
				Help: "Total number of expiry sweeps",
			},
		),

		SweepRemovalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchmaker_sweep_removals_total",
				Help: "Total number of requests removed by the expiry sweep",
			},
			[]string{"reason"},
		),

		SweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "matchmaker_sweep_duration_seconds",
				Help:    "Duration of expiry sweeps",
				Buckets: prometheus.DefBuckets,
			},
		),

		MatchesFormedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchmaker_matches_formed_total",
				Help: "Total number of matches committed",
			},
			[]string{"game_id", "game_mode"},
		),

		MatchCommitFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchmaker_match_commit_failures_total",
				Help: "Total number of failed match commits",
			},
			[]string{"reason"},
		),

		MatchQuality: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "matchmaker_match_quality_score",
				Help:    "Overall quality score of formed matches",
				Buckets: prometheus.LinearBuckets(0, 10, 11),
			},
		),

		MatchWaitSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "matchmaker_match_wait_seconds",
				Help:    "Per-participant search duration at match time",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
		),

		RelaxationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchmaker_relaxations_total",
				Help: "Total number of relaxation level increases",
			},
			[]string{"level"},
		),

		CompatibilityEvaluated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "matchmaker_compatibility_evaluations_total",
				Help: "Total number of pairwise compatibility evaluations",
			},
		),

		CycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "matchmaker_cycle_duration_seconds",
				Help:    "Duration of matching cycles",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// RecordAdmission records an admission outcome
func (m *Metrics) RecordAdmission(outcome string) {
	if m == nil {
		return
	}
	m.AdmissionsTotal.WithLabelValues(outcome).Inc()
}

// RecordRemoval records a removal outcome
func (m *Metrics) RecordRemoval(outcome string) {
	if m == nil {
		return
	}
	m.RemovalsTotal.WithLabelValues(outcome).Inc()
}

// RecordSelfHeal records an orphan eviction attempt
func (m *Metrics) RecordSelfHeal(result string) {
	if m == nil {
		return
	}
	m.SelfHealTotal.WithLabelValues(result).Inc()
}

// RecordAdmittedDropped records a dropped admitted notification
func (m *Metrics) RecordAdmittedDropped() {
	if m == nil {
		return
	}
	m.AdmittedDropped.Inc()
}

// SetQueueDepth sets the depth gauge of one queue
func (m *Metrics) SetQueueDepth(gameID, gameMode, region string, depth int64) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(gameID, gameMode, region).Set(float64(depth))
}

// ResetQueueDepth clears every queue depth series
func (m *Metrics) ResetQueueDepth() {
	if m == nil {
		return
	}
	m.QueueDepth.Reset()
}

// SetActiveRequests sets the active requests gauge
func (m *Metrics) SetActiveRequests(n int64) {
	if m == nil {
		return
	}
	m.ActiveRequests.Set(float64(n))
}

// RecordStoreError records a failed store operation
func (m *Metrics) RecordStoreError(operation string) {
	if m == nil {
		return
	}
	m.StoreErrorsTotal.WithLabelValues(operation).Inc()
}

// RecordSweep records a completed expiry sweep
func (m *Metrics) RecordSweep(expired, stale int, duration time.Duration) {
	if m == nil {
		return
	}
	m.SweepRunsTotal.Inc()
	m.SweepRemovalsTotal.WithLabelValues("expired").Add(float64(expired))
	m.SweepRemovalsTotal.WithLabelValues("stale").Add(float64(stale))
	m.SweepDuration.Observe(duration.Seconds())
}

// RecordMatch records a committed match
func (m *Metrics) RecordMatch(gameID, gameMode string, overallScore int, waits []time.Duration) {
	if m == nil {
		return
	}
	m.MatchesFormedTotal.WithLabelValues(gameID, gameMode).Inc()
	m.MatchQuality.Observe(float64(overallScore))
	for _, w := range waits {
		m.MatchWaitSeconds.Observe(w.Seconds())
	}
}

// RecordMatchCommitFailure records a failed match commit
func (m *Metrics) RecordMatchCommitFailure(reason string) {
	if m == nil {
		return
	}
	m.MatchCommitFailures.WithLabelValues(reason).Inc()
}

// RecordRelaxation records a relaxation level increase
func (m *Metrics) RecordRelaxation(level int) {
	if m == nil {
		return
	}
	m.RelaxationsTotal.WithLabelValues(levelLabel(level)).Inc()
}

// RecordCompatibilityEvaluations adds n pairwise evaluations
func (m *Metrics) RecordCompatibilityEvaluations(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CompatibilityEvaluated.Add(float64(n))
}

// RecordCycle records the duration of a matching cycle
func (m *Metrics) RecordCycle(duration time.Duration) {
	if m == nil {
		return
	}
	m.CycleDuration.Observe(duration.Seconds())
}

func levelLabel(level int) string {
	if level >= 10 {
		return "10+"
	}
	return strconv.Itoa(level)
}

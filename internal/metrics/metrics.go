// Package metrics exposes curator's Prometheus instruments.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "curator"

// Metrics holds the process's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	jobsSubmitted  *prometheus.CounterVec
	duplicates     *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	stageFailures  *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	backfillDocs   *prometheus.CounterVec
	inboxSubmitted prometheus.Counter
	notifyFailures prometheus.Counter
}

// New creates and registers all collectors, plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Ingest jobs accepted, by source.",
		}, []string{"source"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_duplicate_total",
			Help:      "Submissions rejected because their source_ref is live.",
		}, []string{"source"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Committed job transitions, by target state.",
		}, []string{"to_state"}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Stage errors, by stage, error code and kind.",
		}, []string{"stage", "code", "kind"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time spent running a pipeline stage.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		backfillDocs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backfill_documents_total",
			Help:      "Documents visited by backfills, by outcome.",
		}, []string{"outcome"}),
		inboxSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbox_files_submitted_total",
			Help:      "Files picked up from the drop folder.",
		}),
		notifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_failures_total",
			Help:      "Transition notifications that could not be delivered.",
		}),
	}

	m.registry.MustRegister(
		m.jobsSubmitted,
		m.duplicates,
		m.transitions,
		m.stageFailures,
		m.stageDuration,
		m.backfillDocs,
		m.inboxSubmitted,
		m.notifyFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) JobSubmitted(source string) {
	if m == nil {
		return
	}
	m.jobsSubmitted.WithLabelValues(source).Inc()
}

func (m *Metrics) DuplicateRejected(source string) {
	if m == nil {
		return
	}
	m.duplicates.WithLabelValues(source).Inc()
}

func (m *Metrics) Transition(toState string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(toState).Inc()
}

func (m *Metrics) StageFailure(stage, code, kind string) {
	if m == nil {
		return
	}
	m.stageFailures.WithLabelValues(stage, code, kind).Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// BackfillDocument counts one document visited by a backfill. outcome is
// one of "changed", "unchanged" or "failed".
func (m *Metrics) BackfillDocument(outcome string) {
	if m == nil {
		return
	}
	m.backfillDocs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) InboxSubmitted() {
	if m == nil {
		return
	}
	m.inboxSubmitted.Inc()
}

func (m *Metrics) NotifyFailed() {
	if m == nil {
		return
	}
	m.notifyFailures.Inc()
}

// JobStateCounter reports how many jobs are in each state.
type JobStateCounter func(ctx context.Context) (map[string]int, error)

// WatchJobStates exposes curator_jobs{state}, read through count on every
// scrape. States missing from count's result are reported as zero.
func (m *Metrics) WatchJobStates(states []string, count JobStateCounter) error {
	if m == nil {
		return nil
	}
	return m.registry.Register(&jobStatesCollector{
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "jobs"),
			"Ingest jobs currently in each state.",
			[]string{"state"}, nil,
		),
		states: states,
		count:  count,
	})
}

const scrapeTimeout = 5 * time.Second

type jobStatesCollector struct {
	desc   *prometheus.Desc
	states []string
	count  JobStateCounter
}

func (c *jobStatesCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *jobStatesCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()

	counts, err := c.count(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.desc, err)
		return
	}
	for _, state := range c.states {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(counts[state]), state)
	}
}

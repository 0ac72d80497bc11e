package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	OutcomeAck        = "ack"
	OutcomeRetry      = "retry"
	OutcomeDeadLetter = "dead_letter"

	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheLocal = "lru_hit"
)

// Metrics owns its registry. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry    *prometheus.Registry
	tasks       *prometheus.CounterVec
	cache       *prometheus.CounterVec
	jobsStarted prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weather_tasks_total",
			Help: "Queue messages handled, by channel and outcome.",
		}, []string{"channel", "outcome"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weather_background_cache_total",
			Help: "Background image lookups, by result.",
		}, []string{"result"}),
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weather_jobs_started_total",
			Help: "Jobs accepted by the start endpoint.",
		}),
	}
	m.registry.MustRegister(
		m.tasks,
		m.cache,
		m.jobsStarted,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Task(channel, outcome string) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) Cache(result string) {
	if m == nil {
		return
	}
	m.cache.WithLabelValues(result).Inc()
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.jobsStarted.Inc()
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

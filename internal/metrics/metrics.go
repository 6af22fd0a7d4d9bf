package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "postrunner"

// Collector exposes Prometheus metrics for orchestration runs.
type Collector struct {
	registry *prometheus.Registry

	posts          *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec
	workersActive  prometheus.Gauge
	workerFinished *prometheus.CounterVec
	reserve        prometheus.Counter
	banWaves       prometheus.Counter
	queueLength    prometheus.Gauge
	sessions       *prometheus.CounterVec
}

// NewCollector constructs a collector on its own registry, including the Go
// runtime and process collectors.
func NewCollector() (*Collector, error) {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		posts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "posts",
			Name:      "total",
			Help:      "Post executions by outcome.",
		}, []string{"outcome"}),
		actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "posts",
			Name:      "action_duration_seconds",
			Help:      "Executor latency per post.",
			Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),
		workersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "workers",
			Name:      "active",
			Help:      "Account workers currently holding a concurrency slot.",
		}),
		workerFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workers",
			Name:      "finished_total",
			Help:      "Account workers finished by reason.",
		}, []string{"reason"}),
		reserve: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workers",
			Name:      "reserve_activations_total",
			Help:      "Reserve accounts activated to backfill a slot.",
		}),
		banWaves: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ban_waves_total",
			Help:      "Times the ban threshold paused scheduling.",
		}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "length",
			Help:      "Posts waiting in the shared queue.",
		}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "total",
			Help:      "Finished sessions by status.",
		}, []string{"status"}),
	}

	for _, col := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.posts,
		c.actionDuration,
		c.workersActive,
		c.workerFinished,
		c.reserve,
		c.banWaves,
		c.queueLength,
		c.sessions,
	} {
		if err := registry.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Handler returns an HTTP handler for exposing Prometheus metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) PostResult(outcome string, took time.Duration) {
	c.posts.WithLabelValues(outcome).Inc()
	c.actionDuration.WithLabelValues(outcome).Observe(took.Seconds())
}

func (c *Collector) WorkerStarted() { c.workersActive.Inc() }

func (c *Collector) WorkerFinished(reason string) {
	c.workersActive.Dec()
	c.workerFinished.WithLabelValues(reason).Inc()
}

func (c *Collector) ReserveActivated() { c.reserve.Inc() }

func (c *Collector) BanWave() { c.banWaves.Inc() }

func (c *Collector) QueueLength(n int) { c.queueLength.Set(float64(n)) }

func (c *Collector) SessionFinished(status string) { c.sessions.WithLabelValues(status).Inc() }

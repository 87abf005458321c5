// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the injected metrics sink shared by every component that emits
// an operational signal. Constructed once per process against a Registerer
// and passed through constructors; there are no package-level collectors.
type Metrics struct {
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
	CacheErrors prometheus.Counter

	QueueDepth    *prometheus.GaugeVec
	JobsCompleted *prometheus.CounterVec
	JobRetries    prometheus.Counter
	JobsRejected  prometheus.Counter

	Verifications *prometheus.CounterVec
	Restrictions  *prometheus.CounterVec
}

// New registers all collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "membership_cache_hits_total",
			Help: "Total number of membership cache hits",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "membership_cache_misses_total",
			Help: "Total number of membership cache misses",
		}),
		CacheErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "membership_cache_errors_total",
			Help: "Total number of cache backend errors degraded to misses",
		}),

		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dispatcher_queue_depth",
				Help: "Number of jobs waiting in the dispatcher queue",
			},
			[]string{"priority"},
		),
		JobsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatcher_jobs_completed_total",
				Help: "Total number of dispatcher jobs run to a terminal result",
			},
			[]string{"priority", "status"},
		),
		JobRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_job_retries_total",
			Help: "Total number of retry attempts performed by the dispatcher",
		}),
		JobsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_jobs_rejected_total",
			Help: "Total number of bulk jobs rejected at the backlog threshold",
		}),

		Verifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verifications_total",
				Help: "Total number of verification attempts by outcome",
			},
			[]string{"outcome"},
		),
		Restrictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "restrictions_total",
				Help: "Total number of restrict/unrestrict calls by result",
			},
			[]string{"action", "result"},
		),
	}
}

// NewForTest returns a Metrics instance backed by a private registry.
func NewForTest() *Metrics {
	return New(prometheus.NewRegistry())
}

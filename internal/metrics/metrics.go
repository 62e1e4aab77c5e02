package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Turns             *prometheus.CounterVec
	FailedTurns       *prometheus.CounterVec
	Tokens            prometheus.Counter
	CompletionLatency *prometheus.HistogramVec
	RateLimited       prometheus.Counter
	EnqueuedJobs      prometheus.Counter
	ProcessedJobs     *prometheus.CounterVec
}

var (
	once   sync.Once
	global *Metrics
)

// New builds an unregistered set, for tests and custom registries.
func New() *Metrics {
	return &Metrics{
		Turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zhida",
			Name:      "chat_turns_total",
			Help:      "Chat turns completed successfully",
		}, []string{"mode"}),
		FailedTurns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zhida",
			Name:      "chat_turns_failed_total",
			Help:      "Chat turns whose completion call failed",
		}, []string{"mode"}),
		Tokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zhida",
			Name:      "completion_tokens_total",
			Help:      "Total tokens reported by completion providers",
		}),
		CompletionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "zhida",
			Name:      "completion_duration_seconds",
			Help:      "Latency of completion provider calls",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 45, 90},
		}, []string{"provider"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zhida",
			Name:      "chat_rate_limited_total",
			Help:      "Turns rejected by the hourly rate limit",
		}),
		EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zhida",
			Name:      "queue_enqueued_total",
			Help:      "Total turn jobs published to rabbitmq",
		}),
		ProcessedJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zhida",
			Name:      "queue_processed_total",
			Help:      "Turn jobs processed by the worker",
		}, []string{"status"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Turns, m.FailedTurns, m.Tokens, m.CompletionLatency,
		m.RateLimited, m.EnqueuedJobs, m.ProcessedJobs,
	}
}

func Global() *Metrics {
	once.Do(func() {
		global = New()
		prometheus.MustRegister(global.collectors()...)
	})
	return global
}

// Package metrics holds the service's Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "diction"

type Metrics struct {
	// Session metrics
	SessionsRegistered prometheus.Gauge
	SessionsSwept      prometheus.Counter
	SessionDuration    prometheus.Histogram

	// Recognition metrics
	Recognitions       *prometheus.CounterVec
	RecognitionLatency prometheus.Histogram
	ConversionLatency  prometheus.Histogram

	// Persistence metrics
	StoreRetries  prometheus.Counter
	StoreFailures prometheus.Counter
	HistoryWrites *prometheus.CounterVec
	Uploads       *prometheus.CounterVec
}

// New creates all metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsRegistered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_registered",
			Help:      "Number of recognition sessions currently registered",
		}),
		SessionsSwept: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_swept_total",
			Help:      "Total number of orphaned sessions removed by the sweeper",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Time from registration to response",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),

		Recognitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognitions_total",
			Help:      "Total number of recognitions by result type",
		}, []string{"result"}),
		RecognitionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recognition_latency_seconds",
			Help:      "Latency of the recognizer call",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		ConversionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "conversion_latency_seconds",
			Help:      "Latency of audio conversion",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),

		StoreRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_retries_total",
			Help:      "Total number of retried transient store faults",
		}),
		StoreFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_failures_total",
			Help:      "Total number of abandoned attempt writes",
		}),
		HistoryWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_writes_total",
			Help:      "Total number of history writes by outcome",
		}, []string{"outcome"}),
		Uploads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Total number of sample uploads by outcome",
		}, []string{"outcome"}),
	}
}

func Outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// Package metrics holds the process-wide Prometheus collectors for model
// loading and generation. They register with the default registry and are
// served by the daemon's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bitnet"

var (
	LoadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "load",
		Name:      "total",
		Help:      "Model loads by result",
	}, []string{"result"})

	LoadPhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "load",
		Name:      "phase_duration_seconds",
		Help:      "Duration of each load phase",
		Buckets:   []float64{.01, .05, .25, 1, 5, 15, 60, 300, 900},
	}, []string{"phase"})

	LoadFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "load",
		Name:      "failures_total",
		Help:      "Load failures by phase",
	}, []string{"phase"})

	DownloadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "download",
		Name:      "bytes_total",
		Help:      "Bytes fetched from remote model sources",
	})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "download",
		Name:      "cache_lookups_total",
		Help:      "Download cache lookups by result",
	}, []string{"result"})

	ChatsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chat",
		Name:      "total",
		Help:      "Generation runs by outcome",
	}, []string{"outcome"})

	TokensGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chat",
		Name:      "tokens_total",
		Help:      "Tokens delivered to callers",
	})

	ChatDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "chat",
		Name:      "duration_seconds",
		Help:      "Duration of generation runs",
		Buckets:   prometheus.DefBuckets,
	})

	ModelsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "models_open",
		Help:      "Loaded models not yet closed",
	})
)

// Package metrics exposes Prometheus counters for uploads, fetches and
// sweeps. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shotbox"

const (
	UploadSuccess = "success"
	UploadInvalid = "invalid"
	UploadDecode  = "decode_error"
	UploadError   = "error"

	FetchFile = "file"
	FetchPage = "page"
)

type Metrics struct {
	uploads       *prometheus.CounterVec
	fetches       *prometheus.CounterVec
	swept         prometheus.Counter
	sweepFailures prometheus.Counter
	sweepDuration prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		uploads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Upload requests by outcome.",
		}, []string{"result"}),
		fetches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Image lookups by endpoint and whether the key was found.",
		}, []string{"kind", "found"}),
		swept: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_removed_total",
			Help:      "Images removed by the expiry sweeper.",
		}),
		sweepFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_failures_total",
			Help:      "Entries the expiry sweeper failed to remove.",
		}),
		sweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Wall time of a single sweep.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) Upload(result string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(result).Inc()
}

func (m *Metrics) Fetch(kind string, found bool) {
	if m == nil {
		return
	}
	label := "false"
	if found {
		label = "true"
	}
	m.fetches.WithLabelValues(kind, label).Inc()
}

func (m *Metrics) Sweep(removed, failed int, took time.Duration) {
	if m == nil {
		return
	}
	m.swept.Add(float64(removed))
	m.sweepFailures.Add(float64(failed))
	m.sweepDuration.Observe(took.Seconds())
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

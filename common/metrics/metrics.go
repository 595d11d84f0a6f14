// Package metrics exposes intake counters and histograms.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics defines the intake instrumentation surface.
type Metrics interface {
	IncUpload(outcome string)
	IncVerdict(kind string)
	IncConversion(backend, outcome string)
	ObserveConversion(backend string, d time.Duration)
	IncDispatch(mode, reason string)
	AddSwept(phase string, n int)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncUpload(string)                        {}
func (Noop) IncVerdict(string)                       {}
func (Noop) IncConversion(string, string)            {}
func (Noop) ObserveConversion(string, time.Duration) {}
func (Noop) IncDispatch(string, string)              {}
func (Noop) AddSwept(string, int)                    {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	uploads     *prometheus.CounterVec
	verdicts    *prometheus.CounterVec
	conversions *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	dispatches  *prometheus.CounterVec
	swept       *prometheus.CounterVec
}

// NewProm registers the intake collectors with reg. A nil reg uses the
// default registerer.
func NewProm(namespace string, reg prometheus.Registerer) *Prom {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prom{
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Uploads by outcome",
		}, []string{"outcome"}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_verdicts_total",
			Help:      "Threat scan verdicts by kind",
		}, []string{"kind"}),
		conversions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversions_total",
			Help:      "Conversions by backend and outcome",
		}, []string{"backend", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "conversion_duration_seconds",
			Help:      "Conversion latency by backend",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Deferred job dispatches by mode and reason",
		}, []string{"mode", "reason"}),
		swept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_total",
			Help:      "Items reclaimed by the expiry sweeper by phase",
		}, []string{"phase"}),
	}
	reg.MustRegister(p.uploads, p.verdicts, p.conversions, p.duration, p.dispatches, p.swept)
	return p
}

func (p *Prom) IncUpload(outcome string) {
	p.uploads.WithLabelValues(outcome).Inc()
}

func (p *Prom) IncVerdict(kind string) {
	p.verdicts.WithLabelValues(kind).Inc()
}

func (p *Prom) IncConversion(backend, outcome string) {
	p.conversions.WithLabelValues(backend, outcome).Inc()
}

func (p *Prom) ObserveConversion(backend string, d time.Duration) {
	p.duration.WithLabelValues(backend).Observe(d.Seconds())
}

func (p *Prom) IncDispatch(mode, reason string) {
	if reason == "" {
		reason = "none"
	}
	p.dispatches.WithLabelValues(mode, reason).Inc()
}

func (p *Prom) AddSwept(phase string, n int) {
	if n > 0 {
		p.swept.WithLabelValues(phase).Add(float64(n))
	}
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

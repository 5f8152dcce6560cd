// Package metrics exposes Prometheus counters for token cache and session
// activity.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "authsession"

// Metrics groups the collectors of one AuthSession. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	coalesced        prometheus.Counter
	fetches          prometheus.Counter
	fetchErrors      *prometheus.CounterVec
	fetchDuration    prometheus.Histogram
	transitions      *prometheus.CounterVec
	callbackOutcomes *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil reg uses
// prometheus.DefaultRegisterer. Collectors already registered by a previous
// instance are reused.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "token_cache", Name: "hits_total",
			Help: "Token requests served from a fresh cache entry",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "token_cache", Name: "misses_total",
			Help: "Token requests that found no fresh cache entry",
		}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "token_cache", Name: "coalesced_total",
			Help: "Token requests that shared one fetch with other callers",
		}),
		fetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "token_cache", Name: "fetches_total",
			Help: "Fetches issued to the identity provider",
		}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "token_cache", Name: "fetch_errors_total",
			Help: "Failed fetches by error kind",
		}, []string{"kind"}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "token_cache", Name: "fetch_duration_seconds",
			Help:    "Duration of fetches issued to the identity provider",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "transitions_total",
			Help: "Session status transitions",
		}, []string{"from", "to"}),
		callbackOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "login", Name: "outcomes_total",
			Help: "Completed login flows by flow and result",
		}, []string{"flow", "result"}),
	}

	var err error
	m.cacheHits = register(reg, m.cacheHits, &err)
	m.cacheMisses = register(reg, m.cacheMisses, &err)
	m.coalesced = register(reg, m.coalesced, &err)
	m.fetches = register(reg, m.fetches, &err)
	m.fetchErrors = register(reg, m.fetchErrors, &err)
	m.fetchDuration = register(reg, m.fetchDuration, &err)
	m.transitions = register(reg, m.transitions, &err)
	m.callbackOutcomes = register(reg, m.callbackOutcomes, &err)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C, errp *error) C {
	if *errp != nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		*errp = err
	}
	return c
}

// Handler returns an HTTP handler serving the given gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) CacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *Metrics) CacheMiss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

func (m *Metrics) Coalesced() {
	if m != nil {
		m.coalesced.Inc()
	}
}

// Fetch records one provider fetch. kind is empty on success.
func (m *Metrics) Fetch(d time.Duration, kind string) {
	if m == nil {
		return
	}
	m.fetches.Inc()
	m.fetchDuration.Observe(d.Seconds())
	if kind != "" {
		m.fetchErrors.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Transition(from, to string) {
	if m != nil {
		m.transitions.WithLabelValues(from, to).Inc()
	}
}

// LoginOutcome records a finished redirect or popup flow. result is "ok" or
// an error kind.
func (m *Metrics) LoginOutcome(flow, result string) {
	if m != nil {
		m.callbackOutcomes.WithLabelValues(flow, result).Inc()
	}
}

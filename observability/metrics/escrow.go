package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type EscrowMetrics struct {
	projectsCreated   prometheus.Counter
	evidenceSubmitted prometheus.Counter
	decisions         *prometheus.CounterVec
	releasedEther     prometheus.Counter
	lockedEther       prometheus.Counter
	failures          *prometheus.CounterVec
}

type HTTPMetrics struct {
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	rateLimited *prometheus.CounterVec
}

var (
	escrowOnce     sync.Once
	escrowRegistry *EscrowMetrics

	httpOnce     sync.Once
	httpRegistry *HTTPMetrics
)

// Escrow returns the lazily-registered escrow engine metrics.
func Escrow() *EscrowMetrics {
	escrowOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			projectsCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "opticgov",
				Subsystem: "escrow",
				Name:      "projects_created_total",
				Help:      "Count of projects whose deposit was locked.",
			}),
			evidenceSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "opticgov",
				Subsystem: "escrow",
				Name:      "evidence_submitted_total",
				Help:      "Count of evidence references appended to milestones.",
			}),
			decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "opticgov",
				Subsystem: "escrow",
				Name:      "milestone_decisions_total",
				Help:      "Oracle verdicts applied to milestones by outcome.",
			}, []string{"verdict"}),
			releasedEther: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "opticgov",
				Subsystem: "escrow",
				Name:      "released_ether_total",
				Help:      "Value paid out to contractors, in ether.",
			}),
			lockedEther: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "opticgov",
				Subsystem: "escrow",
				Name:      "locked_ether_total",
				Help:      "Value locked at project creation, in ether.",
			}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "opticgov",
				Subsystem: "escrow",
				Name:      "operation_failures_total",
				Help:      "Rejected escrow operations by operation and reason.",
			}, []string{"operation", "reason"}),
		}
		prometheus.MustRegister(
			escrowRegistry.projectsCreated,
			escrowRegistry.evidenceSubmitted,
			escrowRegistry.decisions,
			escrowRegistry.releasedEther,
			escrowRegistry.lockedEther,
			escrowRegistry.failures,
		)
	})
	return escrowRegistry
}

func (m *EscrowMetrics) ObserveProjectCreated(lockedEther float64) {
	if m == nil {
		return
	}
	m.projectsCreated.Inc()
	if lockedEther > 0 {
		m.lockedEther.Add(lockedEther)
	}
}

func (m *EscrowMetrics) ObserveEvidence() {
	if m == nil {
		return
	}
	m.evidenceSubmitted.Inc()
}

func (m *EscrowMetrics) ObserveDecision(verdict string, releasedEther float64) {
	if m == nil {
		return
	}
	if verdict == "" {
		verdict = "unknown"
	}
	m.decisions.WithLabelValues(verdict).Inc()
	if releasedEther > 0 {
		m.releasedEther.Add(releasedEther)
	}
}

func (m *EscrowMetrics) ObserveFailure(operation, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "internal"
	}
	m.failures.WithLabelValues(operation, reason).Inc()
}

// HTTP returns the lazily-registered HTTP transport metrics.
func HTTP() *HTTPMetrics {
	httpOnce.Do(func() {
		httpRegistry = &HTTPMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "opticgov",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests segmented by route, method and status.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "opticgov",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "opticgov",
				Subsystem: "http",
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the per-caller limiter.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(httpRegistry.requests, httpRegistry.latency, httpRegistry.rateLimited)
	})
	return httpRegistry
}

func (m *HTTPMetrics) Observe(route, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	if status == 0 {
		status = http.StatusOK
	}
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route, method).Observe(elapsed.Seconds())
}

func (m *HTTPMetrics) ObserveRateLimited(route string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(route).Inc()
}

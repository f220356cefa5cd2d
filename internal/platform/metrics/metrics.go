// Package metrics exposes Prometheus collectors for HTTP traffic and lab
// interpretation outcomes.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carepoint/backoffice/pkg/labinterp"
)

const namespace = "backoffice"

// otherParameter labels critical values for parameters outside the
// configured critical table.
const otherParameter = "other"

var defaultDurationBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds the service collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	activeRequests  prometheus.Gauge

	analyses        prometheus.Counter
	criticalValues  *prometheus.CounterVec
	riskScore       prometheus.Histogram
	explainFallback *prometheus.CounterVec
	notifications   *prometheus.CounterVec

	// criticalParams bounds the parameter label. Read-only after setup.
	criticalParams map[string]struct{}
}

// New creates and registers all collectors. Process and Go runtime
// collectors are included when runtime is true.
func New(runtime bool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by method, route and status.",
			Buckets:   defaultDurationBuckets,
		}, []string{"method", "route", "status"}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "Requests currently being served.",
		}),
		analyses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lab",
			Name:      "analyses_total",
			Help:      "Lab result sets interpreted.",
		}),
		criticalValues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lab",
			Name:      "critical_values_total",
			Help:      "Critical values detected, by parameter; unknown parameters count as other.",
		}, []string{"parameter"}),
		riskScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lab",
			Name:      "risk_score",
			Help:      "Distribution of assessment risk scores.",
			Buckets:   []float64{0, 10, 25, 50, 75, 100},
		}),
		explainFallback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lab",
			Name:      "explanation_fallbacks_total",
			Help:      "Explanations replaced by the deterministic fallback, by reason.",
		}, []string{"reason"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notification",
			Name:      "sent_total",
			Help:      "Notification deliveries by channel and outcome.",
		}, []string{"channel", "outcome"}),
	}

	m.registry.MustRegister(
		m.requestDuration,
		m.activeRequests,
		m.analyses,
		m.criticalValues,
		m.riskScore,
		m.explainFallback,
		m.notifications,
	)
	m.TrackCriticalParameters(labinterp.DefaultTables())
	if runtime {
		m.registry.MustRegister(
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
			collectors.NewGoCollector(),
		)
	}
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// TrackCriticalParameters limits the critical_values_total parameter label to
// the keys of t.Critical. Call it before the collectors are in use.
func (m *Metrics) TrackCriticalParameters(t labinterp.Tables) {
	params := make(map[string]struct{}, len(t.Critical))
	for name := range t.Critical {
		params[strings.ToLower(strings.TrimSpace(name))] = struct{}{}
	}
	m.criticalParams = params
}

func (m *Metrics) parameterLabel(parameter string) string {
	p := strings.ToLower(strings.TrimSpace(parameter))
	if _, ok := m.criticalParams[p]; ok {
		return p
	}
	return otherParameter
}

// ObserveAssessment implements labinterp.Observer.
func (m *Metrics) ObserveAssessment(a *labinterp.Assessment) {
	if a == nil {
		return
	}
	m.analyses.Inc()
	m.riskScore.Observe(float64(a.RiskScore))
	for _, cv := range a.CriticalValues {
		m.criticalValues.WithLabelValues(m.parameterLabel(cv.Parameter)).Inc()
	}
}

// ObserveExplanationFallback implements labinterp.Observer.
func (m *Metrics) ObserveExplanationFallback(reason string) {
	m.explainFallback.WithLabelValues(reason).Inc()
}

// ObserveNotification counts one delivery attempt.
func (m *Metrics) ObserveNotification(channel string, err error) {
	outcome := "sent"
	if err != nil {
		outcome = "failed"
	}
	m.notifications.WithLabelValues(channel, outcome).Inc()
}

// Middleware records request duration per route and the number of
// in-flight requests.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.activeRequests.Inc()
			start := time.Now()

			err := next(c)

			m.activeRequests.Dec()
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.requestDuration.
				WithLabelValues(c.Request().Method, route, strconv.Itoa(statusOf(c, err))).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// statusOf returns the status the error handler will write for err, or the
// committed response status.
func statusOf(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
}

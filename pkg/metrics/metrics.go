// Package metrics provides Prometheus instrumentation for outbound calls to the
// realm and authorization services and for inbound HTTP requests.
package metrics

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// Namespace is the Prometheus namespace for all metrics
	Namespace = "loginshield"

	LabelOperation  = "operation"
	LabelStatus     = "status"
	LabelMethod     = "method"
	LabelRoute      = "route"
	LabelStatusCode = "status_code"
	LabelOutcome    = "outcome"

	StatusSuccess = "success"
	StatusError   = "error"

	// Outbound operation names
	OpRealmFetch      = "realm_fetch"
	OpRealmUserCreate = "realm_user_create"
	OpRealmUserDelete = "realm_user_delete"
	OpLoginStart      = "login_start"
	OpLoginVerify     = "login_verify"
	OpDiscovery       = "webauthz_discovery"
	OpRegister        = "webauthz_register"
	OpRequestAccess   = "webauthz_request"
	OpExchange        = "webauthz_exchange"
)

var (
	// OutboundRequestsTotal counts calls to the remote service by operation and status.
	OutboundRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "outbound",
			Name:      "requests_total",
			Help:      "Total number of outbound requests by operation and response status",
		},
		[]string{LabelOperation, LabelStatus},
	)

	// OutboundRequestDuration tracks outbound request latency.
	OutboundRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "outbound",
			Name:      "request_duration_seconds",
			Help:      "Duration of outbound requests in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{LabelOperation},
	)

	// HTTPRequestsTotal counts inbound HTTP requests by method, route and status code.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, route and status code",
		},
		[]string{LabelMethod, LabelRoute, LabelStatusCode},
	)

	// HTTPRequestDuration tracks inbound request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelMethod, LabelRoute},
	)

	// LoginOutcomesTotal counts login dispatch decisions, e.g. "start", "new_key",
	// "password_required", "verified", "rejected".
	LoginOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "login_outcomes_total",
			Help:      "Total number of login attempts by outcome",
		},
		[]string{LabelOutcome},
	)

	// TokenExchangesTotal counts webauthz token exchanges by kind and status.
	TokenExchangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "token_exchanges_total",
			Help:      "Total number of token exchanges by kind and status",
		},
		[]string{LabelOperation, LabelStatus},
	)
)

var enabled atomic.Bool

func init() {
	enabled.Store(true)
}

// SetEnabled turns metric recording on or off. Collectors stay registered.
func SetEnabled(on bool) { enabled.Store(on) }

// IsEnabled reports whether metrics are being recorded.
func IsEnabled() bool { return enabled.Load() }

// RecordOutbound records one outbound request. status is the HTTP status code
// as a string or StatusError for transport failures.
func RecordOutbound(op, status string, d time.Duration) {
	if !IsEnabled() {
		return
	}
	OutboundRequestsTotal.WithLabelValues(op, status).Inc()
	OutboundRequestDuration.WithLabelValues(op).Observe(d.Seconds())
}

// RecordLoginOutcome records a login dispatch decision.
func RecordLoginOutcome(outcome string) {
	if !IsEnabled() {
		return
	}
	LoginOutcomesTotal.WithLabelValues(outcome).Inc()
}

// RecordExchange records a token exchange attempt.
func RecordExchange(kind string, err error) {
	if !IsEnabled() {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	TokenExchangesTotal.WithLabelValues(kind, status).Inc()
}

// GinMiddleware records request count and latency per matched route.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsEnabled() {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

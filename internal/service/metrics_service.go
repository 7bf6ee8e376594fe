package service

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the HTTP
// surface and the auth flows.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	registrations   prometheus.Counter
	logins          prometheus.Counter
	tokenRejections *prometheus.CounterVec
}

// NewMetricsService registers the collectors on a private registry.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	registrations := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_registrations_total",
		Help: "Total number of successful registrations",
	})

	logins := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_logins_total",
		Help: "Total number of successful logins",
	})

	tokenRejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_token_rejections_total",
		Help: "Access tokens rejected by the authentication gate",
	}, []string{"reason"})

	registry.MustRegister(requestDuration, requestTotal, registrations, logins, tokenRejections)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		registrations:   registrations,
		logins:          logins,
		tokenRejections: tokenRejections,
	}
}

// Handler serves the Prometheus exposition endpoint.
func (m *MetricsService) Handler() http.Handler {
	return m.handler
}

// ObserveHTTPRequest records a handled request.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	labels := prometheus.Labels{
		"method": method,
		"path":   path,
		"status": strconv.Itoa(status),
	}
	m.requestDuration.With(labels).Observe(duration.Seconds())
	m.requestTotal.With(labels).Inc()
}

// RecordRegistration counts a successful registration.
func (m *MetricsService) RecordRegistration() {
	m.registrations.Inc()
}

// RecordLogin counts a successful login.
func (m *MetricsService) RecordLogin() {
	m.logins.Inc()
}

// RecordTokenRejection counts a gate rejection by reason.
func (m *MetricsService) RecordTokenRejection(reason string) {
	m.tokenRejections.WithLabelValues(reason).Inc()
}

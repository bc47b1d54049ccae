package link

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds vault-link proxy metrics.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	CircuitState     *prometheus.GaugeVec
	RateLimitedTotal *prometheus.CounterVec
	ReloadsTotal     *prometheus.CounterVec
}

// NewMetrics registers and returns vault-link metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_link_requests_total",
			Help: "Total requests proxied to vaults.",
		}, []string{"vault", "method", "status"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_link_request_duration_seconds",
			Help:    "Request duration in seconds, including challenge rounds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"vault", "method"}),
		CircuitState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_link_circuit_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"vault"}),
		RateLimitedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_link_rate_limited_total",
			Help: "Total requests rejected by rate limiting.",
		}, []string{"vault"}),
		ReloadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_link_config_reloads_total",
			Help: "Config reloads by result.",
		}, []string{"result"}),
	}
}

// RecordRequest records a proxied request. status is 0 when no response was
// received from the vault.
func (m *Metrics) RecordRequest(vault, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(vault, method, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(vault, method).Observe(d.Seconds())
}

// SetCircuitState records a breaker state for a vault.
func (m *Metrics) SetCircuitState(vault string, state int) {
	if m == nil {
		return
	}
	m.CircuitState.WithLabelValues(vault).Set(float64(state))
}

// RecordRateLimited counts a request rejected by the rate limiter.
func (m *Metrics) RecordRateLimited(vault string) {
	if m == nil {
		return
	}
	m.RateLimitedTotal.WithLabelValues(vault).Inc()
}

// RecordReload counts a config reload attempt.
func (m *Metrics) RecordReload(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.ReloadsTotal.WithLabelValues(result).Inc()
}

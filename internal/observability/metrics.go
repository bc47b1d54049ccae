package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Challenge outcomes recorded on ChallengesTotal.
const (
	OutcomeAccepted         = "accepted"
	OutcomeNoHeader         = "no_header"
	OutcomeConsecutive      = "consecutive_rejected"
	OutcomeMalformed        = "malformed"
	OutcomeResourceMismatch = "resource_mismatch"
	OutcomeAcquireFailed    = "acquire_failed"
	OutcomeCancelled        = "cancelled"
)

// Metrics holds the authentication metrics shared by every vault pipeline.
type Metrics struct {
	ChallengesTotal        *prometheus.CounterVec
	TokenAcquisitionsTotal *prometheus.CounterVec
	ChallengeCacheEntries  *prometheus.GaugeVec
}

// NewMetrics creates and registers the authentication metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ChallengesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_link_challenges_total",
			Help: "Authentication challenges handled, by authority and outcome.",
		}, []string{"authority", "outcome"}),

		TokenAcquisitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_link_token_acquisitions_total",
			Help: "Token acquisitions by authority and result.",
		}, []string{"authority", "result"}),

		ChallengeCacheEntries: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_link_challenge_cache_entries",
			Help: "Authorities with a cached challenge, per vault.",
		}, []string{"vault"}),
	}
}

// RecordChallenge counts one challenge round. Safe on a nil receiver.
func (m *Metrics) RecordChallenge(authority, outcome string) {
	if m == nil {
		return
	}
	m.ChallengesTotal.WithLabelValues(authority, outcome).Inc()
}

// RecordTokenAcquisition counts one call to the token acquirer. Safe on a nil receiver.
func (m *Metrics) RecordTokenAcquisition(authority string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.TokenAcquisitionsTotal.WithLabelValues(authority, result).Inc()
}

// SetCacheEntries reports the challenge cache size for a vault. Safe on a nil receiver.
func (m *Metrics) SetCacheEntries(vault string, n int) {
	if m == nil {
		return
	}
	m.ChallengeCacheEntries.WithLabelValues(vault).Set(float64(n))
}

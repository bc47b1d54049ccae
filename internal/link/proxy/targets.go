package proxy

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/vaultlink/internal/credential"
	"github.com/lsm/vaultlink/internal/kvauth"
	"github.com/lsm/vaultlink/internal/link"
	"github.com/lsm/vaultlink/internal/observability"
	"github.com/lsm/vaultlink/internal/pipeline"
)

// Target is a configured vault together with the pipeline that reaches it.
type Target struct {
	Config    link.VaultConfig
	Pipeline  runtime.Pipeline
	Challenge *kvauth.ChallengePolicy
	Breaker   *pipeline.Breaker
}

// TargetStore provides thread-safe access to targets by vault name.
type TargetStore struct {
	mu      sync.RWMutex
	targets map[string]*Target
}

// NewTargetStore creates a store holding targets.
func NewTargetStore(targets []*Target) *TargetStore {
	s := &TargetStore{}
	s.Update(targets)
	return s
}

// Get returns a target by name, or nil if not found.
func (s *TargetStore) Get(name string) *Target {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.targets[name]
}

// Update replaces the target set.
func (s *TargetStore) Update(targets []*Target) {
	m := make(map[string]*Target, len(targets))
	for _, t := range targets {
		m[t.Config.Name] = t
	}
	s.mu.Lock()
	s.targets = m
	s.mu.Unlock()
}

// Names returns all vault names, sorted.
func (s *TargetStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.targets))
	for k := range s.targets {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of targets.
func (s *TargetStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.targets)
}

// BuildOptions carries the shared dependencies of every target.
type BuildOptions struct {
	Logger           *slog.Logger
	Metrics          *link.Metrics
	ChallengeMetrics *observability.Metrics
	Tracer           trace.Tracer

	// Transport overrides the instrumented default transport.
	Transport policy.Transporter

	// Acquirer builds the token acquirer for a vault. Defaults to
	// credential.Build.
	Acquirer func(link.CredentialConfig) (kvauth.TokenAcquirer, error)
}

// BuildTargets creates a target per vault. A vault already present in
// previous with the same URL keeps its challenge cache, so a reload does not
// force another discovery round. When its credential and challenge settings
// are also unchanged it keeps the whole challenge policy, cached tokens
// included.
func BuildTargets(vaults []link.VaultConfig, previous *TargetStore, opts BuildOptions) ([]*Target, error) {
	if opts.Acquirer == nil {
		opts.Acquirer = credential.Build
	}

	targets := make([]*Target, 0, len(vaults))
	for _, v := range vaults {
		var old *Target
		if previous != nil {
			if t := previous.Get(v.Name); t != nil && t.Config.URL == v.URL {
				old = t
			}
		}

		var challenge *kvauth.ChallengePolicy
		if old != nil && sameAuth(old.Config, v) {
			// Unchanged credentials keep their tokens as well as the challenges.
			challenge = old.Challenge
		} else {
			acq, err := opts.Acquirer(v.Credential)
			if err != nil {
				return nil, fmt.Errorf("vault %q: %w", v.Name, err)
			}
			var cache *kvauth.ChallengeCache
			if old != nil {
				cache = old.Challenge.Cache()
			}
			challenge = kvauth.NewChallengePolicy(acq, &kvauth.ChallengePolicyOptions{
				Cache:                                cache,
				DisableChallengeResourceVerification: !v.VerifiesChallengeResource(),
				InsecureAllowCredentialWithHTTP:      v.InsecureAllowHTTP,
				Logger:                               opts.Logger,
				Metrics:                              opts.ChallengeMetrics,
				Tracer:                               opts.Tracer,
			})
		}

		var breaker *pipeline.Breaker
		if v.CircuitBreaker.Enabled {
			name, metrics := v.Name, opts.Metrics
			breaker = pipeline.NewBreaker(pipeline.BreakerConfig{
				FailureThreshold: v.CircuitBreaker.FailureThreshold,
				SuccessThreshold: v.CircuitBreaker.SuccessThreshold,
				ResetTimeout:     v.CircuitBreaker.ResetTimeoutOr(0),
			}, pipeline.WithStateChange(func(s pipeline.State) {
				metrics.SetCircuitState(name, int(s))
			}))
			metrics.SetCircuitState(name, int(pipeline.Closed))
		}

		targets = append(targets, &Target{
			Config:    v,
			Challenge: challenge,
			Breaker:   breaker,
			Pipeline: pipeline.New(pipeline.Options{
				Challenge: challenge,
				Retry:     v.Retry.Options(),
				Limiter:   pipeline.NewLimiter(v.RateLimit.RequestsPerSecond, v.RateLimit.Burst),
				Breaker:   breaker,
				Transport: opts.Transport,
			}),
		})
	}
	return targets, nil
}

// sameAuth reports whether a and b authenticate identically.
func sameAuth(a, b link.VaultConfig) bool {
	return a.Credential == b.Credential &&
		a.VerifiesChallengeResource() == b.VerifiesChallengeResource() &&
		a.InsecureAllowHTTP == b.InsecureAllowHTTP
}

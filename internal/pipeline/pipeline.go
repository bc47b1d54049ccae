// Package pipeline assembles the azcore request pipeline used to talk to a
// vault: local rate limiting, request correlation, a circuit breaker, azcore
// retries and the challenge authentication policy, over an instrumented
// HTTP transport.
package pipeline

import (
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/lsm/vaultlink/internal/kvauth"
)

const (
	moduleName    = "vaultlink"
	moduleVersion = "v1.0.0"
)

// Options configures New.
type Options struct {
	// Challenge authorizes each try. Required.
	Challenge *kvauth.ChallengePolicy

	// Retry is passed to the azcore retry policy.
	Retry policy.RetryOptions

	// Limiter rejects requests above the configured rate. Nil disables it.
	Limiter *rate.Limiter

	// Breaker short-circuits requests to an unhealthy vault. Nil disables it.
	Breaker *Breaker

	// Transport defaults to an otelhttp-instrumented http.Client.
	Transport policy.Transporter

	// ApplicationID is added to the User-Agent header.
	ApplicationID string
}

// New builds a pipeline. Policies run in this order: rate limit, request id,
// circuit breaker, retry, challenge authentication, transport.
func New(opts Options) runtime.Pipeline {
	var perCall []policy.Policy
	if opts.Limiter != nil {
		perCall = append(perCall, rateLimitPolicy{limiter: opts.Limiter})
	}
	perCall = append(perCall, requestIDPolicy{})
	if opts.Breaker != nil {
		perCall = append(perCall, breakerPolicy{breaker: opts.Breaker})
	}

	transport := opts.Transport
	if transport == nil {
		transport = NewTransport()
	}

	return runtime.NewPipeline(moduleName, moduleVersion, runtime.PipelineOptions{
		PerCall:  perCall,
		PerRetry: []policy.Policy{opts.Challenge},
	}, &policy.ClientOptions{
		Transport: transport,
		Retry:     opts.Retry,
		Telemetry: policy.TelemetryOptions{
			ApplicationID: opts.ApplicationID,
			Disabled:      opts.ApplicationID == "",
		},
	})
}

// NewTransport returns an http.Client whose requests are traced.
func NewTransport() *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
}

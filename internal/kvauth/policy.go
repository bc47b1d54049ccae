package kvauth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/vaultlink/internal/observability"
	"github.com/lsm/vaultlink/internal/tracing"
)

const (
	headerAuthorization   = "Authorization"
	headerContentLength   = "Content-Length"
	headerContentType     = "Content-Type"
	headerWWWAuthenticate = "WWW-Authenticate"

	// maxChallengeDepth bounds a request to two challenge rounds: a discovery
	// challenge optionally followed by a CAE claims challenge.
	maxChallengeDepth = 1
)

// ErrInsecureTransport is returned for requests that would carry a bearer
// token over plain HTTP.
var ErrInsecureTransport = errors.New("bearer token authentication is not permitted for non-TLS protected (non-https) URLs")

// ChallengePolicyOptions configures a ChallengePolicy. The zero value verifies
// challenge resources and requires TLS.
type ChallengePolicyOptions struct {
	// Cache is shared by every request the policy sees. A new cache is
	// created when nil.
	Cache *ChallengeCache

	// DisableChallengeResourceVerification skips checking that a challenge's
	// scope belongs to the requested host.
	DisableChallengeResourceVerification bool

	// InsecureAllowCredentialWithHTTP permits plain HTTP, e.g. for emulators.
	InsecureAllowCredentialWithHTTP bool

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  trace.Tracer

	// Clock is used for token expiry checks. Defaults to time.Now.
	Clock func() time.Time
}

// ChallengePolicy authorizes requests using the challenge protocol described in
// the package documentation. It implements policy.Policy and must be placed in
// the per-retry section of a pipeline. It is safe for concurrent use.
type ChallengePolicy struct {
	acquirer  TokenAcquirer
	cache     *ChallengeCache
	verify    bool
	allowHTTP bool
	logger    *observability.TraceLogger
	metrics   *observability.Metrics
	tracer    trace.Tracer
	clock     func() time.Time

	mu     sync.Mutex
	tokens map[string]CachedToken
}

// NewChallengePolicy creates a policy that gets tokens from acquirer.
func NewChallengePolicy(acquirer TokenAcquirer, opts *ChallengePolicyOptions) *ChallengePolicy {
	if opts == nil {
		opts = &ChallengePolicyOptions{}
	}
	p := &ChallengePolicy{
		acquirer:  acquirer,
		cache:     opts.Cache,
		verify:    !opts.DisableChallengeResourceVerification,
		allowHTTP: opts.InsecureAllowCredentialWithHTTP,
		logger:    observability.NewTraceLogger(opts.Logger),
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		clock:     opts.Clock,
		tokens:    make(map[string]CachedToken),
	}
	if p.cache == nil {
		p.cache = NewChallengeCache()
	}
	if p.clock == nil {
		p.clock = time.Now
	}
	return p
}

// Cache returns the challenge cache the policy reads and writes.
func (p *ChallengePolicy) Cache() *ChallengeCache {
	return p.cache
}

// savedBody is the content removed from a discovery request.
type savedBody struct {
	body        io.ReadSeekCloser
	contentType string
}

// Do implements policy.Policy.
func (p *ChallengePolicy) Do(req *policy.Request) (*http.Response, error) {
	raw := req.Raw()
	if raw.URL.Scheme != "https" && !p.allowHTTP {
		return nil, ErrInsecureTransport
	}
	ctx := raw.Context()
	authority := Authority(raw.URL)

	var saved *savedBody
	if challenge, ok := p.cache.Get(authority); ok {
		// A vault that moved tenants answers this with a new challenge.
		token, err := p.tokenFor(ctx, authority, challenge)
		if err != nil {
			return nil, err
		}
		raw.Header.Set(headerAuthorization, "Bearer "+token)
	} else {
		var err error
		if saved, err = stripBody(req); err != nil {
			return nil, err
		}
	}

	resp, err := req.Next()
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	return p.handleChallenge(req, resp, authority, saved, 0)
}

// handleChallenge answers a 401. depth is 0 for the first challenge of a
// request and 1 for a claims challenge that follows it.
func (p *ChallengePolicy) handleChallenge(req *policy.Request, resp *http.Response, authority string, saved *savedBody, depth int) (*http.Response, error) {
	p.invalidate(authority)

	header := resp.Header.Get(headerWWWAuthenticate)
	if header == "" {
		p.metrics.RecordChallenge(authority, observability.OutcomeNoHeader)
		return resp, nil
	}
	claimsChallenge := HasClaims(header)
	if depth > 0 && !claimsChallenge {
		// Only a claims challenge may follow another challenge.
		p.metrics.RecordChallenge(authority, observability.OutcomeConsecutive)
		return resp, nil
	}

	ctx, span := tracing.StartSpan(req.Raw().Context(), p.tracer, tracing.SpanChallenge,
		trace.WithAttributes(
			tracing.AuthorityAttr(authority),
			tracing.ChallengeDepthAttr(depth),
			tracing.ChallengeClaimsAttr(claimsChallenge),
		))
	defer span.End()

	fail := func(outcome string, err error) (*http.Response, error) {
		runtime.Drain(resp)
		p.metrics.RecordChallenge(authority, outcome)
		span.SetAttributes(tracing.ChallengeOutcomeAttr(outcome))
		tracing.SetSpanError(span, err)
		p.logger.Warn(ctx, "challenge rejected", "authority", authority, "depth", depth, "outcome", outcome, "error", err)
		return nil, err
	}

	challenge, err := ParseChallenge(header)
	if err != nil {
		return fail(observability.OutcomeMalformed, err)
	}
	if challenge.HasClaims() {
		// CAE challenges usually omit the scope and tenant.
		if prev, ok := p.cache.Get(authority); ok {
			challenge.Scope = prev.TokenScope()
			challenge.TenantID = prev.TenantID
		}
	}
	if err := challenge.Validate(); err != nil {
		return fail(observability.OutcomeMalformed, err)
	}

	if p.verify {
		if err := verifyChallengeResource(challenge.TokenScope(), req.Raw().URL); err != nil {
			outcome := observability.OutcomeResourceMismatch
			if errors.Is(err, ErrMalformedChallenge) {
				outcome = observability.OutcomeMalformed
			}
			return fail(outcome, err)
		}
	}

	if err := restoreBody(req, saved); err != nil {
		runtime.Drain(resp)
		tracing.SetSpanError(span, err)
		return nil, err
	}

	token, err := p.acquire(ctx, authority, tokenRequestFor(challenge, true))
	if err != nil {
		if ctx.Err() != nil {
			return fail(observability.OutcomeCancelled, err)
		}
		return fail(observability.OutcomeAcquireFailed, err)
	}
	if err := ctx.Err(); err != nil {
		return fail(observability.OutcomeCancelled, err)
	}

	p.cache.Set(authority, challenge)
	p.store(authority, token)
	p.metrics.RecordChallenge(authority, observability.OutcomeAccepted)
	span.SetAttributes(tracing.ChallengeOutcomeAttr(observability.OutcomeAccepted))
	p.logger.Debug(ctx, "challenge accepted", "authority", authority, "depth", depth,
		"claims", challenge.HasClaims(), "adfs", challenge.IsADFS())

	runtime.Drain(resp)
	req.Raw().Header.Set(headerAuthorization, "Bearer "+token.Value)
	resp, err = req.Next()
	if err != nil {
		tracing.SetSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(tracing.HTTPStatusAttr(resp.StatusCode))

	if resp.StatusCode == http.StatusUnauthorized && depth < maxChallengeDepth && !claimsChallenge {
		return p.handleChallenge(req, resp, authority, nil, depth+1)
	}
	return resp, nil
}

// tokenFor returns a usable token for a request to an authority with a cached
// challenge, acquiring a new one when needed.
func (p *ChallengePolicy) tokenFor(ctx context.Context, authority string, challenge *Challenge) (string, error) {
	p.mu.Lock()
	cached, ok := p.tokens[authority]
	p.mu.Unlock()
	if ok && cached.UsableAt(p.clock()) {
		return cached.Value, nil
	}

	token, err := p.acquire(ctx, authority, tokenRequestFor(challenge, false))
	if err != nil {
		return "", err
	}
	p.store(authority, token)
	return token.Value, nil
}

func (p *ChallengePolicy) acquire(ctx context.Context, authority string, tr TokenRequest) (CachedToken, error) {
	token, err := p.acquirer.Acquire(ctx, tr)
	p.metrics.RecordTokenAcquisition(authority, err)
	return token, err
}

func (p *ChallengePolicy) store(authority string, token CachedToken) {
	p.mu.Lock()
	p.tokens[authority] = token
	p.mu.Unlock()
}

func (p *ChallengePolicy) invalidate(authority string) {
	p.mu.Lock()
	delete(p.tokens, authority)
	p.mu.Unlock()
}

// stripBody turns req into a bodiless discovery request and returns what was removed.
func stripBody(req *policy.Request) (*savedBody, error) {
	body := req.Body()
	if body == nil {
		return nil, nil
	}
	saved := &savedBody{body: body, contentType: req.Raw().Header.Get(headerContentType)}
	if err := req.SetBody(nil, ""); err != nil {
		return nil, err
	}
	req.Raw().Header.Set(headerContentLength, "0")
	return saved, nil
}

// restoreBody reattaches a stripped body, or rewinds the body a previous
// attempt already sent.
func restoreBody(req *policy.Request, saved *savedBody) error {
	if saved == nil {
		return req.RewindBody()
	}
	return req.SetBody(saved.body, saved.contentType)
}

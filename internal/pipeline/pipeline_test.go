package pipeline

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/google/uuid"

	"github.com/lsm/vaultlink/internal/kvauth"
)

const (
	secretURL   = "https://myvault.vault.azure.net/secrets/a?api-version=7.5"
	kvChallenge = `Bearer authorization="https://login.microsoftonline.com/tenant-a", resource="https://vault.azure.net"`
)

// stubTransport answers with respond and records request headers.
type stubTransport struct {
	mu      sync.Mutex
	headers []http.Header
	respond func(n int, req *http.Request) (*http.Response, error)
}

func (s *stubTransport) Do(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	n := len(s.headers)
	s.headers = append(s.headers, req.Header.Clone())
	s.mu.Unlock()
	resp, err := s.respond(n, req)
	if resp != nil {
		resp.Request = req
	}
	return resp, err
}

func (s *stubTransport) sent() []http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]http.Header(nil), s.headers...)
}

func respondStatus(codes ...int) func(int, *http.Request) (*http.Response, error) {
	return func(n int, _ *http.Request) (*http.Response, error) {
		code := codes[len(codes)-1]
		if n < len(codes) {
			code = codes[n]
		}
		return &http.Response{StatusCode: code, Header: http.Header{}, Body: http.NoBody}, nil
	}
}

func challengePolicy() *kvauth.ChallengePolicy {
	return kvauth.NewChallengePolicy(kvauth.TokenAcquirerFunc(func(context.Context, kvauth.TokenRequest) (kvauth.CachedToken, error) {
		return kvauth.CachedToken{Value: "tok", ExpiresOn: time.Now().Add(time.Hour)}, nil
	}), nil)
}

func do(t *testing.T, pl runtime.Pipeline, header http.Header) (*http.Response, error) {
	t.Helper()
	req, err := runtime.NewRequest(context.Background(), http.MethodGet, secretURL)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	for k, v := range header {
		req.Raw().Header[k] = v
	}
	return pl.Do(req)
}

func noRetry() policy.RetryOptions {
	return policy.RetryOptions{MaxRetries: -1}
}

func TestPipeline_AuthenticatesThroughChallenge(t *testing.T) {
	tr := &stubTransport{respond: func(_ int, req *http.Request) (*http.Response, error) {
		if req.Header.Get("Authorization") == "" {
			resp := &http.Response{StatusCode: http.StatusUnauthorized, Header: http.Header{}, Body: http.NoBody}
			resp.Header.Set("WWW-Authenticate", kvChallenge)
			return resp, nil
		}
		return &http.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: http.NoBody}, nil
	}}
	pl := New(Options{Challenge: challengePolicy(), Retry: noRetry(), Transport: tr})

	resp, err := do(t, pl, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	sent := tr.sent()
	if len(sent) != 2 {
		t.Fatalf("expected discovery and authorized send, got %d sends", len(sent))
	}
	first, second := sent[0].Get(HeaderClientRequestID), sent[1].Get(HeaderClientRequestID)
	if _, err := uuid.Parse(first); err != nil {
		t.Errorf("expected uuid request id, got %q", first)
	}
	if first != second {
		t.Errorf("expected one request id across challenge rounds, got %q and %q", first, second)
	}
	if got := sent[1].Get("Authorization"); got != "Bearer tok" {
		t.Errorf("expected Bearer tok, got %q", got)
	}
}

func TestPipeline_PreservesCallerRequestID(t *testing.T) {
	tr := &stubTransport{respond: respondStatus(http.StatusOK)}
	pl := New(Options{Challenge: challengePolicy(), Retry: noRetry(), Transport: tr})

	_, err := do(t, pl, http.Header{http.CanonicalHeaderKey(HeaderClientRequestID): {"caller-id"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := tr.sent()[0].Get(HeaderClientRequestID); got != "caller-id" {
		t.Errorf("expected caller-id, got %q", got)
	}
}

func TestPipeline_RateLimit(t *testing.T) {
	tr := &stubTransport{respond: respondStatus(http.StatusOK)}
	limiter := NewLimiter(0.001, 1)
	pl := New(Options{Challenge: challengePolicy(), Retry: noRetry(), Transport: tr, Limiter: limiter})

	if _, err := do(t, pl, nil); err != nil {
		t.Fatalf("first request: unexpected error %v", err)
	}
	_, err := do(t, pl, nil)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if n := len(tr.sent()); n != 1 {
		t.Errorf("expected rejected request not to be sent, got %d sends", n)
	}
}

func TestNewLimiter(t *testing.T) {
	if NewLimiter(0, 10) != nil {
		t.Error("expected nil limiter for zero rps")
	}
	if lim := NewLimiter(0.5, 0); lim.Burst() != 1 {
		t.Errorf("expected burst 1, got %d", lim.Burst())
	}
	if lim := NewLimiter(20, 0); lim.Burst() != 20 {
		t.Errorf("expected burst 20, got %d", lim.Burst())
	}
}

func TestPipeline_CircuitBreaker(t *testing.T) {
	tr := &stubTransport{respond: respondStatus(http.StatusInternalServerError)}
	var states []State
	breaker := NewBreaker(BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour},
		WithStateChange(func(s State) { states = append(states, s) }))
	pl := New(Options{Challenge: challengePolicy(), Retry: noRetry(), Transport: tr, Breaker: breaker})

	for i := 0; i < 2; i++ {
		resp, err := do(t, pl, nil)
		if err != nil {
			t.Fatalf("request %d: unexpected error %v", i, err)
		}
		if resp.StatusCode != http.StatusInternalServerError {
			t.Fatalf("request %d: expected 500, got %d", i, resp.StatusCode)
		}
	}

	_, err := do(t, pl, nil)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if n := len(tr.sent()); n != 2 {
		t.Errorf("expected open circuit not to send, got %d sends", n)
	}
	if len(states) != 1 || states[0] != Open {
		t.Errorf("expected a single transition to open, got %v", states)
	}
}

func TestPipeline_BreakerIgnoresClientErrors(t *testing.T) {
	tr := &stubTransport{respond: respondStatus(http.StatusNotFound)}
	breaker := NewBreaker(BreakerConfig{FailureThreshold: 1})
	pl := New(Options{Challenge: challengePolicy(), Retry: noRetry(), Transport: tr, Breaker: breaker})

	for i := 0; i < 3; i++ {
		if _, err := do(t, pl, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if breaker.State() != Closed {
		t.Errorf("expected 404s not to open the circuit, got %s", breaker.State())
	}
}

func TestPipeline_BreakerCountsTransportErrors(t *testing.T) {
	tr := &stubTransport{respond: func(int, *http.Request) (*http.Response, error) {
		return nil, errors.New("dial tcp: connection refused")
	}}
	breaker := NewBreaker(BreakerConfig{FailureThreshold: 1})
	pl := New(Options{Challenge: challengePolicy(), Retry: noRetry(), Transport: tr, Breaker: breaker})

	if _, err := do(t, pl, nil); err == nil {
		t.Fatal("expected transport error")
	}
	if breaker.State() != Open {
		t.Errorf("expected transport error to open the circuit, got %s", breaker.State())
	}
}

func TestPipeline_Retries(t *testing.T) {
	tr := &stubTransport{respond: respondStatus(http.StatusServiceUnavailable, http.StatusOK)}
	pl := New(Options{
		Challenge: challengePolicy(),
		Retry:     policy.RetryOptions{MaxRetries: 2, RetryDelay: time.Millisecond, MaxRetryDelay: time.Millisecond},
		Transport: tr,
	})

	resp, err := do(t, pl, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 after retry, got %d", resp.StatusCode)
	}
	if n := len(tr.sent()); n != 2 {
		t.Errorf("expected 2 sends, got %d", n)
	}
}

func TestPipeline_ApplicationID(t *testing.T) {
	tr := &stubTransport{respond: respondStatus(http.StatusOK)}
	pl := New(Options{Challenge: challengePolicy(), Retry: noRetry(), Transport: tr, ApplicationID: "vaultctl"})

	if _, err := do(t, pl, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ua := tr.sent()[0].Get("User-Agent"); !strings.Contains(ua, "vaultctl") {
		t.Errorf("expected User-Agent to contain vaultctl, got %q", ua)
	}
}

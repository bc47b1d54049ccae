package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/lsm/vaultlink/internal/kvauth"
	"github.com/lsm/vaultlink/internal/link"
	"github.com/lsm/vaultlink/internal/observability"
	"github.com/lsm/vaultlink/internal/tracing"
)

const localChallenge = `Bearer authorization="https://login.example/tenant-a", resource="https://127.0.0.1"`

type upstreamCall struct {
	method string
	path   string
	query  string
	header http.Header
	body   string
}

// fakeVault challenges unauthenticated requests and otherwise calls serve.
type fakeVault struct {
	mu        sync.Mutex
	calls     []upstreamCall
	challenge string
	serve     http.HandlerFunc
}

func (v *fakeVault) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	v.mu.Lock()
	v.calls = append(v.calls, upstreamCall{r.Method, r.URL.Path, r.URL.RawQuery, r.Header.Clone(), string(body)})
	v.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer link-token" {
		challenge := v.challenge
		if challenge == "" {
			challenge = localChallenge
		}
		w.Header().Set("WWW-Authenticate", challenge)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if v.serve != nil {
		v.serve(w, r)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (v *fakeVault) recorded() []upstreamCall {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]upstreamCall(nil), v.calls...)
}

type testEnv struct {
	handler          *Handler
	store            *TargetStore
	metrics          *link.Metrics
	challengeMetrics *observability.Metrics
	opts             BuildOptions
}

func staticAcquirer(link.CredentialConfig) (kvauth.TokenAcquirer, error) {
	return kvauth.TokenAcquirerFunc(func(context.Context, kvauth.TokenRequest) (kvauth.CachedToken, error) {
		return kvauth.CachedToken{Value: "link-token", ExpiresOn: time.Now().Add(time.Hour)}, nil
	}), nil
}

func setupProxy(t *testing.T, vault http.Handler, configure func(*link.VaultConfig)) *testEnv {
	t.Helper()
	srv := httptest.NewTLSServer(vault)
	t.Cleanup(srv.Close)

	reg := prometheus.NewRegistry()
	env := &testEnv{
		metrics:          link.NewMetrics(reg),
		challengeMetrics: observability.NewMetrics(reg),
	}
	env.opts = BuildOptions{
		Metrics:          env.metrics,
		ChallengeMetrics: env.challengeMetrics,
		Transport:        srv.Client(),
		Acquirer:         staticAcquirer,
	}

	vc := link.VaultConfig{
		Name:       "payments",
		URL:        srv.URL,
		Credential: link.CredentialConfig{Type: link.CredentialDefault},
		Retry:      link.RetryConfig{MaxRetries: -1},
	}
	if configure != nil {
		configure(&vc)
	}

	targets, err := BuildTargets([]link.VaultConfig{vc}, nil, env.opts)
	if err != nil {
		t.Fatalf("BuildTargets: %v", err)
	}
	env.store = NewTargetStore(targets)
	env.handler = NewHandler(Config{
		Targets:          env.store,
		Metrics:          env.metrics,
		ChallengeMetrics: env.challengeMetrics,
	})
	return env
}

func serve(h http.Handler, method, target, body string, header http.Header) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	for k, vv := range header {
		req.Header[k] = vv
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestProxy_ForwardsAfterChallenge(t *testing.T) {
	vault := &fakeVault{serve: func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Connection", "close")
		w.Header().Set("X-Ms-Keyvault-Region", "westeurope")
		_, _ = w.Write([]byte(`{"value":"s3cr3t"}`))
	}}
	env := setupProxy(t, vault, nil)

	w := serve(env.handler, http.MethodGet, "/vault/payments/secrets/db-password?api-version=7.5", "", http.Header{
		"Authorization": {"Bearer caller-token"},
		"X-Custom":      {"kept"},
	})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != `{"value":"s3cr3t"}` {
		t.Errorf("unexpected body %q", w.Body.String())
	}
	if w.Header().Get("X-Ms-Keyvault-Region") != "westeurope" {
		t.Error("expected vault response header to be copied")
	}

	calls := vault.recorded()
	if len(calls) != 2 {
		t.Fatalf("expected discovery and authorized call, got %d", len(calls))
	}
	for _, c := range calls {
		if c.path != "/secrets/db-password" || c.query != "api-version=7.5" {
			t.Errorf("unexpected upstream target %s?%s", c.path, c.query)
		}
		if c.header.Get("X-Custom") != "kept" {
			t.Error("expected caller header forwarded")
		}
	}
	if got := calls[0].header.Get("Authorization"); got != "" {
		t.Errorf("expected caller Authorization dropped, got %q", got)
	}
	if got := calls[1].header.Get("Authorization"); got != "Bearer link-token" {
		t.Errorf("expected link token, got %q", got)
	}

	if got := testutil.ToFloat64(env.metrics.RequestsTotal.WithLabelValues("payments", "GET", "200")); got != 1 {
		t.Errorf("expected 1 request recorded, got %v", got)
	}
	if got := testutil.ToFloat64(env.challengeMetrics.ChallengeCacheEntries.WithLabelValues("payments")); got != 1 {
		t.Errorf("expected 1 cached challenge, got %v", got)
	}
}

func TestProxy_ForwardsBody(t *testing.T) {
	vault := &fakeVault{serve: func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}}
	env := setupProxy(t, vault, nil)

	w := serve(env.handler, http.MethodPut, "/vault/payments/secrets/api-key", `{"value":"hunter2"}`,
		http.Header{"Content-Type": {"application/json"}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	calls := vault.recorded()
	if len(calls) != 2 {
		t.Fatalf("expected 2 upstream calls, got %d", len(calls))
	}
	if calls[0].body != "" {
		t.Errorf("expected empty discovery request, got %q", calls[0].body)
	}
	if calls[1].body != `{"value":"hunter2"}` {
		t.Errorf("expected body on authorized call, got %q", calls[1].body)
	}
	if ct := calls[1].header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected content type preserved, got %q", ct)
	}
}

func TestProxy_NotFound(t *testing.T) {
	env := setupProxy(t, &fakeVault{}, nil)

	for _, target := range []string{"/vault/unknown/secrets/a", "/other/path", "/vault/"} {
		if w := serve(env.handler, http.MethodGet, target, "", nil); w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", target, w.Code)
		}
	}
}

func TestProxy_RateLimited(t *testing.T) {
	env := setupProxy(t, &fakeVault{}, func(v *link.VaultConfig) {
		v.RateLimit = link.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 1}
	})

	if w := serve(env.handler, http.MethodGet, "/vault/payments/secrets/a", "", nil); w.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", w.Code)
	}
	w := serve(env.handler, http.MethodGet, "/vault/payments/secrets/a", "", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if got := testutil.ToFloat64(env.metrics.RateLimitedTotal.WithLabelValues("payments")); got != 1 {
		t.Errorf("expected 1 rate limited request, got %v", got)
	}
}

func TestProxy_CircuitOpen(t *testing.T) {
	vault := &fakeVault{serve: func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}}
	env := setupProxy(t, vault, func(v *link.VaultConfig) {
		v.CircuitBreaker = link.CircuitBreakerConfig{Enabled: true, FailureThreshold: 1, ResetTimeout: "1h"}
	})

	if w := serve(env.handler, http.MethodGet, "/vault/payments/secrets/a", "", nil); w.Code != http.StatusInternalServerError {
		t.Fatalf("expected vault 500 passed through, got %d", w.Code)
	}
	w := serve(env.handler, http.MethodGet, "/vault/payments/secrets/a", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if got := testutil.ToFloat64(env.metrics.CircuitState.WithLabelValues("payments")); got != 2 {
		t.Errorf("expected circuit state open (2), got %v", got)
	}
}

func TestProxy_ChallengeFailures(t *testing.T) {
	tests := []struct {
		name      string
		challenge string
		acquirer  func(link.CredentialConfig) (kvauth.TokenAcquirer, error)
	}{
		{
			name:      "foreign resource",
			challenge: `Bearer authorization="https://login.example/t", resource="https://evil.example"`,
		},
		{
			name:      "malformed challenge",
			challenge: `Basic realm="vault"`,
		},
		{
			name: "credential failure",
			acquirer: func(link.CredentialConfig) (kvauth.TokenAcquirer, error) {
				return kvauth.TokenAcquirerFunc(func(context.Context, kvauth.TokenRequest) (kvauth.CachedToken, error) {
					return kvauth.CachedToken{}, errors.New("AADSTS700016: application not found")
				}), nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vault := &fakeVault{challenge: tt.challenge}
			env := setupProxy(t, vault, nil)
			if tt.acquirer != nil {
				env.opts.Acquirer = tt.acquirer
				targets, err := BuildTargets([]link.VaultConfig{env.store.Get("payments").Config}, nil, env.opts)
				if err != nil {
					t.Fatalf("BuildTargets: %v", err)
				}
				env.store.Update(targets)
			}

			w := serve(env.handler, http.MethodGet, "/vault/payments/secrets/a", "", nil)
			if w.Code != http.StatusBadGateway {
				t.Fatalf("expected 502, got %d", w.Code)
			}
			if strings.Contains(w.Body.String(), "AADSTS") {
				t.Error("expected credential error details not to leak to the caller")
			}
			if n := len(vault.recorded()); n != 1 {
				t.Errorf("expected only the discovery request to reach the vault, got %d calls", n)
			}
		})
	}
}

func TestProxy_RecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := tp.Tracer("test")

	env := setupProxy(t, &fakeVault{}, nil)
	env.handler = NewHandler(Config{Targets: env.store, Tracer: tracer})

	if w := serve(env.handler, http.MethodGet, "/vault/payments/secrets/a", "", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != tracing.SpanProxyRequest {
		t.Errorf("expected span %q, got %q", tracing.SpanProxyRequest, spans[0].Name())
	}
}

func TestBuildTargets_ReusesChallengeCache(t *testing.T) {
	env := setupProxy(t, &fakeVault{}, nil)
	if w := serve(env.handler, http.MethodGet, "/vault/payments/secrets/a", "", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	old := env.store.Get("payments")
	if old.Challenge.Cache().Len() != 1 {
		t.Fatal("expected discovered challenge")
	}

	same := old.Config
	targets, err := BuildTargets([]link.VaultConfig{same}, env.store, env.opts)
	if err != nil {
		t.Fatalf("BuildTargets: %v", err)
	}
	if targets[0].Challenge.Cache() != old.Challenge.Cache() {
		t.Error("expected unchanged vault to keep its challenge cache")
	}

	moved := old.Config
	moved.URL = "https://other.vault.azure.net"
	targets, err = BuildTargets([]link.VaultConfig{moved}, env.store, env.opts)
	if err != nil {
		t.Fatalf("BuildTargets: %v", err)
	}
	if targets[0].Challenge.Cache() == old.Challenge.Cache() {
		t.Error("expected a new cache when the vault URL changes")
	}
}

func TestBuildTargets_UnchangedVaultKeepsTokens(t *testing.T) {
	vault := &fakeVault{}
	env := setupProxy(t, vault, nil)

	var acquisitions atomic.Int32
	counting := env.opts
	counting.Acquirer = func(link.CredentialConfig) (kvauth.TokenAcquirer, error) {
		return kvauth.TokenAcquirerFunc(func(context.Context, kvauth.TokenRequest) (kvauth.CachedToken, error) {
			acquisitions.Add(1)
			return kvauth.CachedToken{Value: "link-token", ExpiresOn: time.Now().Add(time.Hour)}, nil
		}), nil
	}
	cfg := env.store.Get("payments").Config
	targets, err := BuildTargets([]link.VaultConfig{cfg}, nil, counting)
	if err != nil {
		t.Fatalf("BuildTargets: %v", err)
	}
	env.store.Update(targets)

	if w := serve(env.handler, http.MethodGet, "/vault/payments/secrets/a", "", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	old := env.store.Get("payments")

	rebuildFails := env.opts
	rebuildFails.Acquirer = func(link.CredentialConfig) (kvauth.TokenAcquirer, error) {
		return nil, errors.New("credential rebuilt for an unchanged vault")
	}
	targets, err = BuildTargets([]link.VaultConfig{cfg}, env.store, rebuildFails)
	if err != nil {
		t.Fatalf("BuildTargets: %v", err)
	}
	if targets[0].Challenge != old.Challenge {
		t.Error("expected unchanged vault to keep its challenge policy")
	}
	env.store.Update(targets)

	if w := serve(env.handler, http.MethodGet, "/vault/payments/secrets/a", "", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200 after reload, got %d", w.Code)
	}
	if got := acquisitions.Load(); got != 1 {
		t.Errorf("expected cached token reused after reload, got %d acquisitions", got)
	}
	if n := len(vault.recorded()); n != 3 {
		t.Errorf("expected discovery, authorized send and one send after reload, got %d calls", n)
	}

	rotated := cfg
	rotated.Credential.TenantID = "tenant-b"
	targets, err = BuildTargets([]link.VaultConfig{rotated}, env.store, counting)
	if err != nil {
		t.Fatalf("BuildTargets: %v", err)
	}
	if targets[0].Challenge == old.Challenge {
		t.Error("expected a new policy when the credential changes")
	}
	if targets[0].Challenge.Cache() != old.Challenge.Cache() {
		t.Error("expected the challenge cache to survive a credential change")
	}
	env.store.Update(targets)

	if w := serve(env.handler, http.MethodGet, "/vault/payments/secrets/a", "", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200 after credential change, got %d", w.Code)
	}
	if got := acquisitions.Load(); got != 2 {
		t.Errorf("expected a fresh token for the new credential, got %d acquisitions", got)
	}
}

func TestBuildTargets_CredentialError(t *testing.T) {
	opts := BuildOptions{Acquirer: func(link.CredentialConfig) (kvauth.TokenAcquirer, error) {
		return nil, errors.New("no credential")
	}}
	_, err := BuildTargets([]link.VaultConfig{{Name: "payments", URL: "https://p.vault.azure.net"}}, nil, opts)
	if err == nil || !strings.Contains(err.Error(), `vault "payments"`) {
		t.Errorf("expected vault-scoped error, got %v", err)
	}
}

func TestTargetStore(t *testing.T) {
	store := NewTargetStore([]*Target{
		{Config: link.VaultConfig{Name: "b"}},
		{Config: link.VaultConfig{Name: "a"}},
	})
	if store.Len() != 2 {
		t.Fatalf("expected 2 targets, got %d", store.Len())
	}
	if names := store.Names(); len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("expected sorted names, got %v", names)
	}
	store.Update([]*Target{{Config: link.VaultConfig{Name: "c"}}})
	if store.Get("a") != nil || store.Get("c") == nil {
		t.Error("expected Update to replace the target set")
	}
}

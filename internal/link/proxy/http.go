package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/vaultlink/internal/kvauth"
	"github.com/lsm/vaultlink/internal/link"
	"github.com/lsm/vaultlink/internal/observability"
	"github.com/lsm/vaultlink/internal/pipeline"
	"github.com/lsm/vaultlink/internal/tracing"
)

// RoutePrefix is the path prefix served by Handler.
const RoutePrefix = "/vault/"

// maxBodyBytes bounds request bodies; secrets are at most 25KB.
const maxBodyBytes = 1 << 20

// Hop-by-hop headers are not forwarded in either direction. Authorization is
// dropped from inbound requests because the link authenticates on its own.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Handler is the HTTP forward proxy for vault-link.
type Handler struct {
	targets          *TargetStore
	metrics          *link.Metrics
	challengeMetrics *observability.Metrics
	tracer           trace.Tracer
	logger           *observability.TraceLogger
}

// Config configures the proxy handler.
type Config struct {
	Targets          *TargetStore
	Metrics          *link.Metrics
	ChallengeMetrics *observability.Metrics
	Tracer           trace.Tracer
	Logger           *slog.Logger
}

// NewHandler creates a new HTTP proxy handler.
func NewHandler(cfg Config) *Handler {
	return &Handler{
		targets:          cfg.Targets,
		metrics:          cfg.Metrics,
		challengeMetrics: cfg.ChallengeMetrics,
		tracer:           cfg.Tracer,
		logger:           observability.NewTraceLogger(cfg.Logger),
	}
}

// ServeHTTP handles proxy requests. Routes:
//   - /vault/{name}/{path...}  forwarded to the named vault
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	trimmed := strings.TrimPrefix(r.URL.Path, RoutePrefix)
	if trimmed == r.URL.Path || trimmed == "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	name, rest, _ := strings.Cut(trimmed, "/")

	target := h.targets.Get(name)
	if target == nil {
		http.Error(w, fmt.Sprintf("vault %q not found", name), http.StatusNotFound)
		return
	}

	ctx, span := tracing.StartSpan(r.Context(), h.tracer, tracing.SpanProxyRequest,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(tracing.VaultAttr(name), tracing.HTTPMethodAttr(r.Method)))
	defer span.End()

	status := 0
	defer func() {
		h.metrics.RecordRequest(name, r.Method, status, time.Since(start))
		h.challengeMetrics.SetCacheEntries(name, target.Challenge.Cache().Len())
	}()

	req, err := h.upstreamRequest(ctx, w, r, target, rest)
	if err != nil {
		status = http.StatusBadRequest
		tracing.SetSpanError(span, err)
		http.Error(w, err.Error(), status)
		return
	}

	resp, err := target.Pipeline.Do(req)
	if err != nil {
		status = h.writeError(ctx, w, name, err)
		tracing.SetSpanError(span, err)
		return
	}

	status = resp.StatusCode
	span.SetAttributes(tracing.HTTPStatusAttr(status))
	tracing.SetSpanOK(span)
	copyResponse(w, resp)
}

func (h *Handler) upstreamRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, target *Target, rest string) (*policy.Request, error) {
	upstreamURL := runtime.JoinPaths(target.Config.URL, rest)
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}
	req, err := runtime.NewRequest(ctx, r.Method, upstreamURL)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	for k, vv := range r.Header {
		req.Raw().Header[k] = append([]string(nil), vv...)
	}
	removeHopHeaders(req.Raw().Header)
	req.Raw().Header.Del("Authorization")
	req.Raw().Header.Del("Content-Length")

	if r.Body != nil && r.Body != http.NoBody {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		if len(body) > 0 {
			if err := req.SetBody(streaming.NopCloser(bytes.NewReader(body)), r.Header.Get("Content-Type")); err != nil {
				return nil, fmt.Errorf("set request body: %w", err)
			}
		}
	}
	return req, nil
}

// writeError maps a pipeline error to a response and returns its status.
func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, vault string, err error) int {
	var resourceErr *kvauth.ChallengeResourceError
	status, msg := http.StatusBadGateway, "bad gateway"

	switch {
	case errors.Is(err, pipeline.ErrRateLimited):
		h.metrics.RecordRateLimited(vault)
		w.Header().Set("Retry-After", "1")
		status, msg = http.StatusTooManyRequests, "rate limit exceeded"
	case errors.Is(err, pipeline.ErrCircuitOpen):
		w.Header().Set("Retry-After", "30")
		status, msg = http.StatusServiceUnavailable, "service unavailable (circuit open)"
	case errors.As(err, &resourceErr):
		msg = "vault challenge names a resource outside the vault's domain"
	case errors.Is(err, kvauth.ErrMalformedChallenge):
		msg = "vault sent a malformed authentication challenge"
	case errors.Is(err, kvauth.ErrInsecureTransport):
		msg = "refusing to send credentials over http"
	case errors.Is(err, context.DeadlineExceeded):
		status, msg = http.StatusGatewayTimeout, "gateway timeout"
	}

	h.logger.Error(ctx, "proxy error", "vault", vault, "status", status, "error", err)
	http.Error(w, msg, status)
	return status
}

func removeHopHeaders(h http.Header) {
	if c := h.Get("Connection"); c != "" {
		for _, f := range strings.Split(c, ",") {
			if f = strings.TrimSpace(f); f != "" {
				h.Del(f)
			}
		}
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

func copyResponse(w http.ResponseWriter, resp *http.Response) {
	defer func() { _ = resp.Body.Close() }()
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	removeHopHeaders(w.Header())
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	AttrVaultName        = "vault_link.vault.name"
	AttrAuthority        = "vault_link.authority"
	AttrChallengeDepth   = "vault_link.challenge.depth"
	AttrChallengeClaims  = "vault_link.challenge.claims"
	AttrChallengeOutcome = "vault_link.challenge.outcome"
	AttrHTTPMethod       = "http.method"
	AttrHTTPStatus       = "http.status_code"
)

const (
	SpanChallenge    = "vault_link.challenge"
	SpanProxyRequest = "vault_link.proxy.request"
)

// StartSpan starts a new span with the given name and options.
// If tracer is nil, the span already in ctx (possibly a no-op span) is returned.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records an error on the span and sets the status to Error.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK sets the span status to Ok.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// VaultAttr returns the configured vault name attribute.
func VaultAttr(name string) attribute.KeyValue {
	return attribute.String(AttrVaultName, name)
}

// AuthorityAttr returns the request authority attribute.
func AuthorityAttr(authority string) attribute.KeyValue {
	return attribute.String(AttrAuthority, authority)
}

// ChallengeDepthAttr returns the challenge round attribute (0 or 1).
func ChallengeDepthAttr(depth int) attribute.KeyValue {
	return attribute.Int(AttrChallengeDepth, depth)
}

// ChallengeClaimsAttr reports whether the challenge carried CAE claims.
func ChallengeClaimsAttr(claims bool) attribute.KeyValue {
	return attribute.Bool(AttrChallengeClaims, claims)
}

// ChallengeOutcomeAttr returns the challenge outcome attribute.
func ChallengeOutcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(AttrChallengeOutcome, outcome)
}

// HTTPMethodAttr returns the HTTP method attribute.
func HTTPMethodAttr(method string) attribute.KeyValue {
	return attribute.String(AttrHTTPMethod, method)
}

// HTTPStatusAttr returns the HTTP status code attribute.
func HTTPStatusAttr(status int) attribute.KeyValue {
	return attribute.Int(AttrHTTPStatus, status)
}

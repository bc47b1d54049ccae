package kvauth

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
)

// TokenRefreshMargin is how long before expiry a token stops being reused.
const TokenRefreshMargin = 300 * time.Second

// CachedToken is a bearer token together with its lifetime.
type CachedToken struct {
	Value     string
	ExpiresOn time.Time
	// RefreshOn, when set, is the time after which the issuer wants the token
	// replaced even though it has not expired.
	RefreshOn time.Time
}

// UsableAt reports whether the token may still be attached to requests at now.
func (t CachedToken) UsableAt(now time.Time) bool {
	if t.Value == "" {
		return false
	}
	if !now.Before(t.ExpiresOn.Add(-TokenRefreshMargin)) {
		return false
	}
	if !t.RefreshOn.IsZero() && !now.Before(t.RefreshOn) {
		return false
	}
	return true
}

// TokenRequest describes the token a challenge asks for.
type TokenRequest struct {
	Scope string
	// TenantID is empty when no tenant redirection should happen.
	TenantID string
	// Claims is the decoded claims JSON of a CAE challenge.
	Claims    string
	EnableCAE bool
}

// TokenAcquirer exchanges a TokenRequest for a bearer token. Implementations
// must honour ctx cancellation.
type TokenAcquirer interface {
	Acquire(ctx context.Context, req TokenRequest) (CachedToken, error)
}

// TokenAcquirerFunc adapts a function to TokenAcquirer.
type TokenAcquirerFunc func(ctx context.Context, req TokenRequest) (CachedToken, error)

func (f TokenAcquirerFunc) Acquire(ctx context.Context, req TokenRequest) (CachedToken, error) {
	return f(ctx, req)
}

// NewCredentialAcquirer adapts an azcore credential, such as one from
// azidentity. Credential errors are returned unchanged.
func NewCredentialAcquirer(cred azcore.TokenCredential) TokenAcquirer {
	return &credentialAcquirer{cred: cred}
}

type credentialAcquirer struct {
	cred azcore.TokenCredential
}

func (a *credentialAcquirer) Acquire(ctx context.Context, req TokenRequest) (CachedToken, error) {
	tk, err := a.cred.GetToken(ctx, policy.TokenRequestOptions{
		Scopes:    []string{req.Scope},
		TenantID:  req.TenantID,
		Claims:    req.Claims,
		EnableCAE: req.EnableCAE,
	})
	if err != nil {
		return CachedToken{}, err
	}
	return CachedToken{Value: tk.Token, ExpiresOn: tk.ExpiresOn, RefreshOn: tk.RefreshOn}, nil
}

// tokenRequestFor builds the request for challenge. Claims are one-shot and are
// only forwarded while answering the challenge that carried them.
func tokenRequestFor(c *Challenge, withClaims bool) TokenRequest {
	req := TokenRequest{Scope: c.TokenScope(), EnableCAE: true}
	if !c.IsADFS() {
		req.TenantID = c.TenantID
	}
	if withClaims {
		req.Claims = c.Claims
	}
	return req
}

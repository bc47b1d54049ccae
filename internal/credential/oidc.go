package credential

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/lsm/vaultlink/internal/kvauth"
	"github.com/lsm/vaultlink/internal/link"
)

const (
	tenantPlaceholder    = "{tenant}"
	defaultTokenLifetime = time.Hour
)

// oidcAcquirer runs the client credentials grant against a token endpoint.
// The challenge's tenant replaces {tenant} in the token URL and CAE claims are
// sent as the claims form parameter.
type oidcAcquirer struct {
	clientID      string
	secret        string
	tokenURL      string
	defaultTenant string
	now           func() time.Time
}

func newOIDCAcquirer(cfg link.CredentialConfig) (*oidcAcquirer, error) {
	if cfg.TokenURL == "" {
		return nil, errors.New("oidc credential requires tokenURL")
	}
	secret, err := clientSecret(cfg)
	if err != nil {
		return nil, err
	}
	return &oidcAcquirer{
		clientID:      cfg.ClientID,
		secret:        secret,
		tokenURL:      cfg.TokenURL,
		defaultTenant: cfg.TenantID,
		now:           time.Now,
	}, nil
}

func (a *oidcAcquirer) Acquire(ctx context.Context, req kvauth.TokenRequest) (kvauth.CachedToken, error) {
	tokenURL := a.tokenURL
	if strings.Contains(tokenURL, tenantPlaceholder) {
		tenant := req.TenantID
		if tenant == "" {
			tenant = a.defaultTenant
		}
		if tenant == "" {
			return kvauth.CachedToken{}, fmt.Errorf("token URL %s needs a tenant but none is known", a.tokenURL)
		}
		tokenURL = strings.ReplaceAll(tokenURL, tenantPlaceholder, url.PathEscape(tenant))
	}

	cc := clientcredentials.Config{
		ClientID:     a.clientID,
		ClientSecret: a.secret,
		TokenURL:     tokenURL,
		Scopes:       []string{req.Scope},
	}
	if req.Claims != "" {
		cc.EndpointParams = url.Values{"claims": {req.Claims}}
	}

	tok, err := cc.Token(ctx)
	if err != nil {
		return kvauth.CachedToken{}, fmt.Errorf("acquire OIDC token: %w", err)
	}
	expires := tok.Expiry
	if expires.IsZero() {
		expires = a.now().Add(defaultTokenLifetime)
	}
	return kvauth.CachedToken{Value: tok.AccessToken, ExpiresOn: expires}, nil
}

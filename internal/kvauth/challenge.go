// Package kvauth implements the vault challenge authentication protocol as an
// azcore pipeline policy.
//
// The first request to a vault is sent without a body or credentials. The vault
// answers 401 with a WWW-Authenticate challenge naming the resource and tenant a
// token must be issued for. The policy acquires that token, replays the original
// request, and caches the challenge so later requests to the same authority are
// authorized up front. A continuous access evaluation (CAE) claims challenge may
// follow the first one; it is answered once, after which any further 401 is
// returned to the caller.
package kvauth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	// DefaultScopeSuffix turns an AADv1 resource into an AADv2 scope.
	DefaultScopeSuffix = "/.default"
	// ADFSTenant is the tenant parsed from AD FS challenges. Tokens for AD FS
	// are requested without a tenant.
	ADFSTenant = "adfs"

	bearerScheme = "bearer"
)

// ErrMalformedChallenge is returned when a 401 carries a challenge that cannot
// be acted on.
var ErrMalformedChallenge = errors.New("malformed authentication challenge")

// Challenge is the parsed Bearer challenge of a 401 response.
type Challenge struct {
	// AuthorizationEndpoint is informational; tokens come from the TokenAcquirer.
	AuthorizationEndpoint string
	Resource              string
	Scope                 string
	TenantID              string
	// Claims holds the decoded claims JSON of a CAE challenge.
	Claims string
}

// ParseChallenge decodes a WWW-Authenticate header value. Only the Bearer
// scheme is considered when several schemes are present.
func ParseChallenge(header string) (*Challenge, error) {
	if strings.TrimSpace(header) == "" {
		return nil, fmt.Errorf("%w: empty WWW-Authenticate header", ErrMalformedChallenge)
	}

	params, ok := bearerParams(header)
	if !ok {
		return nil, fmt.Errorf("%w: no Bearer challenge in %q", ErrMalformedChallenge, header)
	}
	if len(params) == 0 {
		return nil, fmt.Errorf("%w: Bearer challenge has no parameters", ErrMalformedChallenge)
	}

	c := &Challenge{
		AuthorizationEndpoint: firstNonEmpty(params["authorization"], params["authorization_uri"]),
		Resource:              firstNonEmpty(params["resource"], params["resource_id"]),
		Scope:                 params["scope"],
		TenantID:              params["tenant_id"],
	}
	if c.TenantID == "" && c.AuthorizationEndpoint != "" {
		c.TenantID = tenantFromEndpoint(c.AuthorizationEndpoint)
	}

	if encoded, ok := params["claims"]; ok && encoded != "" {
		claims, err := decodeClaims(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: decode claims: %v", ErrMalformedChallenge, err)
		}
		c.Claims = claims
	}

	return c, nil
}

// HasClaims reports whether the Bearer challenge in header carries a claims
// parameter. It does not validate the rest of the challenge.
func HasClaims(header string) bool {
	params, ok := bearerParams(header)
	if !ok {
		return false
	}
	return params["claims"] != ""
}

// HasClaims reports whether c is a CAE claims challenge.
func (c *Challenge) HasClaims() bool {
	return c.Claims != ""
}

// TokenScope returns the scope a token must be requested for.
func (c *Challenge) TokenScope() string {
	if c.Scope != "" {
		return c.Scope
	}
	if c.Resource != "" {
		return c.Resource + DefaultScopeSuffix
	}
	return ""
}

// IsADFS reports whether the tenant is the AD FS sentinel.
func (c *Challenge) IsADFS() bool {
	return strings.HasSuffix(strings.ToLower(c.TenantID), ADFSTenant)
}

// Validate rejects challenges that name neither a resource nor a scope.
func (c *Challenge) Validate() error {
	if c.Resource == "" && c.Scope == "" {
		return fmt.Errorf("%w: challenge has neither resource nor scope", ErrMalformedChallenge)
	}
	return nil
}

// ChallengeResourceError is returned when a challenge asks for a token whose
// scope does not belong to the requested host.
type ChallengeResourceError struct {
	Scope       string
	ScopeHost   string
	RequestHost string
}

func (e *ChallengeResourceError) Error() string {
	return fmt.Sprintf("challenge resource %q does not match requested domain %q; disable challenge resource verification to allow it",
		e.ScopeHost, e.RequestHost)
}

// verifyChallengeResource requires requestHost to equal the scope's host or be
// a subdomain of it.
func verifyChallengeResource(scope string, requestURL *url.URL) error {
	u, err := url.Parse(scope)
	if err != nil || u.Hostname() == "" {
		return fmt.Errorf("%w: invalid scope %q", ErrMalformedChallenge, scope)
	}

	scopeHost := strings.ToLower(u.Hostname())
	requestHost := strings.ToLower(requestURL.Hostname())
	if requestHost == scopeHost || strings.HasSuffix(requestHost, "."+scopeHost) {
		return nil
	}
	return &ChallengeResourceError{Scope: scope, ScopeHost: scopeHost, RequestHost: requestHost}
}

// tenantFromEndpoint returns the first path segment of an authorization
// endpoint such as https://login.microsoftonline.com/{tenant}.
func tenantFromEndpoint(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return ""
	}
	segment, _, _ := strings.Cut(strings.TrimLeft(u.Path, "/"), "/")
	return segment
}

// claimsAlphabet maps the URL-safe alphabet onto the standard one.
var claimsAlphabet = strings.NewReplacer("-", "+", "_", "/")

// decodeClaims accepts standard or URL-safe base64, padded or not.
func decodeClaims(encoded string) (string, error) {
	normalized := claimsAlphabet.Replace(strings.TrimRight(encoded, "="))
	b, err := base64.RawStdEncoding.DecodeString(normalized)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// authChallenge is one scheme of a WWW-Authenticate header.
type authChallenge struct {
	scheme string
	params map[string]string
}

func bearerParams(header string) (map[string]string, bool) {
	for _, c := range parseAuthHeader(header) {
		if strings.EqualFold(c.scheme, bearerScheme) {
			return c.params, true
		}
	}
	return nil, false
}

// parseAuthHeader splits a WWW-Authenticate value into its challenges.
// Parameters may be separated by commas or whitespace and values may be quoted;
// quoted values keep commas, spaces and '=' intact.
func parseAuthHeader(header string) []authChallenge {
	var (
		out []authChallenge
		cur = -1
		i   int
	)
	n := len(header)
	isSep := func(b byte) bool { return b == ',' || b == ' ' || b == '\t' }

	for i < n {
		for i < n && isSep(header[i]) {
			i++
		}
		if i >= n {
			break
		}

		start := i
		for i < n && !isSep(header[i]) && header[i] != '=' {
			i++
		}
		token := header[start:i]

		j := i
		for j < n && (header[j] == ' ' || header[j] == '\t') {
			j++
		}
		if j >= n || header[j] != '=' {
			// A bare token starts a new scheme.
			out = append(out, authChallenge{scheme: token, params: map[string]string{}})
			cur = len(out) - 1
			continue
		}

		i = j + 1
		for i < n && (header[i] == ' ' || header[i] == '\t') {
			i++
		}
		var value string
		if i < n && header[i] == '"' {
			value, i = readQuoted(header, i+1)
		} else {
			vstart := i
			for i < n && !isSep(header[i]) {
				i++
			}
			value = header[vstart:i]
		}

		if cur < 0 || token == "" {
			// Parameters without a scheme cannot be attributed.
			continue
		}
		out[cur].params[strings.ToLower(token)] = value
	}
	return out
}

// readQuoted reads a quoted-string starting after the opening quote and
// returns the unescaped value and the index after the closing quote.
func readQuoted(s string, i int) (string, int) {
	var b strings.Builder
	for i < len(s) {
		switch s[i] {
		case '\\':
			if i+1 < len(s) {
				b.WriteByte(s[i+1])
				i += 2
				continue
			}
			i++
		case '"':
			return b.String(), i + 1
		default:
			b.WriteByte(s[i])
			i++
		}
	}
	return b.String(), i
}

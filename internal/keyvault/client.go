// Package keyvault is a small secrets client that sends requests through a
// challenge-authenticated pipeline.
package keyvault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
)

// APIVersion is the secrets API version requested.
const APIVersion = "7.5"

// Secret is a secret bundle as returned by the vault.
type Secret struct {
	ID          string            `json:"id,omitempty"`
	Value       string            `json:"value"`
	ContentType string            `json:"contentType,omitempty"`
	Attributes  *Attributes       `json:"attributes,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// Attributes holds a secret's management attributes. Times are Unix seconds.
type Attributes struct {
	Enabled *bool  `json:"enabled,omitempty"`
	Created *int64 `json:"created,omitempty"`
	Updated *int64 `json:"updated,omitempty"`
	Expires *int64 `json:"exp,omitempty"`
}

// UpdatedAt returns the last update time, or the zero time.
func (a *Attributes) UpdatedAt() time.Time {
	if a == nil || a.Updated == nil {
		return time.Time{}
	}
	return time.Unix(*a.Updated, 0).UTC()
}

// Version is the last path segment of the secret id.
func (s Secret) Version() string {
	if i := strings.LastIndex(s.ID, "/"); i >= 0 {
		return s.ID[i+1:]
	}
	return ""
}

// Client reads and writes secrets in one vault.
type Client struct {
	vaultURL string
	pl       runtime.Pipeline
}

// NewClient creates a client for vaultURL.
func NewClient(vaultURL string, pl runtime.Pipeline) (*Client, error) {
	u, err := url.Parse(vaultURL)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return nil, fmt.Errorf("invalid vault URL %q", vaultURL)
	}
	return &Client{vaultURL: strings.TrimRight(vaultURL, "/"), pl: pl}, nil
}

// GetSecret returns the named secret. An empty version selects the latest.
func (c *Client) GetSecret(ctx context.Context, name, version string) (Secret, error) {
	if name == "" {
		return Secret{}, errors.New("secret name is required")
	}
	segments := []string{"secrets", url.PathEscape(name)}
	if version != "" {
		segments = append(segments, url.PathEscape(version))
	}
	req, err := c.newRequest(ctx, http.MethodGet, segments...)
	if err != nil {
		return Secret{}, err
	}
	return c.send(req)
}

// SetSecret stores a new version of the named secret.
func (c *Client) SetSecret(ctx context.Context, name, value, contentType string) (Secret, error) {
	if name == "" {
		return Secret{}, errors.New("secret name is required")
	}
	req, err := c.newRequest(ctx, http.MethodPut, "secrets", url.PathEscape(name))
	if err != nil {
		return Secret{}, err
	}
	if err := runtime.MarshalAsJSON(req, Secret{Value: value, ContentType: contentType}); err != nil {
		return Secret{}, fmt.Errorf("encode secret: %w", err)
	}
	return c.send(req)
}

func (c *Client) newRequest(ctx context.Context, method string, segments ...string) (*policy.Request, error) {
	req, err := runtime.NewRequest(ctx, method, runtime.JoinPaths(c.vaultURL, segments...))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	q := req.Raw().URL.Query()
	q.Set("api-version", APIVersion)
	req.Raw().URL.RawQuery = q.Encode()
	req.Raw().Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) send(req *policy.Request) (Secret, error) {
	resp, err := c.pl.Do(req)
	if err != nil {
		return Secret{}, err
	}
	if !runtime.HasStatusCode(resp, http.StatusOK) {
		return Secret{}, runtime.NewResponseError(resp)
	}
	var s Secret
	if err := runtime.UnmarshalAsJSON(resp, &s); err != nil {
		return Secret{}, fmt.Errorf("decode secret: %w", err)
	}
	return s, nil
}

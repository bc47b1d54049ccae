package kvauth

import (
	"net"
	"net/url"
	"strings"

	gocache "github.com/patrickmn/go-cache"
)

// ChallengeCache maps request authorities to the last challenge accepted for
// them. Entries never expire; they are only overwritten or removed. A cache is
// owned by a client and may be shared by several policies talking to the same
// vaults. It is safe for concurrent use.
type ChallengeCache struct {
	items *gocache.Cache
}

// NewChallengeCache returns an empty cache.
func NewChallengeCache() *ChallengeCache {
	// A zero cleanup interval keeps go-cache from starting its janitor.
	return &ChallengeCache{items: gocache.New(gocache.NoExpiration, 0)}
}

// Get returns a copy of the challenge cached for authority.
func (c *ChallengeCache) Get(authority string) (*Challenge, bool) {
	v, ok := c.items.Get(authority)
	if !ok {
		return nil, false
	}
	challenge, ok := v.(Challenge)
	if !ok {
		return nil, false
	}
	return &challenge, true
}

// Set stores a copy of challenge for authority, replacing any previous entry.
func (c *ChallengeCache) Set(authority string, challenge *Challenge) {
	if challenge == nil {
		return
	}
	c.items.Set(authority, *challenge, gocache.NoExpiration)
}

// Remove forgets the challenge for authority.
func (c *ChallengeCache) Remove(authority string) {
	c.items.Delete(authority)
}

// Clear forgets every cached challenge.
func (c *ChallengeCache) Clear() {
	c.items.Flush()
}

// Len returns the number of cached authorities.
func (c *ChallengeCache) Len() int {
	return c.items.ItemCount()
}

// Authority returns the cache key for u: lower-cased scheme, host and port,
// with the scheme's default port filled in.
func Authority(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" {
		switch scheme {
		case "https":
			port = "443"
		case "http":
			port = "80"
		}
	}
	if port == "" {
		return scheme + "://" + host
	}
	return scheme + "://" + net.JoinHostPort(host, port)
}

// authorityOf parses rawURL and returns its Authority.
func authorityOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return Authority(u), nil
}

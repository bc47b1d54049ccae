package pipeline

import (
	"errors"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a request exceeds the vault's local rate
// limit. Nothing is sent.
var ErrRateLimited = errors.New("rate limit exceeded")

// NewLimiter returns a token bucket for rps, or nil when rps is not positive.
// A non-positive burst defaults to rps rounded down, at least 1.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

type rateLimitPolicy struct {
	limiter *rate.Limiter
}

func (p rateLimitPolicy) Do(req *policy.Request) (*http.Response, error) {
	if !p.limiter.Allow() {
		return nil, ErrRateLimited
	}
	return req.Next()
}

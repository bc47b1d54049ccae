package pipeline

import (
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/google/uuid"
)

// HeaderClientRequestID correlates a request with vault-side diagnostics.
const HeaderClientRequestID = "x-ms-client-request-id"

// requestIDPolicy sets HeaderClientRequestID unless the caller already did,
// so every retry and challenge round of a request shares one id.
type requestIDPolicy struct{}

func (requestIDPolicy) Do(req *policy.Request) (*http.Response, error) {
	if req.Raw().Header.Get(HeaderClientRequestID) == "" {
		req.Raw().Header.Set(HeaderClientRequestID, uuid.NewString())
	}
	return req.Next()
}

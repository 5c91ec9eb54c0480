// internal/gh/errors.go
package gh

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the upstream error taxonomy. Callers are expected to
// test with errors.Is; UpstreamError carries the raw status and body for
// anything that does not fit a named category.
var (
	// ErrNotFound means the upstream resource genuinely does not exist.
	ErrNotFound = errors.New("github: resource not found")

	// ErrRateLimited means the credential used for this call ran out of
	// budget mid-flight. The broker will prefer a different credential on
	// the next call.
	ErrRateLimited = errors.New("github: rate limit exceeded")

	// ErrNoCredentials means no credential in the pool has capacity for the
	// requested scope right now.
	ErrNoCredentials = errors.New("github: no available credentials")

	// ErrCredentialInvalid means the upstream rejected the credential
	// itself (HTTP 401). Recovered inside the broker via revoke+reselect.
	ErrCredentialInvalid = errors.New("github: credential invalid")

	// ErrTakedown means the resource is legally unavailable (HTTP 451) and
	// must never be retried.
	ErrTakedown = errors.New("github: unavailable for legal reasons")
)

// UpstreamError is returned for any unexpected non-2xx response. It keeps
// the status and a snippet of the body for diagnostics.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("github: unexpected status %d: %s", e.Status, e.Body)
}

// StatusFor maps a classified error back to an HTTP status code, used by the
// proxy surface to mirror the upstream outcome.
func StatusFor(err error) int {
	var ue *UpstreamError
	switch {
	case errors.As(err, &ue):
		return ue.Status
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRateLimited):
		return http.StatusForbidden
	case errors.Is(err, ErrCredentialInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, ErrTakedown):
		return http.StatusUnavailableForLegalReasons
	case errors.Is(err, ErrNoCredentials):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

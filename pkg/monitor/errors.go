package monitor

import (
	"errors"
	"fmt"
	"time"

	"github.com/Ramsey-B/clover/pkg/models"
)

var errNoResponse = errors.New("no response received")

// RateLimitError is returned when the upstream API answered 429. RetryAfter
// is zero when the provider sent no Retry-After header.
type RateLimitError struct {
	StatusCode int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
	}
	return "rate limited"
}

// Kind returns the classified error kind
func (e *RateLimitError) Kind() string { return models.ErrorKindRateLimit }

// AuthenticationError is returned when the upstream API rejected the
// credentials (401 or 403).
type AuthenticationError struct {
	StatusCode int
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication rejected with status %d", e.StatusCode)
}

// Kind returns the classified error kind
func (e *AuthenticationError) Kind() string { return models.ErrorKindAuthentication }

// ConnectivityError is returned for transport failures and upstream 5xx
// responses. Err is nil for the 5xx case.
type ConnectivityError struct {
	StatusCode int
	Err        error
}

func (e *ConnectivityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connectivity failure: %v", e.Err)
	}
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// Kind returns the classified error kind
func (e *ConnectivityError) Kind() string { return models.ErrorKindConnectivity }

// APIError is returned for 4xx responses that are neither rate limiting nor
// authentication failures.
type APIError struct {
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api returned status %d", e.StatusCode)
}

// Kind returns the classified error kind
func (e *APIError) Kind() string { return models.ErrorKindAPI }

package oauth

import (
	"errors"

	"github.com/Ramsey-B/clover/pkg/repositories"
)

// State consumption failures surface the repository sentinels so callers can
// match on them without importing the storage layer.
var (
	ErrStateNotFound    = repositories.ErrStateNotFound
	ErrStateExpired     = repositories.ErrStateExpired
	ErrStateAlreadyUsed = repositories.ErrStateAlreadyUsed

	// ErrUnsupportedIntegration is returned for provider types outside the
	// registered set.
	ErrUnsupportedIntegration = errors.New("unsupported integration type")
	// ErrExchangeFailed is returned when the provider rejects the code or
	// refresh token exchange.
	ErrExchangeFailed = errors.New("token exchange failed")
)

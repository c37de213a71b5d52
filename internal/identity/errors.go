package identity

import "errors"

var (
	// ErrUnauthenticated covers missing, expired and invalid access tokens.
	ErrUnauthenticated = errors.New("identity: unauthenticated")

	// ErrForbidden means the caller is known but the role does not satisfy
	// the requirement. Never conflated with ErrUnauthenticated.
	ErrForbidden = errors.New("identity: forbidden")

	// ErrRefreshFailed is terminal: the refresh token is invalid, expired,
	// revoked or replayed. The session is over.
	ErrRefreshFailed = errors.New("identity: refresh failed")

	// ErrUpstreamUnavailable means the backing store could not be reached.
	// Callers surface it as a 5xx, not as an authentication failure.
	ErrUpstreamUnavailable = errors.New("identity: upstream unavailable")

	ErrNotFound = errors.New("identity: not found")
)

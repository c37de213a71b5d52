package identity

import (
	"context"
	"time"
)

// TokenPair is the credential set minted for one session. The refresh token
// is opaque and single-use: every successful rotation invalidates it.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Provider is the identity-provider boundary the middleware layer talks to.
// Credential-verification internals live behind it.
type Provider interface {
	// IssueSession exchanges credentials for a fresh token pair.
	// Failures are ErrUnauthenticated; the caller must not learn whether
	// the email or the password was wrong.
	IssueSession(ctx context.Context, email, password string) (TokenPair, Principal, error)

	// VerifyAccessToken checks validity and expiry and returns the subject
	// (principal id). Expired tokens are ErrUnauthenticated, never
	// silently treated as valid.
	VerifyAccessToken(ctx context.Context, token string) (string, error)

	// LookupPrincipal re-derives role and capabilities from the backing
	// store.
	LookupPrincipal(ctx context.Context, principalID string) (Principal, error)

	// Refresh rotates the token pair. The presented refresh token is
	// consumed whether or not rotation succeeds; reuse is ErrRefreshFailed.
	Refresh(ctx context.Context, refreshToken string) (TokenPair, Principal, error)

	// Revoke invalidates the presented refresh token (logout).
	Revoke(ctx context.Context, refreshToken string) error
}

package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"planfold.app/internal/ids"
)

const (
	defaultAccessTTL  = time.Hour
	defaultRefreshTTL = 7 * 24 * time.Hour

	tokenTypeAccess = "access"
)

// Claims are the JWT claims carried by an access token. The role is NOT a
// claim: authorization decisions re-derive it from the store.
type Claims struct {
	Email     string `json:"email,omitempty"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// Service is the default Provider implementation: HS256 access tokens plus
// opaque, single-use refresh tokens persisted as sha256 hashes.
type Service struct {
	store  Store
	secret []byte

	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

var _ Provider = (*Service)(nil)

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.accessTTL = ttl
		}
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs a Service. The signing secret is required.
func NewService(store Store, secret string, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("identity: store is required")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("identity: signing secret is required")
	}
	svc := &Service{
		store:      store,
		secret:     []byte(secret),
		issuer:     "planfold",
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// AccessTTL reports the configured access-token lifetime, which is also the
// session cookie lifetime.
func (s *Service) AccessTTL() time.Duration { return s.accessTTL }

// IssueSession authenticates credentials and mints a fresh token pair.
func (s *Service) IssueSession(ctx context.Context, email, password string) (TokenPair, Principal, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return TokenPair{}, Principal{}, ErrUnauthenticated
	}
	user, err := s.store.FindUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, Principal{}, ErrUnauthenticated
		}
		return TokenPair{}, Principal{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	if user.Status != StatusActive {
		return TokenPair{}, Principal{}, ErrUnauthenticated
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return TokenPair{}, Principal{}, ErrUnauthenticated
	}
	principal, err := principalFromUser(user)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	pair, err := s.mintTokens(ctx, principal)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	return pair, principal, nil
}

// VerifyAccessToken validates signature, type, issuer and expiry, returning
// the subject.
func (s *Service) VerifyAccessToken(_ context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrUnauthenticated
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrUnauthenticated
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithIssuer(s.issuer))
	if err != nil {
		return "", ErrUnauthenticated
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.TokenType != tokenTypeAccess {
		return "", ErrUnauthenticated
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", ErrUnauthenticated
	}
	return claims.Subject, nil
}

// LookupPrincipal re-derives the principal from the backing store.
func (s *Service) LookupPrincipal(ctx context.Context, principalID string) (Principal, error) {
	user, err := s.store.FindUser(ctx, principalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrUnauthenticated
		}
		return Principal{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	if user.Status != StatusActive {
		return Principal{}, ErrUnauthenticated
	}
	return principalFromUser(user)
}

// Refresh rotates the token pair: the presented token is revoked and a new
// pair is minted. A replayed (already revoked) or tampered token fails
// terminally.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, Principal, error) {
	tokenID, secret, err := splitRefreshToken(refreshToken)
	if err != nil {
		return TokenPair{}, Principal{}, ErrRefreshFailed
	}
	rec, err := s.store.FindRefreshToken(ctx, tokenID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, Principal{}, ErrRefreshFailed
		}
		return TokenPair{}, Principal{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	if rec.Revoked || s.now().After(rec.ExpiresAt) {
		return TokenPair{}, Principal{}, ErrRefreshFailed
	}
	if !secureCompareHash(rec.TokenHash, secret) {
		// Wrong secret against a live record looks like token theft;
		// burn the record.
		_ = s.store.RevokeRefreshToken(ctx, rec.ID)
		return TokenPair{}, Principal{}, ErrRefreshFailed
	}

	principal, err := s.LookupPrincipal(ctx, rec.UserID)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}

	if err := s.store.RevokeRefreshToken(ctx, rec.ID); err != nil {
		return TokenPair{}, Principal{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	pair, err := s.mintTokens(ctx, principal)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}

	// Opportunistic cleanup; rotation volume bounds the table size.
	_ = s.store.PurgeExpiredRefreshTokens(ctx, s.now().UTC())

	return pair, principal, nil
}

// Revoke invalidates the presented refresh token. Unknown tokens are not an
// error: logout is idempotent.
func (s *Service) Revoke(ctx context.Context, refreshToken string) error {
	tokenID, _, err := splitRefreshToken(refreshToken)
	if err != nil {
		return nil
	}
	if err := s.store.RevokeRefreshToken(ctx, tokenID); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	return nil
}

func (s *Service) mintTokens(ctx context.Context, principal Principal) (TokenPair, error) {
	now := s.now().UTC()

	accessExp := now.Add(s.accessTTL)
	claims := Claims{
		Email:     principal.Email,
		TokenType: tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   principal.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExp),
			ID:        uuid.NewString(),
		},
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return TokenPair{}, fmt.Errorf("identity: sign access token: %w", err)
	}

	refreshString, rec, err := s.generateRefreshToken(principal.ID, now)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.store.CreateRefreshToken(ctx, rec); err != nil {
		return TokenPair{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refreshString,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: rec.ExpiresAt,
	}, nil
}

// generateRefreshToken mints an opaque "id.secret" token. Only the sha256 of
// the secret half is stored.
func (s *Service) generateRefreshToken(userID string, now time.Time) (string, *RefreshRecord, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	tokenID := ids.New()
	sum := sha256.Sum256([]byte(secret))
	rec := &RefreshRecord{
		ID:        tokenID,
		UserID:    userID,
		TokenHash: hex.EncodeToString(sum[:]),
		ExpiresAt: now.Add(s.refreshTTL),
		CreatedAt: now,
	}
	return tokenID + "." + secret, rec, nil
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("identity: invalid refresh token format")
	}
	return parts[0], parts[1], nil
}

func secureCompareHash(expectedHash, secret string) bool {
	sum := sha256.Sum256([]byte(secret))
	actual := hex.EncodeToString(sum[:])
	if len(expectedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}

func principalFromUser(user *UserRecord) (Principal, error) {
	role, err := ParseRole(user.Role)
	if err != nil {
		return Principal{}, err
	}
	return Principal{
		ID:           user.ID,
		Email:        user.Email,
		Role:         role,
		Capabilities: role.Capabilities(),
	}, nil
}

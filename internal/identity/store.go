package identity

import (
	"context"
	"time"
)

// User statuses.
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

// UserRecord is a row in the profile store.
type UserRecord struct {
	ID           string
	Email        string
	PasswordHash string
	Role         string
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RefreshRecord is a persisted refresh token. Only the sha256 of the secret
// half is stored.
type RefreshRecord struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
	Revoked   bool
}

// Store describes persistence operations required by the identity service.
type Store interface {
	FindUser(ctx context.Context, id string) (*UserRecord, error)
	FindUserByEmail(ctx context.Context, email string) (*UserRecord, error)

	CreateRefreshToken(ctx context.Context, rec *RefreshRecord) error
	FindRefreshToken(ctx context.Context, id string) (*RefreshRecord, error)
	RevokeRefreshToken(ctx context.Context, id string) error
	PurgeExpiredRefreshTokens(ctx context.Context, before time.Time) error
}

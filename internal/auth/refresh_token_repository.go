package auth

import (
	"context"
	"time"
)

// RefreshTokenRepository defines the interface for refresh-token
// session storage. The redis implementation is the production backend.
type RefreshTokenRepository interface {
	StoreRefreshToken(ctx context.Context, userID int64, token string, expiresAt time.Time) error
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, token string) error
	RevokeAllUserTokens(ctx context.Context, userID int64) error
}

package auth

import (
	"context"
	"time"

	"github.com/cardea-security/oracle/internal/user"
)

// TokenClaims is the claim set carried by a bearer token. Subject is
// the username; Roles maps to the "scopes" wire claim.
type TokenClaims struct {
	Subject   string    `json:"sub"`
	Roles     []string  `json:"scopes"`
	IssuedAt  time.Time `json:"iat"`
	ExpiresAt time.Time `json:"exp"`
}

// TokenService is the stateless bearer-token codec. Validity is
// determined purely by signature and expiry, never by a lookup.
// Implementations: JWTService (HS256) and PasetoService (v4.local).
type TokenService interface {
	CreateToken(subject string, roles []string, duration time.Duration) (string, error)
	VerifyToken(tokenStr string) (*TokenClaims, error)
}

// RateLimiter is the request-throttling surface the handlers use.
// ratelimit.Limiter is the production implementation.
type RateLimiter interface {
	CheckIPRateLimit(ctx context.Context, ip string) (bool, error)
	CheckIPRateLimitWithPurpose(ctx context.Context, ip, purpose string) (bool, error)
	RecordIPRequest(ctx context.Context, ip string) error
	RecordIPRequestWithPurpose(ctx context.Context, ip, purpose string) error
	CheckEmailCooldown(ctx context.Context, email string) (bool, error)
	SetEmailCooldown(ctx context.Context, email string) error
}

// UserStore is the credential store consumed by the lifecycle manager
// and the authorization gate. user.Repository is the production
// implementation; tests use an in-memory fake.
type UserStore interface {
	Create(ctx context.Context, params user.CreateParams) (*user.User, error)
	GetByEmail(ctx context.Context, email string) (*user.User, error)
	GetByUsername(ctx context.Context, username string) (*user.User, error)
	GetByID(ctx context.Context, id int64) (*user.User, error)
	GetByVerificationToken(ctx context.Context, token string) (*user.User, error)
	ConsumeVerificationToken(ctx context.Context, userID int64, token string) error
	UpdateVerificationToken(ctx context.Context, userID int64, token string, expires time.Time) error
	SetResetToken(ctx context.Context, userID int64, token string, expires time.Time) error
	ConsumeResetToken(ctx context.Context, token, passwordHash string, now time.Time) (int64, error)
	UpdatePassword(ctx context.Context, userID int64, passwordHash string, now time.Time) error
	IncrementFailedLogins(ctx context.Context, userID int64) (int, error)
	Lock(ctx context.Context, userID int64, until time.Time) error
	Unlock(ctx context.Context, userID int64) error
	RecordLogin(ctx context.Context, userID int64, now time.Time) error
}

// EmailService defines the interface for email operations. Sends are
// fire-and-forget from the caller's point of view.
type EmailService interface {
	SendVerificationEmail(ctx context.Context, toEmail, userName, token string) error
	SendPasswordResetEmail(ctx context.Context, toEmail, userName, token string) error
}

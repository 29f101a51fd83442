package database

import (
	"time"

	"github.com/uptrace/bun"
)

// User is the bun table model for the users table. The column set
// follows the production schema: credentials are nullable because
// OAuth-only accounts carry no password hash, and the
// (oauth_provider, oauth_provider_id) pair has a partial unique index
// enforced at the storage layer.
type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID           int64   `bun:"id,pk,autoincrement"`
	Username     string  `bun:"username,notnull"`
	Email        string  `bun:"email,notnull"`
	PasswordHash *string `bun:"password_hash"`
	FullName     *string `bun:"full_name"`

	EmailVerified            bool       `bun:"email_verified,notnull,default:false"`
	EmailVerificationToken   *string    `bun:"email_verification_token"`
	EmailVerificationExpires *time.Time `bun:"email_verification_expires"`
	PasswordResetToken       *string    `bun:"password_reset_token"`
	PasswordResetExpires     *time.Time `bun:"password_reset_expires"`

	OAuthProvider   *string `bun:"oauth_provider"`
	OAuthProviderID *string `bun:"oauth_provider_id"`

	IsActive            bool       `bun:"is_active,notnull,default:true"`
	IsLocked            bool       `bun:"is_locked,notnull,default:false"`
	FailedLoginAttempts int        `bun:"failed_login_attempts,notnull,default:0"`
	LockedUntil         *time.Time `bun:"locked_until"`

	Roles []string `bun:"roles,type:jsonb,notnull,default:'[\"user\"]'"`

	CreatedAt          time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt          time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
	LastLogin          *time.Time `bun:"last_login"`
	LastPasswordChange *time.Time `bun:"last_password_change"`
}

package user

import (
	"time"
)

// User is the domain identity record. PasswordHash is nil for
// OAuth-only accounts; OAuthProvider/OAuthProviderID are nil for
// password-only accounts. An account with neither cannot authenticate
// and must never be created.
type User struct {
	ID           int64   `json:"id"`
	Username     string  `json:"username"`
	Email        string  `json:"email"`
	PasswordHash *string `json:"-"` // never exposed
	FullName     *string `json:"full_name,omitempty"`

	EmailVerified            bool       `json:"email_verified"`
	EmailVerificationToken   *string    `json:"-"`
	EmailVerificationExpires *time.Time `json:"-"`
	PasswordResetToken       *string    `json:"-"`
	PasswordResetExpires     *time.Time `json:"-"`

	OAuthProvider   *string `json:"oauth_provider,omitempty"`
	OAuthProviderID *string `json:"-"`

	IsActive            bool       `json:"is_active"`
	IsLocked            bool       `json:"is_locked"`
	FailedLoginAttempts int        `json:"-"`
	LockedUntil         *time.Time `json:"-"`

	Roles []string `json:"roles"`

	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	LastLogin          *time.Time `json:"last_login,omitempty"`
	LastPasswordChange *time.Time `json:"-"`
}

// HasRole reports whether the user's role set contains any of the
// required roles.
func (u *User) HasRole(required ...string) bool {
	for _, want := range required {
		for _, have := range u.Roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

// HasPassword reports whether the account can authenticate by password.
func (u *User) HasPassword() bool {
	return u.PasswordHash != nil && *u.PasswordHash != ""
}

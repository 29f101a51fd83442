package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/cardea-security/oracle/internal/database"
)

var (
	ErrNotFound          = errors.New("user not found")
	ErrDuplicateEmail    = errors.New("email already exists")
	ErrDuplicateUsername = errors.New("username already exists")
	// ErrDuplicateIdentity signals an insert race on the
	// (oauth_provider, oauth_provider_id) unique index. Callers retry
	// the operation as a lookup instead of surfacing this.
	ErrDuplicateIdentity = errors.New("provider identity already exists")
)

// CreateParams describes a password-based registration insert.
type CreateParams struct {
	Username                 string
	Email                    string
	PasswordHash             string
	FullName                 *string
	EmailVerificationToken   string
	EmailVerificationExpires time.Time
}

// ProviderCreateParams describes an insert driven by a federated
// identity. The provider already verified the email address.
type ProviderCreateParams struct {
	Username   string
	Email      string
	FullName   *string
	Provider   string
	ProviderID string
	LastLogin  time.Time
}

// Repository is the bun-backed credential store adapter. Uniqueness is
// enforced by the storage layer; unique-violation errors are mapped to
// the sentinel errors above so callers can resolve insert races.
type Repository struct {
	db *bun.DB
}

func NewRepository(db *bun.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a new unverified password-based user.
func (r *Repository) Create(ctx context.Context, params CreateParams) (*User, error) {
	dbUser := &database.User{
		Username:                 params.Username,
		Email:                    params.Email,
		PasswordHash:             &params.PasswordHash,
		FullName:                 params.FullName,
		EmailVerified:            false,
		EmailVerificationToken:   &params.EmailVerificationToken,
		EmailVerificationExpires: &params.EmailVerificationExpires,
		IsActive:                 true,
		Roles:                    []string{"user"},
	}

	_, err := r.db.NewInsert().
		Model(dbUser).
		Returning("*").
		Exec(ctx)
	if err != nil {
		if mapped := mapUniqueViolation(err); mapped != nil {
			return nil, mapped
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return mapDBUserToModel(dbUser), nil
}

// CreateFromProvider inserts a new user from federated claims. The
// account is born verified and without a password hash.
func (r *Repository) CreateFromProvider(ctx context.Context, params ProviderCreateParams) (*User, error) {
	dbUser := &database.User{
		Username:        params.Username,
		Email:           params.Email,
		FullName:        params.FullName,
		EmailVerified:   true,
		OAuthProvider:   &params.Provider,
		OAuthProviderID: &params.ProviderID,
		IsActive:        true,
		Roles:           []string{"user"},
		LastLogin:       &params.LastLogin,
	}

	_, err := r.db.NewInsert().
		Model(dbUser).
		Returning("*").
		Exec(ctx)
	if err != nil {
		if mapped := mapUniqueViolation(err); mapped != nil {
			return nil, mapped
		}
		return nil, fmt.Errorf("failed to create user from provider: %w", err)
	}

	return mapDBUserToModel(dbUser), nil
}

// GetByEmail retrieves a user by email.
func (r *Repository) GetByEmail(ctx context.Context, email string) (*User, error) {
	return r.getOne(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("email = ?", email)
	})
}

// GetByUsername retrieves a user by username.
func (r *Repository) GetByUsername(ctx context.Context, username string) (*User, error) {
	return r.getOne(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("username = ?", username)
	})
}

// GetByID retrieves a user by primary key.
func (r *Repository) GetByID(ctx context.Context, id int64) (*User, error) {
	return r.getOne(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("id = ?", id)
	})
}

// GetByProviderIdentity retrieves a user by its federated identity pair.
func (r *Repository) GetByProviderIdentity(ctx context.Context, provider, providerID string) (*User, error) {
	return r.getOne(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("oauth_provider = ?", provider).
			Where("oauth_provider_id = ?", providerID)
	})
}

// GetByVerificationToken retrieves an unverified user holding the exact
// verification token.
func (r *Repository) GetByVerificationToken(ctx context.Context, token string) (*User, error) {
	return r.getOne(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("email_verification_token = ?", token).
			Where("email_verified = ?", false)
	})
}

// ConsumeVerificationToken marks the email verified and clears the
// token in one statement. Returns ErrNotFound if the token was already
// consumed or never existed; consumption is exactly-once.
func (r *Repository) ConsumeVerificationToken(ctx context.Context, userID int64, token string) error {
	result, err := r.db.NewUpdate().
		Model((*database.User)(nil)).
		Set("email_verified = ?", true).
		Set("email_verification_token = NULL").
		Set("email_verification_expires = NULL").
		Set("updated_at = NOW()").
		Where("id = ?", userID).
		Where("email_verification_token = ?", token).
		Where("email_verified = ?", false).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to consume verification token: %w", err)
	}
	return requireRows(result)
}

// UpdateVerificationToken stores a fresh verification token for an
// unverified account (idempotent re-registration path).
func (r *Repository) UpdateVerificationToken(ctx context.Context, userID int64, token string, expires time.Time) error {
	result, err := r.db.NewUpdate().
		Model((*database.User)(nil)).
		Set("email_verification_token = ?", token).
		Set("email_verification_expires = ?", expires).
		Set("updated_at = NOW()").
		Where("id = ?", userID).
		Where("email_verified = ?", false).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update verification token: %w", err)
	}
	return requireRows(result)
}

// SetResetToken stores a password-reset token with its expiry.
func (r *Repository) SetResetToken(ctx context.Context, userID int64, token string, expires time.Time) error {
	result, err := r.db.NewUpdate().
		Model((*database.User)(nil)).
		Set("password_reset_token = ?", token).
		Set("password_reset_expires = ?", expires).
		Set("updated_at = NOW()").
		Where("id = ?", userID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to set reset token: %w", err)
	}
	return requireRows(result)
}

// ConsumeResetToken replaces the password hash, clears the reset token
// and the lockout state, and stamps last_password_change, all in one
// statement so a cancelled request cannot consume the token without
// updating the password. Returns the affected user's id, or ErrNotFound
// when the token does not match or has expired.
func (r *Repository) ConsumeResetToken(ctx context.Context, token, passwordHash string, now time.Time) (int64, error) {
	var userID int64
	err := r.db.NewUpdate().
		Model((*database.User)(nil)).
		Set("password_hash = ?", passwordHash).
		Set("password_reset_token = NULL").
		Set("password_reset_expires = NULL").
		Set("failed_login_attempts = 0").
		Set("is_locked = ?", false).
		Set("locked_until = NULL").
		Set("last_password_change = ?", now).
		Set("updated_at = NOW()").
		Where("password_reset_token = ?", token).
		Where("password_reset_expires > ?", now).
		Returning("id").
		Scan(ctx, &userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to consume reset token: %w", err)
	}
	return userID, nil
}

// UpdatePassword replaces the password hash for an authenticated
// password change.
func (r *Repository) UpdatePassword(ctx context.Context, userID int64, passwordHash string, now time.Time) error {
	result, err := r.db.NewUpdate().
		Model((*database.User)(nil)).
		Set("password_hash = ?", passwordHash).
		Set("last_password_change = ?", now).
		Set("updated_at = NOW()").
		Where("id = ?", userID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	return requireRows(result)
}

// IncrementFailedLogins bumps the failure counter atomically and
// returns the new value. Concurrent logins for the same user cannot
// lose updates because the increment happens in the database.
func (r *Repository) IncrementFailedLogins(ctx context.Context, userID int64) (int, error) {
	var attempts int
	err := r.db.NewUpdate().
		Model((*database.User)(nil)).
		Set("failed_login_attempts = failed_login_attempts + 1").
		Set("updated_at = NOW()").
		Where("id = ?", userID).
		Returning("failed_login_attempts").
		Scan(ctx, &attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to increment failed logins: %w", err)
	}
	return attempts, nil
}

// Lock marks the account locked until the given time.
func (r *Repository) Lock(ctx context.Context, userID int64, until time.Time) error {
	result, err := r.db.NewUpdate().
		Model((*database.User)(nil)).
		Set("is_locked = ?", true).
		Set("locked_until = ?", until).
		Set("updated_at = NOW()").
		Where("id = ?", userID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to lock account: %w", err)
	}
	return requireRows(result)
}

// Unlock clears the lock flag and the failure counter (lazy unlock once
// locked_until has passed).
func (r *Repository) Unlock(ctx context.Context, userID int64) error {
	result, err := r.db.NewUpdate().
		Model((*database.User)(nil)).
		Set("is_locked = ?", false).
		Set("locked_until = NULL").
		Set("failed_login_attempts = 0").
		Set("updated_at = NOW()").
		Where("id = ?", userID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to unlock account: %w", err)
	}
	return requireRows(result)
}

// RecordLogin resets the failure counter and stamps last_login after a
// successful authentication.
func (r *Repository) RecordLogin(ctx context.Context, userID int64, now time.Time) error {
	result, err := r.db.NewUpdate().
		Model((*database.User)(nil)).
		Set("failed_login_attempts = 0").
		Set("last_login = ?", now).
		Set("updated_at = NOW()").
		Where("id = ?", userID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to record login: %w", err)
	}
	return requireRows(result)
}

// LinkProviderIdentity attaches a federated identity to an existing
// account, preserving any password hash already present.
func (r *Repository) LinkProviderIdentity(ctx context.Context, userID int64, provider, providerID string, now time.Time) error {
	result, err := r.db.NewUpdate().
		Model((*database.User)(nil)).
		Set("oauth_provider = ?", provider).
		Set("oauth_provider_id = ?", providerID).
		Set("last_login = ?", now).
		Set("updated_at = NOW()").
		Where("id = ?", userID).
		Exec(ctx)
	if err != nil {
		if mapped := mapUniqueViolation(err); mapped != nil {
			return mapped
		}
		return fmt.Errorf("failed to link provider identity: %w", err)
	}
	return requireRows(result)
}

func (r *Repository) getOne(ctx context.Context, where func(*bun.SelectQuery) *bun.SelectQuery) (*User, error) {
	dbUser := new(database.User)
	err := where(r.db.NewSelect().Model(dbUser)).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return mapDBUserToModel(dbUser), nil
}

func requireRows(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// mapUniqueViolation converts a Postgres unique-violation error into
// the matching sentinel error, or nil when the error is unrelated.
func mapUniqueViolation(err error) error {
	msg := err.Error()
	if !strings.Contains(msg, "duplicate key value violates unique constraint") {
		return nil
	}
	switch {
	case strings.Contains(msg, "users_email_key"):
		return ErrDuplicateEmail
	case strings.Contains(msg, "users_username_key"):
		return ErrDuplicateUsername
	case strings.Contains(msg, "idx_users_oauth_unique"):
		return ErrDuplicateIdentity
	default:
		return ErrDuplicateEmail
	}
}

// mapDBUserToModel converts the table model into the domain model.
func mapDBUserToModel(dbu *database.User) *User {
	roles := dbu.Roles
	if len(roles) == 0 {
		roles = []string{"user"}
	}
	return &User{
		ID:                       dbu.ID,
		Username:                 dbu.Username,
		Email:                    dbu.Email,
		PasswordHash:             dbu.PasswordHash,
		FullName:                 dbu.FullName,
		EmailVerified:            dbu.EmailVerified,
		EmailVerificationToken:   dbu.EmailVerificationToken,
		EmailVerificationExpires: dbu.EmailVerificationExpires,
		PasswordResetToken:       dbu.PasswordResetToken,
		PasswordResetExpires:     dbu.PasswordResetExpires,
		OAuthProvider:            dbu.OAuthProvider,
		OAuthProviderID:          dbu.OAuthProviderID,
		IsActive:                 dbu.IsActive,
		IsLocked:                 dbu.IsLocked,
		FailedLoginAttempts:      dbu.FailedLoginAttempts,
		LockedUntil:              dbu.LockedUntil,
		Roles:                    roles,
		CreatedAt:                dbu.CreatedAt,
		UpdatedAt:                dbu.UpdatedAt,
		LastLogin:                dbu.LastLogin,
		LastPasswordChange:       dbu.LastPasswordChange,
	}
}

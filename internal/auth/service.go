package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"time"

	"github.com/cardea-security/oracle/internal/logging"
	"github.com/cardea-security/oracle/internal/user"
)

var (
	ErrInvalidCredentials     = errors.New("invalid email or password")
	ErrEmailRequired          = errors.New("email is required")
	ErrPasswordRequired       = errors.New("password is required")
	ErrPasswordTooShort       = errors.New("password must be at least 8 characters")
	ErrEmailNotVerified       = errors.New("email not verified, please check your inbox")
	ErrEmailAlreadyVerified   = errors.New("email already verified")
	ErrInvalidEmailFormat     = errors.New("invalid email format")
	ErrInvalidOrExpiredToken  = errors.New("invalid or expired token")
	ErrAccountLocked          = errors.New("account temporarily locked due to failed login attempts")
	ErrAccountDisabled        = errors.New("account is disabled")
	ErrPasswordLoginsDisabled = errors.New("password login is not available for this account")
)

// ServiceConfig carries the tunables of the credential lifecycle.
type ServiceConfig struct {
	AccessTokenDuration  time.Duration
	RefreshTokenDuration time.Duration
	VerificationTokenTTL time.Duration
	ResetTokenTTL        time.Duration
	LockoutThreshold     int
	LockoutDuration      time.Duration
}

// Service handles authentication business logic: registration and
// email verification, credential checks with lockout, password reset
// and the refresh-token session lifecycle.
type Service struct {
	userRepo     UserStore
	authRepo     RefreshTokenRepository
	tokenService TokenService
	emailService EmailService
	logger       *logging.Logger
	cfg          ServiceConfig
	now          func() time.Time
}

func NewService(
	userRepo UserStore,
	authRepo RefreshTokenRepository,
	tokenService TokenService,
	emailService EmailService,
	logger *logging.Logger,
	cfg ServiceConfig,
) *Service {
	return &Service{
		userRepo:     userRepo,
		authRepo:     authRepo,
		tokenService: tokenService,
		emailService: emailService,
		logger:       logger,
		cfg:          cfg,
		now:          time.Now,
	}
}

// Register creates a new user account and sends a verification email.
// Re-registering an unverified address rotates the verification token
// and resends the email instead of failing; a verified address is
// rejected so a caller cannot silently shadow an existing account.
func (s *Service) Register(ctx context.Context, email, password string, fullName *string) (*user.User, error) {
	// Validate input
	if email == "" {
		return nil, ErrEmailRequired
	}
	if len(email) > 254 {
		return nil, ErrInvalidEmailFormat
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, ErrInvalidEmailFormat
	}
	if password == "" {
		return nil, ErrPasswordRequired
	}
	if len(password) < 8 {
		return nil, ErrPasswordTooShort
	}

	existing, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil && !errors.Is(err, user.ErrNotFound) {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if existing != nil {
		return s.reissueRegistration(ctx, existing)
	}

	// Hash password using argon2id
	passwordHash, err := hashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	verificationToken, err := generateRandomToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate verification token: %w", err)
	}

	username, err := s.uniqueUsername(ctx, user.DeriveUsername(email))
	if err != nil {
		return nil, err
	}

	newUser, err := s.userRepo.Create(ctx, user.CreateParams{
		Username:                 username,
		Email:                    email,
		PasswordHash:             passwordHash,
		FullName:                 fullName,
		EmailVerificationToken:   verificationToken,
		EmailVerificationExpires: s.now().Add(s.cfg.VerificationTokenTTL),
	})
	if err != nil {
		if errors.Is(err, user.ErrDuplicateEmail) {
			// Lost a race against a concurrent registration of the
			// same address. Re-read and fall back to the resend path.
			if raced, rerr := s.userRepo.GetByEmail(ctx, email); rerr == nil {
				return s.reissueRegistration(ctx, raced)
			}
			return nil, fmt.Errorf("failed to create user: %w", err)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	s.sendVerificationEmail(newUser, verificationToken)
	return newUser, nil
}

// reissueRegistration handles Register against an address that already
// has an account.
func (s *Service) reissueRegistration(ctx context.Context, existing *user.User) (*user.User, error) {
	if existing.EmailVerified {
		return nil, ErrEmailAlreadyVerified
	}

	token, err := generateRandomToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate verification token: %w", err)
	}
	if err := s.userRepo.UpdateVerificationToken(ctx, existing.ID, token, s.now().Add(s.cfg.VerificationTokenTTL)); err != nil {
		return nil, fmt.Errorf("failed to update verification token: %w", err)
	}

	s.sendVerificationEmail(existing, token)
	return existing, nil
}

// Login authenticates a user and returns a token pair. Failures walk a
// fixed ladder so a response never leaks more than the earliest gate
// that rejected the attempt.
func (s *Service) Login(ctx context.Context, email, password string) (*AuthTokens, error) {
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	existing, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if !existing.EmailVerified {
		return nil, ErrEmailNotVerified
	}

	if existing.IsLocked {
		if existing.LockedUntil == nil || s.now().Before(*existing.LockedUntil) {
			return nil, ErrAccountLocked
		}
		// Lockout window has passed; clear the state and continue.
		if err := s.userRepo.Unlock(ctx, existing.ID); err != nil {
			return nil, fmt.Errorf("failed to unlock account: %w", err)
		}
	}

	if !existing.IsActive {
		return nil, ErrAccountDisabled
	}

	if !existing.HasPassword() {
		// OAuth-only account; a password attempt still counts toward
		// the lockout so the counter cannot be probed.
		return nil, s.recordFailedAttempt(ctx, existing)
	}
	if !verifyPassword(*existing.PasswordHash, password) {
		return nil, s.recordFailedAttempt(ctx, existing)
	}

	if err := s.userRepo.RecordLogin(ctx, existing.ID, s.now()); err != nil {
		return nil, fmt.Errorf("failed to record login: %w", err)
	}

	return s.IssueTokens(ctx, existing)
}

// recordFailedAttempt bumps the failure counter and locks the account
// once the threshold is reached. The returned error is what Login
// should surface for this attempt.
func (s *Service) recordFailedAttempt(ctx context.Context, u *user.User) error {
	attempts, err := s.userRepo.IncrementFailedLogins(ctx, u.ID)
	if err != nil {
		return fmt.Errorf("failed to record login attempt: %w", err)
	}
	if attempts >= s.cfg.LockoutThreshold {
		until := s.now().Add(s.cfg.LockoutDuration)
		if err := s.userRepo.Lock(ctx, u.ID, until); err != nil {
			return fmt.Errorf("failed to lock account: %w", err)
		}
		s.logger.Warn("account locked after repeated login failures",
			"user_id", u.ID, "attempts", attempts, "locked_until", until)
		return ErrAccountLocked
	}
	return ErrInvalidCredentials
}

// IssueTokens creates an access/refresh token pair for an already
// authenticated user. Used by Login, VerifyEmail and the OAuth login
// flow.
func (s *Service) IssueTokens(ctx context.Context, u *user.User) (*AuthTokens, error) {
	accessToken, err := s.tokenService.CreateToken(u.Username, u.Roles, s.cfg.AccessTokenDuration)
	if err != nil {
		return nil, fmt.Errorf("failed to create access token: %w", err)
	}

	refreshToken, err := generateRandomToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}

	expiresAt := s.now().Add(s.cfg.RefreshTokenDuration)
	if err := s.authRepo.StoreRefreshToken(ctx, u.ID, refreshToken, expiresAt); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	return &AuthTokens{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.cfg.AccessTokenDuration.Seconds()),
	}, nil
}

// RefreshAccessToken rotates a refresh token: the old one is revoked
// before the new pair is issued so a captured token cannot be replayed.
func (s *Service) RefreshAccessToken(ctx context.Context, refreshToken string) (*AuthTokens, error) {
	rt, err := s.authRepo.GetRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, ErrRefreshTokenNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	if !rt.IsValid() {
		if rt.IsRevoked() {
			return nil, ErrRefreshTokenRevoked
		}
		return nil, ErrRefreshTokenExpired
	}

	if err := s.authRepo.RevokeRefreshToken(ctx, refreshToken); err != nil {
		return nil, fmt.Errorf("failed to revoke old refresh token: %w", err)
	}
	s.logger.Info("rotated refresh session", "user_id", rt.UserID, "session_id", rt.SessionID)

	existing, err := s.userRepo.GetByID(ctx, rt.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if !existing.IsActive {
		return nil, ErrAccountDisabled
	}
	if existing.IsLocked && (existing.LockedUntil == nil || s.now().Before(*existing.LockedUntil)) {
		return nil, ErrAccountLocked
	}

	return s.IssueTokens(ctx, existing)
}

// RevokeRefreshToken revokes a refresh token.
func (s *Service) RevokeRefreshToken(ctx context.Context, refreshToken string) error {
	return s.authRepo.RevokeRefreshToken(ctx, refreshToken)
}

// VerifyEmail consumes a verification token and logs the user in. An
// expired token leaves the account untouched; the user must request a
// fresh one.
func (s *Service) VerifyEmail(ctx context.Context, token string) (*AuthTokens, error) {
	existing, err := s.userRepo.GetByVerificationToken(ctx, token)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return nil, ErrInvalidOrExpiredToken
		}
		return nil, fmt.Errorf("failed to find user by token: %w", err)
	}

	if existing.EmailVerificationExpires == nil || s.now().After(*existing.EmailVerificationExpires) {
		return nil, ErrInvalidOrExpiredToken
	}

	if err := s.userRepo.ConsumeVerificationToken(ctx, existing.ID, token); err != nil {
		if errors.Is(err, user.ErrNotFound) {
			// Consumed concurrently between the read and the update.
			return nil, ErrInvalidOrExpiredToken
		}
		return nil, fmt.Errorf("failed to verify email: %w", err)
	}
	existing.EmailVerified = true

	return s.IssueTokens(ctx, existing)
}

// RequestPasswordReset initiates the password reset process.
// Always returns nil to prevent email enumeration attacks.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	existing, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return nil
		}
		s.logger.Warn("failed to get user for password reset", "error", err)
		return nil
	}

	// Only verified, active accounts get a reset token. The response
	// is identical either way.
	if !existing.EmailVerified || !existing.IsActive {
		return nil
	}

	token, err := generateRandomToken()
	if err != nil {
		s.logger.Warn("failed to generate password reset token", "error", err)
		return nil
	}

	if err := s.userRepo.SetResetToken(ctx, existing.ID, token, s.now().Add(s.cfg.ResetTokenTTL)); err != nil {
		s.logger.Warn("failed to store password reset token", "error", err)
		return nil
	}

	// Send password reset email in goroutine (non-blocking)
	go func() {
		emailCtx := context.Background()
		if err := s.emailService.SendPasswordResetEmail(emailCtx, existing.Email, displayName(existing), token); err != nil {
			s.logger.Warn("failed to send password reset email", "email", existing.Email, "error", err)
		}
	}()

	return nil
}

// ResetPassword resets a user's password using a valid reset token.
// Consuming the token, writing the new hash and clearing any lockout
// happen in a single store operation; all live sessions are revoked
// afterwards.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	if newPassword == "" {
		return ErrPasswordRequired
	}
	if len(newPassword) < 8 {
		return ErrPasswordTooShort
	}

	passwordHash, err := hashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	userID, err := s.userRepo.ConsumeResetToken(ctx, token, passwordHash, s.now())
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return ErrInvalidOrExpiredToken
		}
		return fmt.Errorf("failed to consume reset token: %w", err)
	}

	if err := s.authRepo.RevokeAllUserTokens(ctx, userID); err != nil {
		s.logger.Warn("failed to revoke user sessions after password reset",
			"user_id", userID, "error", err)
	}

	return nil
}

// ChangePassword replaces the password of an authenticated user after
// re-checking the current one. Sessions other than the caller's are
// revoked.
func (s *Service) ChangePassword(ctx context.Context, userID int64, currentPassword, newPassword string) error {
	if newPassword == "" {
		return ErrPasswordRequired
	}
	if len(newPassword) < 8 {
		return ErrPasswordTooShort
	}

	existing, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get user: %w", err)
	}
	if !existing.HasPassword() {
		return ErrPasswordLoginsDisabled
	}
	if !verifyPassword(*existing.PasswordHash, currentPassword) {
		return ErrInvalidCredentials
	}

	passwordHash, err := hashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := s.userRepo.UpdatePassword(ctx, userID, passwordHash, s.now()); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}

	if err := s.authRepo.RevokeAllUserTokens(ctx, userID); err != nil {
		s.logger.Warn("failed to revoke user sessions after password change",
			"user_id", userID, "error", err)
	}

	return nil
}

// ResendVerificationEmail sends a new verification email to the user.
// Always returns nil to prevent email enumeration attacks.
func (s *Service) ResendVerificationEmail(ctx context.Context, email string) error {
	existing, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return nil
		}
		s.logger.Warn("failed to get user for resend verification", "error", err)
		return nil
	}

	// Don't reveal that the email is already verified
	if existing.EmailVerified {
		return nil
	}

	token, err := generateRandomToken()
	if err != nil {
		s.logger.Warn("failed to generate verification token", "error", err)
		return nil
	}

	if err := s.userRepo.UpdateVerificationToken(ctx, existing.ID, token, s.now().Add(s.cfg.VerificationTokenTTL)); err != nil {
		s.logger.Warn("failed to update verification token", "error", err)
		return nil
	}

	s.sendVerificationEmail(existing, token)
	return nil
}

// sendVerificationEmail dispatches the email in a goroutine so a slow
// SMTP server never blocks the request.
func (s *Service) sendVerificationEmail(u *user.User, token string) {
	go func() {
		emailCtx := context.Background()
		if err := s.emailService.SendVerificationEmail(emailCtx, u.Email, displayName(u), token); err != nil {
			s.logger.Warn("failed to send verification email", "email", u.Email, "error", err)
		}
	}()
}

// uniqueUsername finds a free variant of base, appending _2, _3, ...
// on collision.
func (s *Service) uniqueUsername(ctx context.Context, base string) (string, error) {
	candidate := base
	for i := 2; ; i++ {
		_, err := s.userRepo.GetByUsername(ctx, candidate)
		if errors.Is(err, user.ErrNotFound) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to check username: %w", err)
		}
		if i > 50 {
			return "", fmt.Errorf("failed to find free username for %q", base)
		}
		candidate = fmt.Sprintf("%s_%d", base, i)
	}
}

func displayName(u *user.User) string {
	if u.FullName != nil && *u.FullName != "" {
		return *u.FullName
	}
	return u.Username
}

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardea-security/oracle/internal/logging"
	"github.com/cardea-security/oracle/internal/user"
)

type serviceFixture struct {
	store    *fakeUserStore
	sessions *fakeSessionRepo
	emails   *fakeEmailService
	svc      *Service
	now      time.Time
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	tokenService, err := NewJWTService(testSigningKey)
	require.NoError(t, err)

	f := &serviceFixture{
		store:    newFakeUserStore(),
		sessions: newFakeSessionRepo(),
		emails:   &fakeEmailService{},
		now:      time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(f.store, f.sessions, tokenService, f.emails, logging.NewLogger(true), ServiceConfig{
		AccessTokenDuration:  30 * time.Minute,
		RefreshTokenDuration: 7 * 24 * time.Hour,
		VerificationTokenTTL: 24 * time.Hour,
		ResetTokenTTL:        time.Hour,
		LockoutThreshold:     5,
		LockoutDuration:      15 * time.Minute,
	})
	f.svc.now = func() time.Time { return f.now }
	return f
}

func (f *serviceFixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *serviceFixture) addVerifiedUser(t *testing.T, email, password string) *user.User {
	t.Helper()
	hash, err := hashPassword(password)
	require.NoError(t, err)
	return f.store.add(&user.User{
		Username:      user.DeriveUsername(email),
		Email:         email,
		PasswordHash:  &hash,
		EmailVerified: true,
		IsActive:      true,
		Roles:         []string{"user"},
	})
}

func TestRegister(t *testing.T) {
	f := newServiceFixture(t)

	newUser, err := f.svc.Register(context.Background(), "alice@example.com", "password123", nil)
	require.NoError(t, err)

	assert.Equal(t, "alice", newUser.Username)
	assert.False(t, newUser.EmailVerified)
	assert.Equal(t, []string{"user"}, newUser.Roles)

	stored := f.store.get(newUser.ID)
	require.NotNil(t, stored.EmailVerificationToken)
	require.NotNil(t, stored.EmailVerificationExpires)
	assert.Equal(t, f.now.Add(24*time.Hour), *stored.EmailVerificationExpires)

	assert.Eventually(t, func() bool {
		return f.emails.verificationCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRegisterValidation(t *testing.T) {
	f := newServiceFixture(t)

	cases := []struct {
		name     string
		email    string
		password string
		wantErr  error
	}{
		{"missing email", "", "password123", ErrEmailRequired},
		{"bad email", "not-an-email", "password123", ErrInvalidEmailFormat},
		{"missing password", "alice@example.com", "", ErrPasswordRequired},
		{"short password", "alice@example.com", "short", ErrPasswordTooShort},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Register(context.Background(), tc.email, tc.password, nil)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestRegisterUnverifiedResend(t *testing.T) {
	f := newServiceFixture(t)

	first, err := f.svc.Register(context.Background(), "alice@example.com", "password123", nil)
	require.NoError(t, err)
	firstToken := *f.store.get(first.ID).EmailVerificationToken

	// Registering the same unverified address again rotates the token
	// instead of failing
	again, err := f.svc.Register(context.Background(), "alice@example.com", "password123", nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	secondToken := *f.store.get(first.ID).EmailVerificationToken
	assert.NotEqual(t, firstToken, secondToken)

	assert.Eventually(t, func() bool {
		return f.emails.verificationCount() == 2
	}, time.Second, 10*time.Millisecond)
}

func TestRegisterVerifiedEmailRejected(t *testing.T) {
	f := newServiceFixture(t)
	f.addVerifiedUser(t, "alice@example.com", "password123")

	_, err := f.svc.Register(context.Background(), "alice@example.com", "different-pw", nil)
	assert.ErrorIs(t, err, ErrEmailAlreadyVerified)
}

func TestRegisterUsernameCollision(t *testing.T) {
	f := newServiceFixture(t)
	f.addVerifiedUser(t, "alice@example.com", "password123")

	// Same local part, different domain
	newUser, err := f.svc.Register(context.Background(), "alice@other.org", "password123", nil)
	require.NoError(t, err)
	assert.Equal(t, "alice_2", newUser.Username)
}

func TestLogin(t *testing.T) {
	f := newServiceFixture(t)
	u := f.addVerifiedUser(t, "alice@example.com", "password123")

	tokens, err := f.svc.Login(context.Background(), "alice@example.com", "password123")
	require.NoError(t, err)
	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEmpty(t, tokens.RefreshToken)
	assert.Equal(t, "Bearer", tokens.TokenType)
	assert.Equal(t, int64(1800), tokens.ExpiresIn)

	stored := f.store.get(u.ID)
	require.NotNil(t, stored.LastLogin)
	assert.Equal(t, f.now, *stored.LastLogin)
}

func TestLoginFailures(t *testing.T) {
	f := newServiceFixture(t)
	f.addVerifiedUser(t, "alice@example.com", "password123")

	unverified, err := f.svc.Register(context.Background(), "bob@example.com", "password123", nil)
	require.NoError(t, err)
	_ = unverified

	disabled := f.addVerifiedUser(t, "carol@example.com", "password123")
	f.store.users[disabled.ID].IsActive = false

	cases := []struct {
		name     string
		email    string
		password string
		wantErr  error
	}{
		{"unknown email", "nobody@example.com", "password123", ErrInvalidCredentials},
		{"empty credentials", "", "", ErrInvalidCredentials},
		{"wrong password", "alice@example.com", "wrong-password", ErrInvalidCredentials},
		{"unverified email", "bob@example.com", "password123", ErrEmailNotVerified},
		{"disabled account", "carol@example.com", "password123", ErrAccountDisabled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Login(context.Background(), tc.email, tc.password)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestLoginLockout(t *testing.T) {
	f := newServiceFixture(t)
	u := f.addVerifiedUser(t, "alice@example.com", "password123")
	ctx := context.Background()

	// Four failures stay below the threshold
	for i := 0; i < 4; i++ {
		_, err := f.svc.Login(ctx, "alice@example.com", "wrong")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}
	stored := f.store.get(u.ID)
	assert.Equal(t, 4, stored.FailedLoginAttempts)
	assert.False(t, stored.IsLocked)

	// The fifth failure locks the account for the full window
	_, err := f.svc.Login(ctx, "alice@example.com", "wrong")
	assert.ErrorIs(t, err, ErrAccountLocked)
	stored = f.store.get(u.ID)
	assert.True(t, stored.IsLocked)
	require.NotNil(t, stored.LockedUntil)
	assert.Equal(t, f.now.Add(15*time.Minute), *stored.LockedUntil)

	// Even the correct password is rejected while locked
	_, err = f.svc.Login(ctx, "alice@example.com", "password123")
	assert.ErrorIs(t, err, ErrAccountLocked)

	// Once the window passes the lock clears lazily and login succeeds
	f.advance(16 * time.Minute)
	tokens, err := f.svc.Login(ctx, "alice@example.com", "password123")
	require.NoError(t, err)
	assert.NotEmpty(t, tokens.AccessToken)

	stored = f.store.get(u.ID)
	assert.False(t, stored.IsLocked)
	assert.Equal(t, 0, stored.FailedLoginAttempts)
}

func TestVerifyEmail(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	newUser, err := f.svc.Register(ctx, "alice@example.com", "password123", nil)
	require.NoError(t, err)
	token := *f.store.get(newUser.ID).EmailVerificationToken

	// Verification logs the user straight in
	tokens, err := f.svc.VerifyEmail(ctx, token)
	require.NoError(t, err)
	assert.NotEmpty(t, tokens.AccessToken)

	stored := f.store.get(newUser.ID)
	assert.True(t, stored.EmailVerified)
	assert.Nil(t, stored.EmailVerificationToken)

	// The token is gone after the first use
	_, err = f.svc.VerifyEmail(ctx, token)
	assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)
}

func TestVerifyEmailExpired(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	newUser, err := f.svc.Register(ctx, "alice@example.com", "password123", nil)
	require.NoError(t, err)
	token := *f.store.get(newUser.ID).EmailVerificationToken

	f.advance(25 * time.Hour)

	_, err = f.svc.VerifyEmail(ctx, token)
	assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)

	// An expired token must leave the account untouched
	stored := f.store.get(newUser.ID)
	assert.False(t, stored.EmailVerified)
	require.NotNil(t, stored.EmailVerificationToken)
	assert.Equal(t, token, *stored.EmailVerificationToken)

	_, err = f.svc.VerifyEmail(ctx, "never-issued")
	assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)
}

func TestRequestPasswordReset(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	u := f.addVerifiedUser(t, "alice@example.com", "password123")

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "alice@example.com"))

	stored := f.store.get(u.ID)
	require.NotNil(t, stored.PasswordResetToken)
	require.NotNil(t, stored.PasswordResetExpires)
	assert.Equal(t, f.now.Add(time.Hour), *stored.PasswordResetExpires)

	assert.Eventually(t, func() bool {
		return f.emails.resetCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRequestPasswordResetEnumerationSafe(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	// Unknown address succeeds without sending anything
	require.NoError(t, f.svc.RequestPasswordReset(ctx, "nobody@example.com"))

	// Unverified accounts get nothing either
	_, err := f.svc.Register(ctx, "bob@example.com", "password123", nil)
	require.NoError(t, err)
	require.NoError(t, f.svc.RequestPasswordReset(ctx, "bob@example.com"))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.emails.resetCount())
}

func TestResetPassword(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	u := f.addVerifiedUser(t, "alice@example.com", "old-password")

	// An active session that the reset must invalidate
	_, err := f.svc.Login(ctx, "alice@example.com", "old-password")
	require.NoError(t, err)
	require.Equal(t, 1, f.sessions.activeCount(u.ID))

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "alice@example.com"))
	token := *f.store.get(u.ID).PasswordResetToken

	require.NoError(t, f.svc.ResetPassword(ctx, token, "new-password-123"))

	// Old password out, new password in, sessions revoked
	_, err = f.svc.Login(ctx, "alice@example.com", "old-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.svc.Login(ctx, "alice@example.com", "new-password-123")
	assert.NoError(t, err)
	assert.Equal(t, 1, f.sessions.activeCount(u.ID)) // only the fresh login

	// The token was consumed
	err = f.svc.ResetPassword(ctx, token, "another-password")
	assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)
}

func TestResetPasswordExpiredToken(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	u := f.addVerifiedUser(t, "alice@example.com", "old-password")

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "alice@example.com"))
	token := *f.store.get(u.ID).PasswordResetToken

	f.advance(2 * time.Hour)

	err := f.svc.ResetPassword(ctx, token, "new-password-123")
	assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)

	// Old password still works
	_, err = f.svc.Login(ctx, "alice@example.com", "old-password")
	assert.NoError(t, err)
}

func TestResetPasswordClearsLockout(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	u := f.addVerifiedUser(t, "alice@example.com", "old-password")

	for i := 0; i < 5; i++ {
		_, _ = f.svc.Login(ctx, "alice@example.com", "wrong")
	}
	require.True(t, f.store.get(u.ID).IsLocked)

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "alice@example.com"))
	token := *f.store.get(u.ID).PasswordResetToken
	require.NoError(t, f.svc.ResetPassword(ctx, token, "new-password-123"))

	stored := f.store.get(u.ID)
	assert.False(t, stored.IsLocked)
	assert.Equal(t, 0, stored.FailedLoginAttempts)

	_, err := f.svc.Login(ctx, "alice@example.com", "new-password-123")
	assert.NoError(t, err)
}

func TestChangePassword(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	u := f.addVerifiedUser(t, "alice@example.com", "old-password")

	_, err := f.svc.Login(ctx, "alice@example.com", "old-password")
	require.NoError(t, err)

	err = f.svc.ChangePassword(ctx, u.ID, "wrong-current", "new-password-123")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	require.NoError(t, f.svc.ChangePassword(ctx, u.ID, "old-password", "new-password-123"))
	assert.Equal(t, 0, f.sessions.activeCount(u.ID))

	_, err = f.svc.Login(ctx, "alice@example.com", "new-password-123")
	assert.NoError(t, err)
}

func TestRefreshTokenRotation(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.addVerifiedUser(t, "alice@example.com", "password123")

	first, err := f.svc.Login(ctx, "alice@example.com", "password123")
	require.NoError(t, err)

	second, err := f.svc.RefreshAccessToken(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// The rotated-out token cannot be replayed
	_, err = f.svc.RefreshAccessToken(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, ErrRefreshTokenRevoked)

	_, err = f.svc.RefreshAccessToken(ctx, "never-issued")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefreshSessionIDs(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.addVerifiedUser(t, "alice@example.com", "password123")

	first, err := f.svc.Login(ctx, "alice@example.com", "password123")
	require.NoError(t, err)

	// Every issued session carries its own correlation id.
	firstSession, err := f.sessions.GetRefreshToken(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, firstSession.SessionID)

	second, err := f.svc.RefreshAccessToken(ctx, first.RefreshToken)
	require.NoError(t, err)
	secondSession, err := f.sessions.GetRefreshToken(ctx, second.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, secondSession.SessionID)
	assert.NotEqual(t, firstSession.SessionID, secondSession.SessionID)
}

func TestResendVerificationEmail(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	newUser, err := f.svc.Register(ctx, "alice@example.com", "password123", nil)
	require.NoError(t, err)
	firstToken := *f.store.get(newUser.ID).EmailVerificationToken

	require.NoError(t, f.svc.ResendVerificationEmail(ctx, "alice@example.com"))
	assert.NotEqual(t, firstToken, *f.store.get(newUser.ID).EmailVerificationToken)

	// Unknown and verified addresses both report success
	require.NoError(t, f.svc.ResendVerificationEmail(ctx, "nobody@example.com"))
	f.addVerifiedUser(t, "carol@example.com", "password123")
	require.NoError(t, f.svc.ResendVerificationEmail(ctx, "carol@example.com"))
}

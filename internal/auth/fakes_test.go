package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cardea-security/oracle/internal/user"
)

// fakeUserStore is an in-memory UserStore for service and gate tests.
type fakeUserStore struct {
	mu     sync.Mutex
	nextID int64
	users  map[int64]*user.User
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: make(map[int64]*user.User)}
}

func (f *fakeUserStore) add(u *user.User) *user.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	u.ID = f.nextID
	u.CreatedAt = time.Now()
	f.users[u.ID] = u
	return u
}

func (f *fakeUserStore) get(id int64) *user.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.users[id]
	copied := *u
	return &copied
}

func (f *fakeUserStore) Create(ctx context.Context, params user.CreateParams) (*user.User, error) {
	f.mu.Lock()
	for _, u := range f.users {
		if u.Email == params.Email {
			f.mu.Unlock()
			return nil, user.ErrDuplicateEmail
		}
		if u.Username == params.Username {
			f.mu.Unlock()
			return nil, user.ErrDuplicateUsername
		}
	}
	f.mu.Unlock()

	hash := params.PasswordHash
	token := params.EmailVerificationToken
	expires := params.EmailVerificationExpires
	return f.add(&user.User{
		Username:                 params.Username,
		Email:                    params.Email,
		PasswordHash:             &hash,
		FullName:                 params.FullName,
		EmailVerificationToken:   &token,
		EmailVerificationExpires: &expires,
		IsActive:                 true,
		Roles:                    []string{"user"},
	}), nil
}

func (f *fakeUserStore) findOne(match func(*user.User) bool) (*user.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if match(u) {
			copied := *u
			return &copied, nil
		}
	}
	return nil, user.ErrNotFound
}

func (f *fakeUserStore) GetByEmail(ctx context.Context, email string) (*user.User, error) {
	return f.findOne(func(u *user.User) bool { return u.Email == email })
}

func (f *fakeUserStore) GetByUsername(ctx context.Context, username string) (*user.User, error) {
	return f.findOne(func(u *user.User) bool { return u.Username == username })
}

func (f *fakeUserStore) GetByID(ctx context.Context, id int64) (*user.User, error) {
	return f.findOne(func(u *user.User) bool { return u.ID == id })
}

func (f *fakeUserStore) GetByVerificationToken(ctx context.Context, token string) (*user.User, error) {
	return f.findOne(func(u *user.User) bool {
		return !u.EmailVerified && u.EmailVerificationToken != nil && *u.EmailVerificationToken == token
	})
}

func (f *fakeUserStore) ConsumeVerificationToken(ctx context.Context, userID int64, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok || u.EmailVerified || u.EmailVerificationToken == nil || *u.EmailVerificationToken != token {
		return user.ErrNotFound
	}
	u.EmailVerified = true
	u.EmailVerificationToken = nil
	u.EmailVerificationExpires = nil
	return nil
}

func (f *fakeUserStore) UpdateVerificationToken(ctx context.Context, userID int64, token string, expires time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return user.ErrNotFound
	}
	u.EmailVerificationToken = &token
	u.EmailVerificationExpires = &expires
	return nil
}

func (f *fakeUserStore) SetResetToken(ctx context.Context, userID int64, token string, expires time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return user.ErrNotFound
	}
	u.PasswordResetToken = &token
	u.PasswordResetExpires = &expires
	return nil
}

func (f *fakeUserStore) ConsumeResetToken(ctx context.Context, token, passwordHash string, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.PasswordResetToken != nil && *u.PasswordResetToken == token &&
			u.PasswordResetExpires != nil && u.PasswordResetExpires.After(now) {
			hash := passwordHash
			u.PasswordHash = &hash
			u.PasswordResetToken = nil
			u.PasswordResetExpires = nil
			u.FailedLoginAttempts = 0
			u.IsLocked = false
			u.LockedUntil = nil
			changed := now
			u.LastPasswordChange = &changed
			return u.ID, nil
		}
	}
	return 0, user.ErrNotFound
}

func (f *fakeUserStore) UpdatePassword(ctx context.Context, userID int64, passwordHash string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return user.ErrNotFound
	}
	hash := passwordHash
	u.PasswordHash = &hash
	changed := now
	u.LastPasswordChange = &changed
	return nil
}

func (f *fakeUserStore) IncrementFailedLogins(ctx context.Context, userID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return 0, user.ErrNotFound
	}
	u.FailedLoginAttempts++
	return u.FailedLoginAttempts, nil
}

func (f *fakeUserStore) Lock(ctx context.Context, userID int64, until time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return user.ErrNotFound
	}
	u.IsLocked = true
	u.LockedUntil = &until
	return nil
}

func (f *fakeUserStore) Unlock(ctx context.Context, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return user.ErrNotFound
	}
	u.IsLocked = false
	u.LockedUntil = nil
	u.FailedLoginAttempts = 0
	return nil
}

func (f *fakeUserStore) RecordLogin(ctx context.Context, userID int64, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return user.ErrNotFound
	}
	login := now
	u.LastLogin = &login
	u.FailedLoginAttempts = 0
	return nil
}

// fakeSessionRepo is an in-memory RefreshTokenRepository.
type fakeSessionRepo struct {
	mu     sync.Mutex
	tokens map[string]*RefreshToken
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{tokens: make(map[string]*RefreshToken)}
}

func (f *fakeSessionRepo) StoreRefreshToken(ctx context.Context, userID int64, token string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[token] = &RefreshToken{
		SessionID: uuid.NewString(),
		UserID:    userID,
		TokenHash: hashToken(token),
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
	}
	return nil
}

func (f *fakeSessionRepo) GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rt, ok := f.tokens[token]
	if !ok {
		return nil, ErrRefreshTokenNotFound
	}
	copied := *rt
	return &copied, nil
}

func (f *fakeSessionRepo) RevokeRefreshToken(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rt, ok := f.tokens[token]
	if !ok {
		return ErrRefreshTokenNotFound
	}
	now := time.Now()
	rt.RevokedAt = &now
	return nil
}

func (f *fakeSessionRepo) RevokeAllUserTokens(ctx context.Context, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	for _, rt := range f.tokens {
		if rt.UserID == userID && rt.RevokedAt == nil {
			rt.RevokedAt = &now
		}
	}
	return nil
}

func (f *fakeSessionRepo) activeCount(userID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, rt := range f.tokens {
		if rt.UserID == userID && rt.RevokedAt == nil {
			count++
		}
	}
	return count
}

// fakeEmailService records sends; the service dispatches them from
// goroutines, so reads go through the mutex.
type fakeEmailService struct {
	mu            sync.Mutex
	verifications []string
	resets        []string
}

func (f *fakeEmailService) SendVerificationEmail(ctx context.Context, toEmail, userName, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifications = append(f.verifications, toEmail)
	return nil
}

func (f *fakeEmailService) SendPasswordResetEmail(ctx context.Context, toEmail, userName, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, toEmail)
	return nil
}

func (f *fakeEmailService) verificationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.verifications)
}

func (f *fakeEmailService) resetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.resets)
}

// Package identity maps validated federated claims onto local user
// accounts.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cardea-security/oracle/internal/logging"
	"github.com/cardea-security/oracle/internal/oauth"
	"github.com/cardea-security/oracle/internal/user"
)

// ErrAccountDisabled means the claims resolved to a deactivated
// account.
var ErrAccountDisabled = errors.New("account is disabled")

// Store is the subset of the user repository the reconciler needs.
type Store interface {
	GetByProviderIdentity(ctx context.Context, provider, providerID string) (*user.User, error)
	GetByEmail(ctx context.Context, email string) (*user.User, error)
	GetByUsername(ctx context.Context, username string) (*user.User, error)
	RecordLogin(ctx context.Context, userID int64, now time.Time) error
	LinkProviderIdentity(ctx context.Context, userID int64, provider, providerID string, now time.Time) error
	CreateFromProvider(ctx context.Context, params user.ProviderCreateParams) (*user.User, error)
}

// Reconciler resolves federated claims to exactly one local account:
// an existing identity link wins, then an email match gets linked, and
// otherwise a fresh account is provisioned.
type Reconciler struct {
	store  Store
	logger *logging.Logger
	now    func() time.Time
}

func NewReconciler(store Store, logger *logging.Logger) *Reconciler {
	return &Reconciler{store: store, logger: logger, now: time.Now}
}

// Reconcile returns the local account for the given claims, creating
// or linking one as needed. Insert races against concurrent logins of
// the same identity are retried as lookups.
func (r *Reconciler) Reconcile(ctx context.Context, claims *oauth.Claims) (*user.User, error) {
	existing, err := r.store.GetByProviderIdentity(ctx, claims.Provider, claims.Subject)
	if err != nil && !errors.Is(err, user.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up provider identity: %w", err)
	}
	if existing != nil {
		admitted, err := r.admit(existing)
		if err != nil {
			return nil, err
		}
		now := r.now()
		if err := r.store.RecordLogin(ctx, admitted.ID, now); err != nil {
			return nil, fmt.Errorf("failed to record login: %w", err)
		}
		admitted.LastLogin = &now
		return admitted, nil
	}

	// No link yet; an account with the same verified email gets linked
	// instead of duplicated. The password hash, if any, is untouched.
	byEmail, err := r.store.GetByEmail(ctx, claims.Email)
	if err != nil && !errors.Is(err, user.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up email: %w", err)
	}
	if byEmail != nil {
		if err := r.store.LinkProviderIdentity(ctx, byEmail.ID, claims.Provider, claims.Subject, r.now()); err != nil {
			if errors.Is(err, user.ErrDuplicateIdentity) {
				return r.retryLookup(ctx, claims)
			}
			return nil, fmt.Errorf("failed to link provider identity: %w", err)
		}
		r.logger.Info("linked provider identity to existing account",
			"user_id", byEmail.ID, "provider", claims.Provider)
		byEmail.OAuthProvider = &claims.Provider
		byEmail.OAuthProviderID = &claims.Subject
		return r.admit(byEmail)
	}

	created, err := r.provision(ctx, claims)
	if err != nil {
		if errors.Is(err, user.ErrDuplicateIdentity) || errors.Is(err, user.ErrDuplicateEmail) {
			return r.retryLookup(ctx, claims)
		}
		return nil, err
	}
	r.logger.Info("provisioned account from provider identity",
		"user_id", created.ID, "provider", claims.Provider)
	return created, nil
}

// provision creates a fresh account for first-time federated logins.
func (r *Reconciler) provision(ctx context.Context, claims *oauth.Claims) (*user.User, error) {
	base := user.DeriveUsername(claims.Email) + "_" + claims.Provider
	username, err := r.uniqueUsername(ctx, base)
	if err != nil {
		return nil, err
	}

	var fullName *string
	if claims.Name != "" {
		name := claims.Name
		fullName = &name
	}

	return r.store.CreateFromProvider(ctx, user.ProviderCreateParams{
		Username:   username,
		Email:      claims.Email,
		FullName:   fullName,
		Provider:   claims.Provider,
		ProviderID: claims.Subject,
		LastLogin:  r.now(),
	})
}

// retryLookup resolves an insert or link race by re-reading the row
// the concurrent request created.
func (r *Reconciler) retryLookup(ctx context.Context, claims *oauth.Claims) (*user.User, error) {
	existing, err := r.store.GetByProviderIdentity(ctx, claims.Provider, claims.Subject)
	if err == nil {
		return r.admit(existing)
	}
	byEmail, err := r.store.GetByEmail(ctx, claims.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve identity race: %w", err)
	}
	return r.admit(byEmail)
}

func (r *Reconciler) uniqueUsername(ctx context.Context, base string) (string, error) {
	candidate := base
	for i := 2; ; i++ {
		_, err := r.store.GetByUsername(ctx, candidate)
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

func (r *Reconciler) admit(u *user.User) (*user.User, error) {
	if !u.IsActive {
		return nil, ErrAccountDisabled
	}
	return u, nil
}

package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/cardea-security/oracle/internal/httputil"
	"github.com/cardea-security/oracle/internal/identity"
	"github.com/cardea-security/oracle/internal/logging"
	"github.com/cardea-security/oracle/internal/oauth"
	"github.com/cardea-security/oracle/internal/user"
)

// ContextKey is a type for context keys to avoid collisions
type ContextKey string

const (
	UserContextKey     ContextKey = "user"
	authFailureKey     ContextKey = "auth_failure"
	defaultPrincipalHd            = "X-Auth-Principal"
)

// authFailure remembers why resolution produced no principal, so
// RequireAuth can answer with the most specific reason.
type authFailure struct {
	message string
	code    string
	status  int
}

// Gate resolves the caller of a request to a local account. Resolution
// tries, in order: the trusted principal header (only when explicitly
// enabled behind a proxy that strips it from client traffic), the
// first-party bearer token, then each enabled federated validator.
// A request that resolves to nothing proceeds anonymously; RequireAuth
// and RequireRoles decide whether that is acceptable per route.
type Gate struct {
	tokenService         TokenService
	users                UserStore
	reconciler           *identity.Reconciler
	validators           []oauth.Validator
	trustPrincipalHeader bool
	principalHeader      string
	logger               *logging.Logger
	now                  func() time.Time
}

// GateConfig carries the gate's tunables.
type GateConfig struct {
	TrustPrincipalHeader bool
	PrincipalHeader      string
}

func NewGate(
	tokenService TokenService,
	users UserStore,
	reconciler *identity.Reconciler,
	validators []oauth.Validator,
	logger *logging.Logger,
	cfg GateConfig,
) *Gate {
	header := cfg.PrincipalHeader
	if header == "" {
		header = defaultPrincipalHd
	}
	return &Gate{
		tokenService:         tokenService,
		users:                users,
		reconciler:           reconciler,
		validators:           validators,
		trustPrincipalHeader: cfg.TrustPrincipalHeader,
		principalHeader:      header,
		logger:               logger,
		now:                  time.Now,
	}
}

// Authenticate resolves the caller and stores the result in the
// request context. It never rejects by itself.
func (g *Gate) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if g.trustPrincipalHeader {
			if principal := r.Header.Get(g.principalHeader); principal != "" {
				u, failure := g.resolvePrincipal(ctx, principal)
				next.ServeHTTP(w, r.WithContext(g.stamp(ctx, u, failure)))
				return
			}
		}

		token, failure := extractBearer(r)
		if failure != nil {
			next.ServeHTTP(w, r.WithContext(g.stamp(ctx, nil, failure)))
			return
		}
		if token == "" {
			next.ServeHTTP(w, r.WithContext(g.stamp(ctx, nil, &authFailure{
				message: "missing authentication",
				code:    httputil.CodeMissingAuth,
				status:  http.StatusUnauthorized,
			})))
			return
		}

		u, failure := g.resolveToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(g.stamp(ctx, u, failure)))
	})
}

// principalClaims is the payload of the platform-injected principal
// header: base64-encoded JSON asserting an identity the edge platform
// has already authenticated.
type principalClaims struct {
	Provider string `json:"provider"`
	Subject  string `json:"subject"`
	Email    string `json:"email"`
	Name     string `json:"name"`
}

// resolvePrincipal decodes an upstream-asserted identity and
// reconciles it like any other federated claim set.
func (g *Gate) resolvePrincipal(ctx context.Context, raw string) (*user.User, *authFailure) {
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, &authFailure{"invalid principal header", httputil.CodeInvalidToken, http.StatusUnauthorized}
	}
	var pc principalClaims
	if err := json.Unmarshal(decoded, &pc); err != nil || pc.Provider == "" || pc.Subject == "" || pc.Email == "" {
		return nil, &authFailure{"invalid principal header", httputil.CodeInvalidToken, http.StatusUnauthorized}
	}
	return g.reconcile(ctx, &oauth.Claims{
		Provider: pc.Provider,
		Subject:  pc.Subject,
		Email:    pc.Email,
		Name:     pc.Name,
	})
}

// resolveToken tries the first-party codec, then each enabled
// federated validator.
func (g *Gate) resolveToken(ctx context.Context, token string) (*user.User, *authFailure) {
	claims, err := g.tokenService.VerifyToken(token)
	if err == nil {
		u, lookupErr := g.users.GetByUsername(ctx, claims.Subject)
		if lookupErr != nil {
			if errors.Is(lookupErr, user.ErrNotFound) {
				return nil, &authFailure{"invalid token", httputil.CodeInvalidToken, http.StatusUnauthorized}
			}
			g.logger.Error("token subject lookup failed", "error", lookupErr)
			return nil, &authFailure{"authentication unavailable", httputil.CodeInternalError, http.StatusInternalServerError}
		}
		return g.admit(u)
	}

	firstPartyFailure := &authFailure{"invalid token", httputil.CodeInvalidToken, http.StatusUnauthorized}
	if errors.Is(err, ErrExpiredToken) {
		firstPartyFailure = &authFailure{"token has expired", httputil.CodeTokenExpired, http.StatusUnauthorized}
	}

	for _, v := range g.validators {
		claims, err := v.Validate(ctx, token)
		if err != nil {
			switch {
			case errors.Is(err, oauth.ErrProviderDisabled):
			case errors.Is(err, oauth.ErrInvalidFederatedToken):
			case errors.Is(err, oauth.ErrProviderUnavailable):
				g.logger.Warn("provider unavailable during authentication", "provider", v.Provider(), "error", err)
			default:
				g.logger.Error("provider validation failed", "provider", v.Provider(), "error", err)
			}
			continue
		}

		return g.reconcile(ctx, claims)
	}

	return nil, firstPartyFailure
}

// reconcile maps validated federated claims onto a local account.
func (g *Gate) reconcile(ctx context.Context, claims *oauth.Claims) (*user.User, *authFailure) {
	u, err := g.reconciler.Reconcile(ctx, claims)
	if err != nil {
		if errors.Is(err, identity.ErrAccountDisabled) {
			return nil, &authFailure{"account is disabled", httputil.CodeAccountDisabled, http.StatusForbidden}
		}
		g.logger.Error("identity reconciliation failed", "provider", claims.Provider, "error", err)
		return nil, &authFailure{"authentication unavailable", httputil.CodeInternalError, http.StatusInternalServerError}
	}
	return g.admit(u)
}

// admit applies account-state checks shared by every resolution path.
func (g *Gate) admit(u *user.User) (*user.User, *authFailure) {
	if !u.IsActive {
		return nil, &authFailure{"account is disabled", httputil.CodeAccountDisabled, http.StatusForbidden}
	}
	if u.IsLocked && (u.LockedUntil == nil || g.now().Before(*u.LockedUntil)) {
		return nil, &authFailure{"account temporarily locked", httputil.CodeAccountLocked, http.StatusForbidden}
	}
	return u, nil
}

func (g *Gate) stamp(ctx context.Context, u *user.User, failure *authFailure) context.Context {
	if u != nil {
		return context.WithValue(ctx, UserContextKey, u)
	}
	if failure != nil {
		return context.WithValue(ctx, authFailureKey, failure)
	}
	return ctx
}

// RequireAuth rejects requests that did not resolve to a principal.
func (g *Gate) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := GetUserFromContext(r.Context()); !ok {
			respondAuthFailure(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRoles rejects requests whose principal holds none of the
// given roles. Anonymous requests get 401, authenticated ones 403.
func (g *Gate) RequireRoles(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, ok := GetUserFromContext(r.Context())
			if !ok {
				respondAuthFailure(w, r)
				return
			}
			if !u.HasRole(roles...) {
				httputil.RespondErrorWithCode(w, "insufficient permissions", httputil.CodeInsufficientPermissions, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func respondAuthFailure(w http.ResponseWriter, r *http.Request) {
	if failure, ok := r.Context().Value(authFailureKey).(*authFailure); ok {
		httputil.RespondErrorWithCode(w, failure.message, failure.code, failure.status)
		return
	}
	httputil.RespondErrorWithCode(w, "authentication required", httputil.CodeAuthenticationRequired, http.StatusUnauthorized)
}

// extractBearer pulls the access token from the Authorization header,
// falling back to the auth cookie for browser clients.
func extractBearer(r *http.Request) (string, *authFailure) {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return "", &authFailure{"invalid authorization header format", httputil.CodeInvalidAuthHeader, http.StatusUnauthorized}
		}
		return parts[1], nil
	}
	if token, err := GetAccessTokenFromCookie(r); err == nil {
		return token, nil
	}
	return "", nil
}

// GetUserFromContext extracts the resolved principal from the request
// context.
func GetUserFromContext(ctx context.Context) (*user.User, bool) {
	u, ok := ctx.Value(UserContextKey).(*user.User)
	return u, ok
}

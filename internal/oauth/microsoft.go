package oauth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"

	"github.com/cardea-security/oracle/internal/logging"
)

const (
	microsoftJWKSURL  = "https://login.microsoftonline.com/common/discovery/v2.0/keys"
	microsoftGraphURL = "https://graph.microsoft.com/v1.0/me"
)

// MicrosoftValidator validates Microsoft identity platform credentials.
// ID tokens are checked locally against the common JWKS; opaque access
// tokens are resolved through the Graph /me endpoint instead.
type MicrosoftValidator struct {
	clientID   string
	jwksURL    string
	graphURL   string
	httpClient *http.Client
	logger     *logging.Logger

	mu     sync.RWMutex
	jwks   *jwkSet
	jwksAt time.Time
}

// NewMicrosoftValidator builds a validator for the given application
// client id. An empty client id disables the provider.
func NewMicrosoftValidator(clientID string, logger *logging.Logger) *MicrosoftValidator {
	return &MicrosoftValidator{
		clientID:   clientID,
		jwksURL:    microsoftJWKSURL,
		graphURL:   microsoftGraphURL,
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     logger,
	}
}

func (m *MicrosoftValidator) Provider() string { return "microsoft" }

// Enabled reports whether a client id is configured.
func (m *MicrosoftValidator) Enabled() bool { return m.clientID != "" }

func (m *MicrosoftValidator) Validate(ctx context.Context, credential string) (*Claims, error) {
	if m.clientID == "" {
		return nil, ErrProviderDisabled
	}

	if looksLikeJWT(credential) {
		claims, err := m.verifyIDToken(ctx, credential)
		if err == nil {
			return claims, nil
		}
		if !errors.Is(err, ErrProviderUnavailable) && !errors.Is(err, errVerifyInconclusive) {
			return nil, err
		}
		m.logger.Warn("microsoft id token not locally verifiable, falling back to graph", "error", err)
	}

	return m.graphProfile(ctx, credential)
}

func (m *MicrosoftValidator) verifyIDToken(ctx context.Context, idToken string) (*Claims, error) {
	token, err := jwtv5.Parse(idToken, func(t *jwtv5.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid header")
		}
		return m.keyForKid(ctx, kid)
	}, jwtv5.WithValidMethods([]string{"RS256"}))
	if err != nil {
		if errors.Is(err, ErrProviderUnavailable) {
			return nil, ErrProviderUnavailable
		}
		// The signature never checked out, e.g. a key rotated in
		// during the JWKS cache window.
		return nil, fmt.Errorf("%w: %v", errVerifyInconclusive, err)
	}

	claims, ok := token.Claims.(jwtv5.MapClaims)
	if !ok {
		return nil, ErrInvalidFederatedToken
	}

	// Issuer is tenant specific: https://login.microsoftonline.com/{tid}/v2.0
	iss, _ := claims["iss"].(string)
	if !strings.HasPrefix(iss, "https://login.microsoftonline.com/") || !strings.HasSuffix(iss, "/v2.0") {
		return nil, ErrInvalidFederatedToken
	}
	if !audienceMatches(claims["aud"], m.clientID) {
		return nil, ErrInvalidFederatedToken
	}

	sub, _ := claims["sub"].(string)
	if oid, _ := claims["oid"].(string); oid != "" {
		// The object id is stable across applications, prefer it.
		sub = oid
	}
	email, _ := claims["email"].(string)
	if email == "" {
		email, _ = claims["preferred_username"].(string)
	}
	if sub == "" || email == "" || !strings.Contains(email, "@") {
		return nil, ErrInvalidFederatedToken
	}

	name, _ := claims["name"].(string)
	return &Claims{Provider: "microsoft", Subject: sub, Email: email, Name: name}, nil
}

// graphProfile resolves an access token into a profile via Graph /me.
// Graph accepting the token is what proves its validity.
func (m *MicrosoftValidator) graphProfile(ctx context.Context, accessToken string) (*Claims, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.graphURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build graph request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, ErrInvalidFederatedToken
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: graph returned %d", ErrProviderUnavailable, resp.StatusCode)
	}

	var profile struct {
		ID                string `json:"id"`
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
		DisplayName       string `json:"displayName"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("%w: bad graph response: %v", ErrProviderUnavailable, err)
	}

	email := profile.Mail
	if email == "" {
		email = profile.UserPrincipalName
	}
	if profile.ID == "" || email == "" || !strings.Contains(email, "@") {
		return nil, ErrInvalidFederatedToken
	}

	return &Claims{Provider: "microsoft", Subject: profile.ID, Email: email, Name: profile.DisplayName}, nil
}

func (m *MicrosoftValidator) keyForKid(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	set, err := m.getJWKS(ctx)
	if err != nil {
		return nil, err
	}
	for _, k := range set.Keys {
		if k.Kid == kid && strings.EqualFold(k.Kty, "RSA") {
			return parseRSAKey(k)
		}
	}
	return nil, errors.New("kid not found")
}

func (m *MicrosoftValidator) getJWKS(ctx context.Context) (*jwkSet, error) {
	m.mu.RLock()
	set := m.jwks
	age := time.Since(m.jwksAt)
	m.mu.RUnlock()
	if set != nil && age < time.Hour {
		return set, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: jwks returned %d", ErrProviderUnavailable, resp.StatusCode)
	}

	var fetched jwkSet
	if err := json.NewDecoder(resp.Body).Decode(&fetched); err != nil {
		return nil, fmt.Errorf("%w: bad jwks response: %v", ErrProviderUnavailable, err)
	}

	m.mu.Lock()
	m.jwks = &fetched
	m.jwksAt = time.Now()
	m.mu.Unlock()
	return &fetched, nil
}

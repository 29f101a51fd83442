package oauth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"

	"github.com/cardea-security/oracle/internal/logging"
)

const (
	googleJWKSURL      = "https://www.googleapis.com/oauth2/v3/certs"
	googleTokenInfoURL = "https://oauth2.googleapis.com/tokeninfo"
	googleUserInfoURL  = "https://www.googleapis.com/oauth2/v2/userinfo"
)

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

// GoogleValidator validates Google credentials. ID tokens are checked
// locally against Google's JWKS; when the credential is not a JWT, or
// local verification cannot reach a verdict (keys unreachable, unknown
// kid, signature mismatch), it falls back to the tokeninfo
// introspection endpoint. Audience and issuer mismatches on a verified
// token are always fatal, never retried through the fallback.
type GoogleValidator struct {
	clientID     string
	tokenInfoURL string
	userInfoURL  string
	jwksURL      string
	httpClient   *http.Client
	logger       *logging.Logger

	mu       sync.RWMutex
	jwks     *jwkSet
	jwksAt   time.Time
	jwksETag string
}

// NewGoogleValidator builds a validator for the given OAuth client id.
// An empty client id disables the provider. tokenInfoURL overrides the
// introspection endpoint; pass "" for the real one.
func NewGoogleValidator(clientID, tokenInfoURL string, logger *logging.Logger) *GoogleValidator {
	if tokenInfoURL == "" {
		tokenInfoURL = googleTokenInfoURL
	}
	return &GoogleValidator{
		clientID:     clientID,
		tokenInfoURL: tokenInfoURL,
		userInfoURL:  googleUserInfoURL,
		jwksURL:      googleJWKSURL,
		httpClient:   &http.Client{Timeout: requestTimeout},
		logger:       logger,
	}
}

func (g *GoogleValidator) Provider() string { return "google" }

// Enabled reports whether a client id is configured.
func (g *GoogleValidator) Enabled() bool { return g.clientID != "" }

func (g *GoogleValidator) Validate(ctx context.Context, credential string) (*Claims, error) {
	if g.clientID == "" {
		return nil, ErrProviderDisabled
	}

	if looksLikeJWT(credential) {
		claims, err := g.verifyIDToken(ctx, credential)
		if err == nil {
			return claims, nil
		}
		if !errors.Is(err, ErrProviderUnavailable) && !errors.Is(err, errVerifyInconclusive) {
			return nil, err
		}
		// No local verdict; let the introspection endpoint decide.
		g.logger.Warn("google id token not locally verifiable, falling back to tokeninfo", "error", err)
	}

	return g.introspect(ctx, credential)
}

// verifyIDToken checks the RS256 signature against the cached JWKS and
// validates issuer, audience and expiry locally.
func (g *GoogleValidator) verifyIDToken(ctx context.Context, idToken string) (*Claims, error) {
	token, err := jwtv5.Parse(idToken, func(t *jwtv5.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid header")
		}
		return g.keyForKid(ctx, kid)
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

	iss, _ := claims["iss"].(string)
	if iss != "https://accounts.google.com" && iss != "accounts.google.com" {
		return nil, ErrInvalidFederatedToken
	}
	if !audienceMatches(claims["aud"], g.clientID) {
		return nil, ErrInvalidFederatedToken
	}

	sub, _ := claims["sub"].(string)
	email, _ := claims["email"].(string)
	if sub == "" || email == "" {
		return nil, ErrInvalidFederatedToken
	}
	if verified, ok := claims["email_verified"].(bool); ok && !verified {
		return nil, ErrInvalidFederatedToken
	}

	name, _ := claims["name"].(string)
	return &Claims{Provider: "google", Subject: sub, Email: email, Name: name}, nil
}

// introspect asks the tokeninfo endpoint to validate the credential.
// Works for both ID tokens and access tokens.
func (g *GoogleValidator) introspect(ctx context.Context, credential string) (*Claims, error) {
	q := url.Values{}
	if looksLikeJWT(credential) {
		q.Set("id_token", credential)
	} else {
		q.Set("access_token", credential)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.tokenInfoURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build tokeninfo request: %w", err)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrInvalidFederatedToken
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: tokeninfo returned %d", ErrProviderUnavailable, resp.StatusCode)
	}

	var info struct {
		Aud           string `json:"aud"`
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified string `json:"email_verified"`
		Name          string `json:"name"`
		Exp           string `json:"exp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("%w: bad tokeninfo response: %v", ErrProviderUnavailable, err)
	}

	if info.Aud != g.clientID {
		return nil, ErrInvalidFederatedToken
	}
	if info.Sub == "" || info.Email == "" {
		return nil, ErrInvalidFederatedToken
	}
	if info.EmailVerified != "" && info.EmailVerified != "true" {
		return nil, ErrInvalidFederatedToken
	}
	if info.Exp != "" {
		if exp, err := strconv.ParseInt(info.Exp, 10, 64); err == nil && time.Now().Unix() > exp {
			return nil, ErrInvalidFederatedToken
		}
	}

	claims := &Claims{Provider: "google", Subject: info.Sub, Email: info.Email, Name: info.Name}
	if claims.Name == "" && !looksLikeJWT(credential) {
		// Access tokens carry no profile; best effort from userinfo.
		claims.Name = g.fetchProfileName(ctx, credential)
	}
	return claims, nil
}

// fetchProfileName fills in the display name for an access-token login.
// Failures are non-fatal, the name just stays empty.
func (g *GoogleValidator) fetchProfileName(ctx context.Context, accessToken string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.userInfoURL, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := g.httpClient.Do(req)
	if err != nil {
		g.logger.Warn("failed to fetch google profile", "error", err)
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	var profile struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return ""
	}
	return profile.Name
}

func (g *GoogleValidator) keyForKid(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	set, err := g.getJWKS(ctx)
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

func (g *GoogleValidator) getJWKS(ctx context.Context) (*jwkSet, error) {
	g.mu.RLock()
	set := g.jwks
	age := time.Since(g.jwksAt)
	g.mu.RUnlock()
	if set != nil && age < time.Hour {
		return set, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if g.jwksETag != "" {
		req.Header.Set("If-None-Match", g.jwksETag)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		g.mu.Lock()
		out := g.jwks
		g.jwksAt = time.Now()
		g.mu.Unlock()
		return out, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: jwks returned %d", ErrProviderUnavailable, resp.StatusCode)
	}

	var fetched jwkSet
	if err := json.NewDecoder(resp.Body).Decode(&fetched); err != nil {
		return nil, fmt.Errorf("%w: bad jwks response: %v", ErrProviderUnavailable, err)
	}

	g.mu.Lock()
	g.jwks = &fetched
	g.jwksAt = time.Now()
	g.jwksETag = resp.Header.Get("ETag")
	g.mu.Unlock()
	return &fetched, nil
}

func parseRSAKey(k jwk) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, err
	}
	e := 65537
	if len(eb) > 0 {
		e = 0
		for _, b := range eb {
			e = (e << 8) | int(b)
		}
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}

func audienceMatches(aud any, clientID string) bool {
	switch a := aud.(type) {
	case string:
		return a == clientID
	case []any:
		for _, v := range a {
			if s, _ := v.(string); s == clientID {
				return true
			}
		}
	}
	return false
}

func looksLikeJWT(credential string) bool {
	return strings.Count(credential, ".") == 2
}

package oauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardea-security/oracle/internal/logging"
)

const testClientID = "cardea-test-client.apps.googleusercontent.com"

// tokenInfoResponse is the shape of Google's tokeninfo answer.
type tokenInfoResponse struct {
	Aud           string `json:"aud"`
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified string `json:"email_verified"`
	Name          string `json:"name"`
	Exp           string `json:"exp"`
}

func newIntrospectionServer(t *testing.T, status int, body any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if body != nil {
			require.NoError(t, json.NewEncoder(w).Encode(body))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func validTokenInfo() tokenInfoResponse {
	return tokenInfoResponse{
		Aud:           testClientID,
		Sub:           "google-sub-123",
		Email:         "alice@example.com",
		EmailVerified: "true",
		Name:          "Alice Example",
		Exp:           strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10),
	}
}

func TestGoogleDisabled(t *testing.T) {
	g := NewGoogleValidator("", "", logging.NewLogger(true))
	assert.False(t, g.Enabled())

	_, err := g.Validate(context.Background(), "opaque-access-token")
	assert.ErrorIs(t, err, ErrProviderDisabled)
}

func TestGoogleIntrospection(t *testing.T) {
	srv := newIntrospectionServer(t, http.StatusOK, validTokenInfo())
	g := NewGoogleValidator(testClientID, srv.URL, logging.NewLogger(true))

	claims, err := g.Validate(context.Background(), "opaque-access-token")
	require.NoError(t, err)
	assert.Equal(t, "google", claims.Provider)
	assert.Equal(t, "google-sub-123", claims.Subject)
	assert.Equal(t, "alice@example.com", claims.Email)
	assert.Equal(t, "Alice Example", claims.Name)
}

func TestGoogleIntrospectionFailures(t *testing.T) {
	wrongAud := validTokenInfo()
	wrongAud.Aud = "some-other-client"

	unverified := validTokenInfo()
	unverified.EmailVerified = "false"

	expired := validTokenInfo()
	expired.Exp = strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)

	cases := []struct {
		name    string
		status  int
		body    any
		wantErr error
	}{
		{"rejected token", http.StatusBadRequest, nil, ErrInvalidFederatedToken},
		{"unauthorized", http.StatusUnauthorized, nil, ErrInvalidFederatedToken},
		{"endpoint down", http.StatusInternalServerError, nil, ErrProviderUnavailable},
		{"audience mismatch", http.StatusOK, wrongAud, ErrInvalidFederatedToken},
		{"unverified email", http.StatusOK, unverified, ErrInvalidFederatedToken},
		{"expired token", http.StatusOK, expired, ErrInvalidFederatedToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newIntrospectionServer(t, tc.status, tc.body)
			g := NewGoogleValidator(testClientID, srv.URL, logging.NewLogger(true))

			_, err := g.Validate(context.Background(), "opaque-access-token")
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestGoogleProfileNameFetch(t *testing.T) {
	info := validTokenInfo()
	info.Name = ""
	srv := newIntrospectionServer(t, http.StatusOK, info)

	userInfo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer opaque-access-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"name":"Alice From Profile"}`)
	}))
	t.Cleanup(userInfo.Close)

	g := NewGoogleValidator(testClientID, srv.URL, logging.NewLogger(true))
	g.userInfoURL = userInfo.URL

	claims, err := g.Validate(context.Background(), "opaque-access-token")
	require.NoError(t, err)
	assert.Equal(t, "Alice From Profile", claims.Name)
}

// signedIDToken builds an RS256 id token and the matching JWKS.
func signedIDToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwtv5.MapClaims) string {
	t.Helper()
	token := jwtv5.NewWithClaims(jwtv5.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func jwksFor(key *rsa.PrivateKey, kid string) jwkSet {
	pub := key.Public().(*rsa.PublicKey)
	return jwkSet{Keys: []jwk{{
		Kty: "RSA",
		Kid: kid,
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString([]byte{0x01, 0x00, 0x01}),
	}}}
}

func googleIDClaims() jwtv5.MapClaims {
	return jwtv5.MapClaims{
		"iss":            "https://accounts.google.com",
		"aud":            testClientID,
		"sub":            "google-sub-123",
		"email":          "alice@example.com",
		"email_verified": true,
		"name":           "Alice Example",
		"exp":            time.Now().Add(time.Hour).Unix(),
		"iat":            time.Now().Unix(),
	}
}

func newJWKSValidator(t *testing.T, key *rsa.PrivateKey, kid string) *GoogleValidator {
	t.Helper()
	jwksSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(jwksFor(key, kid)))
	}))
	t.Cleanup(jwksSrv.Close)

	// Any tokeninfo call on the local-verification path is a bug.
	introspection := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("tokeninfo should not be called when local verification is conclusive")
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(introspection.Close)

	g := NewGoogleValidator(testClientID, introspection.URL, logging.NewLogger(true))
	g.jwksURL = jwksSrv.URL
	return g
}

func TestGoogleIDTokenLocalVerification(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	g := newJWKSValidator(t, key, "test-kid")

	idToken := signedIDToken(t, key, "test-kid", googleIDClaims())
	claims, err := g.Validate(context.Background(), idToken)
	require.NoError(t, err)
	assert.Equal(t, "google-sub-123", claims.Subject)
	assert.Equal(t, "alice@example.com", claims.Email)
	assert.Equal(t, "Alice Example", claims.Name)
}

func TestGoogleIDTokenClaimRejections(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	badIssuer := googleIDClaims()
	badIssuer["iss"] = "https://evil.example.com"

	badAudience := googleIDClaims()
	badAudience["aud"] = "some-other-client"

	unverified := googleIDClaims()
	unverified["email_verified"] = false

	// These tokens carry a valid signature, so the claim verdict is
	// final and introspection must never be consulted.
	cases := []struct {
		name   string
		claims jwtv5.MapClaims
	}{
		{"wrong issuer", badIssuer},
		{"wrong audience", badAudience},
		{"unverified email", unverified},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := newJWKSValidator(t, key, "test-kid")
			_, err := g.Validate(context.Background(), signedIDToken(t, key, "test-kid", tc.claims))
			assert.ErrorIs(t, err, ErrInvalidFederatedToken)
		})
	}
}

func TestGoogleIDTokenSignatureFailuresIntrospect(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	expired := googleIDClaims()
	expired["exp"] = time.Now().Add(-time.Hour).Unix()

	// No local signature verdict; the verdict comes from tokeninfo.
	cases := []struct {
		name  string
		token func(t *testing.T) string
	}{
		{"wrong signing key", func(t *testing.T) string {
			return signedIDToken(t, otherKey, "test-kid", googleIDClaims())
		}},
		{"unknown kid", func(t *testing.T) string {
			return signedIDToken(t, key, "rotated-away", googleIDClaims())
		}},
		{"expired", func(t *testing.T) string {
			return signedIDToken(t, key, "test-kid", expired)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			introspected := false
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				introspected = true
				w.WriteHeader(http.StatusBadRequest)
			}))
			t.Cleanup(srv.Close)

			jwksSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				require.NoError(t, json.NewEncoder(w).Encode(jwksFor(key, "test-kid")))
			}))
			t.Cleanup(jwksSrv.Close)

			g := NewGoogleValidator(testClientID, srv.URL, logging.NewLogger(true))
			g.jwksURL = jwksSrv.URL

			_, err := g.Validate(context.Background(), tc.token(t))
			assert.ErrorIs(t, err, ErrInvalidFederatedToken)
			assert.True(t, introspected)
		})
	}
}

func TestGoogleRotatedKeyAcceptedViaIntrospection(t *testing.T) {
	// A genuine token signed with a key newer than the cached JWKS has
	// an unknown kid locally but passes introspection.
	cachedKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	rotatedKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	srv := newIntrospectionServer(t, http.StatusOK, validTokenInfo())
	jwksSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(jwksFor(cachedKey, "old-kid")))
	}))
	t.Cleanup(jwksSrv.Close)

	g := NewGoogleValidator(testClientID, srv.URL, logging.NewLogger(true))
	g.jwksURL = jwksSrv.URL

	idToken := signedIDToken(t, rotatedKey, "new-kid", googleIDClaims())
	claims, err := g.Validate(context.Background(), idToken)
	require.NoError(t, err)
	assert.Equal(t, "google-sub-123", claims.Subject)
}

func TestGoogleJWKSUnavailableFallsBack(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	srv := newIntrospectionServer(t, http.StatusOK, validTokenInfo())
	g := NewGoogleValidator(testClientID, srv.URL, logging.NewLogger(true))
	// Point the key fetch at a server that is already gone.
	dead := httptest.NewServer(http.NotFoundHandler())
	g.jwksURL = dead.URL
	dead.Close()

	idToken := signedIDToken(t, key, "test-kid", googleIDClaims())
	claims, err := g.Validate(context.Background(), idToken)
	require.NoError(t, err)
	assert.Equal(t, "google-sub-123", claims.Subject)
}

func TestLooksLikeJWT(t *testing.T) {
	assert.True(t, looksLikeJWT("aaa.bbb.ccc"))
	assert.False(t, looksLikeJWT("opaque-access-token"))
	assert.False(t, looksLikeJWT("aaa.bbb"))
	assert.False(t, looksLikeJWT("a.b.c.d"))
}

package auth

import (
	"errors"
	"fmt"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// JWTService implements TokenService with HS256-signed JWTs carrying
// sub/scopes/iat/exp claims. The signing key is process-wide
// configuration; rotating it only requires a restart with a new key.
type JWTService struct {
	signingKey []byte
}

func NewJWTService(signingKey []byte) (*JWTService, error) {
	if len(signingKey) < 32 {
		return nil, fmt.Errorf("signing key must be at least 32 bytes, got %d", len(signingKey))
	}
	return &JWTService{signingKey: signingKey}, nil
}

// CreateToken issues a signed token for the subject with the given
// role list and lifetime.
func (s *JWTService) CreateToken(subject string, roles []string, duration time.Duration) (string, error) {
	now := time.Now()

	claims := jwtv5.MapClaims{
		"sub":    subject,
		"scopes": roles,
		"iat":    now.Unix(),
		"exp":    now.Add(duration).Unix(),
	}

	token := jwtv5.NewWithClaims(jwtv5.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates signature and expiry and returns the claims.
// A token without a sub claim is invalid even when correctly signed.
func (s *JWTService) VerifyToken(tokenStr string) (*TokenClaims, error) {
	token, err := jwtv5.Parse(
		tokenStr,
		func(t *jwtv5.Token) (any, error) { return s.signingKey, nil },
		jwtv5.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		if errors.Is(err, jwtv5.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwtv5.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	subject, _ := claims["sub"].(string)
	if subject == "" {
		return nil, ErrInvalidToken
	}

	var roles []string
	if rawScopes, ok := claims["scopes"].([]any); ok {
		for _, raw := range rawScopes {
			if role, ok := raw.(string); ok {
				roles = append(roles, role)
			}
		}
	}

	out := &TokenClaims{
		Subject: subject,
		Roles:   roles,
	}
	if iat, ok := claims["iat"].(float64); ok {
		out.IssuedAt = time.Unix(int64(iat), 0)
	}
	if exp, ok := claims["exp"].(float64); ok {
		out.ExpiresAt = time.Unix(int64(exp), 0)
	}
	return out, nil
}

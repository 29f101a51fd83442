// Package oauth validates federated credentials issued by external
// identity providers and normalizes them into provider-agnostic
// claims.
package oauth

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidFederatedToken means the provider rejected the token or
	// its signature, audience or issuer did not check out.
	ErrInvalidFederatedToken = errors.New("invalid provider token")

	// ErrProviderUnavailable means the provider could not be reached to
	// complete validation.
	ErrProviderUnavailable = errors.New("identity provider unavailable")

	// ErrProviderDisabled means the provider is not configured.
	ErrProviderDisabled = errors.New("identity provider not configured")
)

// errVerifyInconclusive means local id-token verification failed
// before the claims were authenticated (unknown kid, bad signature,
// stale key cache). The token may still be genuine, so the provider's
// introspection endpoint gets the final word. Claim failures on a
// verified signature never carry this error.
var errVerifyInconclusive = errors.New("local token verification inconclusive")

// Claims is the normalized identity asserted by a provider. Subject is
// the provider's stable account id, never an email address.
type Claims struct {
	Provider string
	Subject  string
	Email    string
	Name     string
}

// Validator checks a raw federated credential against one provider.
type Validator interface {
	// Provider returns the provider key, e.g. "google".
	Provider() string

	// Validate verifies the credential and returns normalized claims.
	// Returns ErrInvalidFederatedToken when the credential is not
	// acceptable and ErrProviderUnavailable on transport failures.
	Validate(ctx context.Context, credential string) (*Claims, error)
}

const requestTimeout = 10 * time.Second

package httputil

// Machine-readable error codes returned alongside error messages.
// Clients branch on these, never on the human-readable text.
const (
	// Request shape
	CodeInvalidRequestBody = "invalid_request_body"
	CodeInternalError      = "internal_error"
	CodeTooManyRequests    = "too_many_requests"
	CodeCooldownActive     = "cooldown_active"

	// Registration / validation
	CodeEmailRequired      = "email_required"
	CodePasswordRequired   = "password_required"
	CodePasswordTooShort   = "password_too_short"
	CodeInvalidEmailFormat = "invalid_email_format"
	CodeEmailAlreadyExists = "email_already_exists"
	CodeAlreadyVerified    = "already_verified"

	// Login / account state
	CodeInvalidCredentials = "invalid_credentials"
	CodeEmailNotVerified   = "email_not_verified"
	CodeAccountLocked      = "account_locked"
	CodeAccountDisabled    = "account_disabled"

	// Tokens
	CodeVerificationTokenRequired = "verification_token_required"
	CodeVerificationFailed        = "verification_failed"
	CodeTokenExpired              = "token_expired"
	CodeInvalidResetToken         = "invalid_reset_token"
	CodeRefreshTokenRequired      = "refresh_token_required"
	CodeInvalidRefreshToken       = "invalid_refresh_token"

	// Authorization gate
	CodeMissingAuth             = "missing_auth"
	CodeInvalidAuthHeader       = "invalid_auth_header"
	CodeInvalidToken            = "invalid_token"
	CodeAuthenticationRequired  = "authentication_required"
	CodeInsufficientPermissions = "insufficient_permissions"

	// Federated providers
	CodeInvalidProviderToken = "invalid_provider_token"
	CodeProviderUnavailable  = "provider_unavailable"
)

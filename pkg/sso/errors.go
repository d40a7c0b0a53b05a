package sso

import (
	"errors"
	"fmt"
)

// ErrorCode identifies the specific failure within an error category.
// Codes are stable identifiers recorded in audit events; they are never
// shown verbatim to end users.
type ErrorCode string

const (
	// SAML protocol failures
	CodeInvalidXML       ErrorCode = "invalid_xml"
	CodeInvalidSignature ErrorCode = "invalid_signature"
	CodeIDPError         ErrorCode = "idp_error"
	CodeConditionsFailed ErrorCode = "conditions_failed"

	// OAuth2 protocol failures
	CodeInvalidState        ErrorCode = "invalid_state"
	CodeTokenExchangeFailed ErrorCode = "token_exchange_failed"
	CodeOAuthError          ErrorCode = "oauth_error"
	CodeInvalidIDToken      ErrorCode = "invalid_id_token"
	CodeUserinfoFailed      ErrorCode = "userinfo_failed"

	// LDAP credential failures
	CodeExtensionUnavailable ErrorCode = "extension_unavailable"
	CodeConnectFailed        ErrorCode = "connect_failed"
	CodeUserNotFound         ErrorCode = "user_not_found"
	CodeBindFailed           ErrorCode = "bind_failed"

	// Provisioning failures
	CodeMissingEmail        ErrorCode = "missing_email"
	CodeDomainBlocked       ErrorCode = "domain_blocked"
	CodeProvisioningDenied  ErrorCode = "provisioning_denied"

	// Session failures
	CodeSessionNotFound ErrorCode = "session_not_found"
	CodeSessionExpired  ErrorCode = "session_expired"
)

// ConfigurationError indicates a provider is missing or misconfigured.
// Raised at load time, never mid-flow.
type ConfigurationError struct {
	Provider string
	Field    string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("provider %q: invalid %s: %s", e.Provider, e.Field, e.Reason)
	}
	return fmt.Sprintf("provider %q: missing required field %s", e.Provider, e.Field)
}

// ProtocolError indicates a malformed, invalid, or replayed SAML/OAuth2
// exchange. Always carries a stable code for auditing.
type ProtocolError struct {
	Code ErrorCode
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("protocol error %s", e.Code)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// CredentialError indicates the upstream rejected the presented credential
// or could not locate the user.
type CredentialError struct {
	Code ErrorCode
	Err  error
}

func (e *CredentialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credential error %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("credential error %s", e.Code)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// ProvisioningError indicates a valid external identity could not be mapped
// to a local account.
type ProvisioningError struct {
	Code ErrorCode
	Err  error
}

func (e *ProvisioningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provisioning error %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("provisioning error %s", e.Code)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// SessionError indicates an unknown or expired session; the caller must
// require re-authentication.
type SessionError struct {
	Code ErrorCode
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session error %s", e.Code)
}

func protocolErr(code ErrorCode, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Code: code, Err: fmt.Errorf(format, args...)}
}

func credentialErr(code ErrorCode, format string, args ...interface{}) *CredentialError {
	return &CredentialError{Code: code, Err: fmt.Errorf(format, args...)}
}

func provisioningErr(code ErrorCode, format string, args ...interface{}) *ProvisioningError {
	return &ProvisioningError{Code: code, Err: fmt.Errorf(format, args...)}
}

// FailureCode extracts the stable error code from any of the typed SSO
// errors, or "internal_error" for anything else.
func FailureCode(err error) ErrorCode {
	var (
		protoErr *ProtocolError
		credErr  *CredentialError
		provErr  *ProvisioningError
		sessErr  *SessionError
		confErr  *ConfigurationError
	)
	switch {
	case errors.As(err, &protoErr):
		return protoErr.Code
	case errors.As(err, &credErr):
		return credErr.Code
	case errors.As(err, &provErr):
		return provErr.Code
	case errors.As(err, &sessErr):
		return sessErr.Code
	case errors.As(err, &confErr):
		return "configuration_error"
	}
	return "internal_error"
}

package sso

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenValidator decodes OIDC ID tokens and validates their claims.
//
// The token's cryptographic signature is deliberately NOT verified here:
// the token arrives over the TLS-protected token endpoint response, and the
// documented behavior of this system trusts the claims on that basis.
// JWKS-based signature verification is tracked as a separate enhancement.
type TokenValidator struct {
	now func() time.Time
}

// NewTokenValidator creates a claim validator
func NewTokenValidator() *TokenValidator {
	return &TokenValidator{now: time.Now}
}

// Validate decodes the ID token payload and checks exp, iss (when the
// provider pins an issuer), and that aud contains the client ID.
func (v *TokenValidator) Validate(rawToken, expectedIssuer, clientID string) (map[string]interface{}, error) {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(rawToken, jwt.MapClaims{})
	if err != nil {
		return nil, protocolErr(CodeInvalidIDToken, "failed to decode id_token: %v", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, protocolErr(CodeInvalidIDToken, "id_token carries no claims")
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, protocolErr(CodeInvalidIDToken, "id_token has no exp claim")
	}
	if !exp.After(v.now()) {
		return nil, protocolErr(CodeInvalidIDToken, "id_token expired at %s", exp.Format(time.RFC3339))
	}

	if expectedIssuer != "" {
		iss, err := claims.GetIssuer()
		if err != nil || iss != expectedIssuer {
			return nil, protocolErr(CodeInvalidIDToken, "id_token issuer %q does not match %q", iss, expectedIssuer)
		}
	}

	aud, err := claims.GetAudience()
	if err != nil {
		return nil, protocolErr(CodeInvalidIDToken, "id_token has malformed aud claim")
	}
	found := false
	for _, a := range aud {
		if a == clientID {
			found = true
			break
		}
	}
	if !found {
		return nil, protocolErr(CodeInvalidIDToken, "id_token audience does not include client %q", clientID)
	}

	return map[string]interface{}(claims), nil
}

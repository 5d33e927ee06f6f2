package auth

import (
	"errors"
	"strings"
)

var (
	ErrMissingToken  = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid or expired token")
	ErrNotConfigured = errors.New("authentication not configured")
)

// Identity is the caller resolved from a bearer token.
type Identity struct {
	UserID string
	Email  string
	Name   string
}

// Authenticator resolves bearer tokens, trying JWKS first and the legacy
// HMAC secret second. Either may be absent.
type Authenticator struct {
	verifier TokenVerifier
	secret   string
}

func NewAuthenticator(verifier TokenVerifier, secret string) *Authenticator {
	return &Authenticator{verifier: verifier, secret: secret}
}

// Configured reports whether any verification method is available.
func (a *Authenticator) Configured() bool {
	return a.verifier != nil || a.secret != ""
}

// Authenticate validates tokenString and returns who it belongs to.
func (a *Authenticator) Authenticate(tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}
	if !a.Configured() {
		return nil, ErrNotConfigured
	}

	if a.verifier != nil {
		if claims, err := a.verifier.Validate(tokenString); err == nil {
			return &Identity{UserID: claims.UserID, Email: claims.Email, Name: claims.Name}, nil
		}
	}
	if a.secret != "" {
		if claims, err := ValidateLegacyToken(tokenString, a.secret); err == nil && claims.UserID != "" {
			return &Identity{UserID: claims.UserID, Email: claims.Email}, nil
		}
	}
	return nil, ErrInvalidToken
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

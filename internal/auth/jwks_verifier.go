package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/makeasinger/studio/internal/config"
)

const discoveryTimeout = 30 * time.Second

// TokenVerifier checks tokens issued by the identity provider.
type TokenVerifier interface {
	Validate(tokenString string) (*Claims, error)
	Close() error
}

// Claims is the subset of OIDC claims the service reads.
type Claims struct {
	UserID string `json:"sub"`
	Email  string `json:"email,omitempty"`
	Name   string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWKSVerifier validates RS/ES-signed tokens against the issuer's published
// key set. keyfunc refreshes the set in the background.
type JWKSVerifier struct {
	keys   keyfunc.Keyfunc
	parser *jwt.Parser
}

func NewJWKSVerifier(ctx context.Context, cfg *config.ZitadelConfig) (*JWKSVerifier, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("jwks: issuer is required")
	}

	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	jwksURI, err := discoverJWKSURL(ctx, http.DefaultClient, cfg.Issuer)
	if err != nil {
		return nil, err
	}
	keys, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks: load key set %s: %w", jwksURI, err)
	}

	opts := []jwt.ParserOption{jwt.WithIssuer(cfg.Issuer), jwt.WithExpirationRequired()}
	if cfg.ClientID != "" {
		opts = append(opts, jwt.WithAudience(cfg.ClientID))
	}
	return &JWKSVerifier{keys: keys, parser: jwt.NewParser(opts...)}, nil
}

// discoverJWKSURL reads jwks_uri from the issuer's OIDC discovery document.
func discoverJWKSURL(ctx context.Context, hc *http.Client, issuer string) (string, error) {
	url := strings.TrimRight(issuer, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("jwks: discovery request: %w", err)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("jwks: discovery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("jwks: discovery %s answered %d", url, resp.StatusCode)
	}

	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("jwks: decode discovery document: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", errors.New("jwks: discovery document has no jwks_uri")
	}
	return doc.JWKSURI, nil
}

func (v *JWKSVerifier) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, v.keys.Keyfunc)
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (v *JWKSVerifier) Close() error { return nil }

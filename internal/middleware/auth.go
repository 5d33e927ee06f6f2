package middleware

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/studio/internal/auth"
	"github.com/makeasinger/studio/pkg/response"
)

const (
	localUserID = "userId"
	localEmail  = "email"
	localName   = "name"
)

// AuthMiddleware handles JWT authentication
type AuthMiddleware struct {
	auth *auth.Authenticator
}

// NewAuthMiddleware wraps an authenticator that tries JWKS and then the legacy secret
func NewAuthMiddleware(a *auth.Authenticator) *AuthMiddleware {
	return &AuthMiddleware{auth: a}
}

// Authenticate rejects requests without a valid bearer token
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		if header == "" {
			return response.Unauthorized(c, "Missing authorization header")
		}
		token, ok := auth.BearerToken(header)
		if !ok {
			return response.Unauthorized(c, "Invalid authorization header format")
		}
		id, err := m.auth.Authenticate(token)
		if errors.Is(err, auth.ErrNotConfigured) {
			return response.Unauthorized(c, "Authentication not configured")
		}
		if err != nil {
			return response.Unauthorized(c, "Invalid or expired token")
		}
		setIdentity(c, id)
		return c.Next()
	}
}

// OptionalAuth identifies the caller when a token is present and lets
// anonymous requests through. A token that fails verification is still
// rejected. Media elements cannot set headers, so a "token" query parameter
// is accepted as well.
func (m *AuthMiddleware) OptionalAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := c.Query("token")
		if header := c.Get(fiber.HeaderAuthorization); header != "" {
			t, ok := auth.BearerToken(header)
			if !ok {
				return response.Unauthorized(c, "Invalid authorization header format")
			}
			token = t
		}
		if token == "" {
			return c.Next()
		}
		id, err := m.auth.Authenticate(token)
		if err != nil {
			return response.Unauthorized(c, "Invalid or expired token")
		}
		setIdentity(c, id)
		return c.Next()
	}
}

func setIdentity(c *fiber.Ctx, id *auth.Identity) {
	c.Locals(localUserID, id.UserID)
	c.Locals(localEmail, id.Email)
	c.Locals(localName, id.Name)
}

// GetUserID extracts user ID from context
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals(localUserID).(string); ok {
		return userID
	}
	return ""
}

// GetUserEmail extracts user email from context
func GetUserEmail(c *fiber.Ctx) string {
	if email, ok := c.Locals(localEmail).(string); ok {
		return email
	}
	return ""
}

package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/studio/internal/auth"
	"github.com/makeasinger/studio/internal/middleware"
)

// AuthHandler handles ForwardAuth verification for the API gateway
type AuthHandler struct {
	authenticator *auth.Authenticator
}

func NewAuthHandler(authenticator *auth.Authenticator) *AuthHandler {
	return &AuthHandler{authenticator: authenticator}
}

// Verify handles GET /auth/verify, called by the gateway's ForwardAuth.
// Returns 200 with X-User-* headers on success, 401 on failure.
func (h *AuthHandler) Verify(c *fiber.Ctx) error {
	token, ok := auth.BearerToken(c.Get("Authorization"))
	if !ok {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	identity, err := h.authenticator.Authenticate(token)
	if err != nil {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	c.Set(middleware.HeaderUserID, identity.UserID)
	c.Set(middleware.HeaderUserEmail, identity.Email)
	if identity.Name != "" {
		c.Set(middleware.HeaderUserName, identity.Name)
	}
	return c.SendStatus(fiber.StatusOK)
}

package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/studio/pkg/response"
)

// Identity headers set by the gateway's ForwardAuth after /auth/verify.
const (
	HeaderUserID    = "X-User-Id"
	HeaderUserEmail = "X-User-Email"
	HeaderUserName  = "X-User-Name"
)

// GatewayAuthMiddleware trusts the identity headers of an upstream gateway
func GatewayAuthMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Get(HeaderUserID)
		if userID == "" {
			return response.Unauthorized(c, "Missing user identity headers")
		}

		c.Locals(localUserID, userID)
		c.Locals(localEmail, c.Get(HeaderUserEmail))
		c.Locals(localName, c.Get(HeaderUserName))

		return c.Next()
	}
}

// OptionalGatewayAuth reads the identity headers when present and lets
// anonymous requests through.
func OptionalGatewayAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if userID := c.Get(HeaderUserID); userID != "" {
			c.Locals(localUserID, userID)
			c.Locals(localEmail, c.Get(HeaderUserEmail))
			c.Locals(localName, c.Get(HeaderUserName))
		}
		return c.Next()
	}
}

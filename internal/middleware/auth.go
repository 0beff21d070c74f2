package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/payrail/payrail/internal/identity"
)

// Auth resolves the bearer token through the identity provider and stores the
// principal on the request context.
func Auth(resolver identity.Resolver) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
		}

		principal, err := resolver.Resolve(c.UserContext(), token)
		if err != nil {
			if errors.Is(err, identity.ErrUnknownToken) {
				return fiber.NewError(http.StatusUnauthorized, "invalid token")
			}
			return fiber.NewError(http.StatusServiceUnavailable, "identity provider unavailable")
		}

		c.Locals("user_id", principal.UserID)
		c.Locals("role", principal.Role)
		return c.Next()
	}
}

// RequireAdmin gates a route group to admin principals. It assumes Auth ran
// earlier in the chain.
func RequireAdmin() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if role, _ := c.Locals("role").(string); role != identity.RoleAdmin {
			return fiber.NewError(http.StatusForbidden, "admin role required")
		}
		return c.Next()
	}
}
